package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/orchestrator"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func severityLabel(s engine.Severity) string {
	label := strings.ToUpper(string(s))
	switch s {
	case engine.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(label)
	case engine.SeverityHigh:
		return color.New(color.FgRed).Sprint(label)
	case engine.SeverityMedium:
		return color.New(color.FgYellow).Sprint(label)
	}
	return color.New(color.FgCyan).Sprint(label)
}

func statusLabel(s engine.PhaseStatus) string {
	switch s {
	case engine.StatusCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case engine.StatusBlocked:
		return color.New(color.FgRed).Sprint(s)
	case engine.StatusNeedsRevision:
		return color.New(color.FgYellow).Sprint(s)
	}
	return string(s)
}

func printResult(w io.Writer, res *orchestrator.Result) error {
	if jsonOutput {
		return printJSON(w, res)
	}

	fmt.Fprintf(w, "%s %s: %d session(s) in %d round(s)\n", res.Operation, res.RunID, res.Dispatched(), res.Rounds)
	for _, b := range res.Batches {
		fmt.Fprintf(w, "  %-13s %-10s %d succeeded, %d failed, %d blocked, %d skipped\n",
			b.Phase, b.Mode, b.Succeeded, b.Failed, b.Blocked, b.Skipped)
	}
	if len(res.NewItems) > 0 {
		fmt.Fprintf(w, "\nDeclared items added: %s\n", strings.Join(res.NewItems, ", "))
	}

	resolved := 0
	for _, r := range res.Reports {
		for _, ev := range r.Events {
			if ev.Decision != engine.DecisionPending {
				resolved++
			}
		}
	}
	if resolved > 0 {
		fmt.Fprintf(w, "\n%d drift event(s) resolved automatically\n", resolved)
	}

	if len(res.PendingDecisions) > 0 {
		fmt.Fprintf(w, "\nAwaiting decision:\n")
		printEvents(w, res.PendingDecisions)
	}
	if len(res.Halted) > 0 {
		fmt.Fprintf(w, "\nHalted: %s\n", strings.Join(res.Halted, ", "))
	}
	if len(res.Blocked) > 0 {
		fmt.Fprintf(w, "\n%s %s\n", color.New(color.FgRed).Sprint("Blocked:"), strings.Join(res.Blocked, ", "))
	}
	if len(res.Incomplete) > 0 {
		fmt.Fprintf(w, "Not finished: %s\n", strings.Join(res.Incomplete, ", "))
	}
	if res.Stopped != "" {
		fmt.Fprintf(w, "\nStopped: %s\n", res.Stopped)
	}

	switch res.ExitCode {
	case orchestrator.ExitClean:
		fmt.Fprintf(w, "\n%s\n", color.New(color.FgGreen).Sprint("Done"))
	case orchestrator.ExitHalted:
		fmt.Fprintf(w, "\nDecide with: specflow decide <event-id> --approve|--reject|--modify <text>\n")
	case orchestrator.ExitPartial:
		fmt.Fprintf(w, "\nRetry blocked items with: specflow unblock <ids>\n")
	}
	return nil
}

func printEvents(w io.Writer, events []*engine.DriftEvent) {
	for _, ev := range events {
		fmt.Fprintf(w, "  %s  %s %s: %s\n", ev.ID, severityLabel(ev.Severity), ev.Category, ev.Description)
		fmt.Fprintf(w, "      items: %s\n", strings.Join(ev.AffectedItems, ", "))
		if ev.Expected != "" || ev.Actual != "" {
			fmt.Fprintf(w, "      expected %s, got %s\n", ev.Expected, ev.Actual)
		}
		fmt.Fprintf(w, "      recommendation: %s\n", ev.Recommendation)
	}
}

func printStatus(w io.Writer, st *orchestrator.StatusReport) error {
	if jsonOutput {
		return printJSON(w, st)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tSTATUS\tPRIORITY\tLAST\tDEPENDS ON")
	for _, it := range st.Items {
		last := "-"
		if it.LastPhase != "" {
			last = fmt.Sprintf("%s %s (%d)", it.LastPhase, it.LastOutcome, it.Attempts)
		}
		status := statusLabel(it.Status)
		if it.Halted {
			status += " (halted)"
		}
		deps := strings.Join(it.Dependencies, ",")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", it.ID, status, it.Priority, last, deps)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, it := range st.Items {
		if it.BlockReason != "" {
			fmt.Fprintf(w, "\n%s blocked: %s", it.ID, it.BlockReason)
		}
	}
	if st.Inactive > 0 {
		fmt.Fprintf(w, "\n%d inactive item(s) not shown\n", st.Inactive)
	}

	var ready []string
	for _, phase := range engine.Phases {
		if ids := st.Ready[phase]; len(ids) > 0 {
			ready = append(ready, fmt.Sprintf("%s: %s", phase, strings.Join(ids, ", ")))
		}
	}
	if len(ready) > 0 {
		fmt.Fprintf(w, "\nReady:\n  %s\n", strings.Join(ready, "\n  "))
	}
	if len(st.Pending) > 0 {
		fmt.Fprintf(w, "\nPending drift:\n")
		printEvents(w, st.Pending)
	}
	return nil
}

func printPlan(w io.Writer, pr *orchestrator.PlanResult) error {
	if jsonOutput {
		return printJSON(w, pr)
	}
	for _, c := range []struct {
		label string
		ids   []string
	}{
		{"Created", pr.Created},
		{"Updated", pr.Updated},
		{"Reactivated", pr.Reactivated},
		{"Deactivated", pr.Deactivated},
	} {
		if len(c.ids) > 0 {
			fmt.Fprintf(w, "%s: %s\n", c.label, strings.Join(c.ids, ", "))
		}
	}
	fmt.Fprintf(w, "\nExecution levels:\n")
	for i, level := range pr.Levels {
		fmt.Fprintf(w, "  %d. %s\n", i+1, strings.Join(level, ", "))
	}
	return nil
}
