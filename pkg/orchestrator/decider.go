package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/openfroyo/specflow/pkg/engine"
)

// Decider is asked about drift that halts part of a run. A verdict with a
// pending decision pauses the affected items until a later decision.
type Decider interface {
	Decide(ctx context.Context, ev *engine.DriftEvent) (Verdict, error)
}

// Verdict is an operator's answer to a halting drift event.
type Verdict struct {
	Decision    engine.Decision
	Alternative string
}

// Pause leaves the event pending.
var Pause = Verdict{Decision: engine.DecisionPending}

// TerminalDecider prompts on a terminal.
type TerminalDecider struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalDecider creates a decider reading answers from in.
func NewTerminalDecider(in io.Reader, out io.Writer) *TerminalDecider {
	return &TerminalDecider{in: bufio.NewReader(in), out: out}
}

// Decide prints the event and asks to approve, reject, modify or pause. End
// of input pauses.
func (t *TerminalDecider) Decide(ctx context.Context, ev *engine.DriftEvent) (Verdict, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "\n[%s] %s: %s\n", strings.ToUpper(string(ev.Severity)), ev.Category, ev.Description)
	fmt.Fprintf(t.out, "  items:          %s\n", strings.Join(ev.AffectedItems, ", "))
	if ev.Expected != "" {
		fmt.Fprintf(t.out, "  expected:       %s\n", ev.Expected)
	}
	if ev.Actual != "" {
		fmt.Fprintf(t.out, "  actual:         %s\n", ev.Actual)
	}
	if ev.Impact != "" {
		fmt.Fprintf(t.out, "  impact:         %s\n", ev.Impact)
	}
	fmt.Fprintf(t.out, "  recommendation: %s\n", ev.Recommendation)

	for {
		fmt.Fprint(t.out, "[a]pprove, [r]eject, [m]odify, [p]ause (default pause)> ")
		answer, err := t.readLine(ctx)
		if err != nil {
			if err == io.EOF {
				return Pause, nil
			}
			return Pause, err
		}

		switch strings.ToLower(answer) {
		case "a", "approve":
			return Verdict{Decision: engine.DecisionApproved}, nil
		case "r", "reject":
			return Verdict{Decision: engine.DecisionRejected}, nil
		case "m", "modify":
			fmt.Fprint(t.out, "alternative> ")
			alt, err := t.readLine(ctx)
			if err != nil && err != io.EOF {
				return Pause, err
			}
			if alt == "" {
				return Pause, nil
			}
			return Verdict{Decision: engine.DecisionModified, Alternative: alt}, nil
		case "", "p", "pause":
			return Pause, nil
		}
		fmt.Fprintf(t.out, "unrecognized answer %q\n", answer)
	}
}

// readLine reads one trimmed line. io.EOF is returned only when nothing was
// read.
func (t *TerminalDecider) readLine(ctx context.Context) (string, error) {
	type line struct {
		text string
		err  error
	}
	read := make(chan line, 1)
	go func() {
		text, err := t.in.ReadString('\n')
		read <- line{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l := <-read:
		text := strings.TrimSpace(l.text)
		if l.err != nil && (l.err != io.EOF || text == "") {
			return "", l.err
		}
		return text, nil
	}
}
