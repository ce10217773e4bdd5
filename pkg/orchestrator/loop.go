package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/specflow/pkg/alignment"
	"github.com/openfroyo/specflow/pkg/engine"
)

// loopState is the in-memory bookkeeping of one run.
type loopState struct {
	plan *runPlan
	res  *Result

	// deferred holds reports of executor-reported drift that only halt once
	// the next checkpoint has run.
	deferred map[string]bool

	// asked holds events already put to the decider.
	asked map[string]bool

	logger zerolog.Logger
}

// loop runs rounds over the plan's phases until a full round makes no
// progress, a global halt stops dispatching, or ctx is cancelled.
func (o *Orchestrator) loop(ctx context.Context, plan *runPlan, res *Result, lease *runLease) error {
	st := &loopState{
		plan:     plan,
		res:      res,
		deferred: make(map[string]bool),
		asked:    make(map[string]bool),
		logger:   o.logger.With().Str("run_id", res.RunID).Logger(),
	}

	if n, err := o.store.ReleaseExpiredLeases(ctx); err != nil {
		return fmt.Errorf("failed to release expired leases: %w", err)
	} else if n > 0 {
		st.logger.Info().Int("leases", n).Msg("Released expired leases from an earlier run")
	}
	if err := o.resolveOpen(ctx, st); err != nil {
		return err
	}

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if round > 1 {
			if err := lease.renew(ctx); err != nil {
				return err
			}
		}
		res.Rounds = round

		progressed := false
		for _, phase := range plan.phases {
			moved, stop, err := o.step(ctx, st, phase, round)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			progressed = progressed || moved
		}
		if !progressed {
			st.logger.Debug().Int("rounds", round).Msg("No further progress")
			return nil
		}
	}
}

// step dispatches one phase's ready set and runs its checkpoint. It reports
// whether anything moved and whether the run must stop.
func (o *Orchestrator) step(ctx context.Context, st *loopState, phase engine.Phase, round int) (bool, bool, error) {
	graph, halt, err := o.view(ctx, st.deferred)
	if err != nil {
		return false, false, err
	}

	progressed := false
	decided, err := o.consult(ctx, st, halt)
	if err != nil {
		return false, false, err
	}
	if decided {
		progressed = true
		if graph, halt, err = o.view(ctx, st.deferred); err != nil {
			return false, false, err
		}
	}

	if len(halt.events) > 0 && o.cfg.HaltScope == engine.HaltGlobal {
		st.res.Stopped = fmt.Sprintf("halted: %d drift event(s) await a decision", len(halt.events))
		st.logger.Warn().
			Int("events", len(halt.events)).
			Strs("items", halt.items).
			Msg("Dispatching stopped until drift is decided")
		return progressed, true, nil
	}

	var ready []engine.WorkItem
	for _, item := range graph.ComputeReadySet(o.gates.ReadyGate(phase, halt.exclude())) {
		if st.plan.inScope(item.ID) {
			ready = append(ready, item)
		}
	}

	succeeded := 0
	if len(ready) > 0 {
		mode := st.plan.mode
		if mode == "" {
			mode = o.gates.Gate(phase).Mode
		}
		st.logger.Info().
			Str("phase", string(phase)).
			Str("mode", string(mode)).
			Int("round", round).
			Int("ready", len(ready)).
			Int("halted", len(halt.items)).
			Msg("Dispatching batch")

		br, err := o.batch.RunPhase(ctx, ready, phase, mode, o.cfg.MaxConcurrency)
		if br != nil {
			st.res.Batches = append(st.res.Batches, br)
		}
		if err != nil {
			return false, false, err
		}
		progressed = progressed || br.Progressed()
		succeeded = br.Succeeded

		if err := o.absorb(ctx, st, phase, br); err != nil {
			return false, false, err
		}
		if err := ctx.Err(); err != nil {
			return false, false, err
		}
	}

	// The first round also reviews work finished by an interrupted run.
	if st.plan.checkpoints[phase] && (succeeded > 0 || round == 1) {
		report, err := o.checkpoint(ctx, st, phase)
		if err != nil {
			return false, false, err
		}
		if report != nil && len(report.Events) > 0 {
			progressed = true
		}
	}
	return progressed, false, nil
}

// view rebuilds the graph from the store and computes the halted subgraph.
func (o *Orchestrator) view(ctx context.Context, deferred map[string]bool) (*engine.DependencyGraph, *haltInfo, error) {
	graph, err := o.graph(ctx)
	if err != nil {
		return nil, nil, err
	}
	halt, err := o.haltState(ctx, graph, deferred)
	if err != nil {
		return nil, nil, err
	}
	if o.metrics != nil {
		o.metrics.SetHalted(len(halt.items))
	}
	return graph, halt, nil
}

func (o *Orchestrator) graph(ctx context.Context) (*engine.DependencyGraph, error) {
	states, err := o.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	return engine.BuildGraph(states)
}

// absorb processes what the executor reported besides the outcome: declared
// work items and drift.
func (o *Orchestrator) absorb(ctx context.Context, st *loopState, phase engine.Phase, br *engine.BatchResult) error {
	for _, ir := range br.Items {
		if ir.Skipped && ir.SkipReason == engine.SkipLeaseHeld {
			st.logger.Warn().Str("item", ir.ItemID).Str("phase", string(phase)).Msg("Item skipped, its lease is held by another writer")
			st.res.Contended = appendUnique(st.res.Contended, ir.ItemID)
		}
		if ir.Outcome != engine.OutcomeSuccess {
			continue
		}
		if len(ir.NewItems) > 0 {
			if err := o.addItems(ctx, st, ir.ItemID, ir.NewItems); err != nil {
				return err
			}
		}
		if len(ir.DriftEvents) == 0 {
			continue
		}

		report, err := o.aligner.Record(ctx, phase, ir.ItemID, ir.DriftEvents)
		if err != nil {
			return fmt.Errorf("failed to record drift from %s: %w", ir.ItemID, err)
		}
		if report == nil {
			continue
		}
		o.recordDrift(report)
		if report, err = o.autoResolve(ctx, report); err != nil {
			return err
		}
		st.res.Reports = append(st.res.Reports, report)

		if !o.cfg.CheckpointsEnabled.OnHighSeverityDrift {
			st.deferred[report.ID] = true
			if len(alignment.Blocking(report)) > 0 {
				st.logger.Info().
					Str("item", ir.ItemID).
					Str("report", report.ID).
					Msg("Reported drift will be held until the next checkpoint")
			}
			continue
		}
		o.announce(ctx, st, phase, report)
	}
	return nil
}

// addItems stores items declared mid-run. Items that would break the graph
// are logged and skipped.
func (o *Orchestrator) addItems(ctx context.Context, st *loopState, parent string, items []engine.WorkItem) error {
	graph, err := o.graph(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if _, exists := graph.Item(it.ID); exists {
			st.logger.Debug().Str("item", it.ID).Str("declared_by", parent).Msg("Declared item already exists")
			continue
		}
		item := engine.WorkItem{
			ID:           it.ID,
			Title:        it.Title,
			PhaseStatus:  engine.StatusDrafting,
			Dependencies: it.Dependencies,
			Priority:     it.Priority,
			RelatedItems: it.RelatedItems,
			Tags:         it.Tags,
		}
		if err := graph.AddItem(item); err != nil {
			st.logger.Warn().Err(err).Str("item", it.ID).Str("declared_by", parent).Msg("Rejected declared item")
			continue
		}
		if err := o.store.CreateItem(ctx, &item); err != nil {
			return fmt.Errorf("failed to create declared item %s: %w", item.ID, err)
		}
		if st.plan.scope != nil {
			st.plan.scope[item.ID] = true
		}
		st.res.NewItems = append(st.res.NewItems, item.ID)
		st.logger.Info().Str("item", item.ID).Str("declared_by", parent).Msg("Added declared item")
	}
	return nil
}

// checkpoint reviews every active item with a successful record for phase,
// auto-resolves what it can and announces what halts. Deferred reports are
// released: from now on their drift halts like any other.
func (o *Orchestrator) checkpoint(ctx context.Context, st *loopState, phase engine.Phase) (*engine.AlignmentReport, error) {
	states, err := o.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	var ids []string
	for _, s := range states {
		if s.Item.Inactive {
			continue
		}
		if _, ok := s.LatestSuccess(phase); ok {
			ids = append(ids, s.Item.ID)
		}
	}
	for id := range st.deferred {
		delete(st.deferred, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	report, err := o.aligner.Review(ctx, phase, ids)
	if err != nil {
		return nil, fmt.Errorf("alignment review after %s failed: %w", phase, err)
	}
	o.recordDrift(report)
	if report, err = o.autoResolve(ctx, report); err != nil {
		return nil, err
	}
	st.res.Reports = append(st.res.Reports, report)
	o.announce(ctx, st, phase, report)
	return report, nil
}

// resolveOpen auto-resolves low and medium events left pending by an
// interrupted run.
func (o *Orchestrator) resolveOpen(ctx context.Context, st *loopState) error {
	reports, err := o.store.ListReports(ctx, engine.ReportPendingReview)
	if err != nil {
		return fmt.Errorf("failed to list reports: %w", err)
	}
	for _, r := range reports {
		if _, err := o.autoResolve(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) autoResolve(ctx context.Context, report *engine.AlignmentReport) (*engine.AlignmentReport, error) {
	for _, ev := range report.Pending() {
		if !ev.Severity.Halts() {
			resolved, err := o.aligner.AutoResolve(ctx, report.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to auto-resolve report %s: %w", report.ID, err)
			}
			return resolved, nil
		}
	}
	return report, nil
}

// consult puts halting events to the decider, one at a time. An event left
// pending pauses its subgraph and is not asked about again in this run.
func (o *Orchestrator) consult(ctx context.Context, st *loopState, halt *haltInfo) (bool, error) {
	if o.decider == nil {
		return false, nil
	}
	decided := false
	for _, ev := range halt.events {
		if st.asked[ev.ID] {
			continue
		}
		st.asked[ev.ID] = true

		verdict, err := o.decider.Decide(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return decided, ctx.Err()
			}
			st.logger.Warn().Err(err).Str("event", ev.ID).Msg("No decision, event stays pending")
			continue
		}
		if !verdict.Decision.IsFinal() {
			st.logger.Info().Str("event", ev.ID).Strs("items", ev.AffectedItems).Msg("Paused on drift")
			continue
		}
		if _, err := o.aligner.Decide(ctx, ev.ID, verdict.Decision, verdict.Alternative, ActorOperator); err != nil {
			return decided, fmt.Errorf("failed to apply decision on %s: %w", ev.ID, err)
		}
		decided = true
	}
	return decided, nil
}

// announce publishes a checkpoint halt for the report's halting events.
func (o *Orchestrator) announce(ctx context.Context, st *loopState, phase engine.Phase, report *engine.AlignmentReport) {
	items := alignment.Blocking(report)
	if len(items) == 0 {
		return
	}
	st.logger.Warn().
		Str("report", report.ID).
		Str("phase", string(phase)).
		Strs("items", items).
		Msg("Drift requires a decision")
	o.publish(ctx, engine.EventCheckpointHalted, phase,
		fmt.Sprintf("%d item(s) halted after %s awaiting a decision", len(items), phase),
		map[string]interface{}{"report": report.ID, "items": items})
}

func (o *Orchestrator) recordDrift(report *engine.AlignmentReport) {
	if o.metrics == nil {
		return
	}
	events := make([]engine.DriftEvent, 0, len(report.Events))
	for _, ev := range report.Events {
		events = append(events, *ev)
	}
	o.metrics.RecordDrift(events)
}

func (o *Orchestrator) publish(ctx context.Context, typ engine.EventType, phase engine.Phase, msg string, data map[string]interface{}) {
	if o.publisher == nil {
		return
	}
	event := &engine.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		Phase:     phase,
		Message:   msg,
		Data:      data,
	}
	if err := o.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Debug().Err(err).Str("event", string(typ)).Msg("Failed to publish event")
	}
}
