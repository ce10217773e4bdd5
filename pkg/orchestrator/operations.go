package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/roadmap"
)

// PlanResult describes how a roadmap load changed the store.
type PlanResult struct {
	Created     []string `json:"created,omitempty"`
	Updated     []string `json:"updated,omitempty"`
	Reactivated []string `json:"reactivated,omitempty"`
	Deactivated []string `json:"deactivated,omitempty"`

	// Levels groups active items that have no dependencies on each other.
	Levels [][]string `json:"levels"`

	Graph *engine.DependencyGraph `json:"-"`
}

// Plan reconciles the store with a roadmap. New items are created in the
// drafting status, existing ones take the roadmap's title, dependencies,
// priority and tags, and items missing from the roadmap become inactive.
// An invalid graph is rejected before anything is written.
func (o *Orchestrator) Plan(ctx context.Context, rm *roadmap.Roadmap) (*PlanResult, error) {
	for _, it := range rm.Items {
		if it.PhaseStatus != "" && it.PhaseStatus != engine.StatusDrafting {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("item %s: a roadmap cannot start an item at %s", it.ID, it.PhaseStatus), nil).
				WithCode(engine.ErrCodeValidation).WithItem(it.ID)
		}
	}
	candidate := engine.NewDependencyGraph()
	if err := candidate.AddItems(rm.Items); err != nil {
		return nil, err
	}

	out := &PlanResult{}
	err := o.withRunLease(ctx, func(*runLease) error {
		states, err := o.store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to load items: %w", err)
		}
		existing := make(map[string]*engine.WorkItem, len(states))
		for _, s := range states {
			existing[s.Item.ID] = &s.Item
		}

		listed := make(map[string]bool, len(rm.Items))
		for _, want := range rm.Items {
			listed[want.ID] = true
			cur, ok := existing[want.ID]
			if !ok {
				item := want
				item.Inactive = false
				item.PhaseStatus = engine.StatusDrafting
				if err := o.store.CreateItem(ctx, &item); err != nil {
					return fmt.Errorf("failed to create %s: %w", item.ID, err)
				}
				out.Created = append(out.Created, item.ID)
				continue
			}
			if planUpdate(*cur, want) == nil {
				continue
			}
			saved, err := engine.UpdateItem(ctx, o.store, want.ID, o.owner, func(s *engine.ItemState) (*engine.ItemUpdate, error) {
				return planUpdate(s.Item, want), nil
			})
			if err != nil {
				return fmt.Errorf("failed to update %s: %w", want.ID, err)
			}
			if saved == nil {
				continue
			}
			if cur.Inactive {
				out.Reactivated = append(out.Reactivated, want.ID)
			} else {
				out.Updated = append(out.Updated, want.ID)
			}
		}

		for _, s := range states {
			if listed[s.Item.ID] || s.Item.Inactive {
				continue
			}
			inactive := true
			if _, err := engine.UpdateItem(ctx, o.store, s.Item.ID, o.owner, func(*engine.ItemState) (*engine.ItemUpdate, error) {
				return &engine.ItemUpdate{Inactive: &inactive}, nil
			}); err != nil {
				return fmt.Errorf("failed to deactivate %s: %w", s.Item.ID, err)
			}
			out.Deactivated = append(out.Deactivated, s.Item.ID)
		}

		graph, err := o.graph(ctx)
		if err != nil {
			return err
		}
		out.Graph = graph
		out.Levels = graph.Levels()
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info().
		Int("created", len(out.Created)).
		Int("updated", len(out.Updated)).
		Int("reactivated", len(out.Reactivated)).
		Int("deactivated", len(out.Deactivated)).
		Int("levels", len(out.Levels)).
		Msg("Roadmap planned")
	return out, nil
}

// planUpdate returns the changes needed to bring cur in line with the
// roadmap entry, or nil when there are none. Status is left alone.
func planUpdate(cur, want engine.WorkItem) *engine.ItemUpdate {
	var (
		update  engine.ItemUpdate
		changed bool
	)
	if cur.Title != want.Title {
		update.Title = &want.Title
		changed = true
	}
	if !sameStrings(cur.Dependencies, want.Dependencies) {
		update.Dependencies, update.SetDeps = want.Dependencies, true
		changed = true
	}
	if cur.Priority != want.Priority {
		update.Priority = &want.Priority
		changed = true
	}
	if !sameStrings(cur.Tags, want.Tags) || !sameStrings(cur.RelatedItems, want.RelatedItems) {
		update.Tags, update.RelatedItems, update.SetMeta = want.Tags, want.RelatedItems, true
		changed = true
	}
	if cur.Inactive {
		active := false
		update.Inactive = &active
		changed = true
	}
	if !changed {
		return nil
	}
	return &update
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RunSpec shapes and writes specifications for the given items. Parallel
// dispatches both phases through the worker pool regardless of the gates.
func (o *Orchestrator) RunSpec(ctx context.Context, ids []string, parallel bool) (*Result, error) {
	if len(ids) == 0 {
		return nil, engine.NewPermanentError("no work items given", nil).WithCode(engine.ErrCodeValidation)
	}
	plan := &runPlan{
		phases: []engine.Phase{engine.PhaseShape, engine.PhaseWriteSpec},
		scope:  toSet(ids),
	}
	if parallel {
		plan.mode = engine.ModeParallel
	}
	return o.execute(ctx, "spec", plan, ids)
}

// Implement implements and verifies the given items, or every item when ids
// is empty.
func (o *Orchestrator) Implement(ctx context.Context, ids []string) (*Result, error) {
	plan := &runPlan{phases: []engine.Phase{engine.PhaseImplement, engine.PhaseVerify}}
	if len(ids) > 0 {
		plan.scope = toSet(ids)
	}
	return o.execute(ctx, "implement", plan, ids)
}

// ExecuteOptions selects how much of the lifecycle Execute runs.
type ExecuteOptions struct {
	// SpecOnly stops before implementation, after the task breakdown.
	SpecOnly bool

	// CheckpointAt stops the run after the given phase and its alignment
	// checkpoint, even if that checkpoint is disabled in the configuration.
	CheckpointAt engine.Phase
}

// Execute runs the full loop over every item.
func (o *Orchestrator) Execute(ctx context.Context, opts ExecuteOptions) (*Result, error) {
	phases := append([]engine.Phase(nil), engine.Phases...)
	if opts.SpecOnly {
		phases = phasesThrough(phases, engine.PhaseCreateTasks)
	}
	if opts.CheckpointAt != "" {
		if err := opts.CheckpointAt.Validate(); err != nil {
			return nil, engine.NewPermanentError("invalid checkpoint", err).WithCode(engine.ErrCodeValidation)
		}
		phases = phasesThrough(phases, opts.CheckpointAt)
	}

	plan := &runPlan{
		phases: phases,
		checkpoints: map[engine.Phase]bool{
			engine.PhaseWriteSpec:   o.cfg.CheckpointsEnabled.AfterSpecAlignment,
			engine.PhaseCreateTasks: o.cfg.CheckpointsEnabled.AfterTaskAlignment,
		},
	}
	if isAlignmentPhase(opts.CheckpointAt) {
		plan.checkpoints[opts.CheckpointAt] = true
	}

	res, err := o.execute(ctx, "execute", plan, nil)
	if err == nil && opts.CheckpointAt != "" && res.Stopped == "" {
		res.Stopped = fmt.Sprintf("stopped after %s", opts.CheckpointAt)
	}
	return res, err
}

// phasesThrough cuts phases after last. Phases already cut are kept as is.
func phasesThrough(phases []engine.Phase, last engine.Phase) []engine.Phase {
	for i, p := range phases {
		if p == last {
			return phases[:i+1]
		}
	}
	return phases
}

func isAlignmentPhase(p engine.Phase) bool {
	return p == engine.PhaseWriteSpec || p == engine.PhaseCreateTasks
}

func (o *Orchestrator) execute(ctx context.Context, op string, plan *runPlan, ids []string) (*Result, error) {
	return o.run(ctx, op, func(ctx context.Context, res *Result, lease *runLease) error {
		if err := o.checkItems(ctx, ids); err != nil {
			return err
		}
		err := o.loop(ctx, plan, res, lease)
		if sumErr := o.summarize(context.WithoutCancel(ctx), plan, res); err == nil {
			err = sumErr
		}
		return err
	})
}

// checkItems verifies that every ID names an active item.
func (o *Orchestrator) checkItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	graph, err := o.graph(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		item, ok := graph.Item(id)
		if !ok || item.Inactive {
			return engine.NewPermanentError(fmt.Sprintf("unknown work item %s", id), nil).
				WithCode(engine.ErrCodeNotFound).WithItem(id)
		}
	}
	return nil
}

// Align runs one alignment checkpoint over every item with a successful
// write-spec or create-tasks record.
func (o *Orchestrator) Align(ctx context.Context, phase engine.Phase) (*Result, error) {
	if !isAlignmentPhase(phase) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("alignment runs after %s or %s, not %s", engine.PhaseWriteSpec, engine.PhaseCreateTasks, phase), nil).
			WithCode(engine.ErrCodeValidation)
	}
	plan := &runPlan{phases: []engine.Phase{phase}}
	return o.run(ctx, "align", func(ctx context.Context, res *Result, _ *runLease) error {
		st := &loopState{
			plan:     plan,
			res:      res,
			deferred: make(map[string]bool),
			asked:    make(map[string]bool),
			logger:   o.logger.With().Str("run_id", res.RunID).Logger(),
		}
		if err := o.resolveOpen(ctx, st); err != nil {
			return err
		}
		report, err := o.checkpoint(ctx, st, phase)
		if err != nil {
			return err
		}
		if report == nil {
			st.logger.Info().Str("phase", string(phase)).Msg("Nothing to align")
		} else if _, err := o.consult(ctx, st, &haltInfo{events: haltingEvents(report)}); err != nil {
			return err
		}
		if err := o.summarize(ctx, plan, res); err != nil {
			return err
		}
		res.Incomplete = nil
		return nil
	})
}

func haltingEvents(report *engine.AlignmentReport) []*engine.DriftEvent {
	var out []*engine.DriftEvent
	for _, ev := range report.Events {
		if ev.Halting() {
			out = append(out, ev)
		}
	}
	return out
}

// Decide records an operator decision on a pending drift event and applies
// it. Modified decisions need the operator's alternative.
func (o *Orchestrator) Decide(ctx context.Context, eventID string, decision engine.Decision, alternative string) (*engine.AlignmentReport, error) {
	if !decision.IsFinal() {
		return nil, engine.NewPermanentError(fmt.Sprintf("decision must be approved, rejected or modified, got %q", decision), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if decision == engine.DecisionModified && alternative == "" {
		return nil, engine.NewPermanentError("a modified decision needs an alternative", nil).
			WithCode(engine.ErrCodeValidation)
	}

	var report *engine.AlignmentReport
	err := o.withRunLease(ctx, func(*runLease) error {
		var err error
		report, err = o.aligner.Decide(ctx, eventID, decision, alternative, ActorOperator)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Unblock moves blocked items back to the status they were blocked from.
// Items that are not blocked are left alone and not returned.
func (o *Orchestrator) Unblock(ctx context.Context, ids []string) ([]string, error) {
	var unblocked []string
	err := o.withRunLease(ctx, func(*runLease) error {
		for _, id := range ids {
			var from engine.PhaseStatus
			saved, err := engine.UpdateItem(ctx, o.store, id, o.owner, func(s *engine.ItemState) (*engine.ItemUpdate, error) {
				if s.Item.PhaseStatus != engine.StatusBlocked {
					return nil, nil
				}
				from = s.Item.BlockedFrom
				if from == "" {
					from = engine.StatusDrafting
				}
				var none engine.PhaseStatus
				reason := ""
				return &engine.ItemUpdate{Status: &from, BlockedFrom: &none, BlockReason: &reason}, nil
			})
			if err != nil {
				return fmt.Errorf("failed to unblock %s: %w", id, err)
			}
			if saved == nil {
				o.logger.Info().Str("item", id).Msg("Item is not blocked")
				continue
			}
			unblocked = append(unblocked, id)

			entry := &engine.AuditEntry{
				ID:        uuid.New().String(),
				Timestamp: time.Now(),
				Actor:     ActorOperator,
				Action:    "unblock",
				Subject:   id,
				Details:   map[string]interface{}{"status": string(from)},
			}
			if err := o.store.RecordAudit(ctx, entry); err != nil {
				o.logger.Warn().Err(err).Str("item", id).Msg("Failed to record audit entry")
			}
			o.logger.Info().Str("item", id).Str("status", string(from)).Msg("Item unblocked")
		}
		return nil
	})
	return unblocked, err
}

// StatusReport summarizes the store.
type StatusReport struct {
	Counts   map[engine.PhaseStatus]int `json:"counts"`
	Items    []ItemStatus               `json:"items"`
	Inactive int                        `json:"inactive"`

	// Ready lists, per phase, the items a run would dispatch next.
	Ready map[engine.Phase][]string `json:"ready,omitempty"`

	// Halted lists items held back by undecided drift, with dependents.
	Halted []string `json:"halted,omitempty"`

	// Pending lists every drift event awaiting a decision.
	Pending []*engine.DriftEvent `json:"pending,omitempty"`
}

// ItemStatus is one active item in a StatusReport.
type ItemStatus struct {
	ID           string             `json:"id"`
	Title        string             `json:"title,omitempty"`
	Status       engine.PhaseStatus `json:"status"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Priority     int                `json:"priority"`
	BlockReason  string             `json:"block_reason,omitempty"`
	Halted       bool               `json:"halted,omitempty"`
	LastPhase    engine.Phase       `json:"last_phase,omitempty"`
	LastOutcome  engine.Outcome     `json:"last_outcome,omitempty"`
	Attempts     int                `json:"attempts,omitempty"`
}

// Status reports item counts per status, what is ready, and pending drift.
func (o *Orchestrator) Status(ctx context.Context) (*StatusReport, error) {
	states, err := o.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	graph, err := engine.BuildGraph(states)
	if err != nil {
		return nil, err
	}
	halt, err := o.haltState(ctx, graph, nil)
	if err != nil {
		return nil, err
	}
	halted := halt.exclude()

	report := &StatusReport{
		Counts: make(map[engine.PhaseStatus]int),
		Ready:  make(map[engine.Phase][]string),
		Halted: halt.items,
	}
	for _, s := range states {
		if s.Item.Inactive {
			report.Inactive++
			continue
		}
		report.Counts[s.Item.PhaseStatus]++
		is := ItemStatus{
			ID:           s.Item.ID,
			Title:        s.Item.Title,
			Status:       s.Item.PhaseStatus,
			Dependencies: s.Item.Dependencies,
			Priority:     s.Item.Priority,
			BlockReason:  s.Item.BlockReason,
			Halted:       halted[s.Item.ID],
		}
		if n := len(s.History); n > 0 {
			last := s.History[n-1]
			is.LastPhase, is.LastOutcome, is.Attempts = last.Phase, last.Outcome, last.Attempts
		}
		report.Items = append(report.Items, is)
	}

	if !(len(halt.events) > 0 && o.cfg.HaltScope == engine.HaltGlobal) {
		for _, phase := range engine.Phases {
			for _, item := range graph.ComputeReadySet(o.gates.ReadyGate(phase, halted)) {
				report.Ready[phase] = append(report.Ready[phase], item.ID)
			}
		}
	}

	reports, err := o.store.ListReports(ctx, engine.ReportPendingReview)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	for _, r := range reports {
		report.Pending = append(report.Pending, r.Pending()...)
	}

	if o.metrics != nil {
		o.metrics.SetItemCounts(report.Counts)
		o.metrics.SetHalted(len(halt.items))
	}
	return report, nil
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func appendUnique(list []string, id string) []string {
	for _, s := range list {
		if s == id {
			return list
		}
	}
	return append(list, id)
}
