package alignment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/specflow/pkg/engine"
)

// ActorAuto is the DecidedBy value for automatic resolutions.
const ActorAuto = "auto"

// maxAutoRounds bounds how often AutoResolve follows cascade findings.
const maxAutoRounds = 5

// Resolution is a decision on one drift event.
type Resolution struct {
	EventID     string          `json:"event_id"`
	Decision    engine.Decision `json:"decision"`
	Alternative string          `json:"alternative,omitempty"`
	DecidedBy   string          `json:"decided_by,omitempty"`
}

// Engine compares artifacts across items at phase boundaries and applies the
// decisions taken on what it finds.
type Engine struct {
	store      engine.StateStore
	classifier engine.Classifier
	publisher  engine.EventPublisher
	logger     zerolog.Logger
	tracer     trace.Tracer
	owner      string
	now        func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPublisher sets the event publisher.
func WithPublisher(p engine.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithOwner sets the lease owner used for writes.
func WithOwner(owner string) Option {
	return func(e *Engine) { e.owner = owner }
}

// New creates an alignment engine.
func New(store engine.StateStore, classifier engine.Classifier, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		classifier: classifier,
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("specflow/alignment"),
		owner:      "alignment-" + uuid.New().String(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Review compares the latest artifacts of the given items for phase and
// persists the findings as a new report.
func (e *Engine) Review(ctx context.Context, phase engine.Phase, ids []string) (*engine.AlignmentReport, error) {
	ctx, span := e.tracer.Start(ctx, "alignment.review",
		trace.WithAttributes(attribute.String("phase", string(phase)), attribute.Int("items", len(ids))))
	defer span.End()

	states, err := e.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	graph, err := engine.BuildGraph(states)
	if err != nil {
		return nil, err
	}

	reportID := uuid.New().String()
	events, err := e.findEvents(ctx, phase, states, graph, ids, reportID, nil)
	if err != nil {
		return nil, err
	}

	reviewed := reviewedOrder(states, ids)
	report := &engine.AlignmentReport{
		ID:               reportID,
		Phase:            phase,
		ReviewedItems:    reviewed,
		Events:           events,
		RecommendedOrder: recommendedOrder(graph, events, reviewed),
	}
	report.Status = statusFor(report)
	if err := e.save(ctx, report); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("events", len(events)))
	e.logger.Info().
		Str("report", report.ID).
		Str("phase", string(phase)).
		Int("items", len(reviewed)).
		Int("events", len(events)).
		Msg("Alignment review completed")
	for _, ev := range events {
		e.publish(ctx, engine.EventDriftDetected, ev)
	}
	return report, nil
}

// Record persists drift the executor reported for phase as a report. Events
// already raised or decided are dropped; nil is returned if nothing is new.
func (e *Engine) Record(ctx context.Context, phase engine.Phase, itemID string, reported []engine.DriftEvent) (*engine.AlignmentReport, error) {
	history, err := e.decisionHistory(ctx, "")
	if err != nil {
		return nil, err
	}

	reportID := uuid.New().String()
	now := e.now()
	var events []*engine.DriftEvent
	seen := make(map[string]bool)
	for i := range reported {
		ev := reported[i]
		if len(ev.AffectedItems) == 0 {
			ev.AffectedItems = []string{itemID}
		}
		if ev.Category == "" {
			ev.Category = "reported"
		}
		if ev.Fingerprint == "" {
			ev.Fingerprint = engine.Fingerprint(ev.Category, ev.Description, ev.AffectedItems)
		}
		if seen[ev.Fingerprint] {
			continue
		}
		seen[ev.Fingerprint] = true
		switch history[ev.Fingerprint] {
		case priorOpen, priorAccepted:
			continue
		case priorHumanFix:
			ev.Traits.ContradictsDecision = true
		}
		if ev.Traits.AffectedItems == 0 {
			ev.Traits.AffectedItems = len(ev.AffectedItems)
		}
		if ev.Edit.Kind == "" {
			ev.Edit.Kind = engine.EditNone
		}
		if ev.Edit.RevisitPhase == "" {
			ev.Edit.RevisitPhase = phase
		}
		ev.ID = uuid.New().String()
		ev.ReportID = reportID
		ev.Decision = engine.DecisionPending
		ev.CreatedAt = now
		if err := Classify(ctx, e.classifier, &ev); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	if len(events) == 0 {
		return nil, nil
	}

	report := &engine.AlignmentReport{
		ID:            reportID,
		Phase:         phase,
		ReviewedItems: []string{itemID},
		Events:        events,
		Status:        engine.ReportPendingReview,
	}
	if err := e.save(ctx, report); err != nil {
		return nil, err
	}
	for _, ev := range events {
		e.publish(ctx, engine.EventDriftDetected, ev)
	}
	return report, nil
}

// ApplyResolutions records decisions on a report's events and applies the
// edits of approved and modified events to the affected items. A cascade
// review of the touched items follows; new conflicts are appended as pending
// events and their parent resolution is marked modified with a follow-up.
func (e *Engine) ApplyResolutions(ctx context.Context, reportID string, resolutions []Resolution) (*engine.AlignmentReport, error) {
	ctx, span := e.tracer.Start(ctx, "alignment.apply",
		trace.WithAttributes(attribute.String("report", reportID), attribute.Int("decisions", len(resolutions))))
	defer span.End()

	var (
		out      *engine.AlignmentReport
		decided  []*engine.DriftEvent
		cascaded []*engine.DriftEvent
	)
	err := engine.WithLease(ctx, e.store, engine.ReportKey(reportID), e.owner, func(lease *engine.Lease) error {
		report, err := e.store.LoadReport(ctx, reportID)
		if err != nil {
			return err
		}

		now := e.now()
		var applied []*engine.DriftEvent
		for _, r := range resolutions {
			ev, err := decide(report, r, now)
			if err != nil {
				return err
			}
			decided = append(decided, ev)
			if ev.Decision != engine.DecisionRejected {
				applied = append(applied, ev)
			}
		}

		for _, ev := range applied {
			if err := e.applyEvent(ctx, report, ev); err != nil {
				return fmt.Errorf("failed to apply drift event %s: %w", ev.ID, err)
			}
			ev.Applied = true
		}
		if len(applied) > 0 {
			cascaded, err = e.cascade(ctx, report, applied)
			if err != nil {
				return err
			}
		}

		report.Status = statusFor(report)
		if err := e.store.SaveReport(ctx, lease, report); err != nil {
			return err
		}
		out = report
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range decided {
		e.audit(ctx, ev)
		e.publish(ctx, engine.EventDriftResolved, ev)
		e.logger.Info().
			Str("event", ev.ID).
			Str("category", ev.Category).
			Str("severity", string(ev.Severity)).
			Str("decision", string(ev.Decision)).
			Str("by", ev.DecidedBy).
			Bool("follow_up", ev.FollowUp).
			Msg("Drift event resolved")
	}
	for _, ev := range cascaded {
		e.publish(ctx, engine.EventDriftDetected, ev)
	}
	return out, nil
}

// decide validates and records one resolution on the report.
func decide(report *engine.AlignmentReport, r Resolution, now time.Time) (*engine.DriftEvent, error) {
	ev, ok := report.Event(r.EventID)
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("drift event %s not found in report %s", r.EventID, report.ID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err := r.Decision.Validate(); err != nil || !r.Decision.IsFinal() {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid decision %q", r.Decision), err).
			WithCode(engine.ErrCodeValidation)
	}
	if ev.Decision.IsFinal() {
		return nil, engine.NewPermanentError(fmt.Sprintf("drift event %s is already %s", ev.ID, ev.Decision), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if r.Decision == engine.DecisionModified && r.Alternative == "" {
		return nil, engine.NewPermanentError("a modified decision needs an alternative", nil).
			WithCode(engine.ErrCodeValidation)
	}

	ev.Decision = r.Decision
	ev.Alternative = r.Alternative
	ev.DecidedBy = r.DecidedBy
	if ev.DecidedBy == "" {
		ev.DecidedBy = "operator"
	}
	resolved := now
	ev.ResolvedAt = &resolved
	return ev, nil
}

// applyEvent rewrites recorded artifacts and regresses items for a decided event.
func (e *Engine) applyEvent(ctx context.Context, report *engine.AlignmentReport, ev *engine.DriftEvent) error {
	if ev.Edit.Kind == engine.EditAddDependency {
		if err := e.addDependency(ctx, ev); err != nil {
			return err
		}
	}

	revisit := ev.Edit.RevisitPhase
	if revisit == "" {
		revisit = report.Phase
	}
	regress := ev.Severity.Halts()
	rewrite := rewritesArtifacts(ev.Edit.Kind)

	note := fmt.Sprintf("%s resolved (%s): %s", ev.Category, ev.Decision, ev.Recommendation)
	if ev.Alternative != "" {
		note = fmt.Sprintf("%s resolved with an operator alternative: %s", ev.Category, ev.Alternative)
	}

	for _, id := range union(ev.Edit.Items, ev.AffectedItems) {
		edited := containsString(ev.Edit.Items, id) && rewrite
		_, err := engine.UpdateItem(ctx, e.store, id, e.owner, func(state *engine.ItemState) (*engine.ItemUpdate, error) {
			// Already applied by an earlier attempt that failed on another item.
			if resolvedBy(state, ev.ID) {
				return nil, nil
			}
			now := e.now()
			rec := engine.ExecutionRecord{
				ID:         uuid.New().String(),
				ItemID:     id,
				Phase:      report.Phase,
				Outcome:    engine.OutcomeSuccess,
				Origin:     engine.OriginResolution,
				StartedAt:  now,
				FinishedAt: now,
				Findings:   []string{note},
				Reason:     resolutionReason(ev.ID),
			}
			if base := latestWithArtifacts(state, report.Phase); base != nil {
				rec.Phase = base.Phase
				rec.Artifacts = base.Artifacts
				if edited {
					rec.Artifacts = applyEdit(base.Artifacts, ev.Edit)
				}
			}

			update := &engine.ItemUpdate{AppendRecords: []engine.ExecutionRecord{rec}}
			if regress {
				regressTo(update, state.Item, revisit.Entry())
			}
			return update, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func resolutionReason(eventID string) string {
	return "drift event " + eventID
}

// resolvedBy reports whether the item already carries the resolution record
// of the event.
func resolvedBy(state *engine.ItemState, eventID string) bool {
	reason := resolutionReason(eventID)
	for _, r := range state.History {
		if r.Origin == engine.OriginResolution && r.Reason == reason {
			return true
		}
	}
	return false
}

// regressTo sends an item that is past target back to it.
func regressTo(update *engine.ItemUpdate, item engine.WorkItem, target engine.PhaseStatus) {
	if item.PhaseStatus == engine.StatusBlocked {
		if item.BlockedFrom.Rank() > target.Rank() {
			update.BlockedFrom = &target
		}
		return
	}
	if item.EffectiveStatus().Rank() > target.Rank() {
		status := engine.StatusNeedsRevision
		update.Status = &status
		update.RevisionTarget = &target
	}
}

// addDependency adds the discovered edge unless it would close a cycle, in
// which case the event is flagged for follow-up.
func (e *Engine) addDependency(ctx context.Context, ev *engine.DriftEvent) error {
	from, to := ev.Edit.Target, ev.Edit.Value
	states, err := e.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	graph, err := engine.BuildGraph(states)
	if err != nil {
		return err
	}
	if err := graph.AddDependency(from, to); err != nil {
		if engine.IsGraphError(err) {
			e.logger.Warn().Err(err).Str("event", ev.ID).Msg("Discovered dependency rejected")
			ev.FollowUp = true
			return nil
		}
		return err
	}

	_, err = engine.UpdateItem(ctx, e.store, from, e.owner, func(state *engine.ItemState) (*engine.ItemUpdate, error) {
		if containsString(state.Item.Dependencies, to) {
			return nil, nil
		}
		deps := append(append([]string(nil), state.Item.Dependencies...), to)
		return &engine.ItemUpdate{Dependencies: deps, SetDeps: true}, nil
	})
	return err
}

// cascade re-reviews the items touched by applied events plus their related
// items and appends any conflict not already in the report.
func (e *Engine) cascade(ctx context.Context, report *engine.AlignmentReport, applied []*engine.DriftEvent) ([]*engine.DriftEvent, error) {
	states, err := e.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	graph, err := engine.BuildGraph(states)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*engine.ItemState, len(states))
	for _, s := range states {
		byID[s.Item.ID] = s
	}
	var scope []string
	for _, ev := range applied {
		for _, id := range ev.AffectedItems {
			scope = appendUnique(scope, id)
			if s, ok := byID[id]; ok {
				for _, rel := range s.Item.RelatedItems {
					scope = appendUnique(scope, rel)
				}
			}
		}
	}

	existing := make(map[string]bool, len(report.Events))
	for _, ev := range report.Events {
		existing[ev.Fingerprint] = true
	}
	found, err := e.findEvents(ctx, report.Phase, states, graph, scope, report.ID, existing)
	if err != nil {
		return nil, err
	}

	for _, ev := range found {
		parents := 0
		for _, p := range applied {
			if overlaps(p.AffectedItems, ev.AffectedItems) {
				markFollowUp(p)
				parents++
			}
		}
		if parents == 0 {
			for _, p := range applied {
				markFollowUp(p)
			}
		}
		report.Events = append(report.Events, ev)
	}
	if len(found) > 0 {
		e.logger.Warn().Str("report", report.ID).Int("events", len(found)).Msg("Cascade check found new conflicts")
	}
	return found, nil
}

func markFollowUp(ev *engine.DriftEvent) {
	ev.Decision = engine.DecisionModified
	ev.FollowUp = true
}

// AutoResolve approves and applies every pending low and medium event,
// following cascade findings for a bounded number of rounds.
func (e *Engine) AutoResolve(ctx context.Context, reportID string) (*engine.AlignmentReport, error) {
	report, err := e.store.LoadReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	for round := 0; round < maxAutoRounds; round++ {
		var res []Resolution
		for _, ev := range report.Pending() {
			if ev.Severity.Halts() {
				continue
			}
			res = append(res, Resolution{EventID: ev.ID, Decision: engine.DecisionApproved, DecidedBy: ActorAuto})
			if ev.Notify || ev.Severity == engine.SeverityMedium {
				e.publish(ctx, engine.EventDriftNotification, ev)
			}
			e.logger.Info().
				Str("event", ev.ID).
				Str("category", ev.Category).
				Str("severity", string(ev.Severity)).
				Str("recommendation", ev.Recommendation).
				Msg("Auto-resolving drift")
		}
		if len(res) == 0 {
			return report, nil
		}
		report, err = e.ApplyResolutions(ctx, reportID, res)
		if err != nil {
			return nil, err
		}
	}
	return report, nil
}

// Decide records an operator decision on an event of any open report.
func (e *Engine) Decide(ctx context.Context, eventID string, decision engine.Decision, alternative, actor string) (*engine.AlignmentReport, error) {
	reports, err := e.store.ListReports(ctx, engine.ReportPendingReview)
	if err != nil {
		return nil, err
	}
	for _, r := range reports {
		if _, ok := r.Event(eventID); ok {
			return e.ApplyResolutions(ctx, r.ID, []Resolution{{
				EventID:     eventID,
				Decision:    decision,
				Alternative: alternative,
				DecidedBy:   actor,
			}})
		}
	}
	return nil, engine.NewPermanentError(fmt.Sprintf("no pending drift event %s", eventID), nil).
		WithCode(engine.ErrCodeNotFound)
}

// Halted returns the items blocked by pending high or critical events across
// every open report.
func (e *Engine) Halted(ctx context.Context) ([]string, error) {
	reports, err := e.store.ListReports(ctx, engine.ReportPendingReview)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range reports {
		for _, id := range Blocking(r) {
			out = appendUnique(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Blocking returns the items affected by the report's pending high or critical
// events. The pipeline must not advance them until every one is decided.
func Blocking(report *engine.AlignmentReport) []string {
	var out []string
	for _, ev := range report.Events {
		if ev.Halting() {
			for _, id := range ev.AffectedItems {
				out = appendUnique(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

// eventClassifier is implemented by classifiers that look at the whole event.
type eventClassifier interface {
	ClassifyEvent(ctx context.Context, e *engine.DriftEvent) error
}

// Classify assigns severity and handling to ev. A severity already set on the
// event is never lowered.
func Classify(ctx context.Context, c engine.Classifier, ev *engine.DriftEvent) error {
	if ec, ok := c.(eventClassifier); ok {
		return ec.ClassifyEvent(ctx, ev)
	}
	cl, err := c.Classify(ctx, ev.Traits)
	if err != nil {
		return err
	}
	ev.Rule = cl.Rule
	ev.Severity = engine.MaxSeverity(cl.Severity, ev.Severity)
	if ev.Severity != cl.Severity {
		ev.Rule = "reported"
	}
	ev.AutoResolve = !ev.Severity.Halts()
	ev.Notify = ev.Severity == engine.SeverityMedium
	return nil
}

// findEvents runs the checks over ids and turns new findings into classified
// events. Fingerprints in skip are ignored.
func (e *Engine) findEvents(
	ctx context.Context,
	phase engine.Phase,
	states []*engine.ItemState,
	graph *engine.DependencyGraph,
	ids []string,
	reportID string,
	skip map[string]bool,
) ([]*engine.DriftEvent, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	sorted := append([]*engine.ItemState(nil), states...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Item.Seq < sorted[j].Item.Seq })

	var snaps []snapshot
	for _, s := range sorted {
		if !want[s.Item.ID] || s.Item.Inactive {
			continue
		}
		var artifacts []engine.Artifact
		if rec := latestWithArtifacts(s, phase); rec != nil {
			artifacts = rec.Artifacts
		}
		snaps = append(snaps, snapshot{item: s.Item, artifacts: artifacts})
	}

	history, err := e.decisionHistory(ctx, reportID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var events []*engine.DriftEvent
	for _, f := range detect(snaps, graphOrdering{graph}) {
		fp := engine.Fingerprint(f.category, f.subject, f.items)
		if skip[fp] {
			continue
		}
		switch history[fp] {
		case priorOpen, priorAccepted:
			continue
		case priorHumanFix:
			f.traits.ContradictsDecision = true
		}

		f.edit.RevisitPhase = phase
		ev := &engine.DriftEvent{
			ID:             uuid.New().String(),
			ReportID:       reportID,
			Category:       f.category,
			Description:    f.description,
			Expected:       f.expected,
			Actual:         f.actual,
			Impact:         f.impact,
			AffectedItems:  f.items,
			Recommendation: f.recommendation,
			Edit:           f.edit,
			Traits:         f.traits,
			Decision:       engine.DecisionPending,
			Fingerprint:    fp,
			CreatedAt:      now,
		}
		if err := Classify(ctx, e.classifier, ev); err != nil {
			return nil, fmt.Errorf("failed to classify %s: %w", f.category, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// prior summarizes earlier decisions on a fingerprint.
type prior int

const (
	priorNone prior = iota
	priorAutoFix
	priorHumanFix
	priorAccepted
	priorOpen
)

// decisionHistory maps fingerprints to the strongest earlier outcome across
// reports other than skipReport. Open and accepted findings are not raised
// again; a finding a human already had fixed contradicts that decision if it
// comes back.
func (e *Engine) decisionHistory(ctx context.Context, skipReport string) (map[string]prior, error) {
	reports, err := e.store.ListReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	out := make(map[string]prior)
	for _, r := range reports {
		if r.ID == skipReport {
			continue
		}
		for _, ev := range r.Events {
			var p prior
			switch {
			case ev.Decision == engine.DecisionPending:
				p = priorOpen
			case ev.Decision == engine.DecisionRejected, ev.Edit.Kind == engine.EditNone:
				p = priorAccepted
			case ev.DecidedBy == ActorAuto:
				p = priorAutoFix
			default:
				p = priorHumanFix
			}
			if p > out[ev.Fingerprint] {
				out[ev.Fingerprint] = p
			}
		}
	}
	return out, nil
}

func (e *Engine) save(ctx context.Context, report *engine.AlignmentReport) error {
	return engine.WithLease(ctx, e.store, engine.ReportKey(report.ID), e.owner, func(lease *engine.Lease) error {
		return e.store.SaveReport(ctx, lease, report)
	})
}

func (e *Engine) audit(ctx context.Context, ev *engine.DriftEvent) {
	entry := &engine.AuditEntry{
		Actor:   ev.DecidedBy,
		Action:  "drift." + string(ev.Decision),
		Subject: ev.ID,
		Details: map[string]interface{}{
			"category":  ev.Category,
			"severity":  ev.Severity,
			"items":     ev.AffectedItems,
			"follow_up": ev.FollowUp,
		},
	}
	if ev.Alternative != "" {
		entry.Details["alternative"] = ev.Alternative
	}
	if err := e.store.RecordAudit(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn().Err(err).Str("event", ev.ID).Msg("Failed to record audit entry")
	}
}

func (e *Engine) publish(ctx context.Context, typ engine.EventType, ev *engine.DriftEvent) {
	if e.publisher == nil {
		return
	}
	itemID := ""
	if len(ev.AffectedItems) == 1 {
		itemID = ev.AffectedItems[0]
	}
	event := &engine.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: e.now(),
		ItemID:    itemID,
		Phase:     ev.Edit.RevisitPhase,
		Message:   ev.Description,
		Data: map[string]interface{}{
			"event":          ev.ID,
			"category":       ev.Category,
			"severity":       ev.Severity,
			"items":          ev.AffectedItems,
			"decision":       ev.Decision,
			"recommendation": ev.Recommendation,
		},
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Debug().Err(err).Str("event", string(typ)).Msg("Failed to publish event")
	}
}

// graphOrdering answers dependency questions from a DependencyGraph.
type graphOrdering struct {
	g *engine.DependencyGraph
}

func (o graphOrdering) dependsOn(a, b string) bool {
	return containsString(o.g.Dependents([]string{b}), a)
}

func (o graphOrdering) known(id string) bool {
	_, ok := o.g.Item(id)
	return ok
}

// latestWithArtifacts returns the latest successful record for phase, falling
// back to the latest successful record of any phase that carries artifacts.
func latestWithArtifacts(state *engine.ItemState, phase engine.Phase) *engine.ExecutionRecord {
	if rec, ok := state.LatestSuccess(phase); ok && len(rec.Artifacts) > 0 {
		return rec
	}
	for i := len(state.History) - 1; i >= 0; i-- {
		r := &state.History[i]
		if r.Outcome == engine.OutcomeSuccess && len(r.Artifacts) > 0 {
			return r
		}
	}
	return nil
}

func reviewedOrder(states []*engine.ItemState, ids []string) []string {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	sorted := append([]*engine.ItemState(nil), states...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Item.Seq < sorted[j].Item.Seq })
	out := make([]string, 0, len(ids))
	for _, s := range sorted {
		if want[s.Item.ID] {
			out = append(out, s.Item.ID)
		}
	}
	return out
}

// recommendedOrder is a topological order of the reviewed items honoring the
// edges the report discovered.
func recommendedOrder(graph *engine.DependencyGraph, events []*engine.DriftEvent, reviewed []string) []string {
	for _, ev := range events {
		if ev.Edit.Kind == engine.EditAddDependency {
			_ = graph.AddDependency(ev.Edit.Target, ev.Edit.Value)
		}
	}
	want := make(map[string]bool, len(reviewed))
	for _, id := range reviewed {
		want[id] = true
	}
	out := make([]string, 0, len(reviewed))
	for _, id := range graph.TopologicalOrder() {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}

func statusFor(report *engine.AlignmentReport) engine.ReportStatus {
	if len(report.Pending()) > 0 {
		return engine.ReportPendingReview
	}
	for _, ev := range report.Events {
		if ev.Applied {
			return engine.ReportApplied
		}
	}
	return engine.ReportApproved
}

func overlaps(a, b []string) bool {
	for _, s := range a {
		if containsString(b, s) {
			return true
		}
	}
	return false
}
