package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/specflow/pkg/alignment"
	"github.com/openfroyo/specflow/pkg/config"
	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/session"
	"github.com/openfroyo/specflow/pkg/telemetry"
)

// RunKey is the lease key held for the duration of a run. Only one run may
// mutate a state store at a time.
const RunKey = "run"

// ActorOperator is the DecidedBy value for decisions taken by a human.
const ActorOperator = "operator"

// ExitCode is the process exit status a run maps to.
type ExitCode int

const (
	// ExitClean means every item in scope progressed as far as it could.
	ExitClean ExitCode = 0

	// ExitFailure means the run aborted, e.g. on an invalid graph or an
	// unavailable state store.
	ExitFailure ExitCode = 1

	// ExitHalted means high or critical drift awaits a decision.
	ExitHalted ExitCode = 2

	// ExitPartial means the run finished with blocked items, or with items
	// it could not dispatch because another writer held them.
	ExitPartial ExitCode = 3
)

// Orchestrator drives work items through the lifecycle: it computes ready
// sets, dispatches batches, runs alignment checkpoints and holds back the
// parts of the graph affected by undecided drift.
type Orchestrator struct {
	store     engine.StateStore
	batch     *engine.BatchExecutor
	aligner   *alignment.Engine
	cfg       *config.Config
	gates     engine.Gates
	publisher engine.EventPublisher
	metrics   *telemetry.Metrics
	decider   Decider
	payload   engine.PayloadFunc
	logger    zerolog.Logger
	owner     string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets the event publisher shared by every component.
func WithPublisher(p engine.EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDecider enables interactive decisions on halting drift.
func WithDecider(d Decider) Option {
	return func(o *Orchestrator) { o.decider = d }
}

// WithPayload overrides the session payload builder.
func WithPayload(fn engine.PayloadFunc) Option {
	return func(o *Orchestrator) { o.payload = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOwner sets the lease owner. It defaults to an ID naming this host and
// process.
func WithOwner(owner string) Option {
	return func(o *Orchestrator) { o.owner = owner }
}

// New wires an orchestrator over store. The executor performs the sessions
// and the classifier grades drift.
func New(
	cfg *config.Config,
	store engine.StateStore,
	executor engine.SessionExecutor,
	classifier engine.Classifier,
	opts ...Option,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:   store,
		cfg:     cfg,
		gates:   cfg.Gates,
		payload: session.PayloadBuilder{}.Build,
		logger:  zerolog.Nop(),
		owner:   newOwner(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.gates == nil {
		o.gates = engine.DefaultGates()
	}

	batchOpts := []engine.BatchOption{
		engine.WithPayload(o.payload),
		engine.WithLogger(o.logger.With().Str("component", "batch").Logger()),
	}
	if o.publisher != nil {
		batchOpts = append(batchOpts, engine.WithPublisher(o.publisher))
	}
	if o.metrics != nil {
		batchOpts = append(batchOpts, engine.WithMetrics(o.metrics))
	}
	o.batch = engine.NewBatchExecutor(executor, store, engine.BatchConfig{
		RetryAttempts:  cfg.RetryAttempts,
		SessionTimeout: cfg.SessionTimeout(),
		Backoff:        cfg.EngineBackoff(),
		Owner:          o.owner,
		LeaseTTL:       cfg.LeaseTTL,
		WorkingDir:     cfg.WorkingDir,
		Options: engine.SessionOptions{
			Model:               cfg.Agent.Model,
			AllowedCapabilities: cfg.Agent.AllowedCapabilities,
		},
	}, batchOpts...)

	alignOpts := []alignment.Option{
		alignment.WithOwner(o.owner),
		alignment.WithLogger(o.logger.With().Str("component", "alignment").Logger()),
	}
	if o.publisher != nil {
		alignOpts = append(alignOpts, alignment.WithPublisher(o.publisher))
	}
	o.aligner = alignment.New(store, classifier, alignOpts...)

	return o, nil
}

// Result summarizes one orchestrator operation.
type Result struct {
	RunID     string `json:"run_id"`
	Operation string `json:"operation"`
	Rounds    int    `json:"rounds"`

	Batches []*engine.BatchResult     `json:"batches,omitempty"`
	Reports []*engine.AlignmentReport `json:"reports,omitempty"`

	// NewItems lists items declared by the executor during the run.
	NewItems []string `json:"new_items,omitempty"`

	// Blocked lists in-scope items left blocked.
	Blocked []string `json:"blocked,omitempty"`

	// Halted lists in-scope items held back by undecided drift, including
	// dependents.
	Halted []string `json:"halted,omitempty"`

	// Incomplete lists in-scope items that did not reach the last phase's
	// target, e.g. because their dependencies are not far enough yet.
	Incomplete []string `json:"incomplete,omitempty"`

	// Contended lists incomplete items skipped because another writer held
	// their lease.
	Contended []string `json:"contended,omitempty"`

	// PendingDecisions are the high and critical events awaiting an operator.
	PendingDecisions []*engine.DriftEvent `json:"pending_decisions,omitempty"`

	// Stopped explains an early stop, e.g. a global halt.
	Stopped string `json:"stopped,omitempty"`

	ExitCode ExitCode `json:"exit_code"`
}

// Dispatched returns how many sessions produced a recorded outcome.
func (r *Result) Dispatched() int {
	n := 0
	for _, b := range r.Batches {
		n += b.Succeeded + b.Failed + b.Blocked
	}
	return n
}

func exitCodeFor(res *Result, err error) ExitCode {
	switch {
	case err != nil:
		return ExitFailure
	case len(res.PendingDecisions) > 0:
		return ExitHalted
	case len(res.Blocked) > 0, len(res.Contended) > 0:
		return ExitPartial
	}
	return ExitClean
}

// runPlan describes what a run dispatches.
type runPlan struct {
	phases []engine.Phase

	// scope limits dispatch to these items. Nil means every item.
	scope map[string]bool

	// mode overrides the gate's batch mode when set.
	mode engine.BatchMode

	// checkpoints lists the phases followed by an alignment review.
	checkpoints map[engine.Phase]bool
}

func (p *runPlan) inScope(id string) bool {
	return p.scope == nil || p.scope[id]
}

func (p *runPlan) last() engine.Phase {
	return p.phases[len(p.phases)-1]
}

// run executes op under the run lease and fills in the summary and exit code.
func (o *Orchestrator) run(ctx context.Context, op string, fn func(ctx context.Context, res *Result, lease *runLease) error) (*Result, error) {
	res := &Result{RunID: uuid.New().String(), Operation: op}
	tr := telemetry.StartRun(ctx, res.RunID, op)
	ctx = tr.Ctx

	err := o.withRunLease(ctx, func(lease *runLease) error {
		return fn(ctx, res, lease)
	})
	res.ExitCode = exitCodeFor(res, err)
	tr.End(int(res.ExitCode), err)
	return res, err
}

// runLease is the run-level lease. It is renewed in the background and
// between rounds.
type runLease struct {
	o    *Orchestrator
	held *engine.HeldLease
}

func (o *Orchestrator) withRunLease(ctx context.Context, fn func(lease *runLease) error) error {
	lease, err := o.acquireRunLease(ctx)
	if err != nil {
		return err
	}
	rl := &runLease{o: o, held: engine.KeepLease(o.store, lease, o.cfg.LeaseTTL, o.logger)}
	defer func() {
		if err := rl.held.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to release run lease")
		}
	}()

	// The run lease makes this the only writer, so item and report leases
	// still held by others are left over from a run that died.
	for _, prefix := range []string{engine.ItemKey(""), engine.ReportKey("")} {
		n, err := o.store.ReclaimLeases(ctx, prefix, o.owner)
		if err != nil {
			return fmt.Errorf("failed to reclaim leases: %w", err)
		}
		if n > 0 {
			o.logger.Warn().Int("leases", n).Str("prefix", prefix).Msg("Reclaimed leases left by an earlier run")
		}
	}
	return fn(rl)
}

// acquireRunLease takes the run lease. A lease held by a process of this
// host that no longer exists is taken over.
func (o *Orchestrator) acquireRunLease(ctx context.Context) (*engine.Lease, error) {
	lease, err := o.store.AcquireLease(ctx, RunKey, o.owner, o.cfg.LeaseTTL)
	if err == nil {
		return lease, nil
	}
	if !engine.IsStateConflict(err) {
		return nil, fmt.Errorf("failed to acquire run lease: %w", err)
	}

	holder := leaseHolder(err)
	if !ownerGone(holder) {
		return nil, fmt.Errorf("another run holds the state store: %w", err)
	}
	o.logger.Warn().Str("holder", holder).Msg("Taking over the run lease of a process that exited")
	if _, err := o.store.ReclaimLeases(ctx, RunKey, o.owner); err != nil {
		return nil, fmt.Errorf("failed to reclaim run lease: %w", err)
	}
	lease, err = o.store.AcquireLease(ctx, RunKey, o.owner, o.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("another run holds the state store: %w", err)
	}
	return lease, nil
}

// renew extends the run lease in place.
func (l *runLease) renew(ctx context.Context) error {
	if err := l.held.Renew(ctx); err != nil {
		return fmt.Errorf("lost run lease: %w", err)
	}
	return nil
}

// summarize fills the per-item outcome of a run.
func (o *Orchestrator) summarize(ctx context.Context, plan *runPlan, res *Result) error {
	states, err := o.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load items: %w", err)
	}
	graph, err := engine.BuildGraph(states)
	if err != nil {
		return err
	}

	res.Blocked, res.Incomplete = nil, nil
	counts := make(map[engine.PhaseStatus]int)
	target := plan.last().Target()
	for _, s := range states {
		item := s.Item
		if item.Inactive {
			continue
		}
		counts[item.PhaseStatus]++
		if !plan.inScope(item.ID) {
			continue
		}
		switch {
		case item.PhaseStatus == engine.StatusBlocked:
			res.Blocked = append(res.Blocked, item.ID)
		case !item.EffectiveStatus().AtLeast(target) || item.PhaseStatus == engine.StatusNeedsRevision:
			res.Incomplete = append(res.Incomplete, item.ID)
		}
	}
	contended := toSet(res.Contended)
	res.Contended = nil
	for _, id := range res.Incomplete {
		if contended[id] {
			res.Contended = append(res.Contended, id)
		}
	}

	halt, err := o.haltState(ctx, graph, nil)
	if err != nil {
		return err
	}
	res.Halted, res.PendingDecisions = nil, nil
	for _, id := range halt.items {
		if plan.inScope(id) {
			res.Halted = append(res.Halted, id)
		}
	}
	for _, ev := range halt.events {
		if plan.scope == nil || anyInScope(plan, ev.AffectedItems) {
			res.PendingDecisions = append(res.PendingDecisions, ev)
		}
	}

	if o.metrics != nil {
		o.metrics.SetItemCounts(counts)
		o.metrics.SetHalted(len(halt.items))
	}
	return nil
}

// haltInfo is the part of the graph held back by undecided drift.
type haltInfo struct {
	// items are the affected items and their transitive dependents, sorted.
	items []string

	// events are the pending high and critical events.
	events []*engine.DriftEvent
}

func (h *haltInfo) exclude() map[string]bool {
	out := make(map[string]bool, len(h.items))
	for _, id := range h.items {
		out[id] = true
	}
	return out
}

// haltState collects halting events from open reports, skipping deferred
// ones, and expands their affected items to the dependent subgraph.
func (o *Orchestrator) haltState(ctx context.Context, graph *engine.DependencyGraph, deferred map[string]bool) (*haltInfo, error) {
	reports, err := o.store.ListReports(ctx, engine.ReportPendingReview)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	info := &haltInfo{}
	var affected []string
	for _, r := range reports {
		if deferred[r.ID] {
			continue
		}
		for _, ev := range r.Events {
			if !ev.Halting() {
				continue
			}
			info.events = append(info.events, ev)
		}
		affected = append(affected, alignment.Blocking(r)...)
	}
	if len(affected) == 0 {
		return info, nil
	}

	seen := make(map[string]bool)
	for _, id := range append(affected, graph.Dependents(affected)...) {
		if !seen[id] {
			seen[id] = true
			info.items = append(info.items, id)
		}
	}
	sort.Strings(info.items)
	return info, nil
}

func anyInScope(plan *runPlan, ids []string) bool {
	for _, id := range ids {
		if plan.inScope(id) {
			return true
		}
	}
	return false
}
