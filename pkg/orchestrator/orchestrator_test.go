package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/specflow/pkg/config"
	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/orchestrator"
	"github.com/openfroyo/specflow/pkg/policy"
	"github.com/openfroyo/specflow/pkg/roadmap"
	"github.com/openfroyo/specflow/pkg/stores"
)

type call struct {
	item  string
	phase engine.Phase
}

// executor records every call and succeeds unless handle says otherwise.
type executor struct {
	mu     sync.Mutex
	calls  []call
	handle func(ctx context.Context, req engine.SessionRequest) (*engine.SessionResult, error)
}

func (e *executor) Execute(ctx context.Context, req engine.SessionRequest) (*engine.SessionResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, call{item: req.ItemID, phase: req.Phase})
	handle := e.handle
	e.mu.Unlock()
	if handle != nil {
		return handle(ctx, req)
	}
	return succeed(req), nil
}

func (e *executor) items(phase engine.Phase) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, c := range e.calls {
		if c.phase == phase {
			out = append(out, c.item)
		}
	}
	return out
}

func (e *executor) index(item string, phase engine.Phase) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.calls {
		if c.item == item && c.phase == phase {
			return i
		}
	}
	return -1
}

func (e *executor) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func succeed(req engine.SessionRequest) *engine.SessionResult {
	return &engine.SessionResult{
		Status:    engine.OutcomeSuccess,
		Artifacts: []engine.Artifact{{Ref: req.ItemID + "/" + string(req.Phase), Kind: string(req.Phase)}},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.StatePath = ":memory:"
	cfg.Backoff = config.BackoffConfig{Base: time.Millisecond, Max: 5 * time.Millisecond}
	return cfg
}

type fixture struct {
	store *stores.MemoryStore
	exec  *executor
	orch  *orchestrator.Orchestrator
}

func newFixture(t *testing.T, cfg *config.Config, opts ...orchestrator.Option) *fixture {
	t.Helper()
	f := &fixture{store: stores.NewMemoryStore(), exec: &executor{}}
	f.orch = f.build(t, cfg, f.exec, opts...)
	return f
}

func (f *fixture) build(t *testing.T, cfg *config.Config, exec engine.SessionExecutor, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	t.Helper()
	classifier, err := policy.NewClassifier(zerolog.Nop())
	require.NoError(t, err)
	o, err := orchestrator.New(cfg, f.store, exec, classifier, append([]orchestrator.Option{orchestrator.WithOwner("test")}, opts...)...)
	require.NoError(t, err)
	return o
}

func (f *fixture) plan(t *testing.T, items ...engine.WorkItem) *orchestrator.PlanResult {
	t.Helper()
	rm := &roadmap.Roadmap{Version: 1, Items: items}
	roadmap.Relate(rm.Items)
	res, err := f.orch.Plan(context.Background(), rm)
	require.NoError(t, err)
	return res
}

func (f *fixture) status(t *testing.T, id string) engine.PhaseStatus {
	t.Helper()
	s, err := f.store.LoadItem(context.Background(), id)
	require.NoError(t, err)
	return s.Item.PhaseStatus
}

func item(id string, deps ...string) engine.WorkItem {
	return engine.WorkItem{ID: id, Title: id, Dependencies: deps}
}

func critical(desc string) engine.DriftEvent {
	return engine.DriftEvent{
		Category:       "security",
		Description:    desc,
		Recommendation: "rotate the signing key",
		Traits:         engine.Traits{SecurityRelevant: true},
	}
}

// reportOnce makes the executor report drift the first time item runs phase.
func reportOnce(item string, phase engine.Phase, ev engine.DriftEvent) func(context.Context, engine.SessionRequest) (*engine.SessionResult, error) {
	var once sync.Once
	return func(_ context.Context, req engine.SessionRequest) (*engine.SessionResult, error) {
		res := succeed(req)
		if req.ItemID == item && req.Phase == phase {
			once.Do(func() { res.DriftEvents = []engine.DriftEvent{ev} })
		}
		return res, nil
	}
}

func TestPlan_CreatesUpdatesAndDeactivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	res := f.plan(t, item("a"), item("b", "a"), item("c"))
	assert.Equal(t, []string{"a", "b", "c"}, res.Created)
	assert.Equal(t, [][]string{{"a", "c"}, {"b"}}, res.Levels)

	b := item("b", "a")
	b.Priority = 5
	res = f.plan(t, item("a"), b, item("d", "b"))
	assert.Equal(t, []string{"d"}, res.Created)
	assert.Equal(t, []string{"b"}, res.Updated)
	assert.Equal(t, []string{"c"}, res.Deactivated)

	c, err := f.store.LoadItem(ctx, "c")
	require.NoError(t, err)
	assert.True(t, c.Item.Inactive, "items leaving the roadmap are kept but inactive")

	res = f.plan(t, item("a"), b, item("c"), item("d", "b"))
	assert.Equal(t, []string{"c"}, res.Reactivated)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Updated)
}

func TestPlan_InvalidGraphWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	rm := &roadmap.Roadmap{Items: []engine.WorkItem{item("a", "b"), item("b", "a")}}
	_, err := f.orch.Plan(ctx, rm)
	require.Error(t, err)
	assert.True(t, engine.IsGraphError(err))

	rm = &roadmap.Roadmap{Items: []engine.WorkItem{item("a", "missing")}}
	_, err = f.orch.Plan(ctx, rm)
	require.Error(t, err)
	assert.True(t, engine.IsGraphError(err))

	states, err := f.store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestPlan_RejectsSeededStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	seeded := item("b")
	seeded.PhaseStatus = engine.StatusSpecced
	_, err := f.orch.Plan(ctx, &roadmap.Roadmap{Items: []engine.WorkItem{item("a"), seeded}})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))

	states, err := f.store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	// Drafting is the starting point anyway.
	drafting := item("b")
	drafting.PhaseStatus = engine.StatusDrafting
	res, err := f.orch.Plan(ctx, &roadmap.Roadmap{Items: []engine.WorkItem{item("a"), drafting}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Created)
}

func TestExecute_CompletesInDependencyOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	f.plan(t, item("A"), item("B", "A"), item("C", "B", "D"), item("D"), item("E"))

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.Empty(t, res.Blocked)
	assert.Empty(t, res.Incomplete)

	for _, id := range []string{"A", "B", "C", "D", "E"} {
		assert.Equal(t, engine.StatusCompleted, f.status(t, id), id)
	}
	assert.Equal(t, 25, f.exec.total(), "every item runs every phase exactly once")

	// Shaping waits for dependencies to be specced, implementation for them
	// to be completed.
	assert.Greater(t, f.exec.index("B", engine.PhaseShape), f.exec.index("A", engine.PhaseWriteSpec))
	assert.Greater(t, f.exec.index("C", engine.PhaseShape), f.exec.index("B", engine.PhaseWriteSpec))
	assert.Greater(t, f.exec.index("C", engine.PhaseShape), f.exec.index("D", engine.PhaseWriteSpec))
	assert.Greater(t, f.exec.index("B", engine.PhaseImplement), f.exec.index("A", engine.PhaseVerify))
	assert.Greater(t, f.exec.index("C", engine.PhaseImplement), f.exec.index("B", engine.PhaseVerify))
}

func TestExecute_LowNamingConflictResolvesWithoutOperator(t *testing.T) {
	cfg := testConfig()
	cfg.Gates = engine.Gates{engine.PhaseWriteSpec: {Mode: engine.ModeParallel}}
	f := newFixture(t, cfg)
	f.plan(t, item("auth"), item("billing"), item("reports"))

	fields := map[string]string{"id": "string", "email": "string"}
	names := map[string]string{"auth": "User", "billing": "Account", "reports": "User"}
	f.exec.handle = func(_ context.Context, req engine.SessionRequest) (*engine.SessionResult, error) {
		res := succeed(req)
		if req.Phase == engine.PhaseWriteSpec {
			res.Artifacts[0].Declarations = []engine.Declaration{{Name: names[req.ItemID], Kind: "type", Fields: fields}}
		}
		return res, nil
	}

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.Empty(t, res.PendingDecisions)

	var conflict *engine.DriftEvent
	for _, r := range res.Reports {
		for _, ev := range r.Events {
			if ev.Category == "naming-conflict" {
				conflict = ev
			}
		}
	}
	require.NotNil(t, conflict, "the spec checkpoint must find the naming conflict")
	assert.Equal(t, engine.SeverityLow, conflict.Severity)
	assert.Equal(t, engine.DecisionApproved, conflict.Decision)
	assert.True(t, conflict.Applied)

	for _, id := range []string{"auth", "billing", "reports"} {
		assert.Equal(t, engine.StatusCompleted, f.status(t, id), id)
	}
	billing, err := f.store.LoadItem(context.Background(), "billing")
	require.NoError(t, err)
	rec, ok := billing.LatestSuccess(engine.PhaseWriteSpec)
	require.True(t, ok)
	assert.Equal(t, engine.OriginResolution, rec.Origin)
	assert.Equal(t, "User", rec.Artifacts[0].Declarations[0].Name)
}

func TestExecute_LowDriftNeverHalts(t *testing.T) {
	f := newFixture(t, testConfig())
	f.plan(t, item("api"), item("web", "api"))
	f.exec.handle = reportOnce("api", engine.PhaseShape, engine.DriftEvent{
		Category:       "wording",
		Description:    "endpoint names use mixed case",
		Recommendation: "use kebab-case",
		Traits:         engine.Traits{CosmeticOnly: true},
	})

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.Empty(t, res.Halted)
	assert.Equal(t, engine.StatusCompleted, f.status(t, "api"))
	assert.Equal(t, engine.StatusCompleted, f.status(t, "web"))

	require.NotEmpty(t, res.Reports)
	ev := res.Reports[0].Events[0]
	assert.Equal(t, engine.SeverityLow, ev.Severity)
	assert.Equal(t, engine.DecisionApproved, ev.Decision)
}

func TestExecute_CriticalDriftHaltsAffectedSubgraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.plan(t, item("api"), item("web", "api"), item("docs"))
	f.exec.handle = reportOnce("api", engine.PhaseShape, critical("tokens are logged in plain text"))

	res, err := f.orch.Execute(ctx, orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitHalted, res.ExitCode)
	assert.Equal(t, []string{"api", "web"}, res.Halted)
	require.Len(t, res.PendingDecisions, 1)
	ev := res.PendingDecisions[0]
	assert.Equal(t, engine.SeverityCritical, ev.Severity)

	assert.Equal(t, engine.StatusShaped, f.status(t, "api"), "halted items are not advanced")
	assert.Equal(t, engine.StatusDrafting, f.status(t, "web"), "dependents of halted items are held too")
	assert.Equal(t, engine.StatusCompleted, f.status(t, "docs"), "unrelated items continue")
	assert.Equal(t, -1, f.exec.index("api", engine.PhaseWriteSpec))

	st, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web"}, st.Halted)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, ev.ID, st.Pending[0].ID)
	assert.Empty(t, st.Ready[engine.PhaseWriteSpec])

	report, err := f.orch.Decide(ctx, ev.ID, engine.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, engine.ReportApplied, report.Status)
	assert.Equal(t, engine.StatusNeedsRevision, f.status(t, "api"), "approved critical drift sends the item back")

	res, err = f.orch.Execute(ctx, orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	for _, id := range []string{"api", "web", "docs"} {
		assert.Equal(t, engine.StatusCompleted, f.status(t, id), id)
	}
}

func TestExecute_GlobalHaltStopsAllDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.HaltScope = engine.HaltGlobal
	f := newFixture(t, cfg)
	f.plan(t, item("api"), item("web", "api"), item("docs"))
	f.exec.handle = reportOnce("api", engine.PhaseShape, critical("tokens are logged in plain text"))

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitHalted, res.ExitCode)
	assert.NotEmpty(t, res.Stopped)
	assert.Equal(t, engine.StatusShaped, f.status(t, "docs"), "nothing is dispatched after a global halt")
	assert.Empty(t, f.exec.items(engine.PhaseWriteSpec))
}

func TestExecute_ReportedDriftWaitsForCheckpointWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointsEnabled.OnHighSeverityDrift = false
	f := newFixture(t, cfg)
	f.plan(t, item("api"))
	f.exec.handle = reportOnce("api", engine.PhaseShape, critical("tokens are logged in plain text"))

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitHalted, res.ExitCode)
	assert.Equal(t, engine.StatusSpecced, f.status(t, "api"), "drift halts only once the spec checkpoint ran")
	assert.Empty(t, f.exec.items(engine.PhaseCreateTasks))
}

func TestExecute_HaltedTakesPrecedenceOverBlocked(t *testing.T) {
	f := newFixture(t, testConfig())
	f.plan(t, item("api"), item("broken"))
	report := reportOnce("api", engine.PhaseShape, critical("secrets in the spec"))
	f.exec.handle = func(ctx context.Context, req engine.SessionRequest) (*engine.SessionResult, error) {
		if req.ItemID == "broken" {
			return nil, engine.NewStructuralError(engine.ErrCodeMalformedResult, "unreadable output", nil)
		}
		return report(ctx, req)
	}

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, res.Blocked)
	assert.NotEmpty(t, res.PendingDecisions)
	assert.Equal(t, orchestrator.ExitHalted, res.ExitCode)
}

func TestExecute_ResumesAfterInterruption(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 4
	cfg.Gates = engine.Gates{engine.PhaseShape: {Mode: engine.ModeParallel}}
	f := newFixture(t, cfg)
	f.plan(t, item("a"), item("b"), item("c"), item("d"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var done atomic.Int32
	f.exec.handle = func(ctx context.Context, req engine.SessionRequest) (*engine.SessionResult, error) {
		if req.ItemID == "a" || req.ItemID == "b" {
			if done.Add(1) == 2 {
				cancel()
			}
			return succeed(req), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res, err := f.orch.Execute(ctx, orchestrator.ExecuteOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, orchestrator.ExitFailure, res.ExitCode)
	assert.Equal(t, engine.StatusShaped, f.status(t, "a"))
	assert.Equal(t, engine.StatusShaped, f.status(t, "b"))
	assert.Equal(t, engine.StatusDrafting, f.status(t, "c"))
	assert.Equal(t, engine.StatusDrafting, f.status(t, "d"))

	resumed := &executor{}
	orch := f.build(t, cfg, resumed)
	res, err = orch.Execute(context.Background(), orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.ElementsMatch(t, []string{"c", "d"}, resumed.items(engine.PhaseShape),
		"completed work is not dispatched again")
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, engine.StatusCompleted, f.status(t, id), id)
	}
}

// exitedOwner returns a lease owner naming a process of this host that has
// already exited.
func exitedOwner(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process liveness is not checked on windows")
	}
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	host, err := os.Hostname()
	require.NoError(t, err)
	return fmt.Sprintf("specflow/%s/%d/crashed", host, cmd.Process.Pid)
}

func TestExecute_ResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Gates = engine.Gates{engine.PhaseShape: {Mode: engine.ModeParallel}}
	f := newFixture(t, cfg)
	f.plan(t, item("a"), item("b"), item("c"), item("d"))

	// The crashed run kept the run lease and the leases of two items.
	crashed := exitedOwner(t)
	for _, key := range []string{orchestrator.RunKey, engine.ItemKey("c"), engine.ItemKey("d")} {
		_, err := f.store.AcquireLease(ctx, key, crashed, time.Hour)
		require.NoError(t, err)
	}

	restarted := &executor{}
	orch := f.build(t, cfg, restarted, orchestrator.WithOwner("restarted"))
	res, err := orch.Execute(ctx, orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.Empty(t, res.Incomplete)
	assert.Empty(t, res.Contended)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, restarted.items(engine.PhaseShape))
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, engine.StatusCompleted, f.status(t, id), id)
	}
}

func TestExecute_StaleItemLeasesAreReclaimed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.plan(t, item("a"), item("b", "a"))

	// The run lease expired but item leases of the dead run did not.
	_, err := f.store.AcquireLease(ctx, engine.ItemKey("b"), "specflow/elsewhere/1/old", time.Hour)
	require.NoError(t, err)

	res, err := f.orch.Execute(ctx, orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.Equal(t, engine.StatusCompleted, f.status(t, "b"))
}

func TestExecute_RespectsConcurrencyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 2
	cfg.Gates = engine.Gates{
		engine.PhaseShape:     {Mode: engine.ModeParallel},
		engine.PhaseWriteSpec: {Mode: engine.ModeParallel},
	}
	f := newFixture(t, cfg)
	f.plan(t, item("a"), item("b"), item("c"), item("d"), item("e"), item("f"))

	var inFlight, peak atomic.Int32
	f.exec.handle = func(_ context.Context, req engine.SessionRequest) (*engine.SessionResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return succeed(req), nil
	}

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{SpecOnly: true})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for _, b := range res.Batches {
		assert.LessOrEqual(t, b.MaxInFlight, 2)
	}
	assert.Equal(t, engine.StatusTasked, f.status(t, "a"), "spec-only stops before implementation")
}

func TestExecute_SchedulesDeclaredItems(t *testing.T) {
	f := newFixture(t, testConfig())
	f.plan(t, item("core"))
	f.exec.handle = func(_ context.Context, req engine.SessionRequest) (*engine.SessionResult, error) {
		res := succeed(req)
		if req.ItemID == "core" && req.Phase == engine.PhaseWriteSpec {
			res.NewItems = []engine.WorkItem{
				{ID: "core-migrations", Title: "schema migrations", Dependencies: []string{"core"}},
				{ID: "orphan", Dependencies: []string{"missing"}},
			}
		}
		return res, nil
	}

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.Equal(t, []string{"core-migrations"}, res.NewItems)
	assert.Equal(t, engine.StatusCompleted, f.status(t, "core-migrations"))

	_, err = f.store.LoadItem(context.Background(), "orphan")
	assert.Error(t, err, "items that would break the graph are not stored")
}

func TestExecute_CheckpointAtStopsAfterPhase(t *testing.T) {
	f := newFixture(t, testConfig())
	f.plan(t, item("a"), item("b", "a"))

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{CheckpointAt: engine.PhaseWriteSpec})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.Contains(t, res.Stopped, "write-spec")
	assert.Equal(t, engine.StatusSpecced, f.status(t, "a"))
	assert.Equal(t, engine.StatusSpecced, f.status(t, "b"))
	assert.Empty(t, f.exec.items(engine.PhaseCreateTasks))

	_, err = f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{CheckpointAt: "review"})
	require.Error(t, err)
}

func TestRunSpec_OnlyTouchesGivenItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.plan(t, item("a"), item("b"), item("c", "a"))

	res, err := f.orch.RunSpec(ctx, []string{"a", "c"}, true)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.Equal(t, engine.StatusSpecced, f.status(t, "a"))
	assert.Equal(t, engine.StatusSpecced, f.status(t, "c"))
	assert.Equal(t, engine.StatusDrafting, f.status(t, "b"))
	for _, b := range res.Batches {
		assert.Equal(t, engine.ModeParallel, b.Mode)
	}

	res, err = f.orch.RunSpec(ctx, []string{"nope"}, false)
	require.Error(t, err)
	assert.Equal(t, orchestrator.ExitFailure, res.ExitCode)

	_, err = f.orch.RunSpec(ctx, nil, false)
	require.Error(t, err)
}

func TestImplement_BlockedItemsCanBeUnblocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	ready := item("svc")
	ready.PhaseStatus = engine.StatusTasked
	f.plan(t, ready)

	var broken atomic.Bool
	broken.Store(true)
	f.exec.handle = func(_ context.Context, req engine.SessionRequest) (*engine.SessionResult, error) {
		if broken.Load() {
			return nil, engine.NewStructuralError(engine.ErrCodeMissingArtifact, "no files written", nil)
		}
		return succeed(req), nil
	}

	res, err := f.orch.Implement(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitPartial, res.ExitCode)
	assert.Equal(t, []string{"svc"}, res.Blocked)
	assert.Equal(t, engine.StatusBlocked, f.status(t, "svc"))

	// Nothing dispatches a blocked item.
	res, err = f.orch.Implement(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched())

	unblocked, err := f.orch.Unblock(ctx, []string{"svc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"svc"}, unblocked)
	assert.Equal(t, engine.StatusTasked, f.status(t, "svc"))

	broken.Store(false)
	res, err = f.orch.Implement(ctx, []string{"svc"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.Equal(t, engine.StatusCompleted, f.status(t, "svc"))

	unblocked, err = f.orch.Unblock(ctx, []string{"svc"})
	require.NoError(t, err)
	assert.Empty(t, unblocked, "only blocked items are unblocked")
}

func TestAlign_HaltsOnCoreInterfaceMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.plan(t, item("api"), item("auth"))

	f.exec.handle = func(_ context.Context, req engine.SessionRequest) (*engine.SessionResult, error) {
		res := succeed(req)
		if req.Phase == engine.PhaseWriteSpec {
			decl := engine.Declaration{Name: "Session", Kind: "type", Fields: map[string]string{"token": "bytes"}}
			if req.ItemID == "auth" {
				decl.Fields = map[string]string{"token": "string"}
				decl.Core = true
			}
			res.Artifacts[0].Declarations = []engine.Declaration{decl}
		}
		return res, nil
	}

	res, err := f.orch.RunSpec(ctx, []string{"api", "auth"}, true)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode, "spec runs do not align on their own")

	_, err = f.orch.Align(ctx, engine.PhaseImplement)
	require.Error(t, err)

	res, err = f.orch.Align(ctx, engine.PhaseWriteSpec)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitHalted, res.ExitCode)
	require.Len(t, res.PendingDecisions, 1)
	ev := res.PendingDecisions[0]
	assert.Equal(t, engine.SeverityHigh, ev.Severity)

	_, err = f.orch.Decide(ctx, ev.ID, engine.DecisionModified, "")
	require.Error(t, err, "modified decisions need an alternative")
	_, err = f.orch.Decide(ctx, ev.ID, engine.DecisionPending, "")
	require.Error(t, err)

	_, err = f.orch.Decide(ctx, ev.ID, engine.DecisionModified, "keep token as string everywhere")
	require.NoError(t, err)

	st, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Pending)
	assert.Empty(t, st.Halted)
	assert.Equal(t, 2, st.Counts[engine.StatusNeedsRevision])
}

type scriptedDecider struct {
	mu      sync.Mutex
	verdict orchestrator.Verdict
	asked   []string
}

func (d *scriptedDecider) Decide(_ context.Context, ev *engine.DriftEvent) (orchestrator.Verdict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asked = append(d.asked, ev.ID)
	return d.verdict, nil
}

func TestExecute_DeciderResolvesHaltsInline(t *testing.T) {
	decider := &scriptedDecider{verdict: orchestrator.Verdict{Decision: engine.DecisionApproved}}
	f := newFixture(t, testConfig(), orchestrator.WithDecider(decider))
	f.plan(t, item("api"), item("web", "api"))
	f.exec.handle = reportOnce("api", engine.PhaseShape, critical("tokens are logged in plain text"))

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitClean, res.ExitCode)
	assert.Len(t, decider.asked, 1)
	assert.Equal(t, engine.StatusCompleted, f.status(t, "api"))
	assert.Equal(t, engine.StatusCompleted, f.status(t, "web"))
	assert.ElementsMatch(t, []string{"api", "api", "web"}, f.exec.items(engine.PhaseShape),
		"api is shaped again after the approved revision")
}

func TestExecute_DeciderPauseKeepsHalt(t *testing.T) {
	decider := &scriptedDecider{verdict: orchestrator.Pause}
	f := newFixture(t, testConfig(), orchestrator.WithDecider(decider))
	f.plan(t, item("api"))
	f.exec.handle = reportOnce("api", engine.PhaseShape, critical("tokens are logged in plain text"))

	res, err := f.orch.Execute(context.Background(), orchestrator.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExitHalted, res.ExitCode)
	assert.Len(t, decider.asked, 1, "a paused event is asked about once per run")
}

func TestExecute_RunLeaseExcludesConcurrentRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.plan(t, item("a"))

	_, err := f.store.AcquireLease(ctx, orchestrator.RunKey, "someone-else", time.Minute)
	require.NoError(t, err)

	res, err := f.orch.Execute(ctx, orchestrator.ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, engine.IsStateConflict(err))
	assert.Equal(t, orchestrator.ExitFailure, res.ExitCode)
	assert.Zero(t, f.exec.total())
}

func TestExecute_RunLeaseOfLiveProcessIsKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.plan(t, item("a"))

	host, err := os.Hostname()
	require.NoError(t, err)
	live := fmt.Sprintf("specflow/%s/%d/other", host, os.Getppid())
	_, err = f.store.AcquireLease(ctx, orchestrator.RunKey, live, time.Minute)
	require.NoError(t, err)

	_, err = f.orch.Execute(ctx, orchestrator.ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, engine.IsStateConflict(err))
	assert.Zero(t, f.exec.total())
}
