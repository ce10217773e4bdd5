package alignment_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/specflow/pkg/alignment"
	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/policy"
	"github.com/openfroyo/specflow/pkg/stores"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*engine.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *engine.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(typ engine.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	store *stores.MemoryStore
	pub   *recordingPublisher
	eng   *alignment.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	classifier, err := policy.NewClassifier(zerolog.Nop())
	require.NoError(t, err)
	f := &fixture{store: stores.NewMemoryStore(), pub: &recordingPublisher{}}
	f.eng = alignment.New(f.store, classifier, alignment.WithPublisher(f.pub), alignment.WithOwner("test"))
	return f
}

// seed stores a specced item whose write-spec record carries artifacts.
func (f *fixture) seed(t *testing.T, id string, related []string, artifacts ...engine.Artifact) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateItem(ctx, &engine.WorkItem{
		ID:           id,
		PhaseStatus:  engine.StatusSpecced,
		RelatedItems: related,
	}))
	f.record(t, id, artifacts...)
}

func (f *fixture) record(t *testing.T, id string, artifacts ...engine.Artifact) {
	t.Helper()
	_, err := engine.UpdateItem(context.Background(), f.store, id, "test", func(*engine.ItemState) (*engine.ItemUpdate, error) {
		return &engine.ItemUpdate{AppendRecords: []engine.ExecutionRecord{{
			ItemID:    id,
			Phase:     engine.PhaseWriteSpec,
			Outcome:   engine.OutcomeSuccess,
			Origin:    engine.OriginSession,
			Artifacts: artifacts,
		}}}, nil
	})
	require.NoError(t, err)
}

func (f *fixture) load(t *testing.T, id string) *engine.ItemState {
	t.Helper()
	s, err := f.store.LoadItem(context.Background(), id)
	require.NoError(t, err)
	return s
}

func declares(name string, fields map[string]string) engine.Artifact {
	return engine.Artifact{
		Ref:          name + ".md",
		Declarations: []engine.Declaration{{Name: name, Kind: "type", Fields: fields}},
	}
}

var userFields = map[string]string{"id": "string", "email": "string"}

func TestReview_NamingConflictAutoResolves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "auth", nil, declares("User", userFields))
	f.seed(t, "billing", nil, declares("Account", userFields))
	f.seed(t, "reports", nil, declares("User", userFields))

	report, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"auth", "billing", "reports"})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)

	ev := report.Events[0]
	assert.Equal(t, alignment.CategoryNamingConflict, ev.Category)
	assert.Equal(t, engine.SeverityLow, ev.Severity)
	assert.True(t, ev.AutoResolve)
	assert.False(t, ev.Notify)
	assert.Equal(t, engine.DecisionPending, ev.Decision)
	assert.Equal(t, engine.ReportPendingReview, report.Status)
	assert.Equal(t, []string{"auth", "billing", "reports"}, report.ReviewedItems)
	assert.Empty(t, alignment.Blocking(report))

	report, err = f.eng.AutoResolve(ctx, report.ID)
	require.NoError(t, err)
	require.Len(t, report.Events, 1, "the cascade check must not find anything new")
	assert.Equal(t, engine.ReportApplied, report.Status)
	assert.Equal(t, engine.DecisionApproved, report.Events[0].Decision)
	assert.Equal(t, alignment.ActorAuto, report.Events[0].DecidedBy)
	assert.True(t, report.Events[0].Applied)
	assert.NotNil(t, report.Events[0].ResolvedAt)

	billing := f.load(t, "billing")
	rec, ok := billing.LatestSuccess(engine.PhaseWriteSpec)
	require.True(t, ok)
	assert.Equal(t, engine.OriginResolution, rec.Origin)
	assert.Equal(t, "User", rec.Artifacts[0].Declarations[0].Name)
	assert.Equal(t, engine.StatusSpecced, billing.Item.PhaseStatus, "low drift never regresses an item")

	assert.Equal(t, 1, f.pub.count(engine.EventDriftDetected))
	assert.Equal(t, 1, f.pub.count(engine.EventDriftResolved))
	assert.Equal(t, 0, f.pub.count(engine.EventDriftNotification))

	again, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"auth", "billing", "reports"})
	require.NoError(t, err)
	assert.Empty(t, again.Events)
	assert.Equal(t, engine.ReportApproved, again.Status)
}

func TestApplyResolutions_HaltingEventRegresses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	core := declares("Session", map[string]string{"token": "string"})
	core.Declarations[0].Core = true
	f.seed(t, "api", nil, declares("Session", map[string]string{"token": "bytes"}))
	f.seed(t, "auth", nil, core)

	report, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"api", "auth"})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)

	ev := report.Events[0]
	assert.Equal(t, alignment.CategoryInterfaceInconsistency, ev.Category)
	assert.Equal(t, engine.SeverityHigh, ev.Severity)
	assert.False(t, ev.AutoResolve)
	assert.Equal(t, []string{"api", "auth"}, alignment.Blocking(report))

	halted, err := f.eng.Halted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "auth"}, halted)

	// Auto resolution leaves halting events alone.
	report, err = f.eng.AutoResolve(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.DecisionPending, report.Events[0].Decision)

	report, err = f.eng.Decide(ctx, ev.ID, engine.DecisionApproved, "", "alice")
	require.NoError(t, err)
	assert.Equal(t, engine.ReportApplied, report.Status)
	assert.Equal(t, "alice", report.Events[0].DecidedBy)

	for _, id := range []string{"api", "auth"} {
		s := f.load(t, id)
		assert.Equal(t, engine.StatusNeedsRevision, s.Item.PhaseStatus, id)
		assert.Equal(t, engine.StatusShaped, s.Item.RevisionTarget, id)
	}
	rec, ok := f.load(t, "api").LatestSuccess(engine.PhaseWriteSpec)
	require.True(t, ok)
	assert.Equal(t, "string", rec.Artifacts[0].Declarations[0].Fields["token"])

	halted, err = f.eng.Halted(ctx)
	require.NoError(t, err)
	assert.Empty(t, halted)
}

func TestAutoResolve_KindMismatchStaysResolved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "a", nil, declares("User", userFields))
	record := declares("User", userFields)
	record.Declarations[0].Kind = "record"
	f.seed(t, "b", nil, record)

	report, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)
	ev := report.Events[0]
	assert.Equal(t, alignment.CategoryInterfaceInconsistency, ev.Category)
	assert.Equal(t, "type", ev.Edit.Value)

	if ev.AutoResolve {
		report, err = f.eng.AutoResolve(ctx, report.ID)
	} else {
		report, err = f.eng.Decide(ctx, ev.ID, engine.DecisionApproved, "", "alice")
	}
	require.NoError(t, err)
	assert.Equal(t, engine.ReportApplied, report.Status)

	rec, ok := f.load(t, "b").LatestSuccess(engine.PhaseWriteSpec)
	require.True(t, ok)
	assert.Equal(t, "type", rec.Artifacts[0].Declarations[0].Kind)

	again, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"a", "b"})
	require.NoError(t, err)
	assert.Empty(t, again.Events)
}

// flakyStore fails the n-th item save after it is armed.
type flakyStore struct {
	*stores.MemoryStore
	mu    sync.Mutex
	failN int
}

func (s *flakyStore) Save(ctx context.Context, lease *engine.Lease, itemID string, update engine.ItemUpdate) (*engine.WorkItem, error) {
	s.mu.Lock()
	if s.failN > 0 {
		s.failN--
		if s.failN == 0 {
			s.mu.Unlock()
			return nil, errors.New("disk full")
		}
	}
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, lease, itemID, update)
}

func (s *flakyStore) arm(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
}

func TestApplyResolutions_RetryAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	classifier, err := policy.NewClassifier(zerolog.Nop())
	require.NoError(t, err)
	store := &flakyStore{MemoryStore: stores.NewMemoryStore()}
	f := &fixture{store: store.MemoryStore, pub: &recordingPublisher{}}
	f.eng = alignment.New(store, classifier, alignment.WithPublisher(f.pub), alignment.WithOwner("test"))
	f.seed(t, "a", nil, engine.Artifact{Ref: "a.md", Scope: []string{"email"}})
	f.seed(t, "b", nil, engine.Artifact{Ref: "b.md", Scope: []string{"email"}})

	report, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)
	ev := report.Events[0]
	require.Len(t, ev.AffectedItems, 2)

	// The first item is written, the second fails.
	store.arm(2)
	_, err = f.eng.ApplyResolutions(ctx, report.ID, []alignment.Resolution{{EventID: ev.ID, Decision: engine.DecisionApproved}})
	require.Error(t, err)

	stored, err := f.store.LoadReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.DecisionPending, stored.Events[0].Decision)

	report, err = f.eng.ApplyResolutions(ctx, report.ID, []alignment.Resolution{{EventID: ev.ID, Decision: engine.DecisionApproved}})
	require.NoError(t, err)
	assert.True(t, report.Events[0].Applied)

	for _, id := range []string{"a", "b"} {
		n := 0
		for _, r := range f.load(t, id).History {
			if r.Origin == engine.OriginResolution {
				n++
			}
		}
		assert.Equal(t, 1, n, "%s: resolution records", id)
	}
}

func TestReview_RejectedFindingNotRaisedAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "a", nil, engine.Artifact{Ref: "a.md", Scope: []string{"email"}})
	f.seed(t, "b", nil, engine.Artifact{Ref: "b.md", Scope: []string{"email"}})

	report, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)
	assert.Equal(t, engine.SeverityMedium, report.Events[0].Severity)
	assert.True(t, report.Events[0].Notify)

	report, err = f.eng.ApplyResolutions(ctx, report.ID, []alignment.Resolution{{
		EventID:  report.Events[0].ID,
		Decision: engine.DecisionRejected,
	}})
	require.NoError(t, err)
	assert.Equal(t, engine.ReportApproved, report.Status)
	assert.Equal(t, "operator", report.Events[0].DecidedBy)
	assert.False(t, report.Events[0].Applied)

	again, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"a", "b"})
	require.NoError(t, err)
	assert.Empty(t, again.Events)
}

func TestReview_RecurrenceContradictsDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "a", nil, engine.Artifact{Ref: "a.md", Scope: []string{"email"}})
	f.seed(t, "b", nil, engine.Artifact{Ref: "b.md", Scope: []string{"email"}})

	report, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)

	_, err = f.eng.Decide(ctx, report.Events[0].ID, engine.DecisionApproved, "", "alice")
	require.NoError(t, err)

	rec, ok := f.load(t, "b").LatestSuccess(engine.PhaseWriteSpec)
	require.True(t, ok)
	assert.Empty(t, rec.Artifacts[0].Scope)

	// b's next spec claims the scope again.
	f.record(t, "b", engine.Artifact{Ref: "b2.md", Scope: []string{"email"}})

	again, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, again.Events, 1)
	assert.True(t, again.Events[0].Traits.ContradictsDecision)
	assert.Equal(t, engine.SeverityHigh, again.Events[0].Severity)
	assert.Equal(t, []string{"a", "b"}, alignment.Blocking(again))
}

func TestApplyResolutions_AddsDiscoveredDependency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "billing", nil, engine.Artifact{Ref: "billing.md", References: []string{"Token"}})
	f.seed(t, "auth", nil, declares("Token", map[string]string{"value": "string"}))

	report, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"billing", "auth"})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)
	assert.Equal(t, alignment.CategoryDependencyOrder, report.Events[0].Category)
	assert.Equal(t, engine.SeverityLow, report.Events[0].Severity)
	assert.Equal(t, []string{"auth", "billing"}, report.RecommendedOrder)

	report, err = f.eng.AutoResolve(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ReportApplied, report.Status)
	assert.False(t, report.Events[0].FollowUp)
	assert.Equal(t, []string{"auth"}, f.load(t, "billing").Item.Dependencies)
}

func TestApplyResolutions_CyclicDependencyNeedsFollowUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "billing", nil, engine.Artifact{Ref: "billing.md", References: []string{"Token"}})
	f.seed(t, "auth", nil, declares("Token", map[string]string{"value": "string"}))

	report, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"billing", "auth"})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)

	// The roadmap changed before the decision.
	_, err = engine.UpdateItem(ctx, f.store, "auth", "test", func(*engine.ItemState) (*engine.ItemUpdate, error) {
		return &engine.ItemUpdate{Dependencies: []string{"billing"}, SetDeps: true}, nil
	})
	require.NoError(t, err)

	report, err = f.eng.ApplyResolutions(ctx, report.ID, []alignment.Resolution{{
		EventID:  report.Events[0].ID,
		Decision: engine.DecisionApproved,
	}})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)
	assert.True(t, report.Events[0].FollowUp)
	assert.Empty(t, f.load(t, "billing").Item.Dependencies)
}

func TestApplyResolutions_CascadeFindsNewConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "auth", nil, declares("User", userFields))
	f.seed(t, "billing", []string{"profile"}, declares("Account", userFields))
	f.seed(t, "profile", nil, declares("User", map[string]string{"id": "string", "avatar": "url"}))

	report, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"auth", "billing"})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)
	parent := report.Events[0]

	report, err = f.eng.ApplyResolutions(ctx, report.ID, []alignment.Resolution{{
		EventID:  parent.ID,
		Decision: engine.DecisionApproved,
	}})
	require.NoError(t, err)
	require.Len(t, report.Events, 2)
	assert.Equal(t, engine.ReportPendingReview, report.Status)

	first, _ := report.Event(parent.ID)
	assert.Equal(t, engine.DecisionModified, first.Decision)
	assert.True(t, first.FollowUp)
	assert.True(t, first.Applied)

	child := report.Events[1]
	assert.Equal(t, alignment.CategoryInterfaceInconsistency, child.Category)
	assert.Equal(t, engine.DecisionPending, child.Decision)
	assert.ElementsMatch(t, []string{"auth", "billing", "profile"}, child.AffectedItems)
	assert.Equal(t, 2, f.pub.count(engine.EventDriftDetected))
}

func TestApplyResolutions_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "a", nil, engine.Artifact{Ref: "a.md", Scope: []string{"email"}})
	f.seed(t, "b", nil, engine.Artifact{Ref: "b.md", Scope: []string{"email"}})

	report, err := f.eng.Review(ctx, engine.PhaseWriteSpec, []string{"a", "b"})
	require.NoError(t, err)
	id := report.Events[0].ID

	tests := []struct {
		name string
		res  alignment.Resolution
	}{
		{"unknown event", alignment.Resolution{EventID: "nope", Decision: engine.DecisionApproved}},
		{"pending is not a decision", alignment.Resolution{EventID: id, Decision: engine.DecisionPending}},
		{"invalid decision", alignment.Resolution{EventID: id, Decision: "maybe"}},
		{"modified without alternative", alignment.Resolution{EventID: id, Decision: engine.DecisionModified}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.ApplyResolutions(ctx, report.ID, []alignment.Resolution{tt.res})
			require.Error(t, err)
			assert.True(t, engine.IsPermanent(err))
		})
	}

	stored, err := f.store.LoadReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.DecisionPending, stored.Events[0].Decision, "failed resolutions change nothing")

	report, err = f.eng.ApplyResolutions(ctx, report.ID, []alignment.Resolution{{
		EventID:     id,
		Decision:    engine.DecisionModified,
		Alternative: "split email into its own item",
		DecidedBy:   "alice",
	}})
	require.NoError(t, err)
	assert.Equal(t, "split email into its own item", report.Events[0].Alternative)

	rec, ok := f.load(t, "b").LatestSuccess(engine.PhaseWriteSpec)
	require.True(t, ok)
	assert.Contains(t, rec.Findings[0], "split email into its own item")

	_, err = f.eng.ApplyResolutions(ctx, report.ID, []alignment.Resolution{{EventID: id, Decision: engine.DecisionApproved}})
	assert.Error(t, err, "a decided event cannot be decided again")

	_, err = f.eng.Decide(ctx, "missing", engine.DecisionApproved, "", "alice")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestRecord_ExecutorDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "billing", nil)

	reported := []engine.DriftEvent{{
		Category:       "interface-inconsistency",
		Severity:       engine.SeverityHigh,
		Description:    "invoice API disagrees with the ledger",
		Recommendation: "use the ledger's Invoice",
	}}

	report, err := f.eng.Record(ctx, engine.PhaseImplement, "billing", reported)
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Len(t, report.Events, 1)

	ev := report.Events[0]
	assert.Equal(t, engine.SeverityHigh, ev.Severity, "reported severity is never lowered")
	assert.Equal(t, "reported", ev.Rule)
	assert.Equal(t, []string{"billing"}, ev.AffectedItems)
	assert.Equal(t, engine.EditNone, ev.Edit.Kind)
	assert.Equal(t, engine.PhaseImplement, ev.Edit.RevisitPhase)
	assert.Equal(t, []string{"billing"}, alignment.Blocking(report))

	dup, err := f.eng.Record(ctx, engine.PhaseImplement, "billing", reported)
	require.NoError(t, err)
	assert.Nil(t, dup, "an open finding is not raised twice")
}
