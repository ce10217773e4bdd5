package stores

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/specflow/pkg/engine"
)

// MemoryStore is an in-process state store with the same lease semantics as
// SQLiteStore. Nothing survives the process.
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]*engine.ItemState
	seq     int64
	leases  map[string]engine.Lease
	reports map[string]*engine.AlignmentReport
	events  []*engine.Event
	audit   []*engine.AuditEntry

	now func() time.Time
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces the clock used for lease expiry and timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		items:   make(map[string]*engine.ItemState),
		leases:  make(map[string]engine.Lease),
		reports: make(map[string]*engine.AlignmentReport),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateItem stores a new work item.
func (m *MemoryStore) CreateItem(_ context.Context, item *engine.WorkItem) error {
	if item.PhaseStatus == "" {
		item.PhaseStatus = engine.StatusDrafting
	}
	if err := item.PhaseStatus.Validate(); err != nil {
		return engine.NewPermanentError("invalid work item", err).WithCode(engine.ErrCodeValidation).WithItem(item.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[item.ID]; exists {
		return engine.NewPermanentError("work item already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).WithItem(item.ID)
	}
	m.seq++
	now := m.now()
	item.Seq = m.seq
	item.Version = 1
	item.CreatedAt = now
	item.UpdatedAt = now
	m.items[item.ID] = cloneState(&engine.ItemState{
		Item:        *item,
		History:     []engine.ExecutionRecord{},
		DriftEvents: []engine.DriftEvent{},
	})
	return nil
}

// LoadItem returns a copy of the item state with its drift events.
func (m *MemoryStore) LoadItem(_ context.Context, id string) (*engine.ItemState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.items[id]
	if !ok {
		return nil, notFound("work item", id)
	}
	return m.withEvents(state), nil
}

// LoadAll returns copies of every item state in insertion order.
func (m *MemoryStore) LoadAll(_ context.Context) ([]*engine.ItemState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*engine.ItemState, 0, len(m.items))
	for _, state := range m.items {
		out = append(out, m.withEvents(state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item.Seq < out[j].Item.Seq })
	return out, nil
}

// withEvents copies state and attaches the drift events naming the item.
// Callers must hold the lock.
func (m *MemoryStore) withEvents(state *engine.ItemState) *engine.ItemState {
	out := cloneState(state)
	out.DriftEvents = []engine.DriftEvent{}
	for _, r := range m.sortedReports() {
		for _, e := range r.Events {
			if e.Affects(state.Item.ID) {
				out.DriftEvents = append(out.DriftEvents, *e)
			}
		}
	}
	return out
}

func (m *MemoryStore) sortedReports() []*engine.AlignmentReport {
	reports := make([]*engine.AlignmentReport, 0, len(m.reports))
	for _, r := range m.reports {
		reports = append(reports, r)
	}
	sort.SliceStable(reports, func(i, j int) bool {
		if !reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].CreatedAt.Before(reports[j].CreatedAt)
		}
		return reports[i].ID < reports[j].ID
	})
	return reports
}

// AcquireLease takes the lease for key if it is free or expired.
func (m *MemoryStore) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (*engine.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.leases[key]; ok && held.ExpiresAt.After(now) {
		return nil, engine.NewStateConflictError(key, held.Owner)
	}
	lease := engine.Lease{Key: key, Owner: owner, Token: uuid.New().String(), ExpiresAt: now.Add(ttl)}
	m.leases[key] = lease
	return &lease, nil
}

// RenewLease extends the lease if it is still held with the same token, or
// takes it again if nobody else claimed it after it expired.
func (m *MemoryStore) RenewLease(_ context.Context, lease *engine.Lease, ttl time.Duration) (*engine.Lease, error) {
	if lease == nil {
		return nil, engine.NewStateConflictError("", "")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.leases[lease.Key]; ok && held.Token != lease.Token && held.ExpiresAt.After(now) {
		return nil, engine.NewStateConflictError(lease.Key, held.Owner)
	}
	renewed := *lease
	renewed.ExpiresAt = now.Add(ttl)
	m.leases[lease.Key] = renewed
	return &renewed, nil
}

// ReclaimLeases drops leases under prefix held by anyone but owner.
func (m *MemoryStore) ReclaimLeases(_ context.Context, prefix, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, l := range m.leases {
		if strings.HasPrefix(key, prefix) && l.Owner != owner {
			delete(m.leases, key)
			n++
		}
	}
	return n, nil
}

// ReleaseLease releases the lease if the token still matches.
func (m *MemoryStore) ReleaseLease(_ context.Context, lease *engine.Lease) error {
	if lease == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[lease.Key]; ok && held.Token == lease.Token {
		delete(m.leases, lease.Key)
	}
	return nil
}

// ReleaseExpiredLeases drops expired leases.
func (m *MemoryStore) ReleaseExpiredLeases(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for key, l := range m.leases {
		if !l.ExpiresAt.After(now) {
			delete(m.leases, key)
			n++
		}
	}
	return n, nil
}

// checkLease verifies the caller still holds key. Callers must hold the lock.
func (m *MemoryStore) checkLease(lease *engine.Lease, key string) error {
	if lease == nil || lease.Key != key {
		return engine.NewStateConflictError(key, "")
	}
	held, ok := m.leases[key]
	if !ok || held.Token != lease.Token || !held.ExpiresAt.After(m.now()) {
		return engine.NewStateConflictError(key, held.Owner)
	}
	return nil
}

// Save applies update under the item's lease.
func (m *MemoryStore) Save(_ context.Context, lease *engine.Lease, itemID string, update engine.ItemUpdate) (*engine.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLease(lease, engine.ItemKey(itemID)); err != nil {
		return nil, err
	}
	state, ok := m.items[itemID]
	if !ok {
		return nil, notFound("work item", itemID)
	}

	item := state.Item
	update.Apply(&item)
	if err := item.PhaseStatus.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid update", err).WithCode(engine.ErrCodeValidation).WithItem(itemID)
	}
	for _, r := range update.AppendRecords {
		if err := r.Outcome.Validate(); err != nil {
			return nil, engine.NewPermanentError("invalid execution record", err).
				WithCode(engine.ErrCodeValidation).WithItem(itemID)
		}
	}

	item.Version++
	item.UpdatedAt = m.now()
	next := cloneState(&engine.ItemState{Item: item, History: state.History})
	for _, r := range update.AppendRecords {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.Origin == "" {
			r.Origin = engine.OriginSession
		}
		next.History = append(next.History, r)
	}
	m.items[itemID] = cloneState(next)

	out := next.Item
	return &out, nil
}

// SaveReport upserts a report under its lease.
func (m *MemoryStore) SaveReport(_ context.Context, lease *engine.Lease, report *engine.AlignmentReport) error {
	if err := report.Status.Validate(); err != nil {
		return engine.NewPermanentError("invalid alignment report", err).WithCode(engine.ErrCodeValidation)
	}
	for _, e := range report.Events {
		if err := e.Severity.Validate(); err != nil {
			return engine.NewPermanentError("invalid drift event", err).WithCode(engine.ErrCodeValidation)
		}
		if err := e.Decision.Validate(); err != nil {
			return engine.NewPermanentError("invalid drift event", err).WithCode(engine.ErrCodeValidation)
		}
		e.ReportID = report.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLease(lease, engine.ReportKey(report.ID)); err != nil {
		return err
	}
	now := m.now()
	if report.CreatedAt.IsZero() {
		report.CreatedAt = now
	}
	report.UpdatedAt = now
	m.reports[report.ID] = cloneReport(report)
	return nil
}

// LoadReport returns a copy of the report.
func (m *MemoryStore) LoadReport(_ context.Context, id string) (*engine.AlignmentReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, notFound("alignment report", id)
	}
	return cloneReport(r), nil
}

// ListReports returns copies of reports oldest first.
func (m *MemoryStore) ListReports(_ context.Context, statuses ...engine.ReportStatus) ([]*engine.AlignmentReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*engine.AlignmentReport
	for _, r := range m.sortedReports() {
		if len(statuses) > 0 && !containsStatus(statuses, r.Status) {
			continue
		}
		out = append(out, cloneReport(r))
	}
	return out, nil
}

func containsStatus(statuses []engine.ReportStatus, s engine.ReportStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// AppendEvent appends an event.
func (m *MemoryStore) AppendEvent(_ context.Context, event *engine.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	e := *event
	m.events = append(m.events, &e)
	return nil
}

// ListEvents returns up to limit of the most recent events, oldest first.
func (m *MemoryStore) ListEvents(_ context.Context, itemID string, limit int) ([]*engine.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*engine.Event
	for _, e := range m.events {
		if itemID == "" || e.ItemID == itemID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// RecordAudit stores an audit entry.
func (m *MemoryStore) RecordAudit(_ context.Context, entry *engine.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	a := *entry
	m.audit = append(m.audit, &a)
	return nil
}

// ListAudit returns up to limit of the most recent audit entries.
func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]*engine.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]*engine.AuditEntry(nil), m.audit...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
