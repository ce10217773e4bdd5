package engine

import (
	"context"
	"time"
)

// SessionExecutor performs one unit of lifecycle work for a work item.
// Implementations may block on human input while a session is open; that is
// the only operation in the engine allowed to wait indefinitely.
type SessionExecutor interface {
	// Execute runs the session. Transient failures are returned as transient
	// or throttled EngineErrors; malformed output as permanent ones.
	Execute(ctx context.Context, req SessionRequest) (*SessionResult, error)
}

// StateStore is the durable owner of work item status, execution history,
// drift events, and alignment reports. Every mutation happens under a per-key
// lease.
type StateStore interface {
	// CreateItem stores a new work item in the drafting status and assigns its
	// insertion sequence.
	CreateItem(ctx context.Context, item *WorkItem) error

	// LoadItem returns the persisted record for an item.
	LoadItem(ctx context.Context, id string) (*ItemState, error)

	// LoadAll returns every persisted record in insertion order.
	LoadAll(ctx context.Context) ([]*ItemState, error)

	// AcquireLease takes the write lease for key. It fails with a
	// StateConflictError if another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error)

	// RenewLease extends a held lease to now+ttl, keeping its token. A lease
	// that expired without being taken over is taken again. It fails with a
	// StateConflictError if another owner holds the key.
	RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error)

	// ReclaimLeases drops every lease whose key starts with prefix and whose
	// owner is not owner, expired or not. It returns how many were dropped.
	ReclaimLeases(ctx context.Context, prefix, owner string) (int, error)

	// ReleaseLease gives up a held lease. Releasing a lease that has been
	// taken over by another owner is a no-op.
	ReleaseLease(ctx context.Context, lease *Lease) error

	// Save applies update to the item atomically. The caller must hold the
	// item's lease.
	Save(ctx context.Context, lease *Lease, itemID string, update ItemUpdate) (*WorkItem, error)

	// SaveReport upserts an alignment report and its drift events. The caller
	// must hold the report's lease.
	SaveReport(ctx context.Context, lease *Lease, report *AlignmentReport) error

	// LoadReport returns a report with its events.
	LoadReport(ctx context.Context, id string) (*AlignmentReport, error)

	// ListReports returns reports in creation order, optionally filtered by status.
	ListReports(ctx context.Context, statuses ...ReportStatus) ([]*AlignmentReport, error)

	// ReleaseExpiredLeases removes leases whose expiry has passed.
	ReleaseExpiredLeases(ctx context.Context) (int, error)

	// AppendEvent stores an orchestration event.
	AppendEvent(ctx context.Context, event *Event) error

	// RecordAudit stores a decision audit entry.
	RecordAudit(ctx context.Context, entry *AuditEntry) error

	// Close releases the store's resources.
	Close() error
}

// EventPublisher publishes orchestration events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// Classifier assigns a severity to a drift event from its traits.
type Classifier interface {
	// Classify returns the severity, the rule that fired, and the automatic
	// handling for the traits.
	Classify(ctx context.Context, traits Traits) (Classification, error)
}

// Classification is the outcome of a Classifier.
type Classification struct {
	Severity    Severity `json:"severity"`
	Rule        string   `json:"rule"`
	AutoResolve bool     `json:"auto_resolve"`
	Notify      bool     `json:"notify"`
}

// ItemKey is the lease key for a work item.
func ItemKey(id string) string {
	return "item/" + id
}

// ReportKey is the lease key for an alignment report.
func ReportKey(id string) string {
	return "report/" + id
}
