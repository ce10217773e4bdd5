package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/specflow/pkg/engine"
)

// Store is the full persistence interface: the engine's StateStore plus the
// read-side queries used by the command surface.
type Store interface {
	engine.StateStore

	// ListEvents returns the most recent orchestration events, newest last.
	// An empty itemID lists events for all items.
	ListEvents(ctx context.Context, itemID string, limit int) ([]*engine.Event, error)

	// ListAudit returns decision audit entries, newest last.
	ListAudit(ctx context.Context, limit int) ([]*engine.AuditEntry, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Config holds SQLite store configuration
type Config struct {
	// Path is the database file path, or ":memory:".
	Path string

	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound)
}

// cloneState deep-copies an item state through JSON so callers cannot alias
// stored slices and maps.
func cloneState(s *engine.ItemState) *engine.ItemState {
	b, _ := json.Marshal(s)
	out := &engine.ItemState{}
	_ = json.Unmarshal(b, out)
	return out
}

func cloneReport(r *engine.AlignmentReport) *engine.AlignmentReport {
	b, _ := json.Marshal(r)
	out := &engine.AlignmentReport{}
	_ = json.Unmarshal(b, out)
	return out
}
