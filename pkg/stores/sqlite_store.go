package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/specflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the state store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config

	// now is overridable in tests.
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg, now: time.Now}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store.
func OpenSQLiteStore(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and configures WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if s.path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// CreateItem inserts a new work item and assigns its insertion sequence.
func (s *SQLiteStore) CreateItem(ctx context.Context, item *engine.WorkItem) error {
	if item.PhaseStatus == "" {
		item.PhaseStatus = engine.StatusDrafting
	}
	if err := item.PhaseStatus.Validate(); err != nil {
		return engine.NewPermanentError("invalid work item", err).WithCode(engine.ErrCodeValidation).WithItem(item.ID)
	}

	now := s.now()
	deps, err := encodeJSON(nonNil(item.Dependencies))
	if err != nil {
		return err
	}
	related, err := encodeJSON(nonNil(item.RelatedItems))
	if err != nil {
		return err
	}
	tags, err := encodeJSON(nonNil(item.Tags))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO work_items (id, seq, title, phase_status, dependencies, priority, related_items, tags,
			blocked_from, block_reason, revision_target, inactive, version, created_at, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM work_items), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		RETURNING seq
	`
	err = s.db.QueryRowContext(ctx, query,
		item.ID, item.Title, item.PhaseStatus, deps, item.Priority, related, tags,
		item.BlockedFrom, item.BlockReason, item.RevisionTarget, boolToInt(item.Inactive),
		toNanos(now), toNanos(now),
	).Scan(&item.Seq)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return engine.NewPermanentError("work item already exists", err).
				WithCode(engine.ErrCodeAlreadyExists).WithItem(item.ID)
		}
		return fmt.Errorf("failed to create work item: %w", err)
	}

	item.Version = 1
	item.CreatedAt = fromNanos(toNanos(now))
	item.UpdatedAt = item.CreatedAt
	return nil
}

const itemColumns = `id, seq, title, phase_status, dependencies, priority, related_items, tags,
	blocked_from, block_reason, revision_target, inactive, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*engine.WorkItem, error) {
	var (
		item                 engine.WorkItem
		deps, related, tags  string
		inactive             int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&item.ID, &item.Seq, &item.Title, &item.PhaseStatus, &deps, &item.Priority,
		&related, &tags, &item.BlockedFrom, &item.BlockReason, &item.RevisionTarget, &inactive,
		&item.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(deps, &item.Dependencies); err != nil {
		return nil, err
	}
	if err := decodeJSON(related, &item.RelatedItems); err != nil {
		return nil, err
	}
	if err := decodeJSON(tags, &item.Tags); err != nil {
		return nil, err
	}
	item.Inactive = inactive != 0
	item.CreatedAt = fromNanos(createdAt)
	item.UpdatedAt = fromNanos(updatedAt)
	return &item, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getItem(ctx context.Context, q querier, id string) (*engine.WorkItem, error) {
	item, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("work item", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return item, nil
}

// LoadItem returns the item, its execution history, and its drift events.
func (s *SQLiteStore) LoadItem(ctx context.Context, id string) (*engine.ItemState, error) {
	item, err := getItem(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	state := &engine.ItemState{Item: *item}

	if state.History, err = s.loadRecords(ctx, id); err != nil {
		return nil, err
	}
	if state.DriftEvents, err = s.loadItemEvents(ctx, id); err != nil {
		return nil, err
	}
	return state, nil
}

// LoadAll returns every item state in insertion order.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*engine.ItemState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	var items []*engine.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating work items: %w", err)
	}
	_ = rows.Close()

	states := make([]*engine.ItemState, 0, len(items))
	for _, item := range items {
		state := &engine.ItemState{Item: *item}
		if state.History, err = s.loadRecords(ctx, item.ID); err != nil {
			return nil, err
		}
		if state.DriftEvents, err = s.loadItemEvents(ctx, item.ID); err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (s *SQLiteStore) loadRecords(ctx context.Context, itemID string) ([]engine.ExecutionRecord, error) {
	query := `
		SELECT id, item_id, phase, attempts, outcome, origin, started_at, finished_at, artifacts, findings, reason
		FROM execution_records
		WHERE item_id = ?
		ORDER BY position
	`
	rows, err := s.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]engine.ExecutionRecord, 0)
	for rows.Next() {
		var (
			r                   engine.ExecutionRecord
			started, finished   int64
			artifacts, findings string
		)
		if err := rows.Scan(&r.ID, &r.ItemID, &r.Phase, &r.Attempts, &r.Outcome, &r.Origin,
			&started, &finished, &artifacts, &findings, &r.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		if err := decodeJSON(artifacts, &r.Artifacts); err != nil {
			return nil, err
		}
		if err := decodeJSON(findings, &r.Findings); err != nil {
			return nil, err
		}
		r.StartedAt = fromNanos(started)
		r.FinishedAt = fromNanos(finished)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) loadItemEvents(ctx context.Context, itemID string) ([]engine.DriftEvent, error) {
	query := `
		SELECT e.payload
		FROM drift_events e
		JOIN drift_event_items i ON i.event_id = e.id
		JOIN alignment_reports r ON r.id = e.report_id
		WHERE i.item_id = ?
		ORDER BY r.created_at, e.position
	`
	rows, err := s.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]engine.DriftEvent, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan drift event: %w", err)
		}
		var e engine.DriftEvent
		if err := decodeJSON(payload, &e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AcquireLease takes the lease for key if it is free or expired. The claim is a
// single conditional upsert so two writers can never both succeed.
func (s *SQLiteStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (*engine.Lease, error) {
	now := s.now()
	lease := &engine.Lease{
		Key:       key,
		Owner:     owner,
		Token:     uuid.New().String(),
		ExpiresAt: now.Add(ttl),
	}

	query := `
		INSERT INTO leases (key, owner, token, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ?
	`
	result, err := s.db.ExecContext(ctx, query, key, owner, lease.Token, toNanos(lease.ExpiresAt), toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var holder string
		if err := s.db.QueryRowContext(ctx, `SELECT owner FROM leases WHERE key = ?`, key).Scan(&holder); err != nil &&
			!errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to read lease holder: %w", err)
		}
		return nil, engine.NewStateConflictError(key, holder)
	}
	return lease, nil
}

// RenewLease extends the lease in place if it is still held with the same
// token. An expired lease nobody else claimed is taken again with the same
// token, so a writer that outlived its TTL can still save.
func (s *SQLiteStore) RenewLease(ctx context.Context, lease *engine.Lease, ttl time.Duration) (*engine.Lease, error) {
	if lease == nil {
		return nil, engine.NewStateConflictError("", "")
	}
	now := s.now()
	renewed := *lease
	renewed.ExpiresAt = now.Add(ttl)

	query := `
		INSERT INTO leases (key, owner, token, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE leases.token = excluded.token OR leases.expires_at <= ?
	`
	result, err := s.db.ExecContext(ctx, query,
		renewed.Key, renewed.Owner, renewed.Token, toNanos(renewed.ExpiresAt), toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("failed to renew lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var holder string
		if err := s.db.QueryRowContext(ctx, `SELECT owner FROM leases WHERE key = ?`, lease.Key).Scan(&holder); err != nil &&
			!errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to read lease holder: %w", err)
		}
		return nil, engine.NewStateConflictError(lease.Key, holder)
	}
	return &renewed, nil
}

// ReclaimLeases deletes leases under prefix held by anyone but owner.
func (s *SQLiteStore) ReclaimLeases(ctx context.Context, prefix, owner string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE substr(key, 1, length(?)) = ? AND owner <> ?`, prefix, prefix, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim leases: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// ReleaseLease deletes the lease if it is still held with the same token.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, lease *engine.Lease) error {
	if lease == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND token = ?`, lease.Key, lease.Token); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// ReleaseExpiredLeases deletes expired leases.
func (s *SQLiteStore) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at <= ?`, toNanos(s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to release expired leases: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *SQLiteStore) checkLease(ctx context.Context, tx *sql.Tx, lease *engine.Lease, key string) error {
	if lease == nil || lease.Key != key {
		return engine.NewStateConflictError(key, "")
	}
	var (
		token   string
		owner   string
		expires int64
	)
	err := tx.QueryRowContext(ctx, `SELECT owner, token, expires_at FROM leases WHERE key = ?`, key).
		Scan(&owner, &token, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewStateConflictError(key, "")
	}
	if err != nil {
		return fmt.Errorf("failed to verify lease: %w", err)
	}
	if token != lease.Token || expires <= toNanos(s.now()) {
		return engine.NewStateConflictError(key, owner)
	}
	return nil
}

// Save applies an update to an item under its lease. Status changes, field
// changes and appended records are committed in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, lease *engine.Lease, itemID string, update engine.ItemUpdate) (*engine.WorkItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.checkLease(ctx, tx, lease, engine.ItemKey(itemID)); err != nil {
		return nil, err
	}

	item, err := getItem(ctx, tx, itemID)
	if err != nil {
		return nil, err
	}
	update.Apply(item)
	if err := item.PhaseStatus.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid update", err).WithCode(engine.ErrCodeValidation).WithItem(itemID)
	}

	deps, err := encodeJSON(nonNil(item.Dependencies))
	if err != nil {
		return nil, err
	}
	related, err := encodeJSON(nonNil(item.RelatedItems))
	if err != nil {
		return nil, err
	}
	tags, err := encodeJSON(nonNil(item.Tags))
	if err != nil {
		return nil, err
	}

	now := s.now()
	query := `
		UPDATE work_items
		SET title = ?, phase_status = ?, dependencies = ?, priority = ?, related_items = ?, tags = ?,
			blocked_from = ?, block_reason = ?, revision_target = ?, inactive = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`
	result, err := tx.ExecContext(ctx, query,
		item.Title, item.PhaseStatus, deps, item.Priority, related, tags,
		item.BlockedFrom, item.BlockReason, item.RevisionTarget, boolToInt(item.Inactive),
		toNanos(now), itemID, item.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update work item: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	} else if rows == 0 {
		return nil, engine.NewStateConflictError(engine.ItemKey(itemID), lease.Owner)
	}

	for _, r := range update.AppendRecords {
		if err := insertRecord(ctx, tx, itemID, r); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	item.Version++
	item.UpdatedAt = fromNanos(toNanos(now))
	return item, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, itemID string, r engine.ExecutionRecord) error {
	if err := r.Outcome.Validate(); err != nil {
		return engine.NewPermanentError("invalid execution record", err).WithCode(engine.ErrCodeValidation).WithItem(itemID)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Origin == "" {
		r.Origin = engine.OriginSession
	}
	artifacts, err := encodeJSON(nonNilArtifacts(r.Artifacts))
	if err != nil {
		return err
	}
	findings, err := encodeJSON(nonNil(r.Findings))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO execution_records (id, item_id, phase, attempts, outcome, origin, started_at, finished_at,
			artifacts, findings, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, r.ID, itemID, r.Phase, r.Attempts, r.Outcome, r.Origin,
		toNanos(r.StartedAt), toNanos(r.FinishedAt), artifacts, findings, r.Reason); err != nil {
		return fmt.Errorf("failed to append execution record: %w", err)
	}
	return nil
}

// SaveReport upserts a report and all of its drift events under the report lease.
func (s *SQLiteStore) SaveReport(ctx context.Context, lease *engine.Lease, report *engine.AlignmentReport) error {
	if err := report.Status.Validate(); err != nil {
		return engine.NewPermanentError("invalid alignment report", err).WithCode(engine.ErrCodeValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.checkLease(ctx, tx, lease, engine.ReportKey(report.ID)); err != nil {
		return err
	}

	now := s.now()
	if report.CreatedAt.IsZero() {
		report.CreatedAt = now
	}
	report.UpdatedAt = now

	reviewed, err := encodeJSON(nonNil(report.ReviewedItems))
	if err != nil {
		return err
	}
	order, err := encodeJSON(nonNil(report.RecommendedOrder))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alignment_reports (id, phase, reviewed_items, recommended_order, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			reviewed_items = excluded.reviewed_items,
			recommended_order = excluded.recommended_order,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, report.ID, report.Phase, reviewed, order, report.Status,
		toNanos(report.CreatedAt), toNanos(report.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to save alignment report: %w", err)
	}

	for i, e := range report.Events {
		e.ReportID = report.ID
		if err := e.Severity.Validate(); err != nil {
			return engine.NewPermanentError("invalid drift event", err).WithCode(engine.ErrCodeValidation)
		}
		if err := e.Decision.Validate(); err != nil {
			return engine.NewPermanentError("invalid drift event", err).WithCode(engine.ErrCodeValidation)
		}
		payload, err := encodeJSON(e)
		if err != nil {
			return err
		}
		query := `
			INSERT INTO drift_events (id, report_id, position, category, severity, decision, fingerprint, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				position = excluded.position,
				severity = excluded.severity,
				decision = excluded.decision,
				payload = excluded.payload
		`
		if _, err := tx.ExecContext(ctx, query, e.ID, report.ID, i, e.Category, e.Severity, e.Decision,
			e.Fingerprint, payload, toNanos(e.CreatedAt)); err != nil {
			return fmt.Errorf("failed to save drift event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM drift_event_items WHERE event_id = ?`, e.ID); err != nil {
			return fmt.Errorf("failed to reset drift event items: %w", err)
		}
		for _, itemID := range e.AffectedItems {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO drift_event_items (event_id, item_id) VALUES (?, ?)`, e.ID, itemID); err != nil {
				return fmt.Errorf("failed to link drift event: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const reportColumns = `id, phase, reviewed_items, recommended_order, status, created_at, updated_at`

// LoadReport returns a report and its events.
func (s *SQLiteStore) LoadReport(ctx context.Context, id string) (*engine.AlignmentReport, error) {
	report, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM alignment_reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("alignment report", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alignment report: %w", err)
	}
	if report.Events, err = s.loadReportEvents(ctx, id); err != nil {
		return nil, err
	}
	return report, nil
}

// ListReports returns reports oldest first, optionally filtered by status.
func (s *SQLiteStore) ListReports(ctx context.Context, statuses ...engine.ReportStatus) ([]*engine.AlignmentReport, error) {
	query := `SELECT ` + reportColumns + ` FROM alignment_reports`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alignment reports: %w", err)
	}
	var reports []*engine.AlignmentReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan alignment report: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating alignment reports: %w", err)
	}
	_ = rows.Close()

	for _, r := range reports {
		if r.Events, err = s.loadReportEvents(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

func scanReport(row rowScanner) (*engine.AlignmentReport, error) {
	var (
		r                    engine.AlignmentReport
		reviewed, order      string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&r.ID, &r.Phase, &reviewed, &order, &r.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(reviewed, &r.ReviewedItems); err != nil {
		return nil, err
	}
	if err := decodeJSON(order, &r.RecommendedOrder); err != nil {
		return nil, err
	}
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	return &r, nil
}

func (s *SQLiteStore) loadReportEvents(ctx context.Context, reportID string) ([]*engine.DriftEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM drift_events WHERE report_id = ? ORDER BY position`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*engine.DriftEvent, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan drift event: %w", err)
		}
		e := &engine.DriftEvent{}
		if err := decodeJSON(payload, e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendEvent appends an orchestration event to the event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	data, err := encodeJSON(event.Data)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO events (id, type, item_id, phase, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, event.ID, event.Type, event.ItemID, event.Phase,
		event.Message, data, toNanos(event.Timestamp)); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns up to limit of the most recent events, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, itemID string, limit int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, type, item_id, phase, message, data, timestamp FROM (
			SELECT position, id, type, item_id, phase, message, data, timestamp
			FROM events
			WHERE (? = '' OR item_id = ?)
			ORDER BY position DESC
			LIMIT ?
		) ORDER BY position
	`
	rows, err := s.db.QueryContext(ctx, query, itemID, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*engine.Event
	for rows.Next() {
		var (
			e    engine.Event
			data string
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.ItemID, &e.Phase, &e.Message, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := decodeJSON(data, &e.Data); err != nil {
			return nil, err
		}
		e.Timestamp = fromNanos(ts)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// RecordAudit stores a decision audit entry.
func (s *SQLiteStore) RecordAudit(ctx context.Context, entry *engine.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit (id, timestamp, actor, action, subject, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, entry.ID, toNanos(entry.Timestamp), entry.Actor,
		entry.Action, entry.Subject, details); err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAudit returns up to limit of the most recent audit entries, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]*engine.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, timestamp, actor, action, subject, details FROM (
			SELECT id, timestamp, actor, action, subject, details
			FROM audit
			ORDER BY timestamp DESC
			LIMIT ?
		) ORDER BY timestamp
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*engine.AuditEntry
	for rows.Next() {
		var (
			a       engine.AuditEntry
			ts      int64
			details string
		)
		if err := rows.Scan(&a.ID, &ts, &a.Actor, &a.Action, &a.Subject, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := decodeJSON(details, &a.Details); err != nil {
			return nil, err
		}
		a.Timestamp = fromNanos(ts)
		entries = append(entries, &a)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilArtifacts(a []engine.Artifact) []engine.Artifact {
	if a == nil {
		return []engine.Artifact{}
	}
	return a
}
