package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PayloadFunc builds the opaque payload handed to the executor for an item.
type PayloadFunc func(state *ItemState, phase Phase) (json.RawMessage, error)

// MetricsRecorder receives batch execution measurements.
type MetricsRecorder interface {
	SessionStarted(phase Phase)
	SessionFinished(phase Phase, outcome Outcome, attempts int, duration time.Duration)
	SessionRetried(phase Phase, err error)
}

// BatchConfig configures a BatchExecutor.
type BatchConfig struct {
	// RetryAttempts is the number of retries after the first attempt for
	// transient failures.
	RetryAttempts int

	// SessionTimeout bounds each executor call. Zero disables the bound.
	SessionTimeout time.Duration

	// Backoff computes the delay between retries.
	Backoff Backoff

	// Owner identifies this process in lease rows.
	Owner string

	// LeaseTTL is the TTL of item leases, renewed while a session runs.
	// Zero means DefaultLeaseTTL.
	LeaseTTL time.Duration

	// WorkingDir is passed to the executor as the working context.
	WorkingDir string

	// Options are passed to every executor call.
	Options SessionOptions
}

// BatchExecutor dispatches a set of ready items to the SessionExecutor, either
// one at a time or through a bounded worker pool, and persists each outcome
// before returning.
type BatchExecutor struct {
	executor  SessionExecutor
	store     StateStore
	publisher EventPublisher
	metrics   MetricsRecorder
	payload   PayloadFunc
	cfg       BatchConfig
	logger    zerolog.Logger
	tracer    trace.Tracer
	validate  *validator.Validate
}

// BatchOption customizes a BatchExecutor.
type BatchOption func(*BatchExecutor)

// WithPublisher sets the event publisher.
func WithPublisher(p EventPublisher) BatchOption {
	return func(b *BatchExecutor) { b.publisher = p }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) BatchOption {
	return func(b *BatchExecutor) { b.metrics = m }
}

// WithPayload sets the payload builder.
func WithPayload(fn PayloadFunc) BatchOption {
	return func(b *BatchExecutor) { b.payload = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) BatchOption {
	return func(b *BatchExecutor) { b.logger = l }
}

// NewBatchExecutor creates a batch executor.
func NewBatchExecutor(executor SessionExecutor, store StateStore, cfg BatchConfig, opts ...BatchOption) *BatchExecutor {
	if cfg.Owner == "" {
		cfg.Owner = uuid.New().String()
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	b := &BatchExecutor{
		executor: executor,
		store:    store,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer("specflow/engine"),
		validate: validator.New(),
		payload:  defaultPayload,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ItemResult is the outcome of one item in a batch.
type ItemResult struct {
	ItemID   string           `json:"item_id"`
	Outcome  Outcome          `json:"outcome,omitempty"`
	Attempts int              `json:"attempts"`
	Record   *ExecutionRecord `json:"record,omitempty"`

	// Skipped is set when the item was not dispatched or its outcome was not
	// recorded, e.g. because the run was cancelled. SkipReason is
	// SkipLeaseHeld when another writer kept the item's lease.
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`

	// DriftEvents and NewItems are reported by the executor for the
	// orchestrator to process between batches.
	DriftEvents []DriftEvent `json:"drift_events,omitempty"`
	NewItems    []WorkItem   `json:"new_items,omitempty"`

	Err error `json:"-"`
}

// SkipLeaseHeld is the skip reason for items whose lease another writer kept.
const SkipLeaseHeld = "lease held by another writer"

// BatchResult summarizes a RunPhase call.
type BatchResult struct {
	Phase     Phase        `json:"phase"`
	Mode      BatchMode    `json:"mode"`
	Items     []ItemResult `json:"items"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Blocked   int          `json:"blocked"`
	Skipped   int          `json:"skipped"`

	// MaxInFlight is the highest number of concurrent executor calls observed.
	MaxInFlight int `json:"max_in_flight"`
}

// Progressed reports whether any item's status changed.
func (r *BatchResult) Progressed() bool {
	return r.Succeeded+r.Failed+r.Blocked > 0
}

// RunPhase dispatches items for the phase. In sequential mode items run one at
// a time in the given order; in parallel mode at most concurrencyLimit calls
// are in flight. A failing item never aborts its siblings. Cancelling ctx stops
// new dispatches; in-flight calls observe the cancelled context.
//
// The returned error is non-nil only when the state store fails.
func (b *BatchExecutor) RunPhase(
	ctx context.Context,
	items []WorkItem,
	phase Phase,
	mode BatchMode,
	concurrencyLimit int,
) (*BatchResult, error) {
	if err := phase.Validate(); err != nil {
		return nil, NewPermanentError("invalid phase", err).WithCode(ErrCodeValidation)
	}
	if err := mode.Validate(); err != nil {
		return nil, NewPermanentError("invalid batch mode", err).WithCode(ErrCodeValidation)
	}

	workerCount := 1
	if mode == ModeParallel {
		workerCount = concurrencyLimit
		if workerCount < 1 {
			workerCount = 1
		}
	}
	if len(items) < workerCount {
		workerCount = len(items)
	}

	ctx, span := b.tracer.Start(ctx, "batch."+string(phase),
		trace.WithAttributes(
			attribute.String("phase", string(phase)),
			attribute.String("mode", string(mode)),
			attribute.Int("items", len(items)),
		))
	defer span.End()

	b.publish(ctx, EventPhaseStarted, "", phase,
		fmt.Sprintf("Dispatching %d item(s) for %s", len(items), phase),
		map[string]interface{}{"mode": mode, "workers": workerCount})

	result := &BatchResult{Phase: phase, Mode: mode, Items: make([]ItemResult, len(items))}

	type job struct {
		index int
		item  WorkItem
	}
	queue := make(chan job, len(items))
	for i, item := range items {
		queue <- job{index: i, item: item}
	}
	close(queue)

	var (
		wg       sync.WaitGroup
		inFlight atomic.Int64
		peak     atomic.Int64
		storeErr error
		errOnce  sync.Once
	)

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				if ctx.Err() != nil {
					result.Items[j.index] = ItemResult{
						ItemID: j.item.ID, Skipped: true, SkipReason: "cancelled before dispatch",
					}
					continue
				}

				res := b.dispatch(ctx, j.item, phase, func(delta int64) {
					n := inFlight.Add(delta)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
				})
				if res.Err != nil && !res.Skipped {
					errOnce.Do(func() { storeErr = res.Err })
				}
				result.Items[j.index] = res
			}
		}()
	}
	wg.Wait()

	for _, r := range result.Items {
		switch {
		case r.Skipped:
			result.Skipped++
		case r.Outcome == OutcomeSuccess:
			result.Succeeded++
		case r.Outcome == OutcomeFailure:
			result.Failed++
		case r.Outcome == OutcomeBlocked:
			result.Blocked++
		}
	}
	result.MaxInFlight = int(peak.Load())

	span.SetAttributes(
		attribute.Int("succeeded", result.Succeeded),
		attribute.Int("failed", result.Failed),
		attribute.Int("blocked", result.Blocked),
		attribute.Int("skipped", result.Skipped),
	)
	b.publish(ctx, EventPhaseCompleted, "", phase,
		fmt.Sprintf("%s batch finished: %d succeeded, %d failed, %d blocked, %d skipped",
			phase, result.Succeeded, result.Failed, result.Blocked, result.Skipped), nil)

	if storeErr != nil {
		span.RecordError(storeErr)
		span.SetStatus(codes.Error, storeErr.Error())
		return result, storeErr
	}
	return result, nil
}

// dispatch runs a single item under its lease. Only state store failures are
// returned in ItemResult.Err without Skipped set.
func (b *BatchExecutor) dispatch(ctx context.Context, item WorkItem, phase Phase, track func(int64)) ItemResult {
	res := ItemResult{ItemID: item.ID}
	logger := b.logger.With().Str("item", item.ID).Str("phase", string(phase)).Logger()

	lease, state, skip, err := b.acquire(ctx, item.ID, phase)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			res.Skipped, res.SkipReason = true, "cancelled before dispatch"
			return res
		}
		res.Err = err
		return res
	}
	if skip != "" {
		logger.Debug().Str("reason", skip).Msg("Skipping item")
		res.Skipped, res.SkipReason = true, skip
		return res
	}
	held := KeepLease(b.store, lease, b.cfg.LeaseTTL, logger)
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("Failed to release lease")
		}
	}()

	ctx, span := b.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(attribute.String("item", item.ID), attribute.String("phase", string(phase))))
	defer span.End()

	payload, err := b.payload(state, phase)
	if err != nil {
		res.Err = fmt.Errorf("failed to build payload for %s: %w", item.ID, err)
		return res
	}
	req := SessionRequest{
		ItemID:         item.ID,
		Phase:          phase,
		Payload:        payload,
		WorkingContext: b.cfg.WorkingDir,
		Options:        b.cfg.Options,
	}
	if req.Options.Timeout == 0 {
		req.Options.Timeout = b.cfg.SessionTimeout
	}

	b.publish(ctx, EventItemStarted, item.ID, phase, fmt.Sprintf("Started %s for %s", phase, item.ID), nil)
	logger.Info().Msg("Dispatching session")

	track(1)
	if b.metrics != nil {
		b.metrics.SessionStarted(phase)
	}
	started := time.Now()

	var (
		sessionRes *SessionResult
		attempts   int
	)
	for attempt := 0; attempt <= b.cfg.RetryAttempts; attempt++ {
		attempts = attempt + 1
		sessionRes, err = b.execute(ctx, req)
		if err == nil {
			break
		}
		if ctx.Err() != nil || !IsRetryable(err) || attempt >= b.cfg.RetryAttempts {
			break
		}

		logger.Warn().Err(err).Int("attempt", attempts).Msg("Session failed, retrying")
		if b.metrics != nil {
			b.metrics.SessionRetried(phase, err)
		}
		b.publish(ctx, EventItemRetrying, item.ID, phase,
			fmt.Sprintf("Retrying after failure (attempt %d/%d)", attempts, b.cfg.RetryAttempts+1),
			map[string]interface{}{"error": err.Error()})

		if waitErr := b.cfg.Backoff.Wait(ctx, attempt, err); waitErr != nil {
			err = waitErr
			break
		}
	}
	track(-1)

	// A cancelled run leaves the item untouched so it is redone on resume.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		res.Skipped, res.SkipReason = true, "cancelled during session"
		res.Attempts = attempts
		return res
	}

	record := ExecutionRecord{
		ID:         uuid.New().String(),
		ItemID:     item.ID,
		Phase:      phase,
		Attempts:   attempts,
		Origin:     OriginSession,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}

	entry := state.Item.EffectiveStatus()
	update := ItemUpdate{}
	switch {
	case err == nil:
		record.Outcome = OutcomeSuccess
		record.Artifacts = sessionRes.Artifacts
		record.Findings = sessionRes.Findings
		target := phase.Target()
		update.Status = &target
		res.DriftEvents = sessionRes.DriftEvents
		res.NewItems = sessionRes.NewItems
	case IsRetryable(err):
		record.Outcome = OutcomeFailure
		record.Reason = err.Error()
		update = blockUpdate(entry, fmt.Sprintf("%s failed after %d attempt(s): %v", phase, attempts, err))
	default:
		record.Outcome = OutcomeBlocked
		record.Reason = err.Error()
		if sessionRes != nil {
			record.Findings = sessionRes.Findings
		}
		update = blockUpdate(entry, fmt.Sprintf("%s blocked: %v", phase, err))
	}
	update.AppendRecords = []ExecutionRecord{record}

	// Persist even if the run is being cancelled. The renewal re-takes a lease
	// that lapsed during a long session as long as nobody else claimed it.
	saveCtx := context.WithoutCancel(ctx)
	saveErr := held.Renew(saveCtx)
	if saveErr == nil {
		_, saveErr = b.store.Save(saveCtx, held.Lease(), item.ID, update)
	}
	if saveErr != nil && IsStateConflict(saveErr) {
		// Another writer owns the item now and redoes the phase itself.
		logger.Warn().Err(saveErr).Msg("Lease taken over during session, discarding outcome")
		res.Skipped, res.SkipReason = true, SkipLeaseHeld
		res.Attempts = attempts
		return res
	}
	if saveErr != nil {
		res.Err = fmt.Errorf("failed to save outcome for %s: %w", item.ID, saveErr)
		span.RecordError(saveErr)
		span.SetStatus(codes.Error, "save failed")
		return res
	}

	res.Outcome = record.Outcome
	res.Attempts = attempts
	res.Record = &record
	if b.metrics != nil {
		b.metrics.SessionFinished(phase, record.Outcome, attempts, record.Duration())
	}
	span.SetAttributes(attribute.String("outcome", string(record.Outcome)), attribute.Int("attempts", attempts))

	switch record.Outcome {
	case OutcomeSuccess:
		logger.Info().Int("attempts", attempts).Dur("duration", record.Duration()).Msg("Session succeeded")
		b.publish(ctx, EventItemCompleted, item.ID, phase,
			fmt.Sprintf("Completed %s for %s", phase, item.ID), map[string]interface{}{"attempts": attempts})
	case OutcomeFailure:
		logger.Error().Err(err).Int("attempts", attempts).Msg("Session failed, item blocked")
		span.SetStatus(codes.Error, record.Reason)
		b.publish(ctx, EventItemFailed, item.ID, phase, record.Reason, map[string]interface{}{"attempts": attempts})
	case OutcomeBlocked:
		logger.Error().Err(err).Msg("Session blocked")
		span.SetStatus(codes.Error, record.Reason)
		b.publish(ctx, EventItemBlocked, item.ID, phase, record.Reason, nil)
	}
	return res
}

// acquire takes the item's lease, retrying contention with a fresh reload.
// It returns a skip reason when the item is no longer eligible for the phase.
func (b *BatchExecutor) acquire(ctx context.Context, id string, phase Phase) (*Lease, *ItemState, string, error) {
	backoff := Backoff{Base: 20 * time.Millisecond, Max: time.Second}

	for attempt := 0; ; attempt++ {
		lease, err := b.store.AcquireLease(ctx, ItemKey(id), b.cfg.Owner, b.cfg.LeaseTTL)
		if err == nil {
			state, err := b.store.LoadItem(ctx, id)
			if err != nil {
				_ = b.store.ReleaseLease(context.WithoutCancel(ctx), lease)
				return nil, nil, "", err
			}
			if reason := ineligible(state, phase); reason != "" {
				_ = b.store.ReleaseLease(context.WithoutCancel(ctx), lease)
				return nil, nil, reason, nil
			}
			return lease, state, "", nil
		}
		if !IsStateConflict(err) {
			return nil, nil, "", err
		}
		if attempt >= leaseRetries {
			return nil, nil, SkipLeaseHeld, nil
		}
		if err := backoff.Wait(ctx, attempt, err); err != nil {
			return nil, nil, "", err
		}
	}
}

func ineligible(state *ItemState, phase Phase) string {
	item := state.Item
	switch {
	case item.Inactive:
		return "item is inactive"
	case item.PhaseStatus == StatusBlocked:
		return "item is blocked"
	case item.EffectiveStatus() != phase.Entry():
		return fmt.Sprintf("item is %s, not eligible for %s", item.PhaseStatus, phase)
	}
	return ""
}

// execute performs one attempt and classifies its result.
func (b *BatchExecutor) execute(ctx context.Context, req SessionRequest) (*SessionResult, error) {
	execCtx := ctx
	if req.Options.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Options.Timeout)
		defer cancel()
	}

	res, err := b.executor.Execute(execCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, NewTransientError("session timed out", err).
				WithCode(ErrCodeTimeout).WithItem(req.ItemID).WithPhase(req.Phase)
		}
		return nil, err
	}
	if res == nil {
		return nil, NewStructuralError(ErrCodeMalformedResult, "executor returned no result", nil).
			WithItem(req.ItemID).WithPhase(req.Phase)
	}
	if err := b.validate.Struct(res); err != nil {
		return res, NewStructuralError(ErrCodeMalformedResult, "executor returned a malformed result", err).
			WithItem(req.ItemID).WithPhase(req.Phase)
	}

	switch res.Status {
	case OutcomeFailure:
		return res, NewTransientError("session reported failure: "+res.Reason, nil).
			WithCode(ErrCodeSessionFailed).WithItem(req.ItemID).WithPhase(req.Phase)
	case OutcomeBlocked:
		return res, NewPermanentError("session reported blocked: "+res.Reason, nil).
			WithItem(req.ItemID).WithPhase(req.Phase)
	}
	if req.Phase.RequiresArtifacts() && len(res.Artifacts) == 0 {
		return res, NewStructuralError(ErrCodeMissingArtifact,
			fmt.Sprintf("%s produced no artifacts", req.Phase), nil).
			WithItem(req.ItemID).WithPhase(req.Phase)
	}
	return res, nil
}

// RequiresArtifacts reports whether a successful session for the phase must
// return at least one artifact.
func (p Phase) RequiresArtifacts() bool {
	return p == PhaseWriteSpec || p == PhaseCreateTasks || p == PhaseImplement
}

func blockUpdate(from PhaseStatus, reason string) ItemUpdate {
	blocked := StatusBlocked
	return ItemUpdate{Status: &blocked, BlockedFrom: &from, BlockReason: &reason}
}

func (b *BatchExecutor) publish(ctx context.Context, typ EventType, itemID string, phase Phase, msg string, data map[string]interface{}) {
	if b.publisher == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		ItemID:    itemID,
		Phase:     phase,
		Message:   msg,
		Data:      data,
	}
	if err := b.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		b.logger.Debug().Err(err).Str("event", string(typ)).Msg("Failed to publish event")
	}
}

// defaultPayload encodes the item, the phase, and everything learned so far.
func defaultPayload(state *ItemState, phase Phase) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{
		"item":     state.Item,
		"phase":    phase,
		"findings": state.Findings(),
	})
}
