package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return NewTelemetryWithLogger(cfg, logger)
}

// NewTelemetryWithLogger is NewTelemetry with a caller-built logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events and flushes traces.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// Run tracks one orchestrator run: a span, a run-scoped logger and the run
// duration.
type Run struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	metrics *Metrics
	started time.Time
}

// StartRun begins an instrumented run. It works without telemetry in ctx,
// in which case only the context logger is attached.
func StartRun(ctx context.Context, runID, operation string) *Run {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &Run{
			Ctx:     ctx,
			Span:    trace.SpanFromContext(context.Background()),
			Logger:  FromContext(ctx).WithRunID(runID),
			started: time.Now(),
		}
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, operation)
	logger := tel.Logger.WithRunID(runID).WithField("operation", operation)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithField("trace_id", id)
	}

	return &Run{
		Ctx:     logger.WithContext(spanCtx),
		Span:    span,
		Logger:  logger,
		metrics: tel.Metrics,
		started: time.Now(),
	}
}

// End finishes the run with its exit code and error.
func (r *Run) End(exitCode int, err error) {
	r.Span.SetAttributes(AttrExitCode.Int(exitCode))
	if err != nil {
		RecordError(r.Span, err)
	} else {
		RecordSuccess(r.Span)
	}
	r.Span.End()
	if r.metrics != nil {
		r.metrics.RecordRun(exitCode, time.Since(r.started))
	}
}
