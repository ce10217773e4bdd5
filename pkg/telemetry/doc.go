// Package telemetry provides the observability plumbing for specflow.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an event publisher into one Telemetry value that
// the command layer builds at startup and hands to the orchestrator.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.Subscribe(telemetry.StoreSink(store, logger), nil)
//	go tel.Metrics.Serve(ctx, ":9090")
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder and is passed to the
// BatchExecutor. A disabled Metrics is safe to call; every recorder is a
// no-op.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Async delivery keeps
// publish order, so the store sink writes events in the order the engine
// produced them. Shutdown drains the queue.
//
// # Tracing
//
// NewTracer installs its provider globally. Engine, session and alignment
// code obtain tracers through otel.Tracer and need no reference to this
// package. Spans cover each run, each phase and each dispatch.
package telemetry
