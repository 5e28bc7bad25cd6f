// Package telemetry provides observability instrumentation for deckhand.
//
// The package integrates structured logging (zerolog), tracing
// (OpenTelemetry) and metrics (Prometheus) around the engine's run timeline.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//	cfg.ApplyEnv(os.Getenv)
//
//	masker := telemetry.NewMasker(secretValues...)
//	tel, err := telemetry.NewTelemetry(cfg, masker)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Run timeline
//
// EventPublisher implements engine.EventPublisher. Every run and step event
// becomes a log line, a metric update and a span, and is then forwarded to
// downstream publishers such as the run store:
//
//	publisher := tel.Publisher(stores.NewRecorder(store, "push"))
//	scheduler := engine.NewSequentialScheduler(runner, publisher, recorder)
//
// # Secret masking
//
// A Masker replaces registered secret values with "***". Loggers created
// by NewLogger write through it, and Masker.Mask is suitable as the
// engine's ScheduleOptions.Redact hook so step logs, errors and persisted
// events are masked too.
//
// # Metrics
//
// Metrics live in a private registry under the "deckhand" namespace:
//
//	deckhand_runs_started_total{workflow,event}
//	deckhand_runs_completed_total{workflow,status}
//	deckhand_run_duration_seconds{workflow,status}
//	deckhand_steps_executed_total{action,status}
//	deckhand_step_duration_seconds{action}
//	deckhand_gate_decisions_total{decision,event}
//	deckhand_cloud_calls_total{service,operation}
//	deckhand_cloud_errors_total{service,operation}
//	deckhand_errors_by_class_total{class}
//	deckhand_errors_by_code_total{code}
//	deckhand_policy_violations_total{policy,severity}
//	deckhand_active_runs
//
// All recorders are nil-safe so callers never check whether metrics are
// enabled.
//
// # Tracing
//
// Spans: "run <workflow>" per run, "step <job>/<step>" per step (child of
// the run span) and <service>.<operation> client spans for cloud calls made
// through RecordCloudOperation. Exporters: otlp (gRPC), stdout, none. The
// OTEL_EXPORTER_OTLP_ENDPOINT variable selects otlp.
package telemetry
