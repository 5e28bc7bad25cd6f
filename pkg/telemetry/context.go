package telemetry

import (
	"context"

	"github.com/deckhand/deckhand/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and secret masker of one
// deckhand invocation.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Masker  *Masker
	Config  *Config
}

type telemetryKey struct{}

// NewTelemetry validates cfg and opens every sink. masker may be nil.
func NewTelemetry(cfg *Config, masker *Masker) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if masker == nil {
		masker = NewMasker()
	}

	logger, err := NewLogger(cfg.Logging, masker)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Masker: masker, Config: cfg}, nil
}

// Publisher returns an event publisher that logs, meters and traces run
// events before handing them to downstream.
func (t *Telemetry) Publisher(downstream ...engine.EventPublisher) *EventPublisher {
	return NewEventPublisher(t.Logger.Component("runner"), t.Metrics, t.Tracer, downstream...)
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer serves /metrics until ctx is done. It is a no-op
// without a listen address.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	if t.Config.Metrics.ListenAddress == "" {
		return nil
	}
	return t.Metrics.StartMetricsServer(ctx)
}

// RecordCloudOperation runs fn inside a client span and counts the call.
// Without telemetry in ctx it only calls fn.
func RecordCloudOperation(ctx context.Context, service, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	spanCtx, span := tel.Tracer.StartCloudSpan(ctx, service, operation)
	err := fn(spanCtx)
	EndSpan(span, err)

	tel.Metrics.RecordCloudCall(service, operation, err)
	if err != nil {
		tel.Logger.Component(service).WithError(err).
			WithField("operation", operation).
			WithField("trace_id", TraceID(spanCtx)).
			Debug("cloud call failed")
	}
	return err
}
