package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrRunID          = attribute.Key("deckhand.run.id")
	AttrRunStatus      = attribute.Key("deckhand.run.status")
	AttrWorkflow       = attribute.Key("deckhand.workflow")
	AttrEvent          = attribute.Key("deckhand.event")
	AttrStepID         = attribute.Key("deckhand.step.id")
	AttrStepStatus     = attribute.Key("deckhand.step.status")
	AttrAction         = attribute.Key("deckhand.step.action")
	AttrCloudService   = attribute.Key("cloud.service")
	AttrCloudOperation = attribute.Key("cloud.operation")
)

// Tracer produces one span per run with a child span per step, and client
// spans for cloud calls.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the span pipeline from cfg.Tracing. When tracing is off
// the spans are no-ops.
func NewTracer(cfg *Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
	}
	exporter, err := newExporter(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", tc.Exporter, err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

func newExporter(tc TracingConfig) (sdktrace.SpanExporter, error) {
	switch tc.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(tc.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("deckhand")),
		}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		// stderr keeps spans out of command output.
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported exporter")
}

// StartRunSpan opens the root span of a workflow run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, workflow, event string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "run "+workflow, trace.WithAttributes(
		AttrRunID.String(runID),
		AttrWorkflow.String(workflow),
		AttrEvent.String(event),
	))
}

// StartStepSpan opens a step span under the run span in ctx.
func (t *Tracer) StartStepSpan(ctx context.Context, stepID, action string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "step "+stepID, trace.WithAttributes(
		AttrStepID.String(stepID),
		AttrAction.String(action),
	))
}

// StartCloudSpan opens a client span for one cloud API call.
func (t *Tracer) StartCloudSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, service+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrCloudService.String(service),
			AttrCloudOperation.String(operation),
		),
	)
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the trace of ctx, empty when ctx carries no sampled span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

func (t *Tracer) ForceFlush(ctx context.Context) error {
	return t.provider.ForceFlush(ctx)
}
