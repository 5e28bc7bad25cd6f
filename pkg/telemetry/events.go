package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/deckhand/deckhand/pkg/engine"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher is an engine.EventPublisher that turns the run timeline
// into log lines, metrics and spans, then forwards every event to the
// downstream publishers (usually the run store) and subscribers.
//
// Delivery is synchronous and in order.
type EventPublisher struct {
	logger  *Logger
	metrics *Metrics
	tracer  *Tracer

	downstream  []engine.EventPublisher
	subscribers []subscriberEntry
	filters     []EventFilter

	runSpans  map[string]trace.Span
	stepSpans map[string]trace.Span
	runCtx    map[string]context.Context

	mu sync.Mutex
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher. Any of logger, metrics and tracer
// may be nil.
func NewEventPublisher(logger *Logger, metrics *Metrics, tracer *Tracer, downstream ...engine.EventPublisher) *EventPublisher {
	return &EventPublisher{
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		downstream: downstream,
		runSpans:   make(map[string]trace.Span),
		stepSpans:  make(map[string]trace.Span),
		runCtx:     make(map[string]context.Context),
	}
}

// Publish implements engine.EventPublisher. The first downstream error is
// returned after every consumer has seen the event.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	ep.mu.Lock()
	for _, f := range ep.filters {
		if !f(*event) {
			ep.mu.Unlock()
			return nil
		}
	}
	subscribers := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.Unlock()

	ep.log(event)
	ep.observe(ctx, event)

	var firstErr error
	for _, d := range ep.downstream {
		if err := d.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, entry := range subscribers {
		if entry.filter == nil || entry.filter(*event) {
			entry.subscriber(*event)
		}
	}

	return firstErr
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a global filter. Filtered events reach no consumer.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) log(event *engine.Event) {
	if ep.logger == nil {
		return
	}

	l := ep.logger.WithRunID(event.RunID)
	if event.PlanUnitID != "" {
		l = l.WithStepID(event.PlanUnitID)
	}
	l = l.WithField("event_type", string(event.Type))

	switch event.Level {
	case EventLevelError:
		l.Error(event.Message)
	case EventLevelWarning:
		l.Warn(event.Message)
	default:
		l.Info(event.Message)
	}
}

// observe updates metrics and spans from run and step events.
func (ep *EventPublisher) observe(ctx context.Context, event *engine.Event) {
	details := event.Details

	switch event.Type {
	case engine.EventTypeRunStarted:
		ep.metrics.RecordRunStarted(detail(details, "workflow"), detail(details, "event"))
		if ep.tracer != nil {
			spanCtx, span := ep.tracer.StartRunSpan(ctx, event.RunID, detail(details, "workflow"), detail(details, "event"))
			span.SetAttributes(SpanAttributes(details)...)
			ep.mu.Lock()
			ep.runSpans[event.RunID] = span
			ep.runCtx[event.RunID] = spanCtx
			ep.mu.Unlock()
		}

	case engine.EventTypeRunCompleted, engine.EventTypeRunFailed:
		status := detail(details, "status")
		ep.metrics.RecordRunCompleted(detail(details, "workflow"), status, durationOf(details))
		ep.mu.Lock()
		span, ok := ep.runSpans[event.RunID]
		delete(ep.runSpans, event.RunID)
		delete(ep.runCtx, event.RunID)
		ep.mu.Unlock()
		if ok {
			span.SetAttributes(AttrRunStatus.String(status))
			EndSpan(span, failure(event, engine.EventTypeRunFailed))
		}

	case engine.EventTypePlanUnitStarted:
		if ep.tracer != nil {
			ep.mu.Lock()
			parent, ok := ep.runCtx[event.RunID]
			ep.mu.Unlock()
			if !ok {
				parent = ctx
			}
			_, span := ep.tracer.StartStepSpan(parent, event.PlanUnitID, detail(details, "action"))
			ep.mu.Lock()
			ep.stepSpans[stepKey(event)] = span
			ep.mu.Unlock()
		}

	case engine.EventTypePlanUnitCompleted, engine.EventTypePlanUnitFailed,
		engine.EventTypePlanUnitSkipped, engine.EventTypePlanUnitCancelled:
		ep.metrics.RecordStep(detail(details, "action"), detail(details, "status"), durationOf(details))
		if class := detail(details, "error_class"); class != "" {
			ep.metrics.RecordError(class, detail(details, "error_code"))
		}
		ep.mu.Lock()
		span, ok := ep.stepSpans[stepKey(event)]
		delete(ep.stepSpans, stepKey(event))
		ep.mu.Unlock()
		if ok {
			span.SetAttributes(AttrStepStatus.String(detail(details, "status")))
			EndSpan(span, failure(event, engine.EventTypePlanUnitFailed))
		}

	case engine.EventTypeGateDecision:
		ep.metrics.RecordGateDecision(detail(details, "decision"), detail(details, "event"))
	}
}

func stepKey(event *engine.Event) string {
	return event.RunID + "/" + event.PlanUnitID
}

func detail(details map[string]interface{}, key string) string {
	if v, ok := details[key].(string); ok {
		return v
	}
	return ""
}

func durationOf(details map[string]interface{}) time.Duration {
	switch v := details["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return 0
}

type errorString string

func (e errorString) Error() string { return string(e) }

// failure returns the event message as an error when the event has type failed.
func failure(event *engine.Event, failed engine.EventType) error {
	if event.Type != failed {
		return nil
	}
	return errorString(event.Message)
}

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// FilterByLevel returns a filter that only allows events at or above the specified level.
func FilterByLevel(minLevel string) EventFilter {
	levelPriority := map[string]int{
		EventLevelInfo:    1,
		EventLevelWarning: 2,
		EventLevelError:   3,
	}
	minPriority := levelPriority[minLevel]

	return func(event engine.Event) bool {
		return levelPriority[event.Level] >= minPriority
	}
}

// FilterByType returns a filter that only allows specific event types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID returns a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// SpanAttributes converts event details to span attributes.
func SpanAttributes(details map[string]interface{}) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(details))
	for k, v := range details {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		}
	}
	return attrs
}
