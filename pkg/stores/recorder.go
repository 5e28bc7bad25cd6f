package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deckhand/deckhand/pkg/engine"
)

// Recorder adapts a Store to the engine's RunRecorder and EventPublisher
// interfaces so a run's progress is persisted as it happens.
type Recorder struct {
	store Store
	event string
}

// NewRecorder creates a recorder. event is the trigger name stored with
// every run the recorder saves.
func NewRecorder(store Store, event string) *Recorder {
	return &Recorder{store: store, event: event}
}

// SaveRun implements engine.RunRecorder.
func (r *Recorder) SaveRun(ctx context.Context, run *engine.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode run metadata: %w", err)
	}

	var completedAt *time.Time
	if run.CompletedAt != nil {
		t := run.CompletedAt.UTC()
		completedAt = &t
	}

	return r.store.UpsertRun(ctx, &Run{
		ID:          run.ID,
		Workflow:    run.Workflow,
		Event:       r.event,
		Status:      RunStatus(run.Status),
		User:        run.User,
		StartedAt:   run.StartedAt.UTC(),
		CompletedAt: completedAt,
		DurationMS:  run.Duration.Milliseconds(),
		Summary:     string(summary),
		Error:       nullable(run.Error),
		Metadata:    string(metadata),
	})
}

// SaveResult implements engine.RunRecorder.
func (r *Recorder) SaveResult(ctx context.Context, runID string, unit *engine.PlanUnit) error {
	row := &StepResult{
		ID:       unit.ID,
		RunID:    runID,
		JobID:    unit.Group,
		Name:     unit.Name,
		Action:   unit.Action,
		Position: unit.ExecutionOrder,
		Status:   StepStatus(unit.Status),
		Outputs:  "{}",
	}

	if res := unit.Result; res != nil {
		if len(res.Outputs) > 0 {
			outputs, err := json.Marshal(res.Outputs)
			if err != nil {
				return fmt.Errorf("failed to encode step outputs: %w", err)
			}
			row.Outputs = string(outputs)
		}
		row.Log = nullable(res.Log)
		row.SkipReason = nullable(res.SkipReason)
		if res.Error != nil {
			row.ErrorCode = nullable(res.Error.Code)
			row.Error = nullable(res.Error.Error())
		}
		if !res.StartedAt.IsZero() {
			t := res.StartedAt.UTC()
			row.StartedAt = &t
		}
		if !res.CompletedAt.IsZero() {
			t := res.CompletedAt.UTC()
			row.CompletedAt = &t
		}
	}

	return r.store.UpsertStepResult(ctx, row)
}

// Publish implements engine.EventPublisher.
func (r *Recorder) Publish(ctx context.Context, event *engine.Event) error {
	row := &Event{
		RunID:     nullable(event.RunID),
		StepID:    nullable(event.PlanUnitID),
		Type:      string(event.Type),
		Level:     EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp.UTC(),
	}

	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		s := string(details)
		row.Details = &s
	}

	return r.store.AppendEvent(ctx, row)
}

// StepOutputs decodes the outputs column of a step result.
func StepOutputs(result *StepResult) (map[string]string, error) {
	outputs := map[string]string{}
	if result.Outputs == "" {
		return outputs, nil
	}
	if err := json.Unmarshal([]byte(result.Outputs), &outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs of %s: %w", result.ID, err)
	}
	return outputs, nil
}
