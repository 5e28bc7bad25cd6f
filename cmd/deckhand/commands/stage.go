package commands

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/stores"
)

// stageFunc is one directly invoked pipeline stage. Events it publishes
// are persisted under runID.
type stageFunc func(ctx context.Context, runID string, publisher engine.EventPublisher) error

// recordStage runs fn as a single-stage run so that provision and deploy
// invoked outside a workflow still show up in the run history.
func (a *app) recordStage(ctx context.Context, name, event string, fn stageFunc) (*engine.Run, error) {
	store, err := a.stateStore(ctx)
	if err != nil {
		return nil, err
	}
	recorder := stores.NewRecorder(store, event)

	run := &engine.Run{
		ID:        uuid.New().String(),
		Workflow:  name,
		Status:    engine.RunStatusRunning,
		StartedAt: time.Now(),
		User:      actor(),
		Metadata:  map[string]interface{}{"direct": true},
	}
	if err := recorder.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	publisher := a.tel.Publisher(recorder)
	_ = publisher.Publish(ctx, &engine.Event{
		Type:      engine.EventTypeRunStarted,
		Level:     "info",
		RunID:     run.ID,
		Message:   name + " started",
		Timestamp: run.StartedAt,
	})

	runErr := fn(ctx, run.ID, publisher)

	completed := time.Now()
	run.CompletedAt = &completed
	run.Duration = completed.Sub(run.StartedAt)
	run.Status = engine.RunStatusSucceeded
	eventType, level, msg := engine.EventTypeRunCompleted, "info", name+" completed"
	if runErr != nil {
		run.Status = engine.RunStatusFailed
		run.Error = a.tel.Masker.Mask(runErr.Error())
		eventType, level, msg = engine.EventTypeRunFailed, "error", run.Error
	}
	if err := recorder.SaveRun(ctx, run); err != nil {
		a.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record run")
	}
	_ = publisher.Publish(ctx, &engine.Event{
		Type:      eventType,
		Level:     level,
		RunID:     run.ID,
		Message:   msg,
		Timestamp: completed,
	})

	a.audit(ctx, name+".completed", run.ID, map[string]string{
		"event":  event,
		"status": string(run.Status),
	})
	return run, runErr
}
