package engine

import (
	"context"
	"time"
)

// StepExecutor evaluates and runs individual plan units.
type StepExecutor interface {
	// ShouldRun evaluates the unit's condition against the current run state.
	ShouldRun(ctx context.Context, unit *PlanUnit, state UnitState) (bool, error)

	// ExecuteUnit runs a single plan unit.
	ExecuteUnit(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error)
}

// EventPublisher publishes timeline events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// RunRecorder persists run and step state as execution progresses.
type RunRecorder interface {
	// SaveRun creates or updates a run.
	SaveRun(ctx context.Context, run *Run) error

	// SaveResult stores the result of a finished plan unit.
	SaveResult(ctx context.Context, runID string, unit *PlanUnit) error
}

// Scheduler executes plans.
type Scheduler interface {
	// Execute runs a plan to completion and returns the finished run.
	Execute(ctx context.Context, plan *Plan, opts ScheduleOptions) (*Run, error)
}

// ScheduleOptions contains options for a plan execution.
type ScheduleOptions struct {
	// RunID is the ID to give the run. A new UUID is used when empty.
	RunID string `json:"run_id,omitempty"`

	// DryRun evaluates conditions but does not invoke actions.
	DryRun bool `json:"dry_run,omitempty"`

	// UnitTimeout bounds a single unit. Zero means no limit.
	UnitTimeout time.Duration `json:"unit_timeout,omitempty"`

	// User is the user initiating the execution.
	User string `json:"user,omitempty"`

	// Metadata is copied onto the run.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Redact masks secret values in logs, errors and event messages.
	Redact func(string) string `json:"-"`
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, *Event) error { return nil }

// NopRecorder discards run state.
type NopRecorder struct{}

// SaveRun implements RunRecorder.
func (NopRecorder) SaveRun(context.Context, *Run) error { return nil }

// SaveResult implements RunRecorder.
func (NopRecorder) SaveResult(context.Context, string, *PlanUnit) error { return nil }
