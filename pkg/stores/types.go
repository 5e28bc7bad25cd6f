package stores

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is wrapped by lookups that match no row.
	ErrNotFound = errors.New("not found")

	// ErrLocked is returned when a run lock is held by another run.
	ErrLocked = errors.New("locked")
)

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus represents the status of a step result
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents a workflow run
type Run struct {
	ID          string     `json:"id"`
	Workflow    string     `json:"workflow"`
	Event       string     `json:"event"` // push, workflow_run, workflow_dispatch
	Status      RunStatus  `json:"status"`
	User        string     `json:"user"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	Summary     string     `json:"summary"` // JSON blob
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StepResult represents the recorded outcome of one step of a run
type StepResult struct {
	ID          string     `json:"id"` // <job>/<step>
	RunID       string     `json:"run_id"`
	JobID       string     `json:"job_id"`
	Name        string     `json:"name"`
	Action      string     `json:"action"`
	Position    int        `json:"position"`
	Status      StepStatus `json:"status"`
	Outputs     string     `json:"outputs"` // JSON object of strings
	Log         *string    `json:"log,omitempty"`
	SkipReason  *string    `json:"skip_reason,omitempty"`
	ErrorCode   *string    `json:"error_code,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Event represents an append-only timeline event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	StepID    *string    `json:"step_id,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Artifact indexes an artifact uploaded by a run
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Workflow  string    `json:"workflow"`
	Backend   string    `json:"backend"`  // fs, blob
	Location  string    `json:"location"` // path or blob key
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"` // sha256:<hex>
	CreatedAt time.Time `json:"created_at"`
}

// RunLock is a lease on a shared resource (a resource group) held by a run
type RunLock struct {
	Resource   string    `json:"resource"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "run.started", "lock.acquired", "artifact.uploaded"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // run/artifact/resource ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// RunFilter narrows ListRuns
type RunFilter struct {
	Workflow string
	Status   RunStatus
	Limit    int
	Offset   int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	UpsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Step result operations
	UpsertStepResult(ctx context.Context, result *StepResult) error
	ListStepResults(ctx context.Context, runID string) ([]*StepResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, stepID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Artifact operations
	CreateArtifact(ctx context.Context, artifact *Artifact) error
	GetArtifact(ctx context.Context, runID, name string) (*Artifact, error)
	LatestArtifact(ctx context.Context, name string) (*Artifact, error)
	ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error)

	// Run lock operations
	AcquireLock(ctx context.Context, resource, runID string, ttl time.Duration) (*RunLock, error)
	ReleaseLock(ctx context.Context, resource, runID string) error
	GetLock(ctx context.Context, resource string) (*RunLock, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
