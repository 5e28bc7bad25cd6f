package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus is the state of a whole workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusFailed means at least one step failed.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled means the context was cancelled mid-run.
	RunStatusCancelled RunStatus = "cancelled"
)

var runStatuses = map[RunStatus]bool{
	RunStatusPending:   false,
	RunStatusRunning:   false,
	RunStatusSucceeded: true,
	RunStatusFailed:    true,
	RunStatusCancelled: true,
}

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool { return runStatuses[s] }

func (s RunStatus) Validate() error {
	if _, ok := runStatuses[s]; !ok {
		return fmt.Errorf("invalid run status: %s", s)
	}
	return nil
}

func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON rejects statuses this package does not know.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// PlanStatus is the state of one step, or the aggregate state of a job.
type PlanStatus string

const (
	PlanStatusPending   PlanStatus = "pending"
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusSucceeded PlanStatus = "succeeded"
	PlanStatusFailed    PlanStatus = "failed"
	// PlanStatusSkipped means the condition was false or an earlier step of
	// the job failed. Skipped steps still get a result.
	PlanStatusSkipped   PlanStatus = "skipped"
	PlanStatusCancelled PlanStatus = "cancelled"
)

var planStatuses = map[PlanStatus]bool{
	PlanStatusPending:   false,
	PlanStatusRunning:   false,
	PlanStatusSucceeded: true,
	PlanStatusFailed:    true,
	PlanStatusSkipped:   true,
	PlanStatusCancelled: true,
}

func (s PlanStatus) IsTerminal() bool { return planStatuses[s] }

func (s PlanStatus) Validate() error {
	if _, ok := planStatuses[s]; !ok {
		return fmt.Errorf("invalid step status: %s", s)
	}
	return nil
}

// EventType names an entry of the run timeline.
type EventType string

const (
	EventTypeRunStarted   EventType = "run_started"
	EventTypeRunCompleted EventType = "run_completed"
	EventTypeRunFailed    EventType = "run_failed"

	EventTypePlanUnitStarted   EventType = "plan_unit_started"
	EventTypePlanUnitCompleted EventType = "plan_unit_completed"
	EventTypePlanUnitFailed    EventType = "plan_unit_failed"
	EventTypePlanUnitSkipped   EventType = "plan_unit_skipped"
	EventTypePlanUnitCancelled EventType = "plan_unit_cancelled"

	// EventTypeGateDecision carries the noop, plan or apply decision of the
	// provisioning gate in its details.
	EventTypeGateDecision EventType = "gate_decision"

	EventTypeWarning EventType = "warning"
	EventTypeInfo    EventType = "info"
)

// Severity is the level events of this type are stored and logged at.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypePlanUnitFailed:
		return "error"
	case EventTypeWarning, EventTypePlanUnitCancelled:
		return "warning"
	}
	return "info"
}
