package engine

import (
	"time"
)

// ActionShell is the action of a step that runs an inline script.
const ActionShell = "run"

// PlanUnit is one workflow step as the scheduler sees it. Inputs, Env and
// Script are stored uninterpolated; the executor resolves expressions right
// before the step runs, once the outputs of earlier steps are known.
type PlanUnit struct {
	// ID is "<job>/<step>".
	ID string `json:"id"`
	// Group is the job. A failure skips the rest of the group.
	Group     string `json:"group"`
	Name      string `json:"name"`
	Action    string `json:"action"`
	Condition string `json:"condition,omitempty"`

	Inputs map[string]string `json:"inputs,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Script string            `json:"script,omitempty"`

	Status         PlanStatus   `json:"status"`
	Dependencies   []Dependency `json:"dependencies,omitempty"`
	ExecutionOrder int          `json:"execution_order"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Result   *ExecutionResult       `json:"result,omitempty"`
}

// Dependency orders a unit after TargetID.
type Dependency struct {
	TargetID string         `json:"target_id"`
	Type     DependencyType `json:"type"`
}

type DependencyType string

const (
	// DependencyStep links a step to the step before it in the same job.
	DependencyStep DependencyType = "step"
	// DependencyNeeds links the first step of a job to the last step of
	// each job it needs.
	DependencyNeeds DependencyType = "needs"
)

// ExecutionResult is what a step left behind: its outputs, the masked log
// and the classified error or the reason it was skipped.
type ExecutionResult struct {
	PlanUnitID  string        `json:"plan_unit_id"`
	Status      PlanStatus    `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	Outputs    map[string]string `json:"outputs,omitempty"`
	Log        string            `json:"log,omitempty"`
	Error      *EngineError      `json:"error,omitempty"`
	SkipReason string            `json:"skip_reason,omitempty"`
}

// Event is one entry of a run timeline. PlanUnitID is empty for run level
// events.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	RunID      string                 `json:"run_id"`
	PlanUnitID string                 `json:"plan_unit_id,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Level      string                 `json:"level"`
}

// Plan is a compiled workflow: its units plus the order they run in.
type Plan struct {
	ID        string    `json:"id"`
	Workflow  string    `json:"workflow"`
	CreatedAt time.Time `json:"created_at"`
	Units     []PlanUnit `json:"units"`

	Graph *ExecutionGraph `json:"graph,omitempty"`
	Order []string        `json:"order,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Unit returns the unit with the given ID, or nil.
func (p *Plan) Unit(id string) *PlanUnit {
	for i := range p.Units {
		if p.Units[i].ID == id {
			return &p.Units[i]
		}
	}
	return nil
}

type ExecutionGraph struct {
	Nodes map[string]*GraphNode `json:"nodes"`
	Edges []GraphEdge           `json:"edges"`
	// Roots are the first steps of jobs without needs.
	Roots []string `json:"roots"`
	Depth int      `json:"depth"`
}

type GraphNode struct {
	ID string `json:"id"`
	// Level is the distance from the nearest root.
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// Run is one execution of a plan.
type Run struct {
	ID          string        `json:"id"`
	PlanID      string        `json:"plan_id"`
	Workflow    string        `json:"workflow"`
	Status      RunStatus     `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	User        string        `json:"user,omitempty"`
	Summary     RunSummary    `json:"summary"`
	// Error is the masked message of the first failed step.
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RunSummary counts the units of a run by final status.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
}

// UnitState is what a step condition is evaluated against.
type UnitState struct {
	// PriorFailure is set once an earlier unit of the same group failed.
	PriorFailure bool
	// Groups holds the aggregate status of every finished group, for needs.
	Groups map[string]PlanStatus
}
