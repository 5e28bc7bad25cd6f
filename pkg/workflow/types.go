package workflow

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Event names a workflow can be triggered by.
const (
	EventPush        = "push"
	EventWorkflowRun = "workflow_run"
	EventDispatch    = "workflow_dispatch"
)

// Input types for manual dispatch.
const (
	InputString  = "string"
	InputBoolean = "boolean"
	InputChoice  = "choice"
)

// Definition is a parsed workflow file.
type Definition struct {
	Name string            `yaml:"name"`
	On   Triggers          `yaml:"on"`
	Env  map[string]string `yaml:"env,omitempty"`
	Jobs map[string]*Job   `yaml:"jobs"`

	// JobOrder lists job IDs in declaration order.
	JobOrder []string `yaml:"-"`
	// Path is the file the definition was loaded from.
	Path string `yaml:"-"`
}

// UnmarshalYAML records the declaration order of jobs and steps.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	type plain Definition
	if err := node.Decode((*plain)(d)); err != nil {
		return err
	}

	d.JobOrder = nil
	if jobs := mappingValue(node, "jobs"); jobs != nil && jobs.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(jobs.Content); i += 2 {
			d.JobOrder = append(d.JobOrder, jobs.Content[i].Value)
		}
	}
	for id, job := range d.Jobs {
		if job == nil {
			d.Jobs[id] = &Job{}
		}
	}
	return nil
}

// OrderedJobs returns the jobs in declaration order.
func (d *Definition) OrderedJobs() []*Job {
	jobs := make([]*Job, 0, len(d.JobOrder))
	for _, id := range d.JobOrder {
		if job, ok := d.Jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// Triggers is the `on:` section.
type Triggers struct {
	Push             *PushTrigger        `yaml:"push,omitempty"`
	WorkflowRun      *WorkflowRunTrigger `yaml:"workflow_run,omitempty"`
	WorkflowDispatch *DispatchTrigger    `yaml:"workflow_dispatch,omitempty"`
}

// UnmarshalYAML accepts an event name, a list of names or a mapping.
func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return t.enable(node.Value, node.Line)
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if err := t.enable(item.Value, item.Line); err != nil {
				return err
			}
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if err := t.enable(key.Value, key.Line); err != nil {
				return err
			}
			if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
				continue
			}
			var err error
			switch key.Value {
			case EventPush:
				err = value.Decode(t.Push)
			case EventWorkflowRun:
				err = value.Decode(t.WorkflowRun)
			case EventDispatch:
				err = value.Decode(t.WorkflowDispatch)
			}
			if err != nil {
				return fmt.Errorf("on.%s: %w", key.Value, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("line %d: on must be an event name, a list or a mapping", node.Line)
	}
}

func (t *Triggers) enable(event string, line int) error {
	switch event {
	case EventPush:
		if t.Push == nil {
			t.Push = &PushTrigger{}
		}
	case EventWorkflowRun:
		if t.WorkflowRun == nil {
			t.WorkflowRun = &WorkflowRunTrigger{}
		}
	case EventDispatch:
		if t.WorkflowDispatch == nil {
			t.WorkflowDispatch = &DispatchTrigger{}
		}
	default:
		return fmt.Errorf("line %d: unsupported event %q", line, event)
	}
	return nil
}

// Events returns the names of the enabled events.
func (t Triggers) Events() []string {
	var events []string
	if t.Push != nil {
		events = append(events, EventPush)
	}
	if t.WorkflowRun != nil {
		events = append(events, EventWorkflowRun)
	}
	if t.WorkflowDispatch != nil {
		events = append(events, EventDispatch)
	}
	return events
}

// PushTrigger fires on pushes to matching branches that touch matching paths.
type PushTrigger struct {
	Branches []string `yaml:"branches,omitempty"`
	Paths    []string `yaml:"paths,omitempty"`
}

// WorkflowRunTrigger fires when an upstream workflow finishes.
type WorkflowRunTrigger struct {
	Workflows []string `yaml:"workflows"`
	Types     []string `yaml:"types,omitempty"`
	Branches  []string `yaml:"branches,omitempty"`
	// Conclusions restricts the upstream conclusions that fire the trigger.
	Conclusions []string `yaml:"conclusions,omitempty"`
}

// DispatchTrigger fires on manual dispatch.
type DispatchTrigger struct {
	Inputs map[string]Input `yaml:"inputs,omitempty"`
}

// Input is one manual dispatch input.
type Input struct {
	Description string   `yaml:"description,omitempty"`
	Type        string   `yaml:"type,omitempty"`
	Options     []string `yaml:"options,omitempty"`
	Default     string   `yaml:"default,omitempty"`
	Required    bool     `yaml:"required,omitempty"`
}

// Job is a named, ordered list of steps.
type Job struct {
	ID      string            `yaml:"-"`
	Name    string            `yaml:"name,omitempty"`
	Needs   StringList        `yaml:"needs,omitempty"`
	If      string            `yaml:"if,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Outputs map[string]string `yaml:"outputs,omitempty"`
	Steps   []Step            `yaml:"steps"`
}

// Step is one action invocation or inline script.
type Step struct {
	ID   string            `yaml:"id,omitempty"`
	Name string            `yaml:"name,omitempty"`
	Uses string            `yaml:"uses,omitempty"`
	Run  string            `yaml:"run,omitempty"`
	With map[string]string `yaml:"with,omitempty"`
	If   string            `yaml:"if,omitempty"`
	Env  map[string]string `yaml:"env,omitempty"`
}

// Key returns the step ID, or step-<n> (1-based) for anonymous steps.
func (s Step) Key(index int) string {
	if s.ID != "" {
		return s.ID
	}
	return fmt.Sprintf("step-%d", index+1)
}

// DisplayName returns a human readable step name.
func (s Step) DisplayName(index int) string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return s.Uses
	case s.Run != "":
		line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
		return line
	default:
		return s.Key(index)
	}
}

// StringList is a list that may be written as a single string.
type StringList []string

// UnmarshalYAML accepts a scalar or a sequence.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list", node.Line)
	}
}

// Event is what triggers a workflow run.
type Event struct {
	Name  string `json:"name"`
	Ref   string `json:"ref,omitempty"`
	SHA   string `json:"sha,omitempty"`
	Actor string `json:"actor,omitempty"`

	ChangedFiles []string          `json:"changed_files,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	WorkflowRun  *RunRef           `json:"workflow_run,omitempty"`
}

// RunRef describes the upstream run of a workflow_run event.
type RunRef struct {
	Workflow   string `json:"workflow"`
	RunID      string `json:"run_id"`
	Action     string `json:"action,omitempty"`
	Conclusion string `json:"conclusion"`
	Branch     string `json:"branch,omitempty"`
}

// Branch returns the short branch name of the event's ref.
func (e Event) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// Conclusions of a finished run, as exposed to workflow_run consumers.
const (
	ConclusionSuccess   = "success"
	ConclusionFailure   = "failure"
	ConclusionCancelled = "cancelled"
)

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
