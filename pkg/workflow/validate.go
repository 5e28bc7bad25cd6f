package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/deckhand/deckhand/pkg/actions"
	"github.com/deckhand/deckhand/pkg/engine"
)

// ActionResolver finds the action a `uses` reference names.
type ActionResolver interface {
	Lookup(name string) (actions.Action, bool)
}

var idPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidationError lists every problem found in one workflow.
type ValidationError struct {
	Workflow string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %s is invalid: %s", e.Workflow, strings.Join(e.Problems, "; "))
}

// Validate checks a definition. When actions is non-nil every `uses`
// reference must resolve.
func Validate(def *Definition, resolver ActionResolver) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	eval := NewEvaluator()
	checkExpr := func(where, s string, condition bool) {
		if err := eval.Check(s, condition); err != nil {
			add("%s: %v", where, err)
		}
	}

	if strings.TrimSpace(def.Name) == "" {
		add("name is required")
	}
	if len(def.On.Events()) == 0 {
		add("on: at least one trigger is required")
	}
	if wr := def.On.WorkflowRun; wr != nil && len(wr.Workflows) == 0 {
		add("on.workflow_run: workflows is required")
	}
	if d := def.On.WorkflowDispatch; d != nil {
		for name, in := range d.Inputs {
			if err := checkInput(in); err != nil {
				add("on.workflow_dispatch.inputs.%s: %v", name, err)
			}
		}
	}
	for key, value := range def.Env {
		checkExpr("env."+key, value, false)
	}

	if len(def.JobOrder) == 0 {
		add("jobs: at least one job is required")
	}
	for _, jobID := range def.JobOrder {
		job := def.Jobs[jobID]
		where := "jobs." + jobID
		if !idPattern.MatchString(jobID) {
			add("%s: invalid job id", where)
		}
		for _, need := range job.Needs {
			if _, ok := def.Jobs[need]; !ok {
				add("%s.needs: unknown job %q", where, need)
			}
		}
		checkExpr(where+".if", job.If, true)
		for key, value := range job.Env {
			checkExpr(where+".env."+key, value, false)
		}
		for key, value := range job.Outputs {
			checkExpr(where+".outputs."+key, value, false)
		}
		if len(job.Steps) == 0 {
			add("%s: at least one step is required", where)
		}

		seen := make(map[string]bool)
		for i, step := range job.Steps {
			key := step.Key(i)
			stepWhere := fmt.Sprintf("%s.steps[%d]", where, i)
			if step.ID != "" && !idPattern.MatchString(step.ID) {
				add("%s: invalid step id %q", stepWhere, step.ID)
			}
			if seen[key] {
				add("%s: duplicate step id %q", stepWhere, key)
			}
			seen[key] = true

			switch {
			case step.Uses == "" && step.Run == "":
				add("%s: one of uses or run is required", stepWhere)
			case step.Uses != "" && step.Run != "":
				add("%s: uses and run are mutually exclusive", stepWhere)
			case step.Uses != "" && resolver != nil:
				if _, ok := resolver.Lookup(step.Uses); !ok {
					add("%s: unknown action %q", stepWhere, step.Uses)
				}
			}

			checkExpr(stepWhere+".if", step.If, true)
			checkExpr(stepWhere+".run", step.Run, false)
			for key, value := range step.With {
				checkExpr(stepWhere+".with."+key, value, false)
			}
			for key, value := range step.Env {
				checkExpr(stepWhere+".env."+key, value, false)
			}
		}
	}

	if len(problems) == 0 {
		if err := checkJobCycles(def); err != nil {
			add("%v", err)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Workflow: def.Name, Problems: problems}
	}
	return nil
}

func checkInput(in Input) error {
	switch in.Type {
	case "", InputString:
	case InputBoolean:
		if in.Default != "" {
			if _, err := strconv.ParseBool(in.Default); err != nil {
				return fmt.Errorf("default %q is not a boolean", in.Default)
			}
		}
	case InputChoice:
		if len(in.Options) == 0 {
			return fmt.Errorf("choice input needs options")
		}
		if in.Default != "" && !containsString(in.Options, in.Default) {
			return fmt.Errorf("default %q is not one of the options", in.Default)
		}
	default:
		return fmt.Errorf("unsupported input type %q", in.Type)
	}
	return nil
}

// checkJobCycles runs the job graph through the DAG builder.
func checkJobCycles(def *Definition) error {
	units := make([]engine.PlanUnit, 0, len(def.JobOrder))
	for _, jobID := range def.JobOrder {
		unit := engine.PlanUnit{ID: jobID, Group: jobID}
		for _, need := range def.Jobs[jobID].Needs {
			unit.Dependencies = append(unit.Dependencies, engine.Dependency{TargetID: need, Type: engine.DependencyNeeds})
		}
		units = append(units, unit)
	}
	_, err := engine.NewDAGBuilder().BuildGraph(units)
	return err
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
