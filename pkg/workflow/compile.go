package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/deckhand/deckhand/pkg/engine"
)

// Metadata keys set on compiled plan units.
const (
	metaJob   = "job"
	metaStep  = "step"
	metaIndex = "index"
)

// UnitID returns the plan unit ID of a step.
func UnitID(jobID, stepKey string) string {
	return jobID + "/" + stepKey
}

// Compile turns a definition into an execution plan with one unit per
// step. Steps of a job run in order; the first step of a job depends on
// the last step of every job it needs.
func Compile(def *Definition) (*engine.Plan, error) {
	var units []engine.PlanUnit
	last := make(map[string]string, len(def.JobOrder))

	for _, jobID := range def.JobOrder {
		job := def.Jobs[jobID]
		for i, step := range job.Steps {
			key := step.Key(i)
			unit := engine.PlanUnit{
				ID:        UnitID(jobID, key),
				Group:     jobID,
				Name:      step.DisplayName(i),
				Action:    step.Uses,
				Condition: step.If,
				Inputs:    step.With,
				Env:       step.Env,
				Script:    step.Run,
				Status:    engine.PlanStatusPending,
				Metadata: map[string]interface{}{
					metaJob:   jobID,
					metaStep:  key,
					metaIndex: i,
				},
			}
			if step.Run != "" {
				unit.Action = engine.ActionShell
			}

			if i > 0 {
				unit.Dependencies = append(unit.Dependencies, engine.Dependency{
					TargetID: UnitID(jobID, job.Steps[i-1].Key(i-1)),
					Type:     engine.DependencyStep,
				})
			} else {
				for _, need := range job.Needs {
					if target, ok := last[need]; ok {
						unit.Dependencies = append(unit.Dependencies, engine.Dependency{
							TargetID: target,
							Type:     engine.DependencyNeeds,
						})
						continue
					}
					// needed job declared later: depend on its last step
					if needed, ok := def.Jobs[need]; ok && len(needed.Steps) > 0 {
						n := len(needed.Steps) - 1
						unit.Dependencies = append(unit.Dependencies, engine.Dependency{
							TargetID: UnitID(need, needed.Steps[n].Key(n)),
							Type:     engine.DependencyNeeds,
						})
					}
				}
			}
			units = append(units, unit)
		}
		if n := len(job.Steps); n > 0 {
			last[jobID] = UnitID(jobID, job.Steps[n-1].Key(n-1))
		}
	}

	plan := &engine.Plan{
		ID:        uuid.New().String(),
		Workflow:  def.Name,
		CreatedAt: time.Now(),
		Units:     units,
		Metadata: map[string]interface{}{
			"path": def.Path,
		},
	}

	builder := engine.NewDAGBuilder()
	graph, err := builder.BuildGraph(plan.Units)
	if err != nil {
		return nil, err
	}
	plan.Graph = graph
	plan.Order = builder.TopologicalOrder()
	return plan, nil
}
