package workflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/engine"
)

// ExecuteFunc runs one workflow for one event.
type ExecuteFunc func(ctx context.Context, def *Definition, event Event) (*engine.Run, error)

// PipelineRun is one workflow run started by a pipeline.
type PipelineRun struct {
	Workflow string
	Event    Event
	Reason   string
	Run      *engine.Run
}

// Pipeline dispatches an event to every matching workflow and feeds each
// finished run back as a workflow_run event, so downstream workflows run
// after the ones they listen to. Each workflow runs at most once per
// pipeline.
type Pipeline struct {
	defs    []*Definition
	execute ExecuteFunc
	logger  zerolog.Logger
}

// NewPipeline creates a pipeline over defs.
func NewPipeline(defs []*Definition, execute ExecuteFunc, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		defs:    defs,
		execute: execute,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run processes event and every workflow_run event it causes. It stops at
// the first execution error; failed runs still cascade so listeners can
// react to a failure conclusion.
func (p *Pipeline) Run(ctx context.Context, event Event) ([]PipelineRun, error) {
	var runs []PipelineRun
	ran := make(map[string]bool)
	queue := []Event{event}

	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		for _, def := range p.defs {
			if ran[def.Name] {
				continue
			}
			ok, reason := def.On.Matches(ev)
			if !ok {
				p.logger.Debug().Str("workflow", def.Name).Str("event", ev.Name).Str("reason", reason).Msg("Workflow not triggered")
				continue
			}
			if err := ctx.Err(); err != nil {
				return runs, err
			}

			p.logger.Info().Str("workflow", def.Name).Str("event", ev.Name).Str("reason", reason).Msg("Workflow triggered")
			ran[def.Name] = true

			run, err := p.execute(ctx, def, ev)
			runs = append(runs, PipelineRun{Workflow: def.Name, Event: ev, Reason: reason, Run: run})
			if err != nil {
				return runs, fmt.Errorf("workflow %s: %w", def.Name, err)
			}

			queue = append(queue, Event{
				Name:  EventWorkflowRun,
				Ref:   event.Ref,
				SHA:   event.SHA,
				Actor: event.Actor,
				WorkflowRun: &RunRef{
					Workflow:   def.Name,
					RunID:      run.ID,
					Action:     "completed",
					Conclusion: Conclusion(run.Status),
					Branch:     event.Branch(),
				},
			})
		}
	}
	return runs, nil
}
