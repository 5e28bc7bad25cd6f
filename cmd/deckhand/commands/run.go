package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/pkg/workflow"
)

type eventOptions struct {
	event   string
	ref     string
	sha     string
	inputs  []string
	changed []string
}

func (o *eventOptions) bind(cmd *cobra.Command, defaultEvent string) {
	cmd.Flags().StringVar(&o.event, "event", defaultEvent, "event name: push or workflow_dispatch")
	cmd.Flags().StringVar(&o.ref, "ref", "", "git ref of the event (default: the project branch)")
	cmd.Flags().StringVar(&o.sha, "sha", "", "commit SHA of the event")
	cmd.Flags().StringArrayVar(&o.inputs, "input", nil, "dispatch input KEY=VALUE (repeatable)")
	cmd.Flags().StringSliceVar(&o.changed, "changed", nil, "changed files, for push path filters")
}

// build turns the flags into an event for the project's main branch
// unless --ref says otherwise.
func (o *eventOptions) build(a *app) (workflow.Event, error) {
	inputs, err := parsePairs(o.inputs)
	if err != nil {
		return workflow.Event{}, fmt.Errorf("invalid --input: %w", err)
	}
	switch o.event {
	case workflow.EventPush, workflow.EventDispatch:
	default:
		return workflow.Event{}, fmt.Errorf("event %q cannot be raised by hand", o.event)
	}
	if len(inputs) > 0 && o.event != workflow.EventDispatch {
		return workflow.Event{}, fmt.Errorf("--input is only valid with workflow_dispatch")
	}

	ref := o.ref
	if ref == "" {
		ref = "refs/heads/" + a.project.Branch
	}
	return workflow.Event{
		Name:         o.event,
		Ref:          ref,
		SHA:          o.sha,
		Actor:        actor(),
		ChangedFiles: o.changed,
		Inputs:       inputs,
	}, nil
}

func newRunCommand(opts *globalOptions) *cobra.Command {
	evOpts := &eventOptions{}

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run one workflow",
		Long: `Run executes a single workflow for a push or a manual dispatch. The
workflow must declare the event in its on: block. Listeners of the
workflow are not started; use pipeline for that.`,
		Example: `  deckhand run infrastructure
  deckhand run infrastructure --event workflow_dispatch --input approve=true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			event, err := evOpts.build(a)
			if err != nil {
				return err
			}
			defs, err := a.workflows()
			if err != nil {
				return err
			}
			def, ok := workflow.Find(defs, args[0])
			if !ok {
				return fmt.Errorf("workflow %q not found in %s", args[0], a.project.Workflows.Dir)
			}
			if ok, reason := def.On.Matches(event); !ok {
				return fmt.Errorf("workflow %s is not triggered by %s: %s", def.Name, event.Name, reason)
			}

			ctx := a.context(cmd.Context())
			exec, err := a.executor(ctx)
			if err != nil {
				return err
			}

			run, err := exec(ctx, def, event)
			if run != nil {
				printRuns(cmd.OutOrStdout(), []workflow.PipelineRun{{Workflow: def.Name, Event: event, Run: run}}, opts.jsonOutput)
			}
			if err != nil {
				return err
			}
			return failedRuns([]workflow.PipelineRun{{Workflow: def.Name, Run: run}})
		},
	}

	evOpts.bind(cmd, workflow.EventDispatch)
	return cmd
}

func newPipelineCommand(opts *globalOptions) *cobra.Command {
	evOpts := &eventOptions{}

	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Dispatch an event to every workflow and follow the chain",
		Long: `Pipeline raises an event, runs every workflow it triggers and then
feeds each finished run back as a workflow_run event. With the default
workflows a push to the main branch that changes infra/ provisions the
infrastructure and then deploys the app with its outputs. Push path filters
match against the files given with --changed.`,
		Example: `  deckhand pipeline --event push --changed infra/main.tf
  deckhand pipeline --event workflow_dispatch --input approve=true --input environment=staging`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			event, err := evOpts.build(a)
			if err != nil {
				return err
			}
			defs, err := a.workflows()
			if err != nil {
				return err
			}

			ctx := a.context(cmd.Context())
			exec, err := a.executor(ctx)
			if err != nil {
				return err
			}

			runs, err := workflow.NewPipeline(defs, exec, a.logger).Run(ctx, event)
			if len(runs) == 0 && err == nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "no workflow is triggered by %s on %s\n", event.Name, event.Ref)
				return nil
			}
			printRuns(cmd.OutOrStdout(), runs, opts.jsonOutput)
			if err != nil {
				return err
			}
			return failedRuns(runs)
		},
	}

	evOpts.bind(cmd, workflow.EventPush)
	return cmd
}

type runSummary struct {
	Workflow   string `json:"workflow"`
	Event      string `json:"event"`
	Reason     string `json:"reason,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Conclusion string `json:"conclusion,omitempty"`
	Duration   string `json:"duration,omitempty"`
	Error      string `json:"error,omitempty"`
}

func printRuns(w io.Writer, runs []workflow.PipelineRun, jsonOutput bool) {
	summaries := make([]runSummary, 0, len(runs))
	for _, r := range runs {
		s := runSummary{Workflow: r.Workflow, Event: r.Event.Name, Reason: r.Reason}
		if r.Run != nil {
			s.RunID = r.Run.ID
			s.Conclusion = workflow.Conclusion(r.Run.Status)
			s.Duration = r.Run.Duration.Round(time.Millisecond).String()
			s.Error = r.Run.Error
		}
		summaries = append(summaries, s)
	}

	if jsonOutput {
		_ = printJSON(w, summaries)
		return
	}
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{s.Workflow, s.Event, s.RunID, s.Conclusion, s.Duration, s.Error})
	}
	_ = table(w, []string{"WORKFLOW", "EVENT", "RUN", "CONCLUSION", "DURATION", "ERROR"}, rows)
}

// failedRuns turns an unsuccessful conclusion into a command error.
func failedRuns(runs []workflow.PipelineRun) error {
	for _, r := range runs {
		if r.Run == nil {
			continue
		}
		if c := workflow.Conclusion(r.Run.Status); c != workflow.ConclusionSuccess {
			return fmt.Errorf("workflow %s concluded %s", r.Workflow, c)
		}
	}
	return nil
}
