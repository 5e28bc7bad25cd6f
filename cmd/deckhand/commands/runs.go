package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/pkg/stores"
)

func newRunsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history",
		Long:  `Inspect the runs, steps, events, artifacts and audit trail kept in the state database.`,
	}

	cmd.AddCommand(newRunsListCommand(opts))
	cmd.AddCommand(newRunsShowCommand(opts))
	cmd.AddCommand(newRunsArtifactsCommand(opts))
	cmd.AddCommand(newRunsAuditCommand(opts))

	return cmd
}

func newRunsListCommand(opts *globalOptions) *cobra.Command {
	var filter stores.RunFilter
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Example: `  deckhand runs list
  deckhand runs list --workflow deploy --status failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.stateStore(cmd.Context())
			if err != nil {
				return err
			}
			filter.Status = stores.RunStatus(status)
			runs, err := store.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, runs)
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID, r.Workflow, r.Event, string(r.Status), r.User,
					r.StartedAt.Local().Format(time.DateTime),
					(time.Duration(r.DurationMS) * time.Millisecond).String(),
				})
			}
			return table(out, []string{"ID", "WORKFLOW", "EVENT", "STATUS", "USER", "STARTED", "DURATION"}, rows)
		},
	}

	cmd.Flags().StringVar(&filter.Workflow, "workflow", "", "only runs of this workflow")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "runs to skip")

	return cmd
}

type runDetail struct {
	Run    *stores.Run          `json:"run"`
	Steps  []*stores.StepResult `json:"steps"`
	Events []*stores.Event      `json:"events"`
}

func newRunsShowCommand(opts *globalOptions) *cobra.Command {
	var logs bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its steps and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			store, err := a.stateStore(ctx)
			if err != nil {
				return err
			}

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				if stores.IsNotFound(err) {
					return fmt.Errorf("run %s not found", args[0])
				}
				return err
			}
			steps, err := store.ListStepResults(ctx, run.ID)
			if err != nil {
				return err
			}
			events, err := store.GetEvents(ctx, &run.ID, nil, nil, 0, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, runDetail{Run: run, Steps: steps, Events: events})
			}
			printRunDetail(out, run, steps, events, logs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&logs, "logs", false, "print step logs")

	return cmd
}

func printRunDetail(w io.Writer, run *stores.Run, steps []*stores.StepResult, events []*stores.Event, logs bool) {
	fmt.Fprintf(w, "run:      %s\n", run.ID)
	fmt.Fprintf(w, "workflow: %s (%s)\n", run.Workflow, run.Event)
	fmt.Fprintf(w, "status:   %s\n", run.Status)
	if len(steps) > 0 {
		fmt.Fprintf(w, "steps:    %s\n", stepSummary(steps))
	}
	fmt.Fprintf(w, "started:  %s by %s\n", run.StartedAt.Local().Format(time.DateTime), run.User)
	if run.Error != nil {
		fmt.Fprintf(w, "error:    %s\n", *run.Error)
	}

	if len(steps) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(steps))
		for _, s := range steps {
			note := deref(s.Error)
			if note == "" {
				note = deref(s.SkipReason)
			}
			rows = append(rows, []string{strconv.Itoa(s.Position), s.ID, s.Action, string(s.Status), note})
		}
		_ = table(w, []string{"#", "STEP", "ACTION", "STATUS", "NOTE"}, rows)
	}

	if logs {
		for _, s := range steps {
			if l := deref(s.Log); l != "" {
				fmt.Fprintf(w, "\n--- %s\n%s", s.ID, l)
			}
		}
	}

	if len(events) > 0 {
		fmt.Fprintln(w)
		for _, e := range events {
			fmt.Fprintf(w, "%s %-7s %-20s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
		}
	}
}

// stepSummary counts the steps of a run per status, finished states first.
func stepSummary(steps []*stores.StepResult) string {
	counts := make(map[stores.StepStatus]int, len(steps))
	for _, s := range steps {
		counts[s.Status]++
	}
	var parts []string
	for _, status := range []stores.StepStatus{
		stores.StepStatusSucceeded,
		stores.StepStatusFailed,
		stores.StepStatusCancelled,
		stores.StepStatusSkipped,
		stores.StepStatusRunning,
		stores.StepStatusPending,
	} {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	return strings.Join(parts, ", ")
}

func newRunsArtifactsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <run-id>",
		Short: "List the artifacts a run uploaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.stateStore(cmd.Context())
			if err != nil {
				return err
			}
			artifacts, err := store.ListArtifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, artifacts)
			}
			rows := make([][]string, 0, len(artifacts))
			for _, art := range artifacts {
				rows = append(rows, []string{art.Name, art.Workflow, art.Backend, art.Location, strconv.FormatInt(art.Size, 10), art.Digest})
			}
			return table(out, []string{"NAME", "WORKFLOW", "BACKEND", "LOCATION", "SIZE", "DIGEST"}, rows)
		},
	}
}

func newRunsAuditCommand(opts *globalOptions) *cobra.Command {
	var action string
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.stateStore(cmd.Context())
			if err != nil {
				return err
			}
			var filter *string
			if action != "" {
				filter = &action
			}
			entries, err := store.ListAuditEntries(cmd.Context(), filter, nil, limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{e.Timestamp.Local().Format(time.DateTime), e.Action, e.Actor, deref(e.TargetID), deref(e.Details)})
			}
			return table(out, []string{"TIME", "ACTION", "ACTOR", "TARGET", "DETAILS"}, rows)
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
