package workflow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/actions"
	"github.com/deckhand/deckhand/pkg/engine"
)

func runWorkflow(t *testing.T, def *Definition, reg *actions.Registry, event Event, stdout *bytes.Buffer) (*engine.Run, *engine.Plan, *Runner) {
	t.Helper()

	var w io.Writer
	if stdout != nil {
		w = stdout
	}
	runner, err := NewRunner(def, reg, RunnerOptions{
		Event:   event,
		Secrets: map[string]string{"TOKEN": "s3cret"},
		Stdout:  w,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	plan, err := Compile(def)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	scheduler := engine.NewSequentialScheduler(runner, nil, nil)
	run, err := scheduler.Execute(context.Background(), plan, engine.ScheduleOptions{
		RunID:  runner.RunID(),
		Redact: runner.Masker().Mask,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	return run, plan, runner
}

func TestRunner_DispatchWithoutApproval(t *testing.T) {
	var out bytes.Buffer
	event := Event{Name: EventDispatch, Ref: "refs/heads/main", Inputs: map[string]string{"environment": "prod"}}
	run, plan, runner := runWorkflow(t, mustParse(t, infraWorkflow), testRegistry(), event, &out)

	if run.Status != engine.RunStatusSucceeded {
		t.Fatalf("run status = %s (%s)", run.Status, run.Error)
	}
	if got := plan.Unit("terraform/apply").Status; got != engine.PlanStatusSkipped {
		t.Errorf("apply status = %s, want skipped", got)
	}

	show := plan.Unit("deploy/show")
	if show.Status != engine.PlanStatusSucceeded {
		t.Fatalf("deploy/show status = %s", show.Status)
	}
	if show.Result.Outputs["rg"] != "rg-prod" {
		t.Errorf("job output not passed through needs: %v", show.Result.Outputs)
	}
	if show.Result.Outputs["token"] != "***" {
		t.Errorf("secret persisted unmasked: %q", show.Result.Outputs["token"])
	}
	if raw := runner.StepOutputs("deploy", "show"); raw["token"] != "s3cret" {
		t.Errorf("raw output = %q", raw["token"])
	}
	if strings.Contains(out.String(), "s3cret") || strings.Contains(show.Result.Log, "s3cret") {
		t.Errorf("secret leaked into step output: %q", out.String())
	}
}

func TestRunner_PushApplies(t *testing.T) {
	event := Event{Name: EventPush, Ref: "refs/heads/main", ChangedFiles: []string{"infra/main.tf"}}
	run, plan, _ := runWorkflow(t, mustParse(t, infraWorkflow), testRegistry(), event, nil)

	if run.Status != engine.RunStatusSucceeded {
		t.Fatalf("run status = %s (%s)", run.Status, run.Error)
	}
	apply := plan.Unit("terraform/apply")
	if apply.Status != engine.PlanStatusSucceeded || apply.Result.Outputs["applied"] != "yes" {
		t.Errorf("apply = %s %v", apply.Status, apply.Result)
	}
	if got := plan.Unit("deploy/show").Result.Outputs["rg"]; got != "rg-" {
		t.Errorf("rg without dispatch inputs = %q", got)
	}
}

func TestRunner_FailureHaltsJobAndDependents(t *testing.T) {
	data := `
name: failing
on: push
jobs:
  build:
    steps:
      - id: first
        uses: test/fail
      - id: second
        uses: test/echo
      - id: cleanup
        if: always()
        uses: test/echo
  deploy:
    needs: build
    steps:
      - uses: test/echo
  notify:
    needs: build
    if: failure()
    steps:
      - id: report
        uses: test/echo
        with:
          result: ${{ needs.build.result }}
`
	reg := testRegistry()
	reg.Register("test/fail", actions.ActionFunc(func(context.Context, *actions.StepContext) (actions.Outputs, error) {
		return nil, errors.New("boom")
	}))

	run, plan, _ := runWorkflow(t, mustParse(t, data), reg, Event{Name: EventPush, Ref: "refs/heads/main"}, nil)

	if run.Status != engine.RunStatusFailed {
		t.Fatalf("run status = %s", run.Status)
	}
	if !strings.Contains(run.Error, "build/first") || !strings.Contains(run.Error, "boom") {
		t.Errorf("run error = %q", run.Error)
	}

	want := map[string]engine.PlanStatus{
		"build/first":   engine.PlanStatusFailed,
		"build/second":  engine.PlanStatusSkipped,
		"build/cleanup": engine.PlanStatusSucceeded,
		"deploy/step-1": engine.PlanStatusSkipped,
		"notify/report": engine.PlanStatusSucceeded,
	}
	for id, status := range want {
		if got := plan.Unit(id).Status; got != status {
			t.Errorf("%s status = %s, want %s", id, got, status)
		}
	}
	if got := plan.Unit("notify/report").Result.Outputs["result"]; got != "failure" {
		t.Errorf("needs.build.result = %q", got)
	}
}

func TestRunner_InvalidDispatchInputs(t *testing.T) {
	_, err := NewRunner(mustParse(t, infraWorkflow), testRegistry(), RunnerOptions{
		Event: Event{Name: EventDispatch, Inputs: map[string]string{"environment": "staging"}},
	})
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPipeline_Cascade(t *testing.T) {
	defs := []*Definition{mustParse(t, deployWorkflow), mustParse(t, infraWorkflow)}

	var executed []string
	execute := func(_ context.Context, def *Definition, ev Event) (*engine.Run, error) {
		executed = append(executed, def.Name+":"+ev.Name)
		return &engine.Run{ID: "run-" + def.Name, Workflow: def.Name, Status: engine.RunStatusSucceeded}, nil
	}

	p := NewPipeline(defs, execute, zerolog.Nop())
	runs, err := p.Run(context.Background(), Event{Name: EventPush, Ref: "refs/heads/main", ChangedFiles: []string{"infra/main.tf"}})
	if err != nil {
		t.Fatal(err)
	}

	if strings.Join(executed, ",") != "infrastructure:push,deploy:workflow_run" {
		t.Errorf("executed = %v", executed)
	}
	if len(runs) != 2 || runs[1].Event.WorkflowRun.RunID != "run-infrastructure" || runs[1].Event.WorkflowRun.Conclusion != ConclusionSuccess {
		t.Errorf("unexpected cascade %+v", runs)
	}
}

func TestPipeline_NoMatch(t *testing.T) {
	p := NewPipeline([]*Definition{mustParse(t, infraWorkflow)}, func(context.Context, *Definition, Event) (*engine.Run, error) {
		t.Fatal("nothing should run")
		return nil, nil
	}, zerolog.Nop())

	runs, err := p.Run(context.Background(), Event{Name: EventPush, Ref: "refs/heads/main", ChangedFiles: []string{"README.md"}})
	if err != nil || len(runs) != 0 {
		t.Errorf("runs = %v, err = %v", runs, err)
	}
}
