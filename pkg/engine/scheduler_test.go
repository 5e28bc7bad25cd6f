package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// Mock executor for testing
type mockExecutor struct {
	mu            sync.Mutex
	failUnits     map[string]bool
	unitErrors    map[string]error
	conditions    map[string]func(UnitState) (bool, error)
	outputs       map[string]map[string]string
	executedUnits []string
	states        map[string]UnitState
	onExecute     func(unit *PlanUnit)
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		failUnits:  make(map[string]bool),
		unitErrors: make(map[string]error),
		conditions: make(map[string]func(UnitState) (bool, error)),
		outputs:    make(map[string]map[string]string),
		states:     make(map[string]UnitState),
	}
}

func (m *mockExecutor) ShouldRun(ctx context.Context, unit *PlanUnit, state UnitState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[unit.ID] = state
	if cond, ok := m.conditions[unit.ID]; ok {
		return cond(state)
	}
	for _, status := range state.Groups {
		if status == PlanStatusFailed {
			return false, nil
		}
	}
	return !state.PriorFailure, nil
}

func (m *mockExecutor) ExecuteUnit(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error) {
	m.mu.Lock()
	m.executedUnits = append(m.executedUnits, unit.ID)
	shouldFail := m.failUnits[unit.ID]
	unitErr := m.unitErrors[unit.ID]
	outputs := m.outputs[unit.ID]
	hook := m.onExecute
	m.mu.Unlock()

	if hook != nil {
		hook(unit)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ExecutionResult{PlanUnitID: unit.ID, Outputs: outputs}
	if unitErr != nil {
		return result, unitErr
	}
	if shouldFail {
		result.Log = "token=s3cret"
		return result, errors.New("exit status 1 (token=s3cret)")
	}
	return result, nil
}

func (m *mockExecutor) executed() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.executedUnits, ",")
}

// Mock event publisher for testing
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) getEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event{}, m.events...)
}

// Mock recorder for testing
type mockRecorder struct {
	mu      sync.Mutex
	runs    []Run
	results map[string]*ExecutionResult
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{results: make(map[string]*ExecutionResult)}
}

func (m *mockRecorder) SaveRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

func (m *mockRecorder) SaveResult(ctx context.Context, runID string, unit *PlanUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[unit.ID] = unit.Result
	return nil
}

// twoJobPlan builds infra (3 steps) followed by deploy (2 steps) needing infra.
func twoJobPlan() *Plan {
	return &Plan{
		ID:       "plan1",
		Workflow: "pipeline",
		Units: []PlanUnit{
			stepUnit("infra/gate", "infra"),
			stepUnit("infra/apply", "infra", "infra/gate"),
			stepUnit("infra/output", "infra", "infra/apply"),
			stepUnit("deploy/build", "deploy", "infra/output"),
			stepUnit("deploy/push", "deploy", "deploy/build"),
		},
	}
}

func TestScheduler_Execute_NilPlan(t *testing.T) {
	scheduler := NewSequentialScheduler(newMockExecutor(), nil, nil)

	_, err := scheduler.Execute(context.Background(), nil, ScheduleOptions{})
	if err == nil {
		t.Fatal("Expected error for nil plan")
	}
	if !IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
}

func TestScheduler_Execute_CyclicPlan(t *testing.T) {
	scheduler := NewSequentialScheduler(newMockExecutor(), nil, nil)
	plan := &Plan{Units: []PlanUnit{
		stepUnit("a/1", "a", "b/1"),
		stepUnit("b/1", "b", "a/1"),
	}}

	if _, err := scheduler.Execute(context.Background(), plan, ScheduleOptions{}); err == nil {
		t.Fatal("Expected error for cyclic plan")
	}
}

func TestScheduler_Execute_AllSucceed(t *testing.T) {
	executor := newMockExecutor()
	executor.outputs["infra/output"] = map[string]string{"registry": "acr1"}
	publisher := &mockEventPublisher{}
	recorder := newMockRecorder()
	scheduler := NewSequentialScheduler(executor, publisher, recorder)

	plan := twoJobPlan()
	run, err := scheduler.Execute(context.Background(), plan, ScheduleOptions{RunID: "run-1", User: "ci"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.ID != "run-1" {
		t.Errorf("Expected run ID run-1, got %s", run.ID)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", run.Status)
	}
	if run.Summary.Succeeded != 5 || run.Summary.Pending != 0 {
		t.Errorf("Unexpected summary: %+v", run.Summary)
	}

	want := "infra/gate,infra/apply,infra/output,deploy/build,deploy/push"
	if got := executor.executed(); got != want {
		t.Errorf("Expected order %s, got %s", want, got)
	}

	if got := plan.Unit("infra/output").Result.Outputs["registry"]; got != "acr1" {
		t.Errorf("Expected output acr1, got %q", got)
	}

	// deploy/build sees infra as a finished, succeeded group
	state := executor.states["deploy/build"]
	if state.Groups["infra"] != PlanStatusSucceeded {
		t.Errorf("Expected infra group succeeded, got %s", state.Groups["infra"])
	}

	if len(recorder.results) != 5 {
		t.Errorf("Expected 5 recorded results, got %d", len(recorder.results))
	}
	if last := recorder.runs[len(recorder.runs)-1]; last.Status != RunStatusSucceeded {
		t.Errorf("Expected final recorded status succeeded, got %s", last.Status)
	}

	events := publisher.getEvents()
	if events[0].Type != EventTypeRunStarted {
		t.Errorf("Expected first event run_started, got %s", events[0].Type)
	}
	if events[len(events)-1].Type != EventTypeRunCompleted {
		t.Errorf("Expected last event run_completed, got %s", events[len(events)-1].Type)
	}
}

func TestScheduler_Execute_FailureHaltsJob(t *testing.T) {
	executor := newMockExecutor()
	executor.failUnits["infra/apply"] = true
	// deploy runs only when infra succeeded
	executor.conditions["deploy/build"] = func(s UnitState) (bool, error) {
		return s.Groups["infra"] == PlanStatusSucceeded, nil
	}
	recorder := newMockRecorder()
	scheduler := NewSequentialScheduler(executor, nil, recorder)

	plan := twoJobPlan()
	run, err := scheduler.Execute(context.Background(), plan, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusFailed {
		t.Errorf("Expected failed, got %s", run.Status)
	}
	if got := executor.executed(); got != "infra/gate,infra/apply" {
		t.Errorf("Expected execution to halt after infra/apply, got %s", got)
	}

	if run.Summary.Succeeded != 1 || run.Summary.Failed != 1 || run.Summary.Skipped != 3 {
		t.Errorf("Unexpected summary: %+v", run.Summary)
	}

	// No rollback: the succeeded step keeps its status
	if plan.Unit("infra/gate").Status != PlanStatusSucceeded {
		t.Errorf("Expected infra/gate to stay succeeded, got %s", plan.Unit("infra/gate").Status)
	}

	failed := plan.Unit("infra/apply").Result
	if failed.Error == nil || failed.Error.Code != ErrCodeStepFailed {
		t.Errorf("Expected STEP_FAILED error, got %+v", failed.Error)
	}

	if plan.Unit("infra/output").Result.SkipReason == "" {
		t.Error("Expected a skip reason on infra/output")
	}
	if !strings.Contains(run.Error, "infra/apply") {
		t.Errorf("Expected run error to name the failed step, got %q", run.Error)
	}
}

func TestScheduler_Execute_FailedEventsCarryRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("exit status 1"), false},
		{"held lock", NewConflictError("resource group is in use by another run", nil).WithCode(ErrCodeLocked), true},
		{"transient", NewTransientError("registry unavailable", nil), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := newMockExecutor()
			executor.unitErrors["infra/apply"] = tt.err
			publisher := &mockEventPublisher{}
			scheduler := NewSequentialScheduler(executor, publisher, nil)

			if _, err := scheduler.Execute(context.Background(), twoJobPlan(), ScheduleOptions{}); err != nil {
				t.Fatal(err)
			}

			var found bool
			for _, e := range publisher.getEvents() {
				if e.Type != EventTypePlanUnitFailed {
					continue
				}
				found = true
				if got, _ := e.Details["retryable"].(bool); got != tt.want {
					t.Errorf("retryable = %v, want %v (class %v)", e.Details["retryable"], tt.want, e.Details["error_class"])
				}
			}
			if !found {
				t.Fatal("no unit failed event published")
			}
		})
	}
}

func TestScheduler_Execute_AlwaysStepRunsAfterFailure(t *testing.T) {
	executor := newMockExecutor()
	executor.failUnits["infra/gate"] = true
	executor.conditions["infra/output"] = func(UnitState) (bool, error) { return true, nil }
	scheduler := NewSequentialScheduler(executor, nil, nil)

	run, err := scheduler.Execute(context.Background(), twoJobPlan(), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusFailed {
		t.Errorf("Expected failed, got %s", run.Status)
	}
	if got := executor.executed(); got != "infra/gate,infra/output" {
		t.Errorf("Expected always() step to run, got %s", got)
	}
	if !executor.states["infra/output"].PriorFailure {
		t.Error("Expected PriorFailure for infra/output")
	}
}

func TestScheduler_Execute_SkippedIsNotFailure(t *testing.T) {
	executor := newMockExecutor()
	executor.conditions["infra/apply"] = func(UnitState) (bool, error) { return false, nil }
	scheduler := NewSequentialScheduler(executor, nil, nil)

	plan := twoJobPlan()
	run, err := scheduler.Execute(context.Background(), plan, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", run.Status)
	}
	if plan.Unit("infra/apply").Status != PlanStatusSkipped {
		t.Errorf("Expected infra/apply skipped, got %s", plan.Unit("infra/apply").Status)
	}
	if plan.Unit("infra/output").Status != PlanStatusSucceeded {
		t.Errorf("Expected infra/output to run after a skipped step, got %s", plan.Unit("infra/output").Status)
	}
}

func TestScheduler_Execute_ConditionError(t *testing.T) {
	executor := newMockExecutor()
	executor.conditions["infra/gate"] = func(UnitState) (bool, error) {
		return false, errors.New("undefined: foo")
	}
	scheduler := NewSequentialScheduler(executor, nil, nil)

	plan := twoJobPlan()
	run, err := scheduler.Execute(context.Background(), plan, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusFailed {
		t.Errorf("Expected failed, got %s", run.Status)
	}
	result := plan.Unit("infra/gate").Result
	if result.Error == nil || result.Error.Code != ErrCodeConditionError {
		t.Errorf("Expected CONDITION_ERROR, got %+v", result.Error)
	}
	if executor.executed() != "" {
		t.Errorf("Expected nothing executed, got %s", executor.executed())
	}
}

func TestScheduler_Execute_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newMockExecutor()
	executor.onExecute = func(unit *PlanUnit) {
		if unit.ID == "infra/apply" {
			cancel()
		}
	}
	recorder := newMockRecorder()
	scheduler := NewSequentialScheduler(executor, nil, recorder)

	plan := twoJobPlan()
	run, err := scheduler.Execute(ctx, plan, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", run.Status)
	}
	if run.Summary.Succeeded != 1 || run.Summary.Cancelled != 4 {
		t.Errorf("Unexpected summary: %+v", run.Summary)
	}
	if last := recorder.runs[len(recorder.runs)-1]; last.Status != RunStatusCancelled {
		t.Errorf("Expected final recorded status cancelled, got %s", last.Status)
	}
}

func TestScheduler_Execute_DryRun(t *testing.T) {
	executor := newMockExecutor()
	executor.failUnits["infra/apply"] = true
	scheduler := NewSequentialScheduler(executor, nil, nil)

	run, err := scheduler.Execute(context.Background(), twoJobPlan(), ScheduleOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", run.Status)
	}
	if executor.executed() != "" {
		t.Errorf("Dry run executed units: %s", executor.executed())
	}
}

func TestScheduler_Execute_Redacts(t *testing.T) {
	executor := newMockExecutor()
	executor.failUnits["infra/gate"] = true
	publisher := &mockEventPublisher{}
	scheduler := NewSequentialScheduler(executor, publisher, nil)

	redact := func(s string) string { return strings.ReplaceAll(s, "s3cret", "***") }
	plan := twoJobPlan()
	run, err := scheduler.Execute(context.Background(), plan, ScheduleOptions{Redact: redact})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	result := plan.Unit("infra/gate").Result
	if strings.Contains(result.Log, "s3cret") || strings.Contains(result.Error.Error(), "s3cret") {
		t.Errorf("Secret leaked into result: %q / %q", result.Log, result.Error.Error())
	}
	if strings.Contains(run.Error, "s3cret") {
		t.Errorf("Secret leaked into run error: %q", run.Error)
	}
	for _, event := range publisher.getEvents() {
		if strings.Contains(event.Message, "s3cret") {
			t.Errorf("Secret leaked into event: %q", event.Message)
		}
	}
}

func TestGroupStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []PlanStatus
		want     PlanStatus
	}{
		{"empty", nil, PlanStatusSkipped},
		{"all succeeded", []PlanStatus{PlanStatusSucceeded, PlanStatusSucceeded}, PlanStatusSucceeded},
		{"some skipped", []PlanStatus{PlanStatusSucceeded, PlanStatusSkipped}, PlanStatusSucceeded},
		{"all skipped", []PlanStatus{PlanStatusSkipped, PlanStatusSkipped}, PlanStatusSkipped},
		{"one failed", []PlanStatus{PlanStatusSucceeded, PlanStatusFailed, PlanStatusSkipped}, PlanStatusFailed},
		{"cancelled", []PlanStatus{PlanStatusSucceeded, PlanStatusCancelled}, PlanStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GroupStatus(tt.statuses); got != tt.want {
				t.Errorf("GroupStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}
