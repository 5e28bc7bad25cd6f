package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SequentialScheduler executes plan units one at a time in the plan's
// topological order. A failed unit halts the rest of its group; units of
// other groups still have their conditions evaluated, so a job guarded by
// always() or failure() can run after an upstream failure. Nothing is
// retried and completed units are never rolled back.
type SequentialScheduler struct {
	// executor evaluates conditions and runs individual plan units
	executor StepExecutor

	// eventPublisher publishes execution events
	eventPublisher EventPublisher

	// recorder persists run and step state
	recorder RunRecorder
}

// NewSequentialScheduler creates a new sequential scheduler. A nil
// publisher or recorder discards events or state.
func NewSequentialScheduler(
	executor StepExecutor,
	eventPublisher EventPublisher,
	recorder RunRecorder,
) *SequentialScheduler {
	if eventPublisher == nil {
		eventPublisher = NopPublisher{}
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}

	return &SequentialScheduler{
		executor:       executor,
		eventPublisher: eventPublisher,
		recorder:       recorder,
	}
}

// runState tracks per-group progress during a single execution.
type runState struct {
	remaining map[string]int
	statuses  map[string][]PlanStatus
	failed    map[string]bool
	groups    map[string]PlanStatus
}

func newRunState(plan *Plan) *runState {
	st := &runState{
		remaining: make(map[string]int),
		statuses:  make(map[string][]PlanStatus),
		failed:    make(map[string]bool),
		groups:    make(map[string]PlanStatus),
	}
	for _, unit := range plan.Units {
		st.remaining[unit.Group]++
	}
	return st
}

// view returns the condition view for a unit of the given group.
func (st *runState) view(group string) UnitState {
	groups := make(map[string]PlanStatus, len(st.groups))
	for name, status := range st.groups {
		groups[name] = status
	}
	return UnitState{PriorFailure: st.failed[group], Groups: groups}
}

// finish records a terminal unit status and closes the group when it is
// the group's last unit.
func (st *runState) finish(group string, status PlanStatus) {
	st.statuses[group] = append(st.statuses[group], status)
	if status == PlanStatusFailed {
		st.failed[group] = true
	}
	st.remaining[group]--
	if st.remaining[group] == 0 {
		st.groups[group] = GroupStatus(st.statuses[group])
	}
}

// GroupStatus aggregates the unit statuses of a group: failed if any unit
// failed, cancelled if any was cancelled, skipped if every unit was
// skipped, succeeded otherwise.
func GroupStatus(statuses []PlanStatus) PlanStatus {
	if len(statuses) == 0 {
		return PlanStatusSkipped
	}

	allSkipped := true
	cancelled := false
	for _, status := range statuses {
		switch status {
		case PlanStatusFailed:
			return PlanStatusFailed
		case PlanStatusCancelled:
			cancelled = true
		}
		if status != PlanStatusSkipped {
			allSkipped = false
		}
	}

	switch {
	case cancelled:
		return PlanStatusCancelled
	case allSkipped:
		return PlanStatusSkipped
	default:
		return PlanStatusSucceeded
	}
}

// Execute runs the plan synchronously and returns the finished run. The
// returned error is reserved for invalid plans and persistence failures;
// a failed or cancelled run is reported through Run.Status.
func (s *SequentialScheduler) Execute(
	ctx context.Context,
	plan *Plan,
	opts ScheduleOptions,
) (*Run, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}

	order, err := s.resolveOrder(plan)
	if err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	run := &Run{
		ID:        runID,
		PlanID:    plan.ID,
		Workflow:  plan.Workflow,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
		User:      opts.User,
		Summary: RunSummary{
			Total:   len(plan.Units),
			Pending: len(plan.Units),
		},
		Metadata: make(map[string]interface{}),
	}
	for k, v := range opts.Metadata {
		run.Metadata[k] = v
	}

	if plan.Metadata == nil {
		plan.Metadata = make(map[string]interface{})
	}
	plan.Metadata["run_id"] = run.ID

	if err := s.recorder.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	s.publishEvent(ctx, run.ID, "", EventTypeRunStarted,
		fmt.Sprintf("Run of %s started", plan.Workflow), runDetails(run), opts)

	st := newRunState(plan)
	for i := range plan.Units {
		plan.Units[i].Status = PlanStatusPending
	}

	for _, id := range order {
		unit := plan.Unit(id)

		if ctx.Err() != nil {
			s.finishUnit(ctx, run, unit, s.cancelledResult(unit, ctx.Err()), opts)
			st.finish(unit.Group, PlanStatusCancelled)
			continue
		}

		result := s.executeUnit(ctx, run, unit, st.view(unit.Group), opts)
		s.finishUnit(ctx, run, unit, result, opts)
		st.finish(unit.Group, result.Status)
	}

	s.completeRun(ctx, run, plan, opts)

	if err := s.recorder.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		return run, fmt.Errorf("failed to save final run state: %w", err)
	}

	return run, nil
}

// resolveOrder returns the plan's sequential order, building the graph
// when the plan was not compiled with one.
func (s *SequentialScheduler) resolveOrder(plan *Plan) ([]string, error) {
	if len(plan.Order) == len(plan.Units) && plan.Graph != nil {
		return plan.Order, nil
	}

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(plan.Units)
	if err != nil {
		return nil, err
	}
	plan.Graph = graph
	plan.Order = builder.TopologicalOrder()
	return plan.Order, nil
}

// executeUnit evaluates the unit's condition and runs it.
func (s *SequentialScheduler) executeUnit(
	ctx context.Context,
	run *Run,
	unit *PlanUnit,
	state UnitState,
	opts ScheduleOptions,
) *ExecutionResult {
	startTime := time.Now()

	ok, err := s.executor.ShouldRun(ctx, unit, state)
	if err != nil {
		return &ExecutionResult{
			PlanUnitID:  unit.ID,
			Status:      PlanStatusFailed,
			StartedAt:   startTime,
			CompletedAt: time.Now(),
			Error: NewPermanentError("condition evaluation failed", err).
				WithCode(ErrCodeConditionError).
				WithResource(unit.ID),
		}
	}
	if !ok {
		reason := "condition not met"
		if state.PriorFailure {
			reason = "an earlier step of the job failed"
		}
		return &ExecutionResult{
			PlanUnitID:  unit.ID,
			Status:      PlanStatusSkipped,
			StartedAt:   startTime,
			CompletedAt: startTime,
			SkipReason:  reason,
		}
	}

	unit.Status = PlanStatusRunning
	s.publishEvent(ctx, run.ID, unit.ID, EventTypePlanUnitStarted,
		fmt.Sprintf("Started %s (%s)", unit.ID, unit.Action), unitDetails(unit, nil), opts)

	if opts.DryRun {
		return s.simulateDryRun(unit)
	}

	execCtx := ctx
	if opts.UnitTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.UnitTimeout)
		defer cancel()
	}

	result, err := s.executor.ExecuteUnit(execCtx, unit)
	if result == nil {
		result = &ExecutionResult{
			PlanUnitID: unit.ID,
			Status:     PlanStatusSucceeded,
			StartedAt:  startTime,
		}
	}
	result.PlanUnitID = unit.ID
	if result.StartedAt.IsZero() {
		result.StartedAt = startTime
	}
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	switch {
	case err != nil && ctx.Err() != nil:
		result.Status = PlanStatusCancelled
		result.Error = NewPermanentError("step cancelled", ctx.Err()).
			WithCode(ErrCodeCancelled).
			WithResource(unit.ID)
	case err != nil:
		result.Status = PlanStatusFailed
		result.Error = s.classifyError(unit, err)
	case result.Status == "" || result.Status == PlanStatusRunning || result.Status == PlanStatusPending:
		result.Status = PlanStatusSucceeded
	}

	return result
}

// finishUnit stores the result, persists it and publishes the outcome.
func (s *SequentialScheduler) finishUnit(
	ctx context.Context,
	run *Run,
	unit *PlanUnit,
	result *ExecutionResult,
	opts ScheduleOptions,
) {
	if opts.Redact != nil {
		result.Log = opts.Redact(result.Log)
		if result.Error != nil {
			result.Error.Message = opts.Redact(result.Error.Message)
			if result.Error.Err != nil {
				result.Error.Err = errors.New(opts.Redact(result.Error.Err.Error()))
			}
		}
	}

	unit.Status = result.Status
	unit.Result = result

	run.Summary.Pending--
	switch result.Status {
	case PlanStatusSucceeded:
		run.Summary.Succeeded++
		s.publishEvent(ctx, run.ID, unit.ID, EventTypePlanUnitCompleted,
			fmt.Sprintf("Completed %s", unit.ID), unitDetails(unit, result), opts)
	case PlanStatusFailed:
		run.Summary.Failed++
		if run.Error == "" && result.Error != nil {
			run.Error = fmt.Sprintf("%s: %s", unit.ID, result.Error.Error())
		}
		s.publishEvent(ctx, run.ID, unit.ID, EventTypePlanUnitFailed,
			fmt.Sprintf("Failed %s: %v", unit.ID, result.Error), unitDetails(unit, result), opts)
	case PlanStatusSkipped:
		run.Summary.Skipped++
		s.publishEvent(ctx, run.ID, unit.ID, EventTypePlanUnitSkipped,
			fmt.Sprintf("Skipped %s: %s", unit.ID, result.SkipReason), unitDetails(unit, result), opts)
	case PlanStatusCancelled:
		run.Summary.Cancelled++
		s.publishEvent(ctx, run.ID, unit.ID, EventTypePlanUnitCancelled,
			fmt.Sprintf("Cancelled %s", unit.ID), unitDetails(unit, result), opts)
	}

	if err := s.recorder.SaveResult(context.WithoutCancel(ctx), run.ID, unit); err != nil {
		s.publishEvent(ctx, run.ID, unit.ID, EventTypeWarning,
			fmt.Sprintf("Failed to persist result of %s: %v", unit.ID, err), nil, opts)
	}
}

// completeRun derives the final run status from the unit outcomes.
func (s *SequentialScheduler) completeRun(ctx context.Context, run *Run, plan *Plan, opts ScheduleOptions) {
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	switch {
	case ctx.Err() != nil || run.Summary.Cancelled > 0:
		run.Status = RunStatusCancelled
	case run.Summary.Failed > 0:
		run.Status = RunStatusFailed
	default:
		run.Status = RunStatusSucceeded
	}

	pubCtx := context.WithoutCancel(ctx)
	switch run.Status {
	case RunStatusSucceeded:
		s.publishEvent(pubCtx, run.ID, "", EventTypeRunCompleted,
			fmt.Sprintf("Run of %s succeeded", plan.Workflow), runDetails(run), opts)
	default:
		s.publishEvent(pubCtx, run.ID, "", EventTypeRunFailed,
			fmt.Sprintf("Run of %s finished with status %s", plan.Workflow, run.Status), runDetails(run), opts)
	}
}

// cancelledResult builds the result for a unit that never started.
func (s *SequentialScheduler) cancelledResult(unit *PlanUnit, cause error) *ExecutionResult {
	now := time.Now()
	return &ExecutionResult{
		PlanUnitID:  unit.ID,
		Status:      PlanStatusCancelled,
		StartedAt:   now,
		CompletedAt: now,
		Error: NewPermanentError("run cancelled", cause).
			WithCode(ErrCodeCancelled).
			WithResource(unit.ID),
	}
}

// classifyError converts an action error to an EngineError.
func (s *SequentialScheduler) classifyError(unit *PlanUnit, err error) *EngineError {
	engineErr := AsEngineError(err, ErrCodeStepFailed)
	if engineErr.Resource == "" {
		engineErr.Resource = unit.ID
	}
	if engineErr.Operation == "" {
		engineErr.Operation = unit.Action
	}
	return engineErr
}

// simulateDryRun simulates a dry-run execution.
func (s *SequentialScheduler) simulateDryRun(unit *PlanUnit) *ExecutionResult {
	now := time.Now()
	return &ExecutionResult{
		PlanUnitID:  unit.ID,
		Status:      PlanStatusSucceeded,
		StartedAt:   now,
		CompletedAt: now,
		Outputs:     map[string]string{},
	}
}

// publishEvent publishes an execution event. Publishing is synchronous so
// the timeline keeps the execution order.
func (s *SequentialScheduler) publishEvent(
	ctx context.Context,
	runID, planUnitID string,
	eventType EventType,
	message string,
	details map[string]interface{},
	opts ScheduleOptions,
) {
	if opts.Redact != nil {
		message = opts.Redact(message)
	}

	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		RunID:      runID,
		PlanUnitID: planUnitID,
		Message:    message,
		Details:    details,
		Level:      eventType.Severity(),
	}

	// A failing publisher never fails the run
	_ = s.eventPublisher.Publish(context.WithoutCancel(ctx), event)
}

// runDetails describes a run for event consumers such as metrics.
func runDetails(run *Run) map[string]interface{} {
	d := map[string]interface{}{
		"workflow": run.Workflow,
		"status":   string(run.Status),
	}
	if run.CompletedAt != nil {
		d["duration_ms"] = run.Duration.Milliseconds()
	}
	if event, ok := run.Metadata["event"].(string); ok {
		d["event"] = event
	}
	return d
}

// unitDetails describes a unit and, once finished, its result.
func unitDetails(unit *PlanUnit, result *ExecutionResult) map[string]interface{} {
	d := map[string]interface{}{
		"job":    unit.Group,
		"action": unit.Action,
	}
	if result != nil {
		d["status"] = string(result.Status)
		d["duration_ms"] = result.Duration.Milliseconds()
		if result.Error != nil {
			d["error_class"] = string(result.Error.Class)
			d["error_code"] = result.Error.Code
			d["retryable"] = IsRetryable(result.Error)
		}
	}
	return d
}
