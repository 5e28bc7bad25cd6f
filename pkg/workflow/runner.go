package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/actions"
	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/telemetry"
)

// Step outcomes exposed as steps.<id>.outcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// RunnerOptions configure a workflow run.
type RunnerOptions struct {
	// RunID identifies the run. A UUID is generated when empty.
	RunID string

	Event Event

	// Secrets are exposed as secrets.<name> and masked everywhere.
	Secrets map[string]string

	// Vars are project values exposed as vars.<name>.
	Vars map[string]string

	// Env is the base environment of every step.
	Env map[string]string

	Workdir string
	Stdout  io.Writer
	Masker  *telemetry.Masker
	Logger  zerolog.Logger
}

// Runner executes the steps of one workflow run. It implements
// engine.StepExecutor: the scheduler decides the order, the runner
// evaluates conditions and expressions and invokes actions.
type Runner struct {
	def     *Definition
	actions ActionResolver
	eval    *Evaluator
	opts    RunnerOptions
	inputs  map[string]interface{}
	masker  *telemetry.Masker
	logger  zerolog.Logger

	mu     sync.Mutex
	jobs   map[string]*jobState
	groups map[string]engine.PlanStatus
	status Status
}

type jobState struct {
	decided bool
	run     bool
	steps   map[string]*stepRecord
	outputs map[string]string
}

type stepRecord struct {
	outputs map[string]string
	outcome string
}

var _ engine.StepExecutor = (*Runner)(nil)

// NewRunner prepares a run of def for the given event. Dispatch inputs are
// resolved against the workflow's input declarations.
func NewRunner(def *Definition, resolver ActionResolver, opts RunnerOptions) (*Runner, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	inputs := map[string]interface{}{}
	if opts.Event.Name == EventDispatch && def.On.WorkflowDispatch != nil {
		resolved, err := def.On.WorkflowDispatch.Resolve(opts.Event.Inputs)
		if err != nil {
			return nil, engine.NewPermanentError("invalid dispatch inputs", err).
				WithCode(engine.ErrCodeValidation).
				WithResource(def.Name)
		}
		inputs = resolved
	}

	env := copyStrings(opts.Env)
	env[actions.EnvEventName] = opts.Event.Name
	env[actions.EnvRef] = opts.Event.Ref
	env[actions.EnvSHA] = opts.Event.SHA
	env[actions.EnvActor] = opts.Event.Actor
	env[actions.EnvWorkflow] = def.Name
	env[actions.EnvRunID] = opts.RunID
	opts.Env = env

	masker := opts.Masker
	if masker == nil {
		masker = telemetry.NewMasker()
	}
	for _, secret := range opts.Secrets {
		masker.Add(secret)
	}

	return &Runner{
		def:     def,
		actions: resolver,
		eval:    NewEvaluator(),
		opts:    opts,
		inputs:  inputs,
		masker:  masker,
		logger: opts.Logger.With().
			Str("component", "runner").
			Str("workflow", def.Name).
			Str("run_id", opts.RunID).
			Logger(),
		jobs: make(map[string]*jobState),
	}, nil
}

// RunID returns the run's ID.
func (r *Runner) RunID() string { return r.opts.RunID }

// Masker returns the masker secrets are registered with.
func (r *Runner) Masker() *telemetry.Masker { return r.masker }

// ShouldRun evaluates the job condition once per job, then the step's
// own condition.
func (r *Runner) ShouldRun(ctx context.Context, unit *engine.PlanUnit, state engine.UnitState) (bool, error) {
	job, key, err := r.lookup(unit)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.groups = state.Groups
	js := r.jobLocked(job.ID)
	decided, run := js.decided, js.run
	r.mu.Unlock()

	if !decided {
		ok, err := r.jobCondition(ctx, job, state.Groups)
		r.mu.Lock()
		js.decided, js.run = true, err == nil && ok
		run = js.run
		r.mu.Unlock()
		if err != nil {
			return false, err
		}
	}
	if !run {
		r.record(job.ID, key, nil, OutcomeSkipped)
		return false, nil
	}

	status := Status{Failed: state.PriorFailure, Cancelled: ctx.Err() != nil}
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()

	scope, _, err := r.stepScope(ctx, job, status)
	if err != nil {
		return false, err
	}
	ok, err := r.eval.Condition(ctx, unit.Condition, scope)
	if err != nil {
		return false, err
	}
	if !ok {
		r.record(job.ID, key, nil, OutcomeSkipped)
	}
	return ok, nil
}

// ExecuteUnit interpolates the step and runs its action.
func (r *Runner) ExecuteUnit(ctx context.Context, unit *engine.PlanUnit) (*engine.ExecutionResult, error) {
	started := time.Now()
	job, key, err := r.lookup(unit)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	status := r.status
	r.mu.Unlock()

	result := &engine.ExecutionResult{PlanUnitID: unit.ID, StartedAt: started}
	fail := func(err error) (*engine.ExecutionResult, error) {
		r.record(job.ID, key, nil, OutcomeFailure)
		return result, err
	}

	scope, env, err := r.stepScope(ctx, job, status)
	if err != nil {
		return fail(err)
	}
	env, err = r.layer(ctx, env, unit.Env, scope)
	if err != nil {
		return fail(err)
	}
	scope.Contexts["env"] = env

	inputs, err := r.eval.InterpolateMap(ctx, unit.Inputs, scope)
	if err != nil {
		return fail(interpolationError(unit, err))
	}
	script, err := r.eval.Interpolate(ctx, unit.Script, scope)
	if err != nil {
		return fail(interpolationError(unit, err))
	}

	action, ok := r.actions.Lookup(unit.Action)
	if !ok {
		return fail(engine.NewPermanentError(fmt.Sprintf("unknown action %q", unit.Action), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(unit.ID))
	}

	var log bytes.Buffer
	out := r.masker.Writer(io.MultiWriter(&log, r.opts.Stdout))
	sc := &actions.StepContext{
		RunID:    r.opts.RunID,
		Workflow: r.def.Name,
		Job:      job.ID,
		Step:     key,
		Inputs:   inputs,
		Env:      env,
		Script:   script,
		Workdir:  r.opts.Workdir,
		Stdout:   out,
		Logger:   r.logger.With().Str("step_id", unit.ID).Str("action", unit.Action).Logger(),
		Masker:   r.masker,
	}

	outputs, runErr := action.Run(ctx, sc)
	outcome := OutcomeSuccess
	if runErr != nil {
		outcome = OutcomeFailure
	}
	r.record(job.ID, key, outputs, outcome)

	result.Log = log.String()
	if len(outputs) > 0 {
		result.Outputs = make(map[string]string, len(outputs))
		for k, v := range outputs {
			result.Outputs[k] = r.masker.Mask(v)
		}
	}
	return result, runErr
}

// StepOutputs returns the recorded outputs of a step, unmasked.
func (r *Runner) StepOutputs(jobID, stepKey string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if js, ok := r.jobs[jobID]; ok {
		if rec, ok := js.steps[stepKey]; ok {
			return rec.outputs
		}
	}
	return nil
}

func (r *Runner) lookup(unit *engine.PlanUnit) (*Job, string, error) {
	job, ok := r.def.Jobs[unit.Group]
	if !ok {
		return nil, "", engine.NewPermanentError(fmt.Sprintf("unit %s belongs to unknown job %s", unit.ID, unit.Group), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	key, _ := unit.Metadata[metaStep].(string)
	if key == "" {
		return nil, "", engine.NewPermanentError(fmt.Sprintf("unit %s was not compiled from a workflow step", unit.ID), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return job, key, nil
}

func (r *Runner) jobLocked(jobID string) *jobState {
	js, ok := r.jobs[jobID]
	if !ok {
		js = &jobState{steps: make(map[string]*stepRecord)}
		r.jobs[jobID] = js
	}
	return js
}

func (r *Runner) record(jobID, key string, outputs map[string]string, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if outputs == nil {
		outputs = map[string]string{}
	}
	r.jobLocked(jobID).steps[key] = &stepRecord{outputs: outputs, outcome: outcome}
}

// jobCondition evaluates a job's if: against the results of its needs.
// With the default condition a job runs only when every needed job
// succeeded.
func (r *Runner) jobCondition(ctx context.Context, job *Job, groups map[string]engine.PlanStatus) (bool, error) {
	status := Status{Cancelled: ctx.Err() != nil}
	for _, need := range job.Needs {
		switch groups[need] {
		case engine.PlanStatusFailed:
			status.Failed = true
		case engine.PlanStatusSucceeded:
		default:
			status.Skipped = true
		}
	}

	scope := r.baseScope(status)
	env, err := r.layer(ctx, r.opts.Env, r.def.Env, scope)
	if err != nil {
		return false, err
	}
	scope.Contexts["env"] = env
	scope.Contexts["needs"] = r.needsContext(ctx, job, groups)

	ok, err := r.eval.Condition(ctx, job.If, scope)
	if err != nil {
		return false, engine.NewPermanentError(fmt.Sprintf("job %s condition", job.ID), err).
			WithCode(engine.ErrCodeConditionError).
			WithResource(job.ID)
	}
	if !ok {
		r.logger.Info().Str("job", job.ID).Msg("Job condition not met, skipping job")
	}
	return ok, nil
}

func (r *Runner) baseScope(status Status) Scope {
	ev := r.opts.Event
	event := map[string]interface{}{
		"inputs": r.inputs,
	}
	if run := ev.WorkflowRun; run != nil {
		event["workflow_run"] = map[string]interface{}{
			"name":        run.Workflow,
			"id":          run.RunID,
			"conclusion":  run.Conclusion,
			"head_branch": run.Branch,
		}
	}

	github := map[string]interface{}{
		"event_name": ev.Name,
		"ref":        ev.Ref,
		"ref_name":   ev.Branch(),
		"sha":        ev.SHA,
		"actor":      ev.Actor,
		"workflow":   r.def.Name,
		"run_id":     r.opts.RunID,
		"workspace":  r.opts.Workdir,
		"event":      event,
	}

	return Scope{
		Contexts: map[string]interface{}{
			"github":  github,
			"inputs":  r.inputs,
			"secrets": copyStrings(r.opts.Secrets),
			"vars":    copyStrings(r.opts.Vars),
			"env":     map[string]string{},
			"steps":   map[string]interface{}{},
			"needs":   map[string]interface{}{},
		},
		Status: status,
	}
}

// stepScope builds the scope a step of job sees and the job-level
// environment (base, workflow and job env).
func (r *Runner) stepScope(ctx context.Context, job *Job, status Status) (Scope, map[string]string, error) {
	r.mu.Lock()
	groups := r.groups
	r.mu.Unlock()

	scope := r.baseScope(status)
	scope.Contexts["needs"] = r.needsContext(ctx, job, groups)
	scope.Contexts["steps"] = r.stepsContext(job.ID)

	env, err := r.layer(ctx, r.opts.Env, r.def.Env, scope)
	if err != nil {
		return scope, nil, err
	}
	scope.Contexts["env"] = env
	env, err = r.layer(ctx, env, job.Env, scope)
	if err != nil {
		return scope, nil, err
	}
	scope.Contexts["env"] = env
	return scope, env, nil
}

// layer interpolates over and merges it on top of base.
func (r *Runner) layer(ctx context.Context, base, over map[string]string, scope Scope) (map[string]string, error) {
	merged := copyStrings(base)
	values, err := r.eval.InterpolateMap(ctx, over, scope)
	if err != nil {
		return nil, engine.NewPermanentError("failed to interpolate env", err).
			WithCode(engine.ErrCodeValidation)
	}
	for k, v := range values {
		merged[k] = v
	}
	return merged, nil
}

func (r *Runner) stepsContext(jobID string) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := map[string]interface{}{}
	js, ok := r.jobs[jobID]
	if !ok {
		return steps
	}
	for key, rec := range js.steps {
		steps[key] = map[string]interface{}{
			"outputs":    copyStrings(rec.outputs),
			"outcome":    rec.outcome,
			"conclusion": rec.outcome,
		}
	}
	return steps
}

func (r *Runner) needsContext(ctx context.Context, job *Job, groups map[string]engine.PlanStatus) map[string]interface{} {
	needs := map[string]interface{}{}
	for _, need := range job.Needs {
		needs[need] = map[string]interface{}{
			"result":  Result(groups[need]),
			"outputs": r.jobOutputs(ctx, need, groups),
		}
	}
	return needs
}

// jobOutputs evaluates a finished job's outputs once. Outputs that fail to
// evaluate are empty.
func (r *Runner) jobOutputs(ctx context.Context, jobID string, groups map[string]engine.PlanStatus) map[string]string {
	r.mu.Lock()
	js := r.jobLocked(jobID)
	cached := js.outputs
	r.mu.Unlock()
	if cached != nil {
		return copyStrings(cached)
	}

	job, ok := r.def.Jobs[jobID]
	if !ok {
		return map[string]string{}
	}
	if _, finished := groups[jobID]; !finished {
		return map[string]string{}
	}

	scope := r.baseScope(Status{})
	scope.Contexts["steps"] = r.stepsContext(jobID)
	outputs := make(map[string]string, len(job.Outputs))
	for name, expr := range job.Outputs {
		value, err := r.eval.Interpolate(ctx, expr, scope)
		if err != nil {
			r.logger.Warn().Err(err).Str("job", jobID).Str("output", name).Msg("Failed to evaluate job output")
			continue
		}
		outputs[name] = value
	}

	r.mu.Lock()
	js.outputs = outputs
	r.mu.Unlock()
	return copyStrings(outputs)
}

// Result maps a job's aggregate status to needs.<job>.result.
func Result(status engine.PlanStatus) string {
	switch status {
	case engine.PlanStatusSucceeded:
		return OutcomeSuccess
	case engine.PlanStatusFailed:
		return OutcomeFailure
	case engine.PlanStatusCancelled:
		return ConclusionCancelled
	default:
		return OutcomeSkipped
	}
}

// Conclusion maps a run status to the conclusion workflow_run consumers see.
func Conclusion(status engine.RunStatus) string {
	switch status {
	case engine.RunStatusSucceeded:
		return ConclusionSuccess
	case engine.RunStatusCancelled:
		return ConclusionCancelled
	default:
		return ConclusionFailure
	}
}

func interpolationError(unit *engine.PlanUnit, err error) error {
	return engine.NewPermanentError("failed to interpolate step", err).
		WithCode(engine.ErrCodeValidation).
		WithResource(unit.ID)
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
