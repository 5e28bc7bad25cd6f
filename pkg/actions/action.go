// Package actions holds the step actions workflows reference with `uses:`
// and the registry that resolves them.
package actions

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/telemetry"
)

// Environment variables the runner sets for every step.
const (
	EnvEventName = "DECKHAND_EVENT_NAME"
	EnvRef       = "DECKHAND_REF"
	EnvSHA       = "DECKHAND_SHA"
	EnvActor     = "DECKHAND_ACTOR"
	EnvWorkflow  = "DECKHAND_WORKFLOW"
	EnvRunID     = "DECKHAND_RUN_ID"
)

// Outputs are the named string values a step produces.
type Outputs map[string]string

// Action runs one step.
type Action interface {
	Run(ctx context.Context, sc *StepContext) (Outputs, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, sc *StepContext) (Outputs, error)

// Run implements Action.
func (f ActionFunc) Run(ctx context.Context, sc *StepContext) (Outputs, error) {
	return f(ctx, sc)
}

// StepContext is what an action sees of the run. Inputs, Env and Script
// are already interpolated.
type StepContext struct {
	RunID    string
	Workflow string
	Job      string
	Step     string

	Inputs map[string]string
	Env    map[string]string
	Script string

	// Workdir is the directory relative paths resolve against.
	Workdir string

	// Stdout receives step output. It is masked and captured as the step log.
	Stdout io.Writer

	Logger zerolog.Logger

	// Masker registers values discovered at run time, such as registry
	// passwords, so they are masked from then on.
	Masker *telemetry.Masker
}

// Input returns a trimmed input value.
func (sc *StepContext) Input(name string) string {
	return strings.TrimSpace(sc.Inputs[name])
}

// InputOr returns an input value or def when it is empty.
func (sc *StepContext) InputOr(name, def string) string {
	if v := sc.Input(name); v != "" {
		return v
	}
	return def
}

// Require fails with a validation error naming every missing input.
func (sc *StepContext) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		if sc.Input(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("missing required input(s): %s", strings.Join(missing, ", ")), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(sc.Step)
	}
	return nil
}

// Bool parses a boolean input, returning def when it is empty.
func (sc *StepContext) Bool(name string, def bool) (bool, error) {
	v := sc.Input(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, engine.NewPermanentError(
			fmt.Sprintf("input %s: %q is not a boolean", name, v), err,
		).WithCode(engine.ErrCodeValidation).WithResource(sc.Step)
	}
	return b, nil
}

// Path resolves p against the step's working directory.
func (sc *StepContext) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(sc.Workdir, p)
}

// Printf writes a line to the step output.
func (sc *StepContext) Printf(format string, args ...interface{}) {
	if sc.Stdout == nil {
		return
	}
	fmt.Fprintf(sc.Stdout, format+"\n", args...)
}

// Secret registers a value for masking.
func (sc *StepContext) Secret(values ...string) {
	if sc.Masker != nil {
		sc.Masker.Add(values...)
	}
}

// Registry maps `uses` names to actions. A trailing @version on a
// reference is ignored.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds or replaces an action.
func (r *Registry) Register(name string, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = action
}

// Lookup resolves a reference.
func (r *Registry) Lookup(ref string) (Action, bool) {
	name, _, _ := strings.Cut(ref, "@")
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
