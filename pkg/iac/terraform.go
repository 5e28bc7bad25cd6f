// Package iac drives the infrastructure-as-code CLI non-interactively.
package iac

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/shell"
)

// DefaultPlanFile is the saved plan written by Plan and read by Apply.
const DefaultPlanFile = "tfplan"

// Terraform runs terraform commands in one working directory.
type Terraform struct {
	Binary string
	Dir    string
	Env    map[string]string
	Runner shell.Runner

	// Stdout and Stderr stream command output when set.
	Stdout io.Writer
	Stderr io.Writer

	logger zerolog.Logger
}

// New creates a Terraform wrapper. binary defaults to "terraform".
func New(binary, dir string, runner shell.Runner, logger zerolog.Logger) *Terraform {
	if binary == "" {
		binary = "terraform"
	}
	return &Terraform{
		Binary: binary,
		Dir:    dir,
		Env:    map[string]string{"TF_IN_AUTOMATION": "1"},
		Runner: runner,
		logger: logger.With().Str("component", "terraform").Logger(),
	}
}

// Init initialises the working directory.
func (t *Terraform) Init(ctx context.Context) (*shell.Result, error) {
	return t.run(ctx, "init", "-input=false", "-no-color")
}

// FmtCheck fails when any file is not canonically formatted.
func (t *Terraform) FmtCheck(ctx context.Context) (*shell.Result, error) {
	return t.run(ctx, "fmt", "-check", "-recursive", "-no-color")
}

// Plan writes a saved plan to out (DefaultPlanFile when empty). The
// returned bool reports whether the plan has changes.
func (t *Terraform) Plan(ctx context.Context, out string) (*shell.Result, bool, error) {
	if out == "" {
		out = DefaultPlanFile
	}
	res, err := t.run(ctx, "plan", "-input=false", "-no-color", "-detailed-exitcode", "-out="+out)
	if err != nil {
		// -detailed-exitcode reports pending changes as exit code 2.
		if exitErr, ok := shell.IsExitError(err); ok && exitErr.ExitCode == 2 {
			return res, true, nil
		}
		return res, false, err
	}
	return res, false, nil
}

// Apply applies a saved plan. Approval is implied by the saved plan, so
// -auto-approve is only passed here.
func (t *Terraform) Apply(ctx context.Context, planFile string) (*shell.Result, error) {
	if planFile == "" {
		planFile = DefaultPlanFile
	}
	return t.run(ctx, "apply", "-input=false", "-no-color", "-auto-approve", planFile)
}

// OutputValue is one entry of `terraform output -json`.
type OutputValue struct {
	Value     json.RawMessage `json:"value"`
	Type      json.RawMessage `json:"type"`
	Sensitive bool            `json:"sensitive"`
}

// Outputs maps output names to their values.
type Outputs map[string]OutputValue

// Output reads the root module outputs.
func (t *Terraform) Output(ctx context.Context) (Outputs, error) {
	res, err := t.run(ctx, "output", "-json", "-no-color")
	if err != nil {
		return nil, err
	}
	return ParseOutputs([]byte(res.Stdout))
}

// ParseOutputs decodes `terraform output -json`.
func ParseOutputs(data []byte) (Outputs, error) {
	outputs := Outputs{}
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("failed to decode terraform outputs: %w", err)
	}
	return outputs, nil
}

// Strings flattens outputs to strings: strings as-is, numbers and bools
// formatted, anything else as compact JSON.
func (o Outputs) Strings() map[string]string {
	flat := make(map[string]string, len(o))
	for name, out := range o {
		flat[name] = stringify(out.Value)
	}
	return flat
}

// Sensitive lists the names of sensitive outputs, sorted.
func (o Outputs) Sensitive() []string {
	var names []string
	for name, out := range o {
		if out.Sensitive {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func stringify(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		compact, err := json.Marshal(val)
		if err != nil {
			return string(raw)
		}
		return string(compact)
	}
}

func (t *Terraform) run(ctx context.Context, args ...string) (*shell.Result, error) {
	t.logger.Info().Str("dir", t.Dir).Strs("args", args).Msg("running terraform")
	res, err := t.Runner.Run(ctx, shell.Command{
		Name:   t.Binary,
		Args:   args,
		Dir:    t.Dir,
		Env:    t.Env,
		Stdout: t.Stdout,
		Stderr: t.Stderr,
	})
	if err != nil {
		return res, fmt.Errorf("terraform %s: %w", args[0], err)
	}
	return res, nil
}
