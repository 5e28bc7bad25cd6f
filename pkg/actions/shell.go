package actions

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/shell"
)

// OutputEnv names the file a script appends key=value lines to in order
// to set step outputs.
const OutputEnv = "DECKHAND_OUTPUT"

// Shell runs `run:` scripts.
type Shell struct {
	runner shell.Runner
}

// NewShell creates the run action.
func NewShell(runner shell.Runner) *Shell {
	return &Shell{runner: runner}
}

// Run implements Action. A non-zero exit fails the step.
func (s *Shell) Run(ctx context.Context, sc *StepContext) (Outputs, error) {
	if strings.TrimSpace(sc.Script) == "" {
		return nil, engine.NewPermanentError("run step has no script", nil).
			WithCode(engine.ErrCodeValidation).WithResource(sc.Step)
	}

	outFile, err := os.CreateTemp("", "deckhand-output-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	env := make(map[string]string, len(sc.Env)+1)
	for k, v := range sc.Env {
		env[k] = v
	}
	env[OutputEnv] = outPath

	_, err = s.runner.Run(ctx, shell.Command{
		Script: sc.Script,
		Shell:  sc.Input("shell"),
		Dir:    sc.Workdir,
		Env:    env,
		Stdout: sc.Stdout,
		Stderr: sc.Stdout,
	})
	if err != nil {
		if exitErr, ok := shell.IsExitError(err); ok {
			return nil, engine.NewPermanentError("script failed", err).
				WithCode(engine.ErrCodeCommandFailed).
				WithDetail("exit_code", exitErr.ExitCode)
		}
		return nil, err
	}

	return readOutputFile(outPath)
}

// readOutputFile parses key=value lines. Later keys win.
func readOutputFile(path string) (Outputs, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read step outputs: %w", err)
	}
	defer f.Close()

	outputs := Outputs{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed output line %q", line)
		}
		outputs[strings.TrimSpace(key)] = value
	}
	return outputs, scanner.Err()
}
