// Package shell runs local commands for workflow steps and CLI wrappers.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultShell runs Command.Script when no shell is given.
const DefaultShell = "/bin/sh"

// Command describes one process to run. Either Name (with Args) or Script
// must be set; Script runs through Shell with -e so the first failing line
// fails the step.
type Command struct {
	Name   string
	Args   []string
	Script string
	Shell  string

	// Dir is the working directory.
	Dir string

	// Env is added on top of the inherited environment unless Isolated.
	Env      map[string]string
	Isolated bool

	Stdin io.Reader

	// Stdout and Stderr receive output as it is produced, in addition to
	// being captured in the Result.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command for logs and errors.
func (c Command) String() string {
	if c.Script != "" {
		return strings.TrimSpace(c.Script)
	}
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a command that ran.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ExitError is returned when a command exits non-zero. The Result is still
// returned alongside it.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// IsExitError reports whether err is a non-zero exit and returns it.
func IsExitError(err error) (*ExitError, bool) {
	var exitErr *ExitError
	ok := errors.As(err, &exitErr)
	return exitErr, ok
}

// Runner runs commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Exec runs commands as local processes.
type Exec struct {
	logger zerolog.Logger
}

// NewExec creates a local runner.
func NewExec(logger zerolog.Logger) *Exec {
	return &Exec{logger: logger.With().Str("component", "shell").Logger()}
}

// Run executes cmd and waits for it. A non-zero exit returns the Result
// and an *ExitError; failure to start returns only an error.
func (r *Exec) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" && c.Script == "" {
		return nil, fmt.Errorf("command is required")
	}

	var cmd *exec.Cmd
	if c.Script != "" {
		sh := c.Shell
		if sh == "" {
			sh = DefaultShell
		}
		cmd = exec.CommandContext(ctx, sh, "-e", "-c", c.Script)
	} else {
		cmd = exec.CommandContext(ctx, c.Name, c.Args...)
	}

	cmd.Dir = c.Dir
	cmd.Env = buildEnv(c.Env, c.Isolated)
	cmd.Stdin = c.Stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = tee(&stdout, c.Stdout)
	cmd.Stderr = tee(&stderr, c.Stderr)

	r.logger.Debug().Str("command", c.String()).Str("dir", c.Dir).Msg("running command")

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if ctx.Err() != nil {
				return result, fmt.Errorf("command %q interrupted: %w", c.String(), ctx.Err())
			}
			return result, &ExitError{Command: c.String(), ExitCode: result.ExitCode, Stderr: result.Stderr}
		}
		return nil, fmt.Errorf("failed to execute command %q: %w", c.String(), err)
	}

	r.logger.Debug().Str("command", c.String()).Dur("duration", result.Duration).Msg("command finished")
	return result, nil
}

// buildEnv renders env in sorted order so runs are reproducible.
func buildEnv(extra map[string]string, isolated bool) []string {
	var env []string
	if !isolated {
		env = os.Environ()
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
