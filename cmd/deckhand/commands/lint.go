package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/pkg/compose"
	"github.com/deckhand/deckhand/pkg/policy"
)

type lintOptions struct {
	disable []string
	list    bool
}

func newLintCommand(opts *globalOptions) *cobra.Command {
	lintOpts := &lintOptions{}

	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Check the project against Rego policies",
		Long: `Lint evaluates the built-in policies and any policies found in the
policy.dirs directories against the composition, the workflows and the
project configuration.

Built-in policies:
  compose-shape        two services and one named volume
  healthy-dependency   the app waits for a healthchecked database
  artifact-handoff     every downloaded artifact is uploaded upstream
  image-tag            the image a web app runs is the image just built
  apply-gated          every apply step is conditional
  dispatch-approve     a dispatchable apply takes a boolean approve input

Violations with severity error fail the command; warnings are printed only.`,
		Example: `  deckhand lint
  deckhand lint --disable image-tag --json
  deckhand lint --list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := a.context(cmd.Context())
			eng, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}
			for _, name := range lintOpts.disable {
				if err := eng.DisablePolicy(name); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if lintOpts.list {
				return listPolicies(out, eng.ListPolicies(), opts.jsonOutput)
			}

			result, err := a.lint(ctx, eng)
			if err != nil {
				return err
			}
			return reportLint(out, result, opts.jsonOutput)
		},
	}

	cmd.Flags().StringSliceVar(&lintOpts.disable, "disable", nil, "policies to skip")
	cmd.Flags().BoolVar(&lintOpts.list, "list", false, "list the loaded policies and exit")

	return cmd
}

// policyEngine compiles the built-in policies and the project's policy
// directories.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, err
	}
	if dirs := a.policyDirs(); len(dirs) > 0 {
		if err := eng.LoadPolicies(ctx, dirs); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func (a *app) policyDirs() []string {
	dirs := make([]string, 0, len(a.project.Policy.Dirs))
	for _, d := range a.project.Policy.Dirs {
		dirs = append(dirs, a.path(d))
	}
	return dirs
}

// bundle gathers the lint input. A missing composition is passed on as
// absent so the shape policies can skip it.
func (a *app) bundle() (*policy.Bundle, error) {
	b := &policy.Bundle{
		Expect:  compose.DefaultExpectations(),
		Project: a.project,
	}

	file, err := compose.Load(a.path(a.project.Compose.File))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		b.Compose = file
	}

	defs, err := a.workflows()
	if err != nil {
		return nil, err
	}
	b.Workflows = defs
	return b, nil
}

func (a *app) lint(ctx context.Context, eng *policy.Engine) (*policy.Result, error) {
	bundle, err := a.bundle()
	if err != nil {
		return nil, err
	}
	return eng.Evaluate(ctx, bundle)
}

func reportLint(out io.Writer, result *policy.Result, jsonOutput bool) error {
	if jsonOutput {
		if err := printJSON(out, result); err != nil {
			return err
		}
	} else {
		problems := make([]problem, 0, len(result.Violations)+len(result.Warnings))
		for _, v := range result.Violations {
			problems = append(problems, problem{
				Source:   v.Policy,
				Path:     v.Resource,
				Message:  v.Message,
				Severity: string(v.Severity),
			})
		}
		for _, w := range result.Warnings {
			problems = append(problems, problem{Source: "lint", Message: w, Severity: "warning"})
		}
		printProblems(out, problems)
		fmt.Fprintf(out, "%d policies evaluated, %d violation(s)\n", len(result.EvaluatedPolicies), len(result.Violations))
	}

	if !result.Allowed {
		return errFindings
	}
	return nil
}

func listPolicies(out io.Writer, policies []policy.Policy, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(out, policies)
	}
	rows := make([][]string, 0, len(policies))
	for _, p := range policies {
		source := p.Source
		if p.Builtin {
			source = "builtin"
		}
		state := "enabled"
		if !p.Enabled {
			state = "disabled"
		}
		rows = append(rows, []string{p.Name, string(p.Severity), state, source, firstLine(p.Description)})
	}
	return table(out, []string{"NAME", "SEVERITY", "STATE", "SOURCE", "DESCRIPTION"}, rows)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
