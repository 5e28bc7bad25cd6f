package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/pkg/compose"
	"github.com/deckhand/deckhand/pkg/workflow"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the project configuration, composition and workflows",
		Long: `Validate checks everything deckhand reads before it runs anything:

  - deckhand.cue against the project schema
  - the composition: service and volume counts, health-gated dependencies,
    healthcheck durations and port mappings
  - every workflow: triggers, job graph, step references and expressions

Every problem is reported, not just the first.`,
		Example: `  deckhand validate
  deckhand validate -c ./shop --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			problems := a.validate()

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if problems == nil {
					problems = []problem{}
				}
				if err := printJSON(out, problems); err != nil {
					return err
				}
			} else if len(problems) == 0 {
				fmt.Fprintln(out, "Project is valid")
			} else {
				printProblems(out, problems)
			}

			if len(problems) > 0 {
				return errFindings
			}
			return nil
		},
	}
}

// validate checks the composition and the workflows. The configuration
// itself was already validated by loadApp.
func (a *app) validate() []problem {
	var problems []problem

	composePath := a.path(a.project.Compose.File)
	file, err := compose.Load(composePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		problems = append(problems, problem{Source: "compose", Path: a.project.Compose.File, Message: "file not found"})
	case err != nil:
		problems = append(problems, problem{Source: "compose", Message: err.Error()})
	default:
		var findings compose.Findings
		if err := compose.Validate(file, compose.DefaultExpectations()); errors.As(err, &findings) {
			for _, f := range findings {
				problems = append(problems, problem{Source: "compose", Path: f.Path, Message: f.Message + " [" + f.Rule + "]"})
			}
		} else if err != nil {
			problems = append(problems, problem{Source: "compose", Message: err.Error()})
		}
	}

	defs, err := a.workflows()
	if err != nil {
		return append(problems, problem{Source: "workflows", Message: err.Error()})
	}
	if len(defs) == 0 {
		problems = append(problems, problem{Source: "workflows", Path: a.project.Workflows.Dir, Message: "no workflows found"})
	}

	reg := resolver()
	for _, def := range defs {
		err := workflow.Validate(def, reg)
		var verr *workflow.ValidationError
		switch {
		case errors.As(err, &verr):
			for _, p := range verr.Problems {
				problems = append(problems, problem{Source: "workflow", Path: def.Path, Message: p})
			}
		case err != nil:
			problems = append(problems, problem{Source: "workflow", Path: def.Path, Message: err.Error()})
		}
	}

	return problems
}
