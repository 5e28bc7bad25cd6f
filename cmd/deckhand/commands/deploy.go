package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/pkg/artifact"
	"github.com/deckhand/deckhand/pkg/config"
	"github.com/deckhand/deckhand/pkg/deploy"
	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/provision"
)

type deployOptions struct {
	runID     string
	tag       string
	buildArgs []string
}

func newDeployCommand(opts *globalOptions) *cobra.Command {
	depOpts := &deployOptions{}

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Build the app image and point the web app at it",
		Long: `Deploy runs the application stage without a workflow. It reads the
infrastructure outputs artifact and then:

  1. grants the web app identity AcrPull on the registry
  2. logs in to the registry
  3. builds and pushes the image
  4. sets the web app container to the pushed image

Without --run-id the latest outputs artifact is used.`,
		Example: `  deckhand deploy
  deckhand deploy --run-id 6f1c... --tag v1.2.0 --build-arg VERSION=1.2.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			buildArgs, err := parsePairs(depOpts.buildArgs)
			if err != nil {
				return fmt.Errorf("invalid --build-arg: %w", err)
			}

			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := a.context(cmd.Context())
			report, run, err := a.deploy(ctx, depOpts, buildArgs)
			if run != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "run %s %s\n", run.ID, run.Status)
			}
			if report != nil {
				if opts.jsonOutput {
					if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
						return perr
					}
				} else {
					printDeployReport(cmd.OutOrStdout(), report)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&depOpts.runID, "run-id", "", "infrastructure run whose outputs to use (default: latest)")
	cmd.Flags().StringVar(&depOpts.tag, "tag", "", "image tag (default: image.tag)")
	cmd.Flags().StringArrayVar(&depOpts.buildArgs, "build-arg", nil, "build argument KEY=VALUE (repeatable)")

	return cmd
}

func (a *app) deploy(ctx context.Context, depOpts *deployOptions, buildArgs map[string]string) (*deploy.Report, *engine.Run, error) {
	store, err := a.artifacts(ctx)
	if err != nil {
		return nil, nil, err
	}
	deployer, err := a.deployer()
	if err != nil {
		return nil, nil, err
	}

	ttl, err := a.project.Lock.TTLDuration()
	if err != nil {
		return nil, nil, err
	}
	locks, err := a.stateStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	tag := depOpts.tag
	if tag == "" {
		tag = a.project.Image.Tag
	}

	var report *deploy.Report
	run, err := a.recordStage(ctx, "deploy", "workflow_dispatch", func(ctx context.Context, runID string, _ engine.EventPublisher) error {
		release, err := provision.Lease(ctx, locks, a.project.Azure.ResourceGroup, runID, ttl)
		if err != nil {
			return err
		}
		defer release()

		env, err := artifact.Fetch(ctx, store, depOpts.runID, a.project.Artifact.Name)
		if err != nil {
			return err
		}
		if err := config.NewSchemaRegistry().ValidateOutputs(ctx, env.Outputs.Map()); err != nil {
			return fmt.Errorf("artifact %s from run %s: %w", env.Name, env.RunID, err)
		}
		a.logger.Info().
			Str("artifact", env.Name).
			Str("from_run", env.RunID).
			Str("resource_group", env.Outputs.ResourceGroup).
			Msg("Using infrastructure outputs")

		report, err = deployer.Run(ctx, env.Outputs, deploy.Options{
			ImageName:  a.project.Image.Name,
			Tag:        tag,
			ContextDir: a.path(a.project.Image.Context),
			Dockerfile: a.project.Image.Dockerfile,
			BuildArgs:  buildArgs,
		})
		return err
	})
	return report, run, err
}

func printDeployReport(w io.Writer, r *deploy.Report) {
	fmt.Fprintf(w, "image:     %s\n", r.Image)
	fmt.Fprintf(w, "steps:     %s\n", strings.Join(r.Steps, ", "))
	if r.PrincipalID != "" {
		fmt.Fprintf(w, "principal: %s (role created: %t)\n", r.PrincipalID, r.RoleCreated)
	}
}

// parsePairs parses KEY=VALUE arguments.
func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}
