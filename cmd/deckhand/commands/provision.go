package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/iac"
	"github.com/deckhand/deckhand/pkg/provision"
	"github.com/deckhand/deckhand/pkg/shell"
)

type provisionOptions struct {
	event   string
	ref     string
	approve bool
}

func newProvisionCommand(opts *globalOptions) *cobra.Command {
	provOpts := &provisionOptions{}

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Run the gate, Terraform and the outputs upload",
		Long: `Provision runs the infrastructure stage without a workflow:

  1. the gate checks whether the resource group exists
  2. terraform init, fmt -check and plan when the group is missing
  3. terraform apply for a push to the main branch or an approved dispatch
  4. terraform output, uploaded as the handoff artifact

An existing resource group is never planned or applied; its outputs are
still read and uploaded. Only one run may provision a resource group at a
time.`,
		Example: `  # Behave like a push to the main branch
  deckhand provision

  # A manual run that is allowed to apply
  deckhand provision --event workflow_dispatch --approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := a.context(cmd.Context())
			report, run, err := a.provision(ctx, provOpts)
			if run != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "run %s %s\n", run.ID, run.Status)
			}
			if report != nil {
				if opts.jsonOutput {
					if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
						return perr
					}
				} else {
					printProvisionReport(cmd.OutOrStdout(), report)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&provOpts.event, "event", provision.EventPush, "trigger event: push or workflow_dispatch")
	cmd.Flags().StringVar(&provOpts.ref, "ref", "", "git ref of the trigger (default: the project branch)")
	cmd.Flags().BoolVar(&provOpts.approve, "approve", false, "approve apply for a workflow_dispatch trigger")

	return cmd
}

func (a *app) provision(ctx context.Context, provOpts *provisionOptions) (*provision.Report, *engine.Run, error) {
	switch provOpts.event {
	case provision.EventPush, provision.EventDispatch:
	default:
		return nil, nil, fmt.Errorf("unsupported event %q", provOpts.event)
	}

	clients, err := a.azure()
	if err != nil {
		return nil, nil, err
	}
	if clients == nil {
		return nil, nil, engine.NewPermanentError("azure subscription is not configured", nil).
			WithCode(engine.ErrCodeValidation)
	}
	ttl, err := a.project.Lock.TTLDuration()
	if err != nil {
		return nil, nil, err
	}
	store, err := a.artifacts(ctx)
	if err != nil {
		return nil, nil, err
	}
	locks, err := a.stateStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	ref := provOpts.ref
	if ref == "" {
		ref = "refs/heads/" + a.project.Branch
	}

	const name = "provision"
	tf := iac.New(a.project.Terraform.Binary, a.path(a.project.Terraform.Dir), shell.NewExec(a.logger), a.logger)

	var report *provision.Report
	run, err := a.recordStage(ctx, name, provOpts.event, func(ctx context.Context, runID string, publisher engine.EventPublisher) error {
		gate := provision.NewGate(clients.ResourceGroups, publisher, a.logger)
		p := provision.New(gate, tf, store.ForWorkflow(name), locks, a.logger)

		var err error
		report, err = p.Run(ctx, provision.Options{
			RunID:         runID,
			Workflow:      name,
			ResourceGroup: a.project.Azure.ResourceGroup,
			ArtifactName:  a.project.Artifact.Name,
			LockTTL:       ttl,
			Trigger: provision.Trigger{
				Event:      provOpts.event,
				Ref:        ref,
				Approve:    provOpts.approve,
				MainBranch: a.project.Branch,
			},
		})
		return err
	})
	return report, run, err
}

func printProvisionReport(w io.Writer, r *provision.Report) {
	fmt.Fprintf(w, "decision: %s (%s)\n", r.Decision.Name(), r.Decision.Reason)
	fmt.Fprintf(w, "stages:   %s\n", strings.Join(r.Stages, ", "))
	if r.Decision.Plan {
		fmt.Fprintf(w, "changes:  %t\n", r.PlanChanges)
	}
	if r.Artifact != nil {
		fmt.Fprintf(w, "artifact: %s (run %s)\n", r.Artifact.Name, r.Artifact.RunID)
	}
	if r.Outputs != nil {
		m := r.Outputs.Map()
		for _, k := range r.Outputs.Keys() {
			fmt.Fprintf(w, "  %s = %s\n", k, m[k])
		}
	}
}
