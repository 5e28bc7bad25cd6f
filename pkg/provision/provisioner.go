package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/artifact"
	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/iac"
	"github.com/deckhand/deckhand/pkg/shell"
	"github.com/deckhand/deckhand/pkg/stores"
)

// DefaultArtifactName is the name the outputs record is uploaded under.
const DefaultArtifactName = "infra-outputs"

// DefaultLockTTL bounds how long a crashed run can hold a resource group.
const DefaultLockTTL = 30 * time.Minute

// Stage names reported by Run.
const (
	StageGate     = "gate"
	StageInit     = "init"
	StageFmtCheck = "fmt-check"
	StagePlan     = "plan"
	StageApply    = "apply"
	StageOutput   = "output"
	StageUpload   = "upload"
)

// Terraform is the IaC CLI surface the provisioner drives. *iac.Terraform
// implements it.
type Terraform interface {
	Init(ctx context.Context) (*shell.Result, error)
	FmtCheck(ctx context.Context) (*shell.Result, error)
	Plan(ctx context.Context, out string) (*shell.Result, bool, error)
	Apply(ctx context.Context, planFile string) (*shell.Result, error)
	Output(ctx context.Context) (iac.Outputs, error)
}

// Locker leases a resource to one run at a time. stores.Store implements it.
type Locker interface {
	AcquireLock(ctx context.Context, resource, runID string, ttl time.Duration) (*stores.RunLock, error)
	ReleaseLock(ctx context.Context, resource, runID string) error
}

// Options configure one provisioning run.
type Options struct {
	RunID         string
	Workflow      string
	ResourceGroup string
	Trigger       Trigger

	// ArtifactName defaults to DefaultArtifactName.
	ArtifactName string

	// PlanFile defaults to iac.DefaultPlanFile.
	PlanFile string

	// LockTTL defaults to DefaultLockTTL.
	LockTTL time.Duration
}

// Report is what a provisioning run did.
type Report struct {
	Decision    Decision
	PlanChanges bool
	Applied     bool
	Outputs     *artifact.InfraOutputs
	Artifact    *artifact.Info

	// Stages lists the completed stages in order.
	Stages []string
}

// Provisioner runs the gate, the IaC CLI and the artifact upload in order.
// It is not a reconciliation loop: an existing resource group is taken as
// provisioned.
type Provisioner struct {
	gate   *Gate
	tf     Terraform
	store  artifact.Store
	locks  Locker
	logger zerolog.Logger
}

// New creates a provisioner. locks may be nil to run without a lease.
func New(gate *Gate, tf Terraform, store artifact.Store, locks Locker, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		gate:   gate,
		tf:     tf,
		store:  store,
		locks:  locks,
		logger: logger.With().Str("component", "provisioner").Logger(),
	}
}

// Run executes one provisioning pass:
//
//	gate -> (plan) init, fmt-check, plan -> (apply) apply -> output -> upload
//
// When the resource group already exists only init, output and upload run,
// so downstream stages still receive the outputs. A plan without apply
// stops after the plan. Any failure halts the run with nothing undone.
func (p *Provisioner) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.RunID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	if opts.ArtifactName == "" {
		opts.ArtifactName = DefaultArtifactName
	}
	if opts.Trigger.RunID == "" {
		opts.Trigger.RunID = opts.RunID
	}

	release, err := Lease(ctx, p.locks, opts.ResourceGroup, opts.RunID, opts.LockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	report := &Report{}
	fail := func(stage string, err error) (*Report, error) {
		return report, &StageError{Stage: stage, Completed: report.Stages, Err: err}
	}

	d, err := p.gate.Evaluate(ctx, opts.ResourceGroup, opts.Trigger)
	if err != nil {
		return fail(StageGate, err)
	}
	report.Decision = d
	report.Stages = append(report.Stages, StageGate)

	if _, err := p.tf.Init(ctx); err != nil {
		return fail(StageInit, err)
	}
	report.Stages = append(report.Stages, StageInit)

	if d.Plan {
		if _, err := p.tf.FmtCheck(ctx); err != nil {
			return fail(StageFmtCheck, err)
		}
		report.Stages = append(report.Stages, StageFmtCheck)

		_, changes, err := p.tf.Plan(ctx, opts.PlanFile)
		if err != nil {
			return fail(StagePlan, err)
		}
		report.PlanChanges = changes
		report.Stages = append(report.Stages, StagePlan)
	}

	if d.Apply {
		if _, err := p.tf.Apply(ctx, opts.PlanFile); err != nil {
			return fail(StageApply, err)
		}
		report.Applied = true
		report.Stages = append(report.Stages, StageApply)
	}

	if d.Plan && !d.Apply {
		p.logger.Info().Str("reason", d.Reason).Msg("Plan not applied; no outputs to hand off")
		return report, nil
	}

	raw, err := p.tf.Output(ctx)
	if err != nil {
		return fail(StageOutput, err)
	}
	outputs, err := artifact.FromTerraform(raw.Strings())
	if err != nil {
		return fail(StageOutput, err)
	}
	report.Outputs = &outputs
	report.Stages = append(report.Stages, StageOutput)

	info, err := artifact.Publish(ctx, p.store, &artifact.Envelope{
		Name:      opts.ArtifactName,
		RunID:     opts.RunID,
		Workflow:  opts.Workflow,
		CreatedAt: time.Now().UTC(),
		Outputs:   outputs,
	})
	if err != nil {
		return fail(StageUpload, err)
	}
	report.Artifact = info
	report.Stages = append(report.Stages, StageUpload)

	p.logger.Info().
		Str("run_id", opts.RunID).
		Str("artifact", opts.ArtifactName).
		Str("decision", d.Name()).
		Msg("Provisioning complete")

	return report, nil
}

// StageError reports the stage that failed and the stages that had
// already completed.
type StageError struct {
	Stage     string
	Completed []string
	Err       error
}

func (e *StageError) Error() string {
	completed := "none"
	if len(e.Completed) > 0 {
		completed = strings.Join(e.Completed, ", ")
	}
	return fmt.Sprintf("%s failed (completed: %s): %v", e.Stage, completed, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// LockResource is the lease key for a resource group.
func LockResource(resourceGroup string) string {
	return "resource-group/" + resourceGroup
}

// Lease takes the run lock on a resource group and returns its release
// function. Workflow runs, provisioning and deploys all take it. A nil
// locker yields a no-op lease. A lease held by another run is a LOCKED
// conflict error.
func Lease(ctx context.Context, locks Locker, resourceGroup, runID string, ttl time.Duration) (func(), error) {
	if locks == nil || resourceGroup == "" {
		return func() {}, nil
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	resource := LockResource(resourceGroup)
	if _, err := locks.AcquireLock(ctx, resource, runID, ttl); err != nil {
		if stores.IsLocked(err) {
			return nil, engine.NewConflictError("resource group is in use by another run", err).
				WithCode(engine.ErrCodeLocked).
				WithResource(resourceGroup).
				WithOperation("lock.acquire")
		}
		return nil, err
	}

	return func() {
		// Release even when ctx was cancelled.
		_ = locks.ReleaseLock(context.WithoutCancel(ctx), resource, runID)
	}, nil
}
