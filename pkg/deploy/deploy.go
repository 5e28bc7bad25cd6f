// Package deploy runs the build-and-deploy stage: grant the web app pull
// access to the registry, build and push the image, and point the web app
// at it.
package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/artifact"
	"github.com/deckhand/deckhand/pkg/cloud/azure"
	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/image"
	"github.com/deckhand/deckhand/pkg/telemetry"
)

// Step names, in execution order.
const (
	StepGrantPull     = "grant-acr-pull"
	StepRegistryLogin = "registry-login"
	StepBuild         = "image-build"
	StepPush          = "image-push"
	StepSetContainer  = "webapp-set-container"
)

// WebApps is the hosted service surface used here.
type WebApps interface {
	PrincipalID(ctx context.Context, resourceGroup, name string) (string, error)
	SetContainer(ctx context.Context, resourceGroup, name, image string) error
}

// Registries is the container registry surface used here.
type Registries interface {
	Get(ctx context.Context, resourceGroup, name string) (*azure.Registry, error)
	Credentials(ctx context.Context, resourceGroup, name string) (*azure.RegistryCredentials, error)
}

// Roles grants registry pull access.
type Roles interface {
	AssignAcrPull(ctx context.Context, scope, principalID string) (bool, error)
}

// ImageBuilder builds and pushes images. *image.Builder implements it.
type ImageBuilder interface {
	Login(ctx context.Context, server string, auth image.Auth) error
	Build(ctx context.Context, opts image.BuildOptions) error
	Push(ctx context.Context, ref string) error
}

// Options describe the image to ship.
type Options struct {
	ImageName  string
	Tag        string
	ContextDir string
	Dockerfile string
	BuildArgs  map[string]string
}

// Report is what a deployment did.
type Report struct {
	Image       string
	PrincipalID string
	RoleCreated bool

	// Steps lists the completed steps in order.
	Steps []string
}

// StepError reports the step that failed and the steps that had already
// completed. Nothing completed is undone.
type StepError struct {
	Step      string
	Completed []string
	Err       error
}

func (e *StepError) Error() string {
	completed := "none"
	if len(e.Completed) > 0 {
		completed = strings.Join(e.Completed, ", ")
	}
	return fmt.Sprintf("deploy step %s failed (completed: %s): %v", e.Step, completed, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Deployer runs the deploy steps against one set of infrastructure outputs.
type Deployer struct {
	webapps    WebApps
	registries Registries
	roles      Roles
	builder    ImageBuilder
	masker     *telemetry.Masker
	logger     zerolog.Logger
}

// New creates a deployer. Registry passwords are added to masker when it
// is not nil.
func New(webapps WebApps, registries Registries, roles Roles, builder ImageBuilder, masker *telemetry.Masker, logger zerolog.Logger) *Deployer {
	return &Deployer{
		webapps:    webapps,
		registries: registries,
		roles:      roles,
		builder:    builder,
		masker:     masker,
		logger:     logger.With().Str("component", "deployer").Logger(),
	}
}

// Run executes every step in order and stops at the first failure. The
// image reference is computed once and used for both the push and the web
// app update.
func (d *Deployer) Run(ctx context.Context, outputs artifact.InfraOutputs, opts Options) (*Report, error) {
	if err := outputs.Validate(); err != nil {
		return nil, err
	}

	report := &Report{}
	fail := func(step string, err error) (*Report, error) {
		return report, &StepError{Step: step, Completed: report.Steps, Err: err}
	}

	principal, created, err := d.GrantPull(ctx, outputs)
	if err != nil {
		return fail(StepGrantPull, err)
	}
	report.PrincipalID = principal
	report.RoleCreated = created
	report.Steps = append(report.Steps, StepGrantPull)

	server, err := d.Login(ctx, outputs)
	if err != nil {
		return fail(StepRegistryLogin, err)
	}
	report.Steps = append(report.Steps, StepRegistryLogin)

	ref, err := image.Reference(server, opts.ImageName, opts.Tag)
	if err != nil {
		return fail(StepBuild, engine.NewPermanentError("invalid image reference", err).WithCode(engine.ErrCodeValidation))
	}
	report.Image = ref

	if err := d.Build(ctx, ref, opts); err != nil {
		return fail(StepBuild, err)
	}
	report.Steps = append(report.Steps, StepBuild)

	if err := d.Push(ctx, ref); err != nil {
		return fail(StepPush, err)
	}
	report.Steps = append(report.Steps, StepPush)

	if err := d.SetContainer(ctx, outputs, ref); err != nil {
		return fail(StepSetContainer, err)
	}
	report.Steps = append(report.Steps, StepSetContainer)

	d.logger.Info().Str("image", ref).Str("webapp", outputs.WebAppName).Msg("Deployment complete")
	return report, nil
}

// RegistryScope returns the registry resource ID, looking it up when the
// outputs do not carry it.
func (d *Deployer) RegistryScope(ctx context.Context, outputs artifact.InfraOutputs) (string, error) {
	if outputs.RegistryID != "" {
		return outputs.RegistryID, nil
	}
	reg, err := d.registries.Get(ctx, outputs.ResourceGroup, outputs.RegistryName)
	if err != nil {
		return "", err
	}
	if reg.ID == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("registry %s has no resource ID", outputs.RegistryName), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(outputs.RegistryName)
	}
	return reg.ID, nil
}

// GrantPull assigns AcrPull on the registry to the web app's managed
// identity. An existing assignment is accepted; created reports whether a
// new one was made.
func (d *Deployer) GrantPull(ctx context.Context, outputs artifact.InfraOutputs) (principal string, created bool, err error) {
	principal, err = d.webapps.PrincipalID(ctx, outputs.ResourceGroup, outputs.WebAppName)
	if err != nil {
		return "", false, err
	}
	scope, err := d.RegistryScope(ctx, outputs)
	if err != nil {
		return "", false, err
	}
	created, err = d.roles.AssignAcrPull(ctx, scope, principal)
	if err != nil {
		return "", false, err
	}

	d.logger.Info().
		Str("principal_id", principal).
		Str("scope", scope).
		Bool("created", created).
		Msg("AcrPull granted")
	return principal, created, nil
}

// Login fetches the registry credentials and logs the builder in. It
// returns the normalized login server that image references must use.
func (d *Deployer) Login(ctx context.Context, outputs artifact.InfraOutputs) (string, error) {
	creds, err := d.registries.Credentials(ctx, outputs.ResourceGroup, outputs.RegistryName)
	if err != nil {
		return "", err
	}
	if d.masker != nil {
		d.masker.Add(creds.Password)
	}

	server := image.NormalizeServer(outputs.RegistryLoginServer)
	if err := d.builder.Login(ctx, server, image.Auth{Username: creds.Username, Password: creds.Password}); err != nil {
		return "", err
	}
	return server, nil
}

// Build builds ref from the options' context directory.
func (d *Deployer) Build(ctx context.Context, ref string, opts Options) error {
	contextDir := opts.ContextDir
	if contextDir == "" {
		contextDir = "."
	}
	return d.builder.Build(ctx, image.BuildOptions{
		ContextDir: contextDir,
		Dockerfile: opts.Dockerfile,
		Ref:        ref,
		BuildArgs:  opts.BuildArgs,
	})
}

// Push uploads ref.
func (d *Deployer) Push(ctx context.Context, ref string) error {
	return d.builder.Push(ctx, ref)
}

// SetContainer points the web app at ref.
func (d *Deployer) SetContainer(ctx context.Context, outputs artifact.InfraOutputs, ref string) error {
	if err := d.webapps.SetContainer(ctx, outputs.ResourceGroup, outputs.WebAppName, ref); err != nil {
		return err
	}
	d.logger.Info().Str("webapp", outputs.WebAppName).Str("image", ref).Msg("Web app container updated")
	return nil
}
