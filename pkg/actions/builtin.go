package actions

import (
	"fmt"

	"github.com/deckhand/deckhand/pkg/artifact"
	"github.com/deckhand/deckhand/pkg/deploy"
	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/provision"
	"github.com/deckhand/deckhand/pkg/shell"
)

// Built-in action names.
const (
	ResourceGroupExists = "deckhand/resource-group-exists"
	ProvisionGate       = "deckhand/provision-gate"
	Terraform           = "deckhand/terraform"
	UploadArtifact      = "deckhand/upload-artifact"
	DownloadArtifact    = "deckhand/download-artifact"
	GrantAcrPull        = "deckhand/grant-acr-pull"
	RegistryLogin       = "deckhand/registry-login"
	ImageBuildPush      = "deckhand/image-build-push"
	WebAppSetContainer  = "deckhand/webapp-set-container"
)

// Dependencies are the services built-in actions call. Actions whose
// dependency is nil fail with a validation error when run.
type Dependencies struct {
	Runner shell.Runner

	// ResourceGroups answers the live existence check.
	ResourceGroups provision.ResourceGroupChecker

	// Publisher receives gate decisions. May be nil.
	Publisher engine.EventPublisher

	// Artifacts stores uploads. An *artifact.Indexed store is tagged with
	// the uploading workflow.
	Artifacts artifact.Store

	Deployer *deploy.Deployer

	// TerraformBinary and TerraformDir are defaults for deckhand/terraform.
	TerraformBinary string
	TerraformDir    string

	// MainBranch is the branch whose pushes apply. Defaults to main.
	MainBranch string
}

// NewBuiltins returns a registry holding the run action and every
// deckhand/* action.
func NewBuiltins(deps Dependencies) *Registry {
	reg := NewRegistry()
	RegisterBuiltins(reg, deps)
	return reg
}

// RegisterBuiltins adds the built-in actions to reg.
func RegisterBuiltins(reg *Registry, deps Dependencies) {
	reg.Register(engine.ActionShell, NewShell(deps.Runner))

	reg.Register(ResourceGroupExists, ActionFunc(deps.resourceGroupExists))
	reg.Register(ProvisionGate, ActionFunc(deps.provisionGate))
	reg.Register(Terraform, ActionFunc(deps.terraform))

	reg.Register(UploadArtifact, ActionFunc(deps.uploadArtifact))
	reg.Register(DownloadArtifact, ActionFunc(deps.downloadArtifact))

	reg.Register(GrantAcrPull, ActionFunc(deps.grantAcrPull))
	reg.Register(RegistryLogin, ActionFunc(deps.registryLogin))
	reg.Register(ImageBuildPush, ActionFunc(deps.imageBuildPush))
	reg.Register(WebAppSetContainer, ActionFunc(deps.webAppSetContainer))
}

func notConfigured(sc *StepContext, what string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s is not configured", what), nil).
		WithCode(engine.ErrCodeValidation).
		WithResource(sc.Step)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
