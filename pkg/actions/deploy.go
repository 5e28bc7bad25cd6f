package actions

import (
	"context"

	"github.com/deckhand/deckhand/pkg/artifact"
	"github.com/deckhand/deckhand/pkg/deploy"
	"github.com/deckhand/deckhand/pkg/image"
)

// deployOutputs reads the infrastructure record fields a deploy step was
// given. Input names match the record keys.
func deployOutputs(sc *StepContext) artifact.InfraOutputs {
	return artifact.InfraOutputs{
		ResourceGroup:       sc.Input(artifact.KeyResourceGroup),
		RegistryName:        sc.Input(artifact.KeyRegistryName),
		RegistryLoginServer: sc.Input(artifact.KeyRegistryLoginServer),
		RegistryID:          sc.Input(artifact.KeyRegistryID),
		WebAppName:          sc.Input(artifact.KeyWebAppName),
	}
}

func (d Dependencies) deployer(sc *StepContext) (*deploy.Deployer, error) {
	if d.Deployer == nil {
		return nil, notConfigured(sc, "deployment")
	}
	return d.Deployer, nil
}

// grantAcrPull lets the web app's managed identity pull from the registry.
// Inputs: resource_group_name, webapp_name, acr_name, optional acr_id.
// Outputs: principal-id, created.
func (d Dependencies) grantAcrPull(ctx context.Context, sc *StepContext) (Outputs, error) {
	dep, err := d.deployer(sc)
	if err != nil {
		return nil, err
	}
	if err := sc.Require(artifact.KeyResourceGroup, artifact.KeyWebAppName, artifact.KeyRegistryName); err != nil {
		return nil, err
	}

	principal, created, err := dep.GrantPull(ctx, deployOutputs(sc))
	if err != nil {
		return nil, err
	}
	if created {
		sc.Printf("assigned AcrPull to %s", principal)
	} else {
		sc.Printf("AcrPull already assigned to %s", principal)
	}
	return Outputs{"principal-id": principal, "created": boolString(created)}, nil
}

// registryLogin logs the image builder in with the registry's admin
// credentials. Inputs: resource_group_name, acr_name, acr_login_server.
// Outputs: login-server.
func (d Dependencies) registryLogin(ctx context.Context, sc *StepContext) (Outputs, error) {
	dep, err := d.deployer(sc)
	if err != nil {
		return nil, err
	}
	if err := sc.Require(artifact.KeyResourceGroup, artifact.KeyRegistryName, artifact.KeyRegistryLoginServer); err != nil {
		return nil, err
	}

	server, err := dep.Login(ctx, deployOutputs(sc))
	if err != nil {
		return nil, err
	}
	sc.Printf("logged in to %s", server)
	return Outputs{"login-server": server}, nil
}

// imageBuildPush builds and pushes <login-server>/<image>:<tag>. It must
// follow registry-login in the same run.
//
//	with:
//	  acr_login_server: ${{ steps.outputs.outputs.acr_login_server }}
//	  image: shop
//	  tag: ${{ github.sha }}
//	  context: .
//
// Outputs: image, the reference later steps must deploy.
func (d Dependencies) imageBuildPush(ctx context.Context, sc *StepContext) (Outputs, error) {
	dep, err := d.deployer(sc)
	if err != nil {
		return nil, err
	}
	if err := sc.Require(artifact.KeyRegistryLoginServer, "image"); err != nil {
		return nil, err
	}

	ref, err := image.Reference(sc.Input(artifact.KeyRegistryLoginServer), sc.Input("image"), sc.Input("tag"))
	if err != nil {
		return nil, err
	}

	opts := deploy.Options{
		ContextDir: sc.Path(sc.InputOr("context", ".")),
		Dockerfile: sc.Input("dockerfile"),
	}
	if err := dep.Build(ctx, ref, opts); err != nil {
		return nil, err
	}
	if err := dep.Push(ctx, ref); err != nil {
		return nil, err
	}
	sc.Printf("pushed %s", ref)
	return Outputs{"image": ref}, nil
}

// webAppSetContainer points the web app at an image. Inputs:
// resource_group_name, webapp_name, image.
func (d Dependencies) webAppSetContainer(ctx context.Context, sc *StepContext) (Outputs, error) {
	dep, err := d.deployer(sc)
	if err != nil {
		return nil, err
	}
	if err := sc.Require(artifact.KeyResourceGroup, artifact.KeyWebAppName, "image"); err != nil {
		return nil, err
	}

	ref := sc.Input("image")
	if _, _, _, err := image.Split(ref); err != nil {
		return nil, err
	}
	if err := dep.SetContainer(ctx, deployOutputs(sc), ref); err != nil {
		return nil, err
	}
	sc.Printf("web app %s now runs %s", sc.Input(artifact.KeyWebAppName), ref)
	return Outputs{"image": ref}, nil
}
