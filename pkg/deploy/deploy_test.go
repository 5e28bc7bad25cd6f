package deploy

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/artifact"
	"github.com/deckhand/deckhand/pkg/cloud/azure"
	"github.com/deckhand/deckhand/pkg/image"
	"github.com/deckhand/deckhand/pkg/telemetry"
)

// fakeCloud records every call in order.
type fakeCloud struct {
	calls        []string
	failOn       string
	existingRole bool

	container string
	scope     string
	built     image.BuildOptions
	pushed    string
	auth      image.Auth
}

func (f *fakeCloud) record(name string) error {
	f.calls = append(f.calls, name)
	if name == f.failOn {
		return errors.New(name + " failed")
	}
	return nil
}

func (f *fakeCloud) PrincipalID(context.Context, string, string) (string, error) {
	return "principal-1", f.record("principal")
}

func (f *fakeCloud) SetContainer(_ context.Context, _, _, ref string) error {
	f.container = ref
	return f.record("set-container")
}

func (f *fakeCloud) Get(_ context.Context, _, name string) (*azure.Registry, error) {
	return &azure.Registry{ID: "/subscriptions/s/resourceGroups/rg/providers/Microsoft.ContainerRegistry/registries/" + name, Name: name}, f.record("registry-get")
}

func (f *fakeCloud) Credentials(context.Context, string, string) (*azure.RegistryCredentials, error) {
	return &azure.RegistryCredentials{Username: "shopacr", Password: "hunter2"}, f.record("credentials")
}

func (f *fakeCloud) AssignAcrPull(_ context.Context, scope, _ string) (bool, error) {
	f.scope = scope
	return !f.existingRole, f.record("assign")
}

func (f *fakeCloud) Login(_ context.Context, _ string, auth image.Auth) error {
	f.auth = auth
	return f.record("login")
}

func (f *fakeCloud) Build(_ context.Context, opts image.BuildOptions) error {
	f.built = opts
	return f.record("build")
}

func (f *fakeCloud) Push(_ context.Context, ref string) error {
	f.pushed = ref
	return f.record("push")
}

// docker accepts every request so the real image.Builder can run.
type docker struct {
	logins []string
	pushed []string
}

func (d *docker) RegistryLogin(_ context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error) {
	d.logins = append(d.logins, auth.ServerAddress)
	return registry.AuthenticateOKBody{Status: "Login Succeeded"}, nil
}

func (d *docker) ImageBuild(_ context.Context, buildContext io.Reader, _ types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	if _, err := io.Copy(io.Discard, buildContext); err != nil {
		return types.ImageBuildResponse{}, err
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(`{"stream":"done"}` + "\n"))}, nil
}

func (d *docker) ImagePush(_ context.Context, ref string, _ dockerimage.PushOptions) (io.ReadCloser, error) {
	d.pushed = append(d.pushed, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Pushed"}` + "\n")), nil
}

func (d *docker) Close() error { return nil }

func testOutputs() artifact.InfraOutputs {
	return artifact.InfraOutputs{
		ResourceGroup:       "rg-shop",
		RegistryName:        "shopacr",
		RegistryLoginServer: "shopacr.azurecr.io",
		WebAppName:          "shop-web",
	}
}

func newDeployer(f *fakeCloud, masker *telemetry.Masker) *Deployer {
	return New(f, f, f, f, masker, zerolog.Nop())
}

func TestDeployer_Run(t *testing.T) {
	f := &fakeCloud{}
	masker := telemetry.NewMasker()

	report, err := newDeployer(f, masker).Run(context.Background(), testOutputs(), Options{ImageName: "shop", Tag: "v1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := "principal,registry-get,assign,credentials,login,build,push,set-container"
	if got := strings.Join(f.calls, ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
	if report.Image != "shopacr.azurecr.io/shop:v1" {
		t.Errorf("image = %s", report.Image)
	}
	if f.built.Ref != report.Image || f.pushed != report.Image || f.container != report.Image {
		t.Errorf("image reference drifted: built %s pushed %s set %s", f.built.Ref, f.pushed, f.container)
	}
	if f.built.ContextDir != "." {
		t.Errorf("context dir = %q", f.built.ContextDir)
	}
	if !strings.HasSuffix(f.scope, "/registries/shopacr") {
		t.Errorf("role scope = %s", f.scope)
	}
	if !report.RoleCreated || report.PrincipalID != "principal-1" || len(report.Steps) != 5 {
		t.Errorf("report = %+v", report)
	}
	if masker.Mask("password hunter2") != "password ***" {
		t.Error("registry password not registered for masking")
	}
}

func TestDeployer_ExistingRoleAndKnownScope(t *testing.T) {
	f := &fakeCloud{existingRole: true}
	out := testOutputs()
	out.RegistryID = "/acr/id"

	report, err := newDeployer(f, nil).Run(context.Background(), out, Options{ImageName: "shop", Tag: "v2"})
	if err != nil {
		t.Fatal(err)
	}
	if report.RoleCreated {
		t.Error("existing assignment reported as created")
	}
	if f.scope != "/acr/id" {
		t.Errorf("scope = %s", f.scope)
	}
	for _, c := range f.calls {
		if c == "registry-get" {
			t.Error("registry looked up although the ID was known")
		}
	}
}

func TestDeployer_FailureReportsProgress(t *testing.T) {
	f := &fakeCloud{failOn: "push"}

	report, err := newDeployer(f, nil).Run(context.Background(), testOutputs(), Options{ImageName: "shop", Tag: "v1"})

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected StepError, got %v", err)
	}
	if stepErr.Step != StepPush {
		t.Errorf("failed step = %s", stepErr.Step)
	}
	if got := strings.Join(stepErr.Completed, ","); got != "grant-acr-pull,registry-login,image-build" {
		t.Errorf("completed = %s", got)
	}
	if !strings.Contains(err.Error(), "image-push failed") {
		t.Errorf("error = %v", err)
	}
	if f.container != "" {
		t.Error("web app updated after a failed push")
	}
	if report.Image == "" {
		t.Error("report lost the image reference")
	}
}

func TestDeployer_InvalidInputs(t *testing.T) {
	f := &fakeCloud{}
	d := newDeployer(f, nil)

	if _, err := d.Run(context.Background(), artifact.InfraOutputs{ResourceGroup: "rg"}, Options{ImageName: "shop"}); err == nil {
		t.Error("expected error for incomplete outputs")
	}
	if len(f.calls) != 0 {
		t.Errorf("cloud called with incomplete outputs: %v", f.calls)
	}

	_, err := d.Run(context.Background(), testOutputs(), Options{ImageName: "Bad Name"})
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepBuild {
		t.Errorf("expected build step error, got %v", err)
	}
}

func TestDeployer_LoginServerIsNormalized(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &fakeCloud{}
	d := &docker{}
	builder := image.NewBuilderWithClient(d, zerolog.Nop(), nil)
	out := testOutputs()
	out.RegistryLoginServer = " https://ShopACR.azurecr.io/ "

	report, err := New(f, f, f, builder, nil, zerolog.Nop()).Run(context.Background(), out, Options{ImageName: "shop", Tag: "v1", ContextDir: dir})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Image != "shopacr.azurecr.io/shop:v1" {
		t.Errorf("image = %s", report.Image)
	}
	if len(d.logins) != 1 || d.logins[0] != "shopacr.azurecr.io" {
		t.Errorf("logins = %v", d.logins)
	}
	if len(d.pushed) != 1 || d.pushed[0] != report.Image {
		t.Errorf("pushed = %v", d.pushed)
	}
	if f.container != report.Image {
		t.Errorf("container = %s", f.container)
	}
}
