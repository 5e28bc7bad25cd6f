package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalProject = `
name: "shop"
azure: resourceGroup: "rg-shop"
registry: name: "shopacr"
webapp: name: "shop-app"
`

func newTestLoader(environ ...string) *Loader {
	return NewLoader().WithEnviron(func() []string { return environ })
}

func TestLoader_Defaults(t *testing.T) {
	project, err := newTestLoader().LoadBytes("deckhand.cue", []byte(minimalProject))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}

	checks := map[string][2]string{
		"environment":   {project.Environment, "dev"},
		"branch":        {project.Branch, "main"},
		"location":      {project.Azure.Location, "eastus"},
		"image name":    {project.Image.Name, "shop"},
		"image tag":     {project.Image.Tag, "latest"},
		"artifact name": {project.Artifact.Name, "infra-outputs"},
		"artifact":      {project.Artifact.Store, "fs"},
		"terraform dir": {project.Terraform.Dir, "infra"},
		"compose file":  {project.Compose.File, "docker-compose.yml"},
		"state path":    {project.State.Path, ".deckhand/deckhand.db"},
		"lock ttl":      {project.Lock.TTL, "30m"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s: got %q, want %q", name, c[0], c[1])
		}
	}
}

func TestLoader_SchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "name: \"shop\"\nazure: {"},
		{"missing resource group", `
name: "shop"
registry: name: "shopacr"
webapp: name: "shop-app"
`},
		{"unknown field", minimalProject + "\nextra: true\n"},
		{"bad environment", minimalProject + "\nenvironment: \"qa\"\n"},
		{"short registry", `
name: "shop"
azure: resourceGroup: "rg-shop"
registry: name: "acr"
webapp: name: "shop-app"
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader().LoadBytes("deckhand.cue", []byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) || len(verrs) == 0 {
				t.Errorf("expected ValidationErrors, got %T: %v", err, err)
			}
		})
	}
}

func TestLoader_StructValidation(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		environ  []string
		wantPath string
	}{
		{
			name:     "subscription must be uuid",
			content:  minimalProject,
			environ:  []string{"ARM_SUBSCRIPTION_ID=not-a-uuid"},
			wantPath: "azure.subscription",
		},
		{
			name:     "blob store needs account",
			content:  minimalProject + "\nartifact: store: \"blob\"\n",
			wantPath: "artifact.account",
		},
		{
			name:     "ttl must parse",
			content:  minimalProject + "\nlock: ttl: \"soon\"\n",
			wantPath: "lock.ttl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader(tt.environ...).LoadBytes("deckhand.cue", []byte(tt.content))
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			found := false
			for _, e := range verrs {
				if e.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error at %s, got %v", tt.wantPath, verrs)
			}
		})
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	project, err := newTestLoader(
		"ARM_SUBSCRIPTION_ID=00000000-0000-0000-0000-000000000001",
		"ARM_TENANT_ID=00000000-0000-0000-0000-000000000002",
		"ARM_CLIENT_ID=00000000-0000-0000-0000-000000000003",
		"ARM_CLIENT_SECRET=client-secret",
		"DECKHAND_SECRET_DB_PASSWORD=pg-secret",
		"DECKHAND_SECRET_=ignored",
		"UNRELATED=1",
	).LoadBytes("deckhand.cue", []byte(minimalProject))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}

	if project.Azure.Subscription != "00000000-0000-0000-0000-000000000001" {
		t.Errorf("subscription not overridden: %s", project.Azure.Subscription)
	}
	if project.Azure.ClientSecret != "client-secret" {
		t.Errorf("client secret not read")
	}
	if project.Secrets["DB_PASSWORD"] != "pg-secret" {
		t.Errorf("secret not read: %v", project.Secrets)
	}
	if _, ok := project.Secrets[""]; ok {
		t.Error("empty secret name accepted")
	}
	if got := strings.Join(project.SecretValues(), ","); got != "client-secret,pg-secret" {
		t.Errorf("unexpected secret values: %s", got)
	}
}

func TestLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultFile), []byte(minimalProject), 0o644); err != nil {
		t.Fatal(err)
	}

	project, err := newTestLoader().Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if project.Name != "shop" {
		t.Errorf("unexpected name %s", project.Name)
	}

	if _, err := newTestLoader().Load(filepath.Join(dir, "missing.cue")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRender_RoundTrip(t *testing.T) {
	original := Default("My Shop")
	if original.Name != "my-shop" || original.Registry.Name != "myshopacr" {
		t.Fatalf("unexpected defaults: %+v", original)
	}
	original.Secrets = map[string]string{"DB_PASSWORD": "never-written"}

	out, err := Render(original)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.Contains(string(out), "never-written") {
		t.Error("secret written to config file")
	}

	loaded, err := newTestLoader().LoadBytes("deckhand.cue", out)
	if err != nil {
		t.Fatalf("rendered config does not load: %v\n%s", err, out)
	}
	if loaded.Azure.ResourceGroup != "rg-my-shop" || loaded.WebApp.Name != "my-shop-app" {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestDefault_ShortName(t *testing.T) {
	p := Default("a")
	if len(p.Registry.Name) < 5 {
		t.Errorf("registry name too short: %s", p.Registry.Name)
	}
	if err := newTestLoader().Validate(p); err != nil {
		t.Errorf("default project invalid: %v", err)
	}
}
