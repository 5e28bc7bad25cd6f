package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/compose"
	"github.com/deckhand/deckhand/pkg/config"
	"github.com/deckhand/deckhand/pkg/workflow"
)

const infraWorkflow = `
name: infrastructure
on:
  push:
    branches: [main]
  workflow_dispatch:
    inputs:
      approve:
        type: boolean
        default: "false"
jobs:
  provision:
    steps:
      - id: gate
        uses: deckhand/provision-gate@v1
        with:
          resource-group: rg-shop
          approve: ${{ inputs.approve }}
      - uses: deckhand/terraform@v1
        with:
          command: init
      - uses: deckhand/terraform@v1
        if: steps.gate.outputs.plan == 'true'
        with:
          command: plan
      - uses: deckhand/terraform@v1
        if: steps.gate.outputs.apply == 'true'
        with:
          command: apply
      - id: output
        uses: deckhand/terraform@v1
        with:
          command: output
      - uses: deckhand/upload-artifact@v1
        with:
          name: infra-outputs
          from-outputs: ${{ steps.output.outputs.json }}
`

const deployWorkflow = `
name: deploy
on:
  workflow_run:
    workflows: [infrastructure]
    types: [completed]
jobs:
  deploy:
    steps:
      - id: infra
        uses: deckhand/download-artifact@v1
        with:
          name: infra-outputs
      - id: build
        uses: deckhand/image-build-push@v1
        with:
          acr_login_server: ${{ steps.infra.outputs.acr_login_server }}
          image: shop
          tag: ${{ github.sha }}
      - uses: deckhand/webapp-set-container@v1
        with:
          resource_group_name: ${{ steps.infra.outputs.resource_group_name }}
          webapp_name: ${{ steps.infra.outputs.webapp_name }}
          image: ${{ steps.build.outputs.image }}
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func parseWorkflow(t *testing.T, data string) *workflow.Definition {
	t.Helper()
	def, err := workflow.Parse([]byte(data))
	if err != nil {
		t.Fatalf("Failed to parse workflow: %v", err)
	}
	return def
}

func cleanBundle(t *testing.T) *Bundle {
	t.Helper()
	return &Bundle{
		Compose:   compose.Default("shop"),
		Expect:    compose.Expectations{Services: 2, Volumes: 1, AppService: "app"},
		Workflows: []*workflow.Definition{parseWorkflow(t, infraWorkflow), parseWorkflow(t, deployWorkflow)},
		Project:   config.Default("shop"),
	}
}

func violationsOf(result *Result, policy string) []Violation {
	var out []Violation
	for _, v := range result.Violations {
		if v.Policy == policy {
			out = append(out, v)
		}
	}
	return out
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{
		PolicyApplyGated,
		PolicyArtifactHandoff,
		PolicyComposeShape,
		PolicyDispatchApprove,
		PolicyHealthyDependency,
		PolicyImageTag,
	}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("policy %d: expected %s, got %s", i, want[i], p.Name)
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("policy %s should be an enabled built-in", p.Name)
		}
	}
}

func TestEvaluate_CleanProject(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), cleanBundle(t))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed || len(result.Violations) != 0 {
		t.Errorf("Expected a clean result, got %+v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Unexpected warnings: %v", result.Warnings)
	}
	if len(result.EvaluatedPolicies) != 6 {
		t.Errorf("Expected 6 evaluated policies, got %v", result.EvaluatedPolicies)
	}
}

func TestEvaluate_ComposeShape(t *testing.T) {
	eng := newTestEngine(t)

	bundle := cleanBundle(t)
	bundle.Compose.Services["cache"] = compose.Service{Image: "redis:7"}
	bundle.Compose.Volumes["extra"] = compose.Volume{}

	result, err := eng.Evaluate(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	got := violationsOf(result, PolicyComposeShape)
	if len(got) != 2 {
		t.Fatalf("Expected service and volume count violations, got %+v", got)
	}
	if got[0].Resource != "services" || got[1].Resource != "volumes" {
		t.Errorf("Unexpected resources: %+v", got)
	}
	if result.Allowed {
		t.Error("Shape violations should block")
	}
}

func TestEvaluate_ComposeShapeSkipsMissingFile(t *testing.T) {
	eng := newTestEngine(t)

	bundle := cleanBundle(t)
	bundle.Compose = nil

	result, err := eng.Evaluate(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got := violationsOf(result, PolicyComposeShape); len(got) != 0 {
		t.Errorf("Expected no shape violations without a compose file, got %+v", got)
	}
}

func TestEvaluate_HealthyDependency(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(f *compose.File)
		resource string
	}{
		{
			name: "started condition",
			mutate: func(f *compose.File) {
				app := f.Services["app"]
				app.DependsOn = compose.DependsOn{"db": {Condition: "service_started"}}
				f.Services["app"] = app
			},
			resource: "services.app.depends_on.db",
		},
		{
			name: "no healthcheck",
			mutate: func(f *compose.File) {
				db := f.Services["db"]
				db.Healthcheck = nil
				f.Services["db"] = db
			},
			resource: "services.db.healthcheck",
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bundle := cleanBundle(t)
			tt.mutate(bundle.Compose)

			result, err := eng.Evaluate(context.Background(), bundle)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			got := violationsOf(result, PolicyHealthyDependency)
			if len(got) != 1 || got[0].Resource != tt.resource {
				t.Fatalf("Expected one violation on %s, got %+v", tt.resource, got)
			}
			if got[0].Severity != SeverityError {
				t.Errorf("Expected error severity, got %s", got[0].Severity)
			}
		})
	}
}

func TestEvaluate_ArtifactHandoff(t *testing.T) {
	eng := newTestEngine(t)

	bundle := cleanBundle(t)
	bundle.Workflows[1] = parseWorkflow(t, strings.Replace(deployWorkflow, "name: infra-outputs", "name: infra", 1))

	result, err := eng.Evaluate(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	got := violationsOf(result, PolicyArtifactHandoff)
	if len(got) != 1 {
		t.Fatalf("Expected one handoff violation, got %+v", got)
	}
	if got[0].Resource != "deploy/deploy/infra" {
		t.Errorf("Unexpected resource %s", got[0].Resource)
	}
	if !strings.Contains(got[0].Message, `"infra"`) {
		t.Errorf("Message should name the artifact: %s", got[0].Message)
	}
}

func TestEvaluate_ArtifactNameDiffersFromProject(t *testing.T) {
	eng := newTestEngine(t)

	bundle := cleanBundle(t)
	bundle.Project.Artifact.Name = "outputs"

	result, err := eng.Evaluate(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	got := violationsOf(result, PolicyArtifactHandoff)
	if len(got) != 1 || got[0].Severity != SeverityWarning {
		t.Fatalf("Expected one warning, got %+v", got)
	}
	if !result.Allowed {
		t.Error("Warnings must not block")
	}
}

func TestEvaluate_ImageTag(t *testing.T) {
	eng := newTestEngine(t)

	t.Run("literal image", func(t *testing.T) {
		bundle := cleanBundle(t)
		bundle.Workflows[1] = parseWorkflow(t, strings.Replace(deployWorkflow,
			"image: ${{ steps.build.outputs.image }}", "image: shopacr.azurecr.io/shop:latest", 1))

		result, err := eng.Evaluate(context.Background(), bundle)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if got := violationsOf(result, PolicyImageTag); len(got) != 1 {
			t.Fatalf("Expected one image violation, got %+v", got)
		}
	})

	t.Run("job output", func(t *testing.T) {
		def := parseWorkflow(t, `
name: deploy
on: workflow_dispatch
jobs:
  build:
    outputs:
      image: ${{ steps.push.outputs.image }}
    steps:
      - id: push
        uses: deckhand/image-build-push@v1
        with:
          acr_login_server: shopacr.azurecr.io
          image: shop
  release:
    needs: build
    steps:
      - uses: deckhand/webapp-set-container@v1
        with:
          image: ${{ needs.build.outputs.image }}
`)
		bundle := cleanBundle(t)
		bundle.Workflows = []*workflow.Definition{def}

		result, err := eng.Evaluate(context.Background(), bundle)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if got := violationsOf(result, PolicyImageTag); len(got) != 0 {
			t.Fatalf("Expected the job output to be accepted, got %+v", got)
		}
	})

	t.Run("scripted mismatch", func(t *testing.T) {
		def := parseWorkflow(t, `
name: scripted
on: push
jobs:
  ship:
    steps:
      - run: docker build -t shopacr.azurecr.io/shop:v2 .
      - run: az webapp config container set -g rg -n app --container-image-name shopacr.azurecr.io/shop:latest
`)
		bundle := cleanBundle(t)
		bundle.Workflows = []*workflow.Definition{def}

		result, err := eng.Evaluate(context.Background(), bundle)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		got := violationsOf(result, PolicyImageTag)
		if len(got) != 1 || got[0].Resource != "scripted/ship/step-2" {
			t.Fatalf("Expected one mismatch on step-2, got %+v", got)
		}
	})
}

func TestEvaluate_ApplyGated(t *testing.T) {
	eng := newTestEngine(t)

	bundle := cleanBundle(t)
	bundle.Workflows = append(bundle.Workflows, parseWorkflow(t, `
name: hotfix
on: push
jobs:
  infra:
    steps:
      - run: terraform apply -auto-approve
      - uses: deckhand/terraform@v1
        with:
          command: apply
`))

	result, err := eng.Evaluate(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	got := violationsOf(result, PolicyApplyGated)
	if len(got) != 2 {
		t.Fatalf("Expected two ungated applies, got %+v", got)
	}
	if got[0].Resource != "hotfix/infra/step-1" || got[1].Resource != "hotfix/infra/step-2" {
		t.Errorf("Unexpected resources: %+v", got)
	}
}

func TestEvaluate_DispatchApprove(t *testing.T) {
	eng := newTestEngine(t)

	bundle := cleanBundle(t)
	bundle.Workflows[0] = parseWorkflow(t, strings.Replace(infraWorkflow, "type: boolean", "type: string", 1))

	result, err := eng.Evaluate(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	got := violationsOf(result, PolicyDispatchApprove)
	if len(got) != 1 || got[0].Resource != "infrastructure/on.workflow_dispatch.inputs.approve" {
		t.Fatalf("Expected one approve violation, got %+v", got)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	bundle := cleanBundle(t)
	bundle.Compose.Services["cache"] = compose.Service{Image: "redis:7"}

	if err := eng.DisablePolicy(PolicyComposeShape); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(violationsOf(result, PolicyComposeShape)) != 0 {
		t.Error("Disabled policy should not be evaluated")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == PolicyComposeShape {
			t.Error("Disabled policy listed as evaluated")
		}
	}

	if err := eng.EnablePolicy(PolicyComposeShape); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.Evaluate(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(violationsOf(result, PolicyComposeShape)) != 1 {
		t.Error("Enabled policy should report the extra service")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

const userPolicy = `package deckhand.user.region

import rego.v1

deny contains msg if {
	input.project.azure.location != "westeurope"
	msg := sprintf("resources must live in westeurope, not %s", [input.project.azure.location])
}
`

func TestReplaceUserPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.ReplaceUserPolicies(ctx, []Policy{{Name: "region", Rego: userPolicy, Severity: SeverityWarning, Enabled: true}})
	if err != nil {
		t.Fatalf("Failed to add user policy: %v", err)
	}

	result, err := eng.Evaluate(ctx, cleanBundle(t))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	got := violationsOf(result, "region")
	if len(got) != 1 || got[0].Severity != SeverityWarning {
		t.Fatalf("Expected one warning from the user policy, got %+v", got)
	}
	if !strings.Contains(got[0].Message, "eastus") {
		t.Errorf("Unexpected message: %s", got[0].Message)
	}

	if err := eng.ReplaceUserPolicies(ctx, []Policy{{Name: "broken", Rego: "package x\ndeny contains", Enabled: true}}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("region"); err != nil {
		t.Error("A failed reload must keep the current user policies")
	}

	if err := eng.ReplaceUserPolicies(ctx, nil); err != nil {
		t.Fatalf("Failed to clear user policies: %v", err)
	}
	if _, err := eng.GetPolicy("region"); err == nil {
		t.Error("User policy should be gone")
	}
	if len(eng.ListPolicies()) != 6 {
		t.Error("Built-in policies must survive a reload")
	}

	err = eng.ReplaceUserPolicies(ctx, []Policy{{Name: PolicyImageTag, Rego: userPolicy, Enabled: true}})
	if err == nil {
		t.Error("A user policy must not shadow a built-in")
	}
}
