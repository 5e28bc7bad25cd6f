package provision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/artifact"
	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/iac"
	"github.com/deckhand/deckhand/pkg/shell"
	"github.com/deckhand/deckhand/pkg/stores"
)

const outputsJSON = `{
  "resource_group_name": {"value": "rg-shop", "type": "string", "sensitive": false},
  "acr_name": {"value": "shopacr", "type": "string", "sensitive": false},
  "acr_login_server": {"value": "shopacr.azurecr.io", "type": "string", "sensitive": false},
  "webapp_name": {"value": "shop-web", "type": "string", "sensitive": false}
}`

type fakeChecker struct {
	exists bool
	err    error
	calls  int
}

func (f *fakeChecker) Exists(context.Context, string) (bool, error) {
	f.calls++
	return f.exists, f.err
}

type fakeTerraform struct {
	calls   []string
	failOn  string
	changes bool
}

func (f *fakeTerraform) step(name string) error {
	f.calls = append(f.calls, name)
	if name == f.failOn {
		return errors.New(name + " exploded")
	}
	return nil
}

func (f *fakeTerraform) Init(context.Context) (*shell.Result, error) {
	return &shell.Result{}, f.step("init")
}

func (f *fakeTerraform) FmtCheck(context.Context) (*shell.Result, error) {
	return &shell.Result{}, f.step("fmt-check")
}

func (f *fakeTerraform) Plan(context.Context, string) (*shell.Result, bool, error) {
	return &shell.Result{}, f.changes, f.step("plan")
}

func (f *fakeTerraform) Apply(context.Context, string) (*shell.Result, error) {
	return &shell.Result{}, f.step("apply")
}

func (f *fakeTerraform) Output(context.Context) (iac.Outputs, error) {
	if err := f.step("output"); err != nil {
		return nil, err
	}
	return iac.ParseOutputs([]byte(outputsJSON))
}

type capturePublisher struct {
	events []*engine.Event
}

func (c *capturePublisher) Publish(_ context.Context, e *engine.Event) error {
	c.events = append(c.events, e)
	return nil
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		exists   bool
		trig     Trigger
		decision string
	}{
		{"exists on push to main", true, Trigger{Event: EventPush, Ref: "refs/heads/main"}, DecisionNoop},
		{"exists on approved dispatch", true, Trigger{Event: EventDispatch, Approve: true}, DecisionNoop},
		{"absent on push to main", false, Trigger{Event: EventPush, Ref: "refs/heads/main"}, DecisionApply},
		{"absent on short ref", false, Trigger{Event: EventPush, Ref: "main"}, DecisionApply},
		{"absent on push to feature", false, Trigger{Event: EventPush, Ref: "refs/heads/feature"}, DecisionPlanOnly},
		{"absent on custom main", false, Trigger{Event: EventPush, Ref: "refs/heads/trunk", MainBranch: "trunk"}, DecisionApply},
		{"absent on dispatch", false, Trigger{Event: EventDispatch}, DecisionPlanOnly},
		{"absent on approved dispatch", false, Trigger{Event: EventDispatch, Approve: true}, DecisionApply},
		{"absent on workflow_run", false, Trigger{Event: "workflow_run", Ref: "refs/heads/main"}, DecisionPlanOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.exists, tt.trig)
			if d.Name() != tt.decision {
				t.Errorf("decision = %s (%s), want %s", d.Name(), d.Reason, tt.decision)
			}
			if tt.exists && (d.Plan || d.Apply) {
				t.Error("existing resource group must not plan or apply")
			}
			if !tt.exists && !d.Plan {
				t.Error("absent resource group must plan")
			}
		})
	}
}

func TestDecision_Outputs(t *testing.T) {
	out := Decide(false, Trigger{Event: EventPush, Ref: "refs/heads/main"}).Outputs()
	if out["exists"] != "false" || out["plan"] != "true" || out["apply"] != "true" || out["decision"] != "apply" {
		t.Errorf("outputs = %v", out)
	}
}

func TestGate_Evaluate(t *testing.T) {
	pub := &capturePublisher{}
	gate := NewGate(&fakeChecker{exists: true}, pub, zerolog.Nop())

	d, err := gate.Evaluate(context.Background(), "rg-shop", Trigger{Event: EventPush, Ref: "refs/heads/main", RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Name() != DecisionNoop {
		t.Errorf("decision = %s", d.Name())
	}
	if len(pub.events) != 1 || pub.events[0].Type != engine.EventTypeGateDecision || pub.events[0].RunID != "run-1" {
		t.Fatalf("events = %+v", pub.events)
	}
	if pub.events[0].Details["decision"] != DecisionNoop {
		t.Errorf("event details = %v", pub.events[0].Details)
	}
}

func TestGate_Errors(t *testing.T) {
	checker := &fakeChecker{err: errors.New("forbidden")}
	gate := NewGate(checker, nil, zerolog.Nop())

	if _, err := gate.Evaluate(context.Background(), "", Trigger{}); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("empty name: %v", err)
	}
	if checker.calls != 0 {
		t.Error("checker called for empty name")
	}
	if _, err := gate.Evaluate(context.Background(), "rg", Trigger{}); err == nil || !strings.Contains(err.Error(), "forbidden") {
		t.Errorf("checker error not surfaced: %v", err)
	}
}

func newProvisioner(t *testing.T, exists bool, tf *fakeTerraform) (*Provisioner, artifact.Store, *stores.SQLiteStore) {
	t.Helper()
	store, err := stores.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fs := artifact.NewFSStore(t.TempDir())
	gate := NewGate(&fakeChecker{exists: exists}, nil, zerolog.Nop())
	return New(gate, tf, fs, store, zerolog.Nop()), fs, store
}

func TestProvisioner_ApplyOnPush(t *testing.T) {
	tf := &fakeTerraform{changes: true}
	p, fs, locks := newProvisioner(t, false, tf)
	ctx := context.Background()

	report, err := p.Run(ctx, Options{
		RunID:         "run-1",
		Workflow:      "infrastructure",
		ResourceGroup: "rg-shop",
		Trigger:       Trigger{Event: EventPush, Ref: "refs/heads/main"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := strings.Join(tf.calls, ","); got != "init,fmt-check,plan,apply,output" {
		t.Errorf("terraform calls = %s", got)
	}
	if !report.Applied || !report.PlanChanges || report.Outputs.RegistryLoginServer != "shopacr.azurecr.io" {
		t.Errorf("report = %+v", report)
	}

	env, err := artifact.Fetch(ctx, fs, "run-1", DefaultArtifactName)
	if err != nil {
		t.Fatalf("artifact not uploaded: %v", err)
	}
	if env.Outputs.WebAppName != "shop-web" || env.Workflow != "infrastructure" {
		t.Errorf("envelope = %+v", env)
	}

	if _, err := locks.GetLock(ctx, LockResource("rg-shop")); !stores.IsNotFound(err) {
		t.Errorf("lock not released: %v", err)
	}
}

func TestProvisioner_ExistingGroupSkipsPlanAndApply(t *testing.T) {
	tf := &fakeTerraform{}
	p, fs, _ := newProvisioner(t, true, tf)

	report, err := p.Run(context.Background(), Options{
		RunID:         "run-2",
		ResourceGroup: "rg-shop",
		Trigger:       Trigger{Event: EventPush, Ref: "refs/heads/main"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(tf.calls, ","); got != "init,output" {
		t.Errorf("terraform calls = %s", got)
	}
	if report.Applied || report.Decision.Name() != DecisionNoop {
		t.Errorf("report = %+v", report)
	}
	if _, err := artifact.Fetch(context.Background(), fs, "run-2", DefaultArtifactName); err != nil {
		t.Errorf("outputs still expected for downstream stages: %v", err)
	}
}

func TestProvisioner_PlanOnly(t *testing.T) {
	tf := &fakeTerraform{}
	p, fs, _ := newProvisioner(t, false, tf)

	report, err := p.Run(context.Background(), Options{
		RunID:         "run-3",
		ResourceGroup: "rg-shop",
		Trigger:       Trigger{Event: EventDispatch},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(tf.calls, ","); got != "init,fmt-check,plan" {
		t.Errorf("terraform calls = %s", got)
	}
	if report.Outputs != nil || report.Artifact != nil {
		t.Errorf("plan-only run produced outputs: %+v", report)
	}
	if _, err := fs.Get(context.Background(), "run-3", DefaultArtifactName); !artifact.IsNotFound(err) {
		t.Errorf("expected no artifact, got %v", err)
	}
}

func TestProvisioner_FailureHalts(t *testing.T) {
	tf := &fakeTerraform{failOn: "fmt-check"}
	p, _, _ := newProvisioner(t, false, tf)

	_, err := p.Run(context.Background(), Options{
		RunID:         "run-4",
		ResourceGroup: "rg-shop",
		Trigger:       Trigger{Event: EventPush, Ref: "refs/heads/main"},
	})

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Stage != StageFmtCheck || strings.Join(stageErr.Completed, ",") != "gate,init" {
		t.Errorf("stage error = %v", stageErr)
	}
	if got := strings.Join(tf.calls, ","); got != "init,fmt-check" {
		t.Errorf("terraform kept going: %s", got)
	}
}

func TestProvisioner_Locked(t *testing.T) {
	tf := &fakeTerraform{}
	p, _, locks := newProvisioner(t, false, tf)
	ctx := context.Background()

	if _, err := locks.AcquireLock(ctx, LockResource("rg-shop"), "other-run", DefaultLockTTL); err != nil {
		t.Fatal(err)
	}

	_, err := p.Run(ctx, Options{RunID: "run-5", ResourceGroup: "rg-shop", Trigger: Trigger{Event: EventPush, Ref: "main"}})
	if !engine.HasCode(err, engine.ErrCodeLocked) {
		t.Fatalf("expected LOCKED error, got %v", err)
	}
	if len(tf.calls) != 0 {
		t.Errorf("terraform ran without the lease: %v", tf.calls)
	}
}
