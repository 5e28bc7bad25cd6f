package workflow

import (
	"context"
	"testing"
)

func testScope(status Status) Scope {
	return Scope{
		Contexts: map[string]interface{}{
			"github": map[string]interface{}{
				"event_name": "push",
				"ref":        "refs/heads/main",
			},
			"inputs": map[string]interface{}{
				"approve":     true,
				"environment": "prod",
			},
			"steps": map[string]interface{}{
				"gate": map[string]interface{}{
					"outputs": map[string]string{"exists": "false", "apply": "true"},
				},
				"tf-plan": map[string]interface{}{
					"outputs": map[string]string{"changes": "true"},
				},
			},
			"env": map[string]string{"IMAGE": "shop"},
		},
		Status: status,
	}
}

func TestEvaluator_Condition(t *testing.T) {
	eval := NewEvaluator()
	ctx := context.Background()

	tests := []struct {
		name   string
		cond   string
		status Status
		want   bool
	}{
		{"empty is success", "", Status{}, true},
		{"empty after failure", "", Status{Failed: true}, false},
		{"output comparison", "steps.gate.outputs.exists == 'false'", Status{}, true},
		{"wrapped expression", "${{ steps.gate.outputs.apply == 'true' }}", Status{}, true},
		{"implicit success guard", "steps.gate.outputs.apply == 'true'", Status{Failed: true}, false},
		{"and operator", "github.event_name == 'push' && github.ref == 'refs/heads/main'", Status{}, true},
		{"or operator", "github.event_name == 'workflow_dispatch' || inputs.approve", Status{}, true},
		{"not operator", "!(inputs.environment == 'dev')", Status{}, true},
		{"not equal", "inputs.environment != 'prod'", Status{}, false},
		{"always after failure", "always()", Status{Failed: true}, true},
		{"failure after failure", "failure()", Status{Failed: true}, true},
		{"failure when fine", "failure()", Status{}, false},
		{"not cancelled", "!cancelled()", Status{Failed: true}, true},
		{"skipped need", "success()", Status{Skipped: true}, false},
		{"missing output is null", "steps.gate.outputs.missing == null", Status{}, true},
		{"index access", "steps['tf-plan'].outputs.changes == 'true'", Status{}, true},
		{"contains list", "contains(fromJSON('[\"dev\", \"prod\"]'), inputs.environment)", Status{}, true},
		{"startsWith", "startsWith(github.ref, 'refs/heads/')", Status{}, true},
		{"escaped quote", "format('{0}', 'it''s') == \"it's\"", Status{}, true},
		{"operators inside strings", "'a && b' == 'a && b'", Status{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Condition(ctx, tt.cond, testScope(tt.status))
			if err != nil {
				t.Fatalf("Condition(%q) failed: %v", tt.cond, err)
			}
			if got != tt.want {
				t.Errorf("Condition(%q) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvaluator_ConditionErrors(t *testing.T) {
	eval := NewEvaluator()
	for _, cond := range []string{"steps.gate.outputs.exists ==", "undefined_name == 1", "success(1)"} {
		if _, err := eval.Condition(context.Background(), cond, testScope(Status{})); err == nil {
			t.Errorf("Condition(%q) should fail", cond)
		}
	}
}

func TestEvaluator_Interpolate(t *testing.T) {
	eval := NewEvaluator()
	ctx := context.Background()

	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"${{ env.IMAGE }}:latest", "shop:latest"},
		{"${{ inputs.approve }}", "true"},
		{"${{ steps.gate.outputs.missing }}", ""},
		{"rg-${{ inputs.environment }}-${{ github.event_name }}", "rg-prod-push"},
		{"${{ format('{0}/{1}', env.IMAGE, 'v1') }}", "shop/v1"},
		{"${{ toJSON(inputs) }}", `{"approve":true,"environment":"prod"}`},
		{"${{ 1 + 2 }}", "3"},
	}

	for _, tt := range tests {
		got, err := eval.Interpolate(ctx, tt.in, testScope(Status{}))
		if err != nil {
			t.Errorf("Interpolate(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Interpolate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := eval.Interpolate(ctx, "${{ env.IMAGE", testScope(Status{})); err == nil {
		t.Error("expected error for unterminated expression")
	}
}

func TestEvaluator_Eval(t *testing.T) {
	v, err := NewEvaluator().Eval(context.Background(), "${{ fromJSON('{\"a\": [1, 2]}').a }}", testScope(Status{}))
	if err != nil {
		t.Fatal(err)
	}
	list, ok := v.([]interface{})
	if !ok || len(list) != 2 || list[0] != int64(1) {
		t.Errorf("unexpected value %#v", v)
	}
}

func TestEvaluator_Check(t *testing.T) {
	eval := NewEvaluator()
	if err := eval.Check("echo ${{ steps.a.outputs.b }} and ${{ env.X }}", false); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := eval.Check("echo ${{ steps.a. }}", false); err == nil {
		t.Error("expected parse error")
	}
	if err := eval.Check("steps.a.outputs.b == 'x' &&", true); err == nil {
		t.Error("expected parse error for condition")
	}
}

func TestTranslate(t *testing.T) {
	tests := map[string]string{
		"a && b":         "a  and  b",
		"!a":             "not a",
		"a != b":         "a != b",
		"'x && y' || z":  "'x && y'  or  z",
		"'it''s'":        `'it\'s'`,
		`"a || b" && !c`: `"a || b"  and   not c`,
	}
	for in, want := range tests {
		if got := translate(in); got != want {
			t.Errorf("translate(%q) = %q, want %q", in, got, want)
		}
	}
}
