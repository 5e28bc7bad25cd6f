package actions

import (
	"context"

	"github.com/deckhand/deckhand/pkg/provision"
)

// resourceGroupExists checks live cloud state.
//
//	with:
//	  name: rg-shop
//
// Outputs: exists ("true" or "false").
func (d Dependencies) resourceGroupExists(ctx context.Context, sc *StepContext) (Outputs, error) {
	if d.ResourceGroups == nil {
		return nil, notConfigured(sc, "cloud access")
	}
	name := sc.InputOr("name", sc.Input("resource-group"))
	if name == "" {
		return nil, sc.Require("name")
	}

	exists, err := d.ResourceGroups.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	sc.Printf("resource group %s exists: %t", name, exists)
	return Outputs{"exists": boolString(exists)}, nil
}

// provisionGate decides whether to plan and apply.
//
//	with:
//	  resource-group: rg-shop
//	  approve: ${{ inputs.approve }}
//
// event and ref default to the run's trigger. Outputs: exists, plan,
// apply, decision.
func (d Dependencies) provisionGate(ctx context.Context, sc *StepContext) (Outputs, error) {
	if d.ResourceGroups == nil {
		return nil, notConfigured(sc, "cloud access")
	}
	if err := sc.Require("resource-group"); err != nil {
		return nil, err
	}
	approve, err := sc.Bool("approve", false)
	if err != nil {
		return nil, err
	}

	trig := provision.Trigger{
		Event:      sc.InputOr("event", sc.Env[EnvEventName]),
		Ref:        sc.InputOr("ref", sc.Env[EnvRef]),
		Approve:    approve,
		MainBranch: sc.InputOr("main-branch", d.MainBranch),
		RunID:      sc.RunID,
	}

	gate := provision.NewGate(d.ResourceGroups, d.Publisher, sc.Logger)
	decision, err := gate.Evaluate(ctx, sc.Input("resource-group"), trig)
	if err != nil {
		return nil, err
	}
	sc.Printf("gate: %s (%s)", decision.Name(), decision.Reason)
	return decision.Outputs(), nil
}
