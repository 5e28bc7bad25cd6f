package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/iac"
)

// Terraform commands accepted by deckhand/terraform.
const (
	TerraformInit     = "init"
	TerraformFmtCheck = "fmt-check"
	TerraformPlan     = "plan"
	TerraformApply    = "apply"
	TerraformOutput   = "output"
)

// terraform runs one IaC CLI command.
//
//	with:
//	  command: plan
//	  working-directory: infra
//	  plan-file: tfplan
//
// plan outputs changes; output outputs json (the flattened outputs as a
// JSON object) and one output per key. Sensitive values are masked.
func (d Dependencies) terraform(ctx context.Context, sc *StepContext) (Outputs, error) {
	if d.Runner == nil {
		return nil, notConfigured(sc, "command runner")
	}
	if err := sc.Require("command"); err != nil {
		return nil, err
	}

	tf := iac.New(d.TerraformBinary, sc.Path(sc.InputOr("working-directory", d.TerraformDir)), d.Runner, sc.Logger)
	for k, v := range sc.Env {
		tf.Env[k] = v
	}
	tf.Stdout = sc.Stdout
	tf.Stderr = sc.Stdout
	planFile := sc.Input("plan-file")

	command := sc.Input("command")
	var err error
	switch command {
	case TerraformInit:
		_, err = tf.Init(ctx)
	case TerraformFmtCheck:
		_, err = tf.FmtCheck(ctx)
	case TerraformPlan:
		var changes bool
		if _, changes, err = tf.Plan(ctx, planFile); err == nil {
			return Outputs{"changes": boolString(changes)}, nil
		}
	case TerraformApply:
		_, err = tf.Apply(ctx, planFile)
	case TerraformOutput:
		return terraformOutputs(ctx, sc, tf)
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown terraform command %q", command), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(sc.Step)
	}
	if err != nil {
		return nil, commandFailed(command, err)
	}
	return nil, nil
}

func terraformOutputs(ctx context.Context, sc *StepContext, tf *iac.Terraform) (Outputs, error) {
	raw, err := tf.Output(ctx)
	if err != nil {
		return nil, commandFailed(TerraformOutput, err)
	}

	flat := raw.Strings()
	for _, name := range raw.Sensitive() {
		sc.Secret(flat[name])
	}

	data, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outputs: %w", err)
	}

	outputs := make(Outputs, len(flat)+1)
	for k, v := range flat {
		outputs[k] = v
	}
	outputs["json"] = string(data)
	sc.Printf("terraform outputs: %d", len(flat))
	return outputs, nil
}

func commandFailed(command string, err error) error {
	return engine.NewPermanentError(fmt.Sprintf("terraform %s failed", command), err).
		WithCode(engine.ErrCodeCommandFailed).
		WithOperation("terraform." + command)
}
