// Package policy lints a deckhand project with Open Policy Agent.
//
// Policies are Rego modules whose deny set yields violations. Each deny
// value is a message string or an object:
//
//	deny contains v if {
//		...
//		v := {"message": "...", "severity": "error", "resource": "services.app"}
//	}
//
// The input document is built from a Bundle of the compose file, the
// workflow definitions and the project config; see Bundle.Input for its
// shape. Built-in policies check the composition shape, healthy
// dependencies, the artifact handoff between workflows, that the deployed
// image is the built image, that apply steps are gated, and that manual
// dispatch of an applying workflow declares an approve input.
//
// User policies are loaded from directories of .rego or .json files and
// may be hot reloaded:
//
//	eng, err := policy.NewEngine(logger)
//	if err := eng.LoadPolicies(ctx, []string{"policies"}); err != nil { ... }
//	result, err := eng.Evaluate(ctx, &policy.Bundle{Compose: file, Workflows: defs})
//	if !result.Allowed { ... }
//
// Any violation with severity error makes the result not allowed.
package policy
