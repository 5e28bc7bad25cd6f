// Package workflow loads pipeline definitions, decides which of them an
// event triggers, and compiles them into engine plans.
//
// A definition has the familiar shape of a CI workflow file:
//
//	name: infrastructure
//	on:
//	  push:
//	    branches: [main]
//	    paths: ["infra/**"]
//	  workflow_dispatch:
//	    inputs:
//	      approve: {type: boolean, default: "false"}
//	jobs:
//	  terraform:
//	    steps:
//	      - id: gate
//	        uses: deckhand/provision-gate
//	      - if: steps.gate.outputs.apply == 'true'
//	        uses: deckhand/terraform
//	        with: {command: apply}
//
// Conditions and ${{ }} interpolations are Starlark expressions that can
// use &&, || and ! and read the github, inputs, env, vars, secrets, steps
// and needs contexts. Runner executes compiled plans step by step under
// engine.SequentialScheduler, and Pipeline chains workflows through
// workflow_run events.
package workflow
