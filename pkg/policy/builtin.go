package policy

// Names of the built-in policies.
const (
	PolicyComposeShape      = "compose-shape"
	PolicyHealthyDependency = "healthy-dependency"
	PolicyArtifactHandoff   = "artifact-handoff"
	PolicyImageTag          = "image-tag"
	PolicyApplyGated        = "apply-gated"
	PolicyDispatchApprove   = "dispatch-approve"
)

// Builtins returns fresh copies of the built-in policies.
func Builtins() []Policy {
	return []Policy{
		{
			Name:        PolicyComposeShape,
			Description: "The composition declares the expected number of services and volumes",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Rego:        composeShapeRego,
		},
		{
			Name:        PolicyHealthyDependency,
			Description: "The app service waits for its dependencies to be healthy",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Rego:        healthyDependencyRego,
		},
		{
			Name:        PolicyArtifactHandoff,
			Description: "Every downloaded artifact is uploaded under the same name",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Rego:        artifactHandoffRego,
		},
		{
			Name:        PolicyImageTag,
			Description: "The deployed image is the image that was built",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Rego:        imageTagRego,
		},
		{
			Name:        PolicyApplyGated,
			Description: "Infrastructure apply steps run behind a condition",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Rego:        applyGatedRego,
		},
		{
			Name:        PolicyDispatchApprove,
			Description: "Manually dispatched workflows that apply declare a boolean approve input",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Rego:        dispatchApproveRego,
		},
	}
}

const composeShapeRego = `package deckhand.lint.compose_shape

import rego.v1

deny contains v if {
	input.compose.present
	input.expect.services > 0
	got := count(input.compose.services)
	got != input.expect.services
	v := {
		"message": sprintf("composition declares %d services, expected %d", [got, input.expect.services]),
		"severity": "error",
		"resource": "services",
	}
}

deny contains v if {
	input.compose.present
	input.expect.volumes > 0
	got := count(input.compose.volumes)
	got != input.expect.volumes
	v := {
		"message": sprintf("composition declares %d volumes, expected %d", [got, input.expect.volumes]),
		"severity": "error",
		"resource": "volumes",
	}
}
`

const healthyDependencyRego = `package deckhand.lint.healthy_dependency

import rego.v1

app_services contains name if {
	name := input.expect.app_service
	name != ""
	input.compose.services[name]
}

app_services contains name if {
	input.expect.app_service == ""
	some name, svc in input.compose.services
	count(svc.depends_on) > 0
}

deny contains v if {
	some name in app_services
	some dep, cond in input.compose.services[name].depends_on
	cond != "service_healthy"
	v := {
		"message": sprintf("service %s must wait for %s with condition service_healthy", [name, dep]),
		"severity": "error",
		"resource": sprintf("services.%s.depends_on.%s", [name, dep]),
	}
}

deny contains v if {
	some name in app_services
	some dep, cond in input.compose.services[name].depends_on
	cond == "service_healthy"
	not input.compose.services[dep].healthcheck
	v := {
		"message": sprintf("service %s waits for %s to be healthy but %s has no healthcheck", [name, dep, dep]),
		"severity": "error",
		"resource": sprintf("services.%s.healthcheck", [dep]),
	}
}
`

const artifactHandoffRego = `package deckhand.lint.artifact_handoff

import rego.v1

literal(name) if {
	name != ""
	indexof(name, "${{") == -1
}

uploads contains name if {
	some wf in input.workflows
	some job in wf.jobs
	some step in job.steps
	startswith(step.uses, "deckhand/upload-artifact")
	name := object.get(step["with"], "name", "")
	literal(name)
}

deny contains v if {
	some wf in input.workflows
	some job in wf.jobs
	some step in job.steps
	startswith(step.uses, "deckhand/download-artifact")
	name := object.get(step["with"], "name", "")
	literal(name)
	not name in uploads
	v := {
		"message": sprintf("artifact %q is downloaded but no workflow uploads it", [name]),
		"severity": "error",
		"resource": sprintf("%s/%s/%s", [wf.name, job.id, step.key]),
	}
}

deny contains v if {
	want := object.get(input.project, ["artifact", "name"], "")
	want != ""
	some name in uploads
	name != want
	v := {
		"message": sprintf("artifact %q differs from the project artifact name %q", [name, want]),
		"severity": "warning",
		"resource": "artifact.name",
	}
}
`

const imageTagRego = `package deckhand.lint.image_tag

import rego.v1

step_output := ` + "`" + `^\$\{\{\s*steps\.([A-Za-z0-9_-]+)\.outputs\.image\s*\}\}$` + "`" + `

job_output := ` + "`" + `^\$\{\{\s*needs\.([A-Za-z0-9_-]+)\.outputs\.([A-Za-z0-9_-]+)\s*\}\}$` + "`" + `

built_in_job(job, ref) if {
	m := regex.find_all_string_submatch_n(step_output, ref, 1)
	some step in job.steps
	step.id == m[0][1]
	startswith(step.uses, "deckhand/image-build-push")
}

built_by(wf, job, ref) if built_in_job(job, ref)

built_by(wf, job, ref) if {
	m := regex.find_all_string_submatch_n(job_output, ref, 1)
	m[0][1] in job.needs
	some upstream in wf.jobs
	upstream.id == m[0][1]
	built_in_job(upstream, upstream.outputs[m[0][2]])
}

deny contains v if {
	some wf in input.workflows
	some job in wf.jobs
	some step in job.steps
	startswith(step.uses, "deckhand/webapp-set-container")
	ref := object.get(step["with"], "image", "")
	not built_by(wf, job, ref)
	v := {
		"message": sprintf("container image %q is not the image output of an image-build-push step", [ref]),
		"severity": "error",
		"resource": sprintf("%s/%s/%s", [wf.name, job.id, step.key]),
	}
}

deny contains v if {
	some wf in input.workflows
	some job in wf.jobs
	some build in job.steps
	builds := regex.find_all_string_submatch_n(` + "`" + `docker\s+build[^\n]*?\s-t\s+(\S+)` + "`" + `, build.run, -1)
	some built in builds
	some target in job.steps
	sets := regex.find_all_string_submatch_n(` + "`" + `--(?:docker-custom-image-name|container-image-name)\s+(\S+)` + "`" + `, target.run, -1)
	some used in sets
	built[1] != used[1]
	v := {
		"message": sprintf("step builds %s but the web app is set to %s", [built[1], used[1]]),
		"severity": "error",
		"resource": sprintf("%s/%s/%s", [wf.name, job.id, target.key]),
	}
}
`

const applyGatedRego = `package deckhand.lint.apply_gated

import rego.v1

applies(step) if {
	startswith(step.uses, "deckhand/terraform")
	step["with"].command == "apply"
}

applies(step) if regex.match(` + "`" + `\b(terraform|tofu)\s+apply\b` + "`" + `, step.run)

deny contains v if {
	some wf in input.workflows
	some job in wf.jobs
	some step in job.steps
	applies(step)
	step["if"] == ""
	job["if"] == ""
	v := {
		"message": "apply runs unconditionally; gate it on the provision decision",
		"severity": "error",
		"resource": sprintf("%s/%s/%s", [wf.name, job.id, step.key]),
	}
}
`

const dispatchApproveRego = `package deckhand.lint.dispatch_approve

import rego.v1

applies(step) if {
	startswith(step.uses, "deckhand/terraform")
	step["with"].command == "apply"
}

applies(step) if regex.match(` + "`" + `\b(terraform|tofu)\s+apply\b` + "`" + `, step.run)

applies(step) if startswith(step.uses, "deckhand/provision-gate")

has_apply(wf) if {
	some job in wf.jobs
	some step in job.steps
	applies(step)
}

deny contains v if {
	some wf in input.workflows
	"workflow_dispatch" in wf.events
	has_apply(wf)
	object.get(wf.dispatch_inputs, ["approve", "type"], "") != "boolean"
	v := {
		"message": "manual dispatch of a workflow that applies must declare a boolean approve input",
		"severity": "error",
		"resource": sprintf("%s/on.workflow_dispatch.inputs.approve", [wf.name]),
	}
}
`
