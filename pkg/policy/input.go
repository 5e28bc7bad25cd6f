package policy

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/deckhand/deckhand/pkg/compose"
	"github.com/deckhand/deckhand/pkg/config"
	"github.com/deckhand/deckhand/pkg/workflow"
)

// Bundle is everything lint looks at. Any part may be nil.
type Bundle struct {
	Compose   *compose.File
	Expect    compose.Expectations
	Workflows []*workflow.Definition
	Project   *config.Project
}

// Input renders the bundle as the Rego input document:
//
//	compose:   {present, services: {<name>: {image, build, depends_on, healthcheck, ports, volumes}}, volumes}
//	expect:    {services, volumes, app_service}
//	workflows: [{name, path, events, dispatch_inputs, jobs: [{id, if, needs, outputs, steps: [...]}]}]
//	project:   the project config
func (b *Bundle) Input() (map[string]interface{}, error) {
	input := map[string]interface{}{
		"compose": composeInput(b.Compose),
		"expect": map[string]interface{}{
			"services":    b.Expect.Services,
			"volumes":     b.Expect.Volumes,
			"app_service": b.Expect.AppService,
		},
	}

	workflows := make([]interface{}, 0, len(b.Workflows))
	for _, def := range b.Workflows {
		workflows = append(workflows, workflowInput(def))
	}
	input["workflows"] = workflows

	project := map[string]interface{}{}
	if b.Project != nil {
		data, err := json.Marshal(b.Project)
		if err != nil {
			return nil, fmt.Errorf("failed to encode project: %w", err)
		}
		if err := json.Unmarshal(data, &project); err != nil {
			return nil, fmt.Errorf("failed to decode project: %w", err)
		}
	}
	input["project"] = project

	return input, nil
}

func composeInput(f *compose.File) map[string]interface{} {
	if f == nil {
		return map[string]interface{}{"present": false, "services": map[string]interface{}{}, "volumes": []interface{}{}}
	}

	services := make(map[string]interface{}, len(f.Services))
	for name, svc := range f.Services {
		deps := make(map[string]interface{}, len(svc.DependsOn))
		for dep, d := range svc.DependsOn {
			deps[dep] = d.Condition
		}
		services[name] = map[string]interface{}{
			"image":       svc.Image,
			"build":       svc.Build != nil,
			"depends_on":  deps,
			"healthcheck": svc.Healthcheck.Enabled(),
			"ports":       stringsInput(svc.Ports),
			"volumes":     stringsInput(svc.Volumes),
		}
	}

	volumes := make([]string, 0, len(f.Volumes))
	for name := range f.Volumes {
		volumes = append(volumes, name)
	}
	sort.Strings(volumes)

	return map[string]interface{}{
		"present":  true,
		"services": services,
		"volumes":  stringsInput(volumes),
	}
}

func workflowInput(def *workflow.Definition) map[string]interface{} {
	inputs := map[string]interface{}{}
	if d := def.On.WorkflowDispatch; d != nil {
		for name, in := range d.Inputs {
			inputs[name] = map[string]interface{}{
				"type":     in.Type,
				"required": in.Required,
				"default":  in.Default,
				"options":  stringsInput(in.Options),
			}
		}
	}

	jobs := make([]interface{}, 0, len(def.Jobs))
	for _, job := range def.OrderedJobs() {
		steps := make([]interface{}, 0, len(job.Steps))
		for i, step := range job.Steps {
			with := make(map[string]interface{}, len(step.With))
			for k, v := range step.With {
				with[k] = v
			}
			steps = append(steps, map[string]interface{}{
				"key":  step.Key(i),
				"id":   step.ID,
				"name": step.DisplayName(i),
				"uses": step.Uses,
				"run":  step.Run,
				"if":   step.If,
				"with": with,
			})
		}
		outputs := make(map[string]interface{}, len(job.Outputs))
		for k, v := range job.Outputs {
			outputs[k] = v
		}
		jobs = append(jobs, map[string]interface{}{
			"id":      job.ID,
			"if":      job.If,
			"needs":   stringsInput([]string(job.Needs)),
			"outputs": outputs,
			"steps":   steps,
		})
	}

	return map[string]interface{}{
		"name":            def.Name,
		"path":            def.Path,
		"events":          stringsInput(def.On.Events()),
		"dispatch_inputs": inputs,
		"jobs":            jobs,
	}
}

func stringsInput(values []string) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
