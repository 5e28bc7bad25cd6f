package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// Matches reports whether the event fires this trigger set, and why not
// when it does not.
func (t Triggers) Matches(event Event) (bool, string) {
	switch event.Name {
	case EventPush:
		if t.Push == nil {
			return false, "workflow does not run on push"
		}
		return t.Push.matches(event)
	case EventWorkflowRun:
		if t.WorkflowRun == nil {
			return false, "workflow does not run on workflow_run"
		}
		return t.WorkflowRun.matches(event)
	case EventDispatch:
		if t.WorkflowDispatch == nil {
			return false, "workflow does not run on workflow_dispatch"
		}
		if _, err := t.WorkflowDispatch.Resolve(event.Inputs); err != nil {
			return false, err.Error()
		}
		return true, "manual dispatch"
	default:
		return false, fmt.Sprintf("unsupported event %q", event.Name)
	}
}

func (p *PushTrigger) matches(event Event) (bool, string) {
	branch := event.Branch()
	if len(p.Branches) > 0 {
		ok, err := matchPatterns(p.Branches, branch)
		if err != nil {
			return false, err.Error()
		}
		if !ok {
			return false, fmt.Sprintf("branch %s is not filtered in", branch)
		}
	}

	if len(p.Paths) > 0 {
		for _, file := range event.ChangedFiles {
			ok, err := matchPatterns(p.Paths, file)
			if err != nil {
				return false, err.Error()
			}
			if ok {
				return true, fmt.Sprintf("push to %s changed %s", branch, file)
			}
		}
		return false, "no changed file matches the path filters"
	}
	return true, fmt.Sprintf("push to %s", branch)
}

func (w *WorkflowRunTrigger) matches(event Event) (bool, string) {
	run := event.WorkflowRun
	if run == nil {
		return false, "workflow_run event without an upstream run"
	}
	if !containsString(w.Workflows, run.Workflow) {
		return false, fmt.Sprintf("upstream workflow %s is not listed", run.Workflow)
	}

	action := run.Action
	if action == "" {
		action = "completed"
	}
	if len(w.Types) > 0 && !containsString(w.Types, action) {
		return false, fmt.Sprintf("upstream action %s is not listed", action)
	}

	if len(w.Branches) > 0 && run.Branch != "" {
		ok, err := matchPatterns(w.Branches, run.Branch)
		if err != nil {
			return false, err.Error()
		}
		if !ok {
			return false, fmt.Sprintf("upstream branch %s is not filtered in", run.Branch)
		}
	}

	if len(w.Conclusions) > 0 && !containsString(w.Conclusions, run.Conclusion) {
		return false, fmt.Sprintf("upstream conclusion %s is not listed", run.Conclusion)
	}
	return true, fmt.Sprintf("%s %s with %s", run.Workflow, action, run.Conclusion)
}

// Resolve applies defaults to the raw dispatch inputs and checks them.
// Boolean inputs resolve to bool, everything else to string.
func (d *DispatchTrigger) Resolve(raw map[string]string) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(d.Inputs))
	for name := range raw {
		if _, ok := d.Inputs[name]; !ok {
			return nil, fmt.Errorf("unexpected input %q", name)
		}
	}

	for name, in := range d.Inputs {
		value, given := raw[name]
		if !given || value == "" {
			value = in.Default
		}
		if value == "" && in.Required && in.Type != InputBoolean {
			return nil, fmt.Errorf("input %q is required", name)
		}

		switch in.Type {
		case InputBoolean:
			if value == "" {
				resolved[name] = false
				continue
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("input %q: %q is not a boolean", name, value)
			}
			resolved[name] = b
		case InputChoice:
			if value != "" && !containsString(in.Options, value) {
				return nil, fmt.Errorf("input %q: %q is not one of %s", name, value, strings.Join(in.Options, ", "))
			}
			resolved[name] = value
		default:
			resolved[name] = value
		}
	}
	return resolved, nil
}

// matchPatterns applies glob patterns in order; a pattern starting with !
// excludes what earlier patterns included.
func matchPatterns(patterns []string, s string) (bool, error) {
	matched := false
	for _, pattern := range patterns {
		negate := strings.HasPrefix(pattern, "!")
		g, err := glob.Compile(strings.TrimPrefix(pattern, "!"), '/')
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if g.Match(s) {
			matched = !negate
		}
	}
	return matched, nil
}
