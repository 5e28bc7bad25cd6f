// Package provision decides whether infrastructure should be planned or
// applied for a trigger, and runs the IaC stage accordingly.
package provision

import (
	"fmt"
	"strings"
)

// Trigger events the gate distinguishes.
const (
	EventPush     = "push"
	EventDispatch = "workflow_dispatch"
)

// DefaultBranch is the branch whose pushes apply infrastructure.
const DefaultBranch = "main"

// Decision names.
const (
	DecisionNoop     = "noop"
	DecisionPlanOnly = "plan-only"
	DecisionApply    = "apply"
)

// Trigger is what started the run.
type Trigger struct {
	Event string
	Ref   string

	// Approve is the manual-dispatch approval input.
	Approve bool

	// MainBranch defaults to DefaultBranch.
	MainBranch string

	// RunID tags the gate_decision event.
	RunID string
}

// OnMainBranch reports whether Ref names the main branch, with or without
// the refs/heads/ prefix.
func (t Trigger) OnMainBranch() bool {
	main := t.MainBranch
	if main == "" {
		main = DefaultBranch
	}
	return strings.TrimPrefix(t.Ref, "refs/heads/") == main
}

// Decision is the outcome of the gate.
type Decision struct {
	Exists bool   `json:"exists"`
	Plan   bool   `json:"plan"`
	Apply  bool   `json:"apply"`
	Reason string `json:"reason"`
}

// Name returns noop, plan-only or apply.
func (d Decision) Name() string {
	switch {
	case d.Apply:
		return DecisionApply
	case d.Plan:
		return DecisionPlanOnly
	default:
		return DecisionNoop
	}
}

// Outputs renders the decision as step outputs.
func (d Decision) Outputs() map[string]string {
	return map[string]string{
		"exists":   fmt.Sprint(d.Exists),
		"plan":     fmt.Sprint(d.Plan),
		"apply":    fmt.Sprint(d.Apply),
		"decision": d.Name(),
	}
}

// Decide applies the gate rules. An existing resource group is never
// planned or applied. Otherwise a plan always runs, and apply runs for a
// push to the main branch or an approved manual dispatch.
func Decide(exists bool, trig Trigger) Decision {
	if exists {
		return Decision{Exists: true, Reason: "resource group exists"}
	}

	d := Decision{Plan: true}
	switch {
	case trig.Event == EventPush && trig.OnMainBranch():
		d.Apply = true
		d.Reason = "push to main branch"
	case trig.Event == EventDispatch && trig.Approve:
		d.Apply = true
		d.Reason = "approved manual dispatch"
	case trig.Event == EventDispatch:
		d.Reason = "manual dispatch without approval"
	case trig.Event == EventPush:
		d.Reason = fmt.Sprintf("push to %s is not the main branch", strings.TrimPrefix(trig.Ref, "refs/heads/"))
	default:
		d.Reason = fmt.Sprintf("event %q never applies", trig.Event)
	}
	return d
}
