package policy

import (
	"time"
)

// Severity decides whether a violation fails lint.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	// SeverityError is the only blocking severity.
	SeverityError Severity = "error"
)

func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy is one Rego module whose deny set produces violations. User
// policies come from .rego files or from .json and .yaml manifests that
// embed the module.
type Policy struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Rego        string `json:"rego" yaml:"rego"`

	// Severity applies to deny messages that carry no severity of their own.
	Severity Severity `json:"severity" yaml:"severity"`
	Enabled  bool     `json:"enabled" yaml:"enabled"`

	Builtin bool   `json:"builtin" yaml:"-"`
	Source  string `json:"source,omitempty" yaml:"-"`
}

// Violation is one deny message.
type Violation struct {
	Policy string `json:"policy"`
	// Resource is the file, service, job or step the message is about.
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result of one lint pass over a bundle.
type Result struct {
	// Allowed is false once any violation blocks.
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	// Warnings name policies that could not be evaluated.
	Warnings          []string `json:"warnings,omitempty"`
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Blocking returns the violations that fail lint.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}
