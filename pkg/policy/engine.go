package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/telemetry"
)

// Engine evaluates the built-in and user lint policies. Built-ins are
// compiled once in NewEngine; user policies can be replaced as a set.
type Engine struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	policies map[string]*prepared
}

// prepared is a policy with its deny query ready to evaluate.
type prepared struct {
	policy *Policy
	deny   rego.PreparedEvalQuery
}

func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		policies: map[string]*prepared{},
	}

	ctx := context.Background()
	for _, p := range Builtins() {
		pp, err := prepare(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("built-in policy %s does not compile: %w", p.Name, err)
		}
		e.policies[p.Name] = pp
	}
	e.logger.Debug().Int("builtins", len(e.policies)).Msg("Lint policies ready")
	return e, nil
}

// Evaluate runs every enabled policy over the bundle. A policy that fails to
// evaluate becomes a warning, not a violation.
func (e *Engine) Evaluate(ctx context.Context, bundle *Bundle) (*Result, error) {
	start := time.Now()
	input, err := bundle.Input()
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	res := &Result{Allowed: true, EvaluatedPolicies: []string{}}
	for _, name := range e.names() {
		pp := e.policies[name]
		if !pp.policy.Enabled {
			continue
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, name)

		found, err := pp.violations(ctx, input)
		if err != nil {
			e.logger.Warn().Err(err).Str("policy", name).Msg("Policy did not evaluate")
			res.Warnings = append(res.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		res.Violations = append(res.Violations, found...)
	}

	var metrics *telemetry.Metrics
	if t := telemetry.FromTelemetryContext(ctx); t != nil {
		metrics = t.Metrics
	}
	for _, v := range res.Violations {
		metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		if v.Severity.Blocking() {
			res.Allowed = false
		}
	}

	res.EvaluatedAt = time.Now()
	res.Duration = res.EvaluatedAt.Sub(start)
	e.logger.Debug().
		Int("policies", len(res.EvaluatedPolicies)).
		Int("violations", len(res.Violations)).
		Dur("took", res.Duration).
		Msg("Lint finished")
	return res, nil
}

// violations evaluates the deny set, sorted by resource then message.
func (pp *prepared) violations(ctx context.Context, input map[string]interface{}) ([]Violation, error) {
	rs, err := pp.deny.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		set, _ := r.Expressions[0].Value.([]interface{})
		for _, d := range set {
			out = append(out, pp.violation(d))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Message < out[j].Message
	})
	return out, nil
}

// violation reads one deny value: a plain message, or an object with
// message, severity and resource.
func (pp *prepared) violation(d interface{}) Violation {
	v := Violation{Policy: pp.policy.Name, Severity: pp.policy.Severity}
	switch d := d.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		v.Message, _ = d["message"].(string)
		v.Resource, _ = d["resource"].(string)
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(strings.ToLower(sev))
		}
	default:
		v.Message = fmt.Sprint(d)
	}
	return v
}

func prepare(ctx context.Context, p Policy) (*prepared, error) {
	mod, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, err
	}
	q, err := rego.New(
		rego.ParsedModule(mod),
		rego.Query(mod.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	return &prepared{policy: &p, deny: q}, nil
}

// LoadPolicies adds the user policies found under paths. Either all of
// them compile and are added, or nothing changes.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	ready, err := e.prepareUser(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, pp := range ready {
		e.policies[name] = pp
	}
	e.logger.Info().Int("policies", len(ready)).Strs("paths", paths).Msg("User policies added")
	return nil
}

// ReplaceUserPolicies swaps every user policy for policies and keeps the
// built-ins. On a compile error the current set stays in place.
func (e *Engine) ReplaceUserPolicies(ctx context.Context, policies []Policy) error {
	ready, err := e.prepareUser(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, pp := range e.policies {
		if !pp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, pp := range ready {
		e.policies[name] = pp
	}
	e.logger.Info().Int("policies", len(ready)).Msg("User policies reloaded")
	return nil
}

func (e *Engine) prepareUser(ctx context.Context, policies []Policy) (map[string]*prepared, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ready := make(map[string]*prepared, len(policies))
	for _, p := range policies {
		p.Builtin = false
		if _, dup := ready[p.Name]; dup {
			return nil, fmt.Errorf("duplicate policy %s", p.Name)
		}
		if cur, ok := e.policies[p.Name]; ok && cur.policy.Builtin {
			return nil, fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		pp, err := prepare(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s (%s): %w", p.Name, p.Source, err)
		}
		ready[p.Name] = pp
	}
	return ready, nil
}

func (e *Engine) names() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a copy of the named policy.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("unknown policy %s", name)
	}
	p := *pp.policy
	return &p, nil
}

// ListPolicies returns every policy ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.names() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

func (e *Engine) EnablePolicy(name string) error  { return e.toggle(name, true) }
func (e *Engine) DisablePolicy(name string) error { return e.toggle(name, false) }

func (e *Engine) toggle(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("unknown policy %s", name)
	}
	pp.policy.Enabled = enabled
	e.logger.Debug().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
