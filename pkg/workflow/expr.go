package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// maxExecutionSteps bounds a single expression evaluation.
const maxExecutionSteps = 100000

// Status is the job state the status functions report on.
type Status struct {
	// Failed is true when an earlier step (or a needed job) failed.
	Failed bool
	// Skipped is true when a needed job was skipped. Only job conditions see it.
	Skipped bool
	// Cancelled is true once the run has been cancelled.
	Cancelled bool
}

// Scope holds the named contexts an expression can reference: github,
// inputs, env, secrets, steps, needs and anything else the caller adds.
type Scope struct {
	Contexts map[string]interface{}
	Status   Status
}

// Evaluator evaluates `${{ }}` expressions and step conditions. The
// expression language is Starlark with the workflow operators &&, || and !
// and the literals true, false and null.
type Evaluator struct {
	steps uint64
}

// NewEvaluator creates an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{steps: maxExecutionSteps}
}

var statusCall = regexp.MustCompile(`\b(success|failure|always|cancelled)\s*\(`)

// Condition evaluates an `if:` condition. An empty condition is success();
// a condition that calls no status function is implicitly guarded by
// success().
func (e *Evaluator) Condition(ctx context.Context, cond string, scope Scope) (bool, error) {
	expr := unwrap(cond)
	if expr == "" {
		expr = "success()"
	}

	src := translate(expr)
	if !statusCall.MatchString(src) {
		src = "success() and (" + src + ")"
	}

	v, err := e.eval(ctx, src, scope)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", cond, err)
	}
	return bool(v.Truth()), nil
}

// Eval evaluates a single expression, with or without the ${{ }} wrapper.
func (e *Evaluator) Eval(ctx context.Context, expr string, scope Scope) (interface{}, error) {
	v, err := e.eval(ctx, translate(unwrap(expr)), scope)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, err)
	}
	return fromStarlarkValue(v)
}

// Interpolate replaces every ${{ expr }} in s with its string value.
func (e *Evaluator) Interpolate(ctx context.Context, s string, scope Scope) (string, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("unterminated expression in %q", s)
		}
		end += start

		b.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+3 : end])
		v, err := e.eval(ctx, translate(expr), scope)
		if err != nil {
			return "", fmt.Errorf("expression %q: %w", expr, err)
		}
		str, err := stringify(v)
		if err != nil {
			return "", err
		}
		b.WriteString(str)
		rest = rest[end+2:]
	}
}

// InterpolateMap interpolates every value of m into a new map.
func (e *Evaluator) InterpolateMap(ctx context.Context, m map[string]string, scope Scope) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, err := e.Interpolate(ctx, v, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

// Check parses every expression in s without evaluating it.
func (e *Evaluator) Check(s string, condition bool) error {
	var exprs []string
	if condition {
		if expr := unwrap(s); expr != "" {
			exprs = append(exprs, expr)
		}
	} else {
		rest := s
		for {
			start := strings.Index(rest, "${{")
			if start < 0 {
				break
			}
			end := strings.Index(rest[start:], "}}")
			if end < 0 {
				return fmt.Errorf("unterminated expression in %q", s)
			}
			exprs = append(exprs, strings.TrimSpace(rest[start+3:start+end]))
			rest = rest[start+end+2:]
		}
	}

	for _, expr := range exprs {
		if _, err := syntax.ParseExpr("expr", translate(expr), 0); err != nil {
			return fmt.Errorf("expression %q: %w", expr, err)
		}
	}
	return nil
}

func (e *Evaluator) eval(ctx context.Context, src string, scope Scope) (starlark.Value, error) {
	thread := &starlark.Thread{
		Name:  "expr",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(e.steps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel("context cancelled") })
	defer stop()

	env, err := predeclared(scope)
	if err != nil {
		return nil, err
	}
	return starlark.EvalOptions(&syntax.FileOptions{}, thread, "expr", src, env)
}

func predeclared(scope Scope) (starlark.StringDict, error) {
	st := scope.Status
	env := starlark.StringDict{
		"true":  starlark.True,
		"false": starlark.False,
		"null":  starlark.None,

		"success":    statusBuiltin("success", !st.Failed && !st.Skipped && !st.Cancelled),
		"failure":    statusBuiltin("failure", st.Failed),
		"always":     statusBuiltin("always", true),
		"cancelled":  statusBuiltin("cancelled", st.Cancelled),
		"contains":   starlark.NewBuiltin("contains", builtinContains),
		"startsWith": starlark.NewBuiltin("startsWith", stringTest(strings.HasPrefix)),
		"endsWith":   starlark.NewBuiltin("endsWith", stringTest(strings.HasSuffix)),
		"format":     starlark.NewBuiltin("format", builtinFormat),
		"join":       starlark.NewBuiltin("join", builtinJoin),
		"toJSON":     starlark.NewBuiltin("toJSON", builtinToJSON),
		"fromJSON":   starlark.NewBuiltin("fromJSON", builtinFromJSON),
	}

	for name, value := range scope.Contexts {
		v, err := toStarlarkValue(value)
		if err != nil {
			return nil, fmt.Errorf("context %s: %w", name, err)
		}
		env[name] = v
	}
	return env, nil
}

// unwrap strips an optional ${{ }} wrapper.
func unwrap(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "${{") && strings.HasSuffix(expr, "}}") {
		expr = strings.TrimSpace(expr[3 : len(expr)-2])
	}
	return expr
}

// translate rewrites workflow operators into Starlark outside string
// literals. '' inside a single-quoted literal is an escaped quote.
func translate(expr string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			switch {
			case c == '\\' && i+1 < len(expr):
				b.WriteByte(c)
				b.WriteByte(expr[i+1])
				i++
			case c == '\'' && quote == '\'' && i+1 < len(expr) && expr[i+1] == '\'':
				b.WriteString(`\'`)
				i++
			case c == quote:
				quote = 0
				b.WriteByte(c)
			default:
				b.WriteByte(c)
			}
			continue
		}

		switch {
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		case c == '&' && i+1 < len(expr) && expr[i+1] == '&':
			b.WriteString(" and ")
			i++
		case c == '|' && i+1 < len(expr) && expr[i+1] == '|':
			b.WriteString(" or ")
			i++
		case c == '!' && (i+1 >= len(expr) || expr[i+1] != '='):
			b.WriteString(" not ")
		default:
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(b.String())
}

func statusBuiltin(name string, result bool) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		return starlark.Bool(result), nil
	})
}

func builtinContains(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var haystack, needle starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &haystack, &needle); err != nil {
		return nil, err
	}

	if iterable, ok := haystack.(starlark.Iterable); ok {
		if _, isString := haystack.(starlark.String); !isString {
			iter := iterable.Iterate()
			defer iter.Done()
			var item starlark.Value
			for iter.Next(&item) {
				if eq, err := starlark.Equal(item, needle); err == nil && eq {
					return starlark.True, nil
				}
			}
			return starlark.False, nil
		}
	}

	h, _ := stringify(haystack)
	n, _ := stringify(needle)
	return starlark.Bool(strings.Contains(strings.ToLower(h), strings.ToLower(n))), nil
}

func stringTest(test func(s, affix string) bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s, affix starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &s, &affix); err != nil {
			return nil, err
		}
		sv, _ := stringify(s)
		av, _ := stringify(affix)
		return starlark.Bool(test(strings.ToLower(sv), strings.ToLower(av))), nil
	}
}

var formatArg = regexp.MustCompile(`\{(\d+)\}`)

func builtinFormat(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 || len(args) == 0 {
		return nil, fmt.Errorf("%s: expected a format string and positional arguments", b.Name())
	}
	tmpl, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: format must be a string", b.Name())
	}

	var ferr error
	out := formatArg.ReplaceAllStringFunc(tmpl, func(m string) string {
		i, _ := strconv.Atoi(m[1 : len(m)-1])
		if i+1 >= len(args) {
			ferr = fmt.Errorf("%s: no argument for %s", b.Name(), m)
			return m
		}
		s, err := stringify(args[i+1])
		if err != nil {
			ferr = err
		}
		return s
	})
	if ferr != nil {
		return nil, ferr
	}
	return starlark.String(out), nil
}

func builtinJoin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var list starlark.Iterable
	sep := ","
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &list, &sep); err != nil {
		return nil, err
	}
	iter := list.Iterate()
	defer iter.Done()

	var parts []string
	var item starlark.Value
	for iter.Next(&item) {
		s, err := stringify(item)
		if err != nil {
			return nil, err
		}
		parts = append(parts, s)
	}
	return starlark.String(strings.Join(parts, sep)), nil
}

func builtinToJSON(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	s, err := toJSON(v)
	if err != nil {
		return nil, err
	}
	return starlark.String(s), nil
}

func builtinFromJSON(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return toStarlarkValue(v)
}

// stringify renders a value the way interpolation inserts it.
func stringify(v starlark.Value) (string, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return "", nil
	case starlark.String:
		return string(val), nil
	case starlark.Bool:
		return strconv.FormatBool(bool(val)), nil
	case starlark.Int:
		return val.String(), nil
	case starlark.Float:
		return strconv.FormatFloat(float64(val), 'f', -1, 64), nil
	default:
		return toJSON(v)
	}
}

func toJSON(v starlark.Value) (string, error) {
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(goVal)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// object is a read-only context value. Fields are reachable as attributes
// or by index, and missing fields read as null.
type object struct {
	fields map[string]starlark.Value
}

var (
	_ starlark.HasAttrs = (*object)(nil)
	_ starlark.Mapping  = (*object)(nil)
)

func (o *object) String() string {
	s, err := toJSON(o)
	if err != nil {
		return "object"
	}
	return s
}

func (o *object) Type() string         { return "object" }
func (o *object) Truth() starlark.Bool { return starlark.True }

func (o *object) Freeze() {
	for _, v := range o.fields {
		v.Freeze()
	}
}

func (o *object) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: object") }

func (o *object) Attr(name string) (starlark.Value, error) {
	if v, ok := o.fields[name]; ok {
		return v, nil
	}
	return starlark.None, nil
}

func (o *object) AttrNames() []string {
	names := make([]string, 0, len(o.fields))
	for name := range o.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *object) Get(k starlark.Value) (starlark.Value, bool, error) {
	key, ok := starlark.AsString(k)
	if !ok {
		return nil, false, fmt.Errorf("object index must be a string, got %s", k.Type())
	}
	v, _ := o.Attr(key)
	return v, true, nil
}

// toStarlarkValue converts a Go value to a Starlark value. Maps become
// objects.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		obj := &object{fields: make(map[string]starlark.Value, len(val))}
		for k, item := range val {
			obj.fields[k] = starlark.String(item)
		}
		return obj, nil
	case map[string]interface{}:
		obj := &object{fields: make(map[string]starlark.Value, len(val))}
		for k, item := range val {
			starlarkVal, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			obj.fields[k] = starlarkVal
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *object:
		dict := make(map[string]interface{}, len(val.fields))
		for name, field := range val.fields {
			value, err := fromStarlarkValue(field)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
