package triggers

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/arcanafx/effects-server-go/internal/events"
)

// Operator compares an event field against a condition value.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

// Condition is the predicate of a trigger. Exactly one form may be set: a field
// comparison, an all/any/not composite, or a CEL expression over `data` and
// `event_type`. The zero Condition matches every event.
type Condition struct {
	Field string      `yaml:"field,omitempty" json:"field,omitempty"`
	Op    Operator    `yaml:"op,omitempty" json:"op,omitempty"`
	Value any         `yaml:"value,omitempty" json:"value,omitempty"`
	All   []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any   []Condition `yaml:"any,omitempty" json:"any,omitempty"`
	Not   *Condition  `yaml:"not,omitempty" json:"not,omitempty"`
	Expr  string      `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// IsZero reports whether the condition is empty.
func (c Condition) IsZero() bool {
	return c.Field == "" && c.Op == "" && c.Value == nil &&
		len(c.All) == 0 && len(c.Any) == 0 && c.Not == nil && c.Expr == ""
}

// ErrMalformedCondition marks conditions that cannot be compiled.
var ErrMalformedCondition = errors.New("malformed condition")

// predicate evaluates a compiled condition against an event. An error means the event
// data did not fit the condition; callers treat it as a non-match.
type predicate func(evt events.Event) (bool, error)

func matchAll(events.Event) (bool, error) { return true, nil }

// compiler turns Conditions into predicates. The CEL environment is shared by every
// expression compiled by the same compiler.
type compiler struct {
	env *cel.Env
}

func newCompiler() (*compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event_type", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &compiler{env: env}, nil
}

func (c *compiler) compile(cond Condition) (predicate, error) {
	if cond.IsZero() {
		return matchAll, nil
	}

	forms := 0
	if cond.Field != "" || cond.Op != "" {
		forms++
	}
	if len(cond.All) > 0 {
		forms++
	}
	if len(cond.Any) > 0 {
		forms++
	}
	if cond.Not != nil {
		forms++
	}
	if cond.Expr != "" {
		forms++
	}
	if forms != 1 {
		return nil, fmt.Errorf("%w: exactly one of field/op, all, any, not, expr must be set", ErrMalformedCondition)
	}

	switch {
	case cond.Expr != "":
		return c.compileExpr(cond.Expr)
	case len(cond.All) > 0:
		parts, err := c.compileList(cond.All)
		if err != nil {
			return nil, err
		}
		return func(evt events.Event) (bool, error) {
			for _, p := range parts {
				ok, err := p(evt)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		}, nil
	case len(cond.Any) > 0:
		parts, err := c.compileList(cond.Any)
		if err != nil {
			return nil, err
		}
		return func(evt events.Event) (bool, error) {
			var firstErr error
			for _, p := range parts {
				ok, err := p(evt)
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				if ok {
					return true, nil
				}
			}
			return false, firstErr
		}, nil
	case cond.Not != nil:
		inner, err := c.compile(*cond.Not)
		if err != nil {
			return nil, err
		}
		return func(evt events.Event) (bool, error) {
			ok, err := inner(evt)
			if err != nil {
				return false, err
			}
			return !ok, nil
		}, nil
	default:
		return compileComparison(cond)
	}
}

func (c *compiler) compileList(conds []Condition) ([]predicate, error) {
	out := make([]predicate, 0, len(conds))
	for _, sub := range conds {
		p, err := c.compile(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *compiler) compileExpr(expr string) (predicate, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrMalformedCondition, expr, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression %q yields %s, want bool", ErrMalformedCondition, expr, out)
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: program %q: %v", ErrMalformedCondition, expr, err)
	}
	return func(evt events.Event) (bool, error) {
		out, _, err := prg.Eval(map[string]any{
			"data":       evt.Data,
			"event_type": string(evt.Type),
		})
		if err != nil {
			return false, fmt.Errorf("eval %q: %w", expr, err)
		}
		val, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("eval %q: result not bool", expr)
		}
		return val, nil
	}, nil
}

func compileComparison(cond Condition) (predicate, error) {
	if cond.Field == "" {
		return nil, fmt.Errorf("%w: operator %q without field", ErrMalformedCondition, cond.Op)
	}
	op := cond.Op
	if op == "" {
		op = OpEq
	}
	path := strings.Split(cond.Field, ".")
	want := cond.Value

	switch op {
	case OpExists:
		return func(evt events.Event) (bool, error) {
			_, ok := lookup(evt.Data, path)
			return ok, nil
		}, nil
	case OpEq, OpNe:
		return func(evt events.Event) (bool, error) {
			got, ok := lookup(evt.Data, path)
			equal := ok && valuesEqual(got, want)
			if op == OpNe {
				return !equal, nil
			}
			return equal, nil
		}, nil
	case OpGt, OpGte, OpLt, OpLte:
		wantNum, ok := asNumber(want)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a numeric value, got %T", ErrMalformedCondition, op, want)
		}
		return func(evt events.Event) (bool, error) {
			got, ok := lookup(evt.Data, path)
			if !ok {
				return false, nil
			}
			gotNum, ok := asNumber(got)
			if !ok {
				return false, fmt.Errorf("field %s: %T is not numeric", cond.Field, got)
			}
			switch op {
			case OpGt:
				return gotNum > wantNum, nil
			case OpGte:
				return gotNum >= wantNum, nil
			case OpLt:
				return gotNum < wantNum, nil
			default:
				return gotNum <= wantNum, nil
			}
		}, nil
	case OpIn:
		options, ok := asSlice(want)
		if !ok {
			return nil, fmt.Errorf("%w: in needs a list value, got %T", ErrMalformedCondition, want)
		}
		return func(evt events.Event) (bool, error) {
			got, ok := lookup(evt.Data, path)
			if !ok {
				return false, nil
			}
			return slices.ContainsFunc(options, func(o any) bool { return valuesEqual(got, o) }), nil
		}, nil
	case OpContains:
		return func(evt events.Event) (bool, error) {
			got, ok := lookup(evt.Data, path)
			if !ok {
				return false, nil
			}
			if s, isString := got.(string); isString {
				sub, isSub := want.(string)
				if !isSub {
					return false, fmt.Errorf("field %s: contains on string needs a string value", cond.Field)
				}
				return strings.Contains(s, sub), nil
			}
			items, isSlice := asSlice(got)
			if !isSlice {
				return false, fmt.Errorf("field %s: %T does not support contains", cond.Field, got)
			}
			return slices.ContainsFunc(items, func(o any) bool { return valuesEqual(o, want) }), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrMalformedCondition, op)
	}
}

// lookup walks a dotted path through nested maps.
func lookup(data map[string]any, path []string) (any, bool) {
	var cur any = data
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func valuesEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		return ok && an == bn
	}
	return reflect.DeepEqual(a, b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
