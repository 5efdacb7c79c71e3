package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rendis/hitl/pkg/schema"
)

// Scope is the data a ${{ }} reference can read when parameters are resolved.
type Scope struct {
	JSON      map[string]any // first input item
	Workflow  map[string]any // id, name
	Execution map[string]any // id
	Node      map[string]any // name
}

// Map exposes the scope under its namespace names.
func (s *Scope) Map() map[string]any {
	m := map[string]any{
		"json":      s.JSON,
		"workflow":  s.Workflow,
		"execution": s.Execution,
		"node":      s.Node,
	}
	for k, v := range m {
		if v == nil {
			m[k] = map[string]any{}
		}
	}
	return m
}

var plainPath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_\-]+)*$`)

// Interpolator resolves ${{ ... }} references inside step parameter strings.
//
// A reference is one of:
//   - a plain path, e.g. ${{ json.customer.name }}
//   - jq:<query>, e.g. ${{ jq: .json.items | length }}
//   - cel:<expr>, e.g. ${{ cel: json.total > 100.0 }}
//   - anything else, evaluated by expr, e.g. ${{ upper(json.region) }}
type Interpolator struct {
	jq   Engine
	cel  Engine
	expr Engine
}

// NewInterpolator wires the three engines. cel may be nil, in which case
// cel: references fail with INTERPOLATION_ERROR.
func NewInterpolator(jq, cel, expr Engine) *Interpolator {
	return &Interpolator{jq: jq, cel: cel, expr: expr}
}

// NewDefaultInterpolator builds an Interpolator with all three engines.
func NewDefaultInterpolator() (*Interpolator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewInterpolator(NewGoJQEngine(), celEngine, NewExprEngine()), nil
}

// Resolve replaces every ${{ }} reference in input with its rendered value.
func (interp *Interpolator) Resolve(ctx context.Context, input string, scope *Scope) (string, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}
	data := scope.Map()

	var out strings.Builder
	out.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			out.WriteString(input[i:])
			break
		}
		out.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty reference: ${{ }}")
		}
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation, "nested interpolation not allowed")
		}

		val, err := interp.evaluate(ctx, ref, data)
		if err != nil {
			return "", err
		}
		out.WriteString(render(val))
		i = end + 2
	}
	return out.String(), nil
}

// ResolveParams interpolates every free-text parameter of a step.
// Operation and ResponseShape are never interpolated.
func (interp *Interpolator) ResolveParams(ctx context.Context, p schema.StepParams, scope *Scope) (schema.StepParams, error) {
	fields := []*string{
		&p.Title, &p.Message, &p.FormSchema, &p.AdditionalData,
		&p.Options.Assignee, &p.Options.Tags,
	}
	for _, f := range fields {
		resolved, err := interp.Resolve(ctx, *f, scope)
		if err != nil {
			return p, err
		}
		*f = resolved
	}
	return p, nil
}

func (interp *Interpolator) evaluate(ctx context.Context, ref string, data map[string]any) (any, error) {
	switch {
	case strings.HasPrefix(ref, "jq:"):
		return interp.jq.Evaluate(ctx, strings.TrimSpace(ref[3:]), data)
	case strings.HasPrefix(ref, "cel:"):
		if interp.cel == nil {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "cel engine not configured")
		}
		return interp.cel.Evaluate(ctx, strings.TrimSpace(ref[4:]), data)
	case plainPath.MatchString(ref):
		return traversePath(data, ref)
	default:
		return interp.expr.Evaluate(ctx, ref, data)
	}
}

// traversePath navigates nested maps by a dot-delimited path.
func traversePath(root map[string]any, path string) (any, error) {
	var current any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, path, current).
				WithDetails(map[string]any{"expression": path})
		}
		val, ok := m[seg]
		if !ok {
			keys := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, path, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": path, "available_fields": keys})
		}
		current = val
	}
	return current, nil
}

// render turns a resolved value into text: strings verbatim, nil as empty,
// everything else as compact JSON.
func render(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, float64, int, int64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation reports whether s contains any ${{ }} reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}
