package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine evaluates `jq:` references. Scope.Map is the jq input, so
// `.json.orderId` reads the input item.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

// NewGoJQEngine creates the jq engine. $ENV is always empty.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newPrograms("jq", func(expression string) (*gojq.Code, error) {
		query, err := gojq.Parse(expression)
		if err != nil {
			return nil, evalError("jq", "parse", expression, err)
		}
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, evalError("jq", "compile", expression, err)
		}
		return code, nil
	})}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate returns the single output as is, several collected into []any,
// and nil when the query yields nothing.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(data))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", "evaluation", expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// jqValue converts Go numeric types gojq does not accept into float64 and
// nil maps into empty ones.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case uint:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
