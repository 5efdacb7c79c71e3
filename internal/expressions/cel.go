package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// scopeVariables are the top-level names of Scope.Map.
var scopeVariables = []string{"json", "workflow", "execution", "node"}

// CELEngine evaluates `cel:` references. Every scope variable is declared as
// map(string, dyn); a missing one binds to an empty map.
type CELEngine struct {
	programs *programs[cel.Program]
}

// NewCELEngine builds the CEL environment for Scope.
func NewCELEngine() (*CELEngine, error) {
	vars := make([]cel.EnvOption, 0, len(scopeVariables))
	for _, name := range scopeVariables {
		vars = append(vars, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(vars...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{programs: newPrograms("cel", func(expression string) (cel.Program, error) {
		ast, issues := env.Compile(expression)
		if err := issues.Err(); err != nil {
			return nil, evalError("cel", "compile", expression, err)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, evalError("cel", "program", expression, err)
		}
		return prg, nil
	})}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(scopeVariables))
	for _, name := range scopeVariables {
		v, ok := data[name]
		if !ok || v == nil {
			v = map[string]any{}
		}
		vars[name] = v
	}

	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, evalError("cel", "evaluation", expression, err)
	}
	return out.Value(), nil
}

var _ Engine = (*CELEngine)(nil)
