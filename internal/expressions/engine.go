package expressions

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/hitl/pkg/schema"
)

// Engine evaluates one `${{ }}` reference against the interpolation scope.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCacheSize bounds compiled programs kept per engine. Step parameters
// are authored by workflow designers, so the working set is small.
const programCacheSize = 256

// programs caches compiled expressions of one engine.
type programs[P any] struct {
	engine  string
	cache   *lru.Cache[string, P]
	compile func(expression string) (P, error)
}

func newPrograms[P any](engine string, compile func(string) (P, error)) *programs[P] {
	cache, err := lru.New[string, P](programCacheSize)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	return &programs[P]{engine: engine, cache: cache, compile: compile}
}

// get returns the compiled program for expression, compiling it on a miss.
// Concurrent misses may compile twice; the result is identical.
func (p *programs[P]) get(expression string) (P, error) {
	if expression == "" {
		var zero P
		return zero, schema.NewErrorf(schema.ErrCodeInterpolation, "empty %s expression", p.engine)
	}
	if prg, ok := p.cache.Get(expression); ok {
		return prg, nil
	}
	prg, err := p.compile(expression)
	if err != nil {
		return prg, err
	}
	p.cache.Add(expression, prg)
	return prg, nil
}

// evalError reports a failed phase ("compile", "evaluation", ...) of an engine.
func evalError(engine, phase, expression string, err error) *schema.HITLError {
	return schema.NewError(schema.ErrCodeInterpolation,
		fmt.Sprintf("%s %s failed for %q: %s", engine, phase, expression, err.Error())).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}
