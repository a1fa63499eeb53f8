package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/dirt-rain/aaow/pkg/schema"
)

// GoJQEngine evaluates jq programs over JSON-like values. It backs the jq
// transform-expression kind.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Transform compiles (or retrieves from cache) a jq program and runs it
// against input.
//
// jq programs can produce multiple outputs. When there is exactly one output,
// it is returned directly. When there are multiple outputs, they are
// collected into a []any.
func (e *GoJQEngine) Transform(ctx context.Context, query string, input any) (any, error) {
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq query")
	}

	code, err := e.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", query, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"query": query})
		}
		results = append(results, val)
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

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *GoJQEngine) getOrCompile(query string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[query]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", query, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", query, err.Error()).WithCause(err)
	}

	e.cache[query] = code
	return code, nil
}
