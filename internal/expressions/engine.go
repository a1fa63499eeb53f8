package expressions

import "context"

// Engine evaluates guard expressions against run data.
// Two implementations: CEL (default) and Expr (selected by the "expr:" prefix).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
