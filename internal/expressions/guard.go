package expressions

import (
	"context"
	"strings"
)

// exprPrefix selects the expr-lang engine for a guard condition.
const exprPrefix = "expr:"

// GuardEvaluator dispatches edge guard conditions to the right engine:
// CEL by default, expr-lang when the condition carries the "expr:" prefix.
type GuardEvaluator struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewGuardEvaluator creates a GuardEvaluator with both engines ready.
func NewGuardEvaluator() (*GuardEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &GuardEvaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
	}, nil
}

// Matches evaluates condition against data and coerces the result to a
// boolean. An empty condition always matches.
func (g *GuardEvaluator) Matches(ctx context.Context, condition string, data map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}

	var (
		out any
		err error
	)
	if rest, ok := strings.CutPrefix(condition, exprPrefix); ok {
		out, err = g.expr.Evaluate(ctx, rest, data)
	} else {
		out, err = g.cel.Evaluate(ctx, condition, data)
	}
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

// truthy coerces an evaluation result to a boolean the way guard semantics
// expect: false, nil, zero, and empty string/collection are falsy.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
