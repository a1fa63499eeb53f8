package transform

import (
	"context"
	"strconv"

	"github.com/dirt-rain/aaow/internal/expressions"
	"github.com/dirt-rain/aaow/pkg/schema"
)

// absent is the sentinel produced when a get traverses a missing field.
// It is never an error: downstream record construction drops absent fields.
type absent struct{}

func (absent) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Absent is the missing-value sentinel.
var Absent = absent{}

// IsAbsent reports whether v is the missing-value sentinel.
func IsAbsent(v any) bool {
	_, ok := v.(absent)
	return ok
}

// Evaluator interprets transform expressions over JSON-like values
// (map[string]any, []any, scalars). Evaluation is pure: no I/O, no clock,
// no external state, and identical (expr, data) inputs produce identical
// results.
type Evaluator struct {
	jq *expressions.GoJQEngine
}

// NewEvaluator creates an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{jq: expressions.NewGoJQEngine()}
}

// Eval interprets expr against data with all paths resolved relative to
// basePath.
func (e *Evaluator) Eval(expr *schema.TransformExpr, data any, basePath []string) (any, error) {
	if expr == nil {
		return nil, schema.NewError(schema.ErrCodeUnknownExpr, "transform expression is nil")
	}

	switch expr.Kind {
	case schema.TransformKindConst:
		return expr.Value, nil

	case schema.TransformKindGet:
		return lookup(data, joinPath(basePath, expr.Path)), nil

	case schema.TransformKindWith:
		return e.Eval(expr.Fn, data, joinPath(basePath, expr.Path))

	case schema.TransformKindIf:
		return e.evalIf(expr, data, basePath)

	case schema.TransformKindMap:
		return e.evalMap(expr, data, basePath)

	case schema.TransformKindObject:
		out := make(map[string]any, len(expr.Fields))
		for field, fieldExpr := range expr.Fields {
			v, err := e.Eval(fieldExpr, data, basePath)
			if err != nil {
				return nil, err
			}
			if IsAbsent(v) {
				continue
			}
			out[field] = v
		}
		return out, nil

	case schema.TransformKindTaggedUnion:
		out := make(map[string]any, len(expr.Fields)+1)
		out["tag"] = expr.Tag
		for field, fieldExpr := range expr.Fields {
			v, err := e.Eval(fieldExpr, data, basePath)
			if err != nil {
				return nil, err
			}
			if IsAbsent(v) {
				continue
			}
			out[field] = v
		}
		return out, nil

	case schema.TransformKindJQ:
		scoped := lookup(data, basePath)
		if IsAbsent(scoped) {
			scoped = nil
		}
		// jq programs are pure over their input; evaluation never suspends.
		out, err := e.jq.Transform(context.Background(), expr.Query, scoped)
		if err != nil {
			return nil, err
		}
		return out, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnknownExpr, "unknown transform expression kind: %s", expr.Kind)
	}
}

func (e *Evaluator) evalIf(expr *schema.TransformExpr, data any, basePath []string) (any, error) {
	v := lookup(data, joinPath(basePath, expr.Path))

	// Objects dispatch on their tag field; everything else on its string form.
	key := ""
	if obj, ok := v.(map[string]any); ok {
		tag, ok := obj["tag"].(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNoMatchingBranch,
				"if target object has no string tag field")
		}
		key = tag
	} else {
		key = scalarKey(v)
	}

	branch, ok := expr.Branches[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNoMatchingBranch,
			"no branch matches %q", key)
	}
	return e.Eval(branch, data, basePath)
}

func (e *Evaluator) evalMap(expr *schema.TransformExpr, data any, basePath []string) (any, error) {
	v := lookup(data, joinPath(basePath, expr.Path))
	arr, ok := v.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"map expects an array, got %T", v)
	}

	out := make([]any, 0, len(arr))
	for _, elem := range arr {
		scoped := overlayItem(data, elem)
		mapped, err := e.Eval(expr.Fn, scoped, basePath)
		if err != nil {
			return nil, err
		}
		out = append(out, mapped)
	}
	return out, nil
}

// overlayItem produces data with an "item" key set to elem. Map data is
// shallow-copied; non-map data is replaced by a record holding only the item.
func overlayItem(data any, elem any) any {
	if m, ok := data.(map[string]any); ok {
		cp := make(map[string]any, len(m)+1)
		for k, v := range m {
			cp[k] = v
		}
		cp["item"] = elem
		return cp
	}
	return map[string]any{"item": elem}
}

// joinPath concatenates two path segments into a fresh slice so recursive
// evaluation never aliases a caller's backing array.
func joinPath(base, rel []string) []string {
	out := make([]string, 0, len(base)+len(rel))
	out = append(out, base...)
	return append(out, rel...)
}

// lookup walks a dotted path through nested maps. A missing field or a
// non-object intermediate yields Absent, never an error.
func lookup(data any, path []string) any {
	cur := data
	for _, field := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return Absent
		}
		next, ok := obj[field]
		if !ok {
			return Absent
		}
		cur = next
	}
	return cur
}

// scalarKey renders a scalar as the branch key an if dispatches on.
func scalarKey(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return "null"
	case absent:
		return ""
	default:
		return ""
	}
}
