package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dirt-rain/aaow/pkg/schema"
)

// placeholderPattern matches ${dotted.path} placeholders.
var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.\-]+)\}`)

// Interpolator substitutes ${dotted.path} placeholders in prompt templates
// with values looked up in a scope map. Scalars render bare; composite values
// render as compact JSON.
type Interpolator struct{}

// NewInterpolator creates an Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Interpolate replaces every placeholder in template with its scope value.
// An unresolvable path fails the interpolation rather than silently emitting
// an empty string into a prompt.
func (i *Interpolator) Interpolate(template string, scope map[string]any) (string, error) {
	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := resolvePath(scope, strings.Split(path, "."))
		if !ok {
			if firstErr == nil {
				firstErr = schema.NewErrorf(schema.ErrCodeValidation,
					"unresolvable placeholder %s", match)
			}
			return match
		}
		return renderValue(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func resolvePath(scope map[string]any, path []string) (any, bool) {
	var cur any = scope
	for _, field := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[field]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func renderValue(v any) string {
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
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
