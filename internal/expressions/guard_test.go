package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T) *GuardEvaluator {
	t.Helper()
	g, err := NewGuardEvaluator()
	require.NoError(t, err)
	return g
}

func TestEmptyConditionAlwaysMatches(t *testing.T) {
	g := newGuard(t)

	ok, err := g.Matches(context.Background(), "", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCELCondition(t *testing.T) {
	g := newGuard(t)
	ctx := context.Background()
	data := map[string]any{
		"output": map[string]any{"n": 25.0, "kind": "large"},
	}

	ok, err := g.Matches(ctx, `output.n > 10.0`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Matches(ctx, `output.kind == "small"`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELMissingKeysDefaultToEmptyMaps(t *testing.T) {
	g := newGuard(t)

	// No data at all: guards still evaluate instead of erroring.
	ok, err := g.Matches(context.Background(), `"x" in output`, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExprPrefixSelectsExprEngine(t *testing.T) {
	g := newGuard(t)
	ctx := context.Background()
	data := map[string]any{
		"output": map[string]any{"items": []any{1, 2, 3}},
	}

	ok, err := g.Matches(ctx, `expr:len(output.items) == 3`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Matches(ctx, `expr:output.missing ?? false`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuardCompileErrorSurfaces(t *testing.T) {
	g := newGuard(t)

	_, err := g.Matches(context.Background(), `output..bad(`, map[string]any{})
	require.Error(t, err)
}

func TestTruthyCoercion(t *testing.T) {
	assert.True(t, truthy(true))
	assert.False(t, truthy(false))
	assert.False(t, truthy(nil))
	assert.False(t, truthy(""))
	assert.True(t, truthy("non-empty"))
	assert.False(t, truthy(0.0))
	assert.True(t, truthy(1.0))
	assert.False(t, truthy([]any{}))
	assert.True(t, truthy([]any{1}))
	assert.False(t, truthy(map[string]any{}))
	assert.True(t, truthy(map[string]any{"k": 1}))
}
