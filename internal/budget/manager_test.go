package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/pkg/schema"
)

func newManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewManager(s, nil), s
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var serr *schema.Error
	require.True(t, errors.As(err, &serr), "expected *schema.Error, got %v", err)
	return serr.Code
}

func requireInvariant(t *testing.T, m *Manager, poolID string) *store.BudgetPool {
	t.Helper()
	pool, err := m.Get(context.Background(), poolID)
	require.NoError(t, err)
	assert.Equal(t, pool.TotalBudget, pool.UsedBudget+pool.RemainingBudget,
		"pool %s: used + remaining must equal total", poolID)
	return pool
}

func TestCreatePool(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	pool, err := m.Create(ctx, "p1", 100, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), pool.TotalBudget)
	assert.Equal(t, int64(0), pool.UsedBudget)
	assert.Equal(t, int64(100), pool.RemainingBudget)
	assert.Equal(t, schema.PoolStatusActive, pool.Status)

	_, err = m.Create(ctx, "p2", -1, "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
}

func TestCreatePoolMissingParent(t *testing.T) {
	m, _ := newManager(t)

	_, err := m.Create(context.Background(), "child", 10, "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePoolNotFound, errCode(t, err))
}

func TestCreatePoolRejectsCycle(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "a", 10, "", nil)
	require.NoError(t, err)

	// A pool cannot become its own ancestor.
	_, err = m.Create(ctx, "a", 10, "a", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, errCode(t, err))
}

func TestConsumePropagatesToParent(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "parent", 100, "", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "child", 50, "parent", nil)
	require.NoError(t, err)

	require.NoError(t, m.Consume(ctx, "child", 30))

	child := requireInvariant(t, m, "child")
	assert.Equal(t, int64(20), child.RemainingBudget)
	parent := requireInvariant(t, m, "parent")
	assert.Equal(t, int64(70), parent.RemainingBudget)

	// 25 > child's 20 remaining: nothing on either pool may change.
	err = m.Consume(ctx, "child", 25)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeBudgetExhausted, errCode(t, err))

	child = requireInvariant(t, m, "child")
	assert.Equal(t, int64(20), child.RemainingBudget)
	assert.Equal(t, int64(30), child.UsedBudget)
	parent = requireInvariant(t, m, "parent")
	assert.Equal(t, int64(70), parent.RemainingBudget)
	assert.Equal(t, int64(30), parent.UsedBudget)
}

func TestConsumeExhaustedParentLeavesChildUntouched(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "parent", 10, "", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "child", 50, "parent", nil)
	require.NoError(t, err)

	err = m.Consume(ctx, "child", 20)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeBudgetExhausted, errCode(t, err))

	child := requireInvariant(t, m, "child")
	assert.Equal(t, int64(0), child.UsedBudget)
	parent := requireInvariant(t, m, "parent")
	assert.Equal(t, int64(0), parent.UsedBudget)
}

func TestConsumeZeroIsNoOp(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "p", 10, "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Consume(ctx, "p", 0))

	pool := requireInvariant(t, m, "p")
	assert.Equal(t, int64(0), pool.UsedBudget)
	assert.Equal(t, int64(10), pool.RemainingBudget)
	assert.Equal(t, int64(0), pool.Version)
}

func TestConsumeToZeroExhausts(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "p", 10, "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Consume(ctx, "p", 10))
	pool := requireInvariant(t, m, "p")
	assert.Equal(t, schema.PoolStatusExhausted, pool.Status)

	err = m.Consume(ctx, "p", 1)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePoolInactive, errCode(t, err))
}

func TestIncreaseRestoresAndClearsExhausted(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "p", 10, "", nil)
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, "p", 10))

	require.NoError(t, m.Increase(ctx, "p", 10))
	pool := requireInvariant(t, m, "p")
	assert.Equal(t, schema.PoolStatusActive, pool.Status)
	assert.Equal(t, int64(10), pool.RemainingBudget)
	assert.Equal(t, int64(20), pool.TotalBudget)
}

func TestSuspendAndReactivate(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "p", 10, "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Suspend(ctx, "p"))
	pool := requireInvariant(t, m, "p")
	assert.Equal(t, schema.PoolStatusSuspended, pool.Status)

	err = m.Consume(ctx, "p", 1)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePoolInactive, errCode(t, err))

	require.NoError(t, m.Reactivate(ctx, "p"))
	pool = requireInvariant(t, m, "p")
	assert.Equal(t, schema.PoolStatusActive, pool.Status)
}

func TestReactivateDrainedPoolStaysExhausted(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "p", 5, "", nil)
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, "p", 5))
	require.NoError(t, m.Suspend(ctx, "p"))

	require.NoError(t, m.Reactivate(ctx, "p"))
	pool := requireInvariant(t, m, "p")
	assert.Equal(t, schema.PoolStatusExhausted, pool.Status)
}

func TestCheckWalksParentChain(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "parent", 20, "", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "child", 50, "parent", nil)
	require.NoError(t, err)

	ok, err := m.Check(ctx, "child", 30)
	require.NoError(t, err)
	assert.False(t, ok, "parent only has 20")

	ok, err = m.Check(ctx, "child", 15)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetChildren(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "parent", 100, "", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "c1", 10, "parent", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "c2", 10, "parent", nil)
	require.NoError(t, err)

	children, err := m.GetChildren(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "c1", children[0].ID)
	assert.Equal(t, "c2", children[1].ID)
}

// Concurrent consumes must never double-spend: the sum of successful
// consumes equals the pool's used budget, and the accounting invariant
// holds afterwards.
func TestConcurrentConsumeNeverDoubleSpends(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "p", 100, "", nil)
	require.NoError(t, err)

	var g errgroup.Group
	succeeded := make(chan int64, 64)
	for i := 0; i < 40; i++ {
		g.Go(func() error {
			err := m.Consume(ctx, "p", 5)
			if err == nil {
				succeeded <- 5
				return nil
			}
			var serr *schema.Error
			if errors.As(err, &serr) &&
				(serr.Code == schema.ErrCodeBudgetExhausted || serr.Code == schema.ErrCodePoolInactive) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	close(succeeded)

	var total int64
	for amount := range succeeded {
		total += amount
	}

	pool := requireInvariant(t, m, "p")
	assert.Equal(t, total, pool.UsedBudget)
	assert.LessOrEqual(t, pool.UsedBudget, pool.TotalBudget)
}
