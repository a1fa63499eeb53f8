package budget

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/pkg/schema"
)

// casRetries bounds the optimistic-concurrency retry loop on pool updates.
// Contention on a single pool is short-lived; a handful of retries is enough
// to ride out overlapping consumes.
const casRetries = 8

// Manager owns budget pool accounting: creation, consumption with parent
// propagation, top-ups, and suspension. Every mutation preserves the
// invariant used + remaining = total.
type Manager struct {
	store  store.Store
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger}
}

// Create registers a new pool. The parent chain is walked to reject cycles
// before the row is written; a missing parent fails with POOL_NOT_FOUND.
func (m *Manager) Create(ctx context.Context, id string, total int64, parentID string, metadata map[string]any) (*store.BudgetPool, error) {
	if total < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "total budget must be non-negative, got %d", total)
	}
	if parentID != "" {
		if err := m.checkParentChain(ctx, id, parentID); err != nil {
			return nil, err
		}
	}

	status := schema.PoolStatusActive
	if total <= 0 {
		status = schema.PoolStatusExhausted
	}
	pool := &store.BudgetPool{
		ID:              id,
		ParentPoolID:    parentID,
		TotalBudget:     total,
		UsedBudget:      0,
		RemainingBudget: total,
		Status:          status,
		CreatedAt:       time.Now().UTC(),
		Metadata:        metadata,
	}
	if err := m.store.CreateBudgetPool(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// checkParentChain verifies the parent exists and that linking under it
// cannot close a cycle.
func (m *Manager) checkParentChain(ctx context.Context, id, parentID string) error {
	seen := map[string]bool{id: true}
	cur := parentID
	for cur != "" {
		if seen[cur] {
			return schema.NewErrorf(schema.ErrCodeCycleDetected,
				"pool parent chain would form a cycle through %s", cur)
		}
		seen[cur] = true
		p, err := m.store.GetBudgetPool(ctx, cur)
		if err != nil {
			return err
		}
		cur = p.ParentPoolID
	}
	return nil
}

// Get returns a pool by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.BudgetPool, error) {
	return m.store.GetBudgetPool(ctx, id)
}

// Check reports whether the pool (and its whole parent chain) can cover
// amount without mutating anything.
func (m *Manager) Check(ctx context.Context, poolID string, amount int64) (bool, error) {
	cur := poolID
	for cur != "" {
		pool, err := m.store.GetBudgetPool(ctx, cur)
		if err != nil {
			return false, err
		}
		if pool.Status != schema.PoolStatusActive {
			return false, nil
		}
		if pool.RemainingBudget < amount {
			return false, nil
		}
		cur = pool.ParentPoolID
	}
	return true, nil
}

// Consume deducts amount from the pool and recursively from every ancestor.
// The whole chain is validated before any write, so an exhausted ancestor
// leaves every pool untouched. Each pool write is a version-guarded
// compare-and-update retried on conflict.
func (m *Manager) Consume(ctx context.Context, poolID string, amount int64) error {
	if amount < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "consume amount must be non-negative, got %d", amount)
	}
	if amount == 0 {
		return nil
	}
	return m.store.WithTx(ctx, func(ctx context.Context) error {
		// Validate the full chain first: a failure partway up must not
		// leave lower pools debited.
		chain, err := m.loadChain(ctx, poolID)
		if err != nil {
			return err
		}
		for _, pool := range chain {
			if pool.Status != schema.PoolStatusActive {
				return schema.NewErrorf(schema.ErrCodePoolInactive,
					"budget pool %s is %s", pool.ID, pool.Status)
			}
			if pool.RemainingBudget < amount {
				return schema.NewErrorf(schema.ErrCodeBudgetExhausted,
					"budget pool %s has %d remaining, need %d", pool.ID, pool.RemainingBudget, amount)
			}
		}
		for _, pool := range chain {
			if err := m.applyDelta(ctx, pool.ID, amount, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

// loadChain returns the pool and its ancestors, leaf first.
func (m *Manager) loadChain(ctx context.Context, poolID string) ([]*store.BudgetPool, error) {
	var chain []*store.BudgetPool
	cur := poolID
	for cur != "" {
		pool, err := m.store.GetBudgetPool(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, pool)
		cur = pool.ParentPoolID
	}
	return chain, nil
}

// applyDelta mutates one pool under optimistic concurrency: usedDelta is
// added to used and subtracted from remaining; totalDelta is added to both
// total and remaining. Status is recomputed on the active/exhausted path.
func (m *Manager) applyDelta(ctx context.Context, poolID string, usedDelta, totalDelta int64) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		pool, err := m.store.GetBudgetPool(ctx, poolID)
		if err != nil {
			return err
		}

		if usedDelta > 0 {
			if pool.Status != schema.PoolStatusActive {
				return schema.NewErrorf(schema.ErrCodePoolInactive,
					"budget pool %s is %s", pool.ID, pool.Status)
			}
			if pool.RemainingBudget < usedDelta {
				return schema.NewErrorf(schema.ErrCodeBudgetExhausted,
					"budget pool %s has %d remaining, need %d", pool.ID, pool.RemainingBudget, usedDelta)
			}
		}

		pool.UsedBudget += usedDelta
		pool.RemainingBudget += totalDelta - usedDelta
		pool.TotalBudget += totalDelta

		// Manual suspension is sticky; only the active/exhausted pair flips
		// on balance changes.
		if pool.Status != schema.PoolStatusSuspended {
			if pool.RemainingBudget <= 0 {
				pool.Status = schema.PoolStatusExhausted
			} else {
				pool.Status = schema.PoolStatusActive
			}
		}

		err = m.store.UpdateBudgetPool(ctx, pool, pool.Version)
		if err == nil {
			return nil
		}
		var serr *schema.Error
		if errors.As(err, &serr) && serr.Code == schema.ErrCodeConflict {
			m.logger.DebugContext(ctx, "budget pool version conflict, retrying",
				slog.String("pool_id", poolID), slog.Int("attempt", attempt+1))
			continue
		}
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"budget pool %s update contention exceeded %d retries", poolID, casRetries)
}

// Increase tops up the pool's total budget by amount. An exhausted pool with
// a positive balance after the top-up returns to active.
func (m *Manager) Increase(ctx context.Context, poolID string, amount int64) error {
	if amount < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "increase amount must be non-negative, got %d", amount)
	}
	if amount == 0 {
		return nil
	}
	return m.applyDelta(ctx, poolID, 0, amount)
}

// Suspend moves a pool to suspended regardless of balance.
func (m *Manager) Suspend(ctx context.Context, poolID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		pool, err := m.store.GetBudgetPool(ctx, poolID)
		if err != nil {
			return err
		}
		pool.Status = schema.PoolStatusSuspended
		err = m.store.UpdateBudgetPool(ctx, pool, pool.Version)
		if err == nil {
			return nil
		}
		var serr *schema.Error
		if errors.As(err, &serr) && serr.Code == schema.ErrCodeConflict {
			continue
		}
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"budget pool %s update contention exceeded %d retries", poolID, casRetries)
}

// Reactivate moves a suspended pool back to active, but only when it still
// has budget left; a drained pool lands on exhausted instead.
func (m *Manager) Reactivate(ctx context.Context, poolID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		pool, err := m.store.GetBudgetPool(ctx, poolID)
		if err != nil {
			return err
		}
		if pool.Status != schema.PoolStatusSuspended {
			return schema.NewErrorf(schema.ErrCodePoolInactive,
				"budget pool %s is %s, not suspended", pool.ID, pool.Status)
		}
		if pool.RemainingBudget > 0 {
			pool.Status = schema.PoolStatusActive
		} else {
			pool.Status = schema.PoolStatusExhausted
		}
		err = m.store.UpdateBudgetPool(ctx, pool, pool.Version)
		if err == nil {
			return nil
		}
		var serr *schema.Error
		if errors.As(err, &serr) && serr.Code == schema.ErrCodeConflict {
			continue
		}
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"budget pool %s update contention exceeded %d retries", poolID, casRetries)
}

// GetChildren lists the direct children of a pool.
func (m *Manager) GetChildren(ctx context.Context, poolID string) ([]*store.BudgetPool, error) {
	return m.store.GetChildPools(ctx, poolID)
}
