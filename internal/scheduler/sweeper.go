package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/pkg/schema"
)

// Sweeper expires overdue pending approvals on a cron schedule. A session
// whose approval expires stays suspended; resuming against the expired
// approval fails, which keeps the decision with an operator.
type Sweeper struct {
	store  store.Store
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a Sweeper.
func NewSweeper(s store.Store, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: s, logger: logger}
}

// Start schedules sweeps with a standard 5-field cron spec (e.g. "* * * * *"
// for every minute). Calling Start on a running sweeper is an error.
func (s *Sweeper) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return schema.NewError(schema.ErrCodeConflict, "sweeper already started")
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		expired, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("approval sweep failed", slog.String("error", err.Error()))
			return
		}
		if expired > 0 {
			s.logger.Info("approval sweep expired requests", slog.Int("count", expired))
		}
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid sweep schedule %q: %s", spec, err.Error()).WithCause(err)
	}

	c.Start()
	s.cron = c
	return nil
}

// Stop halts scheduled sweeps and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Sweep flips every pending approval past its expiry to expired and returns
// how many were flipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	pending := schema.ApprovalStatusPending
	approvals, err := s.store.ListApprovals(ctx, store.ApprovalFilter{Status: &pending})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	expired := 0
	for _, ap := range approvals {
		if ap.ExpiresAt == nil || ap.ExpiresAt.After(now) {
			continue
		}
		status := schema.ApprovalStatusExpired
		if err := s.store.UpdateApproval(ctx, ap.ID, store.ApprovalUpdate{
			Status:     &status,
			ResolvedAt: &now,
		}); err != nil {
			return expired, err
		}
		if err := s.store.AppendEvent(ctx, &store.Event{
			SessionID: ap.SessionID,
			NodeID:    ap.NodeID,
			Type:      schema.EventApprovalExpired,
		}); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}
