package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/pkg/schema"
)

func seedApproval(t *testing.T, s store.Store, id string, expiresAt *time.Time) {
	t.Helper()
	require.NoError(t, s.CreateApproval(context.Background(), &store.ApprovalRequest{
		ID:        id,
		SessionID: "sess-1",
		NodeID:    "root.llm",
		Type:      schema.ApprovalTypeHumanReview,
		Status:    schema.ApprovalStatusPending,
		ExpiresAt: expiresAt,
	}))
}

func TestSweepExpiresOverduePendingOnly(t *testing.T) {
	s := store.NewMemoryStore()
	sw := NewSweeper(s, nil)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	seedApproval(t, s, "overdue", &past)
	seedApproval(t, s, "fresh", &future)
	seedApproval(t, s, "no-ttl", nil)

	count, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	overdue, err := s.GetApproval(ctx, "overdue")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusExpired, overdue.Status)
	require.NotNil(t, overdue.ResolvedAt)

	fresh, err := s.GetApproval(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, fresh.Status)

	noTTL, err := s.GetApproval(ctx, "no-ttl")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, noTTL.Status)

	events, err := s.GetEvents(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventApprovalExpired, events[0].Type)
}

func TestSweepIgnoresResolvedApprovals(t *testing.T) {
	s := store.NewMemoryStore()
	sw := NewSweeper(s, nil)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	seedApproval(t, s, "already-approved", &past)
	approved := schema.ApprovalStatusApproved
	require.NoError(t, s.UpdateApproval(ctx, "already-approved", store.ApprovalUpdate{Status: &approved}))

	count, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStartRejectsBadScheduleAndDoubleStart(t *testing.T) {
	s := store.NewMemoryStore()
	sw := NewSweeper(s, nil)

	require.Error(t, sw.Start("not a cron spec"))

	require.NoError(t, sw.Start("* * * * *"))
	defer sw.Stop()
	require.Error(t, sw.Start("* * * * *"))
}
