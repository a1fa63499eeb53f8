package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/pkg/schema"
)

func TestSessionTransitions(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewSessionFSM(s)
	ctx := context.Background()

	cases := []struct {
		from, to schema.SessionStatus
		ok       bool
	}{
		{schema.SessionStatusRunning, schema.SessionStatusCompleted, true},
		{schema.SessionStatusRunning, schema.SessionStatusFailed, true},
		{schema.SessionStatusRunning, schema.SessionStatusWaitingForHumanReview, true},
		{schema.SessionStatusRunning, schema.SessionStatusWaitingForBudgetApproval, true},
		{schema.SessionStatusRunning, schema.SessionStatusWaitingForWorkflowApproval, true},
		{schema.SessionStatusRunning, schema.SessionStatusPaused, true},
		{schema.SessionStatusWaitingForHumanReview, schema.SessionStatusRunning, true},
		{schema.SessionStatusWaitingForBudgetApproval, schema.SessionStatusFailed, true},
		{schema.SessionStatusPaused, schema.SessionStatusRunning, true},
		{schema.SessionStatusCompleted, schema.SessionStatusRunning, false},
		{schema.SessionStatusFailed, schema.SessionStatusRunning, false},
		{schema.SessionStatusWaitingForHumanReview, schema.SessionStatusCompleted, false},
	}

	for _, tc := range cases {
		err := fsm.Transition(ctx, "sess", tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			require.Error(t, err, "%s -> %s", tc.from, tc.to)
			var serr *schema.Error
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, schema.ErrCodeInvalidTransition, serr.Code)
		}
	}
}

func TestNodeTransitions(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewNodeFSM(s)
	ctx := context.Background()

	cases := []struct {
		from, to schema.NodeStatus
		ok       bool
	}{
		{schema.NodeStatusPending, schema.NodeStatusRunning, true},
		{schema.NodeStatusPending, schema.NodeStatusSkipped, true},
		{schema.NodeStatusRunning, schema.NodeStatusCompleted, true},
		{schema.NodeStatusRunning, schema.NodeStatusFailed, true},
		{schema.NodeStatusRunning, schema.NodeStatusWaitingForApproval, true},
		{schema.NodeStatusRunning, schema.NodeStatusWaitingForReview, true},
		{schema.NodeStatusWaitingForReview, schema.NodeStatusRunning, true},
		{schema.NodeStatusWaitingForApproval, schema.NodeStatusFailed, true},
		{schema.NodeStatusCompleted, schema.NodeStatusRunning, false},
		{schema.NodeStatusFailed, schema.NodeStatusRunning, false},
		{schema.NodeStatusPending, schema.NodeStatusCompleted, false},
	}

	for _, tc := range cases {
		err := fsm.Transition(ctx, "sess", "root.n", tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.Error(t, err, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestTransitionsEmitEvents(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	sessionFSM := NewSessionFSM(s)
	require.NoError(t, sessionFSM.Transition(ctx, "sess", schema.SessionStatusRunning, schema.SessionStatusCompleted))

	nodeFSM := NewNodeFSM(s)
	require.NoError(t, nodeFSM.Transition(ctx, "sess", "root.t", schema.NodeStatusPending, schema.NodeStatusRunning))
	require.NoError(t, nodeFSM.Transition(ctx, "sess", "root.t", schema.NodeStatusRunning, schema.NodeStatusCompleted))

	events, err := s.GetEvents(ctx, "sess", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventSessionCompleted, events[0].Type)
	assert.Equal(t, schema.EventNodeStarted, events[1].Type)
	assert.Equal(t, "root.t", events[1].NodeID)
	assert.Equal(t, schema.EventNodeCompleted, events[2].Type)
}

func TestTransitionHooksRun(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewSessionFSM(s)
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.SessionStatusRunning, schema.SessionStatusCompleted, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.SessionStatusRunning, schema.SessionStatusCompleted, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "sess", schema.SessionStatusRunning, schema.SessionStatusCompleted))
	assert.Equal(t, []string{"before:running->completed", "after:running->completed"}, order)
}

func TestBeforeHookErrorAbortsTransition(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewSessionFSM(s)
	ctx := context.Background()

	boom := errors.New("veto")
	fsm.OnBefore(schema.SessionStatusRunning, schema.SessionStatusFailed, func(_, _ string) error {
		return boom
	})

	err := fsm.Transition(ctx, "sess", schema.SessionStatusRunning, schema.SessionStatusFailed)
	require.ErrorIs(t, err, boom)

	events, gerr := s.GetEvents(ctx, "sess", 0)
	require.NoError(t, gerr)
	assert.Empty(t, events, "vetoed transition must not emit an event")
}
