package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirt-rain/aaow/pkg/schema"
)

func newLibSQL(t *testing.T) *LibSQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aaow-test.db")
	s, err := NewLibSQLStore("file:" + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestLibSQLWorkflowRoundTrip(t *testing.T) {
	s := newLibSQL(t)
	ctx := context.Background()

	wf := &StoredWorkflow{
		ID:         "wf-1",
		Name:       "sample",
		Version:    1,
		Definition: sampleDefinition(),
		Metadata:   map[string]any{"owner": "team-a"},
	}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, wf.Definition, got.Definition)
	assert.Equal(t, 1, got.Version)

	_, err = s.GetWorkflow(ctx, "ghost")
	require.Error(t, err)
	var serr *schema.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestLibSQLSessionAndNodeStates(t *testing.T) {
	s := newLibSQL(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &Session{
		ID:               "sess-1",
		WorkflowID:       "wf-1",
		WorkflowSnapshot: sampleDefinition(),
		Status:           schema.SessionStatusRunning,
	}))
	require.NoError(t, s.SaveExecutionState(ctx, &ExecutionState{
		SessionID:  "sess-1",
		StartedAt:  time.Now().UTC(),
		Status:     schema.SessionStatusRunning,
		NodeStates: map[string]*NodeState{},
	}))
	require.NoError(t, s.UpdateNodeState(ctx, "sess-1", &NodeState{
		NodeID: "root.t",
		Status: schema.NodeStatusCompleted,
		Input:  json.RawMessage(`{"who":"Ada"}`),
		Output: json.RawMessage(`{"name":"Ada"}`),
	}))

	st, err := s.GetExecutionState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "root.t", st.CurrentNodeID)
	require.Contains(t, st.NodeStates, "root.t")
	assert.Equal(t, schema.NodeStatusCompleted, st.NodeStates["root.t"].Status)
	assert.JSONEq(t, `{"who":"Ada"}`, string(st.NodeStates["root.t"].Input))
}

func TestLibSQLSessionCascadeDelete(t *testing.T) {
	s := newLibSQL(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &Session{
		ID: "sess-1", WorkflowID: "wf", WorkflowSnapshot: sampleDefinition(),
		Status: schema.SessionStatusRunning,
	}))
	require.NoError(t, s.SaveExecutionState(ctx, &ExecutionState{
		SessionID: "sess-1", StartedAt: time.Now().UTC(),
		Status: schema.SessionStatusRunning, NodeStates: map[string]*NodeState{},
	}))
	require.NoError(t, s.SaveLLMExecution(ctx, &LLMExecution{ID: "exec-1", SessionID: "sess-1", NodeID: "root.llm"}))
	require.NoError(t, s.LogToolCall(ctx, &ToolCallLog{ID: "tc-1", ExecutionID: "exec-1", ToolCallID: "c", ToolName: "t"}))
	require.NoError(t, s.CreateApproval(ctx, &ApprovalRequest{
		ID: "ap-1", SessionID: "sess-1", NodeID: "root.llm",
		Type: schema.ApprovalTypeHumanReview, Status: schema.ApprovalStatusPending,
	}))

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))

	_, err := s.GetExecutionState(ctx, "sess-1")
	require.Error(t, err)
	execs, err := s.GetLLMExecutionsBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, execs)
	calls, err := s.GetToolCallsByExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, calls)
	_, err = s.GetApproval(ctx, "ap-1")
	require.Error(t, err)
}

func TestLibSQLBudgetPoolOptimisticUpdate(t *testing.T) {
	s := newLibSQL(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBudgetPool(ctx, &BudgetPool{
		ID: "p", TotalBudget: 100, RemainingBudget: 100, Status: schema.PoolStatusActive,
	}))

	pool, err := s.GetBudgetPool(ctx, "p")
	require.NoError(t, err)
	pool.UsedBudget = 40
	pool.RemainingBudget = 60
	require.NoError(t, s.UpdateBudgetPool(ctx, pool, pool.Version))

	// Same expected version again: stale.
	err = s.UpdateBudgetPool(ctx, pool, 0)
	require.Error(t, err)
	var serr *schema.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, schema.ErrCodeConflict, serr.Code)

	got, err := s.GetBudgetPool(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.UsedBudget)
	assert.Equal(t, int64(1), got.Version)
}

func TestLibSQLWithTxRollsBack(t *testing.T) {
	s := newLibSQL(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.CreateSession(ctx, &Session{
			ID: "discard", WorkflowID: "wf", WorkflowSnapshot: sampleDefinition(),
			Status: schema.SessionStatusRunning,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetSession(ctx, "discard")
	require.Error(t, err)
}

func TestLibSQLEventLogOrdering(t *testing.T) {
	s := newLibSQL(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &Session{
		ID: "sess-1", WorkflowID: "wf", WorkflowSnapshot: sampleDefinition(),
		Status: schema.SessionStatusRunning,
	}))
	for _, typ := range []string{schema.EventSessionStarted, schema.EventNodeStarted, schema.EventNodeCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "sess-1", Type: typ}))
	}

	events, err := s.GetEvents(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventSessionStarted, events[0].Type)
	assert.Equal(t, schema.EventNodeCompleted, events[2].Type)

	// since cursors past events already seen.
	events, err = s.GetEvents(ctx, "sess-1", events[1].ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
