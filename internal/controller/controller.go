package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dirt-rain/aaow/internal/budget"
	"github.com/dirt-rain/aaow/internal/engine"
	"github.com/dirt-rain/aaow/internal/logging"
	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/pkg/schema"
)

// budgetApprovalsKey marks a session's execution-state metadata when the run
// opted into budget_increase approvals, so resume keeps the same behavior.
const budgetApprovalsKey = "budget_approvals"

// Controller owns run lifecycle: session creation, root-group delegation,
// terminal status updates, and the resume entrypoint. It also serves nested
// workflow calls on behalf of the graph executor.
type Controller struct {
	store       store.Store
	executor    *engine.Executor
	budget      *budget.Manager
	logger      *slog.Logger
	approvalTTL time.Duration
}

// New creates a Controller and wires itself into the executor as the
// nested-workflow caller.
func New(s store.Store, exec *engine.Executor, budgetMgr *budget.Manager, logger *slog.Logger, approvalTTL time.Duration) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:       s,
		executor:    exec,
		budget:      budgetMgr,
		logger:      logger,
		approvalTTL: approvalTTL,
	}
	exec.SetCaller(c)
	return c
}

// ExecuteOptions tunes one run.
type ExecuteOptions struct {
	// SessionID overrides the generated session id.
	SessionID string

	// BudgetPoolID charges the run's LLM usage against a pool.
	BudgetPoolID string

	// BudgetApprovals promotes budget exhaustion to a budget_increase
	// approval instead of failing the node.
	BudgetApprovals bool

	Metadata map[string]any
}

// ExecuteResult is the caller-visible outcome of a run.
type ExecuteResult struct {
	SessionID  string `json:"session_id"`
	Output     any    `json:"output,omitempty"`
	Success    bool   `json:"success"`
	Suspended  bool   `json:"suspended,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// Execute starts a new run of the stored workflow against input.
func (c *Controller) Execute(ctx context.Context, workflowID string, input any, opts ExecuteOptions) (*ExecuteResult, error) {
	wf, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound,
			"workflow not found: %s", workflowID).WithCause(err)
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = logging.WithSessionID(logging.WithWorkflowID(ctx, workflowID), sessionID)

	now := time.Now().UTC()
	session := &store.Session{
		ID:               sessionID,
		WorkflowID:       workflowID,
		WorkflowSnapshot: wf.Definition,
		Status:           schema.SessionStatusRunning,
		CreatedAt:        now,
		Metadata:         opts.Metadata,
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	if err := c.store.AppendEvent(ctx, &store.Event{
		SessionID: sessionID,
		Type:      schema.EventSessionStarted,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "emit session event: %s", err.Error()).WithCause(err)
	}

	var stateMeta map[string]any
	if opts.BudgetApprovals {
		stateMeta = map[string]any{budgetApprovalsKey: true}
	}
	if err := c.store.SaveExecutionState(ctx, &store.ExecutionState{
		SessionID:    sessionID,
		BudgetPoolID: opts.BudgetPoolID,
		StartedAt:    now,
		Status:       schema.SessionStatusRunning,
		NodeStates:   map[string]*store.NodeState{},
		Metadata:     stateMeta,
	}); err != nil {
		return nil, err
	}

	run := &engine.Run{
		SessionID:       sessionID,
		WorkflowID:      workflowID,
		Snapshot:        wf.Definition,
		BudgetPoolID:    opts.BudgetPoolID,
		BudgetApprovals: opts.BudgetApprovals,
		ApprovalTTL:     c.approvalTTL,
	}

	output, execErr := c.executor.ExecuteRoot(ctx, run, input)
	return c.finish(ctx, sessionID, output, execErr)
}

// Resume re-enters a session suspended on the given approval. The approval
// must be approved. Re-entry replays completed node states and re-executes
// from the node that suspended.
func (c *Controller) Resume(ctx context.Context, sessionID, approvalID string) (*ExecuteResult, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSessionID(logging.WithWorkflowID(ctx, session.WorkflowID), sessionID)

	approval, err := c.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.SessionID != sessionID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"approval %s does not belong to session %s", approvalID, sessionID)
	}
	if approval.Status != schema.ApprovalStatusApproved {
		return nil, schema.NewErrorf(schema.ErrCodeNotApproved,
			"approval %s is %s, not approved", approvalID, approval.Status)
	}
	if !session.Status.Waiting() && session.Status != schema.SessionStatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"cannot resume session in status %s", session.Status)
	}

	state, err := c.store.GetExecutionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// An approved budget increase tops up the pool before re-entry.
	if approval.Type == schema.ApprovalTypeBudgetIncrease && state.BudgetPoolID != "" {
		if err := c.budget.Increase(ctx, state.BudgetPoolID, approval.Context.RequestedBudget); err != nil {
			return nil, err
		}
		if err := c.store.AppendEvent(ctx, &store.Event{
			SessionID: sessionID,
			NodeID:    approval.NodeID,
			Type:      schema.EventBudgetIncrease,
		}); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "emit budget event: %s", err.Error()).WithCause(err)
		}
	}

	if err := c.executor.SessionFSM().Transition(ctx, sessionID, session.Status, schema.SessionStatusRunning); err != nil {
		return nil, err
	}
	running := schema.SessionStatusRunning
	if err := c.store.UpdateSession(ctx, sessionID, store.SessionUpdate{Status: &running}); err != nil {
		return nil, err
	}
	state.Status = schema.SessionStatusRunning
	if err := c.store.SaveExecutionState(ctx, state); err != nil {
		return nil, err
	}

	// The root's recorded input feeds the re-entry; completed nodes replay
	// their stored outputs so traversal picks up at the suspended node.
	var rootInput any
	if rootState, ok := state.NodeStates[engine.RootNodeID]; ok && len(rootState.Input) > 0 {
		if err := json.Unmarshal(rootState.Input, &rootInput); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"decode root input: %s", err.Error()).WithCause(err)
		}
	}

	run := &engine.Run{
		SessionID:       sessionID,
		WorkflowID:      session.WorkflowID,
		Snapshot:        session.WorkflowSnapshot,
		BudgetPoolID:    state.BudgetPoolID,
		BudgetApprovals: metaBool(state.Metadata, budgetApprovalsKey),
		ApprovalTTL:     c.approvalTTL,
		Prior:           state.NodeStates,
	}

	output, execErr := c.executor.ExecuteRoot(ctx, run, rootInput)
	return c.finish(ctx, sessionID, output, execErr)
}

// ExecuteNested serves CallWorkflow nodes: the nested run inherits the
// caller's budget pool. A nested suspension is reported as an error — the
// call site gates approvals via requires_approval, not the inner graph.
func (c *Controller) ExecuteNested(ctx context.Context, workflowID string, input any, budgetPoolID string) (any, error) {
	res, err := c.Execute(ctx, workflowID, input, ExecuteOptions{BudgetPoolID: budgetPoolID})
	if err != nil {
		return nil, err
	}
	if res.Suspended {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"nested run %s suspended on approval %s; gate nested calls with requires_approval on the call node",
			res.SessionID, res.ApprovalID)
	}
	return res.Output, nil
}

// finish maps the root execution outcome onto session and execution state:
// suspension leaves the waiting status in place, success completes, anything
// else fails and re-raises.
func (c *Controller) finish(ctx context.Context, sessionID string, output any, execErr error) (*ExecuteResult, error) {
	if execErr != nil {
		if susp, ok := engine.AsSuspension(execErr); ok {
			return &ExecuteResult{
				SessionID:  sessionID,
				Success:    false,
				Suspended:  true,
				ApprovalID: susp.ApprovalID,
			}, nil
		}
		if err := c.markFailed(ctx, sessionID); err != nil {
			c.logger.ErrorContext(ctx, "session failure write failed",
				slog.String("error", err.Error()))
		}
		return &ExecuteResult{SessionID: sessionID, Success: false}, execErr
	}

	if err := c.markCompleted(ctx, sessionID); err != nil {
		return nil, err
	}
	return &ExecuteResult{SessionID: sessionID, Output: output, Success: true}, nil
}

func (c *Controller) markCompleted(ctx context.Context, sessionID string) error {
	if err := c.executor.SessionFSM().Transition(ctx, sessionID, schema.SessionStatusRunning, schema.SessionStatusCompleted); err != nil {
		return err
	}
	return c.settle(ctx, sessionID, schema.SessionStatusCompleted)
}

func (c *Controller) markFailed(ctx context.Context, sessionID string) error {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := c.executor.SessionFSM().Transition(ctx, sessionID, session.Status, schema.SessionStatusFailed); err != nil {
		return err
	}
	return c.settle(ctx, sessionID, schema.SessionStatusFailed)
}

// settle persists a terminal session status and stamps the execution state.
func (c *Controller) settle(ctx context.Context, sessionID string, status schema.SessionStatus) error {
	return c.store.WithTx(ctx, func(ctx context.Context) error {
		if err := c.store.UpdateSession(ctx, sessionID, store.SessionUpdate{Status: &status}); err != nil {
			return err
		}
		state, err := c.store.GetExecutionState(ctx, sessionID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		state.Status = status
		state.CompletedAt = &now
		return c.store.SaveExecutionState(ctx, state)
	})
}

func metaBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

var _ engine.WorkflowCaller = (*Controller)(nil)
