package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dirt-rain/aaow/internal/budget"
	"github.com/dirt-rain/aaow/internal/expressions"
	"github.com/dirt-rain/aaow/internal/llm"
	"github.com/dirt-rain/aaow/internal/logging"
	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/internal/tools"
	"github.com/dirt-rain/aaow/internal/transform"
	"github.com/dirt-rain/aaow/pkg/schema"
)

// RootNodeID keys the root group's state row; nested nodes append
// dot-separated local ids, so the same local id in two groups produces
// distinct state rows.
const RootNodeID = "root"

// WorkflowCaller executes a referenced workflow as a nested run. Satisfied
// by the run controller (avoids an import cycle).
type WorkflowCaller interface {
	ExecuteNested(ctx context.Context, workflowID string, input any, budgetPoolID string) (any, error)
}

// Run carries per-run state through one traversal of the graph.
type Run struct {
	SessionID    string
	WorkflowID   string
	Snapshot     schema.WorkflowDefinition
	BudgetPoolID string

	// BudgetApprovals promotes budget exhaustion on LLM nodes to a
	// budget_increase approval instead of a node failure.
	BudgetApprovals bool

	// ApprovalTTL, when positive, stamps an expiry on emitted approvals.
	ApprovalTTL time.Duration

	// Prior holds the persisted node states loaded at (re-)entry. Completed
	// nodes replay their stored output; waiting nodes consult their pending
	// approval.
	Prior map[string]*store.NodeState

	// approvedGates marks qualified node ids whose pending approval resolved
	// to approved during this traversal, so their gate is not re-emitted.
	approvedGates map[string]bool
}

// Executor walks workflow graphs: per-node persisted state transitions,
// group traversal with entry/exit sentinels, edge projection, and dispatch
// to the transform evaluator, the LLM executor, and nested workflow calls.
type Executor struct {
	store     store.Store
	transform *transform.Evaluator
	llm       *llm.Executor
	tools     *tools.Registry
	guards    *expressions.GuardEvaluator
	interp    *expressions.Interpolator
	budget    *budget.Manager

	sessionFSM *SessionFSM
	nodeFSM    *NodeFSM

	caller       WorkflowCaller
	logger       *slog.Logger
	defaultModel string
}

// NewExecutor creates an Executor. The workflow caller is wired afterwards
// via SetCaller by the run controller that owns this executor.
func NewExecutor(s store.Store, budgetMgr *budget.Manager, llmExec *llm.Executor, registry *tools.Registry, guards *expressions.GuardEvaluator, logger *slog.Logger, defaultModel string) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:        s,
		transform:    transform.NewEvaluator(),
		llm:          llmExec,
		tools:        registry,
		guards:       guards,
		interp:       expressions.NewInterpolator(),
		budget:       budgetMgr,
		sessionFSM:   NewSessionFSM(s),
		nodeFSM:      NewNodeFSM(s),
		caller:       nil,
		logger:       logger,
		defaultModel: defaultModel,
	}
}

// SetCaller wires the nested-workflow entrypoint.
func (e *Executor) SetCaller(c WorkflowCaller) { e.caller = c }

// SessionFSM exposes the session transition machinery to the controller.
func (e *Executor) SessionFSM() *SessionFSM { return e.sessionFSM }

// ExecuteRoot runs the snapshot's root group against input.
func (e *Executor) ExecuteRoot(ctx context.Context, run *Run, input any) (any, error) {
	if run.Snapshot.Root == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no root node")
	}
	if run.Snapshot.Root.Type != schema.NodeTypeGroup {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow root must be a group, got %s", run.Snapshot.Root.Type)
	}
	if run.Prior == nil {
		run.Prior = make(map[string]*store.NodeState)
	}
	if run.approvedGates == nil {
		run.approvedGates = make(map[string]bool)
	}
	return e.executeChild(ctx, run, RootNodeID, run.Snapshot.Root, input, nil)
}

// executeChild runs one node under the per-node persisted protocol. resolve,
// when non-nil, runs between successful dispatch and the completed write;
// its error fails the node. Group traversal uses it to attribute edge
// resolution failures (dangling, cycle) to the node being stepped from.
func (e *Executor) executeChild(ctx context.Context, run *Run, qid string, node *schema.Node, input any, resolve func(output any) error) (any, error) {
	if node == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node is nil").WithNode(qid)
	}
	ctx = logging.WithNodeID(ctx, qid)

	prevStatus := schema.NodeStatusPending
	retryCount := 0
	if prior, ok := run.Prior[qid]; ok {
		switch prior.Status {
		case schema.NodeStatusCompleted:
			// Memoized replay on resume: the stored output stands in for
			// re-execution.
			out := decodeValue(prior.Output)
			if resolve != nil {
				if err := resolve(out); err != nil {
					return nil, err
				}
			}
			return out, nil
		case schema.NodeStatusWaitingForApproval, schema.NodeStatusWaitingForReview:
			if err := e.resolveGate(ctx, run, qid, prior); err != nil {
				return nil, err
			}
			prevStatus = prior.Status
			retryCount = prior.RetryCount
		case schema.NodeStatusRunning:
			// Interrupted mid-flight (e.g. a nested suspension); re-enter.
			prevStatus = schema.NodeStatusRunning
			retryCount = prior.RetryCount
		}
	}

	if err := e.markRunning(ctx, run, qid, input, prevStatus, retryCount); err != nil {
		return nil, err
	}

	output, err := e.dispatch(ctx, run, qid, node, input)
	if err == nil && resolve != nil {
		err = resolve(output)
	}
	if err != nil {
		if _, ok := AsSuspension(err); ok {
			// Not a failure: the suspension write already set the node state.
			return nil, err
		}
		e.markFailed(ctx, run, qid, err)
		return nil, err
	}

	if err := e.markCompleted(ctx, run, qid, output); err != nil {
		return nil, err
	}
	return output, nil
}

// dispatch routes one node to its variant-specific execution.
func (e *Executor) dispatch(ctx context.Context, run *Run, qid string, node *schema.Node, input any) (any, error) {
	switch node.Type {
	case schema.NodeTypeGroup:
		return e.executeGroup(ctx, run, qid, node, input)
	case schema.NodeTypeTransform:
		return e.transform.Eval(node.Fn, input, nil)
	case schema.NodeTypeLLM:
		return e.executeLLM(ctx, run, qid, node, input)
	case schema.NodeTypeCallWorkflow:
		return e.executeCallWorkflow(ctx, run, qid, node, input)
	case schema.NodeTypeStream, schema.NodeTypeGenerator:
		return nil, schema.NewErrorf(schema.ErrCodeUnimplemented,
			"%s nodes are not implemented", node.Type).WithNode(qid)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType,
			"unknown node type: %s", node.Type).WithNode(qid)
	}
}

// executeGroup walks a group from its entry sentinel to its exit sentinel.
// Groups are acyclic by contract; a revisited id fails the traversal.
func (e *Executor) executeGroup(ctx context.Context, run *Run, qid string, group *schema.Node, input any) (any, error) {
	if group.EntryPoint == "" || group.ExitPoint == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"group %s is missing entry or exit point", qid).WithNode(qid)
	}

	current := group.EntryPoint
	curInput := input
	visited := make(map[string]bool, len(group.Nodes)+1)

	for {
		visited[current] = true
		node, isNode := group.Nodes[current]

		var edge *schema.Edge
		resolve := func(output any) error {
			sel, err := e.selectEdge(ctx, run, group, current, input, output)
			if err != nil {
				return err
			}
			if sel == nil {
				return schema.NewErrorf(schema.ErrCodeDanglingNode,
					"node %s has no outgoing edge", current).WithNode(current)
			}
			if sel.To != group.ExitPoint && visited[sel.To] {
				return schema.NewErrorf(schema.ErrCodeCycleDetected,
					"cycle detected: edge %s -> %s revisits a traversed node", current, sel.To).
					WithNode(current)
			}
			edge = sel
			return nil
		}

		var output any
		if isNode {
			out, err := e.executeChild(ctx, run, qid+"."+current, node, curInput, resolve)
			if err != nil {
				return nil, err
			}
			output = out
		} else {
			// Sentinel (entry): the virtual output is the group's input.
			output = curInput
			if err := resolve(output); err != nil {
				return nil, err
			}
		}

		curInput = projectEdge(*edge, output)
		if edge.To == group.ExitPoint {
			return curInput, nil
		}
		current = edge.To
	}
}

// selectEdge returns the first edge leaving current whose guard condition
// matches; an absent condition always matches.
func (e *Executor) selectEdge(ctx context.Context, run *Run, group *schema.Node, current string, groupInput, output any) (*schema.Edge, error) {
	for i := range group.Edges {
		edge := &group.Edges[i]
		if edge.From != current {
			continue
		}
		if edge.Condition == "" {
			return edge, nil
		}
		data := map[string]any{
			"input":  asGuardMap(groupInput),
			"output": asGuardMap(output),
			"session": map[string]any{
				"session_id":  run.SessionID,
				"workflow_id": run.WorkflowID,
			},
		}
		ok, err := e.guards.Matches(ctx, edge.Condition, data)
		if err != nil {
			return nil, err
		}
		if ok {
			return edge, nil
		}
	}
	return nil, nil
}

// asGuardMap exposes a value to guard expressions: maps pass through,
// anything else is wrapped under "value".
func asGuardMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if v == nil {
		return map[string]any{}
	}
	return map[string]any{"value": v}
}

// projectEdge applies the edge's field projections to the producer output.
func projectEdge(edge schema.Edge, output any) any {
	v := output
	if edge.OutputField != "" {
		if m, ok := output.(map[string]any); ok {
			v = m[edge.OutputField]
		}
	}
	if edge.InputField != "" {
		v = map[string]any{edge.InputField: v}
	}
	return v
}

// executeLLM gates on human review, interpolates the system prompt, resolves
// declared tools, invokes the provider, and settles budget accounting.
func (e *Executor) executeLLM(ctx context.Context, run *Run, qid string, node *schema.Node, input any) (any, error) {
	// Review happens before the provider call: the approval context carries
	// the node input submitted for review.
	if node.RequiresHumanReview && !run.approvedGates[qid] {
		return nil, e.suspend(ctx, run, qid, input,
			schema.ApprovalTypeHumanReview,
			store.ApprovalContext{LLMOutput: mustJSON(input)},
			schema.NodeStatusWaitingForReview)
	}

	system := node.SystemPrompt
	if strings.Contains(system, "${") {
		interpolated, err := e.interp.Interpolate(system, map[string]any{"input": input})
		if err != nil {
			return nil, err
		}
		system = interpolated
	}

	toolSet := make([]tools.Tool, 0, len(node.AvailableTools))
	for _, decl := range node.AvailableTools {
		tool, err := e.tools.Get(decl.Name)
		if err != nil {
			return nil, err
		}
		toolSet = append(toolSet, tool)
	}

	res, err := e.llm.Execute(ctx, input, llm.Request{
		Model:        e.defaultModel,
		SystemPrompt: system,
		Tools:        toolSet,
		MaxRetries:   node.MaxRetries,
		SessionID:    run.SessionID,
		NodeID:       qid,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, schema.NewErrorf(schema.ErrCodeLLMProvider,
			"llm call failed: %s", res.Error).WithNode(qid)
	}

	if run.BudgetPoolID != "" && res.Usage != nil && res.Usage.TotalTokens > 0 {
		if err := e.consumeBudget(ctx, run, qid, input, res.Usage.TotalTokens); err != nil {
			return nil, err
		}
	}

	return res.Text, nil
}

// consumeBudget charges the run's pool for the reported usage. Exhaustion
// either fails the node or, when the run opted in, suspends on a
// budget_increase approval.
func (e *Executor) consumeBudget(ctx context.Context, run *Run, qid string, input any, totalTokens int64) error {
	err := e.budget.Consume(ctx, run.BudgetPoolID, totalTokens)
	if err == nil {
		return nil
	}

	var serr *schema.Error
	if run.BudgetApprovals && errors.As(err, &serr) && serr.Code == schema.ErrCodeBudgetExhausted {
		var currentUsage int64
		if pool, perr := e.budget.Get(ctx, run.BudgetPoolID); perr == nil {
			currentUsage = pool.UsedBudget
		}
		return e.suspend(ctx, run, qid, input,
			schema.ApprovalTypeBudgetIncrease,
			store.ApprovalContext{RequestedBudget: totalTokens, CurrentUsage: currentUsage},
			schema.NodeStatusWaitingForApproval)
	}
	return err
}

// executeCallWorkflow gates on approval, maps the input, delegates to the
// run controller for the nested run, and maps the output.
func (e *Executor) executeCallWorkflow(ctx context.Context, run *Run, qid string, node *schema.Node, input any) (any, error) {
	if node.RequiresApproval && !run.approvedGates[qid] {
		return nil, e.suspend(ctx, run, qid, input,
			schema.ApprovalTypeWorkflowCall,
			store.ApprovalContext{WorkflowRef: node.WorkflowRef},
			schema.NodeStatusWaitingForApproval)
	}
	if e.caller == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no workflow caller wired").WithNode(qid)
	}

	if _, err := e.store.GetWorkflow(ctx, node.WorkflowRef); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound,
			"workflow not found: %s", node.WorkflowRef).WithNode(qid).WithCause(err)
	}

	nestedInput := input
	if node.InputMapping != nil {
		mapped, err := e.transform.Eval(node.InputMapping, input, nil)
		if err != nil {
			return nil, err
		}
		nestedInput = mapped
	}

	// The nested run inherits this run's budget pool.
	output, err := e.caller.ExecuteNested(ctx, node.WorkflowRef, nestedInput, run.BudgetPoolID)
	if err != nil {
		return nil, err
	}

	if node.OutputMapping != nil {
		mapped, err := e.transform.Eval(node.OutputMapping, output, nil)
		if err != nil {
			return nil, err
		}
		output = mapped
	}
	return output, nil
}

// resolveGate consults the pending approval a waiting node suspended on.
// Approved opens the gate; rejected fails the node; still-pending re-raises
// the suspension; expired fails as not approved.
func (e *Executor) resolveGate(ctx context.Context, run *Run, qid string, prior *store.NodeState) error {
	if prior.PendingApprovalID == "" {
		return schema.NewErrorf(schema.ErrCodeApprovalNotFound,
			"node %s is waiting but has no pending approval", qid).WithNode(qid)
	}
	approval, err := e.store.GetApproval(ctx, prior.PendingApprovalID)
	if err != nil {
		return err
	}

	switch approval.Status {
	case schema.ApprovalStatusApproved:
		run.approvedGates[qid] = true
		return nil
	case schema.ApprovalStatusRejected:
		var ferr *schema.Error
		if approval.Type == schema.ApprovalTypeHumanReview {
			ferr = schema.NewErrorf(schema.ErrCodeReviewRejected,
				"review rejected by %s: %s", approval.ResolvedBy, approval.ResolutionNotes).WithNode(qid)
		} else {
			ferr = schema.NewErrorf(schema.ErrCodeNotApproved,
				"approval %s rejected by %s", approval.ID, approval.ResolvedBy).WithNode(qid)
		}
		e.markFailed(ctx, run, qid, ferr)
		return ferr
	case schema.ApprovalStatusExpired:
		ferr := schema.NewErrorf(schema.ErrCodeNotApproved,
			"approval %s expired", approval.ID).WithNode(qid)
		e.markFailed(ctx, run, qid, ferr)
		return ferr
	default:
		return &SuspensionError{ApprovalID: approval.ID, Type: approval.Type, NodeID: qid}
	}
}

// suspend writes the approval row, the session's waiting status, and the
// node's waiting state in one transaction, then returns the distinguished
// suspension signal.
func (e *Executor) suspend(ctx context.Context, run *Run, qid string, input any, apType schema.ApprovalType, apCtx store.ApprovalContext, nodeStatus schema.NodeStatus) error {
	approvalID := uuid.NewString()
	now := time.Now().UTC()
	sessionStatus := schema.StatusForApproval(apType)

	if err := e.sessionFSM.Transition(ctx, run.SessionID, schema.SessionStatusRunning, sessionStatus); err != nil {
		return err
	}
	if err := e.nodeFSM.Transition(ctx, run.SessionID, qid, schema.NodeStatusRunning, nodeStatus); err != nil {
		return err
	}

	var expiresAt *time.Time
	if run.ApprovalTTL > 0 {
		t := now.Add(run.ApprovalTTL)
		expiresAt = &t
	}

	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if err := e.store.CreateApproval(ctx, &store.ApprovalRequest{
			ID:        approvalID,
			SessionID: run.SessionID,
			NodeID:    qid,
			Type:      apType,
			Status:    schema.ApprovalStatusPending,
			Context:   apCtx,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}); err != nil {
			return err
		}

		if err := e.store.UpdateSession(ctx, run.SessionID, store.SessionUpdate{Status: &sessionStatus}); err != nil {
			return err
		}

		state, err := e.store.GetExecutionState(ctx, run.SessionID)
		if err != nil {
			return err
		}
		state.Status = sessionStatus
		if err := e.store.SaveExecutionState(ctx, state); err != nil {
			return err
		}

		started := now
		retryCount := 0
		if prior, ok := run.Prior[qid]; ok {
			if prior.StartedAt != nil {
				started = *prior.StartedAt
			}
			retryCount = prior.RetryCount
		}
		return e.store.UpdateNodeState(ctx, run.SessionID, &store.NodeState{
			NodeID:            qid,
			Status:            nodeStatus,
			Input:             mustJSON(input),
			StartedAt:         &started,
			RetryCount:        retryCount,
			PendingApprovalID: approvalID,
		})
	})
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "run suspended on approval",
		slog.String("approval_id", approvalID),
		slog.String("approval_type", string(apType)))

	return &SuspensionError{ApprovalID: approvalID, Type: apType, NodeID: qid}
}

// --- Node state bookkeeping ---

func (e *Executor) markRunning(ctx context.Context, run *Run, qid string, input any, prev schema.NodeStatus, retryCount int) error {
	if prev != schema.NodeStatusRunning {
		if err := e.nodeFSM.Transition(ctx, run.SessionID, qid, prev, schema.NodeStatusRunning); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	return e.store.UpdateNodeState(ctx, run.SessionID, &store.NodeState{
		NodeID:     qid,
		Status:     schema.NodeStatusRunning,
		Input:      mustJSON(input),
		StartedAt:  &now,
		RetryCount: retryCount,
	})
}

func (e *Executor) markCompleted(ctx context.Context, run *Run, qid string, output any) error {
	if err := e.nodeFSM.Transition(ctx, run.SessionID, qid, schema.NodeStatusRunning, schema.NodeStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	state := &store.NodeState{
		NodeID:      qid,
		Status:      schema.NodeStatusCompleted,
		Output:      mustJSON(output),
		CompletedAt: &now,
	}
	if prior, ok := run.Prior[qid]; ok {
		state.Input = prior.Input
		state.StartedAt = prior.StartedAt
		state.RetryCount = prior.RetryCount
	}
	if state.Input == nil {
		if cur, err := e.store.GetExecutionState(ctx, run.SessionID); err == nil {
			if ns, ok := cur.NodeStates[qid]; ok {
				state.Input = ns.Input
				state.StartedAt = ns.StartedAt
				state.RetryCount = ns.RetryCount
			}
		}
	}
	return e.store.UpdateNodeState(ctx, run.SessionID, state)
}

func (e *Executor) markFailed(ctx context.Context, run *Run, qid string, cause error) {
	from := schema.NodeStatusRunning
	if prior, ok := run.Prior[qid]; ok && (prior.Status == schema.NodeStatusWaitingForApproval || prior.Status == schema.NodeStatusWaitingForReview) {
		// A gate rejection fails the node straight out of its waiting state.
		if !run.approvedGates[qid] {
			from = prior.Status
		}
	}
	if err := e.nodeFSM.Transition(ctx, run.SessionID, qid, from, schema.NodeStatusFailed); err != nil {
		e.logger.WarnContext(ctx, "node failure transition rejected",
			slog.String("error", err.Error()))
	}
	now := time.Now().UTC()
	state := &store.NodeState{
		NodeID:      qid,
		Status:      schema.NodeStatusFailed,
		Error:       cause.Error(),
		CompletedAt: &now,
	}
	if cur, err := e.store.GetExecutionState(ctx, run.SessionID); err == nil {
		if ns, ok := cur.NodeStates[qid]; ok {
			state.Input = ns.Input
			state.Output = ns.Output
			state.StartedAt = ns.StartedAt
			state.RetryCount = ns.RetryCount
		}
	}
	if err := e.store.UpdateNodeState(ctx, run.SessionID, state); err != nil {
		e.logger.ErrorContext(ctx, "node failure write failed",
			slog.String("error", err.Error()))
	}
}

// --- Helpers ---

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]any{"unserializable": err.Error()})
	}
	return b
}

func decodeValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
