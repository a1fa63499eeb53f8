package store

import "context"

// Store defines the persistence layer contract consumed by the core.
// All implementations must be safe for concurrent use.
//
// Cascade semantics: deleting a session removes its execution state, node
// states, LLM executions (and their tool call logs), approvals, and events.
// Budget pools are independent of sessions and are never cascaded.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *StoredWorkflow) error
	GetWorkflow(ctx context.Context, id string) (*StoredWorkflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*StoredWorkflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	DeleteWorkflow(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) error
	DeleteSession(ctx context.Context, id string) error

	// Execution state (one row per session; SessionID is unique)
	SaveExecutionState(ctx context.Context, st *ExecutionState) error
	GetExecutionState(ctx context.Context, sessionID string) (*ExecutionState, error)
	UpdateNodeState(ctx context.Context, sessionID string, state *NodeState) error

	// LLM executions
	SaveLLMExecution(ctx context.Context, rec *LLMExecution) error
	GetLLMExecutionsBySession(ctx context.Context, sessionID string) ([]*LLMExecution, error)
	GetLLMExecutionsByNode(ctx context.Context, sessionID, nodeID string) ([]*LLMExecution, error)

	// Budget pools. UpdateBudgetPool is a compare-and-update: it fails with
	// a CONFLICT error when the stored version differs from expectedVersion,
	// and bumps the version on success.
	CreateBudgetPool(ctx context.Context, pool *BudgetPool) error
	GetBudgetPool(ctx context.Context, id string) (*BudgetPool, error)
	UpdateBudgetPool(ctx context.Context, pool *BudgetPool, expectedVersion int64) error
	GetChildPools(ctx context.Context, parentID string) ([]*BudgetPool, error)

	// Tool call logs
	LogToolCall(ctx context.Context, log *ToolCallLog) error
	GetToolCallsByExecution(ctx context.Context, executionID string) ([]*ToolCallLog, error)
	GetToolCallsBySession(ctx context.Context, sessionID string) ([]*ToolCallLog, error)

	// Approvals
	CreateApproval(ctx context.Context, req *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error)
	UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error)

	// WithTx runs fn atomically: every store call made through the context
	// it receives joins one transaction, committed when fn returns nil and
	// rolled back when it returns an error.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
