package store

import (
	"encoding/json"
	"time"

	"github.com/dirt-rain/aaow/pkg/schema"
)

// StoredWorkflow is the persisted, versioned workflow definition.
type StoredWorkflow struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	Version    int                       `json:"version"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
	Metadata   map[string]any            `json:"metadata,omitempty"`
}

// Session is a single execution instance of a workflow definition.
// WorkflowSnapshot is frozen at creation; later workflow updates do not
// affect in-flight runs.
type Session struct {
	ID               string                    `json:"id"`
	WorkflowID       string                    `json:"workflow_id"`
	WorkflowSnapshot schema.WorkflowDefinition `json:"workflow_snapshot"`
	Status           schema.SessionStatus      `json:"status"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	Metadata         map[string]any            `json:"metadata,omitempty"`
}

// ExecutionState tracks the progress of one session. SessionID is unique.
type ExecutionState struct {
	SessionID     string                `json:"session_id"`
	BudgetPoolID  string                `json:"budget_pool_id,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	CurrentNodeID string                `json:"current_node_id,omitempty"`
	Status        schema.SessionStatus  `json:"status"`
	NodeStates    map[string]*NodeState `json:"node_states"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
}

// NodeState is the persisted state of a single node execution, keyed by the
// qualified (dotted-path) node id so nested groups stay distinct.
type NodeState struct {
	NodeID            string            `json:"node_id"`
	Status            schema.NodeStatus `json:"status"`
	Input             json.RawMessage   `json:"input,omitempty"`
	Output            json.RawMessage   `json:"output,omitempty"`
	Error             string            `json:"error,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	RetryCount        int               `json:"retry_count"`
	PendingApprovalID string            `json:"pending_approval_id,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// BudgetPool is a hierarchical accounting bucket. Version guards optimistic
// concurrency on consume and top-up.
type BudgetPool struct {
	ID              string            `json:"id"`
	ParentPoolID    string            `json:"parent_pool_id,omitempty"`
	TotalBudget     int64             `json:"total_budget"`
	UsedBudget      int64             `json:"used_budget"`
	RemainingBudget int64             `json:"remaining_budget"`
	Status          schema.PoolStatus `json:"status"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
}

// TokenUsage is the provider-reported token accounting for one LLM call.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// LLMExecution records a single provider invocation, win or lose.
type LLMExecution struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	NodeID    string          `json:"node_id"`
	Timestamp time.Time       `json:"timestamp"`
	Success   bool            `json:"success"`
	Text      string          `json:"text,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	Usage     *TokenUsage     `json:"usage,omitempty"`
	Error     string          `json:"error,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// ToolCallLog records one tool invocation made during an LLM execution.
type ToolCallLog struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// ApprovalContext is the typed payload of an approval request. Which fields
// apply depends on the request type: human_review carries LLMOutput,
// budget_increase carries RequestedBudget and CurrentUsage, workflow_call
// carries WorkflowRef.
type ApprovalContext struct {
	LLMOutput       json.RawMessage `json:"llm_output,omitempty"`
	RequestedBudget int64           `json:"requested_budget,omitempty"`
	CurrentUsage    int64           `json:"current_usage,omitempty"`
	WorkflowRef     string          `json:"workflow_ref,omitempty"`
}

// ApprovalRequest is a pending decision row that pauses a session until an
// external actor approves or rejects it.
type ApprovalRequest struct {
	ID              string                `json:"id"`
	SessionID       string                `json:"session_id"`
	NodeID          string                `json:"node_id"`
	Type            schema.ApprovalType   `json:"type"`
	Status          schema.ApprovalStatus `json:"status"`
	Context         ApprovalContext       `json:"context"`
	CreatedAt       time.Time             `json:"created_at"`
	ExpiresAt       *time.Time            `json:"expires_at,omitempty"`
	ResolvedAt      *time.Time            `json:"resolved_at,omitempty"`
	ResolvedBy      string                `json:"resolved_by,omitempty"`
	ResolutionNotes string                `json:"resolution_notes,omitempty"`
}

// Event is an immutable entry in the append-only run event log.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Name   string `json:"name,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a stored workflow.
type WorkflowUpdate struct {
	Name       *string                    `json:"name,omitempty"`
	Definition *schema.WorkflowDefinition `json:"definition,omitempty"`
	Metadata   map[string]any             `json:"metadata,omitempty"`
}

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status     *schema.SessionStatus `json:"status,omitempty"`
	WorkflowID string                `json:"workflow_id,omitempty"`
	Since      *time.Time            `json:"since,omitempty"`
	Limit      int                   `json:"limit,omitempty"`
	Offset     int                   `json:"offset,omitempty"`
}

// SessionUpdate specifies mutable fields of a session.
type SessionUpdate struct {
	Status   *schema.SessionStatus `json:"status,omitempty"`
	Metadata map[string]any        `json:"metadata,omitempty"`
}

// ApprovalFilter specifies criteria for listing approval requests.
type ApprovalFilter struct {
	SessionID string                 `json:"session_id,omitempty"`
	Status    *schema.ApprovalStatus `json:"status,omitempty"`
	Type      *schema.ApprovalType   `json:"type,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
}

// ApprovalUpdate specifies mutable fields of an approval request.
type ApprovalUpdate struct {
	Status          *schema.ApprovalStatus `json:"status,omitempty"`
	ResolvedBy      string                 `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
	ResolutionNotes string                 `json:"resolution_notes,omitempty"`
}
