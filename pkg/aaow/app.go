package aaow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dirt-rain/aaow/internal/budget"
	"github.com/dirt-rain/aaow/internal/controller"
	"github.com/dirt-rain/aaow/internal/engine"
	"github.com/dirt-rain/aaow/internal/expressions"
	"github.com/dirt-rain/aaow/internal/llm"
	"github.com/dirt-rain/aaow/internal/logging"
	"github.com/dirt-rain/aaow/internal/scheduler"
	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/internal/tools"
	"github.com/dirt-rain/aaow/pkg/schema"
)

// Aliases re-export the contracts callers interact with.
type (
	// Store is the persistence contract; bring your own or use the built-in
	// memory/libSQL implementations selected by Config.
	Store = store.Store

	// Provider is the LLM text-generation contract.
	Provider = llm.Provider

	GenerateRequest = llm.GenerateRequest
	GenerateResult  = llm.GenerateResult
	ToolCall        = llm.ToolCall
	TokenUsage      = store.TokenUsage

	// Tool is a caller-supplied executable tool for LLM nodes.
	Tool        = tools.Tool
	InputSchema = tools.InputSchema
	FieldRecord = tools.FieldRecord
	Field       = tools.Field

	StoredWorkflow  = store.StoredWorkflow
	Session         = store.Session
	ExecutionState  = store.ExecutionState
	ApprovalRequest = store.ApprovalRequest
	BudgetPool      = store.BudgetPool

	ExecuteOptions = controller.ExecuteOptions
	ExecuteResult  = controller.ExecuteResult

	// BudgetManager exposes pool operations beyond create/get.
	BudgetManager = budget.Manager
)

// NewSchemaDocument compiles a JSON Schema tool-argument document.
var NewSchemaDocument = tools.NewSchemaDocument

// Config configures an application handle.
type Config struct {
	// Store overrides the built-in stores. Nil selects StorePath (libSQL)
	// when set, the in-memory store otherwise.
	Store Store

	// StorePath is a libSQL file URI, e.g. "file:/var/lib/aaow/aaow.db".
	StorePath string

	// Provider generates text for LLM nodes. Optional when no workflow
	// uses LLM nodes.
	Provider Provider

	Logger       *slog.Logger
	DefaultModel string

	// ApprovalTTL stamps an expiry on emitted approvals; zero disables.
	ApprovalTTL time.Duration

	// SweepSchedule is a 5-field cron spec for the approval expiry sweeper;
	// empty disables sweeping.
	SweepSchedule string
}

// App is the application handle: the sole public entrypoint of the core.
type App struct {
	store      Store
	ownedStore bool
	logger     *slog.Logger

	registry   *tools.Registry
	budget     *budget.Manager
	controller *controller.Controller
	sweeper    *scheduler.Sweeper

	sweepSchedule string
}

// New builds an App from cfg. Call Initialize before use and Close when done.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(logging.NewCorrelationHandler(slog.Default().Handler()))
	}

	s := cfg.Store
	ownedStore := false
	if s == nil {
		if cfg.StorePath != "" {
			libsql, err := store.NewLibSQLStore(cfg.StorePath)
			if err != nil {
				return nil, err
			}
			s = libsql
		} else {
			s = store.NewMemoryStore()
		}
		ownedStore = true
	}

	provider := cfg.Provider
	if provider == nil {
		provider = unconfiguredProvider{}
	}

	guards, err := expressions.NewGuardEvaluator()
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	bridge := tools.NewBridge(s, logger)
	llmExec := llm.NewExecutor(provider, bridge, s, logger)
	budgetMgr := budget.NewManager(s, logger)

	exec := engine.NewExecutor(s, budgetMgr, llmExec, registry, guards, logger, cfg.DefaultModel)
	ctrl := controller.New(s, exec, budgetMgr, logger, cfg.ApprovalTTL)

	return &App{
		store:         s,
		ownedStore:    ownedStore,
		logger:        logger,
		registry:      registry,
		budget:        budgetMgr,
		controller:    ctrl,
		sweeper:       scheduler.NewSweeper(s, logger),
		sweepSchedule: cfg.SweepSchedule,
	}, nil
}

// Initialize migrates the store and starts the approval sweeper when a
// schedule is configured.
func (a *App) Initialize(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return err
	}
	if a.sweepSchedule != "" {
		if err := a.sweeper.Start(a.sweepSchedule); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the sweeper and closes the store when this App opened it.
func (a *App) Close() error {
	a.sweeper.Stop()
	if a.ownedStore {
		return a.store.Close()
	}
	return nil
}

// RegisterTool makes a tool available to LLM nodes by name.
func (a *App) RegisterTool(tool Tool) error {
	return a.registry.Register(tool)
}

// Budget exposes the budget pool manager.
func (a *App) Budget() *BudgetManager { return a.budget }

// --- Workflows ---

// SaveWorkflow persists a workflow definition. A missing id is generated.
func (a *App) SaveWorkflow(ctx context.Context, wf *StoredWorkflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Definition.Root == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no root node")
	}
	if wf.Definition.Root.Type != schema.NodeTypeGroup {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow root must be a group, got %s", wf.Definition.Root.Type)
	}
	return a.store.SaveWorkflow(ctx, wf)
}

// GetWorkflow loads a stored workflow by id.
func (a *App) GetWorkflow(ctx context.Context, id string) (*StoredWorkflow, error) {
	return a.store.GetWorkflow(ctx, id)
}

// --- Runs ---

// ExecuteWorkflow starts a run of the stored workflow against input.
func (a *App) ExecuteWorkflow(ctx context.Context, workflowID string, input any, opts ...ExecuteOptions) (*ExecuteResult, error) {
	var o ExecuteOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return a.controller.Execute(ctx, workflowID, input, o)
}

// ResumeSession re-enters a suspended session after its approval resolved.
func (a *App) ResumeSession(ctx context.Context, sessionID, approvalID string) (*ExecuteResult, error) {
	return a.controller.Resume(ctx, sessionID, approvalID)
}

// GetSession loads a session by id.
func (a *App) GetSession(ctx context.Context, id string) (*Session, error) {
	return a.store.GetSession(ctx, id)
}

// GetExecutionState loads a session's execution state.
func (a *App) GetExecutionState(ctx context.Context, sessionID string) (*ExecutionState, error) {
	return a.store.GetExecutionState(ctx, sessionID)
}

// DeleteSession removes a session and everything it owns.
func (a *App) DeleteSession(ctx context.Context, id string) error {
	return a.store.DeleteSession(ctx, id)
}

// --- Approvals ---

// ApproveRequest resolves a pending approval as approved.
func (a *App) ApproveRequest(ctx context.Context, id, approvedBy, notes string) error {
	return a.resolveApproval(ctx, id, schema.ApprovalStatusApproved, approvedBy, notes)
}

// RejectRequest resolves a pending approval as rejected.
func (a *App) RejectRequest(ctx context.Context, id, rejectedBy, reason string) error {
	return a.resolveApproval(ctx, id, schema.ApprovalStatusRejected, rejectedBy, reason)
}

func (a *App) resolveApproval(ctx context.Context, id string, status schema.ApprovalStatus, by, notes string) error {
	approval, err := a.store.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	if approval.Status != schema.ApprovalStatusPending {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"approval %s is %s, not pending", id, approval.Status)
	}
	now := time.Now().UTC()
	if err := a.store.UpdateApproval(ctx, id, store.ApprovalUpdate{
		Status:          &status,
		ResolvedBy:      by,
		ResolvedAt:      &now,
		ResolutionNotes: notes,
	}); err != nil {
		return err
	}
	return a.store.AppendEvent(ctx, &store.Event{
		SessionID: approval.SessionID,
		NodeID:    approval.NodeID,
		Type:      schema.EventApprovalResolved,
	})
}

// GetApprovalRequest loads an approval by id.
func (a *App) GetApprovalRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	return a.store.GetApproval(ctx, id)
}

// ListPendingApprovals lists pending approvals, optionally scoped to a session.
func (a *App) ListPendingApprovals(ctx context.Context, sessionID string) ([]*ApprovalRequest, error) {
	pending := schema.ApprovalStatusPending
	return a.store.ListApprovals(ctx, store.ApprovalFilter{
		SessionID: sessionID,
		Status:    &pending,
	})
}

// --- Budget pools ---

// CreateBudgetPool registers a new pool, optionally under a parent.
func (a *App) CreateBudgetPool(ctx context.Context, id string, total int64, parentID string, metadata map[string]any) (*BudgetPool, error) {
	if id == "" {
		id = uuid.NewString()
	}
	return a.budget.Create(ctx, id, total, parentID, metadata)
}

// GetBudgetPool loads a pool by id.
func (a *App) GetBudgetPool(ctx context.Context, id string) (*BudgetPool, error) {
	return a.budget.Get(ctx, id)
}

// unconfiguredProvider fails LLM nodes when no provider was supplied.
type unconfiguredProvider struct{}

func (unconfiguredProvider) GenerateText(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	return nil, schema.NewError(schema.ErrCodeLLMProvider, "no llm provider configured")
}
