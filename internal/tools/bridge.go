package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/pkg/schema"
)

// Tool is a caller-supplied executable tool made available to LLM nodes.
type Tool struct {
	Name        string
	Description string
	Schema      InputSchema
	Execute     func(ctx context.Context, input map[string]any, call CallContext) (any, error)
}

// CallContext carries per-invocation information to a tool's Execute.
// Cancellation travels on the context passed to Execute.
type CallContext struct {
	ToolCallID string
	Messages   []map[string]any
}

// ProviderTool is the provider-facing shape of a wrapped tool: a JSON Schema
// document plus an Invoke that validates, executes, and logs.
type ProviderTool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Invoke      func(ctx context.Context, toolCallID string, args json.RawMessage) (any, error)
}

// Registry is a thread-safe name-keyed tool registry.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry. Returns error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if tool.Execute == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q has no execute function", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bridge adapts registered tools into provider-shaped tools and logs every
// invocation against the owning LLM execution record.
type Bridge struct {
	store  store.Store
	logger *slog.Logger
}

// NewBridge creates a Bridge.
func NewBridge(s store.Store, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{store: s, logger: logger}
}

// Wrap produces the provider-facing tool for one declaration. executionID
// ties every invocation log to the LLM execution being served.
func (b *Bridge) Wrap(tool Tool, executionID string) ProviderTool {
	doc, err := tool.Schema.Document()
	if err != nil {
		// A schema that cannot render becomes an empty object schema; the
		// tool itself still validates args on invoke.
		doc = json.RawMessage(`{"type":"object"}`)
	}

	return ProviderTool{
		Name:        tool.Name,
		Description: tool.Description,
		Schema:      doc,
		Invoke: func(ctx context.Context, toolCallID string, args json.RawMessage) (any, error) {
			if toolCallID == "" {
				toolCallID = uuid.NewString()
			}

			started := time.Now()
			result, execErr := b.invoke(ctx, tool, toolCallID, args)
			duration := time.Since(started)

			b.log(ctx, executionID, toolCallID, tool.Name, args, result, execErr, started, duration)

			if execErr != nil {
				return nil, execErr
			}
			return result, nil
		},
	}
}

func (b *Bridge) invoke(ctx context.Context, tool Tool, toolCallID string, args json.RawMessage) (any, error) {
	input, err := tool.Schema.Parse(args)
	if err != nil {
		return nil, err
	}
	result, err := tool.Execute(ctx, input, CallContext{ToolCallID: toolCallID})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution,
			"tool %s failed: %s", tool.Name, err.Error()).WithCause(err)
	}
	return result, nil
}

// log persists the invocation. Logging is best-effort: a store failure here
// must never mask the tool's own result.
func (b *Bridge) log(ctx context.Context, executionID, toolCallID, toolName string, args json.RawMessage, result any, execErr error, started time.Time, duration time.Duration) {
	entry := &store.ToolCallLog{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		ToolCallID:  toolCallID,
		ToolName:    toolName,
		Args:        args,
		Timestamp:   started.UTC(),
		DurationMs:  duration.Milliseconds(),
	}
	if execErr != nil {
		entry.Error = execErr.Error()
	} else if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			entry.Result = raw
		}
	}
	if err := b.store.LogToolCall(ctx, entry); err != nil {
		b.logger.WarnContext(ctx, "tool call log write failed",
			slog.String("tool", toolName),
			slog.String("tool_call_id", toolCallID),
			slog.String("error", err.Error()))
	}
}
