package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/internal/tools"
	"github.com/dirt-rain/aaow/pkg/schema"
)

// Executor runs single LLM calls: prompt serialization, tool wrapping,
// retry, usage extraction, and execution record keeping.
type Executor struct {
	provider Provider
	bridge   *tools.Bridge
	store    store.Store
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(provider Provider, bridge *tools.Bridge, s store.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{provider: provider, bridge: bridge, store: s, logger: logger}
}

// Request configures one Execute call.
type Request struct {
	Model        string
	SystemPrompt string
	Tools        []tools.Tool
	MaxRetries   int
	Temperature  float64
	MaxTokens    int

	SessionID string
	NodeID    string
}

// Result is the outcome of one Execute call. Provider failure is reported
// through Success=false and Error, never as a Go error.
type Result struct {
	Success   bool              `json:"success"`
	Text      string            `json:"text,omitempty"`
	ToolCalls []ToolCall        `json:"tool_calls,omitempty"`
	Usage     *store.TokenUsage `json:"usage,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Execute serializes input into a prompt, invokes the provider with the
// node's retry budget, and persists an LLMExecution record win or lose.
// The returned error covers store failures and an input that cannot be
// serialized into a prompt; provider failure is a failed Result.
func (e *Executor) Execute(ctx context.Context, input any, req Request) (*Result, error) {
	prompt, err := serializePrompt(input)
	if err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	wrapped := make([]tools.ProviderTool, 0, len(req.Tools))
	for _, tool := range req.Tools {
		wrapped = append(wrapped, e.bridge.Wrap(tool, executionID))
	}

	genReq := GenerateRequest{
		Model:       req.Model,
		System:      req.SystemPrompt,
		Prompt:      prompt,
		Tools:       wrapped,
		MaxRetries:  req.MaxRetries,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	genRes, genErr := e.generateWithRetry(ctx, genReq, req.MaxRetries)

	rec := &store.LLMExecution{
		ID:        executionID,
		SessionID: req.SessionID,
		NodeID:    req.NodeID,
		Timestamp: time.Now().UTC(),
	}

	if genErr != nil {
		rec.Error = genErr.Error()
		if err := e.store.SaveLLMExecution(ctx, rec); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "save llm execution: %s", err.Error()).WithCause(err)
		}
		return &Result{Success: false, Error: genErr.Error()}, nil
	}

	rec.Success = true
	rec.Text = genRes.Text
	rec.Usage = genRes.Usage
	if len(genRes.ToolCalls) > 0 {
		if raw, err := json.Marshal(genRes.ToolCalls); err == nil {
			rec.ToolCalls = raw
		}
	}
	if err := e.store.SaveLLMExecution(ctx, rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "save llm execution: %s", err.Error()).WithCause(err)
	}

	return &Result{
		Success:   true,
		Text:      genRes.Text,
		ToolCalls: genRes.ToolCalls,
		Usage:     genRes.Usage,
	}, nil
}

// generateWithRetry invokes the provider up to 1+maxRetries times, backing
// off between attempts while the error classifies as retryable.
func (e *Executor) generateWithRetry(ctx context.Context, req GenerateRequest, maxRetries int) (*GenerateResult, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := e.provider.GenerateText(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if attempt >= maxRetries || !IsRetryableError(err) {
			break
		}
		e.logger.WarnContext(ctx, "provider call failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", maxRetries),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(Backoff(attempt)):
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeLLMProvider, "provider call failed: %s", lastErr.Error()).WithCause(lastErr)
}

// serializePrompt renders the node input as the provider prompt: strings
// pass through, everything else becomes canonical JSON.
func serializePrompt(input any) (string, error) {
	if s, ok := input.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "serialize prompt: %s", err.Error()).WithCause(err)
	}
	return string(b), nil
}
