package llm

import (
	"context"
	"encoding/json"

	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/internal/tools"
)

// Provider is the text-generation contract consumed by the core. The
// provider is expected to run the tool-call/response loop internally and
// return the final text plus the aggregated tool-call list.
type Provider interface {
	GenerateText(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// GenerateRequest is a single provider invocation.
type GenerateRequest struct {
	Model       string
	System      string
	Prompt      string
	Tools       []tools.ProviderTool
	MaxRetries  int
	Temperature float64
	MaxTokens   int
}

// ToolCall is one tool invocation the provider made during generation.
type ToolCall struct {
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     any             `json:"result,omitempty"`
}

// GenerateResult is the provider's final answer.
type GenerateResult struct {
	Text      string
	ToolCalls []ToolCall
	Usage     *store.TokenUsage
}
