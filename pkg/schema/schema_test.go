package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewErrorf(ErrCodeCycleDetected, "cycle via %s", "a").WithNode("root.a")
	assert.Equal(t, "[CYCLE_DETECTED] node root.a: cycle via a", err.Error())

	plain := NewError(ErrCodeStore, "disk full")
	assert.Equal(t, "[STORE_ERROR] disk full", plain.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewError(ErrCodeStore, "wrapped").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestErrorRetryability(t *testing.T) {
	assert.True(t, NewError(ErrCodeLLMProvider, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeStore, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeBudgetExhausted, "x").IsRetryable())
}

func TestSessionStatusPredicates(t *testing.T) {
	assert.True(t, SessionStatusCompleted.Terminal())
	assert.True(t, SessionStatusFailed.Terminal())
	assert.False(t, SessionStatusRunning.Terminal())

	assert.True(t, SessionStatusWaitingForHumanReview.Waiting())
	assert.True(t, SessionStatusWaitingForBudgetApproval.Waiting())
	assert.True(t, SessionStatusWaitingForWorkflowApproval.Waiting())
	assert.False(t, SessionStatusPaused.Waiting())
	assert.False(t, SessionStatusRunning.Waiting())
}

func TestStatusForApproval(t *testing.T) {
	assert.Equal(t, SessionStatusWaitingForHumanReview, StatusForApproval(ApprovalTypeHumanReview))
	assert.Equal(t, SessionStatusWaitingForBudgetApproval, StatusForApproval(ApprovalTypeBudgetIncrease))
	assert.Equal(t, SessionStatusWaitingForWorkflowApproval, StatusForApproval(ApprovalTypeWorkflowCall))
}

func TestMessageTypeResolveFollowsRefs(t *testing.T) {
	typedefs := map[string]*MessageType{
		"Name":  StringType(),
		"Alias": RefType("Name"),
	}

	resolved := RefType("Alias").Resolve(typedefs)
	assert.Equal(t, MessageKindString, resolved.Kind)

	// Unknown refs return unchanged.
	unknown := RefType("Ghost").Resolve(typedefs)
	assert.Equal(t, MessageKindRef, unknown.Kind)

	// Self-referential chains are cut, not looped.
	cyclic := map[string]*MessageType{"Loop": RefType("Loop")}
	assert.Equal(t, MessageKindRef, RefType("Loop").Resolve(cyclic).Kind)
}

func TestNodeTreeJSONRoundTrip(t *testing.T) {
	def := WorkflowDefinition{
		Root: &Node{
			Type:       NodeTypeGroup,
			Label:      "main",
			EntryPoint: "entry",
			ExitPoint:  "exit",
			Nodes: map[string]*Node{
				"llm": {
					Type:                NodeTypeLLM,
					MaxRetries:          2,
					SystemPrompt:        "be terse",
					RequiresHumanReview: true,
					InputType:           StringType(),
					OutputType: ObjectType(map[string]MessageField{
						"answer": {Description: "the reply", Type: StringType()},
					}),
				},
				"shape": {
					Type: NodeTypeTransform,
					Fn: Object(map[string]*TransformExpr{
						"a": Get("x", "y"),
						"b": If([]string{"kind"}, map[string]*TransformExpr{"ok": Const(1.0)}),
					}),
				},
			},
			Edges: []Edge{
				{From: "entry", To: "llm"},
				{From: "llm", To: "shape", OutputField: "answer", InputField: "text"},
				{From: "shape", To: "exit", Condition: `output.a != ""`},
			},
		},
		Typedefs: map[string]*MessageType{
			"Reply": TaggedUnionType(map[string]MessageField{
				"ok":  {Type: StringType()},
				"err": {Type: OptionalType(StringType())},
			}),
		},
	}

	raw, err := json.Marshal(def)
	require.NoError(t, err)

	var back WorkflowDefinition
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, def, back)
}
