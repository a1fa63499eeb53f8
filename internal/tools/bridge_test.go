package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/pkg/schema"
)

func TestFieldRecordWrapsIntoObjectSchema(t *testing.T) {
	record := FieldRecord{
		"city": {Description: "city name", Type: "string"},
		"days": {Type: "integer"},
	}

	doc, err := record.Document()
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.Equal(t, "object", parsed["type"])
	props := parsed["properties"].(map[string]any)
	assert.Contains(t, props, "city")
	assert.Contains(t, props, "days")
}

func TestSchemaDocumentValidatesArgs(t *testing.T) {
	doc, err := NewSchemaDocument(json.RawMessage(`{
		"type": "object",
		"required": ["q"],
		"properties": {"q": {"type": "string"}}
	}`))
	require.NoError(t, err)

	input, err := doc.Parse(json.RawMessage(`{"q": "hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", input["q"])

	_, err = doc.Parse(json.RawMessage(`{"q": 42}`))
	require.Error(t, err)

	_, err = doc.Parse(json.RawMessage(`{}`))
	require.Error(t, err, "missing required field must fail")
}

func TestSchemaDocumentRejectsBadSchema(t *testing.T) {
	_, err := NewSchemaDocument(json.RawMessage(`{"type": ["not", 1, "valid"`))
	require.Error(t, err)
}

func TestBridgeInvokeLogsCall(t *testing.T) {
	s := store.NewMemoryStore()
	bridge := NewBridge(s, nil)

	tool := Tool{
		Name:   "adder",
		Schema: FieldRecord{"a": {Type: "number"}, "b": {Type: "number"}},
		Execute: func(_ context.Context, input map[string]any, call CallContext) (any, error) {
			assert.NotEmpty(t, call.ToolCallID)
			return input["a"].(float64) + input["b"].(float64), nil
		},
	}

	wrapped := bridge.Wrap(tool, "exec-1")
	out, err := wrapped.Invoke(context.Background(), "call-1", json.RawMessage(`{"a": 1, "b": 2}`))
	require.NoError(t, err)
	assert.Equal(t, 3.0, out)

	logs, err := s.GetToolCallsByExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "adder", logs[0].ToolName)
	assert.Equal(t, "call-1", logs[0].ToolCallID)
	assert.JSONEq(t, `{"a": 1, "b": 2}`, string(logs[0].Args))
	assert.JSONEq(t, `3`, string(logs[0].Result))
	assert.Empty(t, logs[0].Error)
}

func TestBridgeSynthesizesToolCallID(t *testing.T) {
	s := store.NewMemoryStore()
	bridge := NewBridge(s, nil)

	var seen string
	tool := Tool{
		Name:   "probe",
		Schema: FieldRecord{},
		Execute: func(_ context.Context, _ map[string]any, call CallContext) (any, error) {
			seen = call.ToolCallID
			return "ok", nil
		},
	}

	_, err := bridge.Wrap(tool, "exec-2").Invoke(context.Background(), "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, seen, "bridge must synthesize an id when the provider supplies none")

	logs, err := s.GetToolCallsByExecution(context.Background(), "exec-2")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, seen, logs[0].ToolCallID)
}

func TestBridgeRecordsToolError(t *testing.T) {
	s := store.NewMemoryStore()
	bridge := NewBridge(s, nil)

	tool := Tool{
		Name:   "flaky",
		Schema: FieldRecord{},
		Execute: func(_ context.Context, _ map[string]any, _ CallContext) (any, error) {
			return nil, errors.New("upstream down")
		},
	}

	_, err := bridge.Wrap(tool, "exec-3").Invoke(context.Background(), "c", nil)
	require.Error(t, err)
	var serr *schema.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, schema.ErrCodeToolExecution, serr.Code)

	logs, err := s.GetToolCallsByExecution(context.Background(), "exec-3")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "upstream down")
}

func TestRegistryDuplicateAndLookup(t *testing.T) {
	r := NewRegistry()
	tool := Tool{
		Name:    "t1",
		Schema:  FieldRecord{},
		Execute: func(_ context.Context, _ map[string]any, _ CallContext) (any, error) { return nil, nil },
	}

	require.NoError(t, r.Register(tool))
	err := r.Register(tool)
	require.Error(t, err)
	var serr *schema.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, schema.ErrCodeConflict, serr.Code)

	got, err := r.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Name)

	_, err = r.Get("absent")
	require.Error(t, err)

	assert.Equal(t, []string{"t1"}, r.Names())
}
