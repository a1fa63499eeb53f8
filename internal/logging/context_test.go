package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, SessionID(ctx))
	assert.Empty(t, NodeID(ctx))
	assert.Empty(t, WorkflowID(ctx))

	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithNodeID(ctx, "root.llm")
	ctx = WithWorkflowID(ctx, "wf-1")

	assert.Equal(t, "sess-1", SessionID(ctx))
	assert.Equal(t, "root.llm", NodeID(ctx))
	assert.Equal(t, "wf-1", WorkflowID(ctx))
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithNodeID(WithSessionID(context.Background(), "sess-1"), "root.t")
	logger.InfoContext(ctx, "node executed")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"session_id":"sess-1"`)
	assert.Contains(t, out, `"node_id":"root.t"`)
	assert.Contains(t, out, "node executed")
}

func TestCorrelationHandlerOmitsMissingIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	out := buf.String()
	assert.NotContains(t, out, "session_id")
	assert.NotContains(t, out, "node_id")
	assert.NotContains(t, out, "workflow_id")
}
