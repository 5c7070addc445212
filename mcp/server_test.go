package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/leanflow"
)

const approvalYAML = `
code: leave
activities:
  - {id: start, type: start}
  - {id: approve, type: userTask, assignee: bob}
  - {id: end, type: end}
connections:
  - {source: start, target: approve}
  - {source: approve, target: end}
`

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	app := leanflow.NewApp(
		leanflow.WithDatabase(filepath.Join(t.TempDir(), "mcp.db")),
		leanflow.WithBackground(false),
		leanflow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	server := NewServer(app, opts...)
	ctx := context.Background()
	require.NoError(t, server.Initialize(ctx))
	t.Cleanup(func() { _ = server.Shutdown(ctx) })

	_, err := app.PublishDefinitionSource(ctx, []byte(approvalYAML), "admin")
	require.NoError(t, err)
	return server
}

// connect attaches an in-memory client session to server.
func connect(t *testing.T, server *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	serverSession, err := server.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func call(t *testing.T, session *mcp.ClientSession, name string, args any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return res
}

func TestNewServerDefaults(t *testing.T) {
	app := leanflow.NewApp()
	server := NewServer(app)

	assert.Same(t, app, server.App())
	assert.NotNil(t, server.MCPServer())
	assert.Equal(t, "leanflow-mcp-server", server.config.name)
	assert.Equal(t, TransportStdio, server.config.transportMode)
	assert.NotNil(t, server.Handler())
}

func TestNewServerWithOptions(t *testing.T) {
	server := NewServer(leanflow.NewApp(),
		WithServerName("approvals"),
		WithServerVersion("2.0.0"),
		WithTransportMode(TransportHTTP),
		WithDefaultOperator("assistant"),
	)
	assert.Equal(t, "approvals", server.config.name)
	assert.Equal(t, "2.0.0", server.config.version)
	assert.Equal(t, TransportHTTP, server.config.transportMode)
	assert.Equal(t, "assistant", server.config.operator)
}

func TestInitializeIsIdempotent(t *testing.T) {
	server := newTestServer(t)
	assert.NoError(t, server.Initialize(context.Background()))
	assert.True(t, server.App().Ready())
}

func TestToolsAreListed(t *testing.T) {
	session := connect(t, newTestServer(t))
	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"start_process", "process_status", "list_tasks", "complete_task", "signal"}, names)
}

func TestApprovalThroughTools(t *testing.T) {
	session := connect(t, newTestServer(t))

	var started InstanceOutput
	res := call(t, session, "start_process", map[string]any{
		"definition_code": "leave",
		"business_key":    "LR-1",
		"initiator":       "alice",
	}, &started)
	require.False(t, res.IsError)
	assert.Equal(t, "Running", started.Status)
	require.Len(t, started.Tasks, 1)
	assert.Equal(t, "bob", started.Tasks[0].Assignee)

	var listed ListTasksOutput
	call(t, session, "list_tasks", map[string]any{"assignee": "bob"}, &listed)
	require.Len(t, listed.Tasks, 1)

	var ack AckOutput
	res = call(t, session, "complete_task", map[string]any{
		"task_id":   listed.Tasks[0].TaskID,
		"operator":  "bob",
		"variables": map[string]any{"approved": true},
	}, &ack)
	require.False(t, res.IsError)
	assert.True(t, ack.Success)

	var status InstanceOutput
	call(t, session, "process_status", map[string]any{"instance_id": started.InstanceID}, &status)
	assert.Equal(t, "Completed", status.Status)
	assert.NotEmpty(t, status.EndedAt)
	assert.Empty(t, status.Tasks)
}

func TestToolErrors(t *testing.T) {
	session := connect(t, newTestServer(t))

	res := call(t, session, "process_status", map[string]any{"instance_id": "missing"}, nil)
	assert.True(t, res.IsError)

	res = call(t, session, "start_process", map[string]any{"definition_code": "leave"}, nil)
	assert.True(t, res.IsError, "initiator is required without a default operator")

	res = call(t, session, "signal", map[string]any{"correlation_id": "nobody"}, nil)
	assert.True(t, res.IsError)
}

func TestDefaultOperator(t *testing.T) {
	session := connect(t, newTestServer(t, WithDefaultOperator("bob")))

	var started InstanceOutput
	res := call(t, session, "start_process", map[string]any{"definition_code": "leave"}, &started)
	require.False(t, res.IsError)
	require.Len(t, started.Tasks, 1)

	var ack AckOutput
	res = call(t, session, "complete_task", map[string]any{"task_id": started.Tasks[0].TaskID}, &ack)
	require.False(t, res.IsError)
	assert.True(t, ack.Success)
}
