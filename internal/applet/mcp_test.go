package applet

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/geochat/internal/config"
)

// This mirrors MCPClient in mcp.go
type mockMCPClient struct {
	InitializeFunc func(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListToolsFunc  func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallToolFunc   func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	CloseFunc      func() error

	calls []mcp.CallToolParams
}

func (m *mockMCPClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx, req)
	}
	return &mcp.InitializeResult{}, nil
}

func (m *mockMCPClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if m.ListToolsFunc != nil {
		return m.ListToolsFunc(ctx, req)
	}
	return &mcp.ListToolsResult{Tools: []mcp.Tool{}}, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m.calls = append(m.calls, request.Params)
	if m.CallToolFunc != nil {
		return m.CallToolFunc(ctx, request)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok"}},
	}, nil
}

func (m *mockMCPClient) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func TestMCPBackend_EvalCommand(t *testing.T) {
	c := &mockMCPClient{}
	b := NewMCPBackend(c)

	require.NoError(t, b.EvalCommand(context.Background(), "A = (1,2)"))
	require.Len(t, c.calls, 1)
	require.Equal(t, ToolEvalCommand, c.calls[0].Name)
	require.Equal(t, map[string]any{"command": "A = (1,2)"}, c.calls[0].Arguments)
}

func TestMCPBackend_ToolErrorBecomesError(t *testing.T) {
	c := &mockMCPClient{
		CallToolFunc: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "Unknown command: Foo"}},
			}, nil
		},
	}
	b := NewMCPBackend(c)

	err := b.EvalCommand(context.Background(), "Foo[]")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Unknown command: Foo")
}

func TestMCPBackend_TransportError(t *testing.T) {
	broken := errors.New("connection reset")
	c := &mockMCPClient{
		CallToolFunc: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, broken
		},
	}
	require.ErrorIs(t, NewMCPBackend(c).Reset(context.Background()), broken)
}

func TestMCPBackend_SizeSetterReady(t *testing.T) {
	listed := false
	c := &mockMCPClient{
		ListToolsFunc: func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			tools := []mcp.Tool{{Name: ToolEvalCommand}}
			if listed {
				tools = append(tools, mcp.Tool{Name: ToolSetSize})
			}
			return &mcp.ListToolsResult{Tools: tools}, nil
		},
	}
	b := NewMCPBackend(c)
	require.False(t, b.SizeSetterReady(context.Background()))
	listed = true
	require.True(t, b.SizeSetterReady(context.Background()))
}

func TestMCPBackend_SetSize(t *testing.T) {
	c := &mockMCPClient{}
	require.NoError(t, NewMCPBackend(c).SetSize(context.Background(), 640, 480))
	require.Equal(t, ToolSetSize, c.calls[0].Name)
	require.Equal(t, map[string]any{"width": 640, "height": 480}, c.calls[0].Arguments)
}

func loadedNotification() mcp.JSONRPCNotification {
	return mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: LoadedNotification},
	}
}

func TestMCPBackend_LoadedNotificationIsConstructorCallback(t *testing.T) {
	c := &mockMCPClient{}
	b := NewMCPBackend(c)

	fired := 0
	require.NoError(t, b.Inject(context.Background(), "geogebra-container", func() { fired++ }))
	require.Equal(t, ToolInject, c.calls[0].Name)
	require.Equal(t, map[string]any{"container": "geogebra-container"}, c.calls[0].Arguments)
	require.Zero(t, fired)

	b.HandleNotification(mcp.JSONRPCNotification{Notification: mcp.Notification{Method: "notifications/other"}})
	require.Zero(t, fired)

	b.HandleNotification(loadedNotification())
	require.Equal(t, 1, fired)
}

func TestMCPBackend_EarlyLoadedNotification(t *testing.T) {
	b := NewMCPBackend(&mockMCPClient{})
	b.HandleNotification(loadedNotification())

	fired := 0
	require.NoError(t, b.Inject(context.Background(), "c", func() { fired++ }))
	require.Equal(t, 1, fired)
}

func TestMCPBackend_DrivesHandleToReady(t *testing.T) {
	b := NewMCPBackend(&mockMCPClient{})
	h := NewHandle(b, DefaultOptions())
	defer h.Close()

	require.NoError(t, h.Boot(context.Background()))
	b.HandleNotification(loadedNotification())
	waitReady(t, h)
}

func TestDial_NoEngineConfigured(t *testing.T) {
	_, err := Dial(context.Background(), config.AppletConfig{Type: config.ClientTypeNone})
	require.ErrorIs(t, err, ErrNoEngine)

	_, err = Dial(context.Background(), config.AppletConfig{Type: "carrier-pigeon"})
	require.Error(t, err)
}
