package applet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/geochat/internal/config"
	"github.com/comigor/geochat/internal/logger"
)

// Tool and notification names exposed by the engine bridge.
const (
	ToolInject      = "inject"
	ToolReset       = "reset"
	ToolEvalCommand = "eval_command"
	ToolSetSize     = "set_size"

	LoadedNotification = "notifications/applet_loaded"
)

// ErrNoEngine is returned by Dial when no engine transport is configured.
var ErrNoEngine = errors.New("no geometry engine configured")

// MCPClient is the subset of the mcp-go client the backend relies on.
type MCPClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPBackend drives a geometry engine exposed as MCP tools.
type MCPBackend struct {
	client MCPClient

	mu     sync.Mutex
	onLoad func()
	loaded bool
}

// NewMCPBackend wraps an already initialized client.
func NewMCPBackend(c MCPClient) *MCPBackend {
	return &MCPBackend{client: c}
}

// Dial connects to the engine bridge described by cfg and initializes the session.
func Dial(ctx context.Context, cfg config.AppletConfig) (*MCPBackend, error) {
	var (
		mcpC *client.Client
		err  error
	)

	switch cfg.Type {
	case config.ClientTypeSSE:
		var sseOpts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(cfg.Headers))
		}
		mcpC, err = client.NewSSEMCPClient(cfg.URL, sseOpts...)
	case config.ClientTypeStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(cfg.Headers))
		}
		mcpC, err = client.NewStreamableHttpClient(cfg.URL, httpOpts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		mcpC, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case config.ClientTypeNone, "":
		return nil, ErrNoEngine
	default:
		return nil, fmt.Errorf("unsupported applet transport %q (use sse, streamable_http or stdio)", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("create engine client: %w", err)
	}

	b := NewMCPBackend(mcpC)
	mcpC.OnNotification(b.HandleNotification)

	// stdio transports start on creation
	if cfg.Type != config.ClientTypeStdio {
		if err := mcpC.Start(ctx); err != nil {
			if cerr := mcpC.Close(); cerr != nil {
				logger.L.Warn("engine client close error after start failure", "error", cerr)
			}
			return nil, fmt.Errorf("start engine transport: %w", err)
		}
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "geochat", Version: "0.1.0"},
			Capabilities:    mcp.ClientCapabilities{},
		},
	}
	if _, err := mcpC.Initialize(ctx, initReq); err != nil {
		if cerr := mcpC.Close(); cerr != nil {
			logger.L.Warn("engine client close error after init failure", "error", cerr)
		}
		return nil, fmt.Errorf("initialize engine: %w", err)
	}
	logger.L.Info("geometry engine connected", "type", string(cfg.Type))
	return b, nil
}

// HandleNotification treats the engine's loaded notification as its constructor callback.
func (b *MCPBackend) HandleNotification(n mcp.JSONRPCNotification) {
	if n.Method != LoadedNotification {
		return
	}
	b.mu.Lock()
	b.loaded = true
	cb := b.onLoad
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Inject asks the bridge to load the engine into container.
func (b *MCPBackend) Inject(ctx context.Context, container string, onLoad func()) error {
	b.mu.Lock()
	b.onLoad = onLoad
	b.mu.Unlock()

	if _, err := b.call(ctx, ToolInject, map[string]any{"container": container}); err != nil {
		return err
	}

	b.mu.Lock()
	early := b.loaded
	b.mu.Unlock()
	if early && onLoad != nil {
		onLoad()
	}
	return nil
}

// SizeSetterReady reports whether the bridge currently lists the set_size tool.
func (b *MCPBackend) SizeSetterReady(ctx context.Context) bool {
	res, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil || res == nil {
		return false
	}
	for _, t := range res.Tools {
		if t.Name == ToolSetSize {
			return true
		}
	}
	return false
}

// Reset clears the engine's constructions.
func (b *MCPBackend) Reset(ctx context.Context) error {
	_, err := b.call(ctx, ToolReset, map[string]any{})
	return err
}

// EvalCommand evaluates one command; engine-side syntax errors come back as errors.
func (b *MCPBackend) EvalCommand(ctx context.Context, cmd string) error {
	_, err := b.call(ctx, ToolEvalCommand, map[string]any{"command": cmd})
	return err
}

// SetSize resizes the engine viewport.
func (b *MCPBackend) SetSize(ctx context.Context, width, height int) error {
	_, err := b.call(ctx, ToolSetSize, map[string]any{"width": width, "height": height})
	return err
}

// Close shuts down the MCP session.
func (b *MCPBackend) Close() error {
	return b.client.Close()
}

func (b *MCPBackend) call(ctx context.Context, tool string, args map[string]any) (string, error) {
	res, err := b.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", tool, err)
	}
	if res == nil {
		return "", fmt.Errorf("%s: empty result", tool)
	}
	text := firstText(res)
	if res.IsError {
		if text == "" {
			text = "engine reported an error without details"
		}
		return "", fmt.Errorf("%s: %s", tool, text)
	}
	return text, nil
}

func firstText(res *mcp.CallToolResult) string {
	for _, item := range res.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

var _ Backend = (*MCPBackend)(nil)
