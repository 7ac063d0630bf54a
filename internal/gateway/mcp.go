package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// MCPServer is a connected MCP collaborator speaking stdio. Its advertised
// tools register into the gateway next to the builtins, so executors invoke
// them by name without knowing which process serves them.
type MCPServer struct {
	name   string
	client *client.Client
	log    *zap.Logger
	tools  []mcp.Tool
}

// ConnectMCP launches the server process, runs the initialize handshake and
// lists the tools it advertises.
func ConnectMCP(ctx context.Context, name, command string, cmdArgs, env []string, log *zap.Logger) (*MCPServer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := client.NewStdioMCPClient(command, env, cmdArgs...)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: start %q: %w", name, command, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "paperforge",
		Version: "0.1.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp %s: initialize: %w", name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp %s: list tools: %w", name, err)
	}

	log.Info("mcp server connected",
		zap.String("server", name),
		zap.Int("tools", len(listed.Tools)))

	return &MCPServer{
		name:   name,
		client: c,
		log:    log,
		tools:  listed.Tools,
	}, nil
}

// Name returns the configured server name.
func (s *MCPServer) Name() string { return s.name }

// ToolNames returns the names of the tools the server advertised.
func (s *MCPServer) ToolNames() []string {
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.Name
	}
	return names
}

// Register adds every advertised tool to reg under its native name. MCP tool
// names are global in this pipeline; a collision with a builtin or another
// server is a configuration error.
func (s *MCPServer) Register(reg *Registry) error {
	for _, def := range s.tools {
		if err := reg.Register(&mcpTool{server: s, def: def}); err != nil {
			return fmt.Errorf("mcp %s: %w", s.name, err)
		}
	}
	return nil
}

// Close shuts the server process down.
func (s *MCPServer) Close() error {
	return s.client.Close()
}

// mcpTool adapts one advertised MCP tool to the Tool interface.
type mcpTool struct {
	server *MCPServer
	def    mcp.Tool
}

func (t *mcpTool) Name() string { return t.def.Name }

func (t *mcpTool) Description() string { return t.def.Description }

func (t *mcpTool) Invoke(ctx context.Context, args Args) (Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.def.Name
	req.Params.Arguments = map[string]any(args)

	res, err := t.server.client.CallTool(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("mcp %s: call %s: %w", t.server.name, t.def.Name, err)
	}

	text := joinTextContent(res.Content)
	if res.IsError {
		// Server-reported tool errors stay retryable; rate limits and
		// upstream hiccups are the common case here.
		return Result{}, fmt.Errorf("mcp %s: tool %s failed: %s", t.server.name, t.def.Name, text)
	}
	return Result{
		Content: text,
		Fields:  map[string]string{"server": t.server.name},
	}, nil
}

// joinTextContent concatenates the text parts of a tool result, skipping
// non-text content.
func joinTextContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
