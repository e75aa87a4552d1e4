package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/floatchat-go/internal/config"
	"github.com/comigor/floatchat-go/internal/logger"
)

// MCPClient is the part of an MCP client the engine uses.
type MCPClient interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPEngine answers turns by calling a tool on an MCP server.
type MCPEngine struct {
	client MCPClient
	tool   string
}

// NewMCPEngine connects to the server, starts the transport and performs the MCP handshake.
func NewMCPEngine(ctx context.Context, cfg config.MCPConfig) (*MCPEngine, error) {
	var (
		c   *client.Client
		err error
	)
	switch cfg.Transport {
	case config.MCPTransportSSE:
		var sseOpts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(cfg.Headers))
		}
		c, err = client.NewSSEMCPClient(cfg.URL, sseOpts...)
	case config.MCPTransportStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(cfg.URL, httpOpts...)
	case config.MCPTransportStdio:
		var env []string
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
		}
		c, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	default:
		return nil, fmt.Errorf("analytics: unsupported mcp transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}

	// stdio clients are started by their constructor
	if cfg.Transport != config.MCPTransportStdio {
		if err := c.Start(ctx); err != nil {
			if cerr := c.Close(); cerr != nil {
				logger.L.Warn("MCP client close error after start failure", "error", cerr)
			}
			return nil, fmt.Errorf("start mcp transport: %w", err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "floatchat", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		if cerr := c.Close(); cerr != nil {
			logger.L.Warn("MCP client close error after init failure", "error", cerr)
		}
		return nil, fmt.Errorf("initialize mcp client: %w", err)
	}
	logger.L.Info("MCP analytics engine initialized", "transport", cfg.Transport, "tool", cfg.Tool)
	return NewMCPEngineWithClient(c, cfg.Tool), nil
}

// NewMCPEngineWithClient wraps an already initialized client.
func NewMCPEngineWithClient(c MCPClient, tool string) *MCPEngine {
	if tool == "" {
		tool = "query"
	}
	return &MCPEngine{client: c, tool: tool}
}

func (e *MCPEngine) Query(ctx context.Context, req Request) (Answer, error) {
	history := make([]map[string]any, len(req.History))
	for i, h := range req.History {
		history[i] = map[string]any{"role": h.Role, "content": h.Content}
	}

	logger.L.Debug("calling MCP analytics tool", "tool", e.tool, "history", len(req.History))
	res, err := e.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name: e.tool,
			Arguments: map[string]any{
				"message": req.Message,
				"role":    req.Role,
				"history": history,
			},
		},
	})
	if err != nil {
		return Answer{}, fmt.Errorf("call tool %s: %w", e.tool, err)
	}
	if res == nil {
		return Answer{}, fmt.Errorf("%w: empty tool result", ErrMalformedAnswer)
	}

	text := firstText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return Answer{}, errors.New("analytics tool error: " + text)
	}
	if text == "" {
		return Answer{}, fmt.Errorf("%w: no text content", ErrMalformedAnswer)
	}

	// Tools either return the engine's JSON document or a plain answer.
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return decodeAnswer([]byte(trimmed))
	}
	return Answer{Text: text}, nil
}

func (e *MCPEngine) Close() error { return e.client.Close() }

func firstText(contents []mcp.Content) string {
	for _, c := range contents {
		if t, ok := c.(mcp.TextContent); ok {
			return t.Text
		}
	}
	return ""
}
