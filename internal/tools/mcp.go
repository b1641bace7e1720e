package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
)

// ServerTransport selects how an MCP server is reached.
type ServerTransport string

const (
	TransportStdio          ServerTransport = "stdio"
	TransportStreamableHTTP ServerTransport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t ServerTransport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one external MCP server whose tools join the
// registry alongside the builtins.
type ServerConfig struct {
	// Name identifies the server in logs and ownership tracking.
	Name string `yaml:"name"`

	// Transport is stdio or streamable-http.
	Transport ServerTransport `yaml:"transport"`

	// Command is the stdio executable plus arguments, space separated.
	Command string `yaml:"command,omitempty"`

	// URL is the streamable-http endpoint.
	URL string `yaml:"url,omitempty"`

	// Env adds environment variables for stdio servers.
	Env map[string]string `yaml:"env,omitempty"`
}

// MCPConnector owns the sessions to external MCP servers. One connector
// serves the whole process; per-call registries reference its sessions.
//
// Safe for concurrent use.
type MCPConnector struct {
	client *mcpsdk.Client
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewMCPConnector returns a connector with no sessions.
func NewMCPConnector(log *slog.Logger) *MCPConnector {
	if log == nil {
		log = slog.Default()
	}
	return &MCPConnector{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxloop", Version: "1.0.0"},
			nil,
		),
		log:      log,
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Register connects to the server described by cfg and adds its tools to
// reg. Reconnecting an existing server name replaces the old session.
func (c *MCPConnector) Register(ctx context.Context, reg *Registry, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: mcp server must have a name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("tools: mcp server %q needs a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: mcp server %q needs a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("tools: mcp server %q has unknown transport %q", cfg.Name, cfg.Transport)
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect mcp server %q: %w", cfg.Name, err)
	}

	var count int
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools of mcp server %q: %w", cfg.Name, err)
		}
		if err := reg.Register(c.bridgeTool(cfg.Name, *tool)); err != nil {
			_ = session.Close()
			return err
		}
		count++
	}

	c.mu.Lock()
	if old, ok := c.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	c.sessions[cfg.Name] = session
	c.mu.Unlock()

	c.log.Info("mcp server registered", "server", cfg.Name, "tools", count)
	return nil
}

// bridgeTool wraps one remote tool as a registry Tool. Remote tools never
// mutate Call state; they always dispatch concurrently.
func (c *MCPConnector) bridgeTool(server string, tool mcpsdk.Tool) Tool {
	return Tool{
		Definition: pllm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		},
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			c.mu.Lock()
			session, ok := c.sessions[server]
			c.mu.Unlock()
			if !ok {
				return Result{}, fmt.Errorf("tools: mcp server %q is gone", server)
			}

			var args map[string]any
			if inv.Args != "" {
				if err := json.Unmarshal([]byte(inv.Args), &args); err != nil {
					return Result{Error: fmt.Sprintf("decode arguments: %v", err)}, nil
				}
			}
			res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
				Name:      tool.Name,
				Arguments: args,
			})
			if err != nil {
				return Result{}, fmt.Errorf("tools: call %q on mcp server %q: %w", tool.Name, server, err)
			}

			var sb strings.Builder
			for _, content := range res.Content {
				if tc, ok := content.(*mcpsdk.TextContent); ok {
					sb.WriteString(tc.Text)
				}
			}
			if res.IsError {
				return Result{Error: sb.String()}, nil
			}
			return Result{Content: sb.String()}, nil
		},
	}
}

// Close shuts every session down.
func (c *MCPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close mcp server %q: %w", name, err)
		}
		delete(c.sessions, name)
	}
	return firstErr
}

// schemaToMap normalizes whatever schema shape the SDK delivers.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
