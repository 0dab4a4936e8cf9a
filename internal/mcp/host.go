// Package mcp connects the gateway's tool surface to the Model Context
// Protocol in both directions: Host imports tools from external MCP servers
// into the process-wide registry, DeviceClient drives the tool channel a
// connected device exposes over {type:"mcp"} control frames.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/plugins"
	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// Host owns the connections to external MCP tool servers. Tools discovered on
// those servers are registered into the plugin registry at startup.
type Host struct {
	mu      sync.Mutex
	client  *mcpsdk.Client
	servers map[string]*mcpsdk.ClientSession
}

// NewHost creates a Host with no connections.
func NewHost() *Host {
	return &Host{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxgate", Version: "1.0.0"},
			nil,
		),
		servers: make(map[string]*mcpsdk.ClientSession),
	}
}

// RegisterServers connects to every configured server and registers its tool
// catalogue into registry. A failing server aborts startup.
func (h *Host) RegisterServers(ctx context.Context, registry *plugins.Registry, cfgs []config.MCPServerConfig) error {
	for _, cfg := range cfgs {
		if err := h.registerServer(ctx, registry, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) registerServer(ctx context.Context, registry *plugins.Registry, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp: server config must have a name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case "stdio":
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return fmt.Errorf("mcp: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case "streamable-http":
		if cfg.URL == "" {
			return fmt.Errorf("mcp: streamable-http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect to server %q: %w", cfg.Name, err)
	}

	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp: list tools of server %q: %w", cfg.Name, err)
		}
		if err := registry.Register(serverTool(session, *tool)); err != nil {
			_ = session.Close()
			return err
		}
	}

	h.mu.Lock()
	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
	}
	h.servers[cfg.Name] = session
	h.mu.Unlock()
	return nil
}

// serverTool wraps one discovered MCP tool as a registry entry.
func serverTool(session *mcpsdk.ClientSession, t mcpsdk.Tool) plugins.Tool {
	return plugins.Tool{
		Name:        t.Name,
		Description: t.Description,
		Type:        plugins.MCP,
		Definition: llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		},
		Handler: func(ctx context.Context, pctx *plugins.Context, args map[string]any) (plugins.ActionResponse, error) {
			result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
				Name:      t.Name,
				Arguments: args,
			})
			if err != nil {
				return plugins.ActionResponse{}, fmt.Errorf("mcp: call %q: %w", t.Name, err)
			}

			var sb strings.Builder
			for _, c := range result.Content {
				if tc, ok := c.(*mcpsdk.TextContent); ok {
					sb.WriteString(tc.Text)
				}
			}
			if result.IsError {
				return plugins.ActionResponse{
					Action: plugins.ActionError,
					Result: sb.String(),
				}, nil
			}
			return plugins.ActionResponse{
				Action: plugins.ActionReqLLM,
				Result: sb.String(),
			}, nil
		},
	}
}

// schemaToMap normalises whatever schema type the SDK hands back into the
// map shape the LLM providers expect.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Close shuts down every server connection.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	return firstErr
}
