package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/plugins"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// protocolVersion is the MCP revision spoken over the device channel.
const protocolVersion = "2024-11-05"

// callTimeout bounds one request/response round trip with the device.
const callTimeout = 30 * time.Second

// rpcMessage is the JSON-RPC 2.0 envelope carried in {type:"mcp"} payloads.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type deviceTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// DeviceClient speaks MCP with the connected device over the session's
// control channel. It initialises the protocol after the hello exchange,
// imports the device's tool list, and serves tools/call requests.
type DeviceClient struct {
	sess *session.Context

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcMessage
	tools   map[string]deviceTool
}

var _ plugins.DeviceTools = (*DeviceClient)(nil)

// NewDeviceClient wires a client for the session. Initialisation starts when
// the hello frame arrives with the mcp feature flag set.
func NewDeviceClient(sess *session.Context, b *bus.Bus) *DeviceClient {
	c := &DeviceClient{
		sess:    sess,
		pending: make(map[int64]chan rpcMessage),
		tools:   make(map[string]deviceTool),
	}

	b.SubscribeSync(bus.TextMessageReceived{}, func(ev bus.Event) {
		e := ev.(bus.TextMessageReceived)
		if e.SessionID != sess.ID {
			return
		}
		switch e.Type {
		case "hello":
			if sess.MCPReady() {
				go c.initialize()
			}
		case "mcp":
			c.onPayload(e.Payload)
		}
	})
	return c
}

// ── plugins.DeviceTools ──────────────────────────────────────────────────────

// Definitions returns the device's advertised tools for prompt assembly.
func (c *DeviceClient) Definitions() []llm.ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	defs := make([]llm.ToolDefinition, 0, len(c.tools))
	for _, t := range c.tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return defs
}

// Has reports whether the device advertised a tool under name.
func (c *DeviceClient) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tools[name]
	return ok
}

// Call invokes one device tool and returns the concatenated text content.
func (c *DeviceClient) Call(ctx context.Context, name, args string) (string, error) {
	var arguments map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &arguments); err != nil {
			return "", fmt.Errorf("mcp: invalid arguments for device tool %q: %w", name, err)
		}
	}

	reply, err := c.request(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(reply, &result); err != nil {
		return "", fmt.Errorf("mcp: malformed tools/call result from device: %w", err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if content.Type == "text" {
			sb.WriteString(content.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcp: device tool %q failed: %s", name, sb.String())
	}
	return sb.String(), nil
}

// ── protocol ─────────────────────────────────────────────────────────────────

// initialize runs the MCP handshake and imports the device tool list.
func (c *DeviceClient) initialize() {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	_, err := c.request(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "voxgate", "version": "1.0.0"},
	})
	if err != nil {
		slog.Warn("device mcp initialize failed", "session_id", c.sess.ID, "error", err)
		return
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		slog.Debug("device mcp initialized notify failed", "session_id", c.sess.ID, "error", err)
	}

	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		reply, err := c.request(ctx, "tools/list", params)
		if err != nil {
			slog.Warn("device mcp tools/list failed", "session_id", c.sess.ID, "error", err)
			return
		}

		var page struct {
			Tools      []deviceTool `json:"tools"`
			NextCursor string       `json:"nextCursor"`
		}
		if err := json.Unmarshal(reply, &page); err != nil {
			slog.Warn("malformed device tool list", "session_id", c.sess.ID, "error", err)
			return
		}

		c.mu.Lock()
		for _, t := range page.Tools {
			c.tools[t.Name] = t
		}
		count := len(c.tools)
		c.mu.Unlock()

		if page.NextCursor == "" {
			slog.Info("device tools imported", "session_id", c.sess.ID, "tools", count)
			return
		}
		cursor = page.NextCursor
	}
}

// request sends one JSON-RPC request and waits for its response.
func (c *DeviceClient) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.send(ctx, rpcMessage{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return nil, fmt.Errorf("mcp: device %s error %d: %s", method, reply.Error.Code, reply.Error.Message)
		}
		return reply.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("mcp: device %s: %w", method, ctx.Err())
	case <-c.sess.Lifecycle.Done():
		return nil, transport.ErrClosed
	}
}

// notify sends a JSON-RPC notification (no response expected).
func (c *DeviceClient) notify(ctx context.Context, method string) error {
	return c.send(ctx, rpcMessage{JSONRPC: "2.0", Method: method})
}

func (c *DeviceClient) send(ctx context.Context, msg rpcMessage) error {
	return transport.SendJSON(ctx, c.sess.Transport, map[string]any{
		"type":       "mcp",
		"session_id": c.sess.ID,
		"payload":    msg,
	})
}

// onPayload routes one inbound mcp payload to its waiting request.
func (c *DeviceClient) onPayload(payload []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Debug("malformed device mcp payload", "session_id", c.sess.ID, "error", err)
		return
	}
	if msg.ID == 0 {
		// Notification from the device; nothing consumes these yet.
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if !ok {
		slog.Debug("unmatched device mcp response", "session_id", c.sess.ID, "id", msg.ID)
		return
	}
	ch <- msg
}
