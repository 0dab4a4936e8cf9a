package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/voxgate/voxgate/internal/bus"
)

// Dispatcher routes tool calls from the dialogue and intent services to the
// registry. One instance serves all sessions.
type Dispatcher struct {
	registry *Registry
	bus      *bus.Bus
}

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(registry *Registry, b *bus.Bus) *Dispatcher {
	return &Dispatcher{registry: registry, bus: b}
}

// Registry returns the dispatcher's tool table.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs one tool call and converts every failure mode into an
// ActionResponse; it never returns an error to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, pctx *Context, name, argsJSON string) (resp ActionResponse) {
	sessionID := ""
	if pctx != nil && pctx.Session != nil {
		sessionID = pctx.Session.ID
	}

	d.bus.Publish(bus.ToolCallRequest{
		Meta:      bus.NewMeta(sessionID),
		Tool:      name,
		Arguments: argsJSON,
	})
	defer func() {
		d.bus.Publish(bus.ToolCallResponse{
			Meta:   bus.NewMeta(sessionID),
			Tool:   name,
			Action: string(resp.Action),
		})
	}()

	tool, ok := d.registry.Get(name)
	if !ok {
		if pctx != nil && pctx.Device != nil && pctx.Device.Has(name) {
			return d.dispatchDevice(ctx, pctx, name, argsJSON, sessionID)
		}
		slog.Warn("tool not found", "session_id", sessionID, "tool", name)
		return ActionResponse{
			Action: ActionNotFound,
			Result: fmt.Sprintf("tool %q is not registered", name),
		}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ActionResponse{
				Action: ActionError,
				Result: fmt.Sprintf("malformed arguments for %q: %v", name, err),
			}
		}
	}

	defer func() {
		// A panicking tool must not take the session down.
		if r := recover(); r != nil {
			slog.Error("tool panicked", "session_id", sessionID, "tool", name, "panic", r)
			resp = ActionResponse{
				Action: ActionError,
				Result: fmt.Sprintf("tool %q panicked: %v", name, r),
			}
		}
	}()

	out, err := tool.Handler(ctx, pctx, args)
	if err != nil {
		slog.Error("tool failed", "session_id", sessionID, "tool", name, "error", err)
		return ActionResponse{
			Action: ActionError,
			Result: err.Error(),
		}
	}
	return out
}

// dispatchDevice forwards one call over the session's mcp channel.
func (d *Dispatcher) dispatchDevice(ctx context.Context, pctx *Context, name, argsJSON, sessionID string) ActionResponse {
	result, err := pctx.Device.Call(ctx, name, argsJSON)
	if err != nil {
		slog.Error("device tool failed", "session_id", sessionID, "tool", name, "error", err)
		return ActionResponse{Action: ActionError, Result: err.Error()}
	}
	return ActionResponse{Action: ActionReqLLM, Result: result}
}
