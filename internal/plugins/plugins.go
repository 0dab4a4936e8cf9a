// Package plugins holds the process-wide tool registry and the dispatcher
// that routes LLM tool calls to their handlers.
//
// The registry is populated during startup (builtins, MCP hosts, device
// clients) and is read-only afterwards; dispatch never mutates it.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/container"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// Type classifies a tool by the context its handler needs.
type Type int

const (
	// Wait tools are side-effect-free and run synchronously.
	Wait Type = iota

	// SystemCtl tools control the server side of the session.
	SystemCtl

	// IoTCtl tools send commands to the device's advertised IoT descriptors.
	IoTCtl

	// ChangeSysPrompt tools rewrite the dialogue's system message.
	ChangeSysPrompt

	// MCP tools are forwarded to a device or external MCP endpoint.
	MCP
)

// Action is the dialogue-side disposition of a tool result.
type Action string

const (
	// ActionRespond carries a finished reply to synthesize directly.
	ActionRespond Action = "RESPONSE"

	// ActionReqLLM feeds the result back to the LLM for another round.
	ActionReqLLM Action = "REQLLM"

	// ActionNotFound reports an unknown tool name.
	ActionNotFound Action = "NOTFOUND"

	// ActionError reports a handler failure.
	ActionError Action = "ERROR"

	// ActionNone means the tool completed silently.
	ActionNone Action = "NONE"
)

// ActionResponse is what every dispatch returns.
type ActionResponse struct {
	// Action selects how the dialogue service consumes the result.
	Action Action

	// Result is machine-facing output, fed back to the LLM on REQLLM.
	Result string

	// Response is user-facing text, synthesized on RESPONSE.
	Response string

	// File is a WAV clip played after Response, inside the same reply.
	File string
}

// Speaker is the playback surface tools use to produce audio. Satisfied by
// the session's TTS orchestrator.
type Speaker interface {
	SynthesizeOneSentence(text string)
	PlayOneFile(path string)
}

// DeviceTools is the session-scoped tool surface a connected device exposes
// over its mcp control channel. The dispatcher consults it for names the
// process-wide registry does not know.
type DeviceTools interface {
	Definitions() []llm.ToolDefinition
	Has(name string) bool
	Call(ctx context.Context, name, args string) (string, error)
}

// Context gives stateful tools access to the session they run in.
type Context struct {
	Session   *session.Context
	Container *container.Container
	Bus       *bus.Bus
	Speaker   Speaker

	// Device is the session's device-side tool channel; nil when the device
	// did not advertise mcp support.
	Device DeviceTools
}

// HandlerFunc executes one tool call. args is the decoded arguments object;
// nil when the call carried no arguments.
type HandlerFunc func(ctx context.Context, pctx *Context, args map[string]any) (ActionResponse, error)

// Tool is one registry entry.
type Tool struct {
	Name        string
	Description string
	Type        Type
	Definition  llm.ToolDefinition
	Handler     HandlerFunc
}

// Registry is the process-wide tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the entry; startup
// code owns the ordering.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("plugins: tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("plugins: tool %q has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the LLM-facing tool definitions, sorted by name so
// prompt assembly is deterministic.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDefinition is a convenience constructor for the common schema shape.
func NewDefinition(name, description string, properties map[string]any, required []string) llm.ToolDefinition {
	params := map[string]any{"type": "object"}
	if len(properties) > 0 {
		params["properties"] = properties
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return llm.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  params,
	}
}
