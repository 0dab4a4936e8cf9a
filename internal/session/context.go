// Package session holds the per-connection state of the gateway: the session
// Context, its Dialogue history, and the Manager that owns all live sessions.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/lifecycle"
	"github.com/voxgate/voxgate/internal/transport"
)

// Context is the state of one device connection. The identity fields and the
// session id are immutable after creation; runtime flags are safe for
// concurrent use through their accessors.
type Context struct {
	// Identity, read-only after Create.
	ID       string
	DeviceID string
	ClientID string
	ClientIP string

	// Config is this session's private copy of the effective configuration.
	// Mutations never affect other sessions.
	Config *config.Config

	// Lifecycle owns the stop signal and the start/stop hook lists.
	Lifecycle *lifecycle.Manager

	// Transport is the device connection.
	Transport transport.Transport

	// Dialogue is the conversation history driving LLM prompts.
	Dialogue *Dialogue

	// Runtime flags. Written from the router/listen/playback goroutines.
	speaking     atomic.Bool
	haveVoice    atomic.Bool
	voiceStopped atomic.Bool
	justWokenUp  atomic.Bool
	clientAbort  atomic.Bool
	lastActivity atomic.Int64 // unix millis

	mu             sync.Mutex
	audioFormat    config.AudioFormat
	listenMode     config.ListenMode
	sentenceID     string
	llmFinished    bool
	ttsMessageText string
	needBind       bool
	bindCode       string
	closeAfterChat bool
	closeReason    string
	iotDescriptors map[string]any
	mcpReady       bool
}

func newContext(id, deviceID, clientID, clientIP string, cfg *config.Config, t transport.Transport) *Context {
	c := &Context{
		ID:             id,
		DeviceID:       deviceID,
		ClientID:       clientID,
		ClientIP:       clientIP,
		Config:         cfg,
		Lifecycle:      lifecycle.New(id),
		Transport:      t,
		Dialogue:       NewDialogue(),
		audioFormat:    config.FormatOpus,
		listenMode:     config.ListenAuto,
		llmFinished:    true,
		iotDescriptors: map[string]any{},
	}
	c.Touch()
	return c
}

// ── runtime flags ────────────────────────────────────────────────────────────

// Speaking reports whether the server is currently sending TTS frames.
func (c *Context) Speaking() bool { return c.speaking.Load() }

// SetSpeaking flips the speaking flag.
func (c *Context) SetSpeaking(v bool) { c.speaking.Store(v) }

// HaveVoice reports whether the VAD currently sees speech.
func (c *Context) HaveVoice() bool { return c.haveVoice.Load() }

// SetHaveVoice flips the have-voice flag.
func (c *Context) SetHaveVoice(v bool) { c.haveVoice.Store(v) }

// VoiceStopped reports whether the current utterance has ended.
func (c *Context) VoiceStopped() bool { return c.voiceStopped.Load() }

// SetVoiceStopped flips the voice-stopped flag.
func (c *Context) SetVoiceStopped(v bool) { c.voiceStopped.Store(v) }

// JustWokenUp reports whether the post-wake-word VAD suppression window is
// active.
func (c *Context) JustWokenUp() bool { return c.justWokenUp.Load() }

// SetJustWokenUp flips the suppression window flag.
func (c *Context) SetJustWokenUp(v bool) { c.justWokenUp.Store(v) }

// Aborted reports whether the client requested an abort of the current turn.
func (c *Context) Aborted() bool { return c.clientAbort.Load() }

// SetAborted flips the client-abort flag.
func (c *Context) SetAborted(v bool) { c.clientAbort.Store(v) }

// Touch advances the activity clock to now.
func (c *Context) Touch() { c.lastActivity.Store(time.Now().UnixMilli()) }

// LastActivity returns the time of the last counted activity.
func (c *Context) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// IdleFor returns how long the session has been inactive.
func (c *Context) IdleFor() time.Duration {
	return time.Since(c.LastActivity())
}

// ── negotiated parameters ────────────────────────────────────────────────────

// AudioFormat returns the negotiated inbound audio format.
func (c *Context) AudioFormat() config.AudioFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioFormat
}

// SetAudioFormat records the format negotiated in the hello exchange.
func (c *Context) SetAudioFormat(f config.AudioFormat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioFormat = f
}

// ListenMode returns the current listen mode.
func (c *Context) ListenMode() config.ListenMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenMode
}

// SetListenMode updates the listen mode from a listen control frame.
func (c *Context) SetListenMode(m config.ListenMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listenMode = m
}

// ── dialogue turn state ──────────────────────────────────────────────────────

// BeginTurn mints a new sentence id and marks the LLM turn in flight.
// Returns false without starting when another turn is already running.
func (c *Context) BeginTurn(sentenceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.llmFinished {
		return false
	}
	c.sentenceID = sentenceID
	c.llmFinished = false
	c.ttsMessageText = ""
	return true
}

// FinishTurn marks the current LLM turn complete.
func (c *Context) FinishTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.llmFinished = true
}

// TurnInFlight reports whether an LLM turn is currently running.
func (c *Context) TurnInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.llmFinished
}

// SentenceID returns the id of the current assistant turn.
func (c *Context) SentenceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentenceID
}

// AppendTurnText accumulates assistant text for the current turn.
func (c *Context) AppendTurnText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttsMessageText += text
}

// TurnText returns the accumulated assistant text of the current turn.
func (c *Context) TurnText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttsMessageText
}

// ── binding and teardown state ───────────────────────────────────────────────

// SetBinding records whether the device must be bound and its code.
func (c *Context) SetBinding(needBind bool, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needBind = needBind
	c.bindCode = code
}

// Binding returns the binding state.
func (c *Context) Binding() (needBind bool, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needBind, c.bindCode
}

// SetCloseAfterChat schedules session teardown once the current TTS turn
// finishes.
func (c *Context) SetCloseAfterChat(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeAfterChat = v
}

// CloseAfterChat reports whether teardown is scheduled for end of turn.
func (c *Context) CloseAfterChat() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeAfterChat
}

// SetCloseReason records why the scheduled teardown was requested.
func (c *Context) SetCloseReason(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeReason = reason
}

// CloseReason returns the recorded teardown reason, empty when none was set.
func (c *Context) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// ── device capabilities ──────────────────────────────────────────────────────

// SetIoTDescriptors merges descriptor advertisements from an iot frame.
func (c *Context) SetIoTDescriptors(descriptors map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range descriptors {
		c.iotDescriptors[k] = v
	}
}

// IoTDescriptors returns a copy of the advertised descriptors.
func (c *Context) IoTDescriptors() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.iotDescriptors))
	for k, v := range c.iotDescriptors {
		out[k] = v
	}
	return out
}

// SetMCPReady records that the device advertised the mcp capability.
func (c *Context) SetMCPReady(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mcpReady = v
}

// MCPReady reports whether the device supports mcp tool calls.
func (c *Context) MCPReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mcpReady
}
