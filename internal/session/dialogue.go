package session

import (
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// Dialogue is the ordered conversation history of one session. Writers are
// the dialogue and intent services; the LLM request assembly snapshots under
// the same lock. Safe for concurrent use.
type Dialogue struct {
	mu   sync.Mutex
	msgs []llm.Message
}

// NewDialogue returns an empty history.
func NewDialogue() *Dialogue {
	return &Dialogue{}
}

// Append adds one message to the end of the history.
func (d *Dialogue) Append(m llm.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, m)
}

// SetSystem replaces the system message at the head of the history, inserting
// one if absent. Called on configuration changes and role switches.
func (d *Dialogue) SetSystem(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.msgs) > 0 && d.msgs[0].Role == llm.RoleSystem {
		d.msgs[0].Content = content
		return
	}
	d.msgs = append([]llm.Message{{Role: llm.RoleSystem, Content: content}}, d.msgs...)
}

// System returns the current system message content, or empty.
func (d *Dialogue) System() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.msgs) > 0 && d.msgs[0].Role == llm.RoleSystem {
		return d.msgs[0].Content
	}
	return ""
}

// Snapshot returns a copy of the history for request assembly.
func (d *Dialogue) Snapshot() []llm.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]llm.Message, len(d.msgs))
	copy(out, d.msgs)
	return out
}

// Len returns the message count.
func (d *Dialogue) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

// Clear drops every message except the system message.
func (d *Dialogue) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.msgs) > 0 && d.msgs[0].Role == llm.RoleSystem {
		d.msgs = d.msgs[:1]
		return
	}
	d.msgs = nil
}
