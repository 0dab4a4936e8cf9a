package bus

import "time"

// Event is implemented by every payload published on the [Bus]. Events are
// plain data carriers; handlers must not mutate them.
type Event interface {
	// Session returns the session id the event belongs to, or "" for
	// process-wide events.
	Session() string

	// At returns the monotonic-clock publish timestamp.
	At() time.Time
}

// Meta carries the fields common to all events and provides the Event
// implementation. Embed it as the first field of an event struct.
type Meta struct {
	SessionID string
	Timestamp time.Time
}

func (m Meta) Session() string { return m.SessionID }
func (m Meta) At() time.Time   { return m.Timestamp }

// NewMeta stamps a Meta for the given session with the current time.
func NewMeta(sessionID string) Meta {
	return Meta{SessionID: sessionID, Timestamp: time.Now()}
}

// SessionCreated is published after a session context is fully constructed.
type SessionCreated struct {
	Meta
	DeviceID string
	ClientID string
}

// SessionIdleTimeout is published when the sweeper marks an idle session for
// teardown. The dialogue service answers with one closing turn; the session
// is destroyed after that turn's stop frame.
type SessionIdleTimeout struct {
	Meta
}

// SessionDestroying is published before stop hooks run; handlers use it to
// release per-session resources.
type SessionDestroying struct {
	Meta
	Reason string
}

// TextMessageReceived is published for every parsed JSON control message.
type TextMessageReceived struct {
	Meta
	Type    string
	Payload []byte
}

// AudioDataReceived carries one inbound binary audio frame.
type AudioDataReceived struct {
	Meta
	Data []byte
}

// VADSpeechStart is published when the sliding window flips to voice.
type VADSpeechStart struct {
	Meta
}

// VADSpeechEnd is published when trailing silence ends an utterance.
type VADSpeechEnd struct {
	Meta
}

// TranscriptReady carries a recognised utterance. Final transcripts drive the
// dialogue service; partials are informational.
type TranscriptReady struct {
	Meta
	Text       string
	Final      bool
	Confidence float64
}

// LLMRequest marks the start of an assistant turn.
type LLMRequest struct {
	Meta
	SentenceID string
}

// LLMResponse marks the end of a streamed completion.
type LLMResponse struct {
	Meta
	SentenceID string
	Text       string
}

// LLMError reports a provider failure during a turn.
type LLMError struct {
	Meta
	Err error
}

// TTSRequest is published when a sentence is queued for synthesis.
type TTSRequest struct {
	Meta
	SentenceID string
	Text       string
}

// TTSAudioReady is published when a sentence finished synthesis.
type TTSAudioReady struct {
	Meta
	SentenceID string
	Frames     int
}

// TTSError reports a synthesis failure.
type TTSError struct {
	Meta
	Err error
}

// IntentRecognized is published when the intent gate absorbs a message.
type IntentRecognized struct {
	Meta
	Intent string
}

// ToolCallRequest is published before a tool dispatch.
type ToolCallRequest struct {
	Meta
	Tool      string
	Arguments string
}

// ToolCallResponse is published after a tool dispatch.
type ToolCallResponse struct {
	Meta
	Tool   string
	Action string
}

// ClientAbort requests that the current TTS turn stop immediately.
type ClientAbort struct {
	Meta
	Reason string
}

// ClientSpeakingState reports transitions of the server's is_speaking flag.
type ClientSpeakingState struct {
	Meta
	Speaking bool
}

// Error is the generic pipeline error event. Fatal errors lead to
// SessionDestroying; everything else is informational.
type Error struct {
	Meta
	Stage string
	Err   error
	Fatal bool
}
