// Package config provides the configuration schema, loader, and merge
// machinery for the voxgate voice gateway.
package config

// LogLevel controls log verbosity for the voxgate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ListenMode selects how utterance boundaries are detected for a session.
type ListenMode string

const (
	// ListenAuto lets the server VAD decide when the user starts and stops speaking.
	ListenAuto ListenMode = "auto"

	// ListenManual disables VAD gating; the client delimits utterances with
	// listen start/stop control messages (push-to-talk).
	ListenManual ListenMode = "manual"

	// ListenRealtime keeps the microphone open continuously; barge-in is allowed
	// while the server is speaking.
	ListenRealtime ListenMode = "realtime"
)

// IsValid reports whether m is a recognised listen mode.
func (m ListenMode) IsValid() bool {
	return m == ListenAuto || m == ListenManual || m == ListenRealtime
}

// AudioFormat identifies the codec of inbound device audio.
type AudioFormat string

const (
	FormatOpus AudioFormat = "opus"
	FormatPCM  AudioFormat = "pcm"
)

// IsValid reports whether f is a recognised audio format.
func (f AudioFormat) IsValid() bool {
	return f == FormatOpus || f == FormatPCM
}

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
//
// A loaded Config retains the raw decoded document so that [Config.GetPath]
// can serve dotted-path lookups for keys the typed tree does not model
// (the remote-reload path must accept unknown keys).
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Intent    IntentConfig    `yaml:"intent"`
	Memory    MemoryConfig    `yaml:"memory"`
	MCP       MCPConfig       `yaml:"mcp"`
	Plugins   map[string]map[string]any `yaml:"plugins"`

	raw map[string]any
}

// ServerConfig holds network, auth, and logging settings.
type ServerConfig struct {
	// WebSocketAddr is the TCP address for the WebSocket listener (e.g. ":8000").
	WebSocketAddr string `yaml:"websocket_addr"`

	// BrokerAddr is the TCP address for the broker (MQTT-style) listener.
	// Empty disables the broker transport.
	BrokerAddr string `yaml:"broker_addr"`

	// DatagramAddr is the UDP address for the broker variant's audio channel.
	DatagramAddr string `yaml:"datagram_addr"`

	// PublicDatagramHost is the host advertised to devices in the hello reply.
	// Defaults to the host part of DatagramAddr.
	PublicDatagramHost string `yaml:"public_datagram_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Auth configures connection authentication.
	Auth AuthConfig `yaml:"auth"`

	// ManagerSecret authorises privileged {type:"server"} reload/restart
	// messages. Empty disables them.
	ManagerSecret string `yaml:"manager_secret"`

	// Bind configures the device-registration check at session create.
	Bind BindConfig `yaml:"bind"`
}

// BindConfig gates sessions on device registration. Devices outside the
// registered list get a spoken activation code instead of a dialogue.
type BindConfig struct {
	// Enabled turns the registration check on.
	Enabled bool `yaml:"enabled"`

	// RegisteredDevices lists device ids considered bound.
	RegisteredDevices []string `yaml:"registered_devices"`
}

// AuthConfig configures the three OR-combined auth mechanisms.
type AuthConfig struct {
	// Enabled turns authentication on. When false every connection passes.
	Enabled bool `yaml:"enabled"`

	// Secret is the HMAC-SHA256 key for signed device tokens.
	Secret string `yaml:"secret"`

	// ExpireSeconds is the maximum age of an HMAC token timestamp.
	ExpireSeconds int64 `yaml:"expire_seconds"`

	// StaticTokens are bearer tokens accepted verbatim.
	StaticTokens []string `yaml:"static_tokens"`

	// AllowedDevices are device IDs that bypass token checks entirely.
	AllowedDevices []string `yaml:"allowed_devices"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage.
type ProvidersConfig struct {
	VAD        ProviderEntry `yaml:"vad"`
	ASR        ProviderEntry `yaml:"asr"`
	LLM        ProviderEntry `yaml:"llm"`
	IntentLLM  ProviderEntry `yaml:"intent_llm"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g. "whisper", "anyllm:openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig holds the real-time behaviour knobs of the per-session pipeline.
type PipelineConfig struct {
	// FrameDurationMs is the duration of one downstream audio frame. Default 60.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// PreBufferFrames is the number of frames sent back-to-back at the start of
	// a turn before pacing kicks in. Default 5.
	PreBufferFrames int `yaml:"pre_buffer_frames"`

	// AudioSendDelayMs, when positive, overrides the derived pacing schedule
	// with a fixed per-frame sleep.
	AudioSendDelayMs int `yaml:"tts_audio_send_delay_ms"`

	// SilenceDurationMs is the trailing silence that ends an utterance. Default 1000.
	SilenceDurationMs int `yaml:"silence_duration_ms"`

	// SpeechThreshold and SilenceThreshold are the dual VAD classification
	// thresholds (T_high / T_low).
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// MinUtterancePackets guards against noise-triggered recognition; an
	// utterance shorter than this many packets is discarded. Default 15.
	MinUtterancePackets int `yaml:"min_utterance_packets"`

	// CloseConnectionNoVoiceTime is the idle window in seconds. The session
	// idle timeout is this value plus 60 seconds.
	CloseConnectionNoVoiceTime int `yaml:"close_connection_no_voice_time"`

	// MaxOutputSize caps the daily synthesised-text budget per device.
	// Zero disables the cap.
	MaxOutputSize int `yaml:"max_output_size"`

	// SystemPrompt is the assistant persona injected as the system message.
	SystemPrompt string `yaml:"system_prompt"`
}

// IntentConfig configures the pre-dialogue intent gate.
type IntentConfig struct {
	// Type selects the intent strategy: "function_call" defers tool choice to
	// the dialogue LLM; "intent_llm" asks the classifier model first.
	Type string `yaml:"type"`

	// ExitCommands are phrases that end the session when matched verbatim
	// (after punctuation stripping).
	ExitCommands []string `yaml:"exit_commands"`

	// WakeWords trigger the canned greeting instead of an LLM call.
	WakeWords []string `yaml:"wake_words"`

	// EnableGreeting plays or synthesises a greeting on wake-word match.
	EnableGreeting bool `yaml:"enable_greeting"`

	// GreetingCacheDir is where greeting WAV clips are cached, keyed by voice.
	GreetingCacheDir string `yaml:"greeting_cache_dir"`

	// GreetingRefreshHours is the cache age after which a greeting is
	// re-synthesised asynchronously. Default 24.
	GreetingRefreshHours int `yaml:"greeting_refresh_hours"`
}

// MemoryConfig configures the long-term memory store.
type MemoryConfig struct {
	// PostgresDSN is the connection string for the pgvector-backed store.
	// Empty disables long-term memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions must match the embeddings provider output width.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// MCPConfig lists external MCP tool servers to register at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes a single external MCP server.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "streamable-http"
	Command   string            `yaml:"command"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

// Default returns a Config populated with the documented defaults. Loading a
// file merges on top of these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WebSocketAddr: ":8000",
			LogLevel:      LogInfo,
			Auth:          AuthConfig{ExpireSeconds: 3600},
		},
		Pipeline: PipelineConfig{
			FrameDurationMs:            60,
			PreBufferFrames:            5,
			SilenceDurationMs:          1000,
			SpeechThreshold:            0.5,
			SilenceThreshold:           0.3,
			MinUtterancePackets:        15,
			CloseConnectionNoVoiceTime: 120,
			SystemPrompt:               "You are a friendly voice assistant for small IoT devices. Keep answers short and conversational.",
		},
		Intent: IntentConfig{
			Type:                 "function_call",
			ExitCommands:         []string{"退出", "关闭", "再见", "拜拜", "goodbye", "exit"},
			EnableGreeting:       true,
			GreetingRefreshHours: 24,
		},
	}
}
