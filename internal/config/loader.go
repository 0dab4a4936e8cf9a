package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, merges it over [Default],
// and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, merges it over the defaults,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	var doc map[string]any
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	cfg, err := Default().ApplyOverride(doc)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WebSocketAddr == "" && cfg.Server.BrokerAddr == "" {
		errs = append(errs, errors.New("server: at least one of websocket_addr and broker_addr must be set"))
	}
	if cfg.Server.BrokerAddr != "" && cfg.Server.DatagramAddr == "" {
		errs = append(errs, errors.New("server.datagram_addr is required when broker_addr is set"))
	}
	if cfg.Server.Auth.Enabled && cfg.Server.Auth.Secret == "" &&
		len(cfg.Server.Auth.StaticTokens) == 0 && len(cfg.Server.Auth.AllowedDevices) == 0 {
		errs = append(errs, errors.New("server.auth is enabled but no secret, static token, or allowed device is configured"))
	}

	p := cfg.Pipeline
	if p.FrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.frame_duration_ms %d must be positive", p.FrameDurationMs))
	}
	if p.PreBufferFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.pre_buffer_frames %d must not be negative", p.PreBufferFrames))
	}
	if p.SpeechThreshold < p.SilenceThreshold {
		errs = append(errs, fmt.Errorf("pipeline.speech_threshold %.2f must be >= silence_threshold %.2f",
			p.SpeechThreshold, p.SilenceThreshold))
	}
	if p.SpeechThreshold < 0 || p.SpeechThreshold > 1 || p.SilenceThreshold < 0 || p.SilenceThreshold > 1 {
		errs = append(errs, errors.New("pipeline thresholds must be in [0, 1]"))
	}

	if cfg.Intent.Type != "" && cfg.Intent.Type != "function_call" && cfg.Intent.Type != "intent_llm" {
		errs = append(errs, fmt.Errorf("intent.type %q is invalid; valid values: function_call, intent_llm", cfg.Intent.Type))
	}

	for i, srv := range cfg.MCP.Servers {
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d].name is required", i))
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("mcp.servers[%d]: stdio transport requires a command", i))
			}
		case "streamable-http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("mcp.servers[%d]: streamable-http transport requires a url", i))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp.servers[%d].transport %q is invalid; valid values: stdio, streamable-http", i, srv.Transport))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
