// Command voxgate is the main entry point for the voxgate voice gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/container"
	"github.com/voxgate/voxgate/internal/dialogue"
	"github.com/voxgate/voxgate/internal/mcp"
	"github.com/voxgate/voxgate/internal/memory"
	"github.com/voxgate/voxgate/internal/memory/postgres"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/plugins"
	"github.com/voxgate/voxgate/internal/plugins/builtin"
	"github.com/voxgate/voxgate/internal/server"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/pkg/provider/asr"
	"github.com/voxgate/voxgate/pkg/provider/asr/pool"
	asrstream "github.com/voxgate/voxgate/pkg/provider/asr/stream"
	"github.com/voxgate/voxgate/pkg/provider/asr/whisper"
	embopenai "github.com/voxgate/voxgate/pkg/provider/embeddings/openai"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/llm/anyllm"
	ttsopenai "github.com/voxgate/voxgate/pkg/provider/tts/openai"
	"github.com/voxgate/voxgate/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"config", *configPath,
		"websocket_addr", cfg.Server.WebSocketAddr,
		"broker_addr", cfg.Server.BrokerAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	metrics, err := observe.DefaultMetrics()
	if err != nil {
		slog.Error("failed to create metric instruments", "err", err)
		return 1
	}

	b := bus.New()
	observe.NewRecorder(b, metrics)

	// ── Providers ─────────────────────────────────────────────────────────────
	pipe, cleanup, err := buildPipeline(ctx, cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer cleanup()

	if p, ok := pipe.Recognizer.(*pool.Pool); ok {
		if err := metrics.ObserveASRQueueDepth(func() int64 { return int64(p.QueueDepth()) }); err != nil {
			slog.Warn("asr queue depth gauge unavailable", "err", err)
		}
	}

	// ── Plugin tools ──────────────────────────────────────────────────────────
	registry := plugins.NewRegistry()
	if err := builtin.RegisterAll(registry); err != nil {
		slog.Error("failed to register built-in tools", "err", err)
		return 1
	}
	host := mcp.NewHost()
	if err := host.RegisterServers(ctx, registry, cfg.MCP.Servers); err != nil {
		slog.Warn("some mcp servers failed to register", "err", err)
	}
	defer func() {
		if err := host.Close(); err != nil {
			slog.Warn("mcp host close error", "err", err)
		}
	}()
	pipe.Dispatcher = plugins.NewDispatcher(registry, b)

	slog.Info("tools registered", "names", registry.Names())

	// ── Server ────────────────────────────────────────────────────────────────
	manager := session.NewManager(b, container.New(), cfg)
	if cfg.Server.Bind.Enabled {
		manager.SetBinder(session.NewStaticBinder(cfg.Server.Bind.RegisteredDevices))
		slog.Info("device binding enabled", "registered", len(cfg.Server.Bind.RegisteredDevices))
	}
	srv := server.New(cfg, *configPath, b, manager, auth.New(cfg.Server.Auth), pipe)

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	manager.DestroyAll(shutdownCtx, session.ReasonServerShutdown)
	if err := metricsShutdown(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildPipeline instantiates every provider named in cfg. The returned cleanup
// closes providers that hold resources (recognition pool, memory store).
func buildPipeline(ctx context.Context, cfg *config.Config) (server.Pipeline, func(), error) {
	pipe := server.Pipeline{
		Quota: dialogue.NewQuota(),
	}
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("provider close error", "err", err)
			}
		}
	}
	fail := func(err error) (server.Pipeline, func(), error) {
		cleanup()
		return server.Pipeline{}, func() {}, err
	}

	// VAD: the energy engine is the only built-in and the default.
	switch name := cfg.Providers.VAD.Name; name {
	case "", "energy":
		pipe.VAD = energy.New()
	default:
		return fail(fmt.Errorf("unknown vad provider %q", name))
	}

	// ASR. Local model inference goes through the shared bounded pool; remote
	// streaming backends scale with their service and run direct.
	backend, err := buildRecognizer(cfg.Providers.ASR)
	if err != nil {
		return fail(fmt.Errorf("create asr provider %q: %w", cfg.Providers.ASR.Name, err))
	}
	if asrIsLocal(cfg.Providers.ASR.Name) {
		var poolOpts []pool.Option
		if n := optInt(cfg.Providers.ASR.Options, "pool_size"); n > 0 {
			poolOpts = append(poolOpts, pool.WithCapacity(n))
		}
		recognizer, err := pool.New(backend, poolOpts...)
		if err != nil {
			return fail(fmt.Errorf("create asr pool: %w", err))
		}
		closers = append(closers, recognizer.Close)
		pipe.Recognizer = recognizer
	} else {
		pipe.Recognizer = backend
	}
	slog.Info("provider created", "kind", "asr", "name", cfg.Providers.ASR.Name)

	// LLM.
	pipe.LLM, err = buildLLM(cfg.Providers.LLM)
	if err != nil {
		return fail(fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err))
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	// Intent classifier, only for the intent_llm strategy.
	if cfg.Intent.Type == "intent_llm" && cfg.Providers.IntentLLM.Name != "" {
		pipe.Classifier, err = buildLLM(cfg.Providers.IntentLLM)
		if err != nil {
			return fail(fmt.Errorf("create intent llm provider %q: %w", cfg.Providers.IntentLLM.Name, err))
		}
		slog.Info("provider created", "kind", "intent_llm", "name", cfg.Providers.IntentLLM.Name)
	}

	// TTS.
	pipe.TTS, err = buildTTS(cfg.Providers.TTS)
	if err != nil {
		return fail(fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err))
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	// Long-term memory, enabled by the postgres DSN.
	if dsn := cfg.Memory.PostgresDSN; dsn != "" {
		entry := cfg.Providers.Embeddings
		var opts []embopenai.Option
		if entry.Model != "" {
			opts = append(opts, embopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(entry.BaseURL))
		}
		if cfg.Memory.EmbeddingDimensions > 0 {
			opts = append(opts, embopenai.WithDimensions(cfg.Memory.EmbeddingDimensions))
		}
		embedder, err := embopenai.New(entry.APIKey, opts...)
		if err != nil {
			return fail(fmt.Errorf("create embeddings provider: %w", err))
		}
		store, err := postgres.New(ctx, dsn, embedder)
		if err != nil {
			return fail(fmt.Errorf("open memory store: %w", err))
		}
		closers = append(closers, store.Close)
		pipe.Memory = store
		slog.Info("long-term memory enabled", "embeddings", entry.Name)
	} else {
		pipe.Memory = memory.NoopStore{}
	}

	return pipe, cleanup, nil
}

// asrIsLocal reports whether the named backend runs model inference in this
// process and therefore needs the serialising pool.
func asrIsLocal(name string) bool {
	switch name {
	case "", "whisper":
		return true
	default:
		return false
	}
}

// buildRecognizer constructs the ASR backend named in entry.
func buildRecognizer(entry config.ProviderEntry) (asr.Provider, error) {
	switch entry.Name {
	case "", "whisper":
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	case "stream":
		var opts []asrstream.Option
		if entry.Model != "" {
			opts = append(opts, asrstream.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, asrstream.WithLanguage(lang))
		}
		return asrstream.New(entry.BaseURL, entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown asr provider %q", entry.Name)
	}
}

// buildLLM constructs a chat provider. Names use the "anyllm:<backend>"
// convention, e.g. "anyllm:openai" or "anyllm:ollama".
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	backend, ok := strings.CutPrefix(entry.Name, "anyllm:")
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q", entry.Name)
	}
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(backend, entry.Model, opts...)
}

func buildTTS(entry config.ProviderEntry) (*ttsopenai.Provider, error) {
	switch entry.Name {
	case "", "openai":
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, ttsopenai.WithVoice(voice))
		}
		if speed := optFloat(entry.Options, "speed"); speed > 0 {
			opts = append(opts, ttsopenai.WithSpeed(speed))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown tts provider %q", entry.Name)
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string from a provider Options map. Returns "" when
// the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
