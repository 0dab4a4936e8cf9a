package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/container"
	"github.com/voxgate/voxgate/internal/dialogue"
	"github.com/voxgate/voxgate/internal/plugins"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transport"
	asrmock "github.com/voxgate/voxgate/pkg/provider/asr/mock"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
	vadmock "github.com/voxgate/voxgate/pkg/provider/vad/mock"
)

type stubTransport struct{}

func (stubTransport) SendText(ctx context.Context, text string) error   { return nil }
func (stubTransport) SendBinary(ctx context.Context, data []byte) error { return nil }
func (stubTransport) Receive(ctx context.Context) (transport.Frame, error) {
	<-ctx.Done()
	return transport.Frame{}, transport.ErrClosed
}
func (stubTransport) IsConnected() bool  { return true }
func (stubTransport) RemoteAddr() string { return "test" }
func (stubTransport) Close() error       { return nil }

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *session.Manager) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	b := bus.New()
	manager := session.NewManager(b, container.New(), cfg)
	registry := plugins.NewRegistry()
	pipe := Pipeline{
		VAD:        &vadmock.Engine{},
		Recognizer: &asrmock.Provider{},
		LLM:        &llmmock.Provider{},
		TTS:        &ttsmock.Provider{},
		Dispatcher: plugins.NewDispatcher(registry, b),
		Quota:      dialogue.NewQuota(),
	}
	return New(cfg, "", b, manager, auth.New(cfg.Server.Auth), pipe), manager
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.handleHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "Server is running\n" {
		t.Fatalf("body = %q", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.handleHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRejectedConnection(t *testing.T) {
	t.Parallel()
	s, manager := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.Auth.Enabled = true
		cfg.Server.Auth.Secret = "topsecret"
	})
	srv := httptest.NewServer(http.HandlerFunc(s.handleHTTP))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?device-id=dev-1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]string
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	if msg["type"] != "error" || msg["message"] != "认证失败" {
		t.Fatalf("reply = %q", data)
	}
	if manager.Count() != 0 {
		t.Fatalf("session created for rejected connection")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	t.Parallel()
	s, manager := newTestServer(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.handleHTTP))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?device-id=dev-1&client-id=cli-1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := `{"type":"hello","version":1,"audio_params":{"format":"opus"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(hello)); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read hello reply: %v", err)
	}
	var reply struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		Transport string `json:"transport"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	if reply.Type != "hello" || reply.SessionID == "" {
		t.Fatalf("reply = %q", data)
	}
	if reply.Transport != "websocket" {
		t.Fatalf("transport = %q, want websocket", reply.Transport)
	}
	if manager.Count() != 1 {
		t.Fatalf("sessions = %d, want 1", manager.Count())
	}

	conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, func() bool { return manager.Count() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerActionRestart(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	fired := false
	s.restart = func() { fired = true }

	if err := s.serverAction(context.Background(), "restart"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !fired {
		t.Fatal("restart did not cancel the run context")
	}
}

func TestServerActionUnknown(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	if err := s.serverAction(context.Background(), "format_disk"); err == nil {
		t.Fatal("unknown action accepted")
	}
}

func TestServerActionUpdateConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxgate.yaml")
	doc := "pipeline:\n  system_prompt: reloaded prompt\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, manager := newTestServer(t, nil)
	s.cfgPath = path
	if err := s.serverAction(context.Background(), "update_config"); err != nil {
		t.Fatalf("update_config: %v", err)
	}

	sess, err := manager.Create("dev-1", "cli", "", &stubTransport{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Config.Pipeline.SystemPrompt != "reloaded prompt" {
		t.Fatalf("prompt = %q, want reloaded prompt", sess.Config.Pipeline.SystemPrompt)
	}
}

func TestDatagramEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.DatagramAddr = "0.0.0.0:8884"
		cfg.Server.PublicDatagramHost = "voice.example.com"
	})
	host, port, err := s.datagramEndpoint()
	if err != nil {
		t.Fatalf("datagramEndpoint: %v", err)
	}
	if host != "voice.example.com" || port != 8884 {
		t.Fatalf("endpoint = %s:%d", host, port)
	}
}

func TestSessionServicesScopedPerSession(t *testing.T) {
	t.Parallel()
	s, manager := newTestServer(t, nil)

	sess, err := manager.Create("dev-1", "cli-1", "test", stubTransport{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := s.services.Resolve("playback", sess.ID)
	if err != nil {
		t.Fatalf("Resolve playback: %v", err)
	}
	again, err := s.services.Resolve("playback", sess.ID)
	if err != nil {
		t.Fatalf("Resolve playback again: %v", err)
	}
	if first != again {
		t.Fatal("session-scoped playback must resolve to one instance")
	}

	if _, err := s.services.ResolveSession("tts", sess.ID); err != nil {
		t.Fatalf("ResolveSession tts: %v", err)
	}

	manager.Destroy(context.Background(), sess.ID, session.ReasonPolicy)

	other, err := manager.Create("dev-2", "cli-2", "test", stubTransport{}, nil)
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	fresh, err := s.services.Resolve("playback", other.ID)
	if err != nil {
		t.Fatalf("Resolve for second session: %v", err)
	}
	if fresh == first {
		t.Fatal("second session must get its own playback instance")
	}
}
