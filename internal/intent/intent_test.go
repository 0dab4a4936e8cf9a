package intent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/container"
	"github.com/voxgate/voxgate/internal/plugins"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
)

type nullTransport struct {
	mu    sync.Mutex
	texts []string
}

func (n *nullTransport) SendText(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}
func (n *nullTransport) SendBinary(ctx context.Context, data []byte) error { return nil }
func (n *nullTransport) Receive(ctx context.Context) (transport.Frame, error) {
	<-ctx.Done()
	return transport.Frame{}, transport.ErrClosed
}
func (n *nullTransport) IsConnected() bool  { return true }
func (n *nullTransport) RemoteAddr() string { return "test" }
func (n *nullTransport) Close() error       { return nil }

func (n *nullTransport) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

// echoed reports whether an stt frame carrying text reached the device.
func echoed(tr *nullTransport, text string) bool {
	for _, msg := range tr.sent() {
		if strings.Contains(msg, `"stt"`) && strings.Contains(msg, text) {
			return true
		}
	}
	return false
}

// fakeSpeaker records playback requests.
type fakeSpeaker struct {
	mu        sync.Mutex
	sentences []string
	files     []string
}

func (f *fakeSpeaker) SynthesizeOneSentence(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentences = append(f.sentences, text)
}

func (f *fakeSpeaker) PlayOneFile(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, path)
}

func (f *fakeSpeaker) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentences...)
}

func testContext(t *testing.T, mutate func(*config.Config)) (*plugins.Context, *fakeSpeaker, *bus.Bus) {
	t.Helper()
	cfg := config.Default()
	cfg.Intent.WakeWords = []string{"小智"}
	if mutate != nil {
		mutate(cfg)
	}

	b := bus.New()
	m := session.NewManager(b, container.New(), cfg)
	sess, err := m.Create("dev", "cli", "", &nullTransport{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	speaker := &fakeSpeaker{}
	return &plugins.Context{Session: sess, Bus: b, Speaker: speaker}, speaker, b
}

func newGate(b *bus.Bus, classifier llm.Provider, tools ...plugins.Tool) *Service {
	r := plugins.NewRegistry()
	for _, tool := range tools {
		_ = r.Register(tool)
	}
	return New(plugins.NewDispatcher(r, b), classifier, &ttsmock.Provider{}, b)
}

func TestExitCommandAbsorbs(t *testing.T) {
	pctx, speaker, b := testContext(t, nil)
	gate := newGate(b, nil)

	out := gate.Process(context.Background(), pctx, "再见。")
	if !out.Absorbed {
		t.Fatal("exit command not absorbed")
	}
	if !pctx.Session.CloseAfterChat() {
		t.Fatal("close_after_chat not scheduled")
	}
	if len(speaker.spoken()) == 0 {
		t.Fatal("no farewell spoken")
	}
	if !echoed(pctx.Session.Transport.(*nullTransport), "再见。") {
		t.Fatal("exit transcript not echoed to device")
	}
}

func TestExitCommandFuzzyMatch(t *testing.T) {
	pctx, _, b := testContext(t, func(cfg *config.Config) {
		cfg.Intent.ExitCommands = []string{"goodbye"}
	})
	gate := newGate(b, nil)

	out := gate.Process(context.Background(), pctx, "goodby")
	if !out.Absorbed {
		t.Fatal("near-miss exit command not absorbed")
	}
}

func TestWakeWordGreets(t *testing.T) {
	pctx, speaker, b := testContext(t, nil)
	gate := newGate(b, nil)

	out := gate.Process(context.Background(), pctx, "小智！")
	if !out.Absorbed {
		t.Fatal("wake word not absorbed")
	}
	if len(speaker.spoken()) != 1 {
		t.Fatalf("spoken = %v, want one greeting", speaker.spoken())
	}
	if !echoed(pctx.Session.Transport.(*nullTransport), "小智！") {
		t.Fatal("wake transcript not echoed to device")
	}
}

func TestWakeWordWithoutGreetingStillEchoes(t *testing.T) {
	pctx, speaker, b := testContext(t, func(cfg *config.Config) {
		cfg.Intent.EnableGreeting = false
	})
	gate := newGate(b, nil)

	out := gate.Process(context.Background(), pctx, "小智")
	if !out.Absorbed {
		t.Fatal("wake word not absorbed")
	}
	if len(speaker.spoken()) != 0 {
		t.Fatalf("spoken = %v, want silence with greeting disabled", speaker.spoken())
	}

	tr := pctx.Session.Transport.(*nullTransport)
	if !echoed(tr, "小智") {
		t.Fatal("wake transcript not echoed to device")
	}
	// The stt echo precedes the state-machine stop frame.
	msgs := tr.sent()
	sttAt, stopAt := -1, -1
	for i, msg := range msgs {
		if strings.Contains(msg, `"stt"`) {
			sttAt = i
		}
		if strings.Contains(msg, `"state":"stop"`) {
			stopAt = i
		}
	}
	if stopAt == -1 {
		t.Fatalf("messages = %v, want a stop frame", msgs)
	}
	if sttAt == -1 || sttAt > stopAt {
		t.Fatalf("messages = %v, want stt echo before stop", msgs)
	}
}

func TestEnvelopeUnwrapped(t *testing.T) {
	pctx, _, b := testContext(t, nil)
	gate := newGate(b, nil)

	out := gate.Process(context.Background(), pctx, `{"content":"打开台灯","speaker":"alice"}`)
	if out.Absorbed {
		t.Fatal("ordinary request absorbed")
	}
	if out.Content != "打开台灯" || out.Speaker != "alice" {
		t.Fatalf("out = %+v", out)
	}
}

func TestFunctionCallStrategyPassesThrough(t *testing.T) {
	pctx, _, b := testContext(t, nil)
	gate := newGate(b, nil)

	out := gate.Process(context.Background(), pctx, "今天天气怎么样")
	if out.Absorbed {
		t.Fatal("message absorbed without any matching gate rule")
	}
	if out.Content != "今天天气怎么样" {
		t.Fatalf("content = %q", out.Content)
	}
}

func TestClassifierDispatchesTool(t *testing.T) {
	pctx, speaker, b := testContext(t, func(cfg *config.Config) {
		cfg.Intent.Type = TypeIntentLLM
	})
	classifier := &llmmock.Provider{Turns: []llmmock.Turn{{
		Chunks: []llm.Chunk{{Text: `{"function_call":{"name":"say_hi"}}`, FinishReason: llm.FinishStop}},
	}}}
	gate := newGate(b, classifier, plugins.Tool{
		Name: "say_hi",
		Handler: func(ctx context.Context, pctx *plugins.Context, args map[string]any) (plugins.ActionResponse, error) {
			return plugins.ActionResponse{Action: plugins.ActionRespond, Response: "hi!"}, nil
		},
	})

	out := gate.Process(context.Background(), pctx, "打个招呼")
	if !out.Absorbed {
		t.Fatal("tool response not absorbed")
	}
	if spoken := speaker.spoken(); len(spoken) != 1 || spoken[0] != "hi!" {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestClassifierContinueChat(t *testing.T) {
	pctx, _, b := testContext(t, func(cfg *config.Config) {
		cfg.Intent.Type = TypeIntentLLM
	})
	classifier := &llmmock.Provider{Turns: []llmmock.Turn{{
		Chunks: []llm.Chunk{{Text: "```json\n{\"function_call\":{\"name\":\"continue_chat\"}}\n```", FinishReason: llm.FinishStop}},
	}}}
	gate := newGate(b, classifier)

	out := gate.Process(context.Background(), pctx, "给我讲个故事")
	if out.Absorbed {
		t.Fatal("continue_chat absorbed the message")
	}
}

func TestClassifierResultForContext(t *testing.T) {
	pctx, _, b := testContext(t, func(cfg *config.Config) {
		cfg.Intent.Type = TypeIntentLLM
	})
	classifier := &llmmock.Provider{Turns: []llmmock.Turn{{
		Chunks: []llm.Chunk{{Text: `{"function_call":{"name":"result_for_context"}}`, FinishReason: llm.FinishStop}},
	}}}
	gate := newGate(b, classifier)

	out := gate.Process(context.Background(), pctx, "现在几点了")
	if out.Absorbed {
		t.Fatal("context enrichment must not absorb")
	}
	if !strings.Contains(out.Content, "现在几点了") || !strings.Contains(out.Content, "农历") {
		t.Fatalf("content = %q, want time context plus original question", out.Content)
	}
}

func TestStripPunctuation(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"再见。":      "再见",
		"Good-Bye!": "goodbye",
		" ... ":     "",
	}
	for in, want := range cases {
		if got := stripPunctuation(in); got != want {
			t.Errorf("stripPunctuation(%q) = %q, want %q", in, got, want)
		}
	}
}
