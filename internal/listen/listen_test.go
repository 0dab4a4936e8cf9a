package listen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/container"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/asr"
	asrmock "github.com/voxgate/voxgate/pkg/provider/asr/mock"
	"github.com/voxgate/voxgate/pkg/provider/asr/pool"
	"github.com/voxgate/voxgate/pkg/provider/vad"
	vadmock "github.com/voxgate/voxgate/pkg/provider/vad/mock"
)

type nullTransport struct{}

func (nullTransport) SendText(ctx context.Context, text string) error     { return nil }
func (nullTransport) SendBinary(ctx context.Context, data []byte) error   { return nil }
func (nullTransport) Receive(ctx context.Context) (transport.Frame, error) {
	<-ctx.Done()
	return transport.Frame{}, transport.ErrClosed
}
func (nullTransport) IsConnected() bool  { return true }
func (nullTransport) RemoteAddr() string { return "test" }
func (nullTransport) Close() error       { return nil }

type transcriptSink struct {
	mu    sync.Mutex
	texts []string
	ch    chan string
}

func newSink(b *bus.Bus) *transcriptSink {
	s := &transcriptSink{ch: make(chan string, 8)}
	b.SubscribeSync(bus.TranscriptReady{}, func(ev bus.Event) {
		e := ev.(bus.TranscriptReady)
		s.mu.Lock()
		s.texts = append(s.texts, e.Text)
		s.mu.Unlock()
		s.ch <- e.Text
	})
	return s
}

func (s *transcriptSink) wait(t *testing.T) string {
	t.Helper()
	select {
	case text := <-s.ch:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
		return ""
	}
}

func testSession(t *testing.T) (*session.Context, *bus.Bus) {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.SilenceDurationMs = 20
	cfg.Pipeline.MinUtterancePackets = 5

	b := bus.New()
	m := session.NewManager(b, container.New(), cfg)
	sess, err := m.Create("dev", "cli", "", nullTransport{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Raw PCM keeps the Opus codec out of the test path.
	sess.SetAudioFormat(config.FormatPCM)
	return sess, b
}

func pcmFrame() []byte {
	return audio.Int16sToBytes(make([]int16, audio.SamplesPerFrame))
}

func TestAutoModeUtterance(t *testing.T) {
	sess, b := testSession(t)
	sink := newSink(b)

	// Voice for the first 15 chunks, silence after; the mock repeats the
	// last label once the script runs out.
	script := make([]vad.Label, 15)
	for i := range script {
		script[i] = vad.Voice
	}
	script = append(script, vad.Silence)

	rec := &asrmock.Provider{Results: []asr.Result{{Text: "turn on the light"}}}
	if _, err := New(sess, b, &vadmock.Engine{Script: script}, rec, nil, nil); err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 10 {
		b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})
	}
	if !sess.HaveVoice() {
		t.Fatal("have_voice not set after sustained speech")
	}

	time.Sleep(50 * time.Millisecond)
	for range 5 {
		b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})
	}

	if got := sink.wait(t); got != "turn on the light" {
		t.Fatalf("transcript = %q", got)
	}
	if sess.HaveVoice() || sess.VoiceStopped() {
		t.Fatal("voice flags not reset after submit")
	}
}

func TestManualModeBypassesVAD(t *testing.T) {
	sess, b := testSession(t)
	sink := newSink(b)
	sess.SetListenMode(config.ListenManual)

	rec := &asrmock.Provider{Results: []asr.Result{{Text: "manual text"}}}
	// Script forces Silence everywhere; manual mode must not care.
	if _, err := New(sess, b, &vadmock.Engine{}, rec, nil, nil); err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 8 {
		b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})
	}
	sess.SetVoiceStopped(true)
	b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})

	if got := sink.wait(t); got != "manual text" {
		t.Fatalf("transcript = %q", got)
	}
}

func TestShortUtteranceDiscarded(t *testing.T) {
	sess, b := testSession(t)
	sink := newSink(b)
	sess.SetListenMode(config.ListenManual)

	rec := &asrmock.Provider{Results: []asr.Result{{Text: "noise"}}}
	if _, err := New(sess, b, &vadmock.Engine{}, rec, nil, nil); err != nil {
		t.Fatalf("New: %v", err)
	}

	// Fewer packets than the minimum.
	for range 2 {
		b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})
	}
	sess.SetVoiceStopped(true)
	b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})

	select {
	case text := <-sink.ch:
		t.Fatalf("unexpected transcript %q", text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmptyTranscriptSuppressed(t *testing.T) {
	sess, b := testSession(t)
	sink := newSink(b)
	sess.SetListenMode(config.ListenManual)

	rec := &asrmock.Provider{Results: []asr.Result{{Text: " ... "}}}
	if _, err := New(sess, b, &vadmock.Engine{}, rec, nil, nil); err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 8 {
		b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})
	}
	sess.SetVoiceStopped(true)
	b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})

	select {
	case text := <-sink.ch:
		t.Fatalf("unexpected transcript %q", text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPreVoiceBufferBounded(t *testing.T) {
	sess, b := testSession(t)

	// All silence: have_voice never flips, so the buffer must stay at the
	// pre-roll bound no matter how long the mic stays open.
	svc, err := New(sess, b, &vadmock.Engine{}, &asrmock.Provider{}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 200 {
		b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})
	}

	if sess.HaveVoice() {
		t.Fatal("have_voice set on pure silence")
	}
	if len(svc.preRoll) > preRollFrames {
		t.Fatalf("pre-roll holds %d frames, want at most %d", len(svc.preRoll), preRollFrames)
	}
	if len(svc.utterance) != 0 {
		t.Fatalf("utterance grew to %d bytes without voice", len(svc.utterance))
	}
}

func TestPreRollPromotedOnVoice(t *testing.T) {
	sess, b := testSession(t)

	// Silence long enough to overflow the pre-roll, then sustained voice.
	script := make([]vad.Label, 30)
	for i := 25; i < len(script); i++ {
		script[i] = vad.Voice
	}

	svc, err := New(sess, b, &vadmock.Engine{Script: script}, &asrmock.Provider{}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 35 {
		b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})
	}

	if !sess.HaveVoice() {
		t.Fatal("have_voice not set after sustained speech")
	}
	if len(svc.preRoll) != 0 {
		t.Fatal("pre-roll not flushed on voice start")
	}
	if len(svc.utterance) == 0 {
		t.Fatal("utterance empty after pre-roll promotion")
	}
}

type busyRecognizer struct{}

func (busyRecognizer) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	return asr.Result{}, pool.ErrBusy
}

type phraseRecorder struct{ ch chan string }

func (p *phraseRecorder) SynthesizeOneSentence(text string) { p.ch <- text }

func TestQueueFullSpeaksRetry(t *testing.T) {
	sess, b := testSession(t)
	sess.SetListenMode(config.ListenManual)

	rec := &phraseRecorder{ch: make(chan string, 1)}
	if _, err := New(sess, b, &vadmock.Engine{}, busyRecognizer{}, nil, rec); err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 8 {
		b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})
	}
	sess.SetVoiceStopped(true)
	b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})

	select {
	case phrase := <-rec.ch:
		if phrase != busyPhrase {
			t.Fatalf("spoken phrase = %q", phrase)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for busy phrase")
	}
}

type scriptedStream struct {
	partials chan asr.Transcript
	finals   chan asr.Transcript
}

func (s *scriptedStream) SendAudio(chunk []byte) error    { return nil }
func (s *scriptedStream) Partials() <-chan asr.Transcript { return s.partials }
func (s *scriptedStream) Finals() <-chan asr.Transcript   { return s.finals }
func (s *scriptedStream) Close() error {
	close(s.partials)
	close(s.finals)
	return nil
}

type streamingRecognizer struct{ handle *scriptedStream }

func (streamingRecognizer) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	return asr.Result{}, nil
}

func (r streamingRecognizer) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	return r.handle, nil
}

func TestStreamingRecognizerPublishesPartials(t *testing.T) {
	sess, b := testSession(t)
	sess.SetListenMode(config.ListenManual)

	handle := &scriptedStream{
		partials: make(chan asr.Transcript, 2),
		finals:   make(chan asr.Transcript, 1),
	}
	handle.partials <- asr.Transcript{Text: "turn on"}
	handle.finals <- asr.Transcript{Text: "turn on the light", Final: true, Confidence: 0.9}

	type hypothesis struct {
		text  string
		final bool
	}
	got := make(chan hypothesis, 8)
	b.SubscribeSync(bus.TranscriptReady{}, func(ev bus.Event) {
		e := ev.(bus.TranscriptReady)
		got <- hypothesis{text: e.Text, final: e.Final}
	})

	if _, err := New(sess, b, &vadmock.Engine{}, streamingRecognizer{handle: handle}, nil, nil); err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 8 {
		b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})
	}
	sess.SetVoiceStopped(true)
	b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})

	wait := func() hypothesis {
		select {
		case h := <-got:
			return h
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for transcript")
			return hypothesis{}
		}
	}
	if h := wait(); h.final || h.text != "turn on" {
		t.Fatalf("first hypothesis = %+v, want non-final partial", h)
	}
	if h := wait(); !h.final || h.text != "turn on the light" {
		t.Fatalf("second hypothesis = %+v, want final transcript", h)
	}
}

type fixedSpeaker struct{ name string }

func (f fixedSpeaker) Identify(ctx context.Context, pcm []byte) (string, error) {
	return f.name, nil
}

func TestSpeakerEnvelope(t *testing.T) {
	sess, b := testSession(t)
	sink := newSink(b)
	sess.SetListenMode(config.ListenManual)

	rec := &asrmock.Provider{Results: []asr.Result{{Text: "hello"}}}
	if _, err := New(sess, b, &vadmock.Engine{}, rec, fixedSpeaker{name: "alice"}, nil); err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 8 {
		b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})
	}
	sess.SetVoiceStopped(true)
	b.Publish(bus.AudioDataReceived{Meta: bus.NewMeta(sess.ID), Data: pcmFrame()})

	got := sink.wait(t)
	want := `{"content":"hello","speaker":"alice"}`
	if got != want {
		t.Fatalf("transcript = %q, want %q", got, want)
	}
}
