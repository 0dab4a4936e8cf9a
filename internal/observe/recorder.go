package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxgate/voxgate/internal/bus"
)

// Recorder turns bus events into metric measurements. One instance observes
// every session; attach it once at startup.
type Recorder struct {
	metrics *Metrics

	mu          sync.Mutex
	turnStarts  map[string]time.Time // sentence id → LLMRequest time
	asrStarts   map[string]time.Time // session id → VADSpeechEnd time
	synthStarts map[string]time.Time // sentence id → TTSRequest time
}

// NewRecorder subscribes a Recorder to the bus.
func NewRecorder(b *bus.Bus, m *Metrics) *Recorder {
	r := &Recorder{
		metrics:     m,
		turnStarts:  make(map[string]time.Time),
		asrStarts:   make(map[string]time.Time),
		synthStarts: make(map[string]time.Time),
	}

	ctx := context.Background()

	b.SubscribeSync(bus.SessionCreated{}, func(bus.Event) {
		m.ActiveSessions.Add(ctx, 1)
	})
	b.SubscribeSync(bus.SessionDestroying{}, func(bus.Event) {
		m.ActiveSessions.Add(ctx, -1)
	})
	b.SubscribeSync(bus.AudioDataReceived{}, func(bus.Event) {
		m.AudioFramesIn.Add(ctx, 1)
	})
	b.SubscribeSync(bus.VADSpeechEnd{}, func(ev bus.Event) {
		r.mu.Lock()
		r.asrStarts[ev.Session()] = ev.At()
		r.mu.Unlock()
	})
	b.SubscribeSync(bus.TranscriptReady{}, func(ev bus.Event) {
		e := ev.(bus.TranscriptReady)
		if !e.Final {
			return
		}
		m.Transcripts.Add(ctx, 1)
		r.mu.Lock()
		start, ok := r.asrStarts[e.SessionID]
		delete(r.asrStarts, e.SessionID)
		r.mu.Unlock()
		if ok {
			m.ASRDuration.Record(ctx, e.At().Sub(start).Seconds())
		}
	})
	b.SubscribeSync(bus.TTSRequest{}, func(ev bus.Event) {
		e := ev.(bus.TTSRequest)
		r.mu.Lock()
		r.synthStarts[e.SentenceID] = e.At()
		r.mu.Unlock()
	})
	b.SubscribeSync(bus.TTSAudioReady{}, func(ev bus.Event) {
		e := ev.(bus.TTSAudioReady)
		m.AudioFramesOut.Add(ctx, int64(e.Frames))
		r.mu.Lock()
		start, ok := r.synthStarts[e.SentenceID]
		delete(r.synthStarts, e.SentenceID)
		r.mu.Unlock()
		if ok {
			m.TTSDuration.Record(ctx, e.At().Sub(start).Seconds())
		}
	})
	b.SubscribeSync(bus.ToolCallResponse{}, func(ev bus.Event) {
		e := ev.(bus.ToolCallResponse)
		m.RecordToolCall(ctx, e.Tool, e.Action)
	})
	b.SubscribeSync(bus.Error{}, func(ev bus.Event) {
		e := ev.(bus.Error)
		m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", e.Stage),
		))
	})
	b.SubscribeSync(bus.LLMError{}, func(bus.Event) {
		m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", "llm"),
		))
	})
	b.SubscribeSync(bus.TTSError{}, func(bus.Event) {
		m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", "tts"),
		))
	})

	b.SubscribeSync(bus.LLMRequest{}, func(ev bus.Event) {
		e := ev.(bus.LLMRequest)
		r.mu.Lock()
		r.turnStarts[e.SentenceID] = e.At()
		r.mu.Unlock()
	})
	b.SubscribeSync(bus.LLMResponse{}, func(ev bus.Event) {
		e := ev.(bus.LLMResponse)
		r.mu.Lock()
		start, ok := r.turnStarts[e.SentenceID]
		delete(r.turnStarts, e.SentenceID)
		r.mu.Unlock()
		if ok {
			m.LLMDuration.Record(ctx, e.At().Sub(start).Seconds())
		}
	})

	return r
}
