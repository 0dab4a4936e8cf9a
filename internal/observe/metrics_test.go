package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxgate/voxgate/internal/bus"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findSum(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				return total, true
			}
		}
	}
	return 0, false
}

func TestRecorderTracksSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	b := bus.New()
	NewRecorder(b, m)

	b.Publish(bus.SessionCreated{Meta: bus.NewMeta("s1")})
	b.Publish(bus.SessionCreated{Meta: bus.NewMeta("s2")})
	b.Publish(bus.SessionDestroying{Meta: bus.NewMeta("s1")})

	rm := collect(t, reader)
	got, ok := findSum(rm, "voxgate.sessions.active")
	if !ok {
		t.Fatal("sessions gauge not recorded")
	}
	if got != 1 {
		t.Fatalf("active sessions = %d, want 1", got)
	}
}

func TestRecorderCountsTranscriptsAndErrors(t *testing.T) {
	m, reader := newTestMetrics(t)
	b := bus.New()
	NewRecorder(b, m)

	b.Publish(bus.TranscriptReady{Meta: bus.NewMeta("s1"), Text: "hi", Final: true})
	b.Publish(bus.TranscriptReady{Meta: bus.NewMeta("s1"), Text: "partial"})
	b.Publish(bus.Error{Meta: bus.NewMeta("s1"), Stage: "asr"})
	b.Publish(bus.TTSError{Meta: bus.NewMeta("s1")})

	rm := collect(t, reader)
	if got, _ := findSum(rm, "voxgate.transcripts.total"); got != 1 {
		t.Fatalf("transcripts = %d, want 1 (partials must not count)", got)
	}
	if got, _ := findSum(rm, "voxgate.pipeline_errors.total"); got != 2 {
		t.Fatalf("pipeline errors = %d, want 2", got)
	}
}

func TestRecorderMeasuresSynthesisDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	b := bus.New()
	NewRecorder(b, m)

	b.Publish(bus.TTSRequest{Meta: bus.NewMeta("s1"), SentenceID: "turn-1", Text: "你好"})
	b.Publish(bus.TTSAudioReady{Meta: bus.NewMeta("s1"), SentenceID: "turn-1", Frames: 3})

	rm := collect(t, reader)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voxgate.tts.duration" {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
				t.Fatal("synthesis duration not recorded")
			}
			return
		}
	}
	t.Fatal("voxgate.tts.duration not recorded")
}

func TestRecorderMeasuresTurnDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	b := bus.New()
	NewRecorder(b, m)

	b.Publish(bus.LLMRequest{Meta: bus.NewMeta("s1"), SentenceID: "turn-1"})
	b.Publish(bus.LLMResponse{Meta: bus.NewMeta("s1"), SentenceID: "turn-1", Text: "ok"})

	rm := collect(t, reader)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voxgate.llm.duration" {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) == 0 {
				t.Fatal("no histogram data point for turn duration")
			}
			if hist.DataPoints[0].Count != 1 {
				t.Fatalf("duration count = %d, want 1", hist.DataPoints[0].Count)
			}
			return
		}
	}
	t.Fatal("voxgate.llm.duration not recorded")
}
