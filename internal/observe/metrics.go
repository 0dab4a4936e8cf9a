// Package observe provides the gateway's observability primitives:
// OpenTelemetry metric instruments, a Prometheus exporter bridge, and a bus
// recorder that turns pipeline events into measurements.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all gateway metrics.
const meterName = "github.com/voxgate/voxgate"

// latencyBuckets are histogram boundaries (seconds) sized for voice-pipeline
// latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds the gateway's metric instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// ASRDuration tracks recognition latency per utterance.
	ASRDuration metric.Float64Histogram

	// LLMDuration tracks full-turn completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency per sentence.
	TTSDuration metric.Float64Histogram

	// Transcripts counts recognised utterances.
	Transcripts metric.Int64Counter

	// ToolCalls counts tool dispatches. Attributes: tool, action.
	ToolCalls metric.Int64Counter

	// PipelineErrors counts pipeline failures. Attribute: stage.
	PipelineErrors metric.Int64Counter

	// ActiveSessions tracks live device sessions.
	ActiveSessions metric.Int64UpDownCounter

	// AudioFramesIn counts inbound audio frames across all sessions.
	AudioFramesIn metric.Int64Counter

	// AudioFramesOut counts synthesized audio frames across all sessions.
	AudioFramesOut metric.Int64Counter

	meter metric.Meter
}

// NewMetrics creates the instrument set on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{meter: m}
	var err error

	if met.ASRDuration, err = m.Float64Histogram("voxgate.asr.duration",
		metric.WithDescription("Latency of speech recognition per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxgate.llm.duration",
		metric.WithDescription("Latency of one assistant turn end to end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxgate.tts.duration",
		metric.WithDescription("Latency of speech synthesis per sentence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("voxgate.transcripts.total",
		metric.WithDescription("Recognised utterances."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxgate.tool_calls.total",
		metric.WithDescription("Tool dispatches."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("voxgate.pipeline_errors.total",
		metric.WithDescription("Pipeline stage failures."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.sessions.active",
		metric.WithDescription("Live device sessions."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesIn, err = m.Int64Counter("voxgate.audio_frames_in.total",
		metric.WithDescription("Inbound audio frames."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesOut, err = m.Int64Counter("voxgate.audio_frames_out.total",
		metric.WithDescription("Synthesized audio frames."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// ObserveASRQueueDepth registers an observable gauge fed by depth, typically
// the shared recognition pool's pending-task count.
func (m *Metrics) ObserveASRQueueDepth(depth func() int64) error {
	g, err := m.meter.Int64ObservableGauge("voxgate.asr.queue_depth",
		metric.WithDescription("Pending utterances in the shared recognition queue."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(g, depth())
		return nil
	}, g)
	return err
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
	defaultErr     error
)

// DefaultMetrics returns the process-wide Metrics built on the global meter
// provider. The first call creates the instruments.
func DefaultMetrics() (*Metrics, error) {
	defaultOnce.Do(func() {
		defaultMetrics, defaultErr = NewMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultErr
}

// RecordToolCall is a convenience wrapper for the tool dispatch counter.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, action string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("action", action),
	))
}
