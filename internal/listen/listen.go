// Package listen implements the per-session inbound audio service: Opus
// decode, VAD gating, utterance accumulation, and recognition submit.
//
// Audio frames arrive via AudioDataReceived in publish order. The service
// decodes them to 16 kHz PCM, windows the PCM into fixed 512-sample chunks
// for classification, and tracks the session's have_voice / voice_stopped
// state. When an utterance ends, the buffer is snapshotted and submitted for
// recognition off the intake goroutine; recognition and optional speaker
// identification run concurrently on the same snapshot.
package listen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/asr"
	"github.com/voxgate/voxgate/pkg/provider/asr/pool"
	"github.com/voxgate/voxgate/pkg/provider/vad"
)

// Sliding window over recent chunk classifications: have_voice flips once 3
// of the last 5 chunks are voice.
const (
	voiceWindow    = 5
	voiceWindowMin = 3
)

// wakeSuppression is how long VAD output is ignored after a wake-word
// detect frame, so the tail of the wake word does not start an utterance.
const wakeSuppression = time.Second

// preRollFrames is how many frames of leading audio are kept while no voice
// is detected. The pre-roll preserves the utterance onset the VAD needs a few
// chunks to notice; everything older is noise and is dropped.
const preRollFrames = 10

// busyPhrase is spoken when the recognition queue rejects an utterance.
const busyPhrase = "现在有点忙，请稍等一下再说一次。"

// SpeakerIdentifier optionally names the speaker of an utterance.
type SpeakerIdentifier interface {
	Identify(ctx context.Context, pcm []byte) (string, error)
}

// Announcer speaks service-status phrases to the user.
type Announcer interface {
	SynthesizeOneSentence(text string)
}

// Recognizer is the recognition entry point, satisfied by the shared pool
// and by plain providers.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte) (asr.Result, error)
}

// Service is the listen pipeline of one session. All handler methods run on
// the session's intake goroutine; only submit spawns.
type Service struct {
	sess     *session.Context
	bus      *bus.Bus
	vad      vad.SessionHandle
	rec      Recognizer
	speaker  SpeakerIdentifier // may be nil
	announce Announcer         // may be nil

	decoder *audio.OpusDecoder

	// Classification state.
	pcmPending  []int16
	window      []vad.Label
	lastVoiceAt time.Time
	wokeUntil   time.Time

	// Utterance buffer, decoded PCM bytes. preRoll holds the bounded tail of
	// leading frames collected before have_voice flips.
	preRoll   [][]byte
	utterance []byte
	packets   int
}

// New wires a Service for the session and subscribes it to the bus.
func New(sess *session.Context, b *bus.Bus, engine vad.Engine, rec Recognizer, speaker SpeakerIdentifier, announce Announcer) (*Service, error) {
	cfg := sess.Config.Pipeline
	handle, err := engine.NewSession(vad.Config{
		SampleRate:       audio.SampleRate,
		ChunkSamples:     audio.VADChunkSamples,
		SpeechThreshold:  cfg.SpeechThreshold,
		SilenceThreshold: cfg.SilenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("listen: create vad session: %w", err)
	}

	decoder, err := audio.NewOpusDecoder(audio.SampleRate, cfg.FrameDurationMs)
	if err != nil {
		handle.Close()
		return nil, err
	}

	s := &Service{
		sess:     sess,
		bus:      b,
		vad:      handle,
		rec:      rec,
		speaker:  speaker,
		announce: announce,
		decoder:  decoder,
	}

	b.SubscribeSync(bus.AudioDataReceived{}, func(ev bus.Event) {
		e := ev.(bus.AudioDataReceived)
		if e.SessionID != sess.ID {
			return
		}
		s.onAudio(e.Data)
	})

	sess.Lifecycle.OnStop(func(ctx context.Context) error {
		return s.vad.Close()
	})
	return s, nil
}

// onAudio ingests one inbound audio frame.
func (s *Service) onAudio(data []byte) {
	pcm, err := s.decode(data)
	if err != nil {
		slog.Debug("audio decode failed", "session_id", s.sess.ID, "error", err)
		return
	}

	if s.sess.ListenMode() == config.ListenManual {
		// Manual mode accepts every frame; the listen stop frame drives the
		// voice-stopped flag.
		s.append(pcm)
		if s.sess.VoiceStopped() {
			s.finishUtterance()
		}
		return
	}

	if s.sess.HaveVoice() {
		s.append(pcm)
		s.classify(pcm)
	} else {
		// No speech yet. Keep only a short pre-roll so that an idle open mic
		// does not grow the buffer without bound; the pre-roll is promoted
		// into the utterance once the window flips.
		s.pushPreRoll(pcm)
		s.classify(pcm)
		if s.sess.HaveVoice() {
			s.flushPreRoll()
		}
	}

	if s.sess.HaveVoice() && s.sess.VoiceStopped() {
		s.finishUtterance()
	}
}

func (s *Service) decode(frame []byte) ([]byte, error) {
	if s.sess.AudioFormat() == config.FormatPCM {
		return frame, nil
	}
	return s.decoder.Decode(frame)
}

func (s *Service) append(pcm []byte) {
	s.utterance = append(s.utterance, pcm...)
	s.packets++
}

func (s *Service) pushPreRoll(pcm []byte) {
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	s.preRoll = append(s.preRoll, frame)
	if len(s.preRoll) > preRollFrames {
		s.preRoll = s.preRoll[len(s.preRoll)-preRollFrames:]
	}
}

// flushPreRoll promotes the buffered onset frames into the utterance.
func (s *Service) flushPreRoll() {
	for _, frame := range s.preRoll {
		s.append(frame)
	}
	s.preRoll = nil
}

// classify runs the VAD over the frame's 512-sample chunks and maintains the
// session voice flags.
func (s *Service) classify(pcm []byte) {
	s.pcmPending = append(s.pcmPending, audio.BytesToInt16s(pcm)...)

	for len(s.pcmPending) >= audio.VADChunkSamples {
		chunk := s.pcmPending[:audio.VADChunkSamples]
		s.pcmPending = s.pcmPending[audio.VADChunkSamples:]

		res, err := s.vad.Classify(chunk)
		if err != nil {
			slog.Debug("vad classify failed", "session_id", s.sess.ID, "error", err)
			continue
		}
		s.observe(res.Label)
	}
}

func (s *Service) observe(label vad.Label) {
	if s.sess.JustWokenUp() {
		s.wokeUntil = time.Now().Add(wakeSuppression)
		s.sess.SetJustWokenUp(false)
	}
	if time.Now().Before(s.wokeUntil) {
		return
	}

	s.window = append(s.window, label)
	if len(s.window) > voiceWindow {
		s.window = s.window[1:]
	}

	now := time.Now()
	if label == vad.Voice {
		s.lastVoiceAt = now
		s.sess.Touch()
	}

	if !s.sess.HaveVoice() {
		voiced := 0
		for _, l := range s.window {
			if l == vad.Voice {
				voiced++
			}
		}
		if voiced >= voiceWindowMin {
			s.sess.SetHaveVoice(true)
			s.sess.SetVoiceStopped(false)
			s.bus.Publish(bus.VADSpeechStart{Meta: bus.NewMeta(s.sess.ID)})
		}
		return
	}

	if label == vad.Silence && !s.lastVoiceAt.IsZero() {
		silence := time.Duration(s.sess.Config.Pipeline.SilenceDurationMs) * time.Millisecond
		if now.Sub(s.lastVoiceAt) >= silence {
			s.sess.SetVoiceStopped(true)
			s.bus.Publish(bus.VADSpeechEnd{Meta: bus.NewMeta(s.sess.ID)})
		}
	}
}

// finishUtterance snapshots the buffer and submits it for recognition when
// it is long enough to be speech.
func (s *Service) finishUtterance() {
	snapshot := s.utterance
	packets := s.packets
	s.reset()

	if packets < s.sess.Config.Pipeline.MinUtterancePackets {
		slog.Debug("discarding short utterance",
			"session_id", s.sess.ID,
			"packets", packets)
		return
	}

	go s.submit(snapshot)
}

// reset clears the utterance and classification state for the next turn.
func (s *Service) reset() {
	s.utterance = nil
	s.preRoll = nil
	s.packets = 0
	s.window = nil
	s.pcmPending = nil
	s.lastVoiceAt = time.Time{}
	s.vad.Reset()
	s.sess.SetHaveVoice(false)
	s.sess.SetVoiceStopped(false)
}

// submit runs recognition and optional speaker identification concurrently,
// then publishes the transcript.
func (s *Service) submit(pcm []byte) {
	ctx := context.Background()

	var (
		result  asr.Result
		speaker string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		result, err = s.recognize(gctx, pcm)
		return err
	})
	if s.speaker != nil {
		g.Go(func() error {
			name, err := s.speaker.Identify(gctx, pcm)
			if err != nil {
				// Speaker identity is best-effort; recognition still counts.
				slog.Debug("speaker identification failed", "session_id", s.sess.ID, "error", err)
				return nil
			}
			speaker = name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, pool.ErrBusy) {
			// The shared worker is saturated. Tell the user to retry rather
			// than going silent on them.
			slog.Warn("recognition queue full, asking user to retry", "session_id", s.sess.ID)
			if s.announce != nil {
				s.announce.SynthesizeOneSentence(busyPhrase)
			}
			return
		}
		s.bus.Publish(bus.Error{
			Meta:  bus.NewMeta(s.sess.ID),
			Stage: "asr",
			Err:   err,
		})
		return
	}

	text := strings.TrimSpace(result.Text)
	if stripPunctuation(text) == "" {
		slog.Debug("suppressing empty transcript", "session_id", s.sess.ID)
		return
	}

	if speaker != "" {
		envelope, err := json.Marshal(map[string]string{
			"speaker": speaker,
			"content": text,
		})
		if err == nil {
			text = string(envelope)
		}
	}

	s.bus.Publish(bus.TranscriptReady{
		Meta:       bus.NewMeta(s.sess.ID),
		Text:       text,
		Final:      true,
		Confidence: result.Confidence,
	})
}

// recognize transcribes one utterance. Recognizers with the streaming
// capability get the audio over a live session, and interim hypotheses are
// republished as non-final transcripts so downstream consumers can observe
// recognition progress; everything else takes the batch path.
func (s *Service) recognize(ctx context.Context, pcm []byte) (asr.Result, error) {
	streamer, ok := s.rec.(asr.Streamer)
	if !ok {
		return s.rec.Transcribe(ctx, pcm)
	}

	handle, err := streamer.StartStream(ctx, asr.StreamConfig{SampleRate: audio.SampleRate})
	if err != nil {
		slog.Debug("stream open failed, using batch recognition",
			"session_id", s.sess.ID, "error", err)
		return s.rec.Transcribe(ctx, pcm)
	}
	if err := handle.SendAudio(pcm); err != nil {
		_ = handle.Close()
		return asr.Result{}, err
	}
	closed := make(chan error, 1)
	go func() { closed <- handle.Close() }()

	var (
		parts      []string
		confidence float64
	)
	partials, finals := handle.Partials(), handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.bus.Publish(bus.TranscriptReady{
				Meta:       bus.NewMeta(s.sess.ID),
				Text:       t.Text,
				Confidence: t.Confidence,
			})
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if t.Text != "" {
				parts = append(parts, t.Text)
				confidence = t.Confidence
			}
		case <-ctx.Done():
			return asr.Result{}, fmt.Errorf("listen: %w", ctx.Err())
		}
	}
	if err := <-closed; err != nil {
		return asr.Result{}, err
	}
	return asr.Result{Text: strings.Join(parts, " "), Confidence: confidence}, nil
}

// stripPunctuation drops punctuation, symbols, and spaces so that
// pure-punctuation recognition noise is treated as empty.
func stripPunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
