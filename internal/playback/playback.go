// Package playback owns the downstream half of a session: the TTS
// orchestrator that turns queued text into audio frames, and the paced
// sender that writes those frames to the transport on the 60 ms schedule the
// device expects.
//
// Two FIFOs decouple the producers: TextQueue carries sentence-level
// synthesis requests, AudioQueue carries encoded frame batches with their
// turn boundaries. An abort bumps the epoch counter, which invalidates every
// queued item from the aborted turn without draining races.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// Boundary marks an audio item's position within an assistant turn.
type Boundary int

const (
	// First delimits the start of a turn. Carries no audio.
	First Boundary = iota

	// Middle carries synthesized or file audio.
	Middle

	// Last delimits the end of a turn. Carries no audio.
	Last
)

type contentType int

const (
	contentAction contentType = iota
	contentText
	contentFile
)

type ttsMessage struct {
	epoch    uint64
	boundary Boundary
	content  contentType
	text     string
	file     string
}

type audioItem struct {
	epoch    uint64
	boundary Boundary
	frames   []tts.Frame
	caption  string
}

// TurnDoneFunc runs after the paced sender emits a turn's stop message. Used
// to destroy the session when close_after_chat is set.
type TurnDoneFunc func()

// Orchestrator drives synthesis and paced sending for one session.
type Orchestrator struct {
	sess     *session.Context
	bus      *bus.Bus
	provider tts.Provider
	voice    string
	onDone   TurnDoneFunc

	textQ  chan ttsMessage
	audioQ chan audioItem
	epoch  atomic.Uint64

	// Clock hooks for the paced sender; tests substitute them.
	now   func() time.Time
	sleep func(time.Duration)
}

// New starts the orchestrator's synthesizer and paced sender goroutines.
// Both exit when the session's lifecycle stops.
func New(sess *session.Context, b *bus.Bus, provider tts.Provider, onDone TurnDoneFunc) *Orchestrator {
	voice, _ := sess.Config.Providers.TTS.Options["voice"].(string)
	o := &Orchestrator{
		sess:     sess,
		bus:      b,
		provider: provider,
		voice:    voice,
		onDone:   onDone,
		textQ:    make(chan ttsMessage, 64),
		audioQ:   make(chan audioItem, 256),
		now:      time.Now,
		sleep:    time.Sleep,
	}

	b.SubscribeSync(bus.ClientAbort{}, func(ev bus.Event) {
		e := ev.(bus.ClientAbort)
		if e.SessionID != sess.ID {
			return
		}
		o.Abort(e.Reason)
	})

	go o.synthLoop()
	go o.sendLoop()
	return o
}

// ── producer API ─────────────────────────────────────────────────────────────

// AddFirst pushes the turn-start marker.
func (o *Orchestrator) AddFirst() {
	o.push(ttsMessage{boundary: First, content: contentAction})
}

// AddText pushes one sentence for synthesis.
func (o *Orchestrator) AddText(text string) {
	if text == "" {
		return
	}
	o.push(ttsMessage{boundary: Middle, content: contentText, text: text})
}

// AddLast pushes the turn-end marker.
func (o *Orchestrator) AddLast() {
	o.push(ttsMessage{boundary: Last, content: contentAction})
}

// PlayFile pushes a pre-recorded WAV clip into the current turn.
func (o *Orchestrator) PlayFile(path string) {
	o.push(ttsMessage{boundary: Middle, content: contentFile, file: path})
}

// SynthesizeOneSentence is the atomic FIRST + TEXT + LAST unit used for
// standalone utterances such as error phrases and greetings.
func (o *Orchestrator) SynthesizeOneSentence(text string) {
	o.AddFirst()
	o.AddText(text)
	o.AddLast()
}

// PlayOneFile is the atomic FIRST + FILE + LAST unit for pre-recorded clips.
func (o *Orchestrator) PlayOneFile(path string) {
	o.AddFirst()
	o.PlayFile(path)
	o.AddLast()
}

func (o *Orchestrator) push(msg ttsMessage) {
	msg.epoch = o.epoch.Load()
	select {
	case o.textQ <- msg:
	case <-o.sess.Lifecycle.Done():
	}
}

// Abort invalidates everything queued for the current turn, stops the
// speaking state, and emits the stop boundary immediately.
func (o *Orchestrator) Abort(reason string) {
	o.epoch.Add(1)
	o.sess.SetAborted(true)
	o.sess.SetSpeaking(false)
	slog.Info("playback aborted", "session_id", o.sess.ID, "reason", reason)
	o.bus.Publish(bus.ClientSpeakingState{Meta: bus.NewMeta(o.sess.ID), Speaking: false})
	o.sendState(context.Background(), "stop", "")
}

// ── synthesizer ──────────────────────────────────────────────────────────────

func (o *Orchestrator) synthLoop() {
	for {
		select {
		case <-o.sess.Lifecycle.Done():
			return
		case msg := <-o.textQ:
			if msg.epoch != o.epoch.Load() {
				continue
			}
			o.synthesize(msg)
		}
	}
}

func (o *Orchestrator) synthesize(msg ttsMessage) {
	item := audioItem{epoch: msg.epoch, boundary: msg.boundary}

	switch msg.content {
	case contentAction:
		// Boundary marker only.

	case contentText:
		sentenceID := o.sess.SentenceID()
		o.bus.Publish(bus.TTSRequest{
			Meta:       bus.NewMeta(o.sess.ID),
			SentenceID: sentenceID,
			Text:       msg.text,
		})
		frames, err := o.provider.Synthesize(context.Background(), msg.text, o.voice)
		if err != nil {
			slog.Error("tts synthesis failed", "session_id", o.sess.ID, "error", err)
			o.bus.Publish(bus.TTSError{Meta: bus.NewMeta(o.sess.ID), Err: err})
			return
		}
		o.bus.Publish(bus.TTSAudioReady{
			Meta:       bus.NewMeta(o.sess.ID),
			SentenceID: sentenceID,
			Frames:     len(frames),
		})
		item.frames = frames
		item.caption = msg.text

	case contentFile:
		frames, err := o.loadFile(msg.file)
		if err != nil {
			slog.Error("audio clip load failed",
				"session_id", o.sess.ID,
				"path", msg.file,
				"error", err)
			return
		}
		item.frames = frames
	}

	select {
	case o.audioQ <- item:
	case <-o.sess.Lifecycle.Done():
	}
}

func (o *Orchestrator) loadFile(path string) ([]tts.Frame, error) {
	pcm, err := audio.ReadWAVFile(path, audio.SampleRate)
	if err != nil {
		return nil, err
	}
	enc, err := audio.NewOpusEncoder(audio.SampleRate, o.sess.Config.Pipeline.FrameDurationMs)
	if err != nil {
		return nil, err
	}
	packets, err := enc.EncodeFrames(pcm)
	if err != nil {
		return nil, fmt.Errorf("playback: encode %q: %w", path, err)
	}
	frames := make([]tts.Frame, len(packets))
	for i, pkt := range packets {
		frames[i] = tts.Frame{Opus: pkt, DurationMs: o.sess.Config.Pipeline.FrameDurationMs}
	}
	return frames, nil
}

// ── paced sender ─────────────────────────────────────────────────────────────

func (o *Orchestrator) sendLoop() {
	var (
		turnStart time.Time
		sent      int
	)

	for {
		select {
		case <-o.sess.Lifecycle.Done():
			return
		case item := <-o.audioQ:
			if item.epoch != o.epoch.Load() {
				continue
			}
			ctx := context.Background()

			switch item.boundary {
			case First:
				turnStart = o.now()
				sent = 0
				o.sess.SetAborted(false)
				o.sess.SetSpeaking(true)
				o.bus.Publish(bus.ClientSpeakingState{Meta: bus.NewMeta(o.sess.ID), Speaking: true})
				o.sendState(ctx, "start", "")

			case Middle:
				if item.caption != "" {
					o.sendState(ctx, "sentence_start", item.caption)
				}
				sent = o.sendFrames(ctx, item, turnStart, sent)

			case Last:
				o.sess.SetSpeaking(false)
				o.bus.Publish(bus.ClientSpeakingState{Meta: bus.NewMeta(o.sess.ID), Speaking: false})
				o.sendState(ctx, "stop", "")
				if o.sess.CloseAfterChat() && o.onDone != nil {
					o.onDone()
				}
			}
		}
	}
}

// sendFrames writes one item's frames on the pacing schedule and returns the
// updated per-turn frame count.
func (o *Orchestrator) sendFrames(ctx context.Context, item audioItem, turnStart time.Time, sent int) int {
	cfg := o.sess.Config.Pipeline
	frameDur := time.Duration(cfg.FrameDurationMs) * time.Millisecond
	fixedDelay := time.Duration(cfg.AudioSendDelayMs) * time.Millisecond

	for _, frame := range item.frames {
		if item.epoch != o.epoch.Load() {
			// Aborted mid-sentence; drop the rest.
			return sent
		}

		switch {
		case fixedDelay > 0:
			o.sleep(fixedDelay)
		case sent >= cfg.PreBufferFrames:
			// Frame k may not leave before turnStart + k·frameDur, counted
			// past the pre-buffer. Sleeping only on a positive remainder
			// catches up without busy-waiting.
			target := turnStart.Add(time.Duration(sent-cfg.PreBufferFrames) * frameDur)
			if d := target.Sub(o.now()); d > 0 {
				o.sleep(d)
			}
		}

		if err := o.sess.Transport.SendBinary(ctx, frame.Opus); err != nil {
			slog.Debug("audio frame send failed", "session_id", o.sess.ID, "error", err)
			return sent
		}
		sent++
	}
	return sent
}

func (o *Orchestrator) sendState(ctx context.Context, state, text string) {
	msg := map[string]any{
		"type":       "tts",
		"state":      state,
		"session_id": o.sess.ID,
	}
	if text != "" {
		msg["text"] = text
	}
	if err := transport.SendJSON(ctx, o.sess.Transport, msg); err != nil {
		slog.Debug("tts state send failed",
			"session_id", o.sess.ID,
			"state", state,
			"error", err)
	}
}
