// Package intent is the cheap gate that runs before the dialogue LLM. It
// unwraps speaker envelopes, short-circuits exit commands and wake words,
// and optionally asks a small classifier model to pick a tool directly.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/plugins"
	"github.com/voxgate/voxgate/internal/plugins/builtin"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// exitScoreMin is the Jaro-Winkler floor for treating a transcript as an
// exit command when it is not an exact match.
const exitScoreMin = 0.9

// Strategy names accepted in the intent config.
const (
	TypeFunctionCall = "function_call"
	TypeIntentLLM    = "intent_llm"
)

var greetings = []string{
	"哎，我在呢。",
	"你好呀，有什么可以帮你的吗？",
}

// Outcome is the gate's verdict on one transcript.
type Outcome struct {
	// Absorbed means the gate handled the message; the dialogue LLM is not
	// consulted.
	Absorbed bool

	// Content is the (possibly enriched) user text for the dialogue history.
	Content string

	// Speaker is the identified speaker name from the envelope, if any.
	Speaker string
}

// Service is the per-process intent gate. Session state travels in through
// the plugin context.
type Service struct {
	dispatcher *plugins.Dispatcher
	classifier llm.Provider // nil unless intent type is intent_llm
	tts        tts.Provider
	bus        *bus.Bus
}

// New creates the gate. classifier may be nil for the function_call strategy.
func New(dispatcher *plugins.Dispatcher, classifier llm.Provider, ttsProvider tts.Provider, b *bus.Bus) *Service {
	return &Service{
		dispatcher: dispatcher,
		classifier: classifier,
		tts:        ttsProvider,
		bus:        b,
	}
}

// Process inspects one final transcript before the dialogue LLM sees it.
func (s *Service) Process(ctx context.Context, pctx *plugins.Context, text string) Outcome {
	sess := pctx.Session
	content, speaker := unwrapEnvelope(text)
	normalized := stripPunctuation(content)

	if s.isExitCommand(sess, normalized) {
		s.bus.Publish(bus.IntentRecognized{Meta: bus.NewMeta(sess.ID), Intent: "exit"})
		s.echoTranscript(ctx, sess, content)
		sess.SetCloseAfterChat(true)
		pctx.Speaker.SynthesizeOneSentence("再见，下次再聊。")
		return Outcome{Absorbed: true, Content: content, Speaker: speaker}
	}

	if isWakeWord(sess, normalized) {
		s.bus.Publish(bus.IntentRecognized{Meta: bus.NewMeta(sess.ID), Intent: "wake"})
		s.echoTranscript(ctx, sess, content)
		s.greet(ctx, pctx)
		return Outcome{Absorbed: true, Content: content, Speaker: speaker}
	}

	if sess.Config.Intent.Type != TypeIntentLLM || s.classifier == nil {
		// function_call defers tool choice to the dialogue LLM.
		return Outcome{Content: content, Speaker: speaker}
	}
	return s.classify(ctx, pctx, content, speaker)
}

// echoTranscript reports the recognised text to the device before any reply
// audio. Absorbed transcripts never reach the dialogue service, which echoes
// for full turns, so the gate sends its own.
func (s *Service) echoTranscript(ctx context.Context, sess *session.Context, text string) {
	if err := transport.SendJSON(ctx, sess.Transport, map[string]any{
		"type":       "stt",
		"text":       text,
		"session_id": sess.ID,
	}); err != nil {
		slog.Debug("stt echo failed", "session_id", sess.ID, "error", err)
	}
}

func (s *Service) isExitCommand(sess *session.Context, normalized string) bool {
	if normalized == "" {
		return false
	}
	for _, cmd := range sess.Config.Intent.ExitCommands {
		want := stripPunctuation(cmd)
		if normalized == want {
			return true
		}
		if matchr.JaroWinkler(normalized, want, true) >= exitScoreMin {
			return true
		}
	}
	return false
}

func isWakeWord(sess *session.Context, normalized string) bool {
	for _, w := range sess.Config.Intent.WakeWords {
		if normalized == stripPunctuation(w) {
			return true
		}
	}
	return false
}

// ── greeting ─────────────────────────────────────────────────────────────────

// greet answers a wake word: a cached clip when available, a fresh synthesis
// otherwise. A stale cache entry still plays but refreshes in the background.
func (s *Service) greet(ctx context.Context, pctx *plugins.Context) {
	sess := pctx.Session
	cfg := sess.Config.Intent
	if !cfg.EnableGreeting {
		// The device still needs its state machine unblocked.
		_ = sess.Transport.SendText(ctx, fmt.Sprintf(
			`{"type":"tts","state":"stop","session_id":%q}`, sess.ID))
		return
	}

	text := greetings[int(time.Now().UnixNano())%len(greetings)]
	voice, _ := sess.Config.Providers.TTS.Options["voice"].(string)
	if voice == "" {
		voice = "default"
	}

	path := ""
	if cfg.GreetingCacheDir != "" {
		path = filepath.Join(cfg.GreetingCacheDir, voice+".wav")
	}
	if path == "" {
		pctx.Speaker.SynthesizeOneSentence(text)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		pctx.Speaker.SynthesizeOneSentence(text)
		go s.refreshGreeting(path, text, voice)
		return
	}

	pctx.Speaker.PlayOneFile(path)
	maxAge := time.Duration(cfg.GreetingRefreshHours) * time.Hour
	if maxAge > 0 && time.Since(info.ModTime()) > maxAge {
		go s.refreshGreeting(path, text, voice)
	}
}

// refreshGreeting synthesises the greeting and rewrites the WAV cache entry.
func (s *Service) refreshGreeting(path, text, voice string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	frames, err := s.tts.Synthesize(ctx, text, voice)
	if err != nil {
		slog.Warn("greeting refresh failed", "path", path, "error", err)
		return
	}
	dec, err := audio.NewOpusDecoder(audio.SampleRate, audio.FrameDurationMs)
	if err != nil {
		slog.Warn("greeting refresh failed", "path", path, "error", err)
		return
	}
	var pcm []byte
	for _, frame := range frames {
		chunk, err := dec.Decode(frame.Opus)
		if err != nil {
			slog.Warn("greeting refresh failed", "path", path, "error", err)
			return
		}
		pcm = append(pcm, chunk...)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Warn("greeting refresh failed", "path", path, "error", err)
		return
	}
	if err := audio.WriteWAVFile(path, pcm, audio.SampleRate); err != nil {
		slog.Warn("greeting refresh failed", "path", path, "error", err)
	}
}

// ── classifier strategy ──────────────────────────────────────────────────────

const classifierPrompt = `你是语音助手的意图分类器。根据用户的话选择一个工具，
输出一个 JSON 对象：{"function_call":{"name":"<工具名>","arguments":{...}}}。
没有合适的工具时输出 {"function_call":{"name":"continue_chat"}}。
用户询问当前时间或日期时输出 {"function_call":{"name":"result_for_context"}}。
可用工具：%s`

type classifierResult struct {
	FunctionCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function_call"`
}

func (s *Service) classify(ctx context.Context, pctx *plugins.Context, content, speaker string) Outcome {
	sess := pctx.Session
	pass := Outcome{Content: content, Speaker: speaker}

	prompt := fmt.Sprintf(classifierPrompt, strings.Join(s.dispatcher.Registry().Names(), ", "))
	reply, err := s.classifier.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: content},
		},
	})
	if err != nil {
		slog.Warn("intent classification failed", "session_id", sess.ID, "error", err)
		return pass
	}

	var result classifierResult
	if err := json.Unmarshal([]byte(stripCodeFence(reply.Content)), &result); err != nil {
		slog.Debug("unparseable classifier reply", "session_id", sess.ID, "reply", reply.Content)
		return pass
	}

	switch result.FunctionCall.Name {
	case "", "continue_chat":
		return pass
	case "result_for_context":
		// Answer with fresh clock context instead of a tool round-trip.
		pass.Content = builtin.TimeContext(time.Now()) + "\n用户的问题：" + content
		return pass
	}

	s.bus.Publish(bus.IntentRecognized{
		Meta:   bus.NewMeta(sess.ID),
		Intent: result.FunctionCall.Name,
	})
	resp := s.dispatcher.Dispatch(ctx, pctx, result.FunctionCall.Name, string(result.FunctionCall.Arguments))
	switch resp.Action {
	case plugins.ActionRespond:
		pctx.Speaker.SynthesizeOneSentence(resp.Response)
		if resp.File != "" {
			pctx.Speaker.PlayOneFile(resp.File)
		}
		return Outcome{Absorbed: true, Content: content, Speaker: speaker}
	case plugins.ActionReqLLM:
		pass.Content = content + "\n工具结果：" + resp.Result
		return pass
	case plugins.ActionNotFound, plugins.ActionError:
		pctx.Speaker.SynthesizeOneSentence("这个功能暂时用不了，换个说法试试？")
		return Outcome{Absorbed: true, Content: content, Speaker: speaker}
	default: // NONE
		return Outcome{Absorbed: true, Content: content, Speaker: speaker}
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

// unwrapEnvelope extracts content and speaker from the listen service's
// speaker envelope; plain text passes through.
func unwrapEnvelope(text string) (content, speaker string) {
	if !strings.HasPrefix(strings.TrimSpace(text), "{") {
		return text, ""
	}
	var env struct {
		Content string `json:"content"`
		Speaker string `json:"speaker"`
	}
	if err := json.Unmarshal([]byte(text), &env); err != nil || env.Content == "" {
		return text, ""
	}
	return env.Content, env.Speaker
}

func stripPunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

// stripCodeFence removes a surrounding markdown code fence from a model
// reply.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
