// Package dialogue turns final transcripts into assistant turns: binding and
// quota policy, barge-in, the intent gate, LLM streaming with tool dispatch,
// and long-term memory persistence.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/container"
	"github.com/voxgate/voxgate/internal/intent"
	"github.com/voxgate/voxgate/internal/memory"
	"github.com/voxgate/voxgate/internal/plugins"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// maxToolDepth bounds tool-call recursion. At the final depth the model is
// called without tool definitions to force a textual answer.
const maxToolDepth = 5

// beginTurnWait bounds how long a new transcript waits for the previous
// LLM turn to release the session.
const beginTurnWait = 3 * time.Second

const (
	fallbackPhrase  = "我这边出了点小问题，稍后再试试吧。"
	toolFailPhrase  = "这个操作没能完成，换个说法试试？"
	quotaPhrase     = "今天的聊天额度用完了，明天再来找我吧。"
	idleClosePhrase = "好久没听到你说话了，我先休息啦，想聊随时叫我。"
	unboundPhrase   = "设备还没有绑定，请先在管理后台添加这台设备。"
	bindCodePrefix  = "请先绑定设备，绑定码是"
	memoryRecallCue = "用户偏好与最近的对话内容"
)

// Orchestrator is the playback surface the dialogue service drives.
type Orchestrator interface {
	plugins.Speaker
	AddFirst()
	AddText(text string)
	PlayFile(path string)
	AddLast()
}

// Service runs the dialogue pipeline of one session.
type Service struct {
	sess       *session.Context
	bus        *bus.Bus
	provider   llm.Provider
	gate       *intent.Service
	dispatcher *plugins.Dispatcher
	orch       Orchestrator
	store      memory.Store
	quota      *Quota
	pctx       *plugins.Context
}

// New wires a Service for the session and subscribes it to the bus.
// store may be nil when long-term memory is disabled; device may be nil when
// the peer exposes no tools of its own. services is handed to tool handlers
// through the plugin context.
func New(
	sess *session.Context,
	b *bus.Bus,
	provider llm.Provider,
	gate *intent.Service,
	dispatcher *plugins.Dispatcher,
	orch Orchestrator,
	store memory.Store,
	quota *Quota,
	device plugins.DeviceTools,
	services *container.Container,
) *Service {
	s := &Service{
		sess:       sess,
		bus:        b,
		provider:   provider,
		gate:       gate,
		dispatcher: dispatcher,
		orch:       orch,
		store:      store,
		quota:      quota,
		pctx: &plugins.Context{
			Session:   sess,
			Container: services,
			Bus:       b,
			Speaker:   orch,
			Device:    device,
		},
	}
	sess.Dialogue.SetSystem(sess.Config.Pipeline.SystemPrompt)

	b.SubscribeSync(bus.TranscriptReady{}, func(ev bus.Event) {
		e := ev.(bus.TranscriptReady)
		if e.SessionID != sess.ID || !e.Final {
			return
		}
		go s.onTranscript(e.Text)
	})

	b.SubscribeSync(bus.VADSpeechStart{}, func(ev bus.Event) {
		if ev.Session() != sess.ID {
			return
		}
		s.bargeIn()
	})

	b.SubscribeSync(bus.SessionIdleTimeout{}, func(ev bus.Event) {
		if ev.Session() != sess.ID {
			return
		}
		// close_after_chat is already set, so the paced sender tears the
		// session down after this closing turn's stop frame.
		s.orch.SynthesizeOneSentence(idleClosePhrase)
	})

	b.SubscribeSync(bus.SessionDestroying{}, func(ev bus.Event) {
		if ev.Session() != sess.ID {
			return
		}
		s.saveMemory()
	})

	if store != nil {
		go s.injectMemories()
	}
	return s
}

// bargeIn aborts the current TTS turn when the user starts talking over it.
// Manual mode devices hold the mic button, so their audio is deliberate and
// never interrupts.
func (s *Service) bargeIn() {
	if !s.sess.Speaking() || s.sess.ListenMode() == config.ListenManual {
		return
	}
	s.bus.Publish(bus.ClientAbort{
		Meta:   bus.NewMeta(s.sess.ID),
		Reason: "user_interrupt",
	})
}

// onTranscript drives one user turn end to end.
func (s *Service) onTranscript(text string) {
	ctx := context.Background()
	sess := s.sess

	if need, code := sess.Binding(); need {
		s.speakBinding(code)
		return
	}

	limit := sess.Config.Pipeline.MaxOutputSize
	if s.quota != nil && s.quota.Exceeded(sess.DeviceID, limit) {
		s.orch.SynthesizeOneSentence(quotaPhrase)
		sess.SetCloseAfterChat(true)
		return
	}

	s.bargeIn()

	out := s.gate.Process(ctx, s.pctx, text)
	if out.Absorbed {
		return
	}

	if err := transport.SendJSON(ctx, sess.Transport, map[string]any{
		"type":       "stt",
		"text":       out.Content,
		"session_id": sess.ID,
	}); err != nil {
		slog.Debug("stt echo failed", "session_id", sess.ID, "error", err)
	}

	sentenceID := uuid.NewString()
	if !s.waitBeginTurn(sentenceID) {
		slog.Warn("dropping transcript, previous turn still running",
			"session_id", sess.ID)
		return
	}
	defer sess.FinishTurn()

	sess.SetAborted(false)
	s.bus.Publish(bus.LLMRequest{Meta: bus.NewMeta(sess.ID), SentenceID: sentenceID})

	sess.Dialogue.Append(llm.Message{
		Role:    llm.RoleUser,
		Content: out.Content,
		Name:    out.Speaker,
	})

	s.orch.AddFirst()
	s.streamTurn(ctx, 0)
	s.orch.AddLast()

	s.bus.Publish(bus.LLMResponse{
		Meta:       bus.NewMeta(sess.ID),
		SentenceID: sentenceID,
		Text:       sess.TurnText(),
	})
}

// waitBeginTurn retries BeginTurn until the previous turn finishes or the
// wait budget runs out.
func (s *Service) waitBeginTurn(sentenceID string) bool {
	deadline := time.Now().Add(beginTurnWait)
	for {
		if s.sess.BeginTurn(sentenceID) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// streamTurn runs one LLM round. Tool calls recurse with depth+1; the last
// depth offers no tools.
func (s *Service) streamTurn(ctx context.Context, depth int) {
	sess := s.sess

	var tools []llm.ToolDefinition
	if depth < maxToolDepth && s.provider.Capabilities().SupportsToolCalling {
		tools = s.dispatcher.Registry().Definitions()
		if s.pctx.Device != nil {
			tools = append(tools, s.pctx.Device.Definitions()...)
		}
	}

	ch, err := s.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages: sess.Dialogue.Snapshot(),
		Tools:    tools,
	})
	if err != nil {
		slog.Error("llm request failed", "session_id", sess.ID, "error", err)
		s.bus.Publish(bus.LLMError{Meta: bus.NewMeta(sess.ID), Err: err})
		s.orch.AddText(fallbackPhrase)
		return
	}

	var (
		splitter  sentenceSplitter
		full      strings.Builder
		toolCalls []llm.ToolCall
		failed    bool
	)
	for chunk := range ch {
		if sess.Aborted() {
			for range ch {
			}
			return
		}
		if chunk.Text != "" {
			full.WriteString(chunk.Text)
			sess.AppendTurnText(chunk.Text)
			for _, sentence := range splitter.Feed(chunk.Text) {
				s.orch.AddText(sentence)
			}
		}
		toolCalls = append(toolCalls, chunk.ToolCalls...)
		if chunk.FinishReason == llm.FinishError {
			failed = true
		}
	}
	if rest := splitter.Flush(); rest != "" {
		s.orch.AddText(rest)
	}

	if failed {
		s.bus.Publish(bus.LLMError{
			Meta: bus.NewMeta(sess.ID),
			Err:  fmt.Errorf("dialogue: completion stream failed"),
		})
		if full.Len() == 0 && len(toolCalls) == 0 {
			s.orch.AddText(fallbackPhrase)
		}
		return
	}

	if len(toolCalls) > 0 {
		s.handleToolCalls(ctx, depth, full.String(), toolCalls)
		return
	}

	if text := full.String(); text != "" {
		sess.Dialogue.Append(llm.Message{Role: llm.RoleAssistant, Content: text})
		if s.quota != nil {
			s.quota.Add(sess.DeviceID, len([]rune(text)))
		}
	}
}

// handleToolCalls dispatches the turn's tool calls and recurses when any
// result asks for another model round.
func (s *Service) handleToolCalls(ctx context.Context, depth int, text string, calls []llm.ToolCall) {
	sess := s.sess
	sess.Dialogue.Append(llm.Message{
		Role:      llm.RoleAssistant,
		Content:   text,
		ToolCalls: calls,
	})

	needsLLM := false
	for _, call := range calls {
		resp := s.dispatcher.Dispatch(ctx, s.pctx, call.Name, call.Arguments)

		result := resp.Result
		switch resp.Action {
		case plugins.ActionRespond:
			s.orch.AddText(resp.Response)
			if resp.File != "" {
				s.orch.PlayFile(resp.File)
			}
			if result == "" {
				result = resp.Response
			}
		case plugins.ActionReqLLM:
			needsLLM = true
		case plugins.ActionNotFound, plugins.ActionError:
			s.orch.AddText(toolFailPhrase)
		case plugins.ActionNone:
			if result == "" {
				result = "done"
			}
		}

		sess.Dialogue.Append(llm.Message{
			Role:       llm.RoleTool,
			Content:    result,
			ToolCallID: call.ID,
		})
	}

	if needsLLM && depth < maxToolDepth {
		s.streamTurn(ctx, depth+1)
	}
}

// ── binding flow ─────────────────────────────────────────────────────────────

// speakBinding tells an unbound device its activation code, digit clips when
// a clip directory is configured, synthesis otherwise.
func (s *Service) speakBinding(code string) {
	if code == "" {
		s.orch.SynthesizeOneSentence(unboundPhrase)
		return
	}

	dir := ""
	if opts := s.sess.Config.Plugins["bind"]; opts != nil {
		dir, _ = opts["clips_dir"].(string)
	}
	if dir == "" {
		var spaced []string
		for _, d := range code {
			spaced = append(spaced, string(d))
		}
		s.orch.SynthesizeOneSentence(bindCodePrefix + strings.Join(spaced, " "))
		return
	}

	s.orch.AddFirst()
	s.orch.PlayFile(filepath.Join(dir, "bind_code.wav"))
	for _, d := range code {
		if !unicode.IsDigit(d) {
			continue
		}
		s.orch.PlayFile(filepath.Join(dir, string(d)+".wav"))
	}
	s.orch.AddLast()
}

// ── long-term memory ─────────────────────────────────────────────────────────

// injectMemories recalls past-session summaries for the device and appends
// them to the system prompt.
func (s *Service) injectMemories() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summaries, err := s.store.Recall(ctx, s.sess.DeviceID, memoryRecallCue, 3)
	if err != nil {
		slog.Warn("memory recall failed", "session_id", s.sess.ID, "error", err)
		return
	}
	if len(summaries) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(s.sess.Config.Pipeline.SystemPrompt)
	sb.WriteString("\n\n之前和这位用户聊过的内容：\n")
	for _, sum := range summaries {
		sb.WriteString("- ")
		sb.WriteString(sum.Content)
		sb.WriteString("\n")
	}
	s.sess.Dialogue.SetSystem(sb.String())
}

const summaryPrompt = `把下面的对话总结成一两句话，只保留对以后聊天有用的信息
（用户的偏好、习惯、提到的事情）。没有值得记住的内容就输出"无"。`

// saveMemory summarises the conversation and persists it for the device.
// Runs inside the SessionDestroying publish, before the transport closes.
func (s *Service) saveMemory() {
	if s.store == nil || s.sess.Dialogue.Len() < 3 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var sb strings.Builder
	for _, msg := range s.sess.Dialogue.Snapshot() {
		if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
			continue
		}
		if msg.Content == "" {
			continue
		}
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}

	reply, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		slog.Warn("memory summarisation failed", "session_id", s.sess.ID, "error", err)
		return
	}
	content := strings.TrimSpace(reply.Content)
	if content == "" || content == "无" {
		return
	}

	if err := s.store.SaveSummary(ctx, s.sess.DeviceID, s.sess.ID, content); err != nil {
		slog.Warn("memory save failed", "session_id", s.sess.ID, "error", err)
	}
}
