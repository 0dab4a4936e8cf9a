// Package router owns the per-session frame intake loop: it parses every
// inbound transport frame and publishes exactly one event, keeping the
// protocol surface out of the pipeline services.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/audio"
)

// DatagramNegotiator is implemented by transports whose audio path runs over
// a separate datagram endpoint. The router includes the returned parameters
// in the hello reply.
type DatagramNegotiator interface {
	DatagramInfo() (server string, port int, keyHex, nonceHex string, err error)
}

// ServerActionFunc handles an authenticated privileged server frame.
type ServerActionFunc func(ctx context.Context, action string) error

// Router drives one session's intake loop.
type Router struct {
	sess *session.Context
	bus  *bus.Bus

	// onServerAction, when set, handles {type:"server"} frames after secret
	// verification.
	onServerAction ServerActionFunc
}

// New creates a Router for one session.
func New(sess *session.Context, b *bus.Bus, onServerAction ServerActionFunc) *Router {
	return &Router{sess: sess, bus: b, onServerAction: onServerAction}
}

// Run receives frames until the transport closes or ctx is done. Returns nil
// on clean close.
func (r *Router) Run(ctx context.Context) error {
	for {
		frame, err := r.sess.Transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch frame.Kind {
		case transport.FrameBinary:
			// The VAD is the authority for voice activity; audio does not
			// touch the activity clock.
			r.bus.Publish(bus.AudioDataReceived{
				Meta: bus.NewMeta(r.sess.ID),
				Data: frame.Data,
			})
		case transport.FrameText:
			r.sess.Touch()
			r.handleText(ctx, frame.Data)
		}
	}
}

// controlMessage is the common shape of inbound JSON control frames.
type controlMessage struct {
	Type        string          `json:"type"`
	State       string          `json:"state,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Text        string          `json:"text,omitempty"`
	Version     int             `json:"version,omitempty"`
	AudioParams *audioParams    `json:"audio_params,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Action      string          `json:"action,omitempty"`
	Content     *serverContent  `json:"content,omitempty"`
}

type audioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

type serverContent struct {
	Secret string `json:"secret"`
}

func (r *Router) handleText(ctx context.Context, data []byte) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return
	}

	var msg controlMessage
	if !strings.HasPrefix(trimmed, "{") || json.Unmarshal(data, &msg) != nil || msg.Type == "" {
		// Plain text is treated as a final transcript, mirroring what the
		// device would say out loud.
		r.bus.Publish(bus.TranscriptReady{
			Meta:  bus.NewMeta(r.sess.ID),
			Text:  trimmed,
			Final: true,
		})
		return
	}

	switch msg.Type {
	case "hello":
		r.handleHello(ctx, msg, data)
	case "listen":
		r.handleListen(msg)
	case "abort":
		r.bus.Publish(bus.ClientAbort{
			Meta:   bus.NewMeta(r.sess.ID),
			Reason: "client_request",
		})
	case "iot":
		r.handleIoT(msg)
	case "mcp":
		r.bus.Publish(bus.TextMessageReceived{
			Meta:    bus.NewMeta(r.sess.ID),
			Type:    "mcp",
			Payload: msg.Payload,
		})
	case "server":
		r.handleServer(ctx, msg)
	default:
		slog.Debug("dropping unknown control message",
			"session_id", r.sess.ID,
			"type", msg.Type)
	}
}

// handleHello negotiates audio parameters and device features and replies
// with the server's hello.
func (r *Router) handleHello(ctx context.Context, msg controlMessage, raw []byte) {
	if msg.AudioParams != nil && msg.AudioParams.Format != "" {
		switch config.AudioFormat(msg.AudioParams.Format) {
		case config.FormatOpus, config.FormatPCM:
			r.sess.SetAudioFormat(config.AudioFormat(msg.AudioParams.Format))
		default:
			slog.Warn("ignoring unsupported audio format",
				"session_id", r.sess.ID,
				"format", msg.AudioParams.Format)
		}
	}
	if msg.Features["mcp"] {
		r.sess.SetMCPReady(true)
	}

	reply := map[string]any{
		"type":       "hello",
		"version":    msg.Version,
		"transport":  "websocket",
		"session_id": r.sess.ID,
		"audio_params": map[string]any{
			"format":         string(r.sess.AudioFormat()),
			"sample_rate":    audio.SampleRate,
			"channels":       1,
			"frame_duration": r.sess.Config.Pipeline.FrameDurationMs,
		},
	}

	if fd, ok := r.sess.Transport.(interface{ SetFrameDuration(ms int) }); ok {
		fd.SetFrameDuration(r.sess.Config.Pipeline.FrameDurationMs)
	}

	if neg, ok := r.sess.Transport.(DatagramNegotiator); ok {
		server, port, key, nonce, err := neg.DatagramInfo()
		if err != nil {
			slog.Error("datagram negotiation failed", "session_id", r.sess.ID, "error", err)
		} else {
			reply["transport"] = "udp"
			reply["udp"] = map[string]any{
				"server":     server,
				"port":       port,
				"encryption": "aes-128-ctr",
				"key":        key,
				"nonce":      nonce,
			}
		}
	}

	if err := transport.SendJSON(ctx, r.sess.Transport, reply); err != nil {
		slog.Error("hello reply failed", "session_id", r.sess.ID, "error", err)
		return
	}

	// Handlers observe connect-time data through the bus.
	r.bus.Publish(bus.TextMessageReceived{
		Meta:    bus.NewMeta(r.sess.ID),
		Type:    "hello",
		Payload: raw,
	})
}

func (r *Router) handleListen(msg controlMessage) {
	if msg.Mode != "" {
		switch config.ListenMode(msg.Mode) {
		case config.ListenAuto, config.ListenManual, config.ListenRealtime:
			r.sess.SetListenMode(config.ListenMode(msg.Mode))
		default:
			slog.Warn("ignoring unknown listen mode",
				"session_id", r.sess.ID,
				"mode", msg.Mode)
		}
	}

	switch msg.State {
	case "start":
		r.sess.SetHaveVoice(true)
		r.sess.SetVoiceStopped(false)
	case "stop":
		r.sess.SetHaveVoice(true)
		r.sess.SetVoiceStopped(true)
	case "detect":
		r.sess.SetJustWokenUp(true)
		if msg.Text != "" {
			r.bus.Publish(bus.TranscriptReady{
				Meta:  bus.NewMeta(r.sess.ID),
				Text:  msg.Text,
				Final: true,
			})
		}
	default:
		slog.Debug("ignoring listen state",
			"session_id", r.sess.ID,
			"state", msg.State)
	}
}

func (r *Router) handleIoT(msg controlMessage) {
	if len(msg.Descriptors) > 0 {
		var descriptors map[string]any
		if err := json.Unmarshal(msg.Descriptors, &descriptors); err != nil {
			slog.Debug("malformed iot descriptors", "session_id", r.sess.ID, "error", err)
			return
		}
		r.sess.SetIoTDescriptors(descriptors)
	}
	// States are telemetry; nothing consumes them yet.
}

// handleServer verifies the shared manager secret before invoking the
// privileged action handler.
func (r *Router) handleServer(ctx context.Context, msg controlMessage) {
	secret := r.sess.Config.Server.ManagerSecret
	if secret == "" || msg.Content == nil || msg.Content.Secret != secret {
		slog.Warn("rejected privileged server frame",
			"session_id", r.sess.ID,
			"action", msg.Action)
		return
	}
	if r.onServerAction == nil {
		return
	}
	if err := r.onServerAction(ctx, msg.Action); err != nil {
		slog.Error("server action failed",
			"session_id", r.sess.ID,
			"action", msg.Action,
			"error", err)
	}
}
