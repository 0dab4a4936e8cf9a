// Package server accepts device connections on both transport variants,
// authenticates them, and assembles the per-session pipeline: listen,
// intent gate, dialogue, playback, and the device MCP client.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/container"
	"github.com/voxgate/voxgate/internal/dialogue"
	"github.com/voxgate/voxgate/internal/intent"
	"github.com/voxgate/voxgate/internal/listen"
	"github.com/voxgate/voxgate/internal/mcp"
	"github.com/voxgate/voxgate/internal/memory"
	"github.com/voxgate/voxgate/internal/playback"
	"github.com/voxgate/voxgate/internal/plugins"
	"github.com/voxgate/voxgate/internal/router"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/internal/transport/broker"
	"github.com/voxgate/voxgate/internal/transport/ws"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/provider/vad"
)

// authFailMessage is spoken back to the device before an unauthenticated
// connection is closed.
const authFailMessage = `{"type":"error","message":"认证失败"}`

// sweepInterval is how often idle sessions are checked.
const sweepInterval = 30 * time.Second

// Pipeline bundles the process-wide provider set shared by every session.
type Pipeline struct {
	VAD        vad.Engine
	Recognizer listen.Recognizer
	Speaker    listen.SpeakerIdentifier // may be nil
	LLM        llm.Provider
	Classifier llm.Provider // may be nil unless intent type is intent_llm
	TTS        tts.Provider
	Memory     memory.Store // may be nil
	Dispatcher *plugins.Dispatcher
	Quota      *dialogue.Quota
}

// Server owns the listeners and assembles sessions.
type Server struct {
	cfg      *config.Config
	cfgPath  string
	bus      *bus.Bus
	manager  *session.Manager
	auth     *auth.Authenticator
	pipe     Pipeline
	gate     *intent.Service
	services *container.Container

	// restart cancels the Run context; wired to the privileged restart
	// action so a supervisor can bring the process back up.
	restart context.CancelFunc
}

// New creates a Server. cfgPath is re-read on the privileged update_config
// action; empty disables reloading.
func New(cfg *config.Config, cfgPath string, b *bus.Bus, manager *session.Manager, authenticator *auth.Authenticator, pipe Pipeline) *Server {
	s := &Server{
		cfg:      cfg,
		cfgPath:  cfgPath,
		bus:      b,
		manager:  manager,
		auth:     authenticator,
		pipe:     pipe,
		gate:     intent.New(pipe.Dispatcher, pipe.Classifier, pipe.TTS, b),
		services: manager.Container(),
	}
	s.registerServices()
	return s
}

// registerServices installs the per-session pipeline factories. Entries
// created here are dropped (and closed, where supported) when the manager
// destroys the session.
func (s *Server) registerServices() {
	s.services.RegisterInstance("tts", s.pipe.TTS, container.Sharable())

	s.services.Register("playback", container.Session, func(c *container.Container, id string) (any, error) {
		sess, ok := s.manager.Get(id)
		if !ok {
			return nil, fmt.Errorf("server: no session %s", id)
		}
		v, err := c.ResolveSession("tts", id)
		if err != nil {
			return nil, err
		}
		return playback.New(sess, s.bus, v.(tts.Provider), func() {
			reason := sess.CloseReason()
			if reason == "" {
				reason = session.ReasonExitCommand
			}
			s.manager.Destroy(context.Background(), id, reason)
		}), nil
	})

	s.services.Register("mcp_device", container.Session, func(_ *container.Container, id string) (any, error) {
		sess, ok := s.manager.Get(id)
		if !ok {
			return nil, fmt.Errorf("server: no session %s", id)
		}
		return mcp.NewDeviceClient(sess, s.bus), nil
	})

	s.services.Register("listen", container.Session, func(c *container.Container, id string) (any, error) {
		sess, ok := s.manager.Get(id)
		if !ok {
			return nil, fmt.Errorf("server: no session %s", id)
		}
		v, err := c.ResolveSession("playback", id)
		if err != nil {
			return nil, err
		}
		return listen.New(sess, s.bus, s.pipe.VAD, s.pipe.Recognizer, s.pipe.Speaker, v.(*playback.Orchestrator))
	})
}

// Run serves until ctx is done or a listener fails. The WebSocket listener
// doubles as the HTTP surface for /metrics and the health probe.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.restart = cancel

	g, ctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{
		Addr:        s.cfg.Server.WebSocketAddr,
		Handler:     http.HandlerFunc(s.handleHTTP),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		slog.Info("websocket listener up", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: websocket listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if s.cfg.Server.BrokerAddr != "" {
		if err := s.startBroker(ctx, g); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	g.Go(func() error {
		s.manager.RunSweeper(ctx, sweepInterval)
		return nil
	})

	return g.Wait()
}

// startBroker brings up the MQTT-style control listener and, when configured,
// its UDP audio channel.
func (s *Server) startBroker(ctx context.Context, g *errgroup.Group) error {
	host, port, err := s.datagramEndpoint()
	if err != nil {
		return err
	}

	brokerSrv := broker.NewServer(s.auth, host, port, func(ctx context.Context, c *broker.Conn) {
		s.serveBrokerSession(ctx, c)
	})

	ln, err := net.Listen("tcp", s.cfg.Server.BrokerAddr)
	if err != nil {
		return fmt.Errorf("server: broker listener: %w", err)
	}
	g.Go(func() error {
		slog.Info("broker listener up", "addr", s.cfg.Server.BrokerAddr)
		return brokerSrv.Serve(ctx, ln)
	})

	if s.cfg.Server.DatagramAddr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.Server.DatagramAddr)
		if err != nil {
			return fmt.Errorf("server: resolve datagram addr: %w", err)
		}
		udpConn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return fmt.Errorf("server: datagram listener: %w", err)
		}
		g.Go(func() error {
			slog.Info("datagram listener up", "addr", s.cfg.Server.DatagramAddr)
			return brokerSrv.ServeDatagram(ctx, udpConn)
		})
	}
	return nil
}

// datagramEndpoint resolves the host and port advertised to devices in the
// hello reply.
func (s *Server) datagramEndpoint() (string, int, error) {
	if s.cfg.Server.DatagramAddr == "" {
		return s.cfg.Server.PublicDatagramHost, 0, nil
	}
	host, portStr, err := net.SplitHostPort(s.cfg.Server.DatagramAddr)
	if err != nil {
		return "", 0, fmt.Errorf("server: parse datagram addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("server: parse datagram port: %w", err)
	}
	if s.cfg.Server.PublicDatagramHost != "" {
		host = s.cfg.Server.PublicDatagramHost
	}
	return host, port, nil
}

// ── HTTP surface ─────────────────────────────────────────────────────────────

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		switch r.URL.Path {
		case "/metrics":
			promhttp.Handler().ServeHTTP(w, r)
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("Server is running\n"))
		}
		return
	}
	s.handleUpgrade(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// credentials pulls the device identity and token from headers, falling back
// to query parameters for clients that cannot set headers.
func credentials(r *http.Request) (deviceID, clientID, token string) {
	q := r.URL.Query()
	deviceID = firstOf(r.Header.Get("device-id"), q.Get("device-id"))
	clientID = firstOf(r.Header.Get("client-id"), q.Get("client-id"))
	token = firstOf(r.Header.Get("authorization"), q.Get("authorization"))
	token = strings.TrimPrefix(token, "Bearer ")
	return deviceID, clientID, token
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func remoteIP(r *http.Request) string {
	if ip := r.Header.Get("x-real-ip"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// handleUpgrade accepts the WebSocket, verifies credentials, and runs the
// session loop on the request goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	deviceID, clientID, token := credentials(r)
	gatewayFraming := r.URL.Query().Get("from") == "mqtt_gateway"
	remote := remoteIP(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("websocket accept failed", "remote", remote, "error", err)
		return
	}
	tr := ws.New(conn, remote, gatewayFraming)

	if deviceID == "" {
		deviceID = clientID
	}
	if err := s.verify(r.Context(), tr, deviceID, clientID, token); err != nil {
		return
	}

	sess, err := s.manager.Create(deviceID, clientID, remote, tr, nil)
	if err != nil {
		slog.Error("session create failed", "device_id", deviceID, "error", err)
		_ = tr.Close()
		return
	}
	s.runSession(r.Context(), sess)
}

// verify rejects the connection with a spoken-equivalent error frame before
// closing, so devices can surface the failure to the user.
func (s *Server) verify(ctx context.Context, tr transport.Transport, deviceID, clientID, token string) error {
	err := s.auth.Verify(clientID, deviceID, token)
	if deviceID == "" {
		err = auth.ErrInvalidToken
	}
	if err != nil {
		slog.Warn("authentication failed",
			"device_id", deviceID,
			"client_id", clientID,
			"remote", tr.RemoteAddr(),
			"error", err)
		sendCtx, done := context.WithTimeout(ctx, 2*time.Second)
		defer done()
		_ = tr.SendText(sendCtx, authFailMessage)
		_ = tr.Close()
		return err
	}
	return nil
}

// serveBrokerSession adapts an authenticated broker connection into a
// session. The broker has already verified credentials in CONNECT.
func (s *Server) serveBrokerSession(ctx context.Context, c *broker.Conn) {
	sess, err := s.manager.Create(c.DeviceID(), c.ClientID(), c.RemoteAddr(), c, nil)
	if err != nil {
		slog.Error("session create failed", "device_id", c.DeviceID(), "error", err)
		_ = c.Close()
		return
	}
	s.runSession(ctx, sess)
}

// ── session assembly ─────────────────────────────────────────────────────────

// runSession resolves the per-session services through the container and
// drives the intake loop until the transport closes. Blocks for the life of
// the connection.
func (s *Server) runSession(ctx context.Context, sess *session.Context) {
	orchV, err := s.services.Resolve("playback", sess.ID)
	if err != nil {
		slog.Error("playback setup failed", "session_id", sess.ID, "error", err)
		s.manager.Destroy(context.Background(), sess.ID, session.ReasonFatalError)
		return
	}
	orch := orchV.(*playback.Orchestrator)

	deviceV, err := s.services.Resolve("mcp_device", sess.ID)
	if err != nil {
		slog.Error("device mcp setup failed", "session_id", sess.ID, "error", err)
		s.manager.Destroy(context.Background(), sess.ID, session.ReasonFatalError)
		return
	}
	device := deviceV.(*mcp.DeviceClient)

	if _, err := s.services.Resolve("listen", sess.ID); err != nil {
		slog.Error("listen pipeline failed", "session_id", sess.ID, "error", err)
		s.manager.Destroy(context.Background(), sess.ID, session.ReasonFatalError)
		return
	}

	dialogue.New(sess, s.bus, s.pipe.LLM, s.gate, s.pipe.Dispatcher, orch,
		s.pipe.Memory, s.pipe.Quota, device, s.services)

	if err := sess.Lifecycle.Start(ctx); err != nil {
		slog.Error("session start failed", "session_id", sess.ID, "error", err)
		s.manager.Destroy(context.Background(), sess.ID, session.ReasonFatalError)
		return
	}

	rt := router.New(sess, s.bus, s.serverAction)
	if err := rt.Run(ctx); err != nil {
		slog.Error("session intake failed", "session_id", sess.ID, "error", err)
		s.manager.Destroy(context.Background(), sess.ID, session.ReasonFatalError)
		return
	}
	s.manager.Destroy(context.Background(), sess.ID, session.ReasonTransportClosed)
}

// ── privileged actions ───────────────────────────────────────────────────────

// serverAction handles secret-verified {type:"server"} frames.
func (s *Server) serverAction(ctx context.Context, action string) error {
	switch action {
	case "restart":
		slog.Warn("restart requested via server frame")
		s.restart()
		return nil
	case "update_config":
		if s.cfgPath == "" {
			return fmt.Errorf("server: no config path to reload from")
		}
		cfg, err := config.Load(s.cfgPath)
		if err != nil {
			return fmt.Errorf("server: reload config: %w", err)
		}
		s.manager.SetDefaults(cfg)
		slog.Info("config reloaded", "path", s.cfgPath)
		return nil
	default:
		return fmt.Errorf("server: unknown action %q", action)
	}
}
