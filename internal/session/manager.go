package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/container"
	"github.com/voxgate/voxgate/internal/transport"
)

// Destroy reasons passed to SessionDestroying.
const (
	ReasonTransportClosed = "transport_closed"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonExitCommand     = "exit_command"
	ReasonFatalError      = "fatal_error"
	ReasonServerShutdown  = "server_shutdown"
	ReasonPolicy          = "policy"
)

// Manager owns every live session. Safe for concurrent use.
type Manager struct {
	bus       *bus.Bus
	container *container.Container
	defaults  *config.Config

	mu       sync.Mutex
	sessions map[string]*Context
	binder   Binder
}

// NewManager creates a Manager over the given defaults.
func NewManager(b *bus.Bus, c *container.Container, defaults *config.Config) *Manager {
	return &Manager{
		bus:       b,
		container: c,
		defaults:  defaults,
		sessions:  map[string]*Context{},
	}
}

// Create mints a session for an accepted connection. The effective config is
// a private copy of the server defaults, optionally merged with a
// device-specific override document. Publishes SessionCreated.
func (m *Manager) Create(deviceID, clientID, clientIP string, t transport.Transport, override map[string]any) (*Context, error) {
	m.mu.Lock()
	defaults := m.defaults
	m.mu.Unlock()

	cfg := defaults.Clone()
	if len(override) > 0 {
		merged, err := defaults.ApplyOverride(override)
		if err != nil {
			return nil, err
		}
		cfg = merged
	}

	id := uuid.NewString()
	sess := newContext(id, deviceID, clientID, clientIP, cfg, t)

	m.mu.Lock()
	binder := m.binder
	m.sessions[id] = sess
	m.mu.Unlock()

	if binder != nil {
		if bound, code := binder.CheckDevice(deviceID); !bound {
			slog.Info("device not registered", "session_id", id, "device_id", deviceID)
			sess.SetBinding(true, code)
		}
	}

	slog.Info("session created",
		"session_id", id,
		"device_id", deviceID,
		"client_id", clientID,
		"remote", clientIP)
	m.bus.Publish(bus.SessionCreated{
		Meta:     bus.NewMeta(id),
		DeviceID: deviceID,
		ClientID: clientID,
	})
	return sess, nil
}

// SetBinder installs the device-registration check applied at Create. A nil
// binder (the default) treats every device as bound.
func (m *Manager) SetBinder(b Binder) {
	m.mu.Lock()
	m.binder = b
	m.mu.Unlock()
}

// SetDefaults swaps the default config used for new sessions. Live sessions
// keep their private copies.
func (m *Manager) SetDefaults(cfg *config.Config) {
	m.mu.Lock()
	m.defaults = cfg
	m.mu.Unlock()
}

// Container returns the service registry sessions are wired through.
func (m *Manager) Container() *container.Container {
	return m.container
}

// Get returns the session by id.
func (m *Manager) Get(id string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns a snapshot of all live sessions.
func (m *Manager) List() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Context, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Destroy tears down one session: publishes SessionDestroying, runs the
// lifecycle stop hooks in reverse order, drops session-scoped container
// entries, and closes the transport. Destroying an unknown or already
// destroyed id is a no-op.
func (m *Manager) Destroy(ctx context.Context, id, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	slog.Info("session destroying", "session_id", id, "reason", reason)
	m.bus.Publish(bus.SessionDestroying{Meta: bus.NewMeta(id), Reason: reason})

	sess.Lifecycle.Stop(ctx)
	m.container.DestroySession(id)
	if err := sess.Transport.Close(); err != nil {
		slog.Debug("transport close", "session_id", id, "error", err)
	}
}

// DestroyAll tears down every live session, used on server shutdown.
func (m *Manager) DestroyAll(ctx context.Context, reason string) {
	for _, s := range m.List() {
		m.Destroy(ctx, s.ID, reason)
	}
}

// RunSweeper destroys idle sessions until ctx is done. The timeout is the
// configured no-voice close time plus a one minute grace; a zero configured
// time disables sweeping for that session.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	for _, s := range m.List() {
		noVoice := s.Config.Pipeline.CloseConnectionNoVoiceTime
		if noVoice <= 0 {
			continue
		}
		timeout := time.Duration(noVoice)*time.Second + time.Minute
		if s.IdleFor() <= timeout {
			continue
		}
		if s.CloseAfterChat() {
			// Already marked on an earlier pass and the closing turn never
			// finished; tear down directly.
			slog.Info("session idle timeout", "session_id", s.ID, "idle", s.IdleFor())
			m.Destroy(ctx, s.ID, ReasonIdleTimeout)
			continue
		}
		// First pass: schedule teardown behind one closing turn so the user
		// hears a goodbye instead of the connection dropping.
		slog.Info("session idle, scheduling closing turn", "session_id", s.ID, "idle", s.IdleFor())
		s.SetCloseAfterChat(true)
		s.SetCloseReason(ReasonIdleTimeout)
		m.bus.Publish(bus.SessionIdleTimeout{Meta: bus.NewMeta(s.ID)})
	}
}
