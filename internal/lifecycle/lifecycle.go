// Package lifecycle provides the per-session start/stop state machine with
// ordered hooks and a stop signal that session-owned goroutines select on.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State is the lifecycle phase of a session.
type State int

const (
	Created State = iota
	Starting
	Running
	Stopping
	Stopped

	// Error is a terminal sink entered when a start hook fails.
	Error
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Hook is a start or stop callback. Start hooks receive the session context;
// stop hooks receive a short teardown context.
type Hook func(ctx context.Context) error

// Manager drives one session through Created → Starting → Running →
// Stopping → Stopped. All methods are safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	sessionID  string
	state      State
	startHooks []Hook
	stopHooks  []Hook

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Manager for the given session in the Created state.
func New(sessionID string) *Manager {
	return &Manager{
		sessionID: sessionID,
		state:     Created,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStart registers a hook run by Start in registration order.
// Registration after Start has been called is ignored with a warning.
func (m *Manager) OnStart(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Created {
		slog.Warn("lifecycle: OnStart after Start ignored", "session_id", m.sessionID, "state", m.state.String())
		return
	}
	m.startHooks = append(m.startHooks, h)
}

// OnStop registers a hook run by Stop in reverse registration order.
func (m *Manager) OnStop(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopHooks = append(m.stopHooks, h)
}

// Start runs all start hooks in registration order. Any failure transitions
// the manager to Error but the remaining hooks still run; the first error is
// returned with the rest joined onto it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Created {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: Start from state %s", state)
	}
	m.state = Starting
	hooks := m.startHooks
	m.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	if len(errs) > 0 {
		m.state = Error
	} else {
		m.state = Running
	}
	m.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("lifecycle: start session %s: %w", m.sessionID, errors.Join(errs...))
	}
	return nil
}

// Stop runs all stop hooks in reverse registration order and unblocks
// [Manager.WaitForStop]. Stop is idempotent; only the first call runs hooks.
// Hook errors are logged, never propagated — teardown always completes.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.state = Stopping
		hooks := m.stopHooks
		m.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i](ctx); err != nil {
				slog.Warn("lifecycle: stop hook error", "session_id", m.sessionID, "index", i, "err", err)
			}
		}

		m.mu.Lock()
		m.state = Stopped
		m.mu.Unlock()
		close(m.done)
	})
}

// Done returns a channel closed when the session has stopped. Session-owned
// goroutines select on it as their cancellation signal.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Stopping reports whether Stop has completed. Queue consumers check it at
// every dequeue.
func (m *Manager) Stopping() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// WaitForStop blocks until the session has stopped or ctx is cancelled.
func (m *Manager) WaitForStop(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
