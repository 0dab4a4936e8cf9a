// Package container provides the service registry that wires per-session
// pipeline components together without back-pointers.
//
// Services are registered under one of three scopes:
//
//   - Global: one instance per process, created lazily on first resolution.
//   - Session: one instance per session id, created lazily and torn down when
//     the session is destroyed.
//   - Transient: the factory runs on every resolution.
//
// A session-scoped lookup first consults the session's table, falling back to
// the global registry only for singletons explicitly registered as sharable.
package container

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Scope selects the lifetime of a registered service.
type Scope int

const (
	Global Scope = iota
	Session
	Transient
)

// String returns the human-readable scope name.
func (s Scope) String() string {
	switch s {
	case Global:
		return "global"
	case Session:
		return "session"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Sentinel errors returned by Resolve.
var (
	// ErrUnregistered is returned when no factory exists for the name.
	ErrUnregistered = errors.New("container: service not registered")

	// ErrMissingSession is returned when a session-scoped service is resolved
	// without a session id.
	ErrMissingSession = errors.New("container: session-scoped service resolved without session id")
)

// Factory constructs a service instance. sessionID is "" for global and
// transient resolutions without session affinity.
type Factory func(c *Container, sessionID string) (any, error)

// Closer is the capability a service implements to receive teardown.
// Components declare it implicitly; duck-typed close methods are not honoured.
type Closer interface {
	Close() error
}

type registration struct {
	scope    Scope
	sharable bool
	factory  Factory
}

// Container is the three-scope service registry. All methods are safe for
// concurrent use. The zero value is not usable; create instances with [New].
type Container struct {
	mu       sync.Mutex
	regs     map[string]registration
	globals  map[string]any
	sessions map[string]map[string]any
}

// New creates an empty Container.
func New() *Container {
	return &Container{
		regs:     make(map[string]registration),
		globals:  make(map[string]any),
		sessions: make(map[string]map[string]any),
	}
}

// Option modifies a registration.
type Option func(*registration)

// Sharable marks a Global registration as readable from session scope.
// Only meaningful for read-only singletons.
func Sharable() Option {
	return func(r *registration) { r.sharable = true }
}

// Register installs a factory for name under the given scope. Registering an
// existing name replaces the factory; already-created instances are kept.
func (c *Container) Register(name string, scope Scope, f Factory, opts ...Option) {
	reg := registration{scope: scope, factory: f}
	for _, o := range opts {
		o(&reg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[name] = reg
}

// RegisterInstance installs an already-constructed global singleton.
func (c *Container) RegisterInstance(name string, v any, opts ...Option) {
	c.Register(name, Global, func(*Container, string) (any, error) { return v, nil }, opts...)
	c.mu.Lock()
	c.globals[name] = v
	c.mu.Unlock()
}

// Resolve returns the service registered under name. sessionID may be ""
// for global or transient services. Returns [ErrUnregistered] for unknown
// names and [ErrMissingSession] when a session-scoped name is resolved
// without a session id.
func (c *Container) Resolve(name, sessionID string) (any, error) {
	c.mu.Lock()
	reg, ok := c.regs[name]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnregistered, name)
	}

	switch reg.scope {
	case Transient:
		c.mu.Unlock()
		return reg.factory(c, sessionID)

	case Global:
		if v, ok := c.globals[name]; ok {
			c.mu.Unlock()
			return v, nil
		}
		c.mu.Unlock()
		v, err := reg.factory(c, "")
		if err != nil {
			return nil, fmt.Errorf("container: create global %q: %w", name, err)
		}
		c.mu.Lock()
		// Another goroutine may have won the race; keep the first instance.
		if existing, ok := c.globals[name]; ok {
			c.mu.Unlock()
			closeIfPossible(name, v)
			return existing, nil
		}
		c.globals[name] = v
		c.mu.Unlock()
		return v, nil

	case Session:
		if sessionID == "" {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrMissingSession, name)
		}
		table := c.sessions[sessionID]
		if v, ok := table[name]; ok {
			c.mu.Unlock()
			return v, nil
		}
		c.mu.Unlock()
		v, err := reg.factory(c, sessionID)
		if err != nil {
			return nil, fmt.Errorf("container: create %q for session %s: %w", name, sessionID, err)
		}
		c.mu.Lock()
		if c.sessions[sessionID] == nil {
			c.sessions[sessionID] = make(map[string]any)
		}
		if existing, ok := c.sessions[sessionID][name]; ok {
			c.mu.Unlock()
			closeIfPossible(name, v)
			return existing, nil
		}
		c.sessions[sessionID][name] = v
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()
	return nil, fmt.Errorf("%w: %q has invalid scope", ErrUnregistered, name)
}

// ResolveSession is like Resolve but falls back to the global registry for
// sharable singletons when the session table has no entry and no
// session-scoped registration exists.
func (c *Container) ResolveSession(name, sessionID string) (any, error) {
	c.mu.Lock()
	reg, ok := c.regs[name]
	c.mu.Unlock()
	if ok && reg.scope == Global {
		if !reg.sharable {
			return nil, fmt.Errorf("%w: global %q is not sharable with sessions", ErrUnregistered, name)
		}
		return c.Resolve(name, "")
	}
	return c.Resolve(name, sessionID)
}

// DestroySession tears down every instance created for sessionID, invoking
// Close on services that implement [Closer]. Safe to call for unknown ids.
func (c *Container) DestroySession(sessionID string) {
	c.mu.Lock()
	table := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	for name, v := range table {
		closeIfPossible(name, v)
	}
}

// Close tears down all session tables and global instances.
func (c *Container) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	globals := c.globals
	c.sessions = make(map[string]map[string]any)
	c.globals = make(map[string]any)
	c.mu.Unlock()

	for id, table := range sessions {
		for name, v := range table {
			closeIfPossible(fmt.Sprintf("%s[%s]", name, id), v)
		}
	}
	for name, v := range globals {
		closeIfPossible(name, v)
	}
	return nil
}

func closeIfPossible(name string, v any) {
	closer, ok := v.(Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		slog.Warn("container: close service", "service", name, "err", err)
	}
}
