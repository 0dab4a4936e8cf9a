// Package bus provides the typed publish/subscribe event bus that wires the
// per-session pipeline components together.
//
// Handlers are registered per concrete event type. Synchronous handlers run
// inline on the publisher's goroutine in registration order; asynchronous
// handlers are scheduled concurrently and all are awaited before Publish
// returns. A panic in one handler never prevents the others from running.
package bus

import (
	"log/slog"
	"reflect"
	"sync"
)

// HandlerMode selects how a subscription is executed on publish.
type HandlerMode int

const (
	// Sync handlers run inline on the publishing goroutine, in registration
	// order. Use for cheap state updates that later handlers depend on.
	Sync HandlerMode = iota

	// Async handlers run on their own goroutine per event; Publish waits for
	// all of them before returning.
	Async
)

// Handler consumes one event. The concrete type of ev is the type the
// handler subscribed for.
type Handler func(ev Event)

type subscription struct {
	mode HandlerMode
	fn   Handler
}

// Bus is a typed publish/subscribe dispatcher. The zero value is not usable;
// create instances with [New]. All methods are safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[reflect.Type][]subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[reflect.Type][]subscription)}
}

// Subscribe registers fn for events whose concrete type matches prototype.
// Subscribing during a publish is safe; the new handler takes effect from the
// next publish of that type.
func (b *Bus) Subscribe(prototype Event, mode HandlerMode, fn Handler) {
	t := reflect.TypeOf(prototype)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], subscription{mode: mode, fn: fn})
}

// SubscribeSync is shorthand for Subscribe with [Sync].
func (b *Bus) SubscribeSync(prototype Event, fn Handler) {
	b.Subscribe(prototype, Sync, fn)
}

// SubscribeAsync is shorthand for Subscribe with [Async].
func (b *Bus) SubscribeAsync(prototype Event, fn Handler) {
	b.Subscribe(prototype, Async, fn)
}

// Publish delivers ev to every handler registered for its concrete type.
// Sync handlers run first, in registration order; async handlers are then
// started concurrently and joined. Publish returns once every handler has
// observed the event. Handler panics are recovered and logged; the event
// still counts as delivered.
//
// For a single publishing goroutine, handlers of one event type observe
// events in publish order.
func (b *Bus) Publish(ev Event) {
	t := reflect.TypeOf(ev)
	b.mu.RLock()
	subs := b.subs[t]
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		switch s.mode {
		case Sync:
			runHandler(s.fn, ev)
		case Async:
			wg.Add(1)
			go func() {
				defer wg.Done()
				runHandler(s.fn, ev)
			}()
		}
	}
	wg.Wait()
}

// runHandler invokes fn and converts a panic into a log entry.
func runHandler(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event", reflect.TypeOf(ev).String(),
				"session_id", ev.Session(),
				"panic", r,
			)
		}
	}()
	fn(ev)
}
