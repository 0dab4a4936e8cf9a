// Package pool serialises local ASR inference through a single worker.
//
// Local model inference is compute-bound; running one utterance at a time
// keeps memory flat and avoids GPU contention when many sessions talk at
// once. Sessions submit complete utterances and block until their turn
// produces a transcript.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/asr"
)

const (
	// DefaultCapacity is the bound of the pending-task queue.
	DefaultCapacity = 100

	// DefaultDrainTimeout bounds how long Close waits for the in-flight task.
	DefaultDrainTimeout = 10 * time.Second
)

var (
	// ErrBusy means the queue is full. Upstream turns this into a polite
	// "try again" message to the user rather than a hard failure.
	ErrBusy = errors.New("pool: recognition queue is full")

	// ErrShuttingDown means the pool rejected or cancelled the task because
	// it is closing.
	ErrShuttingDown = errors.New("pool: shutting down")
)

var _ asr.Provider = (*Pool)(nil)

// Pool wraps an asr.Provider with a bounded FIFO queue and a single worker.
// Safe for concurrent use.
type Pool struct {
	backend      asr.Provider
	tasks        chan *task
	drainTimeout time.Duration

	closeOnce sync.Once
	closing   chan struct{}
	workerRun sync.WaitGroup
}

type task struct {
	ctx       context.Context
	sessionID string
	pcm       []byte
	result    chan taskResult
}

type taskResult struct {
	res asr.Result
	err error
}

// Option is a functional option for configuring a Pool.
type Option func(*Pool)

// WithCapacity sets the pending-task queue bound.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.tasks = make(chan *task, n)
		}
	}
}

// WithDrainTimeout bounds how long Close waits for the in-flight task.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.drainTimeout = d
		}
	}
}

// New creates a Pool over the given backend and starts its worker.
func New(backend asr.Provider, opts ...Option) (*Pool, error) {
	if backend == nil {
		return nil, errors.New("pool: backend must not be nil")
	}
	p := &Pool{
		backend:      backend,
		tasks:        make(chan *task, DefaultCapacity),
		drainTimeout: DefaultDrainTimeout,
		closing:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.workerRun.Add(1)
	go p.worker()
	return p, nil
}

// Submit queues one utterance and blocks until the worker produces its
// transcript, ctx is done, or the pool shuts down. Returns ErrBusy without
// blocking when the queue is full.
func (p *Pool) Submit(ctx context.Context, sessionID string, pcm []byte) (asr.Result, error) {
	select {
	case <-p.closing:
		return asr.Result{}, ErrShuttingDown
	default:
	}

	t := &task{
		ctx:       ctx,
		sessionID: sessionID,
		pcm:       pcm,
		result:    make(chan taskResult, 1),
	}

	select {
	case p.tasks <- t:
	default:
		return asr.Result{}, ErrBusy
	}

	select {
	case r := <-t.result:
		return r.res, r.err
	case <-ctx.Done():
		return asr.Result{}, fmt.Errorf("pool: %w", ctx.Err())
	}
}

// Transcribe implements asr.Provider with an empty session id.
func (p *Pool) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	return p.Submit(ctx, "", pcm)
}

// QueueDepth returns the number of utterances waiting for the worker.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Close stops accepting new tasks, waits up to the drain timeout for the
// in-flight task, and cancels all queued tasks with ErrShuttingDown.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closing)

		done := make(chan struct{})
		go func() {
			p.workerRun.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.drainTimeout):
			slog.Warn("asr pool drain timed out, abandoning in-flight task")
		}

		// Cancel everything still queued.
		for {
			select {
			case t := <-p.tasks:
				t.result <- taskResult{err: ErrShuttingDown}
			default:
				return
			}
		}
	})
	return nil
}

func (p *Pool) worker() {
	defer p.workerRun.Done()
	for {
		select {
		case <-p.closing:
			return
		case t := <-p.tasks:
			p.run(t)
		}
	}
}

func (p *Pool) run(t *task) {
	if err := t.ctx.Err(); err != nil {
		t.result <- taskResult{err: fmt.Errorf("pool: %w", err)}
		return
	}
	start := time.Now()
	res, err := p.backend.Transcribe(t.ctx, t.pcm)
	if err != nil {
		slog.Error("asr inference failed", "session_id", t.sessionID, "error", err)
	} else {
		slog.Debug("asr inference done",
			"session_id", t.sessionID,
			"pcm_bytes", len(t.pcm),
			"duration", time.Since(start))
	}
	t.result <- taskResult{res: res, err: err}
}
