package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStartRunsHooksInOrder(t *testing.T) {
	t.Parallel()

	m := New("s1")
	var order []int
	for i := range 3 {
		m.OnStart(func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.State() != Running {
		t.Fatalf("state = %s, want running", m.State())
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestStartFailureContinuesRemainingHooks(t *testing.T) {
	t.Parallel()

	m := New("s1")
	var third bool
	m.OnStart(func(context.Context) error { return nil })
	m.OnStart(func(context.Context) error { return errors.New("bad") })
	m.OnStart(func(context.Context) error { third = true; return nil })

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("Start returned nil, want error")
	}
	if !third {
		t.Fatal("hook after the failing one did not run")
	}
	if m.State() != Error {
		t.Fatalf("state = %s, want error", m.State())
	}
}

func TestStopRunsHooksInReverseOrder(t *testing.T) {
	t.Parallel()

	m := New("s1")
	var order []int
	for i := range 3 {
		m.OnStop(func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	_ = m.Start(context.Background())
	m.Stop(context.Background())

	want := []int{2, 1, 0}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if m.State() != Stopped {
		t.Fatalf("state = %s, want stopped", m.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	m := New("s1")
	var calls int
	m.OnStop(func(context.Context) error { calls++; return nil })

	_ = m.Start(context.Background())
	m.Stop(context.Background())
	m.Stop(context.Background())

	if calls != 1 {
		t.Fatalf("stop hook ran %d times, want 1", calls)
	}
}

func TestWaitForStop(t *testing.T) {
	t.Parallel()

	m := New("s1")
	_ = m.Start(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Stop(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.WaitForStop(ctx); err != nil {
		t.Fatalf("WaitForStop: %v", err)
	}
	if !m.Stopping() {
		t.Fatal("Stopping() = false after stop")
	}
}

func TestDoubleStartRejected(t *testing.T) {
	t.Parallel()

	m := New("s1")
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}
