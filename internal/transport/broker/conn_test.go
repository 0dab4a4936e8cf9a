package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/transport"
)

func testConn(t *testing.T) *Conn {
	t.Helper()
	srv := NewServer(nil, "example.com", 8884, nil)
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	c := &Conn{
		server:  srv,
		tcp:     server,
		connID:  7,
		inbound: make(chan transport.Frame, 4),
		done:    make(chan struct{}),
	}
	c.frameDurMs.Store(60)
	srv.conns[c.connID] = c
	return c
}

func TestDatagramHeaderSequence(t *testing.T) {
	t.Parallel()

	c := testConn(t)

	first := c.nextAudioHeader()
	second := c.nextAudioHeader()

	if first.ConnID != 7 || second.ConnID != 7 {
		t.Fatalf("conn ids = %d, %d", first.ConnID, second.ConnID)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("seqs = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	// Timestamps follow the playback schedule, one frame duration apart.
	if first.Timestamp != 60 || second.Timestamp != 120 {
		t.Fatalf("timestamps = %d, %d, want 60, 120", first.Timestamp, second.Timestamp)
	}

	c.SetFrameDuration(20)
	if h := c.nextAudioHeader(); h.Seq != 3 || h.Timestamp != 60 {
		t.Fatalf("header after renegotiation = %+v", h)
	}
}

func TestDeliverDuringCloseDoesNotPanic(t *testing.T) {
	t.Parallel()

	c := testConn(t)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				c.deliver(transport.Frame{Kind: transport.FrameText, Data: []byte("x")})
			}
		}()
	}
	time.Sleep(time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	if c.IsConnected() {
		t.Fatal("closed conn reports connected")
	}
}

func TestReceiveDrainsQueuedFramesThenErrClosed(t *testing.T) {
	t.Parallel()

	c := testConn(t)
	c.deliver(transport.Frame{Kind: transport.FrameText, Data: []byte("a")})
	c.deliver(transport.Frame{Kind: transport.FrameText, Data: []byte("b")})
	c.Close()

	ctx := context.Background()
	for _, want := range []string{"a", "b"} {
		f, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if string(f.Data) != want {
			t.Fatalf("frame = %q, want %q", f.Data, want)
		}
	}
	if _, err := c.Receive(ctx); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Receive after drain = %v, want ErrClosed", err)
	}
}
