package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/container"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transport"
)

// rpcTransport surfaces outbound mcp requests so tests can script the
// device's side of the conversation.
type rpcTransport struct {
	requests chan rpcMessage
}

func (r *rpcTransport) SendText(ctx context.Context, text string) error {
	var frame struct {
		Type    string     `json:"type"`
		Payload rpcMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(text), &frame); err != nil {
		return err
	}
	if frame.Type != "mcp" {
		return fmt.Errorf("unexpected frame type %q", frame.Type)
	}
	r.requests <- frame.Payload
	return nil
}

func (r *rpcTransport) SendBinary(ctx context.Context, data []byte) error { return nil }
func (r *rpcTransport) Receive(ctx context.Context) (transport.Frame, error) {
	<-ctx.Done()
	return transport.Frame{}, transport.ErrClosed
}
func (r *rpcTransport) IsConnected() bool  { return true }
func (r *rpcTransport) RemoteAddr() string { return "test" }
func (r *rpcTransport) Close() error       { return nil }

func newDeviceFixture(t *testing.T) (*DeviceClient, *session.Context, *bus.Bus, *rpcTransport) {
	t.Helper()
	b := bus.New()
	tr := &rpcTransport{requests: make(chan rpcMessage, 8)}
	m := session.NewManager(b, container.New(), config.Default())
	sess, err := m.Create("dev", "cli", "", tr, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return NewDeviceClient(sess, b), sess, b, tr
}

// reply feeds a scripted JSON-RPC response back through the bus.
func reply(b *bus.Bus, sessionID string, id int64, result any) {
	raw, _ := json.Marshal(result)
	payload, _ := json.Marshal(rpcMessage{JSONRPC: "2.0", ID: id, Result: raw})
	b.Publish(bus.TextMessageReceived{
		Meta:    bus.NewMeta(sessionID),
		Type:    "mcp",
		Payload: payload,
	})
}

func awaitRequest(t *testing.T, tr *rpcTransport, method string) rpcMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-tr.requests:
			if msg.Method == method {
				return msg
			}
			// Notifications interleave with requests; skip them.
			if msg.ID == 0 {
				continue
			}
			t.Fatalf("unexpected request %q while waiting for %q", msg.Method, method)
		case <-deadline:
			t.Fatalf("timed out waiting for %q request", method)
		}
	}
}

func TestInitializeImportsDeviceTools(t *testing.T) {
	client, sess, b, tr := newDeviceFixture(t)
	sess.SetMCPReady(true)

	b.Publish(bus.TextMessageReceived{Meta: bus.NewMeta(sess.ID), Type: "hello"})

	init := awaitRequest(t, tr, "initialize")
	reply(b, sess.ID, init.ID, map[string]any{"protocolVersion": protocolVersion})

	list := awaitRequest(t, tr, "tools/list")
	reply(b, sess.ID, list.ID, map[string]any{
		"tools": []map[string]any{
			{
				"name":        "self.get_device_status",
				"description": "Report battery and volume.",
				"inputSchema": map[string]any{"type": "object"},
			},
		},
	})

	deadline := time.After(2 * time.Second)
	for !client.Has("self.get_device_status") {
		select {
		case <-deadline:
			t.Fatal("device tool never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	defs := client.Definitions()
	if len(defs) != 1 || defs[0].Name != "self.get_device_status" {
		t.Fatalf("definitions = %+v", defs)
	}
}

func TestCallRoundTrip(t *testing.T) {
	client, sess, b, tr := newDeviceFixture(t)

	got := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		out, err := client.Call(context.Background(), "self.set_volume", `{"level":40}`)
		got <- out
		errs <- err
	}()

	call := awaitRequest(t, tr, "tools/call")
	params, _ := json.Marshal(call.Params)
	if string(params) != `{"arguments":{"level":40},"name":"self.set_volume"}` {
		t.Fatalf("params = %s", params)
	}
	reply(b, sess.ID, call.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": "volume set"}},
		"isError": false,
	})

	select {
	case out := <-got:
		if err := <-errs; err != nil {
			t.Fatalf("Call: %v", err)
		}
		if out != "volume set" {
			t.Fatalf("out = %q", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call result")
	}
}

func TestCallDeviceError(t *testing.T) {
	client, sess, b, tr := newDeviceFixture(t)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "self.reboot", "{}")
		errs <- err
	}()

	call := awaitRequest(t, tr, "tools/call")
	reply(b, sess.ID, call.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": "not allowed"}},
		"isError": true,
	})

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected error for isError result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call error")
	}
}

func TestCallTimesOutWithContext(t *testing.T) {
	client, _, _, tr := newDeviceFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, "self.slow", "{}")
		errs <- err
	}()
	awaitRequest(t, tr, "tools/call")

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected context deadline error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not observe the context deadline")
	}
}
