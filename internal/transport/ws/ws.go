// Package ws implements the framed duplex transport variant over WebSocket.
//
// Text frames carry JSON control messages or plain user text; binary frames
// carry audio. Connections proxied by an MQTT gateway prefix every binary
// frame with the 16-byte datagram audio header, which this transport strips
// inbound and adds outbound.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport wraps one accepted WebSocket connection.
type Transport struct {
	conn           *websocket.Conn
	remote         string
	gatewayFraming bool

	writeMu sync.Mutex
	seq     uint32

	closed    atomic.Bool
	closeOnce sync.Once
}

// New wraps an accepted connection. gatewayFraming enables the 16-byte
// audio header on binary frames, negotiated via the from=mqtt_gateway query
// parameter at upgrade time.
func New(conn *websocket.Conn, remote string, gatewayFraming bool) *Transport {
	return &Transport{
		conn:           conn,
		remote:         remote,
		gatewayFraming: gatewayFraming,
	}
}

// SendText implements transport.Transport.
func (t *Transport) SendText(ctx context.Context, text string) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return fmt.Errorf("ws: write text: %w", err)
	}
	return nil
}

// SendBinary implements transport.Transport.
func (t *Transport) SendBinary(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.gatewayFraming {
		t.seq++
		data = transport.EncodeAudioHeader(transport.AudioHeader{
			Type:      transport.AudioTypeOpus,
			Seq:       t.seq,
			Timestamp: uint32(time.Now().UnixMilli()),
		}, data)
	}
	if err := t.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("ws: write binary: %w", err)
	}
	return nil
}

// Receive implements transport.Transport.
func (t *Transport) Receive(ctx context.Context) (transport.Frame, error) {
	if t.closed.Load() {
		return transport.Frame{}, transport.ErrClosed
	}
	kind, data, err := t.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) || t.closed.Load() {
			return transport.Frame{}, transport.ErrClosed
		}
		return transport.Frame{}, fmt.Errorf("ws: read: %w", err)
	}

	switch kind {
	case websocket.MessageText:
		return transport.Frame{Kind: transport.FrameText, Data: data}, nil
	case websocket.MessageBinary:
		if t.gatewayFraming {
			_, payload, err := transport.DecodeAudioHeader(data)
			if err != nil {
				return transport.Frame{}, err
			}
			data = payload
		}
		return transport.Frame{Kind: transport.FrameBinary, Data: data}, nil
	default:
		return transport.Frame{}, fmt.Errorf("ws: unexpected message kind %v", kind)
	}
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool { return !t.closed.Load() }

// RemoteAddr implements transport.Transport.
func (t *Transport) RemoteAddr() string { return t.remote }

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		_ = t.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
