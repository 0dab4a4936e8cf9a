// Package transport defines the device connection abstraction shared by the
// WebSocket and broker variants.
//
// A Transport is the session's only path to the device. Outbound writes are
// serialised by the implementation so a control message never interleaves
// with an audio packet on the wire.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// FrameKind discriminates inbound frames.
type FrameKind int

const (
	// FrameText is a UTF-8 payload: JSON control or plain user text.
	FrameText FrameKind = iota

	// FrameBinary is an audio payload.
	FrameBinary
)

// Frame is one inbound unit from the device.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Transport is a live device connection.
//
// Implementations must serialise Send* calls internally and guarantee that
// Close is idempotent. Receive is driven by a single reader goroutine.
type Transport interface {
	// SendText writes one text frame.
	SendText(ctx context.Context, text string) error

	// SendBinary writes one binary frame.
	SendBinary(ctx context.Context, data []byte) error

	// Receive blocks until the next inbound frame, ctx is done, or the
	// connection closes. Returns ErrClosed once the peer is gone.
	Receive(ctx context.Context) (Frame, error)

	// IsConnected reports whether the connection is still usable.
	IsConnected() bool

	// RemoteAddr returns the peer address for logging.
	RemoteAddr() string

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// SendJSON marshals v and writes it as a text frame. Shared helper for both
// variants.
func SendJSON(ctx context.Context, t Transport, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}
	return t.SendText(ctx, string(data))
}
