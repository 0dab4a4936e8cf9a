// Package memory defines the long-term memory store used by the dialogue
// service. When a session ends, the conversation is summarised and saved per
// device; at the start of later sessions relevant summaries are recalled by
// semantic similarity and injected into the system prompt.
package memory

import (
	"context"
	"time"
)

// Summary is one stored conversation summary.
type Summary struct {
	ID        int64
	DeviceID  string
	SessionID string
	Content   string
	CreatedAt time.Time

	// Distance is the cosine distance to the recall query, set only on
	// results from Recall. Smaller is more similar.
	Distance float64
}

// Store persists and recalls conversation summaries.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveSummary stores one summary for the device.
	SaveSummary(ctx context.Context, deviceID, sessionID, content string) error

	// Recall returns up to topK summaries for the device, most similar to
	// query first.
	Recall(ctx context.Context, deviceID, query string, topK int) ([]Summary, error)

	// Close releases store resources.
	Close() error
}

// NoopStore discards summaries and recalls nothing. Used when no DSN is
// configured.
type NoopStore struct{}

var _ Store = (*NoopStore)(nil)

// SaveSummary implements Store.
func (NoopStore) SaveSummary(ctx context.Context, deviceID, sessionID, content string) error {
	return nil
}

// Recall implements Store.
func (NoopStore) Recall(ctx context.Context, deviceID, query string, topK int) ([]Summary, error) {
	return nil, nil
}

// Close implements Store.
func (NoopStore) Close() error { return nil }
