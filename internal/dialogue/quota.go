package dialogue

import (
	"sync"
	"time"
)

// Quota tracks per-device daily output budgets. One instance serves the whole
// process; the map resets when the calendar day changes.
type Quota struct {
	mu   sync.Mutex
	day  string
	used map[string]int
}

// NewQuota creates an empty quota table.
func NewQuota() *Quota {
	return &Quota{used: make(map[string]int)}
}

func (q *Quota) roll(now time.Time) {
	day := now.Format("2006-01-02")
	if day != q.day {
		q.day = day
		q.used = make(map[string]int)
	}
}

// Add charges chars characters of synthesised text to the device.
func (q *Quota) Add(deviceID string, chars int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll(time.Now())
	q.used[deviceID] += chars
}

// Used returns today's consumption for the device.
func (q *Quota) Used(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll(time.Now())
	return q.used[deviceID]
}

// Exceeded reports whether the device is over limit. A non-positive limit
// disables the cap.
func (q *Quota) Exceeded(deviceID string, limit int) bool {
	if limit <= 0 {
		return false
	}
	return q.Used(deviceID) >= limit
}
