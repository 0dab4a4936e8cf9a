package session

import (
	"fmt"
	"hash/fnv"
)

// Binder decides whether a device may hold a dialogue. Unbound devices get an
// activation code the user reads to the management surface.
type Binder interface {
	CheckDevice(deviceID string) (bound bool, code string)
}

// StaticBinder is a Binder over a fixed registration list, typically loaded
// from configuration. The activation code is derived from the device id, so
// a device keeps the same code across reconnects.
type StaticBinder struct {
	registered map[string]struct{}
}

// NewStaticBinder creates a StaticBinder over the given device ids.
func NewStaticBinder(devices []string) *StaticBinder {
	reg := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		reg[d] = struct{}{}
	}
	return &StaticBinder{registered: reg}
}

// CheckDevice implements Binder.
func (b *StaticBinder) CheckDevice(deviceID string) (bool, string) {
	if _, ok := b.registered[deviceID]; ok {
		return true, ""
	}
	return false, BindCode(deviceID)
}

// BindCode derives the stable six-digit activation code for a device.
func BindCode(deviceID string) string {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return fmt.Sprintf("%06d", 100000+h.Sum32()%900000)
}
