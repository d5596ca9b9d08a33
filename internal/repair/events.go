// Package repair contains the error-event bus and the self-repair monitor,
// which runs independently of any build request.
package repair

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Severity grades an error event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one error observation published by a pipeline component.
type Event struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Severity  Severity  `json:"severity"`
	Signature string    `json:"signature"`
	Detail    string    `json:"detail"`
}

// Signature derives a stable hash grouping repeats of "the same" error:
// same component, same normalized detail.
func Signature(component, detail string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(detail), " "))
	sum := sha256.Sum256([]byte(component + "|" + normalized))
	return hex.EncodeToString(sum[:8])
}

const defaultBusCapacity = 4096

// Bus is a bounded in-process event ring. Publish never blocks: once full,
// the oldest events are dropped. Any component may publish; the monitor is
// the only consumer.
type Bus struct {
	mu       sync.Mutex
	events   []Event
	capacity int
}

// NewBus creates a Bus. capacity <= 0 uses the default.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultBusCapacity
	}
	return &Bus{capacity: capacity}
}

// Publish records an error event, filling in time and signature if unset.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Signature == "" {
		e.Signature = Signature(e.Component, e.Detail)
	}
	if e.Severity == "" {
		e.Severity = SeverityWarning
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
}

// Recent returns all events newer than now-window, oldest first.
func (b *Bus) Recent(window time.Duration) []Event {
	cutoff := time.Now().UTC().Add(-window)

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.events {
		if e.Time.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}
