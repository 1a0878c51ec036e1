package stasis

import (
	"context"
	"sync"
	"time"
)

// LoggedEvent is a propagated sync event in storage, in its wire form.
type LoggedEvent struct {
	Position  int64
	Data      []byte
	Timestamp time.Time
}

// EventLog persists the wire form of propagated sync events, so a process
// joining late (or a replay tool) can re-execute them in order. See
// stores/sqlite for a durable implementation.
type EventLog interface {
	// Append stores an event, assigning its position.
	Append(ctx context.Context, event *LoggedEvent) error

	// Read returns events with position > from, up to and including to;
	// to == -1 means no upper bound.
	Read(ctx context.Context, from, to int64) ([]*LoggedEvent, error)

	// Position returns the highest assigned position.
	Position(ctx context.Context) (int64, error)
}

// MemoryEventLog is a simple in-memory implementation of EventLog.
type MemoryEventLog struct {
	events []*LoggedEvent
	mu     sync.RWMutex
}

// NewMemoryEventLog creates a new in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

// Append implements EventLog.
func (m *MemoryEventLog) Append(ctx context.Context, event *LoggedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event.Position = int64(len(m.events)) + 1
	m.events = append(m.events, event)
	return nil
}

// Read implements EventLog.
func (m *MemoryEventLog) Read(ctx context.Context, from, to int64) ([]*LoggedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*LoggedEvent
	for _, event := range m.events {
		if event.Position > from && (to == -1 || event.Position <= to) {
			result = append(result, event)
		}
	}
	return result, nil
}

// Position implements EventLog.
func (m *MemoryEventLog) Position(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].Position, nil
}
