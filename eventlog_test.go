package stasis

import (
	"context"
	"testing"
	"time"
)

func TestMemoryEventLogAppendAssignsPositions(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ev := &LoggedEvent{Data: []byte{byte(i)}, Timestamp: time.Now()}
		if err := log.Append(ctx, ev); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if ev.Position != int64(i) {
			t.Errorf("position = %d, want %d", ev.Position, i)
		}
	}

	pos, err := log.Position(ctx)
	if err != nil {
		t.Fatalf("Position() error: %v", err)
	}
	if pos != 3 {
		t.Errorf("Position() = %d, want 3", pos)
	}
}

func TestMemoryEventLogRead(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := log.Append(ctx, &LoggedEvent{Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	all, err := log.Read(ctx, 0, -1)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("Read(0, -1) returned %d events, want 5", len(all))
	}

	window, err := log.Read(ctx, 2, 4)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("Read(2, 4) returned %d events, want 2", len(window))
	}
	if window[0].Position != 3 || window[1].Position != 4 {
		t.Errorf("positions = %d, %d; want 3, 4", window[0].Position, window[1].Position)
	}
}

func TestMemoryEventLogEmpty(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	pos, err := log.Position(ctx)
	if err != nil {
		t.Fatalf("Position() error: %v", err)
	}
	if pos != 0 {
		t.Errorf("empty log Position() = %d, want 0", pos)
	}

	events, err := log.Read(ctx, 0, -1)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("empty log Read() returned %d events", len(events))
	}
}
