package stasis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Snapshot is a persisted point-in-time save stream. Data holds the complete
// output of SaveStateChanges, header included; the remaining fields are
// metadata for inspection and retention.
type Snapshot struct {
	Scope     string
	Level     Level
	Format    Format
	Version   uint16
	Data      []byte
	Timestamp time.Time
}

// SnapshotStore persists and retrieves snapshots. See stores/sqlite for a
// durable implementation.
type SnapshotStore interface {
	// Save stores a snapshot, replacing any previous one for its scope.
	Save(ctx context.Context, snapshot *Snapshot) error
	// Load retrieves the latest snapshot for a scope.
	Load(ctx context.Context, scope string) (*Snapshot, error)
	// Delete removes the snapshot for a scope.
	Delete(ctx context.Context, scope string) error
}

// SnapshotPolicy decides when to persist a snapshot.
type SnapshotPolicy interface {
	// ShouldSnapshot is consulted after each propagated sync event with the
	// running event count, and the count and time of the last snapshot.
	ShouldSnapshot(events, lastSnapshotEvents int64, lastSnapshotTime time.Time) bool
}

// PolicyFunc is a function that implements SnapshotPolicy.
type PolicyFunc func(events, lastSnapshotEvents int64, lastSnapshotTime time.Time) bool

func (f PolicyFunc) ShouldSnapshot(events, lastSnapshotEvents int64, lastSnapshotTime time.Time) bool {
	return f(events, lastSnapshotEvents, lastSnapshotTime)
}

// EveryNEvents creates a policy that snapshots after n propagated events.
func EveryNEvents(n int64) SnapshotPolicy {
	if n <= 0 {
		n = 1
	}
	return PolicyFunc(func(events, last int64, _ time.Time) bool {
		return events-last >= n
	})
}

// TimeInterval creates a policy that snapshots after a time interval.
func TimeInterval(interval time.Duration) SnapshotPolicy {
	return PolicyFunc(func(_, _ int64, lastTime time.Time) bool {
		return time.Since(lastTime) >= interval
	})
}

// Never creates a policy that never takes snapshots.
func Never() SnapshotPolicy {
	return PolicyFunc(func(_, _ int64, _ time.Time) bool {
		return false
	})
}

// Combined creates a policy that triggers when any condition is met.
func Combined(policies ...SnapshotPolicy) SnapshotPolicy {
	return PolicyFunc(func(events, last int64, lastTime time.Time) bool {
		for _, policy := range policies {
			if policy.ShouldSnapshot(events, last, lastTime) {
				return true
			}
		}
		return false
	})
}

// SnapshotManager evaluates the policy and persists snapshots.
type SnapshotManager struct {
	store  SnapshotStore
	policy SnapshotPolicy
	mu     sync.RWMutex
	last   map[string]*snapshotInfo
}

type snapshotInfo struct {
	events    int64
	timestamp time.Time
}

// NewSnapshotManager creates a snapshot manager. A nil policy never
// snapshots.
func NewSnapshotManager(store SnapshotStore, policy SnapshotPolicy) *SnapshotManager {
	if policy == nil {
		policy = Never()
	}
	return &SnapshotManager{
		store:  store,
		policy: policy,
		last:   make(map[string]*snapshotInfo),
	}
}

// MaybeSnapshot persists a snapshot for scope if the policy asks for one,
// building it with create.
func (sm *SnapshotManager) MaybeSnapshot(ctx context.Context, scope string, events int64, create func() (*Snapshot, error)) error {
	if sm.store == nil {
		return nil
	}

	sm.mu.RLock()
	info, ok := sm.last[scope]
	sm.mu.RUnlock()
	if !ok {
		info = &snapshotInfo{}
	}

	if !sm.policy.ShouldSnapshot(events, info.events, info.timestamp) {
		return nil
	}

	snapshot, err := create()
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}

	if err := sm.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	sm.mu.Lock()
	sm.last[scope] = &snapshotInfo{events: events, timestamp: snapshot.Timestamp}
	sm.mu.Unlock()

	return nil
}

// LoadSnapshot retrieves the latest snapshot for a scope.
func (sm *SnapshotManager) LoadSnapshot(ctx context.Context, scope string) (*Snapshot, error) {
	if sm.store == nil {
		return nil, errors.New("stasis: no snapshot store configured")
	}
	return sm.store.Load(ctx, scope)
}

// MemorySnapshotStore is an in-memory implementation of SnapshotStore.
type MemorySnapshotStore struct {
	snapshots map[string]*Snapshot
	mu        sync.RWMutex
}

// NewMemorySnapshotStore creates a new in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[string]*Snapshot),
	}
}

// Save stores a snapshot, keeping only the latest per scope.
func (s *MemorySnapshotStore) Save(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("stasis: snapshot cannot be nil")
	}
	if snapshot.Scope == "" {
		return errors.New("stasis: snapshot scope is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshot.Scope] = snapshot
	return nil
}

// Load retrieves the latest snapshot for a scope.
func (s *MemorySnapshotStore) Load(ctx context.Context, scope string) (*Snapshot, error) {
	if scope == "" {
		return nil, errors.New("stasis: snapshot scope is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[scope]
	if !ok {
		return nil, fmt.Errorf("stasis: snapshot not found for scope %s", scope)
	}

	// Return a copy to prevent external modification.
	cp := *snapshot
	return &cp, nil
}

// Delete removes the snapshot for a scope.
func (s *MemorySnapshotStore) Delete(ctx context.Context, scope string) error {
	if scope == "" {
		return errors.New("stasis: snapshot scope is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, scope)
	return nil
}
