package stasis

import (
	"sort"
	"sync"
)

// participantState tracks where a participant sits in its lifecycle.
type participantState uint8

const (
	stateRegistered participantState = iota
	stateEnabled
	stateDisabled
)

type registryEntry struct {
	state participantState
	seq   uint64 // registration order, tie-breaker for stable sorting
}

// StateRegistry is the process-wide bookkeeping of save participants. It
// maintains three views recomputed incrementally on every transition:
// all registered participants, enabled participants, and save-required
// participants (enabled plus those flagged save-when-disabled).
//
// Lifecycle per participant:
//
//	Unregistered -> Registered -> Enabled <-> Disabled -> Unregistered
//
// Registration runs a dry-run probe; a participant that produces no data is
// dropped permanently rather than re-evaluated on every save. This assumes
// the participant's serializable field set is fixed at construction.
type StateRegistry struct {
	mu       sync.RWMutex
	entries  map[Participant]*registryEntry
	excluded map[Participant]struct{}
	pending  []Participant // awaiting the deferred baseline commit
	seq      uint64
	version  uint16
}

// NewStateRegistry creates an empty registry. Records produced for its
// participants declare the given format version.
func NewStateRegistry(version uint16) *StateRegistry {
	return &StateRegistry{
		entries:  make(map[Participant]*registryEntry),
		excluded: make(map[Participant]struct{}),
		version:  version,
	}
}

// Register admits p after a dry-run probe. Registering an already-known (or
// permanently excluded) participant is a no-op. It returns true if p is part
// of the registry afterwards.
//
// The probe runs SerializeState at Complete level with
// DontSerialize|DontCacheChanges against a probe-mode Serializer; a
// participant reporting no data never produces any, and is excluded for
// good to avoid repeated dead work.
func (r *StateRegistry) Register(p Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[p]; ok {
		return true
	}
	if _, ok := r.excluded[p]; ok {
		return false
	}

	probe := NewProbe(r.version)
	wrote, err := p.SerializeState(probe, p.StateVersion(), Complete, DontSerialize|DontCacheChanges)
	if err != nil || !wrote {
		r.excluded[p] = struct{}{}
		return false
	}

	r.seq++
	r.entries[p] = &registryEntry{state: stateRegistered, seq: r.seq}
	r.pending = append(r.pending, p)
	return true
}

// Enable moves p into the enabled (and save-required) views.
func (r *StateRegistry) Enable(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[p]; ok {
		e.state = stateEnabled
	}
}

// Disable removes p from the enabled view. It stays save-required only when
// flagged save-when-disabled.
func (r *StateRegistry) Disable(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[p]; ok {
		e.state = stateDisabled
	}
}

// Unregister removes p from all views. Called on destruction.
func (r *StateRegistry) Unregister(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, p)
	for i, q := range r.pending {
		if q == p {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
}

// IsRegistered reports whether p passed registration and was not excluded.
func (r *StateRegistry) IsRegistered(p Participant) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[p]
	return ok
}

// IsExcluded reports whether p was dropped by the registration probe.
func (r *StateRegistry) IsExcluded(p Participant) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.excluded[p]
	return ok
}

// IsEnabled reports whether p is currently enabled.
func (r *StateRegistry) IsEnabled(p Participant) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[p]
	return ok && e.state == stateEnabled
}

// All returns every registered participant in serialization order.
func (r *StateRegistry) All() []Participant {
	return r.view(func(e *registryEntry, p Participant) bool { return true })
}

// Enabled returns the enabled participants in serialization order.
func (r *StateRegistry) Enabled() []Participant {
	return r.view(func(e *registryEntry, p Participant) bool {
		return e.state == stateEnabled
	})
}

// SaveRequired returns the participants that must be included in a save:
// the enabled ones plus disabled ones flagged save-when-disabled.
func (r *StateRegistry) SaveRequired() []Participant {
	return r.view(func(e *registryEntry, p Participant) bool {
		return e.state == stateEnabled || p.SaveWhenDisabled()
	})
}

func (r *StateRegistry) view(keep func(*registryEntry, Participant) bool) []Participant {
	r.mu.RLock()
	out := make([]Participant, 0, len(r.entries))
	seqs := make(map[Participant]uint64, len(r.entries))
	for p, e := range r.entries {
		if keep(e, p) {
			out = append(out, p)
			seqs[p] = e.seq
		}
	}
	r.mu.RUnlock()

	SortParticipants(out, seqs)
	return out
}

// CommitBaselines captures the incremental-diff baseline for every
// participant registered since the previous call, as one batch. Invoke it at
// a processing boundary (end of frame) so all fields observed during the
// same update cycle share a consistent snapshot. It returns the number of
// participants initialized.
func (r *StateRegistry) CommitBaselines() int {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, p := range batch {
		if bc, ok := p.(BaselineCommitter); ok {
			bc.CommitBaselines()
		}
	}
	return len(batch)
}

// SortParticipants orders participants by tier precedence (global state
// first, then singletons, then the remainder), then ascending order key.
// The optional seqs map breaks remaining ties by registration order so the
// result is stable.
func SortParticipants(ps []Participant, seqs map[Participant]uint64) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Tier() != b.Tier() {
			return a.Tier() < b.Tier()
		}
		if a.OrderKey() != b.OrderKey() {
			return a.OrderKey() < b.OrderKey()
		}
		if seqs != nil {
			return seqs[a] < seqs[b]
		}
		return false
	})
}
