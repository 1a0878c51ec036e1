package stasis

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IdentityRegistry assigns one stable 128-bit identifier per stateful object
// and resolves identifiers back to objects for incoming records and sync
// events. Registration is explicit, never lazy: objects that start disabled
// must be pre-registered (e.g. at scene-load time) so they stay addressable
// while inactive.
type IdentityRegistry struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]Participant
	byObj map[Participant]uuid.UUID
}

// NewIdentityRegistry creates an empty identity registry.
func NewIdentityRegistry() *IdentityRegistry {
	return &IdentityRegistry{
		byID:  make(map[uuid.UUID]Participant),
		byObj: make(map[Participant]uuid.UUID),
	}
}

// Register assigns an identifier to p, or returns the existing one if p is
// already registered. The id persists for the object's lifetime and is
// embedded in every serialized record referencing it.
func (r *IdentityRegistry) Register(p Participant) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byObj[p]; ok {
		return id
	}
	id := uuid.New()
	r.byID[id] = p
	r.byObj[p] = id
	return id
}

// RegisterWithID assigns a caller-chosen identifier, used when the same
// logical object must receive the same id across processes (join in
// progress). It fails if either the object or the id is already bound
// differently.
func (r *IdentityRegistry) RegisterWithID(p Participant, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byObj[p]; ok {
		if existing == id {
			return nil
		}
		return fmt.Errorf("stasis: object already registered as %s", existing)
	}
	if _, taken := r.byID[id]; taken {
		return fmt.Errorf("stasis: id %s already bound to another object", id)
	}
	r.byID[id] = p
	r.byObj[p] = id
	return nil
}

// Resolve returns the object bound to id. A miss yields ErrUnknownTarget,
// which callers treat as a recoverable per-record error.
func (r *IdentityRegistry) Resolve(id uuid.UUID) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return p, nil
}

// IsRegistered reports whether p has an identifier.
func (r *IdentityRegistry) IsRegistered(p Participant) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byObj[p]
	return ok
}

// Lookup returns p's identifier without assigning one.
func (r *IdentityRegistry) Lookup(p Participant) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byObj[p]
	return id, ok
}

// Unregister releases p's identifier. Called on destruction.
func (r *IdentityRegistry) Unregister(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byObj[p]; ok {
		delete(r.byID, id)
		delete(r.byObj, p)
	}
}

// Len returns the number of registered objects.
func (r *IdentityRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
