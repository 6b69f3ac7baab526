package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store holds property state records keyed by property ID.
//
// Each call is atomic for its key. Nothing spans keys: a change touching many
// properties is a sequence of single-key updates.
type Store interface {
	// Get returns ErrStateNotFound when the property has no record.
	Get(ctx context.Context, id string) (*PropertyState, error)

	// Apply merges u into the record, creating it if missing. An Unchanged
	// result writes nothing and returns the current record, or nil if there
	// is none.
	Apply(ctx context.Context, id string, u Update) (next *PropertyState, change Change, err error)

	// Delete removes the record and reports whether one existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Keys lists every property ID with a record.
	Keys(ctx context.Context) ([]string, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*PropertyState
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*PropertyState),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a copy of the record for id.
func (m *MemoryStore) Get(_ context.Context, id string) (*PropertyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	if !ok {
		return nil, ErrStateNotFound
	}
	return s.Clone(), nil
}

// Apply merges u into the record for id.
func (m *MemoryStore) Apply(_ context.Context, id string, u Update) (*PropertyState, Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.states[id]
	next, change := u.Merge(id, current, m.now())
	if change == Unchanged {
		return current.Clone(), Unchanged, nil
	}
	m.states[id] = &next
	return next.Clone(), change, nil
}

// Delete removes the record for id.
func (m *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.states[id]
	delete(m.states, id)
	return ok, nil
}

// Keys returns every stored ID in sorted order.
func (m *MemoryStore) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.states))
	for id := range m.states {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys, nil
}
