package catalog

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore keeps recordings in memory.
type MemStore struct {
	mu   sync.Mutex
	recs map[string]Recording
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string]Recording)}
}

// Begin implements [Store].
func (m *MemStore) Begin(_ context.Context, r Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Outcome = OutcomeRecording
	m.recs[r.ID] = r
	return nil
}

// Finish implements [Store].
func (m *MemStore) Finish(_ context.Context, id string, s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	s.apply(&r)
	m.recs[id] = r
	return nil
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, id string) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return Recording{}, ErrNotFound
	}
	return r, nil
}

// List implements [Store].
func (m *MemStore) List(_ context.Context, limit int) ([]Recording, error) {
	m.mu.Lock()
	out := make([]Recording, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Recording) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements [Store].
func (m *MemStore) Close() error { return nil }
