package snapshot

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in process. Used in tests and for throwaway
// single-replica runs.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string][]Snapshot
	closed bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, d Draft) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Snapshot{}, ErrClosed
	}
	list := m.docs[d.DocumentID]
	s := fromDraft(d, int64(len(list))+1, time.Now())
	s.State = append([]byte(nil), d.State...)
	m.docs[d.DocumentID] = append(list, s)
	return s, nil
}

func (m *MemoryStore) Get(_ context.Context, doc string, version int64) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.docs[doc]
	if version < 1 || version > int64(len(list)) {
		return Snapshot{}, ErrNotFound
	}
	return list[version-1], nil
}

func (m *MemoryStore) Latest(_ context.Context, doc string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.docs[doc]
	if len(list) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return list[len(list)-1], nil
}

func (m *MemoryStore) List(_ context.Context, doc string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.docs[doc]
	out := make([]Snapshot, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		s := list[i]
		s.State = nil
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
