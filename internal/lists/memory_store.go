package lists

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entryKey struct {
	kind  Kind
	typ   EntryType
	value string
}

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[entryKey]*Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory list store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[entryKey]*Entry)}
}

func (m *MemoryStore) Get(_ context.Context, kind Kind, t EntryType, value string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryKey{kind, t, value}]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, kind Kind, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey{kind, e.Type, e.Value}] = e.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, kind Kind, t EntryType, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey{kind, t, value}
	if _, ok := m.entries[k]; !ok {
		return ErrNotFound
	}
	delete(m.entries, k)
	return nil
}

func (m *MemoryStore) DeleteIfExpired(_ context.Context, kind Kind, t EntryType, value string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey{kind, t, value}
	e, ok := m.entries[k]
	if !ok || !e.Expired(now) {
		return false, nil
	}
	delete(m.entries, k)
	return true, nil
}

func (m *MemoryStore) List(_ context.Context, kind Kind, t EntryType) ([]*Entry, error) {
	m.mu.RLock()
	out := make([]*Entry, 0)
	for k, e := range m.entries {
		if k.kind != kind || (t != "" && k.typ != t) {
			continue
		}
		out = append(out, e.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].Value < out[j].Value
		}
		return out[i].AddedAt.After(out[j].AddedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
