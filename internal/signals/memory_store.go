package signals

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps signals in process, for demo mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*FraudSignal
	bySubject map[string][]*FraudSignal
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*FraudSignal),
		bySubject: make(map[string][]*FraudSignal),
	}
}

func subjectKey(subjectType, subjectID string) string {
	return subjectType + ":" + subjectID
}

func (m *MemoryStore) Record(_ context.Context, s *FraudSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; ok {
		return ErrDuplicate
	}
	c := s.clone()
	m.byID[s.ID] = c
	k := subjectKey(s.SubjectType, s.SubjectID)
	m.bySubject[k] = append(m.bySubject[k], c)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*FraudSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) ListBySubject(_ context.Context, subjectType, subjectID string, limit int) ([]*FraudSignal, error) {
	m.mu.RLock()
	all := m.bySubject[subjectKey(subjectType, subjectID)]
	out := make([]*FraudSignal, 0, len(all))
	for _, s := range all {
		out = append(out, s.clone())
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FirstSeen(_ context.Context, subjectType, subjectID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		first time.Time
		found bool
	)
	for _, s := range m.bySubject[subjectKey(subjectType, subjectID)] {
		if !found || s.FirstSeenAt.Before(first) {
			first, found = s.FirstSeenAt, true
		}
	}
	return first, found, nil
}
