package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/pagination"
)

// MemoryStore keeps decisions in process, for demo mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Decision
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Decision)}
}

func (m *MemoryStore) Record(_ context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[d.ID]; ok {
		return ErrDuplicate
	}
	m.byID[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListBySubject(_ context.Context, subjectType, subjectID string, limit int) ([]*Decision, error) {
	return m.collect(limit, func(d *Decision) bool {
		return d.SubjectType == subjectType && d.SubjectID == subjectID
	}), nil
}

func (m *MemoryStore) ListByTimeRange(_ context.Context, from, to time.Time, cursor *pagination.Cursor, limit int) ([]*Decision, error) {
	return m.collect(limit, func(d *Decision) bool {
		return !d.CreatedAt.Before(from) && d.CreatedAt.Before(to) && cursor.After(d.CreatedAt, d.ID)
	}), nil
}

// collect returns matching decisions newest first, ties broken by id.
func (m *MemoryStore) collect(limit int, match func(*Decision) bool) []*Decision {
	m.mu.RLock()
	out := make([]*Decision, 0)
	for _, d := range m.byID {
		if match(d) {
			out = append(out, d.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) Stats(_ context.Context, since time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := newStats(since)
	var sum int
	for _, d := range m.byID {
		if d.CreatedAt.Before(since) {
			continue
		}
		st.add(d.Shape, string(d.Verdict), string(d.Action), string(d.Mode), 1)
		sum += d.Score
	}
	if st.Total > 0 {
		st.AverageScore = float64(sum) / float64(st.Total)
	}
	return st, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.byID {
		if !d.ExpiresAt.After(now) {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}
