package velocity

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/syncutil"
)

// MemoryStore keeps only the current bucket of each window per subject.
// It suits single-instance deployments and tests.
type MemoryStore struct {
	locks    *syncutil.KeyedMutex
	subjects sync.Map // subject key -> *window
	opts     options
}

type window struct {
	buckets Buckets
	counts  Counts
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		locks: syncutil.NewKeyedMutex(0),
		opts:  buildOptions(opts),
	}
}

// IncrementAndGet implements Store.
func (m *MemoryStore) IncrementAndGet(ctx context.Context, s Subject) (Counts, error) {
	if err := s.Validate(); err != nil {
		return Counts{}, err
	}
	key := s.Key()
	unlock, err := m.locks.LockContext(ctx, key)
	if err != nil {
		return Counts{}, err
	}
	defer unlock()

	v, _ := m.subjects.LoadOrStore(key, &window{})
	w := v.(*window)
	w.roll(BucketsAt(m.opts.now()))
	w.counts.Minute++
	w.counts.Hour++
	w.counts.Day++
	return w.counts, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, s Subject) (Counts, error) {
	if err := s.Validate(); err != nil {
		return Counts{}, err
	}
	key := s.Key()
	unlock, err := m.locks.LockContext(ctx, key)
	if err != nil {
		return Counts{}, err
	}
	defer unlock()

	v, ok := m.subjects.Load(key)
	if !ok {
		return Counts{}, nil
	}
	// Read through a copy so Get never mutates state.
	w := *v.(*window)
	w.roll(BucketsAt(m.opts.now()))
	return w.counts, nil
}

// Prune drops subjects whose day bucket has ended. It returns how many
// were removed.
func (m *MemoryStore) Prune(ctx context.Context) int {
	today := BucketsAt(m.opts.now()).Day
	removed := 0
	m.subjects.Range(func(k, v any) bool {
		key := k.(string)
		unlock, err := m.locks.LockContext(ctx, key)
		if err != nil {
			return false
		}
		if v.(*window).buckets.Day != today {
			m.subjects.Delete(key)
			removed++
		}
		unlock()
		return true
	})
	return removed
}

// StartJanitor prunes on every tick until ctx ends. Call in a goroutine.
func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune(ctx)
		}
	}
}

// roll resets each window whose bucket differs from b. Buckets are
// compared per window so a new minute keeps the hour and day counts.
func (w *window) roll(b Buckets) {
	if w.buckets.Minute != b.Minute {
		w.buckets.Minute = b.Minute
		w.counts.Minute = 0
	}
	if w.buckets.Hour != b.Hour {
		w.buckets.Hour = b.Hour
		w.counts.Hour = 0
	}
	if w.buckets.Day != b.Day {
		w.buckets.Day = b.Day
		w.counts.Day = 0
	}
}
