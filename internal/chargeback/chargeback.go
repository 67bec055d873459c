// Package chargeback answers how many chargebacks a user accumulated over
// the trailing 90 days. The history itself is owned by the billing side;
// this package only reads it.
package chargeback

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Window is the lookback for ChargebackCount90d.
const Window = 90 * 24 * time.Hour

var ErrEmptyUID = errors.New("chargeback: empty uid")

// Source reports a user's chargeback count over Window.
type Source interface {
	ChargebackCount90d(ctx context.Context, uid string) (int, error)
}

// Chargeback is one disputed payment.
type Chargeback struct {
	ID          string    `json:"id"`
	UID         string    `json:"uid"`
	AmountCents int64     `json:"amountCents"`
	Reason      string    `json:"reason"`
	DisputedAt  time.Time `json:"disputedAt"`
}

// MemorySource keeps chargebacks in process. Used in tests and local runs.
type MemorySource struct {
	mu     sync.RWMutex
	byUID  map[string][]time.Time
	now    func() time.Time
	failOn map[string]error
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{byUID: make(map[string][]time.Time), failOn: make(map[string]error), now: time.Now}
}

// WithClock overrides time.Now, for tests.
func (m *MemorySource) WithClock(now func() time.Time) *MemorySource {
	m.now = now
	return m
}

// Record adds a chargeback for uid disputed at at.
func (m *MemorySource) Record(uid string, at time.Time) {
	m.mu.Lock()
	m.byUID[uid] = append(m.byUID[uid], at)
	m.mu.Unlock()
}

// FailFor makes lookups for uid return err. Pass nil to clear.
func (m *MemorySource) FailFor(uid string, err error) {
	m.mu.Lock()
	if err == nil {
		delete(m.failOn, uid)
	} else {
		m.failOn[uid] = err
	}
	m.mu.Unlock()
}

// ChargebackCount90d implements Source.
func (m *MemorySource) ChargebackCount90d(_ context.Context, uid string) (int, error) {
	if uid == "" {
		return 0, ErrEmptyUID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failOn[uid]; err != nil {
		return 0, err
	}
	since := m.now().Add(-Window)
	n := 0
	for _, at := range m.byUID[uid] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}
