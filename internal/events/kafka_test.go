package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mbd888/fraudguard/internal/risk"
	"github.com/mbd888/fraudguard/internal/riskconfig"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
	flushed bool
	closed  bool
}

func (f *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	err := f.err
	f.mu.Unlock()
	promise(r, err)
}

func (f *fakeProducer) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = true
	return nil
}

func (f *fakeProducer) Ping(context.Context) error { return f.err }

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func testDecision() *risk.Decision {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	return &risk.Decision{
		ID:          "dec_1",
		Mode:        riskconfig.ModeShadow,
		Score:       85,
		Verdict:     risk.VerdictDeny,
		Shape:       risk.ShapeVerdict,
		Threshold:   70,
		Reasons:     []string{"chargebacks_90d"},
		SubjectType: "uid",
		SubjectID:   "u1",
		SignalIDs:   []string{"sig_1"},
		CreatedAt:   now,
		ExpiresAt:   now.Add(90 * 24 * time.Hour),
	}
}

func TestPublisher_ProducesKeyedRecord(t *testing.T) {
	fp := &fakeProducer{}
	p := newPublisher(fp, "risk.decisions", nil)

	p.NotifyDecision(context.Background(), testDecision())

	require.Len(t, fp.records, 1)
	rec := fp.records[0]
	assert.Equal(t, "risk.decisions", rec.Topic)
	assert.Equal(t, "uid:u1", string(rec.Key))
	require.Len(t, rec.Headers, 2)
	assert.Equal(t, "dec_1", string(rec.Headers[0].Value))

	var ev DecisionEvent
	require.NoError(t, json.Unmarshal(rec.Value, &ev))
	assert.Equal(t, 1, ev.Version)
	assert.Equal(t, 85, ev.Decision.Score)
	assert.Equal(t, []string{"sig_1"}, ev.Decision.SignalIDs)
	assert.Equal(t, int64(1), p.Stats()["published"])
}

func TestPublisher_DeliveryFailureCounted(t *testing.T) {
	fp := &fakeProducer{err: errors.New("NOT_LEADER_FOR_PARTITION")}
	p := newPublisher(fp, "risk.decisions", nil)

	p.NotifyDecision(context.Background(), testDecision())

	assert.Equal(t, int64(0), p.Stats()["published"])
	assert.Equal(t, int64(1), p.Stats()["failed"])
	assert.Error(t, p.Ping(context.Background()))
}

func TestPublisher_Close(t *testing.T) {
	fp := &fakeProducer{}
	p := newPublisher(fp, "t", nil)
	require.NoError(t, p.Close(context.Background()))
	assert.True(t, fp.flushed)
	assert.True(t, fp.closed)
}

func TestNewPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewPublisher(nil, "t", "fraudguard", nil)
	assert.ErrorIs(t, err, ErrNoBrokers)
}
