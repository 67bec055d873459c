package signals

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/botdefense"
	"github.com/mbd888/fraudguard/internal/chargeback"
	"github.com/mbd888/fraudguard/internal/velocity"
)

var collectorNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

type stubBot struct {
	result *botdefense.Result
	calls  atomic.Int32
}

func (s *stubBot) Verify(context.Context, botdefense.Request) *botdefense.Result {
	s.calls.Add(1)
	r := *s.result
	return &r
}

type failingVelocity struct{ err error }

func (f failingVelocity) IncrementAndGet(context.Context, velocity.Subject) (velocity.Counts, error) {
	return velocity.Counts{}, f.err
}

func (f failingVelocity) Get(context.Context, velocity.Subject) (velocity.Counts, error) {
	return velocity.Counts{}, f.err
}

type failingStore struct{ *MemoryStore }

func (failingStore) Record(context.Context, *FraudSignal) error {
	return errors.New("disk full")
}

func newCollector(t *testing.T, bot BotVerifier) (*Collector, *chargeback.MemorySource, *MemoryStore) {
	t.Helper()
	clock := func() time.Time { return collectorNow }
	cb := chargeback.NewMemorySource().WithClock(clock)
	store := NewMemoryStore()
	vel := velocity.NewMemoryStore(velocity.WithClock(clock))
	return NewCollector(vel, cb, bot, store, nil).WithClock(clock), cb, store
}

func baseInput() Input {
	return Input{
		SubjectType: "uid",
		SubjectID:   "u1",
		UID:         "u1",
		IP:          "203.0.113.7",
		IPHash:      "iph_1",
		DeviceHash:  "dev_1",
		Country:     "US",
		EmailDomain: "example.com",
		BIN:         "411111",
		UserAgent:   "Mozilla/5.0",
	}
}

func TestCollector_Velocity(t *testing.T) {
	c, _, _ := newCollector(t, nil)
	ctx := context.Background()
	in := baseInput()

	for i := 0; i < 3; i++ {
		_, err := c.Velocity(ctx, in)
		require.NoError(t, err)
	}
	v, err := c.Velocity(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, velocity.Counts{Minute: 4, Hour: 4, Day: 4}, v.UID)
	require.NotNil(t, v.IP)
	assert.Equal(t, int64(4), v.IP.Minute)

	// Another uid on the same ip shares the ip counter only.
	other := in
	other.UID, other.SubjectID = "u2", "u2"
	v, err = c.Velocity(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.UID.Minute)
	assert.Equal(t, int64(5), v.IP.Minute)
	assert.Equal(t, int64(5), v.Max().Minute)
}

func TestCollector_VelocityWithoutIP(t *testing.T) {
	c, _, _ := newCollector(t, nil)
	in := baseInput()
	in.IP, in.IPHash = "", ""
	v, err := c.Velocity(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, v.IP)
	assert.Equal(t, v.UID, v.Max())
}

type keyRecorder struct {
	velocity.Store
	mu   sync.Mutex
	keys []string
}

func (r *keyRecorder) IncrementAndGet(ctx context.Context, s velocity.Subject) (velocity.Counts, error) {
	r.mu.Lock()
	r.keys = append(r.keys, s.Key())
	r.mu.Unlock()
	return r.Store.IncrementAndGet(ctx, s)
}

func TestCollector_VelocityNeverKeysOnRawIP(t *testing.T) {
	rec := &keyRecorder{Store: velocity.NewMemoryStore()}
	c := NewCollector(rec, nil, nil, NewMemoryStore(), nil)
	in := baseInput()
	in.UID, in.IPHash = "", ""

	v, err := c.Velocity(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, v.IP)
	require.Len(t, rec.keys, 1)
	assert.NotContains(t, rec.keys[0], "203.0.113.7")
	assert.Equal(t, "ip:"+HashIP("203.0.113.7"), rec.keys[0])
}

func TestHashIP(t *testing.T) {
	h := HashIP("203.0.113.7")
	assert.Equal(t, h, HashIP("203.0.113.7"))
	assert.NotEqual(t, h, HashIP("203.0.113.8"))
	assert.True(t, strings.HasPrefix(h, "sha256:"))
	assert.Len(t, h, len("sha256:")+64)
}

func TestCollector_VelocityErrorIsReturned(t *testing.T) {
	boom := errors.New("redis down")
	c := NewCollector(failingVelocity{err: boom}, nil, nil, NewMemoryStore(), nil)
	_, err := c.Velocity(context.Background(), baseInput())
	assert.ErrorIs(t, err, boom)
}

func TestCollector_Collect(t *testing.T) {
	bot := &stubBot{result: &botdefense.Result{IsHuman: true, Confidence: 90, Reasons: []string{"challenge_high"}, Verified: true}}
	c, cb, store := newCollector(t, bot)
	cb.Record("u1", collectorNow.Add(-48*time.Hour))
	cb.Record("u1", collectorNow.Add(-72*time.Hour))
	ctx := context.Background()

	in := baseInput()
	v, err := c.Velocity(ctx, in)
	require.NoError(t, err)
	sig, err := c.Collect(ctx, in, v)
	require.NoError(t, err)

	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, 2, sig.Chargebacks90d)
	assert.Equal(t, collectorNow, sig.FirstSeenAt)
	assert.Equal(t, collectorNow, sig.CreatedAt)
	assert.Equal(t, "iph_1", sig.IPHash)
	assert.Equal(t, int64(1), sig.UIDVelocity.Minute)
	require.NotNil(t, sig.BotDefense)
	assert.True(t, sig.BotDefense.Verified)
	assert.Empty(t, sig.Degraded)
	assert.Empty(t, sig.ShortCircuit)

	stored, err := store.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, sig, stored)
}

func TestCollector_FirstSeenComesFromHistory(t *testing.T) {
	c, _, store := newCollector(t, nil)
	ctx := context.Background()
	earlier := collectorNow.Add(-30 * 24 * time.Hour)
	require.NoError(t, store.Record(ctx, &FraudSignal{ID: "sig_old", SubjectType: "uid", SubjectID: "u1", FirstSeenAt: earlier, CreatedAt: earlier}))

	sig, err := c.Collect(ctx, baseInput(), Velocity{})
	require.NoError(t, err)
	assert.Equal(t, earlier, sig.FirstSeenAt)
}

func TestCollector_ChargebackFailureIsAbsorbed(t *testing.T) {
	c, cb, _ := newCollector(t, nil)
	cb.FailFor("u1", errors.New("ledger timeout"))

	sig, err := c.Collect(context.Background(), baseInput(), Velocity{})
	require.NoError(t, err)
	assert.Zero(t, sig.Chargebacks90d)
	assert.Equal(t, []string{DegradedChargebacks}, sig.Degraded)
}

func TestCollector_DegradedBotDefenseIsFlagged(t *testing.T) {
	bot := &stubBot{result: &botdefense.Result{Confidence: 10, Reasons: []string{botdefense.ReasonChallengeError}}}
	c, _, _ := newCollector(t, bot)
	sig, err := c.Collect(context.Background(), baseInput(), Velocity{})
	require.NoError(t, err)
	assert.Contains(t, sig.Degraded, DegradedBotDefense)
}

func TestCollector_PersistFailureStillReturnsSignal(t *testing.T) {
	clock := func() time.Time { return collectorNow }
	c := NewCollector(velocity.NewMemoryStore(velocity.WithClock(clock)), chargeback.NewMemorySource(), nil,
		failingStore{NewMemoryStore()}, nil)

	sig, err := c.Collect(context.Background(), baseInput(), Velocity{})
	require.NoError(t, err)
	assert.NotNil(t, sig)
}

func TestCollector_CollectHonoursCancellation(t *testing.T) {
	c, _, _ := newCollector(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Collect(ctx, baseInput(), Velocity{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollector_RecordShortCircuit(t *testing.T) {
	bot := &stubBot{result: &botdefense.Result{}}
	c, _, store := newCollector(t, bot)
	ip := velocity.Counts{Minute: 9, Hour: 9, Day: 9}

	sig := c.Record(context.Background(), baseInput(), Velocity{UID: velocity.Counts{Minute: 20}, IP: &ip}, "rate_limit_exceeded")
	assert.Equal(t, "rate_limit_exceeded", sig.ShortCircuit)
	assert.Equal(t, int64(20), sig.UIDVelocity.Minute)
	assert.Nil(t, sig.BotDefense)
	assert.Equal(t, int32(0), bot.calls.Load(), "short-circuits make no external calls")

	_, err := store.Get(context.Background(), sig.ID)
	require.NoError(t, err)
}
