package botdefense

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/riskconfig"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type fakeAppIntegrity struct {
	err   error
	calls atomic.Int32
}

func (f *fakeAppIntegrity) VerifyAppIntegrity(context.Context, string) error {
	f.calls.Add(1)
	return f.err
}

type fakeChallenge struct {
	score float64
	err   error
	calls atomic.Int32
}

func (f *fakeChallenge) VerifyChallenge(context.Context, string, string) (float64, error) {
	f.calls.Add(1)
	return f.score, f.err
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (*Result, bool, error) {
	return nil, false, errors.New("cache down")
}

func (failingCache) Set(context.Context, string, *Result, time.Duration) error {
	return errors.New("cache down")
}

func newTestAdapter(ai AppIntegrityVerifier, ch ChallengeVerifier, opts ...Option) *Adapter {
	opts = append([]Option{WithAppIntegrity(ai), WithChallenge(ch)}, opts...)
	return NewAdapter(riskconfig.NewProvider(riskconfig.Default()), nil, opts...)
}

func TestVerify_Composition(t *testing.T) {
	tests := []struct {
		name       string
		ai         *fakeAppIntegrity
		ch         *fakeChallenge
		req        Request
		confidence int
		human      bool
		verified   bool
		reasons    []string
	}{
		{
			name:       "valid app token and high challenge on a browser",
			ai:         &fakeAppIntegrity{},
			ch:         &fakeChallenge{score: 0.9},
			req:        Request{UID: "u1", IP: "203.0.113.7", UserAgent: chromeUA, AppIntegrityToken: "t", ChallengeToken: "c"},
			confidence: 100,
			human:      true,
			verified:   true,
			reasons:    []string{ReasonAppIntegrityValid, ReasonChallengeHigh, "ua_browser"},
		},
		{
			name:       "medium challenge only",
			ai:         &fakeAppIntegrity{},
			ch:         &fakeChallenge{score: 0.5},
			req:        Request{UID: "u1", IP: "203.0.113.7", UserAgent: chromeUA, ChallengeToken: "c"},
			confidence: 40,
			human:      false,
			verified:   true,
			reasons:    []string{ReasonAppIntegrityMissing, ReasonChallengeMedium, "ua_browser"},
		},
		{
			name:       "low challenge and invalid app token",
			ai:         &fakeAppIntegrity{err: fmt.Errorf("%w: bad signature", ErrInvalidToken)},
			ch:         &fakeChallenge{score: 0.2},
			req:        Request{UID: "u1", IP: "203.0.113.7", UserAgent: chromeUA, AppIntegrityToken: "t", ChallengeToken: "c"},
			confidence: 10,
			reasons:    []string{ReasonAppIntegrityInvalid, ReasonChallengeLow, "ua_browser"},
		},
		{
			name:       "headless automation clamps at zero",
			ai:         &fakeAppIntegrity{},
			ch:         &fakeChallenge{score: 0.9},
			req:        Request{UID: "u1", IP: "10.0.0.8", UserAgent: "Mozilla/5.0 HeadlessChrome/120.0 Puppeteer", ChallengeToken: "c"},
			confidence: 0,
			verified:   true,
			reasons:    []string{ReasonAppIntegrityMissing, ReasonChallengeHigh, "ua_automation_puppeteer", "ua_headless", "ip_non_routable"},
		},
		{
			name:       "upstream errors contribute nothing",
			ai:         &fakeAppIntegrity{err: errors.New("dial tcp: timeout")},
			ch:         &fakeChallenge{err: errors.New("503")},
			req:        Request{UID: "u1", IP: "203.0.113.7", UserAgent: chromeUA, AppIntegrityToken: "t", ChallengeToken: "c"},
			confidence: 10,
			reasons:    []string{ReasonAppIntegrityError, ReasonChallengeError, "ua_browser"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAdapter(tc.ai, tc.ch)
			res := a.Verify(context.Background(), tc.req)
			require.NotNil(t, res)
			assert.Equal(t, tc.confidence, res.Confidence)
			assert.Equal(t, tc.human, res.IsHuman)
			assert.Equal(t, tc.verified, res.Verified)
			assert.Equal(t, tc.reasons, res.Reasons)
			assert.False(t, res.Cached)
		})
	}
}

func TestVerify_CacheHitSkipsUpstreams(t *testing.T) {
	ai := &fakeAppIntegrity{}
	ch := &fakeChallenge{score: 0.8}
	a := newTestAdapter(ai, ch)
	req := Request{UID: "u1", IP: "203.0.113.7", UserAgent: chromeUA, AppIntegrityToken: "t", ChallengeToken: "c"}

	first := a.Verify(context.Background(), req)
	second := a.Verify(context.Background(), req)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Reasons, second.Reasons)
	assert.Equal(t, int32(1), ai.calls.Load())
	assert.Equal(t, int32(1), ch.calls.Load())

	// A different ip is a different cache key.
	req.IP = "198.51.100.4"
	third := a.Verify(context.Background(), req)
	assert.False(t, third.Cached)
}

func TestVerify_AnonymousRequestsAreNotCached(t *testing.T) {
	ch := &fakeChallenge{score: 0.9}
	a := newTestAdapter(&fakeAppIntegrity{}, ch)

	verified := a.Verify(context.Background(), Request{UserAgent: chromeUA, ChallengeToken: "c"})
	require.True(t, verified.Verified)

	other := a.Verify(context.Background(), Request{UserAgent: "Mozilla/5.0 HeadlessChrome/120.0 selenium"})
	assert.False(t, other.Cached)
	assert.False(t, other.Verified)
	assert.NotContains(t, other.Reasons, ReasonChallengeHigh)
	assert.Equal(t, int32(1), ch.calls.Load())
}

func TestVerify_DegradedResultsAreNotCached(t *testing.T) {
	ch := &fakeChallenge{err: errors.New("503")}
	a := newTestAdapter(&fakeAppIntegrity{}, ch)
	req := Request{UID: "u1", IP: "203.0.113.7", UserAgent: chromeUA, ChallengeToken: "c"}

	a.Verify(context.Background(), req)
	res := a.Verify(context.Background(), req)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), ch.calls.Load())
}

func TestVerify_CacheFailureStillScores(t *testing.T) {
	a := newTestAdapter(&fakeAppIntegrity{}, &fakeChallenge{score: 0.9}, WithCache(failingCache{}))
	res := a.Verify(context.Background(), Request{UID: "u1", IP: "203.0.113.7", UserAgent: chromeUA, ChallengeToken: "c"})
	assert.Equal(t, 60, res.Confidence)
	assert.True(t, res.IsHuman)
}

func TestVerify_UnconfiguredVerifiersReportErrors(t *testing.T) {
	a := NewAdapter(riskconfig.NewProvider(riskconfig.Default()), nil)
	res := a.Verify(context.Background(), Request{UID: "u1", IP: "203.0.113.7", UserAgent: chromeUA, AppIntegrityToken: "t", ChallengeToken: "c"})
	assert.Equal(t, []string{ReasonAppIntegrityError, ReasonChallengeError, "ua_browser"}, res.Reasons)
	assert.True(t, res.Degraded())
}

func TestVerify_ReturnedResultIsACopy(t *testing.T) {
	a := newTestAdapter(&fakeAppIntegrity{}, &fakeChallenge{score: 0.9})
	req := Request{UID: "u1", IP: "203.0.113.7", UserAgent: chromeUA, ChallengeToken: "c"}

	res := a.Verify(context.Background(), req)
	res.Reasons[0] = "tampered"

	again := a.Verify(context.Background(), req)
	assert.Equal(t, ReasonAppIntegrityMissing, again.Reasons[0])
}
