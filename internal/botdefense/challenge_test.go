package botdefense

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/riskconfig"
)

func challengeProvider(t *testing.T, url string) *riskconfig.Provider {
	t.Helper()
	snap := riskconfig.Default()
	snap.BotDefense.ChallengeVerifyURL = url
	snap.BotDefense.ChallengeSecret = "s3cret"
	require.NoError(t, snap.Validate())
	return riskconfig.NewProvider(snap)
}

func TestHTTPChallengeVerifier_Scores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "s3cret", r.PostForm.Get("secret"))
		assert.Equal(t, "203.0.113.7", r.PostForm.Get("remoteip"))
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("response") {
		case "good":
			_, _ = w.Write([]byte(`{"success":true,"score":0.9}`))
		case "noscore":
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
		}
	}))
	defer srv.Close()

	v := NewHTTPChallengeVerifier(challengeProvider(t, srv.URL), srv.Client(), nil)
	ctx := context.Background()

	score, err := v.VerifyChallenge(ctx, "good", "203.0.113.7")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, score, 1e-9)

	score, err = v.VerifyChallenge(ctx, "noscore", "203.0.113.7")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)

	_, err = v.VerifyChallenge(ctx, "bad", "203.0.113.7")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHTTPChallengeVerifier_RetriesThenTripsBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(2, time.Minute)
	v := NewHTTPChallengeVerifier(challengeProvider(t, srv.URL), srv.Client(), breaker)

	_, err := v.VerifyChallenge(context.Background(), "tok", "203.0.113.7")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, int32(2), hits.Load(), "one retry per call")
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(challengeBreakerKey))

	_, err = v.VerifyChallenge(context.Background(), "tok", "203.0.113.7")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), hits.Load(), "open circuit makes no request")
}

func TestHTTPChallengeVerifier_RejectionsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["timeout-or-duplicate"]}`))
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(1, time.Minute)
	v := NewHTTPChallengeVerifier(challengeProvider(t, srv.URL), srv.Client(), breaker)
	for i := 0; i < 3; i++ {
		_, err := v.VerifyChallenge(context.Background(), "replayed", "")
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(challengeBreakerKey))
}

func TestHTTPChallengeVerifier_BadSecretIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-secret"]}`))
	}))
	defer srv.Close()

	v := NewHTTPChallengeVerifier(challengeProvider(t, srv.URL), srv.Client(), nil)
	_, err := v.VerifyChallenge(context.Background(), "tok", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestHTTPChallengeVerifier_NotConfigured(t *testing.T) {
	v := NewHTTPChallengeVerifier(riskconfig.NewProvider(riskconfig.Default()), nil, nil)
	_, err := v.VerifyChallenge(context.Background(), "tok", "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
