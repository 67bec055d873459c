// Package botdefense turns app-integrity attestations, challenge scores and
// local user-agent heuristics into one human-confidence score.
//
// Confidence is a capped accumulation, not a probability: a valid
// app-integrity token is worth up to 40 points, a challenge score up to 50,
// and heuristics add or subtract small amounts. The result is clamped to
// [0,100] and a caller is considered human at 50 or above. An upstream
// failure zeroes that signal's contribution and adds a *_error reason; it
// never fails the call.
package botdefense

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/riskconfig"
)

var (
	// ErrInvalidToken means the upstream answered and rejected the token.
	ErrInvalidToken = errors.New("botdefense: invalid token")
	// ErrNotConfigured means no key or secret is configured for a verifier.
	ErrNotConfigured = errors.New("botdefense: verifier not configured")
)

// HumanThreshold is the minimum confidence for IsHuman.
const HumanThreshold = 50

// Point contributions.
const (
	pointsAppIntegrity    = 40
	pointsChallengeHigh   = 50
	pointsChallengeMedium = 30
	challengeHighScore    = 0.7
	challengeMediumScore  = 0.5
)

// Request is one verification input. Tokens are optional.
type Request struct {
	UID               string
	IP                string
	UserAgent         string
	AppIntegrityToken string
	ChallengeToken    string
}

// Result is the adapter output. It is embedded in persisted signals, so the
// JSON field names are part of the audit contract.
type Result struct {
	IsHuman    bool     `json:"isHuman"`
	Confidence int      `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Cached     bool     `json:"cached"`
	Verified   bool     `json:"verified"`
}

// Degraded reports whether an upstream failed while producing r.
func (r *Result) Degraded() bool {
	for _, reason := range r.Reasons {
		if reason == ReasonAppIntegrityError || reason == ReasonChallengeError {
			return true
		}
	}
	return false
}

func (r *Result) clone() *Result {
	c := *r
	c.Reasons = slices.Clone(r.Reasons)
	return &c
}

// Reason codes.
const (
	ReasonAppIntegrityValid   = "app_integrity_valid"
	ReasonAppIntegrityInvalid = "app_integrity_invalid"
	ReasonAppIntegrityMissing = "app_integrity_missing"
	ReasonAppIntegrityError   = "app_integrity_error"
	ReasonChallengeHigh       = "challenge_high"
	ReasonChallengeMedium     = "challenge_medium"
	ReasonChallengeLow        = "challenge_low"
	ReasonChallengeMissing    = "challenge_missing"
	ReasonChallengeInvalid    = "challenge_invalid"
	ReasonChallengeError      = "challenge_error"
)

// AppIntegrityVerifier checks a device attestation token. It returns
// ErrInvalidToken (possibly wrapped) when the token is rejected.
type AppIntegrityVerifier interface {
	VerifyAppIntegrity(ctx context.Context, token string) error
}

// ChallengeVerifier redeems a challenge token for a 0..1 human score.
type ChallengeVerifier interface {
	VerifyChallenge(ctx context.Context, token, remoteIP string) (float64, error)
}

// Cache stores results per (uid, ip).
type Cache interface {
	Get(ctx context.Context, key string) (*Result, bool, error)
	Set(ctx context.Context, key string, r *Result, ttl time.Duration) error
}

// ConfigSource yields the live risk configuration.
type ConfigSource interface {
	Current() *riskconfig.Snapshot
}

// Adapter combines the verifiers, heuristics and cache.
type Adapter struct {
	cfg          ConfigSource
	appIntegrity AppIntegrityVerifier
	challenge    ChallengeVerifier
	cache        Cache
	logger       *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAppIntegrity sets the app-integrity verifier.
func WithAppIntegrity(v AppIntegrityVerifier) Option {
	return func(a *Adapter) { a.appIntegrity = v }
}

// WithChallenge sets the challenge verifier.
func WithChallenge(v ChallengeVerifier) Option {
	return func(a *Adapter) { a.challenge = v }
}

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) Option {
	return func(a *Adapter) { a.cache = c }
}

// NewAdapter creates an adapter. Without WithCache it uses a MemoryCache.
func NewAdapter(cfg ConfigSource, logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{cfg: cfg, logger: logging.OrDiscard(logger)}
	for _, opt := range opts {
		opt(a)
	}
	if a.cache == nil {
		a.cache = NewMemoryCache(DefaultCacheSize)
	}
	return a
}

// CacheKey is the per-(uid, ip) cache key.
func CacheKey(uid, ip string) string {
	return uid + "|" + ip
}

// Verify scores a request. It never returns nil and never fails: upstream
// and cache errors degrade the result instead. Requests without a uid or
// an ip have no identity to cache under and are always evaluated.
func (a *Adapter) Verify(ctx context.Context, req Request) *Result {
	cacheable := req.UID != "" || req.IP != ""
	key := CacheKey(req.UID, req.IP)

	if cacheable {
		cached, ok, err := a.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.BotDefenseCacheTotal.WithLabelValues("error").Inc()
			metrics.DependencyErrorsTotal.WithLabelValues("botdefense_cache").Inc()
			logging.DependencyError(ctx, a.logger, "botdefense_cache", key, err)
		case ok:
			metrics.BotDefenseCacheTotal.WithLabelValues("hit").Inc()
			hit := cached.clone()
			hit.Cached = true
			return hit
		default:
			metrics.BotDefenseCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	res := a.evaluate(ctx, req)

	// Degraded results are recomputed on the next call rather than pinned
	// for the whole TTL.
	if cacheable && !res.Degraded() {
		ttl := a.cfg.Current().BotCacheTTL()
		if err := a.cache.Set(ctx, key, res, ttl); err != nil {
			metrics.DependencyErrorsTotal.WithLabelValues("botdefense_cache").Inc()
			logging.DependencyError(ctx, a.logger, "botdefense_cache", key, err)
		}
	}
	return res.clone()
}

func (a *Adapter) evaluate(ctx context.Context, req Request) *Result {
	var (
		aiPoints, chPoints     int
		aiReason, chReason     string
		aiVerified, chVerified bool
	)

	var g errgroup.Group
	g.Go(func() error {
		aiPoints, aiReason, aiVerified = a.verifyAppIntegrity(ctx, req)
		return nil
	})
	g.Go(func() error {
		chPoints, chReason, chVerified = a.verifyChallenge(ctx, req)
		return nil
	})
	_ = g.Wait()

	uaPoints, uaReasons := userAgentSignals(req.UserAgent)
	ipPoints, ipReasons := ipSignals(req.IP)

	reasons := make([]string, 0, 2+len(uaReasons)+len(ipReasons))
	reasons = append(reasons, aiReason, chReason)
	reasons = append(reasons, uaReasons...)
	reasons = append(reasons, ipReasons...)

	confidence := clamp(aiPoints+chPoints+uaPoints+ipPoints, 0, 100)
	return &Result{
		IsHuman:    confidence >= HumanThreshold,
		Confidence: confidence,
		Reasons:    reasons,
		Verified:   aiVerified || chVerified,
	}
}

func (a *Adapter) verifyAppIntegrity(ctx context.Context, req Request) (int, string, bool) {
	if req.AppIntegrityToken == "" {
		return 0, ReasonAppIntegrityMissing, false
	}
	if a.appIntegrity == nil {
		a.dependencyError(ctx, "app_integrity", req.UID, ErrNotConfigured)
		return 0, ReasonAppIntegrityError, false
	}
	err := a.appIntegrity.VerifyAppIntegrity(ctx, req.AppIntegrityToken)
	switch {
	case err == nil:
		return pointsAppIntegrity, ReasonAppIntegrityValid, true
	case errors.Is(err, ErrInvalidToken):
		return 0, ReasonAppIntegrityInvalid, false
	default:
		a.dependencyError(ctx, "app_integrity", req.UID, err)
		return 0, ReasonAppIntegrityError, false
	}
}

func (a *Adapter) verifyChallenge(ctx context.Context, req Request) (int, string, bool) {
	if req.ChallengeToken == "" {
		return 0, ReasonChallengeMissing, false
	}
	if a.challenge == nil {
		a.dependencyError(ctx, "challenge", req.UID, ErrNotConfigured)
		return 0, ReasonChallengeError, false
	}
	score, err := a.challenge.VerifyChallenge(ctx, req.ChallengeToken, req.IP)
	switch {
	case errors.Is(err, ErrInvalidToken):
		return 0, ReasonChallengeInvalid, false
	case err != nil:
		a.dependencyError(ctx, "challenge", req.UID, err)
		return 0, ReasonChallengeError, false
	case score >= challengeHighScore:
		return pointsChallengeHigh, ReasonChallengeHigh, true
	case score >= challengeMediumScore:
		return pointsChallengeMedium, ReasonChallengeMedium, true
	default:
		return 0, ReasonChallengeLow, false
	}
}

func (a *Adapter) dependencyError(ctx context.Context, component, uid string, err error) {
	metrics.DependencyErrorsTotal.WithLabelValues(component).Inc()
	logging.DependencyError(ctx, a.logger, component, "uid:"+uid, err)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
