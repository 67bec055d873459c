package botdefense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/retry"
)

const challengeBreakerKey = "challenge"

// HTTPChallengeVerifier redeems challenge tokens against a siteverify-style
// endpoint: a form POST of secret, response and remoteip answered with
// {"success": bool, "score": float, "error-codes": [...]}.
type HTTPChallengeVerifier struct {
	cfg     ConfigSource
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

var _ ChallengeVerifier = (*HTTPChallengeVerifier)(nil)

// NewHTTPChallengeVerifier creates a verifier. A nil client gets a 1s
// timeout; a nil breaker gets one tripping after 5 failures for 30s.
func NewHTTPChallengeVerifier(cfg ConfigSource, client *http.Client, breaker *circuitbreaker.Breaker) *HTTPChallengeVerifier {
	if client == nil {
		client = &http.Client{Timeout: time.Second}
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &HTTPChallengeVerifier{cfg: cfg, client: client, breaker: breaker, policy: retry.Upstream}
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score"`
	ErrorCodes []string `json:"error-codes"`
}

// VerifyChallenge implements ChallengeVerifier. Providers that do not
// return a score report 1.0 for a passed challenge.
func (v *HTTPChallengeVerifier) VerifyChallenge(ctx context.Context, token, remoteIP string) (float64, error) {
	bd := v.cfg.Current().BotDefense
	if bd.ChallengeVerifyURL == "" || bd.ChallengeSecret == "" {
		return 0, ErrNotConfigured
	}

	var score float64
	err := v.policy.Do(ctx, func(ctx context.Context) error {
		err := v.breaker.Execute(challengeBreakerKey, countsAgainstUpstream, func() error {
			s, err := v.siteVerify(ctx, bd.ChallengeVerifyURL, bd.ChallengeSecret, token, remoteIP)
			score = s
			return err
		})
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	return score, err
}

func countsAgainstUpstream(err error) bool {
	return !errors.Is(err, ErrInvalidToken)
}

func (v *HTTPChallengeVerifier) siteVerify(ctx context.Context, endpoint, secret, token, remoteIP string) (float64, error) {
	form := url.Values{"secret": {secret}, "response": {token}}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("botdefense: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("botdefense: siteverify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("botdefense: siteverify returned status %d", resp.StatusCode)
	}

	var body siteVerifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return 0, fmt.Errorf("botdefense: decode siteverify: %w", err)
	}

	if !body.Success {
		for _, code := range body.ErrorCodes {
			if strings.Contains(code, "secret") {
				return 0, fmt.Errorf("botdefense: siteverify rejected secret: %s", code)
			}
		}
		return 0, fmt.Errorf("%w: %s", ErrInvalidToken, strings.Join(body.ErrorCodes, ","))
	}
	if body.Score == nil {
		return 1, nil
	}
	return *body.Score, nil
}
