package botdefense

import (
	"context"
	"crypto"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/fraudguard/internal/riskconfig"
)

// JWTVerifier validates app-integrity attestations issued as RS256 or
// ES256 JWTs. Public keys come from the live config, keyed by "kid".
type JWTVerifier struct {
	cfg    ConfigSource
	leeway time.Duration
	now    func() time.Time

	mu      sync.Mutex
	keysFor *riskconfig.Snapshot
	keys    map[string]crypto.PublicKey
	keysErr error
}

var _ AppIntegrityVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier tolerating 30s of clock skew.
func NewJWTVerifier(cfg ConfigSource) *JWTVerifier {
	return &JWTVerifier{cfg: cfg, leeway: 30 * time.Second, now: time.Now}
}

// WithClock overrides time.Now, for tests.
func (v *JWTVerifier) WithClock(now func() time.Time) *JWTVerifier {
	v.now = now
	return v
}

// VerifyAppIntegrity implements AppIntegrityVerifier. Rejected tokens wrap
// ErrInvalidToken; a missing or unparsable key set is a plain error.
func (v *JWTVerifier) VerifyAppIntegrity(_ context.Context, token string) error {
	snap := v.cfg.Current()
	keys, err := v.keySet(snap)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return ErrNotConfigured
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if aud := snap.BotDefense.AppIntegrityAudience; aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	if iss := snap.BotDefense.AppIntegrityIssuer; iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}

	_, err = jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// keySet parses the snapshot's PEM keys once per published snapshot.
func (v *JWTVerifier) keySet(snap *riskconfig.Snapshot) (map[string]crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keysFor == snap {
		return v.keys, v.keysErr
	}

	keys := make(map[string]crypto.PublicKey, len(snap.BotDefense.AppIntegrityKeys))
	var keysErr error
	for kid, pem := range snap.BotDefense.AppIntegrityKeys {
		key, err := parsePublicKey([]byte(pem))
		if err != nil {
			keysErr = fmt.Errorf("botdefense: app integrity key %q: %w", kid, err)
			break
		}
		keys[kid] = key
	}
	v.keysFor, v.keys, v.keysErr = snap, keys, keysErr
	return keys, keysErr
}

func parsePublicKey(pem []byte) (crypto.PublicKey, error) {
	if rsaKey, err := jwt.ParseRSAPublicKeyFromPEM(pem); err == nil {
		return rsaKey, nil
	}
	ecKey, err := jwt.ParseECPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("not an RSA or EC public key")
	}
	return ecKey, nil
}
