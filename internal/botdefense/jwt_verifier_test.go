package botdefense

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/riskconfig"
)

var verifierNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pemPublicKey(t *testing.T, pub any) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    "https://attest.example",
		Audience:  jwt.ClaimStrings{"fraudguard"},
		IssuedAt:  jwt.NewNumericDate(verifierNow.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(verifierNow.Add(5 * time.Minute)),
	}
}

func TestJWTVerifier(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	snap := riskconfig.Default()
	snap.BotDefense.AppIntegrityKeys = map[string]string{
		"rsa-1": pemPublicKey(t, &rsaKey.PublicKey),
		"ec-1":  pemPublicKey(t, &ecKey.PublicKey),
	}
	snap.BotDefense.AppIntegrityAudience = "fraudguard"
	snap.BotDefense.AppIntegrityIssuer = "https://attest.example"
	require.NoError(t, snap.Validate())

	v := NewJWTVerifier(riskconfig.NewProvider(snap)).WithClock(func() time.Time { return verifierNow })
	ctx := context.Background()

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(verifierNow.Add(-time.Hour))
	noExp := validClaims()
	noExp.ExpiresAt = nil
	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"someone-else"}

	hmac := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	hmac.Header["kid"] = "rsa-1"
	hmacToken, err := hmac.SignedString([]byte("secret"))
	require.NoError(t, err)

	assert.NoError(t, v.VerifyAppIntegrity(ctx, signToken(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", validClaims())))
	assert.NoError(t, v.VerifyAppIntegrity(ctx, signToken(t, jwt.SigningMethodES256, ecKey, "ec-1", validClaims())))

	rejected := map[string]string{
		"expired":          signToken(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", expired),
		"no expiry":        signToken(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", noExp),
		"wrong aud":        signToken(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", wrongAud),
		"unknown kid":      signToken(t, jwt.SigningMethodRS256, rsaKey, "rsa-9", validClaims()),
		"wrong key":        signToken(t, jwt.SigningMethodRS256, otherKey, "rsa-1", validClaims()),
		"hmac not allowed": hmacToken,
		"garbage":          "not.a.jwt",
	}
	for name, token := range rejected {
		err := v.VerifyAppIntegrity(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestJWTVerifier_KeyProblemsAreNotTokenRejections(t *testing.T) {
	ctx := context.Background()

	empty := NewJWTVerifier(riskconfig.NewProvider(riskconfig.Default()))
	assert.ErrorIs(t, empty.VerifyAppIntegrity(ctx, "x.y.z"), ErrNotConfigured)

	snap := riskconfig.Default()
	snap.BotDefense.AppIntegrityKeys = map[string]string{"bad": "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"}
	require.NoError(t, snap.Validate())
	broken := NewJWTVerifier(riskconfig.NewProvider(snap))
	err := broken.VerifyAppIntegrity(ctx, "x.y.z")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}
