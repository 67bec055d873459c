// Package idgen provides ID generation for signals, decisions and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 string. v7 ids sort by creation time, which keeps
// signal rows clustered by insertion order.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns prefix followed by the dashless UUIDv7 (e.g. "sig_", "req_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(New(), "-", "")
}

// TimeOrdered returns prefix + UTC timestamp (microsecond precision) + "_" +
// 12 random hex chars. Two calls never return the same id, even within the
// same microsecond, with overwhelming probability.
func TimeOrdered(prefix string, t time.Time) string {
	return prefix + t.UTC().Format("20060102T150405.000000Z") + "_" + Hex(6)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
