// Package auth authenticates callers of the decision API.
//
// Two credentials exist: service keys, held by the checkout and account
// services that call /v1/evaluate and read decisions, and the admin secret
// used by operators to curate allow/deny lists. Keys are configured, not
// issued; only their SHA-256 digests are held in memory.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingKey = errors.New("auth: missing credentials")
	ErrInvalidKey = errors.New("auth: invalid credentials")
)

// Caller identifies an authenticated service.
type Caller struct {
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

type serviceKey struct {
	name   string
	digest [sha256.Size]byte
}

// Manager validates service keys and the admin secret.
type Manager struct {
	keys  []serviceKey
	admin [sha256.Size]byte
	// hasAdmin is false when no admin secret is configured; admin routes
	// are then closed, never open.
	hasAdmin bool
}

// NewManager builds a manager from "name:key" pairs and an admin secret.
// Pairs without a name are labelled "service".
func NewManager(serviceKeys []string, adminSecret string) *Manager {
	m := &Manager{}
	for _, raw := range serviceKeys {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, key, ok := strings.Cut(raw, ":")
		if !ok {
			name, key = "service", raw
		}
		m.keys = append(m.keys, serviceKey{name: name, digest: sha256.Sum256([]byte(key))})
	}
	if adminSecret != "" {
		m.admin = sha256.Sum256([]byte(adminSecret))
		m.hasAdmin = true
	}
	return m
}

// Open reports whether no service keys are configured. The evaluation API
// is then unauthenticated, which is only accepted outside production.
func (m *Manager) Open() bool {
	return len(m.keys) == 0
}

// ValidateServiceKey returns the caller owning rawKey. The admin secret is
// accepted too so operators can query decisions.
func (m *Manager) ValidateServiceKey(rawKey string) (*Caller, error) {
	rawKey = normalize(rawKey)
	if rawKey == "" {
		return nil, ErrMissingKey
	}
	digest := sha256.Sum256([]byte(rawKey))

	// Compare against every key so timing does not leak the position of a match.
	var match *serviceKey
	for i := range m.keys {
		if subtle.ConstantTimeCompare(digest[:], m.keys[i].digest[:]) == 1 {
			match = &m.keys[i]
		}
	}
	if match != nil {
		return &Caller{Name: match.name}, nil
	}
	if m.isAdmin(digest) {
		return &Caller{Name: "admin", Admin: true}, nil
	}
	return nil, ErrInvalidKey
}

// ValidateAdmin checks the admin secret.
func (m *Manager) ValidateAdmin(rawKey string) (*Caller, error) {
	rawKey = normalize(rawKey)
	if rawKey == "" {
		return nil, ErrMissingKey
	}
	if !m.isAdmin(sha256.Sum256([]byte(rawKey))) {
		return nil, ErrInvalidKey
	}
	return &Caller{Name: "admin", Admin: true}, nil
}

func (m *Manager) isAdmin(digest [sha256.Size]byte) bool {
	return m.hasAdmin && subtle.ConstantTimeCompare(digest[:], m.admin[:]) == 1
}

func normalize(raw string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
}
