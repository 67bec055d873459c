// Package lists maintains the allow and deny lists consulted before any
// scoring. A list hit short-circuits evaluation, so entries carry who added
// them and why.
package lists

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/fraudguard/internal/validation"
)

// Kind selects the allow list or the deny list.
type Kind string

const (
	KindAllow Kind = "allow"
	KindDeny  Kind = "deny"
)

// Valid reports whether k is a known list.
func (k Kind) Valid() bool { return k == KindAllow || k == KindDeny }

// EntryType is the attribute an entry matches on.
type EntryType string

const (
	TypeIP          EntryType = "ip"
	TypeUID         EntryType = "uid"
	TypeEmailDomain EntryType = "emailDomain"
	TypeDevice      EntryType = "device"
	TypeBIN         EntryType = "bin"
)

// Types lists every entry type in a stable order.
var Types = []EntryType{TypeUID, TypeIP, TypeDevice, TypeEmailDomain, TypeBIN}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

var (
	ErrNotFound    = errors.New("lists: entry not found")
	ErrInvalidKind = errors.New("lists: unknown list")
	ErrInvalidType = errors.New("lists: unknown entry type")
)

// Entry is one list row. At most one exists per (list, type, value).
type Entry struct {
	Type      EntryType  `json:"type"`
	Value     string     `json:"value"`
	Reason    string     `json:"reason"`
	AddedBy   string     `json:"addedBy"`
	AddedAt   time.Time  `json:"addedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// Expired reports whether the entry is logically absent at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e *Entry) clone() *Entry {
	cp := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// Query asks whether a (type, value) pair is listed.
type Query struct {
	Type  EntryType `json:"type"`
	Value string    `json:"value"`
}

// Match is a query that hit a live entry.
type Match struct {
	Query Query  `json:"query"`
	Entry *Entry `json:"entry"`
}

// BulkResult holds every hit of a BulkCheck, in query order.
type BulkResult struct {
	Allowed []Match `json:"allowed"`
	Denied  []Match `json:"denied"`
}

// Normalize canonicalizes a value for its type so lookups and writes agree:
// IPs in canonical form, domains lower-cased.
func Normalize(t EntryType, value string) string {
	value = strings.TrimSpace(value)
	switch t {
	case TypeIP:
		return validation.NormalizeIP(value)
	case TypeEmailDomain:
		return validation.NormalizeDomain(value)
	}
	return value
}

// Validate checks an entry before it is written. It expects a normalized
// value.
func (e *Entry) Validate(now time.Time) error {
	errs := validation.Validate(
		validation.Required("value", e.Value),
		validation.Required("reason", e.Reason),
		validation.MaxLength("value", e.Value, 512),
		validation.MaxLength("reason", e.Reason, 1000),
		validation.MaxLength("notes", e.Notes, validation.MaxStringLength),
		func() *validation.ValidationError {
			if !e.Type.Valid() {
				return &validation.ValidationError{Field: "type", Message: "must be one of ip, uid, emailDomain, device, bin"}
			}
			return nil
		},
		func() *validation.ValidationError {
			if e.Value == "" {
				return nil
			}
			switch e.Type {
			case TypeIP:
				if !validation.IsValidIP(e.Value) {
					return &validation.ValidationError{Field: "value", Message: "must be a valid IPv4 or IPv6 address"}
				}
			case TypeBIN:
				if !validation.IsValidBIN(e.Value) {
					return &validation.ValidationError{Field: "value", Message: "must be exactly 6 digits"}
				}
			case TypeEmailDomain:
				if !validation.IsValidDomain(e.Value) {
					return &validation.ValidationError{Field: "value", Message: "must be a valid domain"}
				}
			}
			return nil
		},
		func() *validation.ValidationError {
			if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
				return &validation.ValidationError{Field: "expiresAt", Message: "must be in the future"}
			}
			return nil
		},
	)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Store persists list entries. Implementations do not filter expired
// entries; the Service does.
type Store interface {
	Get(ctx context.Context, kind Kind, t EntryType, value string) (*Entry, error)
	// Put inserts or replaces the entry for (kind, type, value).
	Put(ctx context.Context, kind Kind, e *Entry) error
	Delete(ctx context.Context, kind Kind, t EntryType, value string) error
	// DeleteIfExpired removes the entry only if it is still expired at now,
	// so an entry re-added after an expired read survives. It reports
	// whether a row was removed.
	DeleteIfExpired(ctx context.Context, kind Kind, t EntryType, value string, now time.Time) (bool, error)
	// List returns entries of one kind, optionally filtered by type,
	// newest first.
	List(ctx context.Context, kind Kind, t EntryType) ([]*Entry, error)
	// DeleteExpired removes entries whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
