// Package signals assembles the evidence for one evaluation into an
// immutable FraudSignal and persists it for audit.
//
// The collector does not decide anything. Every evaluation gets a
// persisted signal, including evaluations that stop at the rate-limit or
// list gate, so the audit trail is complete regardless of outcome.
package signals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/mbd888/fraudguard/internal/botdefense"
	"github.com/mbd888/fraudguard/internal/velocity"
)

var (
	ErrNotFound  = errors.New("signals: not found")
	ErrDuplicate = errors.New("signals: duplicate id")
)

// Degradation markers recorded on a signal when a collaborator failed.
const (
	DegradedChargebacks = "chargebacks_error"
	DegradedBotDefense  = "botdefense_error"
	DegradedFirstSeen   = "first_seen_error"
)

// FraudSignal is the evidence snapshot for one evaluation. Field names are
// the persisted audit contract.
type FraudSignal struct {
	ID             string             `json:"id"`
	SubjectType    string             `json:"subjectType"`
	SubjectID      string             `json:"subjectId"`
	UID            string             `json:"uid,omitempty"`
	IPHash         string             `json:"ipHash,omitempty"`
	DeviceHash     string             `json:"deviceHash,omitempty"`
	Country        string             `json:"country,omitempty"`
	EmailDomain    string             `json:"emailDomain,omitempty"`
	BIN            string             `json:"bin,omitempty"`
	UIDVelocity    velocity.Counts    `json:"uidVelocity"`
	IPVelocity     *velocity.Counts   `json:"ipVelocity,omitempty"`
	Chargebacks90d int                `json:"chargebacks90d"`
	FirstSeenAt    time.Time          `json:"firstSeenAt"`
	BotDefense     *botdefense.Result `json:"botDefense,omitempty"`
	Degraded       []string           `json:"degraded"`
	ShortCircuit   string             `json:"shortCircuit,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// MaxVelocity is the per-window maximum over the uid and ip counters.
func (s *FraudSignal) MaxVelocity() velocity.Counts {
	if s.IPVelocity == nil {
		return s.UIDVelocity
	}
	return velocity.Max(s.UIDVelocity, *s.IPVelocity)
}

func (s *FraudSignal) clone() *FraudSignal {
	c := *s
	if s.IPVelocity != nil {
		v := *s.IPVelocity
		c.IPVelocity = &v
	}
	if s.BotDefense != nil {
		b := *s.BotDefense
		b.Reasons = slices.Clone(s.BotDefense.Reasons)
		c.BotDefense = &b
	}
	c.Degraded = slices.Clone(s.Degraded)
	return &c
}

// Input is what the collector needs to know about one evaluation. IP and
// UserAgent are used for counting and bot checks but never persisted.
type Input struct {
	SubjectType       string
	SubjectID         string
	UID               string
	IP                string
	IPHash            string
	DeviceHash        string
	UAHash            string
	UserAgent         string
	Country           string
	EmailDomain       string
	BIN               string
	AppIntegrityToken string
	ChallengeToken    string
}

// HashIP is the stored form of a raw address: hex sha256, prefixed so it
// cannot collide with a caller-supplied hash.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ipKey is the value the ip counter is keyed on. Raw addresses never reach
// the counter store.
func (in Input) ipKey() string {
	switch {
	case in.IPHash != "":
		return in.IPHash
	case in.IP != "":
		return HashIP(in.IP)
	}
	return ""
}

// Velocity holds the post-increment counters for one evaluation.
type Velocity struct {
	UID velocity.Counts
	// IP is nil when the evaluation carried no ip.
	IP *velocity.Counts
}

// Max is the per-window maximum over uid and ip.
func (v Velocity) Max() velocity.Counts {
	if v.IP == nil {
		return v.UID
	}
	return velocity.Max(v.UID, *v.IP)
}

// Store persists signals. Signals are append-only.
type Store interface {
	// Record inserts a signal. A second write of the same id fails with
	// ErrDuplicate.
	Record(ctx context.Context, s *FraudSignal) error
	Get(ctx context.Context, id string) (*FraudSignal, error)
	// ListBySubject returns the newest signals first.
	ListBySubject(ctx context.Context, subjectType, subjectID string, limit int) ([]*FraudSignal, error)
	// FirstSeen returns the earliest firstSeenAt recorded for the subject.
	FirstSeen(ctx context.Context, subjectType, subjectID string) (time.Time, bool, error)
}
