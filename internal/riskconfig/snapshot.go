// Package riskconfig holds the live-reloadable risk policy: operating mode,
// rate-limit caps, scoring weights, thresholds and bot-defense keys.
//
// A Snapshot is immutable once published. Components read the current
// snapshot once at the start of each call and use it for the whole call, so
// a reload mid-evaluation never mixes two policies.
package riskconfig

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mode controls enforcement. It never changes scoring.
type Mode string

const (
	ModeShadow  Mode = "shadow"
	ModeEnforce Mode = "enforce"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeShadow || m == ModeEnforce
}

// DefaultKind is the threshold key used when an evaluation kind has no
// dedicated threshold.
const DefaultKind = "default"

var ErrInvalidConfig = errors.New("riskconfig: invalid configuration")

// Caps holds one limit per velocity window. Zero disables the window.
type Caps struct {
	Minute int64 `json:"minute" yaml:"minute"`
	Hour   int64 `json:"hour" yaml:"hour"`
	Day    int64 `json:"day" yaml:"day"`
}

// Exceeded returns the first window whose count is strictly above its cap.
func (c Caps) Exceeded(minute, hour, day int64) (string, bool) {
	switch {
	case c.Minute > 0 && minute > c.Minute:
		return "minute", true
	case c.Hour > 0 && hour > c.Hour:
		return "hour", true
	case c.Day > 0 && day > c.Day:
		return "day", true
	}
	return "", false
}

// Weights are the additive score contributions. All are non-negative;
// VerifiedBotBonus is subtracted.
type Weights struct {
	VelocityMinute   int `json:"velocityMinute" yaml:"velocityMinute"`
	VelocityHour     int `json:"velocityHour" yaml:"velocityHour"`
	VelocityDay      int `json:"velocityDay" yaml:"velocityDay"`
	PerChargeback    int `json:"perChargeback" yaml:"perChargeback"`
	BlockedCountry   int `json:"blockedCountry" yaml:"blockedCountry"`
	DisposableEmail  int `json:"disposableEmail" yaml:"disposableEmail"`
	VerifiedBotBonus int `json:"verifiedBotBonus" yaml:"verifiedBotBonus"`
}

// ActionThresholds drive the four-way action shape. Allow and Challenge are
// exclusive upper bounds, Deny is an inclusive lower bound, and the gap
// between Challenge and Deny maps to queue_review.
type ActionThresholds struct {
	Allow     int `json:"allow" yaml:"allow"`
	Challenge int `json:"challenge" yaml:"challenge"`
	Deny      int `json:"deny" yaml:"deny"`
}

// BotDefense holds attestation keys and challenge-provider settings.
type BotDefense struct {
	// AppIntegrityKeys maps a JWT key id to a PEM-encoded public key.
	AppIntegrityKeys     map[string]string `json:"appIntegrityKeys" yaml:"appIntegrityKeys"`
	AppIntegrityAudience string            `json:"appIntegrityAudience" yaml:"appIntegrityAudience"`
	AppIntegrityIssuer   string            `json:"appIntegrityIssuer" yaml:"appIntegrityIssuer"`
	ChallengeSiteKey     string            `json:"challengeSiteKey" yaml:"challengeSiteKey"`
	ChallengeSecret      string            `json:"challengeSecret" yaml:"challengeSecret"`
	ChallengeVerifyURL   string            `json:"challengeVerifyUrl" yaml:"challengeVerifyUrl"`
	CacheTTLSeconds      int               `json:"cacheTtlSeconds" yaml:"cacheTtlSeconds"`
}

// Snapshot is one immutable version of the risk policy.
type Snapshot struct {
	Version                string           `json:"version" yaml:"version"`
	Mode                   Mode             `json:"mode" yaml:"mode"`
	RateLimits             map[string]Caps  `json:"rateLimits" yaml:"rateLimits"`
	VelocityThresholds     Caps             `json:"velocityThresholds" yaml:"velocityThresholds"`
	Weights                Weights          `json:"weights" yaml:"weights"`
	BlockedCountries       []string         `json:"blockedCountries" yaml:"blockedCountries"`
	DisposableEmailDomains []string         `json:"disposableEmailDomains" yaml:"disposableEmailDomains"`
	Thresholds             map[string]int   `json:"thresholds" yaml:"thresholds"`
	ActionThresholds       ActionThresholds `json:"actionThresholds" yaml:"actionThresholds"`
	BotDefense             BotDefense       `json:"botDefense" yaml:"botDefense"`
	EvaluationTimeoutMs    int              `json:"evaluationTimeoutMs" yaml:"evaluationTimeoutMs"`
	DecisionRetentionDays  int              `json:"decisionRetentionDays" yaml:"decisionRetentionDays"`

	// Digest identifies the source content. Version is the operator's
	// label and may stay fixed across edits; Digest never does.
	Digest string `json:"digest,omitempty" yaml:"-"`

	blocked    map[string]struct{}
	disposable map[string]struct{}
}

// Default returns the built-in policy used when no file is configured.
func Default() *Snapshot {
	s := &Snapshot{
		Version: "builtin",
		Mode:    ModeShadow,
		RateLimits: map[string]Caps{
			"uid": {Minute: 15, Hour: 120, Day: 600},
			"ip":  {Minute: 40, Hour: 400, Day: 3000},
		},
		VelocityThresholds: Caps{Minute: 5, Hour: 30, Day: 120},
		Weights: Weights{
			VelocityMinute:   25,
			VelocityHour:     15,
			VelocityDay:      10,
			PerChargeback:    5,
			BlockedCountry:   30,
			DisposableEmail:  20,
			VerifiedBotBonus: 10,
		},
		DisposableEmailDomains: []string{"mailinator.com", "guerrillamail.com", "10minutemail.com", "tempmail.com", "yopmail.com"},
		Thresholds: map[string]int{
			DefaultKind:    70,
			"order":        70,
			"subscription": 60,
		},
		ActionThresholds:      ActionThresholds{Allow: 30, Challenge: 60, Deny: 80},
		BotDefense:            BotDefense{CacheTTLSeconds: 300},
		EvaluationTimeoutMs:   150,
		DecisionRetentionDays: 90,
	}
	s.index()
	return s
}

// Validate checks ranges and ordering and fills defaults for zero values.
// A snapshot must be validated before it is published.
func (s *Snapshot) Validate() error {
	var problems []string

	if s.Mode == "" {
		s.Mode = ModeShadow
	}
	if !s.Mode.Valid() {
		problems = append(problems, fmt.Sprintf("mode %q must be shadow or enforce", s.Mode))
	}

	for typ, c := range s.RateLimits {
		if c.Minute < 0 || c.Hour < 0 || c.Day < 0 {
			problems = append(problems, fmt.Sprintf("rateLimits.%s must be non-negative", typ))
		}
	}
	v := s.VelocityThresholds
	if v.Minute < 0 || v.Hour < 0 || v.Day < 0 {
		problems = append(problems, "velocityThresholds must be non-negative")
	}

	w := s.Weights
	for name, val := range map[string]int{
		"velocityMinute":   w.VelocityMinute,
		"velocityHour":     w.VelocityHour,
		"velocityDay":      w.VelocityDay,
		"perChargeback":    w.PerChargeback,
		"blockedCountry":   w.BlockedCountry,
		"disposableEmail":  w.DisposableEmail,
		"verifiedBotBonus": w.VerifiedBotBonus,
	} {
		if val < 0 {
			problems = append(problems, "weights."+name+" must be non-negative")
		}
	}

	if s.Thresholds == nil {
		s.Thresholds = map[string]int{}
	}
	if _, ok := s.Thresholds[DefaultKind]; !ok {
		s.Thresholds[DefaultKind] = 70
	}
	for kind, t := range s.Thresholds {
		if t <= 0 || t > 100 {
			problems = append(problems, fmt.Sprintf("thresholds.%s must be in 1..100", kind))
		}
	}

	a := s.ActionThresholds
	if a == (ActionThresholds{}) {
		s.ActionThresholds = ActionThresholds{Allow: 30, Challenge: 60, Deny: 80}
	} else if !(0 < a.Allow && a.Allow < a.Challenge && a.Challenge < a.Deny && a.Deny <= 100) {
		problems = append(problems, "actionThresholds must satisfy 0 < allow < challenge < deny <= 100")
	}

	if s.EvaluationTimeoutMs == 0 {
		s.EvaluationTimeoutMs = 150
	}
	if s.EvaluationTimeoutMs < 0 {
		problems = append(problems, "evaluationTimeoutMs must be positive")
	}
	if s.DecisionRetentionDays == 0 {
		s.DecisionRetentionDays = 90
	}
	if s.DecisionRetentionDays < 0 {
		problems = append(problems, "decisionRetentionDays must be positive")
	}
	if s.BotDefense.CacheTTLSeconds == 0 {
		s.BotDefense.CacheTTLSeconds = 300
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	s.index()
	return nil
}

func (s *Snapshot) index() {
	s.blocked = make(map[string]struct{}, len(s.BlockedCountries))
	for _, c := range s.BlockedCountries {
		s.blocked[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	s.disposable = make(map[string]struct{}, len(s.DisposableEmailDomains))
	for _, d := range s.DisposableEmailDomains {
		s.disposable[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
}

// Threshold returns the verdict threshold for an evaluation kind.
func (s *Snapshot) Threshold(kind string) int {
	if t, ok := s.Thresholds[kind]; ok {
		return t
	}
	return s.Thresholds[DefaultKind]
}

// RateLimit returns the caps for a subject type; zero caps if unset.
func (s *Snapshot) RateLimit(subjectType string) Caps {
	return s.RateLimits[subjectType]
}

// IsBlockedCountry reports whether an ISO country code is blocked.
func (s *Snapshot) IsBlockedCountry(country string) bool {
	if country == "" {
		return false
	}
	_, ok := s.blocked[strings.ToUpper(country)]
	return ok
}

// IsDisposableDomain reports whether an email domain is on the disposable
// list. Subdomains of a listed domain match too.
func (s *Snapshot) IsDisposableDomain(domain string) bool {
	domain = strings.ToLower(domain)
	for domain != "" {
		if _, ok := s.disposable[domain]; ok {
			return true
		}
		i := strings.IndexByte(domain, '.')
		if i < 0 {
			break
		}
		domain = domain[i+1:]
	}
	return false
}

// EvaluationTimeout is the per-evaluation deadline.
func (s *Snapshot) EvaluationTimeout() time.Duration {
	return time.Duration(s.EvaluationTimeoutMs) * time.Millisecond
}

// DecisionRetention is how long a decision is kept.
func (s *Snapshot) DecisionRetention() time.Duration {
	return time.Duration(s.DecisionRetentionDays) * 24 * time.Hour
}

// BotCacheTTL is how long a bot-defense result is reused per (uid, ip).
func (s *Snapshot) BotCacheTTL() time.Duration {
	return time.Duration(s.BotDefense.CacheTTLSeconds) * time.Second
}
