// Package risk scores fraud evidence and turns it into immutable,
// auditable decisions.
//
// An evaluation walks a fixed pipeline: rate-limit gate, list gate, signal
// collection, scoring, verdict, persist. The mode (shadow or enforce)
// never changes the score or the verdict; it only decides whether the
// caller is told to block. Any failure inside the pipeline, including the
// evaluation deadline, produces a conservative terminal decision instead
// of an error: callers only see errors for malformed input.
package risk

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/mbd888/fraudguard/internal/pagination"
	"github.com/mbd888/fraudguard/internal/riskconfig"
	"github.com/mbd888/fraudguard/internal/signals"
)

var (
	ErrInvalidContext = errors.New("risk: invalid evaluation context")
	ErrNotFound       = errors.New("risk: decision not found")
	ErrDuplicate      = errors.New("risk: duplicate decision id")
)

// Verdict is the three-way outcome.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictReview Verdict = "review"
	VerdictDeny   Verdict = "deny"
)

// Action is the four-way outcome used by call sites that can challenge.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionChallenge   Action = "challenge"
	ActionDeny        Action = "deny"
	ActionQueueReview Action = "queue_review"
)

// Shape selects which outcome a call site wants.
type Shape string

const (
	ShapeVerdict Shape = "verdict"
	ShapeAction  Shape = "action"
)

// Reason codes set by the engine itself. Scoring reasons live in scorer.go.
const (
	ReasonRateLimitExceeded = "rate_limit_exceeded"
	ReasonEvaluationError   = "evaluation_error"
	ReasonEvaluationTimeout = "evaluation_timeout"
)

// Gate names, used as shortCircuit markers and metric labels.
const (
	GateRateLimit = "rate_limit"
	GateDenylist  = "denylist"
	GateAllowlist = "allowlist"
	GateFailed    = "evaluation_error"
)

// Decision is the authoritative record of one evaluation. It is never
// mutated after it is persisted.
type Decision struct {
	ID           string                       `json:"id"`
	Mode         riskconfig.Mode              `json:"mode"`
	Score        int                          `json:"score"`
	Verdict      Verdict                      `json:"verdict,omitempty"`
	Action       Action                       `json:"action,omitempty"`
	Shape        Shape                        `json:"shape"`
	Threshold    int                          `json:"threshold"`
	Thresholds   *riskconfig.ActionThresholds `json:"thresholds,omitempty"`
	Reasons      []string                     `json:"reasons"`
	SubjectType  string                       `json:"subjectType"`
	SubjectID    string                       `json:"subjectId"`
	Kind         string                       `json:"kind"`
	SignalIDs    []string                     `json:"signalIds"`
	ProcessingMs int64                        `json:"processingMs"`
	CreatedAt    time.Time                    `json:"createdAt"`
	ExpiresAt    time.Time                    `json:"expiresAt"`
}

// Outcome is the verdict or action, whichever the shape selects.
func (d *Decision) Outcome() string {
	if d.Shape == ShapeAction {
		return string(d.Action)
	}
	return string(d.Verdict)
}

// Clone returns a deep copy.
func (d *Decision) Clone() *Decision {
	c := *d
	c.Reasons = slices.Clone(d.Reasons)
	c.SignalIDs = slices.Clone(d.SignalIDs)
	if d.Thresholds != nil {
		t := *d.Thresholds
		c.Thresholds = &t
	}
	return &c
}

// Result is what Evaluate returns to the caller.
type Result struct {
	Allowed      bool                   `json:"allowed"`
	Decision     *Decision              `json:"decision"`
	Signals      []*signals.FraudSignal `json:"signals"`
	ProcessingMs int64                  `json:"processingMs"`
}

// Stats aggregates decisions over a trailing window.
type Stats struct {
	Since        time.Time      `json:"since"`
	Total        int            `json:"total"`
	ByVerdict    map[string]int `json:"byVerdict"`
	ByAction     map[string]int `json:"byAction"`
	ByMode       map[string]int `json:"byMode"`
	AverageScore float64        `json:"averageScore"`
}

func newStats(since time.Time) *Stats {
	return &Stats{
		Since:     since,
		ByVerdict: map[string]int{},
		ByAction:  map[string]int{},
		ByMode:    map[string]int{},
	}
}

// add counts n decisions with the given outcome columns.
func (s *Stats) add(shape Shape, verdict, action, mode string, n int) {
	s.Total += n
	if shape == ShapeAction {
		s.ByAction[action] += n
	} else {
		s.ByVerdict[verdict] += n
	}
	s.ByMode[mode] += n
}

// Store persists decisions. Decisions are append-only; there is no update.
type Store interface {
	// Record inserts d. A second write of the same id fails with ErrDuplicate.
	Record(ctx context.Context, d *Decision) error
	Get(ctx context.Context, id string) (*Decision, error)
	// ListBySubject returns the newest decisions first.
	ListBySubject(ctx context.Context, subjectType, subjectID string, limit int) ([]*Decision, error)
	// ListByTimeRange returns decisions created in [from, to), newest
	// first, strictly after cursor in that order when cursor is non-nil.
	ListByTimeRange(ctx context.Context, from, to time.Time, cursor *pagination.Cursor, limit int) ([]*Decision, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
	// DeleteExpired removes decisions whose retention has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Notifier receives every persisted decision. Implementations must not
// block the evaluation.
type Notifier interface {
	NotifyDecision(ctx context.Context, d *Decision)
}
