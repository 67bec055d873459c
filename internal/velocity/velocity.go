// Package velocity counts events per subject in fixed minute, hour and day
// windows.
//
// Windows are calendar buckets in UTC, not sliding windows: the minute
// bucket for 14:05:59 is "20260119_14_05" and rolls over at 14:06:00. Each
// IncrementAndGet touches exactly one bucket per window, chosen from a
// single clock reading, and returns the post-increment values of all three
// as one consistent read. Counters only grow; old buckets are never touched
// again and age out by TTL or sweep.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SubjectType names what is being counted.
type SubjectType string

const (
	SubjectUID SubjectType = "uid"
	SubjectIP  SubjectType = "ip"
)

var ErrInvalidSubject = errors.New("velocity: invalid subject")

// Subject is the counted entity. UAHash optionally narrows the key to one
// user agent, so "same IP, new browser" counts separately.
type Subject struct {
	Type   SubjectType
	Value  string
	UAHash string
}

// Key is the storage key shared by every backend.
func (s Subject) Key() string {
	if s.UAHash != "" {
		return string(s.Type) + ":" + s.Value + ":" + s.UAHash
	}
	return string(s.Type) + ":" + s.Value
}

// Validate rejects unknown types and empty values.
func (s Subject) Validate() error {
	if s.Type != SubjectUID && s.Type != SubjectIP {
		return fmt.Errorf("%w: type %q", ErrInvalidSubject, s.Type)
	}
	if s.Value == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidSubject)
	}
	return nil
}

// Counts is a consistent read of all three windows.
type Counts struct {
	Minute int64 `json:"minute"`
	Hour   int64 `json:"hour"`
	Day    int64 `json:"day"`
}

// Max returns the per-window maximum of a and b.
func Max(a, b Counts) Counts {
	return Counts{
		Minute: max(a.Minute, b.Minute),
		Hour:   max(a.Hour, b.Hour),
		Day:    max(a.Day, b.Day),
	}
}

// Buckets are the bucket keys active at one instant.
type Buckets struct {
	Minute string
	Hour   string
	Day    string
}

// BucketsAt returns the UTC bucket keys containing t.
func BucketsAt(t time.Time) Buckets {
	t = t.UTC()
	return Buckets{
		Minute: t.Format("20060102_15_04"),
		Hour:   t.Format("20060102_15"),
		Day:    t.Format("20060102"),
	}
}

// Retention per window. A bucket is kept a little longer than its span so
// reads near a boundary never race an expiry.
const (
	MinuteTTL = 2 * time.Minute
	HourTTL   = 2 * time.Hour
	DayTTL    = 48 * time.Hour
)

// Store is a velocity counter backend.
type Store interface {
	// IncrementAndGet atomically adds one to the current bucket of every
	// window for s and returns the post-increment counts.
	IncrementAndGet(ctx context.Context, s Subject) (Counts, error)
	// Get returns the current counts without mutating them.
	Get(ctx context.Context, s Subject) (Counts, error)
}

type options struct {
	now func() time.Time
}

// Option configures a store.
type Option func(*options)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
