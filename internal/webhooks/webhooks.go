// Package webhooks pushes decision alerts to external services.
//
// Operators register endpoints (a case-management tool, a chat bridge) for
// the outcomes they care about:
// - Denied evaluations
// - Evaluations queued for review
// - Challenges issued
// - Evaluations that failed and fell back to review
//
// Allow decisions never alert. Deliveries are signed with the
// subscription secret and are best effort: a failed delivery is retried
// briefly, then recorded on the subscription and dropped.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/retry"
	"github.com/mbd888/fraudguard/internal/risk"
	"github.com/mbd888/fraudguard/internal/security"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventDecisionDeny      EventType = "decision.deny"
	EventDecisionReview    EventType = "decision.review"
	EventDecisionChallenge EventType = "decision.challenge"
	EventDecisionFailed    EventType = "decision.failed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventDecisionDeny, EventDecisionReview, EventDecisionChallenge, EventDecisionFailed:
		return true
	}
	return false
}

// MaxConsecutiveFailures deactivates a subscription that keeps failing.
const MaxConsecutiveFailures = 10

var (
	ErrNotFound = errors.New("webhooks: subscription not found")

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudguard",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// EventFor returns the alert type for a decision, or "" when the decision
// does not alert.
func EventFor(d *risk.Decision) EventType {
	if len(d.Reasons) > 0 && d.Reasons[0] == risk.ReasonEvaluationError {
		return EventDecisionFailed
	}
	switch d.Outcome() {
	case string(risk.VerdictDeny):
		return EventDecisionDeny
	case string(risk.VerdictReview), string(risk.ActionQueueReview):
		return EventDecisionReview
	case string(risk.ActionChallenge):
		return EventDecisionChallenge
	}
	return ""
}

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Decision  *risk.Decision `json:"decision"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	MinScore            int         `json:"minScore"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives event for d.
func (s *Subscription) Wants(event EventType, d *risk.Decision) bool {
	if !s.Active || d.Score < s.MinScore {
		return false
	}
	for _, et := range s.Events {
		if et == event {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	// RecordDelivery stores the outcome of one delivery. A failure
	// increments the failure streak and deactivates the subscription at
	// MaxConsecutiveFailures; a success resets it.
	RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr string) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events. It implements risk.Notifier.
type Dispatcher struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
	wg      sync.WaitGroup

	// urlValidator re-checks the endpoint before every send so a hostname
	// that starts resolving to a private address is refused.
	urlValidator func(string) error
}

var _ risk.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, time.Minute),
		policy:  retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		logger:  logging.OrDiscard(logger),
		now:     time.Now,
		timeout: 30 * time.Second,

		urlValidator: security.ValidateEndpointURL,
	}
}

// WithClient replaces the HTTP client (for tests).
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithRetryPolicy replaces the delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// NotifyDecision implements risk.Notifier. It returns immediately;
// deliveries run in their own goroutines, detached from ctx's cancellation.
func (d *Dispatcher) NotifyDecision(ctx context.Context, dec *risk.Decision) {
	eventType := EventFor(dec)
	if eventType == "" {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: d.now().UTC(),
		Decision:  dec,
	}
	dctx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Dispatch(dctx, event); err != nil {
			logging.DependencyError(dctx, d.logger, "webhooks", dec.SubjectID, err)
		}
	}()
}

// Dispatch sends an event to all relevant subscribers
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, sub := range subs {
		if !sub.Wants(event.Type, event.Decision) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			sctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			_ = d.deliver(sctx, sub, event, payload)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverNow sends one event to one subscription synchronously and
// returns the delivery error, if any.
func (d *Dispatcher) DeliverNow(ctx context.Context, sub *Subscription, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.deliver(sctx, sub, event, payload)
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "status " + strconv.Itoa(e.code) }

// retryable treats transport errors, 429 and 5xx as transient.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		err := d.breaker.Execute(sub.ID, retryable, func() error {
			return d.send(ctx, sub, event, payload)
		})
		if err != nil && (errors.Is(err, circuitbreaker.ErrOpen) || !retryable(err)) {
			return retry.Permanent(err)
		}
		return err
	})

	result, msg := "ok", ""
	if err != nil {
		result, msg = "error", err.Error()
		d.logger.Warn("webhook delivery failed", "subscription", sub.ID, "event", event.Type,
			"decision_id", event.Decision.ID, "error", err)
	}
	deliveriesTotal.WithLabelValues(string(event.Type), result).Inc()

	if rerr := d.store.RecordDelivery(ctx, sub.ID, d.now().UTC(), msg); rerr != nil && !errors.Is(rerr, ErrNotFound) {
		d.logger.Warn("webhook delivery status not saved", "subscription", sub.ID, "error", rerr)
	}
	return err
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(fmt.Errorf("endpoint rejected: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	ts := strconv.FormatInt(event.Timestamp.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fraudguard-Event", string(event.Type))
	req.Header.Set("X-Fraudguard-Delivery", event.ID)
	req.Header.Set("X-Fraudguard-Timestamp", ts)
	if sub.Secret != "" {
		req.Header.Set("X-Fraudguard-Signature", Sign(ts, payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns hex(HMAC-SHA256(secret, timestamp + "." + payload)).
// Receivers should also reject stale timestamps.
func Sign(timestamp string, payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature in constant time.
func Verify(timestamp string, payload []byte, secret, signature string) bool {
	expected := Sign(timestamp, payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneSub(sub)
	m.subs[sub.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return cloneSub(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, cloneSub(sub))
	}
	sortSubs(result)
	return result, nil
}

func (m *MemoryStore) GetByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, cloneSub(sub))
				break
			}
		}
	}
	sortSubs(result)
	return result, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, at time.Time, deliveryErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if deliveryErr == "" {
		t := at
		sub.LastSuccess = &t
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return nil
	}
	sub.LastError = deliveryErr
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
		sub.Active = false
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func cloneSub(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func sortSubs(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
}
