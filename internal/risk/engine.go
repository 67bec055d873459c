package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/lists"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/riskconfig"
	"github.com/mbd888/fraudguard/internal/signals"
	"github.com/mbd888/fraudguard/internal/traces"
)

// Pipeline states, used for span names and logs.
const (
	StateRateLimitCheck   = "RATE_LIMIT_CHECK"
	StateListCheck        = "LIST_CHECK"
	StateSignalCollection = "SIGNAL_COLLECTION"
	StateScoring          = "SCORING"
	StateVerdict          = "VERDICT"
	StatePersist          = "PERSIST"
	StateFailed           = "FAILED"
)

// FailureScore is the score of a decision taken on the failure path.
const FailureScore = 50

const persistTimeout = 2 * time.Second

// HardStopShortCircuits makes rate-limit and denylist short-circuits block
// in shadow mode too. Shadow mode only relaxes scored verdicts.
const HardStopShortCircuits = true

// ConfigSource yields the live risk configuration.
type ConfigSource interface {
	Current() *riskconfig.Snapshot
}

// Collector is the part of the signal collector the engine drives.
type Collector interface {
	Velocity(ctx context.Context, in signals.Input) (signals.Velocity, error)
	Collect(ctx context.Context, in signals.Input, v signals.Velocity) (*signals.FraudSignal, error)
	Record(ctx context.Context, in signals.Input, v signals.Velocity, reason string) *signals.FraudSignal
}

// ListChecker is the part of the list service the engine drives.
type ListChecker interface {
	BulkCheck(ctx context.Context, queries []lists.Query) (*lists.BulkResult, error)
}

// Engine runs evaluations. It is safe for concurrent use and holds no
// per-evaluation state.
type Engine struct {
	cfg       ConfigSource
	collector Collector
	lists     ListChecker
	store     Store
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	notifiers []Notifier
}

// NewEngine creates an engine.
func NewEngine(cfg ConfigSource, collector Collector, checker ListChecker, store Store, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		collector: collector,
		lists:     checker,
		store:     store,
		logger:    logging.OrDiscard(logger),
		now:       time.Now,
	}
}

// WithClock overrides time.Now, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// AddNotifier registers a receiver for persisted decisions.
func (e *Engine) AddNotifier(n Notifier) {
	e.mu.Lock()
	e.notifiers = append(e.notifiers, n)
	e.mu.Unlock()
}

// outcome is what the pipeline produced before the verdict is applied.
type outcome struct {
	score   int
	reasons []string
	// gate is set when a gate decided the outcome without scoring.
	gate    string
	signals []*signals.FraudSignal
}

// progress is what the pipeline learned before it stopped. It is written
// by the pipeline goroutine and read after a failure or timeout.
type progress struct {
	vel atomic.Pointer[signals.Velocity]
}

func (p *progress) velocity() signals.Velocity {
	if v := p.vel.Load(); v != nil {
		return *v
	}
	return signals.Velocity{}
}

// Evaluate runs one evaluation. The only error it returns wraps
// ErrInvalidContext; every other failure becomes a persisted decision.
func (e *Engine) Evaluate(ctx context.Context, ec EvaluationContext) (*Result, error) {
	ec = ec.normalize()
	if err := ec.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	snap := e.cfg.Current()

	ctx, span := traces.StartSpan(ctx, "risk.Evaluate",
		traces.SubjectType(ec.SubjectType),
		traces.SubjectID(ec.SubjectID),
		traces.Mode(string(snap.Mode)),
	)
	defer span.End()

	var prog progress
	out, err := e.runWithDeadline(ctx, ec, snap, &prog)
	if err != nil {
		out = e.failed(ctx, ec, prog.velocity(), err)
		traces.RecordError(span, err)
	}

	d := e.decide(ec, snap, out)
	allowed := isAllowed(snap.Mode, d, out.gate)

	elapsed := time.Since(start)
	d.ProcessingMs = elapsed.Milliseconds()

	e.persist(ctx, d)
	e.notify(ctx, d)

	span.SetAttributes(traces.DecisionID(d.ID), traces.Score(d.Score))
	metrics.EvaluationsTotal.WithLabelValues(string(snap.Mode), d.Outcome(), fmt.Sprint(allowed)).Inc()
	metrics.EvaluationDuration.WithLabelValues(string(snap.Mode)).Observe(elapsed.Seconds())
	if out.gate != "" {
		metrics.ShortCircuitsTotal.WithLabelValues(out.gate).Inc()
	}

	logging.L(ctx).Info("risk decision",
		"decision_id", d.ID,
		"subject_type", d.SubjectType,
		"subject_id", d.SubjectID,
		"mode", d.Mode,
		"score", d.Score,
		"outcome", d.Outcome(),
		"allowed", allowed,
		"reasons", d.Reasons,
		"processing_ms", d.ProcessingMs,
	)

	return &Result{
		Allowed:      allowed,
		Decision:     d.Clone(),
		Signals:      out.signals,
		ProcessingMs: d.ProcessingMs,
	}, nil
}

type runResult struct {
	out *outcome
	err error
}

// runWithDeadline runs the pipeline under the configured evaluation
// timeout. A dependency that ignores its context cannot hold the caller
// past the deadline: the pipeline keeps running in the background and its
// side effects stand.
func (e *Engine) runWithDeadline(ctx context.Context, ec EvaluationContext, snap *riskconfig.Snapshot, prog *progress) (*outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, snap.EvaluationTimeout())
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("risk: panic during evaluation: %v", r)}
			}
		}()
		out, err := e.run(ctx, ec, snap, prog)
		done <- runResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context, ec EvaluationContext, snap *riskconfig.Snapshot, prog *progress) (*outcome, error) {
	in := ec.signalInput()

	// RATE_LIMIT_CHECK
	sctx, span := traces.StartSpan(ctx, "risk.state", traces.State(StateRateLimitCheck))
	vel, err := e.collector.Velocity(sctx, in)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("risk: %s: %w", StateRateLimitCheck, err)
	}
	prog.vel.Store(&vel)
	if window, subject, hit := rateLimited(snap, ec, vel); hit {
		logging.L(ctx).Info("rate limit exceeded", "subject", subject, "window", window)
		sig := e.collector.Record(ctx, in, vel, ReasonRateLimitExceeded)
		return &outcome{score: 100, reasons: []string{ReasonRateLimitExceeded}, gate: GateRateLimit, signals: []*signals.FraudSignal{sig}}, nil
	}

	// LIST_CHECK
	sctx, span = traces.StartSpan(ctx, "risk.state", traces.State(StateListCheck))
	hits, err := e.lists.BulkCheck(sctx, ec.listQueries())
	span.End()
	if err != nil {
		return nil, fmt.Errorf("risk: %s: %w", StateListCheck, err)
	}
	if len(hits.Denied) > 0 {
		sig := e.collector.Record(ctx, in, vel, GateDenylist)
		return &outcome{score: 100, reasons: matchReasons("denylist", hits.Denied), gate: GateDenylist, signals: []*signals.FraudSignal{sig}}, nil
	}
	if len(hits.Allowed) > 0 {
		sig := e.collector.Record(ctx, in, vel, GateAllowlist)
		return &outcome{score: 0, reasons: matchReasons("allowlist", hits.Allowed), gate: GateAllowlist, signals: []*signals.FraudSignal{sig}}, nil
	}

	// SIGNAL_COLLECTION
	sctx, span = traces.StartSpan(ctx, "risk.state", traces.State(StateSignalCollection))
	sig, err := e.collector.Collect(sctx, in, vel)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("risk: %s: %w", StateSignalCollection, err)
	}

	// SCORING
	sigs := []*signals.FraudSignal{sig}
	score, reasons := Score(sigs, snap)
	return &outcome{score: score, reasons: reasons, signals: sigs}, nil
}

// rateLimited reports the first cap exceeded by either subject counter.
func rateLimited(snap *riskconfig.Snapshot, ec EvaluationContext, vel signals.Velocity) (window, subject string, hit bool) {
	if ec.UID != "" {
		c := vel.UID
		if w, ok := snap.RateLimit(SubjectUID).Exceeded(c.Minute, c.Hour, c.Day); ok {
			return w, SubjectUID, true
		}
	}
	if vel.IP != nil {
		c := *vel.IP
		if w, ok := snap.RateLimit(SubjectIP).Exceeded(c.Minute, c.Hour, c.Day); ok {
			return w, SubjectIP, true
		}
	}
	return "", "", false
}

func matchReasons(prefix string, matches []lists.Match) []string {
	reasons := make([]string, 0, len(matches))
	for _, m := range matches {
		reasons = append(reasons, prefix+"_"+string(m.Query.Type)+"_"+m.Entry.Value)
	}
	return reasons
}

// failed is the FAILED transition. A signal is recorded so the audit trail
// shows the evaluation even when collection never finished. vel holds the
// counters already incremented, or zero when the rate-limit gate failed.
func (e *Engine) failed(ctx context.Context, ec EvaluationContext, vel signals.Velocity, err error) *outcome {
	reasons := []string{ReasonEvaluationError}
	cause := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		reasons = append(reasons, ReasonEvaluationTimeout)
		cause = "timeout"
	}
	metrics.EvaluationFailuresTotal.WithLabelValues(cause).Inc()
	logging.L(ctx).Error("evaluation failed",
		"state", StateFailed,
		"subject_type", ec.SubjectType,
		"subject_id", ec.SubjectID,
		"error", err,
	)

	sig := e.collector.Record(context.WithoutCancel(ctx), ec.signalInput(), vel, GateFailed)
	return &outcome{score: FailureScore, reasons: reasons, gate: GateFailed, signals: []*signals.FraudSignal{sig}}
}

// decide applies the VERDICT state.
func (e *Engine) decide(ec EvaluationContext, snap *riskconfig.Snapshot, out *outcome) *Decision {
	now := e.now().UTC()
	d := &Decision{
		ID:          idgen.TimeOrdered("dec_", now),
		Mode:        snap.Mode,
		Score:       out.score,
		Shape:       ec.Shape,
		Reasons:     out.reasons,
		SubjectType: ec.SubjectType,
		SubjectID:   ec.SubjectID,
		Kind:        ec.Kind,
		SignalIDs:   make([]string, 0, len(out.signals)),
		CreatedAt:   now,
		ExpiresAt:   now.Add(snap.DecisionRetention()),
	}
	for _, s := range out.signals {
		if s != nil {
			d.SignalIDs = append(d.SignalIDs, s.ID)
		}
	}

	if ec.Shape == ShapeAction {
		at := snap.ActionThresholds
		d.Thresholds = &at
		d.Threshold = at.Deny
		switch out.gate {
		case GateRateLimit, GateDenylist:
			d.Action = ActionDeny
		case GateAllowlist:
			d.Action = ActionAllow
		case GateFailed:
			d.Action = ActionQueueReview
		default:
			d.Action = ActionFor(out.score, at)
		}
		return d
	}

	d.Threshold = snap.Threshold(ec.Kind)
	switch out.gate {
	case GateRateLimit, GateDenylist:
		d.Verdict = VerdictDeny
	case GateAllowlist:
		d.Verdict = VerdictAllow
	case GateFailed:
		d.Verdict = VerdictReview
	default:
		d.Verdict = VerdictFor(out.score, d.Threshold)
	}
	return d
}

// isAllowed applies mode gating. The mode never touches the decision
// itself.
func isAllowed(mode riskconfig.Mode, d *Decision, gate string) bool {
	if HardStopShortCircuits && (gate == GateRateLimit || gate == GateDenylist) {
		return false
	}
	if mode == riskconfig.ModeShadow {
		return true
	}
	if gate == GateFailed {
		return false
	}
	return d.Outcome() == string(VerdictAllow)
}

func (e *Engine) persist(ctx context.Context, d *Decision) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	pctx, span := traces.StartSpan(pctx, "risk.state", traces.State(StatePersist), traces.DecisionID(d.ID))
	defer span.End()

	if err := e.store.Record(pctx, d.Clone()); err != nil {
		traces.RecordError(span, err)
		metrics.DependencyErrorsTotal.WithLabelValues("decision_store").Inc()
		logging.DependencyError(ctx, e.logger, "decision_store", d.SubjectType+":"+d.SubjectID, err)
	}
}

func (e *Engine) notify(ctx context.Context, d *Decision) {
	e.mu.RLock()
	notifiers := e.notifiers
	e.mu.RUnlock()
	for _, n := range notifiers {
		n.NotifyDecision(context.WithoutCancel(ctx), d.Clone())
	}
}
