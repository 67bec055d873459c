package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fraudguard/internal/botdefense"
	"github.com/mbd888/fraudguard/internal/chargeback"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/velocity"
)

const persistTimeout = 2 * time.Second

// BotVerifier is the part of the bot-defense adapter the collector uses.
type BotVerifier interface {
	Verify(ctx context.Context, req botdefense.Request) *botdefense.Result
}

// Collector gathers evidence from the counter store, chargeback history
// and bot defense.
type Collector struct {
	velocity    velocity.Store
	chargebacks chargeback.Source
	bot         BotVerifier
	store       Store
	logger      *slog.Logger
	now         func() time.Time
}

// NewCollector creates a collector. bot may be nil to skip bot defense.
func NewCollector(vel velocity.Store, cb chargeback.Source, bot BotVerifier, store Store, logger *slog.Logger) *Collector {
	return &Collector{
		velocity:    vel,
		chargebacks: cb,
		bot:         bot,
		store:       store,
		logger:      logging.OrDiscard(logger),
		now:         time.Now,
	}
}

// WithClock overrides time.Now, for tests.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Velocity increments the uid and ip counters concurrently and returns the
// post-increment values. Any counter failure is returned: the rate-limit
// gate must never see a failed read as zero traffic.
func (c *Collector) Velocity(ctx context.Context, in Input) (Velocity, error) {
	var (
		v     Velocity
		ipCnt velocity.Counts
	)
	g, gctx := errgroup.WithContext(ctx)
	if in.UID != "" {
		g.Go(func() error {
			counts, err := c.velocity.IncrementAndGet(gctx, velocity.Subject{Type: velocity.SubjectUID, Value: in.UID})
			if err != nil {
				return fmt.Errorf("signals: uid velocity: %w", err)
			}
			v.UID = counts
			return nil
		})
	}
	if key := in.ipKey(); key != "" {
		g.Go(func() error {
			counts, err := c.velocity.IncrementAndGet(gctx, velocity.Subject{Type: velocity.SubjectIP, Value: key, UAHash: in.UAHash})
			if err != nil {
				return fmt.Errorf("signals: ip velocity: %w", err)
			}
			ipCnt = counts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Velocity{}, err
	}
	if in.ipKey() != "" {
		v.IP = &ipCnt
	}
	return v, nil
}

// Collect runs the chargeback lookup and bot-defense check concurrently,
// builds the signal and persists it. Collaborator failures are absorbed
// and listed in Degraded. The only error returned is the context's.
func (c *Collector) Collect(ctx context.Context, in Input, v Velocity) (*FraudSignal, error) {
	sig := c.newSignal(in, v)

	var (
		cbErr error
		bot   *botdefense.Result
	)
	var g errgroup.Group
	if in.UID != "" && c.chargebacks != nil {
		g.Go(func() error {
			n, err := c.chargebacks.ChargebackCount90d(ctx, in.UID)
			if err != nil {
				cbErr = err
				return nil
			}
			sig.Chargebacks90d = n
			return nil
		})
	}
	if c.bot != nil {
		g.Go(func() error {
			bot = c.bot.Verify(ctx, botdefense.Request{
				UID:               in.UID,
				IP:                in.IP,
				UserAgent:         in.UserAgent,
				AppIntegrityToken: in.AppIntegrityToken,
				ChallengeToken:    in.ChallengeToken,
			})
			return nil
		})
	}
	firstSeen, seen, fsErr := c.store.FirstSeen(ctx, in.SubjectType, in.SubjectID)
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cbErr != nil {
		metrics.DependencyErrorsTotal.WithLabelValues("chargeback").Inc()
		logging.DependencyError(ctx, c.logger, "chargeback", "uid:"+in.UID, cbErr)
		sig.Degraded = append(sig.Degraded, DegradedChargebacks)
	}
	if bot != nil {
		sig.BotDefense = bot
		if bot.Degraded() {
			sig.Degraded = append(sig.Degraded, DegradedBotDefense)
		}
	}
	switch {
	case fsErr != nil:
		metrics.DependencyErrorsTotal.WithLabelValues("signal_store").Inc()
		logging.DependencyError(ctx, c.logger, "signal_store", in.SubjectType+":"+in.SubjectID, fsErr)
		sig.Degraded = append(sig.Degraded, DegradedFirstSeen)
	case seen:
		sig.FirstSeenAt = firstSeen
	}

	c.persist(ctx, sig)
	return sig, nil
}

// Record persists a signal for an evaluation that stopped at a gate. No
// external lookups are made; reason names the gate.
func (c *Collector) Record(ctx context.Context, in Input, v Velocity, reason string) *FraudSignal {
	sig := c.newSignal(in, v)
	sig.ShortCircuit = reason
	c.persist(ctx, sig)
	return sig
}

func (c *Collector) newSignal(in Input, v Velocity) *FraudSignal {
	now := c.now().UTC()
	sig := &FraudSignal{
		ID:          idgen.WithPrefix("sig_"),
		SubjectType: in.SubjectType,
		SubjectID:   in.SubjectID,
		UID:         in.UID,
		IPHash:      in.IPHash,
		DeviceHash:  in.DeviceHash,
		Country:     in.Country,
		EmailDomain: in.EmailDomain,
		BIN:         in.BIN,
		UIDVelocity: v.UID,
		FirstSeenAt: now,
		Degraded:    []string{},
		CreatedAt:   now,
	}
	if v.IP != nil {
		ip := *v.IP
		sig.IPVelocity = &ip
	}
	return sig
}

// persist writes the signal with a context detached from the caller's
// deadline. A failure is logged; the decision record still references the
// signal id.
func (c *Collector) persist(ctx context.Context, sig *FraudSignal) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.store.Record(pctx, sig); err != nil {
		metrics.DependencyErrorsTotal.WithLabelValues("signal_store").Inc()
		logging.DependencyError(ctx, c.logger, "signal_store", sig.SubjectType+":"+sig.SubjectID, err)
	}
}
