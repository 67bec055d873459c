//go:build integration

package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/botdefense"
	"github.com/mbd888/fraudguard/internal/chargeback"
	"github.com/mbd888/fraudguard/internal/lists"
	"github.com/mbd888/fraudguard/internal/riskconfig"
	"github.com/mbd888/fraudguard/internal/signals"
	"github.com/mbd888/fraudguard/internal/testutil"
	"github.com/mbd888/fraudguard/internal/velocity"
)

// TestEngine_Postgres runs the pipeline with every store on a real
// Postgres, so the migrations, queries and engine agree end to end.
func TestEngine_Postgres(t *testing.T) {
	db, cleanup := testutil.PGContainer(t)
	defer cleanup()

	ctx := context.Background()
	clock := func() time.Time { return engineNow }

	snap := testSnapshot(t, func(s *riskconfig.Snapshot) { s.EvaluationTimeoutMs = 5000 })
	provider := riskconfig.NewProvider(snap)

	listSvc := lists.NewService(lists.NewPostgresStore(db), nil).WithClock(clock)
	cbs := chargeback.NewPostgresSource(db).WithClock(clock)
	sigStore := signals.NewPostgresStore(db)
	decisions := NewPostgresStore(db)
	bot := &stubBot{result: botdefense.Result{IsHuman: true, Confidence: 60, Reasons: []string{}}}

	collector := signals.NewCollector(velocity.NewPostgresStore(db, velocity.WithClock(clock)), cbs, bot, sigStore, nil).WithClock(clock)
	engine := NewEngine(provider, collector, listSvc, decisions, nil).WithClock(clock)

	t.Run("scored decision round-trips", func(t *testing.T) {
		for i := 0; i < 7; i++ {
			require.NoError(t, cbs.Record(ctx, chargeback.Chargeback{
				ID:         fmt.Sprintf("dp_%d", i),
				UID:        "u-pg-risky",
				Reason:     "fraudulent",
				DisputedAt: engineNow.Add(-time.Duration(i+1) * time.Hour),
			}))
		}
		ec := uidContext("u-pg-risky")
		ec.Country = "IR"
		ec.EmailDomain = "mailinator.com"

		res, err := engine.Evaluate(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, 85, res.Decision.Score)
		assert.True(t, res.Allowed, "shadow mode")

		stored, err := decisions.Get(ctx, res.Decision.ID)
		require.NoError(t, err)
		assert.Equal(t, res.Decision.Reasons, stored.Reasons)
		assert.Equal(t, res.Decision.SignalIDs, stored.SignalIDs)

		require.Len(t, res.Decision.SignalIDs, 1)
		sig, err := sigStore.Get(ctx, res.Decision.SignalIDs[0])
		require.NoError(t, err)
		assert.Equal(t, 7, sig.Chargebacks90d)
		assert.Equal(t, "IR", sig.Country)
	})

	t.Run("denylist short-circuits", func(t *testing.T) {
		_, err := listSvc.AddToDenylist(ctx, lists.Entry{Type: lists.TypeUID, Value: "u-pg-banned", Reason: "chargeback ring", AddedBy: "analyst"})
		require.NoError(t, err)

		res, err := engine.Evaluate(ctx, uidContext("u-pg-banned"))
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, []string{"denylist_uid_u-pg-banned"}, res.Decision.Reasons)
	})

	t.Run("rate limit over shared counters", func(t *testing.T) {
		var last *Result
		for i := 0; i < 16; i++ {
			res, err := engine.Evaluate(ctx, uidContext("u-pg-burst"))
			require.NoError(t, err)
			last = res
		}
		assert.Equal(t, []string{ReasonRateLimitExceeded}, last.Decision.Reasons)
		assert.Equal(t, int64(16), last.Signals[0].UIDVelocity.Minute)
	})

	t.Run("stats and history", func(t *testing.T) {
		stats, err := decisions.Stats(ctx, engineNow.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 18, stats.Total)
		assert.Equal(t, 18, stats.ByMode["shadow"])

		history, err := decisions.ListBySubject(ctx, SubjectUID, "u-pg-burst", 5)
		require.NoError(t, err)
		assert.Len(t, history, 5)
	})
}
