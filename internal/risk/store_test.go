package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/pagination"
	"github.com/mbd888/fraudguard/internal/riskconfig"
	"github.com/mbd888/fraudguard/internal/testutil"
)

func decisionStores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"postgres": func(t *testing.T) Store {
			db, cleanup := testutil.PGTest(t)
			t.Cleanup(cleanup)
			return NewPostgresStore(db)
		},
	}
}

func decisionFixture(id, subjectID string, at time.Time, score int) *Decision {
	return &Decision{
		ID:          id,
		Mode:        riskconfig.ModeShadow,
		Score:       score,
		Verdict:     VerdictFor(score, 70),
		Shape:       ShapeVerdict,
		Threshold:   70,
		Reasons:     []string{ReasonChargebacks},
		SubjectType: SubjectUID,
		SubjectID:   subjectID,
		Kind:        riskconfig.DefaultKind,
		SignalIDs:   []string{"sig_" + id},
		CreatedAt:   at,
		ExpiresAt:   at.Add(90 * 24 * time.Hour),
	}
}

func TestDecisionStore_Contract(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for name, newStore := range decisionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("record and get", func(t *testing.T) {
				s := newStore(t)
				d := decisionFixture("dec_1", "u1", base, 40)
				d.Shape = ShapeAction
				d.Verdict = ""
				d.Action = ActionChallenge
				d.Thresholds = &riskconfig.ActionThresholds{Allow: 30, Challenge: 60, Deny: 80}
				require.NoError(t, s.Record(ctx, d))

				got, err := s.Get(ctx, "dec_1")
				require.NoError(t, err)
				assert.Equal(t, ActionChallenge, got.Action)
				assert.Equal(t, d.Reasons, got.Reasons)
				assert.Equal(t, d.SignalIDs, got.SignalIDs)
				require.NotNil(t, got.Thresholds)
				assert.Equal(t, 80, got.Thresholds.Deny)
				assert.True(t, got.CreatedAt.Equal(base))
			})

			t.Run("duplicate id rejected", func(t *testing.T) {
				s := newStore(t)
				d := decisionFixture("dec_dup", "u1", base, 10)
				require.NoError(t, s.Record(ctx, d))
				assert.ErrorIs(t, s.Record(ctx, d), ErrDuplicate)
			})

			t.Run("not found", func(t *testing.T) {
				s := newStore(t)
				_, err := s.Get(ctx, "dec_missing")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("list by subject newest first", func(t *testing.T) {
				s := newStore(t)
				for i := 0; i < 4; i++ {
					require.NoError(t, s.Record(ctx, decisionFixture(fmt.Sprintf("dec_a%d", i), "u1", base.Add(time.Duration(i)*time.Minute), 10)))
				}
				require.NoError(t, s.Record(ctx, decisionFixture("dec_other", "u2", base, 10)))

				got, err := s.ListBySubject(ctx, SubjectUID, "u1", 3)
				require.NoError(t, err)
				require.Len(t, got, 3)
				assert.Equal(t, "dec_a3", got[0].ID)
				assert.Equal(t, "dec_a1", got[2].ID)
			})

			t.Run("time range pages with cursor", func(t *testing.T) {
				s := newStore(t)
				for i := 0; i < 5; i++ {
					require.NoError(t, s.Record(ctx, decisionFixture(fmt.Sprintf("dec_t%d", i), "u1", base.Add(time.Duration(i)*time.Minute), 10)))
				}
				// Same instant as dec_t2; id breaks the tie.
				require.NoError(t, s.Record(ctx, decisionFixture("dec_t2b", "u1", base.Add(2*time.Minute), 10)))

				from, to := base, base.Add(4*time.Minute)
				first, err := s.ListByTimeRange(ctx, from, to, nil, 2)
				require.NoError(t, err)
				require.Len(t, first, 2)
				assert.Equal(t, "dec_t3", first[0].ID)
				assert.Equal(t, "dec_t2b", first[1].ID)

				cur := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
				second, err := s.ListByTimeRange(ctx, from, to, cur, 10)
				require.NoError(t, err)
				ids := make([]string, 0, len(second))
				for _, d := range second {
					ids = append(ids, d.ID)
				}
				assert.Equal(t, []string{"dec_t2", "dec_t1", "dec_t0"}, ids)
			})

			t.Run("stats", func(t *testing.T) {
				s := newStore(t)
				require.NoError(t, s.Record(ctx, decisionFixture("dec_s1", "u1", base, 10)))
				require.NoError(t, s.Record(ctx, decisionFixture("dec_s2", "u1", base.Add(time.Minute), 90)))
				old := decisionFixture("dec_s0", "u1", base.Add(-2*time.Hour), 50)
				require.NoError(t, s.Record(ctx, old))
				act := decisionFixture("dec_s3", "u1", base.Add(2*time.Minute), 50)
				act.Shape, act.Verdict, act.Action = ShapeAction, "", ActionQueueReview
				act.Mode = riskconfig.ModeEnforce
				require.NoError(t, s.Record(ctx, act))

				st, err := s.Stats(ctx, base.Add(-time.Hour))
				require.NoError(t, err)
				assert.Equal(t, 3, st.Total)
				assert.Equal(t, 1, st.ByVerdict[string(VerdictAllow)])
				assert.Equal(t, 1, st.ByVerdict[string(VerdictDeny)])
				assert.Equal(t, 1, st.ByAction[string(ActionQueueReview)])
				assert.Equal(t, 2, st.ByMode[string(riskconfig.ModeShadow)])
				assert.Equal(t, 1, st.ByMode[string(riskconfig.ModeEnforce)])
				assert.InDelta(t, 50.0, st.AverageScore, 0.001)
			})

			t.Run("delete expired", func(t *testing.T) {
				s := newStore(t)
				d := decisionFixture("dec_old", "u1", base, 10)
				d.ExpiresAt = base.Add(time.Hour)
				require.NoError(t, s.Record(ctx, d))
				require.NoError(t, s.Record(ctx, decisionFixture("dec_new", "u1", base, 10)))

				n, err := s.DeleteExpired(ctx, base.Add(2*time.Hour))
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)

				_, err = s.Get(ctx, "dec_old")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = s.Get(ctx, "dec_new")
				assert.NoError(t, err)

				n, err = s.DeleteExpired(ctx, base.Add(2*time.Hour))
				require.NoError(t, err)
				assert.Zero(t, n)
			})
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	d := decisionFixture("dec_c", "u1", time.Now(), 10)
	require.NoError(t, s.Record(ctx, d))

	d.Reasons[0] = "changed"
	got, err := s.Get(ctx, "dec_c")
	require.NoError(t, err)
	assert.Equal(t, ReasonChargebacks, got.Reasons[0])
}

func TestRetentionSweeper_Sweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	expired := decisionFixture("dec_exp", "u1", now.Add(-91*24*time.Hour), 10)
	require.NoError(t, s.Record(ctx, expired))
	require.NoError(t, s.Record(ctx, decisionFixture("dec_live", "u1", now.Add(-time.Hour), 10)))

	sw := NewRetentionSweeper(s, time.Minute, nil)
	sw.now = func() time.Time { return now }

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, sw.Running())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		sw.Start(runCtx)
		close(done)
	}()
	assert.Eventually(t, sw.Running, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.False(t, sw.Running())
}
