package chargeback

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresSource counts rows in the chargebacks table, which the payments
// ledger populates.
type PostgresSource struct {
	db  *sql.DB
	now func() time.Time
}

var _ Source = (*PostgresSource)(nil)

// NewPostgresSource creates a Postgres-backed source.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db, now: time.Now}
}

// WithClock overrides time.Now, for tests.
func (p *PostgresSource) WithClock(now func() time.Time) *PostgresSource {
	p.now = now
	return p
}

// ChargebackCount90d implements Source.
func (p *PostgresSource) ChargebackCount90d(ctx context.Context, uid string) (int, error) {
	if uid == "" {
		return 0, ErrEmptyUID
	}
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chargebacks WHERE uid = $1 AND disputed_at >= $2`,
		uid, p.now().Add(-Window),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chargeback: count for %s: %w", uid, err)
	}
	return n, nil
}

// Record inserts a chargeback. Re-recording the same id is a no-op, so
// ledger replays are safe.
func (p *PostgresSource) Record(ctx context.Context, cb Chargeback) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chargebacks (id, uid, amount_cents, reason, disputed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		cb.ID, cb.UID, cb.AmountCents, cb.Reason, cb.DisputedAt,
	)
	if err != nil {
		return fmt.Errorf("chargeback: record %s: %w", cb.ID, err)
	}
	return nil
}
