package velocity

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore keeps counters in the velocity_counters table. The single
// upsert statement is atomic, and concurrent upserts of the same row
// serialize on the row lock.
type PostgresStore struct {
	db   *sql.DB
	opts options
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed counter store.
func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, opts: buildOptions(opts)}
}

// IncrementAndGet implements Store.
func (p *PostgresStore) IncrementAndGet(ctx context.Context, s Subject) (Counts, error) {
	if err := s.Validate(); err != nil {
		return Counts{}, err
	}
	now := p.opts.now().UTC()
	b := BucketsAt(now)

	rows, err := p.db.QueryContext(ctx, `
		INSERT INTO velocity_counters (subject_key, window_name, bucket, count, expires_at)
		VALUES ($1, 'minute', $2, 1, $5),
		       ($1, 'hour',   $3, 1, $6),
		       ($1, 'day',    $4, 1, $7)
		ON CONFLICT (subject_key, window_name, bucket)
		DO UPDATE SET count = velocity_counters.count + 1
		RETURNING window_name, count`,
		s.Key(), b.Minute, b.Hour, b.Day,
		now.Add(MinuteTTL), now.Add(HourTTL), now.Add(DayTTL),
	)
	if err != nil {
		return Counts{}, fmt.Errorf("velocity: increment %s: %w", s.Key(), err)
	}
	return scanCounts(rows, s)
}

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, s Subject) (Counts, error) {
	if err := s.Validate(); err != nil {
		return Counts{}, err
	}
	b := BucketsAt(p.opts.now())
	rows, err := p.db.QueryContext(ctx, `
		SELECT window_name, count FROM velocity_counters
		WHERE subject_key = $1
		  AND ((window_name = 'minute' AND bucket = $2)
		    OR (window_name = 'hour' AND bucket = $3)
		    OR (window_name = 'day' AND bucket = $4))`,
		s.Key(), b.Minute, b.Hour, b.Day,
	)
	if err != nil {
		return Counts{}, fmt.Errorf("velocity: get %s: %w", s.Key(), err)
	}
	return scanCounts(rows, s)
}

// DeleteExpired removes buckets past their retention.
func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM velocity_counters WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("velocity: delete expired: %w", err)
	}
	return res.RowsAffected()
}

func scanCounts(rows *sql.Rows, s Subject) (Counts, error) {
	defer func() { _ = rows.Close() }()
	var c Counts
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return Counts{}, fmt.Errorf("velocity: scan %s: %w", s.Key(), err)
		}
		switch name {
		case "minute":
			c.Minute = n
		case "hour":
			c.Hour = n
		case "day":
			c.Day = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("velocity: rows %s: %w", s.Key(), err)
	}
	return c, nil
}
