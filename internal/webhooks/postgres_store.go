package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subColumns = `id, name, url, secret, events, min_score, active, created_at,
	last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, name, url, secret, events, min_score, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.Name, sub.URL, sub.Secret, pq.Array(eventStrings(sub.Events)),
		sub.MinScore, sub.Active, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("webhooks: create %s: %w", sub.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSub(p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM webhooks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("webhooks: get %s: %w", id, err)
	}
	return sub, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, `SELECT `+subColumns+` FROM webhooks ORDER BY created_at, id`)
}

func (p *PostgresStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	return p.query(ctx, `
		SELECT `+subColumns+` FROM webhooks
		WHERE active AND events @> ARRAY[$1]::text[]
		ORDER BY created_at, id`, string(eventType))
}

func (p *PostgresStore) RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr string) error {
	var (
		res sql.Result
		err error
	)
	if deliveryErr == "" {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhooks SET last_success = $2, last_error = '', consecutive_failures = 0
			WHERE id = $1`, id, at)
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhooks SET
				last_error = $2,
				consecutive_failures = consecutive_failures + 1,
				active = active AND consecutive_failures + 1 < $3
			WHERE id = $1`, id, deliveryErr, MaxConsecutiveFailures)
	}
	if err != nil {
		return fmt.Errorf("webhooks: record delivery %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("webhooks: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("webhooks: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Subscription, 0)
	for rows.Next() {
		sub, err := scanSub(rows)
		if err != nil {
			return nil, fmt.Errorf("webhooks: scan: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSub(s scanner) (*Subscription, error) {
	var (
		sub         Subscription
		events      pq.StringArray
		lastSuccess sql.NullTime
	)
	if err := s.Scan(&sub.ID, &sub.Name, &sub.URL, &sub.Secret, &events, &sub.MinScore,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &sub.LastError, &sub.ConsecutiveFailures); err != nil {
		return nil, err
	}
	sub.Events = make([]EventType, len(events))
	for i, e := range events {
		sub.Events[i] = EventType(e)
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	return &sub, nil
}

func eventStrings(events []EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}
