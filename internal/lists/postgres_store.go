package lists

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists entries in list_entries.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed list store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `entry_type, value, reason, added_by, added_at, expires_at, notes`

func (p *PostgresStore) Get(ctx context.Context, kind Kind, t EntryType, value string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM list_entries
		WHERE list_kind = $1 AND entry_type = $2 AND value = $3`,
		string(kind), string(t), value,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lists: get %s/%s: %w", kind, t, err)
	}
	return e, nil
}

func (p *PostgresStore) Put(ctx context.Context, kind Kind, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO list_entries (list_kind, `+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (list_kind, entry_type, value) DO UPDATE SET
			reason     = EXCLUDED.reason,
			added_by   = EXCLUDED.added_by,
			added_at   = EXCLUDED.added_at,
			expires_at = EXCLUDED.expires_at,
			notes      = EXCLUDED.notes`,
		string(kind), string(e.Type), e.Value, e.Reason, e.AddedBy, e.AddedAt,
		nullTime(e.ExpiresAt), e.Notes,
	)
	if err != nil {
		return fmt.Errorf("lists: put %s/%s: %w", kind, e.Type, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, kind Kind, t EntryType, value string) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM list_entries WHERE list_kind = $1 AND entry_type = $2 AND value = $3`,
		string(kind), string(t), value,
	)
	if err != nil {
		return fmt.Errorf("lists: delete %s/%s: %w", kind, t, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lists: delete %s/%s: %w", kind, t, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteIfExpired(ctx context.Context, kind Kind, t EntryType, value string, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM list_entries
		WHERE list_kind = $1 AND entry_type = $2 AND value = $3
		  AND expires_at IS NOT NULL AND expires_at <= $4`,
		string(kind), string(t), value, now,
	)
	if err != nil {
		return false, fmt.Errorf("lists: delete expired %s/%s: %w", kind, t, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lists: delete expired %s/%s: %w", kind, t, err)
	}
	return n > 0, nil
}

func (p *PostgresStore) List(ctx context.Context, kind Kind, t EntryType) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM list_entries
		WHERE list_kind = $1 AND ($2::text = '' OR entry_type = $2::text)
		ORDER BY added_at DESC, value ASC`,
		string(kind), string(t),
	)
	if err != nil {
		return nil, fmt.Errorf("lists: list %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("lists: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM list_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("lists: delete expired: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e       Entry
		typ     string
		expires sql.NullTime
	)
	if err := s.Scan(&typ, &e.Value, &e.Reason, &e.AddedBy, &e.AddedAt, &expires, &e.Notes); err != nil {
		return nil, err
	}
	e.Type = EntryType(typ)
	if expires.Valid {
		t := expires.Time
		e.ExpiresAt = &t
	}
	return &e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
