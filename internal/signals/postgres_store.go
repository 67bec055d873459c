package signals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/fraudguard/internal/botdefense"
	"github.com/mbd888/fraudguard/internal/velocity"
)

// PostgresStore persists signals in fraud_signals.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed signal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const signalColumns = `id, subject_type, subject_id, uid, ip_hash, device_hash, country, email_domain, bin,
	uid_velocity, ip_velocity, chargebacks_90d, first_seen_at, bot_defense, degraded, short_circuit, created_at`

func (p *PostgresStore) Record(ctx context.Context, s *FraudSignal) error {
	uidVel, err := json.Marshal(s.UIDVelocity)
	if err != nil {
		return fmt.Errorf("signals: encode uid velocity: %w", err)
	}
	ipVel, err := nullJSON(s.IPVelocity)
	if err != nil {
		return fmt.Errorf("signals: encode ip velocity: %w", err)
	}
	bot, err := nullJSON(s.BotDefense)
	if err != nil {
		return fmt.Errorf("signals: encode bot defense: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		s.ID, s.SubjectType, s.SubjectID, s.UID, s.IPHash, s.DeviceHash, s.Country, s.EmailDomain, s.BIN,
		uidVel, ipVel, s.Chargebacks90d, s.FirstSeenAt, bot, pq.Array(nonNil(s.Degraded)), s.ShortCircuit, s.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("signals: record %s: %w", s.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*FraudSignal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM fraud_signals WHERE id = $1`, id)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("signals: get %s: %w", id, err)
	}
	return s, nil
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subjectType, subjectID string, limit int) ([]*FraudSignal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+signalColumns+` FROM fraud_signals
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`,
		subjectType, subjectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("signals: list %s:%s: %w", subjectType, subjectID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*FraudSignal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("signals: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FirstSeen(ctx context.Context, subjectType, subjectID string) (time.Time, bool, error) {
	var first sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT MIN(first_seen_at) FROM fraud_signals WHERE subject_type = $1 AND subject_id = $2`,
		subjectType, subjectID,
	).Scan(&first)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("signals: first seen %s:%s: %w", subjectType, subjectID, err)
	}
	return first.Time, first.Valid, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(sc scanner) (*FraudSignal, error) {
	var (
		s              FraudSignal
		uidVel         []byte
		ipVel, botJSON []byte
		degraded       pq.StringArray
	)
	if err := sc.Scan(&s.ID, &s.SubjectType, &s.SubjectID, &s.UID, &s.IPHash, &s.DeviceHash, &s.Country,
		&s.EmailDomain, &s.BIN, &uidVel, &ipVel, &s.Chargebacks90d, &s.FirstSeenAt, &botJSON, &degraded,
		&s.ShortCircuit, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(uidVel, &s.UIDVelocity); err != nil {
		return nil, err
	}
	if len(ipVel) > 0 {
		var v velocity.Counts
		if err := json.Unmarshal(ipVel, &v); err != nil {
			return nil, err
		}
		s.IPVelocity = &v
	}
	if len(botJSON) > 0 {
		var b botdefense.Result
		if err := json.Unmarshal(botJSON, &b); err != nil {
			return nil, err
		}
		s.BotDefense = &b
	}
	s.Degraded = nonNil([]string(degraded))
	return &s, nil
}

// nullJSON encodes v, or returns an untyped nil for a nil pointer so the
// column is written as NULL.
func nullJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
