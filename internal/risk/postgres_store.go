package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/fraudguard/internal/pagination"
	"github.com/mbd888/fraudguard/internal/riskconfig"
)

// PostgresStore persists decisions in risk_decisions. The table rejects
// updates with a trigger; rows only leave through DeleteExpired.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed decision store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const decisionColumns = `id, mode, score, shape, verdict, action, threshold, thresholds, reasons,
	subject_type, subject_id, kind, signal_ids, processing_ms, created_at, expires_at`

func (p *PostgresStore) Record(ctx context.Context, d *Decision) error {
	var thresholds any
	if d.Thresholds != nil {
		b, err := json.Marshal(d.Thresholds)
		if err != nil {
			return fmt.Errorf("risk: encode thresholds: %w", err)
		}
		thresholds = b
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO risk_decisions (`+decisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, string(d.Mode), d.Score, string(d.Shape), string(d.Verdict), string(d.Action), d.Threshold,
		thresholds, pq.Array(nonNil(d.Reasons)), d.SubjectType, d.SubjectID, d.Kind,
		pq.Array(nonNil(d.SignalIDs)), d.ProcessingMs, d.CreatedAt, d.ExpiresAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("risk: record %s: %w", d.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Decision, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM risk_decisions WHERE id = $1`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("risk: get %s: %w", id, err)
	}
	return d, nil
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subjectType, subjectID string, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+decisionColumns+` FROM risk_decisions
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`,
		subjectType, subjectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("risk: list %s:%s: %w", subjectType, subjectID, err)
	}
	return scanDecisions(rows)
}

func (p *PostgresStore) ListByTimeRange(ctx context.Context, from, to time.Time, cursor *pagination.Cursor, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+decisionColumns+` FROM risk_decisions
			WHERE created_at >= $1 AND created_at < $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3`,
			from, to, limit,
		)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+decisionColumns+` FROM risk_decisions
			WHERE created_at >= $1 AND created_at < $2
			  AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $5`,
			from, to, cursor.CreatedAt, cursor.ID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("risk: list range: %w", err)
	}
	return scanDecisions(rows)
}

func (p *PostgresStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT shape, verdict, action, mode, COUNT(*), COALESCE(SUM(score), 0)
		FROM risk_decisions
		WHERE created_at >= $1
		GROUP BY shape, verdict, action, mode`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("risk: stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	st := newStats(since)
	var sum int64
	for rows.Next() {
		var (
			shape, verdict, action, mode string
			n                            int
			scoreSum                     int64
		)
		if err := rows.Scan(&shape, &verdict, &action, &mode, &n, &scoreSum); err != nil {
			return nil, fmt.Errorf("risk: stats scan: %w", err)
		}
		st.add(Shape(shape), verdict, action, mode, n)
		sum += scoreSum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("risk: stats: %w", err)
	}
	if st.Total > 0 {
		st.AverageScore = float64(sum) / float64(st.Total)
	}
	return st, nil
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM risk_decisions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("risk: delete expired: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecisions(rows *sql.Rows) ([]*Decision, error) {
	defer func() { _ = rows.Close() }()
	out := make([]*Decision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("risk: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDecision(sc scanner) (*Decision, error) {
	var (
		d                            Decision
		mode, shape, verdict, action string
		thresholds                   []byte
		reasons, signalIDs           pq.StringArray
	)
	if err := sc.Scan(&d.ID, &mode, &d.Score, &shape, &verdict, &action, &d.Threshold, &thresholds,
		&reasons, &d.SubjectType, &d.SubjectID, &d.Kind, &signalIDs, &d.ProcessingMs,
		&d.CreatedAt, &d.ExpiresAt); err != nil {
		return nil, err
	}
	d.Mode = riskconfig.Mode(mode)
	d.Shape = Shape(shape)
	d.Verdict = Verdict(verdict)
	d.Action = Action(action)
	if len(thresholds) > 0 {
		var t riskconfig.ActionThresholds
		if err := json.Unmarshal(thresholds, &t); err != nil {
			return nil, err
		}
		d.Thresholds = &t
	}
	d.Reasons = nonNil([]string(reasons))
	d.SignalIDs = nonNil([]string(signalIDs))
	return &d, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
