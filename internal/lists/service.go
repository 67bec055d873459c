package lists

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
)

// Service applies validation, normalization and expiry on top of a Store.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a list service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logging.OrDiscard(logger), now: time.Now}
}

// WithClock overrides time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Add validates and upserts an entry on the given list. AddedAt is set
// here; the returned entry is what was stored.
func (s *Service) Add(ctx context.Context, kind Kind, e Entry) (*Entry, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	now := s.now().UTC()
	e.Value = Normalize(e.Type, e.Value)
	e.AddedAt = now
	if err := e.Validate(now); err != nil {
		metrics.ListOperationsTotal.WithLabelValues(string(kind), "add", "invalid").Inc()
		return nil, err
	}
	if err := s.store.Put(ctx, kind, &e); err != nil {
		metrics.ListOperationsTotal.WithLabelValues(string(kind), "add", "error").Inc()
		return nil, err
	}
	metrics.ListOperationsTotal.WithLabelValues(string(kind), "add", "ok").Inc()
	logging.L(ctx).Info("list entry added", "list", kind, "type", e.Type, "value", e.Value,
		"added_by", e.AddedBy, "expires_at", e.ExpiresAt)
	return &e, nil
}

// AddToDenylist upserts a deny entry.
func (s *Service) AddToDenylist(ctx context.Context, e Entry) (*Entry, error) {
	return s.Add(ctx, KindDeny, e)
}

// AddToAllowlist upserts an allow entry.
func (s *Service) AddToAllowlist(ctx context.Context, e Entry) (*Entry, error) {
	return s.Add(ctx, KindAllow, e)
}

// Remove deletes an entry. Removing an absent entry returns ErrNotFound.
func (s *Service) Remove(ctx context.Context, kind Kind, t EntryType, value string) error {
	if !kind.Valid() {
		return ErrInvalidKind
	}
	if !t.Valid() {
		return ErrInvalidType
	}
	err := s.store.Delete(ctx, kind, t, Normalize(t, value))
	switch {
	case errors.Is(err, ErrNotFound):
		metrics.ListOperationsTotal.WithLabelValues(string(kind), "remove", "not_found").Inc()
	case err != nil:
		metrics.ListOperationsTotal.WithLabelValues(string(kind), "remove", "error").Inc()
	default:
		metrics.ListOperationsTotal.WithLabelValues(string(kind), "remove", "ok").Inc()
		logging.L(ctx).Info("list entry removed", "list", kind, "type", t, "value", value)
	}
	return err
}

// RemoveFromDenylist deletes a deny entry.
func (s *Service) RemoveFromDenylist(ctx context.Context, t EntryType, value string) error {
	return s.Remove(ctx, KindDeny, t, value)
}

// RemoveFromAllowlist deletes an allow entry.
func (s *Service) RemoveFromAllowlist(ctx context.Context, t EntryType, value string) error {
	return s.Remove(ctx, KindAllow, t, value)
}

// IsDenied returns the live deny entry for q, if any.
func (s *Service) IsDenied(ctx context.Context, q Query) (*Entry, bool, error) {
	return s.lookup(ctx, KindDeny, q)
}

// IsAllowed returns the live allow entry for q, if any.
func (s *Service) IsAllowed(ctx context.Context, q Query) (*Entry, bool, error) {
	return s.lookup(ctx, KindAllow, q)
}

// lookup re-checks expiry on every read. An expired hit is reported absent
// and deleted best-effort; a failed delete is left for the sweeper.
func (s *Service) lookup(ctx context.Context, kind Kind, q Query) (*Entry, bool, error) {
	if !q.Type.Valid() {
		return nil, false, ErrInvalidType
	}
	value := Normalize(q.Type, q.Value)
	if value == "" {
		return nil, false, nil
	}
	e, err := s.store.Get(ctx, kind, q.Type, value)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lists: lookup %s %s: %w", kind, q.Type, err)
	}
	if now := s.now(); e.Expired(now) {
		if _, err := s.store.DeleteIfExpired(ctx, kind, q.Type, value, now); err != nil {
			s.logger.Warn("lazy expiry delete failed", "list", kind, "type", q.Type, "error", err)
		}
		return nil, false, nil
	}
	return e, true, nil
}

// BulkCheck looks every query up in both lists concurrently and reports
// all hits. It never stops at the first hit; callers decide precedence.
// Queries with an empty value are skipped.
func (s *Service) BulkCheck(ctx context.Context, queries []Query) (*BulkResult, error) {
	type slot struct {
		entry *Entry
	}
	allowed := make([]slot, len(queries))
	denied := make([]slot, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		if q.Value == "" {
			continue
		}
		g.Go(func() error {
			e, ok, err := s.IsDenied(gctx, q)
			if err != nil {
				return err
			}
			if ok {
				denied[i].entry = e
			}
			return nil
		})
		g.Go(func() error {
			e, ok, err := s.IsAllowed(gctx, q)
			if err != nil {
				return err
			}
			if ok {
				allowed[i].entry = e
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &BulkResult{Allowed: []Match{}, Denied: []Match{}}
	for i, q := range queries {
		if e := denied[i].entry; e != nil {
			res.Denied = append(res.Denied, Match{Query: q, Entry: e})
		}
		if e := allowed[i].entry; e != nil {
			res.Allowed = append(res.Allowed, Match{Query: q, Entry: e})
		}
	}
	return res, nil
}

// List returns live entries of one kind, optionally filtered by type.
func (s *Service) List(ctx context.Context, kind Kind, t EntryType) ([]*Entry, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	if t != "" && !t.Valid() {
		return nil, ErrInvalidType
	}
	entries, err := s.store.List(ctx, kind, t)
	if err != nil {
		return nil, err
	}
	now := s.now()
	live := entries[:0]
	for _, e := range entries {
		if !e.Expired(now) {
			live = append(live, e)
		}
	}
	return live, nil
}

// PurgeExpired deletes every expired entry.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, s.now())
}

// Sweeper periodically purges expired entries so the tables do not grow
// with dead rows that lookups would skip anyway.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewSweeper creates a sweeper. interval defaults to 5 minutes.
func NewSweeper(svc *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{svc: svc, interval: interval, logger: logging.OrDiscard(logger), stop: make(chan struct{})}
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			n, err := w.svc.PurgeExpired(ctx)
			if err != nil {
				w.logger.Warn("list sweep failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("list sweep removed expired entries", "count", n)
			}
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}
