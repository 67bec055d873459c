package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudguard/internal/logging"
)

// RetentionSweeper deletes decisions past their expiresAt.
type RetentionSweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewRetentionSweeper creates a sweeper. interval defaults to one hour.
func NewRetentionSweeper(store Store, interval time.Duration, logger *slog.Logger) *RetentionSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{
		store:    store,
		interval: interval,
		logger:   logging.OrDiscard(logger),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *RetentionSweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *RetentionSweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *RetentionSweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *RetentionSweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in decision retention sweep", "panic", fmt.Sprint(r))
		}
	}()
	_, _ = s.Sweep(ctx)
}

// Sweep runs one deletion pass.
func (s *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		s.logger.Warn("decision retention sweep failed", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Info("decision retention sweep removed decisions", "count", n)
	}
	return n, nil
}
