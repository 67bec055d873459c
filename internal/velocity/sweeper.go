package velocity

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/fraudguard/internal/logging"
)

// Expirer is a store whose old buckets must be deleted explicitly. Redis
// and memory stores expire their own buckets and do not need a sweeper.
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

var _ Expirer = (*PostgresStore)(nil)

// Sweeper periodically deletes counter buckets past their retention.
type Sweeper struct {
	store    Expirer
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	stop     chan struct{}
}

// NewSweeper creates a sweeper. interval defaults to 10 minutes.
func NewSweeper(store Expirer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
		logger:   logging.OrDiscard(logger),
		stop:     make(chan struct{}),
	}
}

// Sweep runs one deletion pass and returns the number of rows removed.
func (w *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := w.store.DeleteExpired(ctx, w.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Info("velocity sweep removed expired buckets", "count", n)
	}
	return n, nil
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
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Warn("velocity sweep failed", "error", err)
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
