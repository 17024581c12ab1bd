package storybridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultPurgeCron runs the purge daily at 03:00.
const DefaultPurgeCron = "0 3 * * *"

// Janitor purges cached entries older than a retention window on a cron
// schedule.
type Janitor struct {
	store  *Store
	cron   string
	days   int
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewJanitor validates the cron expression.
func NewJanitor(store *Store, cron string, days int, logger *slog.Logger) (*Janitor, error) {
	if cron == "" {
		cron = DefaultPurgeCron
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("janitor: invalid cron expression %q", cron)
	}
	if days < 1 {
		return nil, fmt.Errorf("janitor: retention days must be positive, got %d", days)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: store, cron: cron, days: days, logger: logger}, nil
}

// Next returns the first scheduled run after t.
func (j *Janitor) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.cron, t, false)
}

// Run blocks, purging on every tick, until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("janitor_enabled", "cron", j.cron, "days", j.days)
	for {
		next, err := j.Next(time.Now())
		if err != nil {
			j.logger.Error("janitor_nexttick_failed", "cron", j.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			j.RunOnce(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// RunOnce purges immediately unless a purge is already running.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return 0, nil
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	n, err := j.store.PurgeOlderThan(ctx, j.days)
	if err != nil {
		j.logger.Error("janitor_run_error", "error", err)
		return n, err
	}
	j.logger.Info("janitor_run_complete", "purged", n)
	return n, nil
}
