package joblog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

// Pruner deletes expired job log rows on a fixed interval.
type Pruner struct {
	store     *Store
	retention time.Duration
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewPruner schedules Prune every interval. Nothing runs until Start.
func NewPruner(store *Store, retention, interval time.Duration, logger *slog.Logger) (*Pruner, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("prune interval must be positive")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	p := &Pruner{store: store, retention: retention, scheduler: s, logger: logger}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(p.RunOnce),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return p, nil
}

func (p *Pruner) Start() {
	p.logger.Info("job log pruner started", "retention", p.retention)
	p.scheduler.Start()
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := p.store.Prune(ctx, p.retention)
	if err != nil {
		p.logger.Error("job log prune failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("job log pruned", "rows", n, "retention", p.retention)
	}
}

func (p *Pruner) Stop() error {
	if err := p.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down gocron: %w", err)
	}
	return nil
}
