package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"greenhouse/internal/actionqueue"
	"greenhouse/internal/rules"
)

// Scheduler drives the periodic work: the fixed-interval rule
// evaluation pass, the queue's retry pump, and the expired-lease
// reclaimer.
type Scheduler struct {
	cron   *cron.Cron
	engine *rules.Engine
	queue  *actionqueue.Queue
	logger *zap.Logger
}

// NewScheduler creates the scheduler.
func NewScheduler(engine *rules.Engine, queue *actionqueue.Queue, logger *zap.Logger) *Scheduler {
	return &Scheduler{cron: cron.New(), engine: engine, queue: queue, logger: logger}
}

// Start registers the periodic jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context, evalInterval, indexRefresh time.Duration) error {
	every := func(d time.Duration) string {
		return fmt.Sprintf("@every %s", d)
	}

	if _, err := s.cron.AddFunc(every(evalInterval), func() {
		s.engine.EvaluateAll(ctx)
	}); err != nil {
		return fmt.Errorf("schedule evaluation pass: %w", err)
	}

	// Rules created or re-targeted after startup enter the low-latency
	// event path on the next refresh, not on the next restart.
	if _, err := s.cron.AddFunc(every(indexRefresh), func() {
		if err := s.engine.RefreshIndex(ctx); err != nil {
			s.logger.Error("sensor index refresh failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule index refresh: %w", err)
	}

	if _, err := s.cron.AddFunc("@every 1s", func() {
		if moved, err := s.queue.PumpRetries(ctx); err != nil {
			s.logger.Error("retry pump failed", zap.Error(err))
		} else if moved > 0 {
			s.logger.Debug("retries requeued", zap.Int("count", moved))
		}
	}); err != nil {
		return fmt.Errorf("schedule retry pump: %w", err)
	}

	if _, err := s.cron.AddFunc("@every 10s", func() {
		if reclaimed, err := s.queue.Reclaim(ctx); err != nil {
			s.logger.Error("lease reclaim failed", zap.Error(err))
		} else if reclaimed > 0 {
			s.logger.Warn("expired leases reclaimed", zap.Int("count", reclaimed))
		}
	}); err != nil {
		return fmt.Errorf("schedule lease reclaim: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Duration("eval_interval", evalInterval))
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}
