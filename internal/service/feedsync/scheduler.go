package feedsync

import (
	"context"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type HoldExpirer interface {
	ExpireHolds(ctx context.Context) ([]domain.BlockedRange, error)
}

// Scheduler drives the periodic feed refresh and the hold expiry sweep.
type Scheduler struct {
	feeds        FeedSyncUseCase
	holds        HoldExpirer
	refreshEvery time.Duration
	sweepEvery   time.Duration
	logger       *zap.Logger
	runOnStart   bool
}

func NewScheduler(feeds FeedSyncUseCase, holds HoldExpirer, refreshEvery, sweepEvery time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		feeds:        feeds,
		holds:        holds,
		refreshEvery: refreshEvery,
		sweepEvery:   sweepEvery,
		logger:       logger,
		runOnStart:   true,
	}
}

// Run blocks until ctx is cancelled. Runs of the same job never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{s.logger.Sugar()}
	chain := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))
	c := cron.New(cron.WithLogger(cl))

	var refresh cron.Job
	if s.feeds != nil && s.refreshEvery > 0 {
		refresh = chain.Then(cron.FuncJob(func() { s.syncDue(ctx) }))
		c.Schedule(cron.Every(s.refreshEvery), refresh)
	}
	if s.holds != nil && s.sweepEvery > 0 {
		c.Schedule(cron.Every(s.sweepEvery), chain.Then(cron.FuncJob(func() { s.expireHolds(ctx) })))
	}

	c.Start()
	s.logger.Info("scheduler started", zap.Duration("refresh_every", s.refreshEvery), zap.Duration("sweep_every", s.sweepEvery))
	if s.runOnStart && refresh != nil {
		go refresh.Run()
	}

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) syncDue(ctx context.Context) {
	results, err := s.feeds.SyncDue(ctx)
	if err != nil {
		s.logger.Error("scheduled feed sync failed", zap.Error(err))
		return
	}
	degraded := 0
	for _, r := range results {
		if r.Status == domain.SyncStatusDegraded {
			degraded++
		}
	}
	if len(results) > 0 {
		s.logger.Info("scheduled feed sync done", zap.Int("properties", len(results)), zap.Int("degraded", degraded))
	}
}

func (s *Scheduler) expireHolds(ctx context.Context) {
	if _, err := s.holds.ExpireHolds(ctx); err != nil {
		s.logger.Error("hold sweep failed", zap.Error(err))
	}
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
