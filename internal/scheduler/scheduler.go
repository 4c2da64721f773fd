// Package scheduler runs the periodic history jobs
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/config"
	"github.com/trogers1052/portfolio-valuation/internal/logging"
	"github.com/trogers1052/portfolio-valuation/internal/models"
	"github.com/trogers1052/portfolio-valuation/internal/valuation"
)

// Backfiller refreshes recent history for one ticker
type Backfiller interface {
	BackfillRecent(ctx context.Context, ticker string, days int) (valuation.BackfillResult, error)
}

// Store prunes old history and lists the tracked tickers
type Store interface {
	DeleteHistoryOlderThan(ctx context.Context, date time.Time) (int64, error)
	TrackedTickers(ctx context.Context) ([]string, error)
}

// Scheduler manages all cron tasks
type Scheduler struct {
	Cron       *cron.Cron
	backfiller Backfiller
	store      Store
	cfg        config.SchedulerConfig
	clock      clock.Clock
	logger     *logging.Logger
	ctx        context.Context
}

// NewScheduler creates a new Scheduler. Jobs run with ctx
func NewScheduler(ctx context.Context, cfg config.SchedulerConfig, backfiller Backfiller, store Store, c clock.Clock, logger *logging.Logger) *Scheduler {
	if c == nil {
		c = clock.Real{}
	}
	return &Scheduler{
		Cron:       cron.New(cron.WithSeconds()),
		backfiller: backfiller,
		store:      store,
		cfg:        cfg,
		clock:      c,
		logger:     logging.OrSilent(logger),
		ctx:        ctx,
	}
}

// RegisterAll registers the backfill and retention tasks. An empty spec
// leaves that task unscheduled
func (s *Scheduler) RegisterAll() error {
	if s.cfg.BackfillSpec != "" {
		if _, err := s.Cron.AddFunc(s.cfg.BackfillSpec, s.RunBackfillNow); err != nil {
			return fmt.Errorf("register backfill task: %w", err)
		}
	}
	if s.cfg.RetentionSpec != "" && s.cfg.RetentionDays > 0 {
		if _, err := s.Cron.AddFunc(s.cfg.RetentionSpec, s.RunRetentionNow); err != nil {
			return fmt.Errorf("register retention task: %w", err)
		}
	}
	return nil
}

// Start starts the cron scheduler
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.logger.Info().Int("jobs", len(s.Cron.Entries())).Msg("scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// symbols merges the configured symbols with the tracked ones, configured
// first, without duplicates
func (s *Scheduler) symbols() []string {
	out := make([]string, 0, len(s.cfg.Symbols))
	seen := make(map[models.Ticker]bool)
	add := func(sym string) {
		t, err := models.ParseTicker(sym)
		if err != nil || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, string(t))
	}
	for _, sym := range s.cfg.Symbols {
		add(sym)
	}
	tracked, err := s.store.TrackedTickers(s.ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load tracked symbols, using configured symbols only")
	}
	for _, sym := range tracked {
		add(sym)
	}
	return out
}

// RunBackfillNow backfills every configured and tracked symbol. One symbol
// failing does not stop the rest
func (s *Scheduler) RunBackfillNow() {
	days := s.cfg.BackfillDays
	if days <= 0 {
		days = 7
	}
	symbols := s.symbols()
	failed := 0
	for _, sym := range symbols {
		if s.ctx.Err() != nil {
			return
		}
		if _, err := s.backfiller.BackfillRecent(s.ctx, sym, days); err != nil {
			failed++
			s.logger.Error().Str("ticker", sym).Err(err).Msg("scheduled backfill failed")
		}
	}
	s.logger.Info().
		Int("symbols", len(symbols)).
		Int("failed", failed).
		Msg("scheduled backfill complete")
}

// RunRetentionNow deletes history older than the retention window
func (s *Scheduler) RunRetentionNow() {
	cutoff := models.DateOnly(s.clock.Now()).AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := s.store.DeleteHistoryOlderThan(s.ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("history retention failed")
		return
	}
	s.logger.Info().
		Str("cutoff", cutoff.Format(time.DateOnly)).
		Int64("deleted", deleted).
		Msg("history retention complete")
}
