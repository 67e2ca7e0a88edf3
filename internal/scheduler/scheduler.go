// Package scheduler implements background task scheduling for fieldlink,
// currently the daily event log retention prune.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/config"
)

// Pruner removes history older than a cutoff.
type Pruner interface {
	Prune(before time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    *config.Config
	pruner Pruner
	clock  clockwork.Clock
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, pruner Pruner, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		cfg:    cfg,
		pruner: pruner,
		clock:  clock,
	}
}

// Start begins running all scheduled tasks and blocks until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.cfg.GetApplicationData().Retention.Enabled && s.pruner != nil {
		go s.runRetentionLoop(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runRetentionLoop prunes the event log once a day at the cleanup time.
func (s *Scheduler) runRetentionLoop(ctx context.Context) {
	for {
		nextRun := s.nextCleanupTime()
		sleepDuration := nextRun.Sub(s.clock.Now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("event log retention scheduled")

		timer := s.clock.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			s.RunRetention()
		}
	}
}

// RunRetention prunes everything older than the configured retention.
func (s *Scheduler) RunRetention() (int64, error) {
	days := s.cfg.GetApplicationData().Retention.RetentionDays
	if days <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	log.Info().
		Int("retention_days", days).
		Time("cutoff", cutoff).
		Msg("running event log retention")

	removed, err := s.pruner.Prune(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("event log retention failed")
		return 0, err
	}
	return removed, nil
}

// nextCleanupTime returns the next wall-clock occurrence of the cleanup
// time, in the clock's local zone.
func (s *Scheduler) nextCleanupTime() time.Time {
	cleanupTime := s.cfg.GetApplicationData().Retention.CleanupTime
	parts := strings.Split(cleanupTime, ":")

	hour, minute := 4, 0
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	now := s.clock.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
