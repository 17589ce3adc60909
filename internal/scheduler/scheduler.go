// Package scheduler runs background maintenance for the chatroom client,
// currently the daily chat log retention sweep.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatroom-project/chatroom/internal/config"
)

// Pruner removes chat history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    config.ChatLogConfig
	pruner Pruner
	now    func() time.Time
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg config.ChatLogConfig, pruner Pruner) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		pruner: pruner,
		now:    time.Now,
	}
}

// Start runs the scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled || s.pruner == nil || s.cfg.RetentionDays <= 0 {
		log.Info().Msg("chat log retention disabled")
		return
	}

	log.Info().Msg("scheduler started")
	s.runCleanerLoop(ctx)
	log.Info().Msg("scheduler stopped")
}

// runCleanerLoop prunes the chat log at the configured time each day.
func (s *Scheduler) runCleanerLoop(ctx context.Context) {
	for {
		nextRun := NextRun(s.cfg.CleanupTime, s.now())
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("chat log cleaner scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunCleaner(ctx)
		}
	}
}

// RunCleaner removes entries older than the retention period.
func (s *Scheduler) RunCleaner(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)

	log.Info().
		Int("retention_days", s.cfg.RetentionDays).
		Time("cutoff", cutoff).
		Msg("running chat log cleaner")

	removed, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("chat log cleaner failed")
		return 0, err
	}

	log.Info().Int64("deleted_entries", removed).Msg("chat log cleaner completed")
	return removed, nil
}

// NextRun returns the first HH:MM occurrence strictly after now. Malformed
// times fall back to 04:00.
func NextRun(cleanupTime string, now time.Time) time.Time {
	hour, minute := 4, 0
	parts := strings.Split(cleanupTime, ":")
	if len(parts) == 2 {
		var h, m int
		_, errH := fmt.Sscanf(parts[0], "%d", &h)
		_, errM := fmt.Sscanf(parts[1], "%d", &m)
		if errH == nil && errM == nil && h >= 0 && h < 24 && m >= 0 && m < 60 {
			hour, minute = h, m
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
