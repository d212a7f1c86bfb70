// Package cron runs the retention sweeper: it aborts review sessions
// that sat unattended past the stale cutoff and purges terminal session
// rows on a cron schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/review"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store   *persistence.Store
	Service *review.Service
	Logger  *slog.Logger

	// Interval is the sweeper tick; defaults to 10 minutes if zero.
	Interval time.Duration
	// StaleAfter aborts open sessions idle longer than this.
	StaleAfter time.Duration
	// PurgeAfter deletes terminal session rows older than this.
	PurgeAfter time.Duration
	// PurgeCron schedules row purges; defaults to daily at 03:00.
	PurgeCron string
}

// Sweeper periodically aborts stale sessions and purges old rows.
type Sweeper struct {
	store   *persistence.Store
	service *review.Service
	logger  *slog.Logger

	interval   time.Duration
	staleAfter time.Duration
	purgeAfter time.Duration
	purgeCron  string
	nextPurge  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with the given config.
func NewSweeper(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	purgeAfter := cfg.PurgeAfter
	if purgeAfter <= 0 {
		purgeAfter = 30 * 24 * time.Hour
	}
	purgeCron := cfg.PurgeCron
	if purgeCron == "" {
		purgeCron = "0 3 * * *"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      cfg.Store,
		service:    cfg.Service,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		purgeAfter: purgeAfter,
		purgeCron:  purgeCron,
	}
}

// Start begins the sweeper loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if next, err := NextRunTime(s.purgeCron, time.Now()); err != nil {
		s.logger.Error("sweeper: invalid purge cron, purges disabled", "cron", s.purgeCron, "error", err)
		s.nextPurge = time.Time{}
	} else {
		s.nextPurge = next
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "interval", s.interval, "stale_after", s.staleAfter)
}

// Stop cancels the sweeper loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	s.sweep(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(ctx, now)
		}
	}
}

// sweep aborts stale sessions, and runs the row purge when its cron
// schedule has come due.
func (s *Sweeper) sweep(ctx context.Context, now time.Time) {
	s.abortStale(ctx, now)

	if s.nextPurge.IsZero() || now.Before(s.nextPurge) {
		return
	}
	s.purge(ctx, now)
	next, err := NextRunTime(s.purgeCron, now)
	if err != nil {
		s.logger.Error("sweeper: failed to compute next purge", "cron", s.purgeCron, "error", err)
		s.nextPurge = time.Time{}
		return
	}
	s.nextPurge = next
}

// abortStale finds open sessions idle past the cutoff and aborts each
// one, releasing its plan for a fresh analysis.
func (s *Sweeper) abortStale(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.staleAfter)
	stale, err := s.store.StaleSessions(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweeper: failed to query stale sessions", "error", err)
		return
	}
	for _, sess := range stale {
		if err := s.service.Abort(ctx, sess.ID); err != nil {
			s.logger.Error("sweeper: failed to abort stale session",
				"session_id", sess.ID,
				"plan_id", sess.PlanID,
				"state", sess.State,
				"error", err,
			)
			continue
		}
		s.logger.Info("sweeper: aborted stale session",
			"session_id", sess.ID,
			"plan_id", sess.PlanID,
			"idle_since", sess.UpdatedAt,
		)
	}
}

func (s *Sweeper) purge(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.purgeAfter)
	purged, err := s.store.PurgeSessions(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweeper: failed to purge sessions", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info("sweeper: purged terminal sessions", "count", purged, "cutoff", cutoff)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
