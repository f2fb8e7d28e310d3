// Package cron provides the periodic maintenance sweep: stale-task
// recovery, failed-task requeue, and knowledge-cascade redelivery, on a
// standard 5-field cron schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/orchard/lifemap/internal/extraction"
	"github.com/orchard/lifemap/internal/otel"
	"github.com/orchard/lifemap/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the maintenance sweeper.
type Config struct {
	Store      *persistence.Store
	Cascade    *extraction.Cascade
	Metrics    *otel.Metrics
	Spec       string        // cron expression; defaults to every 5 minutes
	MaxRetries int           // dead-letter threshold for requeue
	StaleAfter time.Duration // processing tasks older than this return to pending
	Interval   time.Duration // tick interval; defaults to 30 seconds
}

// Sweeper runs the maintenance sweep whenever its cron schedule comes due.
type Sweeper struct {
	store      *persistence.Store
	cascade    *extraction.Cascade
	metrics    *otel.Metrics
	schedule   cronlib.Schedule
	maxRetries int
	staleAfter time.Duration
	interval   time.Duration

	nextRun time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper creates a Sweeper from the config. An invalid cron spec is an
// error; an empty one means every 5 minutes.
func NewSweeper(cfg Config) (*Sweeper, error) {
	spec := cfg.Spec
	if spec == "" {
		spec = "*/5 * * * *"
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Sweeper{
		store:      cfg.Store,
		cascade:    cfg.Cascade,
		metrics:    cfg.Metrics,
		schedule:   schedule,
		maxRetries: maxRetries,
		staleAfter: staleAfter,
		interval:   interval,
	}, nil
}

// Start begins the sweep loop. The first sweep runs immediately so crash
// leftovers are recovered on boot, not one schedule period later.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.nextRun = s.schedule.Next(time.Now())
	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info("maintenance sweeper started", "next_run", s.nextRun)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("maintenance sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if now.Before(s.nextRun) {
				continue
			}
			s.nextRun = s.schedule.Next(now)
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass. Exported so operators can trigger it
// out of schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, span := otel.StartSpan(ctx, "cron.sweep")
	defer span.End()

	stale, err := s.store.RequeueStale(ctx, s.staleAfter)
	if err != nil {
		slog.Error("sweep: requeue stale tasks", "error", err)
	} else if stale > 0 {
		s.metrics.RecordRequeued(ctx, stale)
		slog.Info("sweep: recovered stale tasks", "count", stale)
	}

	requeued, err := s.store.RequeueFailed(ctx, s.maxRetries)
	if err != nil {
		slog.Error("sweep: requeue failed tasks", "error", err)
	} else if requeued > 0 {
		s.metrics.RecordRequeued(ctx, requeued)
		slog.Info("sweep: requeued failed tasks", "count", requeued)
	}

	dead, err := s.store.ListDeadLetters(ctx, s.maxRetries)
	if err != nil {
		slog.Error("sweep: list dead letters", "error", err)
	} else if len(dead) > 0 {
		s.metrics.RecordDeadLettered(ctx, int64(len(dead)))
		slog.Warn("sweep: dead letters present", "count", len(dead))
	}

	if s.cascade == nil {
		return
	}
	roots, err := s.store.ListUnstampedRoots(ctx)
	if err != nil {
		slog.Error("sweep: list unstamped roots", "error", err)
		return
	}
	for _, root := range roots {
		fired, err := s.cascade.CheckRoot(ctx, root.ID)
		if err != nil {
			slog.Error("sweep: cascade check", "root_area_id", root.ID, "error", err)
			continue
		}
		if fired {
			slog.Info("sweep: re-dispatched root", "root_area_id", root.ID)
		}
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
