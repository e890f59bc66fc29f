// Package scheduler evaluates cron run schedules and fires runs through the
// lifecycle controller. It runs as a background goroutine inside attractord,
// on the leader replica only, checking enabled schedules at a configurable
// interval (default 30s).
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/lifecycle"
)

// DefaultInterval is the schedule evaluation cadence.
const DefaultInterval = 30 * time.Second

// parser accepts standard five-field cron expressions (minute granularity).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseExpr validates a cron expression against the scheduler's five-field
// format. Used by the API at schedule create/update time so bad expressions
// are rejected up front instead of logged on every tick.
func ParseExpr(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// ScheduleSource is the persistence surface the scheduler needs. Implemented
// by postgres.ScheduleStore.
type ScheduleSource interface {
	ListSchedules(ctx context.Context) ([]domain.RunSchedule, error)
	MarkFired(ctx context.Context, id, lastRunID uuid.UUID, firedAt, nextRunAt time.Time) error
	SetNextRun(ctx context.Context, id uuid.UUID, nextRunAt time.Time) error
}

// RunCreator fires a run with full precondition checking. Implemented by
// lifecycle.Service.
type RunCreator interface {
	CreateRun(ctx context.Context, in lifecycle.CreateRunInput) (*domain.Run, error)
}

// Scheduler checks enabled schedules and fires runs when they are due.
type Scheduler struct {
	schedules ScheduleSource
	lifecycle RunCreator
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. Zero interval falls back to DefaultInterval.
func New(schedules ScheduleSource, lc RunCreator, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedules: schedules,
		lifecycle: lc,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins the background scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// Tick evaluates every enabled schedule once and fires the due ones.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("scheduler list failed", "error", err)
		return
	}

	now := time.Now()

	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}

		cronSched, err := parser.Parse(sched.CronExpr)
		if err != nil {
			s.logger.Warn("invalid cron expression, schedule skipped",
				"schedule_id", sched.ID, "cron", sched.CronExpr, "error", err)
			continue
		}

		// First evaluation: anchor next_run_at without firing, so a newly
		// created schedule never fires retroactively.
		if sched.NextRunAt == nil {
			if err := s.schedules.SetNextRun(ctx, sched.ID, cronSched.Next(now)); err != nil {
				s.logger.Error("failed to set initial next_run_at", "schedule_id", sched.ID, "error", err)
			}
			continue
		}

		if sched.NextRunAt.After(now) {
			continue
		}

		run, err := s.lifecycle.CreateRun(ctx, lifecycle.CreateRunInput{
			ProjectID:      sched.ProjectID,
			AttractorDefID: sched.AttractorDefID,
			RunType:        string(sched.RunType),
			SourceBranch:   sched.SourceBranch,
			TargetBranch:   sched.TargetBranch,
		})
		if err != nil {
			if errors.Is(err, domain.ErrBranchBusy) {
				// Target branch busy: leave next_run_at in place so the
				// firing retries next tick, once at most.
				s.logger.Warn("schedule due but branch busy, will retry",
					"schedule_id", sched.ID, "error", err)
				continue
			}
			// Anything else (inactive def, missing secret, bad model
			// config) will not resolve by retrying every tick. Skip this
			// firing and advance.
			s.logger.Error("scheduled run creation failed, firing skipped",
				"schedule_id", sched.ID, "error", err)
			if serr := s.schedules.SetNextRun(ctx, sched.ID, cronSched.Next(now)); serr != nil {
				s.logger.Error("failed to advance schedule", "schedule_id", sched.ID, "error", serr)
			}
			continue
		}

		// Advance from now, not from the missed slot: a schedule that was
		// overdue catches up once instead of firing for every missed slot.
		nextRun := cronSched.Next(now)
		if err := s.schedules.MarkFired(ctx, sched.ID, run.ID, now, nextRun); err != nil {
			s.logger.Error("failed to record schedule firing", "schedule_id", sched.ID, "error", err)
		}

		s.logger.Info("schedule fired",
			"schedule_id", sched.ID, "run_id", run.ID, "next_run_at", nextRun)
	}
}
