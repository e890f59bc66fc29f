// Package reaper provides the stuck-run watchdog. A run that stops emitting
// events (crashed worker, lost pod, wedged tool call) would otherwise hold its
// RUNNING status and branch lock forever; the reaper sweeps such runs into
// FAILED so the lock is released and the run can be resubmitted from its
// checkpoint. It must only run on the leader replica.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/attractor-dev/attractor/internal/domain"
)

// DefaultInterval is how often the watchdog sweeps.
const DefaultInterval = time.Minute

// DefaultDeadline is how long a RUNNING run may go without any event before
// it is considered stuck. Long tool calls emit per-node and ModelDelta events,
// so a healthy run never approaches this.
const DefaultDeadline = 15 * time.Minute

// RunSource lists candidate stuck runs. Implemented by postgres.RunStore.
type RunSource interface {
	ListStuckRuns(ctx context.Context, olderThan time.Time) ([]domain.Run, error)
}

// Failer finalizes a stuck run. Implemented by lifecycle.Service; Fail
// releases the branch lock and appends the terminal RunFailed event.
type Failer interface {
	Fail(ctx context.Context, run *domain.Run, cause error) error
}

// Reaper periodically fails RUNNING runs with no recent event activity.
type Reaper struct {
	runs      RunSource
	lifecycle Failer
	interval  time.Duration
	deadline  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper. Zero interval or deadline fall back to the defaults.
func New(runs RunSource, lc Failer, interval, deadline time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		runs:      runs,
		lifecycle: lc,
		interval:  interval,
		deadline:  deadline,
		logger:    logger,
	}
}

// Start begins the background watchdog goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Sweep(ctx); n > 0 {
					r.logger.Info("reaper swept stuck runs", "count", n)
				}
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// Sweep fails every RUNNING run whose last event predates the deadline and
// returns how many were failed. Failures on individual runs are logged and
// skipped so one bad row cannot stall the sweep.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-r.deadline)
	stuck, err := r.runs.ListStuckRuns(ctx, cutoff)
	if err != nil {
		r.logger.Error("reaper list stuck runs failed", "error", err)
		return 0
	}

	failed := 0
	for i := range stuck {
		run := stuck[i]
		cause := domain.E(domain.KindExecution,
			"run produced no events for %s and was reaped", r.deadline)
		if err := r.lifecycle.Fail(ctx, &run, cause); err != nil {
			r.logger.Error("reaper fail run failed", "run_id", run.ID, "error", err)
			continue
		}
		r.logger.Warn("stuck run failed by reaper",
			"run_id", run.ID, "project_id", run.ProjectID, "run_type", run.RunType,
			"deadline", fmt.Sprint(r.deadline))
		failed++
	}
	return failed
}
