package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/postgres"
)

// Worker executes one dispatched run to completion and returns the payload
// for its RunCompleted event. A KindCanceled error means the run observed
// its cancel marker; any other error fails the run.
type Worker interface {
	Execute(ctx context.Context, run *domain.Run) (completedPayload any, err error)
}

// Dequeuer is the queue-pop surface of the coordinator. Satisfied by
// *redisq.Queue.
type Dequeuer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, error)
}

// Dispatcher pops run ids off the queue and drives workers. It holds at most
// one uncommitted dequeue; multiple dispatcher instances are safe because a
// popped id is exclusive ownership of that run.
type Dispatcher struct {
	runs      *postgres.RunStore
	lifecycle *Service
	queue     Dequeuer
	worker    Worker
	logger    *slog.Logger

	// PollTimeout bounds each blocking dequeue so shutdown is prompt.
	PollTimeout time.Duration
}

func NewDispatcher(runs *postgres.RunStore, lc *Service, queue Dequeuer, worker Worker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runs:        runs,
		lifecycle:   lc,
		queue:       queue,
		worker:      worker,
		logger:      logger,
		PollTimeout: 5 * time.Second,
	}
}

// Run loops until ctx is done, dispatching one run at a time.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		default:
		}

		runID, err := d.queue.Dequeue(ctx, d.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.logger.Error("dequeue failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if runID == uuid.Nil {
			continue
		}
		d.dispatch(ctx, runID)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, runID uuid.UUID) {
	run, err := d.runs.GetRun(ctx, runID.String())
	if err != nil {
		d.logger.Error("dispatched run lookup failed", "run_id", runID, "error", err)
		return
	}
	if run == nil {
		d.logger.Warn("dispatched run no longer exists", "run_id", runID)
		return
	}
	// A run canceled while queued stays canceled; anything not QUEUED is not
	// ours to start.
	if run.Status != domain.RunStatusQueued {
		d.logger.Info("skipping dispatched run", "run_id", runID, "status", run.Status)
		return
	}

	if err := d.runs.MarkRunning(ctx, run.ID); err != nil {
		// Conflict means another dispatcher or a cancel won the race.
		if !domain.IsKind(err, domain.KindConflict) {
			d.logger.Error("mark running failed", "run_id", run.ID, "error", err)
		}
		return
	}

	d.logger.Info("run dispatched", "run_id", run.ID, "run_type", run.RunType)

	payload, err := d.worker.Execute(ctx, run)
	switch {
	case err == nil:
		if ferr := d.lifecycle.Complete(ctx, run, payload); ferr != nil {
			d.logger.Error("complete transition failed", "run_id", run.ID, "error", ferr)
		}
	case domain.IsKind(err, domain.KindCanceled):
		// The cancel endpoint already moved the run to CANCELED and released
		// its locks; the worker is just reporting that it noticed.
		d.logger.Info("run observed cancellation", "run_id", run.ID)
	default:
		d.logger.Error("run failed", "run_id", run.ID, "error", err)
		if ferr := d.lifecycle.Fail(ctx, run, err); ferr != nil {
			d.logger.Error("fail transition failed", "run_id", run.ID, "error", ferr)
		}
	}
}
