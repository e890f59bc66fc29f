package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ScheduleStore implements run schedule persistence.
type ScheduleStore struct {
	pool *pgxpool.Pool
}

// NewScheduleStore creates a ScheduleStore backed by the given pool.
func NewScheduleStore(pool *pgxpool.Pool) *ScheduleStore {
	return &ScheduleStore{pool: pool}
}

const scheduleColumns = `id, project_id, attractor_def_id, run_type, source_branch,
       target_branch, cron_expr, enabled, last_run_id, last_run_at, next_run_at,
       created_at, updated_at`

func scanSchedule(row pgx.Row) (domain.RunSchedule, error) {
	var s domain.RunSchedule
	err := row.Scan(&s.ID, &s.ProjectID, &s.AttractorDefID, &s.RunType, &s.SourceBranch,
		&s.TargetBranch, &s.CronExpr, &s.Enabled, &s.LastRunID, &s.LastRunAt, &s.NextRunAt,
		&s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (s *ScheduleStore) ListSchedules(ctx context.Context) ([]domain.RunSchedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM run_schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var result []domain.RunSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		result = append(result, sched)
	}
	if result == nil {
		result = []domain.RunSchedule{}
	}
	return result, rows.Err()
}

func (s *ScheduleStore) GetSchedule(ctx context.Context, id string) (*domain.RunSchedule, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	sched, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM run_schedules WHERE id = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &sched, nil
}

func (s *ScheduleStore) CreateSchedule(ctx context.Context, sched *domain.RunSchedule) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO run_schedules (project_id, attractor_def_id, run_type, source_branch,
		        target_branch, cron_expr, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		sched.ProjectID, sched.AttractorDefID, sched.RunType, sched.SourceBranch,
		sched.TargetBranch, sched.CronExpr, sched.Enabled,
	).Scan(&sched.ID, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) UpdateSchedule(ctx context.Context, id string, cronExpr *string, enabled *bool) (*domain.RunSchedule, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	// A changed expression invalidates the stored next_run_at; clearing it
	// makes the scheduler recompute on its next tick.
	sched, err := scanSchedule(s.pool.QueryRow(ctx,
		`UPDATE run_schedules SET
		        cron_expr = COALESCE($2, cron_expr),
		        enabled = COALESCE($3, enabled),
		        next_run_at = CASE WHEN $2 IS NULL THEN next_run_at ELSE NULL END,
		        updated_at = now()
		 WHERE id = $1
		 RETURNING `+scheduleColumns,
		uid, textPtrToNullable(cronExpr), boolPtrToNullable(enabled)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return &sched, nil
}

// MarkFired records a successful firing and advances the schedule.
func (s *ScheduleStore) MarkFired(ctx context.Context, id, lastRunID uuid.UUID, firedAt, nextRunAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE run_schedules SET last_run_id = $2, last_run_at = $3, next_run_at = $4, updated_at = now()
		 WHERE id = $1`,
		id, lastRunID, firedAt, nextRunAt)
	if err != nil {
		return fmt.Errorf("mark schedule fired: %w", err)
	}
	return nil
}

// SetNextRun stores the next due time without recording a firing. Used for
// the initial evaluation of a schedule and for skipped firings.
func (s *ScheduleStore) SetNextRun(ctx context.Context, id uuid.UUID, nextRunAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE run_schedules SET next_run_at = $2, updated_at = now() WHERE id = $1`,
		id, nextRunAt)
	if err != nil {
		return fmt.Errorf("set schedule next run: %w", err)
	}
	return nil
}

func (s *ScheduleStore) DeleteSchedule(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid schedule id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM run_schedules WHERE id = $1`, uid)
	return err
}
