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

// RunStore persists runs and owns their status transitions. Every transition
// is a conditional update guarded on the current status, so concurrent writers
// can never produce a transition the lifecycle state machine forbids.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore backed by the given pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// RunFilter narrows run list/count queries.
type RunFilter struct {
	ProjectID    string
	RunType      string
	Status       string
	TargetBranch string
	Limit        int
	Offset       int
}

const runColumns = `id, project_id, attractor_def_id, attractor_content_path,
       attractor_content_version, attractor_content_sha256, environment_id,
       environment_snapshot, model_config, run_type, source_branch, target_branch,
       status, spec_bundle_id, linked_issue_ref, linked_pull_request_ref, pr_url,
       started_at, finished_at, error, created_at`

func scanRun(row pgx.Row) (domain.Run, error) {
	var r domain.Run
	err := row.Scan(&r.ID, &r.ProjectID, &r.AttractorDefID, &r.AttractorContentPath,
		&r.AttractorContentVersion, &r.AttractorContentSha256, &r.EnvironmentID,
		&r.EnvironmentSnapshot, &r.ModelConfig, &r.RunType, &r.SourceBranch, &r.TargetBranch,
		&r.Status, &r.SpecBundleID, &r.LinkedIssueRef, &r.LinkedPullRequestRef, &r.PRURL,
		&r.StartedAt, &r.FinishedAt, &r.Error, &r.CreatedAt)
	return r, err
}

// runWhereClause builds the shared WHERE clause and args for run list/count queries.
func runWhereClause(filter RunFilter) (string, []interface{}, int) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argN := 1

	if filter.ProjectID != "" {
		where += fmt.Sprintf(" AND project_id = $%d", argN)
		args = append(args, filter.ProjectID)
		argN++
	}
	if filter.RunType != "" {
		where += fmt.Sprintf(" AND run_type = $%d", argN)
		args = append(args, filter.RunType)
		argN++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.TargetBranch != "" {
		where += fmt.Sprintf(" AND target_branch = $%d", argN)
		args = append(args, filter.TargetBranch)
		argN++
	}
	return where, args, argN
}

func (s *RunStore) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	where, args, argN := runWhereClause(filter)
	query := `SELECT ` + runColumns + ` FROM runs` + where + ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, r)
	}
	if result == nil {
		result = []domain.Run{}
	}
	return result, rows.Err()
}

// CountRuns returns the total count of runs matching the filter (ignoring Limit/Offset).
func (s *RunStore) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	where, args, _ := runWhereClause(filter)

	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, nil
	}

	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// CreateQueued inserts a new run in QUEUED status and appends its RunQueued
// event in the same transaction. The caller enqueues the run id onto the
// dispatch queue only after this commits.
func (s *RunStore) CreateQueued(ctx context.Context, run *domain.Run, queuedPayload any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	run.Status = domain.RunStatusQueued
	err = tx.QueryRow(ctx,
		`INSERT INTO runs (project_id, attractor_def_id, attractor_content_path,
		        attractor_content_version, attractor_content_sha256, environment_id,
		        environment_snapshot, model_config, run_type, source_branch, target_branch,
		        status, spec_bundle_id, linked_issue_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'QUEUED', $12, $13)
		 RETURNING id, created_at`,
		run.ProjectID, run.AttractorDefID, run.AttractorContentPath,
		run.AttractorContentVersion, run.AttractorContentSha256, run.EnvironmentID,
		run.EnvironmentSnapshot, run.ModelConfig, run.RunType, run.SourceBranch,
		run.TargetBranch, run.SpecBundleID, run.LinkedIssueRef,
	).Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := insertEventTx(ctx, tx, run.ID, domain.EventRunQueued, queuedPayload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

// MarkRunning moves a run from QUEUED to RUNNING, stamping started_at and
// appending the RunStarted event atomically. Returns a ConflictError if the
// run is not in QUEUED (already dispatched, canceled, or unknown).
func (s *RunStore) MarkRunning(ctx context.Context, runID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark running: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = 'RUNNING', started_at = now()
		 WHERE id = $1 AND status = 'QUEUED'`, runID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindConflict, "run %s is not QUEUED", runID)
	}

	if _, err := insertEventTx(ctx, tx, runID, domain.EventRunStarted, nil); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Finish moves a run into a terminal status and appends the matching terminal
// event atomically. The conditional update only matches non-terminal statuses
// that the state machine permits, so terminal states are absorbing.
func (s *RunStore) Finish(ctx context.Context, runID uuid.UUID, status domain.RunStatus, errMsg *string, eventType string, payload any) error {
	if !status.Terminal() {
		return domain.E(domain.KindValidation, "status %s is not terminal", status)
	}

	from := []string{string(domain.RunStatusRunning)}
	if status == domain.RunStatusCanceled {
		from = append(from, string(domain.RunStatusQueued))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finish run: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = $2, error = $3, finished_at = now()
		 WHERE id = $1 AND status = ANY($4)`,
		runID, string(status), textPtrToNullable(errMsg), from)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindConflict, "run %s cannot transition to %s", runID, status)
	}

	if _, err := insertEventTx(ctx, tx, runID, eventType, payload); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SetSpecBundle links a produced spec bundle back onto its planning run.
func (s *RunStore) SetSpecBundle(ctx context.Context, runID, bundleID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET spec_bundle_id = $2 WHERE id = $1`, runID, bundleID)
	if err != nil {
		return fmt.Errorf("set spec bundle: %w", err)
	}
	return nil
}

// SetPullRequest records the PR opened for an implementation run.
func (s *RunStore) SetPullRequest(ctx context.Context, runID uuid.UUID, prRef, prURL string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET linked_pull_request_ref = $2, pr_url = $3 WHERE id = $1`,
		runID, prRef, prURL)
	if err != nil {
		return fmt.Errorf("set pull request: %w", err)
	}
	return nil
}

// ActiveImplementationRun returns the QUEUED or RUNNING implementation run for
// the given (project, target branch), or nil when none exists. Enforces the
// branch-lock precondition at create time.
func (s *RunStore) ActiveImplementationRun(ctx context.Context, projectID uuid.UUID, targetBranch string) (*domain.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE project_id = $1 AND target_branch = $2
		   AND run_type = 'implementation' AND status IN ('QUEUED', 'RUNNING')
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, targetBranch))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active implementation run: %w", err)
	}
	return &run, nil
}

// ListStuckRuns returns RUNNING runs whose last activity predates the cutoff.
// The reaper fails these after its watchdog interval; the checkpoint remains
// for manual resubmission.
func (s *RunStore) ListStuckRuns(ctx context.Context, olderThan time.Time) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs r
		 WHERE status = 'RUNNING'
		   AND COALESCE((SELECT max(ts) FROM run_events e WHERE e.run_id = r.id), r.created_at) < $1`,
		olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stuck runs: %w", err)
	}
	defer rows.Close()

	var result []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck run: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// DeleteRunsOlderThan purges terminal runs (and their owned records, via
// cascading deletes) older than the given time. Returns the number deleted.
func (s *RunStore) DeleteRunsOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM runs WHERE created_at < $1 AND status IN ('SUCCEEDED', 'FAILED', 'CANCELED')`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
