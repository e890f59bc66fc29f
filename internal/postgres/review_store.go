package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReviewStore persists the single review verdict per run.
type ReviewStore struct {
	pool *pgxpool.Pool
}

// NewReviewStore creates a ReviewStore backed by the given pool.
func NewReviewStore(pool *pgxpool.Pool) *ReviewStore {
	return &ReviewStore{pool: pool}
}

const reviewColumns = `run_id, reviewer, decision, checklist, summary, critical_findings,
       artifact_findings, attestation, reviewed_head_sha, writeback_status, created_at, updated_at`

func scanReview(row pgx.Row) (domain.RunReview, error) {
	var r domain.RunReview
	err := row.Scan(&r.RunID, &r.Reviewer, &r.Decision, &r.Checklist, &r.Summary, &r.CriticalFindings,
		&r.ArtifactFindings, &r.Attestation, &r.ReviewedHeadSha, &r.WritebackStatus, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// UpsertReview records or replaces the review verdict for a run.
func (s *ReviewStore) UpsertReview(ctx context.Context, r *domain.RunReview) error {
	if r.WritebackStatus == "" {
		r.WritebackStatus = "PENDING"
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO run_reviews (run_id, reviewer, decision, checklist, summary,
		        critical_findings, artifact_findings, attestation, reviewed_head_sha, writeback_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id) DO UPDATE SET
		        reviewer = EXCLUDED.reviewer,
		        decision = EXCLUDED.decision,
		        checklist = EXCLUDED.checklist,
		        summary = EXCLUDED.summary,
		        critical_findings = EXCLUDED.critical_findings,
		        artifact_findings = EXCLUDED.artifact_findings,
		        attestation = EXCLUDED.attestation,
		        reviewed_head_sha = EXCLUDED.reviewed_head_sha,
		        writeback_status = EXCLUDED.writeback_status,
		        updated_at = now()
		 RETURNING created_at, updated_at`,
		r.RunID, r.Reviewer, r.Decision, r.Checklist, r.Summary,
		r.CriticalFindings, r.ArtifactFindings, r.Attestation, r.ReviewedHeadSha, r.WritebackStatus,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert review: %w", err)
	}
	return nil
}

func (s *ReviewStore) GetReview(ctx context.Context, runID uuid.UUID) (*domain.RunReview, error) {
	r, err := scanReview(s.pool.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM run_reviews WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get review: %w", err)
	}
	return &r, nil
}

// SetWritebackStatus records the final state of the asynchronous source-control
// writeback (posted, failed, retried).
func (s *ReviewStore) SetWritebackStatus(ctx context.Context, runID uuid.UUID, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE run_reviews SET writeback_status = $2, updated_at = now() WHERE run_id = $1`,
		runID, status)
	if err != nil {
		return fmt.Errorf("set writeback status: %w", err)
	}
	return nil
}
