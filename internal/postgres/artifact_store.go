package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ArtifactStore registers run artifacts. (run_id, key) is unique.
type ArtifactStore struct {
	pool *pgxpool.Pool
}

// NewArtifactStore creates an ArtifactStore backed by the given pool.
func NewArtifactStore(pool *pgxpool.Pool) *ArtifactStore {
	return &ArtifactStore{pool: pool}
}

const artifactColumns = `id, run_id, key, path, content_type, size_bytes, created_at`

func scanArtifact(row pgx.Row) (domain.Artifact, error) {
	var a domain.Artifact
	err := row.Scan(&a.ID, &a.RunID, &a.Key, &a.Path, &a.ContentType, &a.SizeBytes, &a.CreatedAt)
	return a, err
}

// CreateArtifact inserts an artifact row. A duplicate key for the same run
// surfaces as domain.ErrAlreadyExists so callers can unique the key and retry.
func (s *ArtifactStore) CreateArtifact(ctx context.Context, a *domain.Artifact) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO artifacts (run_id, key, path, content_type, size_bytes)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		a.RunID, a.Key, a.Path, a.ContentType, a.SizeBytes).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = $1 ORDER BY created_at, key`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var result []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		result = append(result, a)
	}
	if result == nil {
		result = []domain.Artifact{}
	}
	return result, rows.Err()
}

func (s *ArtifactStore) GetArtifactByKey(ctx context.Context, runID uuid.UUID, key string) (*domain.Artifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = $1 AND key = $2`,
		runID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}
