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

// SpecBundleStore persists spec bundle records produced by planning runs.
type SpecBundleStore struct {
	pool *pgxpool.Pool
}

// NewSpecBundleStore creates a SpecBundleStore backed by the given pool.
func NewSpecBundleStore(pool *pgxpool.Pool) *SpecBundleStore {
	return &SpecBundleStore{pool: pool}
}

func (s *SpecBundleStore) CreateBundle(ctx context.Context, b *domain.SpecBundle) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO spec_bundles (run_id, schema_version, manifest_path)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		b.RunID, b.SchemaVersion, b.ManifestPath).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return fmt.Errorf("create spec bundle: %w", err)
	}
	return nil
}

func (s *SpecBundleStore) GetBundle(ctx context.Context, id string) (*domain.SpecBundle, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	var b domain.SpecBundle
	err = s.pool.QueryRow(ctx,
		`SELECT id, run_id, schema_version, manifest_path, created_at
		 FROM spec_bundles WHERE id = $1`,
		uid).Scan(&b.ID, &b.RunID, &b.SchemaVersion, &b.ManifestPath, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get spec bundle: %w", err)
	}
	return &b, nil
}

// GetBundleForRun returns the bundle produced by a planning run, or nil.
func (s *SpecBundleStore) GetBundleForRun(ctx context.Context, runID uuid.UUID) (*domain.SpecBundle, error) {
	var b domain.SpecBundle
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, schema_version, manifest_path, created_at
		 FROM spec_bundles WHERE run_id = $1
		 ORDER BY created_at DESC LIMIT 1`,
		runID).Scan(&b.ID, &b.RunID, &b.SchemaVersion, &b.ManifestPath, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get spec bundle for run: %w", err)
	}
	return &b, nil
}
