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

// EnvironmentStore implements workload environment persistence.
type EnvironmentStore struct {
	pool *pgxpool.Pool
}

// NewEnvironmentStore creates an EnvironmentStore backed by the given pool.
func NewEnvironmentStore(pool *pgxpool.Pool) *EnvironmentStore {
	return &EnvironmentStore{pool: pool}
}

const environmentColumns = `id, name, kind, runner_image_ref, service_account,
       resource_requests, resource_limits, active, created_at, updated_at`

func scanEnvironment(row pgx.Row) (domain.Environment, error) {
	var e domain.Environment
	err := row.Scan(&e.ID, &e.Name, &e.Kind, &e.RunnerImageRef, &e.ServiceAccount,
		&e.ResourceRequests, &e.ResourceLimits, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (s *EnvironmentStore) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+environmentColumns+` FROM environments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var result []domain.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		result = append(result, e)
	}
	if result == nil {
		result = []domain.Environment{}
	}
	return result, rows.Err()
}

func (s *EnvironmentStore) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	e, err := scanEnvironment(s.pool.QueryRow(ctx, `SELECT `+environmentColumns+` FROM environments WHERE id = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return &e, nil
}

func (s *EnvironmentStore) GetEnvironmentByName(ctx context.Context, name string) (*domain.Environment, error) {
	e, err := scanEnvironment(s.pool.QueryRow(ctx, `SELECT `+environmentColumns+` FROM environments WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get environment by name: %w", err)
	}
	return &e, nil
}

func (s *EnvironmentStore) CreateEnvironment(ctx context.Context, e *domain.Environment) error {
	if e.Kind == "" {
		e.Kind = domain.EnvironmentKindContainerJob
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO environments (name, kind, runner_image_ref, service_account,
		        resource_requests, resource_limits, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		e.Name, e.Kind, e.RunnerImageRef, e.ServiceAccount,
		e.ResourceRequests, e.ResourceLimits, e.Active,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create environment: %w", err)
	}
	return nil
}

func (s *EnvironmentStore) UpdateEnvironment(ctx context.Context, id string, runnerImageRef, serviceAccount *string, active *bool) (*domain.Environment, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	e, err := scanEnvironment(s.pool.QueryRow(ctx,
		`UPDATE environments SET
		        runner_image_ref = COALESCE($2, runner_image_ref),
		        service_account = COALESCE($3, service_account),
		        active = COALESCE($4, active),
		        updated_at = now()
		 WHERE id = $1
		 RETURNING `+environmentColumns,
		uid, textPtrToNullable(runnerImageRef), textPtrToNullable(serviceAccount), boolPtrToNullable(active)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update environment: %w", err)
	}
	return &e, nil
}
