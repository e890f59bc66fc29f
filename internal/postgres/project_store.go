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

// ProjectStore implements project persistence backed by Postgres.
type ProjectStore struct {
	pool *pgxpool.Pool
}

// NewProjectStore creates a ProjectStore backed by the given pool.
func NewProjectStore(pool *pgxpool.Pool) *ProjectStore {
	return &ProjectStore{pool: pool}
}

const projectColumns = `id, name, namespace, default_branch, repo_full_name,
       default_environment_id, installation_ref, created_at, updated_at`

func scanProject(row pgx.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Namespace, &p.DefaultBranch, &p.RepoFullName,
		&p.DefaultEnvironmentID, &p.InstallationRef, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *ProjectStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var result []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		result = append(result, p)
	}
	if result == nil {
		result = []domain.Project{}
	}
	return result, rows.Err()
}

func (s *ProjectStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	p, err := scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (s *ProjectStore) GetProjectByNamespace(ctx context.Context, namespace string) (*domain.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE namespace = $1`, namespace))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project by namespace: %w", err)
	}
	return &p, nil
}

// CreateProject inserts a project. The namespace is unique; a collision
// surfaces as domain.ErrAlreadyExists.
func (s *ProjectStore) CreateProject(ctx context.Context, p *domain.Project) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO projects (name, namespace, default_branch, repo_full_name,
		        default_environment_id, installation_ref)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		p.Name, p.Namespace, p.DefaultBranch, p.RepoFullName,
		p.DefaultEnvironmentID, p.InstallationRef,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// UpdateProject patches mutable project fields. The namespace is immutable
// once set and is deliberately not updatable here.
func (s *ProjectStore) UpdateProject(ctx context.Context, id string, name, defaultBranch, repoFullName *string, defaultEnvironmentID *uuid.UUID) (*domain.Project, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	p, err := scanProject(s.pool.QueryRow(ctx,
		`UPDATE projects SET
		        name = COALESCE($2, name),
		        default_branch = COALESCE($3, default_branch),
		        repo_full_name = COALESCE($4, repo_full_name),
		        default_environment_id = COALESCE($5, default_environment_id),
		        updated_at = now()
		 WHERE id = $1
		 RETURNING `+projectColumns,
		uid, name, defaultBranch, repoFullName, defaultEnvironmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update project: %w", err)
	}
	return &p, nil
}

func (s *ProjectStore) DeleteProject(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid project id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, uid)
	return err
}
