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

// AttractorStore persists graph definitions (project-scoped and global) and
// their append-only content versions.
type AttractorStore struct {
	pool *pgxpool.Pool
}

// NewAttractorStore creates an AttractorStore backed by the given pool.
func NewAttractorStore(pool *pgxpool.Pool) *AttractorStore {
	return &AttractorStore{pool: pool}
}

const attractorDefColumns = `id, project_id, scope, name, content_path, content_version,
       default_run_type, model_config, active, description, created_at, updated_at`

const globalAttractorColumns = `id, name, content_path, content_version,
       default_run_type, model_config, description, active, created_at, updated_at`

func scanAttractorDef(row pgx.Row) (domain.AttractorDef, error) {
	var d domain.AttractorDef
	err := row.Scan(&d.ID, &d.ProjectID, &d.Scope, &d.Name, &d.ContentPath, &d.ContentVersion,
		&d.DefaultRunType, &d.ModelConfig, &d.Active, &d.Description, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func scanGlobalAttractor(row pgx.Row) (domain.GlobalAttractor, error) {
	var g domain.GlobalAttractor
	err := row.Scan(&g.ID, &g.Name, &g.ContentPath, &g.ContentVersion,
		&g.DefaultRunType, &g.ModelConfig, &g.Description, &g.Active, &g.CreatedAt, &g.UpdatedAt)
	return g, err
}

func (s *AttractorStore) ListDefs(ctx context.Context, projectID uuid.UUID) ([]domain.AttractorDef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attractorDefColumns+` FROM attractor_defs WHERE project_id = $1 ORDER BY name, scope`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list attractor defs: %w", err)
	}
	defer rows.Close()

	var result []domain.AttractorDef
	for rows.Next() {
		d, err := scanAttractorDef(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attractor def: %w", err)
		}
		result = append(result, d)
	}
	if result == nil {
		result = []domain.AttractorDef{}
	}
	return result, rows.Err()
}

func (s *AttractorStore) GetDef(ctx context.Context, id string) (*domain.AttractorDef, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	d, err := scanAttractorDef(s.pool.QueryRow(ctx,
		`SELECT `+attractorDefColumns+` FROM attractor_defs WHERE id = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attractor def: %w", err)
	}
	return &d, nil
}

func (s *AttractorStore) GetDefByName(ctx context.Context, projectID uuid.UUID, name string, scope domain.AttractorScope) (*domain.AttractorDef, error) {
	d, err := scanAttractorDef(s.pool.QueryRow(ctx,
		`SELECT `+attractorDefColumns+` FROM attractor_defs
		 WHERE project_id = $1 AND name = $2 AND scope = $3`,
		projectID, name, scope))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attractor def by name: %w", err)
	}
	return &d, nil
}

func (s *AttractorStore) CreateDef(ctx context.Context, d *domain.AttractorDef) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO attractor_defs (project_id, scope, name, content_path, content_version,
		        default_run_type, model_config, active, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at, updated_at`,
		d.ProjectID, d.Scope, d.Name, d.ContentPath, d.ContentVersion,
		d.DefaultRunType, d.ModelConfig, d.Active, d.Description,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create attractor def: %w", err)
	}
	return nil
}

// UpdateDef patches mutable fields of a PROJECT-scoped definition. GLOBAL
// mirrors are read-only through the project API; callers enforce that before
// reaching the store, and the WHERE clause backstops it.
func (s *AttractorStore) UpdateDef(ctx context.Context, id string, defaultRunType, description *string, modelConfig []byte, active *bool) (*domain.AttractorDef, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	d, err := scanAttractorDef(s.pool.QueryRow(ctx,
		`UPDATE attractor_defs SET
		        default_run_type = COALESCE($2, default_run_type),
		        description = COALESCE($3, description),
		        model_config = COALESCE($4, model_config),
		        active = COALESCE($5, active),
		        updated_at = now()
		 WHERE id = $1 AND scope = 'PROJECT'
		 RETURNING `+attractorDefColumns,
		uid, textPtrToNullable(defaultRunType), textPtrToNullable(description),
		modelConfig, boolPtrToNullable(active)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update attractor def: %w", err)
	}
	return &d, nil
}

func (s *AttractorStore) ListGlobals(ctx context.Context) ([]domain.GlobalAttractor, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+globalAttractorColumns+` FROM global_attractors ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list global attractors: %w", err)
	}
	defer rows.Close()

	var result []domain.GlobalAttractor
	for rows.Next() {
		g, err := scanGlobalAttractor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan global attractor: %w", err)
		}
		result = append(result, g)
	}
	if result == nil {
		result = []domain.GlobalAttractor{}
	}
	return result, rows.Err()
}

func (s *AttractorStore) GetGlobal(ctx context.Context, id string) (*domain.GlobalAttractor, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	g, err := scanGlobalAttractor(s.pool.QueryRow(ctx,
		`SELECT `+globalAttractorColumns+` FROM global_attractors WHERE id = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get global attractor: %w", err)
	}
	return &g, nil
}

func (s *AttractorStore) GetGlobalByName(ctx context.Context, name string) (*domain.GlobalAttractor, error) {
	g, err := scanGlobalAttractor(s.pool.QueryRow(ctx,
		`SELECT `+globalAttractorColumns+` FROM global_attractors WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get global attractor by name: %w", err)
	}
	return &g, nil
}

func (s *AttractorStore) CreateGlobal(ctx context.Context, g *domain.GlobalAttractor) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO global_attractors (name, content_path, content_version,
		        default_run_type, model_config, description, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		g.Name, g.ContentPath, g.ContentVersion, g.DefaultRunType,
		g.ModelConfig, g.Description, g.Active,
	).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create global attractor: %w", err)
	}
	return nil
}

// versionTable maps a scope to the version table and its parent table.
func versionTable(global bool) (versions, parents string) {
	if global {
		return "global_attractor_versions", "global_attractors"
	}
	return "attractor_def_versions", "attractor_defs"
}

// LatestVersion returns the newest version row for a parent, or nil when the
// parent has no storage-backed content yet.
func (s *AttractorStore) LatestVersion(ctx context.Context, global bool, parentID uuid.UUID) (*domain.AttractorVersion, error) {
	versions, _ := versionTable(global)
	var v domain.AttractorVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, parent_id, version, content_path, content_sha256, size_bytes, created_at
		 FROM `+versions+` WHERE parent_id = $1 ORDER BY version DESC LIMIT 1`,
		parentID).Scan(&v.ID, &v.ParentID, &v.Version, &v.ContentPath, &v.ContentSha256, &v.SizeBytes, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest attractor version: %w", err)
	}
	return &v, nil
}

func (s *AttractorStore) ListVersions(ctx context.Context, global bool, parentID uuid.UUID) ([]domain.AttractorVersion, error) {
	versions, _ := versionTable(global)
	rows, err := s.pool.Query(ctx,
		`SELECT id, parent_id, version, content_path, content_sha256, size_bytes, created_at
		 FROM `+versions+` WHERE parent_id = $1 ORDER BY version DESC`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("list attractor versions: %w", err)
	}
	defer rows.Close()

	var result []domain.AttractorVersion
	for rows.Next() {
		var v domain.AttractorVersion
		if err := rows.Scan(&v.ID, &v.ParentID, &v.Version, &v.ContentPath, &v.ContentSha256, &v.SizeBytes, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attractor version: %w", err)
		}
		result = append(result, v)
	}
	if result == nil {
		result = []domain.AttractorVersion{}
	}
	return result, rows.Err()
}

func (s *AttractorStore) GetVersion(ctx context.Context, global bool, parentID uuid.UUID, version int) (*domain.AttractorVersion, error) {
	versions, _ := versionTable(global)
	var v domain.AttractorVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, parent_id, version, content_path, content_sha256, size_bytes, created_at
		 FROM `+versions+` WHERE parent_id = $1 AND version = $2`,
		parentID, version).Scan(&v.ID, &v.ParentID, &v.Version, &v.ContentPath, &v.ContentSha256, &v.SizeBytes, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attractor version: %w", err)
	}
	return &v, nil
}

// InsertVersion appends a version row and advances the parent's content
// pointer in one transaction. expectedVersion, when non-nil, is a CAS guard
// against the parent's current content_version; a mismatch is a ConflictError
// and nothing is written.
func (s *AttractorStore) InsertVersion(ctx context.Context, global bool, v *domain.AttractorVersion, expectedVersion *int) error {
	versions, parents := versionTable(global)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert version: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var current int
	err = tx.QueryRow(ctx,
		`SELECT content_version FROM `+parents+` WHERE id = $1 FOR UPDATE`,
		v.ParentID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.E(domain.KindNotFound, "attractor %s not found", v.ParentID)
		}
		return fmt.Errorf("lock attractor parent: %w", err)
	}

	if expectedVersion != nil && *expectedVersion != current {
		return domain.E(domain.KindConflict,
			"content version mismatch: expected %d, current %d", *expectedVersion, current)
	}

	v.Version = current + 1
	err = tx.QueryRow(ctx,
		`INSERT INTO `+versions+` (parent_id, version, content_path, content_sha256, size_bytes)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		v.ParentID, v.Version, v.ContentPath, v.ContentSha256, v.SizeBytes,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.E(domain.KindConflict, "version %d already exists", v.Version)
		}
		return fmt.Errorf("insert attractor version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+parents+` SET content_path = $2, content_version = $3, updated_at = now() WHERE id = $1`,
		v.ParentID, v.ContentPath, v.Version); err != nil {
		return fmt.Errorf("advance content pointer: %w", err)
	}

	return tx.Commit(ctx)
}

// UpsertGlobalMirror creates or refreshes the GLOBAL-scoped mirror row for a
// promoted global attractor in one project. PROJECT-scoped rows with the same
// name are untouched.
func (s *AttractorStore) UpsertGlobalMirror(ctx context.Context, projectID uuid.UUID, g *domain.GlobalAttractor) (*domain.AttractorDef, error) {
	d, err := scanAttractorDef(s.pool.QueryRow(ctx,
		`INSERT INTO attractor_defs (project_id, scope, name, content_path, content_version,
		        default_run_type, model_config, active, description)
		 VALUES ($1, 'GLOBAL', $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (project_id, name, scope) DO UPDATE SET
		        content_path = EXCLUDED.content_path,
		        content_version = EXCLUDED.content_version,
		        default_run_type = EXCLUDED.default_run_type,
		        model_config = EXCLUDED.model_config,
		        active = EXCLUDED.active,
		        description = EXCLUDED.description,
		        updated_at = now()
		 RETURNING `+attractorDefColumns,
		projectID, g.Name, g.ContentPath, g.ContentVersion,
		g.DefaultRunType, g.ModelConfig, g.Active, g.Description))
	if err != nil {
		return nil, fmt.Errorf("upsert global mirror: %w", err)
	}
	return &d, nil
}
