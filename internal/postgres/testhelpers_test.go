package postgres_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// testPool returns a pgxpool.Pool connected to the test database.
// It skips the test if DATABASE_URL is not set (so `make test-go` stays fast).
// It runs migrations and cleans all tables before returning.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, url)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanTables(t, pool)

	return pool
}

// cleanTables truncates all tables touched by the stores.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	// Order matters — FK constraints
	tables := []string{
		"artifacts", "run_reviews", "run_questions",
		"run_node_outcomes", "run_checkpoints", "run_events",
		"spec_bundles", "runs",
		"attractor_def_versions", "attractor_defs",
		"global_attractor_versions", "global_attractors",
		"environments", "projects",
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

func createTestProject(t *testing.T, store *postgres.ProjectStore, namespace string) *domain.Project {
	t.Helper()
	p := &domain.Project{
		Name:          namespace,
		Namespace:     namespace,
		DefaultBranch: "main",
	}
	require.NoError(t, store.CreateProject(context.Background(), p))
	return p
}

func createTestEnvironment(t *testing.T, store *postgres.EnvironmentStore, name string) *domain.Environment {
	t.Helper()
	e := &domain.Environment{
		Name:           name,
		Kind:           domain.EnvironmentKindContainerJob,
		RunnerImageRef: "ghcr.io/acme/runner@sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Active:         true,
	}
	require.NoError(t, store.CreateEnvironment(context.Background(), e))
	return e
}

func createTestDef(t *testing.T, store *postgres.AttractorStore, projectID uuid.UUID, name string) *domain.AttractorDef {
	t.Helper()
	d := &domain.AttractorDef{
		ProjectID:      projectID,
		Scope:          domain.ScopeProject,
		Name:           name,
		ContentPath:    "",
		ContentVersion: 0,
		DefaultRunType: domain.RunTypeTask,
		ModelConfig:    json.RawMessage(`{"provider":"anthropic","model":"claude-sonnet-4-5"}`),
		Active:         true,
	}
	require.NoError(t, store.CreateDef(context.Background(), d))
	return d
}

// newTestRun assembles an unsaved run wired to an existing project, def, and
// environment. Callers persist it with RunStore.CreateQueued.
func newTestRun(project *domain.Project, def *domain.AttractorDef, env *domain.Environment, runType domain.RunType, targetBranch string) *domain.Run {
	return &domain.Run{
		ProjectID:               project.ID,
		AttractorDefID:          def.ID,
		AttractorContentPath:    "attractors/projects/" + project.ID.String() + "/" + def.Name + "/v1.dot",
		AttractorContentVersion: 1,
		AttractorContentSha256:  "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		EnvironmentID:           env.ID,
		EnvironmentSnapshot:     json.RawMessage(`{"name":"` + env.Name + `"}`),
		ModelConfig:             json.RawMessage(`{"provider":"anthropic","model":"claude-sonnet-4-5"}`),
		RunType:                 runType,
		SourceBranch:            "main",
		TargetBranch:            targetBranch,
	}
}

// createQueuedRun persists a run in QUEUED status with its RunQueued event.
func createQueuedRun(t *testing.T, store *postgres.RunStore, run *domain.Run) *domain.Run {
	t.Helper()
	require.NoError(t, store.CreateQueued(context.Background(), run, nil))
	return run
}
