package attractors_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/attractor-dev/attractor/internal/attractors"
	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/postgres"
	"github.com/attractor-dev/attractor/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeObjects is a map-backed object store so service tests only need
// Postgres.
type fakeObjects struct {
	files map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{files: make(map[string][]byte)}
}

func (f *fakeObjects) ListFiles(_ context.Context, prefix string) ([]storage.FileInfo, error) {
	var infos []storage.FileInfo
	for path, content := range f.files {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, storage.FileInfo{Path: path, Size: int64(len(content)), Modified: time.Now()})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (f *fakeObjects) ReadFile(_ context.Context, path string) (*storage.FileContent, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, nil
	}
	return &storage.FileContent{Path: path, Content: content, Size: int64(len(content)), Modified: time.Now()}, nil
}

func (f *fakeObjects) WriteFile(_ context.Context, path string, content []byte) error {
	f.files[path] = append([]byte(nil), content...)
	return nil
}

func (f *fakeObjects) StatFile(_ context.Context, path string) (*storage.FileInfo, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, nil
	}
	return &storage.FileInfo{Path: path, Size: int64(len(content)), Modified: time.Now()}, nil
}

func (f *fakeObjects) DeleteFile(_ context.Context, path string) error {
	delete(f.files, path)
	return nil
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))

	for _, table := range []string{
		"attractor_def_versions", "attractor_defs",
		"global_attractor_versions", "global_attractors", "projects",
	} {
		_, err := pool.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE")
		require.NoError(t, err)
	}
	return pool
}

func setupService(t *testing.T) (*attractors.Service, *fakeObjects, *postgres.AttractorStore, *domain.Project) {
	t.Helper()

	pool := testPool(t)
	store := postgres.NewAttractorStore(pool)
	objects := newFakeObjects()
	svc := attractors.NewService(store, objects, nil)

	project := &domain.Project{Name: "acme-web", Namespace: "acme-web", DefaultBranch: "main"}
	require.NoError(t, postgres.NewProjectStore(pool).CreateProject(context.Background(), project))

	return svc, objects, store, project
}

func createProjectDef(t *testing.T, store *postgres.AttractorStore, projectID uuid.UUID, name string) *domain.AttractorDef {
	t.Helper()
	def := &domain.AttractorDef{
		ProjectID:      projectID,
		Scope:          domain.ScopeProject,
		Name:           name,
		DefaultRunType: domain.RunTypeTask,
		ModelConfig:    json.RawMessage(`{"provider":"anthropic","model":"claude-sonnet-4-5"}`),
		Active:         true,
	}
	require.NoError(t, store.CreateDef(context.Background(), def))
	return def
}

const contentV1 = `digraph self {
	start [shape=Mdiamond];
	work [shape=box, prompt="do the work"];
	done [shape=Msquare];
	start -> work;
	work -> done;
}`

const contentV2 = `digraph self {
	start [shape=Mdiamond];
	work [shape=box, prompt="do the work differently"];
	done [shape=Msquare];
	start -> work;
	work -> done;
}`

// ---------------------------------------------------------------------------
// Canonicalize
// ---------------------------------------------------------------------------

func TestCanonicalize_ValidContent(t *testing.T) {
	canonical, err := attractors.Canonicalize([]byte(contentV1))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(canonical), "digraph self {"))

	// Canonicalization is a fixed point.
	again, err := attractors.Canonicalize(canonical)
	require.NoError(t, err)
	assert.Equal(t, canonical, again)
}

func TestCanonicalize_RejectsParseErrors(t *testing.T) {
	_, err := attractors.Canonicalize([]byte(`not a digraph`))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestCanonicalize_RejectsLintErrors(t *testing.T) {
	// No terminal node.
	_, err := attractors.Canonicalize([]byte(`digraph g {
		start [shape=Mdiamond];
		work [shape=box, prompt="p"];
		start -> work;
	}`))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
	assert.Contains(t, err.Error(), "terminal_node")
}

func TestCanonicalize_StylesheetSatisfiesLint(t *testing.T) {
	// The prompt lint runs after the overlay, but the overlay only sets
	// model-selection attrs; a model node still needs its own prompt.
	_, err := attractors.Canonicalize([]byte(`digraph g {
		model_stylesheet = "* { model: claude-sonnet-4-5 }";
		start [shape=Mdiamond];
		work [shape=box];
		done [shape=Msquare];
		start -> work; work -> done;
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_prompt")
}

// ---------------------------------------------------------------------------
// Put
// ---------------------------------------------------------------------------

func TestPutProject_CreatesVersionAndBlob(t *testing.T) {
	svc, objects, store, project := setupService(t)
	ctx := context.Background()
	def := createProjectDef(t, store, project.ID, "self")

	res, err := svc.PutProject(ctx, def, []byte(contentV1), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.False(t, res.Unchanged)
	assert.Equal(t, storage.ProjectAttractorPath(project.ID, "self", 1), res.ContentPath)

	blob, ok := objects.files[res.ContentPath]
	require.True(t, ok)
	sum := sha256.Sum256(blob)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.ContentSha256)

	// Parent pointer advanced.
	updated, err := store.GetDef(ctx, def.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ContentVersion)
	assert.Equal(t, res.ContentPath, updated.ContentPath)
}

func TestPutProject_IdenticalContentIsDeduped(t *testing.T) {
	svc, objects, store, project := setupService(t)
	ctx := context.Background()
	def := createProjectDef(t, store, project.ID, "self")

	first, err := svc.PutProject(ctx, def, []byte(contentV1), nil)
	require.NoError(t, err)

	// Different surface text, same canonical form.
	reformatted := strings.ReplaceAll(contentV1, "\t", "    ")
	second, err := svc.PutProject(ctx, def, []byte(reformatted), nil)
	require.NoError(t, err)

	assert.True(t, second.Unchanged)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.ContentSha256, second.ContentSha256)
	assert.Len(t, objects.files, 1)

	versions, err := svc.Versions(ctx, false, def.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestPutProject_ChangedContentAppendsVersion(t *testing.T) {
	svc, _, store, project := setupService(t)
	ctx := context.Background()
	def := createProjectDef(t, store, project.ID, "self")

	_, err := svc.PutProject(ctx, def, []byte(contentV1), nil)
	require.NoError(t, err)

	expected := 1
	res, err := svc.PutProject(ctx, def, []byte(contentV2), &expected)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)

	versions, err := svc.Versions(ctx, false, def.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	// Newest first; digests differ between consecutive versions.
	assert.Equal(t, 2, versions[0].Version)
	assert.NotEqual(t, versions[0].ContentSha256, versions[1].ContentSha256)
}

func TestPutProject_CASMismatchConflicts(t *testing.T) {
	svc, _, store, project := setupService(t)
	ctx := context.Background()
	def := createProjectDef(t, store, project.ID, "self")

	_, err := svc.PutProject(ctx, def, []byte(contentV1), nil)
	require.NoError(t, err)
	_, err = svc.PutProject(ctx, def, []byte(contentV2), nil)
	require.NoError(t, err)

	// Replaying the second put against the stale version conflicts.
	stale := 1
	_, err = svc.PutProject(ctx, def, []byte(`digraph self {
		start [shape=Mdiamond];
		work [shape=box, prompt="third revision"];
		done [shape=Msquare];
		start -> work; work -> done;
	}`), &stale)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConflict))
}

func TestPutProject_RefusesGlobalMirror(t *testing.T) {
	svc, _, store, project := setupService(t)
	ctx := context.Background()

	g := &domain.GlobalAttractor{
		Name:           "review",
		DefaultRunType: domain.RunTypeTask,
		ModelConfig:    json.RawMessage(`{"provider":"anthropic","model":"claude-sonnet-4-5"}`),
		Active:         true,
	}
	require.NoError(t, store.CreateGlobal(ctx, g))

	mirrors, err := svc.Promote(ctx, g, []uuid.UUID{project.ID})
	require.NoError(t, err)
	require.Len(t, mirrors, 1)

	_, err = svc.PutProject(ctx, &mirrors[0], []byte(contentV1), nil)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindPrecondition))
}

func TestPutGlobal_UsesGlobalPathLayout(t *testing.T) {
	svc, objects, store, _ := setupService(t)
	ctx := context.Background()

	g := &domain.GlobalAttractor{
		Name:           "Code Review",
		DefaultRunType: domain.RunTypeTask,
		ModelConfig:    json.RawMessage(`{"provider":"anthropic","model":"claude-sonnet-4-5"}`),
		Active:         true,
	}
	require.NoError(t, store.CreateGlobal(ctx, g))

	res, err := svc.PutGlobal(ctx, g, []byte(contentV1), nil)
	require.NoError(t, err)
	assert.Equal(t, "attractors/global/code-review/v1.dot", res.ContentPath)
	_, ok := objects.files[res.ContentPath]
	assert.True(t, ok)
}

// ---------------------------------------------------------------------------
// PinForRun / ReadPinned
// ---------------------------------------------------------------------------

func TestPinForRun_ResolvesLatest(t *testing.T) {
	svc, _, store, project := setupService(t)
	ctx := context.Background()
	def := createProjectDef(t, store, project.ID, "self")

	_, err := svc.PutProject(ctx, def, []byte(contentV1), nil)
	require.NoError(t, err)
	res, err := svc.PutProject(ctx, def, []byte(contentV2), nil)
	require.NoError(t, err)

	pin, err := svc.PinForRun(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 2, pin.ContentVersion)
	assert.Equal(t, res.ContentPath, pin.ContentPath)
	assert.Equal(t, res.ContentSha256, pin.ContentSha256)

	content, err := svc.ReadPinned(ctx, *pin)
	require.NoError(t, err)
	assert.NotEmpty(t, content)
}

func TestPinForRun_LegacyDefRejected(t *testing.T) {
	svc, _, store, project := setupService(t)
	def := createProjectDef(t, store, project.ID, "legacy")

	_, err := svc.PinForRun(context.Background(), def)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindPrecondition))
}

func TestPinForRun_CorruptedBlobRejected(t *testing.T) {
	svc, objects, store, project := setupService(t)
	ctx := context.Background()
	def := createProjectDef(t, store, project.ID, "self")

	res, err := svc.PutProject(ctx, def, []byte(contentV1), nil)
	require.NoError(t, err)

	objects.files[res.ContentPath] = []byte("tampered")

	_, err = svc.PinForRun(ctx, def)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindPrecondition))
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestPinForRun_GlobalMirrorPinsGlobalContent(t *testing.T) {
	svc, _, store, project := setupService(t)
	ctx := context.Background()

	g := &domain.GlobalAttractor{
		Name:           "review",
		DefaultRunType: domain.RunTypeTask,
		ModelConfig:    json.RawMessage(`{"provider":"anthropic","model":"claude-sonnet-4-5"}`),
		Active:         true,
	}
	require.NoError(t, store.CreateGlobal(ctx, g))
	_, err := svc.PutGlobal(ctx, g, []byte(contentV1), nil)
	require.NoError(t, err)

	mirrors, err := svc.Promote(ctx, g, []uuid.UUID{project.ID})
	require.NoError(t, err)

	pin, err := svc.PinForRun(ctx, &mirrors[0])
	require.NoError(t, err)
	assert.Equal(t, 1, pin.ContentVersion)
	assert.Equal(t, "attractors/global/review/v1.dot", pin.ContentPath)
}

func TestReadVersion(t *testing.T) {
	svc, _, store, project := setupService(t)
	ctx := context.Background()
	def := createProjectDef(t, store, project.ID, "self")

	_, err := svc.PutProject(ctx, def, []byte(contentV1), nil)
	require.NoError(t, err)
	_, err = svc.PutProject(ctx, def, []byte(contentV2), nil)
	require.NoError(t, err)

	v, content, err := svc.ReadVersion(ctx, false, def.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 1, v.Version)
	assert.Contains(t, string(content), "do the work")

	missing, _, err := svc.ReadVersion(ctx, false, def.ID, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
