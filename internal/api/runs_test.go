package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractor-dev/attractor/internal/api"
	"github.com/attractor-dev/attractor/internal/domain"
)

func TestCreateRun_Returns202(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	projectID := uuid.New()
	defID := uuid.New()
	body := `{"project_id": "` + projectID.String() + `", "attractor_def_id": "` + defID.String() + `", "run_type": "task", "target_branch": "main"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var run domain.Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, domain.RunStatusQueued, run.Status)
	assert.Equal(t, projectID, env.lc.lastInput.ProjectID)
	assert.Equal(t, "task", env.lc.lastInput.RunType)
	assert.Equal(t, "main", env.lc.lastInput.TargetBranch)
}

func TestCreateRun_MissingIDs_Returns400(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"run_type": "task"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRun_EmptyRunType_UsesDefinitionDefault(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	def := domain.AttractorDef{
		ID:             uuid.New(),
		ProjectID:      uuid.New(),
		Scope:          domain.ScopeProject,
		Name:           "planner",
		DefaultRunType: domain.RunTypePlanning,
		Active:         true,
	}
	env.defs.defs = []domain.AttractorDef{def}

	body := `{"project_id": "` + def.ProjectID.String() + `", "attractor_def_id": "` + def.ID.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "planning", env.lc.lastInput.RunType)
}

func TestCreateRun_PreconditionFailure_Returns422(t *testing.T) {
	env := newTestEnv()
	env.lc.createErr = domain.E(domain.KindPrecondition, "attractor is not active")
	router := api.NewRouter(env.srv)

	body := `{"project_id": "` + uuid.NewString() + `", "attractor_def_id": "` + uuid.NewString() + `", "run_type": "task"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var apiErr api.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, "FAILED_PRECONDITION", apiErr.Error.Code)
}

func TestCreateRun_BranchLockBusy_Returns422(t *testing.T) {
	env := newTestEnv()
	env.lc.createErr = domain.Wrap(domain.KindPrecondition, domain.ErrBranchBusy,
		"an active run already targets this branch")
	router := api.NewRouter(env.srv)

	body := `{"project_id": "` + uuid.NewString() + `", "attractor_def_id": "` + uuid.NewString() + `", "run_type": "task", "target_branch": "main"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var apiErr api.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, "FAILED_PRECONDITION", apiErr.Error.Code)
}

func TestListRuns_FiltersByStatus(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	projectID := uuid.New()
	env.runs.runs = []domain.Run{
		{ID: uuid.New(), ProjectID: projectID, RunType: domain.RunTypeTask, Status: domain.RunStatusRunning},
		{ID: uuid.New(), ProjectID: projectID, RunType: domain.RunTypeTask, Status: domain.RunStatusSucceeded},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?status=RUNNING", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs  []domain.Run `json:"runs"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, domain.RunStatusRunning, resp.Runs[0].Status)
	assert.Equal(t, 1, resp.Total)
}

func TestListRuns_UnknownRunType_Returns400(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?run_type=bogus", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRun_CallsLifecycle(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	runID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+runID.String()+"/cancel", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.lc.canceled, 1)
	assert.Equal(t, runID, env.lc.canceled[0])

	var run domain.Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, domain.RunStatusCanceled, run.Status)
}

func TestSelfIterate_ChainsImplementationRun(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	bundleID := uuid.New()
	planning := domain.Run{
		ID:             uuid.New(),
		ProjectID:      uuid.New(),
		AttractorDefID: uuid.New(),
		RunType:        domain.RunTypePlanning,
		Status:         domain.RunStatusSucceeded,
		SourceBranch:   "main",
		SpecBundleID:   &bundleID,
	}
	env.runs.runs = []domain.Run{planning}

	body := `{"target_branch": "feature/impl"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+planning.ID.String()+"/self-iterate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	in := env.lc.lastInput
	assert.Equal(t, planning.ProjectID, in.ProjectID)
	assert.Equal(t, planning.AttractorDefID, in.AttractorDefID)
	assert.Equal(t, "implementation", in.RunType)
	assert.Equal(t, "main", in.SourceBranch, "source branch should default to the planning run's")
	assert.Equal(t, "feature/impl", in.TargetBranch)
	require.NotNil(t, in.SpecBundleID)
	assert.Equal(t, bundleID, *in.SpecBundleID)
	require.NotNil(t, in.SourcePlanningRunID)
	assert.Equal(t, planning.ID, *in.SourcePlanningRunID)
}

func TestSelfIterate_RejectsNonPlanningRun(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	run := domain.Run{ID: uuid.New(), RunType: domain.RunTypeTask, Status: domain.RunStatusSucceeded}
	env.runs.runs = []domain.Run{run}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/self-iterate", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSelfIterate_RejectsUnfinishedPlanningRun(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	run := domain.Run{ID: uuid.New(), RunType: domain.RunTypePlanning, Status: domain.RunStatusRunning}
	env.runs.runs = []domain.Run{run}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/self-iterate", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSelfIterate_RejectsRunWithoutBundle(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	run := domain.Run{ID: uuid.New(), RunType: domain.RunTypePlanning, Status: domain.RunStatusSucceeded}
	env.runs.runs = []domain.Run{run}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/self-iterate", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRunBundle_NotFound(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	run := domain.Run{ID: uuid.New(), RunType: domain.RunTypeTask, Status: domain.RunStatusSucceeded}
	env.runs.runs = []domain.Run{run}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/bundle", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunBundle_ReturnsManifest(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	run := domain.Run{ID: uuid.New(), RunType: domain.RunTypePlanning, Status: domain.RunStatusSucceeded}
	env.runs.runs = []domain.Run{run}
	env.bundles.bundle = &domain.SpecBundle{
		ID:            uuid.New(),
		RunID:         run.ID,
		SchemaVersion: domain.SpecBundleSchemaV1,
		ManifestPath:  "bundles/" + run.ID.String() + "/manifest.json",
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/bundle", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var bundle domain.SpecBundle
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&bundle))
	assert.Equal(t, domain.SpecBundleSchemaV1, bundle.SchemaVersion)
}
