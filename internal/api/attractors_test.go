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
	"github.com/attractor-dev/attractor/internal/attractors"
	"github.com/attractor-dev/attractor/internal/domain"
)

const testDOT = `digraph pipeline { start -> plan; plan -> exit; }`

func TestCreateProjectAttractor_WritesVersionOne(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	project := domain.Project{ID: uuid.New(), Name: "Payments", Namespace: "payments"}
	env.projects.projects = []domain.Project{project}
	env.content.putResult = &attractors.PutResult{
		Version:       1,
		ContentPath:   "attractors/payments/planner/v1.dot",
		ContentSha256: "deadbeef",
	}

	body := `{"name": "planner", "default_run_type": "planning", "content": ` + marshalString(testDOT) + `}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+project.ID.String()+"/attractors", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Attractor domain.AttractorDef  `json:"attractor"`
		Content   attractors.PutResult `json:"content"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "planner", resp.Attractor.Name)
	assert.Equal(t, domain.ScopeProject, resp.Attractor.Scope)
	assert.Equal(t, domain.RunTypePlanning, resp.Attractor.DefaultRunType)
	assert.True(t, resp.Attractor.Active)
	assert.Equal(t, 1, resp.Content.Version)
	assert.Equal(t, testDOT, string(env.content.lastContent))
}

func TestCreateProjectAttractor_RejectsBadName(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	project := domain.Project{ID: uuid.New(), Name: "Payments", Namespace: "payments"}
	env.projects.projects = []domain.Project{project}

	body := `{"name": "Not A Slug", "content": "digraph g {}"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+project.ID.String()+"/attractors", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateProjectAttractor_UnknownProject_Returns404(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	body := `{"name": "planner", "content": "digraph g {}"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+uuid.NewString()+"/attractors", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutAttractorContent_PassesCASGuard(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	def := domain.AttractorDef{ID: uuid.New(), Scope: domain.ScopeProject, Name: "planner", ContentVersion: 3}
	env.defs.defs = []domain.AttractorDef{def}
	env.content.putResult = &attractors.PutResult{Version: 4, ContentPath: "attractors/p/planner/v4.dot"}

	req := httptest.NewRequest(http.MethodPut,
		"/api/v1/attractors/"+def.ID.String()+"/content?expected_content_version=3",
		strings.NewReader(testDOT))
	req.Header.Set("Content-Type", "text/vnd.graphviz")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.content.lastCAS)
	assert.Equal(t, 3, *env.content.lastCAS)

	var result attractors.PutResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, 4, result.Version)
}

func TestPutAttractorContent_CASConflict_Returns409(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	def := domain.AttractorDef{ID: uuid.New(), Scope: domain.ScopeProject, Name: "planner", ContentVersion: 5}
	env.defs.defs = []domain.AttractorDef{def}
	env.content.putErr = domain.E(domain.KindConflict, "content version moved from 3 to 5")

	req := httptest.NewRequest(http.MethodPut,
		"/api/v1/attractors/"+def.ID.String()+"/content?expected_content_version=3",
		strings.NewReader(testDOT))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var apiErr api.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, "CONFLICT", apiErr.Error.Code)
}

func TestPutAttractorContent_InvalidCASParam_Returns400(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	def := domain.AttractorDef{ID: uuid.New(), Scope: domain.ScopeProject, Name: "planner"}
	env.defs.defs = []domain.AttractorDef{def}

	req := httptest.NewRequest(http.MethodPut,
		"/api/v1/attractors/"+def.ID.String()+"/content?expected_content_version=abc",
		strings.NewReader(testDOT))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutAttractorContent_EmptyBody_Returns400(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	def := domain.AttractorDef{ID: uuid.New(), Scope: domain.ScopeProject, Name: "planner"}
	env.defs.defs = []domain.AttractorDef{def}

	req := httptest.NewRequest(http.MethodPut, "/api/v1/attractors/"+def.ID.String()+"/content", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAttractor_GlobalMirrorIsReadOnly(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	mirror := domain.AttractorDef{ID: uuid.New(), Scope: domain.ScopeGlobal, Name: "security-review"}
	env.defs.defs = []domain.AttractorDef{mirror}

	body := `{"description": "tweak"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/attractors/"+mirror.ID.String(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var apiErr api.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, "FAILED_PRECONDITION", apiErr.Error.Code)
}

func TestUpdateAttractor_PatchesMetadata(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	def := domain.AttractorDef{ID: uuid.New(), Scope: domain.ScopeProject, Name: "planner", Active: true}
	env.defs.defs = []domain.AttractorDef{def}

	body := `{"description": "plans features", "active": false}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/attractors/"+def.ID.String(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var updated domain.AttractorDef
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&updated))
	assert.Equal(t, "plans features", updated.Description)
	assert.False(t, updated.Active)
}

func TestCreateGlobalAttractor_Succeeds(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	body := `{"name": "security-review", "default_run_type": "task", "content": ` + marshalString(testDOT) + `}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/global-attractors", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Global  domain.GlobalAttractor `json:"global_attractor"`
		Content attractors.PutResult   `json:"content"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "security-review", resp.Global.Name)
	assert.True(t, resp.Global.Active)
}

func TestPromoteGlobal_RequiresProjectIDs(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	g := domain.GlobalAttractor{ID: uuid.New(), Name: "security-review"}
	env.defs.globals = []domain.GlobalAttractor{g}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/global-attractors/"+g.ID.String()+"/promote", strings.NewReader(`{"project_ids": []}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPromoteGlobal_ReturnsMirrors(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	g := domain.GlobalAttractor{ID: uuid.New(), Name: "security-review", ContentVersion: 2}
	env.defs.globals = []domain.GlobalAttractor{g}

	projectID := uuid.New()
	env.content.promoted = []domain.AttractorDef{
		{ID: uuid.New(), ProjectID: projectID, Scope: domain.ScopeGlobal, Name: "security-review", ContentVersion: 2},
	}

	body := `{"project_ids": ["` + projectID.String() + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/global-attractors/"+g.ID.String()+"/promote", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Attractors []domain.AttractorDef `json:"attractors"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Attractors, 1)
	assert.Equal(t, domain.ScopeGlobal, resp.Attractors[0].Scope)
}

func TestGetAttractorVersion_ReturnsContent(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	def := domain.AttractorDef{ID: uuid.New(), Scope: domain.ScopeProject, Name: "planner"}
	env.defs.defs = []domain.AttractorDef{def}
	env.content.version = &domain.AttractorVersion{ParentID: def.ID, Version: 2, ContentSha256: "cafe"}
	env.content.versionBody = []byte(testDOT)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/attractors/"+def.ID.String()+"/versions/2", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Version domain.AttractorVersion `json:"version"`
		Content string                  `json:"content"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Version.Version)
	assert.Equal(t, testDOT, resp.Content)
}

func TestGetAttractorVersion_BadVersionParam(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	def := domain.AttractorDef{ID: uuid.New(), Scope: domain.ScopeProject, Name: "planner"}
	env.defs.defs = []domain.AttractorDef{def}

	for _, v := range []string{"0", "-1", "abc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/attractors/"+def.ID.String()+"/versions/"+v, http.NoBody)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "version %q should be rejected", v)
	}
}

// marshalString JSON-quotes s for embedding in request body literals.
func marshalString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
