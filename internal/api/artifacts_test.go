package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractor-dev/attractor/internal/api"
	"github.com/attractor-dev/attractor/internal/domain"
)

func TestListArtifacts_ReturnsIndex(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	runID := uuid.New()
	env.artifacts.artifacts = []domain.Artifact{
		{ID: uuid.New(), RunID: runID, Key: "spec.md", Path: "runs/" + runID.String() + "/spec.md"},
		{ID: uuid.New(), RunID: uuid.New(), Key: "other.md", Path: "runs/other/other.md"},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID.String()+"/artifacts", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Artifacts []domain.Artifact `json:"artifacts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, "spec.md", resp.Artifacts[0].Key)
}

func TestDownloadArtifact_StreamsObject(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	runID := uuid.New()
	path := "runs/" + runID.String() + "/reviewers/security.md"
	env.artifacts.artifacts = []domain.Artifact{
		{ID: uuid.New(), RunID: runID, Key: "reviewers/security.md", Path: path},
	}
	require.NoError(t, env.objects.WriteFile(context.Background(), path, []byte("# Security review\n")))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID.String()+"/artifacts/reviewers/security.md", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "# Security review\n", rec.Body.String())
}

func TestDownloadArtifact_PrefersRecordedContentType(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	runID := uuid.New()
	path := "runs/" + runID.String() + "/changes.patch"
	ct := "text/plain"
	env.artifacts.artifacts = []domain.Artifact{
		{ID: uuid.New(), RunID: runID, Key: "changes.patch", Path: path, ContentType: &ct},
	}
	require.NoError(t, env.objects.WriteFile(context.Background(), path, []byte("--- a/main.go\n")))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID.String()+"/artifacts/changes.patch", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestDownloadArtifact_UnknownKey_Returns404(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	runID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID.String()+"/artifacts/missing.md", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadArtifact_MissingObject_Returns404(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	runID := uuid.New()
	env.artifacts.artifacts = []domain.Artifact{
		{ID: uuid.New(), RunID: runID, Key: "spec.md", Path: "runs/" + runID.String() + "/spec.md"},
	}

	// Row exists but the object was never written.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID.String()+"/artifacts/spec.md", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
