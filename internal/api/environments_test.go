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

const pinnedImage = "registry.example.com/runner@sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestCreateEnvironment_Succeeds(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	body := `{"name": "prod-runner", "runner_image_ref": "` + pinnedImage + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/environments", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Environment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "prod-runner", created.Name)
	assert.Equal(t, domain.EnvironmentKindContainerJob, created.Kind)
	assert.True(t, created.Active)
}

func TestCreateEnvironment_RejectsUnpinnedImage(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	for _, ref := range []string{
		"registry.example.com/runner:latest",
		"registry.example.com/runner:v1.2.3",
		"registry.example.com/runner@sha256:short",
	} {
		body := `{"name": "prod-runner", "runner_image_ref": "` + ref + `"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/environments", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "image ref %q should be rejected", ref)
	}
}

func TestUpdateEnvironment_RejectsUnpinnedImage(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	existing := domain.Environment{
		ID:             uuid.New(),
		Name:           "prod-runner",
		Kind:           domain.EnvironmentKindContainerJob,
		RunnerImageRef: pinnedImage,
		Active:         true,
	}
	env.envs.envs = []domain.Environment{existing}

	body := `{"runner_image_ref": "registry.example.com/runner:latest"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/environments/"+existing.ID.String(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateEnvironment_Deactivates(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	existing := domain.Environment{
		ID:             uuid.New(),
		Name:           "prod-runner",
		Kind:           domain.EnvironmentKindContainerJob,
		RunnerImageRef: pinnedImage,
		Active:         true,
	}
	env.envs.envs = []domain.Environment{existing}

	body := `{"active": false}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/environments/"+existing.ID.String(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var updated domain.Environment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&updated))
	assert.False(t, updated.Active)
}
