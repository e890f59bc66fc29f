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
	"github.com/attractor-dev/attractor/internal/scm"
)

func TestGetReview_NotFound(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	run := domain.Run{ID: uuid.New(), Status: domain.RunStatusSucceeded}
	env.runs.runs = []domain.Run{run}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/review", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertReview_RecordsDecision(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	run := domain.Run{ID: uuid.New(), Status: domain.RunStatusSucceeded}
	env.runs.runs = []domain.Run{run}

	body := `{"reviewer": "alex", "decision": "APPROVE", "summary": "looks good"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/runs/"+run.ID.String()+"/review", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var review domain.RunReview
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&review))
	assert.Equal(t, "alex", review.Reviewer)
	assert.Equal(t, domain.ReviewApprove, review.Decision)
	assert.Equal(t, scm.WritebackPending, review.WritebackStatus,
		"runs without a linked PR keep the writeback pending status")

	stored, err := env.reviews.GetReview(req.Context(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.ReviewApprove, stored.Decision)
}

func TestUpsertReview_OverwritesPrevious(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	run := domain.Run{ID: uuid.New(), Status: domain.RunStatusSucceeded}
	env.runs.runs = []domain.Run{run}

	for _, decision := range []string{"REQUEST_CHANGES", "APPROVE"} {
		body := `{"reviewer": "alex", "decision": "` + decision + `"}`
		req := httptest.NewRequest(http.MethodPut, "/api/v1/runs/"+run.ID.String()+"/review", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	stored, err := env.reviews.GetReview(httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.ReviewApprove, stored.Decision, "latest verdict wins")
}

func TestUpsertReview_RejectsUnknownDecision(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	run := domain.Run{ID: uuid.New(), Status: domain.RunStatusSucceeded}
	env.runs.runs = []domain.Run{run}

	body := `{"reviewer": "alex", "decision": "MAYBE"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/runs/"+run.ID.String()+"/review", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpsertReview_RequiresReviewer(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	run := domain.Run{ID: uuid.New(), Status: domain.RunStatusSucceeded}
	env.runs.runs = []domain.Run{run}

	body := `{"decision": "APPROVE"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/runs/"+run.ID.String()+"/review", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpsertReview_UnknownRun_Returns404(t *testing.T) {
	env := newTestEnv()
	router := api.NewRouter(env.srv)

	body := `{"reviewer": "alex", "decision": "APPROVE"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/runs/"+uuid.NewString()+"/review", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
