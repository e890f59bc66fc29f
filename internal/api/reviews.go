package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/scm"
)

// ReviewStore defines the persistence interface for run reviews.
// Implemented by postgres.ReviewStore.
type ReviewStore interface {
	UpsertReview(ctx context.Context, r *domain.RunReview) error
	GetReview(ctx context.Context, runID uuid.UUID) (*domain.RunReview, error)
	SetWritebackStatus(ctx context.Context, runID uuid.UUID, status string) error
}

// UpsertReviewRequest is the JSON body for PUT /api/v1/runs/{runID}/review.
type UpsertReviewRequest struct {
	Reviewer         string          `json:"reviewer"`
	Decision         string          `json:"decision"`
	Checklist        json.RawMessage `json:"checklist,omitempty"`
	Summary          *string         `json:"summary,omitempty"`
	CriticalFindings *string         `json:"critical_findings,omitempty"`
	ArtifactFindings *string         `json:"artifact_findings,omitempty"`
	Attestation      *string         `json:"attestation,omitempty"`
	ReviewedHeadSha  *string         `json:"reviewed_head_sha,omitempty"`
}

// HandleGetReview returns the run's review, if recorded.
func (s *Server) HandleGetReview(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "run id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	review, err := s.Reviews.GetReview(r.Context(), runID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if review == nil {
		errorJSON(w, "run has no review", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

// HandleUpsertReview records the human review verdict for a run and, when the
// run is linked to a pull request, posts the verdict back to the host as a
// check run plus a comment.
func (s *Server) HandleUpsertReview(w http.ResponseWriter, r *http.Request) {
	run, err := s.Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if run == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	var req UpsertReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Reviewer == "" {
		errorJSON(w, "reviewer is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !domain.ValidReviewDecision(req.Decision) {
		errorJSON(w, "decision must be APPROVE, REQUEST_CHANGES, REJECT, or EXCEPTION", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	review := &domain.RunReview{
		RunID:            run.ID,
		Reviewer:         req.Reviewer,
		Decision:         domain.ReviewDecision(req.Decision),
		Checklist:        req.Checklist,
		Summary:          req.Summary,
		CriticalFindings: req.CriticalFindings,
		ArtifactFindings: req.ArtifactFindings,
		Attestation:      req.Attestation,
		ReviewedHeadSha:  req.ReviewedHeadSha,
		WritebackStatus:  scm.WritebackPending,
	}
	if err := s.Reviews.UpsertReview(r.Context(), review); err != nil {
		internalError(w, "internal error", err)
		return
	}

	if target, ok := writebackTarget(run, review); ok && s.Writeback != nil {
		runID := run.ID
		s.Writeback.Post(r.Context(), target, review, func(status string) {
			review.WritebackStatus = status
			// The async retry path outlives the request.
			if err := s.Reviews.SetWritebackStatus(context.Background(), runID, status); err != nil {
				LoggerFromContext(r.Context()).Error("record writeback status failed",
					"run_id", runID, "status", status, "error", err)
			}
		})
	}

	writeJSON(w, http.StatusOK, review)
}

// writebackTarget derives the host coordinates from the run's linked pull
// request ref ("owner/repo#N"). Runs without a PR get no writeback.
func writebackTarget(run *domain.Run, review *domain.RunReview) (scm.WritebackTarget, bool) {
	if run.LinkedPullRequestRef == nil {
		return scm.WritebackTarget{}, false
	}
	repoPart, numPart, ok := strings.Cut(*run.LinkedPullRequestRef, "#")
	if !ok {
		return scm.WritebackTarget{}, false
	}
	owner, repo, ok := strings.Cut(repoPart, "/")
	if !ok {
		return scm.WritebackTarget{}, false
	}
	number, err := strconv.Atoi(numPart)
	if err != nil || number < 1 {
		return scm.WritebackTarget{}, false
	}

	target := scm.WritebackTarget{Owner: owner, Repo: repo, PRNumber: number}
	if review.ReviewedHeadSha != nil {
		target.HeadSHA = *review.ReviewedHeadSha
	}
	return target, true
}
