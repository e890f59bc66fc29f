package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/lifecycle"
	"github.com/attractor-dev/attractor/internal/postgres"
)

// RunStore defines the read interface for runs. Implemented by
// postgres.RunStore. All writes go through the lifecycle controller.
type RunStore interface {
	ListRuns(ctx context.Context, filter postgres.RunFilter) ([]domain.Run, error)
	CountRuns(ctx context.Context, filter postgres.RunFilter) (int, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
}

// RunLifecycle is the lifecycle controller surface the handlers use.
// Implemented by lifecycle.Service.
type RunLifecycle interface {
	CreateRun(ctx context.Context, in lifecycle.CreateRunInput) (*domain.Run, error)
	Cancel(ctx context.Context, runID uuid.UUID) (*domain.Run, error)
}

// OutcomeStore reads per-node attempt records. Implemented by
// postgres.CheckpointStore.
type OutcomeStore interface {
	ListOutcomes(ctx context.Context, runID uuid.UUID) ([]domain.RunNodeOutcome, error)
}

// SpecBundleStore reads spec bundle rows. Implemented by
// postgres.SpecBundleStore.
type SpecBundleStore interface {
	GetBundleForRun(ctx context.Context, runID uuid.UUID) (*domain.SpecBundle, error)
}

// CreateRunRequest is the JSON body for POST /api/v1/runs.
type CreateRunRequest struct {
	ProjectID      uuid.UUID  `json:"project_id"`
	AttractorDefID uuid.UUID  `json:"attractor_def_id"`
	RunType        string     `json:"run_type"`
	SourceBranch   string     `json:"source_branch"`
	TargetBranch   string     `json:"target_branch"`
	EnvironmentID  *uuid.UUID `json:"environment_id,omitempty"`
	SpecBundleID   *uuid.UUID `json:"spec_bundle_id,omitempty"`
	LinkedIssueRef *string    `json:"linked_issue_ref,omitempty"`
	Force          bool       `json:"force"`
}

// SelfIterateRequest is the JSON body for POST /api/v1/runs/{runID}/self-iterate.
// It chains an implementation run onto a succeeded planning run's bundle.
type SelfIterateRequest struct {
	SourceBranch  string     `json:"source_branch"`
	TargetBranch  string     `json:"target_branch"`
	EnvironmentID *uuid.UUID `json:"environment_id,omitempty"`
	Force         bool       `json:"force"`
}

// MountRunRoutes registers run endpoints on the router.
func MountRunRoutes(r chi.Router, srv *Server) {
	r.Get("/runs", srv.HandleListRuns)
	r.Post("/runs", srv.HandleCreateRun)
	r.Get("/runs/{runID}", srv.HandleGetRun)
	r.Post("/runs/{runID}/cancel", srv.HandleCancelRun)
	r.Post("/runs/{runID}/self-iterate", srv.HandleSelfIterate)
	r.Get("/runs/{runID}/events", srv.HandleRunEvents)
	r.Get("/runs/{runID}/outcomes", srv.HandleRunOutcomes)
	r.Get("/runs/{runID}/bundle", srv.HandleRunBundle)
	r.Get("/runs/{runID}/questions", srv.HandleListRunQuestions)
	r.Get("/runs/{runID}/review", srv.HandleGetReview)
	r.Put("/runs/{runID}/review", srv.HandleUpsertReview)
	r.Get("/runs/{runID}/artifacts", srv.HandleListArtifacts)
	r.Get("/runs/{runID}/artifacts/*", srv.HandleDownloadArtifact)
}

// HandleListRuns returns runs filtered by project, type, status, and target
// branch. Pagination is pushed to SQL via LIMIT/OFFSET.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	filter := postgres.RunFilter{
		ProjectID:    r.URL.Query().Get("project_id"),
		RunType:      r.URL.Query().Get("run_type"),
		Status:       r.URL.Query().Get("status"),
		TargetBranch: r.URL.Query().Get("target_branch"),
		Limit:        limit,
		Offset:       offset,
	}
	if filter.RunType != "" && !domain.ValidRunType(filter.RunType) {
		errorJSON(w, "unknown run_type filter", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	runs, err := s.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	total, err := s.Runs.CountRuns(r.Context(), filter)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": total})
}

// HandleCreateRun creates a run through the lifecycle controller. All
// preconditions (active attractor, model config, provider secret, bundle
// rules, environment resolution, branch lock) are checked before any state
// change; the run comes back QUEUED with its id already on the dispatch queue.
func (s *Server) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.ProjectID == uuid.Nil || req.AttractorDefID == uuid.Nil {
		errorJSON(w, "project_id and attractor_def_id are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	// Omitted run_type falls back to the definition's default.
	if req.RunType == "" {
		def, err := s.Defs.GetDef(r.Context(), req.AttractorDefID.String())
		if err != nil {
			internalError(w, "internal error", err)
			return
		}
		if def == nil {
			errorJSON(w, "attractor not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		req.RunType = string(def.DefaultRunType)
	}

	run, err := s.Lifecycle.CreateRun(r.Context(), lifecycle.CreateRunInput{
		ProjectID:      req.ProjectID,
		AttractorDefID: req.AttractorDefID,
		RunType:        req.RunType,
		SourceBranch:   req.SourceBranch,
		TargetBranch:   req.TargetBranch,
		EnvironmentID:  req.EnvironmentID,
		SpecBundleID:   req.SpecBundleID,
		LinkedIssueRef: req.LinkedIssueRef,
		Force:          req.Force,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// HandleGetRun returns a single run by id.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if run == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleCancelRun cancels a QUEUED or RUNNING run.
func (s *Server) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "run id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	run, err := s.Lifecycle.Cancel(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleSelfIterate chains an implementation run onto a succeeded planning
// run: the planning run's spec bundle and attractor are carried over, and the
// new run's queued event records the source planning run.
func (s *Server) HandleSelfIterate(w http.ResponseWriter, r *http.Request) {
	planning, err := s.Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if planning == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if planning.RunType != domain.RunTypePlanning {
		errorJSON(w, "self-iterate requires a planning run", "FAILED_PRECONDITION", http.StatusUnprocessableEntity)
		return
	}
	if planning.Status != domain.RunStatusSucceeded {
		errorJSON(w, "planning run has not succeeded", "FAILED_PRECONDITION", http.StatusUnprocessableEntity)
		return
	}
	if planning.SpecBundleID == nil {
		errorJSON(w, "planning run produced no spec bundle", "FAILED_PRECONDITION", http.StatusUnprocessableEntity)
		return
	}

	var req SelfIterateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.SourceBranch == "" {
		req.SourceBranch = planning.SourceBranch
	}

	run, err := s.Lifecycle.CreateRun(r.Context(), lifecycle.CreateRunInput{
		ProjectID:           planning.ProjectID,
		AttractorDefID:      planning.AttractorDefID,
		RunType:             string(domain.RunTypeImplementation),
		SourceBranch:        req.SourceBranch,
		TargetBranch:        req.TargetBranch,
		EnvironmentID:       req.EnvironmentID,
		SpecBundleID:        planning.SpecBundleID,
		SourcePlanningRunID: &planning.ID,
		Force:               req.Force,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// HandleRunOutcomes returns the run's per-node attempt records in order.
func (s *Server) HandleRunOutcomes(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "run id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	outcomes, err := s.Outcomes.ListOutcomes(r.Context(), runID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if outcomes == nil {
		outcomes = []domain.RunNodeOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// HandleRunBundle returns the spec bundle produced by (or attached to) a run.
func (s *Server) HandleRunBundle(w http.ResponseWriter, r *http.Request) {
	run, err := s.Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if run == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	bundle, err := s.Bundles.GetBundleForRun(r.Context(), run.ID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if bundle == nil {
		errorJSON(w, "run has no spec bundle", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}
