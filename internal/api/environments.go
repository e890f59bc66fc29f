package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/attractor-dev/attractor/internal/domain"
)

// EnvironmentStore defines the persistence interface for environments.
// Implemented by postgres.EnvironmentStore.
type EnvironmentStore interface {
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	CreateEnvironment(ctx context.Context, e *domain.Environment) error
	UpdateEnvironment(ctx context.Context, id string, runnerImageRef, serviceAccount *string, active *bool) (*domain.Environment, error)
}

// CreateEnvironmentRequest is the JSON body for POST /api/v1/environments.
type CreateEnvironmentRequest struct {
	Name             string          `json:"name"`
	Kind             string          `json:"kind"`
	RunnerImageRef   string          `json:"runner_image_ref"`
	ServiceAccount   *string         `json:"service_account,omitempty"`
	ResourceRequests json.RawMessage `json:"resource_requests,omitempty"`
	ResourceLimits   json.RawMessage `json:"resource_limits,omitempty"`
}

// UpdateEnvironmentRequest is the JSON body for PUT /api/v1/environments/{envID}.
type UpdateEnvironmentRequest struct {
	RunnerImageRef *string `json:"runner_image_ref,omitempty"`
	ServiceAccount *string `json:"service_account,omitempty"`
	Active         *bool   `json:"active,omitempty"`
}

// MountEnvironmentRoutes registers environment endpoints on the router.
func MountEnvironmentRoutes(r chi.Router, srv *Server) {
	r.Get("/environments", srv.HandleListEnvironments)
	r.Post("/environments", srv.HandleCreateEnvironment)
	r.Get("/environments/{envID}", srv.HandleGetEnvironment)
	r.Put("/environments/{envID}", srv.HandleUpdateEnvironment)
}

// HandleListEnvironments returns all environments, active and inactive.
func (s *Server) HandleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.Environments.ListEnvironments(r.Context())
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if envs == nil {
		envs = []domain.Environment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

// HandleCreateEnvironment registers a workload profile. The runner image
// must be pinned by content digest.
func (s *Server) HandleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.RunnerImageRef == "" {
		errorJSON(w, "name and runner_image_ref are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !validName(req.Name) {
		errorJSON(w, "name must be a lowercase slug", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !domain.DigestPinned(req.RunnerImageRef) {
		errorJSON(w, "runner_image_ref must be pinned by digest (…@sha256:<64 hex>)", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	kind := domain.EnvironmentKind(req.Kind)
	if kind == "" {
		kind = domain.EnvironmentKindContainerJob
	}
	if kind != domain.EnvironmentKindContainerJob {
		errorJSON(w, "unsupported environment kind", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	env := &domain.Environment{
		Name:             req.Name,
		Kind:             kind,
		RunnerImageRef:   req.RunnerImageRef,
		ServiceAccount:   req.ServiceAccount,
		ResourceRequests: req.ResourceRequests,
		ResourceLimits:   req.ResourceLimits,
		Active:           true,
	}
	if err := s.Environments.CreateEnvironment(r.Context(), env); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, "environment name already registered", "ALREADY_EXISTS", http.StatusConflict)
			return
		}
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

// HandleGetEnvironment returns a single environment by id.
func (s *Server) HandleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.Environments.GetEnvironment(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if env == nil {
		errorJSON(w, "environment not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// HandleUpdateEnvironment patches mutable environment fields. In-flight runs
// are unaffected; they carry a snapshot taken at dispatch.
func (s *Server) HandleUpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req UpdateEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.RunnerImageRef != nil && !domain.DigestPinned(*req.RunnerImageRef) {
		errorJSON(w, "runner_image_ref must be pinned by digest (…@sha256:<64 hex>)", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	env, err := s.Environments.UpdateEnvironment(r.Context(), chi.URLParam(r, "envID"),
		req.RunnerImageRef, req.ServiceAccount, req.Active)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if env == nil {
		errorJSON(w, "environment not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, env)
}
