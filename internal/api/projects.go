package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/domain"
)

// ProjectStore defines the persistence interface for projects.
// Implemented by postgres.ProjectStore.
type ProjectStore interface {
	ListProjects(ctx context.Context) ([]domain.Project, error)
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	GetProjectByNamespace(ctx context.Context, namespace string) (*domain.Project, error)
	CreateProject(ctx context.Context, p *domain.Project) error
	UpdateProject(ctx context.Context, id string, name, defaultBranch, repoFullName *string, defaultEnvironmentID *uuid.UUID) (*domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
}

// CreateProjectRequest is the JSON body for POST /api/v1/projects.
type CreateProjectRequest struct {
	Name            string  `json:"name"`
	Namespace       string  `json:"namespace"`
	DefaultBranch   string  `json:"default_branch"`
	RepoFullName    *string `json:"repo_full_name,omitempty"`
	InstallationRef *string `json:"installation_ref,omitempty"`
}

// UpdateProjectRequest is the JSON body for PUT /api/v1/projects/{projectID}.
// Absent fields are left unchanged.
type UpdateProjectRequest struct {
	Name                 *string    `json:"name,omitempty"`
	DefaultBranch        *string    `json:"default_branch,omitempty"`
	RepoFullName         *string    `json:"repo_full_name,omitempty"`
	DefaultEnvironmentID *uuid.UUID `json:"default_environment_id,omitempty"`
}

// MountProjectRoutes registers project endpoints on the router.
func MountProjectRoutes(r chi.Router, srv *Server) {
	r.Get("/projects", srv.HandleListProjects)
	r.Post("/projects", srv.HandleCreateProject)
	r.Get("/projects/{projectID}", srv.HandleGetProject)
	r.Put("/projects/{projectID}", srv.HandleUpdateProject)
	r.Delete("/projects/{projectID}", srv.HandleDeleteProject)
	r.Get("/projects/{projectID}/attractors", srv.HandleListProjectAttractors)
	r.Post("/projects/{projectID}/attractors", srv.HandleCreateProjectAttractor)
}

// HandleListProjects returns all registered projects.
func (s *Server) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Projects.ListProjects(r.Context())
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// HandleCreateProject registers a new project.
func (s *Server) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Namespace == "" {
		errorJSON(w, "name and namespace are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !validName(req.Namespace) {
		errorJSON(w, "namespace must be a lowercase slug", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}

	project := &domain.Project{
		Name:            req.Name,
		Namespace:       req.Namespace,
		DefaultBranch:   req.DefaultBranch,
		RepoFullName:    req.RepoFullName,
		InstallationRef: req.InstallationRef,
	}
	if err := s.Projects.CreateProject(r.Context(), project); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, "namespace already registered", "ALREADY_EXISTS", http.StatusConflict)
			return
		}
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// getProject reads a project through the cache when one is configured.
func (s *Server) getProject(ctx context.Context, id string) (*domain.Project, error) {
	if s.ProjectCache != nil {
		if p, ok := s.ProjectCache.Get(id); ok {
			return p, nil
		}
	}
	p, err := s.Projects.GetProject(ctx, id)
	if err != nil || p == nil {
		return p, err
	}
	if s.ProjectCache != nil {
		s.ProjectCache.Set(id, p)
	}
	return p, nil
}

// HandleGetProject returns a single project by id.
func (s *Server) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.getProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if project == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// HandleUpdateProject patches project metadata.
func (s *Server) HandleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")

	var req UpdateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	project, err := s.Projects.UpdateProject(r.Context(), id,
		req.Name, req.DefaultBranch, req.RepoFullName, req.DefaultEnvironmentID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if project == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if s.ProjectCache != nil {
		s.ProjectCache.Delete(id)
	}
	writeJSON(w, http.StatusOK, project)
}

// HandleDeleteProject removes a project and everything owned by it.
func (s *Server) HandleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")

	project, err := s.Projects.GetProject(r.Context(), id)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if project == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if err := s.Projects.DeleteProject(r.Context(), id); err != nil {
		internalError(w, "internal error", err)
		return
	}
	if s.ProjectCache != nil {
		s.ProjectCache.Delete(id)
	}
	w.WriteHeader(http.StatusNoContent)
}
