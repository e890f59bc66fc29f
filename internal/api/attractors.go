package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/attractors"
	"github.com/attractor-dev/attractor/internal/domain"
)

// AttractorDefStore defines the persistence interface for attractor
// definitions and globals. Implemented by postgres.AttractorStore.
type AttractorDefStore interface {
	ListDefs(ctx context.Context, projectID uuid.UUID) ([]domain.AttractorDef, error)
	GetDef(ctx context.Context, id string) (*domain.AttractorDef, error)
	CreateDef(ctx context.Context, d *domain.AttractorDef) error
	UpdateDef(ctx context.Context, id string, defaultRunType, description *string, modelConfig []byte, active *bool) (*domain.AttractorDef, error)
	ListGlobals(ctx context.Context) ([]domain.GlobalAttractor, error)
	GetGlobal(ctx context.Context, id string) (*domain.GlobalAttractor, error)
	CreateGlobal(ctx context.Context, g *domain.GlobalAttractor) error
}

// ContentService is the versioned content store surface the handlers use.
// Implemented by attractors.Service.
type ContentService interface {
	PutProject(ctx context.Context, def *domain.AttractorDef, content []byte, expectedVersion *int) (*attractors.PutResult, error)
	PutGlobal(ctx context.Context, g *domain.GlobalAttractor, content []byte, expectedVersion *int) (*attractors.PutResult, error)
	Promote(ctx context.Context, g *domain.GlobalAttractor, projectIDs []uuid.UUID) ([]domain.AttractorDef, error)
	Versions(ctx context.Context, global bool, parentID uuid.UUID) ([]domain.AttractorVersion, error)
	ReadVersion(ctx context.Context, global bool, parentID uuid.UUID, version int) (*domain.AttractorVersion, []byte, error)
}

// CreateAttractorRequest is the JSON body for creating a project attractor
// or a global attractor. Content is the DOT source of version 1.
type CreateAttractorRequest struct {
	Name           string          `json:"name"`
	DefaultRunType string          `json:"default_run_type"`
	ModelConfig    json.RawMessage `json:"model_config"`
	Description    string          `json:"description,omitempty"`
	Content        string          `json:"content"`
}

// UpdateAttractorRequest patches definition metadata; content goes through
// the content endpoint.
type UpdateAttractorRequest struct {
	DefaultRunType *string         `json:"default_run_type,omitempty"`
	Description    *string         `json:"description,omitempty"`
	ModelConfig    json.RawMessage `json:"model_config,omitempty"`
	Active         *bool           `json:"active,omitempty"`
}

// PromoteRequest names the projects a global attractor is promoted into.
type PromoteRequest struct {
	ProjectIDs []uuid.UUID `json:"project_ids"`
}

// MountAttractorRoutes registers attractor endpoints on the router. The
// project-scoped list/create routes live under /projects and are mounted by
// MountProjectRoutes.
func MountAttractorRoutes(r chi.Router, srv *Server) {
	r.Get("/attractors/{defID}", srv.HandleGetAttractor)
	r.Put("/attractors/{defID}", srv.HandleUpdateAttractor)
	r.Put("/attractors/{defID}/content", srv.HandlePutAttractorContent)
	r.Get("/attractors/{defID}/versions", srv.HandleListAttractorVersions)
	r.Get("/attractors/{defID}/versions/{version}", srv.HandleGetAttractorVersion)

	r.Get("/global-attractors", srv.HandleListGlobalAttractors)
	r.Post("/global-attractors", srv.HandleCreateGlobalAttractor)
	r.Get("/global-attractors/{globalID}", srv.HandleGetGlobalAttractor)
	r.Put("/global-attractors/{globalID}/content", srv.HandlePutGlobalContent)
	r.Post("/global-attractors/{globalID}/promote", srv.HandlePromoteGlobal)
	r.Get("/global-attractors/{globalID}/versions", srv.HandleListGlobalVersions)
	r.Get("/global-attractors/{globalID}/versions/{version}", srv.HandleGetGlobalVersion)
}

// HandleListProjectAttractors returns the project's attractor definitions,
// promoted mirrors included.
func (s *Server) HandleListProjectAttractors(w http.ResponseWriter, r *http.Request) {
	project, err := s.getProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if project == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	defs, err := s.Defs.ListDefs(r.Context(), project.ID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if defs == nil {
		defs = []domain.AttractorDef{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attractors": defs})
}

// HandleCreateProjectAttractor registers a PROJECT-scoped definition and
// writes content version 1.
func (s *Server) HandleCreateProjectAttractor(w http.ResponseWriter, r *http.Request) {
	project, err := s.getProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if project == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	var req CreateAttractorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Content == "" {
		errorJSON(w, "name and content are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !validName(req.Name) {
		errorJSON(w, "name must be a lowercase slug", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.DefaultRunType != "" && !domain.ValidRunType(req.DefaultRunType) {
		errorJSON(w, "unknown default_run_type", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.DefaultRunType == "" {
		req.DefaultRunType = string(domain.RunTypeTask)
	}

	def := &domain.AttractorDef{
		ProjectID:      project.ID,
		Scope:          domain.ScopeProject,
		Name:           req.Name,
		DefaultRunType: domain.RunType(req.DefaultRunType),
		ModelConfig:    req.ModelConfig,
		Active:         true,
		Description:    req.Description,
	}
	if err := s.Defs.CreateDef(r.Context(), def); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, "attractor name already exists in project", "ALREADY_EXISTS", http.StatusConflict)
			return
		}
		internalError(w, "internal error", err)
		return
	}

	result, err := s.Content.PutProject(r.Context(), def, []byte(req.Content), nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	def.ContentPath = result.ContentPath
	def.ContentVersion = result.Version

	writeJSON(w, http.StatusCreated, map[string]any{
		"attractor": def,
		"content":   result,
	})
}

// HandleGetAttractor returns a single definition by id.
func (s *Server) HandleGetAttractor(w http.ResponseWriter, r *http.Request) {
	def, err := s.Defs.GetDef(r.Context(), chi.URLParam(r, "defID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if def == nil {
		errorJSON(w, "attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// HandleUpdateAttractor patches mutable metadata. Promoted GLOBAL mirrors
// are read-only through the project API.
func (s *Server) HandleUpdateAttractor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "defID")

	def, err := s.Defs.GetDef(r.Context(), id)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if def == nil {
		errorJSON(w, "attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if def.Scope == domain.ScopeGlobal {
		errorJSON(w, "promoted global mirrors are read-only; edit the global attractor", "FAILED_PRECONDITION", http.StatusUnprocessableEntity)
		return
	}

	var req UpdateAttractorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.DefaultRunType != nil && !domain.ValidRunType(*req.DefaultRunType) {
		errorJSON(w, "unknown default_run_type", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	updated, err := s.Defs.UpdateDef(r.Context(), id, req.DefaultRunType, req.Description, req.ModelConfig, req.Active)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if updated == nil {
		errorJSON(w, "attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// expectedVersionParam parses the optional expected_content_version CAS guard.
func expectedVersionParam(r *http.Request) (*int, bool) {
	v := r.URL.Query().Get("expected_content_version")
	if v == "" {
		return nil, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil, false
	}
	return &n, true
}

// readContentBody reads the raw DOT source from the request body.
func readContentBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	content, err := io.ReadAll(r.Body)
	if err != nil {
		errorJSON(w, "failed to read request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return nil, false
	}
	if len(content) == 0 {
		errorJSON(w, "content is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return nil, false
	}
	return content, true
}

// HandlePutAttractorContent uploads new graph content for a PROJECT-scoped
// definition. The body is the raw DOT source; ?expected_content_version=N
// is an optional CAS guard. Identical content is deduplicated.
func (s *Server) HandlePutAttractorContent(w http.ResponseWriter, r *http.Request) {
	def, err := s.Defs.GetDef(r.Context(), chi.URLParam(r, "defID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if def == nil {
		errorJSON(w, "attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	expected, ok := expectedVersionParam(r)
	if !ok {
		errorJSON(w, "expected_content_version must be a non-negative integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	content, ok := readContentBody(w, r)
	if !ok {
		return
	}

	result, err := s.Content.PutProject(r.Context(), def, content, expected)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleListAttractorVersions returns the definition's immutable version history.
func (s *Server) HandleListAttractorVersions(w http.ResponseWriter, r *http.Request) {
	def, err := s.Defs.GetDef(r.Context(), chi.URLParam(r, "defID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if def == nil {
		errorJSON(w, "attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	versions, err := s.Content.Versions(r.Context(), false, def.ID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if versions == nil {
		versions = []domain.AttractorVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// HandleGetAttractorVersion returns one version's metadata and content.
func (s *Server) HandleGetAttractorVersion(w http.ResponseWriter, r *http.Request) {
	def, err := s.Defs.GetDef(r.Context(), chi.URLParam(r, "defID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if def == nil {
		errorJSON(w, "attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	s.writeVersion(w, r, false, def.ID)
}

// writeVersion is the shared single-version read for project and global scopes.
func (s *Server) writeVersion(w http.ResponseWriter, r *http.Request, global bool, parentID uuid.UUID) {
	n, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || n < 1 {
		errorJSON(w, "version must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	version, content, err := s.Content.ReadVersion(r.Context(), global, parentID, n)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if version == nil {
		errorJSON(w, "version not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version,
		"content": string(content),
	})
}

// HandleListGlobalAttractors returns all global attractors.
func (s *Server) HandleListGlobalAttractors(w http.ResponseWriter, r *http.Request) {
	globals, err := s.Defs.ListGlobals(r.Context())
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if globals == nil {
		globals = []domain.GlobalAttractor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"global_attractors": globals})
}

// HandleCreateGlobalAttractor registers a global attractor with content v1.
func (s *Server) HandleCreateGlobalAttractor(w http.ResponseWriter, r *http.Request) {
	var req CreateAttractorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Content == "" {
		errorJSON(w, "name and content are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !validName(req.Name) {
		errorJSON(w, "name must be a lowercase slug", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.DefaultRunType != "" && !domain.ValidRunType(req.DefaultRunType) {
		errorJSON(w, "unknown default_run_type", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.DefaultRunType == "" {
		req.DefaultRunType = string(domain.RunTypeTask)
	}

	g := &domain.GlobalAttractor{
		Name:           req.Name,
		DefaultRunType: domain.RunType(req.DefaultRunType),
		ModelConfig:    req.ModelConfig,
		Description:    req.Description,
		Active:         true,
	}
	if err := s.Defs.CreateGlobal(r.Context(), g); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, "global attractor name already exists", "ALREADY_EXISTS", http.StatusConflict)
			return
		}
		internalError(w, "internal error", err)
		return
	}

	result, err := s.Content.PutGlobal(r.Context(), g, []byte(req.Content), nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	g.ContentPath = result.ContentPath
	g.ContentVersion = result.Version

	writeJSON(w, http.StatusCreated, map[string]any{
		"global_attractor": g,
		"content":          result,
	})
}

// HandleGetGlobalAttractor returns a single global attractor by id.
func (s *Server) HandleGetGlobalAttractor(w http.ResponseWriter, r *http.Request) {
	g, err := s.Defs.GetGlobal(r.Context(), chi.URLParam(r, "globalID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if g == nil {
		errorJSON(w, "global attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// HandlePutGlobalContent uploads new content for a global attractor.
func (s *Server) HandlePutGlobalContent(w http.ResponseWriter, r *http.Request) {
	g, err := s.Defs.GetGlobal(r.Context(), chi.URLParam(r, "globalID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if g == nil {
		errorJSON(w, "global attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	expected, ok := expectedVersionParam(r)
	if !ok {
		errorJSON(w, "expected_content_version must be a non-negative integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	content, ok := readContentBody(w, r)
	if !ok {
		return
	}

	result, err := s.Content.PutGlobal(r.Context(), g, content, expected)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandlePromoteGlobal mirrors a global attractor into the named projects as
// read-only GLOBAL-scoped definitions pinned at the current version.
func (s *Server) HandlePromoteGlobal(w http.ResponseWriter, r *http.Request) {
	g, err := s.Defs.GetGlobal(r.Context(), chi.URLParam(r, "globalID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if g == nil {
		errorJSON(w, "global attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	var req PromoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if len(req.ProjectIDs) == 0 {
		errorJSON(w, "project_ids is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	mirrors, err := s.Content.Promote(r.Context(), g, req.ProjectIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attractors": mirrors})
}

// HandleListGlobalVersions returns a global attractor's version history.
func (s *Server) HandleListGlobalVersions(w http.ResponseWriter, r *http.Request) {
	g, err := s.Defs.GetGlobal(r.Context(), chi.URLParam(r, "globalID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if g == nil {
		errorJSON(w, "global attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	versions, err := s.Content.Versions(r.Context(), true, g.ID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if versions == nil {
		versions = []domain.AttractorVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// HandleGetGlobalVersion returns one global version's metadata and content.
func (s *Server) HandleGetGlobalVersion(w http.ResponseWriter, r *http.Request) {
	g, err := s.Defs.GetGlobal(r.Context(), chi.URLParam(r, "globalID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if g == nil {
		errorJSON(w, "global attractor not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	s.writeVersion(w, r, true, g.ID)
}
