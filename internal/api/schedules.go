package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/scheduler"
)

// ScheduleStore defines the persistence interface for run schedules.
// Implemented by postgres.ScheduleStore.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]domain.RunSchedule, error)
	GetSchedule(ctx context.Context, id string) (*domain.RunSchedule, error)
	CreateSchedule(ctx context.Context, s *domain.RunSchedule) error
	UpdateSchedule(ctx context.Context, id string, cronExpr *string, enabled *bool) (*domain.RunSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// CreateScheduleRequest is the JSON body for POST /api/v1/schedules.
type CreateScheduleRequest struct {
	ProjectID      uuid.UUID `json:"project_id"`
	AttractorDefID uuid.UUID `json:"attractor_def_id"`
	RunType        string    `json:"run_type"`
	SourceBranch   string    `json:"source_branch"`
	TargetBranch   string    `json:"target_branch"`
	CronExpr       string    `json:"cron_expr"`
	Enabled        *bool     `json:"enabled,omitempty"` // default true
}

// UpdateScheduleRequest is the JSON body for PUT /api/v1/schedules/{scheduleID}.
// Absent fields are left unchanged.
type UpdateScheduleRequest struct {
	CronExpr *string `json:"cron_expr,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}

// MountScheduleRoutes registers run schedule endpoints on the router.
func MountScheduleRoutes(r chi.Router, srv *Server) {
	r.Get("/schedules", srv.HandleListSchedules)
	r.Post("/schedules", srv.HandleCreateSchedule)
	r.Get("/schedules/{scheduleID}", srv.HandleGetSchedule)
	r.Put("/schedules/{scheduleID}", srv.HandleUpdateSchedule)
	r.Delete("/schedules/{scheduleID}", srv.HandleDeleteSchedule)
}

// HandleListSchedules returns all run schedules.
func (s *Server) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.Schedules.ListSchedules(r.Context())
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if schedules == nil {
		schedules = []domain.RunSchedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

// HandleCreateSchedule registers a cron schedule that fires runs. The run
// itself is validated again at every firing; create-time checks only catch
// what will never work.
func (s *Server) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.ProjectID == uuid.Nil || req.AttractorDefID == uuid.Nil {
		errorJSON(w, "project_id and attractor_def_id are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.SourceBranch == "" || req.TargetBranch == "" {
		errorJSON(w, "source_branch and target_branch are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !domain.ValidRunType(req.RunType) {
		errorJSON(w, "run_type must be one of planning, implementation, task", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if _, err := scheduler.ParseExpr(req.CronExpr); err != nil {
		errorJSON(w, "cron_expr is not a valid five-field cron expression", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	project, err := s.Projects.GetProject(r.Context(), req.ProjectID.String())
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if project == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	def, err := s.Defs.GetDef(r.Context(), req.AttractorDefID.String())
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if def == nil || def.ProjectID != project.ID {
		errorJSON(w, "attractor definition not found in project", "NOT_FOUND", http.StatusNotFound)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &domain.RunSchedule{
		ProjectID:      req.ProjectID,
		AttractorDefID: req.AttractorDefID,
		RunType:        domain.RunType(req.RunType),
		SourceBranch:   req.SourceBranch,
		TargetBranch:   req.TargetBranch,
		CronExpr:       req.CronExpr,
		Enabled:        enabled,
	}
	if err := s.Schedules.CreateSchedule(r.Context(), sched); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// HandleGetSchedule returns one schedule by id.
func (s *Server) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if sched == nil {
		errorJSON(w, "schedule not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// HandleUpdateSchedule patches the cron expression or enabled flag.
func (s *Server) HandleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req UpdateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.CronExpr != nil {
		if _, err := scheduler.ParseExpr(*req.CronExpr); err != nil {
			errorJSON(w, "cron_expr is not a valid five-field cron expression", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
	}

	sched, err := s.Schedules.UpdateSchedule(r.Context(), chi.URLParam(r, "scheduleID"), req.CronExpr, req.Enabled)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if sched == nil {
		errorJSON(w, "schedule not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// HandleDeleteSchedule removes a schedule. Runs it already fired are
// unaffected.
func (s *Server) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if sched == nil {
		errorJSON(w, "schedule not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if err := s.Schedules.DeleteSchedule(r.Context(), sched.ID.String()); err != nil {
		internalError(w, "internal error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
