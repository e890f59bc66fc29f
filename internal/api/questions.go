package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/domain"
)

// QuestionStore defines the persistence interface for human-in-the-loop
// questions. Implemented by postgres.QuestionStore.
type QuestionStore interface {
	ListQuestions(ctx context.Context, runID uuid.UUID) ([]domain.RunQuestion, error)
	GetQuestion(ctx context.Context, id string) (*domain.RunQuestion, error)
	Answer(ctx context.Context, id string, answer string) (*domain.RunQuestion, error)
}

// AnswerRequest is the JSON body for POST /api/v1/questions/{questionID}/answer.
type AnswerRequest struct {
	Answer string `json:"answer"`
}

// MountQuestionRoutes registers question endpoints on the router. The
// per-run listing lives under /runs and is mounted by MountRunRoutes.
func MountQuestionRoutes(r chi.Router, srv *Server) {
	r.Get("/questions/{questionID}", srv.HandleGetQuestion)
	r.Post("/questions/{questionID}/answer", srv.HandleAnswerQuestion)
}

// HandleListRunQuestions returns a run's questions in creation order.
func (s *Server) HandleListRunQuestions(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "run id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	questions, err := s.Questions.ListQuestions(r.Context(), runID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

// HandleGetQuestion returns a single question by id.
func (s *Server) HandleGetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := s.Questions.GetQuestion(r.Context(), chi.URLParam(r, "questionID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if q == nil {
		errorJSON(w, "question not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandleAnswerQuestion answers a PENDING question. The waiting engine picks
// the answer up on its next poll. Re-answering an ANSWERED question is a
// no-op that returns the stored row; TIMEOUT questions reject the answer.
func (s *Server) HandleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Answer == "" {
		errorJSON(w, "answer is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "questionID")
	q, err := s.Questions.Answer(r.Context(), id, req.Answer)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if q == nil {
		errorJSON(w, "question not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if q.Status == domain.QuestionTimeout {
		errorJSON(w, "question timed out and can no longer be answered", "FAILED_PRECONDITION", http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
