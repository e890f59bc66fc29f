package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/domain"
)

// ArtifactStore defines the read interface for run artifacts. Implemented by
// postgres.ArtifactStore; artifact rows are written by the worker.
type ArtifactStore interface {
	ListArtifacts(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error)
	GetArtifactByKey(ctx context.Context, runID uuid.UUID, key string) (*domain.Artifact, error)
}

// HandleListArtifacts returns the run's artifact index.
func (s *Server) HandleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "run id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	artifacts, err := s.Artifacts.ListArtifacts(r.Context(), runID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if artifacts == nil {
		artifacts = []domain.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

// HandleDownloadArtifact streams one artifact's bytes. The key is the
// wildcard remainder of the path, so slashed keys like reviewers/security.md
// resolve naturally.
func (s *Server) HandleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "run id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	key := chi.URLParam(r, "*")
	if key == "" {
		errorJSON(w, "artifact key is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	artifact, err := s.Artifacts.GetArtifactByKey(r.Context(), runID, key)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if artifact == nil {
		errorJSON(w, "artifact not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	content, err := s.Objects.ReadFile(r.Context(), artifact.Path)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if content == nil {
		errorJSON(w, "artifact object missing from store", "NOT_FOUND", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", artifactContentType(artifact))
	w.WriteHeader(http.StatusOK)
	w.Write(content.Content) //nolint:errcheck // client disconnects are not actionable
}

// artifactContentType prefers the recorded type, then the key's extension.
func artifactContentType(a *domain.Artifact) string {
	if a.ContentType != nil && *a.ContentType != "" {
		return *a.ContentType
	}
	switch {
	case strings.HasSuffix(a.Key, ".md"):
		return "text/markdown; charset=utf-8"
	case strings.HasSuffix(a.Key, ".json"):
		return "application/json"
	case strings.HasSuffix(a.Key, ".patch"), strings.HasSuffix(a.Key, ".diff"):
		return "text/x-patch; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
