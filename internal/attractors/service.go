// Package attractors implements the versioned graph content store: canonical
// content addressing, hash-deduped puts, promotion of global graphs into
// projects, and run-time snapshot pinning.
package attractors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/graph"
	"github.com/attractor-dev/attractor/internal/postgres"
	"github.com/attractor-dev/attractor/internal/storage"
	"github.com/google/uuid"
)

// Service coordinates the relational version rows and the object-store blobs.
type Service struct {
	store   *postgres.AttractorStore
	objects storage.Store
	logger  *slog.Logger
}

func NewService(store *postgres.AttractorStore, objects storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, objects: objects, logger: logger}
}

// PutResult reports the outcome of a content put.
type PutResult struct {
	Version       int    `json:"version"`
	ContentPath   string `json:"content_path"`
	ContentSha256 string `json:"content_sha256"`
	SizeBytes     int64  `json:"size_bytes"`
	// Unchanged is true when the canonical content matched the latest
	// version's digest and no new version was written.
	Unchanged bool `json:"unchanged"`
}

// Pin is the content snapshot recorded onto a run at creation.
type Pin struct {
	ContentPath    string `json:"content_path"`
	ContentVersion int    `json:"content_version"`
	ContentSha256  string `json:"content_sha256"`
}

// Canonicalize parses, overlays the stylesheet, and lints content, returning
// the canonical bytes. Lint errors reject the content with per-diagnostic
// detail; the stylesheet overlay is applied before validation but is not
// baked into the stored canonical form.
func Canonicalize(content []byte) ([]byte, error) {
	canonical, g, err := graph.Canonicalize(content)
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "parse attractor content")
	}

	if src := g.Attr("model_stylesheet"); src != "" {
		rules, err := graph.ParseStylesheet(src)
		if err != nil {
			return nil, domain.Wrap(domain.KindValidation, err, "parse model_stylesheet")
		}
		if err := graph.ApplyStylesheet(g, rules); err != nil {
			return nil, domain.Wrap(domain.KindValidation, err, "apply model_stylesheet")
		}
	}

	var errs []string
	for _, d := range graph.Lint(g) {
		if d.Severity == graph.SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return nil, domain.E(domain.KindValidation, "attractor content invalid: %v", errs)
	}
	return canonical, nil
}

// PutProject canonicalizes content and writes a new version for a
// PROJECT-scoped definition when the digest differs from the latest version.
// expectedVersion, when non-nil, is a CAS guard against the definition's
// current content version.
func (s *Service) PutProject(ctx context.Context, def *domain.AttractorDef, content []byte, expectedVersion *int) (*PutResult, error) {
	if def.Scope != domain.ScopeProject {
		return nil, domain.E(domain.KindPrecondition, "attractor %q is a promoted global mirror; edit the global attractor instead", def.Name)
	}
	return s.put(ctx, putTarget{
		global:   false,
		parentID: def.ID,
		pathFor: func(version int) string {
			return storage.ProjectAttractorPath(def.ProjectID, def.Name, version)
		},
	}, content, expectedVersion)
}

// PutGlobal canonicalizes content and writes a new version for a global
// attractor.
func (s *Service) PutGlobal(ctx context.Context, g *domain.GlobalAttractor, content []byte, expectedVersion *int) (*PutResult, error) {
	return s.put(ctx, putTarget{
		global:   true,
		parentID: g.ID,
		pathFor: func(version int) string {
			return storage.GlobalAttractorPath(g.Name, version)
		},
	}, content, expectedVersion)
}

type putTarget struct {
	global   bool
	parentID uuid.UUID
	pathFor  func(version int) string
}

func (s *Service) put(ctx context.Context, target putTarget, content []byte, expectedVersion *int) (*PutResult, error) {
	canonical, err := Canonicalize(content)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(canonical)
	digest := hex.EncodeToString(sum[:])

	latest, err := s.store.LatestVersion(ctx, target.global, target.parentID)
	if err != nil {
		return nil, err
	}

	current := 0
	if latest != nil {
		current = latest.Version
	}
	if expectedVersion != nil && *expectedVersion != current {
		return nil, domain.E(domain.KindConflict,
			"content version mismatch: expected %d, current %d", *expectedVersion, current)
	}

	// Identical canonical content keeps the current version: no new blob,
	// no new row, pointer unchanged.
	if latest != nil && latest.ContentSha256 == digest {
		return &PutResult{
			Version:       latest.Version,
			ContentPath:   latest.ContentPath,
			ContentSha256: latest.ContentSha256,
			SizeBytes:     latest.SizeBytes,
			Unchanged:     true,
		}, nil
	}

	next := current + 1
	path := target.pathFor(next)
	if err := s.objects.WriteFile(ctx, path, canonical); err != nil {
		return nil, fmt.Errorf("write attractor blob: %w", err)
	}

	v := &domain.AttractorVersion{
		ParentID:      target.parentID,
		ContentPath:   path,
		ContentSha256: digest,
		SizeBytes:     int64(len(canonical)),
	}
	// CAS against the version we just read keeps the blob path and the
	// assigned version number consistent under concurrent puts.
	if err := s.store.InsertVersion(ctx, target.global, v, &current); err != nil {
		return nil, err
	}

	s.logger.Info("attractor version written",
		"parent_id", target.parentID, "version", v.Version, "sha256", digest, "global", target.global)

	return &PutResult{
		Version:       v.Version,
		ContentPath:   path,
		ContentSha256: digest,
		SizeBytes:     v.SizeBytes,
	}, nil
}

// Promote upserts the GLOBAL-scoped mirror of a global attractor into each
// given project. PROJECT-scoped definitions with the same name stay distinct.
func (s *Service) Promote(ctx context.Context, g *domain.GlobalAttractor, projectIDs []uuid.UUID) ([]domain.AttractorDef, error) {
	mirrors := make([]domain.AttractorDef, 0, len(projectIDs))
	for _, pid := range projectIDs {
		d, err := s.store.UpsertGlobalMirror(ctx, pid, g)
		if err != nil {
			return nil, fmt.Errorf("promote %q to project %s: %w", g.Name, pid, err)
		}
		mirrors = append(mirrors, *d)
	}
	return mirrors, nil
}

// PinForRun resolves the definition's latest storage-backed content and
// returns the snapshot to record onto a run. Definitions with no stored
// content are legacy-only and rejected.
func (s *Service) PinForRun(ctx context.Context, def *domain.AttractorDef) (*Pin, error) {
	global := def.Scope == domain.ScopeGlobal
	parentID := def.ID
	if global {
		// Mirror rows pin against their global source of truth.
		src, err := s.store.GetGlobalByName(ctx, def.Name)
		if err != nil {
			return nil, err
		}
		if src == nil {
			return nil, domain.E(domain.KindNotFound, "global attractor %q not found", def.Name)
		}
		parentID = src.ID
	}

	latest, err := s.store.LatestVersion(ctx, global, parentID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, domain.E(domain.KindPrecondition,
			"attractor %q has no storage-backed content; legacy repo-path attractors cannot be pinned", def.Name)
	}

	// Validate the stored blob still matches the recorded digest when the
	// object is readable; a missing or corrupted blob must not be pinned.
	fc, err := s.objects.ReadFile(ctx, latest.ContentPath)
	if err != nil {
		return nil, fmt.Errorf("read pinned attractor content: %w", err)
	}
	if fc == nil {
		return nil, domain.E(domain.KindPrecondition,
			"attractor content %s is missing from storage", latest.ContentPath)
	}
	sum := sha256.Sum256(fc.Content)
	if got := hex.EncodeToString(sum[:]); got != latest.ContentSha256 {
		return nil, domain.E(domain.KindPrecondition,
			"attractor content %s digest mismatch: recorded %s, stored %s",
			latest.ContentPath, latest.ContentSha256, got)
	}

	return &Pin{
		ContentPath:    latest.ContentPath,
		ContentVersion: latest.Version,
		ContentSha256:  latest.ContentSha256,
	}, nil
}

// ReadPinned fetches pinned content and verifies its digest. Workers call
// this instead of trusting the bucket contents.
func (s *Service) ReadPinned(ctx context.Context, pin Pin) ([]byte, error) {
	fc, err := s.objects.ReadFile(ctx, pin.ContentPath)
	if err != nil {
		return nil, fmt.Errorf("read attractor content: %w", err)
	}
	if fc == nil {
		return nil, domain.E(domain.KindPrecondition, "attractor content %s is missing from storage", pin.ContentPath)
	}
	sum := sha256.Sum256(fc.Content)
	if got := hex.EncodeToString(sum[:]); got != pin.ContentSha256 {
		return nil, domain.E(domain.KindPrecondition,
			"attractor content %s digest mismatch: pinned %s, stored %s", pin.ContentPath, pin.ContentSha256, got)
	}
	return fc.Content, nil
}

// Versions lists a definition's version rows, newest first.
func (s *Service) Versions(ctx context.Context, global bool, parentID uuid.UUID) ([]domain.AttractorVersion, error) {
	return s.store.ListVersions(ctx, global, parentID)
}

// ReadVersion returns the content of one pinned version.
func (s *Service) ReadVersion(ctx context.Context, global bool, parentID uuid.UUID, version int) (*domain.AttractorVersion, []byte, error) {
	v, err := s.store.GetVersion(ctx, global, parentID, version)
	if err != nil {
		return nil, nil, err
	}
	if v == nil {
		return nil, nil, nil
	}
	fc, err := s.objects.ReadFile(ctx, v.ContentPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read attractor version content: %w", err)
	}
	if fc == nil {
		return v, nil, nil
	}
	return v, fc.Content, nil
}
