package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Spec bundle layout. A planning run produces these files under
// SpecBundlePrefix; the manifest is written last so a bundle with a manifest
// is always complete.
const (
	BundleManifestFile = "manifest.json"

	bundleSchemaV1 = "v1"
)

// requiredBundleFiles must all be present for a bundle to be consumable by
// an implementation run.
var requiredBundleFiles = []string{
	"plan.md",
	"requirements.md",
	"tasks.json",
	"acceptance-tests.md",
}

// BundleMeta identifies the planning run that produced a bundle and the
// repository state it planned against.
type BundleMeta struct {
	ProjectID    uuid.UUID
	RunID        uuid.UUID
	Repo         string
	SourceBranch string
}

// BundleManifest is the bundle's manifest.json document. Checksums maps file
// name to the hex SHA-256 of its content.
type BundleManifest struct {
	SchemaVersion string                `json:"schema_version"`
	ProjectID     uuid.UUID             `json:"project_id"`
	SourceRunID   uuid.UUID             `json:"source_run_id"`
	Repo          string                `json:"repo"`
	SourceBranch  string                `json:"source_branch"`
	CreatedAt     time.Time             `json:"created_at"`
	Artifacts     []BundleManifestEntry `json:"artifacts"`
	Checksums     map[string]string     `json:"checksums"`
}

// BundleManifestEntry names one bundle file and its object key.
type BundleManifestEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// BundleStore writes and validates spec bundles on top of a Store.
type BundleStore struct {
	store Store
}

// NewBundleStore creates a BundleStore that delegates to the given Store.
func NewBundleStore(store Store) *BundleStore {
	return &BundleStore{store: store}
}

// WriteBundle persists a planning run's bundle files and then the manifest.
// All required files must be present; extra files are allowed and recorded.
// Returns the manifest's object key.
func (b *BundleStore) WriteBundle(ctx context.Context, meta BundleMeta, files map[string][]byte) (string, error) {
	for _, name := range requiredBundleFiles {
		if _, ok := files[name]; !ok {
			return "", fmt.Errorf("bundle missing required file %q", name)
		}
	}

	manifest := BundleManifest{
		SchemaVersion: bundleSchemaV1,
		ProjectID:     meta.ProjectID,
		SourceRunID:   meta.RunID,
		Repo:          meta.Repo,
		SourceBranch:  meta.SourceBranch,
		CreatedAt:     time.Now().UTC(),
		Checksums:     make(map[string]string, len(files)),
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		content := files[name]
		path := SpecBundlePath(meta.ProjectID, meta.RunID, name)
		if err := b.store.WriteFile(ctx, path, content); err != nil {
			return "", fmt.Errorf("write bundle file %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		manifest.Artifacts = append(manifest.Artifacts, BundleManifestEntry{Name: name, Path: path})
		manifest.Checksums[name] = hex.EncodeToString(sum[:])
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle manifest: %w", err)
	}

	manifestPath := SpecBundlePath(meta.ProjectID, meta.RunID, BundleManifestFile)
	if err := b.store.WriteFile(ctx, manifestPath, data); err != nil {
		return "", fmt.Errorf("write bundle manifest: %w", err)
	}
	return manifestPath, nil
}

// ReadManifest reads and validates a bundle manifest by object key.
// Returns nil, nil when the manifest does not exist.
func (b *BundleStore) ReadManifest(ctx context.Context, manifestPath string) (*BundleManifest, error) {
	fc, err := b.store.ReadFile(ctx, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read bundle manifest: %w", err)
	}
	if fc == nil {
		return nil, nil
	}

	var manifest BundleManifest
	if err := json.Unmarshal(fc.Content, &manifest); err != nil {
		return nil, fmt.Errorf("parse bundle manifest: %w", err)
	}
	if manifest.SchemaVersion != bundleSchemaV1 {
		return nil, fmt.Errorf("unsupported bundle schema %q", manifest.SchemaVersion)
	}
	return &manifest, nil
}

// ValidateBundle checks that every artifact named in the manifest is stored
// with the recorded checksum, and that all required files are present.
func (b *BundleStore) ValidateBundle(ctx context.Context, manifest *BundleManifest) error {
	byName := make(map[string]bool, len(manifest.Artifacts))
	for _, f := range manifest.Artifacts {
		byName[f.Name] = true
	}

	for _, name := range requiredBundleFiles {
		if !byName[name] {
			return fmt.Errorf("bundle manifest missing required file %q", name)
		}
	}

	for _, f := range manifest.Artifacts {
		fc, err := b.store.ReadFile(ctx, f.Path)
		if err != nil {
			return fmt.Errorf("read bundle file %s: %w", f.Name, err)
		}
		if fc == nil {
			return fmt.Errorf("bundle file %q listed in manifest but not stored", f.Name)
		}
		if want, ok := manifest.Checksums[f.Name]; ok {
			sum := sha256.Sum256(fc.Content)
			if got := hex.EncodeToString(sum[:]); got != want {
				return fmt.Errorf("bundle file %q checksum mismatch: manifest %s, stored %s", f.Name, want, got)
			}
		}
	}
	return nil
}

// ReadBundleFile reads one file from a bundle. Returns nil, nil when absent.
func (b *BundleStore) ReadBundleFile(ctx context.Context, projectID, runID uuid.UUID, name string) ([]byte, error) {
	fc, err := b.store.ReadFile(ctx, SpecBundlePath(projectID, runID, name))
	if err != nil {
		return nil, err
	}
	if fc == nil {
		return nil, nil
	}
	return fc.Content, nil
}
