package storage

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SafeName folds an attractor name into a storage-safe path segment:
// lowercase, runs of non-alphanumeric characters collapsed to a single
// hyphen, leading and trailing hyphens trimmed. Distinct names can fold to
// the same segment; callers that need uniqueness must qualify the path.
func SafeName(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// GlobalAttractorPath is the object key for one version of a global graph.
func GlobalAttractorPath(name string, version int) string {
	return fmt.Sprintf("attractors/global/%s/v%d.dot", SafeName(name), version)
}

// ProjectAttractorPath is the object key for one version of a project graph.
func ProjectAttractorPath(projectID uuid.UUID, name string, version int) string {
	return fmt.Sprintf("attractors/projects/%s/%s/v%d.dot", projectID, SafeName(name), version)
}

// SpecBundlePrefix is the key prefix holding a planning run's bundle files.
func SpecBundlePrefix(projectID, runID uuid.UUID) string {
	return fmt.Sprintf("spec-bundles/%s/%s/", projectID, runID)
}

// SpecBundlePath is the object key of one file inside a spec bundle.
func SpecBundlePath(projectID, runID uuid.UUID, file string) string {
	return SpecBundlePrefix(projectID, runID) + file
}

// RunArtifactPrefix is the key prefix holding a run's artifacts.
func RunArtifactPrefix(projectID, runID uuid.UUID) string {
	return fmt.Sprintf("runs/%s/%s/", projectID, runID)
}

// RunArtifactPath is the object key of one run artifact.
func RunArtifactPath(projectID, runID uuid.UUID, key string) string {
	return RunArtifactPrefix(projectID, runID) + key
}
