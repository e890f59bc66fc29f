package storage_test

import (
	"testing"

	"github.com/attractor-dev/attractor/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSafeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase passthrough", "review", "review"},
		{"mixed case folds", "CodeReview", "codereview"},
		{"spaces to hyphens", "code review loop", "code-review-loop"},
		{"punctuation run collapses", "fix / retry!!flow", "fix-retry-flow"},
		{"leading symbols trimmed", "--fast-path", "fast-path"},
		{"trailing symbols trimmed", "deploy...", "deploy"},
		{"digits kept", "v2 rollout", "v2-rollout"},
		{"unicode folds to hyphen", "plan→build", "plan-build"},
		{"all symbols empty", "!!!", ""},
		{"empty input", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storage.SafeName(tt.in))
		})
	}
}

func TestAttractorPaths(t *testing.T) {
	projectID := uuid.MustParse("3e6f3c1e-9be1-4d0f-a7a3-000000000001")

	assert.Equal(t,
		"attractors/global/code-review/v3.dot",
		storage.GlobalAttractorPath("Code Review", 3))

	assert.Equal(t,
		"attractors/projects/3e6f3c1e-9be1-4d0f-a7a3-000000000001/planner/v1.dot",
		storage.ProjectAttractorPath(projectID, "Planner", 1))
}

func TestBundleAndArtifactPaths(t *testing.T) {
	projectID := uuid.MustParse("3e6f3c1e-9be1-4d0f-a7a3-000000000001")
	runID := uuid.MustParse("3e6f3c1e-9be1-4d0f-a7a3-000000000002")

	prefix := storage.SpecBundlePrefix(projectID, runID)
	assert.Equal(t,
		"spec-bundles/3e6f3c1e-9be1-4d0f-a7a3-000000000001/3e6f3c1e-9be1-4d0f-a7a3-000000000002/",
		prefix)
	assert.Equal(t, prefix+"plan.md", storage.SpecBundlePath(projectID, runID, "plan.md"))

	artifactPrefix := storage.RunArtifactPrefix(projectID, runID)
	assert.Equal(t,
		"runs/3e6f3c1e-9be1-4d0f-a7a3-000000000001/3e6f3c1e-9be1-4d0f-a7a3-000000000002/",
		artifactPrefix)
	assert.Equal(t, artifactPrefix+"output.log", storage.RunArtifactPath(projectID, runID, "output.log"))
}
