package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/engine"
	"github.com/attractor-dev/attractor/internal/graph"
	"github.com/attractor-dev/attractor/internal/storage"
)

// finishPlanning turns the planning run's final output into a spec bundle:
// the plan itself plus the deterministic scaffolding implementation runs
// consume.
func (w *Worker) finishPlanning(ctx context.Context, run *domain.Run, project *domain.Project, g *graph.Graph, res *engine.Result) (any, error) {
	_, plan := finalOutput(g, res)
	if plan == "" {
		return nil, domain.E(domain.KindExecution, "planning run %s produced no plan output", run.ID)
	}

	tasks, err := json.MarshalIndent(map[string]any{
		"schema_version": "v1",
		"tasks": []map[string]any{{
			"id":     "task-1",
			"title":  "Implement the plan",
			"status": "pending",
			"source": fmt.Sprintf("plan.md from run %s", run.ID),
		}},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tasks.json: %w", err)
	}

	files := map[string][]byte{
		"plan.md": []byte(plan),
		"requirements.md": []byte(fmt.Sprintf(
			"# Requirements\n\nDerived from planning run %s on %s.\nSee plan.md for the full plan.\n",
			run.ID, time.Now().UTC().Format(time.RFC3339))),
		"tasks.json": tasks,
		"acceptance-tests.md": []byte(
			"# Acceptance tests\n\nEach task in tasks.json must have at least one passing acceptance check before review.\n"),
	}

	repo := ""
	if project.RepoFullName != nil {
		repo = *project.RepoFullName
	}
	manifestPath, err := w.bundleFS.WriteBundle(ctx, storage.BundleMeta{
		ProjectID:    run.ProjectID,
		RunID:        run.ID,
		Repo:         repo,
		SourceBranch: run.SourceBranch,
	}, files)
	if err != nil {
		return nil, err
	}

	bundle := &domain.SpecBundle{
		RunID:         run.ID,
		SchemaVersion: "v1",
		ManifestPath:  manifestPath,
	}
	if err := w.bundles.CreateBundle(ctx, bundle); err != nil {
		return nil, err
	}
	if err := w.runs.SetSpecBundle(ctx, run.ID, bundle.ID); err != nil {
		return nil, err
	}

	// Artifact rows point at the bundle files so the artifact listing shows
	// the bundle without a separate copy.
	set := newArtifactSet()
	var keys []string
	for name, content := range files {
		key, err := w.saveArtifact(ctx, run, set, name, content)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return map[string]any{
		"spec_bundle_id": bundle.ID,
		"manifest_path":  manifestPath,
		"artifacts":      keys,
		"steps":          res.Steps,
	}, nil
}
