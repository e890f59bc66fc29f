// Package worker executes one dispatched run end to end: repository
// checkout, graph execution via the engine, artifact persistence, and the
// per-run-type output pipelines (final report, spec bundle, patch + PR).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/attractors"
	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/engine"
	"github.com/attractor-dev/attractor/internal/gitutil"
	"github.com/attractor-dev/attractor/internal/graph"
	"github.com/attractor-dev/attractor/internal/postgres"
	"github.com/attractor-dev/attractor/internal/scm"
	"github.com/attractor-dev/attractor/internal/storage"
)

// Worker implements lifecycle.Worker: Execute drives a run from RUNNING to
// the payload of its RunCompleted event, or returns the error that fails it.
type Worker struct {
	projects   *postgres.ProjectStore
	runs       *postgres.RunStore
	artifacts  *postgres.ArtifactStore
	bundles    *postgres.SpecBundleStore
	events     *postgres.EventStore
	attractors *attractors.Service
	objects    storage.Store
	bundleFS   *storage.BundleStore
	engine     *engine.Engine
	scm        scm.Client
	logger     *slog.Logger

	// CloneRoot is where per-run checkouts are materialized.
	CloneRoot string
	// GitToken authenticates clones and pushes over HTTPS. Empty means
	// anonymous.
	GitToken string
	// snapshotByteLimit caps the repository snapshot rendered into prompts.
	snapshotByteLimit int
}

type Config struct {
	Projects   *postgres.ProjectStore
	Runs       *postgres.RunStore
	Artifacts  *postgres.ArtifactStore
	Bundles    *postgres.SpecBundleStore
	Events     *postgres.EventStore
	Attractors *attractors.Service
	Objects    storage.Store
	Engine     *engine.Engine
	SCM        scm.Client
	Logger     *slog.Logger
	CloneRoot  string
	GitToken   string
}

func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cloneRoot := cfg.CloneRoot
	if cloneRoot == "" {
		cloneRoot = filepath.Join(os.TempDir(), "attractor-runs")
	}
	return &Worker{
		projects:          cfg.Projects,
		runs:              cfg.Runs,
		artifacts:         cfg.Artifacts,
		bundles:           cfg.Bundles,
		events:            cfg.Events,
		attractors:        cfg.Attractors,
		objects:           cfg.Objects,
		bundleFS:          storage.NewBundleStore(cfg.Objects),
		engine:            cfg.Engine,
		scm:               cfg.SCM,
		logger:            logger,
		CloneRoot:         cloneRoot,
		GitToken:          cfg.GitToken,
		snapshotByteLimit: 64 * 1024,
	}
}

// Execute runs the full worker pipeline for one run.
func (w *Worker) Execute(ctx context.Context, run *domain.Run) (any, error) {
	project, err := w.projects.GetProject(ctx, run.ProjectID.String())
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, domain.E(domain.KindExecution, "project %s vanished after dispatch", run.ProjectID)
	}

	g, err := w.loadGraph(ctx, run)
	if err != nil {
		return nil, err
	}

	var mc domain.ModelConfig
	if len(run.ModelConfig) > 0 {
		if err := json.Unmarshal(run.ModelConfig, &mc); err != nil {
			return nil, domain.Wrap(domain.KindExecution, err, "run %s has malformed model config", run.ID)
		}
	}

	in := engine.ExecInput{
		Run:         run,
		Graph:       g,
		ModelConfig: mc,
	}

	workDir, cleanup, err := w.checkout(ctx, project, run)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	if workDir != "" {
		in.WorkDir = workDir
		in.RepoTree, in.RepoSnapshot = w.describeRepo(ctx, workDir)
	}

	if err := w.stageBundleContext(ctx, run, &in); err != nil {
		return nil, err
	}

	res, err := w.engine.Execute(ctx, in)
	if err != nil {
		return nil, err
	}

	switch run.RunType {
	case domain.RunTypeTask:
		return w.finishTask(ctx, run, g, res)
	case domain.RunTypePlanning:
		return w.finishPlanning(ctx, run, project, g, res)
	case domain.RunTypeImplementation:
		return w.finishImplementation(ctx, project, run, g, res, workDir)
	default:
		return nil, domain.E(domain.KindExecution, "run %s has unknown type %q", run.ID, run.RunType)
	}
}

// loadGraph reads the pinned content, verifies the digest, applies the
// stylesheet overlay, and parses.
func (w *Worker) loadGraph(ctx context.Context, run *domain.Run) (*graph.Graph, error) {
	pin := attractors.Pin{
		ContentPath:    run.AttractorContentPath,
		ContentVersion: run.AttractorContentVersion,
		ContentSha256:  run.AttractorContentSha256,
	}
	content, err := w.attractors.ReadPinned(ctx, pin)
	if err != nil {
		return nil, err
	}
	w.appendEvent(ctx, run.ID, domain.EventAttractorContentResolved, map[string]any{
		"content_path": pin.ContentPath, "content_version": pin.ContentVersion, "sha256": pin.ContentSha256,
	})

	g, err := graph.Parse(content)
	if err != nil {
		return nil, domain.Wrap(domain.KindExecution, err, "pinned content unparseable")
	}
	if raw := g.Attr("model_stylesheet"); raw != "" {
		rules, err := graph.ParseStylesheet(raw)
		if err != nil {
			return nil, domain.Wrap(domain.KindExecution, err, "model stylesheet")
		}
		if err := graph.ApplyStylesheet(g, rules); err != nil {
			return nil, domain.Wrap(domain.KindExecution, err, "model stylesheet")
		}
	}
	return g, nil
}

// checkout clones the project repository at the source branch. Projects
// without a linked repository run with no work tree; implementation runs
// require one.
func (w *Worker) checkout(ctx context.Context, project *domain.Project, run *domain.Run) (string, func(), error) {
	nop := func() {}
	if project.RepoFullName == nil || *project.RepoFullName == "" {
		if run.RunType == domain.RunTypeImplementation {
			return "", nop, domain.E(domain.KindPrecondition,
				"implementation run %s needs a linked repository", run.ID)
		}
		return "", nop, nil
	}

	dir := filepath.Join(w.CloneRoot, run.ID.String())
	if err := os.MkdirAll(w.CloneRoot, 0o755); err != nil {
		return "", nop, fmt.Errorf("create clone root: %w", err)
	}
	if err := gitutil.Clone(ctx, w.cloneURL(*project.RepoFullName), run.SourceBranch, dir); err != nil {
		return "", nop, domain.Wrap(domain.KindExecution, err, "clone %s@%s", *project.RepoFullName, run.SourceBranch)
	}

	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			w.logger.Warn("checkout cleanup failed", "dir", dir, "error", err)
		}
	}
	w.appendEvent(ctx, run.ID, domain.EventEnvironmentResolved, map[string]any{
		"repo": *project.RepoFullName, "source_branch": run.SourceBranch,
	})
	return dir, cleanup, nil
}

func (w *Worker) cloneURL(repoFullName string) string {
	if w.GitToken == "" {
		return "https://github.com/" + repoFullName + ".git"
	}
	return "https://x-access-token:" + w.GitToken + "@github.com/" + repoFullName + ".git"
}

// describeRepo renders the tracked-file tree and a bounded snapshot of small
// text files for model prompts.
func (w *Worker) describeRepo(ctx context.Context, dir string) (tree, snapshot string) {
	files, err := gitutil.LsFiles(ctx, dir)
	if err != nil {
		w.logger.Warn("repository tree listing failed", "dir", dir, "error", err)
		return "", ""
	}
	tree = strings.Join(files, "\n")

	var b strings.Builder
	for _, f := range files {
		if b.Len() >= w.snapshotByteLimit {
			b.WriteString("\n[snapshot truncated]\n")
			break
		}
		content, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil || !isTextLike(content) {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s ---\n", f)
		remaining := w.snapshotByteLimit - b.Len()
		if remaining <= 0 {
			break
		}
		if len(content) > remaining {
			content = content[:remaining]
		}
		b.Write(content)
	}
	return tree, b.String()
}

func isTextLike(content []byte) bool {
	if len(content) == 0 {
		return true
	}
	limit := len(content)
	if limit > 1024 {
		limit = 1024
	}
	for _, c := range content[:limit] {
		if c == 0 {
			return false
		}
	}
	return true
}

// stageBundleContext loads the pinned spec bundle, when the run carries one,
// into engine context keys prompts can reference (spec.plan, spec.tasks, ...).
func (w *Worker) stageBundleContext(ctx context.Context, run *domain.Run, in *engine.ExecInput) error {
	if run.SpecBundleID == nil {
		return nil
	}
	bundle, err := w.bundles.GetBundle(ctx, run.SpecBundleID.String())
	if err != nil {
		return err
	}
	if bundle == nil {
		return domain.E(domain.KindExecution, "spec bundle %s vanished after dispatch", run.SpecBundleID)
	}
	manifest, err := w.bundleFS.ReadManifest(ctx, bundle.ManifestPath)
	if err != nil {
		return err
	}
	if manifest == nil {
		return domain.E(domain.KindExecution, "spec bundle %s has no manifest at %s", bundle.ID, bundle.ManifestPath)
	}

	extra := map[string]string{}
	for _, entry := range manifest.Artifacts {
		content, err := w.objects.ReadFile(ctx, entry.Path)
		if err != nil {
			return err
		}
		if content == nil {
			return domain.E(domain.KindExecution, "spec bundle file %s missing from object store", entry.Name)
		}
		key := "spec." + strings.TrimSuffix(entry.Name, filepath.Ext(entry.Name))
		extra[key] = string(content.Content)
	}
	in.BundleContext = extra
	return nil
}

func (w *Worker) appendEvent(ctx context.Context, runID uuid.UUID, eventType string, payload any) {
	if _, err := w.events.Append(ctx, runID, eventType, payload); err != nil {
		w.logger.Error("event append failed", "run_id", runID, "type", eventType, "error", err)
	}
}
