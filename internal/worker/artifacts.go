package worker

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/engine"
	"github.com/attractor-dev/attractor/internal/graph"
	"github.com/attractor-dev/attractor/internal/storage"
)

// artifactSet tracks registered keys so collisions get -2, -3 suffixes.
type artifactSet struct {
	used map[string]bool
}

func newArtifactSet() *artifactSet {
	return &artifactSet{used: map[string]bool{}}
}

// normalizeKey strips traversal and absolute-path forms from an artifact key
// and uniquifies it against keys already claimed.
func (a *artifactSet) normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimLeft(key, "/")

	var parts []string
	for _, p := range strings.Split(path.Clean(key), "/") {
		if p == "" || p == "." || p == ".." {
			continue
		}
		parts = append(parts, safeSegment(p))
	}
	key = strings.Join(parts, "/")
	if key == "" {
		key = "artifact"
	}

	if !a.used[key] {
		a.used[key] = true
		return key
	}
	ext := path.Ext(key)
	base := strings.TrimSuffix(key, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if !a.used[candidate] {
			a.used[candidate] = true
			return candidate
		}
	}
}

// safeSegment keeps a path segment to letters, digits, dot, hyphen, and
// underscore, preserving file extensions SafeName would fold away.
func safeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), ".")
}

// saveArtifact writes the object and registers the Artifact row. Returns the
// (possibly uniquified) key.
func (w *Worker) saveArtifact(ctx context.Context, run *domain.Run, set *artifactSet, key string, content []byte) (string, error) {
	key = set.normalizeKey(key)
	objPath := storage.RunArtifactPath(run.ProjectID, run.ID, key)
	if err := w.objects.WriteFile(ctx, objPath, content); err != nil {
		return "", err
	}
	size := int64(len(content))
	if err := w.artifacts.CreateArtifact(ctx, &domain.Artifact{
		RunID:     run.ID,
		Key:       key,
		Path:      objPath,
		SizeBytes: &size,
	}); err != nil {
		return "", err
	}
	return key, nil
}

// finishTask persists the reviewer artifacts and the final report for a task
// run, returning the RunCompleted payload.
func (w *Worker) finishTask(ctx context.Context, run *domain.Run, g *graph.Graph, res *engine.Result) (any, error) {
	set := newArtifactSet()
	var keys []string

	for _, nodeID := range reviewerNodes(g) {
		out := strings.TrimSpace(res.State.NodeOutputs[nodeID])
		if out == "" {
			continue
		}
		key, err := w.saveArtifact(ctx, run, set, "reviewers/"+storage.SafeName(nodeID)+".md", []byte(out))
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	finalNode, finalText := finalOutput(g, res)
	if finalText == "" {
		return nil, domain.E(domain.KindExecution, "run %s produced no final output", run.ID)
	}
	finalKey := g.Attr("final_artifact_key")
	if finalKey == "" {
		finalKey = "final-report.md"
	}
	key, err := w.saveArtifact(ctx, run, set, finalKey, []byte(finalText))
	if err != nil {
		return nil, err
	}
	keys = append(keys, key)

	return map[string]any{
		"final_artifact": key,
		"final_node":     finalNode,
		"artifacts":      keys,
		"steps":          res.Steps,
	}, nil
}

// reviewerNodes parses the graph's reviewer_artifact_nodes attribute.
func reviewerNodes(g *graph.Graph) []string {
	raw := g.Attr("reviewer_artifact_nodes")
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// finalOutput selects the final report text: the declared final_output_node,
// falling back to the last completed node that produced non-empty output.
func finalOutput(g *graph.Graph, res *engine.Result) (nodeID, text string) {
	if id := g.Attr("final_output_node"); id != "" {
		return id, strings.TrimSpace(res.State.NodeOutputs[id])
	}
	for i := len(res.State.CompletedNodes) - 1; i >= 0; i-- {
		id := res.State.CompletedNodes[i]
		if out := strings.TrimSpace(res.State.NodeOutputs[id]); out != "" {
			return id, out
		}
	}
	return "", ""
}
