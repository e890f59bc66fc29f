package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/engine"
	"github.com/attractor-dev/attractor/internal/gitutil"
	"github.com/attractor-dev/attractor/internal/graph"
	"github.com/attractor-dev/attractor/internal/scm"
)

// ExtractUnifiedDiff pulls a unified diff out of implementation text. A
// fenced block labeled diff or patch wins; otherwise the text from the first
// "diff --git " line onward is taken, trimmed at a trailing fence if the
// model closed one it never opened.
func ExtractUnifiedDiff(text string) string {
	for _, label := range []string{"```diff", "```patch"} {
		start := strings.Index(text, label)
		if start < 0 {
			continue
		}
		rest := text[start+len(label):]
		rest = strings.TrimPrefix(rest, "\n")
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		if d := strings.TrimSpace(rest); d != "" {
			return d + "\n"
		}
	}

	start := strings.Index(text, "diff --git ")
	if start < 0 {
		return ""
	}
	rest := text[start:]
	if end := strings.Index(rest, "\n```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest) + "\n"
}

// finishImplementation runs the patch and pull-request pipeline after the
// graph completes.
func (w *Worker) finishImplementation(ctx context.Context, project *domain.Project, run *domain.Run, g *graph.Graph, res *engine.Result, workDir string) (any, error) {
	implText, summary := implementationOutputs(g, res)
	diff := ExtractUnifiedDiff(implText)
	if diff == "" {
		w.appendEvent(ctx, run.ID, domain.EventImplementationPatchMissing, map[string]any{
			"chars_scanned": len(implText),
		})
		return nil, domain.E(domain.KindExecution, "implementation output contains no unified diff")
	}
	w.appendEvent(ctx, run.ID, domain.EventImplementationPatchExtracted, map[string]any{
		"bytes": len(diff),
	})

	if err := gitutil.SwitchCreate(ctx, workDir, run.TargetBranch); err != nil {
		return nil, domain.Wrap(domain.KindExecution, err, "switch to %s", run.TargetBranch)
	}
	if err := gitutil.ApplyIndex(ctx, workDir, []byte(diff)); err != nil {
		return nil, domain.Wrap(domain.KindExecution, err, "apply patch")
	}
	w.appendEvent(ctx, run.ID, domain.EventImplementationPatchApplied, nil)

	staged, err := gitutil.StagedFiles(ctx, workDir)
	if err != nil {
		return nil, err
	}
	if len(staged) == 0 {
		return nil, domain.E(domain.KindExecution, "implementation produced no staged changes")
	}

	set := newArtifactSet()
	note := implementationNote(run, summary, staged)
	if _, err := w.saveArtifact(ctx, run, set, "implementation.patch", []byte(diff)); err != nil {
		return nil, err
	}
	if _, err := w.saveArtifact(ctx, run, set, "implementation-note.md", []byte(note)); err != nil {
		return nil, err
	}
	for _, nodeID := range reviewerNodes(g) {
		out := strings.TrimSpace(res.State.NodeOutputs[nodeID])
		if out == "" {
			continue
		}
		if _, err := w.saveArtifact(ctx, run, set, "reviewers/"+nodeID+".md", []byte(out)); err != nil {
			return nil, err
		}
	}

	sha, err := gitutil.Commit(ctx, workDir, fmt.Sprintf("attractor: implementation run %s", run.ID))
	if err != nil {
		return nil, domain.Wrap(domain.KindExecution, err, "commit")
	}
	if err := gitutil.PushWithLease(ctx, workDir, "origin", run.TargetBranch); err != nil {
		return nil, domain.Wrap(domain.KindExecution, err, "push %s", run.TargetBranch)
	}

	payload := map[string]any{
		"head_sha":     sha,
		"branch":       run.TargetBranch,
		"staged_files": staged,
		"steps":        res.Steps,
	}

	if w.scm != nil && project.RepoFullName != nil {
		pr, err := w.openPullRequest(ctx, project, run, note)
		if err != nil {
			return nil, err
		}
		payload["pr_number"] = pr.Number
		payload["pr_url"] = pr.URL
	}
	return payload, nil
}

func (w *Worker) openPullRequest(ctx context.Context, project *domain.Project, run *domain.Run, body string) (*scm.PullRequest, error) {
	owner, repo, ok := strings.Cut(*project.RepoFullName, "/")
	if !ok {
		return nil, domain.E(domain.KindExecution, "project repo %q is not owner/name", *project.RepoFullName)
	}

	title := fmt.Sprintf("attractor: implementation run %s", run.ID)
	if run.LinkedIssueRef != nil && *run.LinkedIssueRef != "" {
		title = fmt.Sprintf("attractor: %s", *run.LinkedIssueRef)
		body = fmt.Sprintf("Resolves %s\n\n%s", *run.LinkedIssueRef, body)
	}

	pr, err := w.scm.UpsertPullRequest(ctx, owner, repo, scm.PullRequestSpec{
		Base:  project.DefaultBranch,
		Head:  run.TargetBranch,
		Title: title,
		Body:  body,
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindExecution, err, "open pull request")
	}

	ref := fmt.Sprintf("%s#%d", *project.RepoFullName, pr.Number)
	if err := w.runs.SetPullRequest(ctx, run.ID, ref, pr.URL); err != nil {
		return nil, err
	}
	return pr, nil
}

// implementationOutputs selects the patch text and the summary. The declared
// implementation_patch_node wins; otherwise the last node whose output
// contains a unified diff.
func implementationOutputs(g *graph.Graph, res *engine.Result) (implText, summary string) {
	if id := g.Attr("implementation_patch_node"); id != "" {
		implText = res.State.NodeOutputs[id]
	} else {
		for i := len(res.State.CompletedNodes) - 1; i >= 0; i-- {
			out := res.State.NodeOutputs[res.State.CompletedNodes[i]]
			if ExtractUnifiedDiff(out) != "" {
				implText = out
				break
			}
		}
	}
	if id := g.Attr("implementation_summary_node"); id != "" {
		summary = strings.TrimSpace(res.State.NodeOutputs[id])
	}
	return implText, summary
}

func implementationNote(run *domain.Run, summary string, staged []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Implementation run %s\n\n", run.ID)
	if summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	b.WriteString("## Changed files\n\n")
	for _, f := range staged {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}
