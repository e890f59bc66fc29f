package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractor-dev/attractor/internal/engine"
	"github.com/attractor-dev/attractor/internal/graph"
)

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"final-report.md", "final-report.md"},
		{"/abs/report.md", "abs/report.md"},
		{"../../etc/passwd", "etc/passwd"},
		{"reviewers/security review.md", "reviewers/security-review.md"},
		{"a/./b.md", "a/b.md"},
		{"", "artifact"},
		{"..", "artifact"},
	}
	for _, tc := range cases {
		set := newArtifactSet()
		assert.Equal(t, tc.want, set.normalizeKey(tc.in), tc.in)
	}
}

func TestNormalizeKey_CollisionSuffixes(t *testing.T) {
	set := newArtifactSet()
	assert.Equal(t, "report.md", set.normalizeKey("report.md"))
	assert.Equal(t, "report-2.md", set.normalizeKey("report.md"))
	assert.Equal(t, "report-3.md", set.normalizeKey("report.md"))
	// Different keys folding to the same segment collide too.
	assert.Equal(t, "report-4.md", set.normalizeKey("/report.md"))
}

func taskResult(t *testing.T, src string, outputs map[string]string, completed []string) (*graph.Graph, *engine.Result) {
	t.Helper()
	g, err := graph.Parse([]byte(src))
	require.NoError(t, err)

	state := engine.NewState()
	for id, out := range outputs {
		state.NodeOutputs[id] = out
	}
	state.CompletedNodes = completed
	return g, &engine.Result{State: state}
}

const reviewGraph = `digraph review {
	reviewer_artifact_nodes = "sec,perf";
	start [shape=Mdiamond];
	sec [shape=box, prompt="security review"];
	perf [shape=box, prompt="performance review"];
	summary [shape=box, prompt="summarize"];
	done [shape=Msquare];
	start -> sec -> perf -> summary -> done;
}`

func TestReviewerNodes(t *testing.T) {
	g, _ := taskResult(t, reviewGraph, nil, nil)
	assert.Equal(t, []string{"sec", "perf"}, reviewerNodes(g))
}

func TestFinalOutput_DeclaredNode(t *testing.T) {
	g, res := taskResult(t, `digraph review {
		final_output_node = "summary";
		start [shape=Mdiamond];
		summary [shape=box, prompt="summarize"];
		extra [shape=box, prompt="extra"];
		done [shape=Msquare];
		start -> summary -> extra -> done;
	}`, map[string]string{
		"summary": "the summary",
		"extra":   "later output",
	}, []string{"start", "summary", "extra", "done"})

	node, text := finalOutput(g, res)
	assert.Equal(t, "summary", node)
	assert.Equal(t, "the summary", text)
}

func TestFinalOutput_FallsBackToLastNonEmpty(t *testing.T) {
	g, res := taskResult(t, reviewGraph, map[string]string{
		"sec":     "sec findings",
		"summary": "  ",
	}, []string{"start", "sec", "perf", "summary", "done"})

	node, text := finalOutput(g, res)
	assert.Equal(t, "sec", node)
	assert.Equal(t, "sec findings", text)
}
