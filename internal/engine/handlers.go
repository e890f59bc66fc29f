package engine

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/graph"
	"github.com/attractor-dev/attractor/internal/llm"
)

// runModelNode renders the node prompt, streams the model call into the run
// event log, and returns the full text. Node attributes override the run's
// model config per field.
func (e *Engine) runModelNode(ctx context.Context, in ExecInput, state *State, node *graph.Node) (string, error) {
	prompt := e.renderPrompt(in, state, node)
	if strings.TrimSpace(prompt) == "" {
		return "", domain.E(domain.KindValidation, "model node %s has no prompt", node.ID)
	}

	req := llm.Request{
		Provider:  in.ModelConfig.Provider,
		Model:     in.ModelConfig.Model,
		Reasoning: in.ModelConfig.Reasoning,
		Prompt:    prompt,
	}
	if in.ModelConfig.Temperature != nil {
		req.Temperature = in.ModelConfig.Temperature
	}
	if in.ModelConfig.MaxTokens != nil {
		req.MaxTokens = *in.ModelConfig.MaxTokens
	}
	if v := node.Attr("provider"); v != "" {
		req.Provider = v
	}
	if v := node.Attr("model"); v != "" {
		req.Model = v
	} else if v := node.Attr("model_id"); v != "" {
		req.Model = v
	}
	if v := node.Attr("reasoning"); v != "" {
		req.Reasoning = v
	}
	if v := node.Attr("temperature"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", domain.E(domain.KindValidation, "node %s: bad temperature %q", node.ID, v)
		}
		req.Temperature = &t
	}
	if v := node.Attr("max_tokens"); v != "" {
		mt, err := strconv.Atoi(v)
		if err != nil {
			return "", domain.E(domain.KindValidation, "node %s: bad max_tokens %q", node.ID, v)
		}
		req.MaxTokens = mt
	}
	if v := node.Attr("system"); v != "" {
		req.System = v
	}

	mctx, cancel := context.WithTimeout(ctx, node.Timeout(e.DefaultNodeTimeout))
	defer cancel()

	emit := func(delta string) error {
		e.appendEvent(ctx, in.Run.ID, domain.EventModelDelta, map[string]any{
			"node_id": node.ID, "text": delta,
		})
		return nil
	}
	onFallback := func(from, to string) {
		e.appendEvent(ctx, in.Run.ID, domain.EventModelFallbackApplied, map[string]any{
			"node_id": node.ID, "from_model": from, "to_model": to,
		})
	}

	resp, err := e.model.StreamWithFallback(mctx, req, in.ModelConfig.FallbackModels, emit, onFallback)
	if err != nil {
		return "", err
	}

	if key := node.Attr("output"); key != "" {
		state.setContext(key, resp.Text)
	}
	state.setContext("last_model", resp.Model)
	return resp.Text, nil
}

// renderPrompt expands ${key} and $goal placeholders against the context,
// then appends the outputs of incoming nodes and the repository sections.
func (e *Engine) renderPrompt(in ExecInput, state *State, node *graph.Node) string {
	prompt := expandPlaceholders(node.Attr("prompt"), state.Resolve)

	var b strings.Builder
	b.WriteString(prompt)

	for _, edge := range in.Graph.Incoming(node.ID) {
		out := strings.TrimSpace(state.output(edge.From))
		if out == "" {
			continue
		}
		b.WriteString("\n\n## Output of ")
		b.WriteString(edge.From)
		b.WriteString("\n\n")
		b.WriteString(out)
	}

	if in.RepoTree != "" {
		b.WriteString("\n\n## Repository tree\n\n")
		b.WriteString(in.RepoTree)
	}
	if in.RepoSnapshot != "" {
		b.WriteString("\n\n## Repository snapshot\n\n")
		b.WriteString(in.RepoSnapshot)
	}
	return b.String()
}

// expandPlaceholders substitutes ${key} references and the bare $goal
// shorthand. Unknown keys expand to the empty string.
func expandPlaceholders(s string, resolve func(string) string) string {
	s = strings.ReplaceAll(s, "$goal", resolve("graph.goal"))
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			return s
		}
		key := s[start+2 : start+end]
		s = s[:start] + resolve(key) + s[start+end+1:]
	}
}

// runToolNode executes the named command in the work tree with the staged
// environment. Stdout becomes the node output; a non-zero exit fails the
// attempt with the stderr tail.
func (e *Engine) runToolNode(ctx context.Context, in ExecInput, state *State, node *graph.Node) (string, error) {
	command := node.Attr("tool")
	if command == "" {
		command = node.Attr("command")
	}
	if command == "" {
		return "", domain.E(domain.KindValidation, "tool node %s has no tool attribute", node.ID)
	}
	command = expandPlaceholders(command, state.Resolve)

	tctx, cancel := context.WithTimeout(ctx, node.Timeout(e.DefaultNodeTimeout))
	defer cancel()

	cmd := exec.CommandContext(tctx, "sh", "-c", command)
	cmd.Dir = in.WorkDir
	cmd.Env = toolEnv(in.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if tctx.Err() == context.DeadlineExceeded {
		return "", domain.E(domain.KindTransient, "tool node %s timed out after %s", node.ID, node.Timeout(e.DefaultNodeTimeout))
	}
	if err != nil {
		return "", domain.E(domain.KindExecution, "tool node %s: %v: %s", node.ID, err, tail(stderr.String(), 2000))
	}

	out := stdout.String()
	if key := node.Attr("output"); key != "" {
		state.setContext(key, out)
	}
	return out, nil
}

// toolEnv builds the bounded tool environment: the staged variables plus the
// minimal host paths commands need to function at all.
func toolEnv(staged []string) []string {
	env := append([]string{}, staged...)
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// runHumanNode registers (or rejoins) the node's question and polls until it
// is answered, times out, or the run is canceled.
func (e *Engine) runHumanNode(ctx context.Context, in ExecInput, node *graph.Node) (string, error) {
	prompt := node.Attr("prompt")
	if prompt == "" {
		return "", domain.E(domain.KindValidation, "human node %s has no prompt", node.ID)
	}

	q := &domain.RunQuestion{
		RunID:   in.Run.ID,
		NodeID:  node.ID,
		Prompt:  prompt,
		Options: splitOptions(node.Attr("options")),
	}
	if err := e.questions.Register(ctx, q); err != nil {
		return "", err
	}
	if q.Status == domain.QuestionAnswered && q.Answer != nil && *q.Answer != "" {
		return *q.Answer, nil
	}

	e.appendEvent(ctx, in.Run.ID, domain.EventHumanQuestionPending, map[string]any{
		"question_id": q.ID, "node_id": node.ID, "prompt": prompt,
	})

	var deadline time.Time
	if ms := node.IntAttr("timeout_ms", 0); ms > 0 {
		deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}

	ticker := time.NewTicker(e.QuestionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", domain.Wrap(domain.KindCanceled, ctx.Err(), "run context done")
		case <-ticker.C:
		}
		if err := e.checkCancel(ctx, in.Run.ID); err != nil {
			return "", err
		}

		got, err := e.questions.GetQuestion(ctx, q.ID.String())
		if err != nil {
			e.logger.Warn("question poll failed", "question_id", q.ID, "error", err)
			continue
		}
		if got == nil {
			return "", domain.E(domain.KindExecution, "question %s disappeared", q.ID)
		}
		if got.Status == domain.QuestionAnswered {
			answer := ""
			if got.Answer != nil {
				answer = *got.Answer
			}
			e.appendEvent(ctx, in.Run.ID, domain.EventHumanQuestionAnswered, map[string]any{
				"question_id": q.ID, "node_id": node.ID,
			})
			return answer, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			if err := e.questions.MarkTimeout(ctx, q.ID); err != nil {
				e.logger.Error("question timeout mark failed", "question_id", q.ID, "error", err)
			}
			e.appendEvent(ctx, in.Run.ID, domain.EventHumanQuestionTimedOut, map[string]any{
				"question_id": q.ID, "node_id": node.ID,
			})
			return "", domain.E(domain.KindExecution, "human node %s timed out waiting for an answer", node.ID)
		}
	}
}

func splitOptions(raw string) []string {
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

// runDecisionNode evaluates the selector and verifies an outgoing edge
// matches; the actual hop happens in nextNode.
func (e *Engine) runDecisionNode(in ExecInput, state *State, node *graph.Node) (string, error) {
	selector := node.Attr("selector")
	if selector == "" {
		return "", domain.E(domain.KindValidation, "decision node %s has no selector", node.ID)
	}
	value := state.Resolve(selector)

	for _, edge := range in.Graph.Outgoing(node.ID) {
		if edge.Label() == value {
			return value, nil
		}
	}
	return "", domain.E(domain.KindExecution, "decision node %s: no edge matches %q=%q", node.ID, selector, value)
}
