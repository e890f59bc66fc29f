// Package engine interprets attractor graphs for a single run: node
// scheduling, retries with backoff, parallel fan-out and join, human gates,
// checkpointing, and cancellation. The engine is single-threaded per run;
// only parallel branches execute concurrently, under a bounded degree.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/graph"
	"github.com/attractor-dev/attractor/internal/llm"
)

// ModelClient is the language-model surface the engine drives. Satisfied by
// *llm.Router.
type ModelClient interface {
	StreamWithFallback(ctx context.Context, req llm.Request, fallbacks []string, emit func(delta string) error, onFallback func(from, to string)) (*llm.Response, error)
}

// Checkpoints persists engine snapshots and node outcomes. Satisfied by
// *postgres.CheckpointStore.
type Checkpoints interface {
	SaveCheckpoint(ctx context.Context, cp *domain.RunCheckpoint) error
	GetCheckpoint(ctx context.Context, runID uuid.UUID) (*domain.RunCheckpoint, error)
	RecordOutcome(ctx context.Context, o *domain.RunNodeOutcome) error
}

// Questions is the human-gate store. Satisfied by *postgres.QuestionStore.
type Questions interface {
	Register(ctx context.Context, q *domain.RunQuestion) error
	GetQuestion(ctx context.Context, id string) (*domain.RunQuestion, error)
	MarkTimeout(ctx context.Context, id uuid.UUID) error
}

// Events appends to the run's durable event log. Satisfied by
// *postgres.EventStore.
type Events interface {
	Append(ctx context.Context, runID uuid.UUID, eventType string, payload any) (domain.RunEvent, error)
}

// CancelChecker reports the broadcast cancel marker. Satisfied by
// *redisq.Queue.
type CancelChecker interface {
	IsCanceled(ctx context.Context, runID uuid.UUID) (bool, error)
}

// Engine executes one graph per Execute call. The struct itself is reusable
// across runs; all per-run state lives in State.
type Engine struct {
	model       ModelClient
	checkpoints Checkpoints
	questions   Questions
	events      Events
	cancels     CancelChecker
	logger      *slog.Logger

	// DefaultMaxSteps bounds runs whose graph sets no max_steps.
	DefaultMaxSteps int
	// DefaultNodeTimeout bounds model/tool calls with no timeout attribute.
	DefaultNodeTimeout time.Duration
	// QuestionPollInterval is the human-gate poll cadence.
	QuestionPollInterval time.Duration
	// MaxParallel bounds concurrent branch execution inside one run.
	MaxParallel int
}

type Config struct {
	Model       ModelClient
	Checkpoints Checkpoints
	Questions   Questions
	Events      Events
	Cancels     CancelChecker
	Logger      *slog.Logger
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		model:                cfg.Model,
		checkpoints:          cfg.Checkpoints,
		questions:            cfg.Questions,
		events:               cfg.Events,
		cancels:              cfg.Cancels,
		logger:               logger,
		DefaultMaxSteps:      100,
		DefaultNodeTimeout:   15 * time.Minute,
		QuestionPollInterval: 3 * time.Second,
		MaxParallel:          4,
	}
}

// ExecInput carries everything one run execution needs beyond the graph.
type ExecInput struct {
	Run   *domain.Run
	Graph *graph.Graph

	ModelConfig domain.ModelConfig

	// WorkDir is the checked-out repository tree tool nodes run in.
	WorkDir string
	// RepoTree and RepoSnapshot are rendered into model prompts.
	RepoTree     string
	RepoSnapshot string
	// Env is the bounded environment for tool nodes, KEY=VALUE form.
	Env []string
	// BundleContext seeds extra context keys (spec bundle files) before the
	// first step.
	BundleContext map[string]string
}

// Result is the engine's terminal view of a run that did not fail.
type Result struct {
	State       *State
	FinalNodeID string
	Steps       int
}

// Execute runs the graph to a terminal node, resuming from a checkpoint when
// one exists. A KindCanceled error means the broadcast cancel marker was
// observed; any other error fails the run.
func (e *Engine) Execute(ctx context.Context, in ExecInput) (*Result, error) {
	g := in.Graph
	run := in.Run

	state := NewState()
	current := ""

	cp, err := e.checkpoints.GetCheckpoint(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		state, err = UnmarshalState(cp.ContextJSON)
		if err != nil {
			return nil, err
		}
		current = cp.CurrentNodeID
		e.logger.Info("resuming from checkpoint", "run_id", run.ID, "node", current)
	}
	if current == "" {
		start := g.Start()
		if start == nil {
			return nil, domain.E(domain.KindPrecondition, "graph has no unambiguous start node")
		}
		current = start.ID
	}

	// Graph attributes are readable from prompts and edge conditions.
	for k, v := range g.Attrs {
		state.setContext("graph."+k, v)
	}
	for k, v := range in.BundleContext {
		state.setContext(k, v)
	}

	maxSteps := g.MaxSteps(e.DefaultMaxSteps)
	steps := 0

	for {
		if err := e.checkCancel(ctx, run.ID); err != nil {
			return nil, err
		}
		steps++
		if steps > maxSteps {
			return nil, domain.E(domain.KindExecution, "max_steps exhausted after %d steps", maxSteps)
		}

		node := g.Node(current)
		if node == nil {
			return nil, domain.E(domain.KindExecution, "graph references missing node %q", current)
		}
		state.setContext("current_node", current)

		if node.Type() == graph.NodeTerminal {
			state.markCompleted(node.ID)
			if err := e.checkpoint(ctx, run.ID, node.ID, state); err != nil {
				return nil, err
			}
			return &Result{State: state, FinalNodeID: node.ID, Steps: steps}, nil
		}

		result, err := e.executeWithRetry(ctx, in, state, node)
		if err != nil {
			return nil, err
		}

		state.markCompleted(node.ID)
		state.recordOutcome(node.ID, result)

		next, err := e.nextNode(g, node, result, state)
		if err != nil {
			return nil, err
		}

		// Checkpoint names the node the run resumes AT, so a restart re-enters
		// at the successor, not the node just finished.
		checkpointAt := next
		if checkpointAt == "" {
			checkpointAt = node.ID
		}
		if err := e.checkpoint(ctx, run.ID, checkpointAt, state); err != nil {
			return nil, err
		}

		if result.Status == domain.NodeOutcomeFailed && !node.BoolAttr("continue_on_error") {
			return nil, domain.E(domain.KindExecution, "node %s failed: %s", node.ID, result.FailureReason)
		}
		if next == "" {
			// No successors: the graph ends here.
			return &Result{State: state, FinalNodeID: node.ID, Steps: steps}, nil
		}
		current = next
	}
}

// nextNode picks the edge to follow out of a finished node. Failed nodes with
// continue_on_error prefer their on_error edge; otherwise the first edge whose
// condition holds wins, in declaration order.
func (e *Engine) nextNode(g *graph.Graph, node *graph.Node, result NodeResult, state *State) (string, error) {
	edges := g.Outgoing(node.ID)
	if len(edges) == 0 {
		return "", nil
	}

	if result.Status == domain.NodeOutcomeFailed {
		if !node.BoolAttr("continue_on_error") {
			return "", nil
		}
		for _, edge := range edges {
			if edge.OnError() {
				return edge.To, nil
			}
		}
		// continue_on_error without an on_error edge falls through to normal
		// selection so the run can still make progress.
	}

	switch node.Type() {
	case graph.NodeDecision:
		// The handler already verified a label matches the selector value.
		value := state.output(node.ID)
		for _, edge := range edges {
			if edge.Label() == value {
				return edge.To, nil
			}
		}
		return "", domain.E(domain.KindExecution, "decision node %s: matching edge vanished", node.ID)
	case graph.NodeParallel:
		join := state.Resolve("parallel.join." + node.ID)
		if join == "" {
			return "", domain.E(domain.KindExecution, "parallel node %s recorded no join node", node.ID)
		}
		return join, nil
	}

	for _, edge := range edges {
		if edge.OnError() && result.Status != domain.NodeOutcomeFailed {
			continue
		}
		ok, err := graph.EvalCondition(edge.Condition(), state.Resolve)
		if err != nil {
			return "", domain.Wrap(domain.KindExecution, err, "edge %s -> %s condition", edge.From, edge.To)
		}
		if ok {
			return edge.To, nil
		}
	}
	return "", nil
}

func (e *Engine) checkCancel(ctx context.Context, runID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return domain.Wrap(domain.KindCanceled, err, "run context done")
	}
	canceled, err := e.cancels.IsCanceled(ctx, runID)
	if err != nil {
		// A flaky marker check must not kill the run; the next boundary
		// rechecks.
		e.logger.Warn("cancel marker check failed", "run_id", runID, "error", err)
		return nil
	}
	if canceled {
		return domain.E(domain.KindCanceled, "run %s canceled", runID)
	}
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, runID uuid.UUID, nodeID string, state *State) error {
	raw, err := state.Marshal()
	if err != nil {
		return err
	}
	return e.checkpoints.SaveCheckpoint(ctx, &domain.RunCheckpoint{
		RunID:         runID,
		CurrentNodeID: nodeID,
		ContextJSON:   raw,
	})
}

// executeWithRetry drives one node through its retry budget. Attempts are
// 1-indexed; every attempt writes a RunNodeOutcome row. Panics inside a
// handler are contained as failed attempts.
func (e *Engine) executeWithRetry(ctx context.Context, in ExecInput, state *State, node *graph.Node) (NodeResult, error) {
	retries := node.Retries()
	var last NodeResult

	for attempt := 1; attempt <= retries+1; attempt++ {
		if err := e.checkCancel(ctx, in.Run.ID); err != nil {
			return NodeResult{}, err
		}

		output, execErr := e.executeNode(ctx, in, state, node, attempt)
		last = NodeResult{Status: domain.NodeOutcomeSucceeded, Attempts: attempt}
		if execErr != nil {
			if domain.IsKind(execErr, domain.KindCanceled) {
				return NodeResult{}, execErr
			}
			last = NodeResult{
				Status:        domain.NodeOutcomeFailed,
				FailureReason: execErr.Error(),
				Attempts:      attempt,
			}
		}

		if err := e.recordAttempt(ctx, in.Run.ID, node.ID, attempt, last); err != nil {
			return NodeResult{}, err
		}

		if last.Status == domain.NodeOutcomeSucceeded {
			state.setOutput(node.ID, output)
			state.setRetryCount(node.ID, attempt-1)
			return last, nil
		}

		state.setRetryCount(node.ID, attempt)

		// Only transient failures consume the retry budget; deterministic
		// failures fail fast.
		if !domain.Retryable(execErr) {
			return last, nil
		}

		if attempt <= retries {
			delay := backoffDelay(attempt)
			e.logger.Warn("node attempt failed, retrying",
				"run_id", in.Run.ID, "node", node.ID, "attempt", attempt,
				"delay", delay, "error", last.FailureReason)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return NodeResult{}, domain.Wrap(domain.KindCanceled, ctx.Err(), "run context done")
			}
		}
	}
	return last, nil
}

func (e *Engine) recordAttempt(ctx context.Context, runID uuid.UUID, nodeID string, attempt int, r NodeResult) error {
	var payload map[string]any
	if r.FailureReason != "" {
		payload = map[string]any{"error": r.FailureReason}
	}
	o := &domain.RunNodeOutcome{
		RunID:   runID,
		NodeID:  nodeID,
		Attempt: attempt,
		Status:  r.Status,
	}
	if payload != nil {
		raw, err := marshalPayload(payload)
		if err != nil {
			return err
		}
		o.Payload = raw
	}
	return e.checkpoints.RecordOutcome(ctx, o)
}

// executeNode dispatches on node type. The returned string is the node's
// output as recorded in NodeOutputs.
func (e *Engine) executeNode(ctx context.Context, in ExecInput, state *State, node *graph.Node, attempt int) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.E(domain.KindExecution, "node %s panicked: %v", node.ID, r)
		}
	}()

	e.appendEvent(ctx, in.Run.ID, domain.NodeEventType(node.ID, domain.NodePhaseRunning), map[string]any{
		"node_id": node.ID, "node_type": node.Type(), "attempt": attempt,
	})
	defer func() {
		phase := domain.NodePhaseSuccess
		status := domain.NodeOutcomeSucceeded
		payload := map[string]any{"node_id": node.ID, "attempt": attempt}
		if err != nil {
			phase = domain.NodePhaseFailed
			status = domain.NodeOutcomeFailed
			payload["error"] = err.Error()
		}
		payload["status"] = status
		e.appendEvent(ctx, in.Run.ID, domain.NodeEventType(node.ID, phase), payload)
	}()

	switch node.Type() {
	case graph.NodeStart:
		return "", nil
	case graph.NodeModel:
		return e.runModelNode(ctx, in, state, node)
	case graph.NodeTool:
		return e.runToolNode(ctx, in, state, node)
	case graph.NodeHuman:
		return e.runHumanNode(ctx, in, node)
	case graph.NodeParallel:
		return e.runParallelNode(ctx, in, state, node)
	case graph.NodeDecision:
		return e.runDecisionNode(in, state, node)
	default:
		return "", domain.E(domain.KindExecution, "node %s has unknown type %q", node.ID, node.Type())
	}
}

func (e *Engine) appendEvent(ctx context.Context, runID uuid.UUID, eventType string, payload any) {
	if _, err := e.events.Append(ctx, runID, eventType, payload); err != nil {
		e.logger.Error("event append failed", "run_id", runID, "type", eventType, "error", err)
	}
}

// backoffDelay grows exponentially from 200ms, capped at 30s. attempt is the
// 1-indexed attempt that just failed.
func backoffDelay(attempt int) time.Duration {
	d := 200 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

func marshalPayload(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal outcome payload: %w", err)
	}
	return raw, nil
}
