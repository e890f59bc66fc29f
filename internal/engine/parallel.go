package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/graph"
)

// branch is one labeled fan-out path: the sequence of nodes between the
// parallel node and the join.
type branch struct {
	label string
	nodes []string
}

// runParallelNode executes each labeled outgoing branch concurrently under
// the engine's degree bound and records per-branch outputs in
// ParallelOutputs. The join node is stored in context so nextNode can hop to
// it; branches themselves never cross the join.
func (e *Engine) runParallelNode(ctx context.Context, in ExecInput, state *State, node *graph.Node) (string, error) {
	branches, join, err := planBranches(in.Graph, node)
	if err != nil {
		return "", err
	}

	sem := make(chan struct{}, e.MaxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []string

	for _, br := range branches {
		wg.Add(1)
		go func(br branch) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			out, err := e.runBranch(ctx, in, state, br)
			if err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", br.label, err))
				mu.Unlock()
				return
			}
			state.setBranchOutput(node.ID, br.label, out)
		}(br)
	}
	wg.Wait()

	// Siblings always run to completion; failures surface only after the
	// join barrier.
	if len(failures) > 0 && !node.BoolAttr("continue_on_error") {
		return "", domain.E(domain.KindExecution, "parallel node %s: branch failures: %s",
			node.ID, strings.Join(failures, "; "))
	}

	state.setContext("parallel.join."+node.ID, join)
	return "", nil
}

// runBranch executes a branch's node sequence in order. The branch output is
// the last non-empty node output.
func (e *Engine) runBranch(ctx context.Context, in ExecInput, state *State, br branch) (string, error) {
	last := ""
	for _, nodeID := range br.nodes {
		if err := e.checkCancel(ctx, in.Run.ID); err != nil {
			return "", err
		}
		node := in.Graph.Node(nodeID)
		if node == nil {
			return "", domain.E(domain.KindExecution, "branch %s references missing node %q", br.label, nodeID)
		}

		result, err := e.executeWithRetry(ctx, in, state, node)
		if err != nil {
			return "", err
		}
		state.markCompleted(node.ID)
		if result.Status == domain.NodeOutcomeFailed {
			if node.BoolAttr("continue_on_error") {
				continue
			}
			return "", domain.E(domain.KindExecution, "node %s failed: %s", node.ID, result.FailureReason)
		}
		if out := state.output(node.ID); strings.TrimSpace(out) != "" {
			last = out
		}
	}
	return last, nil
}

// planBranches walks each labeled outgoing edge of the parallel node to the
// common join: the first node every branch reaches that has more than one
// incoming edge. Branches must be linear between fan-out and join.
func planBranches(g *graph.Graph, parallel *graph.Node) ([]branch, string, error) {
	edges := g.Outgoing(parallel.ID)
	if len(edges) < 2 {
		return nil, "", domain.E(domain.KindPrecondition, "parallel node %s needs at least two outgoing branches", parallel.ID)
	}

	var branches []branch
	join := ""

	for i, edge := range edges {
		label := edge.Label()
		if label == "" {
			label = fmt.Sprintf("branch-%d", i+1)
		}

		var nodes []string
		seen := map[string]bool{}
		current := edge.To

		for {
			if seen[current] {
				return nil, "", domain.E(domain.KindPrecondition,
					"parallel node %s: branch %q cycles at %q", parallel.ID, label, current)
			}
			seen[current] = true

			if len(g.Incoming(current)) > 1 {
				// Join reached; it is executed by the scheduler, not the branch.
				if join == "" {
					join = current
				} else if join != current {
					return nil, "", domain.E(domain.KindPrecondition,
						"parallel node %s: branches join at both %q and %q", parallel.ID, join, current)
				}
				break
			}

			nodes = append(nodes, current)
			out := g.Outgoing(current)
			if len(out) == 0 {
				return nil, "", domain.E(domain.KindPrecondition,
					"parallel node %s: branch %q dead-ends at %q before a join", parallel.ID, label, current)
			}
			if len(out) > 1 {
				return nil, "", domain.E(domain.KindPrecondition,
					"parallel node %s: branch %q forks at %q; branches must be linear", parallel.ID, label, current)
			}
			current = out[0].To
		}

		if len(nodes) == 0 {
			return nil, "", domain.E(domain.KindPrecondition,
				"parallel node %s: branch %q is empty", parallel.ID, label)
		}
		branches = append(branches, branch{label: label, nodes: nodes})
	}

	if join == "" {
		return nil, "", domain.E(domain.KindPrecondition, "parallel node %s has no join node", parallel.ID)
	}
	return branches, join, nil
}
