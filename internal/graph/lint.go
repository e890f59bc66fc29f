package graph

import (
	"fmt"
	"strconv"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one lint finding. Errors block run creation; warnings do not.
type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
}

// Lint runs all built-in rules against the graph.
func Lint(g *Graph) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintStartNode(g)...)
	diags = append(diags, lintTerminalNode(g)...)
	diags = append(diags, lintStartNoIncoming(g)...)
	diags = append(diags, lintTerminalNoOutgoing(g)...)
	diags = append(diags, lintReachability(g)...)
	diags = append(diags, lintNodeContracts(g)...)
	diags = append(diags, lintDecisionEdges(g)...)
	diags = append(diags, lintParallelBranches(g)...)
	diags = append(diags, lintConditionSyntax(g)...)
	diags = append(diags, lintStylesheetSyntax(g)...)
	diags = append(diags, lintGraphAttrs(g)...)
	return diags
}

// LintErr returns an error summarizing all ERROR diagnostics, or nil.
func LintErr(g *Graph) error {
	var errs []string
	for _, d := range Lint(g) {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("graph validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintStartNode(g *Graph) []Diagnostic {
	var ids []string
	for _, n := range g.NodesInOrder() {
		if n.Type() == NodeStart {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) != 1 {
		return []Diagnostic{{
			Rule:     "start_node",
			Severity: SeverityError,
			Message:  fmt.Sprintf("graph must have exactly one start node (found %d: %v)", len(ids), ids),
		}}
	}
	return nil
}

func lintTerminalNode(g *Graph) []Diagnostic {
	for _, n := range g.Nodes {
		if n.Type() == NodeTerminal {
			return nil
		}
	}
	return []Diagnostic{{
		Rule:     "terminal_node",
		Severity: SeverityError,
		Message:  "graph must have at least one terminal node",
	}}
}

func lintStartNoIncoming(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.NodesInOrder() {
		if n.Type() != NodeStart {
			continue
		}
		if len(g.Incoming(n.ID)) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "start_no_incoming",
				Severity: SeverityError,
				Message:  fmt.Sprintf("start node %q must not have incoming edges", n.ID),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintTerminalNoOutgoing(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.NodesInOrder() {
		if n.Type() != NodeTerminal {
			continue
		}
		if len(g.Outgoing(n.ID)) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "terminal_no_outgoing",
				Severity: SeverityError,
				Message:  fmt.Sprintf("terminal node %q must not have outgoing edges", n.ID),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintReachability(g *Graph) []Diagnostic {
	start := g.Start()
	if start == nil {
		return nil // start_node already reported
	}
	seen := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(id) {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	var diags []Diagnostic
	for _, n := range g.NodesInOrder() {
		if !seen[n.ID] {
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q is not reachable from the start node", n.ID),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

// lintNodeContracts checks the per-type required attributes: model and
// human nodes need a prompt, tool nodes need a command.
func lintNodeContracts(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.NodesInOrder() {
		switch n.Type() {
		case NodeModel:
			if n.Attr("prompt") == "" {
				diags = append(diags, Diagnostic{
					Rule:     "model_prompt",
					Severity: SeverityError,
					Message:  fmt.Sprintf("model node %q requires a prompt attribute", n.ID),
					NodeID:   n.ID,
				})
			}
		case NodeTool:
			if n.Attr("tool") == "" {
				diags = append(diags, Diagnostic{
					Rule:     "tool_command",
					Severity: SeverityError,
					Message:  fmt.Sprintf("tool node %q requires a tool attribute", n.ID),
					NodeID:   n.ID,
				})
			}
		case NodeHuman:
			if n.Attr("prompt") == "" {
				diags = append(diags, Diagnostic{
					Rule:     "human_prompt",
					Severity: SeverityError,
					Message:  fmt.Sprintf("human node %q requires a prompt attribute", n.ID),
					NodeID:   n.ID,
				})
			}
		case NodeStart, NodeTerminal, NodeParallel, NodeDecision:
		default:
			diags = append(diags, Diagnostic{
				Rule:     "node_type",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type()),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintDecisionEdges(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.NodesInOrder() {
		if n.Type() != NodeDecision {
			continue
		}
		if n.Attr("selector") == "" {
			diags = append(diags, Diagnostic{
				Rule:     "decision_selector",
				Severity: SeverityError,
				Message:  fmt.Sprintf("decision node %q requires a selector attribute", n.ID),
				NodeID:   n.ID,
			})
		}
		for _, e := range g.Outgoing(n.ID) {
			if e.Label() == "" && e.Condition() == "" && !e.OnError() {
				diags = append(diags, Diagnostic{
					Rule:     "decision_edge_value",
					Severity: SeverityError,
					Message:  fmt.Sprintf("edge %s -> %s leaving decision node needs a label or cond", e.From, e.To),
					EdgeFrom: e.From,
					EdgeTo:   e.To,
				})
			}
		}
	}
	return diags
}

func lintParallelBranches(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.NodesInOrder() {
		if n.Type() != NodeParallel {
			continue
		}
		out := g.Outgoing(n.ID)
		if len(out) < 2 {
			diags = append(diags, Diagnostic{
				Rule:     "parallel_fanout",
				Severity: SeverityError,
				Message:  fmt.Sprintf("parallel node %q must fan out to at least two branches", n.ID),
				NodeID:   n.ID,
			})
		}
		seen := map[string]bool{}
		for _, e := range out {
			label := e.Label()
			if label == "" {
				diags = append(diags, Diagnostic{
					Rule:     "parallel_branch_label",
					Severity: SeverityError,
					Message:  fmt.Sprintf("edge %s -> %s leaving parallel node needs a branch label", e.From, e.To),
					EdgeFrom: e.From,
					EdgeTo:   e.To,
				})
				continue
			}
			if seen[label] {
				diags = append(diags, Diagnostic{
					Rule:     "parallel_branch_label",
					Severity: SeverityError,
					Message:  fmt.Sprintf("parallel node %q has duplicate branch label %q", n.ID, label),
					NodeID:   n.ID,
				})
			}
			seen[label] = true
		}
	}
	return diags
}

func lintConditionSyntax(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if cond := e.Condition(); cond != "" {
			if err := ValidateCondition(cond); err != nil {
				diags = append(diags, Diagnostic{
					Rule:     "condition_syntax",
					Severity: SeverityError,
					Message:  fmt.Sprintf("edge %s -> %s: %v", e.From, e.To, err),
					EdgeFrom: e.From,
					EdgeTo:   e.To,
				})
			}
		}
	}
	return diags
}

func lintStylesheetSyntax(g *Graph) []Diagnostic {
	src := g.Attr("model_stylesheet")
	if src == "" {
		return nil
	}
	if _, err := ParseStylesheet(src); err != nil {
		return []Diagnostic{{
			Rule:     "stylesheet_syntax",
			Severity: SeverityError,
			Message:  err.Error(),
		}}
	}
	return nil
}

func lintGraphAttrs(g *Graph) []Diagnostic {
	var diags []Diagnostic
	if v := g.Attr("max_steps"); v != "" {
		if i, err := strconv.Atoi(v); err != nil || i <= 0 {
			diags = append(diags, Diagnostic{
				Rule:     "max_steps",
				Severity: SeverityError,
				Message:  fmt.Sprintf("max_steps must be a positive integer, got %q", v),
			})
		}
	}
	for _, key := range []string{"final_output_node", "implementation_patch_node", "implementation_summary_node"} {
		if id := g.Attr(key); id != "" && g.Node(id) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "node_reference",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s references unknown node %q", key, id),
			})
		}
	}
	for _, id := range strings.Fields(strings.ReplaceAll(g.Attr("reviewer_artifact_nodes"), ",", " ")) {
		if g.Node(id) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "node_reference",
				Severity: SeverityError,
				Message:  fmt.Sprintf("reviewer_artifact_nodes references unknown node %q", id),
			})
		}
	}
	if mode := g.Attr("implementation_mode"); mode != "" && mode != "dot" {
		diags = append(diags, Diagnostic{
			Rule:     "implementation_mode",
			Severity: SeverityError,
			Message:  fmt.Sprintf("implementation_mode must be \"dot\" or absent, got %q", mode),
		})
	}
	return diags
}
