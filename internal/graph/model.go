// Package graph parses, validates, and canonicalizes the DOT-like attractor
// graph language, and provides the edge-condition evaluator and stylesheet
// overlay used by the execution engine.
package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NodeType classifies what a node does when the engine reaches it.
type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeTerminal NodeType = "terminal"
	NodeModel    NodeType = "model"
	NodeTool     NodeType = "tool"
	NodeHuman    NodeType = "human"
	NodeParallel NodeType = "parallel"
	NodeDecision NodeType = "decision"
)

// shapeTypes maps DOT shapes to node types. An explicit type attribute wins
// over the shape; nodes with neither default to model.
var shapeTypes = map[string]NodeType{
	"Mdiamond":      NodeStart,
	"circle":        NodeStart,
	"Msquare":       NodeTerminal,
	"doublecircle":  NodeTerminal,
	"box":           NodeModel,
	"parallelogram": NodeTool,
	"hexagon":       NodeHuman,
	"component":     NodeParallel,
	"diamond":       NodeDecision,
}

// Node is one named vertex with an attribute bag. Order is the declaration
// position, used for canonical serialization and topological tie-breaks.
type Node struct {
	ID    string
	Attrs map[string]string
	Order int
}

func NewNode(id string) *Node {
	return &Node{ID: id, Attrs: map[string]string{}}
}

// Shape returns the DOT shape attribute, if any.
func (n *Node) Shape() string { return n.Attrs["shape"] }

// Type resolves the node's execution type from its type attribute, shape,
// or well-known id, defaulting to model.
func (n *Node) Type() NodeType {
	if t, ok := n.Attrs["type"]; ok {
		return NodeType(t)
	}
	if t, ok := shapeTypes[n.Shape()]; ok {
		return t
	}
	switch strings.ToLower(n.ID) {
	case "start":
		return NodeStart
	case "exit", "end":
		return NodeTerminal
	}
	return NodeModel
}

// Classes returns the node's stylesheet classes from the class attribute
// (space separated).
func (n *Node) Classes() []string {
	raw := strings.TrimSpace(n.Attrs["class"])
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// AddClass appends a class unless already present.
func (n *Node) AddClass(class string) {
	for _, c := range n.Classes() {
		if c == class {
			return
		}
	}
	if cur := strings.TrimSpace(n.Attrs["class"]); cur != "" {
		n.Attrs["class"] = cur + " " + class
	} else {
		n.Attrs["class"] = class
	}
}

// Attr returns a trimmed attribute value, or the empty string.
func (n *Node) Attr(key string) string {
	return strings.TrimSpace(n.Attrs[key])
}

// IntAttr returns an integer attribute, or def when absent or malformed.
func (n *Node) IntAttr(key string, def int) int {
	v := n.Attr(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// BoolAttr returns a boolean attribute; absent or malformed is false.
func (n *Node) BoolAttr(key string) bool {
	switch strings.ToLower(n.Attr(key)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Retries returns the node's retry budget (attempts beyond the first).
func (n *Node) Retries() int { return n.IntAttr("retries", 0) }

// Timeout returns the node's wall-clock bound, or def when unset.
// Accepts timeout_ms (milliseconds) or timeout (bare seconds or s/m/h).
func (n *Node) Timeout(def time.Duration) time.Duration {
	if v := n.Attr("timeout_ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if v := n.Attr("timeout"); v != "" {
		if d, err := ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// Edge is one directed edge. Parallel fan-out edges carry a branch label.
type Edge struct {
	From  string
	To    string
	Attrs map[string]string
	Order int
}

func NewEdge(from, to string) *Edge {
	return &Edge{From: from, To: to, Attrs: map[string]string{}}
}

// Label returns the edge's branch label / decision value.
func (e *Edge) Label() string { return strings.TrimSpace(e.Attrs["label"]) }

// Condition returns the edge's guard expression, if any.
func (e *Edge) Condition() string { return strings.TrimSpace(e.Attrs["cond"]) }

// OnError reports whether this edge is the failure continuation.
func (e *Edge) OnError() bool {
	return e.Attrs["on_error"] == "true" || e.Label() == "on_error"
}

// Graph is a parsed attractor: named nodes, directed edges, and a
// graph-level attribute bag.
type Graph struct {
	Name  string
	Attrs map[string]string

	Nodes map[string]*Node
	order []string
	Edges []*Edge
}

func NewGraph(name string) *Graph {
	return &Graph{Name: name, Attrs: map[string]string{}, Nodes: map[string]*Node{}}
}

// AddNode registers a node. Re-declaring an existing node merges attributes
// (later declarations win) and keeps the original order.
func (g *Graph) AddNode(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("graph: node id is empty")
	}
	if existing, ok := g.Nodes[n.ID]; ok {
		for k, v := range n.Attrs {
			existing.Attrs[k] = v
		}
		return nil
	}
	n.Order = len(g.order)
	g.Nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// AddEdge registers an edge, implicitly declaring endpoints that have not
// been declared yet.
func (g *Graph) AddEdge(e *Edge) error {
	if e.From == "" || e.To == "" {
		return fmt.Errorf("graph: edge endpoint is empty")
	}
	for _, id := range []string{e.From, e.To} {
		if _, ok := g.Nodes[id]; !ok {
			if err := g.AddNode(NewNode(id)); err != nil {
				return err
			}
		}
	}
	e.Order = len(g.Edges)
	g.Edges = append(g.Edges, e)
	return nil
}

// Node returns a node by id, or nil.
func (g *Graph) Node(id string) *Node { return g.Nodes[id] }

// NodesInOrder returns nodes in declaration order.
func (g *Graph) NodesInOrder() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.Nodes[id])
	}
	return out
}

// Outgoing returns edges leaving a node in declaration order.
func (g *Graph) Outgoing(id string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns edges entering a node in declaration order.
func (g *Graph) Incoming(id string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// Start returns the unique start node, or nil when absent or ambiguous.
func (g *Graph) Start() *Node {
	var found *Node
	for _, n := range g.NodesInOrder() {
		if n.Type() == NodeStart {
			if found != nil {
				return nil
			}
			found = n
		}
	}
	return found
}

// Attr returns a trimmed graph attribute value.
func (g *Graph) Attr(key string) string {
	return strings.TrimSpace(g.Attrs[key])
}

// MaxSteps returns the graph's step budget, or def when unset.
func (g *Graph) MaxSteps(def int) int {
	v := g.Attr("max_steps")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return def
	}
	return i
}

// AttrKeysSorted returns graph attribute keys in sorted order.
func (g *Graph) AttrKeysSorted() []string {
	keys := make([]string, 0, len(g.Attrs))
	for k := range g.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseDuration parses a duration attribute. Bare integers are seconds;
// otherwise s/m/h suffixes are accepted.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
