package pipeline

import (
	"strconv"
	"strings"
)

// Status is a node handler's verdict.
type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusPartialSuccess Status = "PARTIAL_SUCCESS"
	StatusFail           Status = "FAIL"
	StatusRetry          Status = "RETRY"
	StatusSkipped        Status = "SKIPPED"
)

// Succeeded reports whether the status counts as a pass for goal gates and
// join policies.
func (s Status) Succeeded() bool {
	return s == StatusSuccess || s == StatusPartialSuccess
}

// ParseStatus maps loosely formatted status text (case, hyphens, spaces)
// onto a Status. Unrecognised text returns ok=false.
func ParseStatus(raw string) (Status, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	switch Status(normalized) {
	case StatusSuccess, StatusPartialSuccess, StatusFail, StatusRetry, StatusSkipped:
		return Status(normalized), true
	}
	return "", false
}

// Outcome is the result a handler returns for one node visit.
type Outcome struct {
	Status           Status         `json:"status"`
	PreferredLabel   string         `json:"preferred_label,omitempty"`
	SuggestedNextIDs []string       `json:"suggested_next_ids,omitempty"`
	ContextUpdates   map[string]any `json:"context_updates,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	Notes            string         `json:"notes,omitempty"`
}

// Handler type strings and the shapes that map onto them. An explicit
// type attribute on the node overrides the shape mapping.
const (
	TypeStart       = "start"
	TypeExit        = "exit"
	TypeCodergen    = "codergen"
	TypeConditional = "conditional"
	TypeWaitHuman   = "wait_human"
	TypeTool        = "tool"
	TypeParallel    = "parallel"
	TypeFanIn       = "fan_in"
)

var shapeTypes = map[string]string{
	"Mdiamond":      TypeStart,
	"Msquare":       TypeExit,
	"box":           TypeCodergen,
	"diamond":       TypeConditional,
	"hexagon":       TypeWaitHuman,
	"parallelogram": TypeTool,
	"component":     TypeParallel,
	"tripleoctagon": TypeFanIn,
}

// Graph is the parsed pipeline: named nodes, ordered edges, and graph-level
// attributes. Node iteration order is declaration order.
type Graph struct {
	Name  string
	Attrs map[string]string

	nodes     map[string]*Node
	nodeOrder []string
	edges     []*Edge

	// duplicate node ids seen during parsing, for the validator.
	duplicates []string
}

// NewGraph builds an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		Name:  name,
		Attrs: make(map[string]string),
		nodes: make(map[string]*Node),
	}
}

// AddNode inserts a node, recording a duplicate when the id was already
// declared. Attributes of a re-declaration merge over the original.
func (g *Graph) AddNode(n *Node) {
	if existing, ok := g.nodes[n.ID]; ok {
		g.duplicates = append(g.duplicates, n.ID)
		for k, v := range n.Attrs {
			existing.Attrs[k] = v
		}
		return
	}
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	g.nodes[n.ID] = n
	g.nodeOrder = append(g.nodeOrder, n.ID)
}

// AddEdge appends an edge in declaration order.
func (g *Graph) AddEdge(e *Edge) {
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	g.edges = append(g.edges, e)
}

// Node returns the node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns all edges in declaration order.
func (g *Graph) Edges() []*Edge {
	return g.edges
}

// Outgoing returns the edges leaving a node, in declaration order.
func (g *Graph) Outgoing(id string) []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// StartNode resolves the entry node: first a node with shape Mdiamond,
// else a node whose id is start or Start.
func (g *Graph) StartNode() (*Node, bool) {
	for _, id := range g.nodeOrder {
		if g.nodes[id].Shape() == "Mdiamond" {
			return g.nodes[id], true
		}
	}
	if n, ok := g.nodes["start"]; ok {
		return n, true
	}
	if n, ok := g.nodes["Start"]; ok {
		return n, true
	}
	return nil, false
}

// Graph-level attribute accessors.

func (g *Graph) Goal() string  { return g.Attrs["goal"] }
func (g *Graph) Label() string { return g.Attrs["label"] }

// DefaultMaxRetry is the graph-wide retry count nodes inherit when they do
// not set max_retries.
func (g *Graph) DefaultMaxRetry() int { return atoi(g.Attrs["default_max_retry"]) }

func (g *Graph) RetryTarget() string         { return g.Attrs["retry_target"] }
func (g *Graph) FallbackRetryTarget() string { return g.Attrs["fallback_retry_target"] }
func (g *Graph) DefaultFidelity() string     { return g.Attrs["default_fidelity"] }
func (g *Graph) ModelStylesheet() string     { return g.Attrs["model_stylesheet"] }

// Node is one pipeline stage. All attributes live in the map; typed
// accessors interpret the well-known ones and unknown attributes ride along
// as extensions.
type Node struct {
	ID    string
	Attrs map[string]string
}

func (n *Node) Attr(key string) string { return n.Attrs[key] }

func (n *Node) Label() string {
	if l, ok := n.Attrs["label"]; ok {
		return l
	}
	return n.ID
}

func (n *Node) Shape() string  { return n.Attrs["shape"] }
func (n *Node) Prompt() string { return n.Attrs["prompt"] }

// Type resolves the handler type: the explicit type attribute wins,
// otherwise the shape mapping. Unknown shapes yield "".
func (n *Node) Type() string {
	if t, ok := n.Attrs["type"]; ok && t != "" {
		return t
	}
	return shapeTypes[n.Shape()]
}

// Terminal reports whether the node ends the pipeline.
func (n *Node) Terminal() bool { return n.Type() == TypeExit }

// MaxRetries is the node-level retry count; 0 means inherit the graph
// default.
func (n *Node) MaxRetries() int { return atoi(n.Attrs["max_retries"]) }

func (n *Node) GoalGate() bool              { return isTrue(n.Attrs["goal_gate"]) }
func (n *Node) RetryTarget() string         { return n.Attrs["retry_target"] }
func (n *Node) FallbackRetryTarget() string { return n.Attrs["fallback_retry_target"] }
func (n *Node) AllowPartial() bool          { return isTrue(n.Attrs["allow_partial"]) }
func (n *Node) AutoStatus() bool            { return isTrue(n.Attrs["auto_status"]) }
func (n *Node) Class() string               { return n.Attrs["class"] }
func (n *Node) Fidelity() string            { return n.Attrs["fidelity"] }

// TimeoutSeconds bounds one handler attempt; 0 means no bound.
func (n *Node) TimeoutSeconds() int { return atoi(n.Attrs["timeout"]) }

// Edge connects two nodes. Weight defaults to 0; loop_restart discards run
// state and re-enters the graph at the target.
type Edge struct {
	From  string
	To    string
	Attrs map[string]string
}

func (e *Edge) Attr(key string) string { return e.Attrs[key] }

func (e *Edge) Label() string     { return e.Attrs["label"] }
func (e *Edge) Condition() string { return e.Attrs["condition"] }
func (e *Edge) Weight() int       { return atoi(e.Attrs["weight"]) }
func (e *Edge) Fidelity() string  { return e.Attrs["fidelity"] }
func (e *Edge) LoopRestart() bool { return isTrue(e.Attrs["loop_restart"]) }

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	}
	return false
}
