// Package taskgraph validates multi-agent task graphs, reconciles their
// explicit edges with per-node dependency lists and computes layered
// execution schedules.
package taskgraph

// SupportedVersion is the only spec version accepted by Parse and Validate.
const SupportedVersion = "2.0"

// EdgeKind distinguishes data-carrying edges from ordering-only edges
type EdgeKind string

const (
	// EdgeKindData means the output of From feeds the input of To
	EdgeKindData EdgeKind = "data"
	// EdgeKindControl means To runs after From, with no data flow
	EdgeKindControl EdgeKind = "control"
)

// Valid reports whether k is one of the recognized kinds
func (k EdgeKind) Valid() bool {
	return k == EdgeKindData || k == EdgeKindControl
}

// Node represents one unit of work in a task graph
type Node struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DependsOn   []string `json:"dependsOn"`
	AgentID     string   `json:"agentId,omitempty"`
}

// Edge represents an explicit precedence relation between two nodes
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind,omitempty"`
}

// Spec is the canonical description of a goal decomposition
type Spec struct {
	Version      string `json:"version"`
	Goal         string `json:"goal"`
	Nodes        []Node `json:"nodes"`
	Edges        []Edge `json:"edges"`
	FinalNodeID  string `json:"finalNodeId,omitempty"`
	TemplateHint string `json:"templateHint,omitempty"`
}

// NodeIDs returns the node ids in declaration order
func (s Spec) NodeIDs() []string {
	ids := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Node returns the first node with the given id
func (s Spec) Node(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Clone returns a deep copy of the spec. Nil dependency and edge slices
// come back as empty slices.
func (s Spec) Clone() Spec {
	out := s
	out.Nodes = make([]Node, len(s.Nodes))
	for i, n := range s.Nodes {
		deps := make([]string, len(n.DependsOn))
		copy(deps, n.DependsOn)
		n.DependsOn = deps
		out.Nodes[i] = n
	}
	out.Edges = make([]Edge, len(s.Edges))
	copy(out.Edges, s.Edges)
	return out
}
