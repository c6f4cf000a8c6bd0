package taskgraph

// Schedule is a layered execution order. Every node in Layers[i] depends
// only on nodes in earlier layers, unless Cyclic is set, in which case the
// last layer holds the nodes whose dependencies could never be satisfied.
type Schedule struct {
	Layers     [][]string `json:"layers"`
	Cyclic     bool       `json:"cyclic"`
	Unresolved []string   `json:"unresolved,omitempty"`
}

// LayerOf returns the index of the layer containing id
func (s Schedule) LayerOf(id string) (int, bool) {
	for i, layer := range s.Layers {
		for _, member := range layer {
			if member == id {
				return i, true
			}
		}
	}
	return 0, false
}

// Size returns the number of scheduled nodes
func (s Schedule) Size() int {
	n := 0
	for _, layer := range s.Layers {
		n += len(layer)
	}
	return n
}

// TopoLayers computes the layered schedule of spec. See Plan.
func TopoLayers(spec Spec) [][]string {
	return Plan(spec).Layers
}

// Plan runs a Kahn-style layered topological sort. Dependencies on ids that
// are not nodes of the graph are ignored. Ids inside a layer keep node
// declaration order. When no remaining node is ready the whole remainder is
// emitted as one final layer and the schedule is marked cyclic; the call
// always terminates and covers every node exactly once.
func Plan(spec Spec) Schedule {
	order := make([]string, 0, len(spec.Nodes))
	deps := make(map[string]map[string]struct{}, len(spec.Nodes))
	for _, n := range spec.Nodes {
		if _, ok := deps[n.ID]; ok {
			continue
		}
		order = append(order, n.ID)
		deps[n.ID] = nil
	}

	for _, n := range spec.Nodes {
		if deps[n.ID] != nil {
			continue
		}
		restricted := make(map[string]struct{}, len(n.DependsOn))
		for _, d := range n.DependsOn {
			if _, ok := deps[d]; ok {
				restricted[d] = struct{}{}
			}
		}
		deps[n.ID] = restricted
	}

	sched := Schedule{Layers: make([][]string, 0)}
	remaining := order
	done := make(map[string]struct{}, len(order))

	for len(remaining) > 0 {
		var ready, blocked []string
		for _, id := range remaining {
			if satisfied(deps[id], done) {
				ready = append(ready, id)
			} else {
				blocked = append(blocked, id)
			}
		}

		if len(ready) == 0 {
			sched.Layers = append(sched.Layers, blocked)
			sched.Cyclic = true
			sched.Unresolved = append([]string(nil), blocked...)
			break
		}

		sched.Layers = append(sched.Layers, ready)
		for _, id := range ready {
			done[id] = struct{}{}
		}
		remaining = blocked
	}

	return sched
}

func satisfied(deps map[string]struct{}, done map[string]struct{}) bool {
	for d := range deps {
		if _, ok := done[d]; !ok {
			return false
		}
	}
	return true
}
