package taskgraph

// edgeKey identifies an edge by its ordered endpoints
type edgeKey struct {
	from string
	to   string
}

// Normalize makes the edge set a superset of the dependsOn relation: for
// every dependency d of node n without an existing (d, n) edge a control
// edge is appended. Input edges are kept as given, explicit duplicates
// included. The input spec is not modified. Normalizing twice adds nothing.
func Normalize(spec Spec) Spec {
	out := spec.Clone()

	existing := make(map[edgeKey]struct{}, len(out.Edges))
	for _, e := range out.Edges {
		existing[edgeKey{from: e.From, to: e.To}] = struct{}{}
	}

	for _, n := range out.Nodes {
		for _, dep := range n.DependsOn {
			key := edgeKey{from: dep, to: n.ID}
			if _, ok := existing[key]; ok {
				continue
			}
			existing[key] = struct{}{}
			out.Edges = append(out.Edges, Edge{From: dep, To: n.ID, Kind: EdgeKindControl})
		}
	}

	return out
}

// NormalizeJSON parses untrusted input and normalizes the result
func NormalizeJSON(data []byte) (Spec, error) {
	spec, err := Parse(data)
	if err != nil {
		return Spec{}, err
	}
	return Normalize(spec), nil
}
