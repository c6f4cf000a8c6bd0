package taskgraph

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopoLayers(t *testing.T) {
	t.Run("Diamond", func(t *testing.T) {
		layers := TopoLayers(newSpec(node("A"), node("B", "A"), node("C", "A"), node("D", "B", "C")))
		require.Len(t, layers, 3)
		assert.Equal(t, []string{"A"}, layers[0])
		assert.ElementsMatch(t, []string{"B", "C"}, layers[1])
		assert.Equal(t, []string{"D"}, layers[2])
	})

	t.Run("Declaration Order Within Layer", func(t *testing.T) {
		layers := TopoLayers(newSpec(node("z"), node("m"), node("a")))
		assert.Equal(t, [][]string{{"z", "m", "a"}}, layers)
	})

	t.Run("Chain", func(t *testing.T) {
		layers := TopoLayers(newSpec(node("C", "B"), node("B", "A"), node("A")))
		assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, layers)
	})

	t.Run("Dangling Dependency Ignored", func(t *testing.T) {
		layers := TopoLayers(newSpec(node("A"), node("B", "Z"), node("C", "A", "Z")))
		assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, layers)
	})

	t.Run("Cycle Falls Back To Final Layer", func(t *testing.T) {
		sched := Plan(newSpec(node("A", "B"), node("B", "A")))
		assert.True(t, sched.Cyclic)
		assert.Equal(t, [][]string{{"A", "B"}}, sched.Layers)
		assert.Equal(t, []string{"A", "B"}, sched.Unresolved)
	})

	t.Run("Cycle Behind Acyclic Prefix", func(t *testing.T) {
		sched := Plan(newSpec(node("root"), node("x", "root", "y"), node("y", "x"), node("leaf", "y")))
		assert.True(t, sched.Cyclic)
		assert.Equal(t, [][]string{{"root"}, {"x", "y", "leaf"}}, sched.Layers)
		assert.Equal(t, 4, sched.Size())
	})

	t.Run("Self Dependency Is A Cycle", func(t *testing.T) {
		sched := Plan(newSpec(node("A"), node("B", "B")))
		assert.True(t, sched.Cyclic)
		assert.Equal(t, [][]string{{"A"}, {"B"}}, sched.Layers)
	})

	t.Run("Acyclic Is Not Flagged", func(t *testing.T) {
		sched := Plan(newSpec(node("A"), node("B", "A")))
		assert.False(t, sched.Cyclic)
		assert.Empty(t, sched.Unresolved)
	})

	t.Run("Duplicate IDs Scheduled Once", func(t *testing.T) {
		layers := TopoLayers(newSpec(node("A"), node("A", "B"), node("B")))
		assert.Equal(t, [][]string{{"A", "B"}}, layers)
	})

	t.Run("LayerOf", func(t *testing.T) {
		sched := Plan(newSpec(node("A"), node("B", "A")))
		idx, ok := sched.LayerOf("B")
		require.True(t, ok)
		assert.Equal(t, 1, idx)
		_, ok = sched.LayerOf("nope")
		assert.False(t, ok)
	})
}

func TestTopoLayersProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		spec := randomDAG(rng, rng.Intn(20)+1)
		sched := Plan(spec)

		require.False(t, sched.Cyclic)

		var flat []string
		for _, layer := range sched.Layers {
			require.NotEmpty(t, layer)
			flat = append(flat, layer...)
		}
		ids := spec.NodeIDs()
		sort.Strings(flat)
		sort.Strings(ids)
		require.Equal(t, ids, flat)

		for _, n := range spec.Nodes {
			to, _ := sched.LayerOf(n.ID)
			for _, d := range n.DependsOn {
				from, ok := sched.LayerOf(d)
				if !ok {
					continue
				}
				require.Less(t, from, to, "%s must run before %s", d, n.ID)
			}
		}
	}
}
