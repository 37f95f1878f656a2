package stackgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histostack/internal/models"
)

func refs(zs ...float64) []models.SliceRef {
	slices := make([]models.Slice, len(zs))
	for i, z := range zs {
		slices[i] = models.Slice{ZPos: z}
	}
	return models.SortedRefs(slices)
}

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func TestBuildForcedNearestEdges(t *testing.T) {
	// Slices at z = 0, 1, 5 with zRange = 2: (0,1) fall inside the range in
	// both directions, and the distant slice at z=5 still gets its forced
	// nearest edges both ways.
	g := Build(refs(0, 1, 5), 2)

	assert.ElementsMatch(t, []int{1}, g.Neighbors(0))
	assert.ElementsMatch(t, []int{0, 2}, g.Neighbors(1))
	assert.ElementsMatch(t, []int{1}, g.Neighbors(2))

	for k := 0; k < g.NumNodes(); k++ {
		assert.False(t, contains(g.Neighbors(k), k), "no self edges")
	}
}

func TestBuildDegreeRule(t *testing.T) {
	// Wide spread with a tiny threshold: every node still reaches its
	// immediate neighbor in each direction.
	g := Build(refs(0, 10, 20, 30), 0.5)

	assert.Equal(t, []int{1}, g.Neighbors(0))
	assert.ElementsMatch(t, []int{0, 2}, g.Neighbors(1))
	assert.ElementsMatch(t, []int{1, 3}, g.Neighbors(2))
	assert.Equal(t, []int{2}, g.Neighbors(3))
}

func TestBuildDenseRange(t *testing.T) {
	// All slices within range of each other: complete graph.
	g := Build(refs(0, 0.2, 0.4), 1)
	assert.Equal(t, 6, g.NumEdges())
	for k := 0; k < 3; k++ {
		assert.Len(t, g.Neighbors(k), 2)
	}
}

func TestBuildUnsortedManifestOrder(t *testing.T) {
	// Manifest order differs from z order; neighbor indices refer back to
	// manifest positions.
	slices := []models.Slice{{ZPos: 5}, {ZPos: 0}, {ZPos: 1}}
	g := Build(models.SortedRefs(slices), 2)

	assert.ElementsMatch(t, []int{2}, g.Neighbors(1), "z=0 connects to z=1")
	assert.ElementsMatch(t, []int{1, 0}, g.Neighbors(2), "z=1 connects to z=0 and forced z=5")
	assert.ElementsMatch(t, []int{2}, g.Neighbors(0), "z=5 forced back to z=1")
}

// line builds a 5-node path graph with the given per-hop weights.
func line(t *testing.T, hop []float64) *Graph {
	t.Helper()
	zs := make([]float64, len(hop)+1)
	for i := range zs {
		zs[i] = float64(i)
	}
	g := Build(refs(zs...), 1.5)
	for k := 0; k < g.NumNodes(); k++ {
		for pos, m := range g.Neighbors(k) {
			lo := k
			if m < lo {
				lo = m
			}
			g.SetWeight(k, pos, hop[lo])
		}
	}
	return g
}

func TestMedoidRootSelection(t *testing.T) {
	// Uniform weights on a path graph: the middle node minimizes the total
	// distance to all others.
	g := line(t, []float64{1, 1, 1, 1})
	root, sums, err := NewRouter(g).Medoid()
	require.NoError(t, err)
	assert.Equal(t, 2, root)
	assert.Len(t, sums, 5)
	assert.Equal(t, 6.0, sums[2])
	assert.Equal(t, 10.0, sums[0])

	// A heavy first hop pushes the medoid toward the far end.
	g = line(t, []float64{10, 1, 1, 1})
	root, _, err = NewRouter(g).Medoid()
	require.NoError(t, err)
	assert.Equal(t, 2, root, "medoid stays where total distance is least")
}

func TestMedoidDeterminism(t *testing.T) {
	g := line(t, []float64{2, 1, 1, 2})
	r1, s1, err := NewRouter(g).Medoid()
	require.NoError(t, err)
	r2, s2, err := NewRouter(g).Medoid()
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Equal(t, s1, s2)
}

func TestTreeFromPredecessors(t *testing.T) {
	g := line(t, []float64{1, 1, 1, 1})
	router := NewRouter(g)
	tree, err := router.TreeFrom(2)
	require.NoError(t, err)

	assert.Equal(t, -1, tree.Pred[2])
	assert.Equal(t, 2, tree.Pred[1])
	assert.Equal(t, 1, tree.Pred[0])
	assert.Equal(t, 2, tree.Pred[3])
	assert.Equal(t, 3, tree.Pred[4])
	assert.Equal(t, 0.0, tree.Dist[2])
	assert.Equal(t, 2.0, tree.Dist[0])
}

func TestTreeFromDeterministicOnTies(t *testing.T) {
	// Diamond: node 3 is reachable from the root at equal cost through
	// node 1 and node 2. The tree must pick the same predecessor on every
	// run, and ties resolve to the lowest index.
	g := Build(refs(0, 1, 2, 3), 2.5)
	for k := 0; k < g.NumNodes(); k++ {
		for pos := range g.Neighbors(k) {
			g.SetWeight(k, pos, 1)
		}
	}
	router := NewRouter(g)

	first, err := router.TreeFrom(0)
	require.NoError(t, err)
	assert.Equal(t, -1, first.Pred[0])
	assert.Equal(t, 0, first.Pred[1])
	assert.Equal(t, 0, first.Pred[2])
	assert.Equal(t, 1, first.Pred[3], "tied paths resolve to the lowest-index predecessor")

	for i := 0; i < 50; i++ {
		tree, err := router.TreeFrom(0)
		require.NoError(t, err)
		assert.Equal(t, first.Pred, tree.Pred)
		assert.Equal(t, first.Dist, tree.Dist)
	}
}

func TestUnresolvedWeightsAreDisconnected(t *testing.T) {
	// Weights left at their initial infinity mean no usable path.
	g := Build(refs(0, 1), 2)
	_, _, err := NewRouter(g).Medoid()
	require.ErrorIs(t, err, ErrDisconnected)
}
