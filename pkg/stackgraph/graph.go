// Package stackgraph builds the slice proximity graph and routes shortest
// paths over it. Nodes are slice indices in manifest order; edges connect
// each slice to its z-neighbors, weighted by registration match quality.
package stackgraph

import (
	"math"
	"sort"

	"histostack/internal/models"
)

// Graph is a sparse directed adjacency structure in compressed sparse row
// form: the neighbors of node k are Adj[Offsets[k]:Offsets[k+1]], with
// matching entries in Weights. Weights start infinite and are assigned by
// the pairwise edge resolver.
type Graph struct {
	Offsets []int
	Adj     []int
	Weights []float64
}

// Build constructs the proximity graph from the z-sorted view of the stack.
// Walking the sorted slices in ascending order, each slice is connected to
// every following slice closer than zRange, but always to at least the
// immediately following one even beyond the threshold; a symmetric pass in
// descending order adds the backward edges. No node is left isolated and
// there are no self edges.
//
// Neighbor lists are ordered by (z, index), matching the traversal order of
// the pairwise edge resolver.
func Build(sorted []models.SliceRef, zRange float64) *Graph {
	n := len(sorted)
	nbrs := make(map[int]map[int]models.SliceRef, n)
	for _, r := range sorted {
		nbrs[r.Index] = make(map[int]models.SliceRef)
	}

	// Forward pass.
	for i := range sorted {
		added := 0
		for j := i + 1; j < n; j++ {
			if added >= 1 && math.Abs(sorted[i].Z-sorted[j].Z) >= zRange {
				break
			}
			nbrs[sorted[i].Index][sorted[j].Index] = sorted[j]
			added++
		}
	}

	// Backward pass.
	for i := n - 1; i >= 0; i-- {
		added := 0
		for j := i - 1; j >= 0; j-- {
			if added >= 1 && math.Abs(sorted[i].Z-sorted[j].Z) >= zRange {
				break
			}
			nbrs[sorted[i].Index][sorted[j].Index] = sorted[j]
			added++
		}
	}

	g := &Graph{Offsets: make([]int, n+1)}
	for k := 0; k < n; k++ {
		list := make([]models.SliceRef, 0, len(nbrs[k]))
		for _, r := range nbrs[k] {
			list = append(list, r)
		}
		sort.Slice(list, func(a, b int) bool { return list[a].Less(list[b]) })
		g.Offsets[k+1] = g.Offsets[k] + len(list)
		for _, r := range list {
			g.Adj = append(g.Adj, r.Index)
		}
	}
	g.Weights = make([]float64, len(g.Adj))
	for i := range g.Weights {
		g.Weights[i] = math.Inf(1)
	}
	return g
}

// NumNodes returns the node count.
func (g *Graph) NumNodes() int { return len(g.Offsets) - 1 }

// NumEdges returns the directed edge count.
func (g *Graph) NumEdges() int { return len(g.Adj) }

// Neighbors returns the adjacency row of node k.
func (g *Graph) Neighbors(k int) []int {
	return g.Adj[g.Offsets[k]:g.Offsets[k+1]]
}

// SetWeight assigns the weight of the pos-th edge out of node k, in the
// order returned by Neighbors.
func (g *Graph) SetWeight(k, pos int, w float64) {
	g.Weights[g.Offsets[k]+pos] = w
}

// Weight returns the weight of the pos-th edge out of node k.
func (g *Graph) Weight(k, pos int) float64 {
	return g.Weights[g.Offsets[k]+pos]
}
