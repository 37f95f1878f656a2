package stackgraph

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// ErrDisconnected marks a slice unreachable from the chosen root. The graph
// builder guarantees connectivity for any valid stack, so this indicates a
// fatal configuration problem.
var ErrDisconnected = errors.New("slice graph is disconnected")

// Tree is the shortest-path tree rooted at Root. Pred[k] is the predecessor
// of node k on its shortest path from the root, -1 for the root itself.
// Dist[k] is the total path weight.
type Tree struct {
	Root int
	Pred []int
	Dist []float64
}

// Router runs single-source shortest paths over a weighted slice graph.
type Router struct {
	n  int
	g  *Graph
	wg *simple.WeightedDirectedGraph
}

// NewRouter indexes a graph whose edge weights have been resolved.
func NewRouter(g *Graph) *Router {
	wg := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	n := g.NumNodes()
	for k := 0; k < n; k++ {
		wg.AddNode(simple.Node(int64(k)))
	}
	for k := 0; k < n; k++ {
		for pos, m := range g.Neighbors(k) {
			wg.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(int64(k)),
				T: simple.Node(int64(m)),
				W: g.Weight(k, pos),
			})
		}
	}
	return &Router{n: n, g: g, wg: wg}
}

// Medoid runs Dijkstra from every node and returns the node minimizing the
// sum of distances to all others, with ties broken toward the lowest index.
// The per-node distance sums are returned alongside for reporting.
func (r *Router) Medoid() (int, []float64, error) {
	best := 0
	bestDist := math.Inf(1)
	sums := make([]float64, r.n)
	for i := 0; i < r.n; i++ {
		sp := path.DijkstraFrom(simple.Node(int64(i)), r.wg)
		total := 0.0
		for j := 0; j < r.n; j++ {
			d := sp.WeightTo(int64(j))
			if math.IsInf(d, 1) {
				return 0, nil, fmt.Errorf("%w: no path from slice %d to slice %d", ErrDisconnected, i, j)
			}
			total += d
		}
		sums[i] = total
		if i == 0 || total < bestDist {
			best = i
			bestDist = total
		}
	}
	return best, sums, nil
}

// TreeFrom recomputes shortest paths from root and returns the predecessor
// and distance arrays for the whole stack. Predecessors are derived from the
// distance field over the adjacency rows rather than taken from the Dijkstra
// traversal, so tied shortest paths always resolve to the lowest-index
// predecessor and repeated runs yield the identical tree.
func (r *Router) TreeFrom(root int) (*Tree, error) {
	sp := path.DijkstraFrom(simple.Node(int64(root)), r.wg)
	t := &Tree{Root: root, Pred: make([]int, r.n), Dist: make([]float64, r.n)}
	for j := 0; j < r.n; j++ {
		t.Dist[j] = sp.WeightTo(int64(j))
		t.Pred[j] = -1
		if j == root {
			continue
		}
		if math.IsInf(t.Dist[j], 1) {
			return nil, fmt.Errorf("%w: slice %d unreachable from root %d", ErrDisconnected, j, root)
		}
	}

	// An edge (i, j) lies on a shortest path exactly when it attains
	// dist[j]; scanning i in ascending order keeps the first (lowest) such
	// predecessor per node.
	for i := 0; i < r.n; i++ {
		for pos, j := range r.g.Neighbors(i) {
			if j == root || t.Pred[j] != -1 {
				continue
			}
			if t.Dist[i]+r.g.Weight(i, pos) == t.Dist[j] {
				t.Pred[j] = i
			}
		}
	}
	for j := 0; j < r.n; j++ {
		if j != root && t.Pred[j] == -1 {
			return nil, fmt.Errorf("%w: slice %d unreachable from root %d", ErrDisconnected, j, root)
		}
	}
	return t, nil
}
