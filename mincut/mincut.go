// Package mincut computes bounded minimum s-t cuts over atomic edge
// subgraphs, the core primitive behind the multicut edit operation: it
// separates a source supervoxel set from a sink supervoxel set by removing
// the lowest-total-affinity set of edges.
package mincut

import (
	"math"

	"github.com/connectomics/chunkedgraph/graph"
	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/pkg/collections"
	"github.com/connectomics/chunkedgraph/pkg/errs"
)

// infiniteCapacity stands in for a chunk-boundary fusion edge (Affinity ==
// +Inf). It must dominate the sum of every realistic finite affinity in a
// bounded subgraph so Dinic's algorithm never prefers saturating it over a
// finite-cost cut, while staying representable in ordinary float64 algebra
// (unlike true math.Inf, which turns residual-capacity subtraction into
// NaN once a flow has pushed through it).
const infiniteCapacity = 1e15

// Cut computes the minimum-affinity set of atomic edges whose removal
// disconnects every id in sources from every id in sinks. edges with
// infinite affinity (chunk-boundary fusions) are never included in the
// returned cut; if only such edges separate sources from sinks, Cut fails
// with a PostconditionError since no finite-cost cut exists.
func Cut(edges []graph.Edge, sources, sinks []idcodec.NodeID) ([]graph.Edge, error) {
	g := newFlowGraph(edges)

	superSource := g.node(sentinelSource)
	superSink := g.node(sentinelSink)
	for _, s := range sources {
		g.addArc(superSource, g.node(s), infiniteCapacity)
	}
	for _, t := range sinks {
		g.addArc(g.node(t), superSink, infiniteCapacity)
	}

	flow := g.maxFlow(superSource, superSink)
	if flow >= infiniteCapacity {
		return nil, errs.Postcondition("Mincut failed")
	}

	reachable := g.reachableFromResidual(superSource)
	var cut []graph.Edge
	for _, e := range edges {
		if graph.IsInfAffinity(e.Affinity) {
			continue
		}
		aReach, bReach := reachable.Test(g.node(e.A)), reachable.Test(g.node(e.B))
		if aReach != bReach {
			cut = append(cut, e)
		}
	}
	if len(cut) == 0 {
		return nil, errs.Postcondition("Mincut failed")
	}
	return cut, nil
}

// Cutter adapts Cut to graph.CutFinder so an EditEngine can be wired to this
// package without graph importing it directly.
type Cutter struct{}

// Cut implements graph.CutFinder.
func (Cutter) Cut(edges []graph.Edge, sources, sinks []idcodec.NodeID) ([]graph.Edge, error) {
	return Cut(edges, sources, sinks)
}

// sentinel node ids distinct from any idcodec.NodeID, used as map keys
// internal to this package only.
type sentinelNode int

const (
	sentinelSource sentinelNode = -1
	sentinelSink   sentinelNode = -2
)

type arc struct {
	to      int
	cap     float64
	flow    float64
	reverse int // index of the reverse arc in graph.adj[to]
}

// flowGraph is an adjacency-list residual network keyed by a dense integer
// index assigned on first reference to each idcodec.NodeID or sentinel.
type flowGraph struct {
	index map[interface{}]int
	adj   [][]arc
}

func newFlowGraph(edges []graph.Edge) *flowGraph {
	g := &flowGraph{index: make(map[interface{}]int)}
	for _, e := range edges {
		a, b := g.node(e.A), g.node(e.B)
		if graph.IsInfAffinity(e.Affinity) {
			g.addArc(a, b, infiniteCapacity)
			g.addArc(b, a, infiniteCapacity)
			continue
		}
		w := float64(e.Affinity)
		g.addArc(a, b, w)
		g.addArc(b, a, w)
	}
	return g
}

func (g *flowGraph) node(key interface{}) int {
	if idx, ok := g.index[key]; ok {
		return idx
	}
	idx := len(g.adj)
	g.index[key] = idx
	g.adj = append(g.adj, nil)
	return idx
}

func (g *flowGraph) addArc(from, to int, capacity float64) {
	g.adj[from] = append(g.adj[from], arc{to: to, cap: capacity})
	g.adj[to] = append(g.adj[to], arc{to: from, cap: 0})
	g.adj[from][len(g.adj[from])-1].reverse = len(g.adj[to]) - 1
	g.adj[to][len(g.adj[to])-1].reverse = len(g.adj[from]) - 1
}

// maxFlow runs Dinic's algorithm: repeated BFS level graphs plus blocking
// DFS flow, until source can no longer reach sink.
func (g *flowGraph) maxFlow(source, sink int) float64 {
	total := 0.0
	for {
		level := g.bfsLevels(source)
		if level[sink] < 0 {
			return total
		}
		iter := make([]int, len(g.adj))
		for {
			pushed := g.dfsBlock(source, sink, math.Inf(1), level, iter)
			if pushed <= 0 {
				break
			}
			total += pushed
			if total >= infiniteCapacity {
				return total
			}
		}
	}
}

func (g *flowGraph) bfsLevels(source int) []int {
	level := make([]int, len(g.adj))
	for i := range level {
		level[i] = -1
	}
	level[source] = 0
	queue := collections.NewQueue[int](len(g.adj))
	queue.Enqueue(source)
	for !queue.IsEmpty() {
		u, _ := queue.Dequeue()
		for _, a := range g.adj[u] {
			if a.cap-a.flow > 1e-9 && level[a.to] < 0 {
				level[a.to] = level[u] + 1
				queue.Enqueue(a.to)
			}
		}
	}
	return level
}

func (g *flowGraph) dfsBlock(u, sink int, pushed float64, level, iter []int) float64 {
	if u == sink {
		return pushed
	}
	for ; iter[u] < len(g.adj[u]); iter[u]++ {
		a := &g.adj[u][iter[u]]
		if a.cap-a.flow <= 1e-9 || level[a.to] != level[u]+1 {
			continue
		}
		d := math.Min(pushed, a.cap-a.flow)
		got := g.dfsBlock(a.to, sink, d, level, iter)
		if got > 0 {
			a.flow += got
			g.adj[a.to][a.reverse].flow -= got
			return got
		}
	}
	return 0
}

// reachableFromResidual returns the set of nodes reachable from source in
// the current residual graph, i.e. the source side of the min cut.
func (g *flowGraph) reachableFromResidual(source int) *collections.Bitset {
	seen := collections.NewBitset(len(g.adj))
	seen.Set(source)
	queue := collections.NewQueue[int](len(g.adj))
	queue.Enqueue(source)
	for !queue.IsEmpty() {
		u, _ := queue.Dequeue()
		for _, a := range g.adj[u] {
			if a.cap-a.flow > 1e-9 && !seen.Test(a.to) {
				seen.Set(a.to)
				queue.Enqueue(a.to)
			}
		}
	}
	return seen
}
