package mincut

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/connectomics/chunkedgraph/graph"
	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/pkg/errs"
)

func TestCutFindsLightestSeparatingEdge(t *testing.T) {
	// two parallel paths between 1 and 3: via 2 (weight 1 per edge) and
	// via 4 (weight 5 per edge); each path must be cut once at its
	// lightest edge, so the minimum cut weighs 1 + 5.
	edges := []graph.Edge{
		{A: 1, B: 2, Affinity: 1},
		{A: 2, B: 3, Affinity: 1},
		{A: 1, B: 4, Affinity: 5},
		{A: 4, B: 3, Affinity: 5},
	}
	cut, err := Cut(edges, []idcodec.NodeID{1}, []idcodec.NodeID{3})
	require.NoError(t, err)
	require.NotEmpty(t, cut)
	var total float32
	for _, e := range cut {
		total += e.Affinity
	}
	require.InDelta(t, float64(6), float64(total), 1e-6)
}

func TestCutFailsWhenOnlyPathIsInfiniteEdge(t *testing.T) {
	edges := []graph.Edge{
		{A: 1, B: 2, Affinity: graph.EncodeInfAffinity()},
	}
	_, err := Cut(edges, []idcodec.NodeID{1}, []idcodec.NodeID{2})
	require.Error(t, err)
	require.True(t, errs.IsPostcondition(err))
}

func TestCutExcludesInfiniteEdgeWhenFiniteAlternativeExists(t *testing.T) {
	edges := []graph.Edge{
		{A: 1, B: 3, Affinity: graph.EncodeInfAffinity()},
		{A: 3, B: 2, Affinity: 2},
		{A: 1, B: 2, Affinity: 2},
	}
	cut, err := Cut(edges, []idcodec.NodeID{1}, []idcodec.NodeID{2})
	require.NoError(t, err)
	for _, e := range cut {
		require.False(t, graph.IsInfAffinity(e.Affinity))
	}
}
