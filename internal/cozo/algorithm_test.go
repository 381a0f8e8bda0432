package cozo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edgesRelation(pairs ...[2]int64) *Relation {
	rel := NewRelation(2)
	for _, p := range pairs {
		rel.Add(TupleRow{Int(p[0]), Int(p[1])})
	}
	return rel
}

func TestAlgorithm_ShortestPathBFS(t *testing.T) {
	algo, ok := LookupAlgorithm("shortest_path_bfs")
	require.True(t, ok)

	edges := edgesRelation([2]int64{1, 2}, [2]int64{2, 3}, [2]int64{1, 4})
	starts := NewRelation(1)
	starts.Add(TupleRow{Int(1)})

	out, err := algo.Run(context.Background(), []*Relation{edges, starts}, nil)
	require.NoError(t, err)

	dist := map[int64]int64{}
	for _, row := range out.Rows {
		dist[row[1].AsInt()] = row[2].AsInt()
	}
	assert.Equal(t, int64(1), dist[2])
	assert.Equal(t, int64(2), dist[3])
	assert.Equal(t, int64(1), dist[4])
}

func TestAlgorithm_DegreeCentrality(t *testing.T) {
	algo, ok := LookupAlgorithm("degree_centrality")
	require.True(t, ok)

	edges := edgesRelation([2]int64{1, 2}, [2]int64{1, 3}, [2]int64{2, 3})
	out, err := algo.Run(context.Background(), []*Relation{edges}, nil)
	require.NoError(t, err)

	degree := map[int64]int64{}
	for _, row := range out.Rows {
		degree[row[0].AsInt()] = row[1].AsInt()
	}
	assert.Equal(t, int64(2), degree[1])
	assert.Equal(t, int64(2), degree[2])
	assert.Equal(t, int64(2), degree[3])
}

func TestAlgorithm_ConnectedComponents(t *testing.T) {
	algo, ok := LookupAlgorithm("connected_components")
	require.True(t, ok)

	// {1,2,3} form one component, {4,5} another.
	edges := edgesRelation([2]int64{1, 2}, [2]int64{2, 3}, [2]int64{4, 5})
	out, err := algo.Run(context.Background(), []*Relation{edges}, nil)
	require.NoError(t, err)

	comp := map[int64]int64{}
	for _, row := range out.Rows {
		comp[row[0].AsInt()] = row[1].AsInt()
	}
	assert.Equal(t, comp[1], comp[2])
	assert.Equal(t, comp[2], comp[3])
	assert.Equal(t, comp[4], comp[5])
	assert.NotEqual(t, comp[1], comp[4])
}

func TestAlgorithm_UnknownNameNotRegistered(t *testing.T) {
	_, ok := LookupAlgorithm("does_not_exist")
	assert.False(t, ok)
}
