package covis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soallak/openvslam/slamtype"
)

func TestUpdateConnectionsSymmetric(t *testing.T) {
	g := New()
	g.UpdateConnections(1, map[slamtype.KeyframeID]int{2: 20, 3: 5})
	assert.Equal(t, 20, g.Weight(1, 2))
	assert.Equal(t, 20, g.Weight(2, 1), "weight must be symmetric")
	// 3's weight of 5 is below MinCovisibilityWeight and not the best
	// partner, so no edge to 3 should exist.
	assert.Equal(t, 0, g.Weight(1, 3))
}

func TestUpdateConnectionsFallbackEdgeWhenNoStrongPartner(t *testing.T) {
	g := New()
	g.UpdateConnections(1, map[slamtype.KeyframeID]int{2: 5, 3: 3})
	require.Equal(t, 5, g.Weight(1, 2), "fallback keeps the single best partner")
	assert.Equal(t, 5, g.Weight(2, 1), "fallback edge must be symmetric per DESIGN.md")
	assert.Equal(t, 0, g.Weight(1, 3))
}

func TestGetTopNCovisibilitiesOrdersDescending(t *testing.T) {
	g := New()
	g.AddConnection(1, 2, 30)
	g.AddConnection(1, 3, 50)
	g.AddConnection(1, 4, 10)
	top := g.GetTopNCovisibilities(1, 2)
	assert.Equal(t, []slamtype.KeyframeID{3, 2}, top)
}

func TestEraseRemovesAllIncidentEdges(t *testing.T) {
	g := New()
	g.AddConnection(1, 2, 20)
	g.AddConnection(1, 3, 20)
	g.Erase(1)
	assert.Equal(t, 0, g.Weight(2, 1))
	assert.Empty(t, g.AllNeighbors(1))
}

func TestSpanningTreeChangeParentRecursivePicksMaxWeight(t *testing.T) {
	st := NewSpanningTree()
	st.SetRoot(1)
	st.SetParent(2, 1)
	st.SetParent(3, 2) // 3's parent is 2, which will be erased
	st.SetParent(4, 2)

	weight := func(a, b slamtype.KeyframeID) int {
		weights := map[[2]slamtype.KeyframeID]int{
			{3, 1}: 5, {4, 1}: 5,
			{3, 4}: 40, {4, 3}: 40,
		}
		return weights[[2]slamtype.KeyframeID{a, b}]
	}
	st.ChangeParentRecursive(2, []slamtype.KeyframeID{1}, weight)
	st.Erase(2)

	p3, ok := st.Parent(3)
	require.True(t, ok)
	p4, ok := st.Parent(4)
	require.True(t, ok)
	// One of {3,4} became the other's parent (whichever was processed
	// second saw the higher 40-weight option), and the tree remains
	// connected to root 1 either directly or through its sibling.
	assert.True(t, p3 == 1 || p3 == 4)
	assert.True(t, p4 == 1 || p4 == 3)
}
