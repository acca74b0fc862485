package bow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soallak/openvslam/slamtype"
)

func TestAddAndErase(t *testing.T) {
	idx := New()
	idx.Add(1, Vector{10: 0.5, 20: 0.2})
	idx.Add(2, Vector{10: 0.4})

	cands := idx.sharingWord(Vector{10: 1}, nil)
	assert.Len(t, cands, 2)

	idx.Erase(1)
	cands = idx.sharingWord(Vector{10: 1}, nil)
	assert.Len(t, cands, 1)
	_, hasOne := cands[1]
	assert.False(t, hasOne)
}

func TestRetrieveExcludesDirectNeighborsAndClustersByScore(t *testing.T) {
	idx := New()
	idx.Add(1, Vector{1: 1, 2: 1}) // neighbor of query, excluded
	idx.Add(2, Vector{1: 1, 2: 1}) // strong candidate
	idx.Add(3, Vector{1: 1})       // weaker, but covisible with 2 -> joins cluster
	idx.Add(4, Vector{2: 1})       // weak, isolated cluster -> should be dropped

	query := Vector{1: 1, 2: 1}
	exclude := map[slamtype.KeyframeID]struct{}{1: {}}
	cluster := func(kf slamtype.KeyframeID) []slamtype.KeyframeID {
		if kf == 2 {
			return []slamtype.KeyframeID{3}
		}
		if kf == 3 {
			return []slamtype.KeyframeID{2}
		}
		return nil
	}

	cands := idx.Retrieve(query, exclude, cluster)
	require.NotEmpty(t, cands)
	for _, c := range cands {
		assert.NotEqual(t, slamtype.KeyframeID(1), c.Keyframe)
	}
	// cluster {2,3} should dominate and survive; isolated 4 should be
	// dropped since its score is far below best*0.8.
	found2or3 := false
	found4 := false
	for _, c := range cands {
		if c.Keyframe == 2 || c.Keyframe == 3 {
			found2or3 = true
		}
		if c.Keyframe == 4 {
			found4 = true
		}
	}
	assert.True(t, found2or3)
	assert.False(t, found4)
}
