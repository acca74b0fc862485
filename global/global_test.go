package global

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/soallak/openvslam/bow"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/mapdb"
	"github.com/soallak/openvslam/slamtype"
)

// newTestGlobal builds a Global with just enough wiring (a real
// mapdb.Database for the covisibility lookups checkConsistency needs) to
// exercise its unexported pipeline helpers directly.
func newTestGlobal(t *testing.T) (*mapdb.Database, *Global) {
	t.Helper()
	db := mapdb.New(logging.NewNop())
	g := &Global{db: db, params: DefaultParams(), log: logging.NewNop()}
	return db, g
}

func TestCheckConsistencyRequiresThreeConsecutiveMatches(t *testing.T) {
	db, g := newTestGlobal(t)
	db.Covisibility().AddVertex(10)
	db.Covisibility().AddVertex(11)
	db.Covisibility().AddConnection(10, 11, 20)

	candidates := []bow.Candidate{{Keyframe: 10, Score: 0.9}}

	assert.Empty(t, g.checkConsistency(candidates), "first sighting should not confirm")
	assert.Empty(t, g.checkConsistency(candidates), "second sighting should not confirm")
	confirmed := g.checkConsistency(candidates)
	assert.Equal(t, []slamtype.KeyframeID{10}, confirmed)
}

func TestCheckConsistencyBreaksStreakOnNonIntersectingGroup(t *testing.T) {
	db, g := newTestGlobal(t)
	db.Covisibility().AddVertex(10)
	db.Covisibility().AddVertex(20)

	g.checkConsistency([]bow.Candidate{{Keyframe: 10, Score: 0.9}})
	g.checkConsistency([]bow.Candidate{{Keyframe: 10, Score: 0.9}})
	// A disjoint candidate breaks 10's streak; it must not carry over.
	confirmed := g.checkConsistency([]bow.Candidate{{Keyframe: 20, Score: 0.9}})
	assert.Empty(t, confirmed)

	confirmed = g.checkConsistency([]bow.Candidate{{Keyframe: 10, Score: 0.9}})
	assert.Empty(t, confirmed, "streak should have reset to 1 after the gap")
}

func TestMinNeighborScoreFallsBackToZeroWithoutNeighbors(t *testing.T) {
	_, g := newTestGlobal(t)
	score := g.minNeighborScore(nil, map[uint32]float64{1: 1})
	assert.Zero(t, score)
}

func TestGroupsIntersect(t *testing.T) {
	a := map[slamtype.KeyframeID]struct{}{1: {}, 2: {}}
	b := map[slamtype.KeyframeID]struct{}{2: {}, 3: {}}
	c := map[slamtype.KeyframeID]struct{}{4: {}}
	assert.True(t, groupsIntersect(a, b))
	assert.False(t, groupsIntersect(a, c))
}
