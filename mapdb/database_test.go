package mapdb

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
)

func newTestKeyframe(id slamtype.KeyframeID, pose spatial.Pose) *slamtype.Keyframe {
	kf := slamtype.NewEmptyKeyframe(id)
	kf.SetPose(pose)
	return kf
}

func TestAddKeyframeSetsOriginOnFirstInsert(t *testing.T) {
	db := New(nil)
	kf1 := newTestKeyframe(1, spatial.Identity())
	db.AddKeyframe(kf1)

	origin, ok := db.Origin()
	require.True(t, ok)
	assert.Equal(t, slamtype.KeyframeID(1), origin)

	kf2 := newTestKeyframe(2, spatial.Identity())
	db.AddKeyframe(kf2)
	origin, ok = db.Origin()
	require.True(t, ok)
	assert.Equal(t, slamtype.KeyframeID(1), origin, "origin must not change on later inserts")

	last, ok := db.GetLastInsertedKeyframe()
	require.True(t, ok)
	assert.Equal(t, slamtype.KeyframeID(2), last.ID)
}

func TestEraseKeyframeRefusesOrigin(t *testing.T) {
	db := New(nil)
	kf1 := newTestKeyframe(1, spatial.Identity())
	db.AddKeyframe(kf1)
	db.EraseKeyframe(1)

	_, ok := db.Keyframe(1)
	assert.True(t, ok, "origin keyframe must survive an erase attempt")
}

func TestEraseKeyframePrunesObservationsAndGraph(t *testing.T) {
	db := New(nil)
	origin := newTestKeyframe(1, spatial.Identity())
	db.AddKeyframe(origin)
	kf2 := newTestKeyframe(2, spatial.Identity())
	db.AddKeyframe(kf2)

	lm := slamtype.NewLandmark(1, r3.Vector{X: 0, Y: 0, Z: 5}, 2, 2)
	lm.AddObservation(2, 0)
	kf2.AddObservation(0, 1)
	db.AddLandmark(lm)

	db.Covisibility().AddConnection(1, 2, 20)

	db.EraseKeyframe(2)

	_, ok := db.Keyframe(2)
	assert.False(t, ok)
	assert.True(t, lm.IsBad() == false, "landmark itself is not erased by a keyframe erase")
	_, hasObs := lm.IndexInKeyframe(2)
	assert.False(t, hasObs, "erased keyframe's observation must be pruned from the landmark")
	assert.Equal(t, 0, db.Covisibility().Weight(1, 2))
}

func TestEraseLandmarkPrunesKeyframeObservations(t *testing.T) {
	db := New(nil)
	kf := newTestKeyframe(1, spatial.Identity())
	db.AddKeyframe(kf)
	lm := slamtype.NewLandmark(1, r3.Vector{X: 0, Y: 0, Z: 5}, 1, 1)
	kf.AddObservation(0, 1)
	lm.AddObservation(1, 0)
	db.AddLandmark(lm)

	db.EraseLandmark(1)

	_, ok := kf.Observation(0)
	assert.False(t, ok)
}

func TestReplaceReferenceKeyframeOnErase(t *testing.T) {
	db := New(nil)
	origin := newTestKeyframe(1, spatial.Identity())
	db.AddKeyframe(origin)
	child := newTestKeyframe(2, spatial.Identity())
	db.AddKeyframe(child)
	db.SpanningTree().SetParent(2, 1)

	db.UpdateFrameStatistics(10, FrameStatistics{ReferenceKeyframe: 2})
	db.EraseKeyframe(2)

	stats := db.FrameStatistics()[10]
	assert.Equal(t, slamtype.KeyframeID(1), stats.ReferenceKeyframe, "frame stats must be repointed to the erased keyframe's parent")
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	db := New(nil)
	origin := newTestKeyframe(1, spatial.Pose{Rotation: spatial.Identity().Rotation, Translation: r3.Vector{X: 1, Y: 2, Z: 3}})
	db.AddKeyframe(origin)
	kf2 := newTestKeyframe(2, spatial.Identity())
	db.AddKeyframe(kf2)
	db.Covisibility().AddConnection(1, 2, 30)
	db.SpanningTree().SetParent(2, 1)

	lm := slamtype.NewLandmark(1, r3.Vector{X: 0.5, Y: -0.5, Z: 4}, 1, 1)
	origin.AddObservation(0, 1)
	lm.AddObservation(1, 0)
	db.AddLandmark(lm)

	data, err := db.Serialize()
	require.NoError(t, err)

	restored := New(nil)
	require.NoError(t, restored.Deserialize(data))

	kf, ok := restored.Keyframe(1)
	require.True(t, ok)
	assert.InDelta(t, 1, kf.Pose().Translation.X, 1e-9)

	restoredLM, ok := restored.Landmark(1)
	require.True(t, ok)
	assert.InDelta(t, 0.5, restoredLM.Position().X, 1e-9)

	idx, hasObs := restoredLM.IndexInKeyframe(1)
	require.True(t, hasObs)
	assert.Equal(t, 0, idx)

	assert.Equal(t, 30, restored.Covisibility().Weight(1, 2))
	parent, hasParent := restored.SpanningTree().Parent(2)
	require.True(t, hasParent)
	assert.Equal(t, slamtype.KeyframeID(1), parent)
}
