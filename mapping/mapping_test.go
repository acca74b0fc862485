package mapping_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soallak/openvslam/bow"
	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/mapdb"
	"github.com/soallak/openvslam/mapping"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
)

// stubVocabulary returns a fixed one-word-per-descriptor BoW vector, just
// enough to exercise storeKeyframe's "compute once" path without a real
// vocabulary tree.
type stubVocabulary struct{}

func (stubVocabulary) Transform(descs []feature.Descriptor) (bow.Vector, map[uint32][]int) {
	vec := make(bow.Vector, len(descs))
	featVec := make(map[uint32][]int, len(descs))
	for i := range descs {
		word := uint32(i)
		vec[word] = 1
		featVec[word] = []int{i}
	}
	return vec, featVec
}

// stubGlobalQueue records every keyframe mapping forwards in step 8.
type stubGlobalQueue struct {
	received chan slamtype.KeyframeID
}

func newStubGlobalQueue() *stubGlobalQueue {
	return &stubGlobalQueue{received: make(chan slamtype.KeyframeID, 16)}
}

func (q *stubGlobalQueue) QueueKeyframe(kf *slamtype.Keyframe) {
	q.received <- kf.ID
}

// buildKeyframe constructs a small synthetic keyframe at the given pose,
// observing count landmarks with distinct one-hot descriptors, mirroring
// tracking_test.go's synthetic-frame convention.
func buildKeyframe(t *testing.T, id slamtype.KeyframeID, cam camera.Model, pose spatial.Pose, count int) *slamtype.Keyframe {
	t.Helper()
	ext := feature.ExtractionResult{ScaleFactor: 1.2, NumLevels: 8}
	for i := 0; i < count; i++ {
		var desc feature.Descriptor
		desc[0] = uint64(1) << uint(i)
		ext.Descriptors = append(ext.Descriptors, desc)
		ext.KeyPoints = append(ext.KeyPoints, feature.KeyPoint{
			X: 100 + float64(i)*10, Y: 100, Octave: 0, Bearing: r3.Vector{X: 0, Y: 0, Z: 1},
		})
	}
	frame := slamtype.NewFrame(slamtype.FrameID(id), time.Now(), cam, ext)
	frame.Pose = pose
	frame.PoseSet = true
	return slamtype.NewKeyframe(id, frame)
}

func newTestMapper(t *testing.T, global mapping.GlobalQueue) (*mapdb.Database, *mapping.Mapper) {
	t.Helper()
	db := mapdb.New(logging.NewNop())
	m := mapping.New(db, camera.SetupMonocular, stubVocabulary{}, global, mapping.DefaultParams(), logging.NewNop(), 8)
	return db, m
}

func TestQueuedKeyframeIsProcessedAndForwarded(t *testing.T) {
	cam := &camera.Perspective{Fx: 500, Fy: 500, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	global := newStubGlobalQueue()
	db, m := newTestMapper(t, global)

	origin := buildKeyframe(t, 1, cam, spatial.Identity(), 4)
	db.AddKeyframe(origin)

	kf := buildKeyframe(t, 2, cam, spatial.Identity(), 4)
	db.AddKeyframe(kf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	assert.True(t, m.IsIdle())
	m.QueueKeyframe(kf)

	select {
	case id := <-global.received:
		assert.Equal(t, kf.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("keyframe was never forwarded to global optimization")
	}

	vec, _ := kf.BoW()
	assert.NotNil(t, vec, "storeKeyframe should have computed a BoW vector")
}

func TestPauseResumeHandshake(t *testing.T) {
	_, m := newTestMapper(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	paused := m.RequestPause()
	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("pause was never acknowledged")
	}

	m.RequestResume()

	terminated := m.RequestTerminate()
	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("terminate was never acknowledged")
	}
}

func TestResetDrainsQueue(t *testing.T) {
	cam := &camera.Perspective{Fx: 500, Fy: 500, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	db, m := newTestMapper(t, nil)

	origin := buildKeyframe(t, 1, cam, spatial.Identity(), 4)
	db.AddKeyframe(origin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	paused := m.RequestPause()
	<-paused

	kf := buildKeyframe(t, 2, cam, spatial.Identity(), 4)
	m.QueueKeyframe(kf)
	require.Equal(t, 1, m.NumQueuedKeyframes())

	reset := m.RequestReset()
	m.RequestResume()

	select {
	case <-reset:
	case <-time.After(time.Second):
		t.Fatal("reset was never acknowledged")
	}
	assert.Equal(t, 0, m.NumQueuedKeyframes())
}

func TestQueueKeyframeDropsWhenFull(t *testing.T) {
	_, m := newTestMapper(t, nil)
	// Never started: Run isn't draining, so the bounded queue fills up and
	// QueueKeyframe must drop rather than block (spec.md section 5's
	// "mapping must never block tracking" backpressure note).
	for i := 0; i < 8; i++ {
		m.QueueKeyframe(&slamtype.Keyframe{ID: slamtype.KeyframeID(i + 1)})
	}
	assert.Equal(t, 8, m.NumQueuedKeyframes())
	m.QueueKeyframe(&slamtype.Keyframe{ID: 99})
	assert.Equal(t, 8, m.NumQueuedKeyframes(), "queue depth must not exceed capacity")
}
