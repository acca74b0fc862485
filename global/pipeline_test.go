package global_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/global"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/mapdb"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
)

// stubMappingControl satisfies global.MappingControl without a real
// mapping.Mapper, mirroring mapping_test.go's stubGlobalQueue.
type stubMappingControl struct{}

func newStubMappingControl() *stubMappingControl {
	return &stubMappingControl{}
}

func (s *stubMappingControl) RequestPause() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (s *stubMappingControl) RequestResume() {}

// buildKeyframe mirrors mapping_test.go's synthetic-keyframe helper.
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

func newTestGlobalRunner(t *testing.T) (*mapdb.Database, *global.Global) {
	t.Helper()
	db := mapdb.New(logging.NewNop())
	g := global.New(db, newStubMappingControl(), global.DefaultParams(), logging.NewNop(), 8)
	return db, g
}

func TestGlobalPauseResumeTerminateHandshake(t *testing.T) {
	_, g := newTestGlobalRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	assert.True(t, g.IsIdle())

	paused := g.RequestPause()
	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("pause was never acknowledged")
	}

	g.RequestResume()

	terminated := g.RequestTerminate()
	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("terminate was never acknowledged")
	}
}

func TestGlobalResetDrainsQueue(t *testing.T) {
	_, g := newTestGlobalRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	paused := g.RequestPause()
	<-paused

	cam := &camera.Perspective{Fx: 500, Fy: 500, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	kf := buildKeyframe(t, 1, cam, spatial.Identity(), 4)
	g.QueueKeyframe(kf)
	assert.Equal(t, 1, g.NumQueuedKeyframes())

	reset := g.RequestReset()
	g.RequestResume()

	select {
	case <-reset:
	case <-time.After(time.Second):
		t.Fatal("reset was never acknowledged")
	}
	assert.Equal(t, 0, g.NumQueuedKeyframes())
}

func TestGlobalQueueKeyframeDropsWhenFull(t *testing.T) {
	_, g := newTestGlobalRunner(t)
	cam := &camera.Perspective{Fx: 500, Fy: 500, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	// Never started: Run isn't draining, so the bounded queue fills up and
	// QueueKeyframe must drop rather than block.
	for i := 0; i < 8; i++ {
		g.QueueKeyframe(buildKeyframe(t, slamtype.KeyframeID(i+1), cam, spatial.Identity(), 1))
	}
	assert.Equal(t, 8, g.NumQueuedKeyframes())
	g.QueueKeyframe(buildKeyframe(t, 99, cam, spatial.Identity(), 1))
	assert.Equal(t, 8, g.NumQueuedKeyframes(), "queue depth must not exceed capacity")
}

func TestGlobalProcessesQueuedKeyframeWithoutLoopCandidate(t *testing.T) {
	cam := &camera.Perspective{Fx: 500, Fy: 500, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	db, g := newTestGlobalRunner(t)

	origin := buildKeyframe(t, 1, cam, spatial.Identity(), 4)
	db.AddKeyframe(origin)
	kf := buildKeyframe(t, 2, cam, spatial.Identity(), 4)
	db.AddKeyframe(kf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	// kf has no BoW vector computed (mapping.storeKeyframe's job, not
	// exercised here), so detectLoopCandidates bails out immediately and
	// the queue simply drains without closing a loop.
	g.QueueKeyframe(kf)

	assert.Eventually(t, func() bool {
		return g.NumQueuedKeyframes() == 0
	}, time.Second, 10*time.Millisecond)
}
