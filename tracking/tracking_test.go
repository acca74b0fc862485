package tracking_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/mapdb"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/tracking"
)

// buildBootstrapFrames constructs two frames of a synthetic planar-ish
// point cloud observed by the same perspective camera from two positions
// separated by a pure sideways translation, with identical one-hot
// descriptors per point index so matching is unambiguous. Bearings are
// derived by unprojecting each point's own projected pixel, so the
// geometry fed to RobustMatch/EstimateRelativePose is exactly consistent
// with the camera model used to decode it.
func buildBootstrapFrames(t *testing.T, cam camera.Model) (*slamtype.Frame, *slamtype.Frame) {
	t.Helper()

	var worldPoints []r3.Vector
	for ix := -3; ix <= 3; ix++ {
		for iy := -2; iy <= 2; iy++ {
			worldPoints = append(worldPoints, r3.Vector{X: float64(ix) * 0.4, Y: float64(iy) * 0.4, Z: 3.0})
		}
	}

	// Camera 2 is shifted +0.5 along world X with no rotation: a point's
	// camera-2 coordinates are its world coordinates (== camera-1
	// coordinates, since camera 1 sits at the world origin) translated by
	// (-0.5, 0, 0).
	shift := r3.Vector{X: -0.5, Y: 0, Z: 0}

	ext1 := feature.ExtractionResult{ScaleFactor: 1.2, NumLevels: 8}
	ext2 := feature.ExtractionResult{ScaleFactor: 1.2, NumLevels: 8}

	for i, wp := range worldPoints {
		px1, ok := cam.Project(wp)
		require.True(t, ok, "point %d must project in frame 1", i)
		px2, ok := cam.Project(wp.Add(shift))
		require.True(t, ok, "point %d must project in frame 2", i)

		var desc feature.Descriptor
		desc[0] = uint64(1) << uint(i)

		ext1.Descriptors = append(ext1.Descriptors, desc)
		ext1.KeyPoints = append(ext1.KeyPoints, feature.KeyPoint{
			X: px1.X, Y: px1.Y, Octave: 0, Bearing: cam.Unproject(px1),
		})

		ext2.Descriptors = append(ext2.Descriptors, desc)
		ext2.KeyPoints = append(ext2.KeyPoints, feature.KeyPoint{
			X: px2.X, Y: px2.Y, Octave: 0, Bearing: cam.Unproject(px2),
		})
	}

	frame1 := slamtype.NewFrame(1, time.Now(), cam, ext1)
	frame2 := slamtype.NewFrame(2, time.Now(), cam, ext2)
	return frame1, frame2
}

func TestMonocularBootstrapTransitionsToTracking(t *testing.T) {
	cam := &camera.Perspective{Fx: 500, Fy: 500, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	db := mapdb.New(logging.NewNop())
	queue := make(chan *slamtype.Keyframe, 4)
	tr := tracking.New(db, cam, camera.SetupMonocular, tracking.DefaultParams(), logging.NewNop(), queue, nil)

	frame1, frame2 := buildBootstrapFrames(t, cam)

	state, err := tr.ProcessFrame(context.Background(), frame1)
	require.NoError(t, err)
	assert.Equal(t, tracking.StateInitializing, state)

	state, err = tr.ProcessFrame(context.Background(), frame2)
	require.NoError(t, err)
	assert.Equal(t, tracking.StateTracking, state)
	assert.Equal(t, tracking.StateTracking, tr.State())
	assert.Equal(t, 2, db.NumKeyframes())
	assert.Greater(t, db.NumLandmarks(), 0)

	select {
	case kf := <-queue:
		assert.NotNil(t, kf)
	default:
		t.Fatal("expected at least one keyframe enqueued to mapping")
	}
}

func TestProcessFrameRejectsEmptyFrame(t *testing.T) {
	cam := &camera.Perspective{Fx: 500, Fy: 500, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	db := mapdb.New(logging.NewNop())
	tr := tracking.New(db, cam, camera.SetupMonocular, tracking.DefaultParams(), logging.NewNop(), nil, nil)

	_, err := tr.ProcessFrame(context.Background(), &slamtype.Frame{ID: 1})
	require.Error(t, err)
}

func TestRequestPauseAndResume(t *testing.T) {
	cam := &camera.Perspective{Fx: 500, Fy: 500, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	db := mapdb.New(logging.NewNop())
	tr := tracking.New(db, cam, camera.SetupMonocular, tracking.DefaultParams(), logging.NewNop(), nil, nil)

	frame1, _ := buildBootstrapFrames(t, cam)
	paused := tr.RequestPause()

	done := make(chan struct{})
	go func() {
		_, _ = tr.ProcessFrame(context.Background(), frame1)
		close(done)
	}()

	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("pause was never acknowledged")
	}
	tr.RequestResume()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ProcessFrame never resumed after RequestResume")
	}
}
