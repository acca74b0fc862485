package optimizer

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
)

func TestHuberWeightIsUnityInsideThreshold(t *testing.T) {
	assert.Equal(t, 1.0, huberWeight(1.0, HuberThresholdMono))
	assert.Less(t, huberWeight(10, HuberThresholdMono), 1.0)
}

func TestClassifyInlierUsesChi2Threshold(t *testing.T) {
	assert.True(t, classifyInlier(Chi2Mono2DoF-0.1, Chi2Mono2DoF))
	assert.False(t, classifyInlier(Chi2Mono2DoF+0.1, Chi2Mono2DoF))
}

func TestPoseOnlyRecoversSmallTranslationOffset(t *testing.T) {
	cam := &camera.Perspective{Fx: 400, Fy: 400, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	truePose := spatial.Identity()

	landmarks := []r3.Vector{
		{X: -1, Y: 0, Z: 5}, {X: 1, Y: 0.5, Z: 6}, {X: 0, Y: -1, Z: 4},
		{X: 0.5, Y: 0.5, Z: 5.5}, {X: -0.5, Y: -0.3, Z: 4.5}, {X: 0.2, Y: 0.8, Z: 6.5},
	}
	var observations []Observation
	for i, w := range landmarks {
		px, ok := cam.Project(truePose.Transform(w))
		require.True(t, ok)
		observations = append(observations, Observation{
			Landmark:  slamtype.LandmarkID(i + 1),
			Pixel:     px,
			InvSigma2: 1,
			World:     w,
		})
	}

	// Seed the optimizer with a slightly offset pose.
	initial := spatial.Pose{Rotation: truePose.Rotation, Translation: r3.Vector{X: 0.05, Y: -0.03, Z: 0.02}}
	result := PoseOnly(context.Background(), PoseOnlyInput{
		InitialPose:  initial,
		Camera:       cam,
		Observations: observations,
	})

	assert.False(t, result.Diverged)
	assert.GreaterOrEqual(t, result.NumInliers, len(observations)-1)
}

func TestPoseOnlyRespectsCancellation(t *testing.T) {
	cam := &camera.Perspective{Fx: 400, Fy: 400, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	px, _ := cam.Project(r3.Vector{X: 0, Y: 0, Z: 5})
	result := PoseOnly(ctx, PoseOnlyInput{
		InitialPose: spatial.Identity(),
		Camera:      cam,
		Observations: []Observation{
			{Landmark: 1, Pixel: px, World: r3.Vector{X: 0, Y: 0, Z: 5}, InvSigma2: 1},
		},
	})
	assert.True(t, result.Diverged, "an already-cancelled context must abort immediately")
}

func TestBundleAdjustFixesAnchorKeyframe(t *testing.T) {
	cam := &camera.Perspective{Fx: 400, Fy: 400, Cx: 320, Cy: 240, Cols: 640, Rows: 480}
	anchorPose := spatial.Identity()
	movingPose := spatial.Pose{Rotation: anchorPose.Rotation, Translation: r3.Vector{X: 0.5, Y: 0, Z: 0}}

	world := r3.Vector{X: 0.1, Y: -0.2, Z: 6}
	pxAnchor, ok := cam.Project(anchorPose.Transform(world))
	require.True(t, ok)
	pxMoving, ok := cam.Project(movingPose.Transform(world))
	require.True(t, ok)

	in := BundleAdjustInput{
		Keyframes: []KeyframeVertex{
			{ID: 1, Pose: anchorPose, Fixed: true},
			{ID: 2, Pose: movingPose, Fixed: false},
		},
		Landmarks: []LandmarkVertex{
			{ID: 1, Position: r3.Vector{X: world.X + 0.05, Y: world.Y - 0.02, Z: world.Z + 0.1}},
		},
		Observations: []Observation{
			{Landmark: 1, Keyframe: 1, Pixel: pxAnchor, InvSigma2: 1, World: world},
			{Landmark: 1, Keyframe: 2, Pixel: pxMoving, InvSigma2: 1, World: world},
		},
		Camera: map[slamtype.KeyframeID]camera.Model{1: cam, 2: cam},
	}

	result := BundleAdjust(context.Background(), in)
	assert.False(t, result.Diverged)
	anchorOut, ok := result.Keyframes[1]
	require.True(t, ok)
	assert.InDelta(t, anchorPose.Translation.X, anchorOut.Translation.X, 1e-9, "fixed keyframe must never move")
}
