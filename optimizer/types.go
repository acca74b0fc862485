package optimizer

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
)

// Observation is one 2D (or 2.5D stereo) measurement of a landmark from
// a keyframe or frame, the atomic residual unit every facade operation
// consumes (spec.md section 4.5: "inputs and outputs are pure data").
type Observation struct {
	Landmark   slamtype.LandmarkID
	Keyframe   slamtype.KeyframeID // zero for single-frame pose-only problems
	Pixel      r2.Point
	HasStereo  bool
	StereoU    float64 // x-coordinate in the right image, only if HasStereo
	InvSigma2  float64 // inverse-variance weight from the keypoint's octave
	World      r3.Vector
}

// residualDim returns the observation's residual dimensionality and
// Huber threshold (2-DoF/sqrt(5.991) monocular, 3-DoF/sqrt(7.815)
// stereo), per spec.md section 4.5.
func (o Observation) residualDim() (dim int, huberDelta float64, chi2 float64) {
	if o.HasStereo {
		return 3, HuberThresholdStereo, Chi2Stereo3DoF
	}
	return 2, HuberThresholdMono, Chi2Mono2DoF
}

// residual computes the measurement residual (measured - predicted)
// given a pose and the camera model used to reproject. ok is false if
// the landmark projects behind the camera (a hard outlier, treated as
// maximal residual).
func (o Observation) residual(pose spatial.Pose, cam camera.Model) ([]float64, bool) {
	camPoint := pose.Transform(o.World)
	px, ok := cam.Project(camPoint)
	if !ok {
		return nil, false
	}
	if o.HasStereo {
		fxBaseline := cam.FocalXBaseline()
		predictedU := px.X - fxBaseline/camPoint.Z
		return []float64{o.Pixel.X - px.X, o.Pixel.Y - px.Y, o.StereoU - predictedU}, true
	}
	return []float64{o.Pixel.X - px.X, o.Pixel.Y - px.Y}, true
}

// PoseOnlyInput is the C6 "pose-only" problem: a single frame's pose,
// refined against a fixed set of already-triangulated landmarks. Used by
// tracking (spec.md section 4.6) both for per-frame tracking and
// relocalization.
type PoseOnlyInput struct {
	InitialPose  spatial.Pose
	Camera       camera.Model
	Observations []Observation
	// InitialInliers seeds the first classification; nil means "assume
	// all inliers" (the common case: landmarks survived an earlier match
	// stage's own gating).
	InitialInliers []bool
}

// PoseOnlyResult is the C6 pose-only problem's output.
type PoseOnlyResult struct {
	Pose        spatial.Pose
	InlierMask  []bool
	NumInliers  int
	FinalCost   float64
	Diverged    bool
}

// KeyframeVertex is one optimizable (or fixed) pose in a bundle-adjustment
// problem.
type KeyframeVertex struct {
	ID    slamtype.KeyframeID
	Pose  spatial.Pose
	Fixed bool
}

// LandmarkVertex is one optimizable 3D point in a bundle-adjustment
// problem.
type LandmarkVertex struct {
	ID       slamtype.LandmarkID
	Position r3.Vector
	Fixed bool
}

// BundleAdjustInput is the C6 local/global BA problem: a set of keyframe
// poses and landmark positions linked by observations, some vertices
// held fixed (spec.md section 4.5/4.7: local BA fixes the covisibility
// boundary, global BA fixes only the origin keyframe).
type BundleAdjustInput struct {
	Keyframes    []KeyframeVertex
	Landmarks    []LandmarkVertex
	Observations []Observation
	Camera       map[slamtype.KeyframeID]camera.Model
}

// BundleAdjustResult is the C6 BA problem's output: optimized poses and
// positions plus a per-observation inlier bitmap in the same order as
// BundleAdjustInput.Observations.
type BundleAdjustResult struct {
	Keyframes    map[slamtype.KeyframeID]spatial.Pose
	Landmarks    map[slamtype.LandmarkID]r3.Vector
	InlierMask   []bool
	FinalCost    float64
	Diverged     bool
}

// PoseGraphEdge is a relative Sim(3) constraint between two keyframes,
// either a spanning-tree/covisibility edge or a loop edge (spec.md
// section 4.8). PoseGraph weights every edge equally.
type PoseGraphEdge struct {
	From, To     slamtype.KeyframeID
	RelativeSim3 spatial.Sim3
	IsLoopEdge   bool
}

// PoseGraphInput is the C9 pose-graph optimization problem: Sim(3)
// vertices per keyframe linked by relative-pose edges only, no landmark
// residuals (spec.md section 4.8's glossary entry). The origin keyframe
// is always fixed.
type PoseGraphInput struct {
	Vertices map[slamtype.KeyframeID]spatial.Sim3
	Origin   slamtype.KeyframeID
	Edges    []PoseGraphEdge
}

// PoseGraphResult is the C9 pose-graph problem's output.
type PoseGraphResult struct {
	Vertices  map[slamtype.KeyframeID]spatial.Sim3
	FinalCost float64
	Diverged  bool
}
