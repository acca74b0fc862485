package slamtype

import (
	"time"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/spatial"
)

// Frame is the transient per-input record described in spec.md section 3.
// It is produced once per ingested image and is promoted to a Keyframe
// only at the tracking module's discretion.
type Frame struct {
	ID        FrameID
	Timestamp time.Time
	Camera    camera.Model

	KeyPoints   []feature.KeyPoint
	Descriptors []feature.Descriptor

	// Pose is T_cw, world->camera. PoseSet is false until tracking has
	// produced an estimate (spec.md section 3's "either unset or SE(3)"
	// invariant).
	Pose    spatial.Pose
	PoseSet bool

	// Landmarks[i] is the landmark associated with KeyPoints[i], or
	// NoLandmark. Outliers[i] marks a keypoint's association as rejected
	// by the most recent pose optimization without removing it (spec.md
	// section 4.5).
	Landmarks []LandmarkID
	Outliers  []bool

	Grid *Grid

	bowComputed bool
	bowVector   map[uint32]float64
	bowFeatVec  map[uint32][]int // BoW node id -> keypoint indices, for BoW-guided matching
}

// NewFrame constructs a Frame from one extraction result.
func NewFrame(id FrameID, ts time.Time, cam camera.Model, ext feature.ExtractionResult) *Frame {
	n := len(ext.KeyPoints)
	f := &Frame{
		ID:          id,
		Timestamp:   ts,
		Camera:      cam,
		KeyPoints:   ext.KeyPoints,
		Descriptors: ext.Descriptors,
		Landmarks:   make([]LandmarkID, n),
		Outliers:    make([]bool, n),
	}
	cols, rows := 64, 48
	if cam != nil {
		if c, r := cam.Bounds(); c > 0 && r > 0 {
			cols, rows = c, r
		}
	}
	f.Grid = NewGrid(float64(cols), float64(rows), 64, 48)
	for i, kp := range f.KeyPoints {
		f.Grid.Insert(i, kp.X, kp.Y)
	}
	return f
}

// NumKeyPoints returns the number of detected keypoints.
func (f *Frame) NumKeyPoints() int { return len(f.KeyPoints) }

// TrackedLandmarkCount returns the number of keypoints with a non-outlier
// landmark association, used by the keyframe-insertion policy (spec.md
// section 4.6).
func (f *Frame) TrackedLandmarkCount() int {
	n := 0
	for i, lm := range f.Landmarks {
		if lm != NoLandmark && !f.Outliers[i] {
			n++
		}
	}
	return n
}

// SetBoW stores the (lazily computed) BoW vector and feature-to-node
// vector for this frame. The vocabulary-tree quantization that produces
// these is an external collaborator; this is just storage.
func (f *Frame) SetBoW(vector map[uint32]float64, featVec map[uint32][]int) {
	f.bowVector = vector
	f.bowFeatVec = featVec
	f.bowComputed = true
}

// BoW returns the frame's BoW vector and feature-vector, and whether they
// have been computed yet.
func (f *Frame) BoW() (map[uint32]float64, map[uint32][]int, bool) {
	return f.bowVector, f.bowFeatVec, f.bowComputed
}
