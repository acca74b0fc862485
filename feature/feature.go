// Package feature defines the ORB feature-extraction interface consumed
// by the rest of the engine. Pyramid construction and descriptor
// computation are out of scope (spec.md section 1); this package only
// carries the interface and the plain data types (keypoints, 256-bit
// descriptors) that flow through tracking/mapping/matching.
package feature

import (
	"math/bits"

	"github.com/golang/geo/r3"
)

// DescriptorBits is the fixed width of an ORB binary descriptor (256
// bits, 32 bytes), per spec.md section 1.
const DescriptorBits = 256

// Descriptor is a 256-bit binary descriptor packed into four uint64 words.
type Descriptor [4]uint64

// HammingDistance returns the number of differing bits between two
// descriptors.
func (d Descriptor) HammingDistance(o Descriptor) int {
	dist := 0
	for i := range d {
		dist += bits.OnesCount64(d[i] ^ o[i])
	}
	return dist
}

// KeyPoint is a single detected feature, with its pyramid-level geometry
// and precomputed bearing vector (spec.md section 3, Frame attributes).
type KeyPoint struct {
	X, Y     float64 // subpixel image coordinates at octave 0 scale
	Octave   int     // pyramid level
	Angle    float64 // dominant orientation, radians
	Response float64 // FAST corner score, used for tie-breaking
	Bearing  r3.Vector

	// HasStereo is true when a stereo-right coordinate and depth were
	// computed for this keypoint (spec.md section 3).
	HasStereo  bool
	StereoU    float64 // x-coordinate in the right image
	DepthMeter float64
}

// ExtractionResult is everything a single-image extraction call produces:
// keypoints in lockstep with their descriptors.
type ExtractionResult struct {
	KeyPoints   []KeyPoint
	Descriptors []Descriptor
	ScaleFactor float64 // pyramid scale factor between consecutive octaves
	NumLevels   int
}

// Extractor is the feature-extraction collaborator. A production
// implementation runs FAST detection + BRIEF description over an image
// pyramid; this module only calls through the interface.
type Extractor interface {
	// Extract computes oriented ORB keypoints and descriptors for one
	// 8-bit grayscale image. mask, if non-nil, excludes pixels set to
	// zero from detection (spec.md section 6's Feature.mask_rectangles).
	Extract(image []byte, width, height int, mask []byte) (ExtractionResult, error)
}
