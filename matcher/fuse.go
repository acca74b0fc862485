package matcher

import (
	"math"

	"github.com/golang/geo/r2"

	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/slamtype"
)

// FuseTarget is a landmark projected into a keyframe for duplicate
// fusion, mirroring ProjectionTarget but carrying the landmark identity
// needed to decide replace-vs-add (spec.md section 4.4's fuse variant,
// exercised by mapping's duplicate fusion (fuseInto) and global's loop
// fusion).
type FuseTarget struct {
	Landmark        slamtype.LandmarkID
	PredictedPixel  r2.Point
	PredictedOctave int
	Descriptor      feature.Descriptor
}

// FuseDecision is one outcome of Fuse: either the keyframe gains a new
// observation of Landmark at KeypointIdx, or ExistingLandmark already
// observed at that keypoint should be merged into Landmark (the more
// frequently observed of the two survives, per spec.md section 3's
// duplicate-landmark fusion rule -- Fuse does not pick the survivor; the
// caller's merge compares the two landmarks' observation counts).
type FuseDecision struct {
	Landmark         slamtype.LandmarkID
	KeypointIdx      int
	ExistingLandmark slamtype.LandmarkID // zero if the keypoint was unobserved
}

// Fuse finds, for each target, the best-matching unobserved-or-observed
// keypoint within the projection radius, using the same octave/ratio
// gates as ProjectionMatch but without excluding already-matched
// keypoints (a keyframe keypoint may already observe a different
// landmark, in which case the caller must decide which survives).
func Fuse(
	targets []FuseTarget,
	currDescriptors []feature.Descriptor,
	currKeyPoints []feature.KeyPoint,
	existingObservation func(keypointIdx int) (slamtype.LandmarkID, bool),
	grid *slamtype.Grid,
	margin, scaleFactor float64,
	cfg Config,
) []FuseDecision {
	var decisions []FuseDecision
	for _, target := range targets {
		radius := margin * math.Pow(scaleFactor, float64(target.PredictedOctave))
		candidates := grid.QueryRadius(target.PredictedPixel, radius)

		bestDist, secondDist := math.MaxInt32, math.MaxInt32
		bestIdx := -1
		for _, ci := range candidates {
			if !octaveWithinOne(target.PredictedOctave, currKeyPoints[ci].Octave) {
				continue
			}
			d := target.Descriptor.HammingDistance(currDescriptors[ci])
			if d < bestDist {
				secondDist = bestDist
				bestDist = d
				bestIdx = ci
			} else if d < secondDist {
				secondDist = d
			}
		}
		if bestIdx < 0 || bestDist > cfg.MaxHamming {
			continue
		}
		if !bestToSecondRatioTest(bestDist, secondDist, cfg.ProjectionRatio) {
			continue
		}
		existing, hasExisting := existingObservation(bestIdx)
		decision := FuseDecision{Landmark: target.Landmark, KeypointIdx: bestIdx}
		if hasExisting && existing != target.Landmark {
			decision.ExistingLandmark = existing
		}
		decisions = append(decisions, decision)
	}
	return decisions
}
