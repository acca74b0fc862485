package optimizer

import (
	"context"
	"math"

	"github.com/golang/geo/r3"

	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
)

// BundleAdjust refines a set of keyframe poses and landmark positions
// jointly against their shared observations, the C6 local/global BA
// operation (spec.md sections 4.7/4.8). Fixed vertices anchor the
// optimization: local BA fixes the covisibility boundary keyframes,
// global BA fixes only the map's origin keyframe.
func BundleAdjust(ctx context.Context, in BundleAdjustInput) BundleAdjustResult {
	var freeKFs []slamtype.KeyframeID
	basePoses := make(map[slamtype.KeyframeID]spatial.Pose, len(in.Keyframes))
	for _, kv := range in.Keyframes {
		basePoses[kv.ID] = kv.Pose
		if !kv.Fixed {
			freeKFs = append(freeKFs, kv.ID)
		}
	}

	var freeLMs []slamtype.LandmarkID
	basePositions := make(map[slamtype.LandmarkID]r3.Vector, len(in.Landmarks))
	for _, lv := range in.Landmarks {
		basePositions[lv.ID] = lv.Position
		if !lv.Fixed {
			freeLMs = append(freeLMs, lv.ID)
		}
	}

	dim := 6*len(freeKFs) + 3*len(freeLMs)
	inliers := make([]bool, len(in.Observations))
	for i := range inliers {
		inliers[i] = true
	}

	poses := cloneposes(basePoses)
	positions := clonepositions(basePositions)
	var finalCost float64
	diverged := false

	for _, iters := range twoStageSchedule {
		select {
		case <-ctx.Done():
			diverged = true
		default:
		}
		if diverged {
			break
		}

		basePoseSnapshot := cloneposes(poses)
		basePositionSnapshot := clonepositions(positions)

		costFunc := func(x []float64) float64 {
			candidatePoses := applyPoseDeltas(basePoseSnapshot, freeKFs, x)
			candidatePositions := applyPositionDeltas(basePositionSnapshot, freeLMs, x, 6*len(freeKFs))
			var total float64
			for i, obs := range in.Observations {
				if !inliers[i] {
					continue
				}
				pose, ok := candidatePoses[obs.Keyframe]
				if !ok {
					continue
				}
				cam, ok := in.Camera[obs.Keyframe]
				if !ok {
					continue
				}
				world := obs.World
				if p, ok := candidatePositions[obs.Landmark]; ok {
					world = p
				}
				o := obs
				o.World = world
				res, ok := o.residual(pose, cam)
				if !ok {
					total += 1e6
					continue
				}
				_, huberDelta, _ := o.residualDim()
				norm := vecNorm(res) * math.Sqrt(o.InvSigma2)
				total += huberCost(norm, huberDelta)
			}
			return total
		}

		x, cost, div := runMinimize(ctx, costFunc, make([]float64, dim), iters)
		if div {
			diverged = true
			break
		}
		poses = applyPoseDeltas(basePoseSnapshot, freeKFs, x)
		positions = applyPositionDeltas(basePositionSnapshot, freeLMs, x, 6*len(freeKFs))
		finalCost = cost

		for i, obs := range in.Observations {
			pose, ok := poses[obs.Keyframe]
			if !ok {
				inliers[i] = false
				continue
			}
			cam, ok := in.Camera[obs.Keyframe]
			if !ok {
				inliers[i] = false
				continue
			}
			world := obs.World
			if p, ok := positions[obs.Landmark]; ok {
				world = p
			}
			o := obs
			o.World = world
			res, ok := o.residual(pose, cam)
			if !ok {
				inliers[i] = false
				continue
			}
			_, _, chi2 := o.residualDim()
			sq := sqNorm(res) * o.InvSigma2
			inliers[i] = classifyInlier(sq, chi2)
		}
	}

	return BundleAdjustResult{
		Keyframes:  poses,
		Landmarks:  positions,
		InlierMask: inliers,
		FinalCost:  finalCost,
		Diverged:   diverged,
	}
}

func cloneposes(m map[slamtype.KeyframeID]spatial.Pose) map[slamtype.KeyframeID]spatial.Pose {
	out := make(map[slamtype.KeyframeID]spatial.Pose, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonepositions(m map[slamtype.LandmarkID]r3.Vector) map[slamtype.LandmarkID]r3.Vector {
	out := make(map[slamtype.LandmarkID]r3.Vector, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func applyPoseDeltas(base map[slamtype.KeyframeID]spatial.Pose, freeKFs []slamtype.KeyframeID, x []float64) map[slamtype.KeyframeID]spatial.Pose {
	out := cloneposes(base)
	for i, kf := range freeKFs {
		var xi [6]float64
		copy(xi[:], x[6*i:6*i+6])
		out[kf] = spatial.Compose(spatial.ExpSE3(xi), base[kf])
	}
	return out
}

func applyPositionDeltas(base map[slamtype.LandmarkID]r3.Vector, freeLMs []slamtype.LandmarkID, x []float64, offset int) map[slamtype.LandmarkID]r3.Vector {
	out := clonepositions(base)
	for i, lm := range freeLMs {
		d := r3.Vector{X: x[offset+3*i], Y: x[offset+3*i+1], Z: x[offset+3*i+2]}
		out[lm] = base[lm].Add(d)
	}
	return out
}
