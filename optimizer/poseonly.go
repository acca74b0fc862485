package optimizer

import (
	"context"
	"math"

	"github.com/soallak/openvslam/spatial"
)

// PoseOnly refines a single frame's pose against its matched landmarks,
// the C6 facade operation tracking calls every frame and during
// relocalization (spec.md section 4.6 step 1). It runs the two-stage
// 5/5/10 schedule, reclassifying inliers via the chi2 test after each
// stage and excluding current outliers from the next stage's cost.
func PoseOnly(ctx context.Context, in PoseOnlyInput) PoseOnlyResult {
	inliers := make([]bool, len(in.Observations))
	if in.InitialInliers != nil {
		copy(inliers, in.InitialInliers)
	} else {
		for i := range inliers {
			inliers[i] = true
		}
	}

	pose := in.InitialPose
	var finalCost float64
	diverged := false

	for _, iters := range twoStageSchedule {
		select {
		case <-ctx.Done():
			return PoseOnlyResult{Pose: pose, InlierMask: inliers, NumInliers: countTrue(inliers), Diverged: true}
		default:
		}

		basePose := pose
		costFunc := func(xi []float64) float64 {
			var xiArr [6]float64
			copy(xiArr[:], xi)
			candidate := spatial.Compose(spatial.ExpSE3(xiArr), basePose)
			var total float64
			for i, obs := range in.Observations {
				if !inliers[i] {
					continue
				}
				res, ok := obs.residual(candidate, in.Camera)
				if !ok {
					total += 1e6
					continue
				}
				_, huberDelta, _ := obs.residualDim()
				norm := vecNorm(res) * math.Sqrt(obs.InvSigma2)
				total += huberCost(norm, huberDelta)
			}
			return total
		}

		x, cost, div := runMinimize(ctx, costFunc, make([]float64, 6), iters)
		if div {
			diverged = true
			break
		}
		var xiArr [6]float64
		copy(xiArr[:], x)
		pose = spatial.Compose(spatial.ExpSE3(xiArr), basePose)
		finalCost = cost

		for i, obs := range in.Observations {
			res, ok := obs.residual(pose, in.Camera)
			if !ok {
				inliers[i] = false
				continue
			}
			_, _, chi2 := obs.residualDim()
			sq := sqNorm(res) * obs.InvSigma2
			inliers[i] = classifyInlier(sq, chi2)
		}
	}

	return PoseOnlyResult{
		Pose:       pose,
		InlierMask: inliers,
		NumInliers: countTrue(inliers),
		FinalCost:  finalCost,
		Diverged:   diverged,
	}
}
