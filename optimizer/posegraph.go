package optimizer

import (
	"context"
	"math"

	"gonum.org/v1/gonum/num/quat"

	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
)

// PoseGraph optimizes Sim(3) vertices over relative-pose edges only (no
// landmark residuals), the C9 loop-correction step (spec.md section
// 4.8 step 4: "pose-graph optimization over Sim(3) using spanning tree +
// covisibility (>=100) + loop edges. Origin fixed."). There is no
// outlier-rejection stage here -- every edge that survived Sim(3)
// estimation and RANSAC is trusted, matching the reference engine's
// single-pass pose-graph solve.
func PoseGraph(ctx context.Context, in PoseGraphInput) PoseGraphResult {
	var freeVertices []slamtype.KeyframeID
	for id := range in.Vertices {
		if id == in.Origin {
			continue
		}
		freeVertices = append(freeVertices, id)
	}
	index := make(map[slamtype.KeyframeID]int, len(freeVertices))
	for i, id := range freeVertices {
		index[id] = i
	}

	base := make(map[slamtype.KeyframeID]spatial.Sim3, len(in.Vertices))
	for k, v := range in.Vertices {
		base[k] = v
	}

	const edgeWeight = 1.0 // uniform weight; edge strength already gated vertices into the graph
	costFunc := func(x []float64) float64 {
		current := applySim3Deltas(base, freeVertices, index, x)
		var total float64
		for _, e := range in.Edges {
			from, okFrom := current[e.From]
			to, okTo := current[e.To]
			if !okFrom || !okTo {
				continue
			}
			predicted := spatial.Compose3(to, from.Inverse())
			res := sim3Residual(predicted, e.RelativeSim3)
			total += edgeWeight * sqNorm(res)
		}
		return total
	}

	dim := 7 * len(freeVertices)
	var finalCost float64
	diverged := false
	vertices := base

	for _, iters := range []int{10, 10, 20} {
		select {
		case <-ctx.Done():
			diverged = true
		default:
		}
		if diverged {
			break
		}
		x, cost, div := runMinimize(ctx, costFunc, make([]float64, dim), iters)
		if div {
			diverged = true
			break
		}
		vertices = applySim3Deltas(base, freeVertices, index, x)
		finalCost = cost
	}

	return PoseGraphResult{Vertices: vertices, FinalCost: finalCost, Diverged: diverged}
}

func applySim3Deltas(base map[slamtype.KeyframeID]spatial.Sim3, freeVertices []slamtype.KeyframeID, index map[slamtype.KeyframeID]int, x []float64) map[slamtype.KeyframeID]spatial.Sim3 {
	out := make(map[slamtype.KeyframeID]spatial.Sim3, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, id := range freeVertices {
		i := index[id]
		var xi [7]float64
		copy(xi[:], x[7*i:7*i+7])
		out[id] = spatial.Compose3(spatial.ExpSim3(xi), base[id])
	}
	return out
}

// sim3Residual returns a 7-vector tangent-space error between a
// predicted and measured relative Sim(3): translation diff, small-angle
// rotation diff (vector part of the relative quaternion), and log-scale
// diff.
func sim3Residual(predicted, measured spatial.Sim3) []float64 {
	relRot := quat.Mul(quat.Conj(measured.Rotation), predicted.Rotation)
	tErr := predicted.Translation.Sub(measured.Translation)
	scaleErr := math.Log(predicted.Scale / measured.Scale)
	return []float64{
		tErr.X, tErr.Y, tErr.Z,
		2 * relRot.Imag, 2 * relRot.Jmag, 2 * relRot.Kmag,
		scaleErr,
	}
}
