package matcher

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/soallak/openvslam/spatial"
)

// EstimateSim3 solves for the Sim(3) transform mapping points1 onto
// points2 (points2[i] ~= sim.Transform(points1[i])) via Horn's
// closed-form 3-point absolute-orientation method inside a RANSAC loop,
// the C9 loop-closure estimator spec.md section 4.8 step 2 names
// ("solve 3-point Horn's Sim(3) absolute orientation with RANSAC").
// Mirrors EstimateRelativePose's sample-score-keep-best RANSAC shape,
// generalized from 8-point essential-matrix sampling to 3-point
// similarity-transform sampling. Returns ok=false if fewer than
// minInliers correspondences survive the winning hypothesis.
func EstimateSim3(points1, points2 []r3.Vector, iterations int, inlierThreshold float64, minInliers int, seed int64) (sim spatial.Sim3, inlierMask []bool, ok bool) {
	n := len(points1)
	if n != len(points2) || n < 3 {
		return spatial.Sim3{}, nil, false
	}
	rng := rand.New(rand.NewSource(seed))
	bestCount := -1
	var bestSim spatial.Sim3
	var bestMask []bool

	for iter := 0; iter < iterations; iter++ {
		sample := rng.Perm(n)[:3]
		cand, solved := hornSim3(points1, points2, sample)
		if !solved {
			continue
		}
		mask := make([]bool, n)
		count := 0
		for i := range points1 {
			predicted := cand.Transform(points1[i])
			if predicted.Sub(points2[i]).Norm() <= inlierThreshold {
				mask[i] = true
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			bestSim = cand
			bestMask = mask
		}
	}

	if bestCount < minInliers {
		return spatial.Sim3{}, bestMask, false
	}

	// Refine the winning hypothesis over every inlier it found, mirroring
	// the reference solver's solve-then-refine structure.
	inlierIdx := make([]int, 0, bestCount)
	for i, in := range bestMask {
		if in {
			inlierIdx = append(inlierIdx, i)
		}
	}
	if refined, solved := hornSim3(points1, points2, inlierIdx); solved {
		bestSim = refined
	}
	return bestSim, bestMask, true
}

// hornSim3 computes the closed-form Sim(3) transform minimizing
// sum ||points2[i] - sim.Transform(points1[i])||^2 over idx, by Horn's
// 1987 closed-form method: centroid removal, cross-covariance SVD for
// rotation (with a reflection-correcting sign flip on the smallest
// singular value when det(U V^T) < 0), and a singular-value-ratio scale.
func hornSim3(points1, points2 []r3.Vector, idx []int) (spatial.Sim3, bool) {
	if len(idx) < 3 {
		return spatial.Sim3{}, false
	}
	var c1, c2 r3.Vector
	for _, i := range idx {
		c1 = c1.Add(points1[i])
		c2 = c2.Add(points2[i])
	}
	n := float64(len(idx))
	c1 = c1.Mul(1 / n)
	c2 = c2.Mul(1 / n)

	H := mat.NewDense(3, 3, nil)
	var sigma1 float64
	for _, i := range idx {
		a := points1[i].Sub(c1)
		b := points2[i].Sub(c2)
		sigma1 += a.Dot(a)
		H.Set(0, 0, H.At(0, 0)+a.X*b.X)
		H.Set(0, 1, H.At(0, 1)+a.X*b.Y)
		H.Set(0, 2, H.At(0, 2)+a.X*b.Z)
		H.Set(1, 0, H.At(1, 0)+a.Y*b.X)
		H.Set(1, 1, H.At(1, 1)+a.Y*b.Y)
		H.Set(1, 2, H.At(1, 2)+a.Y*b.Z)
		H.Set(2, 0, H.At(2, 0)+a.Z*b.X)
		H.Set(2, 1, H.At(2, 1)+a.Z*b.Y)
		H.Set(2, 2, H.At(2, 2)+a.Z*b.Z)
	}
	if sigma1 == 0 {
		return spatial.Sim3{}, false
	}

	var svd mat.SVD
	if !svd.Factorize(H, mat.SVDFull) {
		return spatial.Sim3{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	d := 1.0
	var uvt mat.Dense
	uvt.Mul(&v, u.T())
	if mat.Det(&uvt) < 0 {
		d = -1
	}
	correction := mat.NewDiagDense(3, []float64{1, 1, d})
	var tmp mat.Dense
	tmp.Mul(&v, correction)
	var rm mat.Dense
	rm.Mul(&tmp, u.T())
	rot := quaternionFromMat(&rm)

	scale := (s[0] + s[1] + d*s[2]) / sigma1
	if scale <= 0 || math.IsNaN(scale) {
		return spatial.Sim3{}, false
	}

	rotatedC1 := rotate(rot, r3.Vector{X: c1.X * scale, Y: c1.Y * scale, Z: c1.Z * scale})
	translation := c2.Sub(rotatedC1)

	return spatial.Sim3{Rotation: rot, Translation: translation, Scale: scale}, true
}
