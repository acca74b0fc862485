package matcher

import (
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// RansacFundamental runs 8-point RANSAC over bearing-vector correspondences
// to reject matches inconsistent with any single rigid epipolar geometry
// (spec.md section 4.4's robust geometric mode). Bearings are unit
// direction vectors in each frame's camera coordinate system, so the
// estimated 3x3 matrix is an essential matrix; the algebraic residual
// b2^T E b1 is evaluated against chi2Threshold as a Sampson-distance
// proxy. Returns a per-match inlier mask.
func RansacFundamental(bearings1, bearings2 []r3.Vector, matches []Match, iterations int, chi2Threshold float64, seed int64) []bool {
	n := len(matches)
	best := make([]bool, n)
	if n < 8 {
		return best
	}
	rng := rand.New(rand.NewSource(seed))
	bestInliers := -1

	for iter := 0; iter < iterations; iter++ {
		sampleIdx := sampleEight(rng, n)
		E, ok := estimateEssential(bearings1, bearings2, matches, sampleIdx)
		if !ok {
			continue
		}
		mask := make([]bool, n)
		count := 0
		for i, m := range matches {
			r := epipolarResidual(E, bearings1[m.CurrIdx], bearings2[m.RefIdx])
			if r < chi2Threshold {
				mask[i] = true
				count++
			}
		}
		if count > bestInliers {
			bestInliers = count
			best = mask
		}
	}
	return best
}

func sampleEight(rng *rand.Rand, n int) []int {
	idx := rng.Perm(n)
	return idx[:8]
}

// estimateEssential builds the 8x9 coefficient matrix from the sampled
// correspondences and extracts E as the singular vector of smallest
// singular value, then re-enforces rank 2 (classic normalized 8-point
// algorithm, here unnormalized since bearings are already unit vectors).
func estimateEssential(bearings1, bearings2 []r3.Vector, matches []Match, sample []int) (*mat.Dense, bool) {
	A := mat.NewDense(8, 9, nil)
	for row, si := range sample {
		m := matches[si]
		b1 := bearings1[m.CurrIdx]
		b2 := bearings2[m.RefIdx]
		A.SetRow(row, []float64{
			b2.X * b1.X, b2.X * b1.Y, b2.X * b1.Z,
			b2.Y * b1.X, b2.Y * b1.Y, b2.Y * b1.Z,
			b2.Z * b1.X, b2.Z * b1.Y, b2.Z * b1.Z,
		})
	}

	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDFull); !ok {
		return nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	// Smallest singular value's column is the last column of V.
	col := make([]float64, 9)
	mat.Col(col, 8, &v)
	E := mat.NewDense(3, 3, col)

	var esvd mat.SVD
	if ok := esvd.Factorize(E, mat.SVDFull); !ok {
		return nil, false
	}
	var u, vt mat.Dense
	esvd.UTo(&u)
	esvd.VTo(&vt)
	s := esvd.Values(nil)
	sigma := mat.NewDiagDense(3, []float64{s[0], s[1], 0})
	var tmp mat.Dense
	tmp.Mul(&u, sigma)
	var result mat.Dense
	result.Mul(&tmp, vt.T())
	return &result, true
}

func epipolarResidual(E *mat.Dense, b1, b2 r3.Vector) float64 {
	v1 := mat.NewVecDense(3, []float64{b1.X, b1.Y, b1.Z})
	var Ev1 mat.VecDense
	Ev1.MulVec(E, v1)
	dot := b2.X*Ev1.AtVec(0) + b2.Y*Ev1.AtVec(1) + b2.Z*Ev1.AtVec(2)
	return dot * dot * 1000 // scale algebraic residual into a chi2-comparable range
}
