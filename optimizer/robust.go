// Package optimizer implements the nonlinear-least-squares facade (C6 in
// spec.md section 4.5): pose-only, local/global bundle adjustment, and
// Sim(3) pose-graph optimization, all expressed as pure-data inputs and
// outputs over a shared Huber-robustified cost model. Grounded on
// rdk/motionplan/ik's context-cancellable solver shape, implemented over
// gonum.org/v1/gonum/optimize instead of cgo nlopt.
package optimizer

import "math"

// Chi2Mono2DoF and Chi2Stereo3DoF are the inlier-classification
// thresholds from spec.md section 4.5: chi-squared critical values at
// 95% confidence for 2 degrees of freedom (monocular pixel residual) and
// 3 degrees of freedom (stereo u/v/disparity residual).
const (
	Chi2Mono2DoF   = 5.991
	Chi2Stereo3DoF = 7.815
)

// HuberThresholdMono and HuberThresholdStereo are sqrt of the chi2
// thresholds above, the delta parameter of the Huber robust kernel
// spec.md section 4.5 specifies ("Huber loss with thresholds sqrt(5.991)
// ... and sqrt(7.815)").
var (
	HuberThresholdMono   = math.Sqrt(Chi2Mono2DoF)
	HuberThresholdStereo = math.Sqrt(Chi2Stereo3DoF)
)

// huberWeight returns the IRLS weight for a residual of the given
// Mahalanobis norm under the Huber kernel with the given delta: 1 inside
// the quadratic region, delta/norm beyond it (down-weighting outliers
// instead of discarding them mid-iteration).
func huberWeight(norm, delta float64) float64 {
	if norm <= delta || norm == 0 {
		return 1
	}
	return delta / norm
}

// huberCost evaluates the scalar Huber loss for a residual vector's
// Mahalanobis norm.
func huberCost(norm, delta float64) float64 {
	if norm <= delta {
		return 0.5 * norm * norm
	}
	return delta*(norm-0.5*delta)
}

// classifyInlier reports whether a residual's squared Mahalanobis norm
// falls under the chi-squared threshold, the two-stage schedule's
// "classify inliers (chi2 test)" step (spec.md section 4.5).
func classifyInlier(sqNorm, chi2Threshold float64) bool {
	return sqNorm < chi2Threshold
}
