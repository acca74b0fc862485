package optimizer

import (
	"context"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
)

// ctxRecorder aborts gonum/optimize's iteration loop as soon as ctx is
// done, giving per-iteration cancellation (spec.md section 4.9:
// "Optimizers poll a caller-supplied abort flag at each outer iteration
// boundary"), grounded on rdk/motionplan/ik's ctx.Done()-polling pattern.
type ctxRecorder struct {
	ctx context.Context
}

func (r ctxRecorder) Init() error { return nil }

func (r ctxRecorder) Record(_ *optimize.Location, _ optimize.Operation, _ *optimize.Stats) error {
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	default:
		return nil
	}
}

// runMinimize runs one stage of the two-stage schedule: up to iters
// major iterations of LBFGS over costFunc, with a finite-difference
// gradient (no hand-derived analytic Jacobian -- spec.md section 4.5
// treats the optimizer as a pure numerical black box). Returns the
// optimized parameter vector, its cost, and whether the stage diverged
// (non-finite cost or cancellation).
func runMinimize(ctx context.Context, costFunc func(x []float64) float64, x0 []float64, iters int) ([]float64, float64, bool) {
	if len(x0) == 0 {
		return x0, costFunc(x0), false
	}
	problem := optimize.Problem{
		Func: costFunc,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, costFunc, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		MajorIterations: iters,
		Recorder:        ctxRecorder{ctx: ctx},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if err != nil && ctx.Err() != nil {
		return x0, math.Inf(1), true
	}
	if result == nil {
		return x0, math.Inf(1), true
	}
	if math.IsNaN(result.F) || math.IsInf(result.F, 0) {
		return result.X, result.F, true
	}
	return result.X, result.F, false
}

func sqNorm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return s
}

func vecNorm(v []float64) float64 {
	return math.Sqrt(sqNorm(v))
}

func countTrue(mask []bool) int {
	n := 0
	for _, b := range mask {
		if b {
			n++
		}
	}
	return n
}

// twoStageSchedule is the iteration counts from spec.md section 4.5:
// "5 iters -> classify inliers (chi2 test) -> 5 iters refining on
// inliers -> reclassify -> 10 iters -> final classification".
var twoStageSchedule = []int{5, 5, 10}
