package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// ExpSE3 maps a 6-vector tangent xi = [v0,v1,v2, w0,w1,w2] (translation
// part, rotation part as an axis-angle vector) to the SE(3) pose it
// generates, using the closed-form Rodrigues/V-matrix expansion. This is
// the local update step the optimizer facade composes onto a linearized
// pose estimate each outer iteration (spec.md section 4.5), the same
// role g2o's VertexSE3Expmap::oplus plays in the reference engine.
func ExpSE3(xi [6]float64) Pose {
	w := r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}
	theta := w.Norm()

	rot := quat.Number{Real: 1}
	if theta > 1e-12 {
		rot = QuatFromAxisAngle(w, theta)
	}

	v := r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}
	translation := leftJacobianApprox(w, theta, v)

	return Pose{Rotation: rot, Translation: translation}
}

// ExpSim3 maps a 7-vector tangent xi = [v0,v1,v2, w0,w1,w2, s] (SE(3)
// part plus a log-scale) to the Sim(3) transform it generates, the
// pose-graph optimizer's per-vertex update step (spec.md section 4.8).
func ExpSim3(xi [7]float64) Sim3 {
	var se3 [6]float64
	copy(se3[:], xi[:6])
	p := ExpSE3(se3)
	return Sim3{Rotation: p.Rotation, Translation: p.Translation, Scale: math.Exp(xi[6])}
}

// leftJacobianApprox applies the SE(3) left-Jacobian V(w) to v, falling
// back to the identity for near-zero rotation (the regime every
// optimizer step operates in, since xi is a linearization delta, not a
// full pose).
func leftJacobianApprox(w r3.Vector, theta float64, v r3.Vector) r3.Vector {
	if theta < 1e-8 {
		return v
	}
	wHat := w.Normalize()
	a := math.Sin(theta) / theta
	b := (1 - math.Cos(theta)) / theta
	cross := wHat.Cross(v)
	crossCross := wHat.Cross(cross)
	return r3.Vector{
		X: v.X + b*cross.X + (1-a)*crossCross.X,
		Y: v.Y + b*cross.Y + (1-a)*crossCross.Y,
		Z: v.Z + b*cross.Z + (1-a)*crossCross.Z,
	}
}
