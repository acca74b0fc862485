package spatial

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Sim3 is a similarity transform (rotation + translation + uniform scale),
// used for monocular loop-closure correction and pose-graph optimization
// per spec.md section 4.5/4.8. Non-loop keyframes carry scale = 1.
type Sim3 struct {
	Rotation    quat.Number
	Translation r3.Vector
	Scale       float64
}

// IdentitySim3 returns scale-1 identity.
func IdentitySim3() Sim3 {
	return Sim3{Rotation: quat.Number{Real: 1}, Scale: 1}
}

// FromPose lifts a rigid SE(3) pose to Sim(3) with unit scale.
func FromPose(p Pose) Sim3 {
	return Sim3{Rotation: p.Rotation, Translation: p.Translation, Scale: 1}
}

// Pose projects a Sim(3) transform back down to SE(3), discarding scale.
// Used once pose-graph optimization completes and poses are written back
// to keyframes (spec.md section 4.8 step 4).
func (s Sim3) Pose() Pose {
	return Pose{Rotation: s.Rotation, Translation: s.Translation}
}

// Transform applies the similarity transform to a world point.
func (s Sim3) Transform(x r3.Vector) r3.Vector {
	scaled := r3.Vector{X: x.X * s.Scale, Y: x.Y * s.Scale, Z: x.Z * s.Scale}
	return rotateVector(s.Rotation, scaled).Add(s.Translation)
}

// Inverse returns the inverse similarity transform.
func (s Sim3) Inverse() Sim3 {
	qInv := quat.Conj(s.Rotation)
	invScale := 1 / s.Scale
	t := rotateVector(qInv, r3.Vector{X: -s.Translation.X * invScale, Y: -s.Translation.Y * invScale, Z: -s.Translation.Z * invScale})
	return Sim3{Rotation: qInv, Translation: t, Scale: invScale}
}

// Compose3 returns a followed by b: result(x) = b(a(x)).
func Compose3(b, a Sim3) Sim3 {
	rot := quat.Mul(b.Rotation, a.Rotation)
	scale := b.Scale * a.Scale
	t := rotateVector(b.Rotation, r3.Vector{X: a.Translation.X * b.Scale, Y: a.Translation.Y * b.Scale, Z: a.Translation.Z * b.Scale})
	return Sim3{
		Rotation:    rot,
		Translation: t.Add(b.Translation),
		Scale:       scale,
	}
}

// RelativeOld computes the "old relative" transform between a parent and
// child pose before an optimization writeback, used by global.propagateSpanningTree
// (spec.md section 4.8 step 5: "child pose = parent optimized compose
// relative-old").
func RelativeOld(parentOld, childOld Pose) Sim3 {
	return Compose3(FromPose(childOld), FromPose(parentOld).Inverse())
}
