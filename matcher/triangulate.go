package matcher

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/soallak/openvslam/spatial"
)

// TriangulateTwoView triangulates a single bearing correspondence
// observed by two keyframes with known absolute world->camera poses, by
// the midpoint method: the closest-approach point between the two
// camera rays in world coordinates. This generalizes the identity-
// anchored pair `triangulateMidpoint` solves during monocular bootstrap
// to mapping's create-new-landmarks step (spec.md section 4.7 step 3),
// where both keyframes already have an absolute pose in the map.
func TriangulateTwoView(poseA, poseB spatial.Pose, bearingA, bearingB r3.Vector) (point r3.Vector, depthA, depthB float64, ok bool) {
	invA, invB := quat.Conj(poseA.Rotation), quat.Conj(poseB.Rotation)
	oA := rotate(invA, r3.Vector{X: -poseA.Translation.X, Y: -poseA.Translation.Y, Z: -poseA.Translation.Z})
	oB := rotate(invB, r3.Vector{X: -poseB.Translation.X, Y: -poseB.Translation.Y, Z: -poseB.Translation.Z})
	dA := rotate(invA, bearingA)
	dB := rotate(invB, bearingB)

	w0 := oA.Sub(oB)
	a := dA.Dot(dA)
	b := dA.Dot(dB)
	c := dB.Dot(dB)
	d := dA.Dot(w0)
	e := dB.Dot(w0)
	denom := a*c - b*b
	if denom == 0 {
		return r3.Vector{}, 0, 0, false
	}
	sA := (b*e - c*d) / denom
	sB := (a*e - b*d) / denom

	p1 := oA.Add(r3.Vector{X: dA.X * sA, Y: dA.Y * sA, Z: dA.Z * sA})
	p2 := oB.Add(r3.Vector{X: dB.X * sB, Y: dB.Y * sB, Z: dB.Z * sB})
	mid := p1.Add(p2).Mul(0.5)

	depthA = poseA.Transform(mid).Z
	depthB = poseB.Transform(mid).Z
	return mid, depthA, depthB, true
}
