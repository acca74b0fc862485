// Package spatial provides the SE(3)/Sim(3) pose primitives shared by
// every other package: frame/keyframe poses, Sim(3) loop corrections, and
// the small linear-algebra helpers the optimizer facade needs.
package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform world->camera (T_cw in the spec's notation):
// an orthonormal rotation (represented as a unit quaternion) plus a
// translation. Both tracking and mapping pass poses by value.
type Pose struct {
	Rotation    quat.Number // unit quaternion, camera <- world rotation
	Translation r3.Vector   // translation component of T_cw
}

// Identity returns the identity SE(3) pose.
func Identity() Pose {
	return Pose{Rotation: quat.Number{Real: 1}, Translation: r3.Vector{}}
}

// NewPoseFromMatrix builds a Pose from a 4x4 row-major homogeneous matrix,
// the wire format used by the map-persistence JSON (spec.md section 6).
func NewPoseFromMatrix(m *mat.Dense) Pose {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		panic("spatial: NewPoseFromMatrix requires a 4x4 matrix")
	}
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, m.At(i, j))
		}
	}
	return Pose{
		Rotation:    quaternionFromRotationMatrix(rot),
		Translation: r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)},
	}
}

// Matrix returns the 4x4 row-major homogeneous matrix for this pose.
func (p Pose) Matrix() *mat.Dense {
	rot := rotationMatrixFromQuaternion(p.Rotation)
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rot.At(i, j))
		}
	}
	m.Set(0, 3, p.Translation.X)
	m.Set(1, 3, p.Translation.Y)
	m.Set(2, 3, p.Translation.Z)
	m.Set(3, 3, 1)
	return m
}

// Inverse returns T_wc given T_cw (or vice versa).
func (p Pose) Inverse() Pose {
	qInv := quat.Conj(p.Rotation)
	t := rotateVector(qInv, p.Translation)
	return Pose{
		Rotation:    qInv,
		Translation: r3.Vector{X: -t.X, Y: -t.Y, Z: -t.Z},
	}
}

// Compose returns p followed by q, i.e. q*p in transform-composition order
// (apply p first, then q): result(x) = q(p(x)).
func Compose(q, p Pose) Pose {
	rot := quat.Mul(q.Rotation, p.Rotation)
	t := rotateVector(q.Rotation, p.Translation)
	return Pose{
		Rotation: rot,
		Translation: r3.Vector{
			X: t.X + q.Translation.X,
			Y: t.Y + q.Translation.Y,
			Z: t.Z + q.Translation.Z,
		},
	}
}

// Transform applies this pose to a world point, returning the point in
// camera coordinates.
func (p Pose) Transform(x r3.Vector) r3.Vector {
	r := rotateVector(p.Rotation, x)
	return r3.Vector{X: r.X + p.Translation.X, Y: r.Y + p.Translation.Y, Z: r.Z + p.Translation.Z}
}

// IsOrthonormal checks the SE(3) invariant from spec.md section 3: rotation
// must be orthonormal with determinant +1, within tolerance.
func (p Pose) IsOrthonormal(tol float64) bool {
	n := quat.Abs(p.Rotation)
	return math.Abs(n-1) < tol
}

// QuatFromAxisAngle builds a unit quaternion from an axis and angle in
// radians, used by tests and by Sim(3) seeding from RANSAC rotation
// estimates.
func QuatFromAxisAngle(axis r3.Vector, angleRad float64) quat.Number {
	axis = axis.Normalize()
	s := math.Sin(angleRad / 2)
	return quat.Number{
		Real: math.Cos(angleRad / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}
}

func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	res := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: res.Imag, Y: res.Jmag, Z: res.Kmag}
}

func rotationMatrixFromQuaternion(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	if n > 0 {
		w, x, y, z = w/n, x/n, y/n, z/n
	}
	m := mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
	return m
}

func quaternionFromRotationMatrix(m *mat.Dense) quat.Number {
	tr := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	var w, x, y, z float64
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		w = 0.25 * s
		x = (m.At(2, 1) - m.At(1, 2)) / s
		y = (m.At(0, 2) - m.At(2, 0)) / s
		z = (m.At(1, 0) - m.At(0, 1)) / s
	case m.At(0, 0) > m.At(1, 1) && m.At(0, 0) > m.At(2, 2):
		s := math.Sqrt(1+m.At(0, 0)-m.At(1, 1)-m.At(2, 2)) * 2
		w = (m.At(2, 1) - m.At(1, 2)) / s
		x = 0.25 * s
		y = (m.At(0, 1) + m.At(1, 0)) / s
		z = (m.At(0, 2) + m.At(2, 0)) / s
	case m.At(1, 1) > m.At(2, 2):
		s := math.Sqrt(1+m.At(1, 1)-m.At(0, 0)-m.At(2, 2)) * 2
		w = (m.At(0, 2) - m.At(2, 0)) / s
		x = (m.At(0, 1) + m.At(1, 0)) / s
		y = 0.25 * s
		z = (m.At(1, 2) + m.At(2, 1)) / s
	default:
		s := math.Sqrt(1+m.At(2, 2)-m.At(0, 0)-m.At(1, 1)) * 2
		w = (m.At(1, 0) - m.At(0, 1)) / s
		x = (m.At(0, 2) + m.At(2, 0)) / s
		y = (m.At(1, 2) + m.At(2, 1)) / s
		z = 0.25 * s
	}
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}
