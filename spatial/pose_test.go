package spatial

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityRoundTrip(t *testing.T) {
	p := Identity()
	m := p.Matrix()
	p2 := NewPoseFromMatrix(m)
	assert.InDelta(t, 1, p2.Rotation.Real, 1e-9)
	assert.True(t, p2.IsOrthonormal(1e-9))
}

func TestInverseIsLeftAndRightInverse(t *testing.T) {
	p := Pose{Rotation: QuatFromAxisAngle(r3.Vector{X: 0, Y: 0, Z: 1}, 0.7), Translation: r3.Vector{X: 1, Y: 2, Z: 3}}
	id := Compose(p, p.Inverse())
	require.True(t, id.IsOrthonormal(1e-6))
	assert.InDelta(t, 0, id.Translation.Norm(), 1e-6)
}

func TestTransformMatchesMatrixMultiplication(t *testing.T) {
	p := Pose{Rotation: QuatFromAxisAngle(r3.Vector{X: 1, Y: 0, Z: 0}, 1.2), Translation: r3.Vector{X: 0.5, Y: -1, Z: 2}}
	x := r3.Vector{X: 3, Y: 4, Z: 5}
	got := p.Transform(x)

	m := p.Matrix()
	xh := []float64{x.X, x.Y, x.Z, 1}
	var expected [4]float64
	for i := 0; i < 4; i++ {
		var sum float64
		for j := 0; j < 4; j++ {
			sum += m.At(i, j) * xh[j]
		}
		expected[i] = sum
	}
	assert.InDelta(t, expected[0], got.X, 1e-9)
	assert.InDelta(t, expected[1], got.Y, 1e-9)
	assert.InDelta(t, expected[2], got.Z, 1e-9)
}
