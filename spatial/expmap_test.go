package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpSE3ZeroIsIdentity(t *testing.T) {
	p := ExpSE3([6]float64{})
	identity := Identity()
	assert.InDelta(t, identity.Rotation.Real, p.Rotation.Real, 1e-12)
	assert.InDelta(t, 0, p.Translation.Norm(), 1e-12)
}

func TestExpSE3SmallRotationIsOrthonormal(t *testing.T) {
	p := ExpSE3([6]float64{0.1, -0.05, 0.02, 0.01, 0.02, -0.03})
	assert.True(t, p.IsOrthonormal(1e-9))
}
