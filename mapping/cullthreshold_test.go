package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/soallak/openvslam/camera"
)

func TestCullThresholdForSetup(t *testing.T) {
	assert.Equal(t, 3, cullThresholdForSetup(camera.SetupMonocular))
	assert.Equal(t, 2, cullThresholdForSetup(camera.SetupStereo))
	assert.Equal(t, 2, cullThresholdForSetup(camera.SetupRGBD))
}
