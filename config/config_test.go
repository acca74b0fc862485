package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soallak/openvslam/slamerrs"
)

const validYAML = `
Camera:
  model: perspective
  setup: monocular
  cols: 640
  rows: 480
  fx: 500
  fy: 500
  cx: 320
  cy: 240
Feature:
  max_num_keypoints: 1000
  scale_factor: 1.2
  num_levels: 8
`

func TestParseAppliesRelocAndMappingDefaults(t *testing.T) {
	c, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, 0.75, c.Tracking.Reloc.BoWMatchLoweRatio)
	assert.Equal(t, 0.9, c.Tracking.Reloc.ProjMatchLoweRatio)
	assert.Equal(t, 0.8, c.Tracking.Reloc.RobustMatchLoweRatio)
	assert.Equal(t, 20, c.Tracking.Reloc.MinNumBoWMatches)
	assert.Equal(t, 50, c.Tracking.Reloc.MinNumValidObs)
	assert.Equal(t, 0.02, c.Mapping.BaselineDistThrRatio)
	assert.Equal(t, 1.0, c.Mapping.BaselineDistThr)
	assert.Equal(t, 2, c.Mapping.QueueThreshold)
}

func TestParseRejectsUnknownCameraModel(t *testing.T) {
	_, err := Parse([]byte(`
Camera:
  model: made_up
  setup: monocular
  cols: 640
  rows: 480
  fx: 500
  fy: 500
Feature:
  max_num_keypoints: 1000
  scale_factor: 1.2
  num_levels: 8
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, slamerrs.ErrConfigInvalid)
}

func TestParseRejectsStereoWithoutDepthThreshold(t *testing.T) {
	_, err := Parse([]byte(`
Camera:
  model: perspective
  setup: stereo
  cols: 640
  rows: 480
  fx: 500
  fy: 500
Feature:
  max_num_keypoints: 1000
  scale_factor: 1.2
  num_levels: 8
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, slamerrs.ErrConfigInvalid)
}

func TestNewPerspectiveCameraDerivesBaselineFromFocalXBaseline(t *testing.T) {
	c, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	c.Camera.FocalXBaseline = 50 // fx=500 -> baseline 0.1m
	cam, err := c.NewPerspectiveCamera()
	require.NoError(t, err)
	assert.InDelta(t, 0.1, cam.Baseline, 1e-9)
}
