package system_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soallak/openvslam/bow"
	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/config"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/system"
)

// stubVocabulary mirrors mapping_test.go's fixed one-word-per-descriptor
// vocabulary stub.
type stubVocabulary struct{}

func (stubVocabulary) Transform(descs []feature.Descriptor) (bow.Vector, map[uint32][]int) {
	vec := make(bow.Vector, len(descs))
	featVec := make(map[uint32][]int, len(descs))
	for i := range descs {
		word := uint32(i)
		vec[word] = 1
		featVec[word] = []int{i}
	}
	return vec, featVec
}

// stubExtractor returns a fixed, deterministic keypoint/descriptor set
// regardless of image contents, enough to drive frames through tracking's
// pipeline without a real ORB implementation.
type stubExtractor struct {
	n int
}

func (s stubExtractor) Extract(image []byte, width, height int, mask []byte) (feature.ExtractionResult, error) {
	ext := feature.ExtractionResult{ScaleFactor: 1.2, NumLevels: 8}
	for i := 0; i < s.n; i++ {
		var desc feature.Descriptor
		desc[0] = uint64(1) << uint(i%63)
		ext.Descriptors = append(ext.Descriptors, desc)
		ext.KeyPoints = append(ext.KeyPoints, feature.KeyPoint{
			X: float64(100 + i*5), Y: float64(100 + i*3), Octave: 0,
		})
	}
	return ext, nil
}

func testConfig(t *testing.T, setup camera.Setup) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Camera: config.Camera{
			Model: "perspective", Setup: setup, Cols: 640, Rows: 480,
			Fx: 500, Fy: 500, Cx: 320, Cy: 240, FocalXBaseline: 40, DepthThreshold: 40,
		},
		Feature: config.Feature{
			MaxNumKeypoints: 1000, ScaleFactor: 1.2, NumLevels: 8,
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestSystem(t *testing.T, setup camera.Setup) *system.System {
	t.Helper()
	cfg := testConfig(t, setup)
	cam, err := cfg.NewPerspectiveCamera()
	require.NoError(t, err)
	return system.New(cfg, cam, stubExtractor{n: 6}, stubVocabulary{}, logging.NewNop())
}

func TestSystemStartProcessesMonocularFramesAndTerminates(t *testing.T) {
	s := newTestSystem(t, camera.SetupMonocular)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	img := make([]byte, 640*480)
	_, err := s.FeedMonocularFrame(ctx, img, 640, 480, nil, time.Now())
	assert.NoError(t, err)

	require.NoError(t, s.RequestTerminate())
}

func TestSystemPauseResumeRoundTrip(t *testing.T) {
	s := newTestSystem(t, camera.SetupMonocular)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	done := make(chan struct{})
	go func() {
		s.RequestPause()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pause was never acknowledged")
	}
	s.RequestResume()

	require.NoError(t, s.RequestTerminate())
}

func TestSystemResetReturnsTrackerToInitializing(t *testing.T) {
	s := newTestSystem(t, camera.SetupMonocular)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	s.RequestReset()
	assert.Equal(t, "initializing", s.TrackingState().String())

	require.NoError(t, s.RequestTerminate())
}

func TestSystemSaveLoadMapRoundTrip(t *testing.T) {
	s := newTestSystem(t, camera.SetupMonocular)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	path := filepath.Join(t.TempDir(), "map.json")
	require.NoError(t, s.SaveMap(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	require.NoError(t, s.LoadMap(path))
	require.NoError(t, s.RequestTerminate())
}

func TestSystemRejectsWrongFeedMethodForSetup(t *testing.T) {
	s := newTestSystem(t, camera.SetupMonocular)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	img := make([]byte, 640*480)
	_, err := s.FeedStereoFrame(ctx, img, img, 640, 480, nil, time.Now())
	assert.Error(t, err)

	require.NoError(t, s.RequestTerminate())
}

func TestPopulateStereoDepthUsesDisparityFormula(t *testing.T) {
	left := []feature.KeyPoint{{X: 110, Y: 50}}
	right := []feature.KeyPoint{{X: 100, Y: 50}}
	system.PopulateStereoDepthForTest(left, right, 400)
	assert.True(t, left[0].HasStereo)
	assert.InDelta(t, 40, left[0].DepthMeter, 1e-9)
}
