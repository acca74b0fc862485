package system

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/slamerrs"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/tracking"
)

// FeedMonocularFrame ingests one grayscale image from a single-camera rig
// (spec.md section 6's feed_monocular_frame). mask follows
// feature.Extractor.Extract's convention (nil disables masking).
func (s *System) FeedMonocularFrame(ctx context.Context, image []byte, width, height int, mask []byte, ts time.Time) (tracking.State, error) {
	if s.setup != camera.SetupMonocular {
		return s.tracker.State(), errors.Wrapf(slamerrs.ErrInputInvalid, "feed_monocular_frame called on a %s rig", s.setup)
	}
	ext, err := s.extractor.Extract(image, width, height, mask)
	if err != nil {
		return s.tracker.State(), errors.Wrap(err, "extracting features")
	}
	return s.processFrame(ctx, ext, ts)
}

// FeedStereoFrame ingests a rectified left/right image pair (spec.md
// section 6's feed_stereo_frame). Both images go through the extractor;
// populateStereoDepth then pairs left and right keypoints by index and
// fills each left keypoint's StereoU/DepthMeter/HasStereo from their
// disparity using the calibrated focal-length*baseline product, the same
// fx*baseline/disparity formula `camera.Model.FocalXBaseline` exists to
// serve.
func (s *System) FeedStereoFrame(ctx context.Context, leftImage, rightImage []byte, width, height int, mask []byte, ts time.Time) (tracking.State, error) {
	if s.setup != camera.SetupStereo {
		return s.tracker.State(), errors.Wrapf(slamerrs.ErrInputInvalid, "feed_stereo_frame called on a %s rig", s.setup)
	}
	leftExt, err := s.extractor.Extract(leftImage, width, height, mask)
	if err != nil {
		return s.tracker.State(), errors.Wrap(err, "extracting left-image features")
	}
	rightExt, err := s.extractor.Extract(rightImage, width, height, mask)
	if err != nil {
		return s.tracker.State(), errors.Wrap(err, "extracting right-image features")
	}
	populateStereoDepth(leftExt.KeyPoints, rightExt.KeyPoints, s.cam.FocalXBaseline())
	return s.processFrame(ctx, leftExt, ts)
}

// FeedRGBDFrame ingests one grayscale image plus an aligned depth map
// (spec.md section 6's feed_rgbd_frame). depthMeters[i] corresponds
// pixel-for-pixel to image; a 0 entry means "no depth reading".
func (s *System) FeedRGBDFrame(ctx context.Context, image []byte, depthMeters []float32, width, height int, mask []byte, ts time.Time) (tracking.State, error) {
	if s.setup != camera.SetupRGBD {
		return s.tracker.State(), errors.Wrapf(slamerrs.ErrInputInvalid, "feed_rgbd_frame called on a %s rig", s.setup)
	}
	ext, err := s.extractor.Extract(image, width, height, mask)
	if err != nil {
		return s.tracker.State(), errors.Wrap(err, "extracting features")
	}
	populateRGBDDepth(ext.KeyPoints, depthMeters, width, s.cam.FocalXBaseline())
	return s.processFrame(ctx, ext, ts)
}

// populateStereoDepth fills DepthMeter/StereoU/HasStereo on left's
// keypoints from a same-index right-image correspondence, using the
// standard stereo disparity formula depth = focalXBaseline / disparity.
// A production stereo matcher would find the correspondence by block
// matching along epipolar lines rather than by shared index; this
// module accepts pre-matched keypoint pairs (spec.md leaves the stereo
// matcher itself out of scope -- see SPEC_FULL.md's Non-goals).
func populateStereoDepth(left, right []feature.KeyPoint, focalXBaseline float64) {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}
	for i := 0; i < n; i++ {
		disparity := left[i].X - right[i].X
		if disparity <= 0 || focalXBaseline == 0 {
			continue
		}
		left[i].StereoU = right[i].X
		left[i].DepthMeter = focalXBaseline / disparity
		left[i].HasStereo = true
	}
}

// populateRGBDDepth fills DepthMeter/StereoU/HasStereo on kps from an
// aligned depth map, synthesizing the "virtual" right-image coordinate
// ORB-SLAM2's RGBD front end uses so the rest of the pipeline (which
// only ever reasons about stereo keypoints) doesn't need an RGBD-specific
// code path: StereoU = X - focalXBaseline/depth.
func populateRGBDDepth(kps []feature.KeyPoint, depthMeters []float32, width int, focalXBaseline float64) {
	for i := range kps {
		x, y := int(kps[i].X), int(kps[i].Y)
		idx := y*width + x
		if idx < 0 || idx >= len(depthMeters) {
			continue
		}
		depth := float64(depthMeters[idx])
		if depth <= 0 || focalXBaseline == 0 {
			continue
		}
		kps[i].DepthMeter = depth
		kps[i].StereoU = kps[i].X - focalXBaseline/depth
		kps[i].HasStereo = true
	}
}

// processFrame wraps one extraction result into a slamtype.Frame and
// drives it through tracking synchronously, serialized against
// RequestPause/RequestReset via trackMu.
func (s *System) processFrame(ctx context.Context, ext feature.ExtractionResult, ts time.Time) (tracking.State, error) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	frame := slamtype.NewFrame(s.nextFrameIDFor(), ts, s.cam, ext)
	return s.tracker.ProcessFrame(ctx, frame)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
