package main

import (
	"context"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/slamerrs"
	"github.com/soallak/openvslam/system"
)

// feedDataset drives sys's feed_* API once per dataset frame, dispatching
// on the configured camera setup (spec.md section 6's Camera.setup),
// until ctx is cancelled, a fatal error surfaces, or the dataset is
// exhausted. Per-frame failures (ErrInputInvalid, a rejected relocalization
// attempt, ...) are logged and skipped per spec.md section 7's
// propagation policy; only slamerrs.IsFatal errors abort the loop.
// Width/height for each call come from the record itself so
// mixed-resolution fixtures still round-trip correctly.
func feedDataset(ctx context.Context, sys *system.System, setup camera.Setup, frames []frameRecord, log logging.Logger) error {
	placeholderImage := make([]byte, 1)
	for _, rec := range frames {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ts := timestampOf(rec)
		var err error
		switch setup {
		case camera.SetupStereo:
			_, err = sys.FeedStereoFrame(ctx, placeholderImage, placeholderImage, rec.Width, rec.Height, nil, ts)
		case camera.SetupRGBD:
			_, err = sys.FeedRGBDFrame(ctx, placeholderImage, rec.DepthMeters, rec.Width, rec.Height, nil, ts)
		default:
			_, err = sys.FeedMonocularFrame(ctx, placeholderImage, rec.Width, rec.Height, nil, ts)
		}
		if err == nil || slamerrs.IsBenign(err) {
			continue
		}
		if slamerrs.IsFatal(err) {
			return err
		}
		log.Warnw("frame rejected", "error", err)
	}
	return nil
}
