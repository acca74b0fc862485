// Package slamerrs defines the error taxonomy from spec.md section 7.
// Per-frame failures never terminate the pipeline; only ErrConfigInvalid
// and ErrMapCorruption are fatal. The rest surface as state or are
// silently absorbed, as documented on each sentinel.
package slamerrs

import "github.com/pkg/errors"

// Sentinel errors. Wrap with errors.Wrap/Wrapf and compare with errors.Is.
var (
	// ErrConfigInvalid: unknown camera model, bad numeric range. Fatal at startup.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrInputInvalid: empty image, size mismatch. The offending frame is
	// rejected; engine state is preserved.
	ErrInputInvalid = errors.New("input invalid")

	// ErrTrackLost is not a failure: it signals the Tracking->Lost state
	// transition and triggers relocalization on the next frame.
	ErrTrackLost = errors.New("track lost")

	// ErrOptimizationDiverged: non-finite cost. The optimizer's writeback
	// is discarded, prior state is kept, and a warning is logged.
	ErrOptimizationDiverged = errors.New("optimization diverged")

	// ErrLoopRejected: insufficient Sim(3) inliers or consistency failure.
	// Silent; no map change results.
	ErrLoopRejected = errors.New("loop rejected")

	// ErrMapCorruption: an invariant was found broken during
	// deserialization. Fatal.
	ErrMapCorruption = errors.New("map corruption")

	// ErrCancelled is not an error: it signals an expected early return
	// from an abortable operation (local BA, global BA, relocalization).
	ErrCancelled = errors.New("cancelled")
)

// IsFatal reports whether err should terminate the engine outright, per
// the propagation policy in spec.md section 7.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfigInvalid) || errors.Is(err, ErrMapCorruption)
}

// IsBenign reports whether err is a value representing expected control
// flow rather than a true failure.
func IsBenign(err error) bool {
	return errors.Is(err, ErrTrackLost) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrLoopRejected)
}
