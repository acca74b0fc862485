// Package tracking implements the tracking module (C7 in spec.md
// section 4.6): the per-frame state machine (Initializing/Tracking/Lost)
// and pipeline that turns a raw Frame into a pose estimate, decides
// keyframe insertion, and cooperates with mapping's idle/abort signals.
// Grounded on the teacher's service run-loop shape
// (`viam-orb-slam3.go`'s background-worker ticker loop) generalized to
// the three-state tracker spec.md describes, with the pause/resume/
// reset/terminate handshake expressed as one-shot completion channels
// per spec.md section 9's "Async control via futures" note.
package tracking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	goutils "go.viam.com/utils"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/mapdb"
	"github.com/soallak/openvslam/matcher"
	"github.com/soallak/openvslam/slamerrs"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
)

// idleTickInterval bounds how long Run's loop can block on an empty
// frame channel before re-checking terminate/pause, mirroring the
// teacher's background-ticker shape (viam-orb-slam3.go's data-process
// loop) rather than blocking on the channel forever.
const idleTickInterval = 50 * time.Millisecond

// State is the tracking module's state machine (spec.md section 4.6).
type State int

const (
	StateInitializing State = iota
	StateTracking
	StateLost
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateTracking:
		return "tracking"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// MapperStatus is the cooperation surface mapping exposes to tracking
// (spec.md section 4.6/4.7: "Cooperates with tracking through is_idle(),
// is_skipping_local_BA(), abort_local_BA()").
type MapperStatus interface {
	IsIdle() bool
	IsSkippingLocalBA() bool
	AbortLocalBA()
}

// Params holds the tunables spec.md sections 4.6/6 name.
type Params struct {
	MinInliers            int     // Tracking->Lost threshold, default 10
	RelocMinValidObs      int     // Lost->Tracking threshold, default 50
	LocalMapN             int     // first-order covisibility expansion cap, default 60
	MaxKeyframeInterval   int     // frames
	MinKeyframeInterval   int     // frames
	TrackedRatioThreshold float64 // default 0.9 ("< 90% of reference-KF landmarks")
	MinTrackedLandmarks   int     // default 100
	ScaleFactor           float64 // ORB pyramid scale factor, for inverse-variance weighting
	NumLevels             int     // ORB pyramid level count, for scale-prediction clamping
	ProjectionMargin      float64 // pixels, base radius before scale-factor scaling
	RelocMinBoWMatches    int     // default 20, spec.md Tracking.reloc.min_num_bow_matches
	MatchCfg              matcher.Config
}

// DefaultParams returns spec.md's named defaults.
func DefaultParams() Params {
	return Params{
		MinInliers:            10,
		RelocMinValidObs:      50,
		LocalMapN:             60,
		MaxKeyframeInterval:   30,
		MinKeyframeInterval:   0,
		TrackedRatioThreshold: 0.9,
		MinTrackedLandmarks:   100,
		ScaleFactor:           1.2,
		NumLevels:             8,
		ProjectionMargin:      15,
		RelocMinBoWMatches:    20,
		MatchCfg:              matcher.DefaultConfig(),
	}
}

// future is a one-shot completion signal for the pause/reset/terminate
// handshake (spec.md section 9).
type future chan struct{}

func newFuture() future    { return make(future) }
func (f future) fulfill()  { close(f) }

// Tracker owns the per-frame pipeline and the Initializing/Tracking/Lost
// state machine. A single goroutine (Run) drives it; control requests
// from other goroutines are accepted via atomics/channels and observed
// at the suspension points spec.md section 5 names ("input-queue
// dequeue, explicit pause check, database-lock acquisition").
type Tracker struct {
	db     *mapdb.Database
	cam    camera.Model
	setup  camera.Setup
	params Params
	log    logging.Logger
	mapper MapperStatus

	keyframeQueue chan<- *slamtype.Keyframe

	mu                  sync.Mutex
	state               State
	lastFrame           *slamtype.Frame
	referenceKF         slamtype.KeyframeID
	framesSinceKeyframe int
	initFirstFrame      *slamtype.Frame
	nextKeyframeID      slamtype.KeyframeID
	velocity            spatial.Pose
	haveVelocity        bool

	seedCounter atomic.Int64

	pauseRequested atomic.Bool
	paused         atomic.Bool
	resumeSignal   chan struct{}

	resetRequested atomic.Bool
	terminateRequested atomic.Bool

	ctrlMu          sync.Mutex
	pendingPause    future
	pendingReset    future
	pendingTerminate future
}

// New constructs a Tracker. keyframeQueue is the channel mapping
// consumes from (C8's input queue); mapper is mapping's cooperation
// status surface.
func New(db *mapdb.Database, cam camera.Model, setup camera.Setup, params Params, log logging.Logger, keyframeQueue chan<- *slamtype.Keyframe, mapper MapperStatus) *Tracker {
	if log == nil {
		log = logging.NewNop()
	}
	return &Tracker{
		db:            db,
		cam:           cam,
		setup:         setup,
		params:        params,
		log:           log.Named("tracking"),
		mapper:        mapper,
		keyframeQueue: keyframeQueue,
		state:         StateInitializing,
		resumeSignal:  make(chan struct{}),
		nextKeyframeID: 1,
	}
}

// State returns the current tracking state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	old := t.state
	t.state = s
	t.mu.Unlock()
	if old != s {
		t.log.Infow("state transition", "from", old.String(), "to", s.String())
	}
}

// nextSeed returns a fresh deterministic seed for RANSAC sampling, so
// successive calls within one tracker instance don't repeat the same
// random sequence.
func (t *Tracker) nextSeed() int64 {
	return t.seedCounter.Add(1)
}

// predictPose applies the constant-velocity motion model to last's pose.
// Falls back to last's own pose (zero-velocity) until a velocity has
// been observed.
func (t *Tracker) predictPose(last *slamtype.Frame) spatial.Pose {
	t.mu.Lock()
	vel, have := t.velocity, t.haveVelocity
	t.mu.Unlock()
	if !have {
		return last.Pose
	}
	return spatial.Compose(vel, last.Pose)
}

// updateVelocity recomputes the constant-velocity estimate from the
// transition prev -> curr.
func (t *Tracker) updateVelocity(prev, curr spatial.Pose) {
	t.mu.Lock()
	t.velocity = spatial.Compose(curr, prev.Inverse())
	t.haveVelocity = true
	t.mu.Unlock()
}

// ProcessFrame runs one iteration of the per-frame pipeline (spec.md
// section 4.6). It is the unit tracking's Run loop calls once per
// dequeued frame; exposed directly so tests and an alternative driver
// (e.g. a synchronous CLI) can call it without a goroutine.
func (t *Tracker) ProcessFrame(ctx context.Context, frame *slamtype.Frame) (State, error) {
	if frame == nil || frame.NumKeyPoints() == 0 {
		return t.State(), slamerrs.ErrInputInvalid
	}

	t.observePauseAndReset()

	state := t.State()
	switch state {
	case StateInitializing:
		return t.processInitializing(ctx, frame)
	case StateTracking:
		return t.processTracking(ctx, frame)
	case StateLost:
		return t.processLost(ctx, frame)
	default:
		return state, nil
	}
}

// observePauseAndReset is the suspension-point check spec.md section 5
// requires at "explicit pause check". It performs a reset if one was
// requested, then waits while a pause is in effect, re-checking
// pauseRequested every idleTickInterval as well as on resumeSignal, so a
// resume whose send found no receiver is not lost.
func (t *Tracker) observePauseAndReset() {
	if t.resetRequested.CompareAndSwap(true, false) {
		t.performReset()
	}
	if t.pauseRequested.Load() {
		t.paused.Store(true)
		for t.pauseRequested.Load() {
			t.fulfillPending(&t.pendingPause)
			select {
			case <-t.resumeSignal:
			case <-time.After(idleTickInterval):
			}
		}
		t.paused.Store(false)
	}
}

// ResetNow clears tracking state and the shared database immediately,
// without registering a pending-reset future. Run's background loop
// observes RequestReset's future at its next ProcessFrame call; a caller
// driving ProcessFrame synchronously (system.System's feed_* API) has no
// such next call to wait for, so it resets directly through this method
// instead.
func (t *Tracker) ResetNow() {
	t.performReset()
}

func (t *Tracker) performReset() {
	t.mu.Lock()
	t.lastFrame = nil
	t.initFirstFrame = nil
	t.referenceKF = 0
	t.framesSinceKeyframe = 0
	t.state = StateInitializing
	t.mu.Unlock()
	t.db.Clear()
	t.fulfillPending(&t.pendingReset)
	t.log.Infow("reset complete")
}

func (t *Tracker) fulfillPending(slot *future) {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	if *slot != nil {
		(*slot).fulfill()
		*slot = nil
	}
}

// RequestPause asks the tracker to suspend at its next suspension point;
// the returned channel closes once paused. Mirrors spec.md section 9's
// futures-based pause handshake.
func (t *Tracker) RequestPause() <-chan struct{} {
	t.ctrlMu.Lock()
	if t.pendingPause == nil {
		t.pendingPause = newFuture()
	}
	f := t.pendingPause
	t.ctrlMu.Unlock()
	t.pauseRequested.Store(true)
	return f
}

// RequestResume releases a paused tracker.
func (t *Tracker) RequestResume() {
	t.pauseRequested.Store(false)
	select {
	case t.resumeSignal <- struct{}{}:
	default:
	}
}

// RequestReset asks the tracker to clear its in-memory tracking state and
// the database and re-enter Initializing; the returned channel closes
// once done.
func (t *Tracker) RequestReset() <-chan struct{} {
	t.ctrlMu.Lock()
	if t.pendingReset == nil {
		t.pendingReset = newFuture()
	}
	f := t.pendingReset
	t.ctrlMu.Unlock()
	t.resetRequested.Store(true)
	return f
}

// RequestTerminate asks Run's loop to exit after its current iteration;
// the returned channel closes once Run has returned.
func (t *Tracker) RequestTerminate() <-chan struct{} {
	t.ctrlMu.Lock()
	if t.pendingTerminate == nil {
		t.pendingTerminate = newFuture()
	}
	f := t.pendingTerminate
	t.ctrlMu.Unlock()
	t.terminateRequested.Store(true)
	return f
}

// Run drives the per-frame pipeline from frames, until ctx is cancelled
// or terminate is requested. Suspension happens at the frame-queue
// dequeue (spec.md section 5's suspension-point list). The caller is
// expected to launch Run itself via `goutils.PanicCapturingGo`, so a
// panic deep in the optimizer or matcher doesn't take the whole process
// down. The system coordinator does not run this loop: it calls
// ProcessFrame synchronously from its Feed* methods.
func (t *Tracker) Run(ctx context.Context, frames <-chan *slamtype.Frame) {
	defer t.fulfillPending(&t.pendingTerminate)
	for {
		if t.terminateRequested.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if _, err := t.ProcessFrame(ctx, frame); err != nil && !slamerrs.IsBenign(err) {
				t.log.Warnw("frame processing error", "error", err, "frame_id", frame.ID)
			}
		default:
			// No frame ready: wait up to idleTickInterval so terminate/pause
			// requests are re-checked without blocking forever on an empty
			// channel, the same cadence `viam-orb-slam3.go`'s background
			// ticker loop re-checks cancelCtx.Err() at.
			if !goutils.SelectContextOrWait(ctx, idleTickInterval) {
				return
			}
		}
	}
}
