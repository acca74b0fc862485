// Package mapping implements the mapping module (C8 in spec.md section
// 4.7): a single-threaded consumer of the keyframe queue tracking feeds,
// running the eight-step per-keyframe pipeline (store, cull, triangulate,
// fuse, update connections, local BA, cull redundant keyframes, forward
// to global optimization) and exposing the is_idle/is_skipping_local_BA/
// abort_local_BA cooperation surface tracking's keyframe-insertion policy
// consults. Grounded on the teacher's background-worker run-loop shape,
// the same idiom `tracking.Tracker.Run` uses, and on the original C++
// mapping_module.h's futures-based pause/reset/terminate handshake.
package mapping

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	goutils "go.viam.com/utils"

	"github.com/soallak/openvslam/bow"
	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/mapdb"
	"github.com/soallak/openvslam/matcher"
	"github.com/soallak/openvslam/slamtype"
)

// idleTickInterval bounds how long Run's loop can block on an empty
// keyframe channel before re-checking terminate/pause, mirroring
// tracking.Tracker.Run's cadence.
const idleTickInterval = 50 * time.Millisecond

// BoWVocabulary is the injected descriptor-quantization collaborator
// (spec.md section 1: "external collaborator... this is just storage").
// Mapping calls it once per stored keyframe to compute the BoW vector and
// feature-vector the BoW index and BoW-guided matching consume.
type BoWVocabulary interface {
	Transform(descriptors []feature.Descriptor) (vector bow.Vector, featureVector map[uint32][]int)
}

// GlobalQueue is the forwarding target for step 8: global optimization's
// input queue. A thin interface so mapping doesn't import package global
// (which in turn depends on mapdb/matcher/optimizer the same way mapping
// does, but owns its own lifecycle).
type GlobalQueue interface {
	QueueKeyframe(kf *slamtype.Keyframe)
}

// Params holds the tunables spec.md section 4.7 and config.Mapping name.
type Params struct {
	// BaselineDistThrRatio and BaselineDistThr gate step 3's triangulation
	// candidates: a neighbor qualifies if its baseline to K exceeds
	// max(BaselineDistThr, BaselineDistThrRatio*median_depth(K')) when
	// UseBaselineDistThrRatio is set, else BaselineDistThr alone.
	BaselineDistThrRatio    float64
	BaselineDistThr         float64
	UseBaselineDistThrRatio bool

	// QueueThreshold is step 6's gate: local BA only runs if the queue
	// depth is at most this many keyframes deep.
	QueueThreshold int

	// TriangulationNeighbors caps step 3's covisibility neighbor fan-out
	// (spec.md: "top-10 covisibility neighbor").
	TriangulationNeighbors int

	// CullFoundRatio is step 2's found/visible threshold (default 0.25).
	CullFoundRatio float64
	// CullGraceWindow is the number of keyframes after introduction a
	// recent landmark is still eligible for the found-ratio/observer-count
	// cull (spec.md: "grace window of ~3 keyframes").
	CullGraceWindow int

	// RedundancyObservedRatio and RedundancyMinObservers are step 7's
	// thresholds: a neighbor keyframe is redundant if at least this
	// fraction of its observed landmarks are also seen, at equal-or-finer
	// scale, by at least this many other keyframes.
	RedundancyObservedRatio float64
	RedundancyMinObservers  int

	ScaleFactor float64
	NumLevels   int

	ProjectionMargin float64
	MatchCfg         matcher.Config

	// ParallaxMinDegrees rejects near-degenerate triangulation (rays
	// almost parallel) in step 3.
	ParallaxMinDegrees float64
}

// DefaultParams returns spec.md/config.Mapping's named defaults.
func DefaultParams() Params {
	return Params{
		BaselineDistThrRatio:    0.02,
		BaselineDistThr:         1.0,
		UseBaselineDistThrRatio: true,
		QueueThreshold:          2,
		TriangulationNeighbors:  10,
		CullFoundRatio:          0.25,
		CullGraceWindow:         3,
		RedundancyObservedRatio: 0.9,
		RedundancyMinObservers:  3,
		ScaleFactor:             1.2,
		NumLevels:               8,
		ProjectionMargin:        15,
		MatchCfg:                matcher.DefaultConfig(),
		ParallaxMinDegrees:      1.0,
	}
}

// cullThresholdForSetup resolves spec.md section 9's Open Question #1
// ("2-vs-3 recent-landmark culling threshold") by sensor setup:
// monocular landmarks are seeded from an unscaled two-view triangulation
// and so carry more early false positives, earning the stricter 3-of-
// window requirement; stereo/RGB-D landmarks are seeded with known metric
// depth and use the more lenient 2-of-window variant.
//
// OPEN QUESTION (spec.md section 9): the spec names both "2" and "3" as
// plausible values without picking one; this function is the recorded
// decision, not a silent default (see DESIGN.md's Open Question ledger).
func cullThresholdForSetup(setup camera.Setup) int {
	if setup == camera.SetupMonocular {
		return 3
	}
	return 2
}

// future is a one-shot completion signal for the pause/reset/terminate
// handshake, mirroring tracking's.
type future chan struct{}

func newFuture() future   { return make(future) }
func (f future) fulfill() { close(f) }

// Mapper owns the keyframe-queue consumer loop and the per-keyframe
// pipeline. A single goroutine (Run) drains the queue; tracking and the
// system coordinator observe/drive it through the methods below.
type Mapper struct {
	db     *mapdb.Database
	setup  camera.Setup
	vocab  BoWVocabulary
	global GlobalQueue
	params Params
	log    logging.Logger

	queue       chan *slamtype.Keyframe
	queueDepth  atomic.Int64

	idle            atomic.Bool
	skippingLocalBA atomic.Bool
	abortLocalBA    atomic.Bool

	pauseRequested atomic.Bool
	paused         atomic.Bool
	resumeSignal   chan struct{}

	resetRequested     atomic.Bool
	terminateRequested atomic.Bool

	ctrlMu           sync.Mutex
	pendingPause     future
	pendingReset     future
	pendingTerminate future
}

// New constructs a Mapper. queueCapacity bounds the keyframe queue
// tracking enqueues into (spec.md section 4.6's keyframeQueue target);
// vocab computes BoW vectors for newly stored keyframes; global receives
// every keyframe mapping finishes processing (step 8).
func New(db *mapdb.Database, setup camera.Setup, vocab BoWVocabulary, global GlobalQueue, params Params, log logging.Logger, queueCapacity int) *Mapper {
	if log == nil {
		log = logging.NewNop()
	}
	if queueCapacity <= 0 {
		queueCapacity = 16
	}
	m := &Mapper{
		db:           db,
		setup:        setup,
		vocab:        vocab,
		global:       global,
		params:       params,
		log:          log.Named("mapping"),
		queue:        make(chan *slamtype.Keyframe, queueCapacity),
		resumeSignal: make(chan struct{}),
	}
	m.idle.Store(true)
	return m
}

// QueueKeyframe enqueues kf for processing (tracking's C8 input queue).
// If the queue is full the keyframe is dropped with a warning, per
// spec.md section 5's backpressure note: mapping must never block
// tracking's per-frame loop.
func (m *Mapper) QueueKeyframe(kf *slamtype.Keyframe) {
	select {
	case m.queue <- kf:
		m.queueDepth.Add(1)
	default:
		m.log.Warnw("mapping queue full, dropping keyframe", "keyframe_id", kf.ID)
	}
}

// NumQueuedKeyframes reports the current queue depth, the quantity step
// 6's QueueThreshold gate compares against.
func (m *Mapper) NumQueuedKeyframes() int {
	return int(m.queueDepth.Load())
}

// IsIdle reports whether the mapper is between keyframes, part of the
// MapperStatus surface tracking.Tracker consults before forcing a
// keyframe insertion (spec.md section 4.6 step 3).
func (m *Mapper) IsIdle() bool { return m.idle.Load() }

// IsSkippingLocalBA reports whether the keyframe currently (or most
// recently) processed skipped its local BA step because the queue was
// too deep or an abort was requested.
func (m *Mapper) IsSkippingLocalBA() bool { return m.skippingLocalBA.Load() }

// AbortLocalBA asks an in-flight local BA to stop at its next check; the
// aborted BA's result is discarded, not written back, per spec.md section 4.7/9's
// "abort_local_BA" cooperation hook. Tracking calls this when it urgently
// needs mapping's attention (e.g. forcing a keyframe insertion).
func (m *Mapper) AbortLocalBA() { m.abortLocalBA.Store(true) }

// RequestPause asks the mapper to suspend at its next suspension point
// (the top of Run's loop, before the next dequeue); the returned channel
// closes once paused.
func (m *Mapper) RequestPause() <-chan struct{} {
	m.ctrlMu.Lock()
	if m.pendingPause == nil {
		m.pendingPause = newFuture()
	}
	f := m.pendingPause
	m.ctrlMu.Unlock()
	m.pauseRequested.Store(true)
	m.abortLocalBA.Store(true) // don't make a pause wait out a long local BA
	return f
}

// RequestResume releases a paused mapper.
func (m *Mapper) RequestResume() {
	m.pauseRequested.Store(false)
	select {
	case m.resumeSignal <- struct{}{}:
	default:
	}
}

// RequestReset asks the mapper to drop its queue and return to an empty
// state; the returned channel closes once done.
func (m *Mapper) RequestReset() <-chan struct{} {
	m.ctrlMu.Lock()
	if m.pendingReset == nil {
		m.pendingReset = newFuture()
	}
	f := m.pendingReset
	m.ctrlMu.Unlock()
	m.resetRequested.Store(true)
	return f
}

// RequestTerminate asks Run's loop to exit after its current iteration;
// the returned channel closes once Run has returned.
func (m *Mapper) RequestTerminate() <-chan struct{} {
	m.ctrlMu.Lock()
	if m.pendingTerminate == nil {
		m.pendingTerminate = newFuture()
	}
	f := m.pendingTerminate
	m.ctrlMu.Unlock()
	m.terminateRequested.Store(true)
	return f
}

func (m *Mapper) fulfillPending(slot *future) {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()
	if *slot != nil {
		(*slot).fulfill()
		*slot = nil
	}
}

func (m *Mapper) performReset() {
	for {
		select {
		case kf := <-m.queue:
			m.queueDepth.Add(-1)
			_ = kf
		default:
			m.fulfillPending(&m.pendingReset)
			m.log.Infow("mapping reset complete")
			return
		}
	}
}

// observePauseAndReset is the suspension-point check Run performs at the
// top of every loop iteration, before the next dequeue. While paused it
// re-checks pauseRequested every idleTickInterval as well as on
// resumeSignal, so a resume whose send found no receiver is not lost. A
// reset requested during a pause is performed before the next dequeue.
func (m *Mapper) observePauseAndReset() {
	if m.pauseRequested.Load() {
		m.paused.Store(true)
		for m.pauseRequested.Load() {
			m.fulfillPending(&m.pendingPause)
			select {
			case <-m.resumeSignal:
			case <-time.After(idleTickInterval):
			}
		}
		m.paused.Store(false)
	}
	if m.resetRequested.CompareAndSwap(true, false) {
		m.performReset()
	}
}

// Run drives the per-keyframe pipeline from the internal queue until ctx
// is cancelled or terminate is requested. The caller is expected to
// launch Run via `goutils.PanicCapturingGo` (the system coordinator does
// this for mapping and global optimization).
func (m *Mapper) Run(ctx context.Context) {
	defer m.fulfillPending(&m.pendingTerminate)
	for {
		if m.terminateRequested.Load() {
			return
		}
		m.observePauseAndReset()

		select {
		case <-ctx.Done():
			return
		case kf, ok := <-m.queue:
			if !ok {
				return
			}
			m.queueDepth.Add(-1)
			m.idle.Store(false)
			m.abortLocalBA.Store(false)
			if err := m.processKeyframe(ctx, kf); err != nil {
				m.log.Warnw("keyframe processing error", "error", err, "keyframe_id", kf.ID)
			}
			m.idle.Store(true)
		default:
			if !goutils.SelectContextOrWait(ctx, idleTickInterval) {
				return
			}
		}
	}
}
