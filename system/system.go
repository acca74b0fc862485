// Package system implements the system coordinator (C10 in spec.md
// section 4.9): it owns the three cooperating stage instances
// (tracking, mapping, global optimization), wires tracking's keyframe
// output to mapping's input queue and mapping's output to global's,
// and exposes the public API spec.md section 6 names
// (feed_*_frame, request_pause/resume/reset/terminate, save_map,
// load_map, get_trajectory). Grounded on `services/slam/slam.go`'s
// service lifecycle (`cancelFunc`, `activeBackgroundWorkers`,
// `goutils.PanicCapturingGo`), generalized from one background data
// process to three background loops (mapping, global optimization, and
// the tracking->mapping keyframe forwarder) joined through an
// `errgroup.Group` that `RequestTerminate` waits on. The loops report no
// errors of their own, so that wait returns nil.
package system

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	goutils "go.viam.com/utils"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/config"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/global"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/mapdb"
	"github.com/soallak/openvslam/mapping"
	"github.com/soallak/openvslam/slamerrs"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
	"github.com/soallak/openvslam/tracking"
)

// keyframeQueueCapacity bounds the handoff channel between tracking and
// the forwarder goroutine that calls mapping.Mapper.QueueKeyframe; it
// mirrors mapping's/global's own internal queue capacities (spec.md
// section 5: mapping must never block tracking).
const keyframeQueueCapacity = 16

// globalQueueProxy breaks the construction-order cycle between mapping
// (which needs a GlobalQueue at New time) and global.Global (which needs
// mapping.Mapper, already constructed, as its MappingControl). target is
// set once, before Start, and never mutated again.
type globalQueueProxy struct {
	target *global.Global
}

func (p *globalQueueProxy) QueueKeyframe(kf *slamtype.Keyframe) {
	if p.target != nil {
		p.target.QueueKeyframe(kf)
	}
}

// TrajectoryPoint is one reconstructed pose sample for get_trajectory()
// (spec.md section 6), grounded on SPEC_FULL.md section C.1's frame
// statistics: since FrameStatistics records only a frame's reference
// keyframe (not its own relative offset), a sample's pose is the
// reference keyframe's current (possibly loop-corrected) pose -- an
// approximation, not the frame's own original estimate.
type TrajectoryPoint struct {
	Frame   slamtype.FrameID
	Pose    spatial.Pose
	WasLost bool
}

// System owns the three stage instances and the queues between them.
type System struct {
	cfg       *config.Config
	cam       camera.Model
	setup     camera.Setup
	extractor feature.Extractor
	log       logging.Logger

	db        *mapdb.Database
	tracker   *tracking.Tracker
	mapper    *mapping.Mapper
	globalOpt *global.Global

	keyframeQueue chan *slamtype.Keyframe
	nextFrameID   atomic.Int64

	// trackMu serializes Feed* calls and doubles as the tracking stage's
	// pause lock: RequestPause blocks acquiring it until any in-flight
	// Feed* call releases it, matching spec.md section 4.9's "pause
	// acknowledged only after the current iteration releases locks" for
	// the one stage (tracking) this engine drives synchronously rather
	// than through a background Run loop (tracking.ProcessFrame's doc
	// comment: "an alternative driver... can call it without a
	// goroutine").
	trackMu sync.Mutex

	started atomic.Bool
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

// New wires a System from a validated config, a concrete camera model
// (config.NewPerspectiveCamera or equivalent), a feature extractor, and
// a BoW vocabulary -- both external collaborators per spec.md section 1.
func New(cfg *config.Config, cam camera.Model, extractor feature.Extractor, vocab mapping.BoWVocabulary, log logging.Logger) *System {
	if log == nil {
		log = logging.NewNop()
	}
	log = log.Named("system")

	db := mapdb.New(log)

	gqProxy := &globalQueueProxy{}
	mapper := mapping.New(db, cfg.Camera.Setup, vocab, gqProxy, mappingParamsFromConfig(cfg.Mapping), log, keyframeQueueCapacity)
	globalOpt := global.New(db, mapper, global.DefaultParams(), log, keyframeQueueCapacity)
	gqProxy.target = globalOpt

	keyframeQueue := make(chan *slamtype.Keyframe, keyframeQueueCapacity)
	tracker := tracking.New(db, cam, cfg.Camera.Setup, trackingParamsFromConfig(cfg.Tracking), log, keyframeQueue, mapper)

	return &System{
		cfg:           cfg,
		cam:           cam,
		setup:         cfg.Camera.Setup,
		extractor:     extractor,
		log:           log,
		db:            db,
		tracker:       tracker,
		mapper:        mapper,
		globalOpt:     globalOpt,
		keyframeQueue: keyframeQueue,
	}
}

// mappingParamsFromConfig overlays config.Mapping's recognized keys
// (spec.md section 6) onto mapping.DefaultParams' unnamed remainder.
func mappingParamsFromConfig(c config.Mapping) mapping.Params {
	p := mapping.DefaultParams()
	p.BaselineDistThrRatio = c.BaselineDistThrRatio
	p.BaselineDistThr = c.BaselineDistThr
	p.UseBaselineDistThrRatio = c.UseBaselineDistThrRatio
	p.QueueThreshold = c.QueueThreshold
	return p
}

// trackingParamsFromConfig overlays config.Tracking.Reloc's recognized
// keys onto tracking.DefaultParams' unnamed remainder.
func trackingParamsFromConfig(c config.Tracking) tracking.Params {
	p := tracking.DefaultParams()
	p.RelocMinBoWMatches = c.Reloc.MinNumBoWMatches
	p.RelocMinValidObs = c.Reloc.MinNumValidObs
	p.MatchCfg.BoWRatio = c.Reloc.BoWMatchLoweRatio
	p.MatchCfg.ProjectionRatio = c.Reloc.ProjMatchLoweRatio
	p.MatchCfg.RobustRatio = c.Reloc.RobustMatchLoweRatio
	return p
}

// runStage launches run as a panic-recovering background goroutine
// (goutils.PanicCapturingGo, the teacher's `services/slam/slam.go`
// idiom) and blocks the calling errgroup.Go slot on its completion, so
// Terminate's errgroup.Wait() actually joins it.
func runStage(eg *errgroup.Group, run func(context.Context), ctx context.Context) {
	eg.Go(func() error {
		done := make(chan struct{})
		goutils.PanicCapturingGo(func() {
			defer close(done)
			run(ctx)
		})
		<-done
		return nil
	})
}

// Start launches the mapping and global-optimization stage loops plus
// the tracking->mapping keyframe forwarder. Tracking itself has no
// background loop: Feed* calls drive tracking.Tracker.ProcessFrame
// synchronously (spec.md section 5: "real-time is enforced by the
// producer's frame rate").
func (s *System) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("system already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	eg, _ := errgroup.WithContext(runCtx)
	s.eg = eg

	runStage(eg, s.mapper.Run, runCtx)
	runStage(eg, s.globalOpt.Run, runCtx)
	runStage(eg, func(ctx context.Context) {
		for {
			select {
			case kf, ok := <-s.keyframeQueue:
				if !ok {
					return
				}
				s.mapper.QueueKeyframe(kf)
			case <-ctx.Done():
				return
			}
		}
	}, runCtx)

	return nil
}

// RequestPause blocks until tracking, mapping, and global optimization
// have all suspended.
func (s *System) RequestPause() {
	s.trackMu.Lock()
	mp := s.mapper.RequestPause()
	gp := s.globalOpt.RequestPause()
	<-mp
	<-gp
}

// RequestResume releases a paused System.
func (s *System) RequestResume() {
	s.mapper.RequestResume()
	s.globalOpt.RequestResume()
	s.trackMu.Unlock()
}

// RequestReset drains every stage's queue, clears tracking's in-memory
// state, and clears the shared map database (spec.md section 4.9: "reset
// drains all queues, resets all modules, and clears the database").
// Callers should request and observe a pause first if they need the
// reset to apply atomically from some external frame boundary; Reset
// itself only guarantees no *new* frame is admitted mid-reset (it holds
// trackMu throughout).
func (s *System) RequestReset() {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	mr := s.mapper.RequestReset()
	gr := s.globalOpt.RequestReset()
	<-mr
	<-gr
	s.tracker.ResetNow()
}

// RequestTerminate asks every stage to stop, stops the keyframe
// forwarder, and joins all background goroutines (spec.md section 4.9:
// "terminate waits for each stage to reach quiescent and joins").
func (s *System) RequestTerminate() error {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	mt := s.mapper.RequestTerminate()
	gt := s.globalOpt.RequestTerminate()
	<-mt
	<-gt
	close(s.keyframeQueue)
	s.cancel()
	return s.eg.Wait()
}

// TrackingState returns the tracker's current state tag.
func (s *System) TrackingState() tracking.State {
	return s.tracker.State()
}

// nextFrameIDFor allocates the next monotonic frame id (spec.md
// section 3: "monotonically assigned frame id").
func (s *System) nextFrameIDFor() slamtype.FrameID {
	return slamtype.FrameID(s.nextFrameID.Add(1))
}

// Trajectory reconstructs the recorded pose samples in frame-id order,
// which for this engine's monotonically assigned frame ids is timestamp
// order too (spec.md section 6's get_trajectory()).
func (s *System) Trajectory() []TrajectoryPoint {
	stats := s.db.FrameStatistics()
	out := make([]TrajectoryPoint, 0, len(stats))
	for frameID, stat := range stats {
		kf, ok := s.db.Keyframe(stat.ReferenceKeyframe)
		if !ok {
			continue
		}
		out = append(out, TrajectoryPoint{Frame: frameID, Pose: kf.Pose(), WasLost: stat.WasLost})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frame < out[j].Frame })
	return out
}

// SaveMap serializes the map database to path (spec.md section 6's
// save_map(path)).
func (s *System) SaveMap(path string) error {
	data, err := s.db.Serialize()
	if err != nil {
		return errors.Wrap(err, "serializing map")
	}
	return writeFile(path, data)
}

// LoadMap replaces the map database's contents from path (spec.md
// section 6's load_map(path)). Callers should RequestReset or otherwise
// ensure tracking/mapping/global are paused first: LoadMap does not
// itself pause the running stages.
func (s *System) LoadMap(path string) error {
	data, err := readFile(path)
	if err != nil {
		return errors.Wrap(err, "reading map file")
	}
	if err := s.db.Deserialize(data); err != nil {
		return errors.Wrap(slamerrs.ErrMapCorruption, err.Error())
	}
	return nil
}
