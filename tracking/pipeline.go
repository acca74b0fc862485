package tracking

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/soallak/openvslam/bow"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/mapdb"
	"github.com/soallak/openvslam/matcher"
	"github.com/soallak/openvslam/optimizer"
	"github.com/soallak/openvslam/slamerrs"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
)

// processInitializing implements spec.md section 4.6's monocular
// bootstrap: the first frame seen becomes the reference, held at the
// identity pose; once a later frame accumulates enough robust matches
// against it, EstimateRelativePose recovers the second keyframe's pose
// and a triangulated seed map, and tracking transitions to Tracking.
func (t *Tracker) processInitializing(ctx context.Context, frame *slamtype.Frame) (State, error) {
	t.mu.Lock()
	first := t.initFirstFrame
	t.mu.Unlock()

	if first == nil {
		frame.Pose = spatial.Identity()
		frame.PoseSet = true
		t.mu.Lock()
		t.initFirstFrame = frame
		t.mu.Unlock()
		return StateInitializing, nil
	}

	matches := matcher.RobustMatch(first.Descriptors, bearingsOf(first), frame.Descriptors, bearingsOf(frame), t.params.MatchCfg, t.nextSeed())
	matches = matcher.OrientationConsistencyFilter(matches, anglesOf(first.KeyPoints), anglesOf(frame.KeyPoints))
	if len(matches) < 8 {
		return StateInitializing, nil
	}

	rel, points, inlierMask, ok := matcher.EstimateRelativePose(bearingsOf(first), bearingsOf(frame), matches, t.nextSeed())
	if !ok {
		return StateInitializing, nil
	}

	numInliers := 0
	for _, v := range inlierMask {
		if v {
			numInliers++
		}
	}
	// Bootstrap requires a sturdier margin than steady-state tracking: a
	// thin two-view geometry estimate here seeds every landmark the map
	// starts from.
	if numInliers < 3*t.params.MinInliers {
		return StateInitializing, nil
	}

	frame.Pose = spatial.Pose{Rotation: rel.Rotation, Translation: rel.Translation}
	frame.PoseSet = true

	kf1 := t.insertBootstrapKeyframe(first)
	kf2 := t.insertBootstrapKeyframe(frame)

	// points is indexed over the inlier subsequence of matches (the set
	// EstimateRelativePose triangulated), not over matches itself.
	pointIdx := 0
	for i, m := range matches {
		if !inlierMask[i] {
			continue
		}
		p := points[pointIdx]
		pointIdx++
		lmID := t.db.NewLandmarkID()
		lm := slamtype.NewLandmark(lmID, p, kf1.ID, kf1.ID)
		lm.AddObservation(kf1.ID, m.CurrIdx)
		lm.AddObservation(kf2.ID, m.RefIdx)
		t.db.AddLandmark(lm)
		kf1.AddObservation(m.CurrIdx, lmID)
		kf2.AddObservation(m.RefIdx, lmID)
	}
	t.db.UpdateConnections(kf1.ID)
	t.db.UpdateConnections(kf2.ID)

	t.mu.Lock()
	t.lastFrame = frame
	t.referenceKF = kf2.ID
	t.framesSinceKeyframe = 0
	t.initFirstFrame = nil
	t.state = StateTracking
	t.mu.Unlock()

	t.log.Infow("monocular initialization complete", "landmarks", numInliers, "keyframe_1", kf1.ID, "keyframe_2", kf2.ID)
	t.enqueueKeyframe(kf1)
	t.enqueueKeyframe(kf2)
	return StateTracking, nil
}

func (t *Tracker) insertBootstrapKeyframe(f *slamtype.Frame) *slamtype.Keyframe {
	t.mu.Lock()
	id := t.nextKeyframeID
	t.nextKeyframeID++
	t.mu.Unlock()
	kf := slamtype.NewKeyframe(id, f)
	t.db.AddKeyframe(kf)
	return kf
}

// processTracking implements spec.md section 4.6's steady-state per-frame
// pipeline: motion-model projection tracking, falling back to BoW then
// robust matching against the reference keyframe; pose-only
// optimization; local-map expansion and reprojection; keyframe-insertion
// decision.
func (t *Tracker) processTracking(ctx context.Context, frame *slamtype.Frame) (State, error) {
	t.mu.Lock()
	last := t.lastFrame
	refKFID := t.referenceKF
	t.mu.Unlock()

	var obs []optimizer.Observation
	var kpIdx []int
	var initPose spatial.Pose

	if last != nil && last.PoseSet {
		predicted := t.predictPose(last)
		localIDs := t.db.LocalLandmarks()
		if len(localIDs) == 0 {
			localIDs = localLandmarksFromFrame(last)
		}
		matches, order := t.projectLocalLandmarks(frame, predicted, localIDs)
		if len(matches) >= t.params.MinInliers {
			obs, kpIdx = t.observationsFromProjection(frame, matches, order)
			initPose = predicted
		}
	}

	var refKF *slamtype.Keyframe
	if obs == nil {
		var ok bool
		refKF, ok = t.db.Keyframe(refKFID)
		if !ok {
			return t.markLost()
		}
		matches := t.bowMatchAgainstKeyframe(frame, refKF)
		if len(matches) < t.params.MinInliers {
			matches = t.robustMatchAgainstKeyframe(frame, refKF)
		}
		if len(matches) < t.params.MinInliers {
			return t.markLost()
		}
		obs, kpIdx = t.observationsFromKeyframeMatches(frame, refKF, matches)
		if last != nil && last.PoseSet {
			initPose = last.Pose
		} else {
			initPose = refKF.Pose()
		}
	}

	if len(obs) < t.params.MinInliers {
		return t.markLost()
	}

	result := optimizer.PoseOnly(ctx, optimizer.PoseOnlyInput{
		InitialPose:  initPose,
		Camera:       frame.Camera,
		Observations: obs,
	})
	if result.Diverged || result.NumInliers < t.params.MinInliers {
		return t.markLost()
	}

	prevPose := initPose
	if last != nil && last.PoseSet {
		prevPose = last.Pose
	}
	frame.Pose = result.Pose
	frame.PoseSet = true
	t.applyInlierMask(frame, obs, kpIdx, result.InlierMask)
	t.updateVelocity(prevPose, frame.Pose)

	t.expandLocalMap(refKFID)
	t.reprojectLocalMap(ctx, frame)

	t.mu.Lock()
	t.lastFrame = frame
	t.framesSinceKeyframe++
	t.mu.Unlock()

	t.db.UpdateFrameStatistics(frame.ID, mapdb.FrameStatistics{ReferenceKeyframe: refKFID})

	if t.shouldInsertKeyframe(frame, refKFID) {
		t.insertKeyframe(frame)
	}

	return StateTracking, nil
}

// markLost transitions to Lost and reports the non-fatal ErrTrackLost
// control-flow signal (spec.md section 4.6/7).
func (t *Tracker) markLost() (State, error) {
	t.setState(StateLost)
	return StateLost, slamerrs.ErrTrackLost
}

// processLost implements spec.md section 4.6's relocalization path: BoW
// candidate retrieval over the whole map, BoW-guided matching per
// candidate, pose-only optimization, accepted only once a candidate
// clears RelocMinValidObs inliers.
func (t *Tracker) processLost(ctx context.Context, frame *slamtype.Frame) (State, error) {
	vec, _, ok := frame.BoW()
	if !ok || len(vec) == 0 {
		return StateLost, slamerrs.ErrTrackLost
	}
	clusterFn := func(kf slamtype.KeyframeID) []slamtype.KeyframeID {
		return t.db.Covisibility().GetTopNCovisibilities(kf, t.params.LocalMapN)
	}
	candidates := t.db.BoW().RetrieveForRelocalization(bow.Vector(vec), clusterFn)

	for _, cand := range candidates {
		kf, ok := t.db.Keyframe(cand.Keyframe)
		if !ok {
			continue
		}
		matches := t.bowMatchAgainstKeyframe(frame, kf)
		if len(matches) < t.params.RelocMinBoWMatches {
			continue
		}
		obs, kpIdx := t.observationsFromKeyframeMatches(frame, kf, matches)
		if len(obs) < t.params.MinInliers {
			continue
		}
		result := optimizer.PoseOnly(ctx, optimizer.PoseOnlyInput{
			InitialPose:  kf.Pose(),
			Camera:       frame.Camera,
			Observations: obs,
		})
		if result.Diverged || result.NumInliers < t.params.RelocMinValidObs {
			continue
		}

		frame.Pose = result.Pose
		frame.PoseSet = true
		t.applyInlierMask(frame, obs, kpIdx, result.InlierMask)

		t.mu.Lock()
		t.referenceKF = kf.ID
		t.framesSinceKeyframe = 0
		t.lastFrame = frame
		t.haveVelocity = false
		t.state = StateTracking
		t.mu.Unlock()
		t.log.Infow("relocalized", "keyframe_id", kf.ID, "inliers", result.NumInliers)
		return StateTracking, nil
	}
	return StateLost, slamerrs.ErrTrackLost
}

// projectLocalLandmarks builds projection targets for the given landmark
// set at the predicted pose and matches them against frame's keypoint
// grid. order[i] is the landmark id a returned Match.RefIdx == i refers
// to.
func (t *Tracker) projectLocalLandmarks(frame *slamtype.Frame, pose spatial.Pose, landmarkIDs []slamtype.LandmarkID) ([]matcher.Match, []slamtype.LandmarkID) {
	var targets []matcher.ProjectionTarget
	var order []slamtype.LandmarkID
	var refAngles []float64
	for _, lmID := range landmarkIDs {
		lm, ok := t.db.Landmark(lmID)
		if !ok || lm.IsBad() {
			continue
		}
		camPoint := pose.Transform(lm.Position())
		px, ok := frame.Camera.Project(camPoint)
		if !ok {
			continue
		}
		idx := len(order)
		order = append(order, lmID)
		refAngles = append(refAngles, t.landmarkAngle(lm))
		targets = append(targets, matcher.ProjectionTarget{
			RefIndex:        idx,
			PredictedPixel:  px,
			PredictedOctave: predictOctave(lm, camPoint, t.params.ScaleFactor, t.params.NumLevels),
			Descriptor:      lm.Descriptor(),
		})
	}
	already := make(map[int]bool, len(frame.Landmarks))
	for i, lmID := range frame.Landmarks {
		if lmID != slamtype.NoLandmark {
			already[i] = true
		}
	}
	matches := matcher.ProjectionMatch(targets, frame.Descriptors, frame.KeyPoints, frame.Grid, t.params.ProjectionMargin, t.params.ScaleFactor, t.params.MatchCfg, already)
	matches = matcher.OrientationConsistencyFilter(matches, anglesOf(frame.KeyPoints), refAngles)
	return matches, order
}

// landmarkAngle returns the keypoint angle lm was first observed at in its
// reference keyframe -- the representative orientation projection matching
// checks a projected match against, since a landmark has no angle of its
// own (spec.md section 4.4's orientation consistency filter).
func (t *Tracker) landmarkAngle(lm *slamtype.Landmark) float64 {
	refKFID := lm.ReferenceKeyframe()
	idx, ok := lm.IndexInKeyframe(refKFID)
	if !ok {
		return 0
	}
	kf, ok := t.db.Keyframe(refKFID)
	if !ok || idx >= len(kf.KeyPoints) {
		return 0
	}
	return kf.KeyPoints[idx].Angle
}

// predictOctave implements the ORB-SLAM scale-prediction heuristic: a
// landmark farther than its cached d_max projects into a coarser octave.
func predictOctave(lm *slamtype.Landmark, camPoint r3.Vector, scaleFactor float64, numLevels int) int {
	_, dMax := lm.ScaleBounds()
	dist := camPoint.Norm()
	if dMax <= 0 || dist <= 0 || scaleFactor <= 1 {
		return 0
	}
	level := int(math.Ceil(math.Log(dMax/dist) / math.Log(scaleFactor)))
	if level < 0 {
		level = 0
	}
	if numLevels > 0 && level > numLevels-1 {
		level = numLevels - 1
	}
	return level
}

func invSigma2ForOctave(octave int, scaleFactor float64) float64 {
	s := math.Pow(scaleFactor, float64(octave))
	return 1.0 / (s * s)
}

// observationsFromProjection turns projection matches into optimizer
// observations, recording each keypoint's new landmark association on
// frame as a side effect. kpIdx[i] is the frame keypoint index
// obs[i] came from.
func (t *Tracker) observationsFromProjection(frame *slamtype.Frame, matches []matcher.Match, order []slamtype.LandmarkID) (obs []optimizer.Observation, kpIdx []int) {
	for _, m := range matches {
		lmID := order[m.RefIdx]
		lm, ok := t.db.Landmark(lmID)
		if !ok {
			continue
		}
		o := observationFor(frame, m.CurrIdx, lmID, lm.Position(), t.params.ScaleFactor)
		obs = append(obs, o)
		kpIdx = append(kpIdx, m.CurrIdx)
		frame.Landmarks[m.CurrIdx] = lmID
		frame.Outliers[m.CurrIdx] = false
	}
	return obs, kpIdx
}

// observationsFromKeyframeMatches resolves each match's reference-side
// keypoint index to the landmark that keyframe observes there.
func (t *Tracker) observationsFromKeyframeMatches(frame *slamtype.Frame, kf *slamtype.Keyframe, matches []matcher.Match) (obs []optimizer.Observation, kpIdx []int) {
	for _, m := range matches {
		lmID, ok := kf.Observation(m.RefIdx)
		if !ok {
			continue
		}
		lm, ok := t.db.Landmark(lmID)
		if !ok || lm.IsBad() {
			continue
		}
		o := observationFor(frame, m.CurrIdx, lmID, lm.Position(), t.params.ScaleFactor)
		obs = append(obs, o)
		kpIdx = append(kpIdx, m.CurrIdx)
		frame.Landmarks[m.CurrIdx] = lmID
		frame.Outliers[m.CurrIdx] = false
	}
	return obs, kpIdx
}

func observationFor(frame *slamtype.Frame, kpIdx int, lmID slamtype.LandmarkID, world r3.Vector, scaleFactor float64) optimizer.Observation {
	kp := frame.KeyPoints[kpIdx]
	o := optimizer.Observation{
		Landmark:  lmID,
		Pixel:     r2.Point{X: kp.X, Y: kp.Y},
		InvSigma2: invSigma2ForOctave(kp.Octave, scaleFactor),
		World:     world,
	}
	if kp.HasStereo {
		o.HasStereo = true
		o.StereoU = kp.StereoU
	}
	return o
}

// applyInlierMask marks rejected observations as outliers on frame (spec.md
// section 4.5: "rejected without removing") and updates each landmark's
// visible/found counters for the culling ratio (spec.md section 3).
func (t *Tracker) applyInlierMask(frame *slamtype.Frame, obs []optimizer.Observation, kpIdx []int, inliers []bool) {
	for i, o := range obs {
		lm, ok := t.db.Landmark(o.Landmark)
		if !ok {
			continue
		}
		lm.IncrementVisible(1)
		if inliers[i] {
			lm.IncrementFound(1)
			continue
		}
		frame.Outliers[kpIdx[i]] = true
	}
}

func (t *Tracker) bowMatchAgainstKeyframe(frame *slamtype.Frame, kf *slamtype.Keyframe) []matcher.Match {
	_, curFeatVec, ok := frame.BoW()
	if !ok {
		return nil
	}
	_, kfFeatVec := kf.BoW()
	if kfFeatVec == nil {
		return nil
	}
	matches := matcher.BoWMatch(frame.Descriptors, curFeatVec, kf.Descriptors, kfFeatVec, t.params.MatchCfg)
	return matcher.OrientationConsistencyFilter(matches, anglesOf(frame.KeyPoints), anglesOf(kf.KeyPoints))
}

func (t *Tracker) robustMatchAgainstKeyframe(frame *slamtype.Frame, kf *slamtype.Keyframe) []matcher.Match {
	matches := matcher.RobustMatch(frame.Descriptors, bearingsOf(frame), kf.Descriptors, kfBearings(kf), t.params.MatchCfg, t.nextSeed())
	return matcher.OrientationConsistencyFilter(matches, anglesOf(frame.KeyPoints), anglesOf(kf.KeyPoints))
}

// expandLocalMap implements spec.md section 4.6 step 2: the local map is
// the union of observations from the reference keyframe and its first-order
// covisibility neighbors, capped at LocalMapN.
func (t *Tracker) expandLocalMap(refKFID slamtype.KeyframeID) {
	neighbors := t.db.Covisibility().GetTopNCovisibilities(refKFID, t.params.LocalMapN)
	neighbors = append(neighbors, refKFID)

	seen := make(map[slamtype.LandmarkID]struct{})
	var ids []slamtype.LandmarkID
	for _, kfID := range neighbors {
		kf, ok := t.db.Keyframe(kfID)
		if !ok {
			continue
		}
		for _, lmID := range kf.Observations() {
			if _, dup := seen[lmID]; dup {
				continue
			}
			seen[lmID] = struct{}{}
			ids = append(ids, lmID)
		}
	}
	t.db.SetLocalLandmarks(ids)
}

// reprojectLocalMap re-runs projection matching against the expanded
// local map at the freshly-estimated pose and refines the pose once
// more against the enlarged observation set (spec.md section 4.6 step 2's
// "update local landmarks, reproject, re-optimize").
func (t *Tracker) reprojectLocalMap(ctx context.Context, frame *slamtype.Frame) {
	localIDs := t.db.LocalLandmarks()
	matches, order := t.projectLocalLandmarks(frame, frame.Pose, localIDs)
	if len(matches) == 0 {
		return
	}
	obs, kpIdx := t.observationsFromProjection(frame, matches, order)
	if len(obs) == 0 {
		return
	}
	result := optimizer.PoseOnly(ctx, optimizer.PoseOnlyInput{
		InitialPose:  frame.Pose,
		Camera:       frame.Camera,
		Observations: obs,
	})
	if result.Diverged {
		return
	}
	frame.Pose = result.Pose
	t.applyInlierMask(frame, obs, kpIdx, result.InlierMask)
}

// shouldInsertKeyframe implements spec.md section 4.6 step 3's
// keyframe-insertion policy: enough frames since the last insertion, and
// either the tracked-landmark ratio against the reference keyframe has
// dropped below threshold or the maximum interval has elapsed, gated by
// mapping being idle (unless the interval is already overdue).
func (t *Tracker) shouldInsertKeyframe(frame *slamtype.Frame, refKFID slamtype.KeyframeID) bool {
	t.mu.Lock()
	since := t.framesSinceKeyframe
	t.mu.Unlock()
	if since < t.params.MinKeyframeInterval {
		return false
	}

	tracked := frame.TrackedLandmarkCount()
	if tracked < t.params.MinTrackedLandmarks {
		return false
	}

	refKF, ok := t.db.Keyframe(refKFID)
	if !ok {
		return false
	}
	refTracked := refKF.NumObservations()
	ratioLow := refTracked > 0 && float64(tracked) < t.params.TrackedRatioThreshold*float64(refTracked)
	intervalExceeded := since >= t.params.MaxKeyframeInterval
	mapperIdle := t.mapper == nil || t.mapper.IsIdle()

	return (intervalExceeded || ratioLow) && (mapperIdle || intervalExceeded)
}

// insertKeyframe promotes frame to a durable Keyframe, registers its
// existing landmark observations both ways, and hands it to mapping's
// input queue.
func (t *Tracker) insertKeyframe(frame *slamtype.Frame) {
	t.mu.Lock()
	id := t.nextKeyframeID
	t.nextKeyframeID++
	t.mu.Unlock()

	kf := slamtype.NewKeyframe(id, frame)
	t.db.AddKeyframe(kf)
	for i, lmID := range frame.Landmarks {
		if lmID == slamtype.NoLandmark || frame.Outliers[i] {
			continue
		}
		if lm, ok := t.db.Landmark(lmID); ok {
			lm.AddObservation(id, i)
		}
	}
	t.db.UpdateConnections(id)

	t.mu.Lock()
	t.referenceKF = id
	t.framesSinceKeyframe = 0
	t.mu.Unlock()

	t.enqueueKeyframe(kf)
}

func (t *Tracker) enqueueKeyframe(kf *slamtype.Keyframe) {
	if t.keyframeQueue == nil {
		return
	}
	select {
	case t.keyframeQueue <- kf:
	default:
		t.log.Warnw("keyframe queue full, dropping insertion signal", "keyframe_id", kf.ID)
	}
}

func localLandmarksFromFrame(f *slamtype.Frame) []slamtype.LandmarkID {
	var out []slamtype.LandmarkID
	for i, lm := range f.Landmarks {
		if lm != slamtype.NoLandmark && !f.Outliers[i] {
			out = append(out, lm)
		}
	}
	return out
}

func bearingsOf(f *slamtype.Frame) []r3.Vector {
	out := make([]r3.Vector, len(f.KeyPoints))
	for i, kp := range f.KeyPoints {
		out[i] = kp.Bearing
	}
	return out
}

func kfBearings(kf *slamtype.Keyframe) []r3.Vector {
	out := make([]r3.Vector, len(kf.KeyPoints))
	for i, kp := range kf.KeyPoints {
		out[i] = kp.Bearing
	}
	return out
}

// anglesOf extracts the dominant-orientation angle of each keypoint, the
// input matcher.OrientationConsistencyFilter bins into 30-degree histogram
// buckets (spec.md section 4.4).
func anglesOf(kps []feature.KeyPoint) []float64 {
	out := make([]float64, len(kps))
	for i, kp := range kps {
		out[i] = kp.Angle
	}
	return out
}
