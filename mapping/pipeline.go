package mapping

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/soallak/openvslam/bow"
	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/mapdb"
	"github.com/soallak/openvslam/matcher"
	"github.com/soallak/openvslam/optimizer"
	"github.com/soallak/openvslam/slamtype"
)

// processKeyframe runs spec.md section 4.7's eight-step pipeline on one
// dequeued keyframe.
func (m *Mapper) processKeyframe(ctx context.Context, kf *slamtype.Keyframe) error {
	m.storeKeyframe(kf)
	m.cullRecentLandmarks(kf)
	m.triangulateNewLandmarks(kf)
	m.fuseDuplicates(kf)
	m.db.UpdateConnections(kf.ID)

	if m.NumQueuedKeyframes() <= m.params.QueueThreshold && !m.abortLocalBA.Load() {
		m.skippingLocalBA.Store(false)
		m.runLocalBA(ctx, kf)
	} else {
		m.skippingLocalBA.Store(true)
	}

	m.cullRedundantKeyframes(kf)

	if m.global != nil {
		m.global.QueueKeyframe(kf)
	}
	return nil
}

// storeKeyframe implements step 1: compute BoW, register it in the BoW
// index, refresh K's covisibility edges from its (tracking-supplied)
// observations, and set its spanning-tree parent to the neighbor it
// shares the most landmarks with. kf is already registered in the
// database by tracking at insertion time (spec.md section 4.6 steps
// 1/3); this step is the spec-authoritative point for BoW and
// spanning-tree bookkeeping, which depend on observations tracking
// alone cannot finalize.
func (m *Mapper) storeKeyframe(kf *slamtype.Keyframe) {
	if m.vocab != nil {
		if vec, _ := kf.BoW(); vec == nil {
			vector, featVec := m.vocab.Transform(kf.Descriptors)
			kf.SetBoW(vector, featVec)
			m.db.BoW().Add(kf.ID, bow.Vector(vector))
		}
	}

	m.db.UpdateConnections(kf.ID)

	if origin, ok := m.db.Origin(); ok && kf.ID != origin {
		if parent := m.db.Covisibility().GetTopNCovisibilities(kf.ID, 1); len(parent) > 0 {
			m.db.SpanningTree().SetParent(kf.ID, parent[0])
		}
	}
}

// cullRecentLandmarks implements step 2: a landmark introduced within
// cullGraceWindow keyframes of kf is erased if its found/visible ratio is
// too low, or if it hasn't accumulated enough observers yet -- the
// "recent landmark" culling pass spec.md section 3 describes.
func (m *Mapper) cullRecentLandmarks(kf *slamtype.Keyframe) {
	minObservers := cullThresholdForSetup(m.setup)
	for _, lm := range m.db.GetAllLandmarks() {
		if lm.IsBad() {
			continue
		}
		age := int(kf.ID - lm.IntroducedAtKeyframe())
		if age < 0 || age > m.params.CullGraceWindow {
			continue // graduated past the grace window, or not yet introduced
		}
		if lm.FoundRatio() < m.params.CullFoundRatio || lm.NumObservations() < minObservers {
			m.db.EraseLandmark(lm.ID)
		}
	}
}

// triangulateNewLandmarks implements step 3: for each of K's top-N
// covisibility neighbors whose baseline to K clears the threshold,
// BoW-guided match the unobserved keypoints of both, triangulate each
// pair, and keep the ones with positive depth in both cameras, adequate
// parallax, and small reprojection error (standing in for the reference
// engine's explicit epipolar-line check: a pair that reprojects
// accurately into both images necessarily lies close to both epipolar
// lines).
func (m *Mapper) triangulateNewLandmarks(kf *slamtype.Keyframe) {
	neighbors := m.db.Covisibility().GetTopNCovisibilities(kf.ID, m.params.TriangulationNeighbors)
	kfCenter := kf.Pose().Inverse().Translation

	for _, nbID := range neighbors {
		nb, ok := m.db.Keyframe(nbID)
		if !ok || nb.IsBad() {
			continue
		}
		nbCenter := nb.Pose().Inverse().Translation
		baseline := kfCenter.Sub(nbCenter).Norm()
		if baseline < m.baselineThreshold(nb) {
			continue
		}

		matches := m.unmatchedBoWMatches(kf, nb)
		for _, match := range matches {
			m.triangulateMatch(kf, nb, match, kfCenter, nbCenter)
		}
	}
}

// baselineThreshold implements the ratio-vs-fixed baseline gate spec.md
// section 4.7 step 3 names: max(BaselineDistThr, ratio*median_depth(nb))
// when UseBaselineDistThrRatio is set, else the fixed threshold alone.
func (m *Mapper) baselineThreshold(nb *slamtype.Keyframe) float64 {
	if !m.params.UseBaselineDistThrRatio {
		return m.params.BaselineDistThr
	}
	ratioThr := m.params.BaselineDistThrRatio * m.medianObservedDepth(nb)
	if ratioThr > m.params.BaselineDistThr {
		return ratioThr
	}
	return m.params.BaselineDistThr
}

// medianObservedDepth returns the median camera-frame depth of kf's
// currently observed landmarks, the scale reference spec.md section
// 4.7 step 3's ratio threshold is measured against.
func (m *Mapper) medianObservedDepth(kf *slamtype.Keyframe) float64 {
	pose := kf.Pose()
	obs := kf.Observations()
	if len(obs) == 0 {
		return 0
	}
	depths := make([]float64, 0, len(obs))
	for _, lmID := range obs {
		lm, ok := m.db.Landmark(lmID)
		if !ok || lm.IsBad() {
			continue
		}
		depths = append(depths, pose.Transform(lm.Position()).Z)
	}
	if len(depths) == 0 {
		return 0
	}
	sort.Float64s(depths)
	return depths[len(depths)/2]
}

// unmatchedBoWMatches walks kf and nb's BoW feature-vectors in lockstep
// (matcher.BoWMatch), keeping only pairs where neither side currently
// observes a landmark -- the "unmatched (K,K') keypoint pair" spec.md
// section 4.7 step 3 requires.
func (m *Mapper) unmatchedBoWMatches(kf, nb *slamtype.Keyframe) []matcher.Match {
	_, kfFeatVec := kf.BoW()
	_, nbFeatVec := nb.BoW()
	if kfFeatVec == nil || nbFeatVec == nil {
		return nil
	}
	raw := matcher.BoWMatch(kf.Descriptors, kfFeatVec, nb.Descriptors, nbFeatVec, m.params.MatchCfg)
	raw = matcher.OrientationConsistencyFilter(raw, anglesOf(kf.KeyPoints), anglesOf(nb.KeyPoints))
	out := raw[:0]
	for _, match := range raw {
		if _, ok := kf.Observation(match.CurrIdx); ok {
			continue
		}
		if _, ok := nb.Observation(match.RefIdx); ok {
			continue
		}
		out = append(out, match)
	}
	return out
}

// triangulateMatch triangulates one unmatched keypoint pair and, if it
// passes the cheirality/parallax/reprojection gates, creates a new
// landmark observed by both keyframes.
func (m *Mapper) triangulateMatch(kf, nb *slamtype.Keyframe, match matcher.Match, kfCenter, nbCenter r3.Vector) {
	kp1 := kf.KeyPoints[match.CurrIdx]
	kp2 := nb.KeyPoints[match.RefIdx]

	point, depth1, depth2, ok := matcher.TriangulateTwoView(kf.Pose(), nb.Pose(), kp1.Bearing, kp2.Bearing)
	if !ok || depth1 <= 0 || depth2 <= 0 {
		return
	}

	ray1 := point.Sub(kfCenter)
	ray2 := point.Sub(nbCenter)
	cosParallax := ray1.Dot(ray2) / (ray1.Norm() * ray2.Norm())
	parallaxDeg := math.Acos(clampUnit(cosParallax)) * 180 / math.Pi
	if parallaxDeg < m.params.ParallaxMinDegrees {
		return
	}

	if !reprojectsWithin(kf, point, kp1, 4.0) || !reprojectsWithin(nb, point, kp2, 4.0) {
		return
	}

	lmID := m.db.NewLandmarkID()
	lm := slamtype.NewLandmark(lmID, point, kf.ID, kf.ID)
	lm.AddObservation(kf.ID, match.CurrIdx)
	lm.AddObservation(nb.ID, match.RefIdx)
	m.db.AddLandmark(lm)
	kf.AddObservation(match.CurrIdx, lmID)
	nb.AddObservation(match.RefIdx, lmID)
	recomputeLandmarkAttributes(m.db, lm)
}

func reprojectsWithin(kf *slamtype.Keyframe, point r3.Vector, kp feature.KeyPoint, maxPixels float64) bool {
	camPoint := kf.Pose().Transform(point)
	px, ok := kf.Camera.Project(camPoint)
	if !ok {
		return false
	}
	d := px.Sub(r2.Point{X: kp.X, Y: kp.Y}).Norm()
	return d <= maxPixels
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// fuseDuplicates implements step 4: project K's landmarks into its
// first- and second-order covisibility neighbors (and vice versa), and
// merge any duplicate landmark that collides with an existing
// observation, keeping the more-observed of the pair (spec.md section
// 3's fusion rule).
func (m *Mapper) fuseDuplicates(kf *slamtype.Keyframe) {
	neighbors := m.secondOrderNeighbors(kf.ID)
	for _, nbID := range neighbors {
		nb, ok := m.db.Keyframe(nbID)
		if !ok || nb.IsBad() {
			continue
		}
		m.fuseInto(kf, nb)
		m.fuseInto(nb, kf)
	}
}

// secondOrderNeighbors returns kf's first-order covisibility neighbors
// plus their own first-order neighbors, deduplicated and excluding kf
// itself, per spec.md section 4.7 step 4's "first- and second-order
// covisibility neighbors".
func (m *Mapper) secondOrderNeighbors(kfID slamtype.KeyframeID) []slamtype.KeyframeID {
	first := m.db.Covisibility().GetTopNCovisibilities(kfID, m.params.TriangulationNeighbors)
	seen := map[slamtype.KeyframeID]struct{}{kfID: {}}
	var out []slamtype.KeyframeID
	for _, n := range first {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, n := range first {
		for _, n2 := range m.db.Covisibility().GetTopNCovisibilities(n, m.params.TriangulationNeighbors) {
			if _, dup := seen[n2]; dup {
				continue
			}
			seen[n2] = struct{}{}
			out = append(out, n2)
		}
	}
	return out
}

// observesLandmark reports whether kf currently has any observation of
// lm, scanning its observation map (there is no reverse index; the
// keyframe's observation counts this walks are small local-map sets).
func observesLandmark(kf *slamtype.Keyframe, lm slamtype.LandmarkID) bool {
	for _, id := range kf.Observations() {
		if id == lm {
			return true
		}
	}
	return false
}

// fuseInto projects source's landmarks into target and merges duplicates
// found there.
func (m *Mapper) fuseInto(source, target *slamtype.Keyframe) {
	targetPose := target.Pose()
	var targets []matcher.FuseTarget
	for idx, lmID := range source.Observations() {
		lm, ok := m.db.Landmark(lmID)
		if !ok || lm.IsBad() {
			continue
		}
		if observesLandmark(target, lmID) {
			continue
		}
		camPoint := targetPose.Transform(lm.Position())
		px, ok := target.Camera.Project(camPoint)
		if !ok {
			continue
		}
		targets = append(targets, matcher.FuseTarget{
			Landmark:        lmID,
			PredictedPixel:  px,
			PredictedOctave: source.KeyPoints[idx].Octave,
			Descriptor:      lm.Descriptor(),
		})
	}
	if len(targets) == 0 {
		return
	}

	decisions := matcher.Fuse(targets, target.Descriptors, target.KeyPoints, target.Observation, target.Grid, m.params.ProjectionMargin, m.params.ScaleFactor, m.params.MatchCfg)
	for _, d := range decisions {
		if d.ExistingLandmark == 0 {
			target.AddObservation(d.KeypointIdx, d.Landmark)
			if lm, ok := m.db.Landmark(d.Landmark); ok {
				lm.AddObservation(target.ID, d.KeypointIdx)
				recomputeLandmarkAttributes(m.db, lm)
			}
			continue
		}
		m.mergeLandmarks(d.Landmark, d.ExistingLandmark)
	}
}

// mergeLandmarks keeps whichever of a/b has more observations and
// transfers the other's observations onto the survivor before erasing
// it, per spec.md section 3's "the more frequently observed of the two
// survives" fusion rule.
func (m *Mapper) mergeLandmarks(a, b slamtype.LandmarkID) {
	lmA, okA := m.db.Landmark(a)
	lmB, okB := m.db.Landmark(b)
	if !okA || !okB || lmA.IsBad() || lmB.IsBad() {
		return
	}
	survivor, loser := lmA, lmB
	if lmB.NumObservations() > lmA.NumObservations() {
		survivor, loser = lmB, lmA
	}
	for kfID, idx := range loser.Observations() {
		kf, ok := m.db.Keyframe(kfID)
		if !ok {
			continue
		}
		if _, already := survivor.IndexInKeyframe(kfID); already {
			continue
		}
		kf.AddObservation(idx, survivor.ID)
		survivor.AddObservation(kfID, idx)
	}
	recomputeLandmarkAttributes(m.db, survivor)
	m.db.EraseLandmark(loser.ID)
}

// runLocalBA implements step 6: bundle-adjust K's covisibility cluster
// (K, its first-order neighbors, and the landmarks they observe), fixing
// the cluster's covisibility boundary keyframes, and commit the result
// unless aborted or diverged.
func (m *Mapper) runLocalBA(ctx context.Context, kf *slamtype.Keyframe) {
	cluster := append([]slamtype.KeyframeID{kf.ID}, m.db.Covisibility().GetTopNCovisibilities(kf.ID, m.params.TriangulationNeighbors)...)
	inCluster := make(map[slamtype.KeyframeID]bool, len(cluster))
	for _, id := range cluster {
		inCluster[id] = true
	}

	landmarkSet := make(map[slamtype.LandmarkID]struct{})
	var keyframeVertices []optimizer.KeyframeVertex
	camerasByKF := make(map[slamtype.KeyframeID]camera.Model)

	for _, id := range cluster {
		k, ok := m.db.Keyframe(id)
		if !ok || k.IsBad() {
			continue
		}
		keyframeVertices = append(keyframeVertices, optimizer.KeyframeVertex{ID: id, Pose: k.Pose()})
		camerasByKF[id] = k.Camera
		for _, lmID := range k.Observations() {
			landmarkSet[lmID] = struct{}{}
		}
	}

	var landmarkVertices []optimizer.LandmarkVertex
	var observations []optimizer.Observation
	boundary := make(map[slamtype.KeyframeID]bool)

	for lmID := range landmarkSet {
		lm, ok := m.db.Landmark(lmID)
		if !ok || lm.IsBad() {
			continue
		}
		landmarkVertices = append(landmarkVertices, optimizer.LandmarkVertex{ID: lmID, Position: lm.Position()})
		for obsKF, idx := range lm.Observations() {
			k, ok := m.db.Keyframe(obsKF)
			if !ok || k.IsBad() {
				continue
			}
			if !inCluster[obsKF] {
				boundary[obsKF] = true
			}
			camerasByKF[obsKF] = k.Camera
			kp := k.KeyPoints[idx]
			o := optimizer.Observation{
				Landmark:  lmID,
				Keyframe:  obsKF,
				Pixel:     pixelOf(kp),
				InvSigma2: invSigma2(kp.Octave, m.params.ScaleFactor),
				World:     lm.Position(),
			}
			if kp.HasStereo {
				o.HasStereo = true
				o.StereoU = kp.StereoU
			}
			observations = append(observations, o)
		}
	}

	// Boundary keyframes (observers outside the cluster) anchor the
	// problem: they enter as fixed vertices, per spec.md section 4.7's
	// "fixes the covisibility boundary keyframes".
	for bID := range boundary {
		if inCluster[bID] {
			continue
		}
		k, ok := m.db.Keyframe(bID)
		if !ok {
			continue
		}
		keyframeVertices = append(keyframeVertices, optimizer.KeyframeVertex{ID: bID, Pose: k.Pose(), Fixed: true})
	}

	localCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.watchAbort(localCtx, cancel)

	in := optimizer.BundleAdjustInput{
		Keyframes:    keyframeVertices,
		Landmarks:    landmarkVertices,
		Observations: observations,
		Camera:       camerasByKF,
	}
	result := optimizer.BundleAdjust(localCtx, in)
	if result.Diverged {
		m.log.Warnw("local BA diverged, discarding", "keyframe_id", kf.ID)
		return
	}

	for id, pose := range result.Keyframes {
		if k, ok := m.db.Keyframe(id); ok && !k.IsBad() {
			k.SetPose(pose)
		}
	}
	for id, pos := range result.Landmarks {
		if lm, ok := m.db.Landmark(id); ok && !lm.IsBad() {
			lm.SetPosition(pos)
			recomputeLandmarkAttributes(m.db, lm)
		}
	}
}

// watchAbort cancels localCtx if the mapper's abort-local-BA flag is set
// while ctx is still live, the `abort_local_BA` cooperation hook spec.md
// section 4.7/9 describes.
func (m *Mapper) watchAbort(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.abortLocalBA.Load() {
				cancel()
				return
			}
		}
	}
}

// cullRedundantKeyframes implements step 7: a covisibility neighbor of K
// is erased if at least RedundancyObservedRatio of its observed
// landmarks are also observed, at equal-or-finer scale, by at least
// RedundancyMinObservers other keyframes.
func (m *Mapper) cullRedundantKeyframes(kf *slamtype.Keyframe) {
	origin, _ := m.db.Origin()
	for _, nbID := range m.db.Covisibility().GetTopNCovisibilities(kf.ID, m.params.TriangulationNeighbors) {
		if nbID == origin {
			continue
		}
		nb, ok := m.db.Keyframe(nbID)
		if !ok || nb.IsBad() || nb.NotToBeErased() {
			continue
		}
		obs := nb.Observations()
		if len(obs) == 0 {
			continue
		}
		redundant := 0
		for idx, lmID := range obs {
			lm, ok := m.db.Landmark(lmID)
			if !ok || lm.IsBad() {
				continue
			}
			octave := nb.KeyPoints[idx].Octave
			observers := 0
			for otherKF, otherIdx := range lm.Observations() {
				if otherKF == nbID {
					continue
				}
				other, ok := m.db.Keyframe(otherKF)
				if !ok {
					continue
				}
				if other.KeyPoints[otherIdx].Octave <= octave {
					observers++
				}
			}
			if observers >= m.params.RedundancyMinObservers {
				redundant++
			}
		}
		if float64(redundant) >= m.params.RedundancyObservedRatio*float64(len(obs)) {
			m.db.EraseKeyframe(nbID)
		}
	}
}

// recomputeLandmarkAttributes recomputes the four cached attributes
// spec.md section 3 says are "recomputed whenever observations change":
// the representative descriptor (smallest total pairwise Hamming
// distance among observers), the mean viewing direction, and the
// scale-invariance distance bounds (d_min/d_max), from the landmark's
// current observation set. There is no other caller of
// Landmark.SetAttributes in the engine; this is the function that keeps
// it current.
func recomputeLandmarkAttributes(db *mapdb.Database, lm *slamtype.Landmark) {
	obs := lm.Observations()
	if len(obs) == 0 {
		return
	}
	var descriptors []feature.Descriptor
	var dirs []r3.Vector
	var dists []float64
	pos := lm.Position()

	for kfID, idx := range obs {
		kf, ok := db.Keyframe(kfID)
		if !ok || kf.IsBad() {
			continue
		}
		descriptors = append(descriptors, kf.Descriptors[idx])
		center := kf.Pose().Inverse().Translation
		diff := pos.Sub(center)
		dist := diff.Norm()
		if dist <= 0 {
			continue
		}
		dirs = append(dirs, diff.Mul(1/dist))
		dists = append(dists, dist)
	}
	if len(descriptors) == 0 {
		return
	}

	desc := medianDescriptor(descriptors)

	var meanDir r3.Vector
	for _, d := range dirs {
		meanDir = meanDir.Add(d)
	}
	if len(dirs) > 0 {
		meanDir = meanDir.Mul(1 / float64(len(dirs)))
	}

	sort.Float64s(dists)
	dMin, dMax := dists[0], dists[len(dists)-1]

	lm.SetAttributes(meanDir, dMin, dMax, desc)
}

// medianDescriptor returns the descriptor with the smallest sum of
// Hamming distances to every other descriptor in the set, the standard
// ORB-SLAM "representative descriptor" choice.
func medianDescriptor(descriptors []feature.Descriptor) feature.Descriptor {
	best := descriptors[0]
	bestSum := math.MaxInt64
	for _, a := range descriptors {
		sum := 0
		for _, b := range descriptors {
			sum += a.HammingDistance(b)
		}
		if sum < bestSum {
			bestSum = sum
			best = a
		}
	}
	return best
}

func pixelOf(kp feature.KeyPoint) r2.Point { return r2.Point{X: kp.X, Y: kp.Y} }

func invSigma2(octave int, scaleFactor float64) float64 {
	s := math.Pow(scaleFactor, float64(octave))
	return 1.0 / (s * s)
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
