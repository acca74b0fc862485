package global

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/soallak/openvslam/bow"
	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/matcher"
	"github.com/soallak/openvslam/optimizer"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"

	goutils "go.viam.com/utils"
)

// processKeyframe runs spec.md section 4.8's five-step pipeline on one
// dequeued keyframe. Only the first candidate to survive Sim(3)
// estimation closes a loop for K; the rest are discarded, matching the
// reference engine's one-loop-per-keyframe behavior.
func (g *Global) processKeyframe(ctx context.Context, kf *slamtype.Keyframe) error {
	candidates := g.detectLoopCandidates(kf)
	for _, candID := range candidates {
		sim3, ok := g.estimateSim3(kf, candID)
		if !ok {
			continue
		}
		g.closeLoop(ctx, kf, candID, sim3)
		break
	}
	return nil
}

// detectLoopCandidates implements step 1: compute the minimum BoW score
// between kf and its covisibility neighbors (s_min), query the BoW index
// excluding those neighbors, keep candidates scoring >= s_min, cluster by
// covisibility (bow.Index.Retrieve already does this), and require
// consistency across three consecutive successful queries.
func (g *Global) detectLoopCandidates(kf *slamtype.Keyframe) []slamtype.KeyframeID {
	query, _ := kf.BoW()
	if query == nil {
		return nil
	}

	neighbors := g.db.Covisibility().AllNeighbors(kf.ID)
	exclude := make(map[slamtype.KeyframeID]struct{}, len(neighbors)+1)
	exclude[kf.ID] = struct{}{}
	for _, n := range neighbors {
		exclude[n] = struct{}{}
	}

	sMin := g.minNeighborScore(neighbors, query)

	raw := g.db.BoW().Retrieve(bow.Vector(query), exclude, func(id slamtype.KeyframeID) []slamtype.KeyframeID {
		return g.db.Covisibility().AllNeighbors(id)
	})

	survivors := raw[:0]
	for _, c := range raw {
		if c.Score >= sMin {
			survivors = append(survivors, c)
		}
	}

	return g.checkConsistency(survivors)
}

// minNeighborScore computes s_min: the lowest BoW similarity between
// query and any of kf's covisibility neighbors. Zero (no floor) if kf
// has no neighbors with a computed BoW vector yet.
func (g *Global) minNeighborScore(neighbors []slamtype.KeyframeID, query map[uint32]float64) float64 {
	min := math.MaxFloat64
	any := false
	for _, n := range neighbors {
		nb, ok := g.db.Keyframe(n)
		if !ok {
			continue
		}
		vec, _ := nb.BoW()
		if vec == nil {
			continue
		}
		score := bow.Similarity(bow.Vector(query), bow.Vector(vec))
		if score < min {
			min = score
		}
		any = true
	}
	if !any {
		return 0
	}
	return min
}

// checkConsistency implements the group-consistency half of step 1: a
// candidate's group (itself plus covisibility neighbors) is compared
// against the groups carried over from the previous call; an
// intersecting group's streak count carries forward, a non-intersecting
// candidate starts a fresh streak of 1. Candidates whose streak reaches
// ConsistencyGroupSize are confirmed for step 2.
func (g *Global) checkConsistency(candidates []bow.Candidate) []slamtype.KeyframeID {
	var confirmed []slamtype.KeyframeID
	current := make([]consistentGroup, 0, len(candidates))

	for _, cand := range candidates {
		group := map[slamtype.KeyframeID]struct{}{cand.Keyframe: {}}
		for _, n := range g.db.Covisibility().AllNeighbors(cand.Keyframe) {
			group[n] = struct{}{}
		}

		best := 0
		for _, prev := range g.consistentGroups {
			if !groupsIntersect(group, prev.members) {
				continue
			}
			if prev.count+1 > best {
				best = prev.count + 1
			}
		}
		count := 1
		if best > 0 {
			count = best
		}
		current = append(current, consistentGroup{members: group, count: count})
		if count >= g.params.ConsistencyGroupSize {
			confirmed = append(confirmed, cand.Keyframe)
		}
	}

	g.consistentGroups = current
	return confirmed
}

func groupsIntersect(a, b map[slamtype.KeyframeID]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// estimateSim3 implements step 2: BoW-guided descriptor match between kf
// and cand, express each matched pair's already-triangulated landmark in
// its own keyframe's camera frame (avoiding the accumulated world-frame
// drift the loop is trying to correct), and solve for the Sim(3)
// transform mapping candidate-camera-frame points onto kf-camera-frame
// points via RANSAC + Horn's method (matcher.EstimateSim3). Accepts if
// the winning hypothesis clears MinSim3Inliers.
func (g *Global) estimateSim3(kf *slamtype.Keyframe, candID slamtype.KeyframeID) (spatial.Sim3, bool) {
	cand, ok := g.db.Keyframe(candID)
	if !ok || cand.IsBad() {
		return spatial.Sim3{}, false
	}
	_, kfFeatVec := kf.BoW()
	_, candFeatVec := cand.BoW()
	if kfFeatVec == nil || candFeatVec == nil {
		return spatial.Sim3{}, false
	}

	matches := matcher.BoWMatch(kf.Descriptors, kfFeatVec, cand.Descriptors, candFeatVec, g.params.MatchCfg)
	matches = matcher.OrientationConsistencyFilter(matches, anglesOf(kf.KeyPoints), anglesOf(cand.KeyPoints))

	kfPose := kf.Pose()
	candPose := cand.Pose()

	var candPoints, kfPoints []r3.Vector
	for _, m := range matches {
		kfLmID, ok := kf.Observation(m.CurrIdx)
		if !ok {
			continue
		}
		candLmID, ok := cand.Observation(m.RefIdx)
		if !ok {
			continue
		}
		kfLm, ok := g.db.Landmark(kfLmID)
		if !ok || kfLm.IsBad() {
			continue
		}
		candLm, ok := g.db.Landmark(candLmID)
		if !ok || candLm.IsBad() {
			continue
		}
		candPoints = append(candPoints, candPose.Transform(candLm.Position()))
		kfPoints = append(kfPoints, kfPose.Transform(kfLm.Position()))
	}

	scm, _, ok := matcher.EstimateSim3(candPoints, kfPoints, g.params.RansacIterations, g.params.Sim3InlierThreshold, g.params.MinSim3Inliers, int64(kf.ID)*1000+int64(candID))
	if !ok {
		return spatial.Sim3{}, false
	}
	return scm, true
}

// closeLoop implements step 3: pause mapping, compute the corrected
// Sim(3) pose for K and every covisibility neighbor by composing each
// neighbor's pre-correction relative transform onto K's newly corrected
// pose (spec.md section 4.8 step 5's "parent optimized compose
// relative-old" pattern, reused here for K's own neighborhood), propagate
// the correction to their landmarks, fuse duplicate landmarks between the
// corrected neighborhood and the loop candidate's neighborhood, record
// the loop edge, then runs steps 4 and 5.
func (g *Global) closeLoop(ctx context.Context, kf *slamtype.Keyframe, candID slamtype.KeyframeID, scm spatial.Sim3) {
	paused := g.mapping.RequestPause()
	<-paused
	defer g.mapping.RequestResume()

	cand, ok := g.db.Keyframe(candID)
	if !ok || cand.IsBad() {
		return
	}

	smw := spatial.FromPose(cand.Pose())
	correctedKF := spatial.Compose3(scm, smw)

	kfOldPose := kf.Pose()
	neighbors := g.db.Covisibility().AllNeighbors(kf.ID)

	correctedPoses := map[slamtype.KeyframeID]spatial.Sim3{kf.ID: correctedKF}
	for _, nbID := range neighbors {
		nb, ok := g.db.Keyframe(nbID)
		if !ok || nb.IsBad() {
			continue
		}
		rel := spatial.RelativeOld(kfOldPose, nb.Pose())
		correctedPoses[nbID] = spatial.Compose3(rel, correctedKF)
	}

	corrected := make(map[slamtype.LandmarkID]struct{})
	for ownerID, sim := range correctedPoses {
		owner, ok := g.db.Keyframe(ownerID)
		if !ok {
			continue
		}
		oldPose := owner.Pose()
		for _, lmID := range owner.Observations() {
			if _, done := corrected[lmID]; done {
				continue
			}
			lm, ok := g.db.Landmark(lmID)
			if !ok || lm.IsBad() {
				continue
			}
			camFrame := oldPose.Transform(lm.Position())
			lm.SetPosition(sim.Pose().Inverse().Transform(camFrame))
			corrected[lmID] = struct{}{}
		}
	}

	for ownerID, sim := range correctedPoses {
		if owner, ok := g.db.Keyframe(ownerID); ok {
			owner.SetPose(sim.Pose())
		}
	}

	kNeighborhood := append([]slamtype.KeyframeID{kf.ID}, neighbors...)
	candNeighborhood := append([]slamtype.KeyframeID{candID}, g.db.Covisibility().AllNeighbors(candID)...)
	for _, a := range kNeighborhood {
		akf, ok := g.db.Keyframe(a)
		if !ok || akf.IsBad() {
			continue
		}
		for _, b := range candNeighborhood {
			bkf, ok := g.db.Keyframe(b)
			if !ok || bkf.IsBad() {
				continue
			}
			g.fuseAcrossLoop(bkf, akf)
			g.fuseAcrossLoop(akf, bkf)
		}
	}

	for _, id := range kNeighborhood {
		g.db.UpdateConnections(id)
	}
	for _, id := range candNeighborhood {
		g.db.UpdateConnections(id)
	}

	kf.AddLoopEdge(candID)
	cand.AddLoopEdge(kf.ID)
	g.db.Covisibility().AddLoopEdge(kf.ID, candID)

	g.runPoseGraph(ctx)
	g.launchGlobalBA(kf.ID)
}

// fuseAcrossLoop projects source's landmarks into target and merges
// duplicate observations, the same projection-fusion pattern
// mapping.Mapper.fuseInto uses for step 4's local fusion, reused here for
// step 3's cross-loop fusion (spec.md section 4.4's fuse variant; spec.md
// section 3's "more frequently observed survives" rule).
func (g *Global) fuseAcrossLoop(source, target *slamtype.Keyframe) {
	targetPose := target.Pose()
	var targets []matcher.FuseTarget
	for idx, lmID := range source.Observations() {
		lm, ok := g.db.Landmark(lmID)
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

	decisions := matcher.Fuse(targets, target.Descriptors, target.KeyPoints, target.Observation, target.Grid, matcherProjectionMargin, g.params.ScaleFactor, g.params.MatchCfg)
	for _, d := range decisions {
		if d.ExistingLandmark == 0 {
			target.AddObservation(d.KeypointIdx, d.Landmark)
			if lm, ok := g.db.Landmark(d.Landmark); ok {
				lm.AddObservation(target.ID, d.KeypointIdx)
			}
			continue
		}
		g.mergeLandmarks(d.Landmark, d.ExistingLandmark)
	}
}

// matcherProjectionMargin mirrors mapping.DefaultParams's ProjectionMargin
// (spec.md section 4.4's projection-search radius factor); loop fusion has
// no separate named margin in spec.md, so it reuses the same constant.
const matcherProjectionMargin = 15

func observesLandmark(kf *slamtype.Keyframe, lm slamtype.LandmarkID) bool {
	for _, id := range kf.Observations() {
		if id == lm {
			return true
		}
	}
	return false
}

// mergeLandmarks keeps whichever of a/b has more observations and
// transfers the other's observations onto the survivor before erasing
// it, mirroring mapping.Mapper.mergeLandmarks.
func (g *Global) mergeLandmarks(a, b slamtype.LandmarkID) {
	lmA, okA := g.db.Landmark(a)
	lmB, okB := g.db.Landmark(b)
	if !okA || !okB || lmA.IsBad() || lmB.IsBad() {
		return
	}
	survivor, loser := lmA, lmB
	if lmB.NumObservations() > lmA.NumObservations() {
		survivor, loser = lmB, lmA
	}
	for kfID, idx := range loser.Observations() {
		kf, ok := g.db.Keyframe(kfID)
		if !ok {
			continue
		}
		if _, already := survivor.IndexInKeyframe(kfID); already {
			continue
		}
		kf.AddObservation(idx, survivor.ID)
		survivor.AddObservation(kfID, idx)
	}
	g.db.EraseLandmark(loser.ID)
}

// runPoseGraph implements step 4: optimize Sim(3) vertices for every
// live keyframe over spanning-tree + covisibility(>=100) + loop edges,
// origin fixed, then write the optimized rigid poses back and move each
// landmark by its reference keyframe's pose correction.
func (g *Global) runPoseGraph(ctx context.Context) {
	origin, ok := g.db.Origin()
	if !ok {
		return
	}

	vertices := make(map[slamtype.KeyframeID]spatial.Sim3)
	for _, kf := range g.db.GetAllKeyframes() {
		if kf.IsBad() {
			continue
		}
		vertices[kf.ID] = spatial.FromPose(kf.Pose())
	}

	tree := g.db.SpanningTree()
	seen := map[[2]slamtype.KeyframeID]bool{}
	var edges []optimizer.PoseGraphEdge

	addEdge := func(a, b slamtype.KeyframeID, isLoop bool) {
		key := edgeKey(a, b)
		if seen[key] {
			return
		}
		seen[key] = true
		edges = append(edges, optimizer.PoseGraphEdge{
			From:         a,
			To:           b,
			RelativeSim3: spatial.RelativeOld(vertices[a].Pose(), vertices[b].Pose()),
			IsLoopEdge:   isLoop,
		})
	}

	for id := range vertices {
		if parent, ok := tree.Parent(id); ok {
			if _, okp := vertices[parent]; okp {
				addEdge(parent, id, false)
			}
		}
	}
	for id := range vertices {
		for _, nb := range g.db.Covisibility().GetCovisibilitiesWithMinWeight(id, g.params.MinCovisibilityForPoseGraph) {
			if _, ok := vertices[nb]; ok {
				addEdge(id, nb, false)
			}
		}
	}
	for id := range vertices {
		for _, nb := range g.db.Covisibility().LoopEdges(id) {
			if _, ok := vertices[nb]; ok {
				addEdge(id, nb, true)
			}
		}
	}

	in := optimizer.PoseGraphInput{Vertices: vertices, Origin: origin, Edges: edges}
	result := optimizer.PoseGraph(ctx, in)
	if result.Diverged {
		g.log.Warnw("pose-graph optimization diverged, discarding")
		return
	}

	for id, sim := range result.Vertices {
		if kf, ok := g.db.Keyframe(id); ok && !kf.IsBad() {
			kf.SetPose(sim.Pose())
		}
	}
	for _, lm := range g.db.GetAllLandmarks() {
		if lm.IsBad() {
			continue
		}
		ref := lm.ReferenceKeyframe()
		oldSim, okOld := vertices[ref]
		newSim, okNew := result.Vertices[ref]
		if !okOld || !okNew {
			continue
		}
		camFrame := oldSim.Transform(lm.Position())
		lm.SetPosition(newSim.Inverse().Transform(camFrame))
	}
}

func edgeKey(a, b slamtype.KeyframeID) [2]slamtype.KeyframeID {
	if a > b {
		a, b = b, a
	}
	return [2]slamtype.KeyframeID{a, b}
}

// launchGlobalBA implements step 5's launch: cancel any GBA already
// running (a newer loop preempts it) and start a fresh one tagged with
// kf's id.
func (g *Global) launchGlobalBA(tag slamtype.KeyframeID) {
	g.gbaMu.Lock()
	if g.gbaCancel != nil {
		g.gbaCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.gbaCancel = cancel
	g.gbaTag = tag
	g.gbaMu.Unlock()

	goutils.PanicCapturingGo(func() {
		g.runGlobalBA(ctx, tag)
	})
}

// cancelRunningGBA cancels any in-flight GBA helper task, used on reset.
func (g *Global) cancelRunningGBA() {
	g.gbaMu.Lock()
	defer g.gbaMu.Unlock()
	if g.gbaCancel != nil {
		g.gbaCancel()
		g.gbaCancel = nil
	}
}

// runGlobalBA implements step 5's asynchronous global bundle adjustment:
// optimize every live keyframe (origin fixed) and landmark jointly, then
// -- unless cancelled by a newer loop or diverged -- pause mapping,
// propagate the corrections from origin down the spanning tree (child
// pose = parent optimized compose relative-old, per spec.md section 4.8
// step 5), correct any landmark left out of the BA problem by its
// reference keyframe's correction, and resume mapping.
func (g *Global) runGlobalBA(ctx context.Context, tag slamtype.KeyframeID) {
	origin, ok := g.db.Origin()
	if !ok {
		return
	}

	oldPoses := make(map[slamtype.KeyframeID]spatial.Pose)
	var keyframeVertices []optimizer.KeyframeVertex
	for _, kf := range g.db.GetAllKeyframes() {
		if kf.IsBad() {
			continue
		}
		oldPoses[kf.ID] = kf.Pose()
		keyframeVertices = append(keyframeVertices, optimizer.KeyframeVertex{
			ID: kf.ID, Pose: kf.Pose(), Fixed: kf.ID == origin,
		})
	}

	optimizedLandmarks := make(map[slamtype.LandmarkID]struct{})
	var landmarkVertices []optimizer.LandmarkVertex
	var observations []optimizer.Observation
	cameras := make(map[slamtype.KeyframeID]camera.Model)

	for _, lm := range g.db.GetAllLandmarks() {
		if lm.IsBad() {
			continue
		}
		landmarkVertices = append(landmarkVertices, optimizer.LandmarkVertex{ID: lm.ID, Position: lm.Position()})
		optimizedLandmarks[lm.ID] = struct{}{}
		for kfID, idx := range lm.Observations() {
			kf, ok := g.db.Keyframe(kfID)
			if !ok || kf.IsBad() {
				continue
			}
			cameras[kfID] = kf.Camera
			kp := kf.KeyPoints[idx]
			o := optimizer.Observation{
				Landmark:  lm.ID,
				Keyframe:  kfID,
				Pixel:     r2.Point{X: kp.X, Y: kp.Y},
				InvSigma2: invSigma2(kp.Octave, g.params.ScaleFactor),
				World:     lm.Position(),
			}
			if kp.HasStereo {
				o.HasStereo = true
				o.StereoU = kp.StereoU
			}
			observations = append(observations, o)
		}
	}

	in := optimizer.BundleAdjustInput{
		Keyframes:    keyframeVertices,
		Landmarks:    landmarkVertices,
		Observations: observations,
		Camera:       cameras,
	}
	result := optimizer.BundleAdjust(ctx, in)

	select {
	case <-ctx.Done():
		return // cancelled by a newer loop, no writeback (spec.md section 4.8 step 5)
	default:
	}
	if result.Diverged {
		g.log.Warnw("global BA diverged, discarding", "keyframe_id", tag)
		return
	}

	paused := g.mapping.RequestPause()
	<-paused
	defer g.mapping.RequestResume()

	g.propagateSpanningTree(origin, oldPoses, result.Keyframes)

	for id, pos := range result.Landmarks {
		if lm, ok := g.db.Landmark(id); ok && !lm.IsBad() {
			lm.SetPosition(pos)
		}
	}

	// Landmarks created after this BA's snapshot were never in its
	// problem; correct them by their reference keyframe's own
	// before/after delta, same as spec.md section 4.8 step 5 describes
	// for the spanning-tree propagation case.
	for _, lm := range g.db.GetAllLandmarks() {
		if lm.IsBad() {
			continue
		}
		if _, done := optimizedLandmarks[lm.ID]; done {
			continue
		}
		ref := lm.ReferenceKeyframe()
		oldPose, okOld := oldPoses[ref]
		refKF, okRef := g.db.Keyframe(ref)
		if !okOld || !okRef || refKF.IsBad() {
			continue
		}
		camFrame := oldPose.Transform(lm.Position())
		lm.SetPosition(refKF.Pose().Inverse().Transform(camFrame))
	}
}

// propagateSpanningTree walks the spanning tree from origin, applying
// each child's "parent optimized compose relative-old" correction
// (spec.md section 4.8 step 5), the function spatial.RelativeOld's doc
// comment names as its intended caller. Keyframes absent from oldPoses
// (added to the tree after this BA's snapshot) are left for the next
// GBA cycle to reach.
func (g *Global) propagateSpanningTree(origin slamtype.KeyframeID, oldPoses map[slamtype.KeyframeID]spatial.Pose, newPoses map[slamtype.KeyframeID]spatial.Pose) {
	originNew, ok := newPoses[origin]
	if !ok {
		return
	}
	tree := g.db.SpanningTree()

	var walk func(id slamtype.KeyframeID, newSim spatial.Sim3)
	walk = func(id slamtype.KeyframeID, newSim spatial.Sim3) {
		if kf, ok := g.db.Keyframe(id); ok && !kf.IsBad() {
			kf.SetPose(newSim.Pose())
		}
		for _, child := range tree.Children(id) {
			childOld, okChild := oldPoses[child]
			parentOld, okParent := oldPoses[id]
			if !okChild || !okParent {
				continue
			}
			rel := spatial.RelativeOld(parentOld, childOld)
			walk(child, spatial.Compose3(rel, newSim))
		}
	}
	walk(origin, spatial.FromPose(originNew))
}

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
