// Package mapdb implements the map database (C1 in spec.md section
// 4.1): the owning arena for keyframes and landmarks, their covisibility
// graph and spanning tree, and the BoW index over keyframes. All
// structural mutations -- add/erase keyframe or landmark, graph edits --
// take a single database-wide exclusive lock; per-entity fields (pose,
// observations) are independently locked by slamtype.Keyframe/Landmark
// themselves, so concurrent bundle adjustment can update poses without
// blocking on the database lock.
//
// Cross-references are stable integer ids, never pointers (spec.md
// section 9): the cyclic keyframe<->landmark ownership the reference
// engine expresses with shared_ptr is replaced by two owning maps keyed
// by slamtype.KeyframeID/LandmarkID, with is_bad tombstoning standing in
// for deferred destruction.
package mapdb

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/soallak/openvslam/bow"
	"github.com/soallak/openvslam/covis"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/slamtype"
)

// FrameStatistics is the supplemented feature from SPEC_FULL.md section
// C.1: per-frame trajectory bookkeeping independent of keyframes,
// grounded on original_source's data/frame_statistics.
type FrameStatistics struct {
	ReferenceKeyframe slamtype.KeyframeID
	WasLost           bool
}

// Database is the map database. The zero value is not usable; construct
// with New.
type Database struct {
	mu sync.Mutex // the single database-wide exclusive lock (spec.md section 4.1)

	keyframes map[slamtype.KeyframeID]*slamtype.Keyframe
	landmarks map[slamtype.LandmarkID]*slamtype.Landmark

	covis *covis.Graph
	tree  *covis.SpanningTree
	bow   *bow.Index

	origin         slamtype.KeyframeID
	hasOrigin      bool
	lastInserted   slamtype.KeyframeID
	localLandmarks map[slamtype.LandmarkID]struct{}

	frameStats map[slamtype.FrameID]FrameStatistics

	markers map[uint32]struct{} // SPEC_FULL.md section C.4: ArUco hook slot, empty unless a detector is attached

	// nextLandmarkID is the single shared allocator for landmark ids.
	// Both tracking (bootstrap/keyframe-insertion triangulation) and
	// mapping (create-new-landmarks, spec.md section 4.7 step 3) mint
	// landmarks concurrently; drawing from one counter owned by the
	// database they both share keeps ids unique across stages.
	nextLandmarkID atomic.Int64

	log logging.Logger
}

// New returns an empty map database.
func New(log logging.Logger) *Database {
	if log == nil {
		log = logging.NewNop()
	}
	return &Database{
		keyframes:      make(map[slamtype.KeyframeID]*slamtype.Keyframe),
		landmarks:      make(map[slamtype.LandmarkID]*slamtype.Landmark),
		covis:          covis.New(),
		tree:           covis.NewSpanningTree(),
		bow:            bow.New(),
		localLandmarks: make(map[slamtype.LandmarkID]struct{}),
		frameStats:     make(map[slamtype.FrameID]FrameStatistics),
		markers:        make(map[uint32]struct{}),
		log:            log,
	}
}

// AddKeyframe registers kf. The first keyframe ever added becomes the
// map's origin and spanning-tree root; it is never erased (spec.md
// section 3).
func (d *Database) AddKeyframe(kf *slamtype.Keyframe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := kf.ID
	d.keyframes[id] = kf
	d.covis.AddVertex(id)
	if !d.hasOrigin {
		d.origin = id
		d.hasOrigin = true
		d.tree.SetRoot(id)
	}
	d.lastInserted = id
	if vec, _ := kf.BoW(); vec != nil {
		d.bow.Add(id, bow.Vector(vec))
	}
	d.log.Debugw("keyframe added", "keyframe_id", id)
}

// GetLastInsertedKeyframe returns the most recently added keyframe.
func (d *Database) GetLastInsertedKeyframe() (*slamtype.Keyframe, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kf, ok := d.keyframes[d.lastInserted]
	return kf, ok
}

// Keyframe looks up a keyframe by id.
func (d *Database) Keyframe(id slamtype.KeyframeID) (*slamtype.Keyframe, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kf, ok := d.keyframes[id]
	return kf, ok
}

// GetAllKeyframes returns every non-erased keyframe. Soft-erased
// ("is_bad") entries have already been removed from the map by
// EraseKeyframe, so no filtering is needed here.
func (d *Database) GetAllKeyframes() []*slamtype.Keyframe {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*slamtype.Keyframe, 0, len(d.keyframes))
	for _, kf := range d.keyframes {
		out = append(out, kf)
	}
	return out
}

// NumKeyframes reports the live keyframe count.
func (d *Database) NumKeyframes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keyframes)
}

// Origin returns the map's origin keyframe id.
func (d *Database) Origin() (slamtype.KeyframeID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.origin, d.hasOrigin
}

// EraseKeyframe soft-erases kf: sets is_bad, prunes it from covisibility,
// spanning tree (re-parenting its children onto surviving relatives),
// observations of every landmark it observed, and the BoW index, then
// drops it from storage (spec.md section 4.1's erasure description).
// The origin keyframe can never be erased.
func (d *Database) EraseKeyframe(id slamtype.KeyframeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == d.origin {
		d.log.Warnw("refusing to erase origin keyframe", "keyframe_id", id)
		return
	}
	kf, ok := d.keyframes[id]
	if !ok {
		return
	}
	kf.SetBad(true)

	for _, lmID := range kf.Observations() {
		if lm, ok := d.landmarks[lmID]; ok {
			lm.EraseObservation(id)
		}
	}

	survivors := d.covis.AllNeighbors(id)
	d.tree.ChangeParentRecursive(id, survivors, func(a, b slamtype.KeyframeID) int {
		return d.covis.Weight(a, b)
	})

	// Must run before tree.Erase: it needs id's still-live parent link.
	d.replaceReferenceKeyframeLocked(id)

	d.tree.Erase(id)
	d.covis.Erase(id)
	d.bow.Erase(id)

	delete(d.keyframes, id)
	d.log.Debugw("keyframe erased", "keyframe_id", id)
}

// replaceReferenceKeyframeLocked implements SPEC_FULL.md section C.2:
// when erased is referenced by a frame-statistics entry, substitute its
// spanning-tree parent so trajectory reconstruction never dangles on a
// tombstoned keyframe. Callers must hold d.mu.
func (d *Database) replaceReferenceKeyframeLocked(erased slamtype.KeyframeID) {
	parent, hasParent := d.tree.Parent(erased)
	for frameID, stats := range d.frameStats {
		if stats.ReferenceKeyframe != erased {
			continue
		}
		if hasParent {
			stats.ReferenceKeyframe = parent
		} else {
			stats.ReferenceKeyframe = d.origin
		}
		d.frameStats[frameID] = stats
	}
}

// NewLandmarkID allocates the next landmark id from the database's
// shared counter.
func (d *Database) NewLandmarkID() slamtype.LandmarkID {
	return slamtype.LandmarkID(d.nextLandmarkID.Add(1))
}

// AddLandmark registers lm.
func (d *Database) AddLandmark(lm *slamtype.Landmark) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.landmarks[lm.ID] = lm
}

// Landmark looks up a landmark by id.
func (d *Database) Landmark(id slamtype.LandmarkID) (*slamtype.Landmark, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lm, ok := d.landmarks[id]
	return lm, ok
}

// GetAllLandmarks returns every non-erased landmark.
func (d *Database) GetAllLandmarks() []*slamtype.Landmark {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*slamtype.Landmark, 0, len(d.landmarks))
	for _, lm := range d.landmarks {
		out = append(out, lm)
	}
	return out
}

// NumLandmarks reports the live landmark count.
func (d *Database) NumLandmarks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.landmarks)
}

// EraseLandmark soft-erases lm: sets is_bad, removes its observations
// from every observing keyframe, then drops it from storage.
func (d *Database) EraseLandmark(id slamtype.LandmarkID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lm, ok := d.landmarks[id]
	if !ok {
		return
	}
	lm.SetBad(true)
	for kfID := range lm.Observations() {
		if kf, ok := d.keyframes[kfID]; ok {
			kf.EraseObservationOfLandmark(id)
		}
	}
	delete(d.localLandmarks, id)
	delete(d.landmarks, id)
}

// SetLocalLandmarks replaces the current local-map landmark set (spec.md
// section 4.1's set/get_local_landmarks, populated by tracking's
// local-map update step, spec.md section 4.6 step 2).
func (d *Database) SetLocalLandmarks(ids []slamtype.LandmarkID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localLandmarks = make(map[slamtype.LandmarkID]struct{}, len(ids))
	for _, id := range ids {
		d.localLandmarks[id] = struct{}{}
	}
}

// LocalLandmarks returns the current local-map landmark set.
func (d *Database) LocalLandmarks() []slamtype.LandmarkID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]slamtype.LandmarkID, 0, len(d.localLandmarks))
	for id := range d.localLandmarks {
		out = append(out, id)
	}
	return out
}

// Clear empties the database back to its zero state (spec.md section
// 4.1's `clear`), used on tracking reset.
func (d *Database) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keyframes = make(map[slamtype.KeyframeID]*slamtype.Keyframe)
	d.landmarks = make(map[slamtype.LandmarkID]*slamtype.Landmark)
	d.covis = covis.New()
	d.tree = covis.NewSpanningTree()
	d.bow = bow.New()
	d.hasOrigin = false
	d.origin = 0
	d.lastInserted = 0
	d.localLandmarks = make(map[slamtype.LandmarkID]struct{})
	d.frameStats = make(map[slamtype.FrameID]FrameStatistics)
	d.markers = make(map[uint32]struct{})
	d.nextLandmarkID.Store(0)
}

// UpdateFrameStatistics records the SPEC_FULL.md section C.1 per-frame
// trajectory entry for frameID.
func (d *Database) UpdateFrameStatistics(frameID slamtype.FrameID, stats FrameStatistics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frameStats[frameID] = stats
}

// FrameStatistics returns every recorded per-frame trajectory entry, in
// no particular order; callers needing trajectory order should sort by
// FrameID.
func (d *Database) FrameStatistics() map[slamtype.FrameID]FrameStatistics {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[slamtype.FrameID]FrameStatistics, len(d.frameStats))
	for k, v := range d.frameStats {
		out[k] = v
	}
	return out
}

// Markers returns the SPEC_FULL.md section C.4 marker-id set attached to
// the map (empty unless an external detector populated it via
// AddMarker; no detection logic lives in this module).
func (d *Database) Markers() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint32, 0, len(d.markers))
	for id := range d.markers {
		out = append(out, id)
	}
	return out
}

// AddMarker records a marker id observed by an external detector.
func (d *Database) AddMarker(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markers[id] = struct{}{}
}

// Covisibility exposes the covisibility graph for read-mostly queries
// (local-map expansion, pose-graph edge construction). Mutation outside
// this package's own methods is not supported: callers needing to update
// covisibility weights must go through UpdateConnections below.
func (d *Database) Covisibility() *covis.Graph {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.covis
}

// SpanningTree exposes the spanning tree for read-mostly queries.
func (d *Database) SpanningTree() *covis.SpanningTree {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree
}

// BoW exposes the BoW index for loop-detection/relocalization retrieval.
func (d *Database) BoW() *bow.Index {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bow
}

// UpdateConnections recomputes kf's covisibility edges from its current
// observations (spec.md section 4.2's update_connections, called by
// mapping after every new/fused observation).
func (d *Database) UpdateConnections(kfID slamtype.KeyframeID) {
	d.mu.Lock()
	kf, ok := d.keyframes[kfID]
	if !ok {
		d.mu.Unlock()
		return
	}
	landmarkIDs := kf.Observations()
	d.mu.Unlock()

	counts := make(map[slamtype.KeyframeID]int)
	for _, lmID := range landmarkIDs {
		lm, ok := d.Landmark(lmID)
		if !ok || lm.IsBad() {
			continue
		}
		for otherKF := range lm.Observations() {
			if otherKF == kfID {
				continue
			}
			counts[otherKF]++
		}
	}
	d.covis.UpdateConnections(kfID, counts)
}
