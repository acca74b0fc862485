package slamtype

import (
	"sync"
	"time"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/spatial"
)

// Keyframe is a Frame promoted to durable map membership (spec.md section
// 3). It owns a pose lock and an observations lock, per the concurrency
// model in spec.md section 5: "Local BA and GBA write under these locks
// per-entity at commit time, never during iteration. Readers in tracking
// take only the pose lock."
type Keyframe struct {
	ID            KeyframeID
	SourceFrameID FrameID
	Timestamp     time.Time
	Camera        camera.Model

	KeyPoints   []feature.KeyPoint
	Descriptors []feature.Descriptor
	Grid        *Grid

	poseMu sync.RWMutex
	pose   spatial.Pose

	obsMu        sync.RWMutex
	observations map[int]LandmarkID // keypoint index -> landmark, injective

	// Spanning-tree and covisibility bookkeeping. The authoritative graph
	// lives in package covis; these are the per-keyframe fields the
	// spanning tree touches directly (spec.md section 4.2).
	treeMu        sync.Mutex
	parent        KeyframeID
	hasParent     bool
	children      map[KeyframeID]struct{}
	loopEdges     map[KeyframeID]struct{}

	flagMu          sync.Mutex
	notToBeErased   bool
	toBeErased      bool
	isBad           bool

	bowMu      sync.RWMutex
	bowVector  map[uint32]float64
	bowFeatVec map[uint32][]int
}

// NewKeyframe promotes a Frame into a Keyframe snapshot. The frame's
// pose must already be set.
func NewKeyframe(id KeyframeID, f *Frame) *Keyframe {
	kf := &Keyframe{
		ID:            id,
		SourceFrameID: f.ID,
		Timestamp:     f.Timestamp,
		Camera:        f.Camera,
		KeyPoints:     append([]feature.KeyPoint(nil), f.KeyPoints...),
		Descriptors:   append([]feature.Descriptor(nil), f.Descriptors...),
		Grid:          f.Grid,
		pose:          f.Pose,
		observations:  make(map[int]LandmarkID),
		children:      make(map[KeyframeID]struct{}),
		loopEdges:     make(map[KeyframeID]struct{}),
	}
	v, fv, ok := f.BoW()
	if ok {
		kf.bowVector, kf.bowFeatVec = v, fv
	}
	for i, lm := range f.Landmarks {
		if lm != NoLandmark && !f.Outliers[i] {
			kf.observations[i] = lm
		}
	}
	return kf
}

// NewEmptyKeyframe constructs a bare Keyframe carrying only its id and
// pose, with no feature/descriptor data. Used by map deserialization
// (package mapdb), where the wire format persists only
// optimization-relevant state and feature re-extraction is an external
// collaborator's concern (spec.md section 1).
func NewEmptyKeyframe(id KeyframeID) *Keyframe {
	return &Keyframe{
		ID:           id,
		observations: make(map[int]LandmarkID),
		children:     make(map[KeyframeID]struct{}),
		loopEdges:    make(map[KeyframeID]struct{}),
	}
}

// Pose returns a copy of the keyframe's current pose under the pose lock.
func (k *Keyframe) Pose() spatial.Pose {
	k.poseMu.RLock()
	defer k.poseMu.RUnlock()
	return k.pose
}

// SetPose writes a new pose under the pose lock. Called by optimizer
// writeback at commit time, never mid-iteration (spec.md section 5).
func (k *Keyframe) SetPose(p spatial.Pose) {
	k.poseMu.Lock()
	defer k.poseMu.Unlock()
	k.pose = p
}

// Observations returns a snapshot copy of the keypoint-index -> landmark
// map under the observations lock.
func (k *Keyframe) Observations() map[int]LandmarkID {
	k.obsMu.RLock()
	defer k.obsMu.RUnlock()
	out := make(map[int]LandmarkID, len(k.observations))
	for i, lm := range k.observations {
		out[i] = lm
	}
	return out
}

// Observation returns the landmark associated with keypoint index i, if
// any.
func (k *Keyframe) Observation(i int) (LandmarkID, bool) {
	k.obsMu.RLock()
	defer k.obsMu.RUnlock()
	lm, ok := k.observations[i]
	return lm, ok
}

// AddObservation associates keypoint index i with landmark lm.
func (k *Keyframe) AddObservation(i int, lm LandmarkID) {
	k.obsMu.Lock()
	defer k.obsMu.Unlock()
	k.observations[i] = lm
}

// EraseObservation removes any association at keypoint index i.
func (k *Keyframe) EraseObservation(i int) {
	k.obsMu.Lock()
	defer k.obsMu.Unlock()
	delete(k.observations, i)
}

// EraseObservationOfLandmark removes every keypoint association pointing
// at lm (used when a landmark is culled or merged away).
func (k *Keyframe) EraseObservationOfLandmark(lm LandmarkID) {
	k.obsMu.Lock()
	defer k.obsMu.Unlock()
	for i, l := range k.observations {
		if l == lm {
			delete(k.observations, i)
		}
	}
}

// NumObservations returns the number of keypoints currently carrying a
// landmark association.
func (k *Keyframe) NumObservations() int {
	k.obsMu.RLock()
	defer k.obsMu.RUnlock()
	return len(k.observations)
}

// SetParent sets the spanning-tree parent of this keyframe.
func (k *Keyframe) SetParent(p KeyframeID) {
	k.treeMu.Lock()
	defer k.treeMu.Unlock()
	k.parent = p
	k.hasParent = true
}

// Parent returns the spanning-tree parent, if any.
func (k *Keyframe) Parent() (KeyframeID, bool) {
	k.treeMu.Lock()
	defer k.treeMu.Unlock()
	return k.parent, k.hasParent
}

// ClearParent removes the spanning-tree parent link (origin keyframe only).
func (k *Keyframe) ClearParent() {
	k.treeMu.Lock()
	defer k.treeMu.Unlock()
	k.hasParent = false
}

// AddChild registers c as a spanning-tree child of this keyframe.
func (k *Keyframe) AddChild(c KeyframeID) {
	k.treeMu.Lock()
	defer k.treeMu.Unlock()
	k.children[c] = struct{}{}
}

// EraseChild removes c from this keyframe's spanning-tree children.
func (k *Keyframe) EraseChild(c KeyframeID) {
	k.treeMu.Lock()
	defer k.treeMu.Unlock()
	delete(k.children, c)
}

// Children returns a snapshot of the spanning-tree children.
func (k *Keyframe) Children() []KeyframeID {
	k.treeMu.Lock()
	defer k.treeMu.Unlock()
	out := make([]KeyframeID, 0, len(k.children))
	for c := range k.children {
		out = append(out, c)
	}
	return out
}

// AddLoopEdge registers a loop-closure partner.
func (k *Keyframe) AddLoopEdge(other KeyframeID) {
	k.treeMu.Lock()
	defer k.treeMu.Unlock()
	k.loopEdges[other] = struct{}{}
}

// LoopEdges returns a snapshot of this keyframe's loop-edge partners.
func (k *Keyframe) LoopEdges() []KeyframeID {
	k.treeMu.Lock()
	defer k.treeMu.Unlock()
	out := make([]KeyframeID, 0, len(k.loopEdges))
	for e := range k.loopEdges {
		out = append(out, e)
	}
	return out
}

// SetNotToBeErased pins or unpins this keyframe against culling, used
// while it participates in loop closure or an in-flight optimization.
func (k *Keyframe) SetNotToBeErased(v bool) {
	k.flagMu.Lock()
	defer k.flagMu.Unlock()
	k.notToBeErased = v
}

// NotToBeErased reports the pin flag.
func (k *Keyframe) NotToBeErased() bool {
	k.flagMu.Lock()
	defer k.flagMu.Unlock()
	return k.notToBeErased
}

// SetToBeErased marks this keyframe for deferred culling.
func (k *Keyframe) SetToBeErased(v bool) {
	k.flagMu.Lock()
	defer k.flagMu.Unlock()
	k.toBeErased = v
}

// ToBeErased reports the deferred-cull flag.
func (k *Keyframe) ToBeErased() bool {
	k.flagMu.Lock()
	defer k.flagMu.Unlock()
	return k.toBeErased
}

// SetBad tombstones this keyframe.
func (k *Keyframe) SetBad(v bool) {
	k.flagMu.Lock()
	defer k.flagMu.Unlock()
	k.isBad = v
}

// IsBad reports the tombstone flag.
func (k *Keyframe) IsBad() bool {
	k.flagMu.Lock()
	defer k.flagMu.Unlock()
	return k.isBad
}

// BoW returns the keyframe's BoW vector and feature-vector.
func (k *Keyframe) BoW() (map[uint32]float64, map[uint32][]int) {
	k.bowMu.RLock()
	defer k.bowMu.RUnlock()
	return k.bowVector, k.bowFeatVec
}

// SetBoW stores the keyframe's BoW vector and feature-vector.
func (k *Keyframe) SetBoW(v map[uint32]float64, fv map[uint32][]int) {
	k.bowMu.Lock()
	defer k.bowMu.Unlock()
	k.bowVector, k.bowFeatVec = v, fv
}
