package slamtype

import (
	"sync"

	"github.com/golang/geo/r3"
	"github.com/soallak/openvslam/feature"
)

// Landmark is a persistent 3D point with multi-view observations
// (spec.md section 3). All cross-references are ids, resolved through
// the map database.
type Landmark struct {
	ID LandmarkID

	mu                   sync.RWMutex
	position             r3.Vector
	meanViewingDirection r3.Vector
	dMin, dMax           float64
	descriptor           feature.Descriptor
	referenceKeyframe    KeyframeID

	obsMu        sync.RWMutex
	observations map[KeyframeID]int // keyframe -> keypoint index

	counterMu sync.Mutex
	nVisible  int
	nFound    int

	introducedAtKeyframe KeyframeID // for the grace-window check

	flagMu sync.Mutex
	isBad  bool
}

// NewLandmark creates a landmark seeded from a single observation.
func NewLandmark(id LandmarkID, position r3.Vector, refKF KeyframeID, introducedAt KeyframeID) *Landmark {
	return &Landmark{
		ID:                   id,
		position:             position,
		referenceKeyframe:    refKF,
		observations:         make(map[KeyframeID]int),
		nVisible:             1,
		nFound:               1,
		introducedAtKeyframe: introducedAt,
	}
}

// Position returns the landmark's current world position.
func (l *Landmark) Position() r3.Vector {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.position
}

// SetPosition updates the world position (BA writeback or triangulation).
func (l *Landmark) SetPosition(p r3.Vector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position = p
}

// MeanViewingDirection returns the cached mean viewing direction.
func (l *Landmark) MeanViewingDirection() r3.Vector {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meanViewingDirection
}

// ScaleBounds returns (d_min, d_max), the scale-invariance distance
// bounds.
func (l *Landmark) ScaleBounds() (float64, float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dMin, l.dMax
}

// Descriptor returns the representative descriptor (median Hamming among
// observations).
func (l *Landmark) Descriptor() feature.Descriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.descriptor
}

// ReferenceKeyframe returns the keyframe this landmark was triangulated
// or seeded from.
func (l *Landmark) ReferenceKeyframe() KeyframeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.referenceKeyframe
}

// SetReferenceKeyframe reassigns the reference keyframe, used by
// replace_reference_keyframe-style bookkeeping when the original
// reference is erased.
func (l *Landmark) SetReferenceKeyframe(kf KeyframeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.referenceKeyframe = kf
}

// SetAttributes atomically updates mean viewing direction, scale bounds,
// and representative descriptor -- the attributes spec.md section 3 says
// are "recomputed whenever observations change". Position is set
// separately via SetPosition.
func (l *Landmark) SetAttributes(meanDir r3.Vector, dMin, dMax float64, desc feature.Descriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.meanViewingDirection = meanDir
	l.dMin, l.dMax = dMin, dMax
	l.descriptor = desc
}

// Observations returns a snapshot of the keyframe -> keypoint-index map.
func (l *Landmark) Observations() map[KeyframeID]int {
	l.obsMu.RLock()
	defer l.obsMu.RUnlock()
	out := make(map[KeyframeID]int, len(l.observations))
	for kf, idx := range l.observations {
		out[kf] = idx
	}
	return out
}

// NumObservations returns the number of keyframes observing this
// landmark.
func (l *Landmark) NumObservations() int {
	l.obsMu.RLock()
	defer l.obsMu.RUnlock()
	return len(l.observations)
}

// AddObservation registers that keyframe kf observes this landmark at
// keypoint index idx.
func (l *Landmark) AddObservation(kf KeyframeID, idx int) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observations[kf] = idx
}

// EraseObservation removes keyframe kf's observation of this landmark.
func (l *Landmark) EraseObservation(kf KeyframeID) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	delete(l.observations, kf)
}

// IndexInKeyframe returns the keypoint index kf observed this landmark
// at, if any.
func (l *Landmark) IndexInKeyframe(kf KeyframeID) (int, bool) {
	l.obsMu.RLock()
	defer l.obsMu.RUnlock()
	idx, ok := l.observations[kf]
	return idx, ok
}

// IncrementVisible increments the "was in frustum" counter used by the
// n_found/n_visible culling ratio.
func (l *Landmark) IncrementVisible(n int) {
	l.counterMu.Lock()
	defer l.counterMu.Unlock()
	l.nVisible += n
}

// IncrementFound increments the "was successfully matched" counter.
func (l *Landmark) IncrementFound(n int) {
	l.counterMu.Lock()
	defer l.counterMu.Unlock()
	l.nFound += n
}

// FoundRatio returns n_found/n_visible, the culling ratio from spec.md
// section 3 (culled if < 0.25).
func (l *Landmark) FoundRatio() float64 {
	l.counterMu.Lock()
	defer l.counterMu.Unlock()
	if l.nVisible == 0 {
		return 0
	}
	return float64(l.nFound) / float64(l.nVisible)
}

// Counters returns the raw (nFound, nVisible) pair.
func (l *Landmark) Counters() (int, int) {
	l.counterMu.Lock()
	defer l.counterMu.Unlock()
	return l.nFound, l.nVisible
}

// IntroducedAtKeyframe returns the keyframe id current when this
// landmark was created, the anchor for the grace-window check (spec.md
// section 3: "observed by fewer than 2 keyframes within a grace window
// of ~3 keyframes after introduction").
func (l *Landmark) IntroducedAtKeyframe() KeyframeID {
	return l.introducedAtKeyframe
}

// SetBad tombstones this landmark.
func (l *Landmark) SetBad(v bool) {
	l.flagMu.Lock()
	defer l.flagMu.Unlock()
	l.isBad = v
}

// IsBad reports the tombstone flag.
func (l *Landmark) IsBad() bool {
	l.flagMu.Lock()
	defer l.flagMu.Unlock()
	return l.isBad
}
