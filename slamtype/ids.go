// Package slamtype holds the C4 data-model types: Frame, Keyframe, and
// Landmark. Per spec.md section 9's note on replacing the source's
// cyclic shared_ptr ownership, keyframes and landmarks never reference
// each other by pointer — only by these stable integer ids, resolved
// through the map database (package mapdb), which owns the arenas and
// the locks that make dereferencing safe.
package slamtype

// FrameID identifies a transient Frame. Monotonically assigned, never
// reused.
type FrameID uint64

// KeyframeID identifies a durable Keyframe. A separate monotonic counter
// from FrameID, per spec.md section 3.
type KeyframeID uint64

// LandmarkID identifies a persistent Landmark.
type LandmarkID uint64

// NoLandmark is the sentinel for "this keypoint has no associated
// landmark".
const NoLandmark = LandmarkID(0)

// NoKeyframe is the sentinel for "no keyframe" (e.g. an origin keyframe's
// spanning-tree parent).
const NoKeyframe = KeyframeID(0)
