package mapdb

import (
	"encoding/json"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/soallak/openvslam/bow"
	"github.com/soallak/openvslam/covis"
	"github.com/soallak/openvslam/slamtype"
	"github.com/soallak/openvslam/spatial"
)

// wireKeyframe/wireLandmark/wireEdge/wireObservation are the JSON wire
// shapes for map persistence (spec.md section 4.1: "Serialization
// produces a JSON of (keyframes, landmarks, graph edges,
// associations)").
type wireKeyframe struct {
	ID        uint64     `json:"id"`
	PoseQuat  [4]float64 `json:"pose_quat_wxyz"`
	PoseTrans [3]float64 `json:"pose_translation"`
	IsOrigin  bool       `json:"is_origin"`
	Parent    uint64     `json:"parent,omitempty"`
	HasParent bool       `json:"has_parent"`
}

type wireLandmark struct {
	ID       uint64     `json:"id"`
	Position [3]float64 `json:"position"`
	RefKF    uint64     `json:"reference_keyframe"`
}

type wireEdge struct {
	A      uint64 `json:"a"`
	B      uint64 `json:"b"`
	Weight int    `json:"weight"`
}

type wireObservation struct {
	Keyframe    uint64 `json:"keyframe"`
	Landmark    uint64 `json:"landmark"`
	KeypointIdx int    `json:"keypoint_idx"`
}

type wireMap struct {
	Keyframes    []wireKeyframe    `json:"keyframes"`
	Landmarks    []wireLandmark    `json:"landmarks"`
	Edges        []wireEdge        `json:"edges"`
	Observations []wireObservation `json:"observations"`
}

// Serialize produces the map-persistence JSON document (spec.md section
// 4.1). Camera models and raw descriptors are not round-tripped: a
// deserialized map's keyframes carry only pose/graph/observation state,
// since feature re-extraction and camera calibration are external
// collaborators (spec.md section 1) -- this mirrors original_source's
// own map I/O, which persists only the optimization-relevant state.
func (d *Database) Serialize() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var doc wireMap
	for id, kf := range d.keyframes {
		p := kf.Pose()
		parent, hasParent := d.tree.Parent(id)
		doc.Keyframes = append(doc.Keyframes, wireKeyframe{
			ID:        uint64(id),
			PoseQuat:  [4]float64{p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag},
			PoseTrans: [3]float64{p.Translation.X, p.Translation.Y, p.Translation.Z},
			IsOrigin:  id == d.origin,
			Parent:    uint64(parent),
			HasParent: hasParent,
		})
		for kpIdx, lmID := range kf.Observations() {
			doc.Observations = append(doc.Observations, wireObservation{
				Keyframe:    uint64(id),
				Landmark:    uint64(lmID),
				KeypointIdx: kpIdx,
			})
		}
	}
	for id, lm := range d.landmarks {
		pos := lm.Position()
		doc.Landmarks = append(doc.Landmarks, wireLandmark{
			ID:       uint64(id),
			Position: [3]float64{pos.X, pos.Y, pos.Z},
			RefKF:    uint64(lm.ReferenceKeyframe()),
		})
	}
	for _, e := range d.covis.Edges() {
		doc.Edges = append(doc.Edges, wireEdge{A: uint64(e.A), B: uint64(e.B), Weight: e.Weight})
	}

	// d.keyframes/d.landmarks and each keyframe's Observations() are Go
	// maps, so the appends above happen in random order; sort every slice
	// by its stable id before marshaling so repeated
	// serialize->deserialize->serialize round-trips are byte-equal
	// (spec.md testable property 6: "use canonical key sort"). Edges is
	// already sorted by covis.Graph.Edges itself.
	sort.Slice(doc.Keyframes, func(i, j int) bool { return doc.Keyframes[i].ID < doc.Keyframes[j].ID })
	sort.Slice(doc.Landmarks, func(i, j int) bool { return doc.Landmarks[i].ID < doc.Landmarks[j].ID })
	sort.Slice(doc.Observations, func(i, j int) bool {
		if doc.Observations[i].Keyframe != doc.Observations[j].Keyframe {
			return doc.Observations[i].Keyframe < doc.Observations[j].Keyframe
		}
		return doc.Observations[i].KeypointIdx < doc.Observations[j].KeypointIdx
	})

	return json.Marshal(doc)
}

// Deserialize rebuilds the database from a Serialize document. The
// reference engine's data/map_database.h runs this as four explicit
// passes (register keyframes -> register landmarks -> rebuild graph
// edges -> rebuild observations) because later passes dereference ids
// the earlier passes must have already registered; we keep that ordering
// exactly (spec.md section 4.1).
func (d *Database) Deserialize(data []byte) error {
	var doc wireMap
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.keyframes = make(map[slamtype.KeyframeID]*slamtype.Keyframe)
	d.landmarks = make(map[slamtype.LandmarkID]*slamtype.Landmark)
	d.covis = covis.New()
	d.tree = covis.NewSpanningTree()
	d.bow = bow.New()
	d.hasOrigin = false
	d.lastInserted = 0
	d.localLandmarks = make(map[slamtype.LandmarkID]struct{})

	// Pass 1: register keyframes (pose only; graph/observations follow).
	parents := make(map[slamtype.KeyframeID]uint64)
	hasParent := make(map[slamtype.KeyframeID]bool)
	for _, wk := range doc.Keyframes {
		id := slamtype.KeyframeID(wk.ID)
		kf := slamtype.NewEmptyKeyframe(id)
		kf.SetPose(spatial.Pose{
			Rotation:    quat.Number{Real: wk.PoseQuat[0], Imag: wk.PoseQuat[1], Jmag: wk.PoseQuat[2], Kmag: wk.PoseQuat[3]},
			Translation: r3.Vector{X: wk.PoseTrans[0], Y: wk.PoseTrans[1], Z: wk.PoseTrans[2]},
		})
		d.keyframes[id] = kf
		d.covis.AddVertex(id)
		if wk.IsOrigin {
			d.origin = id
			d.hasOrigin = true
			d.tree.SetRoot(id)
		}
		parents[id] = wk.Parent
		hasParent[id] = wk.HasParent
		d.lastInserted = id
	}

	// Pass 2: register landmarks.
	var maxLandmarkID slamtype.LandmarkID
	for _, wl := range doc.Landmarks {
		id := slamtype.LandmarkID(wl.ID)
		refKF := slamtype.KeyframeID(wl.RefKF)
		lm := slamtype.NewLandmark(id, r3.Vector{X: wl.Position[0], Y: wl.Position[1], Z: wl.Position[2]}, refKF, refKF)
		d.landmarks[id] = lm
		if id > maxLandmarkID {
			maxLandmarkID = id
		}
	}
	// The shared allocator (see NewLandmarkID) must resume past every id
	// the loaded map already uses.
	d.nextLandmarkID.Store(int64(maxLandmarkID))

	// Pass 3: rebuild graph edges (spanning tree parent links + covisibility weights).
	for id, hasP := range hasParent {
		if hasP {
			d.tree.SetParent(id, slamtype.KeyframeID(parents[id]))
		}
	}
	for _, we := range doc.Edges {
		d.covis.AddConnection(slamtype.KeyframeID(we.A), slamtype.KeyframeID(we.B), we.Weight)
	}

	// Pass 4: rebuild observations (keyframe <-> landmark cross-references).
	for _, wo := range doc.Observations {
		kf, ok := d.keyframes[slamtype.KeyframeID(wo.Keyframe)]
		if !ok {
			continue
		}
		lm, ok := d.landmarks[slamtype.LandmarkID(wo.Landmark)]
		if !ok {
			continue
		}
		kf.AddObservation(wo.KeypointIdx, lm.ID)
		lm.AddObservation(kf.ID, wo.KeypointIdx)
	}

	return nil
}
