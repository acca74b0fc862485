package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/soallak/openvslam/feature"
)

// keyPointRecord is the on-disk JSON shape of one feature.KeyPoint, per
// SPEC_FULL.md section A.5's note that feature extraction is an external
// collaborator's concern: this command replays features an extractor
// already computed rather than running one itself.
type keyPointRecord struct {
	X, Y       float64
	Octave     int
	Angle      float64
	Response   float64
	Bearing    [3]float64
	HasStereo  bool
	StereoU    float64
	DepthMeter float64
}

// frameRecord is one dataset entry: a frame's timestamp plus its already-
// extracted keypoints/descriptors, and (stereo rigs only) the paired
// right-image extraction.
type frameRecord struct {
	TimestampUnixNano int64
	Width, Height     int
	KeyPoints         []keyPointRecord
	Descriptors       [][4]uint64
	RightKeyPoints    []keyPointRecord `json:"RightKeyPoints,omitempty"`
	RightDescriptors  [][4]uint64      `json:"RightDescriptors,omitempty"`
	DepthMeters       []float32        `json:"DepthMeters,omitempty"`
}

func toExtractionResult(kps []keyPointRecord, descs [][4]uint64) feature.ExtractionResult {
	ext := feature.ExtractionResult{ScaleFactor: 1.2, NumLevels: 8}
	for i, kp := range kps {
		ext.KeyPoints = append(ext.KeyPoints, feature.KeyPoint{
			X: kp.X, Y: kp.Y, Octave: kp.Octave, Angle: kp.Angle, Response: kp.Response,
			Bearing:    r3.Vector{X: kp.Bearing[0], Y: kp.Bearing[1], Z: kp.Bearing[2]},
			HasStereo:  kp.HasStereo,
			StereoU:    kp.StereoU,
			DepthMeter: kp.DepthMeter,
		})
		var d feature.Descriptor
		if i < len(descs) {
			d = feature.Descriptor(descs[i])
		}
		ext.Descriptors = append(ext.Descriptors, d)
	}
	return ext
}

// loadDataset reads every *.json file in dir, sorted by filename, as one
// frameRecord each.
func loadDataset(dir string) ([]frameRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset directory %s", dir)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	records := make([]frameRecord, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "reading dataset frame %s", name)
		}
		var rec frameRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, errors.Wrapf(err, "parsing dataset frame %s", name)
		}
		records = append(records, rec)
	}
	return records, nil
}

// timestampOf returns rec's recorded timestamp, or now if it was left
// unset (synthetic fixtures commonly omit it).
func timestampOf(rec frameRecord) time.Time {
	if rec.TimestampUnixNano == 0 {
		return time.Now()
	}
	return time.Unix(0, rec.TimestampUnixNano)
}

// datasetExtractor implements feature.Extractor by replaying pre-recorded
// dataset frames instead of running real feature detection (spec.md
// section 1: feature extraction is an external collaborator). Extract
// ignores the image/mask it's given entirely.
//
// For stereo rigs, system.System.FeedStereoFrame calls Extract twice per
// frame (left image, then right image); this extractor alternates
// between a frame's primary and paired records to serve that pattern
// without system needing a second extractor slot.
type datasetExtractor struct {
	mu     sync.Mutex
	frames []frameRecord
	cursor int
	// awaitingPair is true between a frame's left-image Extract call and
	// its right-image one.
	awaitingPair bool
}

func newDatasetExtractor(frames []frameRecord) *datasetExtractor {
	return &datasetExtractor{frames: frames}
}

func (e *datasetExtractor) Extract(image []byte, width, height int, mask []byte) (feature.ExtractionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.awaitingPair {
		e.awaitingPair = false
		rec := e.frames[e.cursor-1]
		return toExtractionResult(rec.RightKeyPoints, rec.RightDescriptors), nil
	}
	if e.cursor >= len(e.frames) {
		return feature.ExtractionResult{}, io.EOF
	}
	rec := e.frames[e.cursor]
	e.cursor++
	if rec.RightKeyPoints != nil {
		e.awaitingPair = true
	}
	return toExtractionResult(rec.KeyPoints, rec.Descriptors), nil
}

// remaining reports how many primary frames are left unconsumed, for the
// feed loop's termination check.
func (e *datasetExtractor) remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames) - e.cursor
}
