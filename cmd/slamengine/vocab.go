package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/soallak/openvslam/bow"
	"github.com/soallak/openvslam/feature"
)

// nearestCenterVocabulary is a one-level stand-in for the multi-level
// vocabulary tree spec.md section 1 treats as an external collaborator:
// each descriptor is quantized to the id of its nearest center by
// Hamming distance. A production deployment would load a DBoW3-style
// tree instead; this is enough to exercise bow.Index end-to-end from
// the CLI without committing this module to a vocabulary-training
// implementation, which spec.md scopes out.
type nearestCenterVocabulary struct {
	centers []feature.Descriptor
}

// loadVocabulary reads a JSON array of center descriptors (each a
// 4-element array of uint64) from path.
func loadVocabulary(path string) (*nearestCenterVocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading vocabulary %s", path)
	}
	var raw [][4]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing vocabulary %s", path)
	}
	if len(raw) == 0 {
		return nil, errors.New("vocabulary file has no centers")
	}
	centers := make([]feature.Descriptor, len(raw))
	for i, c := range raw {
		centers[i] = feature.Descriptor(c)
	}
	return &nearestCenterVocabulary{centers: centers}, nil
}

// Transform implements mapping.BoWVocabulary.
func (v *nearestCenterVocabulary) Transform(descs []feature.Descriptor) (bow.Vector, map[uint32][]int) {
	vec := make(bow.Vector, len(descs))
	featVec := make(map[uint32][]int, len(descs))
	for i, d := range descs {
		word := v.nearest(d)
		vec[word] += 1
		featVec[word] = append(featVec[word], i)
	}
	for word := range vec {
		vec[word] /= float64(len(descs))
	}
	return vec, featVec
}

func (v *nearestCenterVocabulary) nearest(d feature.Descriptor) uint32 {
	best, bestDist := 0, -1
	for i, c := range v.centers {
		dist := d.HammingDistance(c)
		if bestDist < 0 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return uint32(best)
}

// hashVocabulary is the no-file-needed default: each descriptor's own
// leading 32 bits are its word id. It has none of a trained vocabulary's
// clustering quality (visually similar descriptors rarely collide), but
// needs no external asset, so `slamengine` runs out of the box; pass
// -vocab to use a real set of trained centers instead.
type hashVocabulary struct{}

func newHashVocabulary() *hashVocabulary { return &hashVocabulary{} }

// Transform implements mapping.BoWVocabulary.
func (hashVocabulary) Transform(descs []feature.Descriptor) (bow.Vector, map[uint32][]int) {
	vec := make(bow.Vector, len(descs))
	featVec := make(map[uint32][]int, len(descs))
	for i, d := range descs {
		word := uint32(d[0] >> 32)
		vec[word] += 1
		featVec[word] = append(featVec[word], i)
	}
	for word := range vec {
		vec[word] /= float64(len(descs))
	}
	return vec, featVec
}
