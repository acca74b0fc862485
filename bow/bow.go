// Package bow implements the bag-of-words inverted index (C3 in spec.md
// section 4.3): visual-word-id -> posting list of keyframes, plus the
// candidate-retrieval algorithms used by loop detection and
// relocalization. Quantizing descriptors against a pretrained vocabulary
// tree is an external collaborator (spec.md section 1); this package
// only consumes the resulting BoW vectors.
package bow

import (
	"sort"
	"sync"

	"github.com/soallak/openvslam/slamtype"
)

// Vector is a sparse visual-word histogram: word id -> weight.
type Vector map[uint32]float64

// Similarity computes an L1-style score between two BoW vectors, the
// classic bag-of-words scoring function: the sum, over shared words, of
// the smaller of the two weights (the exact vocabulary-tree weighting
// scheme is an external collaborator's concern -- only the shape of the
// score matters to the clustering and thresholding logic below).
func Similarity(a, b Vector) float64 {
	// Iterate the smaller vector for efficiency.
	if len(b) < len(a) {
		a, b = b, a
	}
	var score float64
	for word, wa := range a {
		if wb, ok := b[word]; ok {
			if wa < wb {
				score += wa
			} else {
				score += wb
			}
		}
	}
	return score
}

// Index is the inverted file: word -> set of keyframes, plus a cache of
// each keyframe's own BoW vector for scoring.
type Index struct {
	mu       sync.RWMutex
	postings map[uint32]map[slamtype.KeyframeID]struct{}
	vectors  map[slamtype.KeyframeID]Vector
}

// New returns an empty BoW index.
func New() *Index {
	return &Index{
		postings: make(map[uint32]map[slamtype.KeyframeID]struct{}),
		vectors:  make(map[slamtype.KeyframeID]Vector),
	}
}

// Add inserts kf into the posting list of every word in its BoW vector
// (spec.md section 4.3: "for each word in keyframe's BoW vector, append
// keyframe to the posting list").
func (idx *Index) Add(kf slamtype.KeyframeID, vec Vector) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors[kf] = vec
	for word := range vec {
		if idx.postings[word] == nil {
			idx.postings[word] = make(map[slamtype.KeyframeID]struct{})
		}
		idx.postings[word][kf] = struct{}{}
	}
}

// Erase removes kf from every posting list and drops its cached vector.
func (idx *Index) Erase(kf slamtype.KeyframeID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	vec := idx.vectors[kf]
	for word := range vec {
		if set := idx.postings[word]; set != nil {
			delete(set, kf)
			if len(set) == 0 {
				delete(idx.postings, word)
			}
		}
	}
	delete(idx.vectors, kf)
}

// Vector returns kf's cached BoW vector.
func (idx *Index) Vector(kf slamtype.KeyframeID) (Vector, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v, ok := idx.vectors[kf]
	return v, ok
}

// sharingWord returns every keyframe sharing at least one word with
// query, excluding the ids in exclude.
func (idx *Index) sharingWord(query Vector, exclude map[slamtype.KeyframeID]struct{}) map[slamtype.KeyframeID]struct{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	candidates := make(map[slamtype.KeyframeID]struct{})
	for word := range query {
		for kf := range idx.postings[word] {
			if _, excluded := exclude[kf]; excluded {
				continue
			}
			candidates[kf] = struct{}{}
		}
	}
	return candidates
}

// ClusterFunc groups a keyframe into its covisibility cluster id, for the
// score-accumulation clustering step shared by loop detection and
// relocalization (spec.md section 4.3: "cluster candidates by
// covisibility (accumulate score per cluster)").
type ClusterFunc func(kf slamtype.KeyframeID) []slamtype.KeyframeID

// Candidate is a retrieval result: a representative keyframe from a
// covisibility cluster, with the cluster's accumulated score.
type Candidate struct {
	Keyframe slamtype.KeyframeID
	Score    float64
}

// Retrieve runs the shared candidate-retrieval algorithm: find keyframes
// sharing >=1 word with query (excluding `exclude`), score each by BoW
// similarity, cluster by covisibility accumulating score per cluster,
// and keep clusters whose accumulated score exceeds bestScore*0.8
// (spec.md section 4.3). The representative keyframe returned per
// cluster is the one with the single highest individual score.
func (idx *Index) Retrieve(query Vector, exclude map[slamtype.KeyframeID]struct{}, cluster ClusterFunc) []Candidate {
	raw := idx.sharingWord(query, exclude)
	if len(raw) == 0 {
		return nil
	}

	idx.mu.RLock()
	individual := make(map[slamtype.KeyframeID]float64, len(raw))
	for kf := range raw {
		individual[kf] = Similarity(query, idx.vectors[kf])
	}
	idx.mu.RUnlock()

	// Cluster: union each candidate with its covisibility neighbors that
	// are also candidates, accumulating score and tracking the highest
	// individual scorer as the cluster's representative.
	visited := make(map[slamtype.KeyframeID]bool)
	var clusters []Candidate
	var best float64

	for kf := range raw {
		if visited[kf] {
			continue
		}
		group := []slamtype.KeyframeID{kf}
		visited[kf] = true
		for _, n := range cluster(kf) {
			if _, ok := raw[n]; ok && !visited[n] {
				visited[n] = true
				group = append(group, n)
			}
		}
		var sum float64
		rep := group[0]
		repScore := individual[rep]
		for _, g := range group {
			sum += individual[g]
			if individual[g] > repScore {
				repScore = individual[g]
				rep = g
			}
		}
		clusters = append(clusters, Candidate{Keyframe: rep, Score: sum})
		if sum > best {
			best = sum
		}
	}

	threshold := best * 0.8
	out := clusters[:0]
	for _, c := range clusters {
		if c.Score >= threshold {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// RetrieveForRelocalization is identical to Retrieve but with an empty
// exclusion set, per spec.md section 4.3.
func (idx *Index) RetrieveForRelocalization(query Vector, cluster ClusterFunc) []Candidate {
	return idx.Retrieve(query, nil, cluster)
}
