// Package matcher implements the three descriptor-matching modes plus
// the landmark-fusion variant described in spec.md section 4.4: a
// projection match against a predicted pose, a BoW-guided match that
// walks two BoW feature-vectors in lockstep, and a robust geometric
// match that uses an 8-point RANSAC fundamental-matrix estimate when no
// pose prior exists.
package matcher

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/slamtype"
)

// Match pairs a current-frame keypoint index with a reference-side index
// (a keypoint index in BoW/robust matching, or a target index in
// projection matching).
type Match struct {
	CurrIdx int
	RefIdx  int
	Dist    int
}

// Config holds the per-mode ratio-test thresholds from spec.md section 6
// (Tracking.reloc.*_lowe_ratio) and section 4.4's defaults.
type Config struct {
	ProjectionRatio float64 // default 0.9
	BoWRatio        float64 // default 0.75
	RobustRatio     float64 // default 0.8
	MaxHamming      int     // default 50, projection-mode hard cutoff
}

// DefaultConfig returns the defaults named in spec.md section 4.4/6.
func DefaultConfig() Config {
	return Config{
		ProjectionRatio: 0.9,
		BoWRatio:        0.75,
		RobustRatio:     0.8,
		MaxHamming:      50,
	}
}

// bestToSecondRatioTest applies Lowe's ratio test: accept the best
// candidate only if best/second <= ratio (or there is no second
// candidate).
func bestToSecondRatioTest(best, second int, ratio float64) bool {
	if second == 0 {
		return true
	}
	return float64(best) <= ratio*float64(second)
}

// ProjectionTarget is one landmark projected into the current frame: its
// predicted pixel, predicted octave, and representative descriptor
// (spec.md section 4.4).
type ProjectionTarget struct {
	RefIndex        int // caller-defined identity for the projected landmark
	PredictedPixel  r2.Point
	PredictedOctave int
	Descriptor      feature.Descriptor
}

// octaveWithinOne reports whether b is within +/-1 octave of a, the
// scale-consistency gate spec.md section 4.4 applies to projection
// matching.
func octaveWithinOne(a, b int) bool {
	d := a - b
	return d >= -1 && d <= 1
}

// ProjectionMatch implements spec.md section 4.4's projection mode: for
// each target, constrain the search to grid cells within radius =
// margin*scaleFactor^predictedOctave, require octaves within +/-1, and
// accept the best candidate if Hamming <= cfg.MaxHamming and the ratio
// test passes.
func ProjectionMatch(
	targets []ProjectionTarget,
	currDescriptors []feature.Descriptor,
	currKeyPoints []feature.KeyPoint,
	grid *slamtype.Grid,
	margin, scaleFactor float64,
	cfg Config,
	alreadyMatched map[int]bool, // current-frame keypoint indices already claimed
) []Match {
	var matches []Match
	for _, target := range targets {
		radius := margin * math.Pow(scaleFactor, float64(target.PredictedOctave))
		candidates := grid.QueryRadius(target.PredictedPixel, radius)

		bestDist, secondDist := math.MaxInt32, math.MaxInt32
		bestIdx := -1
		for _, ci := range candidates {
			if alreadyMatched != nil && alreadyMatched[ci] {
				continue
			}
			if !octaveWithinOne(target.PredictedOctave, currKeyPoints[ci].Octave) {
				continue
			}
			d := target.Descriptor.HammingDistance(currDescriptors[ci])
			if d < bestDist {
				secondDist = bestDist
				bestDist = d
				bestIdx = ci
			} else if d < secondDist {
				secondDist = d
			}
		}
		if bestIdx < 0 || bestDist > cfg.MaxHamming {
			continue
		}
		if !bestToSecondRatioTest(bestDist, secondDist, cfg.ProjectionRatio) {
			continue
		}
		matches = append(matches, Match{CurrIdx: bestIdx, RefIdx: target.RefIndex, Dist: bestDist})
	}
	return matches
}

// BoWMatch implements spec.md section 4.4's BoW-guided mode: walk both
// BoW feature-vectors in lockstep and, for each shared node, exhaustively
// compare only the descriptors filed under that node.
func BoWMatch(
	desc1 []feature.Descriptor, featVec1 map[uint32][]int,
	desc2 []feature.Descriptor, featVec2 map[uint32][]int,
	cfg Config,
) []Match {
	var matches []Match
	used2 := make(map[int]bool)
	for node, idxs1 := range featVec1 {
		idxs2, ok := featVec2[node]
		if !ok {
			continue
		}
		for _, i1 := range idxs1 {
			bestDist, secondDist := math.MaxInt32, math.MaxInt32
			bestI2 := -1
			for _, i2 := range idxs2 {
				if used2[i2] {
					continue
				}
				d := desc1[i1].HammingDistance(desc2[i2])
				if d < bestDist {
					secondDist = bestDist
					bestDist = d
					bestI2 = i2
				} else if d < secondDist {
					secondDist = d
				}
			}
			if bestI2 < 0 {
				continue
			}
			if !bestToSecondRatioTest(bestDist, secondDist, cfg.BoWRatio) {
				continue
			}
			matches = append(matches, Match{CurrIdx: i1, RefIdx: bestI2, Dist: bestDist})
			used2[bestI2] = true
		}
	}
	return matches
}

// RobustMatch implements spec.md section 4.4's no-prior-pose mode:
// exhaustive descriptor matching with the ratio test, followed by
// 8-point RANSAC fundamental-matrix consistency filtering (chi-squared
// threshold 3.84 at 95% confidence, 200 iterations).
func RobustMatch(
	desc1 []feature.Descriptor, bearings1 []r3.Vector,
	desc2 []feature.Descriptor, bearings2 []r3.Vector,
	cfg Config,
	rngSeed int64,
) []Match {
	raw := exhaustiveRatioMatch(desc1, desc2, cfg.RobustRatio)
	if len(raw) < 8 {
		return nil
	}
	inlierMask := RansacFundamental(bearings1, bearings2, raw, 200, 3.84, rngSeed)
	out := raw[:0]
	for i, m := range raw {
		if inlierMask[i] {
			out = append(out, m)
		}
	}
	return out
}

func exhaustiveRatioMatch(desc1, desc2 []feature.Descriptor, ratio float64) []Match {
	var matches []Match
	used2 := make(map[int]bool)
	for i1, d1 := range desc1 {
		bestDist, secondDist := math.MaxInt32, math.MaxInt32
		bestI2 := -1
		for i2, d2 := range desc2 {
			if used2[i2] {
				continue
			}
			d := d1.HammingDistance(d2)
			if d < bestDist {
				secondDist = bestDist
				bestDist = d
				bestI2 = i2
			} else if d < secondDist {
				secondDist = d
			}
		}
		if bestI2 < 0 || !bestToSecondRatioTest(bestDist, secondDist, ratio) {
			continue
		}
		matches = append(matches, Match{CurrIdx: i1, RefIdx: bestI2, Dist: bestDist})
		used2[bestI2] = true
	}
	return matches
}

// OrientationConsistencyFilter retains only matches whose keypoint angle
// difference falls within the top-3 histogram bins (30-degree bins),
// per spec.md section 4.4.
func OrientationConsistencyFilter(matches []Match, angles1, angles2 []float64) []Match {
	const binWidth = 30.0
	const numBins = 12 // 360/30
	buckets := make([][]int, numBins)
	diffs := make([]float64, len(matches))
	for i, m := range matches {
		diff := angles1[m.CurrIdx] - angles2[m.RefIdx]
		diff = normalizeDegrees(diff)
		diffs[i] = diff
		bin := int(diff/binWidth) % numBins
		if bin < 0 {
			bin += numBins
		}
		buckets[bin] = append(buckets[bin], i)
	}

	type binCount struct {
		bin   int
		count int
	}
	counts := make([]binCount, numBins)
	for b := range buckets {
		counts[b] = binCount{bin: b, count: len(buckets[b])}
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].count > counts[j].count })

	keep := make(map[int]bool)
	top := counts
	if len(top) > 3 {
		top = top[:3]
	}
	for _, bc := range top {
		if bc.count == 0 {
			continue
		}
		for _, idx := range buckets[bc.bin] {
			keep[idx] = true
		}
	}

	out := make([]Match, 0, len(matches))
	for i, m := range matches {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

func normalizeDegrees(d float64) float64 {
	d = math.Mod(d*180/math.Pi, 360)
	if d < 0 {
		d += 360
	}
	return d
}
