package matcher

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soallak/openvslam/feature"
	"github.com/soallak/openvslam/slamtype"
)

func descWithBits(bits ...int) feature.Descriptor {
	var d feature.Descriptor
	for _, b := range bits {
		d[b/64] |= 1 << uint(b%64)
	}
	return d
}

func TestBestToSecondRatioTestAcceptsWithoutSecond(t *testing.T) {
	assert.True(t, bestToSecondRatioTest(10, 0, 0.8))
}

func TestBestToSecondRatioTestRejectsAmbiguousMatch(t *testing.T) {
	assert.False(t, bestToSecondRatioTest(18, 20, 0.8)) // 18 > 0.8*20=16
	assert.True(t, bestToSecondRatioTest(10, 20, 0.8))
}

func TestProjectionMatchFindsNearestWithinRadius(t *testing.T) {
	grid := slamtype.NewGrid(1000, 1000, 20, 20)
	kps := []feature.KeyPoint{
		{X: 100, Y: 100, Octave: 2},
		{X: 500, Y: 500, Octave: 2},
	}
	grid.Insert(0, kps[0].X, kps[0].Y)
	grid.Insert(1, kps[1].X, kps[1].Y)
	descs := []feature.Descriptor{descWithBits(1, 2, 3), descWithBits(60, 61)}

	targets := []ProjectionTarget{
		{RefIndex: 42, PredictedPixel: r2.Point{X: 101, Y: 99}, PredictedOctave: 2, Descriptor: descWithBits(1, 2, 3)},
	}
	cfg := DefaultConfig()
	matches := ProjectionMatch(targets, descs, kps, grid, 10, 1.2, cfg, nil)
	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].CurrIdx)
	assert.Equal(t, 42, matches[0].RefIdx)
}

func TestBoWMatchOnlyComparesSharedWords(t *testing.T) {
	desc1 := []feature.Descriptor{descWithBits(1, 2), descWithBits(100, 101)}
	desc2 := []feature.Descriptor{descWithBits(1, 2), descWithBits(200)}
	fv1 := map[uint32][]int{10: {0}, 20: {1}}
	fv2 := map[uint32][]int{10: {0}} // word 20 absent from desc2

	matches := BoWMatch(desc1, fv1, desc2, fv2, DefaultConfig())
	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].CurrIdx)
	assert.Equal(t, 0, matches[0].RefIdx)
}

func TestOrientationConsistencyFilterDropsMinorityBins(t *testing.T) {
	var matches []Match
	for i := 0; i < 8; i++ {
		matches = append(matches, Match{CurrIdx: i, RefIdx: i})
	}
	// Angle differences (radians) fill four 30-degree bins: three matches
	// near 0 degrees, two near 34, two near 69, and one 172-degree outlier
	// alone in a fourth bin, outside the top three.
	angles1 := []float64{0, 0.01, 0.02, 0.6, 0.61, 1.2, 1.21, 3.0}
	angles2 := make([]float64, 8)
	kept := OrientationConsistencyFilter(matches, angles1, angles2)
	foundOutlier := false
	for _, m := range kept {
		if m.CurrIdx == 7 {
			foundOutlier = true
		}
	}
	assert.False(t, foundOutlier)
	assert.Len(t, kept, 7)
}

func TestRansacFundamentalAcceptsConsistentRejectsOutlier(t *testing.T) {
	// Build bearing correspondences for points at varied depths seen from
	// two cameras related by a rotation about Y plus a sideways shift
	// (camera2 = Ry(theta) * camera1 + shift), then inject one outlier
	// match. A pure rotation or a planar scene would leave the essential
	// matrix undetermined, letting a sample that contains the outlier fit
	// every correspondence.
	theta := 0.2
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	rotate := func(v r3.Vector) r3.Vector {
		return r3.Vector{
			X: cosT*v.X + sinT*v.Z,
			Y: v.Y,
			Z: -sinT*v.X + cosT*v.Z,
		}
	}

	var bearings1, bearings2 []r3.Vector
	var matches []Match
	dirs := []r3.Vector{
		{X: 0.1, Y: 0.2, Z: 1}, {X: -0.3, Y: 0.1, Z: 1}, {X: 0.2, Y: -0.2, Z: 1},
		{X: 0.05, Y: 0.3, Z: 1}, {X: -0.1, Y: -0.3, Z: 1}, {X: 0.4, Y: 0.1, Z: 1},
		{X: -0.2, Y: 0.25, Z: 1}, {X: 0.15, Y: -0.1, Z: 1}, {X: -0.05, Y: 0.05, Z: 1},
	}
	shift := r3.Vector{X: 0.5, Y: 0, Z: 0}
	for i, d := range dirs {
		p1 := d.Mul(2 + 0.5*float64(i))
		b1 := p1.Normalize()
		b2 := rotate(p1).Add(shift).Normalize()
		bearings1 = append(bearings1, b1)
		bearings2 = append(bearings2, b2)
		matches = append(matches, Match{CurrIdx: i, RefIdx: i})
	}
	// Outlier: unrelated bearing pair.
	bearings1 = append(bearings1, r3.Vector{X: 1, Y: 0, Z: 0}.Normalize())
	bearings2 = append(bearings2, r3.Vector{X: 0, Y: 1, Z: 0}.Normalize())
	matches = append(matches, Match{CurrIdx: len(dirs), RefIdx: len(dirs)})

	mask := RansacFundamental(bearings1, bearings2, matches, 300, 1e-3, 42)
	inlierCount := 0
	for i, ok := range mask {
		if ok {
			inlierCount++
		}
		if i == len(dirs) {
			assert.False(t, ok, "outlier correspondence should be rejected")
		}
	}
	assert.GreaterOrEqual(t, inlierCount, len(dirs)-1)
}
