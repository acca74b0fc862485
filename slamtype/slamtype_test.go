package slamtype

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
)

func TestGridQueryRadiusFindsNearbyAndExcludesFar(t *testing.T) {
	g := NewGrid(640, 480, 64, 48)
	g.Insert(0, 100, 100)
	g.Insert(1, 620, 460)
	hits := g.QueryRadius(r2.Point{X: 100, Y: 100}, 20)
	assert.Contains(t, hits, 0)
	assert.NotContains(t, hits, 1)
}

func TestLandmarkFoundRatio(t *testing.T) {
	lm := NewLandmark(1, r3.Vector{X: 1, Y: 2, Z: 3}, 1, 1)
	assert.InDelta(t, 1.0, lm.FoundRatio(), 1e-9)
	lm.IncrementVisible(3)
	lm.IncrementFound(0)
	found, visible := lm.Counters()
	assert.Equal(t, 1, found)
	assert.Equal(t, 4, visible)
	assert.InDelta(t, 0.25, lm.FoundRatio(), 1e-9)
}

func TestKeyframeObservationsAreIsolatedCopies(t *testing.T) {
	kf := &Keyframe{observations: make(map[int]LandmarkID), children: make(map[KeyframeID]struct{}), loopEdges: make(map[KeyframeID]struct{})}
	kf.AddObservation(0, 42)
	snap := kf.Observations()
	snap[0] = 999
	lm, ok := kf.Observation(0)
	assert.True(t, ok)
	assert.Equal(t, LandmarkID(42), lm)
}
