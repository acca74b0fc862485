package slamtype

import "github.com/golang/geo/r2"

// Grid is the 2D spatial index over a frame's keypoints (spec.md section
// 3: "2D spatial grid index (cols x rows cells) over keypoints for O(1)
// radius lookup"). It buckets keypoint indices by cell so the matcher
// can restrict descriptor search to a bounded neighborhood.
type Grid struct {
	cellsX, cellsY   int
	cellW, cellH     float64
	imgW, imgH       float64
	buckets          [][]int // flattened [cellsY*cellsX] slice of keypoint indices
}

// NewGrid builds a Grid for the given image size with a fixed cell grain.
func NewGrid(imgW, imgH float64, cellsX, cellsY int) *Grid {
	if cellsX < 1 {
		cellsX = 1
	}
	if cellsY < 1 {
		cellsY = 1
	}
	return &Grid{
		cellsX: cellsX,
		cellsY: cellsY,
		cellW:  imgW / float64(cellsX),
		cellH:  imgH / float64(cellsY),
		imgW:   imgW,
		imgH:   imgH,
		buckets: make([][]int, cellsX*cellsY),
	}
}

func (g *Grid) cellOf(x, y float64) (int, int, bool) {
	cx := int(x / g.cellW)
	cy := int(y / g.cellH)
	if cx < 0 || cy < 0 || cx >= g.cellsX || cy >= g.cellsY {
		return 0, 0, false
	}
	return cx, cy, true
}

// Insert registers keypoint index idx at pixel (x, y).
func (g *Grid) Insert(idx int, x, y float64) {
	cx, cy, ok := g.cellOf(x, y)
	if !ok {
		return
	}
	b := cy*g.cellsX + cx
	g.buckets[b] = append(g.buckets[b], idx)
}

// QueryRadius returns the keypoint indices that fall within radius of
// (x, y), by scanning every cell the radius-disk overlaps. The matcher
// still performs an exact distance/octave check on the returned
// candidates; this is a coarse accept set, not an exact one.
func (g *Grid) QueryRadius(center r2.Point, radius float64) []int {
	minCx, minCy, _ := g.cellOf(center.X-radius, center.Y-radius)
	maxCx, maxCy, _ := g.cellOf(center.X+radius, center.Y+radius)
	minCx = clamp(minCx, 0, g.cellsX-1)
	maxCx = clamp(maxCx, 0, g.cellsX-1)
	minCy = clamp(minCy, 0, g.cellsY-1)
	maxCy = clamp(maxCy, 0, g.cellsY-1)

	var out []int
	for cy := minCy; cy <= maxCy; cy++ {
		for cx := minCx; cx <= maxCx; cx++ {
			out = append(out, g.buckets[cy*g.cellsX+cx]...)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
