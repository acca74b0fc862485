// Package camera defines the closed variant set of camera models the
// engine consumes through a single interface, per spec.md section 9:
// "Keep a variant/tagged-union over {perspective, fisheye,
// equirectangular, radial-division}... No virtual chain is needed; the
// set is closed." Camera geometry itself is out of scope (spec.md
// section 1): this package only carries the interface and the minimal
// concrete perspective model exercised by the test fixtures.
package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Model is the closed set of supported camera projection models.
type Model interface {
	// Project maps a 3D point in camera coordinates to a 2D pixel. ok is
	// false if the point is behind the camera or outside its field of view.
	Project(p r3.Vector) (px r2.Point, ok bool)

	// Unproject maps a 2D pixel to a unit bearing vector in camera
	// coordinates.
	Unproject(px r2.Point) r3.Vector

	// Bounds returns the valid image rectangle (cols, rows) this model
	// was configured with.
	Bounds() (cols, rows int)

	// FocalXBaseline returns fx*baseline for stereo depth recovery
	// (0 for monocular-only models); spec.md section 6's
	// Camera.focal_x_baseline key.
	FocalXBaseline() float64
}

// Setup enumerates the sensor configuration, per spec.md section 6's
// Camera.setup key. It participates in the open-question decision in
// DESIGN.md around the recent-landmark culling threshold.
type Setup string

const (
	// SetupMonocular is a single RGB camera; landmarks are seeded only by
	// triangulation, never directly from a single frame.
	SetupMonocular Setup = "monocular"
	// SetupStereo is two RGB cameras with a known baseline; landmarks may
	// be seeded directly from stereo depth.
	SetupStereo Setup = "stereo"
	// SetupRGBD is one RGB camera plus an aligned depth sensor.
	SetupRGBD Setup = "rgbd"
)

// Perspective is the pinhole camera model: the concrete variant exercised
// by the engine's own tests (the others are structurally present per
// spec.md section 9 but have no first-party consumer in this module).
type Perspective struct {
	Fx, Fy, Cx, Cy float64
	Cols, Rows     int
	Baseline       float64 // 0 for monocular
}

var _ Model = (*Perspective)(nil)

// Project implements Model.
func (p *Perspective) Project(x r3.Vector) (r2.Point, bool) {
	if x.Z <= 0 {
		return r2.Point{}, false
	}
	u := p.Fx*x.X/x.Z + p.Cx
	v := p.Fy*x.Y/x.Z + p.Cy
	if u < 0 || v < 0 || u >= float64(p.Cols) || v >= float64(p.Rows) {
		return r2.Point{X: u, Y: v}, false
	}
	return r2.Point{X: u, Y: v}, true
}

// Unproject implements Model.
func (p *Perspective) Unproject(px r2.Point) r3.Vector {
	x := (px.X - p.Cx) / p.Fx
	y := (px.Y - p.Cy) / p.Fy
	v := r3.Vector{X: x, Y: y, Z: 1}
	return v.Normalize()
}

// Bounds implements Model.
func (p *Perspective) Bounds() (int, int) { return p.Cols, p.Rows }

// FocalXBaseline implements Model.
func (p *Perspective) FocalXBaseline() float64 { return p.Fx * p.Baseline }

// Fisheye is a structurally-present variant for fisheye rigs; no
// first-party test exercises it, matching spec.md section 9's closed
// variant-set note. It applies no fisheye (e.g. equidistant) correction:
// every Model method is the embedded Perspective's pinhole math.
type Fisheye struct {
	Perspective
}

// Equirectangular is a structurally-present variant for 360-degree
// cameras; out of scope for detailed projection math (spec.md section 1).
type Equirectangular struct {
	Cols, Rows int
}

var _ Model = (*Equirectangular)(nil)

// Project implements Model using a spherical mapping.
func (e *Equirectangular) Project(x r3.Vector) (r2.Point, bool) {
	n := x.Normalize()
	lon := math.Atan2(n.X, n.Z)
	lat := math.Asin(n.Y)
	u := (lon/(2*math.Pi) + 0.5) * float64(e.Cols)
	v := (lat/math.Pi + 0.5) * float64(e.Rows)
	return r2.Point{X: u, Y: v}, true
}

// Unproject implements Model.
func (e *Equirectangular) Unproject(px r2.Point) r3.Vector {
	lon := (px.X/float64(e.Cols) - 0.5) * 2 * math.Pi
	lat := (px.Y/float64(e.Rows) - 0.5) * math.Pi
	v := r3.Vector{X: math.Sin(lon) * math.Cos(lat), Y: math.Sin(lat), Z: math.Cos(lon) * math.Cos(lat)}
	return v.Normalize()
}

// Bounds implements Model.
func (e *Equirectangular) Bounds() (int, int) { return e.Cols, e.Rows }

// FocalXBaseline implements Model: equirectangular rigs are monocular only.
func (e *Equirectangular) FocalXBaseline() float64 { return 0 }

// RadialDivision is a structurally-present variant for the one-parameter
// division model used by wide-angle lenses in original_source's
// camera/radial_division.cc.
type RadialDivision struct {
	Perspective
	DistortionCoeff float64
}
