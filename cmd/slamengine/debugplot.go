package main

import (
	"image/color"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"github.com/soallak/openvslam/system"
)

// debugPlotSize is the rendered image's side length in pixels.
const debugPlotSize = 800

// writeDebugPlot renders the trajectory's ground-plane (X,Z) positions to
// a PNG at path, grounded on the teacher's `slam/area_viewer.go`
// (`gg.NewContext` + per-point `SetColor`/`SetPixel`), generalized from a
// lidar occupancy grid to a sparse scatter of camera positions.
func writeDebugPlot(path string, points []system.TrajectoryPoint) error {
	dc := gg.NewContext(debugPlotSize, debugPlotSize)
	dc.SetColor(color.White)
	dc.Clear()

	offset := debugPlotSize / 2
	pixelsPerMeter := 20.0
	for _, p := range points {
		x := offset + int(p.Pose.Translation.X*pixelsPerMeter)
		y := offset + int(p.Pose.Translation.Z*pixelsPerMeter)
		if x < 0 || x >= debugPlotSize || y < 0 || y >= debugPlotSize {
			continue
		}
		if p.WasLost {
			dc.SetColor(color.RGBA{R: 255, A: 255})
		} else {
			dc.SetColor(color.RGBA{G: 160, A: 255})
		}
		dc.SetPixel(x, y)
	}

	if err := dc.SavePNG(path); err != nil {
		return errors.Wrapf(err, "saving debug plot %s", path)
	}
	return nil
}
