// Package config loads and validates the engine's YAML configuration
// (spec.md section 6), mirroring the teacher's pattern of a single
// top-level struct decoded with gopkg.in/yaml.v3 and validated once at
// load time.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/soallak/openvslam/camera"
	"github.com/soallak/openvslam/slamerrs"
)

// Camera carries the recognized Camera.* keys from spec.md section 6.
type Camera struct {
	Model           string        `yaml:"model"`
	Name            string        `yaml:"name"`
	Setup           camera.Setup  `yaml:"setup"`
	ColorOrder      string        `yaml:"color_order"`
	Cols            int           `yaml:"cols"`
	Rows            int           `yaml:"rows"`
	FPS             float64       `yaml:"fps"`
	Fx              float64       `yaml:"fx"`
	Fy              float64       `yaml:"fy"`
	Cx              float64       `yaml:"cx"`
	Cy              float64       `yaml:"cy"`
	FocalXBaseline  float64       `yaml:"focal_x_baseline"`
	DepthThreshold  float64       `yaml:"depth_threshold"`
	Distortion      []float64     `yaml:"distortion"`
}

// MaskRectangle excludes a pixel region from feature detection
// (spec.md section 6's Feature.mask_rectangles).
type MaskRectangle struct {
	XMin float64 `yaml:"x_min"`
	XMax float64 `yaml:"x_max"`
	YMin float64 `yaml:"y_min"`
	YMax float64 `yaml:"y_max"`
}

// Feature carries the recognized Feature.* keys.
type Feature struct {
	MaxNumKeypoints int             `yaml:"max_num_keypoints"`
	ScaleFactor     float64         `yaml:"scale_factor"`
	NumLevels       int             `yaml:"num_levels"`
	IniFastThr      int             `yaml:"ini_fast_thr"`
	MinFastThr      int             `yaml:"min_fast_thr"`
	MaskRectangles  []MaskRectangle `yaml:"mask_rectangles"`
}

// Relocalization carries the Tracking.reloc.* keys, with spec.md section
// 6's defaults applied by Load when a key is left at its zero value.
type Relocalization struct {
	BoWMatchLoweRatio   float64 `yaml:"bow_match_lowe_ratio"`
	ProjMatchLoweRatio  float64 `yaml:"proj_match_lowe_ratio"`
	RobustMatchLoweRatio float64 `yaml:"robust_match_lowe_ratio"`
	MinNumBoWMatches    int     `yaml:"min_num_bow_matches"`
	MinNumValidObs      int     `yaml:"min_num_valid_obs"`
}

// Tracking carries the Tracking.* keys.
type Tracking struct {
	Reloc Relocalization `yaml:"reloc"`
}

// Mapping carries the Mapping.* keys.
type Mapping struct {
	BaselineDistThrRatio    float64 `yaml:"baseline_dist_thr_ratio"`
	BaselineDistThr         float64 `yaml:"baseline_dist_thr"`
	UseBaselineDistThrRatio bool    `yaml:"use_baseline_dist_thr_ratio"`
	QueueThreshold          int     `yaml:"queue_threshold"`
}

// Marker carries the optional Marker.* keys (spec.md section 6: "optional").
type Marker struct {
	Dict       string `yaml:"dict"`
	Size       float64 `yaml:"size"`
	MaxMarkers int    `yaml:"max_markers"`
}

// Config is the top-level decoded document.
type Config struct {
	Camera   Camera   `yaml:"Camera"`
	Feature  Feature  `yaml:"Feature"`
	Tracking Tracking `yaml:"Tracking"`
	Mapping  Mapping  `yaml:"Mapping"`
	Marker   *Marker  `yaml:"Marker"`
}

var validCameraModels = map[string]bool{
	"perspective":      true,
	"fisheye":          true,
	"equirectangular":  true,
	"radial_division":  true,
}

var validSetups = map[camera.Setup]bool{
	camera.SetupMonocular: true,
	camera.SetupStereo:    true,
	camera.SetupRGBD:      true,
}

// defaults applies spec.md section 6's literal Tracking.reloc.* and
// Mapping.* defaults to any numeric field left at its YAML zero value.
// Mapping.use_baseline_dist_thr_ratio is a bool, so Parse presets it to
// true before decoding instead.
func (c *Config) defaults() {
	r := &c.Tracking.Reloc
	if r.BoWMatchLoweRatio == 0 {
		r.BoWMatchLoweRatio = 0.75
	}
	if r.ProjMatchLoweRatio == 0 {
		r.ProjMatchLoweRatio = 0.9
	}
	if r.RobustMatchLoweRatio == 0 {
		r.RobustMatchLoweRatio = 0.8
	}
	if r.MinNumBoWMatches == 0 {
		r.MinNumBoWMatches = 20
	}
	if r.MinNumValidObs == 0 {
		r.MinNumValidObs = 50
	}
	m := &c.Mapping
	if m.BaselineDistThrRatio == 0 {
		m.BaselineDistThrRatio = 0.02
	}
	if m.BaselineDistThr == 0 {
		m.BaselineDistThr = 1.0
	}
	if m.QueueThreshold == 0 {
		m.QueueThreshold = 2
	}
}

// Validate checks the numeric ranges and enums spec.md section 7 names
// as the source of a fatal ConfigInvalid: unknown camera model, bad
// numeric range.
func (c *Config) Validate() error {
	if !validCameraModels[c.Camera.Model] {
		return errors.Wrapf(slamerrs.ErrConfigInvalid, "unknown camera model %q", c.Camera.Model)
	}
	if !validSetups[c.Camera.Setup] {
		return errors.Wrapf(slamerrs.ErrConfigInvalid, "unknown camera setup %q", c.Camera.Setup)
	}
	if c.Camera.Cols <= 0 || c.Camera.Rows <= 0 {
		return errors.Wrapf(slamerrs.ErrConfigInvalid, "camera cols/rows must be positive, got %dx%d", c.Camera.Cols, c.Camera.Rows)
	}
	if c.Camera.Fx <= 0 || c.Camera.Fy <= 0 {
		return errors.Wrap(slamerrs.ErrConfigInvalid, "camera fx/fy must be positive")
	}
	if c.Feature.MaxNumKeypoints <= 0 {
		return errors.Wrap(slamerrs.ErrConfigInvalid, "Feature.max_num_keypoints must be positive")
	}
	if c.Feature.ScaleFactor <= 1.0 {
		return errors.Wrap(slamerrs.ErrConfigInvalid, "Feature.scale_factor must exceed 1.0")
	}
	if c.Feature.NumLevels <= 0 {
		return errors.Wrap(slamerrs.ErrConfigInvalid, "Feature.num_levels must be positive")
	}
	if (c.Camera.Setup == camera.SetupStereo || c.Camera.Setup == camera.SetupRGBD) && c.Camera.DepthThreshold <= 0 {
		return errors.Wrap(slamerrs.ErrConfigInvalid, "Camera.depth_threshold must be positive for stereo/RGBD setups")
	}
	return nil
}

// Load decodes and validates a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document already in memory.
func Parse(data []byte) (*Config, error) {
	c := Config{Mapping: Mapping{UseBaselineDistThrRatio: true}}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(slamerrs.ErrConfigInvalid, err.Error())
	}
	c.defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// NewPerspectiveCamera builds the camera.Model this config describes,
// when Camera.model is "perspective" (the only variant with a first-party
// constructor, per SPEC_FULL.md section C.3).
func (c *Config) NewPerspectiveCamera() (*camera.Perspective, error) {
	if c.Camera.Model != "perspective" {
		return nil, errors.Wrapf(slamerrs.ErrConfigInvalid, "camera model %q has no constructor; only perspective is wired", c.Camera.Model)
	}
	baseline := 0.0
	if c.Camera.Fx != 0 {
		baseline = c.Camera.FocalXBaseline / c.Camera.Fx
	}
	return &camera.Perspective{
		Fx: c.Camera.Fx, Fy: c.Camera.Fy, Cx: c.Camera.Cx, Cy: c.Camera.Cy,
		Cols: c.Camera.Cols, Rows: c.Camera.Rows, Baseline: baseline,
	}, nil
}
