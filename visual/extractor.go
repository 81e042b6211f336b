// Package visual turns the stereo camera outputs into estimator inputs:
// range-bearing observations of detected vine trunks, and low-level image
// features with 3D back-projections for the visual map layer.
package visual

import (
	"image"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/agrinav/agslam/feature"
	"github.com/agrinav/agslam/spatialmath"
)

// ErrDepthInvalid is returned when a detection has no usable depth sample.
var ErrDepthInvalid = errors.New("visual: invalid depth for detection")

// CameraConfig holds the stereo camera intrinsics and fields of view.
type CameraConfig struct {
	ImgWidth  int
	ImgHeight int
	Fx        float64
	Fy        float64
	Cx        float64
	Cy        float64
	Baseline  float64
	DepthHFov float64
	DepthVFov float64
}

// Config parameterizes the visual extractor.
type Config struct {
	Camera CameraConfig

	// HessianThreshold gates blob responses on the normalized gray image.
	HessianThreshold float64

	// MaxRange and MaxHeight bound accepted back-projections, in meters.
	MaxRange  float64
	MaxHeight float64

	// CamToBase moves camera-frame points into the robot base frame.
	CamToBase spatialmath.Pose
}

// DefaultConfig returns extraction parameters for a front-facing stereo rig.
func DefaultConfig() Config {
	return Config{
		HessianThreshold: 0.01,
		MaxRange:         10,
		MaxHeight:        3,
	}
}

// Detection is an axis-aligned detector box with its class label.
type Detection struct {
	Box   image.Rectangle
	Label int
}

// Observation is a range-bearing sighting of a semantic landmark.
type Observation struct {
	Label   int
	Bearing float64
	Depth   float64
}

// DepthImage is a row-major depth map in meters. NaN marks invalid pixels.
type DepthImage struct {
	Width  int
	Height int
	Data   []float64
}

// At returns the depth at (u, v), or NaN outside the image.
func (d *DepthImage) At(u, v int) float64 {
	if u < 0 || u >= d.Width || v < 0 || v >= d.Height {
		return math.NaN()
	}
	return d.Data[v*d.Width+u]
}

// Extractor converts camera frames into landmark observations and image
// features.
type Extractor struct {
	cfg    Config
	logger golog.Logger

	// optical frame (z forward, x right, y down) to robot axes
	opticalToWorld spatialmath.Transform
}

// New creates a visual extractor.
func New(cfg Config, logger golog.Logger) *Extractor {
	return &Extractor{
		cfg:            cfg,
		logger:         logger,
		opticalToWorld: spatialmath.NewPose(0, 0, 0, -math.Pi/2, 0, -math.Pi/2).Transform(),
	}
}

// LandmarkObservations converts detections and the aligned depth image into
// range-bearing observations. Detections with invalid depth are dropped;
// the count of dropped detections is returned alongside.
func (e *Extractor) LandmarkObservations(dets []Detection, depth *DepthImage) ([]Observation, int) {
	var out []Observation
	dropped := 0
	for _, det := range dets {
		obs, err := e.observation(det, depth)
		if err != nil {
			dropped++
			e.logger.Debugw("dropping detection", "label", det.Label, "error", err)
			continue
		}
		out = append(out, obs)
	}
	return out, dropped
}

func (e *Extractor) observation(det Detection, depth *DepthImage) (Observation, error) {
	bounds := image.Rect(0, 0, e.cfg.Camera.ImgWidth, e.cfg.Camera.ImgHeight)
	if !det.Box.Overlaps(bounds) {
		return Observation{}, errors.Wrap(ErrDepthInvalid, "box outside image")
	}
	box := det.Box.Intersect(bounds)
	u := (box.Min.X + box.Max.X) / 2
	v := (box.Min.Y + box.Max.Y) / 2

	d := depth.At(u, v)
	if math.IsNaN(d) || d <= 0 {
		return Observation{}, errors.Wrapf(ErrDepthInvalid, "at (%d, %d)", u, v)
	}

	w := float64(e.cfg.Camera.ImgWidth)
	bearing := -(e.cfg.Camera.DepthHFov / w) * (w/2 - float64(u))
	return Observation{Label: det.Label, Bearing: bearing, Depth: d}, nil
}

// PixelToBase back-projects a pixel with its depth through the pinhole
// model into the robot base frame.
func (e *Extractor) PixelToBase(u, v int, depth float64) r3.Vector {
	cam := r3.Vector{
		X: (float64(u) - e.cfg.Camera.Cx) * depth / e.cfg.Camera.Fx,
		Y: (float64(v) - e.cfg.Camera.Cy) * depth / e.cfg.Camera.Fy,
		Z: depth,
	}
	world := e.opticalToWorld.TransformPoint(cam)
	return e.cfg.CamToBase.Transform().TransformPoint(world)
}

// Features detects blob keypoints on the left image, attaches SURF-style
// descriptors and back-projects them through the depth image. Features with
// invalid depth or outside the configured range and height are dropped.
func (e *Extractor) Features(img image.Image, depth *DepthImage) []feature.Image {
	gray := grayFloat(img)
	kps := e.detectKeypoints(gray)

	var out []feature.Image
	for _, kp := range kps {
		d := depth.At(kp.u, kp.v)
		if math.IsNaN(d) || d <= 0 {
			continue
		}
		pos := e.PixelToBase(kp.u, kp.v, d)
		dist := pos.Norm()
		if dist >= e.cfg.MaxRange || pos.Z >= e.cfg.MaxHeight {
			continue
		}

		r, g, b, _ := img.At(img.Bounds().Min.X+kp.u, img.Bounds().Min.Y+kp.v).RGBA()
		out = append(out, feature.Image{
			Pos:        pos,
			U:          kp.u,
			V:          kp.v,
			R:          uint8(r >> 8),
			G:          uint8(g >> 8),
			B:          uint8(b >> 8),
			Descriptor: describe(gray, kp.u, kp.v),
			Laplacian:  kp.laplacian,
		})
	}
	return out
}
