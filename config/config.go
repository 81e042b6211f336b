// Package config loads and validates the estimator parameter file.
package config

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/agrinav/agslam/ekf"
	"github.com/agrinav/agslam/gridmap"
	"github.com/agrinav/agslam/icp"
	"github.com/agrinav/agslam/lidar"
	"github.com/agrinav/agslam/localizer"
	"github.com/agrinav/agslam/spatialmath"
	"github.com/agrinav/agslam/visual"
)

// Flags enable or disable observation sources.
type Flags struct {
	UseGPS             bool `json:"use_gps"`
	UseLandmarks       bool `json:"use_landmarks"`
	UseCorners         bool `json:"use_corners"`
	UsePlanars         bool `json:"use_planars"`
	UseImageFeatures   bool `json:"use_image_features"`
	UseICP             bool `json:"use_icp"`
	UseVegetationLines bool `json:"use_vegetation_lines"`
	UseGroundPlane     bool `json:"use_ground_plane"`
}

// Camera holds the stereo camera intrinsics. Fields of view in degrees.
type Camera struct {
	ImgWidth  int     `json:"img_width"`
	ImgHeight int     `json:"img_height"`
	Fx        float64 `json:"fx"`
	Fy        float64 `json:"fy"`
	Cx        float64 `json:"cx"`
	Cy        float64 `json:"cy"`
	Baseline  float64 `json:"baseline"`
	DepthHFov float64 `json:"depth_hfov"`
	DepthVFov float64 `json:"depth_vfov"`
}

// Map holds the occupancy grid geometry.
type Map struct {
	OriginX    float64 `json:"origin_x"`
	OriginY    float64 `json:"origin_y"`
	OriginZ    float64 `json:"origin_z"`
	Width      float64 `json:"width"`
	Length     float64 `json:"length"`
	Height     float64 `json:"height"`
	Resolution float64 `json:"resolution"`

	OutputFile string `json:"output_file,omitempty"`
	InputFile  string `json:"input_file,omitempty"`
}

// ParticleFilter holds the localization parameters.
type ParticleFilter struct {
	NumberParticles int     `json:"number_particles"`
	SRR             float64 `json:"srr"`
	SRT             float64 `json:"srt"`
	STR             float64 `json:"str"`
	STT             float64 `json:"stt"`
	SigmaXY         float64 `json:"sigma_xy"`
	SigmaZ          float64 `json:"sigma_z"`
	SigmaRoll       float64 `json:"sigma_roll"`
	SigmaPitch      float64 `json:"sigma_pitch"`
	SigmaYaw        float64 `json:"sigma_yaw"`
	SigmaLandmark   float64 `json:"sigma_landmark_matching"`
	SigmaFeature    float64 `json:"sigma_feature_matching"`
	SigmaCorner     float64 `json:"sigma_corner_matching"`
	SigmaVegetation float64 `json:"sigma_vegetation_lines_yaw"`
	SigmaGroundRP   float64 `json:"sigma_ground_rp"`
	SigmaGPS        float64 `json:"sigma_gps"`
	Seed            int64   `json:"seed"`
}

// Lidar holds the range-image and feature extraction parameters. Angles in
// degrees in the file, converted on export.
type Lidar struct {
	VerticalScans       int     `json:"vertical_scans"`
	HorizontalScans     int     `json:"horizontal_scans"`
	AngResXDeg          float64 `json:"ang_res_x"`
	AngResYDeg          float64 `json:"ang_res_y"`
	VerticalAngleBottom float64 `json:"vertical_angle_bottom"`
	GroundThDeg         float64 `json:"ground_th"`
	PlanesThDeg         float64 `json:"planes_th"`
	EdgeThreshold       float64 `json:"edge_threshold"`
	PickedNum           int     `json:"picked_num"`

	SensorX     float64 `json:"sensor_x"`
	SensorY     float64 `json:"sensor_y"`
	SensorZ     float64 `json:"sensor_z"`
	SensorRoll  float64 `json:"sensor_roll"`
	SensorPitch float64 `json:"sensor_pitch"`
	SensorYaw   float64 `json:"sensor_yaw"`
}

// ICP holds the scan matcher parameters.
type ICP struct {
	MaxIters          int     `json:"max_iters"`
	DistanceThreshold float64 `json:"distance_threshold"`
	RejectOutliers    bool    `json:"reject_outliers"`
}

// Mapping holds the correspondence gates and stereo noise model.
type Mapping struct {
	CorrespondenceThreshold float64 `json:"correspondence_threshold"`
	LandmarkGate            float64 `json:"landmark_gate"`
	DisparityError          float64 `json:"disparity_error"`
	BearingStdev            float64 `json:"bearing_stdev"`
	HessianThreshold        float64 `json:"hessian_threshold"`
	MaxRange                float64 `json:"max_range"`
	MaxHeight               float64 `json:"max_height"`
}

// Parameters is the full recognized configuration.
type Parameters struct {
	Flags          Flags          `json:"flags"`
	Camera         Camera         `json:"camera"`
	Map            Map            `json:"map"`
	ParticleFilter ParticleFilter `json:"pf"`
	Lidar          Lidar          `json:"lidar"`
	ICP            ICP            `json:"icp"`
	Mapping        Mapping        `json:"mapping"`
}

// Default returns a complete parameter set with the standard values.
func Default() *Parameters {
	lcfg := lidar.DefaultConfig()
	return &Parameters{
		Flags: Flags{
			UseLandmarks:     true,
			UseCorners:       true,
			UsePlanars:       true,
			UseImageFeatures: true,
			UseICP:           true,
			UseGroundPlane:   true,
		},
		Camera: Camera{
			ImgWidth: 640, ImgHeight: 480,
			Fx: 600, Fy: 600, Cx: 320, Cy: 240,
			Baseline:  0.12,
			DepthHFov: 90, DepthVFov: 60,
		},
		Map: Map{
			OriginX: -50, OriginY: -50, OriginZ: -5,
			Width: 100, Length: 100, Height: 10,
			Resolution: 0.25,
		},
		ParticleFilter: ParticleFilter{
			NumberParticles: 300,
			SRR:             0.1,
			SRT:             0.3,
			STR:             0.3,
			STT:             0.1,
			SigmaXY:         0.1,
			SigmaZ:          0.01,
			SigmaRoll:       0.005,
			SigmaPitch:      0.005,
			SigmaYaw:        0.05,
			SigmaLandmark:   0.2,
			SigmaFeature:    0.1,
			SigmaCorner:     0.1,
			SigmaVegetation: 0.1,
			SigmaGroundRP:   0.05,
			SigmaGPS:        0.5,
			Seed:            1,
		},
		Lidar: Lidar{
			VerticalScans:       lcfg.VerticalScans,
			HorizontalScans:     lcfg.HorizontalScans,
			AngResXDeg:          0.2,
			AngResYDeg:          2.0,
			VerticalAngleBottom: 15.1,
			GroundThDeg:         10,
			PlanesThDeg:         60,
			EdgeThreshold:       lcfg.EdgeThreshold,
			PickedNum:           lcfg.PickedNum,
		},
		ICP: ICP{
			MaxIters:          200,
			DistanceThreshold: 0.1,
			RejectOutliers:    true,
		},
		Mapping: Mapping{
			CorrespondenceThreshold: 0.02,
			LandmarkGate:            0.5,
			DisparityError:          0.2,
			BearingStdev:            0.02,
			HessianThreshold:        0.01,
			MaxRange:                10,
			MaxHeight:               3,
		},
	}
}

// Load reads and validates a parameter file. Fields missing from the file
// keep their defaults.
func Load(path string) (*Parameters, error) {
	p := Default()
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "config: opening parameter file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	if err := json.NewDecoder(f).Decode(p); err != nil {
		return nil, errors.Wrap(err, "config: parsing parameter file")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the whole parameter set and reports every failure at
// once.
func (p *Parameters) Validate() error {
	var err error
	if p.ParticleFilter.NumberParticles <= 0 {
		err = multierr.Append(err, errors.New("config: number_particles must be positive"))
	}
	if p.Map.Resolution <= 0 {
		err = multierr.Append(err, errors.New("config: map resolution must be positive"))
	}
	if p.Map.Width <= 0 || p.Map.Length <= 0 || p.Map.Height <= 0 {
		err = multierr.Append(err, errors.New("config: map extents must be positive"))
	}
	if p.Lidar.VerticalScans <= 0 || p.Lidar.HorizontalScans <= 0 {
		err = multierr.Append(err, errors.New("config: lidar scan dimensions must be positive"))
	}
	if p.Lidar.AngResXDeg <= 0 || p.Lidar.AngResYDeg <= 0 {
		err = multierr.Append(err, errors.New("config: lidar angular resolutions must be positive"))
	}
	if p.ICP.MaxIters <= 0 {
		err = multierr.Append(err, errors.New("config: icp max_iters must be positive"))
	}
	if p.Flags.UseLandmarks || p.Flags.UseImageFeatures {
		if p.Camera.Fx == 0 || p.Camera.Fy == 0 {
			err = multierr.Append(err, errors.New("config: camera focal lengths required"))
		}
		if p.Camera.Baseline <= 0 {
			err = multierr.Append(err, errors.New("config: camera baseline must be positive"))
		}
	}
	return err
}

func degToRad(deg float64) float64 { return deg * math.Pi / 180 }

// LidarConfig exports the LiDAR extractor configuration.
func (p *Parameters) LidarConfig() lidar.Config {
	cfg := lidar.DefaultConfig()
	cfg.VerticalScans = p.Lidar.VerticalScans
	cfg.HorizontalScans = p.Lidar.HorizontalScans
	cfg.AngResX = degToRad(p.Lidar.AngResXDeg)
	cfg.AngResY = degToRad(p.Lidar.AngResYDeg)
	cfg.VerticalAngleBottom = degToRad(p.Lidar.VerticalAngleBottom)
	cfg.GroundTh = degToRad(p.Lidar.GroundThDeg)
	cfg.PlanesTh = degToRad(p.Lidar.PlanesThDeg)
	cfg.EdgeThreshold = p.Lidar.EdgeThreshold
	cfg.PickedNum = p.Lidar.PickedNum
	cfg.SensorToBase = spatialmath.NewPose(
		p.Lidar.SensorX, p.Lidar.SensorY, p.Lidar.SensorZ,
		degToRad(p.Lidar.SensorRoll), degToRad(p.Lidar.SensorPitch), degToRad(p.Lidar.SensorYaw))
	cfg.Seed = p.ParticleFilter.Seed
	return cfg
}

// VisualConfig exports the visual extractor configuration.
func (p *Parameters) VisualConfig() visual.Config {
	return visual.Config{
		Camera: visual.CameraConfig{
			ImgWidth:  p.Camera.ImgWidth,
			ImgHeight: p.Camera.ImgHeight,
			Fx:        p.Camera.Fx,
			Fy:        p.Camera.Fy,
			Cx:        p.Camera.Cx,
			Cy:        p.Camera.Cy,
			Baseline:  p.Camera.Baseline,
			DepthHFov: degToRad(p.Camera.DepthHFov),
			DepthVFov: degToRad(p.Camera.DepthVFov),
		},
		HessianThreshold: p.Mapping.HessianThreshold,
		MaxRange:         p.Mapping.MaxRange,
		MaxHeight:        p.Mapping.MaxHeight,
	}
}

// MapConfig exports the occupancy grid geometry.
func (p *Parameters) MapConfig() gridmap.Config {
	return gridmap.Config{
		OriginX: p.Map.OriginX, OriginY: p.Map.OriginY, OriginZ: p.Map.OriginZ,
		Width: p.Map.Width, Length: p.Map.Length, Height: p.Map.Height,
		Resolution: p.Map.Resolution,
	}
}

// LocalizerConfig exports the particle filter configuration.
func (p *Parameters) LocalizerConfig() localizer.Config {
	pf := p.ParticleFilter
	return localizer.Config{
		NumParticles:       pf.NumberParticles,
		SRR:                pf.SRR,
		SRT:                pf.SRT,
		STR:                pf.STR,
		STT:                pf.STT,
		SigmaZ:             pf.SigmaZ,
		SigmaRoll:          pf.SigmaRoll,
		SigmaPitch:         pf.SigmaPitch,
		SigmaXY:            pf.SigmaXY,
		SigmaYaw:           pf.SigmaYaw,
		SigmaLandmark:      pf.SigmaLandmark,
		SigmaFeature:       pf.SigmaFeature,
		SigmaCorner:        pf.SigmaCorner,
		SigmaVegetationYaw: pf.SigmaVegetation,
		SigmaGroundRP:      pf.SigmaGroundRP,
		SigmaGPS:           pf.SigmaGPS,
		Seed:               pf.Seed,
	}
}

// ICPConfig exports the scan matcher configuration.
func (p *Parameters) ICPConfig() icp.Config {
	return icp.Config{
		MaxIters:       p.ICP.MaxIters,
		Tolerance:      1e-4,
		DistThreshold:  p.ICP.DistanceThreshold,
		RejectOutliers: p.ICP.RejectOutliers,
	}
}

// MapperNoiseModel exports the stereo landmark noise model.
func (p *Parameters) MapperNoiseModel() ekf.NoiseModel {
	return ekf.NoiseModel{
		Baseline:     p.Camera.Baseline,
		Fx:           p.Camera.Fx,
		DeltaD:       p.Mapping.DisparityError,
		BearingStdev: p.Mapping.BearingStdev,
	}
}
