// Package estimator composes the per-frame SLAM pipeline: LiDAR and visual
// feature extraction, ICP refinement of the odometry prior, particle filter
// localization and the multi-layer map update.
package estimator

import (
	"image"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/agrinav/agslam/config"
	"github.com/agrinav/agslam/feature"
	"github.com/agrinav/agslam/gridmap"
	"github.com/agrinav/agslam/icp"
	"github.com/agrinav/agslam/lidar"
	"github.com/agrinav/agslam/localizer"
	"github.com/agrinav/agslam/mapper"
	"github.com/agrinav/agslam/spatialmath"
	"github.com/agrinav/agslam/visual"
)

// ErrEstimatorFailed is returned once repeated weight collapses exhaust the
// strike budget; the estimate can no longer be trusted.
var ErrEstimatorFailed = errors.New("estimator: particle weights collapsed repeatedly")

// maxCollapseStrikes is how many consecutive weight collapses are tolerated
// before the failure is surfaced as fatal.
const maxCollapseStrikes = 3

// Frame is one tick of synchronized sensor input. Any field but Odometry
// may be absent.
type Frame struct {
	Odometry   spatialmath.Pose
	Cloud      []r3.Vector
	Image      image.Image
	Depth      *visual.DepthImage
	Detections []visual.Detection
	GNSS       *spatialmath.Pose
}

// Estimator is the per-frame orchestrator. Frames must be delivered
// serially; one frame is processed end to end before the next.
type Estimator struct {
	cfg    *config.Parameters
	logger golog.Logger
	clock  clock.Clock

	lidarExtractor  *lidar.Extractor
	visualExtractor *visual.Extractor
	matcher         *icp.Matcher
	loc             *localizer.Localizer
	mapper          *mapper.Mapper
	gridMap         *gridmap.Map

	pOdom     spatialmath.Pose
	havePOdom bool
	strikes   int
}

// New builds an estimator from validated parameters.
func New(cfg *config.Parameters, logger golog.Logger) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var m *gridmap.Map
	var err error
	if cfg.Map.InputFile != "" {
		m, err = gridmap.LoadFile(cfg.Map.InputFile)
	} else {
		m, err = gridmap.New(cfg.MapConfig())
	}
	if err != nil {
		return nil, err
	}

	mapperCfg := mapper.DefaultConfig()
	mapperCfg.CorrespondenceThreshold = cfg.Mapping.CorrespondenceThreshold
	mapperCfg.LandmarkGate = cfg.Mapping.LandmarkGate
	mapperCfg.Noise = cfg.MapperNoiseModel()

	return &Estimator{
		cfg:             cfg,
		logger:          logger,
		clock:           clock.New(),
		lidarExtractor:  lidar.New(cfg.LidarConfig(), logger),
		visualExtractor: visual.New(cfg.VisualConfig(), logger),
		matcher:         icp.NewMatcher(cfg.ICPConfig(), logger),
		loc:             localizer.NewLocalizer(cfg.LocalizerConfig(), logger),
		mapper:          mapper.New(mapperCfg, logger),
		gridMap:         m,
	}, nil
}

// SetClock replaces the wall clock, for tests.
func (e *Estimator) SetClock(c clock.Clock) { e.clock = c }

// Map returns the live multi-layer map. Readers must only touch it between
// ProcessFrame calls.
func (e *Estimator) Map() *gridmap.Map { return e.gridMap }

// Pose returns the current estimate.
func (e *Estimator) Pose() spatialmath.Pose { return e.loc.Pose() }

// Particles returns the post-resample particle set.
func (e *Estimator) Particles() []localizer.Particle { return e.loc.Particles() }

// ParticlesBeforeResampling returns the pre-resample diagnostics set.
func (e *Estimator) ParticlesBeforeResampling() []localizer.Particle {
	return e.loc.ParticlesBeforeResampling()
}

// SaveMap writes the map to the configured output file, if any.
func (e *Estimator) SaveMap() error {
	if e.cfg.Map.OutputFile == "" {
		return nil
	}
	return e.gridMap.SaveFile(e.cfg.Map.OutputFile)
}

// ProcessFrame runs the full pipeline on one frame and returns the refined
// pose. The first frame initializes the filter and the map and returns the
// mean pose of the freshly spread particle set.
func (e *Estimator) ProcessFrame(f *Frame) (spatialmath.Pose, error) {
	start := e.clock.Now()

	if !e.havePOdom {
		e.pOdom = f.Odometry
		e.havePOdom = true
		e.loc.Init(f.Odometry)

		obsv, ext := e.observe(f)
		e.updateMap(f.Odometry, obsv, ext)
		return e.loc.Pose(), nil
	}

	inc := f.Odometry.Sub(e.pOdom)
	e.pOdom = f.Odometry

	obsv, ext := e.observe(f)

	if e.cfg.Flags.UseICP && len(obsv.Planars) > 0 {
		inc = e.refineIncrement(inc, obsv.Planars)
	}

	pfStart := e.clock.Now()
	err := e.loc.Process(inc, obsv, e.gridMap)
	pfElapsed := e.clock.Since(pfStart)

	switch {
	case errors.Is(err, localizer.ErrWeightCollapse):
		e.strikes++
		e.logger.Warnw("weight collapse", "strikes", e.strikes)
		if e.strikes >= maxCollapseStrikes {
			return e.loc.Pose(), ErrEstimatorFailed
		}
		return e.loc.Pose(), nil
	case err != nil:
		return e.loc.Pose(), err
	}
	e.strikes = 0

	pose := e.loc.Pose()
	e.updateMap(pose, obsv, ext)

	e.logger.Infow("frame processed",
		"time", start,
		"pose", pose,
		"pf_duration", pfElapsed,
		"landmarks", e.gridMap.Count(feature.KindSemantic),
		"corners", e.gridMap.Count(feature.KindCorner),
	)
	return pose, nil
}

// observe runs the extractors honoring the source flags and assembles the
// particle filter observation.
func (e *Estimator) observe(f *Frame) (*localizer.Observation, *lidar.Extraction) {
	obsv := &localizer.Observation{}
	var ext *lidar.Extraction

	if len(f.Cloud) > 0 {
		var err error
		ext, err = e.lidarExtractor.Extract(f.Cloud)
		switch {
		case errors.Is(err, lidar.ErrEmptyCloud):
			e.logger.Debugw("skipping lidar stage", "error", err)
		case err != nil:
			e.logger.Warnw("lidar extraction failed", "error", err)
		default:
			if e.cfg.Flags.UseCorners {
				obsv.Corners = ext.Corners
			}
			if e.cfg.Flags.UsePlanars {
				obsv.Planars = ext.Planars
			}
			if e.cfg.Flags.UseGroundPlane && len(ext.Ground.Points) > 0 {
				obsv.Ground = ext.Ground
				obsv.HasGround = true
			}
			if e.cfg.Flags.UseVegetationLines {
				obsv.VegetationLines = ext.VegetationLines
			}
		}
	}

	if f.Depth != nil {
		if e.cfg.Flags.UseLandmarks && len(f.Detections) > 0 {
			landmarks, dropped := e.visualExtractor.LandmarkObservations(f.Detections, f.Depth)
			obsv.Landmarks = landmarks
			if dropped > 0 {
				e.logger.Debugw("detections dropped", "count", dropped)
			}
		}
		if e.cfg.Flags.UseImageFeatures && f.Image != nil {
			obsv.Images = e.visualExtractor.Features(f.Image, f.Depth)
		}
	}

	if e.cfg.Flags.UseGPS && f.GNSS != nil {
		obsv.GPS = f.GNSS
	}

	return obsv, ext
}

// refineIncrement aligns the frame's planar cloud against the previous
// map state to replace the raw odometry increment. ICP failures fall back
// to the odometry increment.
func (e *Estimator) refineIncrement(inc spatialmath.Pose, planars []feature.Planar) spatialmath.Pose {
	source := make([]r3.Vector, len(planars))
	for i, p := range planars {
		source[i] = p.Pos
	}

	last := e.loc.Pose()
	guess := last.Compose(inc).Transform()

	nn := icp.NearestFunc(func(pt r3.Vector) (r3.Vector, float64, bool) {
		match, ok := e.gridMap.NearestPlanar(pt, e.cfg.ICP.DistanceThreshold*5)
		if !ok {
			return r3.Vector{}, 0, false
		}
		return match.Pos, pt.Sub(match.Pos).Norm(), true
	})

	res, err := e.matcher.Align(source, nn, guess)
	if err != nil {
		e.logger.Warnw("icp refinement rejected", "error", err)
		return inc
	}

	refined := spatialmath.PoseFromTransform(res.Transform)
	return refined.Sub(last)
}

// updateMap folds the frame's observations into the map at the given pose.
func (e *Estimator) updateMap(pose spatialmath.Pose, obsv *localizer.Observation, ext *lidar.Extraction) {
	if e.cfg.Flags.UseLandmarks {
		e.mapper.UpdateSemantics(pose, obsv.Landmarks, e.gridMap)
	}
	if e.cfg.Flags.UseImageFeatures {
		e.mapper.UpdateImages(pose, obsv.Images, e.gridMap)
	}
	if ext != nil {
		if e.cfg.Flags.UseCorners {
			e.mapper.UpdateCorners(pose, ext.Corners, e.gridMap)
		}
		if e.cfg.Flags.UsePlanars {
			e.mapper.UpdatePlanars(pose, ext.Planars, e.gridMap)
		}
		if e.cfg.Flags.UseGroundPlane && obsv.HasGround {
			e.mapper.UpdateGround(pose, ext.Ground, e.gridMap)
		}
		if e.cfg.Flags.UseVegetationLines {
			e.mapper.UpdateVegetation(ext.VegetationLines, e.gridMap)
		}
	}
}
