// Package mapper folds per-frame observations into the multi-layer
// occupancy map: correspondence-aware insertion of image, corner and planar
// features, and an EKF bank refining one semantic landmark per filter.
package mapper

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/utils"

	"github.com/agrinav/agslam/ekf"
	"github.com/agrinav/agslam/feature"
	"github.com/agrinav/agslam/gridmap"
	"github.com/agrinav/agslam/spatialmath"
	"github.com/agrinav/agslam/visual"
)

// Config holds the correspondence gates and the landmark noise model.
type Config struct {
	// CorrespondenceThreshold is the matching radius for image, corner and
	// planar features, in meters.
	CorrespondenceThreshold float64
	// AdjacentSearchCells widens the image-feature search when the owning
	// cell has no match.
	AdjacentSearchCells int
	// LandmarkGate is the planar matching radius for semantic landmarks.
	LandmarkGate float64

	Noise ekf.NoiseModel
}

// DefaultConfig returns the standard mapping parameters.
func DefaultConfig() Config {
	return Config{
		CorrespondenceThreshold: 0.02,
		AdjacentSearchCells:     2,
		LandmarkGate:            0.5,
		Noise: ekf.NoiseModel{
			Baseline:     0.12,
			Fx:           600,
			DeltaD:       0.2,
			BearingStdev: 0.02,
		},
	}
}

// Mapper owns the EKF bank and writes every map layer. All mutation of the
// grid map funnels through here.
type Mapper struct {
	cfg    Config
	logger golog.Logger

	filters map[int]*ekf.Filter
	nextID  int
}

// New creates a mapper with an empty filter bank.
func New(cfg Config, logger golog.Logger) *Mapper {
	return &Mapper{
		cfg:     cfg,
		logger:  logger,
		filters: make(map[int]*ekf.Filter),
	}
}

// Filters returns a snapshot of the EKF bank keyed by landmark id.
func (mp *Mapper) Filters() map[int]*ekf.Filter {
	out := make(map[int]*ekf.Filter, len(mp.filters))
	for id, f := range mp.filters {
		out[id] = f
	}
	return out
}

// UpdateSemantics matches each range-bearing observation to a mapped
// landmark. Matches refine the landmark through its filter; the rest start
// new landmarks with new filters.
func (mp *Mapper) UpdateSemantics(robot spatialmath.Pose, obs []visual.Observation, m *gridmap.Map) {
	for _, o := range obs {
		theta := robot.Yaw + o.Bearing
		mapped := r3.Vector{
			X: robot.X + o.Depth*math.Cos(theta),
			Y: robot.Y + o.Depth*math.Sin(theta),
		}

		match, found := m.NearestSemantic(mapped, mp.cfg.LandmarkGate)
		if found {
			f, ok := mp.filters[match.ID]
			if !ok {
				// a landmark loaded from disk has no filter yet
				f = ekf.New(mp.cfg.Noise, robot, o.Bearing, o.Depth)
				mp.filters[match.ID] = f
			} else if err := f.Correct(robot, o.Bearing, o.Depth); err != nil {
				mp.logger.Warnw("landmark filter update failed", "id", match.ID, "error", err)
				continue
			}

			mean := f.Mean()
			repl := match
			repl.Pos = r3.Vector{X: mean.X, Y: mean.Y, Z: match.Pos.Z}
			repl.Gauss = f.Gaussian()
			if err := m.UpdateSemantic(match, repl); err != nil {
				mp.logger.Warnw("landmark map update failed", "id", match.ID, "error", err)
			}
			continue
		}

		id := mp.nextID
		mp.nextID++
		f := ekf.New(mp.cfg.Noise, robot, o.Bearing, o.Depth)
		mp.filters[id] = f

		mean := f.Mean()
		sem := feature.Semantic{
			ID:    id,
			Pos:   r3.Vector{X: mean.X, Y: mean.Y},
			Gauss: f.Gaussian(),
			Info:  feature.SemanticInfoFromLabel(o.Label),
		}
		if err := m.InsertSemantic(sem); err != nil {
			mp.logger.Debugw("dropping out-of-bounds landmark", "error", err)
			delete(mp.filters, id)
		}
	}
}

// UpdateImages merges visual features into the map: matched features are
// blended with a running mean, unmatched ones are inserted fresh. The
// descriptor always comes from the newest observation.
func (mp *Mapper) UpdateImages(robot spatialmath.Pose, feats []feature.Image, m *gridmap.Map) {
	tf := robot.Transform()
	for _, f := range feats {
		mapped := tf.TransformPoint(f.Pos)

		match, found := m.NearestImage(mapped, mp.cfg.CorrespondenceThreshold)
		if !found {
			// fall back to the wider neighborhood before inserting new
			wider := float64(mp.cfg.AdjacentSearchCells) * m.Resolution()
			match, found = m.NearestImage(mapped, wider)
		}

		if found {
			n := float64(match.NObservations)
			repl := f
			repl.ID = match.ID
			repl.Pos = blend(match.Pos, mapped, n)
			repl.NObservations = match.NObservations + 1
			if err := m.UpdateImage(match, repl); err != nil {
				mp.logger.Warnw("image feature update failed", "error", err)
			}
			continue
		}

		fresh := f
		fresh.Pos = mapped
		fresh.NObservations = 1
		if err := m.InsertImage(fresh); err != nil {
			mp.logger.Debugw("dropping out-of-bounds image feature", "error", err)
		}
	}
}

// UpdateCorners merges corner features into the map.
func (mp *Mapper) UpdateCorners(robot spatialmath.Pose, corners []feature.Corner, m *gridmap.Map) {
	tf := robot.Transform()
	for _, c := range corners {
		mapped := tf.TransformPoint(c.Pos)

		match, found := m.NearestCorner(mapped, mp.cfg.CorrespondenceThreshold)
		if found {
			n := float64(match.NObservations)
			repl := match
			repl.Pos = blend(match.Pos, mapped, n)
			repl.WhichPlane = c.WhichPlane
			repl.NObservations = match.NObservations + 1
			repl.Correspondence = match.Pos
			if err := m.UpdateCorner(match, repl); err != nil {
				mp.logger.Warnw("corner update failed", "error", err)
			}
			continue
		}

		fresh := c
		fresh.Pos = mapped
		fresh.NObservations = 1
		if err := m.InsertCorner(fresh); err != nil {
			mp.logger.Debugw("dropping out-of-bounds corner", "error", err)
		}
	}
}

// UpdatePlanars merges planar features into the map.
func (mp *Mapper) UpdatePlanars(robot spatialmath.Pose, planars []feature.Planar, m *gridmap.Map) {
	tf := robot.Transform()
	for _, p := range planars {
		mapped := tf.TransformPoint(p.Pos)

		match, found := m.NearestPlanar(mapped, mp.cfg.CorrespondenceThreshold)
		if found {
			n := float64(match.NObservations)
			repl := match
			repl.Pos = blend(match.Pos, mapped, n)
			repl.WhichPlane = p.WhichPlane
			repl.NObservations = match.NObservations + 1
			if err := m.UpdatePlanar(match, repl); err != nil {
				mp.logger.Warnw("planar update failed", "error", err)
			}
			continue
		}

		fresh := p
		fresh.Pos = mapped
		fresh.NObservations = 1
		if err := m.InsertPlanar(fresh); err != nil {
			mp.logger.Debugw("dropping out-of-bounds planar", "error", err)
		}
	}
}

// UpdateGround replaces the mapped ground plane with the latest estimate
// and refreshes the elevation samples under its inliers.
func (mp *Mapper) UpdateGround(robot spatialmath.Pose, ground feature.Plane, m *gridmap.Map) {
	tf := robot.Transform()
	mapped := ground
	mapped.Points = make([]r3.Vector, len(ground.Points))
	for i, pt := range ground.Points {
		mapped.Points[i] = tf.TransformPoint(pt)
	}
	if len(mapped.Points) > 0 {
		normal := tf.RotatePoint(r3.Vector{X: ground.A, Y: ground.B, Z: ground.C})
		if normal.Z < 0 {
			normal = normal.Mul(-1)
		}
		mapped.Normal = normal
		mapped.A, mapped.B, mapped.C = normal.X, normal.Y, normal.Z
		mapped.D = -normal.Dot(mapped.Points[0])
	}

	m.Ground = mapped
	m.HasGround = true

	for _, pt := range mapped.Points {
		// inliers outside the grid carry no elevation sample
		utils.UncheckedError(m.SetElevation(pt.X, pt.Y, pt.Z))
	}
}

// UpdateVegetation rewrites the mapped vegetation-row lines.
func (mp *Mapper) UpdateVegetation(lines []feature.Line, m *gridmap.Map) {
	m.VegLines = append(m.VegLines[:0], lines...)
}

// blend is the running mean of a feature position over its observations.
func blend(old, obs r3.Vector, n float64) r3.Vector {
	return old.Mul(n).Add(obs).Mul(1 / (n + 1))
}
