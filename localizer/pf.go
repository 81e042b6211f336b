// Package localizer estimates the 6-DOF robot pose with a particle filter
// weighted against the multi-layer occupancy map.
package localizer

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/agrinav/agslam/feature"
	"github.com/agrinav/agslam/gridmap"
	"github.com/agrinav/agslam/spatialmath"
	"github.com/agrinav/agslam/visual"
)

// ErrWeightCollapse is returned when the particle weights sum to nothing,
// meaning no observation source supported any particle.
var ErrWeightCollapse = errors.New("localizer: particle weight sum collapsed")

// weightFloor keeps a missed correspondence from zeroing a particle.
const weightFloor = 1e-10

// collapseEpsilon is the weight-sum threshold below which normalization is
// considered to have failed.
const collapseEpsilon = 1e-15

// Particle is one pose hypothesis.
type Particle struct {
	ID     int
	Pose   spatialmath.Pose
	Weight float64
}

// Config holds the particle count, the odometry noise model and the
// per-source matching sigmas.
type Config struct {
	NumParticles int

	// odometry motion noise: translation and rotation cross terms
	SRR float64
	SRT float64
	STR float64
	STT float64

	// fixed motion noise on the unobserved axes
	SigmaZ     float64
	SigmaRoll  float64
	SigmaPitch float64

	// initial particle spread (SigmaXY, SigmaYaw) and per-source matching
	// sigmas
	SigmaXY            float64
	SigmaYaw           float64
	SigmaLandmark      float64
	SigmaFeature       float64
	SigmaCorner        float64
	SigmaVegetationYaw float64
	SigmaGroundRP      float64
	SigmaGPS           float64

	Seed int64
}

// DefaultConfig returns a workable set of filter parameters.
func DefaultConfig() Config {
	return Config{
		NumParticles:       300,
		SRR:                0.1,
		SRT:                0.3,
		STR:                0.3,
		STT:                0.1,
		SigmaZ:             0.01,
		SigmaRoll:          0.005,
		SigmaPitch:         0.005,
		SigmaXY:            0.1,
		SigmaYaw:           0.05,
		SigmaLandmark:      0.2,
		SigmaFeature:       0.1,
		SigmaCorner:        0.1,
		SigmaVegetationYaw: 0.1,
		SigmaGroundRP:      0.05,
		SigmaGPS:           0.5,
		Seed:               1,
	}
}

// Observation bundles everything one frame can contribute to the weight
// update. Any field may be empty.
type Observation struct {
	Landmarks       []visual.Observation
	Corners         []feature.Corner
	Planars         []feature.Planar
	Images          []feature.Image
	Ground          feature.Plane
	HasGround       bool
	VegetationLines []feature.Line
	GPS             *spatialmath.Pose
}

// PF is a plain sampling-importance-resampling filter with a low-variance
// resampler.
type PF struct {
	cfg       Config
	rnd       *rand.Rand
	particles []Particle
	wSum      float64
}

// NewPF spawns all particles at the initial pose with uniform weight.
func NewPF(cfg Config, initial spatialmath.Pose) *PF {
	particles := make([]Particle, cfg.NumParticles)
	w := 1.0 / float64(cfg.NumParticles)
	for i := range particles {
		particles[i] = Particle{ID: i, Pose: initial, Weight: w}
	}
	return &PF{
		cfg:       cfg,
		rnd:       rand.New(rand.NewSource(cfg.Seed)),
		particles: particles,
	}
}

// Particles returns the live particle set.
func (pf *PF) Particles() []Particle { return pf.particles }

// MotionModel propagates every particle by the odometry increment plus
// sampled noise proportional to the motion magnitude.
func (pf *PF) MotionModel(inc spatialmath.Pose) {
	transXY := math.Hypot(inc.X, inc.Y)
	absYaw := math.Abs(spatialmath.NormalizeAngle(inc.Yaw))

	stdXY := pf.cfg.SRR*transXY + pf.cfg.SRT*absYaw
	stdYaw := pf.cfg.STR*transXY + pf.cfg.STT*absYaw

	for i := range pf.particles {
		noisy := spatialmath.Pose{
			X:     inc.X + pf.sample(stdXY),
			Y:     inc.Y + pf.sample(stdXY),
			Z:     inc.Z + pf.sample(pf.cfg.SigmaZ),
			Roll:  inc.Roll + pf.sample(pf.cfg.SigmaRoll),
			Pitch: inc.Pitch + pf.sample(pf.cfg.SigmaPitch),
			Yaw:   inc.Yaw + pf.sample(stdYaw),
		}
		pf.particles[i].Pose = pf.particles[i].Pose.Compose(noisy).Normalize()
	}
}

// Spread widens the particle cloud around its current poses, used at init.
func (pf *PF) Spread(sigmaXY, sigmaYaw float64) {
	for i := range pf.particles {
		p := &pf.particles[i]
		p.Pose.X += pf.sample(sigmaXY)
		p.Pose.Y += pf.sample(sigmaXY)
		p.Pose.Yaw = spatialmath.NormalizeAngle(p.Pose.Yaw + pf.sample(sigmaYaw))
	}
}

func (pf *PF) sample(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return pf.rnd.NormFloat64() * sigma
}

// Update recomputes every particle's weight as the product of per-source
// likelihoods against the map.
func (pf *PF) Update(obsv *Observation, m *gridmap.Map) {
	pf.wSum = 0
	for i := range pf.particles {
		p := &pf.particles[i]
		w := 1.0
		w *= pf.landmarkLikelihood(p.Pose, obsv.Landmarks, m)
		w *= pf.cornerLikelihood(p.Pose, obsv.Corners, m)
		w *= pf.planarLikelihood(p.Pose, obsv.Planars, obsv, m)
		w *= pf.imageLikelihood(p.Pose, obsv.Images, m)
		w *= pf.vegetationLikelihood(p.Pose, obsv.VegetationLines, m)
		w *= pf.gpsLikelihood(p.Pose, obsv.GPS)
		p.Weight = w
		pf.wSum += w
	}
}

func gaussianProb(sigma, x float64) float64 {
	if sigma <= 0 {
		return weightFloor
	}
	p := distuv.Normal{Mu: 0, Sigma: sigma}.Prob(x)
	if p < weightFloor {
		return weightFloor
	}
	return p
}

func (pf *PF) landmarkLikelihood(pose spatialmath.Pose, obs []visual.Observation, m *gridmap.Map) float64 {
	w := 1.0
	tf := pose.Transform()
	for _, o := range obs {
		local := r3.Vector{
			X: o.Depth * math.Cos(o.Bearing),
			Y: o.Depth * math.Sin(o.Bearing),
		}
		mapped := tf.TransformPoint(local)
		match, ok := m.NearestSemantic(mapped, 5*pf.cfg.SigmaLandmark)
		if !ok {
			w *= weightFloor
			continue
		}
		dx, dy := mapped.X-match.Pos.X, mapped.Y-match.Pos.Y
		w *= gaussianProb(pf.cfg.SigmaLandmark, math.Hypot(dx, dy))
	}
	return w
}

func (pf *PF) cornerLikelihood(pose spatialmath.Pose, corners []feature.Corner, m *gridmap.Map) float64 {
	w := 1.0
	tf := pose.Transform()
	for _, c := range corners {
		mapped := tf.TransformPoint(c.Pos)
		match, ok := m.NearestCorner(mapped, 5*pf.cfg.SigmaCorner)
		if !ok {
			w *= weightFloor
			continue
		}
		w *= gaussianProb(pf.cfg.SigmaCorner, mapped.Sub(match.Pos).Norm())
	}
	return w
}

func (pf *PF) planarLikelihood(pose spatialmath.Pose, planars []feature.Planar, obsv *Observation, m *gridmap.Map) float64 {
	w := 1.0
	tf := pose.Transform()
	for _, pl := range planars {
		mapped := tf.TransformPoint(pl.Pos)
		match, ok := m.NearestPlanar(mapped, 5*pf.cfg.SigmaCorner)
		if !ok {
			w *= weightFloor
			continue
		}
		w *= gaussianProb(pf.cfg.SigmaCorner, mapped.Sub(match.Pos).Norm())
	}

	// the observed ground plane constrains height and attitude
	if obsv.HasGround && m.HasGround {
		obsRoll := math.Atan2(obsv.Ground.B, obsv.Ground.C)
		obsPitch := -math.Atan2(obsv.Ground.A, obsv.Ground.C)
		w *= gaussianProb(pf.cfg.SigmaGroundRP, spatialmath.NormalizeAngle(pose.Roll-obsRoll))
		w *= gaussianProb(pf.cfg.SigmaGroundRP, spatialmath.NormalizeAngle(pose.Pitch-obsPitch))
		// the robot sits obsv.D above the local ground, which the map pins
		// at -m.Ground.D
		w *= gaussianProb(pf.cfg.SigmaZ+pf.cfg.SigmaCorner, pose.Z-(obsv.Ground.D-m.Ground.D))
	}
	return w
}

func (pf *PF) imageLikelihood(pose spatialmath.Pose, images []feature.Image, m *gridmap.Map) float64 {
	w := 1.0
	tf := pose.Transform()
	for _, f := range images {
		mapped := tf.TransformPoint(f.Pos)
		match, ok := m.NearestImage(mapped, 5*pf.cfg.SigmaFeature)
		if !ok {
			w *= weightFloor
			continue
		}
		w *= gaussianProb(pf.cfg.SigmaFeature, feature.DescriptorDistance(f.Descriptor, match.Descriptor))
	}
	return w
}

func (pf *PF) vegetationLikelihood(pose spatialmath.Pose, lines []feature.Line, m *gridmap.Map) float64 {
	if len(lines) == 0 || len(m.VegLines) == 0 {
		return 1
	}
	w := 1.0
	for i, l := range lines {
		if i >= len(m.VegLines) {
			break
		}
		obsAngle := math.Atan(l.M) + pose.Yaw
		mapAngle := math.Atan(m.VegLines[i].M)
		w *= gaussianProb(pf.cfg.SigmaVegetationYaw, spatialmath.NormalizeAngle(mapAngle-obsAngle))
	}
	return w
}

func (pf *PF) gpsLikelihood(pose spatialmath.Pose, gps *spatialmath.Pose) float64 {
	if gps == nil {
		return 1
	}
	w := gaussianProb(pf.cfg.SigmaGPS, pose.X-gps.X)
	w *= gaussianProb(pf.cfg.SigmaGPS, pose.Y-gps.Y)
	return w
}

// Normalize scales the weights to sum to one. A collapsed sum leaves the
// weights untouched and reports the failure.
func (pf *PF) Normalize() error {
	if pf.wSum < collapseEpsilon {
		return ErrWeightCollapse
	}
	for i := range pf.particles {
		pf.particles[i].Weight /= pf.wSum
	}
	return nil
}

// Resample draws a new generation with stochastic universal sampling. The
// pre-resample set is returned for diagnostics.
func (pf *PF) Resample() []Particle {
	before := make([]Particle, len(pf.particles))
	copy(before, pf.particles)

	n := len(pf.particles)
	step := 1.0 / float64(n)
	u := pf.rnd.Float64() * step
	c := pf.particles[0].Weight
	idx := 0

	next := make([]Particle, n)
	for i := 0; i < n; i++ {
		for u > c && idx < n-1 {
			idx++
			c += pf.particles[idx].Weight
		}
		next[i] = pf.particles[idx]
		next[i].ID = i
		next[i].Weight = step
		u += step
	}
	pf.particles = next
	return before
}

// MeanPose is the average pose of the current particle set.
func (pf *PF) MeanPose() spatialmath.Pose {
	poses := make([]spatialmath.Pose, len(pf.particles))
	for i, p := range pf.particles {
		poses[i] = p.Pose
	}
	return spatialmath.MeanPose(poses)
}
