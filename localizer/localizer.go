package localizer

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/agrinav/agslam/gridmap"
	"github.com/agrinav/agslam/spatialmath"
)

// Localizer runs the particle filter once per frame and keeps the last
// good estimate when an update fails.
type Localizer struct {
	cfg    Config
	logger golog.Logger

	pf             *PF
	avgPose        spatialmath.Pose
	beforeResample []Particle
	initialized    bool
}

// NewLocalizer creates an uninitialized localizer.
func NewLocalizer(cfg Config, logger golog.Logger) *Localizer {
	return &Localizer{cfg: cfg, logger: logger}
}

// Init spawns the particle set at the initial pose and spreads it by the
// configured initial uncertainty.
func (l *Localizer) Init(initial spatialmath.Pose) {
	l.pf = NewPF(l.cfg, initial)
	l.pf.Spread(l.cfg.SigmaXY, l.cfg.SigmaYaw)
	l.avgPose = l.pf.MeanPose()
	l.initialized = true
}

// Initialized reports whether Init has run.
func (l *Localizer) Initialized() bool { return l.initialized }

// Process performs one motion-update-resample cycle with the given odometry
// increment and observation. On weight collapse the previous pose is kept
// and ErrWeightCollapse returned.
func (l *Localizer) Process(inc spatialmath.Pose, obsv *Observation, m *gridmap.Map) error {
	if !l.initialized {
		return errors.New("localizer: not initialized")
	}

	l.pf.MotionModel(inc)
	l.pf.Update(obsv, m)

	if err := l.pf.Normalize(); err != nil {
		l.logger.Warnw("particle filter update failed", "error", err)
		return err
	}

	l.beforeResample = l.pf.Resample()
	l.avgPose = l.pf.MeanPose()
	return nil
}

// Pose returns the current estimate.
func (l *Localizer) Pose() spatialmath.Pose { return l.avgPose }

// Particles returns the post-resample particle set.
func (l *Localizer) Particles() []Particle {
	if l.pf == nil {
		return nil
	}
	return l.pf.Particles()
}

// ParticlesBeforeResampling returns the pre-resample set of the last
// successful update, for diagnostics.
func (l *Localizer) ParticlesBeforeResampling() []Particle { return l.beforeResample }
