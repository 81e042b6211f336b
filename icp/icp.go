// Package icp implements point-to-point iterative closest point alignment
// between a source cloud and any nearest-neighbor source, typically the
// planar layer of the occupancy map.
package icp

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/agrinav/agslam/spatialmath"
)

var (
	// ErrDegenerate is returned when no iteration produced correspondences
	// or inliers.
	ErrDegenerate = errors.New("icp: no valid correspondences")
	// ErrHugeJump is returned when the refined transform diverged from the
	// initial guess.
	ErrHugeJump = errors.New("icp: refinement jumped too far from the prior")
)

// Divergence guard: the refinement may not move further than this from the
// initial guess on any axis.
const (
	maxJumpTranslation = 0.3
	maxJumpRotation    = 0.35
)

// NearestSource answers nearest-neighbor queries against the target cloud.
type NearestSource interface {
	// Nearest returns the closest target point to pt, its distance, and
	// whether a match was found.
	Nearest(pt r3.Vector) (r3.Vector, float64, bool)
}

// NearestFunc adapts a plain function to a NearestSource.
type NearestFunc func(r3.Vector) (r3.Vector, float64, bool)

// Nearest implements NearestSource.
func (f NearestFunc) Nearest(pt r3.Vector) (r3.Vector, float64, bool) { return f(pt) }

// Config holds the stop criteria and outlier handling of the matcher.
type Config struct {
	MaxIters       int
	Tolerance      float64
	DistThreshold  float64
	RejectOutliers bool
}

// DefaultConfig returns the standard matcher parameters.
func DefaultConfig() Config {
	return Config{
		MaxIters:       200,
		Tolerance:      1e-4,
		DistThreshold:  0.1,
		RejectOutliers: true,
	}
}

// Result is a successful alignment.
type Result struct {
	Transform spatialmath.Transform
	RMSError  float64
	Aligned   []r3.Vector
	// PairErrors holds the per-inlier correspondence distances of the last
	// iteration, for diagnostics.
	PairErrors []float64
}

// Matcher aligns clouds. Stateless between calls.
type Matcher struct {
	cfg    Config
	logger golog.Logger
}

// NewMatcher creates a matcher.
func NewMatcher(cfg Config, logger golog.Logger) *Matcher {
	return &Matcher{cfg: cfg, logger: logger}
}

// Align refines guess so that source matches the target. An empty source
// returns the guess unchanged.
func (m *Matcher) Align(source []r3.Vector, target NearestSource, guess spatialmath.Transform) (*Result, error) {
	if len(source) == 0 {
		m.logger.Debug("icp: empty source cloud, returning first guess")
		return &Result{Transform: guess, Aligned: nil}, nil
	}

	cur := guess
	res := &Result{}

	prevErr, stepErr := 0.0, error(nil)
	found := false
	delta := math.Inf(1)

	for iter := 0; iter < m.cfg.MaxIters && delta > m.cfg.Tolerance; iter++ {
		cur, stepErr = m.step(source, target, cur, res)
		if stepErr != nil {
			continue
		}
		if found {
			delta = math.Abs(res.RMSError - prevErr)
		}
		prevErr = res.RMSError
		found = true
	}

	if !found {
		return nil, ErrDegenerate
	}

	// reject solutions that ran away from the prior
	jump := spatialmath.PoseFromTransform(guess.Inverse().Compose(cur))
	if math.Abs(jump.X) > maxJumpTranslation || math.Abs(jump.Y) > maxJumpTranslation ||
		math.Abs(jump.Z) > maxJumpTranslation || math.Abs(jump.Roll) > maxJumpRotation ||
		math.Abs(jump.Pitch) > maxJumpRotation || math.Abs(jump.Yaw) > maxJumpRotation {
		return nil, ErrHugeJump
	}

	res.Transform = cur
	res.Aligned = make([]r3.Vector, len(source))
	for i, pt := range source {
		res.Aligned[i] = cur.TransformPoint(pt)
	}
	return res, nil
}

// step performs one ICP iteration: match, filter, solve the rigid motion by
// SVD of the cross-covariance, and compose onto cur.
func (m *Matcher) step(source []r3.Vector, target NearestSource, cur spatialmath.Transform, res *Result) (spatialmath.Transform, error) {
	var srcPts, tgtPts []r3.Vector
	var pairErrs []float64
	matched := 0

	for _, pt := range source {
		moved := cur.TransformPoint(pt)
		match, dist, ok := target.Nearest(moved)
		if !ok {
			continue
		}
		matched++

		if dist >= m.cfg.DistThreshold && m.cfg.RejectOutliers {
			continue
		}
		srcPts = append(srcPts, moved)
		tgtPts = append(tgtPts, match)
		pairErrs = append(pairErrs, dist)
	}

	if matched == 0 {
		return cur, errors.Wrap(ErrDegenerate, "no correspondence found")
	}
	if len(srcPts) == 0 {
		return cur, errors.Wrap(ErrDegenerate, "no inlier found")
	}

	srcMean := mean(srcPts)
	tgtMean := mean(tgtPts)

	// cross-covariance A = sum of (t - t̄)(s - s̄)ᵀ
	a := mat.NewDense(3, 3, nil)
	for i := range srcPts {
		dt := tgtPts[i].Sub(tgtMean)
		ds := srcPts[i].Sub(srcMean)
		tv := []float64{dt.X, dt.Y, dt.Z}
		sv := []float64{ds.X, ds.Y, ds.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				a.Set(r, c, a.At(r, c)+tv[r]*sv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return cur, errors.Wrap(ErrDegenerate, "svd failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&u, v.T())

	var deltaR [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			deltaR[r*3+c] = rot.At(r, c)
		}
	}
	deltaTF := spatialmath.Transform{R: deltaR}
	rotated := deltaTF.RotatePoint(srcMean)
	deltaTF.T = tgtMean.Sub(rotated)

	// mean correspondence error after applying the delta
	rms := 0.0
	for i := range srcPts {
		diff := tgtPts[i].Sub(deltaTF.TransformPoint(srcPts[i]))
		rms += diff.Norm()
	}
	res.RMSError = rms / float64(len(srcPts))
	res.PairErrors = pairErrs

	return deltaTF.Compose(cur), nil
}

func mean(pts []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, pt := range pts {
		sum = sum.Add(pt)
	}
	return sum.Mul(1 / float64(len(pts)))
}
