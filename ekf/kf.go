// Package ekf maintains one small Kalman filter per semantic landmark. The
// state is the landmark's 2D position in the map frame; the robot pose acts
// as a known parameter of the range-bearing observation model.
package ekf

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/agrinav/agslam/spatialmath"
)

// NoiseModel converts a stereo depth observation into measurement noise.
type NoiseModel struct {
	Baseline float64
	Fx       float64
	// DeltaD is the disparity error of the stereo matcher, in pixels.
	DeltaD float64
	// BearingStdev is the fixed bearing noise, in radians.
	BearingStdev float64
}

// DepthStdev is the disparity noise model: the depth error grows with the
// square of the depth.
func (nm NoiseModel) DepthStdev(depth float64) float64 {
	return depth * depth / (nm.Baseline * nm.Fx) * nm.DeltaD
}

// Filter tracks one landmark.
type Filter struct {
	nm NoiseModel
	x  *mat.VecDense // landmark (x, y) in map frame
	p  *mat.Dense    // state covariance
}

// New initializes a filter from the first observation of a landmark. The
// initial covariance is the observation noise pushed through the
// polar-to-Cartesian Jacobian.
func New(nm NoiseModel, robot spatialmath.Pose, bearing, depth float64) *Filter {
	theta := robot.Yaw + bearing
	lx := robot.X + depth*math.Cos(theta)
	ly := robot.Y + depth*math.Sin(theta)

	sd := nm.DepthStdev(depth)
	sb := nm.BearingStdev

	// G maps (depth, bearing) noise into map coordinates
	g := mat.NewDense(2, 2, []float64{
		math.Cos(theta), -depth * math.Sin(theta),
		math.Sin(theta), depth * math.Cos(theta),
	})
	r := mat.NewDense(2, 2, []float64{sd * sd, 0, 0, sb * sb})

	var grg, p mat.Dense
	grg.Mul(g, r)
	p.Mul(&grg, g.T())

	return &Filter{
		nm: nm,
		x:  mat.NewVecDense(2, []float64{lx, ly}),
		p:  mat.DenseCopyOf(&p),
	}
}

// Correct fuses one (bearing, depth) observation taken from the given robot
// pose. The predict step is the identity: landmarks do not move.
func (f *Filter) Correct(robot spatialmath.Pose, bearing, depth float64) error {
	dx := f.x.AtVec(0) - robot.X
	dy := f.x.AtVec(1) - robot.Y
	q := dx*dx + dy*dy
	if q == 0 {
		return errors.New("ekf: landmark coincides with the robot")
	}
	rng := math.Sqrt(q)

	// innovation in (range, bearing) space
	zRange := depth
	zBearing := bearing
	hRange := rng
	hBearing := spatialmath.NormalizeAngle(math.Atan2(dy, dx) - robot.Yaw)

	innov := mat.NewVecDense(2, []float64{
		zRange - hRange,
		spatialmath.NormalizeAngle(zBearing - hBearing),
	})

	h := mat.NewDense(2, 2, []float64{
		dx / rng, dy / rng,
		-dy / q, dx / q,
	})

	sd := f.nm.DepthStdev(depth)
	sb := f.nm.BearingStdev
	r := mat.NewDense(2, 2, []float64{sd * sd, 0, 0, sb * sb})

	// S = H P Hᵀ + R
	var ph, s mat.Dense
	ph.Mul(f.p, h.T())
	s.Mul(h, &ph)
	s.Add(&s, r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return errors.Wrap(err, "ekf: innovation covariance not invertible")
	}

	var k mat.Dense
	k.Mul(&ph, &sInv)

	var dx2 mat.VecDense
	dx2.MulVec(&k, innov)
	f.x.AddVec(f.x, &dx2)

	// P = (I - K H) P
	var kh mat.Dense
	kh.Mul(&k, h)
	ident := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	kh.Sub(ident, &kh)
	var newP mat.Dense
	newP.Mul(&kh, f.p)
	f.p = mat.DenseCopyOf(&newP)

	return nil
}

// Mean returns the current landmark estimate.
func (f *Filter) Mean() r2.Point {
	return r2.Point{X: f.x.AtVec(0), Y: f.x.AtVec(1)}
}

// Gaussian diagonalizes the covariance into an ellipse for drawing and for
// the landmark's stored uncertainty.
func (f *Filter) Gaussian() spatialmath.Gaussian2D {
	return spatialmath.GaussianFromCovariance(
		f.Mean(), f.p.At(0, 0), f.p.At(1, 1), f.p.At(0, 1))
}

// CovarianceTrace is the sum of the position variances, a scalar measure of
// how settled the filter is.
func (f *Filter) CovarianceTrace() float64 {
	return f.p.At(0, 0) + f.p.At(1, 1)
}
