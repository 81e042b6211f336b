package spatialmath

import (
	"math"

	"github.com/golang/geo/r2"
)

// Gaussian2D is a planar Gaussian described by its mean, the standard
// deviations along its principal axes, and the angle of the first axis.
type Gaussian2D struct {
	Mean  r2.Point
	Stdev r2.Point
	Theta float64
}

// NewGaussian2D builds a Gaussian from an axis-aligned standard deviation.
func NewGaussian2D(mean, stdev r2.Point) Gaussian2D {
	return Gaussian2D{Mean: mean, Stdev: stdev}
}

// GaussianFromCovariance diagonalizes a 2x2 covariance matrix
// [sxx sxy; sxy syy] into principal-axis standard deviations and the
// ellipse orientation.
func GaussianFromCovariance(mean r2.Point, sxx, syy, sxy float64) Gaussian2D {
	// eigenvalues of a symmetric 2x2 matrix
	tr := sxx + syy
	det := sxx*syy - sxy*sxy
	disc := math.Sqrt(math.Max(tr*tr/4-det, 0))
	l1 := tr/2 + disc
	l2 := tr/2 - disc

	theta := 0.
	if sxy != 0 {
		theta = math.Atan2(l1-sxx, sxy)
	} else if syy > sxx {
		theta = math.Pi / 2
	}

	return Gaussian2D{
		Mean:  mean,
		Stdev: r2.Point{X: math.Sqrt(math.Max(l1, 0)), Y: math.Sqrt(math.Max(l2, 0))},
		Theta: theta,
	}
}
