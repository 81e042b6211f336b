package feature

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestFitLine(t *testing.T) {
	pts := []r3.Vector{
		{X: 0, Y: 1},
		{X: 1, Y: 3},
		{X: 2, Y: 5},
	}
	l := FitLine(pts)
	test.That(t, l.M, test.ShouldAlmostEqual, 2)
	test.That(t, l.B, test.ShouldAlmostEqual, 1)
	test.That(t, l.Dist(r3.Vector{X: 0, Y: 1}), test.ShouldAlmostEqual, 0)

	test.That(t, FitLine(nil).M, test.ShouldAlmostEqual, 0)
}

func TestPlaneDistanceAndNormalize(t *testing.T) {
	p := Plane{A: 0, B: 0, C: 2, D: -2}
	test.That(t, p.Distance(r3.Vector{Z: 5}), test.ShouldAlmostEqual, 4)

	p.NormalizeHessian()
	test.That(t, p.C, test.ShouldAlmostEqual, 1)
	test.That(t, p.D, test.ShouldAlmostEqual, -1)
	test.That(t, p.Normal.Norm(), test.ShouldAlmostEqual, 1)

	// a downward normal is flipped up
	down := Plane{A: 0, B: 0, C: -1, D: 1}
	down.NormalizeHessian()
	test.That(t, down.Normal.Z, test.ShouldAlmostEqual, 1)
}

func TestSemiPlaneHull(t *testing.T) {
	p := Plane{Points: []r3.Vector{
		{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 2, Y: 2}, {X: 0, Y: 2}, {X: 1, Y: 1},
	}}
	sp := NewSemiPlane(p)
	// the interior point is not part of the hull
	test.That(t, len(sp.Hull), test.ShouldEqual, 4)
}

func TestDescriptorDistance(t *testing.T) {
	a := []float64{1, 0, 0}
	b := []float64{0, 1, 0}
	test.That(t, DescriptorDistance(a, b), test.ShouldAlmostEqual, 1.4142135623730951)
	test.That(t, DescriptorDistance(a, a), test.ShouldAlmostEqual, 0)
	test.That(t, DescriptorDistance(a, []float64{1}), test.ShouldAlmostEqual, 1e6)
}
