package ekf

import (
	"testing"

	"go.viam.com/test"

	"github.com/agrinav/agslam/spatialmath"
)

func testNoise() NoiseModel {
	return NoiseModel{Baseline: 0.12, Fx: 600, DeltaD: 0.2, BearingStdev: 0.02}
}

func TestDepthStdevGrowsWithDepth(t *testing.T) {
	nm := testNoise()
	test.That(t, nm.DepthStdev(2), test.ShouldBeLessThan, nm.DepthStdev(4))
	test.That(t, nm.DepthStdev(4), test.ShouldAlmostEqual, 4*nm.DepthStdev(2))
}

func TestFilterInit(t *testing.T) {
	robot := spatialmath.NewPose(0, 0, 0, 0, 0, 0)
	f := New(testNoise(), robot, 0, 5.0)

	mean := f.Mean()
	test.That(t, mean.X, test.ShouldAlmostEqual, 5.0, 0.05)
	test.That(t, mean.Y, test.ShouldAlmostEqual, 0, 0.05)
}

func TestFilterConverges(t *testing.T) {
	robot := spatialmath.NewPose(0, 0, 0, 0, 0, 0)
	f := New(testNoise(), robot, 0, 5.0)
	p0 := f.CovarianceTrace()

	for i := 0; i < 10; i++ {
		test.That(t, f.Correct(robot, 0, 5.0), test.ShouldBeNil)
	}

	// repeated consistent observations shrink the covariance
	test.That(t, f.CovarianceTrace(), test.ShouldBeLessThan, p0)
	test.That(t, f.Mean().X, test.ShouldAlmostEqual, 5.0, 0.05)

	g := f.Gaussian()
	test.That(t, g.Stdev.X, test.ShouldBeGreaterThan, 0)
}

func TestFilterMovesTowardObservations(t *testing.T) {
	f := New(testNoise(), spatialmath.NewPose(0, 0, 0, 0, 0, 0), 0, 5.0)
	// the robot advanced; the same trunk now reads slightly closer
	robot := spatialmath.NewPose(0.1, 0, 0, 0, 0, 0)
	test.That(t, f.Correct(robot, 0, 4.9), test.ShouldBeNil)

	test.That(t, f.Mean().X, test.ShouldAlmostEqual, 5.0, 0.05)
	test.That(t, f.Mean().Y, test.ShouldAlmostEqual, 0, 0.01)
}

func TestFilterRejectsCoincidentRobot(t *testing.T) {
	f := New(testNoise(), spatialmath.NewPose(0, 0, 0, 0, 0, 0), 0, 5.0)
	err := f.Correct(spatialmath.NewPose(5, 0, 0, 0, 0, 0), 0, 1)
	test.That(t, err, test.ShouldNotBeNil)
}
