package estimator

import (
	"image"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/agrinav/agslam/config"
	"github.com/agrinav/agslam/gridmap"
	"github.com/agrinav/agslam/spatialmath"
	"github.com/agrinav/agslam/visual"
)

func newEstimator(t *testing.T) *Estimator {
	t.Helper()
	e, err := New(config.Default(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return e
}

func countFeatures(m *gridmap.Map) int {
	count := 0
	m.ForEachCell(func(_ gridmap.Index, c *gridmap.Cell) bool {
		count += len(c.Semantics) + len(c.Images) + len(c.Corners) + len(c.Planars)
		return true
	})
	return count
}

func flatDepth(w, h int, d float64) *visual.DepthImage {
	data := make([]float64, w*h)
	for i := range data {
		data[i] = d
	}
	return &visual.DepthImage{Width: w, Height: h, Data: data}
}

func TestPureOdometry(t *testing.T) {
	e := newEstimator(t)

	var pose spatialmath.Pose
	for i := 0; i < 10; i++ {
		odom := spatialmath.NewPose(float64(i)*0.1, 0, 0, 0, 0, 0)
		var err error
		pose, err = e.ProcessFrame(&Frame{Odometry: odom})
		test.That(t, err, test.ShouldBeNil)
	}

	// with no observations the estimate tracks the odometry
	test.That(t, pose.X, test.ShouldAlmostEqual, 0.9, 0.1)
	test.That(t, math.Abs(pose.Y), test.ShouldBeLessThan, 0.1)
	// and nothing was mapped
	test.That(t, countFeatures(e.Map()), test.ShouldEqual, 0)
}

func TestSingleLandmark(t *testing.T) {
	e := newEstimator(t)

	det := []visual.Detection{{Box: image.Rect(310, 200, 330, 280), Label: 0}}

	_, err := e.ProcessFrame(&Frame{
		Odometry:   spatialmath.Pose{},
		Depth:      flatDepth(640, 480, 5.0),
		Detections: det,
	})
	test.That(t, err, test.ShouldBeNil)

	lm, ok := e.Map().NearestSemantic(r3.Vector{X: 5}, 0.5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, lm.Pos.X, test.ShouldAlmostEqual, 5.0, 0.05)
	test.That(t, lm.Pos.Y, test.ShouldAlmostEqual, 0, 0.05)

	_, err = e.ProcessFrame(&Frame{
		Odometry:   spatialmath.NewPose(0.1, 0, 0, 0, 0, 0),
		Depth:      flatDepth(640, 480, 4.9),
		Detections: det,
	})
	test.That(t, err, test.ShouldBeNil)

	// still a single refined landmark near (5, 0)
	count := 0
	e.Map().ForEachCell(func(_ gridmap.Index, c *gridmap.Cell) bool {
		count += len(c.Semantics)
		return true
	})
	test.That(t, count, test.ShouldEqual, 1)
	lm, ok = e.Map().NearestSemantic(r3.Vector{X: 5}, 0.5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, lm.Pos.X, test.ShouldAlmostEqual, 5.0, 0.1)
}

func TestWeightCollapseEscalates(t *testing.T) {
	e := newEstimator(t)

	// first frame just initializes
	_, err := e.ProcessFrame(&Frame{Odometry: spatialmath.Pose{}})
	test.That(t, err, test.ShouldBeNil)
	want := e.Pose()

	// detections against an empty map miss everything
	frame := func() *Frame {
		return &Frame{
			Odometry: spatialmath.Pose{},
			Depth:    flatDepth(640, 480, 5.0),
			Detections: []visual.Detection{
				{Box: image.Rect(100, 200, 140, 280), Label: 0},
				{Box: image.Rect(300, 200, 340, 280), Label: 0},
				{Box: image.Rect(500, 200, 540, 280), Label: 0},
			},
		}
	}

	_, err = e.ProcessFrame(frame())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e.Pose(), test.ShouldResemble, want)

	_, err = e.ProcessFrame(frame())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e.Pose(), test.ShouldResemble, want)

	// the third consecutive collapse is fatal
	_, err = e.ProcessFrame(frame())
	test.That(t, errors.Is(err, ErrEstimatorFailed), test.ShouldBeTrue)
}

func TestCollapseStrikesReset(t *testing.T) {
	e := newEstimator(t)
	_, err := e.ProcessFrame(&Frame{Odometry: spatialmath.Pose{}})
	test.That(t, err, test.ShouldBeNil)

	missing := &Frame{
		Odometry: spatialmath.Pose{},
		Depth:    flatDepth(640, 480, 5.0),
		Detections: []visual.Detection{
			{Box: image.Rect(100, 200, 140, 280), Label: 0},
			{Box: image.Rect(300, 200, 340, 280), Label: 0},
			{Box: image.Rect(500, 200, 540, 280), Label: 0},
		},
	}

	_, err = e.ProcessFrame(missing)
	test.That(t, err, test.ShouldBeNil)
	_, err = e.ProcessFrame(missing)
	test.That(t, err, test.ShouldBeNil)

	// a clean frame clears the strike counter
	_, err = e.ProcessFrame(&Frame{Odometry: spatialmath.Pose{}})
	test.That(t, err, test.ShouldBeNil)

	_, err = e.ProcessFrame(missing)
	test.That(t, err, test.ShouldBeNil)
}

func TestParticlesExposed(t *testing.T) {
	e := newEstimator(t)
	_, err := e.ProcessFrame(&Frame{Odometry: spatialmath.Pose{}})
	test.That(t, err, test.ShouldBeNil)
	_, err = e.ProcessFrame(&Frame{Odometry: spatialmath.NewPose(0.1, 0, 0, 0, 0, 0)})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, len(e.Particles()), test.ShouldEqual, 300)
	test.That(t, len(e.ParticlesBeforeResampling()), test.ShouldEqual, 300)

	sum := 0.0
	for _, p := range e.Particles() {
		sum += p.Weight
	}
	test.That(t, sum, test.ShouldAlmostEqual, 1, 1e-6)
}
