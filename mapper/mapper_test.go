package mapper

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/agrinav/agslam/feature"
	"github.com/agrinav/agslam/gridmap"
	"github.com/agrinav/agslam/spatialmath"
	"github.com/agrinav/agslam/visual"
)

func testMap(t *testing.T) *gridmap.Map {
	t.Helper()
	m, err := gridmap.New(gridmap.Config{
		OriginX: -25, OriginY: -25, OriginZ: -5,
		Width: 50, Length: 50, Height: 10, Resolution: 0.25,
	})
	test.That(t, err, test.ShouldBeNil)
	return m
}

func TestSemanticLandmarkLifecycle(t *testing.T) {
	m := testMap(t)
	mp := New(DefaultConfig(), golog.NewTestLogger(t))

	// first sighting creates the landmark near (5, 0)
	robot := spatialmath.Pose{}
	mp.UpdateSemantics(robot, []visual.Observation{
		{Label: feature.LabelTrunk, Bearing: 0, Depth: 5.0},
	}, m)

	lm, ok := m.NearestSemantic(r3.Vector{X: 5}, 0.5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, lm.Pos.X, test.ShouldAlmostEqual, 5.0, 0.05)
	test.That(t, lm.Pos.Y, test.ShouldAlmostEqual, 0, 0.05)
	test.That(t, len(mp.Filters()), test.ShouldEqual, 1)

	p0 := mp.Filters()[lm.ID].CovarianceTrace()

	// the robot advanced and re-observed the same trunk
	robot = spatialmath.NewPose(0.1, 0, 0, 0, 0, 0)
	mp.UpdateSemantics(robot, []visual.Observation{
		{Label: feature.LabelTrunk, Bearing: 0, Depth: 4.9},
	}, m)

	// still one landmark, refined and more certain
	test.That(t, len(mp.Filters()), test.ShouldEqual, 1)
	lm, ok = m.NearestSemantic(r3.Vector{X: 5}, 0.5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, lm.Pos.X, test.ShouldAlmostEqual, 5.0, 0.05)
	test.That(t, mp.Filters()[lm.ID].CovarianceTrace(), test.ShouldBeLessThan, p0)
}

func TestSemanticNewLandmarkOutsideGate(t *testing.T) {
	m := testMap(t)
	mp := New(DefaultConfig(), golog.NewTestLogger(t))
	robot := spatialmath.Pose{}

	mp.UpdateSemantics(robot, []visual.Observation{{Bearing: 0, Depth: 5}}, m)
	mp.UpdateSemantics(robot, []visual.Observation{{Bearing: 0, Depth: 8}}, m)

	test.That(t, len(mp.Filters()), test.ShouldEqual, 2)
}

func TestCornerRunningMean(t *testing.T) {
	m := testMap(t)
	mp := New(DefaultConfig(), golog.NewTestLogger(t))
	robot := spatialmath.Pose{}

	mp.UpdateCorners(robot, []feature.Corner{{Pos: r3.Vector{X: 2, Y: 1}}}, m)
	got, ok := m.NearestCorner(r3.Vector{X: 2, Y: 1}, 0.1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.NObservations, test.ShouldEqual, 1)

	// a re-observation 1 cm off blends to the midpoint and bumps the count
	mp.UpdateCorners(robot, []feature.Corner{{Pos: r3.Vector{X: 2.01, Y: 1}}}, m)
	got, ok = m.NearestCorner(r3.Vector{X: 2, Y: 1}, 0.1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.NObservations, test.ShouldEqual, 2)
	test.That(t, got.Pos.X, test.ShouldAlmostEqual, 2.005, 1e-9)

	// a far observation becomes a new corner
	mp.UpdateCorners(robot, []feature.Corner{{Pos: r3.Vector{X: 4, Y: 1}}}, m)
	got, ok = m.NearestCorner(r3.Vector{X: 4, Y: 1}, 0.1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.NObservations, test.ShouldEqual, 1)
}

func TestCornerMappedThroughRobotPose(t *testing.T) {
	m := testMap(t)
	mp := New(DefaultConfig(), golog.NewTestLogger(t))
	robot := spatialmath.NewPose(1, 0, 0, 0, 0, 0)

	mp.UpdateCorners(robot, []feature.Corner{{Pos: r3.Vector{X: 2}}}, m)
	_, ok := m.NearestCorner(r3.Vector{X: 3}, 0.05)
	test.That(t, ok, test.ShouldBeTrue)
}

func TestImageRunningMeanKeepsNewDescriptor(t *testing.T) {
	m := testMap(t)
	mp := New(DefaultConfig(), golog.NewTestLogger(t))
	robot := spatialmath.Pose{}

	first := feature.Image{Pos: r3.Vector{X: 2}, Descriptor: []float64{1, 0}}
	mp.UpdateImages(robot, []feature.Image{first}, m)

	second := feature.Image{Pos: r3.Vector{X: 2.01}, Descriptor: []float64{0, 1}, Laplacian: 1}
	mp.UpdateImages(robot, []feature.Image{second}, m)

	got, ok := m.NearestImage(r3.Vector{X: 2}, 0.1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.NObservations, test.ShouldEqual, 2)
	test.That(t, got.Descriptor, test.ShouldResemble, []float64{0, 1})
	test.That(t, got.Laplacian, test.ShouldEqual, 1)
}

func TestGroundAndVegetationRewritten(t *testing.T) {
	m := testMap(t)
	mp := New(DefaultConfig(), golog.NewTestLogger(t))
	robot := spatialmath.Pose{}

	ground := feature.Plane{
		A: 0, B: 0, C: 1, D: 1,
		Normal: r3.Vector{Z: 1},
		Points: []r3.Vector{{X: 1, Y: 1, Z: -1}, {X: 2, Y: 1, Z: -1}},
	}
	mp.UpdateGround(robot, ground, m)
	test.That(t, m.HasGround, test.ShouldBeTrue)
	test.That(t, m.Ground.Normal.Z, test.ShouldAlmostEqual, 1)

	c, err := m.At(1, 1, -1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.HasElevation, test.ShouldBeTrue)
	test.That(t, c.Elevation, test.ShouldAlmostEqual, -1)

	mp.UpdateVegetation([]feature.Line{{M: 0.1, B: 1}, {M: -0.1, B: -1}}, m)
	test.That(t, len(m.VegLines), test.ShouldEqual, 2)
	mp.UpdateVegetation([]feature.Line{{M: 0.2, B: 1}}, m)
	test.That(t, len(m.VegLines), test.ShouldEqual, 1)
	test.That(t, m.VegLines[0].M, test.ShouldAlmostEqual, 0.2)
}
