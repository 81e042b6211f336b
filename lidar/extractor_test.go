package lidar

import (
	"math"
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/agrinav/agslam/feature"
)

func TestProjectRangeBounds(t *testing.T) {
	e := New(DefaultConfig(), golog.NewTestLogger(t))
	f := e.newFrame()

	// range exactly at the minimum is kept
	e.project(f, []r3.Vector{{X: 1, Y: 0, Z: 0}})
	row := 7 // floor(15.1deg / 2deg)
	col := 900
	test.That(t, f.rangeMat[row*e.cfg.HorizontalScans+col], test.ShouldAlmostEqual, 1.0)

	// just below the minimum is dropped
	f = e.newFrame()
	e.project(f, []r3.Vector{{X: 0.99, Y: 0, Z: 0}})
	for _, r := range f.rangeMat {
		test.That(t, r, test.ShouldAlmostEqual, -1)
	}

	// beyond the maximum is dropped too
	f = e.newFrame()
	e.project(f, []r3.Vector{{X: 51, Y: 0, Z: 0}})
	for _, r := range f.rangeMat {
		test.That(t, r, test.ShouldAlmostEqual, -1)
	}
}

func TestRansacPlaneFit(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	// 500 points on the plane z = 1 plus 50 outliers at z = 5
	var pts []r3.Vector
	for i := 0; i < 500; i++ {
		pts = append(pts, r3.Vector{
			X: rnd.Float64()*10 - 5,
			Y: rnd.Float64()*10 - 5,
			Z: 1,
		})
	}
	for i := 0; i < 50; i++ {
		pts = append(pts, r3.Vector{
			X: rnd.Float64()*10 - 5,
			Y: rnd.Float64()*10 - 5,
			Z: 5,
		})
	}

	plane, err := ransacPlane(rnd, pts, 20, 0.08)
	test.That(t, err, test.ShouldBeNil)

	diff := plane.Normal.Sub(r3.Vector{Z: 1}).Norm()
	test.That(t, diff, test.ShouldBeLessThan, 0.02)
	test.That(t, plane.D, test.ShouldAlmostEqual, -1, 0.02)
	test.That(t, plane.Normal.Norm(), test.ShouldAlmostEqual, 1, 1e-5)
	test.That(t, plane.Normal.Z, test.ShouldBeGreaterThanOrEqualTo, 0)
	test.That(t, len(plane.Points), test.ShouldBeGreaterThan, 450)
}

func TestRansacNoFit(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	_, err := ransacPlane(rnd, []r3.Vector{{X: 1}, {X: 2}}, 20, 0.08)
	test.That(t, errors.Is(err, ErrRansacNoFit), test.ShouldBeTrue)
}

func TestExtractEmptyCloud(t *testing.T) {
	e := New(DefaultConfig(), golog.NewTestLogger(t))
	_, err := e.Extract([]r3.Vector{{X: 5}, {X: 6}})
	test.That(t, errors.Is(err, ErrEmptyCloud), test.ShouldBeTrue)
}

// groundCloud samples the plane z = 1 with beams that land in the upper
// half of the range image, where the ground scan looks.
func groundCloud() []r3.Vector {
	var cloud []r3.Vector
	for _, elevDeg := range []float64{1.9, 3.9, 5.9, 7.9} {
		elev := elevDeg * math.Pi / 180
		radius := 1 / math.Tan(elev)
		for a := 0; a < 360; a++ {
			phi := float64(a) * math.Pi / 180
			cloud = append(cloud, r3.Vector{
				X: radius * math.Cos(phi),
				Y: radius * math.Sin(phi),
				Z: 1,
			})
		}
	}
	return cloud
}

func TestExtractGroundPlane(t *testing.T) {
	e := New(DefaultConfig(), golog.NewTestLogger(t))
	out, err := e.Extract(groundCloud())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, out.Ground.Normal.Sub(r3.Vector{Z: 1}).Norm(), test.ShouldBeLessThan, 0.02)
	test.That(t, out.Ground.D, test.ShouldAlmostEqual, -1, 0.02)
	test.That(t, len(out.Ground.Points), test.ShouldBeGreaterThan, 0)
}

func TestExtractDeterminism(t *testing.T) {
	cloud := groundCloud()
	a, err := New(DefaultConfig(), golog.NewTestLogger(t)).Extract(cloud)
	test.That(t, err, test.ShouldBeNil)
	b, err := New(DefaultConfig(), golog.NewTestLogger(t)).Extract(cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.Ground.D, test.ShouldAlmostEqual, b.Ground.D)
	test.That(t, len(a.Ground.Points), test.ShouldEqual, len(b.Ground.Points))
}

// buildSegFrame fills one row of the segmented cloud with a given range
// profile so the smoothness scorer can be driven directly.
func buildSegFrame(e *Extractor, ranges []float64) *frame {
	f := e.newFrame()
	for i, r := range ranges {
		f.segPts = append(f.segPts, r3.Vector{X: r, Y: float64(i) * 0.01})
		f.segPlane = append(f.segPlane, 1)
		f.colIdx = append(f.colIdx, i)
		f.segRange = append(f.segRange, r)
	}
	f.startColIdx[0] = 4
	f.endColIdx[0] = len(ranges) - 6
	for i := 1; i < e.cfg.VerticalScans; i++ {
		f.startColIdx[i] = len(ranges) - 1 + 5
		f.endColIdx[i] = len(ranges) - 1 - 5
	}
	return f
}

func TestExtractEdges(t *testing.T) {
	e := New(DefaultConfig(), golog.NewTestLogger(t))

	ranges := make([]float64, 600)
	for i := range ranges {
		ranges[i] = 10
	}
	// sharp range spikes become corner features
	spikes := []int{100, 250, 400}
	for _, s := range spikes {
		ranges[s] = 12
	}

	f := buildSegFrame(e, ranges)
	corners, planars := e.extractEdges(f)

	test.That(t, len(corners), test.ShouldBeGreaterThan, 0)
	test.That(t, len(planars), test.ShouldBeGreaterThan, 0)

	// corners in one row are either well separated or split by a
	// column discontinuity
	cols := make(map[int]bool)
	for _, c := range corners {
		col := int(math.Round(c.Pos.Y / 0.01))
		for other := range cols {
			test.That(t, absInt(col-other) >= 2 || absInt(col-other) > 10, test.ShouldBeTrue)
		}
		cols[col] = true
	}

	// planars come from the smooth stretches
	for _, p := range planars {
		col := int(math.Round(p.Pos.Y / 0.01))
		for _, s := range spikes {
			test.That(t, col, test.ShouldNotEqual, s)
		}
	}
}

func TestClusterCorners(t *testing.T) {
	corners := []feature.Corner{
		{Pos: r3.Vector{X: 1, Y: 0}, WhichPlane: 1},
		{Pos: r3.Vector{X: 3, Y: 0}, WhichPlane: 1},
		{Pos: r3.Vector{X: 10, Y: 5}, WhichPlane: 2},
	}
	clusters := clusterCorners(corners)
	test.That(t, len(clusters), test.ShouldEqual, 2)

	test.That(t, clusters[0].ID, test.ShouldEqual, 1)
	test.That(t, clusters[0].Center.X, test.ShouldAlmostEqual, 2)
	test.That(t, clusters[0].Radius.X, test.ShouldAlmostEqual, 1)
	test.That(t, len(clusters[0].Items), test.ShouldEqual, 2)
	test.That(t, clusters[0].Items[0].WhichCluster, test.ShouldEqual, 1)

	test.That(t, clusters[1].ID, test.ShouldEqual, 2)
	test.That(t, len(clusters[1].Items), test.ShouldEqual, 1)
}
