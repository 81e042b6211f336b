package gridmap

import (
	"bytes"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/agrinav/agslam/feature"
	"github.com/agrinav/agslam/spatialmath"
)

func testMap(t *testing.T) *Map {
	t.Helper()
	m, err := New(Config{
		OriginX: -10, OriginY: -10, OriginZ: -5,
		Width: 20, Length: 20, Height: 10,
		Resolution: 0.25,
	})
	test.That(t, err, test.ShouldBeNil)
	return m
}

func TestIndexing(t *testing.T) {
	m := testMap(t)

	idx, err := m.IndexOf(-10, -10, -5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, idx, test.ShouldResemble, Index{0, 0, 0})

	// a point exactly on a cell boundary lands in the higher-index cell
	idx, err = m.IndexOf(-9.75, -10, -5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, idx.I, test.ShouldEqual, 1)

	_, err = m.IndexOf(100, 0, 0)
	test.That(t, errors.Is(err, ErrOutOfBounds), test.ShouldBeTrue)
}

func TestInsertAndNearest(t *testing.T) {
	m := testMap(t)

	c := feature.Corner{ID: 1, Pos: r3.Vector{X: 1.3, Y: 2.1, Z: 0.2}}
	test.That(t, m.InsertCorner(c), test.ShouldBeNil)

	// NN query with the inserted position returns the inserted feature
	got, ok := m.NearestCorner(c.Pos, 0.5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.ID, test.ShouldEqual, 1)

	// the feature is found from a neighboring cell too
	got, ok = m.NearestCorner(r3.Vector{X: 1.6, Y: 2.1, Z: 0.2}, 1.0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.ID, test.ShouldEqual, 1)

	// but not past the max distance
	_, ok = m.NearestCorner(r3.Vector{X: 5, Y: 5, Z: 0}, 0.5)
	test.That(t, ok, test.ShouldBeFalse)

	// out-of-bounds features are rejected
	err := m.InsertCorner(feature.Corner{Pos: r3.Vector{X: 50}})
	test.That(t, errors.Is(err, ErrOutOfBounds), test.ShouldBeTrue)
}

func TestFeatureCellConsistency(t *testing.T) {
	m := testMap(t)
	pts := []r3.Vector{
		{X: 0.1, Y: 0.1, Z: 0.1},
		{X: -3.3, Y: 7.9, Z: -1.2},
		{X: 9.99, Y: -9.99, Z: 4.99},
	}
	for i, pt := range pts {
		test.That(t, m.InsertPlanar(feature.Planar{ID: i, Pos: pt}), test.ShouldBeNil)
	}
	// every stored feature lives in the cell its position hashes to
	m.ForEachCell(func(idx Index, c *Cell) bool {
		for _, f := range c.Planars {
			want, err := m.IndexOf(f.Pos.X, f.Pos.Y, f.Pos.Z)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, want, test.ShouldResemble, idx)
		}
		return true
	})
}

func TestUpdateMovesCells(t *testing.T) {
	m := testMap(t)
	old := feature.Corner{ID: 7, Pos: r3.Vector{X: 1.0, Y: 1.0, Z: 0}}
	test.That(t, m.InsertCorner(old), test.ShouldBeNil)

	repl := feature.Corner{ID: 7, Pos: r3.Vector{X: 3.0, Y: 1.0, Z: 0}, NObservations: 1}
	test.That(t, m.UpdateCorner(old, repl), test.ShouldBeNil)

	_, ok := m.NearestCorner(old.Pos, 0.1)
	test.That(t, ok, test.ShouldBeFalse)
	got, ok := m.NearestCorner(repl.Pos, 0.1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.NObservations, test.ShouldEqual, 1)

	// updating a feature that is not stored fails
	err := m.UpdateCorner(feature.Corner{Pos: r3.Vector{X: 5}}, repl)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNeighbors(t *testing.T) {
	m := testMap(t)
	cells, err := m.Neighbors(0, 0, 0, 1)
	test.That(t, err, test.ShouldBeNil)
	// full 3x3x3 neighborhood minus the center
	test.That(t, len(cells), test.ShouldEqual, 26)

	// at the map corner only the in-bounds part survives
	cells, err = m.Neighbors(-10, -10, -5, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(cells), test.ShouldEqual, 7)
}

func TestDownsample(t *testing.T) {
	m := testMap(t)
	for _, pt := range []r3.Vector{
		{X: 0.1, Y: 0.1, Z: 0.1},
		{X: 0.3, Y: 0.3, Z: 0.3},
		{X: 0.6, Y: 0.6, Z: 0.1},
	} {
		test.That(t, m.InsertCorner(feature.Corner{Pos: pt}), test.ShouldBeNil)
	}
	coarse, err := m.Downsample(4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, coarse.Resolution(), test.ShouldAlmostEqual, 1.0)

	c, err := coarse.At(0.5, 0.5, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(c.Corners), test.ShouldEqual, 3)
}

func TestXMLRoundTrip(t *testing.T) {
	m := testMap(t)
	sem := feature.Semantic{
		ID:  3,
		Pos: r3.Vector{X: 2.5, Y: -1.25, Z: 0},
		Gauss: spatialmath.Gaussian2D{
			Mean:  r2.Point{X: 2.5, Y: -1.25},
			Stdev: r2.Point{X: 0.1, Y: 0.05},
			Theta: 0.3,
		},
		Info: feature.SemanticInfoFromLabel(feature.LabelTrunk),
	}
	img := feature.Image{
		ID: 4, Pos: r3.Vector{X: 1, Y: 1, Z: 1},
		U: 320, V: 240, R: 10, G: 20, B: 30,
		Descriptor: []float64{0.25, -0.5, 0.125}, Laplacian: 1, NObservations: 2,
	}
	test.That(t, m.InsertSemantic(sem), test.ShouldBeNil)
	test.That(t, m.InsertImage(img), test.ShouldBeNil)
	test.That(t, m.InsertCorner(feature.Corner{ID: 5, Pos: r3.Vector{X: -4, Y: 4, Z: 2}, WhichPlane: 1}), test.ShouldBeNil)
	test.That(t, m.InsertPlanar(feature.Planar{ID: 6, Pos: r3.Vector{X: 4, Y: -4, Z: -2}}), test.ShouldBeNil)

	var buf bytes.Buffer
	test.That(t, m.WriteXML(&buf), test.ShouldBeNil)

	back, err := ReadXML(&buf)
	test.That(t, err, test.ShouldBeNil)

	gotSem, ok := back.NearestSemantic(sem.Pos, 0.01)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, gotSem.ID, test.ShouldEqual, 3)
	test.That(t, gotSem.Gauss.Stdev.X, test.ShouldAlmostEqual, 0.1)
	test.That(t, gotSem.Info.Static(), test.ShouldBeTrue)

	gotImg, ok := back.NearestImage(img.Pos, 0.01)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, gotImg.Descriptor, test.ShouldResemble, img.Descriptor)
	test.That(t, gotImg.NObservations, test.ShouldEqual, 2)

	gotCorner, ok := back.NearestCorner(r3.Vector{X: -4, Y: 4, Z: 2}, 0.01)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, gotCorner.WhichPlane, test.ShouldEqual, 1)

	_, ok = back.NearestPlanar(r3.Vector{X: 4, Y: -4, Z: -2}, 0.01)
	test.That(t, ok, test.ShouldBeTrue)
}

func TestCount(t *testing.T) {
	m := testMap(t)
	test.That(t, m.InsertCorner(feature.Corner{Pos: r3.Vector{X: 1}}), test.ShouldBeNil)
	test.That(t, m.InsertCorner(feature.Corner{Pos: r3.Vector{X: 2}}), test.ShouldBeNil)
	test.That(t, m.InsertPlanar(feature.Planar{Pos: r3.Vector{X: 3}}), test.ShouldBeNil)

	test.That(t, m.Count(feature.KindCorner), test.ShouldEqual, 2)
	test.That(t, m.Count(feature.KindPlanar), test.ShouldEqual, 1)
	test.That(t, m.Count(feature.KindSemantic), test.ShouldEqual, 0)
	test.That(t, m.Count(feature.KindImage), test.ShouldEqual, 0)
}
