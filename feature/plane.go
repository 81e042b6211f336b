package feature

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Plane is a 3D plane in hessian form a·x + b·y + c·z + d = 0, together with
// its inlier points, the range-image indexes those points came from, a unit
// normal and the XY line fitted through the inliers.
type Plane struct {
	ID         int
	A, B, C, D float64
	Points     []r3.Vector
	Indexes    []r2.Point
	Normal     r3.Vector
	Regression Line
}

// Distance is the unsigned distance from a point to the plane.
func (p Plane) Distance(pt r3.Vector) float64 {
	norm := math.Sqrt(p.A*p.A + p.B*p.B + p.C*p.C)
	if norm == 0 {
		return 0
	}
	return math.Abs(p.A*pt.X+p.B*pt.Y+p.C*pt.Z+p.D) / norm
}

// NormalizeHessian scales the hessian so that a²+b²+c² = 1 and keeps the
// normal pointing up.
func (p *Plane) NormalizeHessian() {
	norm := math.Sqrt(p.A*p.A + p.B*p.B + p.C*p.C)
	if norm == 0 {
		return
	}
	p.A /= norm
	p.B /= norm
	p.C /= norm
	p.D /= norm
	if p.C < 0 {
		p.A, p.B, p.C, p.D = -p.A, -p.B, -p.C, -p.D
	}
	p.Normal = r3.Vector{X: p.A, Y: p.B, Z: p.C}
}

// SemiPlane is a plane bounded by the convex hull of its inliers projected
// onto the plane's XY footprint.
type SemiPlane struct {
	Plane
	Hull []r2.Point
}

// NewSemiPlane bounds a plane with the convex hull of its inlier points.
func NewSemiPlane(p Plane) SemiPlane {
	pts := make([]r2.Point, len(p.Points))
	for i, pt := range p.Points {
		pts[i] = r2.Point{X: pt.X, Y: pt.Y}
	}
	return SemiPlane{Plane: p, Hull: convexHull(pts)}
}

// convexHull computes the 2D convex hull with the monotone chain algorithm.
func convexHull(pts []r2.Point) []r2.Point {
	if len(pts) < 3 {
		return append([]r2.Point(nil), pts...)
	}
	sorted := append([]r2.Point(nil), pts...)
	sortPoints(sorted)

	cross := func(o, a, b r2.Point) float64 {
		return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
	}

	var hull []r2.Point
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	if len(hull) > 1 {
		hull = hull[:len(hull)-1]
	}
	return hull
}

func sortPoints(pts []r2.Point) {
	for i := 1; i < len(pts); i++ {
		for j := i; j > 0; j-- {
			a, b := pts[j-1], pts[j]
			if a.X < b.X || (a.X == b.X && a.Y <= b.Y) {
				break
			}
			pts[j-1], pts[j] = b, a
		}
	}
}

// Line is a 2D line y = m·x + b.
type Line struct {
	M, B float64
}

// FitLine fits a line to a point set with least squares on xy. An empty set
// yields the zero line.
func FitLine(pts []r3.Vector) Line {
	var sumX, sumX2, sumY, sumXY, n float64
	for _, pt := range pts {
		sumX += pt.X
		sumX2 += pt.X * pt.X
		sumY += pt.Y
		sumXY += pt.X * pt.Y
		n++
	}
	if n == 0 {
		return Line{}
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return Line{}
	}
	m := (n*sumXY - sumX*sumY) / denom
	return Line{M: m, B: (sumY - m*sumX) / n}
}

// Dist is |b + m·x − y| / (m² + 1). It equals the perpendicular distance
// from the point to the line only for a horizontal line (m = 0); for other
// slopes it is smaller by a factor of √(m² + 1).
func (l Line) Dist(pt r3.Vector) float64 {
	return math.Abs(l.B+l.M*pt.X-pt.Y) / (l.M*l.M + 1)
}
