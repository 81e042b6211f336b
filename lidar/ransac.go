package lidar

import (
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/agrinav/agslam/feature"
)

// ErrRansacNoFit is returned when no valid point triple can be sampled.
var ErrRansacNoFit = errors.New("lidar: ransac found no valid set of points")

const ransacMaxTries = 1000

// ransacPlane fits a plane to a point set with RANSAC and refines the
// normal with PCA over the inliers. The hessian is normalized and the
// normal flipped so that it points up.
func ransacPlane(rnd *rand.Rand, pts []r3.Vector, maxIters int, distThreshold float64) (feature.Plane, error) {
	if len(pts) < 3 {
		return feature.Plane{}, errors.Wrap(ErrRansacNoFit, "fewer than 3 points")
	}

	var out feature.Plane
	maxInliers := 0

	for iter := 0; iter < maxIters; iter++ {
		idx1, idx2, idx3, ok := samplePointTriple(rnd, len(pts))
		if !ok {
			return feature.Plane{}, ErrRansacNoFit
		}

		p1, p2, p3 := pts[idx1], pts[idx2], pts[idx3]
		abc := p2.Sub(p1).Cross(p3.Sub(p1))
		a, b, c := abc.X, abc.Y, abc.Z
		d := -(a*p1.X + b*p1.Y + c*p1.Z)

		norm := abc.Norm()
		if norm == 0 {
			continue
		}

		var inliers []r3.Vector
		for _, pt := range pts {
			if abs(a*pt.X+b*pt.Y+c*pt.Z+d)/norm < distThreshold {
				inliers = append(inliers, pt)
			}
		}

		if len(inliers) > maxInliers {
			maxInliers = len(inliers)
			out = feature.Plane{A: a, B: b, C: c, D: d, Points: inliers}
		}
	}

	if maxInliers == 0 {
		return feature.Plane{}, ErrRansacNoFit
	}

	out.NormalizeHessian()
	out.Normal = refineNormalPCA(out.Points)
	// re-anchor d on the inlier centroid with the refined normal
	centroid := meanPoint(out.Points)
	out.A, out.B, out.C = out.Normal.X, out.Normal.Y, out.Normal.Z
	out.D = -out.Normal.Dot(centroid)
	return out, nil
}

// samplePointTriple draws three pairwise-distinct indexes, giving up after a
// bounded number of tries.
func samplePointTriple(rnd *rand.Rand, n int) (int, int, int, bool) {
	for try := 0; try < ransacMaxTries; try++ {
		idx1 := rnd.Intn(n)
		idx2 := rnd.Intn(n)
		idx3 := rnd.Intn(n)
		if idx1 != idx2 && idx1 != idx3 && idx2 != idx3 {
			return idx1, idx2, idx3, true
		}
	}
	return 0, 0, 0, false
}

// refineNormalPCA returns the eigenvector of the smallest eigenvalue of the
// inlier covariance, flipped so that z >= 0.
func refineNormalPCA(pts []r3.Vector) r3.Vector {
	mean := meanPoint(pts)

	var xx, xy, xz, yy, yz, zz float64
	for _, pt := range pts {
		dx, dy, dz := pt.X-mean.X, pt.Y-mean.Y, pt.Z-mean.Z
		xx += dx * dx
		xy += dx * dy
		xz += dx * dz
		yy += dy * dy
		yz += dy * dz
		zz += dz * dz
	}

	cov := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return r3.Vector{Z: 1}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// eigenvalues come out ascending; column 0 is the normal direction
	normal := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if normal.Z < 0 {
		normal = normal.Mul(-1)
	}
	if n := normal.Norm(); n > 0 {
		normal = normal.Mul(1 / n)
	}
	return normal
}

func meanPoint(pts []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, pt := range pts {
		sum = sum.Add(pt)
	}
	if len(pts) == 0 {
		return sum
	}
	return sum.Mul(1 / float64(len(pts)))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
