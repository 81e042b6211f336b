package spatialmath

import "github.com/golang/geo/r3"

// Transform is a rigid transform: a row-major 3x3 rotation plus a translation.
type Transform struct {
	R [9]float64
	T r3.Vector
}

// IdentityTransform returns the identity rigid transform.
func IdentityTransform() Transform {
	return Transform{R: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// NewTransform builds a transform from a rotation matrix and a translation.
func NewTransform(r [9]float64, t r3.Vector) Transform {
	return Transform{R: r, T: t}
}

// TransformPoint applies the transform to a point.
func (tf Transform) TransformPoint(p r3.Vector) r3.Vector {
	r := tf.R
	return r3.Vector{
		X: p.X*r[0] + p.Y*r[1] + p.Z*r[2] + tf.T.X,
		Y: p.X*r[3] + p.Y*r[4] + p.Z*r[5] + tf.T.Y,
		Z: p.X*r[6] + p.Y*r[7] + p.Z*r[8] + tf.T.Z,
	}
}

// RotatePoint applies only the rotation component.
func (tf Transform) RotatePoint(p r3.Vector) r3.Vector {
	r := tf.R
	return r3.Vector{
		X: p.X*r[0] + p.Y*r[1] + p.Z*r[2],
		Y: p.X*r[3] + p.Y*r[4] + p.Z*r[5],
		Z: p.X*r[6] + p.Y*r[7] + p.Z*r[8],
	}
}

// Compose returns tf ∘ other, the transform that applies other first.
func (tf Transform) Compose(other Transform) Transform {
	a, b := tf.R, other.R
	var r [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*3+j] = a[i*3]*b[j] + a[i*3+1]*b[3+j] + a[i*3+2]*b[6+j]
		}
	}
	return Transform{R: r, T: tf.TransformPoint(other.T)}
}

// Inverse returns the inverse transform (Rᵀ, -Rᵀt).
func (tf Transform) Inverse() Transform {
	r := tf.R
	rt := [9]float64{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
	inv := Transform{R: rt}
	t := inv.RotatePoint(tf.T)
	inv.T = r3.Vector{X: -t.X, Y: -t.Y, Z: -t.Z}
	return inv
}
