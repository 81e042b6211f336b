// Package spatialmath defines the geometric primitives shared by the whole
// estimator: 3D points, 6-DOF poses, rigid transforms and planar Gaussians.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// Pose is a 6-DOF pose: translation plus ZYX Euler angles, all in radians.
type Pose struct {
	X, Y, Z          float64
	Roll, Pitch, Yaw float64
}

// NewPose builds a pose from a translation and Euler angles.
func NewPose(x, y, z, roll, pitch, yaw float64) Pose {
	return Pose{X: x, Y: y, Z: z, Roll: roll, Pitch: pitch, Yaw: yaw}
}

// Point returns the translation component.
func (p Pose) Point() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// RotationMatrix returns the row-major rotation matrix R = Rz(yaw)·Ry(pitch)·Rx(roll).
func (p Pose) RotationMatrix() [9]float64 {
	cr, sr := math.Cos(p.Roll), math.Sin(p.Roll)
	cp, sp := math.Cos(p.Pitch), math.Sin(p.Pitch)
	cy, sy := math.Cos(p.Yaw), math.Sin(p.Yaw)

	return [9]float64{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	}
}

// Transform returns the homogeneous transform equivalent of the pose.
func (p Pose) Transform() Transform {
	return Transform{R: p.RotationMatrix(), T: p.Point()}
}

// PoseFromTransform recovers the Euler-angle pose of a rigid transform.
func PoseFromTransform(tf Transform) Pose {
	r := tf.R
	return Pose{
		X:     tf.T.X,
		Y:     tf.T.Y,
		Z:     tf.T.Z,
		Roll:  math.Atan2(r[7], r[8]),
		Pitch: math.Atan2(-r[6], math.Sqrt(r[7]*r[7]+r[8]*r[8])),
		Yaw:   math.Atan2(r[3], r[0]),
	}
}

// Sub computes the incremental pose of p expressed in q's frame,
// i.e. the motion that takes q to p.
func (p Pose) Sub(q Pose) Pose {
	inc := q.Transform().Inverse().Compose(p.Transform())
	return PoseFromTransform(inc)
}

// Compose applies the increment inc (expressed in p's frame) to p.
func (p Pose) Compose(inc Pose) Pose {
	return PoseFromTransform(p.Transform().Compose(inc.Transform()))
}

// Normalize wraps all three angles into [-pi, pi].
func (p Pose) Normalize() Pose {
	p.Roll = NormalizeAngle(p.Roll)
	p.Pitch = NormalizeAngle(p.Pitch)
	p.Yaw = NormalizeAngle(p.Yaw)
	return p
}

// MeanPose averages a set of poses. Translations average linearly, angles
// through their embedding on the unit circle so that wrap-around poses do
// not cancel out.
func MeanPose(poses []Pose) Pose {
	if len(poses) == 0 {
		return Pose{}
	}
	var mean Pose
	var sr, cr, sp, cp, sy, cy float64
	for _, p := range poses {
		mean.X += p.X
		mean.Y += p.Y
		mean.Z += p.Z
		sr += math.Sin(p.Roll)
		cr += math.Cos(p.Roll)
		sp += math.Sin(p.Pitch)
		cp += math.Cos(p.Pitch)
		sy += math.Sin(p.Yaw)
		cy += math.Cos(p.Yaw)
	}
	n := float64(len(poses))
	mean.X /= n
	mean.Y /= n
	mean.Z /= n
	mean.Roll = math.Atan2(sr/n, cr/n)
	mean.Pitch = math.Atan2(sp/n, cp/n)
	mean.Yaw = math.Atan2(sy/n, cy/n)
	return mean
}

// NormalizeAngle wraps an angle into [-pi, pi].
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
