package register

import (
	"math"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

// expSO3 is the Rodrigues exponential map from an axis-angle vector to
// a row-major rotation matrix.
func expSO3(omega cloud.Point) [9]float64 {
	theta := omega.Norm()
	if theta < 1e-12 {
		// First-order expansion keeps the map smooth through zero.
		return [9]float64{
			1, -omega.Z, omega.Y,
			omega.Z, 1, -omega.X,
			-omega.Y, omega.X, 1,
		}
	}
	axis := omega.Scale(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	t := 1 - c
	x, y, z := axis.X, axis.Y, axis.Z
	return [9]float64{
		t*x*x + c, t*x*y - s*z, t*x*z + s*y,
		t*x*y + s*z, t*y*y + c, t*y*z - s*x,
		t*x*z - s*y, t*y*z + s*x, t*z*z + c,
	}
}

// logSO3 is the inverse map from a rotation to its axis-angle vector.
func logSO3(r [9]float64) cloud.Point {
	trace := r[0] + r[4] + r[8]
	c := (trace - 1) / 2
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	theta := math.Acos(c)
	if theta < 1e-12 {
		return cloud.Point{}
	}
	if math.Pi-theta < 1e-6 {
		// Near a half-turn the antisymmetric part vanishes; recover
		// the axis from the diagonal instead.
		i := 0
		if r[4] > r[0] {
			i = 1
		}
		if r[8] > r[3*i+i] {
			i = 2
		}
		var axis [3]float64
		axis[i] = math.Sqrt(math.Max(0, (r[3*i+i]-r[3*((i+1)%3)+(i+1)%3]-r[3*((i+2)%3)+(i+2)%3]+1)/4))
		if axis[i] > 0 {
			axis[(i+1)%3] = r[3*i+(i+1)%3] / (2 * axis[i])
			axis[(i+2)%3] = r[3*i+(i+2)%3] / (2 * axis[i])
		}
		return cloud.Point{X: axis[0], Y: axis[1], Z: axis[2]}.Scale(theta)
	}
	scale := theta / (2 * math.Sin(theta))
	return cloud.Point{
		X: (r[7] - r[5]) * scale,
		Y: (r[2] - r[6]) * scale,
		Z: (r[3] - r[1]) * scale,
	}
}

// vec6 packs a rigid transform increment as (t, ω).
type vec6 [6]float64

func (v vec6) add(w vec6) vec6 {
	for i := range v {
		v[i] += w[i]
	}
	return v
}

func (v vec6) sub(w vec6) vec6 {
	for i := range v {
		v[i] -= w[i]
	}
	return v
}

func (v vec6) scale(s float64) vec6 {
	for i := range v {
		v[i] *= s
	}
	return v
}

func (v vec6) dot(w vec6) float64 {
	var s float64
	for i := range v {
		s += v[i] * w[i]
	}
	return s
}

func (v vec6) norm() float64 { return math.Sqrt(v.dot(v)) }

// toTransform builds the rigid transform with rotation exp(ω) and
// translation t.
func (v vec6) toTransform() cloud.Transform {
	return cloud.FromRotationTranslation(
		expSO3(cloud.Point{X: v[3], Y: v[4], Z: v[5]}),
		cloud.Point{X: v[0], Y: v[1], Z: v[2]},
	)
}

// fromTransform extracts the (t, ω) parameterisation of a transform.
func fromTransform(t cloud.Transform) vec6 {
	tr := t.Translation()
	omega := logSO3(t.Rotation())
	return vec6{tr.X, tr.Y, tr.Z, omega.X, omega.Y, omega.Z}
}
