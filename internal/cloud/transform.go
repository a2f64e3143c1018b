package cloud

import "math"

// Transform is a 4x4 homogeneous rigid transform, row-major:
// [m00,m01,m02,m03, m10,m11,m12,m13, m20,m21,m22,m23, m30,m31,m32,m33].
// The rotation block must lie in SO(3) and the last row is (0,0,0,1).
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

// FromRotationTranslation assembles a transform from a row-major 3x3
// rotation and a translation vector.
func FromRotationTranslation(r [9]float64, t Point) Transform {
	return Transform{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	}
}

// Rotation returns the row-major 3x3 rotation block.
func (m Transform) Rotation() [9]float64 {
	return [9]float64{m[0], m[1], m[2], m[4], m[5], m[6], m[8], m[9], m[10]}
}

// Translation returns the translation column.
func (m Transform) Translation() Point {
	return Point{m[3], m[7], m[11]}
}

// Apply maps a point through the transform.
func (m Transform) Apply(p Point) Point {
	return Point{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// Rotate maps a direction through the rotation block only.
func (m Transform) Rotate(p Point) Point {
	return Point{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z,
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z,
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z,
	}
}

// Compose returns m * other, the transform applying other first.
func (m Transform) Compose(other Transform) Transform {
	var out Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[4*i+k] * other[4*k+j]
			}
			out[4*i+j] = s
		}
	}
	return out
}

// Inverse returns the rigid inverse: R' = Rᵀ, t' = -Rᵀ t.
func (m Transform) Inverse() Transform {
	r := m.Rotation()
	t := m.Translation()
	rt := [9]float64{r[0], r[3], r[6], r[1], r[4], r[7], r[2], r[5], r[8]}
	ti := Point{
		X: -(rt[0]*t.X + rt[1]*t.Y + rt[2]*t.Z),
		Y: -(rt[3]*t.X + rt[4]*t.Y + rt[5]*t.Z),
		Z: -(rt[6]*t.X + rt[7]*t.Y + rt[8]*t.Z),
	}
	return FromRotationTranslation(rt, ti)
}

// Det returns the determinant of the rotation block.
func (m Transform) Det() float64 {
	r := m.Rotation()
	return r[0]*(r[4]*r[8]-r[5]*r[7]) -
		r[1]*(r[3]*r[8]-r[5]*r[6]) +
		r[2]*(r[3]*r[7]-r[4]*r[6])
}

// RotationValid reports whether the rotation block is a proper
// rotation to the given tolerance: |det(R)-1| <= tol and
// ‖R Rᵀ - I‖_F <= tol.
func (m Transform) RotationValid(tol float64) bool {
	if math.Abs(m.Det()-1) > tol {
		return false
	}
	r := m.Rotation()
	var frob float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += r[3*i+k] * r[3*j+k]
			}
			if i == j {
				s -= 1
			}
			frob += s * s
		}
	}
	return math.Sqrt(frob) <= tol
}

// Sub returns the element-wise difference m - other.
func (m Transform) Sub(other Transform) Transform {
	var out Transform
	for i := range m {
		out[i] = m[i] - other[i]
	}
	return out
}

// FrobeniusNorm returns the Frobenius norm of the 4x4 matrix.
func (m Transform) FrobeniusNorm() float64 {
	var s float64
	for _, v := range m {
		s += v * v
	}
	return math.Sqrt(s)
}
