package features

import (
	"math"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

const pi = math.Pi

// pairFeatures computes the three Darboux-frame angle features between
// a point pair: f1 = v·n2 (cos alpha), f2 = u·dp (cos phi) and
// f3 = atan2(w·n2, u·n2) (theta). Both PFH and FPFH bin these.
func pairFeatures(p1, n1, p2, n2 cloud.Point) (f1, f2, f3 float64) {
	dp := p2.Sub(p1).Normalize()

	u := n1
	v := dp.Cross(u)
	if v.Norm() < 1e-6 {
		// The baseline is parallel to the normal; fall back to an
		// arbitrary perpendicular so the frame stays orthonormal.
		if math.Abs(u.X) < 0.9 {
			v = cloud.Point{X: 1}.Cross(u)
		} else {
			v = cloud.Point{Y: 1}.Cross(u)
		}
	}
	v = v.Normalize()
	w := u.Cross(v)

	f1 = v.Dot(n2)
	f2 = u.Dot(dp)
	f3 = math.Atan2(w.Dot(n2), u.Dot(n2))
	return f1, f2, f3
}

// binIndex maps value into one of n equal bins over [min, max]. Out of
// range values clamp to the boundary bins and the top endpoint
// collapses into the last bin.
func binIndex(value, min, max float64, n int) int {
	if value < min {
		value = min
	} else if value > max {
		value = max
	}
	b := int((value - min) / (max - min) * float64(n))
	if b >= n {
		b = n - 1
	}
	return b
}

// normalizeL2 scales hist to unit Euclidean length in place. An
// all-zero histogram is left untouched.
func normalizeL2(hist []float64) {
	var s float64
	for _, v := range hist {
		s += v * v
	}
	if s <= 0 {
		return
	}
	inv := 1 / math.Sqrt(s)
	for i := range hist {
		hist[i] *= inv
	}
}
