package features

import (
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
)

// LocalReferenceFrame is a right-handed orthonormal triple at a query
// point, repeatable for a fixed neighbourhood. SHOT bins neighbour
// positions in this frame to stay rotation invariant.
type LocalReferenceFrame struct {
	X, Y, Z cloud.Point
}

// computeLRF builds the frame from the (r-d)-weighted covariance of
// the neighbourhood about the query point. Weighting down the boundary
// neighbours keeps the frame stable when the support sphere clips the
// surface. Returns ok=false for degenerate neighbourhoods.
func computeLRF(points []cloud.Point, at cloud.Point, hood index.NeighborSet, radius float64) (LocalReferenceFrame, bool) {
	if len(hood) < 3 {
		return LocalReferenceFrame{}, false
	}

	var cxx, cxy, cxz, cyy, cyz, czz, wsum float64
	for _, h := range hood {
		w := radius - h.Dist
		if w <= 0 {
			continue
		}
		d := points[h.Index].Sub(at)
		cxx += w * d.X * d.X
		cxy += w * d.X * d.Y
		cxz += w * d.X * d.Z
		cyy += w * d.Y * d.Y
		cyz += w * d.Y * d.Z
		czz += w * d.Z * d.Z
		wsum += w
	}
	if wsum <= 0 {
		return LocalReferenceFrame{}, false
	}
	inv := 1 / wsum
	sym := mat.NewSymDense(3, []float64{
		cxx * inv, cxy * inv, cxz * inv,
		cxy * inv, cyy * inv, cyz * inv,
		cxz * inv, cyz * inv, czz * inv,
	})

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return LocalReferenceFrame{}, false
	}
	vals := eig.Values(nil)
	if vals[2] <= 0 {
		return LocalReferenceFrame{}, false
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Ascending eigenvalues: column 2 is the x-axis (largest spread),
	// column 0 the z-axis (surface normal direction).
	x := cloud.Point{X: vecs.At(0, 2), Y: vecs.At(1, 2), Z: vecs.At(2, 2)}.Normalize()
	z := cloud.Point{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}.Normalize()

	x = disambiguate(points, at, hood, x)
	z = disambiguate(points, at, hood, z)
	y := z.Cross(x)

	return LocalReferenceFrame{X: x, Y: y, Z: z}, true
}

// disambiguate applies the majority rule: flip the axis if more than
// half of the neighbours lie on its negative side. A tie keeps the
// axis unflipped.
func disambiguate(points []cloud.Point, at cloud.Point, hood index.NeighborSet, axis cloud.Point) cloud.Point {
	negative := 0
	for _, h := range hood {
		if points[h.Index].Sub(at).Dot(axis) < 0 {
			negative++
		}
	}
	if 2*negative > len(hood) {
		return axis.Scale(-1)
	}
	return axis
}

// ToLocal expresses a world-frame offset in the LRF basis.
func (f LocalReferenceFrame) ToLocal(d cloud.Point) cloud.Point {
	return cloud.Point{X: d.Dot(f.X), Y: d.Dot(f.Y), Z: d.Dot(f.Z)}
}
