package register

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

// rotationTolerance bounds |det(R)-1| and the orthogonality residual
// of an accepted alignment.
const rotationTolerance = 0.1

// EstimateRigidSVD computes the least-squares rigid transform mapping
// src onto dst: centre both sets, H = Σ (s-s̄)(t-t̄)ᵀ, H = UΣVᵀ,
// R = V·diag(1,1,det(VUᵀ))·Uᵀ, t = t̄ - R·s̄. Needs at least three
// pairs; reflections are repaired by negating V's last column and
// transforms failing the orthogonality check are rejected.
func EstimateRigidSVD(src, dst []cloud.Point) (cloud.Transform, error) {
	if len(src) != len(dst) {
		return cloud.Identity(), fmt.Errorf("pair count mismatch %d != %d: %w", len(src), len(dst), cloud.ErrInvalidInput)
	}
	if len(src) < 3 {
		return cloud.Identity(), fmt.Errorf("need >= 3 pairs, got %d: %w", len(src), cloud.ErrInsufficientSamples)
	}

	n := float64(len(src))
	var sc, tc cloud.Point
	for i := range src {
		sc = sc.Add(src[i])
		tc = tc.Add(dst[i])
	}
	sc = sc.Scale(1 / n)
	tc = tc.Scale(1 / n)

	var h [9]float64
	for i := range src {
		s := src[i].Sub(sc)
		t := dst[i].Sub(tc)
		h[0] += s.X * t.X
		h[1] += s.X * t.Y
		h[2] += s.X * t.Z
		h[3] += s.Y * t.X
		h[4] += s.Y * t.Y
		h[5] += s.Y * t.Z
		h[6] += s.Z * t.X
		h[7] += s.Z * t.Y
		h[8] += s.Z * t.Z
	}

	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(3, 3, h[:]), mat.SVDFull) {
		return cloud.Identity(), fmt.Errorf("svd did not converge: %w", cloud.ErrNumericFailure)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// Reflection: flip the singular direction.
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	var rot [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[3*i+j] = r.At(i, j)
		}
	}
	rsc := cloud.Point{
		X: rot[0]*sc.X + rot[1]*sc.Y + rot[2]*sc.Z,
		Y: rot[3]*sc.X + rot[4]*sc.Y + rot[5]*sc.Z,
		Z: rot[6]*sc.X + rot[7]*sc.Y + rot[8]*sc.Z,
	}
	transform := cloud.FromRotationTranslation(rot, tc.Sub(rsc))

	if !transform.RotationValid(rotationTolerance) {
		return cloud.Identity(), fmt.Errorf("rotation failed orthogonality check: %w", cloud.ErrDegenerateConfiguration)
	}
	return transform, nil
}

// collinear reports whether three points are collinear to within the
// cross-product norm tolerance used for sample validity.
func collinear(a, b, c cloud.Point) bool {
	return b.Sub(a).Cross(c.Sub(a)).Norm() <= 1e-6
}
