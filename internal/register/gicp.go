package register

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
	"github.com/banshee-data/cloudalign/internal/pool"
)

// GICP is generalised ICP: every point carries a regularised local
// covariance (a plane-to-plane prior) and each iteration minimises the
// Mahalanobis residual Σ rᵀ(C_t + R·C_s·Rᵀ)⁻¹r over an SE(3) delta
// with L-BFGS.
type GICP struct {
	Params FineParams
	// KCorrespondences is the neighbourhood size for covariance
	// estimation. Zero means 20.
	KCorrespondences int
	// CovarianceEpsilon floors the smallest covariance eigenvalue.
	// Zero means 1e-3.
	CovarianceEpsilon float64
	// OptimizerMaxIterations caps the inner L-BFGS loop. Zero means 20.
	OptimizerMaxIterations int
}

func (g *GICP) k() int {
	if g.KCorrespondences <= 0 {
		return 20
	}
	return g.KCorrespondences
}

func (g *GICP) covEpsilon() float64 {
	if g.CovarianceEpsilon <= 0 {
		return 1e-3
	}
	return g.CovarianceEpsilon
}

func (g *GICP) optimizerIters() int {
	if g.OptimizerMaxIterations <= 0 {
		return 20
	}
	return g.OptimizerMaxIterations
}

// Align registers source onto target starting from initial (identity
// when nil).
func (g *GICP) Align(source, target *cloud.PointCloud, initial *cloud.Transform) (*Result, error) {
	if err := validateFine(&g.Params, source, target); err != nil {
		return nil, err
	}

	srcTree := index.NewKDTree(source.Points)
	dstTree := index.NewKDTree(target.Points)
	srcCov := computeCovariances(source.Points, srcTree, g.k(), g.covEpsilon())
	dstCov := computeCovariances(target.Points, dstTree, g.k(), g.covEpsilon())

	loop := newFineLoop(g.Params, source, dstTree, initial)

	for iter := 0; iter < g.Params.MaxIterations; iter++ {
		current := loop.result.Transform
		corrs := nearestCorrs(source, dstTree, current, g.Params.MaxCorrespondenceDistance, g.Params.OutlierRejectionRatio)
		if len(corrs) < 4 {
			loop.result.Converged = false
			return loop.result, fmt.Errorf("gicp: only %d correspondences at iteration %d: %w", len(corrs), iter, cloud.ErrInsufficientSamples)
		}

		objective := func(x []float64) float64 {
			var v vec6
			copy(v[:], x)
			return gicpCost(v.toTransform().Compose(current), source, target, corrs, srcCov, dstCov)
		}
		x := g.lbfgs(objective)
		delta := x.toTransform()
		next := delta.Compose(current)

		loop.result.Inliers = inlierIndices(corrs)
		err := gicpCost(current, source, target, corrs, srcCov, dstCov)
		if loop.iterate(iter, current, next, err, len(corrs)) {
			break
		}
	}
	return loop.result, nil
}

// computeCovariances estimates a covariance per point from its k
// nearest neighbours and regularises the eigenvalues to (ε, 1, 1),
// the plane-to-plane prior. Isolated points fall back to ε·I.
func computeCovariances(points []cloud.Point, tree *index.KDTree, k int, epsilon float64) []*mat.SymDense {
	covs := make([]*mat.SymDense, len(points))
	pool.ParallelFor(len(points), func(start, end, _ int) {
		for i := start; i < end; i++ {
			covs[i] = regularizedCovariance(points, tree, i, k, epsilon)
		}
	})
	return covs
}

func regularizedCovariance(points []cloud.Point, tree *index.KDTree, i, k int, epsilon float64) *mat.SymDense {
	hits := tree.KNearest(points[i], k+1)
	// Drop the query point itself.
	var hood []index.Neighbor
	for _, h := range hits {
		if h.Index != i {
			hood = append(hood, h)
		}
	}
	if len(hood) < 3 {
		return mat.NewSymDense(3, []float64{epsilon, 0, 0, 0, epsilon, 0, 0, 0, epsilon})
	}

	var centroid cloud.Point
	for _, h := range hood {
		centroid = centroid.Add(points[h.Index])
	}
	centroid = centroid.Scale(1 / float64(len(hood)))

	var cxx, cxy, cxz, cyy, cyz, czz float64
	for _, h := range hood {
		d := points[h.Index].Sub(centroid)
		cxx += d.X * d.X
		cxy += d.X * d.Y
		cxz += d.X * d.Z
		cyy += d.Y * d.Y
		cyz += d.Y * d.Z
		czz += d.Z * d.Z
	}
	inv := 1 / float64(len(hood))
	sym := mat.NewSymDense(3, []float64{
		cxx * inv, cxy * inv, cxz * inv,
		cxy * inv, cyy * inv, cyz * inv,
		cxz * inv, cyz * inv, czz * inv,
	})

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return mat.NewSymDense(3, []float64{epsilon, 0, 0, 0, epsilon, 0, 0, 0, epsilon})
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Rebuild with eigenvalues replaced by (ε, 1, 1) in ascending
	// order: directions along the surface count fully, the normal
	// direction is ε-separated.
	replaced := []float64{epsilon, 1, 1}
	out := mat.NewSymDense(3, nil)
	for a := 0; a < 3; a++ {
		for b := a; b < 3; b++ {
			var s float64
			for e := 0; e < 3; e++ {
				s += replaced[e] * vecs.At(a, e) * vecs.At(b, e)
			}
			out.SetSym(a, b, s)
		}
	}
	return out
}

// gicpCost is the mean Mahalanobis residual under the candidate
// transform.
func gicpCost(t cloud.Transform, source, target *cloud.PointCloud, corrs []fineCorr, srcCov, dstCov []*mat.SymDense) float64 {
	r := t.Rotation()
	rm := mat.NewDense(3, 3, r[:])

	var sum float64
	var rotated, combined, inv mat.Dense
	res := mat.NewVecDense(3, nil)
	var tmp mat.VecDense
	for _, c := range corrs {
		p := t.Apply(source.Points[c.srcIdx])
		q := target.Points[c.dstIdx]
		res.SetVec(0, p.X-q.X)
		res.SetVec(1, p.Y-q.Y)
		res.SetVec(2, p.Z-q.Z)

		rotated.Product(rm, srcCov[c.srcIdx], rm.T())
		combined.Add(dstCov[c.dstIdx], &rotated)
		if err := inv.Inverse(&combined); err != nil {
			continue
		}
		tmp.MulVec(&inv, res)
		sum += mat.Dot(res, &tmp)
	}
	return sum / float64(len(corrs))
}

// lbfgs minimises the objective from zero with the two-loop recursion
// (history depth 5) and Armijo backtracking (c1 = 1e-4), terminating
// at gradient norm < 1e-6 or step energy < 1e-8. Gradients come from
// central finite differences.
func (g *GICP) lbfgs(objective func([]float64) float64) vec6 {
	const (
		historyDepth = 5
		c1           = 1e-4
		gradTol      = 1e-6
		energyTol    = 1e-8
	)

	grad := func(x vec6) vec6 {
		var out vec6
		buf := make([]float64, 6)
		fd.Gradient(buf, objective, x[:], &fd.Settings{Formula: fd.Central})
		copy(out[:], buf)
		return out
	}

	var x vec6
	f := objective(x[:])
	gv := grad(x)

	var sHist, yHist []vec6
	var rhoHist []float64

	for iter := 0; iter < g.optimizerIters(); iter++ {
		// Two-loop recursion for the search direction.
		q := gv
		alphas := make([]float64, len(sHist))
		for i := len(sHist) - 1; i >= 0; i-- {
			alphas[i] = rhoHist[i] * sHist[i].dot(q)
			q = q.sub(yHist[i].scale(alphas[i]))
		}
		r := q
		if len(sHist) > 0 {
			last := len(sHist) - 1
			gamma := sHist[last].dot(yHist[last]) / yHist[last].dot(yHist[last])
			r = r.scale(gamma)
		}
		for i := 0; i < len(sHist); i++ {
			beta := rhoHist[i] * yHist[i].dot(r)
			r = r.add(sHist[i].scale(alphas[i] - beta))
		}
		dir := r.scale(-1)

		// Armijo backtracking line search.
		alpha := 1.0
		gDotDir := gv.dot(dir)
		xNew := x.add(dir.scale(alpha))
		fNew := objective(xNew[:])
		for fNew > f+c1*alpha*gDotDir {
			alpha *= 0.5
			if alpha < 1e-10 {
				break
			}
			xNew = x.add(dir.scale(alpha))
			fNew = objective(xNew[:])
		}
		gNew := grad(xNew)

		s := xNew.sub(x)
		y := gNew.sub(gv)
		if rho := 1 / y.dot(s); !math.IsInf(rho, 0) && !math.IsNaN(rho) && rho > 0 {
			sHist = append(sHist, s)
			yHist = append(yHist, y)
			rhoHist = append(rhoHist, rho)
			if len(sHist) > historyDepth {
				sHist, yHist, rhoHist = sHist[1:], yHist[1:], rhoHist[1:]
			}
		}

		if gNew.norm() < gradTol || math.Abs(fNew-f) < energyTol {
			x = xNew
			break
		}
		x, f, gv = xNew, fNew, gNew
	}
	return x
}
