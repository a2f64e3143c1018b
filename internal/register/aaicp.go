package register

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
)

// AndersonICP wraps the point-to-point ICP fixed-point map with
// Anderson acceleration: the next iterate is the damped, residual-
// minimising combination of the last m iterates. When the accelerated
// step raises the alignment energy or the mixing system is ill
// conditioned, the plain ICP step is taken instead.
type AndersonICP struct {
	Params FineParams
	// Depth m of the acceleration history. Zero means 5.
	Depth int
	// Beta is the damping/mixing factor in (0, 1]. Zero means 1.
	Beta float64
}

func (a *AndersonICP) depth() int {
	if a.Depth <= 0 {
		return 5
	}
	return a.Depth
}

func (a *AndersonICP) beta() float64 {
	if a.Beta <= 0 || a.Beta > 1 {
		return 1
	}
	return a.Beta
}

// Align registers source onto target starting from initial (identity
// when nil).
func (a *AndersonICP) Align(source, target *cloud.PointCloud, initial *cloud.Transform) (*Result, error) {
	if err := validateFine(&a.Params, source, target); err != nil {
		return nil, err
	}

	tree := index.NewKDTree(target.Points)
	loop := newFineLoop(a.Params, source, tree, initial)

	// Histories of iterates x_k and their images g(x_k).
	var xs, gs []vec6

	x := fromTransform(loop.result.Transform)
	for iter := 0; iter < a.Params.MaxIterations; iter++ {
		current := x.toTransform()

		gx, energy, numCorrs, err := a.icpStep(source, target, tree, current)
		if err != nil {
			loop.result.Converged = false
			return loop.result, fmt.Errorf("anderson icp iteration %d: %w", iter, err)
		}

		xs = append(xs, x)
		gs = append(gs, gx)
		if len(xs) > a.depth()+1 {
			xs, gs = xs[1:], gs[1:]
		}

		next := gx // plain Picard step is the fallback
		if len(xs) >= 2 {
			if accel, ok := andersonMix(xs, gs, a.beta()); ok {
				if accelEnergy, _, ok2 := a.energyAt(source, target, tree, accel.toTransform()); ok2 && accelEnergy <= energy {
					next = accel
				}
			}
		}

		nextT := next.toTransform()
		corrs := nearestCorrs(source, tree, nextT, a.Params.MaxCorrespondenceDistance, a.Params.OutlierRejectionRatio)
		loop.result.Inliers = inlierIndices(corrs)
		done := loop.iterate(iter, current, nextT, energy, numCorrs)
		x = next
		if done {
			break
		}
	}
	return loop.result, nil
}

// icpStep is one application of the fixed-point map: correspondences
// at t, SVD alignment, composed transform; plus the energy at t.
func (a *AndersonICP) icpStep(source, target *cloud.PointCloud, tree *index.KDTree, t cloud.Transform) (vec6, float64, int, error) {
	corrs := nearestCorrs(source, tree, t, a.Params.MaxCorrespondenceDistance, a.Params.OutlierRejectionRatio)
	if len(corrs) < 3 {
		return vec6{}, 0, 0, fmt.Errorf("only %d correspondences: %w", len(corrs), cloud.ErrInsufficientSamples)
	}
	src := make([]cloud.Point, len(corrs))
	dst := make([]cloud.Point, len(corrs))
	for i, c := range corrs {
		src[i] = t.Apply(source.Points[c.srcIdx])
		dst[i] = target.Points[c.dstIdx]
	}
	delta, err := EstimateRigidSVD(src, dst)
	if err != nil {
		return vec6{}, 0, 0, err
	}
	return fromTransform(delta.Compose(t)), meanError(corrs), len(corrs), nil
}

// energyAt evaluates the plain ICP energy at a candidate transform.
func (a *AndersonICP) energyAt(source, target *cloud.PointCloud, tree *index.KDTree, t cloud.Transform) (float64, int, bool) {
	corrs := nearestCorrs(source, tree, t, a.Params.MaxCorrespondenceDistance, a.Params.OutlierRejectionRatio)
	if len(corrs) == 0 {
		return 0, 0, false
	}
	return meanError(corrs), len(corrs), true
}

// andersonMix solves min ‖Σ αᵢ fᵢ‖² s.t. Σ αᵢ = 1 over the residuals
// fᵢ = g(xᵢ) − xᵢ, then returns (1−β)Σαᵢxᵢ + βΣαᵢg(xᵢ). The
// constrained problem reduces to unconstrained least squares over the
// residual differences; a singular system reports ok=false.
func andersonMix(xs, gs []vec6, beta float64) (vec6, bool) {
	m := len(xs)
	fs := make([]vec6, m)
	for i := range xs {
		fs[i] = gs[i].sub(xs[i])
	}

	// Differences against the newest residual.
	cols := m - 1
	d := mat.NewDense(6, cols, nil)
	for j := 0; j < cols; j++ {
		diff := fs[j].sub(fs[m-1])
		for r := 0; r < 6; r++ {
			d.Set(r, j, diff[r])
		}
	}
	rhs := mat.NewVecDense(6, nil)
	for r := 0; r < 6; r++ {
		rhs.SetVec(r, -fs[m-1][r])
	}

	var theta mat.VecDense
	if err := theta.SolveVec(d, rhs); err != nil {
		return vec6{}, false
	}

	alpha := make([]float64, m)
	var partial float64
	for j := 0; j < cols; j++ {
		alpha[j] = theta.AtVec(j)
		partial += alpha[j]
	}
	alpha[m-1] = 1 - partial
	for _, a := range alpha {
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return vec6{}, false
		}
	}

	var out vec6
	for i := 0; i < m; i++ {
		mixed := xs[i].scale((1 - beta) * alpha[i]).add(gs[i].scale(beta * alpha[i]))
		out = out.add(mixed)
	}
	return out, true
}
