package register

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

// ndtMinVoxelPoints is the minimum occupancy for a voxel to carry a
// usable normal distribution.
const ndtMinVoxelPoints = 5

// NDT registers against the Normal Distributions Transform of the
// target: each occupied voxel stores a Gaussian, and the score
// Σ exp(-½ dᵀΣ⁻¹d) over source points is maximised with Newton steps
// on the (t, ω) parameterisation, re-linearised every iteration.
type NDT struct {
	Params FineParams
	// Resolution is the voxel edge length. Must be positive.
	Resolution float64
}

type ndtVoxel struct {
	mean cloud.Point
	inv  *mat.SymDense // inverse covariance
}

// Align registers source onto target starting from initial (identity
// when nil).
func (n *NDT) Align(source, target *cloud.PointCloud, initial *cloud.Transform) (*Result, error) {
	if n.Resolution <= 0 {
		return nil, fmt.Errorf("ndt resolution %v must be positive: %w", n.Resolution, cloud.ErrParameter)
	}
	if err := validateFine(&n.Params, source, target); err != nil {
		return nil, err
	}

	voxels, origin := buildNDTGrid(target.Points, n.Resolution)
	if len(voxels) == 0 {
		return nil, fmt.Errorf("ndt: no voxel reached %d points: %w", ndtMinVoxelPoints, cloud.ErrInsufficientSamples)
	}

	start := cloud.Identity()
	if initial != nil {
		start = *initial
	}
	result := &Result{Transform: start, FitnessScore: math.Inf(1)}

	x := fromTransform(start)
	prevScore := math.Inf(1)
	for iter := 0; iter < n.Params.MaxIterations; iter++ {
		current := x.toTransform()
		grad, hess, score, matched := n.derivatives(source, voxels, origin, current)
		if matched == 0 {
			result.Converged = false
			return result, fmt.Errorf("ndt: no source point fell into an occupied voxel: %w", cloud.ErrInsufficientSamples)
		}

		// Newton step on the negative score; the Hessian is
		// Levenberg-damped until it solves.
		var step mat.VecDense
		lambda := 0.0
		for {
			damped := mat.NewSymDense(6, nil)
			for i := 0; i < 6; i++ {
				for j := i; j < 6; j++ {
					v := hess.At(i, j)
					if i == j {
						v += lambda
					}
					damped.SetSym(i, j, v)
				}
			}
			if err := step.SolveVec(damped, grad); err == nil {
				break
			}
			if lambda == 0 {
				lambda = 1e-6
			} else {
				lambda *= 10
			}
			if lambda > 1e3 {
				result.Converged = false
				return result, fmt.Errorf("ndt: hessian unusable at iteration %d: %w", iter, cloud.ErrNumericFailure)
			}
		}

		var delta vec6
		for i := 0; i < 6; i++ {
			delta[i] = -step.AtVec(i)
		}
		// The step lives in the frame the derivatives were linearised
		// in, so it composes on the left of the current estimate.
		x = fromTransform(delta.toTransform().Compose(current))

		result.NumIterations = iter + 1
		result.Transform = x.toTransform()
		result.FitnessScore = -score / float64(matched)
		if n.Params.RecordHistory {
			change := score - prevScore
			if math.IsInf(prevScore, 1) {
				change = 0
			}
			result.History = append(result.History, IterationStats{
				Iteration:          iter,
				Transform:          result.Transform,
				Error:              result.FitnessScore,
				ErrorChange:        change,
				NumCorrespondences: matched,
			})
		}
		prevScore = score

		if delta.norm() < n.Params.TransformationEpsilon {
			result.Converged = true
			break
		}
	}
	return result, nil
}

// buildNDTGrid voxelises the target and keeps the cells with enough
// points, storing mean and regularised inverse covariance per cell.
func buildNDTGrid(points []cloud.Point, resolution float64) (map[[3]int]*ndtVoxel, cloud.Point) {
	if len(points) == 0 {
		return nil, cloud.Point{}
	}
	origin := points[0]
	for _, p := range points {
		origin.X = math.Min(origin.X, p.X)
		origin.Y = math.Min(origin.Y, p.Y)
		origin.Z = math.Min(origin.Z, p.Z)
	}

	members := make(map[[3]int][]cloud.Point)
	for _, p := range points {
		members[ndtKey(p, origin, resolution)] = append(members[ndtKey(p, origin, resolution)], p)
	}

	voxels := make(map[[3]int]*ndtVoxel, len(members))
	for key, pts := range members {
		if len(pts) < ndtMinVoxelPoints {
			continue
		}
		var mean cloud.Point
		for _, p := range pts {
			mean = mean.Add(p)
		}
		mean = mean.Scale(1 / float64(len(pts)))

		var cxx, cxy, cxz, cyy, cyz, czz float64
		for _, p := range pts {
			d := p.Sub(mean)
			cxx += d.X * d.X
			cxy += d.X * d.Y
			cxz += d.X * d.Z
			cyy += d.Y * d.Y
			cyz += d.Y * d.Z
			czz += d.Z * d.Z
		}
		inv := 1 / float64(len(pts)-1)
		sym := mat.NewSymDense(3, []float64{
			cxx * inv, cxy * inv, cxz * inv,
			cxy * inv, cyy * inv, cyz * inv,
			cxz * inv, cyz * inv, czz * inv,
		})
		reg := regularizeNDTCovariance(sym)
		if reg == nil {
			continue
		}
		voxels[key] = &ndtVoxel{mean: mean, inv: reg}
	}
	return voxels, origin
}

func ndtKey(p, origin cloud.Point, resolution float64) [3]int {
	return [3]int{
		int(math.Floor((p.X - origin.X) / resolution)),
		int(math.Floor((p.Y - origin.Y) / resolution)),
		int(math.Floor((p.Z - origin.Z) / resolution)),
	}
}

// regularizeNDTCovariance floors the small eigenvalues at 1e-2 of the
// largest (the standard NDT fix for flat cells) and returns the
// inverse, or nil when the cell is degenerate beyond repair.
func regularizeNDTCovariance(sym *mat.SymDense) *mat.SymDense {
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil
	}
	vals := eig.Values(nil)
	if vals[2] <= 0 {
		return nil
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	floor := 1e-2 * vals[2]
	for i := 0; i < 2; i++ {
		if vals[i] < floor {
			vals[i] = floor
		}
	}

	out := mat.NewSymDense(3, nil)
	for a := 0; a < 3; a++ {
		for b := a; b < 3; b++ {
			var s float64
			for e := 0; e < 3; e++ {
				s += vecs.At(a, e) * vecs.At(b, e) / vals[e]
			}
			out.SetSym(a, b, s)
		}
	}
	return out
}

// derivatives accumulates the analytic gradient and (Gauss-Newton
// approximated) Hessian of the negative score at the current
// transform, linearising the rotation about it.
func (n *NDT) derivatives(source *cloud.PointCloud, voxels map[[3]int]*ndtVoxel, origin cloud.Point, t cloud.Transform) (*mat.VecDense, *mat.SymDense, float64, int) {
	grad := mat.NewVecDense(6, nil)
	hess := mat.NewSymDense(6, nil)
	var score float64
	matched := 0

	d := mat.NewVecDense(3, nil)
	var q mat.VecDense
	jtq := make([]float64, 6)

	for _, p := range source.Points {
		tp := t.Apply(p)
		voxel, ok := voxels[ndtKey(tp, origin, n.Resolution)]
		if !ok {
			continue
		}
		matched++

		d.SetVec(0, tp.X-voxel.mean.X)
		d.SetVec(1, tp.Y-voxel.mean.Y)
		d.SetVec(2, tp.Z-voxel.mean.Z)
		q.MulVec(voxel.inv, d)
		mahal := mat.Dot(d, &q)
		e := math.Exp(-0.5 * mahal)
		score += e

		// Jacobian of the transformed point wrt (t, ω) about the
		// current estimate: identity for translation, -[tp]× for the
		// rotation delta.
		j := pointJacobian(tp)
		for c := 0; c < 6; c++ {
			jtq[c] = j[0][c]*q.AtVec(0) + j[1][c]*q.AtVec(1) + j[2][c]*q.AtVec(2)
		}

		// Negative score: d(-e)/dp = e * (dᵀΣ⁻¹J).
		for c := 0; c < 6; c++ {
			grad.SetVec(c, grad.AtVec(c)+e*jtq[c])
		}
		// Gauss-Newton curvature of the same.
		for a := 0; a < 6; a++ {
			for b := a; b < 6; b++ {
				var jj float64
				for r := 0; r < 3; r++ {
					var sj float64
					for rr := 0; rr < 3; rr++ {
						sj += voxel.inv.At(r, rr) * j[rr][b]
					}
					jj += j[r][a] * sj
				}
				hess.SetSym(a, b, hess.At(a, b)+e*(jj-jtq[a]*jtq[b]))
			}
		}
	}

	// Keep the Hessian positive enough for a descent direction.
	for i := 0; i < 6; i++ {
		hess.SetSym(i, i, hess.At(i, i)+1e-9)
	}
	return grad, hess, score, matched
}

// pointJacobian is d(transformed point)/d(t, ω) at ω = 0.
func pointJacobian(p cloud.Point) [3][6]float64 {
	return [3][6]float64{
		{1, 0, 0, 0, p.Z, -p.Y},
		{0, 1, 0, -p.Z, 0, p.X},
		{0, 0, 1, p.Y, -p.X, 0},
	}
}
