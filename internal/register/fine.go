package register

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
	"github.com/banshee-data/cloudalign/internal/pool"
)

// fineCorr is one nearest-neighbour correspondence inside a fine
// registration iteration.
type fineCorr struct {
	srcIdx, dstIdx int
	dist           float64
}

func validateFine(p *FineParams, source, target *cloud.PointCloud) error {
	if p.MaxIterations <= 0 {
		return fmt.Errorf("max iterations %d must be positive: %w", p.MaxIterations, cloud.ErrParameter)
	}
	if p.MaxCorrespondenceDistance <= 0 {
		return fmt.Errorf("max correspondence distance %v must be positive: %w", p.MaxCorrespondenceDistance, cloud.ErrParameter)
	}
	if p.OutlierRejectionRatio < 0 || p.OutlierRejectionRatio >= 1 {
		return fmt.Errorf("outlier rejection ratio %v not in [0,1): %w", p.OutlierRejectionRatio, cloud.ErrParameter)
	}
	if err := source.Validate(true); err != nil {
		return err
	}
	return target.Validate(true)
}

// nearestCorrs pairs every transformed source point with its nearest
// target within maxDist, then drops the worst rejectRatio fraction by
// distance. The query fan-out writes into position-indexed slots, so
// the output order never depends on scheduling.
func nearestCorrs(source *cloud.PointCloud, tree *index.KDTree, transform cloud.Transform, maxDist, rejectRatio float64) []fineCorr {
	hits := pool.Gather(source.Size(), func(i int) index.NeighborSet {
		return tree.KNearest(transform.Apply(source.Points[i]), 1)
	})

	corrs := make([]fineCorr, 0, source.Size())
	for i, h := range hits {
		if len(h) == 1 && h[0].Dist <= maxDist {
			corrs = append(corrs, fineCorr{srcIdx: i, dstIdx: h[0].Index, dist: h[0].Dist})
		}
	}

	if rejectRatio > 0 && len(corrs) > 0 {
		keep := len(corrs) - int(rejectRatio*float64(len(corrs)))
		if keep < 1 {
			keep = 1
		}
		sort.Slice(corrs, func(i, j int) bool {
			if corrs[i].dist != corrs[j].dist {
				return corrs[i].dist < corrs[j].dist
			}
			return corrs[i].srcIdx < corrs[j].srcIdx
		})
		corrs = corrs[:keep]
		sort.Slice(corrs, func(i, j int) bool { return corrs[i].srcIdx < corrs[j].srcIdx })
	}
	return corrs
}

// meanError is the mean correspondence distance of the iteration.
func meanError(corrs []fineCorr) float64 {
	if len(corrs) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, c := range corrs {
		sum += c.dist
	}
	return sum / float64(len(corrs))
}

// fineLoop holds the shared record/converge state of the ICP-family
// estimators (point-to-point, point-to-plane, GICP, Anderson). Each
// estimator computes its own update and hands it to iterate.
type fineLoop struct {
	params  FineParams
	source  *cloud.PointCloud
	tree    *index.KDTree
	result  *Result
	prevErr float64
}

func newFineLoop(params FineParams, source *cloud.PointCloud, tree *index.KDTree, initial *cloud.Transform) *fineLoop {
	start := cloud.Identity()
	if initial != nil {
		start = *initial
	}
	return &fineLoop{
		params:  params,
		source:  source,
		tree:    tree,
		result:  &Result{Transform: start, FitnessScore: math.Inf(1)},
		prevErr: math.Inf(1),
	}
}

// iterate records one completed iteration and reports whether the loop
// has converged: the transform change fell below TransformationEpsilon
// or the error change below EuclideanFitnessEpsilon.
func (l *fineLoop) iterate(iter int, prev, next cloud.Transform, err float64, numCorrs int) bool {
	change := err - l.prevErr
	if math.IsInf(l.prevErr, 1) {
		change = 0
	}
	l.result.NumIterations = iter + 1
	l.result.Transform = next
	l.result.FitnessScore = err
	if l.params.RecordHistory {
		l.result.History = append(l.result.History, IterationStats{
			Iteration:          iter,
			Transform:          next,
			Error:              err,
			ErrorChange:        change,
			NumCorrespondences: numCorrs,
		})
	}

	transformDelta := next.Sub(prev).FrobeniusNorm()
	converged := transformDelta < l.params.TransformationEpsilon ||
		(!math.IsInf(l.prevErr, 1) && math.Abs(change) < l.params.EuclideanFitnessEpsilon)
	l.prevErr = err
	if converged {
		l.result.Converged = true
	}
	return converged
}

// inlierIndices lists the source indices of the final correspondence
// set, the fine analogue of a coarse inlier set.
func inlierIndices(corrs []fineCorr) []int {
	out := make([]int, len(corrs))
	for i, c := range corrs {
		out[i] = c.srcIdx
	}
	return out
}
