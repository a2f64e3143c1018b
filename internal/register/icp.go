package register

import (
	"fmt"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
)

// ICP is point-to-point iterative closest point: at each iteration
// every source point is paired with its nearest target within the
// correspondence distance, the worst fraction is optionally dropped,
// and the closed-form SVD alignment of the surviving pairs updates the
// transform.
type ICP struct {
	Params FineParams
}

// Align registers source onto target starting from initial (identity
// when nil).
func (icp *ICP) Align(source, target *cloud.PointCloud, initial *cloud.Transform) (*Result, error) {
	if err := validateFine(&icp.Params, source, target); err != nil {
		return nil, err
	}

	tree := index.NewKDTree(target.Points)
	loop := newFineLoop(icp.Params, source, tree, initial)

	for iter := 0; iter < icp.Params.MaxIterations; iter++ {
		current := loop.result.Transform
		corrs := nearestCorrs(source, tree, current, icp.Params.MaxCorrespondenceDistance, icp.Params.OutlierRejectionRatio)
		if len(corrs) < 3 {
			loop.result.Converged = false
			return loop.result, fmt.Errorf("icp: only %d correspondences at iteration %d: %w", len(corrs), iter, cloud.ErrInsufficientSamples)
		}

		src := make([]cloud.Point, len(corrs))
		dst := make([]cloud.Point, len(corrs))
		for i, c := range corrs {
			src[i] = current.Apply(source.Points[c.srcIdx])
			dst[i] = target.Points[c.dstIdx]
		}
		delta, err := EstimateRigidSVD(src, dst)
		if err != nil {
			return loop.result, fmt.Errorf("icp iteration %d: %w", iter, err)
		}
		next := delta.Compose(current)

		loop.result.Inliers = inlierIndices(corrs)
		if loop.iterate(iter, current, next, meanError(corrs), len(corrs)) {
			break
		}
	}
	return loop.result, nil
}
