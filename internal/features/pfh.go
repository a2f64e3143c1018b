package features

import (
	"fmt"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
	"github.com/banshee-data/cloudalign/internal/pool"
)

// PFHExtractor produces 125-bin Point Feature Histograms: a full 5^3
// joint histogram of the Darboux features over all ordered point pairs
// in the neighbourhood. Cost is quadratic in neighbourhood size, so
// MaxNeighbors should stay small (typically <= 30).
type PFHExtractor struct {
	SearchRadius float64
	MaxNeighbors int
}

const pfhBins = 5

// Extract computes one descriptor per keypoint. normals may be nil, in
// which case the cloud's own normals are used when present and PCA
// normals over MaxNeighbors are computed otherwise.
func (e *PFHExtractor) Extract(c *cloud.PointCloud, searcher index.Searcher, keypoints []int, normals []cloud.Point) ([]Signature, error) {
	if e.SearchRadius <= 0 {
		return nil, fmt.Errorf("pfh search radius must be positive: %w", cloud.ErrParameter)
	}
	if e.MaxNeighbors <= 0 {
		return nil, fmt.Errorf("pfh max neighbors must be positive: %w", cloud.ErrParameter)
	}
	if err := c.Validate(true); err != nil {
		return nil, err
	}
	if err := checkKeypoints(keypoints, c.Size()); err != nil {
		return nil, err
	}

	normals, err := ensureNormals(c, searcher, normals, e.MaxNeighbors)
	if err != nil {
		return nil, err
	}

	descriptors := make([]Signature, len(keypoints))
	pool.ParallelFor(len(keypoints), func(start, end, _ int) {
		for i := start; i < end; i++ {
			kp := keypoints[i]
			hood := trimmedRadius(searcher, c.Points[kp], e.SearchRadius, e.MaxNeighbors)
			descriptors[i] = computePFH(c.Points, normals, kp, hood)
		}
	})
	return descriptors, nil
}

// computePFH bins every ordered pair drawn from {keypoint} union
// neighbourhood. The flat bin index is b1 + 5*b2 + 25*b3.
func computePFH(points, normals []cloud.Point, kp int, hood index.NeighborSet) Signature {
	desc := make(Signature, PFHSize)

	members := make([]int, 0, len(hood)+1)
	members = append(members, kp)
	for _, h := range hood {
		if h.Index != kp {
			members = append(members, h.Index)
		}
	}
	if len(members) < 2 {
		return desc
	}

	for _, a := range members {
		for _, b := range members {
			if a == b {
				continue
			}
			f1, f2, f3 := pairFeatures(points[a], normals[a], points[b], normals[b])
			b1 := binIndex(f1, -1, 1, pfhBins)
			b2 := binIndex(f2, -1, 1, pfhBins)
			b3 := binIndex(f3, -pi, pi, pfhBins)
			desc[b1+pfhBins*b2+pfhBins*pfhBins*b3]++
		}
	}
	normalizeL2(desc)
	return desc
}
