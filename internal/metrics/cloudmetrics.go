package metrics

import (
	"math"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
)

// Hausdorff returns the symmetric Hausdorff distance between two
// clouds: the larger of the two directed max-of-min distances.
func Hausdorff(a, b *cloud.PointCloud) float64 {
	if a.Empty() || b.Empty() {
		return math.Inf(1)
	}
	return math.Max(directedHausdorff(a, b), directedHausdorff(b, a))
}

func directedHausdorff(a, b *cloud.PointCloud) float64 {
	tree := index.NewKDTree(b.Points)
	var worst float64
	for _, p := range a.Points {
		hits := tree.KNearest(p, 1)
		if len(hits) > 0 && hits[0].Dist > worst {
			worst = hits[0].Dist
		}
	}
	return worst
}

// Chamfer returns the symmetric Chamfer distance: the sum of both
// directed mean nearest-neighbour distances.
func Chamfer(a, b *cloud.PointCloud) float64 {
	if a.Empty() || b.Empty() {
		return math.Inf(1)
	}
	return directedChamfer(a, b) + directedChamfer(b, a)
}

func directedChamfer(a, b *cloud.PointCloud) float64 {
	tree := index.NewKDTree(b.Points)
	var sum float64
	for _, p := range a.Points {
		hits := tree.KNearest(p, 1)
		if len(hits) > 0 {
			sum += hits[0].Dist
		}
	}
	return sum / float64(a.Size())
}

// LCP scores a transform by the mean distance of the transformed
// source points that land within threshold of some target point
// (lower is better; +Inf when nothing lands). The inlier indices are
// returned alongside the score. 4PCS and Super4PCS rank and score
// their candidates with it; RANSAC and PROSAC report the mean residual
// of their inlier correspondences instead.
func LCP(source, target *cloud.PointCloud, transform cloud.Transform, threshold float64) (score float64, inliers []int) {
	if source.Empty() || target.Empty() || threshold <= 0 {
		return math.Inf(1), nil
	}
	tree := index.NewKDTree(target.Points)
	return LCPWithIndex(source, tree, transform, threshold)
}

// LCPWithIndex is LCP against a pre-built target index, for callers
// scoring many candidate transforms over a fixed target.
func LCPWithIndex(source *cloud.PointCloud, target index.Searcher, transform cloud.Transform, threshold float64) (score float64, inliers []int) {
	if source.Empty() || target.Size() == 0 || threshold <= 0 {
		return math.Inf(1), nil
	}
	var sum float64
	for i, p := range source.Points {
		hits := target.KNearest(transform.Apply(p), 1)
		if len(hits) > 0 && hits[0].Dist <= threshold {
			sum += hits[0].Dist
			inliers = append(inliers, i)
		}
	}
	if len(inliers) == 0 {
		return math.Inf(1), nil
	}
	return sum / float64(len(inliers)), inliers
}
