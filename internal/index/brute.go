package index

import (
	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/pool"
)

// BruteForce computes distances to every indexed point. Always
// correct, always O(n) per query; it is the oracle the tree variants
// are tested against and the fallback for small inputs.
type BruteForce struct {
	points []cloud.Point
}

// NewBruteForce wraps points in a brute-force searcher.
func NewBruteForce(points []cloud.Point) *BruteForce {
	return &BruteForce{points: points}
}

// Size returns the number of indexed points.
func (b *BruteForce) Size() int { return len(b.points) }

// KNearest scans all points and keeps the k best. The scan is fanned
// out over the worker pool with one bounded heap per task; the merged
// result is identical to a sequential scan.
func (b *BruteForce) KNearest(q cloud.Point, k int) NeighborSet {
	if len(b.points) == 0 || k <= 0 {
		return nil
	}
	if k > len(b.points) {
		k = len(b.points)
	}

	heaps := make([]*kHeap, pool.Workers())
	pool.ParallelFor(len(b.points), func(start, end, taskID int) {
		h := newKHeap(k)
		for i := start; i < end; i++ {
			h.push(Neighbor{Index: i, Dist: q.Dist(b.points[i])})
		}
		heaps[taskID] = h
	})

	merged := newKHeap(k)
	for _, h := range heaps {
		if h == nil {
			continue
		}
		for _, n := range h.items {
			merged.push(n)
		}
	}
	return merged.sorted()
}

// RadiusNeighbors scans all points and keeps those within r, sorted
// by distance then index. Per-task hit buffers are concatenated in
// task order before the canonical sort, so output does not depend on
// goroutine interleaving.
func (b *BruteForce) RadiusNeighbors(q cloud.Point, r float64) NeighborSet {
	if len(b.points) == 0 || r < 0 {
		return nil
	}
	buckets := make([]NeighborSet, pool.Workers())
	pool.ParallelFor(len(b.points), func(start, end, taskID int) {
		var local NeighborSet
		for i := start; i < end; i++ {
			if d := q.Dist(b.points[i]); d <= r {
				local = append(local, Neighbor{Index: i, Dist: d})
			}
		}
		buckets[taskID] = local
	})

	var out NeighborSet
	for _, bkt := range buckets {
		out = append(out, bkt...)
	}
	out.sortCanonical()
	return out
}

var _ Searcher = (*BruteForce)(nil)
