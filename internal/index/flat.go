package index

import "github.com/banshee-data/cloudalign/internal/pool"

// Flat is a brute-force index over arbitrary elements with an attached
// metric, used for descriptor spaces where axis-aligned splitting has
// no pruning power. Queries scan every element in parallel.
type Flat[V any] struct {
	elems  []V
	metric func(a, b V) float64
}

// NewFlat wraps elems with the given metric. The metric must be
// non-negative and symmetric.
func NewFlat[V any](elems []V, metric func(a, b V) float64) *Flat[V] {
	return &Flat[V]{elems: elems, metric: metric}
}

// Size returns the number of indexed elements.
func (f *Flat[V]) Size() int { return len(f.elems) }

// KNearest returns the k nearest elements to q in non-decreasing
// distance order, ties breaking to lower index.
func (f *Flat[V]) KNearest(q V, k int) NeighborSet {
	if len(f.elems) == 0 || k <= 0 {
		return nil
	}
	if k > len(f.elems) {
		k = len(f.elems)
	}
	heaps := make([]*kHeap, pool.Workers())
	pool.ParallelFor(len(f.elems), func(start, end, taskID int) {
		h := newKHeap(k)
		for i := start; i < end; i++ {
			h.push(Neighbor{Index: i, Dist: f.metric(q, f.elems[i])})
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
