package index

import (
	"sort"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

// Neighbor is one query hit: the index of the matched element and its
// distance from the query.
type Neighbor struct {
	Index int
	Dist  float64
}

// NeighborSet is an ordered sequence of query hits. Distances are
// non-decreasing and ties on distance order by lower index.
type NeighborSet []Neighbor

// Indices returns just the element indices, in result order.
func (s NeighborSet) Indices() []int {
	out := make([]int, len(s))
	for i, n := range s {
		out[i] = n.Index
	}
	return out
}

func (s NeighborSet) sortCanonical() {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Dist != s[j].Dist {
			return s[i].Dist < s[j].Dist
		}
		return s[i].Index < s[j].Index
	})
}

// Searcher answers nearest-neighbour queries over a point cloud.
// Implementations are safe for concurrent queries once built.
type Searcher interface {
	// KNearest returns the k nearest points to q in non-decreasing
	// distance order. If k exceeds the indexed size, all points are
	// returned.
	KNearest(q cloud.Point, k int) NeighborSet

	// RadiusNeighbors returns every point within r of q in
	// non-decreasing distance order.
	RadiusNeighbors(q cloud.Point, r float64) NeighborSet

	// Size returns the number of indexed points.
	Size() int
}

// kHeap is a bounded max-heap of the k best hits seen so far. Ties on
// distance keep the lower index, so results do not depend on visit
// order.
type kHeap struct {
	k     int
	items []Neighbor
}

func newKHeap(k int) *kHeap {
	return &kHeap{k: k, items: make([]Neighbor, 0, k)}
}

func (h *kHeap) worse(a, b Neighbor) bool {
	if a.Dist != b.Dist {
		return a.Dist > b.Dist
	}
	return a.Index > b.Index
}

func (h *kHeap) full() bool { return len(h.items) == h.k }

// bound returns the current worst kept distance, or +Inf semantics via
// ok=false when the heap is not yet full.
func (h *kHeap) bound() (float64, bool) {
	if !h.full() {
		return 0, false
	}
	return h.items[0].Dist, true
}

func (h *kHeap) push(n Neighbor) {
	if h.full() {
		if !h.worse(h.items[0], n) {
			return
		}
		h.items[0] = n
		h.siftDown(0)
		return
	}
	h.items = append(h.items, n)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !h.worse(h.items[i], h.items[parent]) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *kHeap) siftDown(i int) {
	n := len(h.items)
	for {
		left, right := 2*i+1, 2*i+2
		largest := i
		if left < n && h.worse(h.items[left], h.items[largest]) {
			largest = left
		}
		if right < n && h.worse(h.items[right], h.items[largest]) {
			largest = right
		}
		if largest == i {
			return
		}
		h.items[i], h.items[largest] = h.items[largest], h.items[i]
		i = largest
	}
}

func (h *kHeap) sorted() NeighborSet {
	out := NeighborSet(append([]Neighbor(nil), h.items...))
	out.sortCanonical()
	return out
}
