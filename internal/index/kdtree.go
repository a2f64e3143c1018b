package index

import (
	"sort"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

// kdLeafSize bounds the number of points scanned linearly at a leaf.
const kdLeafSize = 16

type kdNode struct {
	axis       int // 0=x 1=y 2=z; -1 marks a leaf
	split      float64
	left       int // child node index; leaves use start/end instead
	right      int
	start, end int // leaf range into KDTree.order
}

// KDTree is an axis-aligned BSP over a point slice with median splits.
// Build cost is O(n log n); queries average O(log n). The tree holds a
// read-only reference to the points it was built on.
type KDTree struct {
	points []cloud.Point
	order  []int // permutation of point indices, partitioned per node
	nodes  []kdNode
}

// NewKDTree builds a tree over points. An empty slice yields an empty
// index whose queries return empty sets.
func NewKDTree(points []cloud.Point) *KDTree {
	t := &KDTree{points: points}
	if len(points) == 0 {
		return t
	}
	t.order = make([]int, len(points))
	for i := range t.order {
		t.order[i] = i
	}
	t.build(0, len(points))
	return t
}

func coord(p cloud.Point, axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

// build partitions order[start:end] and appends the subtree's nodes,
// returning the root node index of the subtree.
func (t *KDTree) build(start, end int) int {
	node := len(t.nodes)
	if end-start <= kdLeafSize {
		t.nodes = append(t.nodes, kdNode{axis: -1, start: start, end: end})
		return node
	}

	// Split on the axis with the widest extent.
	var lo, hi [3]float64
	for a := 0; a < 3; a++ {
		lo[a], hi[a] = coord(t.points[t.order[start]], a), coord(t.points[t.order[start]], a)
	}
	for _, idx := range t.order[start:end] {
		for a := 0; a < 3; a++ {
			v := coord(t.points[idx], a)
			if v < lo[a] {
				lo[a] = v
			}
			if v > hi[a] {
				hi[a] = v
			}
		}
	}
	axis := 0
	for a := 1; a < 3; a++ {
		if hi[a]-lo[a] > hi[axis]-lo[axis] {
			axis = a
		}
	}

	sub := t.order[start:end]
	sort.Slice(sub, func(i, j int) bool {
		ci, cj := coord(t.points[sub[i]], axis), coord(t.points[sub[j]], axis)
		if ci != cj {
			return ci < cj
		}
		return sub[i] < sub[j]
	})
	mid := start + (end-start)/2

	t.nodes = append(t.nodes, kdNode{axis: axis, split: coord(t.points[t.order[mid]], axis)})
	left := t.build(start, mid)
	right := t.build(mid, end)
	t.nodes[node].left = left
	t.nodes[node].right = right
	return node
}

// Size returns the number of indexed points.
func (t *KDTree) Size() int { return len(t.points) }

// KNearest returns the k nearest points to q in non-decreasing
// distance order; ties on distance break to lower index. If k exceeds
// the indexed size all points are returned.
func (t *KDTree) KNearest(q cloud.Point, k int) NeighborSet {
	if len(t.points) == 0 || k <= 0 {
		return nil
	}
	if k > len(t.points) {
		k = len(t.points)
	}
	heap := newKHeap(k)
	t.knnVisit(0, q, heap)
	return heap.sorted()
}

func (t *KDTree) knnVisit(node int, q cloud.Point, heap *kHeap) {
	n := t.nodes[node]
	if n.axis < 0 {
		for _, idx := range t.order[n.start:n.end] {
			heap.push(Neighbor{Index: idx, Dist: q.Dist(t.points[idx])})
		}
		return
	}
	diff := coord(q, n.axis) - n.split
	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}
	t.knnVisit(near, q, heap)
	// Best-bin-first prune: skip the far side when the splitting plane
	// is beyond the current kth distance.
	if bound, ok := heap.bound(); !ok || absf(diff) <= bound {
		t.knnVisit(far, q, heap)
	}
}

// RadiusNeighbors returns every point within r of q, sorted by
// distance then index. Only nodes whose region intersects the query
// ball are traversed.
func (t *KDTree) RadiusNeighbors(q cloud.Point, r float64) NeighborSet {
	if len(t.points) == 0 || r < 0 {
		return nil
	}
	var out NeighborSet
	t.radiusVisit(0, q, r, &out)
	out.sortCanonical()
	return out
}

func (t *KDTree) radiusVisit(node int, q cloud.Point, r float64, out *NeighborSet) {
	n := t.nodes[node]
	if n.axis < 0 {
		for _, idx := range t.order[n.start:n.end] {
			if d := q.Dist(t.points[idx]); d <= r {
				*out = append(*out, Neighbor{Index: idx, Dist: d})
			}
		}
		return
	}
	diff := coord(q, n.axis) - n.split
	if diff <= r {
		t.radiusVisit(n.left, q, r, out)
	}
	if -diff <= r {
		t.radiusVisit(n.right, q, r, out)
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

var _ Searcher = (*KDTree)(nil)
