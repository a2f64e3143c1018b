package index

import (
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

func randomPoints(n int, seed int64) []cloud.Point {
	rng := rand.New(rand.NewSource(seed))
	pts := make([]cloud.Point, n)
	for i := range pts {
		pts[i] = cloud.Point{X: rng.Float64() * 10, Y: rng.Float64() * 10, Z: rng.Float64() * 10}
	}
	return pts
}

func sameNeighbors(t *testing.T, got, want NeighborSet, context string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d neighbors, want %d", context, len(got), len(want))
	}
	for i := range got {
		if got[i].Index != want[i].Index {
			t.Fatalf("%s: neighbor %d index %d, want %d", context, i, got[i].Index, want[i].Index)
		}
		if math.Abs(got[i].Dist-want[i].Dist) > 1e-9 {
			t.Fatalf("%s: neighbor %d dist %g, want %g", context, i, got[i].Dist, want[i].Dist)
		}
	}
}

// The brute-force index is the oracle: the tree must agree on every
// query.
func TestKDTreeMatchesBruteForce(t *testing.T) {
	pts := randomPoints(500, 1)
	tree := NewKDTree(pts)
	brute := NewBruteForce(pts)
	queries := randomPoints(50, 2)

	for qi, q := range queries {
		for _, k := range []int{1, 5, 17} {
			sameNeighbors(t, tree.KNearest(q, k), brute.KNearest(q, k), "knn")
			_ = qi
		}
		for _, r := range []float64{0.5, 2.0, 5.0} {
			sameNeighbors(t, tree.RadiusNeighbors(q, r), brute.RadiusNeighbors(q, r), "radius")
		}
	}
}

func TestKNearestOrderedAndKTooLarge(t *testing.T) {
	pts := randomPoints(20, 3)
	tree := NewKDTree(pts)
	q := cloud.Point{X: 5, Y: 5, Z: 5}

	hits := tree.KNearest(q, 100)
	if len(hits) != len(pts) {
		t.Fatalf("k > n should return all %d points, got %d", len(pts), len(hits))
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Dist < hits[i-1].Dist {
			t.Fatalf("distances not non-decreasing at %d", i)
		}
	}
}

func TestEmptyIndexQueries(t *testing.T) {
	tree := NewKDTree(nil)
	if hits := tree.KNearest(cloud.Point{}, 3); len(hits) != 0 {
		t.Errorf("empty tree KNearest returned %d hits", len(hits))
	}
	if hits := tree.RadiusNeighbors(cloud.Point{}, 1); len(hits) != 0 {
		t.Errorf("empty tree RadiusNeighbors returned %d hits", len(hits))
	}
}

func TestTieBreakLowerIndex(t *testing.T) {
	// Two points equidistant from the query: the lower index wins.
	pts := []cloud.Point{{X: 1}, {X: -1}, {X: 5}}
	tree := NewKDTree(pts)
	hits := tree.KNearest(cloud.Point{}, 1)
	if len(hits) != 1 || hits[0].Index != 0 {
		t.Errorf("tie should break to index 0, got %+v", hits)
	}
}

func TestRadiusExactBoundaryIncluded(t *testing.T) {
	pts := []cloud.Point{{X: 1}}
	tree := NewKDTree(pts)
	if hits := tree.RadiusNeighbors(cloud.Point{}, 1); len(hits) != 1 {
		t.Errorf("point at exactly r should be included, got %d hits", len(hits))
	}
}

func TestFlatIndexMatchesMetric(t *testing.T) {
	elems := [][]float64{{0, 0}, {3, 4}, {1, 0}}
	flat := NewFlat(elems, func(a, b []float64) float64 {
		dx, dy := a[0]-b[0], a[1]-b[1]
		return math.Sqrt(dx*dx + dy*dy)
	})
	hits := flat.KNearest([]float64{0, 0}, 2)
	if len(hits) != 2 || hits[0].Index != 0 || hits[1].Index != 2 {
		t.Errorf("unexpected flat results %+v", hits)
	}
}
