package index

import (
	"math"
	"testing"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

func allPairsInBand(pts []cloud.Point, indices []int, dist, eps float64) int {
	count := 0
	for i := 0; i < len(indices); i++ {
		for j := i + 1; j < len(indices); j++ {
			d := pts[indices[i]].Dist(pts[indices[j]])
			if d >= dist-eps && d <= dist+eps {
				count++
			}
		}
	}
	return count
}

func TestPairsInRangeMatchesExhaustive(t *testing.T) {
	pts := randomPoints(120, 7)
	indices := make([]int, len(pts))
	for i := range indices {
		indices[i] = i
	}
	grid := NewPairGrid(pts, indices, 2.0)

	for _, band := range []struct{ d, eps float64 }{{3, 0.25}, {7, 0.5}, {12, 0.5}} {
		pairs := grid.PairsInRange(band.d, band.eps, 1<<20)
		want := allPairsInBand(pts, indices, band.d, band.eps)
		if len(pairs) != want {
			t.Errorf("band d=%g eps=%g: got %d pairs, want %d", band.d, band.eps, len(pairs), want)
		}
		seen := make(map[[2]int]bool)
		for _, p := range pairs {
			if p.Dist < band.d-band.eps || p.Dist > band.d+band.eps {
				t.Errorf("pair dist %g outside band", p.Dist)
			}
			key := [2]int{p.I, p.J}
			if p.J < p.I {
				key = [2]int{p.J, p.I}
			}
			if seen[key] {
				t.Errorf("duplicate pair %v", key)
			}
			seen[key] = true
		}
	}
}

func TestPairsInRangeMaxPairsCap(t *testing.T) {
	pts := randomPoints(100, 8)
	indices := make([]int, len(pts))
	for i := range indices {
		indices[i] = i
	}
	grid := NewPairGrid(pts, indices, 2.0)
	pairs := grid.PairsInRange(7, 1.0, 10)
	if len(pairs) > 10 {
		t.Errorf("cap exceeded: %d pairs", len(pairs))
	}
}

func TestPairGridEmpty(t *testing.T) {
	grid := NewPairGrid(nil, nil, 1.0)
	if pairs := grid.PairsInRange(1, 0.1, 10); pairs != nil {
		t.Errorf("empty grid returned %d pairs", len(pairs))
	}
}

func TestAdaptiveCellSize(t *testing.T) {
	// Unit-spaced line: median nearest-neighbour distance is 1, so the
	// adaptive cell is about 5.
	var pts []cloud.Point
	for i := 0; i < 20; i++ {
		pts = append(pts, cloud.Point{X: float64(i)})
	}
	indices := make([]int, len(pts))
	for i := range indices {
		indices[i] = i
	}
	got := AdaptiveCellSize(pts, indices)
	if math.Abs(got-5) > 1e-9 {
		t.Errorf("AdaptiveCellSize = %g, want 5", got)
	}
}
