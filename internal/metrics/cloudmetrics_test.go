package metrics

import (
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

func testCloud(n int, seed int64) *cloud.PointCloud {
	rng := rand.New(rand.NewSource(seed))
	c := cloud.New(n)
	for i := 0; i < n; i++ {
		c.Append(cloud.Point{X: rng.Float64() * 5, Y: rng.Float64() * 5, Z: rng.Float64() * 5})
	}
	return c
}

func TestLCPIdentityOnSelf(t *testing.T) {
	c := testCloud(100, 1)
	score, inliers := LCP(c, c, cloud.Identity(), 0.01)
	if score > 1e-12 {
		t.Errorf("LCP of identical clouds = %g, want 0", score)
	}
	if len(inliers) != c.Size() {
		t.Errorf("inliers = %d, want %d", len(inliers), c.Size())
	}
}

func TestLCPNoInliers(t *testing.T) {
	a := &cloud.PointCloud{Points: []cloud.Point{{X: 0}}}
	b := &cloud.PointCloud{Points: []cloud.Point{{X: 100}}}
	score, inliers := LCP(a, b, cloud.Identity(), 0.5)
	if !math.IsInf(score, 1) {
		t.Errorf("score = %g, want +Inf", score)
	}
	if len(inliers) != 0 {
		t.Errorf("inliers = %d, want 0", len(inliers))
	}
}

// Swapping source and target while inverting the transform preserves
// the score on fully-overlapping clouds.
func TestLCPSymmetryUnderSwapAndInverse(t *testing.T) {
	src := testCloud(80, 2)
	translate := cloud.Identity()
	translate[3], translate[7], translate[11] = 0.4, -0.2, 0.1
	dst := src.Transformed(translate)

	forward, fin := LCP(src, dst, translate, 0.05)
	backward, bin := LCP(dst, src, translate.Inverse(), 0.05)
	if math.Abs(forward-backward) > 1e-9 {
		t.Errorf("forward %g != backward %g", forward, backward)
	}
	if len(fin) != len(bin) {
		t.Errorf("inlier counts differ: %d vs %d", len(fin), len(bin))
	}
}

func TestHausdorffAndChamfer(t *testing.T) {
	a := &cloud.PointCloud{Points: []cloud.Point{{X: 0}, {X: 1}}}
	b := &cloud.PointCloud{Points: []cloud.Point{{X: 0}, {X: 3}}}

	if d := Hausdorff(a, b); math.Abs(d-2) > 1e-12 {
		t.Errorf("hausdorff = %g, want 2", d)
	}
	// a->b means: 0 and 1 (nearest 0). b->a: 0 and 2 (3's nearest is 1).
	want := (0.0+1.0)/2 + (0.0+2.0)/2
	if d := Chamfer(a, b); math.Abs(d-want) > 1e-12 {
		t.Errorf("chamfer = %g, want %g", d, want)
	}
}

func TestCloudMetricsEmptyClouds(t *testing.T) {
	empty := &cloud.PointCloud{}
	full := testCloud(5, 3)
	if !math.IsInf(Hausdorff(empty, full), 1) {
		t.Error("hausdorff with empty cloud should be +Inf")
	}
	if score, _ := LCP(empty, full, cloud.Identity(), 0.1); !math.IsInf(score, 1) {
		t.Error("LCP with empty source should be +Inf")
	}
}
