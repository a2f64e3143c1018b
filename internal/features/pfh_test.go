package features

import (
	"math"
	"testing"

	"github.com/banshee-data/cloudalign/internal/index"
)

func TestPFHUnitNormAndSize(t *testing.T) {
	c := sphereCloud(250, 5)
	tree := index.NewKDTree(c.Points)
	ex := &PFHExtractor{SearchRadius: 0.6, MaxNeighbors: 25}

	descs, err := ex.Extract(c, tree, []int{0, 100}, sphereNormals(t, c))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for i, d := range descs {
		if len(d) != PFHSize {
			t.Fatalf("descriptor %d has %d bins, want %d", i, len(d), PFHSize)
		}
		var norm float64
		for _, v := range d {
			norm += v * v
		}
		if math.Abs(math.Sqrt(norm)-1) > 1e-9 {
			t.Errorf("descriptor %d L2 norm = %g, want 1", i, math.Sqrt(norm))
		}
	}
}

func TestPFHRotationInvariance(t *testing.T) {
	c := sphereCloud(400, 6)
	rot := zRotation(math.Pi / 3)
	rc := c.Transformed(rot)
	ex := &PFHExtractor{SearchRadius: 0.6, MaxNeighbors: 25}

	base, err := ex.Extract(c, index.NewKDTree(c.Points), []int{11}, sphereNormals(t, c))
	if err != nil {
		t.Fatalf("Extract base: %v", err)
	}
	rotated, err := ex.Extract(rc, index.NewKDTree(rc.Points), []int{11}, sphereNormals(t, rc))
	if err != nil {
		t.Fatalf("Extract rotated: %v", err)
	}
	if d := Distance(base[0], rotated[0]); d >= 0.1 {
		t.Errorf("PFH moved by %g under rotation, want < 0.1", d)
	}
}

func TestPFHSelfDistanceZeroAndSymmetric(t *testing.T) {
	c := sphereCloud(150, 7)
	tree := index.NewKDTree(c.Points)
	ex := &PFHExtractor{SearchRadius: 0.8, MaxNeighbors: 20}

	descs, err := ex.Extract(c, tree, []int{3, 77}, sphereNormals(t, c))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if d := Distance(descs[0], descs[0]); d != 0 {
		t.Errorf("d(a,a) = %g, want 0", d)
	}
	if ab, ba := Distance(descs[0], descs[1]), Distance(descs[1], descs[0]); ab != ba {
		t.Errorf("distance not symmetric: %g vs %g", ab, ba)
	}
}
