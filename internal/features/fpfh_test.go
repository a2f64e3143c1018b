package features

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
)

// sphereCloud samples points on the unit sphere with a fixed seed.
func sphereCloud(n int, seed int64) *cloud.PointCloud {
	rng := rand.New(rand.NewSource(seed))
	c := cloud.New(n)
	for i := 0; i < n; i++ {
		z := 2*rng.Float64() - 1
		phi := 2 * math.Pi * rng.Float64()
		r := math.Sqrt(1 - z*z)
		c.Append(cloud.Point{X: r * math.Cos(phi), Y: r * math.Sin(phi), Z: z})
	}
	return c
}

func zRotation(theta float64) cloud.Transform {
	return cloud.FromRotationTranslation([9]float64{
		math.Cos(theta), -math.Sin(theta), 0,
		math.Sin(theta), math.Cos(theta), 0,
		0, 0, 1,
	}, cloud.Point{})
}

func sphereNormals(t *testing.T, c *cloud.PointCloud) []cloud.Point {
	t.Helper()
	tree := index.NewKDTree(c.Points)
	origin := cloud.Point{}
	est := NormalEstimator{K: 12, Viewpoint: &origin}
	res, err := est.Estimate(c, tree)
	if err != nil {
		t.Fatalf("normals: %v", err)
	}
	return res.Normals
}

func TestFPFHUnitNormAndSize(t *testing.T) {
	c := sphereCloud(300, 1)
	tree := index.NewKDTree(c.Points)
	ex := &FPFHExtractor{SearchRadius: 0.6, MaxNeighbors: 50}

	descs, err := ex.Extract(c, tree, []int{0, 10, 42}, sphereNormals(t, c))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(descs) != 3 {
		t.Fatalf("got %d descriptors, want 3", len(descs))
	}
	for i, d := range descs {
		if len(d) != FPFHSize {
			t.Fatalf("descriptor %d has %d bins, want %d", i, len(d), FPFHSize)
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

// Rotating the cloud rotates the normals with it; the Darboux features
// are frame relative, so the descriptor barely moves.
func TestFPFHRotationInvariance(t *testing.T) {
	c := sphereCloud(500, 2)
	rot := zRotation(math.Pi / 4)
	rc := c.Transformed(rot)

	ex := &FPFHExtractor{SearchRadius: 0.6, MaxNeighbors: 50}
	base, err := ex.Extract(c, index.NewKDTree(c.Points), []int{7}, sphereNormals(t, c))
	if err != nil {
		t.Fatalf("Extract base: %v", err)
	}
	rotated, err := ex.Extract(rc, index.NewKDTree(rc.Points), []int{7}, sphereNormals(t, rc))
	if err != nil {
		t.Fatalf("Extract rotated: %v", err)
	}

	if d := Distance(base[0], rotated[0]); d >= 0.1 {
		t.Errorf("FPFH moved by %g under rotation, want < 0.1", d)
	}
}

func TestFPFHEmptyNeighbourhoodZeroDescriptor(t *testing.T) {
	c := &cloud.PointCloud{Points: []cloud.Point{
		{X: 0}, {X: 0.1}, {X: 0.2}, {X: 100},
	}}
	tree := index.NewKDTree(c.Points)
	normals := []cloud.Point{{Z: 1}, {Z: 1}, {Z: 1}, {Z: 1}}
	ex := &FPFHExtractor{SearchRadius: 0.5, MaxNeighbors: 10}

	descs, err := ex.Extract(c, tree, []int{3}, normals)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// The isolated point's only radius hit is itself, so no pair
	// features exist and the descriptor stays all-zero.
	if !descs[0].IsZero() {
		t.Errorf("isolated keypoint descriptor should be zero, got %v", descs[0])
	}
}

func TestFPFHDeterministic(t *testing.T) {
	c := sphereCloud(200, 3)
	normals := sphereNormals(t, c)
	keypoints := []int{1, 50, 99}
	ex := &FPFHExtractor{SearchRadius: 0.7, MaxNeighbors: 40}

	a, err := ex.Extract(c, index.NewKDTree(c.Points), keypoints, normals)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	b, err := ex.Extract(c, index.NewKDTree(c.Points), keypoints, normals)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for i := range a {
		if Distance(a[i], b[i]) != 0 {
			t.Fatalf("descriptor %d differs between identical runs", i)
		}
	}
}

func TestFPFHParameterErrors(t *testing.T) {
	c := sphereCloud(10, 4)
	tree := index.NewKDTree(c.Points)

	ex := &FPFHExtractor{SearchRadius: 0, MaxNeighbors: 10}
	if _, err := ex.Extract(c, tree, []int{0}, nil); !errors.Is(err, cloud.ErrParameter) {
		t.Errorf("zero radius = %v, want ErrParameter", err)
	}

	ex = &FPFHExtractor{SearchRadius: 1, MaxNeighbors: 10}
	if _, err := ex.Extract(c, tree, []int{99}, nil); !errors.Is(err, cloud.ErrInvalidInput) {
		t.Errorf("out-of-range keypoint = %v, want ErrInvalidInput", err)
	}
}
