package features

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
)

// blobCloud is an anisotropic random cloud (2:1:0.5 extents) so local
// reference frames have well-separated eigenvalues.
func blobCloud(n int, seed int64) *cloud.PointCloud {
	rng := rand.New(rand.NewSource(seed))
	c := cloud.New(n)
	for i := 0; i < n; i++ {
		c.Append(cloud.Point{
			X: rng.NormFloat64() * 2,
			Y: rng.NormFloat64() * 1,
			Z: rng.NormFloat64() * 0.5,
		})
	}
	return c
}

func blobNormals(t *testing.T, c *cloud.PointCloud) []cloud.Point {
	t.Helper()
	tree := index.NewKDTree(c.Points)
	origin := cloud.Point{}
	est := NormalEstimator{K: 15, Viewpoint: &origin}
	res, err := est.Estimate(c, tree)
	if err != nil {
		t.Fatalf("normals: %v", err)
	}
	return res.Normals
}

func TestSHOTUnitNormAndSize(t *testing.T) {
	c := blobCloud(300, 1)
	tree := index.NewKDTree(c.Points)
	ex := &SHOTExtractor{SearchRadius: 1.5, MaxNeighbors: 80}

	descs, err := ex.Extract(c, tree, []int{0, 50}, blobNormals(t, c))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for i, d := range descs {
		if len(d) != SHOTSize {
			t.Fatalf("descriptor %d has %d bins, want %d", i, len(d), SHOTSize)
		}
		var norm float64
		for _, v := range d {
			if v < 0 {
				t.Fatalf("descriptor %d has negative bin %g", i, v)
			}
			norm += v * v
		}
		if math.Abs(math.Sqrt(norm)-1) > 1e-9 {
			t.Errorf("descriptor %d L2 norm = %g, want 1", i, math.Sqrt(norm))
		}
	}
}

// Approximate rotational invariance: the local reference frame turns
// with the cloud, so the binned neighbourhood barely changes.
func TestSHOTRotationInvariance(t *testing.T) {
	c := blobCloud(400, 2)
	rot := zRotation(math.Pi / 4)
	rc := c.Transformed(rot)
	ex := &SHOTExtractor{SearchRadius: 1.5, MaxNeighbors: 80}

	base, err := ex.Extract(c, index.NewKDTree(c.Points), []int{21}, blobNormals(t, c))
	if err != nil {
		t.Fatalf("Extract base: %v", err)
	}
	rotated, err := ex.Extract(rc, index.NewKDTree(rc.Points), []int{21}, blobNormals(t, rc))
	if err != nil {
		t.Fatalf("Extract rotated: %v", err)
	}

	if d := Distance(base[0], rotated[0]); d >= 0.5 {
		t.Errorf("SHOT moved by %g under rotation, want < 0.5", d)
	}
}

func TestSHOTRequiresNormals(t *testing.T) {
	c := blobCloud(50, 3)
	tree := index.NewKDTree(c.Points)
	ex := &SHOTExtractor{SearchRadius: 1.0, MaxNeighbors: 30}

	if _, err := ex.Extract(c, tree, []int{0}, nil); !errors.Is(err, cloud.ErrMissingNormals) {
		t.Errorf("Extract without normals = %v, want ErrMissingNormals", err)
	}

	// Normals on the cloud itself are accepted.
	c.Normals = blobNormals(t, c)
	if _, err := ex.Extract(c, tree, []int{0}, nil); err != nil {
		t.Errorf("Extract with cloud normals failed: %v", err)
	}
}

func TestSHOTDeterministic(t *testing.T) {
	c := blobCloud(200, 4)
	normals := blobNormals(t, c)
	ex := &SHOTExtractor{SearchRadius: 1.2, MaxNeighbors: 60}
	keypoints := []int{5, 30, 111}

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

func TestLRFRightHandedAndRepeatable(t *testing.T) {
	c := blobCloud(200, 5)
	tree := index.NewKDTree(c.Points)
	hood := tree.RadiusNeighbors(c.Points[0], 1.5)

	frame, ok := computeLRF(c.Points, c.Points[0], hood, 1.5)
	if !ok {
		t.Fatal("computeLRF failed on a dense neighbourhood")
	}
	// Orthonormal, right-handed.
	if math.Abs(frame.X.Dot(frame.Y)) > 1e-9 || math.Abs(frame.X.Dot(frame.Z)) > 1e-9 {
		t.Error("axes not orthogonal")
	}
	if frame.X.Cross(frame.Y).Dist(frame.Z) > 1e-9 {
		t.Errorf("frame not right-handed: x×y = %v, z = %v", frame.X.Cross(frame.Y), frame.Z)
	}

	again, _ := computeLRF(c.Points, c.Points[0], hood, 1.5)
	if frame != again {
		t.Error("LRF not repeatable for a fixed neighbourhood")
	}
}
