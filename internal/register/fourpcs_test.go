package register

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

// planarSpread is a deterministic planar cloud with generous pairwise
// distances, so random quadruples are always coplanar and congruent
// candidates are findable by the plain 4PCS search.
func planarSpread(n int, seed int64) *cloud.PointCloud {
	rng := rand.New(rand.NewSource(seed))
	c := cloud.New(n)
	for i := 0; i < n; i++ {
		c.Append(cloud.Point{X: rng.Float64() * 4, Y: rng.Float64() * 4})
	}
	return c
}

func TestFourPCSRecoversTranslationOnPlanarCloud(t *testing.T) {
	source := planarSpread(10, 1)
	truth := cloud.Identity()
	truth[3], truth[7], truth[11] = 0.5, 0.3, 0.2
	target := source.Transformed(truth)

	estimator := &FourPCS{
		Params: CoarseParams{
			MaxIterations:   100,
			InlierThreshold: 0.05,
			MinInliers:      8,
			Confidence:      0.99,
			RandomSeed:      3,
			RefineResult:    true,
		},
		Delta:          0.01,
		Overlap:        1.0,
		SampleSize:     10,
		NumBases:       20,
		CandidateTries: 3000,
	}
	res, err := estimator.Align(source, target)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if !res.Converged {
		t.Error("expected convergence")
	}
	if diff := res.Transform.Sub(truth).FrobeniusNorm(); diff > 5*estimator.Delta {
		t.Errorf("transform off by %g, want < %g", diff, 5*estimator.Delta)
	}
}

func TestFourPCSParameterValidation(t *testing.T) {
	c := planarSpread(10, 2)
	estimator := &FourPCS{Params: DefaultCoarseParams(), Delta: 0, Overlap: 0.5}
	if _, err := estimator.Align(c, c); !errors.Is(err, cloud.ErrParameter) {
		t.Errorf("delta 0 = %v, want ErrParameter", err)
	}

	estimator = &FourPCS{Params: DefaultCoarseParams(), Delta: 0.01, Overlap: 1.5}
	if _, err := estimator.Align(c, c); !errors.Is(err, cloud.ErrParameter) {
		t.Errorf("overlap 1.5 = %v, want ErrParameter", err)
	}
}

func TestFourPCSTinyCloudRejected(t *testing.T) {
	c := cloudFrom(cloud.Point{X: 1}, cloud.Point{X: 2}, cloud.Point{X: 3})
	estimator := &FourPCS{Params: DefaultCoarseParams(), Delta: 0.01, Overlap: 0.5}
	if _, err := estimator.Align(c, c); !errors.Is(err, cloud.ErrInsufficientSamples) {
		t.Errorf("3-point cloud = %v, want ErrInsufficientSamples", err)
	}
}

func TestFourPCSEmptyCloudRejected(t *testing.T) {
	empty := &cloud.PointCloud{}
	full := planarSpread(10, 3)
	estimator := &FourPCS{Params: DefaultCoarseParams(), Delta: 0.01, Overlap: 0.5}
	if _, err := estimator.Align(empty, full); !errors.Is(err, cloud.ErrInvalidInput) {
		t.Errorf("empty source = %v, want ErrInvalidInput", err)
	}
}

func TestCoplanarAndInvariants(t *testing.T) {
	square := [4]cloud.Point{
		{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1},
	}
	if !coplanar(square, 1e-9) {
		t.Error("square must be coplanar")
	}
	lifted := square
	lifted[3].Z = 1
	if coplanar(lifted, 0.1) {
		t.Error("lifted quad should fail coplanarity at tight tolerance")
	}

	// Square ordered A,B,C,D: diagonals AC and BD cross at their
	// midpoints, so both invariants are 0.5.
	b := base4{points: square}
	v1 := b.points[1].Sub(b.points[0])
	v2 := b.points[2].Sub(b.points[0])
	b.normal = v1.Cross(v2).Normalize()
	if !computeInvariants(&b) {
		t.Fatal("computeInvariants failed on a square")
	}
	if !approxEqual(b.invariant1, 0.5, 1e-9) || !approxEqual(b.invariant2, 0.5, 1e-9) {
		t.Errorf("square invariants = (%g, %g), want (0.5, 0.5)", b.invariant1, b.invariant2)
	}
}

// The invariants do not change under a rigid motion of the base.
func TestInvariantsRigidInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	pts := [4]cloud.Point{
		{X: 0, Y: 0}, {X: 2, Y: 0.3}, {X: 1.7, Y: 2.1}, {X: -0.2, Y: 1.5},
	}
	motion := randomRigid(rng)

	build := func(points [4]cloud.Point) (base4, bool) {
		b := base4{points: points}
		v1 := b.points[1].Sub(b.points[0])
		v2 := b.points[2].Sub(b.points[0])
		b.normal = v1.Cross(v2).Normalize()
		return b, computeInvariants(&b)
	}

	b1, ok1 := build(pts)
	var moved [4]cloud.Point
	for i := range pts {
		moved[i] = motion.Apply(pts[i])
	}
	b2, ok2 := build(moved)
	if !ok1 || !ok2 {
		t.Fatal("computeInvariants failed")
	}
	if !approxEqual(b1.invariant1, b2.invariant1, 1e-9) || !approxEqual(b1.invariant2, b2.invariant2, 1e-9) {
		t.Errorf("invariants changed under rigid motion: (%g,%g) vs (%g,%g)",
			b1.invariant1, b1.invariant2, b2.invariant1, b2.invariant2)
	}
}
