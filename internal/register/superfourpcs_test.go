package register

import (
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

// structuredCloud mixes a plane patch, a sphere and scattered points,
// the shape class congruent-set matching is designed for.
func structuredCloud(n int, seed int64) *cloud.PointCloud {
	rng := rand.New(rand.NewSource(seed))
	c := cloud.New(n)
	for i := 0; i < n; i++ {
		switch i % 3 {
		case 0: // plane patch
			c.Append(cloud.Point{X: rng.Float64() * 3, Y: rng.Float64() * 3, Z: 0})
		case 1: // sphere surface
			z := 2*rng.Float64() - 1
			phi := 2 * math.Pi * rng.Float64()
			r := math.Sqrt(1 - z*z)
			c.Append(cloud.Point{
				X: 1.5 + r*math.Cos(phi),
				Y: 1.5 + r*math.Sin(phi),
				Z: 1.5 + z,
			})
		default: // scatter
			c.Append(cloud.Point{X: rng.Float64() * 3, Y: rng.Float64() * 3, Z: rng.Float64() * 3})
		}
	}
	return c
}

// A rotated and translated copy of a structured cloud is recovered to
// within a few delta without any correspondences.
func TestSuper4PCSRecoversRigidMotion(t *testing.T) {
	source := structuredCloud(120, 1)
	truth := cloud.FromRotationTranslation(
		expSO3(cloud.Point{Z: 0.2}),
		cloud.Point{X: 0.5, Y: 0.3, Z: 0.2},
	)
	target := source.Transformed(truth)

	estimator := &Super4PCS{
		FourPCS: FourPCS{
			Params: CoarseParams{
				MaxIterations:   100,
				InlierThreshold: 0.05,
				MinInliers:      60,
				Confidence:      0.99,
				RandomSeed:      7,
				RefineResult:    true,
			},
			Delta:      0.02,
			Overlap:    0.9,
			SampleSize: 120,
			NumBases:   30,
		},
		GridResolution: 0.5,
		MaxPairs:       8000,
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
	if len(res.Inliers) < 100 {
		t.Errorf("inliers = %d, want >= 100", len(res.Inliers))
	}
}

func TestSuper4PCSDeterministicForFixedSeed(t *testing.T) {
	source := structuredCloud(90, 2)
	truth := cloud.Identity()
	truth[3] = 0.4
	target := source.Transformed(truth)

	build := func() *Super4PCS {
		return &Super4PCS{
			FourPCS: FourPCS{
				Params: CoarseParams{
					MaxIterations:   100,
					InlierThreshold: 0.05,
					MinInliers:      40,
					Confidence:      0.99,
					RandomSeed:      13,
					RefineResult:    true,
				},
				Delta:      0.02,
				Overlap:    0.9,
				SampleSize: 90,
				NumBases:   20,
			},
			GridResolution: 0.5,
			MaxPairs:       8000,
		}
	}

	a, errA := build().Align(source, target)
	b, errB := build().Align(source, target)
	if (errA == nil) != (errB == nil) {
		t.Fatalf("error mismatch: %v vs %v", errA, errB)
	}
	if errA != nil {
		t.Skipf("estimator did not converge on this fixture: %v", errA)
	}
	if a.Transform != b.Transform {
		t.Error("transforms differ between identical runs")
	}
	if a.NumIterations != b.NumIterations {
		t.Errorf("iteration counts differ: %d vs %d", a.NumIterations, b.NumIterations)
	}
}
