package register

import (
	"errors"
	"math"
	"testing"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

func TestAndersonICPTranslationRecovery(t *testing.T) {
	source := &cloud.PointCloud{Points: randomPoints(150, 31)}
	truth := cloud.Identity()
	truth[3], truth[7], truth[11] = 0.2, -0.15, 0.1
	target := source.Transformed(truth)

	aa := &AndersonICP{Params: FineParams{
		MaxIterations:             60,
		MaxCorrespondenceDistance: 3.0,
		TransformationEpsilon:     1e-9,
		EuclideanFitnessEpsilon:   1e-12,
	}}
	res, err := aa.Align(source, target, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if !res.Converged {
		t.Error("expected convergence")
	}
	tr := res.Transform.Translation()
	if math.Abs(tr.X-0.2) > 1e-3 || math.Abs(tr.Y+0.15) > 1e-3 || math.Abs(tr.Z-0.1) > 1e-3 {
		t.Errorf("translation = %v, want (0.2, -0.15, 0.1)", tr)
	}
}

// The acceleration never makes things worse than plain ICP: the
// safeguard falls back when the mixed step raises the energy.
func TestAndersonICPNoWorseThanPlainICP(t *testing.T) {
	source := &cloud.PointCloud{Points: randomPoints(120, 32)}
	truth := randomRigidSmall()
	target := source.Transformed(truth)

	params := FineParams{
		MaxIterations:             40,
		MaxCorrespondenceDistance: 3.0,
		TransformationEpsilon:     1e-10,
		EuclideanFitnessEpsilon:   1e-12,
	}
	plain, err := (&ICP{Params: params}).Align(source, target, nil)
	if err != nil {
		t.Fatalf("plain Align: %v", err)
	}
	accel, err := (&AndersonICP{Params: params}).Align(source, target, nil)
	if err != nil {
		t.Fatalf("accelerated Align: %v", err)
	}
	if accel.FitnessScore > plain.FitnessScore+1e-6 {
		t.Errorf("accelerated fitness %g worse than plain %g", accel.FitnessScore, plain.FitnessScore)
	}
}

func TestAndersonICPIdentity(t *testing.T) {
	c := &cloud.PointCloud{Points: randomPoints(60, 33)}
	aa := &AndersonICP{Params: FineParams{
		MaxIterations:             10,
		MaxCorrespondenceDistance: 1.0,
		TransformationEpsilon:     1e-8,
		EuclideanFitnessEpsilon:   1e-8,
	}}
	res, err := aa.Align(c, c, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if diff := res.Transform.Sub(cloud.Identity()).FrobeniusNorm(); diff > 1e-6 {
		t.Errorf("identity drifted by %g", diff)
	}
	if res.NumIterations > 2 {
		t.Errorf("identity took %d iterations", res.NumIterations)
	}
}

func TestAndersonMixSolvesTrivialFixture(t *testing.T) {
	// Linear fixed-point map g(x) = x/2: residuals line up so the
	// mixed iterate should land near the fixed point at zero.
	xs := []vec6{{1, 0, 0, 0, 0, 0}, {0.5, 0, 0, 0, 0, 0}}
	gs := []vec6{{0.5, 0, 0, 0, 0, 0}, {0.25, 0, 0, 0, 0, 0}}
	mixed, ok := andersonMix(xs, gs, 1.0)
	if !ok {
		t.Fatal("andersonMix failed on a clean fixture")
	}
	if math.Abs(mixed[0]) > 1e-9 {
		t.Errorf("mixed[0] = %g, want 0", mixed[0])
	}
}

func TestAndersonICPEmptyCloudsRejected(t *testing.T) {
	empty := &cloud.PointCloud{}
	full := &cloud.PointCloud{Points: randomPoints(10, 34)}
	aa := &AndersonICP{Params: DefaultFineParams()}
	if _, err := aa.Align(empty, full, nil); !errors.Is(err, cloud.ErrInvalidInput) {
		t.Errorf("empty source = %v, want ErrInvalidInput", err)
	}
}
