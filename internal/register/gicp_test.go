package register

import (
	"errors"
	"testing"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
)

func TestGICPSmallTranslation(t *testing.T) {
	source := &cloud.PointCloud{Points: randomPoints(250, 21)}
	truth := cloud.Identity()
	truth[3], truth[7], truth[11] = 0.05, -0.04, 0.03
	target := source.Transformed(truth)

	gicp := &GICP{Params: FineParams{
		MaxIterations:             30,
		MaxCorrespondenceDistance: 1.0,
		TransformationEpsilon:     1e-9,
		EuclideanFitnessEpsilon:   1e-10,
	}}
	res, err := gicp.Align(source, target, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	tr := res.Transform.Translation()
	wantT := truth.Translation()
	if tr.Dist(wantT) > 0.02 {
		t.Errorf("translation = %v, want within 0.02 of %v", tr, wantT)
	}
}

func TestGICPIdentityStaysPut(t *testing.T) {
	c := &cloud.PointCloud{Points: randomPoints(150, 22)}
	gicp := &GICP{Params: FineParams{
		MaxIterations:             10,
		MaxCorrespondenceDistance: 1.0,
		TransformationEpsilon:     1e-8,
		EuclideanFitnessEpsilon:   1e-10,
	}}
	res, err := gicp.Align(c, c, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if diff := res.Transform.Sub(cloud.Identity()).FrobeniusNorm(); diff > 1e-3 {
		t.Errorf("identity alignment drifted by %g", diff)
	}
}

func TestGICPEmptyCloudsRejected(t *testing.T) {
	empty := &cloud.PointCloud{}
	full := &cloud.PointCloud{Points: randomPoints(10, 23)}
	gicp := &GICP{Params: DefaultFineParams()}
	if _, err := gicp.Align(empty, full, nil); !errors.Is(err, cloud.ErrInvalidInput) {
		t.Errorf("empty source = %v, want ErrInvalidInput", err)
	}
}

func TestRegularizedCovarianceEigenFloor(t *testing.T) {
	// A perfectly planar neighbourhood: the covariance normal
	// direction must be floored at epsilon, not zero.
	pts := []cloud.Point{
		{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1},
		{X: 0.5, Y: 0.5}, {X: 0.2, Y: 0.8},
	}
	covs := computeCovariances(pts, index.NewKDTree(pts), 5, 1e-3)
	for i, cov := range covs {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				if cov.At(r, c) != cov.At(c, r) {
					t.Fatalf("cov %d not symmetric", i)
				}
			}
		}
		// z direction is the plane normal; its variance is epsilon.
		if cov.At(2, 2) < 1e-4 {
			t.Errorf("cov %d z-variance %g below floor", i, cov.At(2, 2))
		}
	}
}
