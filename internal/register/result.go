package register

import "github.com/banshee-data/cloudalign/internal/cloud"

// IterationStats records one iteration of a fine-registration loop for
// the optional history.
type IterationStats struct {
	Iteration          int
	Transform          cloud.Transform
	Error              float64
	ErrorChange        float64
	NumCorrespondences int
}

// Result is the outcome of one registration call, coarse or fine.
type Result struct {
	Transform     cloud.Transform
	FitnessScore  float64
	Inliers       []int
	NumIterations int
	Converged     bool
	History       []IterationStats
}

// CoarseParams is the configuration shared by every coarse estimator.
type CoarseParams struct {
	MaxIterations   int
	InlierThreshold float64
	MinInliers      int
	Confidence      float64
	Parallel        bool
	RandomSeed      int64
	RefineResult    bool
	// EarlyStopRatio stops the search once the best inlier ratio
	// reaches it. Zero means the 0.9 default.
	EarlyStopRatio float64
}

// DefaultCoarseParams returns the defaults used by the CLI and tests.
func DefaultCoarseParams() CoarseParams {
	return CoarseParams{
		MaxIterations:   1000,
		InlierThreshold: 0.05,
		MinInliers:      3,
		Confidence:      0.99,
		Parallel:        true,
		RefineResult:    true,
		EarlyStopRatio:  0.9,
	}
}

func (p *CoarseParams) earlyStop() float64 {
	if p.EarlyStopRatio <= 0 {
		return 0.9
	}
	return p.EarlyStopRatio
}

// FineParams is the configuration shared by every fine estimator.
type FineParams struct {
	MaxIterations             int
	MaxCorrespondenceDistance float64
	TransformationEpsilon     float64
	EuclideanFitnessEpsilon   float64
	// OutlierRejectionRatio drops the worst fraction of
	// correspondences by distance each iteration, in [0, 1).
	OutlierRejectionRatio float64
	// RecordHistory keeps per-iteration stats on the result.
	RecordHistory bool
}

// DefaultFineParams returns the defaults used by the CLI and tests.
func DefaultFineParams() FineParams {
	return FineParams{
		MaxIterations:             50,
		MaxCorrespondenceDistance: 1.0,
		TransformationEpsilon:     1e-8,
		EuclideanFitnessEpsilon:   1e-8,
	}
}
