package cloud

import "errors"

// Error kinds shared by every public operation in the module. Call
// sites wrap them with fmt.Errorf("...: %w", ...) so callers can match
// with errors.Is while still seeing where the failure came from.
var (
	// ErrInvalidInput marks an empty cloud where points are required,
	// mismatched normals/colors lengths, or non-finite coordinates.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMissingNormals marks a component that requires per-point
	// normals receiving a cloud without them.
	ErrMissingNormals = errors.New("missing normals")

	// ErrInsufficientSamples marks fewer inputs than the sampling
	// minimum (e.g. under 3 correspondences for RANSAC).
	ErrInsufficientSamples = errors.New("insufficient samples")

	// ErrInsufficientInliers marks an estimator that completed without
	// reaching its min-inlier requirement.
	ErrInsufficientInliers = errors.New("insufficient inliers")

	// ErrDegenerateConfiguration marks collinear samples, rank
	// deficient covariances, and failed rotation orthogonality checks.
	ErrDegenerateConfiguration = errors.New("degenerate configuration")

	// ErrNumericFailure marks a solver that reported no convergence.
	ErrNumericFailure = errors.New("numeric failure")

	// ErrParameter marks an out-of-range configuration value.
	ErrParameter = errors.New("invalid parameter")
)
