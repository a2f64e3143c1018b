// Package register owns rigid registration: the coarse estimators
// (RANSAC, PROSAC, 4PCS, Super4PCS), the fine estimators (point-to-
// point ICP, point-to-plane ICP, generalised ICP, Anderson-accelerated
// ICP, NDT), the closed-form SVD alignment they all share, and the LCP
// fitness metric.
//
// Every estimator validates parameters, then inputs, then invariants,
// and returns errors built from the cloud package sentinels. A failed
// registration still returns the best transform found so far with
// Converged=false so callers can accept or retry.
//
// Determinism: given an identical seed, input and worker count, every
// estimator returns a byte-identical result. Randomness is consumed
// only on the calling goroutine; parallel fan-outs write into
// position-indexed slots.
package register
