// Package index owns the spatial indices of the pipeline.
//
// Responsibilities: k-d tree and brute-force nearest-neighbour search
// over 3-D points, a flat metric index for descriptor space, and the
// voxel pair grid used by congruent-set matching.
// Key types: KDTree, BruteForce, Flat, PairGrid, NeighborSet.
//
// Indices hold a read-only view of the slice they were built on and
// must be rebuilt if it changes. Queries never mutate the index and
// are safe to run concurrently.
package index
