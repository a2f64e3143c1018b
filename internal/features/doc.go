// Package features owns local geometry extraction: PCA surface
// normals, repeatable local reference frames, and the FPFH, PFH and
// SHOT descriptor extractors with their shared SPFH cache.
//
// All extractors are pure transforms: given a cloud, a spatial index
// over it, keypoint indices and search parameters they produce one
// descriptor per keypoint. Descriptors are unit-L2 normalised unless
// the neighbourhood was empty, in which case they are all-zero.
// Results are deterministic for a fixed input and worker count.
//
// Dependency rule: features may depend on cloud, index and pool, never
// on correspond or register.
package features
