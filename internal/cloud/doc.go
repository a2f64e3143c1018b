// Package cloud owns the value layer of the registration pipeline.
//
// Responsibilities: Point and PointCloud aggregates, rigid 4x4
// transforms, and the shared error kinds returned by every public
// operation.
// Key types: Point, PointCloud, Transform, error sentinels.
//
// Dependency rule: cloud depends on nothing inside the module. Every
// other package may depend on it; it may depend on none of them.
package cloud
