package features

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
	"github.com/banshee-data/cloudalign/internal/pool"
)

// NormalEstimator computes per-point surface normals from the PCA of
// each point's neighbourhood. Exactly one of K or Radius selects the
// neighbourhood; K wins when both are set.
type NormalEstimator struct {
	// K selects the k-nearest-neighbour neighbourhood size.
	K int
	// Radius selects a radius neighbourhood when K is zero.
	Radius float64
	// Viewpoint orients normals to point toward it. When nil, normals
	// are oriented deterministically toward the positive z half-space
	// (ties broken on y, then x).
	Viewpoint *cloud.Point
}

// NormalResult carries the estimated normals and the per-point
// validity flags. Points with fewer than 3 neighbours, or whose
// neighbours all coincide (zero covariance), get a zero normal and
// Valid=false. Planar and collinear neighbourhoods are not flagged.
type NormalResult struct {
	Normals []cloud.Point
	Valid   []bool
}

// Estimate computes a normal for every point of c using the given
// index over the same points. The per-point work is fanned out over
// the worker pool with no shared writes.
func (e *NormalEstimator) Estimate(c *cloud.PointCloud, searcher index.Searcher) (*NormalResult, error) {
	if e.K <= 0 && e.Radius <= 0 {
		return nil, fmt.Errorf("normal estimator needs K or Radius: %w", cloud.ErrParameter)
	}
	if err := c.Validate(true); err != nil {
		return nil, err
	}

	res := &NormalResult{
		Normals: make([]cloud.Point, c.Size()),
		Valid:   make([]bool, c.Size()),
	}
	pool.ParallelFor(c.Size(), func(start, end, _ int) {
		for i := start; i < end; i++ {
			n, ok := e.normalAt(c, searcher, i)
			res.Normals[i] = n
			res.Valid[i] = ok
		}
	})
	return res, nil
}

func (e *NormalEstimator) normalAt(c *cloud.PointCloud, searcher index.Searcher, i int) (cloud.Point, bool) {
	var hits index.NeighborSet
	if e.K > 0 {
		hits = searcher.KNearest(c.Points[i], e.K)
	} else {
		hits = searcher.RadiusNeighbors(c.Points[i], e.Radius)
	}
	if len(hits) < 3 {
		return cloud.Point{}, false
	}

	normal, ok := smallestEigenvector(c.Points, hits)
	if !ok {
		return cloud.Point{}, false
	}
	return e.orient(normal, c.Points[i]), true
}

// smallestEigenvector returns the unit eigenvector of the smallest
// eigenvalue of the centred covariance over the neighbourhood.
func smallestEigenvector(points []cloud.Point, hits index.NeighborSet) (cloud.Point, bool) {
	var centroid cloud.Point
	for _, h := range hits {
		centroid = centroid.Add(points[h.Index])
	}
	centroid = centroid.Scale(1 / float64(len(hits)))

	var cxx, cxy, cxz, cyy, cyz, czz float64
	for _, h := range hits {
		d := points[h.Index].Sub(centroid)
		cxx += d.X * d.X
		cxy += d.X * d.Y
		cxz += d.X * d.Z
		cyy += d.Y * d.Y
		cyz += d.Y * d.Z
		czz += d.Z * d.Z
	}
	inv := 1 / float64(len(hits))
	sym := mat.NewSymDense(3, []float64{
		cxx * inv, cxy * inv, cxz * inv,
		cxy * inv, cyy * inv, cyz * inv,
		cxz * inv, cyz * inv, czz * inv,
	})

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return cloud.Point{}, false
	}
	vals := eig.Values(nil)
	// Rank-deficient neighbourhoods (all points coincident) carry no
	// orientation information.
	if vals[2] <= 0 {
		return cloud.Point{}, false
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Eigenvalues are ascending; column 0 is the surface normal.
	n := cloud.Point{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	return n.Normalize(), true
}

// orient flips the normal toward the configured viewpoint, or applies
// the deterministic z-then-y-then-x sign rule when no viewpoint is
// given.
func (e *NormalEstimator) orient(n, at cloud.Point) cloud.Point {
	if e.Viewpoint != nil {
		if e.Viewpoint.Sub(at).Dot(n) < 0 {
			return n.Scale(-1)
		}
		return n
	}
	if n.Z < 0 || (n.Z == 0 && n.Y < 0) || (n.Z == 0 && n.Y == 0 && n.X < 0) {
		return n.Scale(-1)
	}
	return n
}
