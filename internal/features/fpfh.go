package features

import (
	"fmt"
	"sort"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
	"github.com/banshee-data/cloudalign/internal/pool"
)

// spfh is the Simplified Point Feature Histogram: three 11-bin
// histograms of the Darboux pair features against a point's
// neighbours, normalised by the valid-neighbour count.
type spfh struct {
	f1, f2, f3 [11]float64
}

// spfhCache holds SPFH values computed at most once per point per
// extraction. It is filled in a single parallel pass before any reader
// runs, so readers access it lock-free.
type spfhCache struct {
	values   []spfh
	computed []bool
}

func newSPFHCache(n int) *spfhCache {
	return &spfhCache{values: make([]spfh, n), computed: make([]bool, n)}
}

// FPFHExtractor produces 33-bin Fast Point Feature Histograms: a
// point's own SPFH plus the distance-weighted SPFHs of its neighbours.
// SPFHs are computed lazily for the union of keypoints and their
// neighbourhoods and shared between keypoints, which keeps descriptor
// time linear in that union rather than quadratic in keypoint density.
type FPFHExtractor struct {
	SearchRadius float64
	MaxNeighbors int
}

// Extract computes one descriptor per keypoint. normals may be nil, in
// which case the cloud's own normals are used when present and PCA
// normals over MaxNeighbors are computed otherwise.
func (e *FPFHExtractor) Extract(c *cloud.PointCloud, searcher index.Searcher, keypoints []int, normals []cloud.Point) ([]Signature, error) {
	if e.SearchRadius <= 0 {
		return nil, fmt.Errorf("fpfh search radius must be positive: %w", cloud.ErrParameter)
	}
	if e.MaxNeighbors <= 0 {
		return nil, fmt.Errorf("fpfh max neighbors must be positive: %w", cloud.ErrParameter)
	}
	if err := c.Validate(true); err != nil {
		return nil, err
	}
	if err := checkKeypoints(keypoints, c.Size()); err != nil {
		return nil, err
	}

	normals, err := ensureNormals(c, searcher, normals, e.MaxNeighbors)
	if err != nil {
		return nil, err
	}

	// Neighbourhoods are queried once per keypoint and reused for both
	// the SPFH union and the weighted combination.
	hoods := pool.Gather(len(keypoints), func(i int) index.NeighborSet {
		return trimmedRadius(searcher, c.Points[keypoints[i]], e.SearchRadius, e.MaxNeighbors)
	})

	needed := spfhUnion(keypoints, hoods)
	cache := newSPFHCache(c.Size())
	pool.ParallelFor(len(needed), func(start, end, _ int) {
		for i := start; i < end; i++ {
			idx := needed[i]
			hood := trimmedRadius(searcher, c.Points[idx], e.SearchRadius, e.MaxNeighbors)
			cache.values[idx] = computeSPFH(c.Points, normals, idx, hood)
			cache.computed[idx] = true
		}
	})

	descriptors := make([]Signature, len(keypoints))
	pool.ParallelFor(len(keypoints), func(start, end, _ int) {
		for i := start; i < end; i++ {
			descriptors[i] = combineFPFH(keypoints[i], hoods[i], cache)
		}
	})
	return descriptors, nil
}

// trimmedRadius queries the radius neighbourhood and caps it at the
// maxNeighbors closest hits.
func trimmedRadius(searcher index.Searcher, q cloud.Point, radius float64, maxNeighbors int) index.NeighborSet {
	hits := searcher.RadiusNeighbors(q, radius)
	if len(hits) > maxNeighbors {
		hits = hits[:maxNeighbors]
	}
	return hits
}

// spfhUnion returns the sorted union of the keypoints and every point
// appearing in their neighbourhoods.
func spfhUnion(keypoints []int, hoods []index.NeighborSet) []int {
	seen := make(map[int]struct{}, len(keypoints)*4)
	for i, kp := range keypoints {
		seen[kp] = struct{}{}
		for _, h := range hoods[i] {
			seen[h.Index] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func computeSPFH(points, normals []cloud.Point, idx int, hood index.NeighborSet) spfh {
	var s spfh
	valid := 0
	for _, h := range hood {
		if h.Index == idx {
			continue
		}
		f1, f2, f3 := pairFeatures(points[idx], normals[idx], points[h.Index], normals[h.Index])
		s.f1[binIndex(f1, -1, 1, 11)]++
		s.f2[binIndex(f2, -1, 1, 11)]++
		s.f3[binIndex(f3, -pi, pi, 11)]++
		valid++
	}
	if valid > 0 {
		inv := 1 / float64(valid)
		for i := 0; i < 11; i++ {
			s.f1[i] *= inv
			s.f2[i] *= inv
			s.f3[i] *= inv
		}
	}
	return s
}

// combineFPFH assembles the keypoint descriptor: its own SPFH plus the
// inverse-distance weighted SPFHs of its neighbours, normalised by
// 1/(1+Σw) and finally to unit L2.
func combineFPFH(idx int, hood index.NeighborSet, cache *spfhCache) Signature {
	desc := make(Signature, FPFHSize)
	if len(hood) == 0 {
		return desc
	}

	own := cache.values[idx]
	for i := 0; i < 11; i++ {
		desc[i] = own.f1[i]
		desc[i+11] = own.f2[i]
		desc[i+22] = own.f3[i]
	}

	var weightSum float64
	for _, h := range hood {
		if h.Index == idx || !cache.computed[h.Index] {
			continue
		}
		w := 1 / (h.Dist + 1e-6)
		weightSum += w
		nb := cache.values[h.Index]
		for i := 0; i < 11; i++ {
			desc[i] += w * nb.f1[i]
			desc[i+11] += w * nb.f2[i]
			desc[i+22] += w * nb.f3[i]
		}
	}
	if weightSum > 0 {
		inv := 1 / (1 + weightSum)
		for i := range desc {
			desc[i] *= inv
		}
	}
	normalizeL2(desc)
	return desc
}

// ensureNormals returns the supplied normals if complete, the cloud's
// own if present, or freshly estimated PCA normals.
func ensureNormals(c *cloud.PointCloud, searcher index.Searcher, normals []cloud.Point, k int) ([]cloud.Point, error) {
	if len(normals) == c.Size() && c.Size() > 0 {
		return normals, nil
	}
	if c.HasNormals() {
		return c.Normals, nil
	}
	est := NormalEstimator{K: k}
	res, err := est.Estimate(c, searcher)
	if err != nil {
		return nil, err
	}
	return res.Normals, nil
}

func checkKeypoints(keypoints []int, size int) error {
	for _, kp := range keypoints {
		if kp < 0 || kp >= size {
			return fmt.Errorf("keypoint index %d out of range [0,%d): %w", kp, size, cloud.ErrInvalidInput)
		}
	}
	return nil
}
