package index

import (
	"math"
	"sort"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

// PairGrid buckets a sampled subset of a cloud into cubic voxels so
// that all point pairs whose distance falls inside a band [d-eps, d+eps]
// can be enumerated without the O(n²) all-pairs scan. Built once per
// alignment; immutable during search.
type PairGrid struct {
	points   []cloud.Point
	indices  []int // cloud indices of the gridded subset
	cellSize float64
	min      cloud.Point
	cells    map[[3]int][]int // cell key -> positions into indices
}

// Pair is a point pair drawn from the gridded subset, with the cloud
// indices of both ends and their Euclidean separation.
type Pair struct {
	I, J int
	Dist float64
}

// NewPairGrid grids the subset of points named by indices using the
// given cell size. A non-positive cell size or empty subset yields an
// empty grid.
func NewPairGrid(points []cloud.Point, indices []int, cellSize float64) *PairGrid {
	g := &PairGrid{
		points:   points,
		indices:  indices,
		cellSize: cellSize,
		cells:    make(map[[3]int][]int),
	}
	if cellSize <= 0 || len(indices) == 0 {
		return g
	}

	g.min = points[indices[0]]
	for _, idx := range indices {
		p := points[idx]
		g.min.X = math.Min(g.min.X, p.X)
		g.min.Y = math.Min(g.min.Y, p.Y)
		g.min.Z = math.Min(g.min.Z, p.Z)
	}
	// One-cell margin keeps boundary points off negative keys.
	g.min = g.min.Sub(cloud.Point{X: cellSize, Y: cellSize, Z: cellSize})

	for pos, idx := range indices {
		key := g.key(points[idx])
		g.cells[key] = append(g.cells[key], pos)
	}
	return g
}

func (g *PairGrid) key(p cloud.Point) [3]int {
	return [3]int{
		int(math.Floor((p.X - g.min.X) / g.cellSize)),
		int(math.Floor((p.Y - g.min.Y) / g.cellSize)),
		int(math.Floor((p.Z - g.min.Z) / g.cellSize)),
	}
}

// AdaptiveCellSize returns roughly five times the median distance from
// each subset point to its nearest other point in the full points
// slice, the resolution at which a distance band maps to a thin shell
// of cells.
func AdaptiveCellSize(points []cloud.Point, indices []int) float64 {
	if len(indices) < 2 {
		return 1
	}
	tree := NewKDTree(points)
	nn := make([]float64, 0, len(indices))
	for _, idx := range indices {
		hits := tree.KNearest(points[idx], 2)
		if len(hits) >= 2 {
			nn = append(nn, hits[1].Dist)
		}
	}
	if len(nn) == 0 {
		return 1
	}
	sort.Float64s(nn)
	med := nn[len(nn)/2]
	if med <= 0 {
		return 1
	}
	return 5 * med
}

// PairsInRange enumerates pairs with separation in [dist-eps, dist+eps],
// visiting only cell pairs whose inter-cell distance band intersects
// the target band. Cells are walked in sorted key order and the j end
// never precedes the i end, so the enumeration is deterministic and
// free of duplicates. At most maxPairs pairs are returned.
func (g *PairGrid) PairsInRange(dist, eps float64, maxPairs int) []Pair {
	if len(g.cells) == 0 || dist <= 0 || maxPairs <= 0 {
		return nil
	}
	minD, maxD := dist-eps, dist+eps
	if minD < 0 {
		minD = 0
	}
	reach := int(math.Ceil(maxD / g.cellSize))

	keys := make([][3]int, 0, len(g.cells))
	for k := range g.cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a][0] != keys[b][0] {
			return keys[a][0] < keys[b][0]
		}
		if keys[a][1] != keys[b][1] {
			return keys[a][1] < keys[b][1]
		}
		return keys[a][2] < keys[b][2]
	})

	var pairs []Pair
	for _, center := range keys {
		centerPts := g.cells[center]
		for dx := -reach; dx <= reach; dx++ {
			for dy := -reach; dy <= reach; dy++ {
				for dz := -reach; dz <= reach; dz++ {
					nk := [3]int{center[0] + dx, center[1] + dy, center[2] + dz}
					// Skip cells that precede the centre so each
					// unordered cell pair is visited once.
					if less(nk, center) {
						continue
					}
					// Skip cells whose separation range from the centre
					// cell cannot meet [minD, maxD].
					var near2, far2 float64
					for _, off := range [3]int{dx, dy, dz} {
						if off < 0 {
							off = -off
						}
						lo := 0.0
						if off > 0 {
							lo = float64(off-1) * g.cellSize
						}
						hi := float64(off+1) * g.cellSize
						near2 += lo * lo
						far2 += hi * hi
					}
					if near2 > maxD*maxD || far2 < minD*minD {
						continue
					}
					other, ok := g.cells[nk]
					if !ok {
						continue
					}
					same := nk == center
					for ci, pi := range centerPts {
						startJ := 0
						if same {
							startJ = ci + 1
						}
						for _, pj := range other[startJ:] {
							a := g.points[g.indices[pi]]
							bpt := g.points[g.indices[pj]]
							d := a.Dist(bpt)
							if d < minD || d > maxD {
								continue
							}
							pairs = append(pairs, Pair{I: g.indices[pi], J: g.indices[pj], Dist: d})
							if len(pairs) >= maxPairs {
								return pairs
							}
						}
					}
				}
			}
		}
	}
	return pairs
}

func less(a, b [3]int) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	if a[1] != b[1] {
		return a[1] < b[1]
	}
	return a[2] < b[2]
}
