// Package filters provides pure data-reduction passes over point
// clouds: voxel-grid downsampling and seeded random downsampling.
// Each filter satisfies the Filter(cloud) -> cloud contract and never
// mutates its input.
package filters

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

// Filter reduces a cloud to a smaller cloud.
type Filter interface {
	Filter(c *cloud.PointCloud) (*cloud.PointCloud, error)
}

// VoxelGrid replaces all points in each occupied voxel with their
// centroid. Output order follows sorted voxel keys, so results are
// deterministic regardless of input order.
type VoxelGrid struct {
	// CellSize is the voxel edge length. Must be positive.
	CellSize float64
}

// Filter applies the grid reduction.
func (v *VoxelGrid) Filter(c *cloud.PointCloud) (*cloud.PointCloud, error) {
	if v.CellSize <= 0 {
		return nil, fmt.Errorf("voxel cell size %v must be positive: %w", v.CellSize, cloud.ErrParameter)
	}
	if err := c.Validate(false); err != nil {
		return nil, err
	}
	if c.Empty() {
		return &cloud.PointCloud{Intensity: c.Intensity}, nil
	}

	origin := c.Points[0]
	for _, p := range c.Points {
		origin.X = math.Min(origin.X, p.X)
		origin.Y = math.Min(origin.Y, p.Y)
		origin.Z = math.Min(origin.Z, p.Z)
	}

	type acc struct {
		sum   cloud.Point
		count int
	}
	cells := make(map[[3]int]*acc)
	for _, p := range c.Points {
		key := [3]int{
			int(math.Floor((p.X - origin.X) / v.CellSize)),
			int(math.Floor((p.Y - origin.Y) / v.CellSize)),
			int(math.Floor((p.Z - origin.Z) / v.CellSize)),
		}
		a, ok := cells[key]
		if !ok {
			a = &acc{}
			cells[key] = a
		}
		a.sum = a.sum.Add(p)
		a.count++
	}

	keys := make([][3]int, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[2] < b[2]
	})

	out := cloud.New(len(keys))
	out.Intensity = c.Intensity
	for _, k := range keys {
		a := cells[k]
		out.Append(a.sum.Scale(1 / float64(a.count)))
	}
	return out, nil
}

// Random keeps a seeded uniform sample of the points, without
// replacement, preserving the relative input order of the survivors.
// Normals and colors follow their points.
type Random struct {
	// KeepRatio is the fraction of points to keep, in (0, 1].
	KeepRatio float64
	// Seed drives the sample; the same seed always keeps the same
	// points.
	Seed int64
}

// Filter applies the random reduction.
func (r *Random) Filter(c *cloud.PointCloud) (*cloud.PointCloud, error) {
	if r.KeepRatio <= 0 || r.KeepRatio > 1 {
		return nil, fmt.Errorf("keep ratio %v not in (0,1]: %w", r.KeepRatio, cloud.ErrParameter)
	}
	if err := c.Validate(false); err != nil {
		return nil, err
	}
	n := c.Size()
	keep := int(math.Round(r.KeepRatio * float64(n)))
	if keep >= n {
		return c.Clone(), nil
	}

	rng := rand.New(rand.NewSource(r.Seed))
	picks := rng.Perm(n)[:keep]
	sort.Ints(picks)

	out := cloud.New(keep)
	out.Intensity = c.Intensity
	hasNormals := c.HasNormals()
	hasColors := len(c.Colors) == n
	for _, idx := range picks {
		out.Append(c.Points[idx])
		if hasNormals {
			out.Normals = append(out.Normals, c.Normals[idx])
		}
		if hasColors {
			out.Colors = append(out.Colors, c.Colors[idx])
		}
	}
	return out, nil
}
