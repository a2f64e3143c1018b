package features

import (
	"fmt"
	"math"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
	"github.com/banshee-data/cloudalign/internal/pool"
)

// SHOT spatial grid: 2 radial shells x 2 elevation halves x 8 azimuth
// sectors, an 11-bin cosine histogram inside each.
const (
	shotRadialBins    = 2
	shotElevationBins = 2
	shotAzimuthBins   = 8
	shotValueBins     = 11
)

// SHOTExtractor produces 352-bin Signatures of Histograms of
// Orientations. Each keypoint gets a weighted-covariance local
// reference frame; neighbours are binned by their LRF position, and
// inside each spatial bin an 11-bin histogram of cos(angle) between
// the neighbour normal and the LRF z-axis accumulates with linear
// interpolation across adjacent spatial and value bins.
type SHOTExtractor struct {
	SearchRadius float64
	MaxNeighbors int
}

// Extract computes one descriptor per keypoint. SHOT requires normals:
// either passed explicitly or present on the cloud.
func (e *SHOTExtractor) Extract(c *cloud.PointCloud, searcher index.Searcher, keypoints []int, normals []cloud.Point) ([]Signature, error) {
	if e.SearchRadius <= 0 {
		return nil, fmt.Errorf("shot search radius must be positive: %w", cloud.ErrParameter)
	}
	if e.MaxNeighbors <= 0 {
		return nil, fmt.Errorf("shot max neighbors must be positive: %w", cloud.ErrParameter)
	}
	if err := c.Validate(true); err != nil {
		return nil, err
	}
	if err := checkKeypoints(keypoints, c.Size()); err != nil {
		return nil, err
	}
	if len(normals) != c.Size() {
		if !c.HasNormals() {
			return nil, fmt.Errorf("shot needs per-point normals: %w", cloud.ErrMissingNormals)
		}
		normals = c.Normals
	}

	descriptors := make([]Signature, len(keypoints))
	pool.ParallelFor(len(keypoints), func(start, end, _ int) {
		for i := start; i < end; i++ {
			kp := keypoints[i]
			hood := trimmedRadius(searcher, c.Points[kp], e.SearchRadius, e.MaxNeighbors)
			descriptors[i] = e.describe(c.Points, normals, kp, hood)
		}
	})
	return descriptors, nil
}

func (e *SHOTExtractor) describe(points, normals []cloud.Point, kp int, hood index.NeighborSet) Signature {
	desc := make(Signature, SHOTSize)
	frame, ok := computeLRF(points, points[kp], hood, e.SearchRadius)
	if !ok {
		return desc
	}

	for _, h := range hood {
		if h.Index == kp || h.Dist <= 0 {
			continue
		}
		local := frame.ToLocal(points[h.Index].Sub(points[kp]))
		d := h.Dist

		cosine := clamp(normals[h.Index].Dot(frame.Z), -1, 1)

		// Continuous bin coordinates; each dimension contributes a
		// linear split between its two adjacent bins.
		valuePos := (cosine + 1) / 2 * shotValueBins
		radialPos := d / e.SearchRadius * shotRadialBins
		elevPos := (local.Z/d + 1) / 2 * shotElevationBins
		azimuth := math.Atan2(local.Y, local.X) // [-pi, pi]
		azimuthPos := (azimuth + math.Pi) / (2 * math.Pi) * shotAzimuthBins

		for _, vb := range splitLinear(valuePos, shotValueBins, false) {
			for _, rb := range splitLinear(radialPos, shotRadialBins, false) {
				for _, eb := range splitLinear(elevPos, shotElevationBins, false) {
					for _, ab := range splitLinear(azimuthPos, shotAzimuthBins, true) {
						w := vb.w * rb.w * eb.w * ab.w
						if w <= 0 {
							continue
						}
						spatial := (ab.bin*shotElevationBins+eb.bin)*shotRadialBins + rb.bin
						desc[spatial*shotValueBins+vb.bin] += w
					}
				}
			}
		}
	}
	normalizeL2(desc)
	return desc
}

type binWeight struct {
	bin int
	w   float64
}

// splitLinear distributes unit weight between the two bins adjacent to
// the continuous position pos in [0, n]. Azimuth wraps; the other
// dimensions clamp at their boundary bins.
func splitLinear(pos float64, n int, wrap bool) [2]binWeight {
	centre := pos - 0.5
	lo := int(math.Floor(centre))
	frac := centre - float64(lo)
	hi := lo + 1

	if wrap {
		lo = ((lo % n) + n) % n
		hi = ((hi % n) + n) % n
	} else {
		if lo < 0 {
			lo, hi, frac = 0, 0, 0
		} else if hi >= n {
			lo, hi, frac = n-1, n-1, 0
		}
	}
	return [2]binWeight{{bin: lo, w: 1 - frac}, {bin: hi, w: frac}}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
