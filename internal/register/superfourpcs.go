package register

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
)

// Super4PCS is 4PCS with smart candidate enumeration: instead of
// random target quadruples it grids the target samples into a voxel
// pair grid and extracts, for each source-base diagonal length d, only
// point pairs with separation in [d-eps, d+eps]. Candidate bases are
// assembled from compatible diagonal pairs.
type Super4PCS struct {
	FourPCS
	// GridResolution overrides the pair-grid cell size. Zero means
	// adaptive (about 5x the median nearest-neighbour distance).
	GridResolution float64
	// PairDistanceEpsilon is the half-width of the accepted distance
	// band. Zero means 2*Delta.
	PairDistanceEpsilon float64
	// MaxPairs caps pair extraction per diagonal. Zero means 100.
	MaxPairs int
}

func (s *Super4PCS) pairEpsilon() float64 {
	if s.PairDistanceEpsilon <= 0 {
		return 2 * s.Delta
	}
	return s.PairDistanceEpsilon
}

func (s *Super4PCS) maxPairs() int {
	if s.MaxPairs <= 0 {
		return 100
	}
	return s.MaxPairs
}

// Align runs the estimator.
func (s *Super4PCS) Align(source, target *cloud.PointCloud) (*Result, error) {
	if err := s.validate(source, target); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(s.Params.RandomSeed))
	srcSamples := samplePointIndices(source.Size(), s.sampleSize(), rng)
	dstSamples := samplePointIndices(target.Size(), s.sampleSize(), rng)

	resolution := s.GridResolution
	if resolution <= 0 {
		resolution = index.AdaptiveCellSize(target.Points, dstSamples)
		log.Printf("Super4PCS: adaptive grid resolution %.4f", resolution)
	}
	grid := index.NewPairGrid(target.Points, dstSamples, resolution)

	bases := s.extractCoplanarBases(source, srcSamples, rng)
	if len(bases) == 0 {
		return nil, fmt.Errorf("super4pcs: no valid coplanar bases: %w", cloud.ErrInsufficientSamples)
	}

	enumerate := func(b base4) []base4 {
		return s.gridCongruentSets(b, target, grid)
	}
	return s.search("Super4PCS", source, target, srcSamples, bases, enumerate)
}

// gridCongruentSets matches the two source diagonals against pair-grid
// bands and assembles 4-point candidates from compatible pairs.
func (s *Super4PCS) gridCongruentSets(srcBase base4, target *cloud.PointCloud, grid *index.PairGrid) []base4 {
	diag1 := srcBase.points[2].Dist(srcBase.points[0]) // AC
	diag2 := srcBase.points[3].Dist(srcBase.points[1]) // BD

	eps := s.pairEpsilon()
	pairs1 := grid.PairsInRange(diag1, eps, s.maxPairs())
	pairs2 := grid.PairsInRange(diag2, eps, s.maxPairs())

	coplanarTol := 2 * s.Delta
	var congruent []base4
	for _, p1 := range pairs1 {
		for _, p2 := range pairs2 {
			if p1.I == p2.I || p1.I == p2.J || p1.J == p2.I || p1.J == p2.J {
				continue
			}
			// Diagonal ends take the base slots A,C and B,D; both
			// orientations of the second diagonal are candidates.
			for _, ordering := range [2][4]int{
				{p1.I, p2.I, p1.J, p2.J},
				{p1.I, p2.J, p1.J, p2.I},
			} {
				var dstBase base4
				dstBase.indices = ordering
				for i, idx := range dstBase.indices {
					dstBase.points[i] = target.Points[idx]
				}
				if !coplanar(dstBase.points, coplanarTol) {
					continue
				}
				v1 := dstBase.points[1].Sub(dstBase.points[0])
				v2 := dstBase.points[2].Sub(dstBase.points[0])
				n := v1.Cross(v2)
				if n.Norm() < 1e-12 {
					continue
				}
				dstBase.normal = n.Normalize()
				if !computeInvariants(&dstBase) {
					continue
				}
				if math.Abs(srcBase.invariant1-dstBase.invariant1) < invariantTolerance &&
					math.Abs(srcBase.invariant2-dstBase.invariant2) < invariantTolerance {
					congruent = append(congruent, dstBase)
				}
			}
		}
	}
	return congruent
}
