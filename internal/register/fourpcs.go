package register

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/index"
	"github.com/banshee-data/cloudalign/internal/metrics"
)

// invariantTolerance bounds the affine-invariant mismatch accepted
// when matching bases. Empirical, carried over unchanged.
const invariantTolerance = 0.1

// base4 is a coplanar 4-point base with its plane and the two affine
// invariants of the diagonal intersection, preserved by any rigid
// transform.
type base4 struct {
	indices    [4]int
	points     [4]cloud.Point
	normal     cloud.Point
	invariant1 float64 // intersection parameter along AC
	invariant2 float64 // intersection parameter along BD
}

// FourPCS aligns two clouds without correspondences by extracting
// coplanar 4-point bases from the source and searching the target for
// congruent 4-sets, scoring each candidate transform with LCP.
type FourPCS struct {
	Params CoarseParams
	// Delta is the user precision: coplanarity tolerance is 2*Delta
	// and base points must be at least 10*Delta apart.
	Delta float64
	// Overlap is the expected overlap fraction in (0, 1].
	Overlap float64
	// SampleSize caps the per-cloud working subset. Zero means 500.
	SampleSize int
	// NumBases caps the number of source bases tried. Zero means 100.
	NumBases int
	// CandidateTries caps random target quadruples per base. Zero
	// means 1000.
	CandidateTries int
}

func (f *FourPCS) sampleSize() int {
	if f.SampleSize <= 0 {
		return 500
	}
	return f.SampleSize
}

func (f *FourPCS) numBases() int {
	if f.NumBases <= 0 {
		return 100
	}
	return f.NumBases
}

func (f *FourPCS) candidateTries() int {
	if f.CandidateTries <= 0 {
		return 1000
	}
	return f.CandidateTries
}

func (f *FourPCS) validate(source, target *cloud.PointCloud) error {
	if f.Delta <= 0 {
		return fmt.Errorf("4pcs: delta %v must be positive: %w", f.Delta, cloud.ErrParameter)
	}
	if f.Overlap <= 0 || f.Overlap > 1 {
		return fmt.Errorf("4pcs: overlap %v not in (0,1]: %w", f.Overlap, cloud.ErrParameter)
	}
	if err := validateCoarse(&f.Params, source, target); err != nil {
		return err
	}
	if source.Size() < 4 || target.Size() < 4 {
		return fmt.Errorf("4pcs: clouds need at least 4 points: %w", cloud.ErrInsufficientSamples)
	}
	return nil
}

// Align runs plain 4PCS with random candidate enumeration.
func (f *FourPCS) Align(source, target *cloud.PointCloud) (*Result, error) {
	if err := f.validate(source, target); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(f.Params.RandomSeed))
	srcSamples := samplePointIndices(source.Size(), f.sampleSize(), rng)
	dstSamples := samplePointIndices(target.Size(), f.sampleSize(), rng)

	bases := f.extractCoplanarBases(source, srcSamples, rng)
	if len(bases) == 0 {
		return nil, fmt.Errorf("4pcs: no valid coplanar bases: %w", cloud.ErrInsufficientSamples)
	}

	enumerate := func(b base4) []base4 {
		return f.randomCongruentSets(b, target, dstSamples, rng)
	}
	return f.search("4PCS", source, target, srcSamples, bases, enumerate)
}

// search evaluates candidate target bases for each source base and
// keeps the best by inlier count, then LCP score. Shared with
// Super4PCS, which plugs in a different enumerator.
func (f *FourPCS) search(name string, source, target *cloud.PointCloud, srcSamples []int, bases []base4, enumerate func(base4) []base4) (*Result, error) {
	tree := index.NewKDTree(target.Points)
	sampled := &cloud.PointCloud{Points: make([]cloud.Point, len(srcSamples))}
	for i, idx := range srcSamples {
		sampled.Points[i] = source.Points[idx]
	}

	result := &Result{Transform: cloud.Identity(), FitnessScore: math.Inf(1)}
	bestInliers := 0
	earlyStop := float64(len(srcSamples)) * f.Overlap * 0.9

	for baseIdx, srcBase := range bases {
		result.NumIterations = baseIdx + 1

		for _, dstBase := range enumerate(srcBase) {
			transform, err := EstimateRigidSVD(srcBase.points[:], dstBase.points[:])
			if err != nil {
				continue
			}
			score, inliers := metrics.LCPWithIndex(sampled, tree, transform, f.Params.InlierThreshold)
			if len(inliers) > bestInliers ||
				(len(inliers) == bestInliers && score < result.FitnessScore) {
				bestInliers = len(inliers)
				result.Transform = transform
				result.FitnessScore = score
				result.Inliers = remapInliers(inliers, srcSamples)
			}
		}

		if float64(bestInliers) >= earlyStop {
			log.Printf("%s: early stop after %d bases, %d inliers", name, baseIdx+1, bestInliers)
			result.Converged = true
			break
		}
	}

	if bestInliers < f.Params.MinInliers {
		result.Converged = false
		return result, fmt.Errorf("%s: best inlier count %d < %d: %w", name, bestInliers, f.Params.MinInliers, cloud.ErrInsufficientInliers)
	}

	if f.Params.RefineResult && bestInliers >= 3 {
		if refined, err := f.refine(source, tree, target, result); err == nil {
			result.Transform = refined
			score, inliers := metrics.LCPWithIndex(sampled, tree, refined, f.Params.InlierThreshold)
			result.FitnessScore = score
			result.Inliers = remapInliers(inliers, srcSamples)
			bestInliers = len(inliers)
		}
	}

	result.Converged = result.Converged || bestInliers >= f.Params.MinInliers
	log.Printf("%s: done, %d inliers, fitness %.6f", name, bestInliers, result.FitnessScore)
	return result, nil
}

// refine re-solves the alignment on the current inlier pairs
// (transformed source point to its nearest target).
func (f *FourPCS) refine(source *cloud.PointCloud, tree *index.KDTree, target *cloud.PointCloud, r *Result) (cloud.Transform, error) {
	src := make([]cloud.Point, 0, len(r.Inliers))
	dst := make([]cloud.Point, 0, len(r.Inliers))
	for _, idx := range r.Inliers {
		p := source.Points[idx]
		hits := tree.KNearest(r.Transform.Apply(p), 1)
		if len(hits) == 0 {
			continue
		}
		src = append(src, p)
		dst = append(dst, target.Points[hits[0].Index])
	}
	return EstimateRigidSVD(src, dst)
}

func remapInliers(inliers, samples []int) []int {
	out := make([]int, len(inliers))
	for i, idx := range inliers {
		out[i] = samples[idx]
	}
	return out
}

// samplePointIndices draws up to n distinct indices from [0, size).
// When n covers the whole cloud the identity ordering is used.
func samplePointIndices(size, n int, rng *rand.Rand) []int {
	all := make([]int, size)
	for i := range all {
		all[i] = i
	}
	if n >= size {
		return all
	}
	rng.Shuffle(size, func(a, b int) { all[a], all[b] = all[b], all[a] })
	return all[:n]
}

// extractCoplanarBases draws random 4-subsets of the sampled source
// until numBases valid bases are found: coplanar within 2*Delta,
// pairwise separated by at least 10*Delta.
func (f *FourPCS) extractCoplanarBases(source *cloud.PointCloud, samples []int, rng *rand.Rand) []base4 {
	var bases []base4
	if len(samples) < 4 {
		return bases
	}
	coplanarTol := 2 * f.Delta
	minSeparation := 10 * f.Delta
	maxAttempts := f.numBases() * 100

	for attempts := 0; len(bases) < f.numBases() && attempts < maxAttempts; attempts++ {
		var b base4
		if !pickDistinct(samples, b.indices[:], rng) {
			continue
		}
		for i, idx := range b.indices {
			b.points[i] = source.Points[idx]
		}
		if !coplanar(b.points, coplanarTol) {
			continue
		}

		tooClose := false
		for i := 0; i < 4 && !tooClose; i++ {
			for j := i + 1; j < 4; j++ {
				if b.points[i].Dist(b.points[j]) < minSeparation {
					tooClose = true
					break
				}
			}
		}
		if tooClose {
			continue
		}

		v1 := b.points[1].Sub(b.points[0])
		v2 := b.points[2].Sub(b.points[0])
		b.normal = v1.Cross(v2).Normalize()
		if !computeInvariants(&b) {
			continue
		}
		bases = append(bases, b)
	}
	return bases
}

func pickDistinct(pool []int, out []int, rng *rand.Rand) bool {
	used := make(map[int]bool, len(out))
	for i := range out {
		var pick int
		for tries := 0; ; tries++ {
			if tries > 100 {
				return false
			}
			pick = rng.Intn(len(pool))
			if !used[pick] {
				break
			}
		}
		used[pick] = true
		out[i] = pool[pick]
	}
	return true
}

// coplanar checks that the fourth point lies within tolerance of the
// plane spanned by the first three.
func coplanar(points [4]cloud.Point, tolerance float64) bool {
	v1 := points[1].Sub(points[0])
	v2 := points[2].Sub(points[0])
	normal := v1.Cross(v2)
	if normal.Norm() < 1e-12 {
		return false
	}
	normal = normal.Normalize()
	d := -normal.Dot(points[0])
	return math.Abs(normal.Dot(points[3])+d) <= tolerance
}

// computeInvariants solves for the intersection of the diagonals AC
// and BD: P0 + s*AC = P1 + t*BD, with the base normal as third column
// to keep the system non-singular.
func computeInvariants(b *base4) bool {
	ac := b.points[2].Sub(b.points[0])
	bd := b.points[3].Sub(b.points[1])

	a := mat.NewDense(3, 3, []float64{
		ac.X, -bd.X, b.normal.X,
		ac.Y, -bd.Y, b.normal.Y,
		ac.Z, -bd.Z, b.normal.Z,
	})
	rhs := b.points[1].Sub(b.points[0])

	var params mat.VecDense
	if err := params.SolveVec(a, mat.NewVecDense(3, []float64{rhs.X, rhs.Y, rhs.Z})); err != nil {
		return false
	}
	b.invariant1 = params.AtVec(0)
	b.invariant2 = params.AtVec(1)
	return true
}

// randomCongruentSets is the plain-4PCS enumerator: random target
// quadruples filtered by pairwise-distance multiset, coplanarity and
// the affine invariants.
func (f *FourPCS) randomCongruentSets(srcBase base4, target *cloud.PointCloud, dstSamples []int, rng *rand.Rand) []base4 {
	var congruent []base4
	if len(dstSamples) < 4 {
		return congruent
	}
	distanceTol := 2 * f.Delta

	var srcDists [6]float64
	edge := 0
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			srcDists[edge] = srcBase.points[i].Dist(srcBase.points[j])
			edge++
		}
	}

	for try := 0; try < f.candidateTries(); try++ {
		var dstBase base4
		if !pickDistinct(dstSamples, dstBase.indices[:], rng) {
			continue
		}
		for i, idx := range dstBase.indices {
			dstBase.points[i] = target.Points[idx]
		}
		if !coplanar(dstBase.points, distanceTol) {
			continue
		}

		var dstDists [6]float64
		edge = 0
		for i := 0; i < 4; i++ {
			for j := i + 1; j < 4; j++ {
				dstDists[edge] = dstBase.points[i].Dist(dstBase.points[j])
				edge++
			}
		}
		if !distanceMultisetMatch(srcDists, dstDists, distanceTol) {
			continue
		}

		v1 := dstBase.points[1].Sub(dstBase.points[0])
		v2 := dstBase.points[2].Sub(dstBase.points[0])
		dstBase.normal = v1.Cross(v2).Normalize()
		if !computeInvariants(&dstBase) {
			continue
		}
		if math.Abs(srcBase.invariant1-dstBase.invariant1) < invariantTolerance &&
			math.Abs(srcBase.invariant2-dstBase.invariant2) < invariantTolerance {
			congruent = append(congruent, dstBase)
		}
	}
	return congruent
}

// distanceMultisetMatch checks every source edge length has some
// target edge within tolerance.
func distanceMultisetMatch(src, dst [6]float64, tolerance float64) bool {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if math.Abs(s-d) < tolerance {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
