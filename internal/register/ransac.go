package register

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/correspond"
	"github.com/banshee-data/cloudalign/internal/pool"
)

// Convergence window shared by the sampling estimators: stop when the
// best inlier count has improved by less than half an inlier per
// iteration and less than 1% relative over the last 20 iterations.
const (
	convergenceWindow         = 20
	minAvgImprovementPerIter  = 0.5
	minRelativeImprovement    = 0.01
	ransacDefaultOutlierRatio = 0.5
)

// RANSAC estimates a rigid transform from putative correspondences by
// repeated minimal sampling. The iteration budget adapts to the
// current outlier-rate estimate and the loop stops early on a high
// inlier ratio or a stalled sliding window.
type RANSAC struct {
	Params CoarseParams
	// SampleSize is the minimal sample, at least 3. Zero means 3.
	SampleSize int
}

func (r *RANSAC) sampleSize() int {
	if r.SampleSize < 3 {
		return 3
	}
	return r.SampleSize
}

// Align runs the estimator. On an insufficient-inlier outcome the
// best-so-far transform is still returned, with Converged=false,
// alongside the error.
func (r *RANSAC) Align(source, target *cloud.PointCloud, corrs []correspond.Correspondence) (*Result, error) {
	if err := validateCoarse(&r.Params, source, target); err != nil {
		return nil, err
	}
	m := r.sampleSize()
	if len(corrs) < m {
		return nil, fmt.Errorf("ransac: %d correspondences < sample size %d: %w", len(corrs), m, cloud.ErrInsufficientSamples)
	}

	rng := rand.New(rand.NewSource(r.Params.RandomSeed))

	outlierRatio := ransacDefaultOutlierRatio
	iterations := minInt(r.Params.MaxIterations, adaptiveIterations(outlierRatio, r.Params.Confidence, m, r.Params.MaxIterations))

	result := &Result{Transform: cloud.Identity(), FitnessScore: math.Inf(1)}
	var best []int
	bestCount := 0
	history := make([]int, 0, convergenceWindow)

	indices := make([]int, len(corrs))
	for i := range indices {
		indices[i] = i
	}
	sample := make([]correspond.Correspondence, m)

	for iter := 0; iter < iterations; iter++ {
		result.NumIterations = iter + 1

		sampleWithoutReplacement(indices, sample, corrs, rng)
		if !sampleValid(source, sample) {
			history = slideWindow(history, bestCount)
			continue
		}

		transform, err := estimateFromCorrs(source, target, sample)
		if err != nil {
			history = slideWindow(history, bestCount)
			continue
		}

		inliers := countInliers(source, target, corrs, transform, r.Params.InlierThreshold, r.Params.Parallel)
		if len(inliers) > bestCount {
			result.Transform = transform
			best = inliers
			bestCount = len(inliers)

			outlierRatio = float64(len(corrs)-bestCount) / float64(len(corrs))
			iterations = minInt(r.Params.MaxIterations, adaptiveIterations(outlierRatio, r.Params.Confidence, m, r.Params.MaxIterations))

			if float64(bestCount)/float64(len(corrs)) >= r.Params.earlyStop() {
				log.Printf("RANSAC: early stop at iteration %d, inlier ratio %.3f", iter+1, float64(bestCount)/float64(len(corrs)))
				break
			}
		}

		history = slideWindow(history, bestCount)
		if windowConverged(history) {
			result.Converged = true
			break
		}
	}

	return finishSampling("RANSAC", r.Params, source, target, corrs, result, best, bestCount, m)
}

// finishSampling applies the shared tail of RANSAC and PROSAC: the
// min-inlier gate, the optional all-inlier refinement, and the final
// fitness score.
func finishSampling(name string, p CoarseParams, source, target *cloud.PointCloud, corrs []correspond.Correspondence, result *Result, best []int, bestCount, sampleSize int) (*Result, error) {
	if bestCount < p.MinInliers {
		result.Converged = false
		result.Inliers = best
		return result, fmt.Errorf("%s: best inlier count %d < %d: %w", name, bestCount, p.MinInliers, cloud.ErrInsufficientInliers)
	}

	if p.RefineResult && bestCount >= sampleSize {
		refined, err := refineFromInliers(source, target, corrs, best)
		if err == nil {
			result.Transform = refined
			best = countInliers(source, target, corrs, refined, p.InlierThreshold, p.Parallel)
			bestCount = len(best)
		}
	}

	result.Inliers = best
	result.FitnessScore = corrFitness(source, target, corrs, result.Transform, best)
	result.Converged = result.Converged || bestCount >= p.MinInliers
	log.Printf("%s: %d/%d inliers in %d iterations, fitness %.6f", name, bestCount, len(corrs), result.NumIterations, result.FitnessScore)
	return result, nil
}

func validateCoarse(p *CoarseParams, source, target *cloud.PointCloud) error {
	if p.MaxIterations <= 0 {
		return fmt.Errorf("max iterations %d must be positive: %w", p.MaxIterations, cloud.ErrParameter)
	}
	if p.InlierThreshold <= 0 {
		return fmt.Errorf("inlier threshold %v must be positive: %w", p.InlierThreshold, cloud.ErrParameter)
	}
	if p.Confidence <= 0 || p.Confidence >= 1 {
		return fmt.Errorf("confidence %v not in (0,1): %w", p.Confidence, cloud.ErrParameter)
	}
	if err := source.Validate(true); err != nil {
		return err
	}
	return target.Validate(true)
}

// adaptiveIterations is the standard RANSAC budget
// N = log(1-p) / log(1-(1-e)^s).
func adaptiveIterations(outlierRatio, confidence float64, sampleSize, maxIterations int) int {
	if outlierRatio <= 0 || outlierRatio >= 1 {
		return maxIterations
	}
	success := math.Pow(1-outlierRatio, float64(sampleSize))
	if success <= 0 || success >= 1 {
		return maxIterations
	}
	n := math.Log(1-confidence) / math.Log(1-success)
	if math.IsNaN(n) || n > float64(maxIterations) {
		return maxIterations
	}
	return int(math.Ceil(n))
}

// sampleWithoutReplacement draws len(sample) distinct correspondences
// via a partial Fisher-Yates over the index slice.
func sampleWithoutReplacement(indices []int, sample []correspond.Correspondence, corrs []correspond.Correspondence, rng *rand.Rand) {
	n := len(indices)
	for i := range sample {
		j := i + rng.Intn(n-i)
		indices[i], indices[j] = indices[j], indices[i]
		sample[i] = corrs[indices[i]]
	}
}

// sampleValid rejects duplicate source/destination indices and
// collinear source triples.
func sampleValid(source *cloud.PointCloud, sample []correspond.Correspondence) bool {
	for i := range sample {
		for j := i + 1; j < len(sample); j++ {
			if sample[i].SrcIndex == sample[j].SrcIndex || sample[i].DstIndex == sample[j].DstIndex {
				return false
			}
		}
	}
	if len(sample) >= 3 {
		a := source.Points[sample[0].SrcIndex]
		b := source.Points[sample[1].SrcIndex]
		c := source.Points[sample[2].SrcIndex]
		if collinear(a, b, c) {
			return false
		}
	}
	return true
}

func estimateFromCorrs(source, target *cloud.PointCloud, sample []correspond.Correspondence) (cloud.Transform, error) {
	src := make([]cloud.Point, len(sample))
	dst := make([]cloud.Point, len(sample))
	for i, c := range sample {
		src[i] = source.Points[c.SrcIndex]
		dst[i] = target.Points[c.DstIndex]
	}
	return EstimateRigidSVD(src, dst)
}

func refineFromInliers(source, target *cloud.PointCloud, corrs []correspond.Correspondence, inliers []int) (cloud.Transform, error) {
	src := make([]cloud.Point, len(inliers))
	dst := make([]cloud.Point, len(inliers))
	for i, idx := range inliers {
		src[i] = source.Points[corrs[idx].SrcIndex]
		dst[i] = target.Points[corrs[idx].DstIndex]
	}
	return EstimateRigidSVD(src, dst)
}

// countInliers returns the indices of correspondences whose
// transformed source lands within threshold of its destination. The
// parallel path buckets hits per task and concatenates in task order,
// so the output is index-sorted either way.
func countInliers(source, target *cloud.PointCloud, corrs []correspond.Correspondence, transform cloud.Transform, threshold float64, parallel bool) []int {
	thresholdSq := threshold * threshold
	if !parallel {
		var inliers []int
		for i, c := range corrs {
			if transform.Apply(source.Points[c.SrcIndex]).SquaredDist(target.Points[c.DstIndex]) <= thresholdSq {
				inliers = append(inliers, i)
			}
		}
		return inliers
	}

	buckets := make([][]int, pool.Workers())
	pool.ParallelFor(len(corrs), func(start, end, taskID int) {
		var local []int
		for i := start; i < end; i++ {
			c := corrs[i]
			if transform.Apply(source.Points[c.SrcIndex]).SquaredDist(target.Points[c.DstIndex]) <= thresholdSq {
				local = append(local, i)
			}
		}
		buckets[taskID] = local
	})
	var inliers []int
	for _, b := range buckets {
		inliers = append(inliers, b...)
	}
	return inliers
}

// corrFitness is the mean residual of the inlier correspondences
// under the transform; +Inf with no inliers.
func corrFitness(source, target *cloud.PointCloud, corrs []correspond.Correspondence, transform cloud.Transform, inliers []int) float64 {
	if len(inliers) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, idx := range inliers {
		c := corrs[idx]
		sum += transform.Apply(source.Points[c.SrcIndex]).Dist(target.Points[c.DstIndex])
	}
	return sum / float64(len(inliers))
}

func slideWindow(history []int, best int) []int {
	history = append(history, best)
	if len(history) > convergenceWindow {
		history = history[1:]
	}
	return history
}

func windowConverged(history []int) bool {
	if len(history) < convergenceWindow {
		return false
	}
	improvement := history[len(history)-1] - history[0]
	avg := float64(improvement) / float64(convergenceWindow-1)
	rel := 0.0
	if history[0] > 0 {
		rel = float64(improvement) / float64(history[0])
	}
	return avg < minAvgImprovementPerIter && rel < minRelativeImprovement
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
