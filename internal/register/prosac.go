package register

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/correspond"
)

// PROSAC estimates a rigid transform like RANSAC but samples
// progressively from a quality-ordered prefix of the correspondences,
// so that with a meaningful ordering it terminates in far fewer
// iterations. Input must be sorted best-first (the correspondence
// generator's output order) or accompanied by SortedIndices.
type PROSAC struct {
	Params CoarseParams
	// SampleSize is the minimal sample, at least 3. Zero means 3.
	SampleSize int
	// SortedIndices optionally permutes the correspondences into
	// quality order. Empty means already sorted.
	SortedIndices []int
	// InitialInlierRatio seeds the T_n schedule. Zero means 0.1.
	InitialInlierRatio float64
	// NonRandomnessThreshold bounds the probability that the observed
	// inlier count arose from a random pool. Zero means 0.05.
	NonRandomnessThreshold float64
}

func (p *PROSAC) sampleSize() int {
	if p.SampleSize < 3 {
		return 3
	}
	return p.SampleSize
}

func (p *PROSAC) initialInlierRatio() float64 {
	if p.InitialInlierRatio <= 0 {
		return 0.1
	}
	return p.InitialInlierRatio
}

func (p *PROSAC) nonRandomness() float64 {
	if p.NonRandomnessThreshold <= 0 {
		return 0.05
	}
	return p.NonRandomnessThreshold
}

// Align runs the estimator.
func (p *PROSAC) Align(source, target *cloud.PointCloud, corrs []correspond.Correspondence) (*Result, error) {
	if err := validateCoarse(&p.Params, source, target); err != nil {
		return nil, err
	}
	m := p.sampleSize()
	if len(corrs) < m {
		return nil, fmt.Errorf("prosac: %d correspondences < sample size %d: %w", len(corrs), m, cloud.ErrInsufficientSamples)
	}
	if len(p.SortedIndices) != 0 && len(p.SortedIndices) != len(corrs) {
		return nil, fmt.Errorf("prosac: sorted indices length %d != correspondences %d: %w", len(p.SortedIndices), len(corrs), cloud.ErrInvalidInput)
	}

	ranked := corrs
	if len(p.SortedIndices) > 0 {
		ranked = make([]correspond.Correspondence, len(corrs))
		for i, idx := range p.SortedIndices {
			ranked[i] = corrs[idx]
		}
	}

	schedule := prosacSchedule(len(ranked), m, p.initialInlierRatio())
	rng := rand.New(rand.NewSource(p.Params.RandomSeed))

	result := &Result{Transform: cloud.Identity(), FitnessScore: math.Inf(1)}
	var best []int
	bestCount := 0
	history := make([]int, 0, convergenceWindow)

	n := m // current sampling pool size
	sample := make([]correspond.Correspondence, m)
	scratch := make([]int, 0, len(ranked))

	t := 0
	for t < p.Params.MaxIterations {
		if t == schedule[n-1] && n < len(ranked) {
			n++
		}

		p.progressiveSample(sample, ranked, n, t, schedule, rng, &scratch)
		if !sampleValid(source, sample) {
			t++
			history = slideWindow(history, bestCount)
			continue
		}

		transform, err := estimateFromCorrs(source, target, sample)
		if err != nil {
			t++
			history = slideWindow(history, bestCount)
			continue
		}

		inliers := countInliers(source, target, ranked, transform, p.Params.InlierThreshold, p.Params.Parallel)
		improved := false
		if len(inliers) > bestCount {
			improved = true
			result.Transform = transform
			best = inliers
			bestCount = len(inliers)

			ratio := float64(bestCount) / float64(len(ranked))
			if ratio >= p.Params.earlyStop() {
				log.Printf("PROSAC: early stop at iteration %d, inlier ratio %.3f", t+1, ratio)
				t++
				break
			}
			if p.checkNonRandomness(bestCount, n, m) {
				log.Printf("PROSAC: non-randomness criterion met at iteration %d", t+1)
				result.Converged = true
				t++
				break
			}
		}

		if bestCount >= p.Params.MinInliers && checkMaximality(bestCount, n, t, m, p.Params.Confidence) {
			log.Printf("PROSAC: maximality criterion met at iteration %d", t+1)
			result.Converged = true
			t++
			break
		}

		history = slideWindow(history, bestCount)
		if !improved && windowConverged(history) {
			result.Converged = true
			t++
			break
		}
		t++
	}
	result.NumIterations = t

	res, err := finishSampling("PROSAC", p.Params, source, target, ranked, result, best, bestCount, m)
	if err != nil {
		return res, err
	}
	// Inlier indices refer to the ranked order; map back to the
	// caller's ordering when a permutation was supplied.
	if len(p.SortedIndices) > 0 {
		for i, idx := range res.Inliers {
			res.Inliers[i] = p.SortedIndices[idx]
		}
	}
	return res, nil
}

// prosacSchedule precomputes the iteration thresholds T'_n at which
// the sampling pool grows to n. The recurrence
// T_{n+1} = T_n + ceil(T_m (n+1-m) / (m C(n+1,m)))-style increment is
// evaluated in log space so the binomial factors never overflow.
func prosacSchedule(numCorrs, m int, initialInlierRatio float64) []int {
	schedule := make([]int, numCorrs)
	tm := float64(numCorrs) * math.Pow(1-initialInlierRatio, float64(m))

	for i := 0; i < m && i < numCorrs; i++ {
		schedule[i] = 1
	}
	for n := m + 1; n <= numCorrs; n++ {
		logNum := math.Log(float64(n-m)) + math.Log(tm)
		logDen := math.Log(float64(m))
		for i := 0; i < m; i++ {
			logDen += math.Log(float64(n-i)) - math.Log(float64(m-i))
		}
		increment := math.Exp(logNum - logDen)
		prev := schedule[n-2]
		next := prev + int(math.Ceil(increment))
		if next < prev { // overflow guard
			next = math.MaxInt64 / 2
		}
		schedule[n-1] = next
	}
	return schedule
}

// progressiveSample draws the PROSAC sample at iteration t with pool
// size n: before T'_n, m uniform draws from the top n; afterwards the
// nth correspondence plus m-1 draws from the top n-1.
func (p *PROSAC) progressiveSample(sample, ranked []correspond.Correspondence, n, t int, schedule []int, rng *rand.Rand, scratch *[]int) {
	idx := (*scratch)[:0]
	if t >= schedule[n-1] {
		sample[0] = ranked[n-1]
		for i := 0; i < n-1; i++ {
			idx = append(idx, i)
		}
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		for i := 0; i < len(sample)-1; i++ {
			sample[i+1] = ranked[idx[i]]
		}
	} else {
		for i := 0; i < n; i++ {
			idx = append(idx, i)
		}
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		for i := range sample {
			sample[i] = ranked[idx[i]]
		}
	}
	*scratch = idx
}

// checkNonRandomness tests whether the observed inlier count could
// plausibly arise from a purely random pool of size n, using the beta
// tail probability evaluated in log space.
func (p *PROSAC) checkNonRandomness(inlierCount, n, m int) bool {
	pGood := 1.0
	for j := m; j <= inlierCount; j++ {
		beta := logBeta(j, m, n)
		pGood *= 1 - math.Exp(beta)
	}
	pGood = 1 - pGood
	return pGood < p.nonRandomness()
}

// logBeta is ln beta(i, m, n) = ln(i * C(i-1, m-1) / C(n, m)).
func logBeta(i, m, n int) float64 {
	if i < m || i > n {
		return math.Inf(-1)
	}
	lb := math.Log(float64(i))
	lb += logChoose(i-1, m-1)
	lb -= logChoose(n, m)
	return lb
}

func logChoose(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	lg, _ := math.Lgamma(float64(n + 1))
	lk, _ := math.Lgamma(float64(k + 1))
	lnk, _ := math.Lgamma(float64(n - k + 1))
	return lg - lk - lnk
}

// checkMaximality reports whether the expected number of iterations
// needed to beat the current model exceeds the iterations already
// spent.
func checkMaximality(inlierCount, n, t, m int, confidence float64) bool {
	ratio := float64(inlierCount) / float64(n)
	if ratio <= 0 {
		return false
	}
	pBetter := math.Pow(ratio, float64(m))
	if pBetter <= 0 {
		return true
	}
	if pBetter >= 1 {
		return true
	}
	kMax := math.Log(1-confidence) / math.Log(1-pBetter)
	return float64(t) >= kMax
}
