package correspond

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/features"
)

func randomDescriptors(n, dim int, seed int64) []features.Signature {
	rng := rand.New(rand.NewSource(seed))
	out := make([]features.Signature, n)
	for i := range out {
		s := make(features.Signature, dim)
		for j := range s {
			s[j] = rng.Float64()
		}
		out[i] = s
	}
	return out
}

func identityKeypoints(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestGenerateIdenticalDescriptorsMatchOneToOne(t *testing.T) {
	descs := randomDescriptors(30, 33, 1)
	kp := identityKeypoints(30)

	corrs, err := Generate(descs, descs, kp, kp, Params{Ratio: 0.8, MutualVerification: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(corrs) != 30 {
		t.Fatalf("got %d correspondences, want 30", len(corrs))
	}
	for _, c := range corrs {
		if c.SrcIndex != c.DstIndex {
			t.Errorf("src %d matched dst %d, want itself", c.SrcIndex, c.DstIndex)
		}
		if c.Distance != 0 {
			t.Errorf("self match distance %g, want 0", c.Distance)
		}
	}
}

func TestGenerateSortedByDistance(t *testing.T) {
	src := randomDescriptors(40, 16, 2)
	dst := randomDescriptors(50, 16, 3)
	corrs, err := Generate(src, dst, identityKeypoints(40), identityKeypoints(50), Params{Ratio: 0.95})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !sort.SliceIsSorted(corrs, func(i, j int) bool { return corrs[i].Distance < corrs[j].Distance }) {
		// Equal distances may interleave; check non-strict ordering.
		for i := 1; i < len(corrs); i++ {
			if corrs[i].Distance < corrs[i-1].Distance {
				t.Fatalf("output not sorted by distance at %d", i)
			}
		}
	}
}

func TestGenerateRatioTestFilters(t *testing.T) {
	// One source descriptor with two near-equal destination matches:
	// the ratio test must reject it.
	src := []features.Signature{{1, 0}}
	dst := []features.Signature{{1, 0.01}, {1, -0.01}}

	corrs, err := Generate(src, dst, []int{0}, []int{0, 1}, Params{Ratio: 0.8})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(corrs) != 0 {
		t.Errorf("ambiguous match survived the ratio test: %+v", corrs)
	}
}

func TestGenerateSingleDestinationKeptUnconditionally(t *testing.T) {
	src := []features.Signature{{1, 0}}
	dst := []features.Signature{{0, 1}}
	corrs, err := Generate(src, dst, []int{0}, []int{0}, Params{Ratio: 0.5})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(corrs) != 1 {
		t.Errorf("single-candidate match should be kept, got %d", len(corrs))
	}
}

func TestGenerateMutualVerification(t *testing.T) {
	// dst[0] is the best match of both src descriptors, but dst[0]'s
	// best source is src[0]; mutual verification must drop src[1].
	src := []features.Signature{{1, 0, 0}, {0.9, 0.1, 0}}
	dst := []features.Signature{{1, 0, 0}, {0, 0, 5}}

	corrs, err := Generate(src, dst, []int{0, 1}, []int{0, 1}, Params{Ratio: 1.0, MutualVerification: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, c := range corrs {
		if c.SrcIndex == 1 {
			t.Errorf("non-mutual match survived: %+v", c)
		}
	}
	if len(corrs) != 1 || corrs[0].SrcIndex != 0 || corrs[0].DstIndex != 0 {
		t.Errorf("want exactly the mutual (0,0) match, got %+v", corrs)
	}
}

func TestGenerateParameterErrors(t *testing.T) {
	descs := randomDescriptors(3, 8, 4)
	kp := identityKeypoints(3)
	if _, err := Generate(descs, descs, kp, kp, Params{Ratio: 0}); !errors.Is(err, cloud.ErrParameter) {
		t.Errorf("ratio 0 = %v, want ErrParameter", err)
	}
	if _, err := Generate(descs, descs, kp, kp, Params{Ratio: 1.5}); !errors.Is(err, cloud.ErrParameter) {
		t.Errorf("ratio 1.5 = %v, want ErrParameter", err)
	}
	if _, err := Generate(nil, descs, nil, kp, Params{Ratio: 0.8}); !errors.Is(err, cloud.ErrInvalidInput) {
		t.Errorf("empty source = %v, want ErrInvalidInput", err)
	}
}

// The indexed generator and the brute-force oracle must agree.
func TestGenerateMatchesBruteForce(t *testing.T) {
	src := randomDescriptors(60, 33, 5)
	dst := randomDescriptors(80, 33, 6)
	skp := identityKeypoints(60)
	dkp := identityKeypoints(80)

	for _, mutual := range []bool{false, true} {
		p := Params{Ratio: 0.9, MutualVerification: mutual}
		indexed, err := Generate(src, dst, skp, dkp, p)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		brute, err := GenerateBruteForce(src, dst, skp, dkp, p)
		if err != nil {
			t.Fatalf("GenerateBruteForce: %v", err)
		}
		if diff := cmp.Diff(indexed, brute); diff != "" {
			t.Errorf("mutual=%v: indexed vs brute mismatch (-indexed +brute):\n%s", mutual, diff)
		}
	}
}
