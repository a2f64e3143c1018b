// Package correspond turns descriptor arrays into putative point
// correspondences via nearest-neighbour matching in descriptor space,
// with a Lowe-style ratio test and optional mutual verification.
//
// Output ordering is load-bearing: correspondences come back sorted
// ascending by descriptor distance, the quality order PROSAC samples
// from.
package correspond

import (
	"fmt"
	"sort"

	"github.com/banshee-data/cloudalign/internal/cloud"
	"github.com/banshee-data/cloudalign/internal/features"
	"github.com/banshee-data/cloudalign/internal/index"
	"github.com/banshee-data/cloudalign/internal/pool"
)

// Correspondence links a source keypoint to a destination keypoint
// with their distance in descriptor space.
type Correspondence struct {
	SrcIndex int     // index into the source cloud
	DstIndex int     // index into the destination cloud
	Distance float64 // descriptor-space distance, >= 0
}

// Params configures correspondence generation.
type Params struct {
	// Ratio is the Lowe ratio threshold in (0, 1]: a match survives
	// when dist(best)/dist(second) < Ratio. With no second neighbour
	// the match is kept unconditionally.
	Ratio float64
	// MutualVerification keeps only matches that are each other's best
	// match in both directions.
	MutualVerification bool
}

// Generate matches source descriptors against destination descriptors.
// srcKeypoints and dstKeypoints carry the cloud indices the descriptor
// arrays were extracted at. The result is sorted ascending by
// descriptor distance, ties breaking on source then destination index.
func Generate(srcDesc, dstDesc []features.Signature, srcKeypoints, dstKeypoints []int, p Params) ([]Correspondence, error) {
	if p.Ratio <= 0 || p.Ratio > 1 {
		return nil, fmt.Errorf("ratio %v not in (0,1]: %w", p.Ratio, cloud.ErrParameter)
	}
	if len(srcDesc) != len(srcKeypoints) || len(dstDesc) != len(dstKeypoints) {
		return nil, fmt.Errorf("descriptor/keypoint length mismatch: %w", cloud.ErrInvalidInput)
	}
	if len(srcDesc) == 0 || len(dstDesc) == 0 {
		return nil, fmt.Errorf("empty descriptor set: %w", cloud.ErrInvalidInput)
	}

	forward := matchDirected(srcDesc, dstDesc, p.Ratio)
	if p.MutualVerification {
		backward := matchDirected(dstDesc, srcDesc, p.Ratio)
		forward = mutualFilter(forward, backward)
	}

	out := make([]Correspondence, 0, len(forward))
	for srcPos, m := range forward {
		if m.dst < 0 {
			continue
		}
		out = append(out, Correspondence{
			SrcIndex: srcKeypoints[srcPos],
			DstIndex: dstKeypoints[m.dst],
			Distance: m.dist,
		})
	}
	sortByQuality(out)
	return out, nil
}

type directedMatch struct {
	dst  int // matched position on the other side, -1 when rejected
	dist float64
}

// matchDirected finds each query descriptor's best target under the
// ratio test, using a flat metric index over the target side. The scan
// is parallel over queries; output slots are indexed by query
// position.
func matchDirected(queries, targets []features.Signature, ratio float64) []directedMatch {
	idx := index.NewFlat(targets, func(a, b features.Signature) float64 {
		return features.Distance(a, b)
	})

	out := make([]directedMatch, len(queries))
	pool.ParallelFor(len(queries), func(start, end, _ int) {
		for i := start; i < end; i++ {
			hits := idx.KNearest(queries[i], 2)
			switch {
			case len(hits) == 0:
				out[i] = directedMatch{dst: -1}
			case len(hits) == 1:
				out[i] = directedMatch{dst: hits[0].Index, dist: hits[0].Dist}
			default:
				if hits[1].Dist > 0 && hits[0].Dist/hits[1].Dist < ratio {
					out[i] = directedMatch{dst: hits[0].Index, dist: hits[0].Dist}
				} else if hits[1].Dist == 0 {
					// Both neighbours identical to the query; keep the
					// lower-index one.
					out[i] = directedMatch{dst: hits[0].Index, dist: hits[0].Dist}
				} else {
					out[i] = directedMatch{dst: -1}
				}
			}
		}
	})
	return out
}

// mutualFilter rejects forward matches whose backward match does not
// point straight back.
func mutualFilter(forward, backward []directedMatch) []directedMatch {
	out := make([]directedMatch, len(forward))
	for i, m := range forward {
		if m.dst >= 0 && backward[m.dst].dst == i {
			out[i] = m
		} else {
			out[i] = directedMatch{dst: -1}
		}
	}
	return out
}

func sortByQuality(corrs []Correspondence) {
	sort.Slice(corrs, func(i, j int) bool {
		if corrs[i].Distance != corrs[j].Distance {
			return corrs[i].Distance < corrs[j].Distance
		}
		if corrs[i].SrcIndex != corrs[j].SrcIndex {
			return corrs[i].SrcIndex < corrs[j].SrcIndex
		}
		return corrs[i].DstIndex < corrs[j].DstIndex
	})
}

// GenerateBruteForce is the oracle variant: it scans every
// source-destination pair without an index. It must produce the same
// result set as Generate up to the stable ordering of equal-distance
// matches.
func GenerateBruteForce(srcDesc, dstDesc []features.Signature, srcKeypoints, dstKeypoints []int, p Params) ([]Correspondence, error) {
	if p.Ratio <= 0 || p.Ratio > 1 {
		return nil, fmt.Errorf("ratio %v not in (0,1]: %w", p.Ratio, cloud.ErrParameter)
	}
	if len(srcDesc) != len(srcKeypoints) || len(dstDesc) != len(dstKeypoints) {
		return nil, fmt.Errorf("descriptor/keypoint length mismatch: %w", cloud.ErrInvalidInput)
	}
	if len(srcDesc) == 0 || len(dstDesc) == 0 {
		return nil, fmt.Errorf("empty descriptor set: %w", cloud.ErrInvalidInput)
	}

	forward := bruteDirected(srcDesc, dstDesc, p.Ratio)
	if p.MutualVerification {
		backward := bruteDirected(dstDesc, srcDesc, p.Ratio)
		forward = mutualFilter(forward, backward)
	}

	out := make([]Correspondence, 0, len(forward))
	for srcPos, m := range forward {
		if m.dst < 0 {
			continue
		}
		out = append(out, Correspondence{
			SrcIndex: srcKeypoints[srcPos],
			DstIndex: dstKeypoints[m.dst],
			Distance: m.dist,
		})
	}
	sortByQuality(out)
	return out, nil
}

func bruteDirected(queries, targets []features.Signature, ratio float64) []directedMatch {
	out := make([]directedMatch, len(queries))
	pool.ParallelFor(len(queries), func(start, end, _ int) {
		for i := start; i < end; i++ {
			best, second := -1, -1
			bestD, secondD := 0.0, 0.0
			for j := range targets {
				d := features.Distance(queries[i], targets[j])
				switch {
				case best < 0 || d < bestD:
					second, secondD = best, bestD
					best, bestD = j, d
				case second < 0 || d < secondD:
					second, secondD = j, d
				}
			}
			switch {
			case best < 0:
				out[i] = directedMatch{dst: -1}
			case second < 0:
				out[i] = directedMatch{dst: best, dist: bestD}
			case secondD == 0 || bestD/secondD < ratio:
				out[i] = directedMatch{dst: best, dist: bestD}
			default:
				out[i] = directedMatch{dst: -1}
			}
		}
	})
	return out
}
