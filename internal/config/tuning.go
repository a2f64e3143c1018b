// Package config loads registration tuning parameters from JSON.
// Every field is a pointer so a file can override any subset of the
// defaults; nil fields leave the default untouched.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/banshee-data/cloudalign/internal/register"
)

// TuningConfig is the root tuning document. It covers the coarse,
// congruent-set, fine and descriptor parameters that the CLI otherwise
// takes from built-in defaults; none of its fields are CLI flags.
type TuningConfig struct {
	// Coarse estimator params
	MaxIterations   *int     `json:"max_iterations,omitempty"`
	InlierThreshold *float64 `json:"inlier_threshold,omitempty"`
	MinInliers      *int     `json:"min_inliers,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	Parallel        *bool    `json:"parallel,omitempty"`
	RandomSeed      *int64   `json:"random_seed,omitempty"`
	RefineResult    *bool    `json:"refine_result,omitempty"`
	EarlyStopRatio  *float64 `json:"early_stop_ratio,omitempty"`

	// Congruent-set params
	Delta      *float64 `json:"delta,omitempty"`
	Overlap    *float64 `json:"overlap,omitempty"`
	SampleSize *int     `json:"sample_size,omitempty"`

	// Fine estimator params
	FineMaxIterations         *int     `json:"fine_max_iterations,omitempty"`
	MaxCorrespondenceDistance *float64 `json:"max_correspondence_distance,omitempty"`
	TransformationEpsilon     *float64 `json:"transformation_epsilon,omitempty"`
	EuclideanFitnessEpsilon   *float64 `json:"euclidean_fitness_epsilon,omitempty"`
	OutlierRejectionRatio     *float64 `json:"outlier_rejection_ratio,omitempty"`
	NDTResolution             *float64 `json:"ndt_resolution,omitempty"`

	// Descriptor params
	SearchRadius *float64 `json:"search_radius,omitempty"`
	MaxNeighbors *int     `json:"max_neighbors,omitempty"`
	Ratio        *float64 `json:"ratio,omitempty"`
	Mutual       *bool    `json:"mutual,omitempty"`
}

// Load reads and parses a tuning file.
func Load(path string) (*TuningConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tuning config: %w", err)
	}
	var cfg TuningConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing tuning config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyCoarse overlays the non-nil coarse fields onto params.
func (c *TuningConfig) ApplyCoarse(params *register.CoarseParams) {
	if c.MaxIterations != nil {
		params.MaxIterations = *c.MaxIterations
	}
	if c.InlierThreshold != nil {
		params.InlierThreshold = *c.InlierThreshold
	}
	if c.MinInliers != nil {
		params.MinInliers = *c.MinInliers
	}
	if c.Confidence != nil {
		params.Confidence = *c.Confidence
	}
	if c.Parallel != nil {
		params.Parallel = *c.Parallel
	}
	if c.RandomSeed != nil {
		params.RandomSeed = *c.RandomSeed
	}
	if c.RefineResult != nil {
		params.RefineResult = *c.RefineResult
	}
	if c.EarlyStopRatio != nil {
		params.EarlyStopRatio = *c.EarlyStopRatio
	}
}

// ApplyFine overlays the non-nil fine fields onto params.
func (c *TuningConfig) ApplyFine(params *register.FineParams) {
	if c.FineMaxIterations != nil {
		params.MaxIterations = *c.FineMaxIterations
	}
	if c.MaxCorrespondenceDistance != nil {
		params.MaxCorrespondenceDistance = *c.MaxCorrespondenceDistance
	}
	if c.TransformationEpsilon != nil {
		params.TransformationEpsilon = *c.TransformationEpsilon
	}
	if c.EuclideanFitnessEpsilon != nil {
		params.EuclideanFitnessEpsilon = *c.EuclideanFitnessEpsilon
	}
	if c.OutlierRejectionRatio != nil {
		params.OutlierRejectionRatio = *c.OutlierRejectionRatio
	}
}

// Merge overlays other's non-nil fields onto c, returning c.
func (c *TuningConfig) Merge(other *TuningConfig) *TuningConfig {
	if other == nil {
		return c
	}
	raw, err := json.Marshal(other)
	if err != nil {
		return c
	}
	// Present keys replace, absent keys keep their current values.
	_ = json.Unmarshal(raw, c)
	return c
}
