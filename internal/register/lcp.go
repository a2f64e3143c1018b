package register

import "github.com/banshee-data/cloudalign/internal/metrics"

// LCP fitness re-exported from the metrics package so coarse
// estimator callers see one authoritative quality definition.
var (
	LCP          = metrics.LCP
	LCPWithIndex = metrics.LCPWithIndex
)
