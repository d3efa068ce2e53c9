// pkg/features/features.go
package features

import (
	"time"
)

// FeatureVector is the reduction of one time window of raw events into a
// fixed-arity tuple of floats. WindowStart identifies the window; Values is
// ordered by the configured feature set and its length fixes the model
// dimensionality. Vectors are immutable once produced.
type FeatureVector struct {
	WindowStart time.Time `json:"window_start"`
	Values      []float64 `json:"values"`
}

// Names of the features the aggregator can compute. The configured
// feature_set must be an ordered subset of these.
const (
	FeatureCreateRate       = "create_rate"
	FeatureModifyRate       = "modify_rate"
	FeatureDeleteRate       = "delete_rate"
	FeatureRenameRate       = "rename_rate"
	FeatureDistinctExtCount = "distinct_extension_count"
	FeatureMeanEntropyDelta = "mean_entropy_delta"
	FeatureWriteBurstRatio  = "write_burst_ratio"
)

// featureFunc computes one feature from a finished window accumulator.
type featureFunc func(acc *accumulator, window time.Duration) float64

var registry = map[string]featureFunc{
	FeatureCreateRate: func(acc *accumulator, window time.Duration) float64 {
		return float64(acc.counts[kindCreate]) / window.Seconds()
	},
	FeatureModifyRate: func(acc *accumulator, window time.Duration) float64 {
		return float64(acc.counts[kindModify]) / window.Seconds()
	},
	FeatureDeleteRate: func(acc *accumulator, window time.Duration) float64 {
		return float64(acc.counts[kindDelete]) / window.Seconds()
	},
	FeatureRenameRate: func(acc *accumulator, window time.Duration) float64 {
		return float64(acc.counts[kindRename]) / window.Seconds()
	},
	FeatureDistinctExtCount: func(acc *accumulator, _ time.Duration) float64 {
		return float64(len(acc.extensions))
	},
	FeatureMeanEntropyDelta: func(acc *accumulator, _ time.Duration) float64 {
		if len(acc.entropyDeltas) == 0 {
			return 0
		}
		sum := 0.0
		for _, d := range acc.entropyDeltas {
			sum += d
		}
		return sum / float64(len(acc.entropyDeltas))
	},
	// write_burst_ratio measures how concentrated writes are within the
	// window: the peak one-second write count divided by total writes.
	// Steady activity approaches 1/window-seconds; a burst approaches 1.
	FeatureWriteBurstRatio: func(acc *accumulator, _ time.Duration) float64 {
		if acc.totalWrites == 0 {
			return 0
		}
		peak := 0
		for _, c := range acc.writeSeconds {
			if c > peak {
				peak = c
			}
		}
		return float64(peak) / float64(acc.totalWrites)
	},
}

// KnownFeatures returns the names of every computable feature.
func KnownFeatures() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
