// pkg/features/aggregator.go
package features

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	rwerrors "github.com/lucid-vigil/ransomward/pkg/errors"
	"github.com/lucid-vigil/ransomward/pkg/events"
)

// Internal event-kind indices for the per-window counters.
const (
	kindCreate = iota
	kindModify
	kindDelete
	kindRename
	kindCount
)

// lastEntropyMax bounds the per-path entropy memory. When the map is full,
// entropy deltas for unseen paths are simply not recorded.
const lastEntropyMax = 65536

// accumulator collects one window's worth of events.
type accumulator struct {
	windowStart   time.Time
	counts        [kindCount]int
	extensions    map[string]struct{}
	entropyDeltas []float64
	writeSeconds  map[int64]int // unix second -> create+modify count
	totalWrites   int
}

func newAccumulator(start time.Time) *accumulator {
	return &accumulator{
		windowStart:  start,
		extensions:   make(map[string]struct{}),
		writeSeconds: make(map[int64]int),
	}
}

// Aggregator buckets RawEvents into fixed-duration windows and reduces each
// window to a FeatureVector.
//
// The aggregator is not safe for concurrent use: the pipeline owns it and
// serializes Ingest and Flush on a single goroutine, which is what guarantees
// a flush never sees a partially updated window.
type Aggregator struct {
	window   time.Duration
	features []string
	compute  []featureFunc
	logger   zerolog.Logger

	acc         *accumulator
	lastEntropy map[string]float64 // path -> last observed entropy, survives flushes
	lateDropped int64
}

// NewAggregator creates an Aggregator for the given window duration and
// ordered feature set. Unknown feature names are a configuration error.
func NewAggregator(window time.Duration, featureSet []string, logger zerolog.Logger) (*Aggregator, error) {
	if window <= 0 {
		return nil, rwerrors.NewConfigurationError("aggregator", "window duration must be positive", nil)
	}
	if len(featureSet) == 0 {
		return nil, rwerrors.NewConfigurationError("aggregator", "feature set must not be empty", nil)
	}

	compute := make([]featureFunc, len(featureSet))
	for i, name := range featureSet {
		fn, ok := registry[name]
		if !ok {
			return nil, rwerrors.NewConfigurationError("aggregator", "unknown feature name", map[string]interface{}{
				"feature": name,
				"known":   KnownFeatures(),
			})
		}
		compute[i] = fn
	}

	return &Aggregator{
		window:      window,
		features:    append([]string(nil), featureSet...),
		compute:     compute,
		logger:      logger.With().Str("component", "aggregator").Logger(),
		acc:         newAccumulator(time.Now()),
		lastEntropy: make(map[string]float64),
	}, nil
}

// Dimensions returns the arity of the vectors this aggregator produces.
func (a *Aggregator) Dimensions() int {
	return len(a.compute)
}

// FeatureSet returns the ordered feature names.
func (a *Aggregator) FeatureSet() []string {
	return append([]string(nil), a.features...)
}

// LateDropped returns how many events were dropped for arriving more than one
// full window late.
func (a *Aggregator) LateDropped() int64 {
	return a.lateDropped
}

// Ingest appends an event to the current window's accumulator. Events whose
// timestamp precedes the window start by more than one window are dropped and
// counted, never a fault. Duplicate deliveries simply inflate rates, which is
// the safe direction.
func (a *Aggregator) Ingest(ev events.RawEvent) {
	if ev.Timestamp.Before(a.acc.windowStart.Add(-a.window)) {
		a.lateDropped++
		a.logger.Debug().Str("path", ev.Path).Time("ts", ev.Timestamp).Msg("Dropping late event")
		return
	}

	switch ev.Kind {
	case events.KindCreate:
		a.acc.counts[kindCreate]++
	case events.KindModify:
		a.acc.counts[kindModify]++
	case events.KindDelete:
		a.acc.counts[kindDelete]++
	case events.KindRename:
		a.acc.counts[kindRename]++
	default:
		return
	}

	if ext := extension(ev.Path); ext != "" {
		a.acc.extensions[ext] = struct{}{}
	}

	switch ev.Kind {
	case events.KindCreate, events.KindModify:
		sec := ev.Timestamp.Unix()
		a.acc.writeSeconds[sec]++
		a.acc.totalWrites++

		if ev.Entropy != nil {
			if prev, ok := a.lastEntropy[ev.Path]; ok && ev.Kind == events.KindModify {
				a.acc.entropyDeltas = append(a.acc.entropyDeltas, *ev.Entropy-prev)
			}
			if _, ok := a.lastEntropy[ev.Path]; ok || len(a.lastEntropy) < lastEntropyMax {
				a.lastEntropy[ev.Path] = *ev.Entropy
			}
		}
	case events.KindDelete, events.KindRename:
		delete(a.lastEntropy, ev.Path)
	}
}

// Flush computes the current window's FeatureVector and resets the
// accumulator, starting a new window at now. A window with zero events still
// produces a vector of all-zero rates so the quiet case scores like any
// other.
func (a *Aggregator) Flush(now time.Time) FeatureVector {
	values := make([]float64, len(a.compute))
	for i, fn := range a.compute {
		values[i] = fn(a.acc, a.window)
	}

	fv := FeatureVector{
		WindowStart: a.acc.windowStart,
		Values:      values,
	}

	a.acc = newAccumulator(now)
	return fv
}

// extension returns the lowercased file extension, "" when there is none.
func extension(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
