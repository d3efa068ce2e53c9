// pkg/pipeline/pipeline.go
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/ransomward/pkg/alert"
	rwerrors "github.com/lucid-vigil/ransomward/pkg/errors"
	"github.com/lucid-vigil/ransomward/pkg/events"
	"github.com/lucid-vigil/ransomward/pkg/features"
	"github.com/lucid-vigil/ransomward/pkg/model"
)

// scoreHistoryMax bounds the per-pipeline window score history exposed to the
// status API.
const scoreHistoryMax = 120

// Config holds the per-path detection parameters for a pipeline.
type Config struct {
	Path           string
	WindowDuration time.Duration
	FeatureSet     []string
	ScoreThreshold float64
	AlertLimit     int
	ConfirmLimit   int
}

// WindowScore records one scored window for the status API.
type WindowScore struct {
	Window time.Time   `json:"window"`
	Score  float64     `json:"score"`
	State  alert.State `json:"state"`
}

// Snapshot is a point-in-time view of a pipeline's detection state.
type Snapshot struct {
	Path           string        `json:"path"`
	State          string        `json:"state"`
	LastScore      float64       `json:"last_score"`
	WindowsScored  int64         `json:"windows_scored"`
	WindowsSkipped int64         `json:"windows_skipped"`
	LateDropped    int64         `json:"late_events_dropped"`
	RecentScores   []WindowScore `json:"recent_scores"`
}

// Pipeline drives detection for a single monitored path: it is the sole
// consumer of the event source, so ingestion and window flushing can never
// interleave. Windows are flushed strictly in order on a fixed ticker; each
// flush scores the finished window against the current model and feeds the
// score to the alert state machine before the next window begins.
type Pipeline struct {
	cfg    Config
	source events.Source
	agg    *features.Aggregator
	sm     *alert.StateMachine
	bus    *events.Bus
	logger zerolog.Logger

	// forest is swapped atomically so retraining can install a new model
	// without pausing the loop; the loop loads it once per flush, so a swap
	// takes effect at the next window boundary.
	forest atomic.Pointer[model.Forest]

	mu             sync.Mutex
	lastScore      float64
	windowsScored  int64
	windowsSkipped int64
	recent         []WindowScore

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a pipeline for one monitored path. The forest must already be
// fitted and its dimensionality must match the configured feature set.
func New(cfg Config, source events.Source, forest *model.Forest, responder alert.Responder, bus *events.Bus, logger zerolog.Logger) (*Pipeline, error) {
	agg, err := features.NewAggregator(cfg.WindowDuration, cfg.FeatureSet, logger)
	if err != nil {
		return nil, err
	}

	sm, err := alert.NewStateMachine(cfg.Path, cfg.ScoreThreshold, cfg.AlertLimit, cfg.ConfirmLimit, responder, logger)
	if err != nil {
		return nil, err
	}

	if forest == nil || !forest.Fitted() {
		return nil, rwerrors.NewConfigurationError("pipeline", "pipeline requires a fitted model", map[string]interface{}{
			"path": cfg.Path,
		})
	}
	if forest.Dimensions() != agg.Dimensions() {
		return nil, rwerrors.NewDimensionMismatchError("pipeline", agg.Dimensions(), forest.Dimensions())
	}

	p := &Pipeline{
		cfg:    cfg,
		source: source,
		agg:    agg,
		sm:     sm,
		bus:    bus,
		logger: logger.With().Str("component", "pipeline").Str("path", cfg.Path).Logger(),
		stop:   make(chan struct{}),
	}
	p.forest.Store(forest)
	return p, nil
}

// Start launches the event source and the scoring loop.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.source.Start(ctx); err != nil {
		return err
	}

	p.logger.Info().
		Dur("window", p.cfg.WindowDuration).
		Float64("threshold", p.cfg.ScoreThreshold).
		Strs("features", p.agg.FeatureSet()).
		Msg("Detection pipeline started")

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop flushes the partial current window, scores it, and shuts the loop down.
func (p *Pipeline) Stop() {
	p.stopped.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
	p.source.Stop()
}

// SwapModel installs a new fitted model. The running loop picks it up at the
// next window boundary; in-flight window accumulation is unaffected.
func (p *Pipeline) SwapModel(forest *model.Forest) error {
	if forest == nil || !forest.Fitted() {
		return rwerrors.NewInvalidInputError("pipeline", "cannot swap in an unfitted model")
	}
	if forest.Dimensions() != p.agg.Dimensions() {
		return rwerrors.NewDimensionMismatchError("pipeline", p.agg.Dimensions(), forest.Dimensions())
	}
	p.forest.Store(forest)
	p.logger.Info().Int64("seed", forest.Seed()).Msg("Model swapped, effective next window")
	return nil
}

// Clear resets the alert state machine to Normal after operator remediation.
func (p *Pipeline) Clear() {
	p.sm.Clear()
	p.logger.Info().Msg("Alert state cleared by operator")
}

// State returns the current alert state for this path.
func (p *Pipeline) State() alert.State {
	return p.sm.State()
}

// Status returns a snapshot of the pipeline for the status API.
func (p *Pipeline) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Snapshot{
		Path:           p.cfg.Path,
		State:          p.sm.State().String(),
		LastScore:      p.lastScore,
		WindowsScored:  p.windowsScored,
		WindowsSkipped: p.windowsSkipped,
		LateDropped:    p.agg.LateDropped(),
		RecentScores:   append([]WindowScore(nil), p.recent...),
	}
}

// loop is the single consumer of the event source. Running ingest and flush
// on one goroutine is what guarantees a window's feature vector is complete
// and immutable before it is scored.
func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.WindowDuration)
	defer ticker.Stop()

	in := p.source.Events()
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				p.logger.Warn().Msg("Event source disconnected, flushing final window")
				p.flush(ctx, time.Now())
				p.publish(ctx, events.EventSourceDisconnected, "warning", "event source channel closed", nil)
				return
			}
			p.agg.Ingest(ev)
		case t := <-ticker.C:
			p.flush(ctx, t)
		case <-p.stop:
			p.flush(ctx, time.Now())
			return
		case <-ctx.Done():
			p.flush(ctx, time.Now())
			return
		}
	}
}

// flush closes the current window, scores it, and advances the alert state
// machine. A window whose vector cannot be scored (model arity mismatch after
// a bad swap) is skipped: logged and counted, no state machine observation.
func (p *Pipeline) flush(ctx context.Context, now time.Time) {
	fv := p.agg.Flush(now)
	forest := p.forest.Load()

	score, err := forest.Score(fv)
	if err != nil {
		p.mu.Lock()
		p.windowsSkipped++
		p.mu.Unlock()
		p.logger.Error().
			Err(err).
			Time("window", fv.WindowStart).
			Msg("Failed to score window, skipping")
		return
	}

	before := p.sm.State()
	after := p.sm.Observe(ctx, fv.WindowStart, score)

	p.mu.Lock()
	p.lastScore = score
	p.windowsScored++
	p.recent = append(p.recent, WindowScore{Window: fv.WindowStart, Score: score, State: after})
	if len(p.recent) > scoreHistoryMax {
		p.recent = p.recent[len(p.recent)-scoreHistoryMax:]
	}
	p.mu.Unlock()

	p.logger.Debug().
		Time("window", fv.WindowStart).
		Float64("score", score).
		Str("state", after.String()).
		Msg("Window scored")

	p.publish(ctx, events.EventWindowScored, "info", "window scored", map[string]interface{}{
		"window": fv.WindowStart,
		"score":  score,
		"state":  after.String(),
	})

	if after != before {
		severity := "warning"
		if after == alert.StateContained {
			severity = "critical"
		}
		p.publish(ctx, events.EventStateTransition, severity, "alert state transition", map[string]interface{}{
			"window": fv.WindowStart,
			"score":  score,
			"from":   before.String(),
			"to":     after.String(),
		})
		if before != alert.StateContained && after == alert.StateContained {
			p.publish(ctx, events.EventEscalation, "critical", "ransomware behavior confirmed, containment triggered", map[string]interface{}{
				"window": fv.WindowStart,
				"score":  score,
			})
		}
	}
}

func (p *Pipeline) publish(ctx context.Context, t events.SecurityEventType, severity, desc string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	event := events.SecurityEvent{
		Type:        t,
		Source:      p.cfg.Path,
		Severity:    severity,
		Description: desc,
		Data:        data,
	}
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Debug().Err(err).Str("type", string(t)).Msg("Bus publish dropped")
	}
}
