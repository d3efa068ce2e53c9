// pkg/training/trainer.go
package training

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	rwerrors "github.com/lucid-vigil/ransomward/pkg/errors"
	"github.com/lucid-vigil/ransomward/pkg/events"
	"github.com/lucid-vigil/ransomward/pkg/features"
	"github.com/lucid-vigil/ransomward/pkg/model"
)

// Trainer fits baseline models from calm-traffic feature vectors and persists
// them through the model store. Training is offline by design: the detection
// pipeline only ever consumes fitted models handed to it at a window boundary.
type Trainer struct {
	params     model.Params
	window     time.Duration
	featureSet []string
	store      *model.Store
	logger     zerolog.Logger
}

// NewTrainer creates a trainer. The store may be nil when the caller only
// wants an in-memory forest.
func NewTrainer(params model.Params, window time.Duration, featureSet []string, store *model.Store, logger zerolog.Logger) *Trainer {
	return &Trainer{
		params:     params,
		window:     window,
		featureSet: featureSet,
		store:      store,
		logger:     logger.With().Str("component", "trainer").Logger(),
	}
}

// Fit trains a forest on the given vectors and, when a store is configured,
// persists it as the new latest model.
func (t *Trainer) Fit(vectors []features.FeatureVector) (*model.Forest, error) {
	forest, err := model.New(t.params)
	if err != nil {
		return nil, err
	}
	if err := forest.Fit(vectors); err != nil {
		return nil, err
	}

	t.logger.Info().
		Int("windows", len(vectors)).
		Int("n_estimators", t.params.NEstimators).
		Int("subsample_size", t.params.SubsampleSize).
		Int64("seed", t.params.Seed).
		Msg("Model fitted")

	if t.store != nil {
		path, err := t.store.Save(forest)
		if err != nil {
			return nil, err
		}
		t.logger.Info().Str("path", path).Msg("Model saved")
	}
	return forest, nil
}

// CollectAndTrain drives the event source through an aggregator for the given
// number of windows, then fits and persists a model on the collected
// baseline. The monitored environment is assumed calm while this runs; an
// attack during collection poisons the baseline, which is an operational
// concern, not something the trainer can detect.
func (t *Trainer) CollectAndTrain(ctx context.Context, source events.Source, windows int) (*model.Forest, error) {
	if windows < 1 {
		return nil, rwerrors.NewConfigurationError("trainer", "training window count must be at least 1", map[string]interface{}{
			"windows": windows,
		})
	}

	agg, err := features.NewAggregator(t.window, t.featureSet, t.logger)
	if err != nil {
		return nil, err
	}

	if err := source.Start(ctx); err != nil {
		return nil, err
	}
	defer source.Stop()

	t.logger.Info().
		Int("windows", windows).
		Dur("window_duration", t.window).
		Msg("Collecting baseline")

	vectors := make([]features.FeatureVector, 0, windows)
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()

	in := source.Events()
	for len(vectors) < windows {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil, rwerrors.NewSourceDisconnectedError("trainer",
					fmt.Errorf("source closed after %d of %d windows", len(vectors), windows))
			}
			agg.Ingest(ev)
		case tick := <-ticker.C:
			vectors = append(vectors, agg.Flush(tick))
			if len(vectors)%10 == 0 {
				t.logger.Debug().Int("collected", len(vectors)).Msg("Baseline windows collected")
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return t.Fit(vectors)
}
