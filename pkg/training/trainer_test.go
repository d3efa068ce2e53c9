package training

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rwerrors "github.com/lucid-vigil/ransomward/pkg/errors"
	"github.com/lucid-vigil/ransomward/pkg/events"
	"github.com/lucid-vigil/ransomward/pkg/features"
	"github.com/lucid-vigil/ransomward/pkg/model"
)

var testFeatureSet = []string{
	features.FeatureCreateRate,
	features.FeatureModifyRate,
	features.FeatureMeanEntropyDelta,
}

var testParams = model.Params{NEstimators: 20, SubsampleSize: 32, Seed: 42}

type stubSource struct {
	ch chan events.RawEvent
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan events.RawEvent, 64)}
}

func (s *stubSource) Events() <-chan events.RawEvent { return s.ch }
func (s *stubSource) Start(_ context.Context) error  { return nil }
func (s *stubSource) Stop()                          {}

func calmVectors(n int) []features.FeatureVector {
	rng := rand.New(rand.NewSource(7))
	out := make([]features.FeatureVector, n)
	for i := range out {
		out[i] = features.FeatureVector{
			WindowStart: time.Now().Add(time.Duration(i) * time.Second),
			Values: []float64{
				rng.Float64() * 0.5,
				0.8 + rng.Float64()*0.4,
				rng.Float64() * 0.1,
			},
		}
	}
	return out
}

func TestTrainer_FitAndPersist(t *testing.T) {
	store := model.NewStore(t.TempDir(), zerolog.Nop())
	trainer := NewTrainer(testParams, time.Second, testFeatureSet, store, zerolog.Nop())

	forest, err := trainer.Fit(calmVectors(100))
	require.NoError(t, err)
	require.True(t, forest.Fitted())
	assert.Equal(t, len(testFeatureSet), forest.Dimensions())

	loaded, err := store.Load()
	require.NoError(t, err)

	// The persisted model scores identically to the in-memory one.
	probe := features.FeatureVector{WindowStart: time.Now(), Values: []float64{0.2, 1.0, 0.05}}
	want, err := forest.Score(probe)
	require.NoError(t, err)
	got, err := loaded.Score(probe)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTrainer_FitWithoutStore(t *testing.T) {
	trainer := NewTrainer(testParams, time.Second, testFeatureSet, nil, zerolog.Nop())
	forest, err := trainer.Fit(calmVectors(50))
	require.NoError(t, err)
	assert.True(t, forest.Fitted())
}

func TestTrainer_FitEmptyBaseline(t *testing.T) {
	trainer := NewTrainer(testParams, time.Second, testFeatureSet, nil, zerolog.Nop())
	_, err := trainer.Fit(nil)
	require.Error(t, err)
	assert.True(t, rwerrors.IsType(err, rwerrors.TypeInvalidInput))
}

func TestTrainer_CollectAndTrain(t *testing.T) {
	src := newStubSource()
	trainer := NewTrainer(testParams, 20*time.Millisecond, testFeatureSet, nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 40; i++ {
			src.ch <- events.RawEvent{
				Path:      "/data/report.txt",
				Kind:      events.KindModify,
				Timestamp: time.Now(),
				Entropy:   events.Float64(4.5),
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	forest, err := trainer.CollectAndTrain(ctx, src, 5)
	require.NoError(t, err)
	assert.True(t, forest.Fitted())
	assert.Equal(t, len(testFeatureSet), forest.Dimensions())
	<-done
}

func TestTrainer_CollectAndTrainValidation(t *testing.T) {
	trainer := NewTrainer(testParams, 20*time.Millisecond, testFeatureSet, nil, zerolog.Nop())
	_, err := trainer.CollectAndTrain(context.Background(), newStubSource(), 0)
	require.Error(t, err)
	assert.True(t, rwerrors.IsType(err, rwerrors.TypeConfiguration))
}

func TestTrainer_CollectAndTrainContextCancel(t *testing.T) {
	trainer := NewTrainer(testParams, time.Minute, testFeatureSet, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := trainer.CollectAndTrain(ctx, newStubSource(), 5)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTrainer_CollectAndTrainSourceClosed(t *testing.T) {
	src := newStubSource()
	close(src.ch)

	trainer := NewTrainer(testParams, time.Minute, testFeatureSet, nil, zerolog.Nop())
	_, err := trainer.CollectAndTrain(context.Background(), src, 5)
	require.Error(t, err)
	assert.True(t, rwerrors.IsType(err, rwerrors.TypeSourceDisconnect))
}
