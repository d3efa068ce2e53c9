package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/ransomward/pkg/alert"
	rwerrors "github.com/lucid-vigil/ransomward/pkg/errors"
	"github.com/lucid-vigil/ransomward/pkg/events"
	"github.com/lucid-vigil/ransomward/pkg/features"
	"github.com/lucid-vigil/ransomward/pkg/model"
)

var testFeatureSet = []string{
	features.FeatureCreateRate,
	features.FeatureModifyRate,
	features.FeatureDeleteRate,
	features.FeatureRenameRate,
	features.FeatureDistinctExtCount,
	features.FeatureMeanEntropyDelta,
	features.FeatureWriteBurstRatio,
}

const testWindow = 5 * time.Second

// stubSource is an in-memory event source driven by the test.
type stubSource struct {
	ch chan events.RawEvent
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan events.RawEvent, 256)}
}

func (s *stubSource) Events() <-chan events.RawEvent { return s.ch }
func (s *stubSource) Start(_ context.Context) error  { return nil }
func (s *stubSource) Stop()                          {}

type recordingResponder struct {
	mu    sync.Mutex
	calls []alert.EscalationContext
}

func (r *recordingResponder) Escalate(_ context.Context, ec alert.EscalationContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ec)
	return nil
}

func (r *recordingResponder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingHandler struct {
	mu    sync.Mutex
	types []events.SecurityEventType
	seen  []events.SecurityEvent
}

func (h *recordingHandler) Handle(_ context.Context, event events.SecurityEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, event)
	return nil
}

func (h *recordingHandler) EventTypes() []events.SecurityEventType { return h.types }

func (h *recordingHandler) countType(t events.SecurityEventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.seen {
		if e.Type == t {
			n++
		}
	}
	return n
}

var docExts = []string{".txt", ".docx", ".xlsx", ".pdf"}

func docPath(i int) string {
	return fmt.Sprintf("/srv/share/doc%02d%s", i, docExts[i%len(docExts)])
}

// calmWindowEvents models ordinary document churn: a handful of low-entropy
// modifies spread across the window, an occasional create.
func calmWindowEvents(rng *rand.Rand, idx int, start time.Time) []events.RawEvent {
	var out []events.RawEvent
	for k := 0; k < 4; k++ {
		out = append(out, events.RawEvent{
			Path:      docPath((2*idx + k) % 60),
			Kind:      events.KindModify,
			Timestamp: start.Add(time.Duration(rng.Int63n(int64(testWindow)))),
			Size:      events.Int64(2048 + rng.Int63n(8192)),
			Entropy:   events.Float64(4.2 + rng.Float64()*0.6),
		})
	}
	for k := 0; k < rng.Intn(3); k++ {
		out = append(out, events.RawEvent{
			Path:      docPath(rng.Intn(60)),
			Kind:      events.KindModify,
			Timestamp: start.Add(time.Duration(rng.Int63n(int64(testWindow)))),
			Size:      events.Int64(1024 + rng.Int63n(4096)),
			Entropy:   events.Float64(4.0 + rng.Float64()*0.8),
		})
	}
	if idx%3 == 0 {
		out = append(out, events.RawEvent{
			Path:      fmt.Sprintf("/srv/share/new%03d.txt", idx),
			Kind:      events.KindCreate,
			Timestamp: start.Add(time.Duration(rng.Int63n(int64(testWindow)))),
			Size:      events.Int64(512),
			Entropy:   events.Float64(4.1 + rng.Float64()*0.5),
		})
	}
	return out
}

// attackWindowEvents models one window of an encryption sweep: a burst of
// high-entropy rewrites of previously calm documents, .encrypted creates,
// renames, and deletes, all packed into a single second.
func attackWindowEvents(rng *rand.Rand, wave int, start time.Time) []events.RawEvent {
	burst := start.Add(500 * time.Millisecond)
	var out []events.RawEvent
	for k := 0; k < 5; k++ {
		out = append(out, events.RawEvent{
			Path:      docPath(wave*5 + k),
			Kind:      events.KindModify,
			Timestamp: burst,
			Size:      events.Int64(4096 + rng.Int63n(4096)),
			Entropy:   events.Float64(7.7 + rng.Float64()*0.2),
		})
	}
	for k := 0; k < 10; k++ {
		out = append(out, events.RawEvent{
			Path:      fmt.Sprintf("/srv/share/doc%02d.encrypted", wave*10+k),
			Kind:      events.KindCreate,
			Timestamp: burst,
			Size:      events.Int64(4096),
			Entropy:   events.Float64(7.8 + rng.Float64()*0.15),
		})
	}
	for k := 0; k < 15; k++ {
		out = append(out, events.RawEvent{
			Path:      docPath(25 + (wave*8+k)%35),
			Kind:      events.KindRename,
			Timestamp: burst,
		})
	}
	for k := 0; k < 5; k++ {
		out = append(out, events.RawEvent{
			Path:      fmt.Sprintf("/srv/share/cache%02d.dat", wave*5+k),
			Kind:      events.KindDelete,
			Timestamp: burst,
		})
	}
	return out
}

type windowBatch struct {
	end    time.Time
	events []events.RawEvent
}

// makeRunBatches builds the scripted scenario: ten calm windows followed by
// four encryption-spike windows.
func makeRunBatches(seed int64, base time.Time) []windowBatch {
	rng := rand.New(rand.NewSource(seed))
	batches := make([]windowBatch, 0, 14)
	for i := 0; i < 10; i++ {
		start := base.Add(time.Duration(i) * testWindow)
		batches = append(batches, windowBatch{
			end:    start.Add(testWindow),
			events: calmWindowEvents(rng, i, start),
		})
	}
	for w := 0; w < 4; w++ {
		start := base.Add(time.Duration(10+w) * testWindow)
		batches = append(batches, windowBatch{
			end:    start.Add(testWindow),
			events: attackWindowEvents(rng, w, start),
		})
	}
	return batches
}

func trainingVectors(t *testing.T) []features.FeatureVector {
	t.Helper()
	agg, err := features.NewAggregator(testWindow, testFeatureSet, zerolog.Nop())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	base := time.Now()
	out := make([]features.FeatureVector, 0, 200)
	for i := 0; i < 200; i++ {
		start := base.Add(time.Duration(i) * testWindow)
		for _, ev := range calmWindowEvents(rng, i, start) {
			agg.Ingest(ev)
		}
		out = append(out, agg.Flush(start.Add(testWindow)))
	}
	return out
}

func fittedForest(t *testing.T, vectors []features.FeatureVector) *model.Forest {
	t.Helper()
	f, err := model.New(model.Params{NEstimators: 100, SubsampleSize: 128, Seed: 42})
	require.NoError(t, err)
	require.NoError(t, f.Fit(vectors))
	return f
}

func TestNew_Validation(t *testing.T) {
	training := trainingVectors(t)
	forest := fittedForest(t, training)
	src := newStubSource()

	cfg := Config{
		Path:           "/srv/share",
		WindowDuration: testWindow,
		FeatureSet:     testFeatureSet,
		ScoreThreshold: 0.7,
		AlertLimit:     2,
		ConfirmLimit:   2,
	}

	t.Run("valid", func(t *testing.T) {
		p, err := New(cfg, src, forest, &recordingResponder{}, nil, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, alert.StateNormal, p.State())
	})

	t.Run("nil forest", func(t *testing.T) {
		_, err := New(cfg, src, nil, &recordingResponder{}, nil, zerolog.Nop())
		require.Error(t, err)
		assert.True(t, rwerrors.IsType(err, rwerrors.TypeConfiguration))
	})

	t.Run("unfitted forest", func(t *testing.T) {
		unfitted, err := model.New(model.Params{NEstimators: 10, SubsampleSize: 16, Seed: 1})
		require.NoError(t, err)
		_, err = New(cfg, src, unfitted, &recordingResponder{}, nil, zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		narrow := narrowForest(t)
		_, err := New(cfg, src, narrow, &recordingResponder{}, nil, zerolog.Nop())
		require.Error(t, err)
		assert.True(t, rwerrors.IsType(err, rwerrors.TypeDimensionMismatch))
	})

	t.Run("unknown feature", func(t *testing.T) {
		bad := cfg
		bad.FeatureSet = []string{"no_such_feature"}
		_, err := New(bad, src, forest, &recordingResponder{}, nil, zerolog.Nop())
		require.Error(t, err)
		assert.True(t, rwerrors.IsType(err, rwerrors.TypeConfiguration))
	})
}

// narrowForest returns a fitted forest with fewer dimensions than the test
// feature set produces.
func narrowForest(t *testing.T) *model.Forest {
	t.Helper()
	f, err := model.New(model.Params{NEstimators: 10, SubsampleSize: 16, Seed: 3})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	vectors := make([]features.FeatureVector, 40)
	for i := range vectors {
		vectors[i] = features.FeatureVector{
			WindowStart: time.Now(),
			Values:      []float64{rng.Float64(), rng.Float64(), rng.Float64()},
		}
	}
	require.NoError(t, f.Fit(vectors))
	return f
}

// TestEndToEndContainment drives the full detection path: raw events through
// the aggregator, scored by a forest trained on calm traffic, hysteresis in
// the state machine, containment via the responder, and bus notifications.
//
// The threshold is derived from a rehearsal of the identical event script so
// the assertion is about the state machine's behavior, not a hard-coded score.
func TestEndToEndContainment(t *testing.T) {
	training := trainingVectors(t)
	forest := fittedForest(t, training)
	base := time.Now()
	batches := makeRunBatches(99, base)

	// Rehearse the script through a standalone aggregator to find the score
	// separation between calm and spike windows.
	rehearsal, err := features.NewAggregator(testWindow, testFeatureSet, zerolog.Nop())
	require.NoError(t, err)

	maxCalm, minSpike := 0.0, 1.0
	for _, fv := range training {
		s, err := forest.Score(fv)
		require.NoError(t, err)
		if s > maxCalm {
			maxCalm = s
		}
	}
	for i, batch := range batches {
		for _, ev := range batch.events {
			rehearsal.Ingest(ev)
		}
		s, err := forest.Score(rehearsal.Flush(batch.end))
		require.NoError(t, err)
		if i < 10 && s > maxCalm {
			maxCalm = s
		}
		if i >= 10 && s < minSpike {
			minSpike = s
		}
	}
	require.Greater(t, minSpike, maxCalm+0.04,
		"spike windows must score clearly above calm windows")
	threshold := (maxCalm + minSpike) / 2

	responder := &recordingResponder{}
	handler := &recordingHandler{types: []events.SecurityEventType{
		events.EventStateTransition,
		events.EventEscalation,
	}}
	bus := events.NewBus(zerolog.Nop(), 256, 0, 0)
	bus.Subscribe(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	cfg := Config{
		Path:           "/srv/share",
		WindowDuration: testWindow,
		FeatureSet:     testFeatureSet,
		ScoreThreshold: threshold,
		AlertLimit:     2,
		ConfirmLimit:   2,
	}
	p, err := New(cfg, newStubSource(), forest, responder, bus, zerolog.Nop())
	require.NoError(t, err)

	wantStates := []alert.State{
		alert.StateNormal, alert.StateNormal, alert.StateNormal, alert.StateNormal,
		alert.StateNormal, alert.StateNormal, alert.StateNormal, alert.StateNormal,
		alert.StateNormal, alert.StateNormal,
		// spike windows: counting toward Suspicious, then toward containment
		alert.StateNormal,
		alert.StateSuspicious,
		alert.StateSuspicious,
		alert.StateContained,
	}

	for i, batch := range batches {
		for _, ev := range batch.events {
			p.agg.Ingest(ev)
		}
		p.flush(ctx, batch.end)
		require.Equal(t, wantStates[i], p.State(), "state after window %d", i)
	}

	require.Equal(t, 1, responder.count(), "exactly one escalation per episode")
	ec := responder.calls[0]
	assert.Equal(t, "/srv/share", ec.Path)
	assert.GreaterOrEqual(t, ec.Score, threshold)

	status := p.Status()
	assert.Equal(t, alert.StateContained.String(), status.State)
	assert.Equal(t, int64(14), status.WindowsScored)
	assert.Len(t, status.RecentScores, 14)
	assert.Zero(t, status.WindowsSkipped)

	assert.Eventually(t, func() bool {
		return handler.countType(events.EventEscalation) == 1 &&
			handler.countType(events.EventStateTransition) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Once contained, further spikes must not escalate again.
	extra := attackWindowEvents(rand.New(rand.NewSource(5)), 0, base.Add(14*testWindow))
	for _, ev := range extra {
		p.agg.Ingest(ev)
	}
	p.flush(ctx, base.Add(15*testWindow))
	assert.Equal(t, alert.StateContained, p.State())
	assert.Equal(t, 1, responder.count())

	// Operator clears containment after remediation.
	p.Clear()
	assert.Equal(t, alert.StateNormal, p.State())
}

func TestSwapModelValidation(t *testing.T) {
	training := trainingVectors(t)
	forest := fittedForest(t, training)

	cfg := Config{
		Path:           "/srv/share",
		WindowDuration: testWindow,
		FeatureSet:     testFeatureSet,
		ScoreThreshold: 0.7,
		AlertLimit:     2,
		ConfirmLimit:   2,
	}
	p, err := New(cfg, newStubSource(), forest, &recordingResponder{}, nil, zerolog.Nop())
	require.NoError(t, err)

	err = p.SwapModel(narrowForest(t))
	require.Error(t, err)
	assert.True(t, rwerrors.IsType(err, rwerrors.TypeDimensionMismatch))

	unfitted, err := model.New(model.Params{NEstimators: 10, SubsampleSize: 16, Seed: 1})
	require.NoError(t, err)
	require.Error(t, p.SwapModel(unfitted))

	replacement, err := model.New(model.Params{NEstimators: 50, SubsampleSize: 64, Seed: 7})
	require.NoError(t, err)
	require.NoError(t, replacement.Fit(training))
	require.NoError(t, p.SwapModel(replacement))
	assert.Same(t, replacement, p.forest.Load())
}

func TestFlushSkipsUnscorableWindow(t *testing.T) {
	training := trainingVectors(t)
	forest := fittedForest(t, training)

	cfg := Config{
		Path:           "/srv/share",
		WindowDuration: testWindow,
		FeatureSet:     testFeatureSet,
		ScoreThreshold: 0.7,
		AlertLimit:     2,
		ConfirmLimit:   2,
	}
	p, err := New(cfg, newStubSource(), forest, &recordingResponder{}, nil, zerolog.Nop())
	require.NoError(t, err)

	// Force a bad model past SwapModel's guard to simulate a corrupt reload.
	p.forest.Store(narrowForest(t))
	p.flush(context.Background(), time.Now())

	status := p.Status()
	assert.Equal(t, int64(1), status.WindowsSkipped)
	assert.Zero(t, status.WindowsScored)
	assert.Equal(t, alert.StateNormal, p.State())
}

func TestLoopFlushesOnTickerAndStop(t *testing.T) {
	training := trainingVectors(t)
	forest := fittedForest(t, training)
	src := newStubSource()

	cfg := Config{
		Path:           "/srv/share",
		WindowDuration: 30 * time.Millisecond,
		FeatureSet:     testFeatureSet,
		ScoreThreshold: 0.7,
		AlertLimit:     2,
		ConfirmLimit:   2,
	}
	p, err := New(cfg, src, forest, &recordingResponder{}, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	src.ch <- events.RawEvent{
		Path:      "/srv/share/doc00.txt",
		Kind:      events.KindModify,
		Timestamp: time.Now(),
		Entropy:   events.Float64(4.5),
	}

	assert.Eventually(t, func() bool {
		return p.Status().WindowsScored >= 2
	}, 2*time.Second, 5*time.Millisecond)

	scoredBefore := p.Status().WindowsScored
	p.Stop()
	// Stop flushes the partial window before shutting down.
	assert.GreaterOrEqual(t, p.Status().WindowsScored, scoredBefore)
}

func TestLoopHandlesSourceDisconnect(t *testing.T) {
	training := trainingVectors(t)
	forest := fittedForest(t, training)
	src := newStubSource()

	handler := &recordingHandler{types: []events.SecurityEventType{events.EventSourceDisconnected}}
	bus := events.NewBus(zerolog.Nop(), 64, 0, 0)
	bus.Subscribe(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	cfg := Config{
		Path:           "/srv/share",
		WindowDuration: time.Minute,
		FeatureSet:     testFeatureSet,
		ScoreThreshold: 0.7,
		AlertLimit:     2,
		ConfirmLimit:   2,
	}
	p, err := New(cfg, src, forest, &recordingResponder{}, bus, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	close(src.ch)

	assert.Eventually(t, func() bool {
		return handler.countType(events.EventSourceDisconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Final flush of the partial window happened before shutdown.
	assert.Equal(t, int64(1), p.Status().WindowsScored)
	p.Stop()
}

func TestSupervisor(t *testing.T) {
	training := trainingVectors(t)
	forest := fittedForest(t, training)

	newPipe := func(path string) *Pipeline {
		cfg := Config{
			Path:           path,
			WindowDuration: testWindow,
			FeatureSet:     testFeatureSet,
			ScoreThreshold: 0.7,
			AlertLimit:     2,
			ConfirmLimit:   2,
		}
		p, err := New(cfg, newStubSource(), forest, &recordingResponder{}, nil, zerolog.Nop())
		require.NoError(t, err)
		return p
	}

	sup := NewSupervisor(zerolog.Nop())
	require.NoError(t, sup.Register(newPipe("/srv/share")))
	require.NoError(t, sup.Register(newPipe("/home")))

	err := sup.Register(newPipe("/srv/share"))
	require.Error(t, err)
	assert.True(t, rwerrors.IsType(err, rwerrors.TypeConfiguration))

	snaps := sup.Snapshots()
	assert.Len(t, snaps, 2)

	_, ok := sup.Pipeline("/home")
	assert.True(t, ok)
	_, ok = sup.Pipeline("/nope")
	assert.False(t, ok)

	require.Error(t, sup.Clear("/nope"))
	require.NoError(t, sup.Clear("/home"))

	err = sup.SwapModel(narrowForest(t))
	require.Error(t, err)

	replacement, merr := model.New(model.Params{NEstimators: 20, SubsampleSize: 32, Seed: 11})
	require.NoError(t, merr)
	require.NoError(t, replacement.Fit(training))
	require.NoError(t, sup.SwapModel(replacement))
}
