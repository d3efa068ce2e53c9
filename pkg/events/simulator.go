// pkg/events/simulator.go
package events

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SimulatorConfig controls the synthetic traffic generator.
type SimulatorConfig struct {
	Seed int64
	Root string // path prefix for generated events

	NormalEventsPerSec float64
	AttackEventsPerSec float64

	// AttackStart is how long after Start the ransomware-style burst begins.
	// Zero means the simulator only ever produces normal traffic.
	AttackStart    time.Duration
	AttackDuration time.Duration
}

// Simulator is a synthetic Source. It produces either steady "normal" office
// traffic (occasional creates and low-entropy modifies over a small set of
// document extensions) or a ransomware-style burst (rapid high-entropy
// modifies, renames to a ransom extension, deletes). It writes nothing to
// disk: the simulator is just another Source implementation, so the same
// pipeline runs against it in tests, training, and demos.
type Simulator struct {
	cfg    SimulatorConfig
	rng    *rand.Rand
	logger zerolog.Logger

	out     chan RawEvent
	stopped chan struct{}
	once    sync.Once
}

var normalExtensions = []string{".docx", ".xlsx", ".pdf", ".jpg", ".png", ".txt"}

const ransomExtension = ".encrypted"

// NewSimulator creates a Simulator. The same seed and config reproduce the
// same sequence of events (paths, kinds, sizes, entropy values); timestamps
// and pacing follow the wall clock and vary between runs.
func NewSimulator(cfg SimulatorConfig, logger zerolog.Logger) *Simulator {
	if cfg.Root == "" {
		cfg.Root = "/simulated"
	}
	if cfg.NormalEventsPerSec <= 0 {
		cfg.NormalEventsPerSec = 2
	}
	if cfg.AttackEventsPerSec <= 0 {
		cfg.AttackEventsPerSec = 100
	}
	return &Simulator{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		logger:  logger.With().Str("component", "simulator").Logger(),
		out:     make(chan RawEvent, 1024),
		stopped: make(chan struct{}),
	}
}

// Events returns the channel RawEvents are delivered on.
func (s *Simulator) Events() <-chan RawEvent {
	return s.out
}

// Start begins event generation.
func (s *Simulator) Start(ctx context.Context) error {
	go s.loop(ctx)
	s.logger.Info().
		Float64("normal_rate", s.cfg.NormalEventsPerSec).
		Dur("attack_start", s.cfg.AttackStart).
		Msg("Simulator started")
	return nil
}

// Stop halts generation and closes the events channel.
func (s *Simulator) Stop() {
	s.once.Do(func() {
		close(s.stopped)
	})
}

func (s *Simulator) loop(ctx context.Context) {
	defer close(s.out)

	start := time.Now()
	for {
		attacking := s.attacking(time.Since(start))

		rate := s.cfg.NormalEventsPerSec
		if attacking {
			rate = s.cfg.AttackEventsPerSec
		}
		interval := time.Duration(float64(time.Second) / rate)
		// Jitter so windows do not all see identical counts.
		interval = time.Duration(float64(interval) * (0.5 + s.rng.Float64()))

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		}

		var ev RawEvent
		if attacking {
			ev = s.attackEvent()
		} else {
			ev = s.normalEvent()
		}

		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		}
	}
}

func (s *Simulator) attacking(elapsed time.Duration) bool {
	if s.cfg.AttackStart <= 0 {
		return false
	}
	if elapsed < s.cfg.AttackStart {
		return false
	}
	if s.cfg.AttackDuration > 0 && elapsed > s.cfg.AttackStart+s.cfg.AttackDuration {
		return false
	}
	return true
}

// normalEvent models benign document activity: occasional creates, mostly
// modifies, text-like entropy.
func (s *Simulator) normalEvent() RawEvent {
	path := s.randomPath(normalExtensions[s.rng.Intn(len(normalExtensions))])
	size := int64(1024 + s.rng.Intn(9216))
	entropy := 3.5 + s.rng.Float64()*1.5 // typical for documents

	kind := KindModify
	if s.rng.Float64() < 0.2 {
		kind = KindCreate
	}

	return RawEvent{
		Path:      path,
		Kind:      kind,
		Timestamp: time.Now(),
		Size:      &size,
		Entropy:   &entropy,
	}
}

// attackEvent models in-place encryption: high-entropy rewrites, renames to
// the ransom extension, and deletions of originals.
func (s *Simulator) attackEvent() RawEvent {
	size := int64(512 + s.rng.Intn(5120))
	entropy := 7.5 + s.rng.Float64()*0.5 // near-uniform ciphertext

	roll := s.rng.Float64()
	switch {
	case roll < 0.5:
		return RawEvent{
			Path:      s.randomPath(normalExtensions[s.rng.Intn(len(normalExtensions))]),
			Kind:      KindModify,
			Timestamp: time.Now(),
			Size:      &size,
			Entropy:   &entropy,
		}
	case roll < 0.8:
		return RawEvent{
			Path:      s.randomPath(ransomExtension),
			Kind:      KindRename,
			Timestamp: time.Now(),
		}
	default:
		return RawEvent{
			Path:      s.randomPath(normalExtensions[s.rng.Intn(len(normalExtensions))]),
			Kind:      KindDelete,
			Timestamp: time.Now(),
		}
	}
}

func (s *Simulator) randomPath(ext string) string {
	return filepath.Join(s.cfg.Root, fmt.Sprintf("file_%d%s", s.rng.Intn(1000), ext))
}
