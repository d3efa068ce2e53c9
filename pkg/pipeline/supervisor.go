// pkg/pipeline/supervisor.go
package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	rwerrors "github.com/lucid-vigil/ransomward/pkg/errors"
	"github.com/lucid-vigil/ransomward/pkg/model"
)

// Supervisor manages one detection pipeline per monitored path. Pipelines are
// fully isolated from each other: separate aggregators, separate alert state
// machines, separate score histories. Containment on one path never affects
// another.
type Supervisor struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	logger    zerolog.Logger
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		pipelines: make(map[string]*Pipeline),
		logger:    logger.With().Str("component", "supervisor").Logger(),
	}
}

// Register adds a pipeline. Registering a second pipeline for the same path
// is a configuration error.
func (s *Supervisor) Register(p *Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[p.cfg.Path]; exists {
		return rwerrors.NewConfigurationError("supervisor", "duplicate pipeline for path", map[string]interface{}{
			"path": p.cfg.Path,
		})
	}
	s.pipelines[p.cfg.Path] = p
	s.logger.Info().Str("path", p.cfg.Path).Msg("Pipeline registered")
	return nil
}

// Start launches every registered pipeline. If one fails to start, the ones
// already running are stopped and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	started := make([]*Pipeline, 0, len(s.pipelines))
	for path, p := range s.pipelines {
		if err := p.Start(ctx); err != nil {
			s.logger.Error().Err(err).Str("path", path).Msg("Failed to start pipeline")
			for _, prev := range started {
				prev.Stop()
			}
			return err
		}
		started = append(started, p)
	}

	s.logger.Info().Int("pipelines", len(started)).Msg("All pipelines started")
	return nil
}

// Stop shuts every pipeline down, flushing their partial windows.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pipelines {
		p.Stop()
	}
	s.logger.Info().Msg("All pipelines stopped")
}

// Pipeline returns the pipeline for a path, if registered.
func (s *Supervisor) Pipeline(path string) (*Pipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[path]
	return p, ok
}

// SwapModel installs a new model on every pipeline whose feature arity it
// matches. The first mismatch error is returned after attempting all.
func (s *Supervisor) SwapModel(forest *model.Forest) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var firstErr error
	for path, p := range s.pipelines {
		if err := p.SwapModel(forest); err != nil {
			s.logger.Error().Err(err).Str("path", path).Msg("Model swap rejected")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Clear resets the alert state machine for one path.
func (s *Supervisor) Clear(path string) error {
	p, ok := s.Pipeline(path)
	if !ok {
		return rwerrors.NewInvalidInputError("supervisor", "no pipeline registered for path "+path)
	}
	p.Clear()
	return nil
}

// Snapshots returns the status of every pipeline for the API.
func (s *Supervisor) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p.Status())
	}
	return out
}
