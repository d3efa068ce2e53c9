// pkg/model/store.go
package model

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// latestName is the stable name the most recent model is reachable under.
const latestName = "model_latest.gob"

// forestSnapshot is the gob wire form of a fitted Forest. It round-trips
// everything needed to score identically: tree structures, seed,
// dimensionality, and the subsample size the normalization derives from.
type forestSnapshot struct {
	NEstimators   int
	SubsampleSize int
	Seed          int64
	Dim           int
	Trees         []*treeNode
}

// Encode serializes a fitted forest.
func (f *Forest) Encode() ([]byte, error) {
	if !f.fitted {
		return nil, fmt.Errorf("cannot encode unfitted model")
	}

	var buf bytes.Buffer
	snap := forestSnapshot{
		NEstimators:   f.nEstimators,
		SubsampleSize: f.subsample,
		Seed:          f.seed,
		Dim:           f.dim,
		Trees:         f.trees,
	}
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return nil, fmt.Errorf("failed to encode model: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reconstructs a fitted forest from Encode output.
func Decode(data []byte) (*Forest, error) {
	var snap forestSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}

	return &Forest{
		nEstimators: snap.NEstimators,
		subsample:   snap.SubsampleSize,
		seed:        snap.Seed,
		maxDepth:    int(math.Ceil(math.Log2(float64(snap.SubsampleSize)))),
		cNorm:       avgPathLength(float64(snap.SubsampleSize)),
		dim:         snap.Dim,
		trees:       snap.Trees,
		fitted:      true,
	}, nil
}

// Store persists trained models on disk. Every save writes a timestamped
// version and repoints a stable "latest" entry at it, so operators can roll
// back by hand while the pipeline always loads the newest model.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "model_store").Logger(),
	}
}

// Save writes a versioned copy of the model and updates the latest link.
func (s *Store) Save(f *Forest) (string, error) {
	data, err := f.Encode()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create model dir: %w", err)
	}

	versioned := filepath.Join(s.dir, fmt.Sprintf("model_%s.gob", time.Now().Format("20060102_150405")))
	if err := os.WriteFile(versioned, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write model: %w", err)
	}

	latest := filepath.Join(s.dir, latestName)
	if err := os.Remove(latest); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to replace latest model link: %w", err)
	}
	if err := os.Symlink(filepath.Base(versioned), latest); err != nil {
		// Filesystems without symlink support get a plain copy.
		if err := os.WriteFile(latest, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write latest model: %w", err)
		}
	}

	s.logger.Info().Str("path", versioned).Msg("Model saved")
	return versioned, nil
}

// Load reads the latest saved model.
func (s *Store) Load() (*Forest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, latestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read latest model: %w", err)
	}
	return Decode(data)
}

// LoadPath reads a specific saved model version.
func (s *Store) LoadPath(path string) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", path, err)
	}
	return Decode(data)
}
