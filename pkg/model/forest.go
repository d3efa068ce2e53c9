// Package model implements the anomaly model: an ensemble of randomized
// isolation trees fitted on baseline feature vectors. Anomalies isolate in
// few splits, so short average path lengths map to scores near 1 while
// baseline-like points settle near 0.5.
package model

import (
	"math"
	"math/rand"

	rwerrors "github.com/lucid-vigil/ransomward/pkg/errors"
	"github.com/lucid-vigil/ransomward/pkg/features"
)

// Params are the isolation forest hyperparameters.
type Params struct {
	NEstimators   int
	SubsampleSize int
	Seed          int64
}

// Forest is an ensemble of isolation trees. Once fitted it is immutable and
// safe to share read-only across concurrent Score calls; refitting means
// building a new Forest and swapping it in at a window boundary.
type Forest struct {
	nEstimators int
	subsample   int
	seed        int64
	maxDepth    int

	dim    int
	trees  []*treeNode
	cNorm  float64 // c(subsample), the normalization constant
	fitted bool
}

// treeNode is a node in an isolation tree. Leaves have nil children and carry
// the size of the subsample isolated there. Fields are exported for gob.
type treeNode struct {
	SplitFeature int
	SplitValue   float64
	Left, Right  *treeNode
	Size         int
}

// New creates an unfitted Forest with the given hyperparameters.
func New(p Params) (*Forest, error) {
	if p.NEstimators < 1 {
		return nil, rwerrors.NewConfigurationError("model", "n_estimators must be at least 1", map[string]interface{}{
			"n_estimators": p.NEstimators,
		})
	}
	if p.SubsampleSize < 2 {
		return nil, rwerrors.NewConfigurationError("model", "subsample_size must be at least 2", map[string]interface{}{
			"subsample_size": p.SubsampleSize,
		})
	}
	return &Forest{
		nEstimators: p.NEstimators,
		subsample:   p.SubsampleSize,
		seed:        p.Seed,
		maxDepth:    int(math.Ceil(math.Log2(float64(p.SubsampleSize)))),
		cNorm:       avgPathLength(float64(p.SubsampleSize)),
	}, nil
}

// Dimensions returns the fitted feature dimensionality, 0 before Fit.
func (f *Forest) Dimensions() int {
	return f.dim
}

// Seed returns the random seed the forest was built with.
func (f *Forest) Seed() int64 {
	return f.seed
}

// Fitted reports whether the forest has been trained.
func (f *Forest) Fitted() bool {
	return f.fitted
}

// Fit builds the ensemble from baseline vectors. Each tree is grown from an
// independently drawn random subsample: without replacement when the pool is
// large enough, with replacement otherwise. The random source is reseeded
// from the configured seed, so the same seed and training set reproduce the
// same model bit for bit.
func (f *Forest) Fit(vectors []features.FeatureVector) error {
	if len(vectors) == 0 {
		return rwerrors.NewInvalidInputError("model", "training set is empty")
	}

	dim := len(vectors[0].Values)
	if dim == 0 {
		return rwerrors.NewInvalidInputError("model", "training vectors have zero dimensionality")
	}
	data := make([][]float64, len(vectors))
	for i, fv := range vectors {
		if len(fv.Values) != dim {
			return rwerrors.NewInvalidInputError("model", "training vectors have inconsistent dimensionality")
		}
		data[i] = fv.Values
	}

	rng := rand.New(rand.NewSource(f.seed))

	trees := make([]*treeNode, f.nEstimators)
	for i := range trees {
		sample := f.drawSubsample(rng, data)
		trees[i] = f.buildNode(rng, sample, dim, 0)
	}

	f.dim = dim
	f.trees = trees
	f.fitted = true
	return nil
}

// drawSubsample picks subsample rows from data, without replacement when the
// pool allows it.
func (f *Forest) drawSubsample(rng *rand.Rand, data [][]float64) [][]float64 {
	sample := make([][]float64, f.subsample)
	if len(data) >= f.subsample {
		for i, idx := range rng.Perm(len(data))[:f.subsample] {
			sample[i] = data[idx]
		}
	} else {
		for i := range sample {
			sample[i] = data[rng.Intn(len(data))]
		}
	}
	return sample
}

// buildNode recursively grows one isolation tree: a uniformly random feature
// and a split value uniform in that feature's [min,max], stopping when the
// subsample is isolated or the depth cap is reached.
func (f *Forest) buildNode(rng *rand.Rand, data [][]float64, dim, depth int) *treeNode {
	n := len(data)
	if depth >= f.maxDepth || n <= 1 {
		return &treeNode{Size: n}
	}

	feature := rng.Intn(dim)

	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < minVal {
			minVal = row[feature]
		}
		if row[feature] > maxVal {
			maxVal = row[feature]
		}
	}
	if minVal == maxVal {
		// No split can separate identical values.
		return &treeNode{Size: n}
	}

	splitValue := minVal + rng.Float64()*(maxVal-minVal)

	var left, right [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &treeNode{
		SplitFeature: feature,
		SplitValue:   splitValue,
		Left:         f.buildNode(rng, left, dim, depth+1),
		Right:        f.buildNode(rng, right, dim, depth+1),
	}
}

// Score returns the anomaly score of a vector in [0,1]: 0.5 means
// indistinguishable from the training distribution, values approaching 1 mean
// highly anomalous. Score is a pure function of (model, vector).
func (f *Forest) Score(fv features.FeatureVector) (float64, error) {
	if !f.fitted {
		return 0, rwerrors.NewInvalidInputError("model", "model is not fitted")
	}
	if len(fv.Values) != f.dim {
		return 0, rwerrors.NewDimensionMismatchError("model", f.dim, len(fv.Values))
	}

	total := 0.0
	for _, root := range f.trees {
		total += pathLength(fv.Values, root, 0)
	}
	avg := total / float64(len(f.trees))

	return math.Pow(2, -avg/f.cNorm), nil
}

// pathLength walks a vector down one tree. Leaves that stopped early get the
// estimated remaining path c(size) added, the standard correction for
// unresolved subsamples.
func pathLength(values []float64, n *treeNode, depth int) float64 {
	if n.Left == nil && n.Right == nil {
		return float64(depth) + avgPathLength(float64(n.Size))
	}
	if values[n.SplitFeature] < n.SplitValue {
		return pathLength(values, n.Left, depth+1)
	}
	return pathLength(values, n.Right, depth+1)
}

// avgPathLength is c(n): the average path length of an unsuccessful search in
// a BST over n uncorrelated points, via the harmonic number approximation
// H(n) ~ ln(n) + Euler-Mascheroni.
func avgPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}
