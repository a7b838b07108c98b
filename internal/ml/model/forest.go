package model

import (
	"fmt"
	"math/rand"
)

// ForestConfig are the bagging hyperparameters
type ForestConfig struct {
	Trees           int
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	Seed            int64
}

// DefaultForestConfig mirrors the tuned production settings
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:           200,
		MaxDepth:        15,
		MinSamplesSplit: 10,
		MinSamplesLeaf:  4,
		Seed:            42,
	}
}

// Forest is a bootstrap-aggregated set of gini trees with sqrt feature
// sampling; prediction averages leaf distributions.
type Forest struct {
	Config  ForestConfig
	Classes int
	Trees   []*TreeNode
}

// TrainForest fits the forest on (X, y, w)
func TrainForest(X [][]float64, y []int, w []float64, numClasses int, config ForestConfig) (*Forest, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("empty training set")
	}
	if config.Trees == 0 {
		config = DefaultForestConfig()
	}
	if w == nil {
		w = uniformWeights(len(X))
	}

	rng := rand.New(rand.NewSource(config.Seed))
	forest := &Forest{Config: config, Classes: numClasses}

	params := classificationParams{
		numClasses:      numClasses,
		maxDepth:        config.MaxDepth,
		minSamplesSplit: config.MinSamplesSplit,
		minSamplesLeaf:  config.MinSamplesLeaf,
		colSample:       -1, // sqrt
		rng:             rng,
	}

	n := len(X)
	for t := 0; t < config.Trees; t++ {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = rng.Intn(n)
		}
		forest.Trees = append(forest.Trees, buildClassificationTree(X, y, w, rows, params))
	}
	return forest, nil
}

// PredictProba averages the member trees' leaf distributions
func (f *Forest) PredictProba(x []float64) []float64 {
	out := make([]float64, f.Classes)
	for _, tree := range f.Trees {
		dist := tree.PredictDist(x)
		for c, p := range dist {
			out[c] += p
		}
	}
	for c := range out {
		out[c] /= float64(len(f.Trees))
	}
	return out
}

// NumClasses reports the width of the output distribution
func (f *Forest) NumClasses() int {
	return f.Classes
}
