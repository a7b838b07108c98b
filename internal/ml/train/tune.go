package train

import (
	"math/rand"

	"github.com/ternarybob/nexo/internal/ml/evaluate"
	"github.com/ternarybob/nexo/internal/ml/model"
)

const defaultTuneTrials = 20

// tuneGBDT runs seeded random search over the boosting space, maximizing
// macro-F1 on the validation split. The search space is fixed; trials and
// seed come from the options.
func (t *Trainer) tuneGBDT(X [][]float64, y []int, w []float64, valX [][]float64, valY []int, numClasses int, opts Options) model.GBDTConfig {
	trials := opts.TuneTrials
	if trials <= 0 {
		trials = defaultTuneTrials
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	depths := []int{4, 6, 8, 10}
	rates := []float64{0.03, 0.05, 0.1}
	subsamples := []float64{0.7, 0.85, 1.0}
	lambdas := []float64{0.5, 1.0, 2.0}

	best := model.DefaultGBDTConfig()
	best.Seed = opts.Seed
	bestScore := -1.0

	for trial := 0; trial < trials; trial++ {
		candidate := model.DefaultGBDTConfig()
		candidate.Seed = opts.Seed
		candidate.Rounds = 80 // shorter runs during search
		candidate.MaxDepth = depths[rng.Intn(len(depths))]
		candidate.LearningRate = rates[rng.Intn(len(rates))]
		candidate.Subsample = subsamples[rng.Intn(len(subsamples))]
		candidate.Lambda = lambdas[rng.Intn(len(lambdas))]

		clf, err := model.TrainGBDT(X, y, w, valX, valY, numClasses, candidate)
		if err != nil {
			continue
		}
		score := evaluate.MacroF1(valY, evaluate.Predict(clf, valX), numClasses)
		if score > bestScore {
			bestScore = score
			best = candidate
			best.Rounds = model.DefaultGBDTConfig().Rounds
		}
	}

	t.logger.Info().
		Float64("val_macro_f1", bestScore).
		Int("max_depth", best.MaxDepth).
		Float64("learning_rate", best.LearningRate).
		Msg("GBDT tuning finished")
	return best
}

// tuneForest searches the bagging space the same way
func (t *Trainer) tuneForest(X [][]float64, y []int, w []float64, valX [][]float64, valY []int, numClasses int, opts Options) model.ForestConfig {
	trials := opts.TuneTrials
	if trials <= 0 {
		trials = defaultTuneTrials
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	depths := []int{10, 15, 20}
	splits := []int{5, 10, 20}
	leaves := []int{2, 4, 8}

	best := model.DefaultForestConfig()
	best.Seed = opts.Seed
	bestScore := -1.0

	for trial := 0; trial < trials; trial++ {
		candidate := model.DefaultForestConfig()
		candidate.Seed = opts.Seed
		candidate.Trees = 80
		candidate.MaxDepth = depths[rng.Intn(len(depths))]
		candidate.MinSamplesSplit = splits[rng.Intn(len(splits))]
		candidate.MinSamplesLeaf = leaves[rng.Intn(len(leaves))]

		clf, err := model.TrainForest(X, y, w, numClasses, candidate)
		if err != nil {
			continue
		}
		score := evaluate.MacroF1(valY, evaluate.Predict(clf, valX), numClasses)
		if score > bestScore {
			bestScore = score
			best = candidate
			best.Trees = model.DefaultForestConfig().Trees
		}
	}

	t.logger.Info().
		Float64("val_macro_f1", bestScore).
		Int("max_depth", best.MaxDepth).
		Msg("Forest tuning finished")
	return best
}
