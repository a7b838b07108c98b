package model

import (
	"fmt"
	"math"
	"math/rand"
)

// GBDTConfig are the boosting hyperparameters. Zero values are replaced by
// the defaults in DefaultGBDTConfig.
type GBDTConfig struct {
	Rounds         int
	LearningRate   float64
	MaxDepth       int
	Subsample      float64
	ColSample      float64
	MinChildWeight float64
	Lambda         float64
	Gamma          float64
	Patience       int
	Seed           int64
}

// DefaultGBDTConfig mirrors the tuned production settings
func DefaultGBDTConfig() GBDTConfig {
	return GBDTConfig{
		Rounds:         200,
		LearningRate:   0.05,
		MaxDepth:       8,
		Subsample:      0.85,
		ColSample:      0.85,
		MinChildWeight: 3,
		Lambda:         1.0,
		Gamma:          0.1,
		Patience:       10,
		Seed:           42,
	}
}

// GBDT is a softmax gradient-boosted tree ensemble: one tree per class per
// round, scores summed then softmaxed.
type GBDT struct {
	Config     GBDTConfig
	Classes    int
	BaseScores []float64
	Rounds     [][]*TreeNode // [round][class]
}

// TrainGBDT fits the ensemble on (X, y, w) with early stopping on validation
// log-loss. Validation may be empty; boosting then runs all rounds.
func TrainGBDT(X [][]float64, y []int, w []float64, valX [][]float64, valY []int, numClasses int, config GBDTConfig) (*GBDT, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("empty training set")
	}
	if config.Rounds == 0 {
		config = DefaultGBDTConfig()
	}
	if w == nil {
		w = uniformWeights(len(X))
	}

	rng := rand.New(rand.NewSource(config.Seed))

	model := &GBDT{
		Config:     config,
		Classes:    numClasses,
		BaseScores: basePriors(y, w, numClasses),
	}

	n := len(X)
	scores := make([][]float64, n)
	for i := range scores {
		scores[i] = append([]float64(nil), model.BaseScores...)
	}
	var valScores [][]float64
	for range valX {
		valScores = append(valScores, append([]float64(nil), model.BaseScores...))
	}

	grad := make([]float64, n)
	hess := make([]float64, n)
	probs := make([]float64, numClasses)

	bestLoss := math.Inf(1)
	bestRound := 0
	sinceBest := 0

	params := regressionParams{
		maxDepth:       config.MaxDepth,
		minChildWeight: config.MinChildWeight,
		lambda:         config.Lambda,
		gamma:          config.Gamma,
		colSample:      config.ColSample,
		rng:            rng,
	}

	for round := 0; round < config.Rounds; round++ {
		rows := subsampleRows(n, config.Subsample, rng)
		roundTrees := make([]*TreeNode, numClasses)

		for class := 0; class < numClasses; class++ {
			for i := 0; i < n; i++ {
				softmaxInto(scores[i], probs)
				p := probs[class]
				target := 0.0
				if y[i] == class {
					target = 1.0
				}
				grad[i] = w[i] * (p - target)
				hess[i] = w[i] * p * (1 - p)
				if hess[i] < 1e-9 {
					hess[i] = 1e-9
				}
			}
			roundTrees[class] = buildRegressionTree(X, grad, hess, rows, params)
		}

		// apply the whole round before recomputing gradients next round
		for class, tree := range roundTrees {
			for i := 0; i < n; i++ {
				scores[i][class] += config.LearningRate * tree.PredictValue(X[i])
			}
			for i := range valX {
				valScores[i][class] += config.LearningRate * tree.PredictValue(valX[i])
			}
		}
		model.Rounds = append(model.Rounds, roundTrees)

		if len(valX) > 0 {
			loss := logLoss(valScores, valY, numClasses)
			if loss < bestLoss-1e-7 {
				bestLoss = loss
				bestRound = round
				sinceBest = 0
			} else {
				sinceBest++
				if config.Patience > 0 && sinceBest >= config.Patience {
					model.Rounds = model.Rounds[:bestRound+1]
					break
				}
			}
		}
	}

	return model, nil
}

// PredictProba returns the softmax class distribution for one sample
func (m *GBDT) PredictProba(x []float64) []float64 {
	scores := append([]float64(nil), m.BaseScores...)
	for _, round := range m.Rounds {
		for class, tree := range round {
			scores[class] += m.Config.LearningRate * tree.PredictValue(x)
		}
	}
	out := make([]float64, m.Classes)
	softmaxInto(scores, out)
	return out
}

// NumClasses reports the width of the output distribution
func (m *GBDT) NumClasses() int {
	return m.Classes
}

func basePriors(y []int, w []float64, numClasses int) []float64 {
	counts := make([]float64, numClasses)
	var total float64
	for i, label := range y {
		counts[label] += w[i]
		total += w[i]
	}
	priors := make([]float64, numClasses)
	for c := range priors {
		p := counts[c] / total
		if p < 1e-9 {
			p = 1e-9
		}
		priors[c] = math.Log(p)
	}
	return priors
}

func subsampleRows(n int, fraction float64, rng *rand.Rand) []int {
	if fraction <= 0 || fraction >= 1 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}
	count := int(math.Ceil(fraction * float64(n)))
	perm := rng.Perm(n)
	rows := append([]int(nil), perm[:count]...)
	return rows
}

func softmaxInto(scores []float64, out []float64) {
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
}

func logLoss(scores [][]float64, y []int, numClasses int) float64 {
	probs := make([]float64, numClasses)
	var loss float64
	for i, s := range scores {
		softmaxInto(s, probs)
		p := probs[y[i]]
		if p < 1e-12 {
			p = 1e-12
		}
		loss -= math.Log(p)
	}
	return loss / float64(len(scores))
}

func uniformWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}
