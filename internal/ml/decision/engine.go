package decision

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/ml/model"
	"github.com/ternarybob/nexo/internal/models"
)

// Ranked is one action with its probability, for predict_ranked callers
type Ranked struct {
	Action      string
	Probability float64
}

// Engine is the runtime inference wrapper around a model bundle. Pure after
// load; safe for concurrent Predict calls.
type Engine struct {
	bundle *model.Bundle
	clf    model.Classifier
	logger arbor.ILogger
}

var (
	sharedMu sync.Mutex
	shared   *Engine
)

// Load reads a bundle from disk and wraps it
func Load(path string, logger arbor.ILogger) (*Engine, error) {
	bundle, err := model.LoadBundle(path)
	if err != nil {
		return nil, err
	}
	clf, err := bundle.Model()
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("path", path).
		Str("backend", bundle.ModelType).
		Int("features", len(bundle.FeatureNames)).
		Msg("Decision model loaded")
	return &Engine{bundle: bundle, clf: clf, logger: logger}, nil
}

// Shared returns the process-wide engine, loading it on first use
func Shared(path string, logger arbor.ILogger) (*Engine, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return shared, nil
	}
	engine, err := Load(path, logger)
	if err != nil {
		return nil, err
	}
	shared = engine
	return shared, nil
}

// Predict maps a feature dict to a probability per action class. Missing
// features default to 0.0; columns are ordered per the bundle's schema; the
// output is renormalized to sum to 1.0, uniform when everything is zero.
func (e *Engine) Predict(features map[string]float64) (map[string]float64, error) {
	x := make([]float64, len(e.bundle.FeatureNames))
	for i, name := range e.bundle.FeatureNames {
		x[i] = features[name] // zero default
	}
	if e.bundle.Scaler != nil {
		x = e.bundle.Scaler.Transform(x)
	}

	raw := e.clf.PredictProba(x)

	// decode model classes back to action names, spreading over the full set
	probs := make(map[string]float64, len(e.bundle.ActionClasses))
	for _, action := range e.bundle.ActionClasses {
		probs[action] = 0
	}
	for modelIdx, p := range raw {
		original := modelIdx
		if len(e.bundle.LabelDecode) > 0 {
			if modelIdx >= len(e.bundle.LabelDecode) {
				return nil, fmt.Errorf("model emitted class %d outside decode table", modelIdx)
			}
			original = e.bundle.LabelDecode[modelIdx]
		}
		if original < 0 || original >= len(e.bundle.ActionClasses) {
			return nil, fmt.Errorf("decoded class %d outside action classes", original)
		}
		probs[e.bundle.ActionClasses[original]] = p
	}

	var sum float64
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 {
		uniform := 1.0 / float64(len(probs))
		for action := range probs {
			probs[action] = uniform
		}
		return probs, nil
	}
	for action := range probs {
		probs[action] /= sum
	}
	return probs, nil
}

// PredictRanked returns actions sorted by probability descending, ties
// broken by class order for stability.
func (e *Engine) PredictRanked(features map[string]float64) ([]Ranked, error) {
	probs, err := e.Predict(features)
	if err != nil {
		return nil, err
	}
	ranked := make([]Ranked, 0, len(probs))
	for _, action := range e.bundle.ActionClasses {
		ranked = append(ranked, Ranked{Action: action, Probability: probs[action]})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Probability > ranked[j].Probability
	})
	return ranked, nil
}

// BestAction is the convenience single-answer form
func (e *Engine) BestAction(features map[string]float64) (string, float64, error) {
	ranked, err := e.PredictRanked(features)
	if err != nil {
		return "", 0, err
	}
	return ranked[0].Action, ranked[0].Probability, nil
}

// ShadowPrediction packages a prediction for the shadow log
func (e *Engine) ShadowPrediction(features map[string]float64) (*models.ShadowPrediction, error) {
	probs, err := e.Predict(features)
	if err != nil {
		return nil, err
	}
	best, confidence := "", 0.0
	for _, action := range e.bundle.ActionClasses {
		if probs[action] > confidence {
			best = action
			confidence = probs[action]
		}
	}
	return &models.ShadowPrediction{
		Action:        best,
		Confidence:    confidence,
		Probabilities: probs,
	}, nil
}

// Stats exposes the bundle's training stats for registry comparisons
func (e *Engine) Stats() model.TrainingStats {
	return e.bundle.TrainingStats
}
