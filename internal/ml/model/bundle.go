package model

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Classifier is the probability API both backends expose
type Classifier interface {
	PredictProba(x []float64) []float64
	NumClasses() int
}

// Scaler standardizes columns to zero mean unit variance
type Scaler struct {
	Mean []float64
	Std  []float64
}

// FitScaler computes column statistics on the training matrix
func FitScaler(X [][]float64) *Scaler {
	if len(X) == 0 {
		return &Scaler{}
	}
	cols := len(X[0])
	s := &Scaler{Mean: make([]float64, cols), Std: make([]float64, cols)}
	for _, row := range X {
		for c, v := range row {
			s.Mean[c] += v
		}
	}
	for c := range s.Mean {
		s.Mean[c] /= float64(len(X))
	}
	for _, row := range X {
		for c, v := range row {
			d := v - s.Mean[c]
			s.Std[c] += d * d
		}
	}
	for c := range s.Std {
		s.Std[c] = math.Sqrt(s.Std[c] / float64(len(X)))
		if s.Std[c] == 0 {
			s.Std[c] = 1
		}
	}
	return s
}

// Transform standardizes one row in place-safe copy
func (s *Scaler) Transform(x []float64) []float64 {
	if len(s.Mean) == 0 {
		return x
	}
	out := make([]float64, len(x))
	for c, v := range x {
		out[c] = (v - s.Mean[c]) / s.Std[c]
	}
	return out
}

// TransformAll standardizes a matrix
func (s *Scaler) TransformAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = s.Transform(row)
	}
	return out
}

// TrainingStats travel with the bundle for the registry record
type TrainingStats struct {
	Backend           string             `json:"backend"`
	TrainAccuracy     float64            `json:"train_accuracy"`
	ValAccuracy       float64            `json:"val_accuracy"`
	TestAccuracy      float64            `json:"test_accuracy"`
	ClassCounts       map[string]int     `json:"class_counts"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	TrainedAt         time.Time          `json:"trained_at"`
}

// Bundle is everything inference needs, gob-encoded as one file. Exactly one
// of GBDT/Forest is set, selected by ModelType.
type Bundle struct {
	ModelType     string // "gbdt" or "forest"
	GBDT          *GBDT
	Forest        *Forest
	FeatureNames  []string
	ActionClasses []string
	// LabelDecode maps the model's consecutive class index back to the
	// index into ActionClasses it was trained from.
	LabelDecode   []int
	Scaler        *Scaler
	TrainingStats TrainingStats
	CreatedAt     time.Time
}

// Model returns the active backend
func (b *Bundle) Model() (Classifier, error) {
	switch b.ModelType {
	case "gbdt":
		if b.GBDT == nil {
			return nil, fmt.Errorf("bundle declares gbdt but carries none")
		}
		return b.GBDT, nil
	case "forest":
		if b.Forest == nil {
			return nil, fmt.Errorf("bundle declares forest but carries none")
		}
		return b.Forest, nil
	default:
		return nil, fmt.Errorf("unknown model type %q", b.ModelType)
	}
}

// Save writes the bundle atomically: temp file in the same directory, then
// rename over the target.
func (b *Bundle) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bundle-*.gob")
	if err != nil {
		return fmt.Errorf("failed to create temp bundle: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp bundle: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move bundle into place: %w", err)
	}
	return nil
}

// LoadBundle reads a gob bundle from disk
func LoadBundle(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	var bundle Bundle
	if err := gob.NewDecoder(f).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	if _, err := bundle.Model(); err != nil {
		return nil, err
	}
	return &bundle, nil
}
