package model

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoCluster(n int) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(3))
	var X [][]float64
	var y []int
	for i := 0; i < n; i++ {
		X = append(X, []float64{rng.NormFloat64() * 0.4, rng.NormFloat64() * 0.4})
		y = append(y, 0)
		X = append(X, []float64{6 + rng.NormFloat64()*0.4, 6 + rng.NormFloat64()*0.4})
		y = append(y, 1)
	}
	return X, y
}

func argmax(p []float64) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}

func TestGBDTLearnsSeparableClusters(t *testing.T) {
	X, y := twoCluster(60)
	clf, err := TrainGBDT(X, y, nil, nil, nil, 2, DefaultGBDTConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, clf.NumClasses())

	correct := 0
	for i := range X {
		probs := clf.PredictProba(X[i])
		require.Len(t, probs, 2)
		sum := probs[0] + probs[1]
		assert.InDelta(t, 1.0, sum, 1e-6)
		if argmax(probs) == y[i] {
			correct++
		}
	}
	assert.Greater(t, float64(correct)/float64(len(X)), 0.98)
}

func TestGBDTDeterministicPerSeed(t *testing.T) {
	X, y := twoCluster(30)
	config := DefaultGBDTConfig()
	config.Rounds = 20

	a, err := TrainGBDT(X, y, nil, nil, nil, 2, config)
	require.NoError(t, err)
	b, err := TrainGBDT(X, y, nil, nil, nil, 2, config)
	require.NoError(t, err)

	for i := range X {
		assert.Equal(t, a.PredictProba(X[i]), b.PredictProba(X[i]))
	}
}

func TestGBDTRejectsEmptyInput(t *testing.T) {
	_, err := TrainGBDT(nil, nil, nil, nil, nil, 2, DefaultGBDTConfig())
	require.Error(t, err)
}

func TestForestLearnsSeparableClusters(t *testing.T) {
	X, y := twoCluster(60)
	config := DefaultForestConfig()
	config.Trees = 50
	clf, err := TrainForest(X, y, nil, 2, config)
	require.NoError(t, err)
	assert.Equal(t, 2, clf.NumClasses())

	correct := 0
	for i := range X {
		probs := clf.PredictProba(X[i])
		require.Len(t, probs, 2)
		assert.InDelta(t, 1.0, probs[0]+probs[1], 1e-6)
		if argmax(probs) == y[i] {
			correct++
		}
	}
	assert.Greater(t, float64(correct)/float64(len(X)), 0.98)
}

func TestScalerStandardizes(t *testing.T) {
	X := [][]float64{{0, 100}, {2, 200}, {4, 300}}
	s := FitScaler(X)
	assert.InDelta(t, 2.0, s.Mean[0], 1e-9)
	assert.InDelta(t, 200.0, s.Mean[1], 1e-9)

	out := s.TransformAll(X)
	var sum0 float64
	for _, row := range out {
		sum0 += row[0]
	}
	assert.InDelta(t, 0.0, sum0, 1e-9)
	// middle row sits on the mean
	assert.InDelta(t, 0.0, out[1][0], 1e-9)
	assert.InDelta(t, 0.0, out[1][1], 1e-9)
}

func TestScalerConstantColumn(t *testing.T) {
	s := FitScaler([][]float64{{5}, {5}, {5}})
	out := s.Transform([]float64{5})
	assert.Equal(t, 0.0, out[0])
}

func TestBundleSaveLoadRoundTrip(t *testing.T) {
	X, y := twoCluster(30)
	config := DefaultGBDTConfig()
	config.Rounds = 15
	clf, err := TrainGBDT(X, y, nil, nil, nil, 2, config)
	require.NoError(t, err)

	bundle := &Bundle{
		ModelType:     "gbdt",
		GBDT:          clf,
		FeatureNames:  []string{"f0", "f1"},
		ActionClasses: []string{"comment", "profile", "forum", "guest"},
		LabelDecode:   []int{0, 2},
		TrainingStats: TrainingStats{Backend: "gbdt", TestAccuracy: 0.99},
		CreatedAt:     time.Now().UTC(),
	}

	path := filepath.Join(t.TempDir(), "models", "bundle.gob")
	require.NoError(t, bundle.Save(path))

	loaded, err := LoadBundle(path)
	require.NoError(t, err)
	assert.Equal(t, bundle.ModelType, loaded.ModelType)
	assert.Equal(t, bundle.FeatureNames, loaded.FeatureNames)
	assert.Equal(t, bundle.LabelDecode, loaded.LabelDecode)
	assert.Equal(t, bundle.TrainingStats.TestAccuracy, loaded.TrainingStats.TestAccuracy)

	// loaded model predicts identically
	for i := 0; i < 5; i++ {
		assert.Equal(t, bundle.GBDT.PredictProba(X[i]), loaded.GBDT.PredictProba(X[i]))
	}
}

func TestBundleModelSelection(t *testing.T) {
	_, err := (&Bundle{ModelType: "gbdt"}).Model()
	require.Error(t, err)

	_, err = (&Bundle{ModelType: "svm"}).Model()
	require.Error(t, err)

	X, y := twoCluster(10)
	config := DefaultForestConfig()
	config.Trees = 5
	forest, err := TrainForest(X, y, nil, 2, config)
	require.NoError(t, err)
	clf, err := (&Bundle{ModelType: "forest", Forest: forest}).Model()
	require.NoError(t, err)
	assert.Equal(t, 2, clf.NumClasses())
}
