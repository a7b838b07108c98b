package train

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/ml/dataset"
)

// clusterCenters gives each class a well separated region so a correct
// trainer reaches near perfect accuracy.
var clusterCenters = [][]float64{
	{0, 0},
	{8, 8},
	{0, 8},
	{8, 0},
}

func separablePrepared(rowsPerClass int, classes []int) *dataset.Prepared {
	rng := rand.New(rand.NewSource(7))
	var X [][]float64
	var y []int
	for _, class := range classes {
		center := clusterCenters[class]
		for i := 0; i < rowsPerClass; i++ {
			X = append(X, []float64{
				center[0] + rng.NormFloat64()*0.3,
				center[1] + rng.NormFloat64()*0.3,
			})
			y = append(y, class)
		}
	}

	prep := &dataset.Prepared{FeatureNames: []string{"f0", "f1"}}
	for i := range X {
		switch i % 10 {
		case 8:
			prep.XVal = append(prep.XVal, X[i])
			prep.YVal = append(prep.YVal, y[i])
		case 9:
			prep.XTest = append(prep.XTest, X[i])
			prep.YTest = append(prep.YTest, y[i])
		default:
			prep.XTrain = append(prep.XTrain, X[i])
			prep.YTrain = append(prep.YTrain, y[i])
		}
	}
	return prep
}

func TestPrepareTargetsConsecutive(t *testing.T) {
	remapped, decode, err := PrepareTargets([]int{0, 1, 2, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 1, 0}, remapped)
	assert.Equal(t, []int{0, 1, 2}, decode)
}

func TestPrepareTargetsNonConsecutive(t *testing.T) {
	remapped, decode, err := PrepareTargets([]int{0, 3, 0, 3, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 1, 1}, remapped)
	assert.Equal(t, []int{0, 3}, decode)
}

func TestPrepareTargetsRejectsOutOfRange(t *testing.T) {
	_, _, err := PrepareTargets([]int{0, 1, 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestPrepareTargetsRejectsSingleClass(t *testing.T) {
	_, _, err := PrepareTargets([]int{2, 2, 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two classes")
}

func TestBalancedWeights(t *testing.T) {
	weights := BalancedWeights([]int{0, 0, 0, 1}, 2)
	require.Len(t, weights, 4)
	assert.InDelta(t, 4.0/6.0, weights[0], 1e-9)
	assert.InDelta(t, 4.0/6.0, weights[2], 1e-9)
	assert.InDelta(t, 2.0, weights[3], 1e-9)
}

func TestSmoteBalancesClasses(t *testing.T) {
	X := [][]float64{
		{0, 0}, {0.1, 0}, {0, 0.1}, {0.1, 0.1}, {0.2, 0},
		{5, 5}, {5.1, 5},
	}
	y := []int{0, 0, 0, 0, 0, 1, 1}

	outX, outY := Smote(X, y, 42)
	counts := map[int]int{}
	for _, label := range outY {
		counts[label]++
	}
	assert.Equal(t, 5, counts[0])
	assert.Equal(t, 5, counts[1])
	require.Len(t, outX, len(outY))

	// original samples survive unchanged at the front
	for i := range X {
		assert.Equal(t, X[i], outX[i])
		assert.Equal(t, y[i], outY[i])
	}

	// synthetic minority points interpolate between the two class-1 samples
	for i := len(X); i < len(outX); i++ {
		require.Equal(t, 1, outY[i])
		assert.GreaterOrEqual(t, outX[i][0], 5.0)
		assert.LessOrEqual(t, outX[i][0], 5.1)
	}
}

func TestSmoteDeterministic(t *testing.T) {
	X := [][]float64{{0, 0}, {1, 0}, {0, 1}, {9, 9}, {9, 8}}
	y := []int{0, 0, 0, 1, 1}
	aX, aY := Smote(X, y, 42)
	bX, bY := Smote(X, y, 42)
	assert.Equal(t, aX, bX)
	assert.Equal(t, aY, bY)
}

func TestTrainGBDTSeparable(t *testing.T) {
	prep := separablePrepared(30, []int{0, 1, 2, 3})
	bundle, err := NewTrainer(arbor.NewLogger()).Train(prep, Options{Backend: BackendGBDT, Seed: 42})
	require.NoError(t, err)

	assert.Equal(t, BackendGBDT, bundle.ModelType)
	require.NotNil(t, bundle.GBDT)
	assert.Nil(t, bundle.Forest)
	assert.Equal(t, []string{"f0", "f1"}, bundle.FeatureNames)
	assert.Equal(t, []int{0, 1, 2, 3}, bundle.LabelDecode)
	assert.Greater(t, bundle.TrainingStats.TrainAccuracy, 0.95)
	assert.Greater(t, bundle.TrainingStats.TestAccuracy, 0.9)
}

func TestTrainForestSeparable(t *testing.T) {
	prep := separablePrepared(30, []int{0, 1, 2, 3})
	bundle, err := NewTrainer(arbor.NewLogger()).Train(prep, Options{Backend: BackendForest, Seed: 42})
	require.NoError(t, err)

	assert.Equal(t, BackendForest, bundle.ModelType)
	require.NotNil(t, bundle.Forest)
	assert.Nil(t, bundle.GBDT)
	assert.Greater(t, bundle.TrainingStats.TestAccuracy, 0.9)
}

func TestTrainRecordsDecodeForMissingClasses(t *testing.T) {
	prep := separablePrepared(30, []int{0, 2})
	bundle, err := NewTrainer(arbor.NewLogger()).Train(prep, Options{Backend: BackendGBDT, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, bundle.LabelDecode)

	// class counts are named with the original class labels
	assert.Contains(t, bundle.TrainingStats.ClassCounts, "comment")
	assert.Contains(t, bundle.TrainingStats.ClassCounts, "forum")
	assert.NotContains(t, bundle.TrainingStats.ClassCounts, "profile")
}

func TestTrainWithSMOTE(t *testing.T) {
	prep := separablePrepared(40, []int{0, 1})
	// skew the training split so class 1 is a minority
	var X [][]float64
	var y []int
	kept := 0
	for i := range prep.YTrain {
		if prep.YTrain[i] == 1 {
			kept++
			if kept%4 != 0 {
				continue
			}
		}
		X = append(X, prep.XTrain[i])
		y = append(y, prep.YTrain[i])
	}
	prep.XTrain, prep.YTrain = X, y

	bundle, err := NewTrainer(arbor.NewLogger()).Train(prep, Options{Backend: BackendGBDT, UseSMOTE: true, Seed: 42})
	require.NoError(t, err)
	assert.Greater(t, bundle.TrainingStats.TestAccuracy, 0.9)
}

func TestTrainRejectsUnknownBackend(t *testing.T) {
	prep := separablePrepared(10, []int{0, 1})
	_, err := NewTrainer(arbor.NewLogger()).Train(prep, Options{Backend: "xgboost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestTrainRejectsEmptySplit(t *testing.T) {
	_, err := NewTrainer(arbor.NewLogger()).Train(&dataset.Prepared{}, Options{})
	require.Error(t, err)
}
