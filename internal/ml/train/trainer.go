package train

import (
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/ml/dataset"
	"github.com/ternarybob/nexo/internal/ml/evaluate"
	"github.com/ternarybob/nexo/internal/ml/model"
	"github.com/ternarybob/nexo/internal/models"
)

// Backend names, in preference order
const (
	BackendGBDT   = "gbdt"
	BackendForest = "forest"
)

// Options control one training run
type Options struct {
	Backend    string // empty selects the first available backend
	UseSMOTE   bool
	Tune       bool
	TuneTrials int
	Seed       int64
}

// Trainer fits a multiclass action model from prepared splits
type Trainer struct {
	logger arbor.ILogger
}

func NewTrainer(logger arbor.ILogger) *Trainer {
	return &Trainer{logger: logger}
}

// Train runs target preparation, optional SMOTE, optional tuning, the fit
// itself, and wraps everything into a bundle.
func (t *Trainer) Train(prep *dataset.Prepared, opts Options) (*model.Bundle, error) {
	if len(prep.XTrain) == 0 {
		return nil, fmt.Errorf("training split is empty")
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	backend := opts.Backend
	if backend == "" {
		backend = BackendGBDT
	}
	if backend != BackendGBDT && backend != BackendForest {
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	yTrain, decode, err := PrepareTargets(prep.YTrain)
	if err != nil {
		return nil, err
	}
	yVal := remapWith(prep.YVal, decode)
	numClasses := len(decode)

	X, y := prep.XTrain, yTrain
	if opts.UseSMOTE {
		before := classCounts(y, numClasses)
		X, y = Smote(X, y, opts.Seed)
		t.logger.Info().
			Str("before", fmt.Sprint(before)).
			Str("after", fmt.Sprint(classCounts(y, numClasses))).
			Msg("SMOTE applied to training split")
	}

	weights := BalancedWeights(y, numClasses)

	var clf model.Classifier
	switch backend {
	case BackendGBDT:
		config := model.DefaultGBDTConfig()
		config.Seed = opts.Seed
		if opts.Tune {
			config = t.tuneGBDT(X, y, weights, prep.XVal, yVal, numClasses, opts)
		}
		clf, err = model.TrainGBDT(X, y, weights, prep.XVal, yVal, numClasses, config)
	case BackendForest:
		config := model.DefaultForestConfig()
		config.Seed = opts.Seed
		if opts.Tune {
			config = t.tuneForest(X, y, weights, prep.XVal, yVal, numClasses, opts)
		}
		clf, err = model.TrainForest(X, y, weights, numClasses, config)
	}
	if err != nil {
		return nil, fmt.Errorf("%s training failed: %w", backend, err)
	}

	stats := model.TrainingStats{
		Backend:           backend,
		TrainAccuracy:     accuracy(clf, X, y),
		ValAccuracy:       accuracy(clf, prep.XVal, yVal),
		TestAccuracy:      accuracy(clf, prep.XTest, remapWith(prep.YTest, decode)),
		ClassCounts:       namedClassCounts(y, decode),
		FeatureImportance: featureImportance(clf, prep.FeatureNames),
		TrainedAt:         time.Now().UTC(),
	}
	t.logger.Info().
		Str("backend", backend).
		Float64("train_accuracy", stats.TrainAccuracy).
		Float64("val_accuracy", stats.ValAccuracy).
		Float64("test_accuracy", stats.TestAccuracy).
		Msg("Model trained")

	bundle := &model.Bundle{
		ModelType:     backend,
		FeatureNames:  prep.FeatureNames,
		ActionClasses: models.ActionClasses,
		LabelDecode:   decode,
		Scaler:        nil, // features arrive pre-scaled via the encoder bundle
		TrainingStats: stats,
		CreatedAt:     time.Now().UTC(),
	}
	switch backend {
	case BackendGBDT:
		bundle.GBDT = clf.(*model.GBDT)
	case BackendForest:
		bundle.Forest = clf.(*model.Forest)
	}
	return bundle, nil
}

// PrepareTargets validates labels and remaps non-consecutive ones to
// [0..k-1], returning the decode table (model index -> original class index).
func PrepareTargets(y []int) ([]int, []int, error) {
	observed := make(map[int]bool)
	for _, label := range y {
		if label < 0 || label >= len(models.ActionClasses) {
			return nil, nil, fmt.Errorf("label %d out of range; prepare the dataset with an action_type target", label)
		}
		observed[label] = true
	}
	if len(observed) < 2 {
		return nil, nil, fmt.Errorf("need at least two classes, found %d", len(observed))
	}

	decode := make([]int, 0, len(observed))
	for label := range observed {
		decode = append(decode, label)
	}
	sort.Ints(decode)

	encode := make(map[int]int, len(decode))
	for consecutive, original := range decode {
		encode[original] = consecutive
	}

	remapped := make([]int, len(y))
	for i, label := range y {
		remapped[i] = encode[label]
	}
	return remapped, decode, nil
}

// BalancedWeights gives each sample weight n / (k * count(class))
func BalancedWeights(y []int, numClasses int) []float64 {
	counts := classCounts(y, numClasses)
	n := float64(len(y))
	k := float64(numClasses)
	weights := make([]float64, len(y))
	for i, label := range y {
		weights[i] = n / (k * float64(counts[label]))
	}
	return weights
}

func remapWith(y []int, decode []int) []int {
	encode := make(map[int]int, len(decode))
	for consecutive, original := range decode {
		encode[original] = consecutive
	}
	out := make([]int, len(y))
	for i, label := range y {
		if mapped, ok := encode[label]; ok {
			out[i] = mapped
		}
	}
	return out
}

func classCounts(y []int, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, label := range y {
		counts[label]++
	}
	return counts
}

func namedClassCounts(y []int, decode []int) map[string]int {
	counts := make(map[string]int)
	for _, label := range y {
		counts[models.ActionClasses[decode[label]]]++
	}
	return counts
}

func accuracy(clf model.Classifier, X [][]float64, y []int) float64 {
	if len(X) == 0 {
		return 0
	}
	pred := evaluate.Predict(clf, X)
	correct := 0
	for i := range y {
		if pred[i] == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(y))
}

func featureImportance(clf model.Classifier, names []string) map[string]float64 {
	counts := make([]float64, len(names))
	switch m := clf.(type) {
	case *model.GBDT:
		for _, round := range m.Rounds {
			for _, tree := range round {
				countSplits(tree, counts)
			}
		}
	case *model.Forest:
		for _, tree := range m.Trees {
			countSplits(tree, counts)
		}
	}
	var total float64
	for _, c := range counts {
		total += c
	}
	importance := make(map[string]float64, len(names))
	for i, name := range names {
		if total > 0 {
			importance[name] = counts[i] / total
		} else {
			importance[name] = 0
		}
	}
	return importance
}

func countSplits(node *model.TreeNode, counts []float64) {
	if node == nil || node.Leaf {
		return
	}
	if node.Feature >= 0 && node.Feature < len(counts) {
		counts[node.Feature]++
	}
	countSplits(node.Left, counts)
	countSplits(node.Right, counts)
}
