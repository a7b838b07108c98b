package evaluate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ternarybob/nexo/internal/ml/model"
)

// ClassMetrics are per-class precision/recall/F1
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Report is the full held-out evaluation
type Report struct {
	Accuracy       float64                 `json:"accuracy"`
	MacroPrecision float64                 `json:"macro_precision"`
	MacroRecall    float64                 `json:"macro_recall"`
	MacroF1        float64                 `json:"macro_f1"`
	PerClass       map[string]ClassMetrics `json:"per_class"`
	Confusion      [][]int                 `json:"confusion_matrix"`
	Classes        []string                `json:"classes"`

	// Failure-rate reduction against always-predict-the-majority-class
	BaselineAccuracy  float64 `json:"baseline_accuracy"`
	AbsoluteReduction float64 `json:"absolute_failure_reduction"`
	RelativeReduction float64 `json:"relative_failure_reduction"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Predict runs the classifier over a matrix and returns argmax labels
func Predict(clf model.Classifier, X [][]float64) []int {
	out := make([]int, len(X))
	for i, x := range X {
		out[i] = argmax(clf.PredictProba(x))
	}
	return out
}

// Evaluate computes the report for predictions against truth
func Evaluate(yTrue, yPred []int, classes []string) (*Report, error) {
	if len(yTrue) != len(yPred) {
		return nil, fmt.Errorf("length mismatch: %d true vs %d predicted", len(yTrue), len(yPred))
	}
	if len(yTrue) == 0 {
		return nil, fmt.Errorf("empty evaluation set")
	}

	k := len(classes)
	confusion := make([][]int, k)
	for i := range confusion {
		confusion[i] = make([]int, k)
	}

	correct := 0
	for i := range yTrue {
		confusion[yTrue[i]][yPred[i]]++
		if yTrue[i] == yPred[i] {
			correct++
		}
	}

	report := &Report{
		Accuracy:    float64(correct) / float64(len(yTrue)),
		PerClass:    make(map[string]ClassMetrics, k),
		Confusion:   confusion,
		Classes:     classes,
		EvaluatedAt: time.Now().UTC(),
	}

	precisions := make([]float64, k)
	recalls := make([]float64, k)
	f1s := make([]float64, k)
	for c := 0; c < k; c++ {
		var tp, fp, fn int
		for other := 0; other < k; other++ {
			if other == c {
				tp = confusion[c][c]
				continue
			}
			fp += confusion[other][c]
			fn += confusion[c][other]
		}
		precisions[c] = safeDiv(float64(tp), float64(tp+fp))
		recalls[c] = safeDiv(float64(tp), float64(tp+fn))
		f1s[c] = safeDiv(2*precisions[c]*recalls[c], precisions[c]+recalls[c])
		report.PerClass[classes[c]] = ClassMetrics{
			Precision: precisions[c],
			Recall:    recalls[c],
			F1:        f1s[c],
			Support:   tp + fn,
		}
	}
	report.MacroPrecision = stat.Mean(precisions, nil)
	report.MacroRecall = stat.Mean(recalls, nil)
	report.MacroF1 = stat.Mean(f1s, nil)

	report.BaselineAccuracy = majorityBaseline(yTrue, k)
	baselineError := 1 - report.BaselineAccuracy
	modelError := 1 - report.Accuracy
	report.AbsoluteReduction = baselineError - modelError
	if baselineError > 0 {
		report.RelativeReduction = report.AbsoluteReduction / baselineError
	}

	return report, nil
}

// MacroF1 is the tuning objective
func MacroF1(yTrue, yPred []int, numClasses int) float64 {
	classes := make([]string, numClasses)
	for i := range classes {
		classes[i] = fmt.Sprintf("c%d", i)
	}
	report, err := Evaluate(yTrue, yPred, classes)
	if err != nil {
		return 0
	}
	return report.MacroF1
}

// WriteArtifacts emits the plain-text report and metrics JSON under dir.
// Confusion-matrix plotting is text-only here; the matrix is embedded in
// the report.
func (r *Report) WriteArtifacts(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create evaluation dir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metrics.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "evaluation_report.txt"), []byte(r.Text()), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Text renders the report including an aligned confusion matrix
func (r *Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluation report (%s)\n\n", r.EvaluatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Accuracy:         %.4f\n", r.Accuracy)
	fmt.Fprintf(&b, "Macro precision:  %.4f\n", r.MacroPrecision)
	fmt.Fprintf(&b, "Macro recall:     %.4f\n", r.MacroRecall)
	fmt.Fprintf(&b, "Macro F1:         %.4f\n\n", r.MacroF1)
	fmt.Fprintf(&b, "Baseline (majority class) accuracy: %.4f\n", r.BaselineAccuracy)
	fmt.Fprintf(&b, "Failure-rate reduction: %.4f absolute, %.1f%% of baseline error\n\n",
		r.AbsoluteReduction, 100*r.RelativeReduction)

	b.WriteString("Per-class metrics:\n")
	for _, class := range r.Classes {
		m := r.PerClass[class]
		fmt.Fprintf(&b, "  %-10s precision=%.4f recall=%.4f f1=%.4f support=%d\n",
			class, m.Precision, m.Recall, m.F1, m.Support)
	}

	b.WriteString("\nConfusion matrix (rows=true, cols=predicted):\n")
	fmt.Fprintf(&b, "%12s", "")
	for _, class := range r.Classes {
		fmt.Fprintf(&b, "%10s", class)
	}
	b.WriteString("\n")
	for i, class := range r.Classes {
		fmt.Fprintf(&b, "%12s", class)
		for j := range r.Classes {
			fmt.Fprintf(&b, "%10d", r.Confusion[i][j])
		}
		b.WriteString("\n")
	}
	return b.String()
}

func argmax(probs []float64) int {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func majorityBaseline(yTrue []int, numClasses int) float64 {
	counts := make([]int, numClasses)
	for _, label := range yTrue {
		counts[label]++
	}
	best := 0
	for _, c := range counts {
		if c > best {
			best = c
		}
	}
	return float64(best) / float64(len(yTrue))
}
