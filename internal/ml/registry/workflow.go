package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/ml/dataset"
	"github.com/ternarybob/nexo/internal/ml/evaluate"
	"github.com/ternarybob/nexo/internal/ml/features"
	"github.com/ternarybob/nexo/internal/ml/feedback"
	"github.com/ternarybob/nexo/internal/ml/model"
	"github.com/ternarybob/nexo/internal/ml/train"
)

// WorkflowOptions control one retraining cycle
type WorkflowOptions struct {
	Train           train.Options
	AcceptanceDelta float64 // min absolute test-accuracy gain over production
	Sources         feedback.Sources
	RawDatasetPath  string // fallback when no enriched dataset has accumulated
}

// WorkflowResult reports what one cycle did
type WorkflowResult struct {
	Version      string    `json:"version"`
	Deployed     bool      `json:"deployed"`
	TestAccuracy float64   `json:"test_accuracy"`
	ProdAccuracy float64   `json:"prod_accuracy"` // -1 when no comparable production model
	MacroF1      float64   `json:"macro_f1"`
	RowsIngested int       `json:"rows_ingested"`
	DatasetRows  int       `json:"dataset_rows"`
	StartedAt    time.Time `json:"started_at"`
	Duration     string    `json:"duration"`
}

// Workflow runs the full retraining cycle: collect feedback, prepare the
// dataset, train a candidate, evaluate it, gate it against the production
// model, and deploy when it clears the gate.
type Workflow struct {
	registry  *Registry
	collector *feedback.Collector
	extractor *features.Extractor // nil disables capability enrichment
	dataRoot  string
	logger    arbor.ILogger
}

func NewWorkflow(reg *Registry, collector *feedback.Collector, dataRoot string, logger arbor.ILogger) *Workflow {
	return &Workflow{registry: reg, collector: collector, dataRoot: dataRoot, logger: logger}
}

// UseExtractor enables DOM capability enrichment of the dataset before each
// training cycle
func (w *Workflow) UseExtractor(extractor *features.Extractor) {
	w.extractor = extractor
}

func (w *Workflow) Run(ctx context.Context, opts WorkflowOptions) (*WorkflowResult, error) {
	started := time.Now().UTC()
	result := &WorkflowResult{ProdAccuracy: -1, StartedAt: started}

	ingested, err := w.collector.Collect(ctx, opts.Sources)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Feedback collection failed, training on existing data")
	}
	result.RowsIngested = ingested

	sourcePath := w.collector.MasterPath()
	if _, err := os.Stat(sourcePath); err != nil {
		if opts.RawDatasetPath == "" {
			return nil, fmt.Errorf("no enriched dataset at %s and no fallback configured", sourcePath)
		}
		w.logger.Info().Str("path", opts.RawDatasetPath).Msg("No enriched dataset yet, using raw fallback")
		sourcePath = opts.RawDatasetPath
	}

	prepDir := filepath.Join(w.dataRoot, "datasets", started.Format("20060102-150405"))
	if w.extractor != nil {
		enriched := filepath.Join(prepDir, "source_enriched.csv")
		if n, err := w.extractor.EnrichDataset(ctx, sourcePath, enriched); err != nil {
			w.logger.Warn().Err(err).Msg("Capability enrichment failed, training on unenriched data")
		} else {
			w.logger.Info().Int("rows", n).Str("path", enriched).Msg("Capability columns enriched")
			sourcePath = enriched
		}
	}
	prep, err := dataset.NewPreparator(w.logger).Prepare(sourcePath, prepDir)
	if err != nil {
		return nil, fmt.Errorf("dataset preparation failed: %w", err)
	}
	result.DatasetRows = prep.Metadata.Rows

	bundle, err := train.NewTrainer(w.logger).Train(prep, opts.Train)
	if err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}

	report, err := w.evaluateBundle(bundle, prep)
	if err != nil {
		return nil, err
	}
	result.TestAccuracy = report.Accuracy
	result.MacroF1 = report.MacroF1
	if err := report.WriteArtifacts(prepDir); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to write evaluation artifacts")
	}

	candidatePath := filepath.Join(w.dataRoot, "models", "candidate.gob")
	if err := bundle.Save(candidatePath); err != nil {
		return nil, fmt.Errorf("failed to save candidate bundle: %w", err)
	}

	accept, prodAccuracy := w.gate(bundle, prep, report.Accuracy, opts.AcceptanceDelta)
	result.ProdAccuracy = prodAccuracy

	stats := map[string]float64{
		"test_accuracy": report.Accuracy,
		"macro_f1":      report.MacroF1,
		"val_accuracy":  bundle.TrainingStats.ValAccuracy,
	}
	record, err := w.registry.CreateVersion(candidatePath, sourcePath, stats)
	if err != nil {
		return nil, err
	}
	result.Version = record.Version

	if accept {
		if err := w.registry.Deploy(record.Version); err != nil {
			return nil, err
		}
		result.Deployed = true
	} else {
		w.logger.Info().
			Str("version", record.Version).
			Float64("candidate_accuracy", report.Accuracy).
			Float64("production_accuracy", prodAccuracy).
			Msg("Candidate registered but not deployed")
	}

	result.Duration = time.Since(started).Round(time.Millisecond).String()
	if err := w.appendHistory(result); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to append metrics history")
	}
	return result, nil
}

func (w *Workflow) evaluateBundle(bundle *model.Bundle, prep *dataset.Prepared) (*evaluate.Report, error) {
	clf, err := bundle.Model()
	if err != nil {
		return nil, err
	}
	pred := evaluate.Predict(clf, prep.XTest)
	truth := decodeToModel(prep.YTest, bundle.LabelDecode)
	// rows whose class the model never saw cannot be scored
	keptTruth := make([]int, 0, len(truth))
	keptPred := make([]int, 0, len(pred))
	for i := range truth {
		if truth[i] >= 0 {
			keptTruth = append(keptTruth, truth[i])
			keptPred = append(keptPred, pred[i])
		}
	}
	classes := make([]string, len(bundle.LabelDecode))
	for i, orig := range bundle.LabelDecode {
		classes[i] = bundle.ActionClasses[orig]
	}
	return evaluate.Evaluate(keptTruth, keptPred, classes)
}

// gate decides deployment: accept when no comparable production model exists,
// or when the candidate beats it on the same test split by at least delta.
func (w *Workflow) gate(candidate *model.Bundle, prep *dataset.Prepared, candidateAccuracy, delta float64) (bool, float64) {
	prod, err := model.LoadBundle(w.registry.ProductionPath())
	if err != nil {
		w.logger.Info().Msg("No production model, candidate accepted by default")
		return true, -1
	}
	if !sameFeatures(prod.FeatureNames, prep.FeatureNames) {
		w.logger.Info().Msg("Feature schema changed since production model, candidate accepted")
		return true, -1
	}
	clf, err := prod.Model()
	if err != nil {
		return true, -1
	}
	pred := evaluate.Predict(clf, prep.XTest)
	truth := decodeToModel(prep.YTest, prod.LabelDecode)
	correct := 0
	for i := range truth {
		if truth[i] >= 0 && pred[i] == truth[i] {
			correct++
		}
	}
	prodAccuracy := float64(correct) / float64(len(truth))
	return candidateAccuracy-prodAccuracy >= delta, prodAccuracy
}

// appendHistory keeps one JSON array of cycle results for monitoring
func (w *Workflow) appendHistory(result *WorkflowResult) error {
	path := filepath.Join(w.dataRoot, "monitoring", "metrics_history.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var history []WorkflowResult
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &history)
	}
	history = append(history, *result)
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// decodeToModel maps original class indexes onto the model's consecutive
// indexes; classes the model never saw map to -1.
func decodeToModel(y []int, decode []int) []int {
	reverse := make(map[int]int, len(decode))
	for modelIdx, orig := range decode {
		reverse[orig] = modelIdx
	}
	out := make([]int, len(y))
	for i, v := range y {
		if m, ok := reverse[v]; ok {
			out[i] = m
		} else {
			out[i] = -1
		}
	}
	return out
}

func sameFeatures(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
