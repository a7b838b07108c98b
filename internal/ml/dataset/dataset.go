package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/ml/features"
	"github.com/ternarybob/nexo/internal/ml/model"
	"github.com/ternarybob/nexo/internal/models"
)

const splitSeed = 42

// siteTypeAliases fold raw site_type spellings onto the action classes
var siteTypeAliases = map[string]string{
	"guestposting": "guest",
	"guestpost":    "guest",
	"guest_post":   "guest",
	"guest":        "guest",
	"comment":      "comment",
	"profile":      "profile",
	"forum":        "forum",
	"other":        "comment",
	"unknown":      "comment",
	"":             "comment",
}

// Raw is one row of the input CSV, untyped
type Raw map[string]string

// Prepared is the full deterministic output of one preparation run
type Prepared struct {
	FeatureNames []string
	XTrain       [][]float64
	XVal         [][]float64
	XTest        [][]float64
	YTrain       []int
	YVal         []int
	YTest        []int
	Encoders     *Encoders
	Metadata     Metadata
}

// Metadata summarizes a prepared dataset for the registry record
type Metadata struct {
	Rows              int            `json:"rows"`
	TrainRows         int            `json:"train_rows"`
	ValRows           int            `json:"val_rows"`
	TestRows          int            `json:"test_rows"`
	FeatureCount      int            `json:"feature_count"`
	ClassDistribution map[string]int `json:"class_distribution"`
	PreparedAt        time.Time      `json:"prepared_at"`
	SourcePath        string         `json:"source_path"`
}

// Preparator turns the raw backlink CSV into model-ready splits
type Preparator struct {
	logger arbor.ILogger
}

func NewPreparator(logger arbor.ILogger) *Preparator {
	return &Preparator{logger: logger}
}

// Prepare runs the whole pipeline and persists splits, encoders, and
// metadata under outDir. Deterministic for a fixed input file.
func (p *Preparator) Prepare(csvPath, outDir string) (*Prepared, error) {
	rows, err := LoadCSV(csvPath)
	if err != nil {
		return nil, err
	}
	p.logger.Info().Int("rows", len(rows)).Str("path", csvPath).Msg("Loaded raw dataset")

	rows = Clean(rows)
	if len(rows) == 0 {
		return nil, fmt.Errorf("no usable rows after cleaning %s", csvPath)
	}

	labels := make([]string, len(rows))
	for i, row := range rows {
		labels[i] = NormalizeAction(row["action_type"], row["site_type"])
	}

	numeric, categorical := engineer(rows)

	encoders := fitEncoders(categorical)
	featureNames, matrix := encode(numeric, categorical, encoders)
	encoders.FeatureNames = featureNames
	encoders.TargetClasses = models.ActionClasses

	y := make([]int, len(labels))
	for i, label := range labels {
		y[i] = classIndex(label)
	}

	trainIdx, valIdx, testIdx := stratifiedSplit(y, splitSeed)

	prep := &Prepared{
		FeatureNames: featureNames,
		XTrain:       gather(matrix, trainIdx),
		XVal:         gather(matrix, valIdx),
		XTest:        gather(matrix, testIdx),
		YTrain:       gatherInts(y, trainIdx),
		YVal:         gatherInts(y, valIdx),
		YTest:        gatherInts(y, testIdx),
		Encoders:     encoders,
	}

	scaler := model.FitScaler(prep.XTrain)
	encoders.Scaler = scaler
	prep.XTrain = scaler.TransformAll(prep.XTrain)
	prep.XVal = scaler.TransformAll(prep.XVal)
	prep.XTest = scaler.TransformAll(prep.XTest)

	dist := make(map[string]int)
	for _, label := range labels {
		dist[label]++
	}
	prep.Metadata = Metadata{
		Rows:              len(rows),
		TrainRows:         len(trainIdx),
		ValRows:           len(valIdx),
		TestRows:          len(testIdx),
		FeatureCount:      len(featureNames),
		ClassDistribution: dist,
		PreparedAt:        time.Now().UTC(),
		SourcePath:        csvPath,
	}

	if outDir != "" {
		if err := p.persist(prep, outDir); err != nil {
			return nil, err
		}
	}
	return prep, nil
}

// LoadCSV reads the file into row maps keyed by header
func LoadCSV(path string) ([]Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("dataset %s has no data rows", path)
	}

	header := records[0]
	rows := make([]Raw, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(Raw, len(header))
		for i, col := range header {
			if i < len(record) {
				row[strings.ToLower(strings.TrimSpace(col))] = strings.TrimSpace(record[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Clean drops all-null rows, fills domains from URLs, deduplicates domains
// keeping first, and median-fills pa/da.
func Clean(rows []Raw) []Raw {
	kept := rows[:0:0]
	for _, row := range rows {
		empty := true
		for _, v := range row {
			if v != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}
		if row["domain"] == "" && row["url"] != "" {
			if u, err := url.Parse(row["url"]); err == nil {
				row["domain"] = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
			}
		}
		kept = append(kept, row)
	}

	seen := make(map[string]bool)
	deduped := kept[:0:0]
	for _, row := range kept {
		domain := row["domain"]
		if domain != "" {
			if seen[domain] {
				continue
			}
			seen[domain] = true
		}
		deduped = append(deduped, row)
	}

	fillMedian(deduped, "pa")
	fillMedian(deduped, "da")
	return deduped
}

func fillMedian(rows []Raw, col string) {
	var values []float64
	for _, row := range rows {
		if v, err := strconv.ParseFloat(row[col], 64); err == nil {
			values = append(values, v)
		}
	}
	median := 0.0
	if len(values) > 0 {
		sort.Float64s(values)
		median = values[len(values)/2]
	}
	filled := strconv.FormatFloat(median, 'f', -1, 64)
	for _, row := range rows {
		if _, err := strconv.ParseFloat(row[col], 64); err != nil {
			row[col] = filled
		}
	}
}

// NormalizeAction maps the raw target string onto the action classes,
// falling back to site_type, then to comment.
func NormalizeAction(action, siteType string) string {
	for _, candidate := range []string{action, siteType} {
		normalized := strings.ToLower(strings.TrimSpace(candidate))
		if mapped, ok := siteTypeAliases[normalized]; ok && candidate != "" {
			return mapped
		}
		for _, class := range models.ActionClasses {
			if normalized == class {
				return class
			}
		}
	}
	return "comment"
}

func classIndex(label string) int {
	for i, class := range models.ActionClasses {
		if class == label {
			return i
		}
	}
	return 0
}

// engineer produces the numeric feature map and the categorical columns
// for every row, all rows sharing the same key sets.
func engineer(rows []Raw) ([]map[string]float64, []map[string]string) {
	numeric := make([]map[string]float64, len(rows))
	categorical := make([]map[string]string, len(rows))

	for i, row := range rows {
		pa, _ := strconv.ParseFloat(row["pa"], 64)
		da, _ := strconv.ParseFloat(row["da"], 64)
		opp := &models.Opportunity{
			URL:    row["url"],
			Domain: row["domain"],
			PA:     int(pa),
			DA:     int(da),
		}
		opp.HasCommentForm = truthy(row["has_comment_form"])
		opp.HasRegistrationForm = truthy(row["has_registration_form"])
		opp.HasContactForm = truthy(row["has_contact_form"])
		opp.RequiresLogin = truthy(row["requires_login"])
		opp.RegistrationDetected = truthy(row["registration_detected"])
		opp.CaptchaDetected = truthy(row["captcha_detected"])

		f := features.FromOpportunity(opp, nil, referenceTime(row))
		if rate, err := strconv.ParseFloat(row["historical_success_rate"], 64); err == nil {
			f["historical_success_rate"] = rate
		} else {
			f["historical_success_rate"] = 0
		}
		numeric[i] = f

		categorical[i] = map[string]string{
			"site_type": NormalizeAction("", row["site_type"]),
			"category":  strings.ToLower(row["category"]),
			"status":    strings.ToLower(row["status"]),
		}
	}
	return numeric, categorical
}

// referenceTime parses the row timestamp so time-of-day features are
// reproducible; missing timestamps pin to epoch.
func referenceTime(row Raw) time.Time {
	for _, col := range []string{"timestamp", "created_at"} {
		if ts, err := time.Parse(time.RFC3339, row[col]); err == nil {
			return ts
		}
	}
	return time.Unix(0, 0).UTC()
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "t":
		return true
	}
	return false
}

// stratifiedSplit returns 70/15/15 index sets, deterministic per seed,
// stratified by class.
func stratifiedSplit(y []int, seed int64) (train, val, test []int) {
	byClass := make(map[int][]int)
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}

	classes := make([]int, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewSource(seed))
	for _, class := range classes {
		idx := byClass[class]
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })

		nTrain := int(float64(len(idx)) * 0.70)
		nVal := int(float64(len(idx)) * 0.15)
		train = append(train, idx[:nTrain]...)
		val = append(val, idx[nTrain:nTrain+nVal]...)
		test = append(test, idx[nTrain+nVal:]...)
	}
	sort.Ints(train)
	sort.Ints(val)
	sort.Ints(test)
	return train, val, test
}

func gather(matrix [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = matrix[j]
	}
	return out
}

func gatherInts(y []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = y[j]
	}
	return out
}

func (p *Preparator) persist(prep *Prepared, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create dataset dir: %w", err)
	}

	splits := []struct {
		name string
		X    [][]float64
		y    []int
	}{
		{"train", prep.XTrain, prep.YTrain},
		{"val", prep.XVal, prep.YVal},
		{"test", prep.XTest, prep.YTest},
	}
	for _, split := range splits {
		if err := writeMatrixCSV(filepath.Join(outDir, "X_"+split.name+".csv"), prep.FeatureNames, split.X); err != nil {
			return err
		}
		if err := writeLabelsCSV(filepath.Join(outDir, "y_"+split.name+".csv"), split.y); err != nil {
			return err
		}
	}

	if err := prep.Encoders.Save(filepath.Join(outDir, "encoders.gob")); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(prep.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "metadata.json"), meta, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	p.logger.Info().
		Str("dir", outDir).
		Int("train", len(prep.XTrain)).
		Int("val", len(prep.XVal)).
		Int("test", len(prep.XTest)).
		Msg("Dataset splits persisted")
	return nil
}

func writeMatrixCSV(path string, header []string, X [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, row := range X {
		for i, v := range row {
			record[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeLabelsCSV(path string, y []int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"action_type"}); err != nil {
		return err
	}
	for _, label := range y {
		if err := w.Write([]string{models.ActionClasses[label]}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
