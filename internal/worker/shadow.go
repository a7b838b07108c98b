package worker

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/common"
	"github.com/ternarybob/nexo/internal/models"
)

// ShadowLog records rule-vs-AI pairs while the rules still drive execution.
// One prediction row before the task runs, one result row after.
type ShadowLog struct {
	path    string
	format  string
	enabled bool
	logger  arbor.ILogger

	mu sync.Mutex
}

var shadowCSVHeader = []string{
	"timestamp", "task_id", "campaign_id", "backlink_id", "domain", "pa", "da", "site_type",
	"rule_based_action", "ai_predicted_action", "ai_confidence", "ai_probabilities",
	"task_result", "execution_time", "retry_count", "ai_correct", "ai_would_have_succeeded", "notes",
}

// ShadowFileName maps the configured format to the log file name
func ShadowFileName(format string) string {
	if format == "csv" {
		return "shadow_mode_logs.csv"
	}
	return "shadow_mode_logs.jsonl"
}

// ShadowStats is the rollup over completed shadow rows
type ShadowStats struct {
	Total                   int     `json:"total"`
	Agreements              int     `json:"agreements"`
	Disagreements           int     `json:"disagreements"`
	AgreementRate           float64 `json:"agreement_rate"`
	DisagreementRate        float64 `json:"disagreement_rate"`
	DisagreedAndRuleFailed  int     `json:"disagreed_rule_failed"`  // AI might have done better
	DisagreedAndRuleSucceed int     `json:"disagreed_rule_success"` // switching would have risked a win
}

func NewShadowLog(config common.ShadowModeConfig, logger arbor.ILogger) (*ShadowLog, error) {
	if !config.Enabled {
		return &ShadowLog{enabled: false, logger: logger}, nil
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shadow log dir: %w", err)
	}
	format := config.Format
	if format == "" {
		format = "json"
	}
	return &ShadowLog{
		path:    filepath.Join(config.Dir, ShadowFileName(format)),
		format:  format,
		enabled: true,
		logger:  logger,
	}, nil
}

// Enabled reports whether shadow mode is on at all
func (l *ShadowLog) Enabled() bool {
	return l.enabled
}

// Path returns the log file location; the feedback collector reads it
func (l *ShadowLog) Path() string {
	return l.path
}

// LogPrediction appends a pre-execution row with result fields left empty
func (l *ShadowLog) LogPrediction(task *models.Task, ruleAction string, prediction *models.ShadowPrediction) error {
	if !l.enabled || prediction == nil {
		return nil
	}
	row := models.ShadowRow{
		Timestamp:       time.Now().UTC(),
		TaskID:          task.ID,
		CampaignID:      task.CampaignID,
		Domain:          task.Domain(),
		RuleBasedAction: ruleAction,
		AIPredicted:     prediction.Action,
		AIConfidence:    prediction.Confidence,
		AIProbabilities: prediction.Probabilities,
	}
	if task.Opportunity != nil {
		row.BacklinkID = task.Opportunity.ID
		row.PA = task.Opportunity.PA
		row.DA = task.Opportunity.DA
		row.SiteType = string(task.Opportunity.SiteType)
	}
	return l.append(row)
}

// LogResult appends a post-execution row pairing prediction with outcome.
// Agreement makes ai_correct decidable; on disagreement the counterfactual
// stays unknown and a note records the mismatch.
func (l *ShadowLog) LogResult(task *models.Task, ruleAction string, result models.Result, executionTime float64, prediction *models.ShadowPrediction) error {
	if !l.enabled || prediction == nil {
		return nil
	}

	taskResult := "failed"
	if result.Success {
		taskResult = "success"
	}

	row := models.ShadowRow{
		Timestamp:       time.Now().UTC(),
		TaskID:          task.ID,
		CampaignID:      task.CampaignID,
		Domain:          task.Domain(),
		RuleBasedAction: ruleAction,
		AIPredicted:     prediction.Action,
		AIConfidence:    prediction.Confidence,
		AIProbabilities: prediction.Probabilities,
		TaskResult:      taskResult,
		ExecutionTime:   executionTime,
		RetryCount:      task.RetryCount,
	}
	if task.Opportunity != nil {
		row.BacklinkID = task.Opportunity.ID
		row.PA = task.Opportunity.PA
		row.DA = task.Opportunity.DA
		row.SiteType = string(task.Opportunity.SiteType)
	}

	agreed := prediction.Action == ruleAction
	row.AICorrect = &agreed
	if agreed {
		row.AIWouldHaveSucceeded = &result.Success
	} else {
		row.Notes = fmt.Sprintf("ai predicted %s, rules chose %s; counterfactual unknown", prediction.Action, ruleAction)
	}

	return l.append(row)
}

func (l *ShadowLog) append(row models.ShadowRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open shadow log: %w", err)
	}
	defer f.Close()

	if l.format == "csv" {
		return l.appendCSV(f, row)
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal shadow row: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write shadow row: %w", err)
	}
	return nil
}

func (l *ShadowLog) appendCSV(f *os.File, row models.ShadowRow) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(shadowCSVHeader); err != nil {
			return err
		}
	}

	probs := ""
	if len(row.AIProbabilities) > 0 {
		if data, err := json.Marshal(row.AIProbabilities); err == nil {
			probs = string(data)
		}
	}
	record := []string{
		row.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatInt(row.TaskID, 10),
		strconv.FormatInt(row.CampaignID, 10),
		strconv.FormatInt(row.BacklinkID, 10),
		row.Domain,
		strconv.Itoa(row.PA),
		strconv.Itoa(row.DA),
		row.SiteType,
		row.RuleBasedAction,
		row.AIPredicted,
		strconv.FormatFloat(row.AIConfidence, 'f', 4, 64),
		probs,
		row.TaskResult,
		strconv.FormatFloat(row.ExecutionTime, 'f', 3, 64),
		strconv.Itoa(row.RetryCount),
		formatBoolPtr(row.AICorrect),
		formatBoolPtr(row.AIWouldHaveSucceeded),
		row.Notes,
	}
	if err := w.Write(record); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// formatBoolPtr keeps undecided tri-state cells empty
func formatBoolPtr(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

// AccuracyStats recomputes the rollup from completed rows on disk
func (l *ShadowLog) AccuracyStats() (ShadowStats, error) {
	stats := ShadowStats{}
	if !l.enabled {
		return stats, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to open shadow log: %w", err)
	}
	defer f.Close()

	count := func(row models.ShadowRow) {
		if row.TaskResult == "" {
			// prediction row, not completed yet
			return
		}
		stats.Total++
		if row.AIPredicted == row.RuleBasedAction {
			stats.Agreements++
		} else {
			stats.Disagreements++
			if row.TaskResult == "success" {
				stats.DisagreedAndRuleSucceed++
			} else {
				stats.DisagreedAndRuleFailed++
			}
		}
	}

	if l.format == "csv" {
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		if err != nil {
			return stats, fmt.Errorf("failed to read shadow log: %w", err)
		}
		for i, record := range records {
			if i == 0 || len(record) < len(shadowCSVHeader) {
				continue
			}
			count(models.ShadowRow{
				RuleBasedAction: record[8],
				AIPredicted:     record[9],
				TaskResult:      record[12],
			})
		}
	} else {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var row models.ShadowRow
			if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
				continue
			}
			count(row)
		}
		if err := scanner.Err(); err != nil {
			return stats, fmt.Errorf("failed to scan shadow log: %w", err)
		}
	}

	if stats.Total > 0 {
		stats.AgreementRate = float64(stats.Agreements) / float64(stats.Total)
		stats.DisagreementRate = float64(stats.Disagreements) / float64(stats.Total)
	}
	return stats, nil
}
