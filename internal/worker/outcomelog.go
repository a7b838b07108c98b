package worker

import (
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

// OutcomeLog appends one structured row per processed task, as JSONL or CSV
type OutcomeLog struct {
	path   string
	format string
	logger arbor.ILogger

	mu sync.Mutex
}

var outcomeCSVHeader = []string{
	"timestamp", "task_id", "domain", "action_attempted", "result",
	"failure_reason", "captcha_type", "execution_time", "retry_count",
}

// OutcomeFileName maps the configured format to the log file name
func OutcomeFileName(format string) string {
	if format == "csv" {
		return "automation_logs.csv"
	}
	return "automation_logs.jsonl"
}

func NewOutcomeLog(config common.OutcomeLogConfig, logger arbor.ILogger) (*OutcomeLog, error) {
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outcome log dir: %w", err)
	}
	format := config.Format
	if format == "" {
		format = "json"
	}
	return &OutcomeLog{
		path:   filepath.Join(config.Dir, OutcomeFileName(format)),
		format: format,
		logger: logger,
	}, nil
}

// Path returns the log file location; the feedback collector reads it
func (l *OutcomeLog) Path() string {
	return l.path
}

// Append writes one row. Log append failures are reported but never fail the task.
func (l *OutcomeLog) Append(row models.OutcomeRow) error {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open outcome log: %w", err)
	}
	defer f.Close()

	if l.format == "csv" {
		return l.appendCSV(f, row)
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome row: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write outcome row: %w", err)
	}
	return nil
}

func (l *OutcomeLog) appendCSV(f *os.File, row models.OutcomeRow) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(outcomeCSVHeader); err != nil {
			return err
		}
	}
	record := []string{
		row.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatInt(row.TaskID, 10),
		row.Domain,
		row.ActionAttempted,
		row.Result,
		string(row.FailureReason),
		string(row.CaptchaType),
		strconv.FormatFloat(row.ExecutionTime, 'f', 3, 64),
		strconv.Itoa(row.RetryCount),
	}
	if err := w.Write(record); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
