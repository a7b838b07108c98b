package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// timestampLayout produces filesystem-safe UTC timestamps for snapshot copies
const timestampLayout = "20060102T150405Z"

// Recorder owns per-task run artifact directories under a runs root.
// Every write failure inside snapshots is swallowed: telemetry must never
// take a task down with it.
type Recorder struct {
	runsDir string
	logger  arbor.ILogger

	mu     sync.Mutex
	active map[string]time.Time // task id -> start time
}

// StepEvent is one line of steps.jsonl
type StepEvent struct {
	Timestamp string                 `json:"timestamp"`
	Step      string                 `json:"step"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// FinalResult is the shape of final_result.json
type FinalResult struct {
	Success       bool        `json:"success"`
	FailureReason string      `json:"failure_reason,omitempty"`
	ExecutionTime float64     `json:"execution_time"`
	RetryCount    int         `json:"retry_count"`
	URL           string      `json:"url,omitempty"`
	BacklinkID    string      `json:"backlink_id,omitempty"`
	Extra         interface{} `json:"extra,omitempty"`
}

// NewRecorder creates a telemetry recorder rooted at runsDir
func NewRecorder(runsDir string, logger arbor.ILogger) *Recorder {
	return &Recorder{
		runsDir: runsDir,
		logger:  logger,
		active:  make(map[string]time.Time),
	}
}

func (r *Recorder) runDir(taskID string) string {
	return filepath.Join(r.runsDir, taskID)
}

// InitRun creates the run directory and writes init.json.
// Idempotent: a second call for the same task is a no-op.
func (r *Recorder) InitRun(taskID string, meta map[string]interface{}) error {
	r.mu.Lock()
	if _, ok := r.active[taskID]; ok {
		r.mu.Unlock()
		return nil
	}
	start := time.Now().UTC()
	r.active[taskID] = start
	r.mu.Unlock()

	dir := r.runDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	payload := map[string]interface{}{
		"task_id":    taskID,
		"started_at": start.Format(time.RFC3339),
	}
	for k, v := range meta {
		payload[k] = v
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode init.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "init.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write init.json: %w", err)
	}
	return nil
}

// LogStep appends one JSON line to steps.jsonl. Initializes the run first if needed.
func (r *Recorder) LogStep(taskID, step string, meta map[string]interface{}) error {
	r.mu.Lock()
	_, initialized := r.active[taskID]
	r.mu.Unlock()
	if !initialized {
		if err := r.InitRun(taskID, nil); err != nil {
			return err
		}
	}

	event := StepEvent{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Step:      step,
		Meta:      meta,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode step event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(r.runDir(taskID), "steps.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open steps.jsonl: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append step event: %w", err)
	}
	return nil
}

// SaveSnapshot writes timestamped and "latest" copies of the page HTML and
// screenshot. Errors are logged and swallowed.
func (r *Recorder) SaveSnapshot(taskID, prefix, html string, screenshot []byte) {
	dir := r.runDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to create snapshot directory")
		return
	}
	ts := time.Now().UTC().Format(timestampLayout)

	if html != "" {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%s_dom_%s.html", prefix, ts)), []byte(html), 0644); err != nil {
			r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to write timestamped DOM snapshot")
		}
		if err := os.WriteFile(filepath.Join(dir, "dom_snapshot.html"), []byte(html), 0644); err != nil {
			r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to write latest DOM snapshot")
		}
	}
	if len(screenshot) > 0 {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%s_screenshot_%s.png", prefix, ts)), screenshot, 0644); err != nil {
			r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to write timestamped screenshot")
		}
		if err := os.WriteFile(filepath.Join(dir, "screenshot.png"), screenshot, 0644); err != nil {
			r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to write latest screenshot")
		}
	}
}

// FinalizeRun writes final_result.json and drops the task from the active map.
// ExecutionTime is computed from the recorded start when the caller left it zero.
func (r *Recorder) FinalizeRun(taskID string, result FinalResult) error {
	r.mu.Lock()
	start, ok := r.active[taskID]
	delete(r.active, taskID)
	r.mu.Unlock()

	if result.ExecutionTime == 0 && ok {
		result.ExecutionTime = time.Since(start).Seconds()
	}

	dir := r.runDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	type finalDoc struct {
		FinalResult
		FinalizedAt string `json:"finalized_at"`
	}
	data, err := json.MarshalIndent(finalDoc{
		FinalResult: result,
		FinalizedAt: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode final result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "final_result.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write final_result.json: %w", err)
	}
	return nil
}
