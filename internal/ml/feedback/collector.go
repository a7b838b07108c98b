package feedback

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/coordinator"
)

// trainingRow is the normalized schema every source is flattened into
type trainingRow struct {
	TaskID        int64
	Timestamp     time.Time
	URL           string
	Domain        string
	PA            float64
	DA            float64
	SiteType      string
	ActionType    string
	Status        string
	Success       bool
	ExecutionTime float64
	RetryCount    int
}

var masterHeader = []string{
	"task_id", "timestamp", "url", "domain", "pa", "da",
	"site_type", "action_type", "status", "success", "execution_time", "retry_count",
}

// Sources name the optional inputs; empty paths are skipped
type Sources struct {
	OutcomeLogPath string
	ShadowLogPath  string
	Client         *coordinator.Client // nil skips the historical endpoint
}

// Collector ingests outcome sources into the master enriched dataset,
// deduplicating by task id across runs via a persisted id set.
type Collector struct {
	masterPath string
	seenPath   string
	sinceDays  int
	logger     arbor.ILogger
}

func NewCollector(dataRoot string, sinceDays int, logger arbor.ILogger) *Collector {
	if sinceDays <= 0 {
		sinceDays = 30
	}
	return &Collector{
		masterPath: filepath.Join(dataRoot, "enriched_backlinks.csv"),
		seenPath:   filepath.Join(dataRoot, "processed_task_ids.json"),
		sinceDays:  sinceDays,
		logger:     logger,
	}
}

// MasterPath is where the enriched dataset accumulates
func (c *Collector) MasterPath() string {
	return c.masterPath
}

// Collect ingests every configured source and appends new rows to the
// master dataset. Returns the number of rows added. The processed-id set is
// persisted only after a fully successful run.
func (c *Collector) Collect(ctx context.Context, sources Sources) (int, error) {
	seen, err := c.loadSeen()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -c.sinceDays)

	var fresh []trainingRow
	if sources.OutcomeLogPath != "" {
		rows, err := c.readSource(sources.OutcomeLogPath, cutoff, seen)
		if err != nil {
			c.logger.Warn().Err(err).Str("path", sources.OutcomeLogPath).Msg("Outcome log ingest failed")
		} else {
			fresh = append(fresh, rows...)
		}
	}
	if sources.ShadowLogPath != "" {
		rows, err := c.readSource(sources.ShadowLogPath, cutoff, seen)
		if err != nil {
			c.logger.Warn().Err(err).Str("path", sources.ShadowLogPath).Msg("Shadow log ingest failed")
		} else {
			fresh = append(fresh, rows...)
		}
	}
	if sources.Client != nil {
		rows, err := c.readHistorical(ctx, sources.Client, cutoff, seen)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Historical outcome ingest failed")
		} else {
			fresh = append(fresh, rows...)
		}
	}

	// last write wins per task id
	byTask := make(map[int64]trainingRow, len(fresh))
	for _, row := range fresh {
		byTask[row.TaskID] = row
	}
	deduped := make([]trainingRow, 0, len(byTask))
	for _, row := range byTask {
		deduped = append(deduped, row)
	}
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].TaskID < deduped[j].TaskID })

	if len(deduped) == 0 {
		c.logger.Info().Msg("Feedback collection found no new rows")
		return 0, nil
	}

	if err := c.appendMaster(deduped); err != nil {
		return 0, err
	}
	for _, row := range deduped {
		seen[row.TaskID] = true
	}
	if err := c.saveSeen(seen); err != nil {
		return 0, err
	}

	c.logger.Info().Int("rows", len(deduped)).Str("path", c.masterPath).Msg("Feedback rows appended")
	return len(deduped), nil
}

// readSource dispatches on the file extension: the worker writes its logs
// as JSONL or CSV depending on configuration.
func (c *Collector) readSource(path string, cutoff time.Time, seen map[int64]bool) ([]trainingRow, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return c.readCSVSource(path, cutoff, seen)
	}
	return c.readJSONLSource(path, cutoff, seen)
}

// readCSVSource maps each record onto its header columns and feeds it
// through the same normalization as the JSONL sources
func (c *Collector) readCSVSource(path string, cutoff time.Time, seen map[int64]bool) ([]trainingRow, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, err
	}

	var rows []trainingRow
	for {
		record, err := r.Read()
		if err != nil {
			break
		}
		raw := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i < len(record) {
				raw[col] = record[i]
			}
		}
		row, ok := normalize(raw)
		if !ok || row.Timestamp.Before(cutoff) || seen[row.TaskID] {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// readJSONLSource handles both outcome and shadow log shapes: field names
// are unified during flattening.
func (c *Collector) readJSONLSource(path string, cutoff time.Time, seen map[int64]bool) ([]trainingRow, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var rows []trainingRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		row, ok := normalize(record)
		if !ok || row.Timestamp.Before(cutoff) || seen[row.TaskID] {
			continue
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

func (c *Collector) readHistorical(ctx context.Context, client *coordinator.Client, cutoff time.Time, seen map[int64]bool) ([]trainingRow, error) {
	records, err := client.HistoricalOutcomes(ctx, c.sinceDays)
	if err != nil {
		return nil, err
	}
	var rows []trainingRow
	for _, record := range records {
		row, ok := normalize(record)
		if !ok || row.Timestamp.Before(cutoff) || seen[row.TaskID] {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// normalize flattens one record of any source into the training schema.
// Nested task/backlink/campaign objects are searched for missing fields;
// pa/da/success are coerced numerically; the action field name is unified.
func normalize(record map[string]interface{}) (trainingRow, bool) {
	flat := flatten(record)

	taskID := asInt64(first(flat, "task_id", "id"))
	if taskID == 0 {
		return trainingRow{}, false
	}

	row := trainingRow{
		TaskID:        taskID,
		URL:           asString(first(flat, "url", "link_url", "target_url")),
		Domain:        asString(flat["domain"]),
		PA:            asFloat(flat["pa"]),
		DA:            asFloat(flat["da"]),
		SiteType:      asString(flat["site_type"]),
		ActionType:    asString(first(flat, "action_type", "action_attempted", "rule_based_action", "type")),
		Status:        asString(first(flat, "status", "result", "task_result")),
		ExecutionTime: asFloat(flat["execution_time"]),
		RetryCount:    int(asInt64(flat["retry_count"])),
	}
	row.Success = isSuccess(first(flat, "success", "result", "task_result", "status"))

	if row.Domain == "" && row.URL != "" {
		if u, err := url.Parse(row.URL); err == nil {
			row.Domain = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		}
	}

	if ts, err := time.Parse(time.RFC3339, asString(flat["timestamp"])); err == nil {
		row.Timestamp = ts
	} else if ts, err := time.Parse("2006-01-02T15:04:05.000Z", asString(flat["timestamp"])); err == nil {
		row.Timestamp = ts
	} else {
		row.Timestamp = time.Now().UTC()
	}
	return row, true
}

// flatten merges nested task/backlink/campaign dicts into the top level;
// outer keys win on collision.
func flatten(record map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{}, len(record))
	for _, nested := range []string{"campaign", "backlink", "task"} {
		if sub, ok := record[nested].(map[string]interface{}); ok {
			for k, v := range sub {
				flat[k] = v
			}
		}
	}
	for k, v := range record {
		if _, isMap := v.(map[string]interface{}); isMap {
			continue
		}
		flat[k] = v
	}
	return flat
}

func (c *Collector) appendMaster(rows []trainingRow) error {
	if err := os.MkdirAll(filepath.Dir(c.masterPath), 0o755); err != nil {
		return fmt.Errorf("failed to create data root: %w", err)
	}
	f, err := os.OpenFile(c.masterPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open master dataset: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(masterHeader); err != nil {
			return err
		}
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.TaskID, 10),
			row.Timestamp.UTC().Format(time.RFC3339),
			row.URL,
			row.Domain,
			strconv.FormatFloat(row.PA, 'f', -1, 64),
			strconv.FormatFloat(row.DA, 'f', -1, 64),
			row.SiteType,
			row.ActionType,
			row.Status,
			strconv.FormatBool(row.Success),
			strconv.FormatFloat(row.ExecutionTime, 'f', 3, 64),
			strconv.Itoa(row.RetryCount),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (c *Collector) loadSeen() (map[int64]bool, error) {
	data, err := os.ReadFile(c.seenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[int64]bool), nil
		}
		return nil, fmt.Errorf("failed to read processed id set: %w", err)
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to parse processed id set: %w", err)
	}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	return seen, nil
}

// saveSeen writes the id set atomically: temp file then rename
func (c *Collector) saveSeen(seen map[int64]bool) error {
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal processed id set: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.seenPath), ".seen-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp id set: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.seenPath)
}

func first(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && s == "" {
				continue
			}
			return v
		}
	}
	return nil
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case bool:
		if t {
			return 1
		}
	}
	return 0
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		i, _ := strconv.ParseInt(t, 10, 64)
		return i
	}
	return 0
}

func isSuccess(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "success") || strings.EqualFold(t, "true")
	case float64:
		return t == 1
	}
	return false
}
