package worker

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/common"
	"github.com/ternarybob/nexo/internal/models"
)

func testShadowLog(t *testing.T) *ShadowLog {
	t.Helper()
	l, err := NewShadowLog(common.ShadowModeConfig{Enabled: true, Dir: t.TempDir()}, arbor.NewLogger())
	require.NoError(t, err)
	return l
}

func shadowTask(id int64, siteType models.SiteType) *models.Task {
	return &models.Task{
		ID:         id,
		Type:       models.TaskTypeComment,
		CampaignID: 9,
		Opportunity: &models.Opportunity{
			ID:       id * 100,
			URL:      "https://example.com/post",
			PA:       40,
			DA:       55,
			SiteType: siteType,
		},
	}
}

func readShadowRows(t *testing.T, path string) []models.ShadowRow {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var rows []models.ShadowRow
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row models.ShadowRow
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		rows = append(rows, row)
	}
	return rows
}

func TestDisabledShadowLogWritesNothing(t *testing.T) {
	l, err := NewShadowLog(common.ShadowModeConfig{Enabled: false}, arbor.NewLogger())
	require.NoError(t, err)

	task := shadowTask(1, models.SiteTypeComment)
	prediction := &models.ShadowPrediction{Action: "comment", Confidence: 0.8}
	require.NoError(t, l.LogPrediction(task, "comment", prediction))
	require.NoError(t, l.LogResult(task, "comment", models.Succeeded(task.Type, "u", "b"), 3.2, prediction))

	stats, err := l.AccuracyStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestPredictionRowHasNoResultFields(t *testing.T) {
	l := testShadowLog(t)
	task := shadowTask(1, models.SiteTypeComment)
	prediction := &models.ShadowPrediction{
		Action:        "forum",
		Confidence:    0.61,
		Probabilities: map[string]float64{"comment": 0.3, "forum": 0.61, "guest": 0.05, "profile": 0.04},
	}
	require.NoError(t, l.LogPrediction(task, "comment", prediction))

	rows := readShadowRows(t, l.Path())
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].TaskResult)
	assert.Nil(t, rows[0].AICorrect)
	assert.Equal(t, "forum", rows[0].AIPredicted)
	assert.Equal(t, "comment", rows[0].RuleBasedAction)
	assert.Equal(t, 40, rows[0].PA)
}

func TestResultRowAgreement(t *testing.T) {
	l := testShadowLog(t)
	task := shadowTask(2, models.SiteTypeComment)
	prediction := &models.ShadowPrediction{Action: "comment", Confidence: 0.9}

	require.NoError(t, l.LogResult(task, "comment", models.Succeeded(task.Type, "u", "b"), 4.5, prediction))

	rows := readShadowRows(t, l.Path())
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].AICorrect)
	assert.True(t, *rows[0].AICorrect)
	require.NotNil(t, rows[0].AIWouldHaveSucceeded, "on agreement the counterfactual is the observed outcome")
	assert.True(t, *rows[0].AIWouldHaveSucceeded)
	assert.Empty(t, rows[0].Notes)
}

func TestResultRowDisagreementLeavesCounterfactualUnknown(t *testing.T) {
	l := testShadowLog(t)
	task := shadowTask(3, models.SiteTypeForum)
	prediction := &models.ShadowPrediction{Action: "forum", Confidence: 0.7}

	failed := models.Failed(task.Type, models.FailureCommentFormNotFound, "no form")
	require.NoError(t, l.LogResult(task, "comment", failed, 8.0, prediction))

	rows := readShadowRows(t, l.Path())
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].AICorrect)
	assert.False(t, *rows[0].AICorrect)
	assert.Nil(t, rows[0].AIWouldHaveSucceeded)
	assert.NotEmpty(t, rows[0].Notes)
}

func TestAccuracyStats(t *testing.T) {
	l := testShadowLog(t)

	agree := &models.ShadowPrediction{Action: "comment", Confidence: 0.9}
	disagree := &models.ShadowPrediction{Action: "forum", Confidence: 0.6}

	// prediction-only row must not count toward stats
	require.NoError(t, l.LogPrediction(shadowTask(1, models.SiteTypeComment), "comment", agree))

	require.NoError(t, l.LogResult(shadowTask(2, models.SiteTypeComment), "comment",
		models.Succeeded(models.TaskTypeComment, "u", "b"), 1, agree))
	require.NoError(t, l.LogResult(shadowTask(3, models.SiteTypeComment), "comment",
		models.Failed(models.TaskTypeComment, models.FailureTimeout, "t"), 2, disagree))
	require.NoError(t, l.LogResult(shadowTask(4, models.SiteTypeComment), "comment",
		models.Succeeded(models.TaskTypeComment, "u", "b"), 3, disagree))

	stats, err := l.AccuracyStats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Agreements)
	assert.Equal(t, 2, stats.Disagreements)
	assert.Equal(t, 1, stats.DisagreedAndRuleFailed)
	assert.Equal(t, 1, stats.DisagreedAndRuleSucceed)
	assert.InDelta(t, 1.0/3.0, stats.AgreementRate, 1e-9)
}

func TestShadowLogCSVFormat(t *testing.T) {
	dir := t.TempDir()
	l, err := NewShadowLog(common.ShadowModeConfig{Enabled: true, Dir: dir, Format: "csv"}, arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shadow_mode_logs.csv"), l.Path())

	task := shadowTask(21, models.SiteTypeComment)
	prediction := &models.ShadowPrediction{
		Action:        "comment",
		Confidence:    0.91,
		Probabilities: map[string]float64{"comment": 0.91, "forum": 0.09},
	}
	require.NoError(t, l.LogPrediction(task, "comment", prediction))

	result := models.Succeeded(models.TaskTypeComment, "https://example.com/post", "bl_1")
	require.NoError(t, l.LogResult(task, "comment", result, 12.5, prediction))

	f, err := os.Open(l.Path())
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3, "header plus one prediction and one result row")

	assert.Equal(t, shadowCSVHeader, records[0])

	byCol := func(record []string, col string) string {
		for i, name := range shadowCSVHeader {
			if name == col {
				return record[i]
			}
		}
		t.Fatalf("column %s not in header", col)
		return ""
	}

	assert.Equal(t, "21", byCol(records[1], "task_id"))
	assert.Equal(t, "", byCol(records[1], "task_result"), "prediction rows leave the result empty")

	assert.Equal(t, "success", byCol(records[2], "task_result"))
	assert.Equal(t, "comment", byCol(records[2], "ai_predicted_action"))
	assert.Equal(t, "12.500", byCol(records[2], "execution_time"))
	assert.Equal(t, "true", byCol(records[2], "ai_correct"))
	assert.Contains(t, byCol(records[2], "ai_probabilities"), `"comment":0.91`)
}

func TestShadowAccuracyStatsFromCSV(t *testing.T) {
	l, err := NewShadowLog(common.ShadowModeConfig{Enabled: true, Dir: t.TempDir(), Format: "csv"}, arbor.NewLogger())
	require.NoError(t, err)

	agree := &models.ShadowPrediction{Action: "comment", Confidence: 0.9}
	disagree := &models.ShadowPrediction{Action: "forum", Confidence: 0.6}

	require.NoError(t, l.LogResult(shadowTask(1, models.SiteTypeComment), "comment",
		models.Succeeded(models.TaskTypeComment, "https://a.example.com", "bl_a"), 5, agree))
	require.NoError(t, l.LogResult(shadowTask(2, models.SiteTypeComment), "comment",
		models.Failed(models.TaskTypeComment, models.FailureUnknown, "boom"), 5, disagree))

	stats, err := l.AccuracyStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Agreements)
	assert.Equal(t, 1, stats.DisagreedAndRuleFailed)
}
