package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func testRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	return NewRecorder(dir, arbor.NewLogger()), dir
}

func TestRunProducesCompleteArtifactSet(t *testing.T) {
	r, dir := testRecorder(t)

	require.NoError(t, r.InitRun("task_7", map[string]interface{}{"type": "comment"}))
	require.NoError(t, r.LogStep("task_7", "navigate", map[string]interface{}{"url": "https://example.com"}))
	require.NoError(t, r.LogStep("task_7", "state_detected", nil))
	r.SaveSnapshot("task_7", "initial", "<html><body>hi</body></html>", []byte{0x89, 0x50})
	require.NoError(t, r.FinalizeRun("task_7", FinalResult{Success: true, URL: "https://example.com/post"}))

	runDir := filepath.Join(dir, "task_7")
	for _, name := range []string{"init.json", "steps.jsonl", "dom_snapshot.html", "screenshot.png", "final_result.json"} {
		_, err := os.Stat(filepath.Join(runDir, name))
		assert.NoError(t, err, "missing artifact %s", name)
	}
}

func TestInitRunIdempotent(t *testing.T) {
	r, dir := testRecorder(t)

	require.NoError(t, r.InitRun("task_1", map[string]interface{}{"first": true}))
	require.NoError(t, r.InitRun("task_1", map[string]interface{}{"second": true}))

	data, err := os.ReadFile(filepath.Join(dir, "task_1", "init.json"))
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Contains(t, payload, "first")
	assert.NotContains(t, payload, "second", "a second init must not rewrite init.json")
}

func TestStepsAppendInOrder(t *testing.T) {
	r, dir := testRecorder(t)

	steps := []string{"navigate", "popup_cleared", "fields_matched", "submitted"}
	for _, s := range steps {
		require.NoError(t, r.LogStep("task_2", s, nil))
	}

	f, err := os.Open(filepath.Join(dir, "task_2", "steps.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var got []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event StepEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		assert.NotEmpty(t, event.Timestamp)
		got = append(got, event.Step)
	}
	assert.Equal(t, steps, got)
}

func TestLogStepInitializesRun(t *testing.T) {
	r, dir := testRecorder(t)

	require.NoError(t, r.LogStep("task_3", "navigate", nil))
	_, err := os.Stat(filepath.Join(dir, "task_3", "init.json"))
	assert.NoError(t, err, "logging a step without init should create the run")
}

func TestFinalizeComputesExecutionTime(t *testing.T) {
	r, dir := testRecorder(t)

	require.NoError(t, r.InitRun("task_4", nil))
	require.NoError(t, r.FinalizeRun("task_4", FinalResult{Success: false, FailureReason: "timeout"}))

	data, err := os.ReadFile(filepath.Join(dir, "task_4", "final_result.json"))
	require.NoError(t, err)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "timeout", result["failure_reason"])
	assert.Contains(t, result, "execution_time")
	assert.Contains(t, result, "finalized_at")
}

func TestSnapshotKeepsLatestAndTimestamped(t *testing.T) {
	r, dir := testRecorder(t)

	r.SaveSnapshot("task_5", "initial", "<html>v1</html>", nil)
	r.SaveSnapshot("task_5", "final", "<html>v2</html>", nil)

	latest, err := os.ReadFile(filepath.Join(dir, "task_5", "dom_snapshot.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>v2</html>", string(latest), "latest snapshot should track the most recent save")

	entries, err := os.ReadDir(filepath.Join(dir, "task_5"))
	require.NoError(t, err)
	timestamped := 0
	for _, e := range entries {
		if e.Name() != "dom_snapshot.html" && filepath.Ext(e.Name()) == ".html" {
			timestamped++
		}
	}
	assert.Equal(t, 2, timestamped, "every save keeps its timestamped copy")
}
