package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nexo.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
[coordinator]
base_url = "http://coordinator.local"
token = "secret"
`

func TestLoadFromFilesDefaults(t *testing.T) {
	config, err := LoadFromFiles(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "http://coordinator.local", config.Coordinator.BaseURL)
	assert.Equal(t, "secret", config.Coordinator.Token)
	assert.Equal(t, 12, config.Worker.PollInterval)
	assert.Equal(t, 5, config.Worker.TaskLimit)
	assert.Equal(t, 300, config.Budget.MaxRuntimeSeconds)
	assert.Equal(t, 3, config.Budget.MaxRetriesPerStep)
	assert.True(t, config.Browser.Headless)
	assert.False(t, config.ShadowMode.Enabled)
	assert.False(t, config.IsProduction())
	assert.Equal(t, 30*time.Second, config.CoordinatorTimeout())
}

func TestLoadFromFilesOverrides(t *testing.T) {
	config, err := LoadFromFiles(writeConfig(t, `
environment = "production"

[worker]
id = "worker-test"
poll_interval = 30

[budget]
max_runtime_seconds = 120

[shadow_mode]
enabled = true

[coordinator]
base_url = "http://coordinator.local"
token = "secret"
timeout = "45s"
`))
	require.NoError(t, err)

	assert.True(t, config.IsProduction())
	assert.Equal(t, "worker-test", config.Worker.ID)
	assert.Equal(t, 30, config.Worker.PollInterval)
	assert.Equal(t, 120, config.Budget.MaxRuntimeSeconds)
	assert.True(t, config.ShadowMode.Enabled)
	assert.Equal(t, 45*time.Second, config.CoordinatorTimeout())
}

func TestLoadFromFilesLaterFileWins(t *testing.T) {
	base := writeConfig(t, minimalConfig+`
[worker]
poll_interval = 10
`)
	local := writeConfig(t, `
[worker]
poll_interval = 99
`)
	config, err := LoadFromFiles(base, local)
	require.NoError(t, err)
	assert.Equal(t, 99, config.Worker.PollInterval)
}

func TestLoadFromFilesValidation(t *testing.T) {
	// missing token fails validation
	_, err := LoadFromFiles(writeConfig(t, `
[coordinator]
base_url = "http://coordinator.local"
`))
	require.Error(t, err)

	// malformed URL fails validation
	_, err = LoadFromFiles(writeConfig(t, `
[coordinator]
base_url = "not a url"
token = "secret"
`))
	require.Error(t, err)

	// invalid outcome log format rejected
	_, err = LoadFromFiles(writeConfig(t, minimalConfig+`
[outcome_log]
format = "xml"
`))
	require.Error(t, err)
}

func TestLoadFromFilesMissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LARAVEL_API_URL", "http://env-coordinator")
	t.Setenv("LARAVEL_API_TOKEN", "env-token")
	t.Setenv("WORKER_ID", "env-worker")
	t.Setenv("POLL_INTERVAL", "7")
	t.Setenv("SHADOW_MODE", "true")
	t.Setenv("MAX_TASK_RUNTIME_SECONDS", "90")

	config, err := LoadFromFiles(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "http://env-coordinator", config.Coordinator.BaseURL)
	assert.Equal(t, "env-token", config.Coordinator.Token)
	assert.Equal(t, "env-worker", config.Worker.ID)
	assert.Equal(t, 7, config.Worker.PollInterval)
	assert.True(t, config.ShadowMode.Enabled)
	assert.Equal(t, 90, config.Budget.MaxRuntimeSeconds)
}

func TestParseBoolish(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		assert.True(t, parseBoolish(v), v)
	}
	for _, v := range []string{"0", "false", "off", "", "maybe"} {
		assert.False(t, parseBoolish(v), v)
	}
}

func TestFetchCacheTTL(t *testing.T) {
	config := NewDefaultConfig()
	assert.Equal(t, 168*time.Hour, config.FetchCacheTTL())
	config.ML.FetchCacheTTL = "24h"
	assert.Equal(t, 24*time.Hour, config.FetchCacheTTL())
	config.ML.FetchCacheTTL = "bogus"
	assert.Equal(t, 168*time.Hour, config.FetchCacheTTL())
}
