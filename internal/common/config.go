package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the worker configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Worker      WorkerConfig      `toml:"worker"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Budget      BudgetConfig      `toml:"budget"`
	Browser     BrowserConfig     `toml:"browser"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	OutcomeLog  OutcomeLogConfig  `toml:"outcome_log"`
	ShadowMode  ShadowModeConfig  `toml:"shadow_mode"`
	DomainMem   DomainMemConfig   `toml:"domain_memory"`
	Metrics     MetricsConfig     `toml:"metrics"`
	IMAP        IMAPConfig        `toml:"imap"`
	Claude      ClaudeConfig      `toml:"claude"`
	ML          MLConfig          `toml:"ml"`
	Logging     LoggingConfig     `toml:"logging"`
}

// WorkerConfig controls the poll/lock/execute loop
type WorkerConfig struct {
	ID           string `toml:"id"`            // Worker identity sent to the coordinator on lock
	PollInterval int    `toml:"poll_interval"` // Seconds between polls when running continuously
	TaskLimit    int    `toml:"task_limit"`    // Max tasks requested per poll
}

// CoordinatorConfig holds the coordinator HTTP API connection settings
type CoordinatorConfig struct {
	BaseURL string `toml:"base_url" validate:"required,url"`
	Token   string `toml:"token" validate:"required"`
	Timeout string `toml:"timeout"` // e.g. "30s"
}

// BudgetConfig holds per-task execution bounds
type BudgetConfig struct {
	MaxRuntimeSeconds       int `toml:"max_runtime_seconds"`
	MaxRetriesPerStep       int `toml:"max_retries_per_step"`
	MaxPopupDismissAttempts int `toml:"max_popup_dismiss_attempts"`
	MaxLocatorCandidates    int `toml:"max_locator_candidates"`
}

// BrowserConfig controls the chromedp session per task
type BrowserConfig struct {
	Headless          bool          `toml:"headless"`
	UserAgent         string        `toml:"user_agent"`
	NavigationTimeout time.Duration `toml:"navigation_timeout"`
	VisibilityTimeout time.Duration `toml:"visibility_timeout"`
	WindowWidth       int           `toml:"window_width"`
	WindowHeight      int           `toml:"window_height"`
	TypingDelayMinMs  int           `toml:"typing_delay_min_ms"`
	TypingDelayMaxMs  int           `toml:"typing_delay_max_ms"`
	DisableGPU        bool          `toml:"disable_gpu"`
	NoSandbox         bool          `toml:"no_sandbox"`
}

// TelemetryConfig controls per-task run artifact directories
type TelemetryConfig struct {
	RunsDir string `toml:"runs_dir"`
}

// OutcomeLogConfig controls the structured outcome log
type OutcomeLogConfig struct {
	Dir    string `toml:"dir"`
	Format string `toml:"format" validate:"omitempty,oneof=json csv"` // "json" (JSONL) or "csv"
}

// ShadowModeConfig controls rule-vs-AI shadow logging
type ShadowModeConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
	Format  string `toml:"format" validate:"omitempty,oneof=json csv"`
}

// DomainMemConfig holds the per-domain learning store settings
type DomainMemConfig struct {
	Path string `toml:"path"` // SQLite database file
}

// MetricsConfig controls the optional Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// IMAPConfig holds mailbox credentials for verification-link retrieval
type IMAPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	UseTLS   bool   `toml:"use_tls"`
}

// ClaudeConfig holds the content-generation LLM settings
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"` // Falls back to ANTHROPIC_API_KEY
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
}

// MLConfig holds paths for the decision/learning loop
type MLConfig struct {
	DataRoot        string  `toml:"data_root"`        // Root for datasets/models/monitoring
	ModelPath       string  `toml:"model_path"`       // Production model bundle (copy under data root)
	FetchCacheDir   string  `toml:"fetch_cache_dir"`  // Badger cache for fetched candidate HTML
	FetchCacheTTL   string  `toml:"fetch_cache_ttl"`  // e.g. "168h"
	AcceptanceDelta float64 `toml:"acceptance_delta"` // Min absolute test-accuracy gain to deploy
}

// LoggingConfig controls arbor output
type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability;
// only deployment-facing settings should live in nexo.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Worker: WorkerConfig{
			ID:           defaultWorkerID(),
			PollInterval: 12,
			TaskLimit:    5,
		},
		Coordinator: CoordinatorConfig{
			BaseURL: "http://nginx",
			Timeout: "30s",
		},
		Budget: BudgetConfig{
			MaxRuntimeSeconds:       300,
			MaxRetriesPerStep:       3,
			MaxPopupDismissAttempts: 5,
			MaxLocatorCandidates:    10,
		},
		Browser: BrowserConfig{
			Headless:          true,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			NavigationTimeout: 30 * time.Second,
			VisibilityTimeout: 3 * time.Second,
			WindowWidth:       1920,
			WindowHeight:      1080,
			TypingDelayMinMs:  50,
			TypingDelayMaxMs:  150,
			DisableGPU:        true,
			NoSandbox:         true,
		},
		Telemetry: TelemetryConfig{
			RunsDir: "./data/runs",
		},
		OutcomeLog: OutcomeLogConfig{
			Dir:    "./data/logs",
			Format: "json",
		},
		ShadowMode: ShadowModeConfig{
			Enabled: false,
			Dir:     "./data/logs",
			Format:  "json",
		},
		DomainMem: DomainMemConfig{
			Path: "./data/domain_memory.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		IMAP: IMAPConfig{
			Port:   993,
			UseTLS: true,
		},
		Claude: ClaudeConfig{
			Model:       "claude-haiku-3-5-20241022",
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		ML: MLConfig{
			DataRoot:        "./data/ml",
			ModelPath:       "./data/ml/export_model.gob",
			FetchCacheDir:   "./data/ml/fetch_cache",
			FetchCacheTTL:   "168h",
			AcceptanceDelta: 0.01,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// The variable names match what the coordinator deployment already exports.
func applyEnvOverrides(config *Config) {
	if url := os.Getenv("LARAVEL_API_URL"); url != "" {
		config.Coordinator.BaseURL = url
	}
	if token := os.Getenv("LARAVEL_API_TOKEN"); token != "" {
		config.Coordinator.Token = token
	} else if token := os.Getenv("APP_API_TOKEN"); token != "" {
		config.Coordinator.Token = token
	}
	if id := os.Getenv("WORKER_ID"); id != "" {
		config.Worker.ID = id
	}
	if interval := os.Getenv("POLL_INTERVAL"); interval != "" {
		if s, err := strconv.Atoi(interval); err == nil && s > 0 {
			config.Worker.PollInterval = s
		}
	}
	if shadow := os.Getenv("SHADOW_MODE"); shadow != "" {
		config.ShadowMode.Enabled = parseBoolish(shadow)
	}

	// Budget limits
	if v := os.Getenv("MAX_TASK_RUNTIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Budget.MaxRuntimeSeconds = n
		}
	}
	if v := os.Getenv("MAX_RETRIES_PER_STEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Budget.MaxRetriesPerStep = n
		}
	}
	if v := os.Getenv("MAX_POPUP_DISMISS_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Budget.MaxPopupDismissAttempts = n
		}
	}
	if v := os.Getenv("MAX_LOCATOR_CANDIDATES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Budget.MaxLocatorCandidates = n
		}
	}

	// Persisted state layout
	if dir := os.Getenv("TELEMETRY_RUNS_DIR"); dir != "" {
		config.Telemetry.RunsDir = dir
	}
	if dir := os.Getenv("AUTOMATION_LOG_DIR"); dir != "" {
		config.OutcomeLog.Dir = dir
	}
	if format := os.Getenv("AUTOMATION_LOG_FORMAT"); format != "" {
		config.OutcomeLog.Format = strings.ToLower(format)
	}
	if dir := os.Getenv("SHADOW_MODE_LOG_DIR"); dir != "" {
		config.ShadowMode.Dir = dir
	}
	if format := os.Getenv("SHADOW_MODE_LOG_FORMAT"); format != "" {
		config.ShadowMode.Format = strings.ToLower(format)
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && config.Claude.APIKey == "" {
		config.Claude.APIKey = key
	}
}

// CoordinatorTimeout parses the configured coordinator HTTP timeout
func (c *Config) CoordinatorTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Coordinator.Timeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// FetchCacheTTL parses the configured fetch-cache TTL
func (c *Config) FetchCacheTTL() time.Duration {
	if d, err := time.ParseDuration(c.ML.FetchCacheTTL); err == nil && d > 0 {
		return d
	}
	return 7 * 24 * time.Hour
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

func parseBoolish(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-1"
	}
	return "worker-" + host
}
