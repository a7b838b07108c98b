package domainmem

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"
)

// Skip-flag thresholds. A domain is written off only after enough attempts
// agree: at least minFailuresForFlag recorded failures with matchRatio of
// them naming the same cause.
const (
	minFailuresForFlag = 5
	matchRatio         = 0.8
)

// StrategyStat tracks how often a locator strategy won for a role
type StrategyStat struct {
	Strategy     string `json:"strategy"`
	SuccessCount int    `json:"success_count"`
}

// Record is the per-domain learned advice. Advisory only: divergence between
// worker processes is accepted.
type Record struct {
	Domain                  string                  `json:"domain"`
	IframeRequired          bool                    `json:"iframe_required"`
	RecurringPopupSelectors []string                `json:"recurring_popup_selectors"`
	BestLocatorStrategy     map[string]StrategyStat `json:"best_locator_strategy"`
	LoginFlowType           string                  `json:"login_flow_type,omitempty"`
	AlwaysBlocked           bool                    `json:"always_blocked"`
	SSOOnly                 bool                    `json:"sso_only"`
	Stats                   map[string]int          `json:"stats"`
	CreatedAt               time.Time               `json:"created_at"`
	UpdatedAt               time.Time               `json:"updated_at"`
}

func newRecord(domain string) *Record {
	now := time.Now().UTC()
	return &Record{
		Domain:              domain,
		BestLocatorStrategy: make(map[string]StrategyStat),
		Stats:               make(map[string]int),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Memory is the SQLite-backed per-domain store with a write-through cache.
// Read path: cache -> row -> defaults. Writes patch the row under the lock
// and refresh the cache before returning.
type Memory struct {
	db     *sql.DB
	logger arbor.ILogger

	mu    sync.Mutex
	cache map[string]*Record
}

const schema = `
CREATE TABLE IF NOT EXISTS domain_memory (
    domain TEXT PRIMARY KEY,
    record TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// Open opens (creating if needed) the domain memory database
func Open(path string, logger arbor.ILogger) (*Memory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// modernc.org/sqlite uses "sqlite" driver name (not "sqlite3")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Domain memory initialized")
	return &Memory{
		db:     db,
		logger: logger,
		cache:  make(map[string]*Record),
	}, nil
}

// Close releases the database handle
func (m *Memory) Close() error {
	return m.db.Close()
}

// Get returns the record for a domain, falling back to defaults.
// The returned record is a copy; mutate through the Record* methods.
func (m *Memory) Get(domain string) (*Record, error) {
	domain = normalizeDomain(domain)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(domain)
}

func (m *Memory) getLocked(domain string) (*Record, error) {
	if rec, ok := m.cache[domain]; ok {
		return copyRecord(rec), nil
	}

	var raw string
	err := m.db.QueryRow(`SELECT record FROM domain_memory WHERE domain = ?`, domain).Scan(&raw)
	if err == sql.ErrNoRows {
		return newRecord(domain), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read domain record: %w", err)
	}

	rec := newRecord(domain)
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, fmt.Errorf("failed to decode domain record: %w", err)
	}
	m.cache[domain] = rec
	return copyRecord(rec), nil
}

// copyRecord clones the record so a caller mutating the snapshot cannot
// reach the cached maps or slice through aliasing
func copyRecord(rec *Record) *Record {
	copied := *rec
	copied.RecurringPopupSelectors = append([]string(nil), rec.RecurringPopupSelectors...)
	copied.BestLocatorStrategy = make(map[string]StrategyStat, len(rec.BestLocatorStrategy))
	for role, stat := range rec.BestLocatorStrategy {
		copied.BestLocatorStrategy[role] = stat
	}
	copied.Stats = make(map[string]int, len(rec.Stats))
	for key, count := range rec.Stats {
		copied.Stats[key] = count
	}
	return &copied
}

// update applies patch to the current record inside the lock, persists it,
// then refreshes the cache. Skip-flag recomputation happens inside the same
// update so readers never re-derive it.
func (m *Memory) update(domain string, patch func(*Record)) error {
	domain = normalizeDomain(domain)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.getLocked(domain)
	if err != nil {
		return err
	}

	patch(rec)
	rec.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode domain record: %w", err)
	}

	_, err = m.db.Exec(
		`INSERT INTO domain_memory (domain, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		domain, string(raw), rec.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to persist domain record: %w", err)
	}

	m.cache[domain] = rec
	return nil
}

// RecordIframeUsed notes that the iframe route was needed for this domain
func (m *Memory) RecordIframeUsed(domain string, success bool) error {
	if !success {
		return nil
	}
	return m.update(domain, func(rec *Record) {
		rec.IframeRequired = true
		rec.Stats["iframe_success"]++
	})
}

// RecordPopupCleared remembers a selector that dismissed a popup on this domain
func (m *Memory) RecordPopupCleared(domain, selector string, success bool) error {
	if !success || selector == "" {
		return nil
	}
	return m.update(domain, func(rec *Record) {
		for _, s := range rec.RecurringPopupSelectors {
			if s == selector {
				rec.Stats["popup_cleared"]++
				return
			}
		}
		rec.RecurringPopupSelectors = append(rec.RecurringPopupSelectors, selector)
		rec.Stats["popup_cleared"]++
	})
}

// RecordLocatorStrategy promotes the winning strategy for a role
func (m *Memory) RecordLocatorStrategy(domain, role, strategy string, success bool) error {
	if !success {
		return nil
	}
	return m.update(domain, func(rec *Record) {
		stat := rec.BestLocatorStrategy[role]
		if stat.Strategy == strategy {
			stat.SuccessCount++
		} else {
			stat = StrategyStat{Strategy: strategy, SuccessCount: 1}
		}
		rec.BestLocatorStrategy[role] = stat
		rec.Stats["locator_"+strategy]++
	})
}

// RecordLoginFlow remembers the login flow type observed on this domain
func (m *Memory) RecordLoginFlow(domain, flowType string) error {
	return m.update(domain, func(rec *Record) {
		rec.LoginFlowType = flowType
	})
}

// RecordFailure increments failures_<type> and recomputes the skip flags.
// Flag promotion is monotonic: once enough matching failures accumulate the
// flag is set and stays set.
func (m *Memory) RecordFailure(domain, failureType string) error {
	return m.update(domain, func(rec *Record) {
		rec.Stats["failures_"+failureType]++

		total := 0
		for name, count := range rec.Stats {
			if strings.HasPrefix(name, "failures_") {
				total += count
			}
		}
		if total < minFailuresForFlag {
			return
		}
		if float64(rec.Stats["failures_blocked"]) >= matchRatio*float64(total) {
			rec.AlwaysBlocked = true
		}
		if float64(rec.Stats["failures_sso_only"]) >= matchRatio*float64(total) {
			rec.SSOOnly = true
		}
	})
}

// ShouldSkip reports whether the worker should refuse the domain outright
func (m *Memory) ShouldSkip(domain string) (bool, string, error) {
	rec, err := m.Get(domain)
	if err != nil {
		return false, "", err
	}
	if rec.AlwaysBlocked {
		return true, "always_blocked", nil
	}
	if rec.SSOOnly {
		return true, "sso_only", nil
	}
	return false, "", nil
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "www."))
}
