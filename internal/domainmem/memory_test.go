package domainmem

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func openTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "memory.db"), arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestGetUnknownDomainReturnsDefaults(t *testing.T) {
	m := openTestMemory(t)

	rec, err := m.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", rec.Domain)
	assert.False(t, rec.IframeRequired)
	assert.False(t, rec.AlwaysBlocked)
	assert.Empty(t, rec.RecurringPopupSelectors)
}

func TestDomainNormalization(t *testing.T) {
	m := openTestMemory(t)

	require.NoError(t, m.RecordIframeUsed("WWW.Example.COM", true))
	rec, err := m.Get("example.com")
	require.NoError(t, err)
	assert.True(t, rec.IframeRequired)
}

func TestRecordPopupClearedAccumulatesSelectors(t *testing.T) {
	m := openTestMemory(t)

	require.NoError(t, m.RecordPopupCleared("example.com", ".cookie-accept", true))
	require.NoError(t, m.RecordPopupCleared("example.com", ".newsletter-close", true))
	require.NoError(t, m.RecordPopupCleared("example.com", ".cookie-accept", true))

	rec, err := m.Get("example.com")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".cookie-accept", ".newsletter-close"}, rec.RecurringPopupSelectors,
		"selectors should dedupe on repeat clears")
}

func TestRecordLocatorStrategyKeepsBest(t *testing.T) {
	m := openTestMemory(t)

	require.NoError(t, m.RecordLocatorStrategy("example.com", "comment_field", "label", true))
	require.NoError(t, m.RecordLocatorStrategy("example.com", "comment_field", "stable_attrs", true))
	require.NoError(t, m.RecordLocatorStrategy("example.com", "comment_field", "stable_attrs", true))

	rec, err := m.Get("example.com")
	require.NoError(t, err)
	best, ok := rec.BestLocatorStrategy["comment_field"]
	require.True(t, ok)
	assert.Equal(t, "stable_attrs", best.Strategy)
	assert.Equal(t, 2, best.SuccessCount)
}

func TestShouldSkipRequiresEnoughAgreeingFailures(t *testing.T) {
	m := openTestMemory(t)

	// below the minimum, even unanimous blocks do not flag
	for i := 0; i < minFailuresForFlag-1; i++ {
		require.NoError(t, m.RecordFailure("example.com", "blocked"))
	}
	skip, _, err := m.ShouldSkip("example.com")
	require.NoError(t, err)
	assert.False(t, skip)

	require.NoError(t, m.RecordFailure("example.com", "blocked"))
	skip, reason, err := m.ShouldSkip("example.com")
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "always_blocked", reason)
}

func TestMixedFailuresDoNotFlag(t *testing.T) {
	m := openTestMemory(t)

	reasons := []string{"blocked", "timeout", "captcha_failed", "element_not_found", "timeout", "blocked"}
	for _, r := range reasons {
		require.NoError(t, m.RecordFailure("example.com", r))
	}
	skip, _, err := m.ShouldSkip("example.com")
	require.NoError(t, err)
	assert.False(t, skip, "no single cause reaches the agreement ratio")
}

func TestSkipFlagIsMonotonic(t *testing.T) {
	m := openTestMemory(t)

	for i := 0; i < minFailuresForFlag; i++ {
		require.NoError(t, m.RecordFailure("example.com", "blocked"))
	}
	skip, _, err := m.ShouldSkip("example.com")
	require.NoError(t, err)
	require.True(t, skip)

	// later unrelated failures dilute the ratio but never clear the flag
	for i := 0; i < 10; i++ {
		require.NoError(t, m.RecordFailure("example.com", "timeout"))
	}
	skip, _, err = m.ShouldSkip("example.com")
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestRecordsPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.db")

	m, err := Open(path, arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, m.RecordIframeUsed("example.com", true))
	require.NoError(t, m.RecordLoginFlow("example.com", "registration_required"))
	require.NoError(t, m.Close())

	reopened, err := Open(path, arbor.NewLogger())
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get("example.com")
	require.NoError(t, err)
	assert.True(t, rec.IframeRequired)
	assert.Equal(t, "registration_required", rec.LoginFlowType)
}

func TestGetReturnsIsolatedSnapshot(t *testing.T) {
	m := openTestMemory(t)

	require.NoError(t, m.RecordPopupCleared("example.com", ".cookie-accept", true))
	require.NoError(t, m.RecordLocatorStrategy("example.com", "comment_field", "label", true))
	require.NoError(t, m.RecordFailure("example.com", "timeout"))

	rec, err := m.Get("example.com")
	require.NoError(t, err)

	// mutate the caller's copy
	rec.RecurringPopupSelectors[0] = ".injected"
	rec.BestLocatorStrategy["comment_field"] = StrategyStat{Strategy: "poisoned", SuccessCount: 99}
	rec.Stats["failures_timeout"] = 99

	fresh, err := m.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{".cookie-accept"}, fresh.RecurringPopupSelectors)
	assert.Equal(t, "label", fresh.BestLocatorStrategy["comment_field"].Strategy)
	assert.Equal(t, 1, fresh.Stats["failures_timeout"])
}
