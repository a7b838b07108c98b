package features

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

const commentPageHTML = `<html><body>
<div id="respond"><form><textarea name="comment"></textarea></form></div>
<div class="g-recaptcha" data-sitekey="k"></div>
</body></html>`

func writeCSV(t *testing.T, path string, records [][]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := csv.NewWriter(f)
	require.NoError(t, w.WriteAll(records))
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestEnrichDatasetAddsCapabilityColumns(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte(commentPageHTML))
	}))
	defer server.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "source.csv")
	dst := filepath.Join(dir, "enriched.csv")
	writeCSV(t, src, [][]string{
		{"url", "domain", "site_type"},
		{server.URL, "host001.example.com", "comment"},
		{server.URL, "host002.example.com", "comment"},
	})

	extractor, err := NewExtractor(filepath.Join(dir, "cache"), time.Hour, "", arbor.NewLogger())
	require.NoError(t, err)
	defer extractor.Close()

	enriched, err := extractor.EnrichDataset(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, enriched)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits), "one fetch per distinct url")

	records := readCSV(t, dst)
	require.Len(t, records, 3)
	header := records[0]
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[col] = i
	}
	for _, col := range capabilityColumns {
		require.Contains(t, idx, col)
	}
	for _, row := range records[1:] {
		assert.Equal(t, "true", row[idx["has_comment_form"]])
		assert.Equal(t, "true", row[idx["captcha_detected"]])
		assert.Equal(t, "false", row[idx["requires_login"]])
	}
}

func TestEnrichDatasetSkipsCompleteRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("complete row should not trigger a fetch")
	}))
	defer server.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "source.csv")
	dst := filepath.Join(dir, "enriched.csv")
	header := append([]string{"url"}, capabilityColumns...)
	row := []string{server.URL, "true", "false", "false", "false", "false", "true"}
	writeCSV(t, src, [][]string{header, row})

	extractor, err := NewExtractor(filepath.Join(dir, "cache"), time.Hour, "", arbor.NewLogger())
	require.NoError(t, err)
	defer extractor.Close()

	enriched, err := extractor.EnrichDataset(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, 0, enriched)

	records := readCSV(t, dst)
	require.Len(t, records, 2)
	assert.Equal(t, row, records[1])
}

func TestEnrichDatasetRequiresURLColumn(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.csv")
	writeCSV(t, src, [][]string{{"domain"}, {"a.example.com"}})

	extractor, err := NewExtractor(filepath.Join(dir, "cache"), time.Hour, "", arbor.NewLogger())
	require.NoError(t, err)
	defer extractor.Close()

	_, err = extractor.EnrichDataset(context.Background(), src, filepath.Join(dir, "enriched.csv"))
	assert.ErrorContains(t, err, "no url column")
}
