package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

// writeSyntheticCSV produces a raw backlink export with rowsPerClass rows
// for each action class, every row on a distinct domain.
func writeSyntheticCSV(t *testing.T, rowsPerClass int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw_backlinks.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"url", "domain", "pa", "da", "site_type", "category", "status", "action_type", "timestamp", "has_comment_form", "requires_login"}
	require.NoError(t, w.Write(header))

	categories := []string{"tech", "blog", "news"}
	classes := []string{"comment", "profile", "forum", "guest"}
	n := 0
	for _, class := range classes {
		for i := 0; i < rowsPerClass; i++ {
			n++
			record := []string{
				fmt.Sprintf("https://site%03d.example.com/page", n),
				fmt.Sprintf("site%03d.example.com", n),
				fmt.Sprintf("%d", 20+n%40),
				fmt.Sprintf("%d", 30+n%50),
				class,
				categories[n%len(categories)],
				"active",
				class,
				"2025-06-01T10:00:00Z",
				"true",
				"false",
			}
			require.NoError(t, w.Write(record))
		}
	}
	w.Flush()
	require.NoError(t, w.Error())
	return path
}

func TestPrepareDeterministic(t *testing.T) {
	csvPath := writeSyntheticCSV(t, 12)
	prep := NewPreparator(arbor.NewLogger())

	first, err := prep.Prepare(csvPath, "")
	require.NoError(t, err)
	second, err := prep.Prepare(csvPath, "")
	require.NoError(t, err)

	assert.Equal(t, first.FeatureNames, second.FeatureNames)
	assert.Equal(t, first.YTrain, second.YTrain)
	assert.Equal(t, first.YVal, second.YVal)
	assert.Equal(t, first.YTest, second.YTest)
	assert.Equal(t, first.XTrain, second.XTrain)
	assert.Equal(t, first.XTest, second.XTest)
}

func TestPrepareSplitProportions(t *testing.T) {
	csvPath := writeSyntheticCSV(t, 20)
	prep, err := NewPreparator(arbor.NewLogger()).Prepare(csvPath, "")
	require.NoError(t, err)

	total := len(prep.YTrain) + len(prep.YVal) + len(prep.YTest)
	assert.Equal(t, 80, total)
	// 70/15/15 per class of 20 rows
	assert.Equal(t, 56, len(prep.YTrain))
	assert.Equal(t, 12, len(prep.YVal))
	assert.Equal(t, 12, len(prep.YTest))

	for _, row := range prep.XTrain {
		assert.Len(t, row, len(prep.FeatureNames))
	}
}

func TestPreparePersistsArtifacts(t *testing.T) {
	csvPath := writeSyntheticCSV(t, 10)
	outDir := filepath.Join(t.TempDir(), "splits")
	prep, err := NewPreparator(arbor.NewLogger()).Prepare(csvPath, outDir)
	require.NoError(t, err)
	require.NotNil(t, prep)

	for _, name := range []string{
		"X_train.csv", "X_val.csv", "X_test.csv",
		"y_train.csv", "y_val.csv", "y_test.csv",
		"encoders.gob", "metadata.json",
	} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, name)
	}

	assert.Equal(t, 40, prep.Metadata.Rows)
	assert.Equal(t, len(prep.FeatureNames), prep.Metadata.FeatureCount)
	assert.Equal(t, csvPath, prep.Metadata.SourcePath)
}

func TestNormalizeAction(t *testing.T) {
	tests := []struct {
		action   string
		siteType string
		want     string
	}{
		{"comment", "", "comment"},
		{"profile", "", "profile"},
		{"forum", "", "forum"},
		{"guest", "", "guest"},
		{"guestposting", "", "guest"},
		{"guest_post", "", "guest"},
		{"GuestPost", "", "guest"},
		{"", "forum", "forum"},
		{"", "guestposting", "guest"},
		{"other", "", "comment"},
		{"unknown", "profile", "comment"},
		{"", "", "comment"},
		{"gibberish", "gibberish", "comment"},
	}
	for _, tt := range tests {
		t.Run(tt.action+"/"+tt.siteType, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAction(tt.action, tt.siteType))
		})
	}
}

func TestCleanFillsDomainFromURL(t *testing.T) {
	rows := []Raw{
		{"url": "https://www.Example.COM/post", "domain": "", "pa": "10", "da": "20"},
	}
	cleaned := Clean(rows)
	require.Len(t, cleaned, 1)
	assert.Equal(t, "example.com", cleaned[0]["domain"])
}

func TestCleanDeduplicatesDomains(t *testing.T) {
	rows := []Raw{
		{"domain": "a.com", "pa": "10", "da": "20", "status": "first"},
		{"domain": "a.com", "pa": "99", "da": "99", "status": "second"},
		{"domain": "b.com", "pa": "30", "da": "40"},
	}
	cleaned := Clean(rows)
	require.Len(t, cleaned, 2)
	assert.Equal(t, "first", cleaned[0]["status"])
	assert.Equal(t, "b.com", cleaned[1]["domain"])
}

func TestCleanDropsEmptyRowsAndFillsMedian(t *testing.T) {
	rows := []Raw{
		{"domain": "a.com", "pa": "10", "da": "10"},
		{"domain": "b.com", "pa": "20", "da": "20"},
		{"domain": "c.com", "pa": "30", "da": "30"},
		{"domain": "d.com", "pa": "", "da": "not-a-number"},
		{"domain": "", "pa": "", "da": ""},
	}
	cleaned := Clean(rows)
	require.Len(t, cleaned, 4)
	// median of {10,20,30} fills the blanks
	assert.Equal(t, "20", cleaned[3]["pa"])
	assert.Equal(t, "20", cleaned[3]["da"])
}

func TestEncodersRoundTrip(t *testing.T) {
	csvPath := writeSyntheticCSV(t, 10)
	outDir := t.TempDir()
	prep, err := NewPreparator(arbor.NewLogger()).Prepare(csvPath, outDir)
	require.NoError(t, err)

	loaded, err := LoadEncoders(filepath.Join(outDir, "encoders.gob"))
	require.NoError(t, err)
	assert.Equal(t, prep.Encoders.FeatureNames, loaded.FeatureNames)
	assert.Equal(t, prep.Encoders.TargetClasses, loaded.TargetClasses)
	require.NotNil(t, loaded.Scaler)

	// reapplying the fitted encoders to fresh copies of the raw rows must
	// reproduce the training matrix exactly
	rows, err := LoadCSV(csvPath)
	require.NoError(t, err)
	rows = Clean(rows)
	numeric, categorical := engineer(rows)
	matrix := loaded.Apply(numeric, categorical)

	require.Len(t, matrix, len(rows))
	for _, row := range matrix {
		assert.Len(t, row, len(loaded.FeatureNames))
	}
}

func TestStratifiedSplitDisjointAndComplete(t *testing.T) {
	y := make([]int, 100)
	for i := range y {
		y[i] = i % 4
	}
	train, val, test := stratifiedSplit(y, 42)

	seen := make(map[int]int)
	for _, i := range train {
		seen[i]++
	}
	for _, i := range val {
		seen[i]++
	}
	for _, i := range test {
		seen[i]++
	}
	require.Len(t, seen, 100)
	for i, count := range seen {
		assert.Equal(t, 1, count, "index %d assigned to multiple splits", i)
	}
}
