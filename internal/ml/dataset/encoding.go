package dataset

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ternarybob/nexo/internal/ml/model"
)

// Encoders is the reusable transformation bundle: apply it to a fresh copy
// of the raw data and the same matrices come back out.
type Encoders struct {
	// Label maps a column's values to integer codes (cardinality <=2 or >10)
	Label map[string]map[string]int
	// OneHot lists the expansion categories per column (cardinality 3..10);
	// each category becomes column "<col>_<value>", plus "<col>_nan".
	OneHot map[string][]string

	Scaler        *model.Scaler
	FeatureNames  []string
	TargetClasses []string
}

// fitEncoders decides per categorical column how to encode, by cardinality
func fitEncoders(categorical []map[string]string) *Encoders {
	enc := &Encoders{
		Label:  make(map[string]map[string]int),
		OneHot: make(map[string][]string),
	}
	if len(categorical) == 0 {
		return enc
	}

	cols := make([]string, 0, len(categorical[0]))
	for col := range categorical[0] {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	for _, col := range cols {
		distinct := make(map[string]bool)
		for _, row := range categorical {
			if row[col] != "" {
				distinct[row[col]] = true
			}
		}
		values := make([]string, 0, len(distinct))
		for v := range distinct {
			values = append(values, v)
		}
		sort.Strings(values)

		switch {
		case len(values) <= 2 || len(values) > 10:
			codes := make(map[string]int, len(values))
			for i, v := range values {
				codes[v] = i
			}
			enc.Label[col] = codes
		default:
			enc.OneHot[col] = values
		}
	}
	return enc
}

// encode produces the final feature matrix: numeric features first in sorted
// key order, then encoded categoricals in sorted column order.
func encode(numeric []map[string]float64, categorical []map[string]string, enc *Encoders) ([]string, [][]float64) {
	numericNames := sortedKeys(numeric[0])

	var names []string
	names = append(names, numericNames...)

	labelCols := make([]string, 0, len(enc.Label))
	for col := range enc.Label {
		labelCols = append(labelCols, col)
	}
	sort.Strings(labelCols)
	for _, col := range labelCols {
		names = append(names, col+"_encoded")
	}

	oneHotCols := make([]string, 0, len(enc.OneHot))
	for col := range enc.OneHot {
		oneHotCols = append(oneHotCols, col)
	}
	sort.Strings(oneHotCols)
	for _, col := range oneHotCols {
		for _, v := range enc.OneHot[col] {
			names = append(names, col+"_"+v)
		}
		names = append(names, col+"_nan")
	}

	matrix := make([][]float64, len(numeric))
	for i := range numeric {
		row := make([]float64, 0, len(names))
		for _, name := range numericNames {
			row = append(row, numeric[i][name])
		}
		for _, col := range labelCols {
			code, ok := enc.Label[col][categorical[i][col]]
			if !ok {
				code = -1
			}
			row = append(row, float64(code))
		}
		for _, col := range oneHotCols {
			value := categorical[i][col]
			matched := false
			for _, v := range enc.OneHot[col] {
				if value == v {
					row = append(row, 1)
					matched = true
				} else {
					row = append(row, 0)
				}
			}
			if matched {
				row = append(row, 0)
			} else {
				row = append(row, 1) // nan column
			}
		}
		matrix[i] = row
	}
	return names, matrix
}

// Apply re-encodes fresh numeric+categorical rows with the fitted encoders,
// including scaling. Used to verify reproducibility and at inference prep.
func (e *Encoders) Apply(numeric []map[string]float64, categorical []map[string]string) [][]float64 {
	_, matrix := encode(numeric, categorical, e)
	if e.Scaler != nil {
		matrix = e.Scaler.TransformAll(matrix)
	}
	return matrix
}

// Save writes the encoder bundle as gob
func (e *Encoders) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create encoder dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create encoder bundle: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(e); err != nil {
		return fmt.Errorf("failed to encode encoders: %w", err)
	}
	return nil
}

// LoadEncoders reads a previously saved encoder bundle
func LoadEncoders(path string) (*Encoders, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open encoder bundle: %w", err)
	}
	defer f.Close()
	var enc Encoders
	if err := gob.NewDecoder(f).Decode(&enc); err != nil {
		return nil, fmt.Errorf("failed to decode encoders: %w", err)
	}
	return &enc, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
