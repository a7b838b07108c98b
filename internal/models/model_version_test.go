package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSemver(t *testing.T) {
	major, minor, patch, err := ParseSemver("v2.14.3")
	require.NoError(t, err)
	assert.Equal(t, 2, major)
	assert.Equal(t, 14, minor)
	assert.Equal(t, 3, patch)

	// bare form without the v prefix also parses
	major, _, _, err = ParseSemver("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 1, major)

	for _, bad := range []string{"v1.0", "v1.0.0.0", "va.b.c", "", "latest"} {
		_, _, _, err := ParseSemver(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompareSemver(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"v1.0.0", "v1.0.0", 0},
		{"v1.0.0", "v1.0.1", -1},
		{"v1.2.0", "v1.10.0", -1}, // numeric, not lexicographic
		{"v2.0.0", "v1.9.9", 1},
		{"v1.0.10", "v1.0.9", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareSemver(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
