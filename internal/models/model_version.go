package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ModelVersion records one registered model build
type ModelVersion struct {
	Version       string             `json:"version"` // vMAJOR.MINOR.PATCH
	ModelPath     string             `json:"model_path"`
	CreatedAt     time.Time          `json:"created_at"`
	DeployedAt    *time.Time         `json:"deployed_at,omitempty"`
	TrainingStats map[string]float64 `json:"training_stats,omitempty"`
	DatasetHash   string             `json:"dataset_hash,omitempty"`
	DeployHistory []time.Time        `json:"deploy_history,omitempty"`
}

// ParseSemver splits "vX.Y.Z" into its numeric parts
func ParseSemver(v string) (major, minor, patch int, err error) {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid semver %q", v)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, fmt.Errorf("invalid semver %q: %w", v, convErr)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

// CompareSemver orders two semver strings: -1, 0, or 1
func CompareSemver(a, b string) int {
	am, an, ap, errA := ParseSemver(a)
	bm, bn, bp, errB := ParseSemver(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	for _, pair := range [][2]int{{am, bm}, {an, bn}, {ap, bp}} {
		if pair[0] < pair[1] {
			return -1
		}
		if pair[0] > pair[1] {
			return 1
		}
	}
	return 0
}
