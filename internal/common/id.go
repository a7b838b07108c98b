package common

import (
	"github.com/google/uuid"
)

// NewRunID generates a unique telemetry run ID with the "run_" prefix
// Format: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewAccountID generates a unique generated-account ID with the "acct_" prefix
func NewAccountID() string {
	return "acct_" + uuid.New().String()
}

// NewBacklinkID generates the ID recorded against a placed backlink
// Format: bl_<uuid>
func NewBacklinkID() string {
	return "bl_" + uuid.New().String()
}
