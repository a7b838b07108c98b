package models

// Result is the structured outcome of one automation attempt.
// Success and failure fields are mutually exclusive; tests pattern-match on Success.
type Result struct {
	Success       bool          `json:"success"`
	Type          TaskType      `json:"type"`
	URL           string        `json:"url,omitempty"`
	BacklinkID    string        `json:"backlink_id,omitempty"`
	SiteAccountID int64         `json:"site_account_id,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	CaptchaType   CaptchaType   `json:"captcha_type,omitempty"`
	Error         string        `json:"error,omitempty"`

	// Set when registration completed but the site demands email verification;
	// the coordinator decides whether to re-queue.
	PendingVerification bool `json:"pending_verification,omitempty"`
}

// Succeeded builds a success result for the given goal
func Succeeded(taskType TaskType, url, backlinkID string) Result {
	return Result{Success: true, Type: taskType, URL: url, BacklinkID: backlinkID}
}

// Failed builds a failure result carrying a typed reason
func Failed(taskType TaskType, reason FailureReason, err string) Result {
	return Result{Success: false, Type: taskType, FailureReason: reason, Error: err}
}
