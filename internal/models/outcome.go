package models

import "time"

// OutcomeRow is one append-only structured log record per processed task
type OutcomeRow struct {
	Timestamp       time.Time     `json:"timestamp"`
	TaskID          int64         `json:"task_id"`
	Domain          string        `json:"domain"`
	ActionAttempted string        `json:"action_attempted"`
	Result          string        `json:"result"` // "success", "failed", "error"
	FailureReason   FailureReason `json:"failure_reason,omitempty"`
	CaptchaType     CaptchaType   `json:"captcha_type,omitempty"`
	ExecutionTime   float64       `json:"execution_time"`
	RetryCount      int           `json:"retry_count"`
}

// ShadowPrediction is the AI recommendation attached to an opportunity in shadow mode
type ShadowPrediction struct {
	Action        string             `json:"action"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// ShadowRow pairs a rule-based decision with the AI prediction and, after
// execution, the observed outcome. One prediction row and one result row per task.
type ShadowRow struct {
	Timestamp            time.Time          `json:"timestamp"`
	TaskID               int64              `json:"task_id"`
	CampaignID           int64              `json:"campaign_id"`
	BacklinkID           int64              `json:"backlink_id,omitempty"`
	Domain               string             `json:"domain,omitempty"`
	PA                   int                `json:"pa,omitempty"`
	DA                   int                `json:"da,omitempty"`
	SiteType             string             `json:"site_type,omitempty"`
	RuleBasedAction      string             `json:"rule_based_action"`
	AIPredicted          string             `json:"ai_predicted_action"`
	AIConfidence         float64            `json:"ai_confidence"`
	AIProbabilities      map[string]float64 `json:"ai_probabilities,omitempty"`
	TaskResult           string             `json:"task_result,omitempty"` // empty on prediction rows
	ExecutionTime        float64            `json:"execution_time,omitempty"`
	RetryCount           int                `json:"retry_count,omitempty"`
	AICorrect            *bool              `json:"ai_correct,omitempty"`
	AIWouldHaveSucceeded *bool              `json:"ai_would_have_succeeded,omitempty"`
	Notes                string             `json:"notes,omitempty"`
}
