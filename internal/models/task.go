package models

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TaskStatus represents the coordinator-side state of a task
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// TaskType is the goal driving the runtime agent's state machine
type TaskType string

const (
	TaskTypeComment           TaskType = "comment"
	TaskTypeProfile           TaskType = "profile"
	TaskTypeForum             TaskType = "forum"
	TaskTypeGuest             TaskType = "guest"
	TaskTypeEmailConfirmation TaskType = "email_confirmation_click"
)

// ActionClasses is the closed set of action labels the decision engine predicts.
// / Order matters: encoded class indexes follow this slice.
var ActionClasses = []string{"comment", "profile", "forum", "guest"}

// TaskPayload carries campaign inputs for content and targeting
type TaskPayload struct {
	Keywords           []string `json:"keywords"`
	AnchorTextStrategy string   `json:"anchor_text_strategy,omitempty"`
	ContentTone        string   `json:"content_tone,omitempty"`
	TargetURLs         []string `json:"target_urls,omitempty"`
	TargetURL          string   `json:"target_url,omitempty"` // Campaign URL the backlink should point at
	VerificationLink   string   `json:"verification_link,omitempty"`
	SiteAccountID      int64    `json:"site_account_id,omitempty"`
}

// Task is the immutable unit of work pulled from the coordinator
type Task struct {
	ID          int64        `json:"id"`
	Type        TaskType     `json:"type"`
	CampaignID  int64        `json:"campaign_id"`
	Payload     TaskPayload  `json:"payload"`
	RetryCount  int          `json:"retry_count"`
	Status      TaskStatus   `json:"status"`
	Opportunity *Opportunity `json:"opportunity,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
}

// Key returns the task's identity for budget tracking and logs
func (t *Task) Key() string {
	return "task_" + strconv.FormatInt(t.ID, 10)
}

// TargetURL picks the page this task operates on
func (t *Task) TargetURL() string {
	if t.Opportunity != nil && t.Opportunity.URL != "" {
		return t.Opportunity.URL
	}
	if len(t.Payload.TargetURLs) > 0 {
		return t.Payload.TargetURLs[0]
	}
	return t.Payload.TargetURL
}

// Domain extracts the registrable host of the target page, without www
func (t *Task) Domain() string {
	u, err := url.Parse(t.TargetURL())
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Campaign mirrors the coordinator's campaign record (only fields the worker reads)
type Campaign struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	ProxyCountry string `json:"proxy_country,omitempty"`
	DailyLimit   int    `json:"daily_limit,omitempty"`
}

// Proxy is one entry from the coordinator's proxy inventory
type Proxy struct {
	ID       int64  `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Country  string `json:"country,omitempty"`
}

// SiteAccount is an account the worker registered on a target site
type SiteAccount struct {
	ID               int64  `json:"id,omitempty"`
	CampaignID       int64  `json:"campaign_id"`
	SiteDomain       string `json:"site_domain"`
	LoginEmail       string `json:"login_email"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	Status           string `json:"status"` // "pending_verification", "active", "failed"
	VerificationLink string `json:"verification_link,omitempty"`
}
