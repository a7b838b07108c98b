package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/nexo/internal/models"
)

const apiTokenHeader = "X-API-Token"

// RateLimitedError is returned when the coordinator answers 429.
// Transient: the caller sleeps RetryAfter and continues.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("coordinator rate limited, retry after %s", e.RetryAfter)
}

// APIError is a non-2xx response from the coordinator
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator API error %d: %s", e.StatusCode, e.Body)
}

// Client is a typed HTTP client for the coordinator API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     arbor.ILogger
}

// NewClient creates a coordinator client with bearer token auth
func NewClient(baseURL, token string, timeout time.Duration, logger arbor.ILogger) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		// Polite ceiling so a tight worker loop cannot hammer the API
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger,
	}
}

var retryAfterPattern = regexp.MustCompile(`retry[_ ]after[":\s]+(\d+)`)

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(apiTokenHeader, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp, respBody)
		c.logger.Warn().
			Str("path", path).
			Dur("retry_after", retryAfter).
			Msg("Coordinator rate limited")
		return &RateLimitedError{RetryAfter: retryAfter}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// parseRetryAfter reads the retry delay from the Retry-After header, a
// retry_after JSON field, or the error message text. Defaults to 30s.
func parseRetryAfter(resp *http.Response, body []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if s, err := strconv.Atoi(h); err == nil && s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	var payload struct {
		RetryAfter int    `json:"retry_after"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.RetryAfter > 0 {
			return time.Duration(payload.RetryAfter) * time.Second
		}
		if m := retryAfterPattern.FindStringSubmatch(payload.Message); len(m) == 2 {
			if s, err := strconv.Atoi(m[1]); err == nil && s > 0 {
				return time.Duration(s) * time.Second
			}
		}
	}
	if m := retryAfterPattern.FindStringSubmatch(string(body)); len(m) == 2 {
		if s, err := strconv.Atoi(m[1]); err == nil && s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return 30 * time.Second
}

// PendingTasks requests up to limit pending tasks, optionally filtered by type
func (c *Client) PendingTasks(ctx context.Context, limit int, taskType models.TaskType) ([]models.Task, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if taskType != "" {
		params.Set("type", string(taskType))
	}
	var out struct {
		Tasks []models.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tasks/pending?"+params.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// LockTask claims a task for this worker. Returns false when another worker holds it.
func (c *Client) LockTask(ctx context.Context, taskID int64, workerID string) (bool, error) {
	body := map[string]string{"worker_id": workerID}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/lock", taskID), body, nil)
	if err != nil {
		var apiErr *APIError
		// 409/423 mean the lock is already held; not a transport failure
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusConflict || apiErr.StatusCode == http.StatusLocked) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UnlockTask releases the coordinator lock. Always called before the terminal status update.
func (c *Client) UnlockTask(ctx context.Context, taskID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/unlock", taskID), nil, nil)
}

// UpdateTaskStatus reports the terminal task state
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID int64, status models.TaskStatus, result map[string]interface{}, errorMessage string) error {
	body := map[string]interface{}{"status": string(status)}
	if result != nil {
		body["result"] = result
	}
	if errorMessage != "" {
		body["error_message"] = truncate(errorMessage, 2048)
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/tasks/%d/status", taskID), body, nil)
}

// CreateBacklink records a created backlink
func (c *Client) CreateBacklink(ctx context.Context, campaignID int64, linkURL string, taskType models.TaskType, status, backlinkID string, siteAccountID int64, errorMessage string) error {
	body := map[string]interface{}{
		"campaign_id": campaignID,
		"url":         linkURL,
		"type":        string(taskType),
		"status":      status,
		"backlink_id": backlinkID,
	}
	if siteAccountID != 0 {
		body["site_account_id"] = siteAccountID
	}
	if errorMessage != "" {
		body["error_message"] = truncate(errorMessage, 2048)
	}
	return c.do(ctx, http.MethodPost, "/api/backlinks", body, nil)
}

// UpdateBacklink patches an existing backlink record
func (c *Client) UpdateBacklink(ctx context.Context, backlinkID int64, status, errorMessage string) error {
	body := map[string]interface{}{}
	if status != "" {
		body["status"] = status
	}
	if errorMessage != "" {
		body["error_message"] = truncate(errorMessage, 2048)
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/backlinks/%d", backlinkID), body, nil)
}

// GetCampaign fetches the campaign for proxy-country and content settings
func (c *Client) GetCampaign(ctx context.Context, campaignID int64) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/campaigns/%d", campaignID), nil, &campaign); err != nil {
		return nil, err
	}
	return &campaign, nil
}

// CreateSiteAccount persists a registered site account
func (c *Client) CreateSiteAccount(ctx context.Context, account *models.SiteAccount) (*models.SiteAccount, error) {
	var created models.SiteAccount
	if err := c.do(ctx, http.MethodPost, "/api/site-accounts", account, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetSiteAccount fetches a site account by id
func (c *Client) GetSiteAccount(ctx context.Context, accountID int64) (*models.SiteAccount, error) {
	var account models.SiteAccount
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/site-accounts/%d", accountID), nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// UpdateSiteAccount patches a site account's status or verification link
func (c *Client) UpdateSiteAccount(ctx context.Context, accountID int64, status, verificationLink string) error {
	body := map[string]interface{}{}
	if status != "" {
		body["status"] = status
	}
	if verificationLink != "" {
		body["verification_link"] = verificationLink
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/site-accounts/%d", accountID), body, nil)
}

// Proxies lists available proxies, preferring the given country when set
func (c *Client) Proxies(ctx context.Context, country string) ([]models.Proxy, error) {
	path := "/api/proxies"
	if country != "" {
		path += "?country=" + url.QueryEscape(country)
	}
	var out struct {
		Proxies []models.Proxy `json:"proxies"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Proxies, nil
}

// HistoricalOutcomes fetches coordinator-side backlink outcomes for the
// feedback collector, newest first, bounded by sinceDays.
func (c *Client) HistoricalOutcomes(ctx context.Context, sinceDays int) ([]map[string]interface{}, error) {
	var out struct {
		Outcomes []map[string]interface{} `json:"outcomes"`
	}
	path := fmt.Sprintf("/api/backlinks/history?since_days=%d", sinceDays)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Outcomes, nil
}

// SolveCaptcha delegates a challenge to the external solver behind the coordinator.
// Returns the solved token, or empty when the solver gave up.
func (c *Client) SolveCaptcha(ctx context.Context, captchaType models.CaptchaType, siteKey, pageURL string) (string, error) {
	body := map[string]string{
		"type":     string(captchaType),
		"site_key": siteKey,
		"page_url": pageURL,
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/captcha/solve", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
