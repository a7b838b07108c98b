package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/models"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", 5*time.Second, arbor.NewLogger())
}

func TestClientSendsAuthHeaders(t *testing.T) {
	var gotToken, gotAccept string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-API-Token")
		gotAccept = r.Header.Get("Accept")
		json.NewEncoder(w).Encode(map[string]interface{}{"tasks": []models.Task{}})
	}))

	_, err := client.PendingTasks(context.Background(), 5, "")
	require.NoError(t, err)
	assert.Equal(t, "test-token", gotToken)
	assert.Equal(t, "application/json", gotAccept)
}

func TestPendingTasksQueryParams(t *testing.T) {
	var gotQuery string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tasks": []models.Task{{ID: 7, Type: models.TaskTypeComment}},
		})
	}))

	tasks, err := client.PendingTasks(context.Background(), 3, models.TaskTypeComment)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(7), tasks[0].ID)
	assert.Contains(t, gotQuery, "limit=3")
	assert.Contains(t, gotQuery, "type=comment")
}

func TestLockTaskAcquired(t *testing.T) {
	var gotBody map[string]string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/tasks/42/lock", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))

	locked, err := client.LockTask(context.Background(), 42, "worker-1")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, "worker-1", gotBody["worker_id"])
}

func TestLockTaskHeldElsewhere(t *testing.T) {
	for _, status := range []int{http.StatusConflict, http.StatusLocked} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))

			locked, err := client.LockTask(context.Background(), 42, "worker-1")
			require.NoError(t, err)
			assert.False(t, locked)
		})
	}
}

func TestLockTaskServerError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	locked, err := client.LockTask(context.Background(), 42, "worker-1")
	assert.False(t, locked)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestRateLimitedFromHeader(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "90")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.PendingTasks(context.Background(), 1, "")
	var rateErr *RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 90*time.Second, rateErr.RetryAfter)
}

func TestRateLimitedFromBody(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{"retry_after": 45})
	}))

	_, err := client.PendingTasks(context.Background(), 1, "")
	var rateErr *RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 45*time.Second, rateErr.RetryAfter)
}

func TestRateLimitedFromMessageText(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": `too many requests, retry_after": 15`,
		})
	}))

	_, err := client.PendingTasks(context.Background(), 1, "")
	var rateErr *RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 15*time.Second, rateErr.RetryAfter)
}

func TestRateLimitedDefault(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.PendingTasks(context.Background(), 1, "")
	var rateErr *RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 30*time.Second, rateErr.RetryAfter)
}

func TestAPIErrorBodyTruncated(t *testing.T) {
	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'x'
	}
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write(big)
	}))

	_, err := client.GetCampaign(context.Background(), 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Len(t, apiErr.Body, 512)
}

func TestUpdateTaskStatusPayload(t *testing.T) {
	var gotBody map[string]interface{}
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/tasks/9/status", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))

	result := map[string]interface{}{"url": "https://example.com/post"}
	err := client.UpdateTaskStatus(context.Background(), 9, models.TaskStatusSuccess, result, "")
	require.NoError(t, err)
	assert.Equal(t, "success", gotBody["status"])
	require.NotNil(t, gotBody["result"])
	assert.NotContains(t, gotBody, "error_message")
}

func TestUpdateTaskStatusErrorMessage(t *testing.T) {
	var gotBody map[string]interface{}
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))

	err := client.UpdateTaskStatus(context.Background(), 9, models.TaskStatusFailed, nil, "captcha_failed")
	require.NoError(t, err)
	assert.Equal(t, "failed", gotBody["status"])
	assert.Equal(t, "captcha_failed", gotBody["error_message"])
}

func TestGetCampaign(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/campaigns/11", r.URL.Path)
		json.NewEncoder(w).Encode(models.Campaign{ID: 11, ProxyCountry: "de"})
	}))

	campaign, err := client.GetCampaign(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, int64(11), campaign.ID)
	assert.Equal(t, "de", campaign.ProxyCountry)
}

func TestProxiesCountryFilter(t *testing.T) {
	var gotQuery string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{
			"proxies": []models.Proxy{{Host: "proxy.example.com", Port: 8080}},
		})
	}))

	proxies, err := client.Proxies(context.Background(), "us")
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	assert.Equal(t, "proxy.example.com", proxies[0].Host)
	assert.Contains(t, gotQuery, "country=us")
}

func TestHistoricalOutcomes(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/backlinks/history", r.URL.Path)
		assert.Contains(t, r.URL.RawQuery, "since_days=30")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"outcomes": []map[string]interface{}{{"task_id": float64(1), "status": "success"}},
		})
	}))

	outcomes, err := client.HistoricalOutcomes(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "success", outcomes[0]["status"])
}

func TestSolveCaptchaToken(t *testing.T) {
	var gotBody map[string]string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/captcha/solve", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"token": "solved-token"})
	}))

	token, err := client.SolveCaptcha(context.Background(), models.CaptchaRecaptchaV2, "sitekey", "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "solved-token", token)
	assert.Equal(t, "recaptcha_v2", gotBody["type"])
	assert.Equal(t, "sitekey", gotBody["site_key"])
}

func TestRequestContextCancelled(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.PendingTasks(ctx, 1, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
