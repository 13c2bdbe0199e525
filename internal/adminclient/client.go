// Package adminclient talks to the disputesync operator API.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

var ErrConflict = errors.New("conflict")

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case canonical.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// TokenFunc returns the bearer token for the next request.
type TokenFunc func() (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenFunc {
	token = strings.TrimSpace(token)
	return func() (string, error) { return token, nil }
}

type Client struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL string, token TokenFunc, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if token == nil {
		token = StaticToken("")
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type TaskFilter struct {
	Status       canonical.TaskStatus
	ConnectionID string
	CaseID       string
	Limit        int
}

type PollResult struct {
	ConnectionID string `json:"connectionId"`
	Records      int    `json:"records"`
	Changed      int    `json:"changed"`
	Accepted     int    `json:"accepted"`
}

type SweepResult struct {
	Expired        int `json:"expired"`
	Progressed     int `json:"progressed"`
	RequeuedEvents int `json:"requeuedEvents"`
}

func (c *Client) ListCases(ctx context.Context, status canonical.CaseStatus) ([]canonical.Case, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var out listResponse[canonical.Case]
	err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/admin/cases", q), nil, &out)
	return out.Items, err
}

func (c *Client) GetCase(ctx context.Context, caseID string) (canonical.Case, error) {
	var out canonical.Case
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/cases/"+url.PathEscape(caseID), nil, &out)
	return out, err
}

func (c *Client) Override(ctx context.Context, caseID string, decision canonical.ManualDecision) (canonical.Case, error) {
	var out canonical.Case
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/cases/"+url.PathEscape(caseID)+"/override", decision, &out)
	return out, err
}

func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]canonical.OutboundTask, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.ConnectionID != "" {
		q.Set("connectionId", filter.ConnectionID)
	}
	if filter.CaseID != "" {
		q.Set("caseId", filter.CaseID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out listResponse[canonical.OutboundTask]
	err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/admin/tasks", q), nil, &out)
	return out.Items, err
}

func (c *Client) ReplayTask(ctx context.Context, taskID string) (canonical.OutboundTask, error) {
	var out canonical.OutboundTask
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/tasks/"+url.PathEscape(taskID)+"/replay", nil, &out)
	return out, err
}

func (c *Client) ListEvents(ctx context.Context, status canonical.SyncEventStatus, limit int) ([]canonical.SyncEvent, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out listResponse[canonical.SyncEvent]
	err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/admin/events", q), nil, &out)
	return out.Items, err
}

func (c *Client) ListAlerts(ctx context.Context, caseID string, limit int) ([]canonical.Alert, error) {
	q := url.Values{}
	if caseID != "" {
		q.Set("caseId", caseID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out listResponse[canonical.Alert]
	err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/admin/alerts", q), nil, &out)
	return out.Items, err
}

// Reauthorize returns how many paused tasks were resumed.
func (c *Client) Reauthorize(ctx context.Context, connectionID string, secrets map[string]string) (int, error) {
	var out struct {
		ResumedTasks int `json:"resumedTasks"`
	}
	body := map[string]any{"secrets": secrets}
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/connections/"+url.PathEscape(connectionID)+"/reauthorize", body, &out)
	return out.ResumedTasks, err
}

func (c *Client) Poll(ctx context.Context, connectionID string) (PollResult, error) {
	var out PollResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/connections/"+url.PathEscape(connectionID)+"/poll", nil, &out)
	return out, err
}

func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/sweep", nil, &out)
	return out, err
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// doJSON retries 429 for every method. Network errors and 5xx are only
// retried for GET, since a write may already have been applied.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	idempotent := method == http.MethodGet
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		token, err := c.token()
		if err != nil {
			return fmt.Errorf("admin token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if idempotent && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(idempotent && resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: errPayload.CorrelationID,
		}
	}
}

func correlationID() string {
	return "ctl_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
