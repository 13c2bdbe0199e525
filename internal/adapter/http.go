package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/log"
)

const maxResponseBytes = 4 << 20

// do sends one request per attempt. Every attempt takes a rate-limit token
// and runs under the descriptor's per-call timeout. retries only applies to
// 429 and 5xx responses and transport failures.
func (r *Runner) do(ctx context.Context, conn canonical.Connection, desc *capability.Descriptor, method, url string, body []byte, retries int) ([]byte, error) {
	op := method + " " + url
	for attempt := 0; ; attempt++ {
		respBody, err := r.attempt(ctx, conn, desc, method, url, body)
		if err == nil {
			return respBody, nil
		}
		if !canonical.IsRetryable(err) || attempt >= retries {
			return nil, err
		}
		r.logger.Debug().
			Str(log.FieldConnectionID, conn.ConnectionID).
			Int(log.FieldAttempt, attempt+1).
			Str("op", op).
			Err(err).
			Msg("retrying provider call")
		if waitErr := sleepContext(ctx, r.retryDelay(attempt+1, canonical.RetryAfterHint(err))); waitErr != nil {
			return nil, waitErr
		}
	}
}

func (r *Runner) attempt(ctx context.Context, conn canonical.Connection, desc *capability.Descriptor, method, url string, body []byte) ([]byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx, conn.ConnectionID); err != nil {
			return nil, err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", r.userAgent)
	for key, value := range desc.Headers {
		req.Header.Set(key, value)
	}
	if id := log.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Correlation-Id", id)
	}
	if err := r.Authenticate(ctx, conn, req, body); err != nil {
		return nil, err
	}

	op := method + " " + req.URL.Path
	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &canonical.TransientNetworkError{Op: op, Err: err}
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &canonical.TransientNetworkError{Op: op, Err: readErr}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, nil
	}
	return nil, classify(conn.ConnectionID, op, resp, respBody)
}

// classify maps a non-2xx response onto the error taxonomy.
func classify(connectionID, op string, resp *http.Response, body []byte) error {
	code, message := parseProviderError(body)
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &canonical.AuthError{ConnectionID: connectionID, StatusCode: resp.StatusCode, Message: message}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &canonical.RateLimitExceeded{ConnectionID: connectionID, RetryAfter: retryAfter}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return &canonical.TransientNetworkError{Op: op, StatusCode: resp.StatusCode, RetryAfter: retryAfter, Err: errors.New(message)}
	default:
		return &canonical.ProviderError{StatusCode: resp.StatusCode, Code: code, Message: message}
	}
}

func parseProviderError(body []byte) (string, string) {
	message := strings.TrimSpace(string(body))
	if len(message) > 512 {
		message = message[:512]
	}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) != nil {
		return "", message
	}
	// Providers nest errors differently; {"error": {...}} is common enough.
	if nested, ok := parsed["error"].(map[string]any); ok {
		parsed = nested
	}
	code := ""
	for _, key := range []string{"code", "error", "type"} {
		if value, ok := parsed[key].(string); ok && value != "" {
			code = value
			break
		}
	}
	for _, key := range []string{"message", "error_description", "detail"} {
		if value, ok := parsed[key].(string); ok && strings.TrimSpace(value) != "" {
			message = value
			break
		}
	}
	return code, message
}

func (r *Runner) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > r.maxDelay {
			return r.maxDelay
		}
		return retryAfter
	}
	delay := r.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.maxDelay {
			return r.maxDelay
		}
	}
	return delay
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
