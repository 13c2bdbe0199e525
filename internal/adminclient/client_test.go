package adminclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

func newTestClient(server *httptest.Server) *Client {
	client := New(server.URL, StaticToken("token"), server.Client())
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestClientRetriesTransientFailureOnReads(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/admin/cases" || r.URL.Query().Get("status") != "IN_REVIEW" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" || r.Header.Get("X-Correlation-Id") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"caseId":"case_1","status":"IN_REVIEW"}]}`))
	}))
	defer server.Close()

	cases, err := newTestClient(server).ListCases(context.Background(), canonical.StatusInReview)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(cases) != 1 || cases[0].CaseID != "case_1" {
		t.Fatalf("unexpected cases: %+v", cases)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientDoesNotRetryWritesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"internal_error","message":"boom","correlationId":"corr_9"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).ReplayTask(context.Background(), "task_1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusInternalServerError || httpErr.CorrelationID != "corr_9" {
		t.Fatalf("unexpected error: %+v", httpErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientRetriesRateLimitedWrite(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var decision canonical.ManualDecision
		if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if r.URL.Path != "/v1/admin/cases/case_1/override" || decision.Action != canonical.DecisionCancel {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"caseId":"case_1","status":"CANCELLED"}`))
	}))
	defer server.Close()

	updated, err := newTestClient(server).Override(context.Background(), "case_1", canonical.ManualDecision{Action: canonical.DecisionCancel})
	if err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if updated.Status != canonical.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", updated.Status)
	}
}

func TestClientMapsStatusToSentinels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/admin/cases/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not_found","message":"case missing"}`))
		default:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"conflict","message":"poll already running"}`))
		}
	}))
	defer server.Close()
	client := newTestClient(server)

	if _, err := client.GetCase(context.Background(), "missing"); !errors.Is(err, canonical.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := client.Poll(context.Background(), "gw-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestClientForwardsTaskFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "dead" || q.Get("connectionId") != "mews-1" || q.Get("limit") != "25" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"items":[{"taskId":"task_7","status":"dead"}]}`))
	}))
	defer server.Close()

	tasks, err := newTestClient(server).ListTasks(context.Background(), TaskFilter{
		Status:       canonical.TaskDead,
		ConnectionID: "mews-1",
		Limit:        25,
	})
	if err != nil {
		t.Fatalf("list tasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskID != "task_7" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}
