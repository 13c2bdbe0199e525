package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/casefsm"
	"github.com/agentworkforce/disputesync/internal/dispatch"
	"github.com/agentworkforce/disputesync/internal/orchestrator"
	"github.com/agentworkforce/disputesync/internal/store"
	"github.com/agentworkforce/disputesync/internal/webhook"
)

type fakeEngine struct {
	mu         sync.Mutex
	cases      map[string]canonical.Case
	decisions  []canonical.ManualDecision
	reauth     map[string]canonical.SecretBundle
	pollErr    error
	observers  []casefsm.Observer
	subscribed chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		cases: map[string]canonical.Case{
			"case_1": {CaseID: "case_1", ExternalDisputeID: "dp_1", Status: canonical.StatusInReview, Amount: 48750, Currency: "USD"},
			"case_2": {CaseID: "case_2", ExternalDisputeID: "dp_2", Status: canonical.StatusWon},
		},
		reauth:     map[string]canonical.SecretBundle{},
		subscribed: make(chan struct{}, 1),
	}
}

func (f *fakeEngine) GetCase(_ context.Context, caseID string) (canonical.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[caseID]
	if !ok {
		return canonical.Case{}, fmt.Errorf("%w: case %s", canonical.ErrNotFound, caseID)
	}
	return c, nil
}

func (f *fakeEngine) ListCasesByStatus(_ context.Context, status canonical.CaseStatus) ([]canonical.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []canonical.Case
	for _, c := range f.cases {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeEngine) SubmitManualOverride(_ context.Context, caseID string, d canonical.ManualDecision) (canonical.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[caseID]
	if !ok {
		return canonical.Case{}, canonical.ErrNotFound
	}
	if c.Status.IsTerminal() {
		return canonical.Case{}, casefsm.ErrTerminal
	}
	f.decisions = append(f.decisions, d)
	c.Status = canonical.StatusSubmitted
	c.ManualOverride = true
	f.cases[caseID] = c
	return c, nil
}

func (f *fakeEngine) ReplayTask(_ context.Context, taskID string) (canonical.OutboundTask, error) {
	if taskID == "task_old" {
		return canonical.OutboundTask{}, fmt.Errorf("%w: task %s", dispatch.ErrSuperseded, taskID)
	}
	if taskID != "task_1" {
		return canonical.OutboundTask{}, canonical.ErrNotFound
	}
	return canonical.OutboundTask{TaskID: taskID, Status: canonical.TaskQueued}, nil
}

func (f *fakeEngine) Reauthorize(_ context.Context, connectionID string, secrets canonical.SecretBundle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reauth[connectionID] = secrets.Clone()
	return 3, nil
}

func (f *fakeEngine) PollOnce(_ context.Context, connectionID string) (orchestrator.PollResult, error) {
	if f.pollErr != nil {
		return orchestrator.PollResult{}, f.pollErr
	}
	return orchestrator.PollResult{ConnectionID: connectionID, Records: 2, Changed: 1, Accepted: 1}, nil
}

func (f *fakeEngine) Sweep(context.Context) (orchestrator.SweepResult, error) {
	return orchestrator.SweepResult{Expired: 1}, nil
}

func (f *fakeEngine) OnCaseTransition(fn casefsm.Observer) func() {
	f.mu.Lock()
	f.observers = append(f.observers, fn)
	f.mu.Unlock()
	select {
	case f.subscribed <- struct{}{}:
	default:
	}
	return func() {}
}

func (f *fakeEngine) emit(t casefsm.Transition) {
	f.mu.Lock()
	observers := append([]casefsm.Observer(nil), f.observers...)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(context.Background(), t)
	}
}

type fakeWebhooks struct {
	mu        sync.Mutex
	delivered [][]byte
}

func (f *fakeWebhooks) ResolveConnection(_ context.Context, adapterKind, connectionID string) (canonical.Connection, error) {
	switch adapterKind {
	case "stripe":
		return canonical.Connection{ConnectionID: "stripe-1", AdapterKind: "stripe"}, nil
	case "mews":
		if connectionID == "" {
			return canonical.Connection{}, webhook.ErrAmbiguous
		}
		return canonical.Connection{ConnectionID: connectionID, AdapterKind: "mews"}, nil
	default:
		return canonical.Connection{}, fmt.Errorf("%w: %s", capability.ErrUnknownAdapter, adapterKind)
	}
}

func (f *fakeWebhooks) HandleWebhook(_ context.Context, conn canonical.Connection, header http.Header, body []byte) (webhook.Result, error) {
	if header.Get("Stripe-Signature") == "bad" {
		return webhook.Result{}, webhook.ErrInvalidSignature
	}
	if !json.Valid(body) {
		return webhook.Result{}, webhook.ErrMalformedBody
	}
	if strings.Contains(string(body), "db-down") {
		return webhook.Result{}, errors.New("store unavailable")
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, body)
	f.mu.Unlock()
	return webhook.Result{Outcome: webhook.OutcomeAccepted, EventKey: conn.ConnectionID + ":evt_1", Queued: true}, nil
}

type fakeRecords struct {
	lastTaskFilter store.TaskFilter
}

func (f *fakeRecords) ListTasks(_ context.Context, filter store.TaskFilter) ([]canonical.OutboundTask, error) {
	f.lastTaskFilter = filter
	return []canonical.OutboundTask{{TaskID: "task_1", Status: filter.Status}}, nil
}

func (f *fakeRecords) ListSyncEvents(context.Context, canonical.SyncEventStatus, int) ([]canonical.SyncEvent, error) {
	return nil, nil
}

func (f *fakeRecords) ListAlerts(context.Context, store.AlertFilter) ([]canonical.Alert, error) {
	return []canonical.Alert{{AlertID: "alert_1", CaseID: "case_1"}}, nil
}

func newTestServer(cfg ServerConfig) (*Server, *fakeEngine, *fakeWebhooks, *fakeRecords) {
	engine := newFakeEngine()
	hooks := &fakeWebhooks{}
	records := &fakeRecords{}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	return NewServer(engine, hooks, records, cfg), engine, hooks, records
}

func TestAuthRequired(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{})
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/cases",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestCorrelationIDRequiredOnAdminAPI(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ops@example.com", []string{scopeAdminRead}, time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/cases",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", resp.Code)
	}
}

func TestScopesEnforced(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{})
	readOnly := mustTestJWT(t, "dev-secret", "viewer", []string{scopeAdminRead}, time.Now().Add(time.Hour))

	listResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/cases?status=in_review",
		headers: map[string]string{"Authorization": "Bearer " + readOnly, "X-Correlation-Id": "corr_list"},
	})
	if listResp.Code != http.StatusOK {
		t.Fatalf("expected 200 listing cases, got %d (%s)", listResp.Code, listResp.Body.String())
	}
	var list struct {
		Items []canonical.Case `json:"items"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode case list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].CaseID != "case_1" {
		t.Fatalf("expected only case_1 in review, got %+v", list.Items)
	}

	overrideResp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/cases/case_1/override",
		headers: map[string]string{"Authorization": "Bearer " + readOnly, "X-Correlation-Id": "corr_override"},
		body:    map[string]any{"action": "submit"},
	})
	if overrideResp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only token on override, got %d", overrideResp.Code)
	}

	wrongSecret := mustTestJWT(t, "other-secret", "viewer", []string{scopeAdminRead}, time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/cases",
		headers: map[string]string{"Authorization": "Bearer " + wrongSecret, "X-Correlation-Id": "corr_bad"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", resp.Code)
	}

	expired := mustTestJWT(t, "dev-secret", "viewer", []string{scopeAdminRead}, time.Now().Add(-time.Minute))
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/cases",
		headers: map[string]string{"Authorization": "Bearer " + expired, "X-Correlation-Id": "corr_expired"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}

	wrongAudience := mustTestJWTWithAudience(t, "dev-secret", "viewer", []string{scopeAdminRead}, "other-service", time.Now().Add(time.Hour))
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/cases",
		headers: map[string]string{"Authorization": "Bearer " + wrongAudience, "X-Correlation-Id": "corr_aud"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", resp.Code)
	}
}

func TestSignTokenIsAccepted(t *testing.T) {
	token, err := SignToken("dev-secret", "ctl", []string{scopeAdminWrite}, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	claims, authErr := authorizeBearer("Bearer "+token, "dev-secret", time.Now(), scopeAdminWrite)
	if authErr != nil {
		t.Fatalf("expected signed token to authorize, got %v", authErr)
	}
	if claims.Subject != "ctl" {
		t.Fatalf("expected subject ctl, got %q", claims.Subject)
	}
}

func TestGetCaseAndNotFound(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "viewer", []string{scopeAdminRead}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/cases/case_1",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_get"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var c canonical.Case
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		t.Fatalf("decode case: %v", err)
	}
	if c.ExternalDisputeID != "dp_1" || c.Amount != 48750 {
		t.Fatalf("unexpected case payload: %+v", c)
	}

	missing := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/cases/case_404",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_missing"},
	})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
	var payload map[string]any
	if err := json.NewDecoder(missing.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["code"] != "not_found" || payload["correlationId"] != "corr_missing" {
		t.Fatalf("unexpected error payload: %+v", payload)
	}
}

func TestManualOverrideUsesTokenSubjectAsActor(t *testing.T) {
	server, engine, _, _ := newTestServer(ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ops@example.com", []string{scopeAdminWrite}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/cases/case_1/override",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_override"},
		body:    map[string]any{"action": "SUBMIT", "reason": "guest signed the folio"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if len(engine.decisions) != 1 {
		t.Fatalf("expected one decision, got %d", len(engine.decisions))
	}
	d := engine.decisions[0]
	if d.Action != canonical.DecisionSubmit || d.Actor != "ops@example.com" || d.Reason != "guest signed the folio" {
		t.Fatalf("unexpected decision: %+v", d)
	}

	terminal := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/cases/case_2/override",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_terminal"},
		body:    map[string]any{"action": "cancel"},
	})
	if terminal.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a terminal case, got %d", terminal.Code)
	}

	badJSON := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/admin/cases/case_1/override",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_badjson"},
		body:    []byte("{"),
	})
	if badJSON.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", badJSON.Code)
	}
}

func TestTaskListAndReplay(t *testing.T) {
	server, _, _, records := newTestServer(ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ops", []string{scopeAdminWrite}, time.Now().Add(time.Hour))

	list := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/tasks?status=DEAD&connectionId=mews-1&limit=5000",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_tasks"},
	})
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", list.Code, list.Body.String())
	}
	if records.lastTaskFilter.Status != canonical.TaskDead {
		t.Fatalf("expected lowercased status filter, got %q", records.lastTaskFilter.Status)
	}
	if records.lastTaskFilter.ConnectionID != "mews-1" || records.lastTaskFilter.Limit != maxListLimit {
		t.Fatalf("unexpected filter: %+v", records.lastTaskFilter)
	}

	replay := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/tasks/task_1/replay",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_replay"},
	})
	if replay.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", replay.Code, replay.Body.String())
	}

	missing := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/tasks/task_x/replay",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_replay_missing"},
	})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}

	superseded := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/tasks/task_old/replay",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_replay_old"},
	})
	if superseded.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", superseded.Code, superseded.Body.String())
	}
}

func TestReauthorizeAndPoll(t *testing.T) {
	server, engine, _, _ := newTestServer(ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ops", []string{scopeAdminWrite}, time.Now().Add(time.Hour))

	empty := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/connections/gw-1/reauthorize",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_reauth_empty"},
		body:    map[string]any{},
	})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without secrets, got %d", empty.Code)
	}

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/connections/gw-1/reauthorize",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_reauth"},
		body:    map[string]any{"secrets": map[string]string{"client_secret": "s3cret"}},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		ResumedTasks int `json:"resumedTasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode reauthorize response: %v", err)
	}
	if payload.ResumedTasks != 3 {
		t.Fatalf("expected 3 resumed tasks, got %d", payload.ResumedTasks)
	}
	if got := engine.reauth["gw-1"].Get("client_secret"); got != "s3cret" {
		t.Fatalf("expected engine to receive the secret, got %q", got)
	}

	engine.pollErr = orchestrator.ErrPollInProgress
	busy := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/connections/gw-1/poll",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_poll"},
	})
	if busy.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a poll is running, got %d", busy.Code)
	}

	engine.pollErr = &canonical.AuthError{ConnectionID: "gw-1", StatusCode: http.StatusUnauthorized, Message: "refresh rejected"}
	unauth := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/connections/gw-1/poll",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_poll_auth"},
	})
	if unauth.Code != http.StatusConflict {
		t.Fatalf("expected 409 for an unauthenticated connection, got %d", unauth.Code)
	}
}

func TestWebhookStatusMapping(t *testing.T) {
	server, _, hooks, _ := newTestServer(ServerConfig{MaxBodyBytes: 64})

	ok := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/webhooks/stripe",
		body:   []byte(`{"id":"evt_1"}`),
	})
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", ok.Code, ok.Body.String())
	}
	if ok.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}
	var result webhook.Result
	if err := json.NewDecoder(ok.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Outcome != webhook.OutcomeAccepted || !result.Queued {
		t.Fatalf("unexpected result: %+v", result)
	}

	cases := []struct {
		name    string
		path    string
		headers map[string]string
		body    []byte
		want    int
	}{
		{name: "unknown adapter", path: "/webhooks/acme", body: []byte(`{}`), want: http.StatusNotFound},
		{name: "ambiguous connection", path: "/webhooks/mews", body: []byte(`{}`), want: http.StatusBadRequest},
		{name: "bad signature", path: "/webhooks/stripe", headers: map[string]string{"Stripe-Signature": "bad"}, body: []byte(`{}`), want: http.StatusUnauthorized},
		{name: "malformed", path: "/webhooks/stripe", body: []byte(`{`), want: http.StatusBadRequest},
		{name: "too large", path: "/webhooks/stripe", body: bytes.Repeat([]byte("x"), 65), want: http.StatusRequestEntityTooLarge},
		{name: "not persisted", path: "/webhooks/stripe", body: []byte(`{"note":"db-down"}`), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		resp := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: tc.path, headers: tc.headers, body: tc.body})
		if resp.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.want, resp.Code, resp.Body.String())
		}
	}

	explicit := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/webhooks/mews/mews-2",
		body:   []byte(`{"id":"evt_2"}`),
	})
	if explicit.Code != http.StatusOK {
		t.Fatalf("expected 200 with a connection id in the path, got %d", explicit.Code)
	}
	if len(hooks.delivered) != 2 {
		t.Fatalf("expected 2 persisted deliveries, got %d", len(hooks.delivered))
	}
}

func TestRateLimitingBySubject(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	token := mustTestJWT(t, "dev-secret", "ops", []string{scopeAdminRead}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method: http.MethodGet,
			path:   "/v1/admin/alerts",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": fmt.Sprintf("corr_rate_%d", i),
			},
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/admin/alerts",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_rate_denied",
		},
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{})
	health := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", health.Code)
	}
	metrics := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if metrics.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", metrics.Code)
	}
	unknown := doRequest(t, server, request{method: http.MethodGet, path: "/v2/nothing"})
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", unknown.Code)
	}
}

func TestCaseStreamDeliversTransitions(t *testing.T) {
	server, engine, _, _ := newTestServer(ServerConfig{})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	token := mustTestJWT(t, "dev-secret", "viewer", []string{scopeAdminRead}, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, httpServer.URL+"/v1/admin/cases/stream", &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization":    []string{"Bearer " + token},
			"X-Correlation-Id": []string{"corr_stream"},
		},
	})
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	select {
	case <-engine.subscribed:
	case <-ctx.Done():
		t.Fatalf("stream never subscribed")
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.emit(casefsm.Transition{
		Case: canonical.Case{CaseID: "case_1", ExternalDisputeID: "dp_1"},
		Event: canonical.TimelineEvent{
			Kind:       canonical.TimelineTransition,
			FromStatus: canonical.StatusInReview,
			ToStatus:   canonical.StatusSubmitted,
			Actor:      "ai",
			Reason:     "scored 91 (AUTO_SUBMIT)",
			CreatedAt:  at,
		},
	})

	var msg TransitionMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msg.CaseID != "case_1" || msg.ToStatus != canonical.StatusSubmitted || msg.FromStatus != canonical.StatusInReview {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	if !msg.At.Equal(at) {
		t.Fatalf("expected at %s, got %s", at, msg.At)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mustHMAC(secret, signingInput))
}

func mustHMAC(secret, data string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return mac.Sum(nil)
}
