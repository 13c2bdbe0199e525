package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

func runCtl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCasesListRendersTable(t *testing.T) {
	var gotAuth, gotStatus string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotStatus = r.URL.Query().Get("status")
		_, _ = w.Write([]byte(`{"items":[{"caseId":"case_1","connectionId":"gw-1","externalDisputeId":"dp_9","status":"IN_REVIEW","amount":12345,"currency":"EUR","reasonCode":"10.4","confidenceScore":72}]}`))
	}))
	defer server.Close()

	out, err := runCtl(t, "--server", server.URL, "--jwt-secret", "s3cret", "--subject", "ops", "cases", "list", "--status", "in_review")
	if err != nil {
		t.Fatalf("cases list failed: %v", err)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ") || len(gotAuth) <= len("Bearer ") {
		t.Fatalf("expected minted bearer token, got %q", gotAuth)
	}
	if gotStatus != "IN_REVIEW" {
		t.Fatalf("expected status to be upper-cased, got %q", gotStatus)
	}
	for _, want := range []string{"CASE", "case_1", "123.45 EUR", "72", "IN_REVIEW"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestOverrideSendsDecisionAndPrintsJSON(t *testing.T) {
	var decision canonical.ManualDecision
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/admin/cases/case_1/override" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"caseId":"case_1","status":"CANCELLED","manualOverride":true}`))
	}))
	defer server.Close()

	out, err := runCtl(t, "--server", server.URL, "--token", "tok", "-o", "json",
		"cases", "override", "case_1", "--action", "CANCEL", "--reason", "duplicate", "--actor", "alice")
	if err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if decision.Action != canonical.DecisionCancel || decision.Reason != "duplicate" || decision.Actor != "alice" {
		t.Fatalf("unexpected decision sent: %+v", decision)
	}
	var printed canonical.Case
	if err := json.Unmarshal([]byte(out), &printed); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", out, err)
	}
	if printed.Status != canonical.StatusCancelled || !printed.ManualOverride {
		t.Fatalf("unexpected case printed: %+v", printed)
	}
}

func TestOverrideRequiresAction(t *testing.T) {
	if _, err := runCtl(t, "--token", "tok", "cases", "override", "case_1"); err == nil {
		t.Fatalf("expected missing --action to fail")
	}
}

func TestReauthorizeSendsSecrets(t *testing.T) {
	var body struct {
		Secrets map[string]string `json:"secrets"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/admin/connections/mews-1/reauthorize" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"connectionId":"mews-1","resumedTasks":3}`))
	}))
	defer server.Close()

	out, err := runCtl(t, "--server", server.URL, "--token", "tok",
		"connections", "reauthorize", "mews-1", "--secret", "access_token=abc", "--secret", "client_token=x=y")
	if err != nil {
		t.Fatalf("reauthorize failed: %v", err)
	}
	if body.Secrets["access_token"] != "abc" || body.Secrets["client_token"] != "x=y" {
		t.Fatalf("unexpected secrets sent: %+v", body.Secrets)
	}
	if !strings.Contains(out, "mews-1") || !strings.Contains(out, "3") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestParseSecretsRejectsMalformedPairs(t *testing.T) {
	for _, pairs := range [][]string{nil, {"novalue"}, {"=abc"}, {"key="}} {
		if _, err := parseSecrets(pairs); err == nil {
			t.Fatalf("expected %v to be rejected", pairs)
		}
	}
}

func TestTasksListForwardsFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "dead" || q.Get("connectionId") != "gw-1" || q.Get("limit") != "5" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"items":[{"taskId":"task_4","caseId":"case_1","targetConnectionId":"gw-1","action":"submit_evidence","status":"dead","attempt":8,"lastError":"http 500"}]}`))
	}))
	defer server.Close()

	out, err := runCtl(t, "--server", server.URL, "--token", "tok", "tasks", "list", "-s", "DEAD", "--connection", "gw-1", "-n", "5")
	if err != nil {
		t.Fatalf("tasks list failed: %v", err)
	}
	if !strings.Contains(out, "task_4") || !strings.Contains(out, "http 500") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRootRejectsMissingTokenAndBadOutput(t *testing.T) {
	t.Setenv("DISPUTESYNC_TOKEN", "")
	t.Setenv("DISPUTESYNC_JWT_SECRET", "")
	if _, err := runCtl(t, "sweep"); err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if _, err := runCtl(t, "--token", "tok", "-o", "yaml", "sweep"); err == nil {
		t.Fatalf("expected unsupported output to fail")
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[int64]string{0: "0.00 EUR", 5: "0.05 EUR", 12345: "123.45 EUR", -250: "-2.50 EUR"}
	for amount, want := range cases {
		if got := formatAmount(amount, "EUR"); got != want {
			t.Fatalf("formatAmount(%d) = %q, want %q", amount, got, want)
		}
	}
}
