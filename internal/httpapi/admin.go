package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type caseListResponse struct {
	Items []canonical.Case `json:"items"`
}

type taskListResponse struct {
	Items []canonical.OutboundTask `json:"items"`
}

type eventListResponse struct {
	Items []canonical.SyncEvent `json:"items"`
}

type alertListResponse struct {
	Items []canonical.Alert `json:"items"`
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	status := canonical.CaseStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	cases, err := s.engine.ListCasesByStatus(r.Context(), status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if cases == nil {
		cases = []canonical.Case{}
	}
	writeJSON(w, http.StatusOK, caseListResponse{Items: cases})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetCase(r.Context(), chi.URLParam(r, "caseId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var decision canonical.ManualDecision
	if !s.decodeJSONBody(w, r, correlationID, &decision) {
		return
	}
	if strings.TrimSpace(decision.Actor) == "" {
		decision.Actor = claimsFrom(r.Context()).Subject
	}
	decision.Action = canonical.DecisionAction(strings.ToLower(strings.TrimSpace(string(decision.Action))))
	updated, err := s.engine.SubmitManualOverride(r.Context(), chi.URLParam(r, "caseId"), decision)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tasks, err := s.records.ListTasks(r.Context(), store.TaskFilter{
		Status:       canonical.TaskStatus(strings.ToLower(strings.TrimSpace(query.Get("status")))),
		ConnectionID: strings.TrimSpace(query.Get("connectionId")),
		CaseID:       strings.TrimSpace(query.Get("caseId")),
		Limit:        parseBoundedInt(query.Get("limit"), defaultListLimit, 1, maxListLimit),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []canonical.OutboundTask{}
	}
	writeJSON(w, http.StatusOK, taskListResponse{Items: tasks})
}

func (s *Server) handleReplayTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.ReplayTask(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	status := canonical.SyncEventStatus(strings.ToLower(strings.TrimSpace(query.Get("status"))))
	events, err := s.records.ListSyncEvents(r.Context(), status, parseBoundedInt(query.Get("limit"), defaultListLimit, 1, maxListLimit))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []canonical.SyncEvent{}
	}
	writeJSON(w, http.StatusOK, eventListResponse{Items: events})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	alerts, err := s.records.ListAlerts(r.Context(), store.AlertFilter{
		CaseID:       strings.TrimSpace(query.Get("caseId")),
		ConnectionID: strings.TrimSpace(query.Get("connectionId")),
		Limit:        parseBoundedInt(query.Get("limit"), defaultListLimit, 1, maxListLimit),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []canonical.Alert{}
	}
	writeJSON(w, http.StatusOK, alertListResponse{Items: alerts})
}

type reauthorizeRequest struct {
	Secrets map[string]string `json:"secrets"`
}

func (s *Server) handleReauthorize(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req reauthorizeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Secrets) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "secrets are required", correlationID)
		return
	}
	bundle := make(canonical.SecretBundle, len(req.Secrets))
	for key, value := range req.Secrets {
		bundle[key] = []byte(value)
	}
	resumed, err := s.engine.Reauthorize(r.Context(), chi.URLParam(r, "connectionId"), bundle)
	bundle.Wipe()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectionId": chi.URLParam(r, "connectionId"),
		"resumedTasks": resumed,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.PollOnce(r.Context(), chi.URLParam(r, "connectionId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
