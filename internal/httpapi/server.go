// Package httpapi exposes the webhook receiver, the operator API, the case
// transition stream and the health and metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/casefsm"
	"github.com/agentworkforce/disputesync/internal/dispatch"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/orchestrator"
	"github.com/agentworkforce/disputesync/internal/store"
	"github.com/agentworkforce/disputesync/internal/webhook"
)

type ServerConfig struct {
	JWTSecret       string
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	// WebhookRateLimit bounds deliveries per source IP per window. Zero
	// disables the limit.
	WebhookRateLimit int
}

// Engine is the orchestrator surface the operator API drives.
type Engine interface {
	GetCase(ctx context.Context, caseID string) (canonical.Case, error)
	ListCasesByStatus(ctx context.Context, status canonical.CaseStatus) ([]canonical.Case, error)
	SubmitManualOverride(ctx context.Context, caseID string, d canonical.ManualDecision) (canonical.Case, error)
	ReplayTask(ctx context.Context, taskID string) (canonical.OutboundTask, error)
	Reauthorize(ctx context.Context, connectionID string, secrets canonical.SecretBundle) (int, error)
	PollOnce(ctx context.Context, connectionID string) (orchestrator.PollResult, error)
	Sweep(ctx context.Context) (orchestrator.SweepResult, error)
	OnCaseTransition(fn casefsm.Observer) func()
}

// Webhooks resolves and accepts raw provider deliveries.
type Webhooks interface {
	ResolveConnection(ctx context.Context, adapterKind, connectionID string) (canonical.Connection, error)
	HandleWebhook(ctx context.Context, conn canonical.Connection, header http.Header, body []byte) (webhook.Result, error)
}

// Records is the read side of the store listed by the operator API.
type Records interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]canonical.OutboundTask, error)
	ListSyncEvents(ctx context.Context, status canonical.SyncEventStatus, limit int) ([]canonical.SyncEvent, error)
	ListAlerts(ctx context.Context, filter store.AlertFilter) ([]canonical.Alert, error)
}

type Server struct {
	engine   Engine
	webhooks Webhooks
	records  Records
	cfg      ServerConfig
	logger   zerolog.Logger
	router   chi.Router
}

func NewServer(engine Engine, webhooks Webhooks, records Records, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		engine:   engine,
		webhooks: webhooks,
		records:  records,
		cfg:      cfg,
		logger:   log.WithComponent("httpapi"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/webhooks/{adapterKind}", func(r chi.Router) {
		if s.cfg.WebhookRateLimit > 0 {
			r.Use(s.limit(s.cfg.WebhookRateLimit, httprate.KeyByIP))
		}
		r.Post("/", s.handleWebhook)
		r.Post("/{connectionId}", s.handleWebhook)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireCorrelationID)
		r.Group(func(r chi.Router) {
			r.Use(s.authorize(scopeAdminRead, scopeAdminWrite))
			if s.cfg.RateLimitMax > 0 {
				r.Use(s.limit(s.cfg.RateLimitMax, keyBySubject))
			}
			r.Get("/cases", s.handleListCases)
			r.Get("/cases/stream", s.handleCaseStream)
			r.Get("/cases/{caseId}", s.handleGetCase)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/events", s.handleListEvents)
			r.Get("/alerts", s.handleListAlerts)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.authorize(scopeAdminWrite))
			if s.cfg.RateLimitMax > 0 {
				r.Use(s.limit(s.cfg.RateLimitMax, keyBySubject))
			}
			r.Post("/cases/{caseId}/override", s.handleOverride)
			r.Post("/tasks/{taskId}/replay", s.handleReplayTask)
			r.Post("/connections/{connectionId}/reauthorize", s.handleReauthorize)
			r.Post("/connections/{connectionId}/poll", s.handlePoll)
			r.Post("/sweep", s.handleSweep)
		})
	})
	return r
}

type claimsKey struct{}

func (s *Server) authorize(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC(), scopes...)
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func claimsFrom(ctx context.Context) tokenClaims {
	claims, _ := ctx.Value(claimsKey{}).(tokenClaims)
	return claims
}

func (s *Server) requireCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(log.ContextWithCorrelationID(r.Context(), correlationID)))
	})
}

func (s *Server) limit(max int, key httprate.KeyFunc) func(http.Handler) http.Handler {
	return httprate.Limit(
		max,
		s.cfg.RateLimitWindow,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			retryAfter := int(s.cfg.RateLimitWindow.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.logger.Warn().Str("path", r.URL.Path).Str(log.FieldCorrelationID, getCorrelationID(r)).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		}),
	)
}

func keyBySubject(r *http.Request) (string, error) {
	if subject := claimsFrom(r.Context()).Subject; subject != "" {
		return "sub:" + subject, nil
	}
	return httprate.KeyByIP(r)
}

// errorStatus maps domain errors onto HTTP statuses.
func errorStatus(err error) (int, string) {
	var authErr *canonical.AuthError
	switch {
	case errors.Is(err, canonical.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, canonical.ErrInvalidInput), errors.Is(err, webhook.ErrMalformedBody), errors.Is(err, webhook.ErrAmbiguous):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, casefsm.ErrIllegalTransition), errors.Is(err, casefsm.ErrTerminal),
		errors.Is(err, casefsm.ErrFrozen), errors.Is(err, casefsm.ErrNotSubmittable):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, orchestrator.ErrPollInProgress), errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, dispatch.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.As(err, &authErr):
		return http.StatusConflict, "unauthenticated"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger := log.FromContext(r.Context(), "httpapi")
		logger.Error().Str("path", r.URL.Path).Err(err).Msg("request failed")
	}
	writeError(w, status, code, err.Error(), getCorrelationID(r))
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func newCorrelationID() string {
	return "corr_" + uuid.NewString()
}
