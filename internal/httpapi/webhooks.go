package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/webhook"
)

// handleWebhook acknowledges a delivery only once its Sync Event is
// durably stored. Duplicates and unmapped event types are acknowledged
// too so providers stop retrying them.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	ctx := log.ContextWithCorrelationID(r.Context(), correlationID)
	w.Header().Set("X-Correlation-Id", correlationID)

	adapterKind := strings.ToLower(chi.URLParam(r, "adapterKind"))
	connectionID := chi.URLParam(r, "connectionId")
	if connectionID == "" {
		connectionID = strings.TrimSpace(r.Header.Get("X-Connection-Id"))
	}
	conn, err := s.webhooks.ResolveConnection(ctx, adapterKind, connectionID)
	if err != nil {
		if errors.Is(err, capability.ErrUnknownAdapter) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		s.writeDomainError(w, r, err)
		return
	}

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	result, err := s.webhooks.HandleWebhook(ctx, conn, r.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "invalid_signature", "webhook signature verification failed", correlationID)
		case errors.Is(err, webhook.ErrMalformedBody):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			// Not durably stored: the provider must redeliver.
			logger := log.FromContext(ctx, "httpapi")
			logger.Error().
				Str(log.FieldConnectionID, conn.ConnectionID).
				Err(err).
				Msg("webhook not persisted")
			writeError(w, http.StatusInternalServerError, "internal_error", "event could not be stored", correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}
