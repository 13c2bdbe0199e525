package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/casefsm"
	"github.com/agentworkforce/disputesync/internal/dispatch"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/metrics"
	"github.com/agentworkforce/disputesync/internal/scoring"
	"github.com/agentworkforce/disputesync/internal/store"
)

// fanOutTransition turns a committed transition into outbound tasks for
// every writable connection except the one whose event caused it.
func (e *Engine) fanOutTransition(ctx context.Context, t casefsm.Transition) {
	target := dispatch.Target{Exclude: log.ConnectionIDFromContext(ctx)}
	logger := e.logger.With().Str(log.FieldCaseID, t.Case.CaseID).Logger()

	action := canonical.ActionPushNote
	if t.Event.FromStatus == "" && t.Event.ToStatus == canonical.StatusPending {
		action = canonical.ActionPushFlag
	}
	actions := []canonical.Action{action}
	switch t.Event.ToStatus {
	case canonical.StatusWon, canonical.StatusLost, canonical.StatusExpired:
		actions = append(actions, canonical.ActionPushOutcome)
	}
	for _, a := range actions {
		payload := transitionPayload(t)
		if a == canonical.ActionPushFlag {
			payload["reason"] = fmt.Sprintf("chargeback dispute %s opened", t.Case.ExternalDisputeID)
		}
		if _, err := e.dispatcher.Enqueue(ctx, t.Case.CaseID, a, payload, target); err != nil {
			logger.Error().Str(log.FieldAction, string(a)).Err(err).Msg("fan out transition")
		}
	}
}

func transitionPayload(t casefsm.Transition) map[string]any {
	c := t.Case
	note := fmt.Sprintf("Dispute %s moved to %s: %s", c.ExternalDisputeID, t.Event.ToStatus, t.Event.Reason)
	if t.Event.FromStatus == "" {
		note = fmt.Sprintf("Dispute %s opened: %s", c.ExternalDisputeID, t.Event.Reason)
	}
	payload := map[string]any{
		"caseId":            c.CaseID,
		"externalDisputeId": c.ExternalDisputeID,
		"reservationRef":    c.ReservationRef,
		"guestName":         c.GuestName,
		"status":            string(t.Event.ToStatus),
		"fromStatus":        string(t.Event.FromStatus),
		"actor":             t.Event.Actor,
		"reason":            t.Event.Reason,
		"note":              note,
		"message":           note,
		"outcome":           strings.ToLower(string(t.Event.ToStatus)),
		"outcomeNote":       t.Event.Reason,
		"amount":            c.Amount,
		"currency":          c.Currency,
	}
	if c.ConfidenceScore != nil {
		payload["score"] = *c.ConfidenceScore
	}
	if c.Recommendation != "" {
		payload["recommendation"] = string(c.Recommendation)
	}
	return payload
}

// raiseCaseAlert records that a case cannot reach SUBMITTED on its own and
// pushes the alert to connections that accept alerts. Repeats of the same
// recommendation are suppressed.
func (e *Engine) raiseCaseAlert(ctx context.Context, c canonical.Case, b scoring.Breakdown, sourceConnectionID string) error {
	marker := fmt.Sprintf("recommendation %s,", b.Recommendation)
	existing, err := e.store.ListAlerts(ctx, store.AlertFilter{CaseID: c.CaseID})
	if err != nil {
		return err
	}
	for _, alert := range existing {
		if alert.Level == canonical.AlertCase && strings.Contains(alert.Message, marker) {
			return nil
		}
	}
	missing := "none"
	if len(b.MissingEvidence) > 0 {
		missing = strings.Join(b.MissingEvidence, ", ")
	}
	message := fmt.Sprintf("case %s cannot reach SUBMITTED automatically: score %d, %s missing evidence: %s",
		c.ExternalDisputeID, b.Total, marker, missing)
	alert := canonical.Alert{
		AlertID:      uuid.NewString(),
		Level:        canonical.AlertCase,
		CaseID:       c.CaseID,
		ConnectionID: c.ConnectionID,
		Message:      message,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.store.InsertAlert(ctx, alert); err != nil {
		return err
	}
	metrics.AlertsTotal.WithLabelValues(string(canonical.AlertCase)).Inc()
	e.logger.Warn().
		Str(log.FieldEvent, "case.alert").
		Str(log.FieldCaseID, c.CaseID).
		Int("score", b.Total).
		Str("recommendation", string(b.Recommendation)).
		Msg(message)

	payload := map[string]any{
		"caseId":            c.CaseID,
		"externalDisputeId": c.ExternalDisputeID,
		"reservationRef":    c.ReservationRef,
		"message":           message,
		"note":              message,
		"score":             b.Total,
		"recommendation":    string(b.Recommendation),
	}
	_, err = e.dispatcher.Enqueue(ctx, c.CaseID, canonical.ActionPushAlert, payload, dispatch.Target{Exclude: sourceConnectionID})
	return err
}
