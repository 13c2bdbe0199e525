package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/casefsm"
	"github.com/agentworkforce/disputesync/internal/log"
)

const defaultOperator = "operator"

// GetCase returns a case with its full timeline.
func (e *Engine) GetCase(ctx context.Context, caseID string) (canonical.Case, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return canonical.Case{}, err
	}
	timeline, err := e.store.Timeline(ctx, caseID)
	if err != nil {
		return canonical.Case{}, err
	}
	c.Timeline = timeline
	return c, nil
}

func (e *Engine) ListCasesByStatus(ctx context.Context, status canonical.CaseStatus) ([]canonical.Case, error) {
	return e.store.ListCasesByStatus(ctx, status)
}

// OnCaseTransition subscribes fn to committed transitions.
func (e *Engine) OnCaseTransition(fn casefsm.Observer) func() {
	return e.machine.OnTransition(fn)
}

// SubmitManualOverride applies an operator decision. Submitting an
// unscored PENDING case passes through IN_REVIEW on the way.
func (e *Engine) SubmitManualOverride(ctx context.Context, caseID string, d canonical.ManualDecision) (canonical.Case, error) {
	actor := strings.TrimSpace(d.Actor)
	if actor == "" {
		actor = defaultOperator
	}
	reason := strings.TrimSpace(d.Reason)
	if reason == "" {
		reason = "manual override: " + string(d.Action)
	}
	switch d.Action {
	case canonical.DecisionSubmit, canonical.DecisionCancel, canonical.DecisionWon, canonical.DecisionLost:
	default:
		return canonical.Case{}, fmt.Errorf("%w: unknown decision %q", canonical.ErrInvalidInput, d.Action)
	}
	ctx = log.ContextWithConnectionID(ctx, "")
	release := e.cases.lock(caseID)
	defer release()
	updated, err := e.machine.Apply(ctx, caseID, func(c *canonical.Case) ([]casefsm.Step, error) {
		switch d.Action {
		case canonical.DecisionSubmit:
			c.ManualOverride = true
			var steps []casefsm.Step
			if c.Status == canonical.StatusPending {
				steps = append(steps, casefsm.Step{To: canonical.StatusInReview, Actor: actor, Reason: reason})
			}
			return append(steps, casefsm.Step{To: canonical.StatusSubmitted, Actor: actor, Reason: reason}), nil
		case canonical.DecisionCancel:
			return []casefsm.Step{{To: canonical.StatusCancelled, Actor: actor, Reason: reason}}, nil
		case canonical.DecisionWon:
			return []casefsm.Step{{To: canonical.StatusWon, Actor: actor, Reason: reason}}, nil
		default:
			return []casefsm.Step{{To: canonical.StatusLost, Actor: actor, Reason: reason}}, nil
		}
	})
	if err != nil {
		return canonical.Case{}, err
	}
	e.logger.Info().
		Str(log.FieldEvent, "case.manual_override").
		Str(log.FieldCaseID, caseID).
		Str("decision", string(d.Action)).
		Str("actor", actor).
		Msg(reason)
	return updated, nil
}

// ReplayTask requeues a dead, paused or failed outbound task.
func (e *Engine) ReplayTask(ctx context.Context, taskID string) (canonical.OutboundTask, error) {
	return e.dispatcher.ReplayTask(ctx, taskID)
}

// Reauthorize stores fresh secrets for an unauthenticated connection and
// releases its paused tasks.
func (e *Engine) Reauthorize(ctx context.Context, connectionID string, secrets canonical.SecretBundle) (int, error) {
	if e.credentials == nil {
		return 0, fmt.Errorf("%w: no credential manager configured", canonical.ErrInvalidInput)
	}
	if err := e.credentials.Reauthorize(ctx, connectionID, secrets); err != nil {
		return 0, err
	}
	resumed, err := e.dispatcher.ResumeConnection(ctx, connectionID)
	if err != nil {
		return 0, err
	}
	e.logger.Info().
		Str(log.FieldEvent, "connection.reauthorized").
		Str(log.FieldConnectionID, connectionID).
		Int("resumed_tasks", resumed).
		Msg("connection re-authorized")
	return resumed, nil
}

// DisconnectConnection forgets a connection and wipes its secrets. Cases
// and history it produced are kept.
func (e *Engine) DisconnectConnection(ctx context.Context, connectionID string) error {
	if _, err := e.store.GetConnection(ctx, connectionID); err != nil {
		return err
	}
	if e.credentials != nil {
		if err := e.credentials.Remove(connectionID); err != nil {
			return fmt.Errorf("removing secrets for %s: %w", connectionID, err)
		}
	}
	if e.limits != nil {
		e.limits.Remove(connectionID)
	}
	if err := e.store.DeleteConnection(ctx, connectionID); err != nil {
		return err
	}
	e.logger.Info().
		Str(log.FieldEvent, "connection.disconnected").
		Str(log.FieldConnectionID, connectionID).
		Msg("connection removed")
	return nil
}

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	Expired        int `json:"expired"`
	Progressed     int `json:"progressed"`
	RequeuedEvents int `json:"requeuedEvents"`
}

// Sweep expires overdue cases, moves scored PENDING cases forward and
// re-queues pending events that have been waiting longer than the stale
// threshold, which covers events dropped by a full queue.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	expired, err := e.machine.SweepExpired(ctx)
	result.Expired = len(expired)
	if err != nil {
		return result, err
	}
	result.Progressed, err = e.progressPending(ctx)
	if err != nil {
		return result, err
	}
	pending, err := e.store.ListSyncEvents(ctx, canonical.SyncEventPending, 0)
	if err != nil {
		return result, err
	}
	cutoff := e.now().Add(-e.staleAfter)
	for _, ev := range pending {
		if ev.ReceivedAt.After(cutoff) {
			continue
		}
		e.enqueueEvent(ev.Key())
		result.RequeuedEvents++
	}
	if result.Expired > 0 || result.Progressed > 0 || result.RequeuedEvents > 0 {
		e.logger.Info().
			Str(log.FieldEvent, "engine.swept").
			Int("expired", result.Expired).
			Int("progressed", result.Progressed).
			Int("requeued_events", result.RequeuedEvents).
			Msg("maintenance sweep")
	}
	return result, nil
}

// progressPending advances every PENDING case that has been scored. A case
// created after the listing waits for the next sweep.
func (e *Engine) progressPending(ctx context.Context) (int, error) {
	cases, err := e.store.ListCasesByStatus(ctx, canonical.StatusPending)
	if err != nil {
		return 0, err
	}
	ctx = log.ContextWithConnectionID(ctx, "")
	moved := 0
	for _, c := range cases {
		if c.ConfidenceScore == nil {
			continue
		}
		release := e.cases.lock(c.CaseID)
		updated, err := e.progress(ctx, c.CaseID, "", "", true)
		release()
		if err != nil {
			return moved, fmt.Errorf("progressing case %s: %w", c.CaseID, err)
		}
		if updated.Status != canonical.StatusPending {
			moved++
		}
	}
	return moved, nil
}

// EventStatus reports how an ingested event was handled.
func (e *Engine) EventStatus(ctx context.Context, key string) (canonical.SyncEvent, error) {
	return e.store.GetSyncEvent(ctx, key)
}

// WaitIdle blocks until no pending event remains or ctx ends. Tests and the
// control CLI use it to observe quiescence.
func (e *Engine) WaitIdle(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	for {
		pending, err := e.store.ListSyncEvents(ctx, canonical.SyncEventPending, 1)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		if err := sleepContext(ctx, interval); err != nil {
			return err
		}
	}
}
