package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/casefsm"
	"github.com/agentworkforce/disputesync/internal/normalize"
	"github.com/agentworkforce/disputesync/internal/scoring"
	"github.com/agentworkforce/disputesync/internal/store"
)

// Event outcomes reported to metrics.
const (
	outcomeCreated    = "case_created"
	outcomeUpdated    = "case_updated"
	outcomeTerminal   = "terminal_note"
	outcomeAttached   = "attached"
	outcomeUnattached = "unattached"
)

const maxCreateRetries = 3

func (e *Engine) apply(ctx context.Context, ev canonical.SyncEvent) (string, error) {
	if ev.IsDispute() {
		return e.applyDispute(ctx, ev)
	}
	return e.applyLinked(ctx, ev)
}

// applyDispute creates or updates the case keyed by (connection, external
// dispute id). A create that loses a race falls through to the update.
func (e *Engine) applyDispute(ctx context.Context, ev canonical.SyncEvent) (string, error) {
	ext := ev.Canonical.Dispute.ExternalID
	for attempt := 0; attempt < maxCreateRetries; attempt++ {
		existing, err := e.store.FindCase(ctx, ev.SourceConnectionID, ext)
		if err == nil {
			release := e.cases.lock(existing.CaseID)
			outcome, err := e.updateCase(ctx, existing.CaseID, ev)
			release()
			return outcome, err
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		c, err := e.newCase(ctx, ev)
		if err != nil {
			return "", err
		}
		created, err := e.machine.Create(ctx, c, canonical.ActorSystem,
			fmt.Sprintf("dispute %s opened by %s %s", ext, ev.AdapterKind, ev.EventType), ev.EventID)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		release := e.cases.lock(created.CaseID)
		_, err = e.progress(ctx, created.CaseID, ev.EventID, ev.SourceConnectionID, false)
		release()
		if err != nil {
			return "", err
		}
		return outcomeCreated, nil
	}
	return "", fmt.Errorf("creating case for dispute %s: %w", ext, store.ErrConflict)
}

func (e *Engine) newCase(ctx context.Context, ev canonical.SyncEvent) (canonical.Case, error) {
	p := ev.Canonical
	c := canonical.Case{
		CaseID:            uuid.NewString(),
		ConnectionID:      ev.SourceConnectionID,
		ExternalDisputeID: p.Dispute.ExternalID,
		GuestRef:          guestRef(p.Guest),
		GuestName:         p.Guest.Name,
		ReservationRef:    p.Reservation.ID,
		PropertyID:        p.Reservation.PropertyID,
		PropertyCountry:   p.Reservation.PropertyCountry,
		Amount:            p.Dispute.Amount,
		Currency:          p.Dispute.Currency,
		ReasonCode:        p.Dispute.ReasonCode,
		DisputeDate:       p.Dispute.DisputeDate,
		DueDate:           p.Dispute.DueDate,
		CardPresence:      p.Dispute.CardPresence,
		IPCountry:         p.Dispute.IPCountry,
		EvidenceRefs:      []canonical.EvidenceRef{},
	}
	if c.PropertyID == "" || c.PropertyCountry == "" {
		conn, err := e.store.GetConnection(ctx, ev.SourceConnectionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return canonical.Case{}, err
		}
		if c.PropertyID == "" {
			c.PropertyID = conn.PropertyID
		}
		if c.PropertyCountry == "" {
			c.PropertyCountry = conn.PropertyCountry
		}
	}
	if ref, ok := e.evidenceFor(ev); ok {
		c.EvidenceRefs = append(c.EvidenceRefs, ref)
	}
	return c, nil
}

// updateCase merges a later dispute event into its case. The caller holds
// the case lock.
func (e *Engine) updateCase(ctx context.Context, caseID string, ev canonical.SyncEvent) (string, error) {
	outcome := outcomeUpdated
	d := ev.Canonical.Dispute
	updated, err := e.machine.Apply(ctx, caseID, func(c *canonical.Case) ([]casefsm.Step, error) {
		outcome = outcomeUpdated
		if c.Status.IsTerminal() {
			outcome = outcomeTerminal
			return []casefsm.Step{{
				Actor:         canonical.ActorSystem,
				Reason:        fmt.Sprintf("%s received after case reached %s; not reopened", ev.EventType, c.Status),
				SourceEventID: ev.EventID,
			}}, nil
		}
		var steps []casefsm.Step
		if c.Status.Mutable() {
			mergeDispute(c, ev.Canonical)
		} else if fieldsDiffer(*c, ev.Canonical) {
			steps = append(steps, casefsm.Step{
				Actor:         canonical.ActorSystem,
				Reason:        fmt.Sprintf("%s changed dispute fields while %s; change not applied", ev.EventType, c.Status),
				SourceEventID: ev.EventID,
			})
		}
		if d.DueDate != "" && c.DueDate != d.DueDate && c.Status == canonical.StatusSubmitted {
			c.DueDate = d.DueDate
		}
		if ref, ok := e.evidenceFor(ev); ok && !hasEvidenceRef(*c, ref) {
			c.EvidenceRefs = append(c.EvidenceRefs, ref)
			steps = append(steps, casefsm.Step{
				Actor:         canonical.ActorSystem,
				Reason:        "evidence attached: " + ref.Type,
				SourceEventID: ev.EventID,
			})
		}
		if ev.EventType == canonical.EventDisputeClosed {
			steps = append(steps, closingSteps(*c, ev)...)
		}
		return steps, nil
	})
	if err != nil {
		return "", err
	}
	if outcome == outcomeTerminal {
		return outcome, nil
	}
	if _, err := e.progress(ctx, updated.CaseID, ev.EventID, ev.SourceConnectionID, true); err != nil {
		return "", err
	}
	return outcome, nil
}

// closingSteps turns a provider outcome into WON or LOST. Outcomes for
// cases that were never submitted are recorded without a transition.
func closingSteps(c canonical.Case, ev canonical.SyncEvent) []casefsm.Step {
	var to canonical.CaseStatus
	switch strings.ToLower(ev.Canonical.Dispute.Outcome) {
	case "won":
		to = canonical.StatusWon
	case "lost":
		to = canonical.StatusLost
	default:
		return []casefsm.Step{{
			Actor:         canonical.ActorSystem,
			Reason:        "dispute closed without a recognised outcome",
			SourceEventID: ev.EventID,
		}}
	}
	if c.Status != canonical.StatusSubmitted {
		return []casefsm.Step{{
			Actor:         canonical.ActorSystem,
			Reason:        fmt.Sprintf("provider closed dispute as %s while case is %s", strings.ToLower(string(to)), c.Status),
			SourceEventID: ev.EventID,
		}}
	}
	return []casefsm.Step{{
		To:            to,
		Actor:         canonical.ActorSystem,
		Reason:        fmt.Sprintf("%s reported outcome %s", ev.AdapterKind, strings.ToLower(string(to))),
		SourceEventID: ev.EventID,
	}}
}

// applyLinked attaches a reservation, guest, payment, folio or document
// event to every open case of its reservation.
func (e *Engine) applyLinked(ctx context.Context, ev canonical.SyncEvent) (string, error) {
	resID := ev.Canonical.Reservation.ID
	if resID == "" {
		return outcomeUnattached, nil
	}
	cases, err := e.store.ListOpenCasesByReservation(ctx, resID)
	if err != nil {
		return "", err
	}
	if len(cases) == 0 {
		return outcomeUnattached, nil
	}
	ref, hasEvidence := e.evidenceFor(ev)
	for _, open := range cases {
		if err := e.attach(ctx, open.CaseID, ev, ref, hasEvidence); err != nil {
			return "", err
		}
	}
	return outcomeAttached, nil
}

func (e *Engine) attach(ctx context.Context, caseID string, ev canonical.SyncEvent, ref canonical.EvidenceRef, hasEvidence bool) error {
	defer e.cases.lock(caseID)()
	resID := ev.Canonical.Reservation.ID
	_, err := e.machine.Apply(ctx, caseID, func(c *canonical.Case) ([]casefsm.Step, error) {
		if c.Status.IsTerminal() {
			return nil, nil
		}
		reason := fmt.Sprintf("%s %s for reservation %s", ev.AdapterKind, ev.EventType, resID)
		if c.Status.Mutable() {
			fillFromReservation(c, ev.Canonical)
		}
		if hasEvidence && !hasEvidenceRef(*c, ref) {
			c.EvidenceRefs = append(c.EvidenceRefs, ref)
			reason += "; evidence attached: " + ref.Type
		}
		return []casefsm.Step{{Actor: canonical.ActorSystem, Reason: reason, SourceEventID: ev.EventID}}, nil
	})
	if err != nil {
		return err
	}
	_, err = e.progress(ctx, caseID, ev.EventID, ev.SourceConnectionID, true)
	return err
}

// progress scores an open case. With advance set it also moves the case
// as far as the score allows: PENDING to IN_REVIEW, then IN_REVIEW to
// SUBMITTED on AUTO_SUBMIT. A case that stops short raises one alert per
// distinct recommendation. A freshly created case is scored without
// advancing so it stays PENDING until the next change or sweep. The caller
// holds the case lock.
func (e *Engine) progress(ctx context.Context, caseID, sourceEventID, sourceConnectionID string, advance bool) (canonical.Case, error) {
	current, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return canonical.Case{}, err
	}
	if current.Status != canonical.StatusPending && current.Status != canonical.StatusInReview {
		return current, nil
	}
	prior, err := e.store.CountCasesByGuest(ctx, current.GuestRef, current.CaseID)
	if err != nil {
		return canonical.Case{}, err
	}
	scorer := e.scorer.Load()
	var breakdown scoring.Breakdown
	updated, err := e.machine.Apply(ctx, caseID, func(c *canonical.Case) ([]casefsm.Step, error) {
		if c.Status != canonical.StatusPending && c.Status != canonical.StatusInReview {
			return nil, nil
		}
		breakdown = scorer.Score(scoring.Input{Case: *c, PriorDisputes: prior, Now: e.now()})
		total := breakdown.Total
		c.ConfidenceScore = &total
		c.Recommendation = breakdown.Recommendation
		if !advance {
			return nil, nil
		}

		summary := fmt.Sprintf("scored %d (%s)", total, breakdown.Recommendation)
		var steps []casefsm.Step
		if c.Status == canonical.StatusPending {
			steps = append(steps, casefsm.Step{To: canonical.StatusInReview, Actor: canonical.ActorAI, Reason: summary, SourceEventID: sourceEventID})
		}
		if breakdown.Recommendation == canonical.RecommendAutoSubmit {
			steps = append(steps, casefsm.Step{To: canonical.StatusSubmitted, Actor: canonical.ActorAI, Reason: summary + "; submitted automatically", SourceEventID: sourceEventID})
		}
		return steps, nil
	})
	if err != nil {
		return canonical.Case{}, err
	}
	if !advance || breakdown.Recommendation == "" || updated.Status == canonical.StatusSubmitted || updated.Status.IsTerminal() {
		return updated, nil
	}
	return updated, e.raiseCaseAlert(ctx, updated, breakdown, sourceConnectionID)
}

// evidenceFor maps an event onto the evidence it proves, if any.
func (e *Engine) evidenceFor(ev canonical.SyncEvent) (canonical.EvidenceRef, bool) {
	ref := canonical.EvidenceRef{Ref: "event:" + ev.Key(), AddedAt: e.now().UTC()}
	switch ev.EventType {
	case canonical.EventGuestCheckedIn:
		ref.Type = scoring.EvidenceCheckInRecord
	case canonical.EventFolioUpdated:
		ref.Type = scoring.EvidenceFolio
	case canonical.EventPaymentReceived:
		ref.Type = scoring.EvidencePaymentReceipt
	case canonical.EventPaymentRefunded:
		ref.Type = scoring.EvidenceRefundRecord
	case canonical.EventDocumentUploaded:
		doc := ev.Canonical.Document
		ref.Type = evidenceType(doc.Type)
		switch {
		case doc.Ref != "":
			ref.Ref = doc.Ref
		case doc.ID != "":
			ref.Ref = "document:" + doc.ID
		}
	}
	return ref, ref.Type != ""
}

func evidenceType(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	return strings.Join(strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

func hasEvidenceRef(c canonical.Case, ref canonical.EvidenceRef) bool {
	for _, existing := range c.EvidenceRefs {
		if existing.Type == ref.Type && existing.Ref == ref.Ref {
			return true
		}
	}
	return false
}

func guestRef(g canonical.GuestProfile) string {
	if g.ID != "" {
		return g.ID
	}
	return g.Email
}

// mergeDispute copies every non-empty dispute field onto the case. Empty
// fields in an update never erase stored values.
func mergeDispute(c *canonical.Case, p canonical.CanonicalPayload) {
	d := p.Dispute
	if d.Amount != 0 {
		c.Amount = d.Amount
	}
	setIf(&c.Currency, d.Currency)
	setIf(&c.ReasonCode, d.ReasonCode)
	setIf(&c.DisputeDate, d.DisputeDate)
	setIf(&c.DueDate, d.DueDate)
	setIf(&c.IPCountry, d.IPCountry)
	if d.CardPresence != "" {
		c.CardPresence = d.CardPresence
	}
	setIf(&c.GuestRef, guestRef(p.Guest))
	if p.Guest.Name != "" && (c.GuestName == "" || p.Guest.Name != normalize.UnknownGuest) {
		c.GuestName = p.Guest.Name
	}
	setIf(&c.ReservationRef, p.Reservation.ID)
	setIf(&c.PropertyID, p.Reservation.PropertyID)
	setIf(&c.PropertyCountry, p.Reservation.PropertyCountry)
}

// fillFromReservation only fills gaps; the dispute source owns the values.
func fillFromReservation(c *canonical.Case, p canonical.CanonicalPayload) {
	if c.GuestRef == "" {
		c.GuestRef = guestRef(p.Guest)
	}
	if (c.GuestName == "" || c.GuestName == normalize.UnknownGuest) && p.Guest.Name != "" {
		c.GuestName = p.Guest.Name
	}
	if c.PropertyID == "" {
		c.PropertyID = p.Reservation.PropertyID
	}
	if c.PropertyCountry == "" {
		c.PropertyCountry = p.Reservation.PropertyCountry
	}
}

func fieldsDiffer(c canonical.Case, p canonical.CanonicalPayload) bool {
	d := p.Dispute
	return (d.Amount != 0 && d.Amount != c.Amount) ||
		(d.Currency != "" && d.Currency != c.Currency) ||
		(p.Reservation.ID != "" && p.Reservation.ID != c.ReservationRef)
}

func setIf(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
