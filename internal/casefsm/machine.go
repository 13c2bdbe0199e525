// Package casefsm owns every change to a dispute case's status. A change
// is a list of steps (transitions or informational notes) applied to a
// fresh copy of the case and committed with a version check; on conflict
// the whole change is recomputed from the newer copy.
package casefsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/metrics"
	"github.com/agentworkforce/disputesync/internal/store"
)

var (
	ErrIllegalTransition = errors.New("illegal case transition")
	ErrTerminal          = errors.New("case is in a terminal state")
	// ErrFrozen rejects amount, guest or reservation edits once a case has
	// been submitted.
	ErrFrozen = errors.New("case fields are frozen in this state")
	// ErrNotSubmittable means SUBMITTED was requested without a score or a
	// manual override.
	ErrNotSubmittable = errors.New("case needs a confidence score or manual override to be submitted")
)

var graph = map[canonical.CaseStatus][]canonical.CaseStatus{
	canonical.StatusPending:   {canonical.StatusInReview, canonical.StatusCancelled, canonical.StatusExpired},
	canonical.StatusInReview:  {canonical.StatusSubmitted, canonical.StatusCancelled, canonical.StatusExpired},
	canonical.StatusSubmitted: {canonical.StatusWon, canonical.StatusLost, canonical.StatusExpired},
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to canonical.CaseStatus) bool {
	for _, next := range graph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step is one entry of a change. An empty To records an informational
// timeline note without touching the status.
type Step struct {
	To            canonical.CaseStatus
	Actor         string
	Reason        string
	SourceEventID string
}

// Transition is delivered to observers after it has been committed.
type Transition struct {
	Case  canonical.Case
	Event canonical.TimelineEvent
}

type Observer func(ctx context.Context, t Transition)

// Store is the case persistence the machine needs.
type Store interface {
	CreateCase(ctx context.Context, c canonical.Case, timeline []canonical.TimelineEvent) error
	GetCase(ctx context.Context, caseID string) (canonical.Case, error)
	UpdateCase(ctx context.Context, c canonical.Case, expectedVersion int64, timeline []canonical.TimelineEvent) error
	ListCasesByStatus(ctx context.Context, status canonical.CaseStatus) ([]canonical.Case, error)
}

type Options struct {
	// NodeID seeds the snowflake generator for timeline ids (0-1023).
	NodeID     int64
	MaxRetries int
	Now        func() time.Time
	Logger     *zerolog.Logger
}

type Machine struct {
	store      Store
	ids        *snowflake.Node
	now        func() time.Time
	maxRetries int
	logger     zerolog.Logger

	mu        sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

func New(st Store, opts Options) (*Machine, error) {
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("timeline id generator: %w", err)
	}
	m := &Machine{
		store:      st,
		ids:        node,
		now:        opts.Now,
		maxRetries: opts.MaxRetries,
		logger:     log.WithComponent("casefsm"),
		observers:  map[int]Observer{},
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxRetries <= 0 {
		m.maxRetries = 8
	}
	if opts.Logger != nil {
		m.logger = *opts.Logger
	}
	return m, nil
}

// OnTransition registers fn for every committed transition and returns a
// function that removes it. Observers run synchronously on the committing
// goroutine and must not block.
func (m *Machine) OnTransition(fn Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

// NextID returns a new time-ordered id.
func (m *Machine) NextID() int64 {
	return m.ids.Generate().Int64()
}

// Create stores a new PENDING case with its opening timeline entry.
// store.ErrConflict means another worker created it first.
func (m *Machine) Create(ctx context.Context, c canonical.Case, actor, reason, sourceEventID string) (canonical.Case, error) {
	now := m.now().UTC()
	c.Status = canonical.StatusPending
	c.Version = 0
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.EvidenceRefs == nil {
		c.EvidenceRefs = []canonical.EvidenceRef{}
	}
	opened := canonical.TimelineEvent{
		ID:            m.NextID(),
		CaseID:        c.CaseID,
		Kind:          canonical.TimelineTransition,
		ToStatus:      canonical.StatusPending,
		Actor:         actor,
		Reason:        reason,
		SourceEventID: sourceEventID,
		CreatedAt:     now,
	}
	if err := m.store.CreateCase(ctx, c, []canonical.TimelineEvent{opened}); err != nil {
		return canonical.Case{}, err
	}
	c.Version = 1
	metrics.RecordTransition("", string(canonical.StatusPending))
	m.logger.Info().
		Str(log.FieldEvent, "case.created").
		Str(log.FieldCaseID, c.CaseID).
		Str(log.FieldConnectionID, c.ConnectionID).
		Msg("case created")
	m.notify(ctx, c, []canonical.TimelineEvent{opened})
	return c, nil
}

// Transition moves the case to status to. A failed transition writes
// nothing.
func (m *Machine) Transition(ctx context.Context, caseID string, to canonical.CaseStatus, actor, reason, sourceEventID string) (canonical.Case, error) {
	return m.Apply(ctx, caseID, func(*canonical.Case) ([]Step, error) {
		return []Step{{To: to, Actor: actor, Reason: reason, SourceEventID: sourceEventID}}, nil
	})
}

// Note appends an informational timeline entry. It works in every state,
// terminal ones included.
func (m *Machine) Note(ctx context.Context, caseID, actor, reason, sourceEventID string) (canonical.Case, error) {
	return m.Apply(ctx, caseID, func(*canonical.Case) ([]Step, error) {
		return []Step{{Actor: actor, Reason: reason, SourceEventID: sourceEventID}}, nil
	})
}

// Apply loads the case, lets fn edit fields and return steps, validates
// the steps in order and commits everything in one versioned write. fn may
// run more than once and must derive its result only from the case it is
// given. A nil step list with no field change commits nothing.
func (m *Machine) Apply(ctx context.Context, caseID string, fn func(c *canonical.Case) ([]Step, error)) (canonical.Case, error) {
	for attempt := 1; ; attempt++ {
		current, err := m.store.GetCase(ctx, caseID)
		if err != nil {
			return canonical.Case{}, err
		}
		next := current.Clone()
		steps, err := fn(&next)
		if err != nil {
			return canonical.Case{}, err
		}
		if err := checkFrozen(current, next); err != nil {
			return canonical.Case{}, err
		}
		// Status moves only through steps.
		next.Status = current.Status
		next.ConnectionID = current.ConnectionID
		next.ExternalDisputeID = current.ExternalDisputeID

		now := m.now().UTC()
		timeline := make([]canonical.TimelineEvent, 0, len(steps))
		for _, step := range steps {
			ev, err := m.step(&next, step, now)
			if err != nil {
				return canonical.Case{}, err
			}
			timeline = append(timeline, ev)
		}
		if len(timeline) == 0 && sameFields(current, next) {
			return current, nil
		}
		next.UpdatedAt = now

		err = m.store.UpdateCase(ctx, next, current.Version, timeline)
		if errors.Is(err, store.ErrVersionConflict) && attempt < m.maxRetries {
			m.logger.Debug().
				Str(log.FieldCaseID, caseID).
				Int(log.FieldAttempt, attempt).
				Msg("case version conflict; retrying")
			continue
		}
		if err != nil {
			return canonical.Case{}, err
		}
		next.Version = current.Version + 1
		for _, ev := range timeline {
			if ev.Kind == canonical.TimelineTransition {
				metrics.RecordTransition(string(ev.FromStatus), string(ev.ToStatus))
				m.logger.Info().
					Str(log.FieldEvent, "case.transition").
					Str(log.FieldCaseID, caseID).
					Str(log.FieldOldState, string(ev.FromStatus)).
					Str(log.FieldNewState, string(ev.ToStatus)).
					Str("actor", ev.Actor).
					Msg(ev.Reason)
			}
		}
		m.notify(ctx, next, timeline)
		return next, nil
	}
}

func (m *Machine) step(c *canonical.Case, step Step, now time.Time) (canonical.TimelineEvent, error) {
	ev := canonical.TimelineEvent{
		ID:            m.NextID(),
		CaseID:        c.CaseID,
		Kind:          canonical.TimelineInfo,
		Actor:         step.Actor,
		Reason:        step.Reason,
		SourceEventID: step.SourceEventID,
		CreatedAt:     now,
	}
	if ev.Actor == "" {
		ev.Actor = canonical.ActorSystem
	}
	if step.To == "" {
		return ev, nil
	}
	if err := Validate(*c, step.To); err != nil {
		return canonical.TimelineEvent{}, err
	}
	ev.Kind = canonical.TimelineTransition
	ev.FromStatus = c.Status
	ev.ToStatus = step.To
	c.Status = step.To
	return ev, nil
}

// Validate checks a single transition of c to status to.
func Validate(c canonical.Case, to canonical.CaseStatus) error {
	if c.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, c.CaseID, c.Status)
	}
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.Status, to)
	}
	if to == canonical.StatusSubmitted && c.ConfidenceScore == nil && !c.ManualOverride {
		return fmt.Errorf("%w: %s", ErrNotSubmittable, c.CaseID)
	}
	return nil
}

// SweepExpired moves PENDING and IN_REVIEW cases whose due date has passed
// to EXPIRED. A due date is breached once its whole calendar day (UTC) is
// over.
func (m *Machine) SweepExpired(ctx context.Context) ([]canonical.Case, error) {
	now := m.now().UTC()
	var expired []canonical.Case
	for _, status := range []canonical.CaseStatus{canonical.StatusPending, canonical.StatusInReview} {
		cases, err := m.store.ListCasesByStatus(ctx, status)
		if err != nil {
			return expired, err
		}
		for _, c := range cases {
			due, ok := c.DueTime()
			if !ok || now.Before(due.AddDate(0, 0, 1)) {
				continue
			}
			updated, err := m.Apply(ctx, c.CaseID, func(fresh *canonical.Case) ([]Step, error) {
				if fresh.Status != canonical.StatusPending && fresh.Status != canonical.StatusInReview {
					return nil, nil
				}
				return []Step{{
					To:     canonical.StatusExpired,
					Actor:  canonical.ActorSystem,
					Reason: "due date " + fresh.DueDate + " passed before submission",
				}}, nil
			})
			if err != nil {
				m.logger.Error().Err(err).Str(log.FieldCaseID, c.CaseID).Msg("expiry sweep failed for case")
				continue
			}
			if updated.Status == canonical.StatusExpired {
				expired = append(expired, updated)
			}
		}
	}
	return expired, nil
}

func (m *Machine) notify(ctx context.Context, c canonical.Case, timeline []canonical.TimelineEvent) {
	m.mu.RLock()
	observers := make([]Observer, 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.RUnlock()
	if len(observers) == 0 {
		return
	}
	for _, ev := range timeline {
		if ev.Kind != canonical.TimelineTransition {
			continue
		}
		t := Transition{Case: c.Clone(), Event: ev}
		for _, fn := range observers {
			fn(ctx, t)
		}
	}
}

func checkFrozen(before, after canonical.Case) error {
	if before.Status.Mutable() {
		return nil
	}
	if before.Amount != after.Amount ||
		before.Currency != after.Currency ||
		before.GuestRef != after.GuestRef ||
		before.GuestName != after.GuestName ||
		before.ReservationRef != after.ReservationRef {
		return fmt.Errorf("%w: %s is %s", ErrFrozen, before.CaseID, before.Status)
	}
	return nil
}

func sameFields(a, b canonical.Case) bool {
	if (a.ConfidenceScore == nil) != (b.ConfidenceScore == nil) {
		return false
	}
	if a.ConfidenceScore != nil && *a.ConfidenceScore != *b.ConfidenceScore {
		return false
	}
	if len(a.EvidenceRefs) != len(b.EvidenceRefs) {
		return false
	}
	for i := range a.EvidenceRefs {
		if a.EvidenceRefs[i] != b.EvidenceRefs[i] {
			return false
		}
	}
	return a.Status == b.Status &&
		a.GuestRef == b.GuestRef &&
		a.GuestName == b.GuestName &&
		a.ReservationRef == b.ReservationRef &&
		a.PropertyID == b.PropertyID &&
		a.PropertyCountry == b.PropertyCountry &&
		a.Amount == b.Amount &&
		a.Currency == b.Currency &&
		a.ReasonCode == b.ReasonCode &&
		a.DisputeDate == b.DisputeDate &&
		a.DueDate == b.DueDate &&
		a.CardPresence == b.CardPresence &&
		a.IPCountry == b.IPCountry &&
		a.Recommendation == b.Recommendation &&
		a.ManualOverride == b.ManualOverride
}
