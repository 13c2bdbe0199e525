package casefsm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/store"
)

var fixedNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func newMachine(t *testing.T, st Store) *Machine {
	t.Helper()
	m, err := New(st, Options{NodeID: 1, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	return m
}

func seedCase(t *testing.T, m *Machine, id string) canonical.Case {
	t.Helper()
	c, err := m.Create(context.Background(), canonical.Case{
		CaseID:            id,
		ConnectionID:      "conn-gw",
		ExternalDisputeID: "dp_" + id,
		Amount:            48750,
		Currency:          "USD",
		ReasonCode:        "fraudulent",
		DueDate:           "2026-11-01",
	}, canonical.ActorSystem, "dispute opened", "evt_1")
	require.NoError(t, err)
	return c
}

func TestGraph(t *testing.T) {
	legal := [][2]canonical.CaseStatus{
		{canonical.StatusPending, canonical.StatusInReview},
		{canonical.StatusPending, canonical.StatusCancelled},
		{canonical.StatusInReview, canonical.StatusSubmitted},
		{canonical.StatusInReview, canonical.StatusCancelled},
		{canonical.StatusSubmitted, canonical.StatusWon},
		{canonical.StatusSubmitted, canonical.StatusLost},
		{canonical.StatusSubmitted, canonical.StatusExpired},
	}
	for _, edge := range legal {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
	illegal := [][2]canonical.CaseStatus{
		{canonical.StatusWon, canonical.StatusInReview},
		{canonical.StatusPending, canonical.StatusSubmitted},
		{canonical.StatusSubmitted, canonical.StatusCancelled},
		{canonical.StatusExpired, canonical.StatusPending},
		{canonical.StatusInReview, canonical.StatusPending},
	}
	for _, edge := range illegal {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestCreateAppendsOpeningEntry(t *testing.T) {
	st := store.NewMemory()
	m := newMachine(t, st)
	c := seedCase(t, m, "c1")
	assert.Equal(t, canonical.StatusPending, c.Status)
	assert.Equal(t, int64(1), c.Version)

	timeline, err := st.Timeline(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, canonical.StatusPending, timeline[0].ToStatus)
	assert.Equal(t, "evt_1", timeline[0].SourceEventID)
}

func TestHappyPathToWon(t *testing.T) {
	st := store.NewMemory()
	m := newMachine(t, st)
	ctx := context.Background()
	seedCase(t, m, "c1")

	_, err := m.Transition(ctx, "c1", canonical.StatusInReview, canonical.ActorAI, "scored", "")
	require.NoError(t, err)

	_, err = m.Transition(ctx, "c1", canonical.StatusSubmitted, canonical.ActorAI, "auto submit", "")
	require.ErrorIs(t, err, ErrNotSubmittable)

	_, err = m.Apply(ctx, "c1", func(c *canonical.Case) ([]Step, error) {
		score := 91
		c.ConfidenceScore = &score
		c.Recommendation = canonical.RecommendAutoSubmit
		return []Step{{To: canonical.StatusSubmitted, Actor: canonical.ActorAI, Reason: "auto submit"}}, nil
	})
	require.NoError(t, err)

	won, err := m.Transition(ctx, "c1", canonical.StatusWon, canonical.ActorSystem, "issuer ruled for merchant", "evt_9")
	require.NoError(t, err)
	assert.Equal(t, canonical.StatusWon, won.Status)
	assert.Equal(t, int64(4), won.Version)

	timeline, err := st.Timeline(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, timeline, 4)
	for i := 1; i < len(timeline); i++ {
		assert.Greater(t, timeline[i].ID, timeline[i-1].ID, "ids are time ordered")
	}
}

func TestIllegalTransitionWritesNothing(t *testing.T) {
	st := store.NewMemory()
	m := newMachine(t, st)
	ctx := context.Background()
	seedCase(t, m, "c1")
	_, err := m.Transition(ctx, "c1", canonical.StatusCancelled, "ops@example.com", "duplicate", "")
	require.NoError(t, err)

	_, err = m.Transition(ctx, "c1", canonical.StatusInReview, canonical.ActorAI, "reopen", "")
	assert.ErrorIs(t, err, ErrTerminal)

	seedCase(t, m, "c2")
	_, err = m.Transition(ctx, "c2", canonical.StatusWon, canonical.ActorSystem, "skip", "")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	for id, want := range map[string]int{"c1": 2, "c2": 1} {
		timeline, err := st.Timeline(ctx, id)
		require.NoError(t, err)
		assert.Len(t, timeline, want, id)
	}
}

func TestTerminalCaseAcceptsNotes(t *testing.T) {
	st := store.NewMemory()
	m := newMachine(t, st)
	ctx := context.Background()
	seedCase(t, m, "c1")
	_, err := m.Transition(ctx, "c1", canonical.StatusCancelled, "ops", "withdrawn", "")
	require.NoError(t, err)

	c, err := m.Note(ctx, "c1", canonical.ActorSystem, "late dispute.updated ignored", "evt_late")
	require.NoError(t, err)
	assert.Equal(t, canonical.StatusCancelled, c.Status)

	timeline, err := st.Timeline(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, canonical.TimelineInfo, timeline[2].Kind)
}

func TestFrozenFieldsAfterSubmission(t *testing.T) {
	st := store.NewMemory()
	m := newMachine(t, st)
	ctx := context.Background()
	seedCase(t, m, "c1")

	_, err := m.Apply(ctx, "c1", func(c *canonical.Case) ([]Step, error) {
		c.Amount = 50000
		return nil, nil
	})
	require.NoError(t, err, "pending cases stay editable")

	_, err = m.Apply(ctx, "c1", func(c *canonical.Case) ([]Step, error) {
		c.ManualOverride = true
		return []Step{
			{To: canonical.StatusInReview, Actor: "ops"},
			{To: canonical.StatusSubmitted, Actor: "ops"},
		}, nil
	})
	require.NoError(t, err)

	_, err = m.Apply(ctx, "c1", func(c *canonical.Case) ([]Step, error) {
		c.Amount = 1
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrFrozen)

	c, err := st.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), c.Amount)
}

func TestApplyWithoutChangesCommitsNothing(t *testing.T) {
	st := store.NewMemory()
	m := newMachine(t, st)
	seedCase(t, m, "c1")
	c, err := m.Apply(context.Background(), "c1", func(*canonical.Case) ([]Step, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version)
}

type conflictingStore struct {
	*store.Memory
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) UpdateCase(ctx context.Context, c canonical.Case, expected int64, timeline []canonical.TimelineEvent) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		// Simulate a concurrent writer landing first.
		current, err := s.Memory.GetCase(ctx, c.CaseID)
		if err != nil {
			return err
		}
		current.GuestName = "Concurrent Writer"
		if err := s.Memory.UpdateCase(ctx, current, current.Version, nil); err != nil {
			return err
		}
		return store.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.Memory.UpdateCase(ctx, c, expected, timeline)
}

func TestApplyRetriesOnVersionConflict(t *testing.T) {
	st := &conflictingStore{Memory: store.NewMemory()}
	m := newMachine(t, st)
	seedCase(t, m, "c1")
	st.conflicts = 2

	runs := 0
	c, err := m.Transition(context.Background(), "c1", canonical.StatusInReview, canonical.ActorAI, "scored", "")
	require.NoError(t, err)
	assert.Equal(t, canonical.StatusInReview, c.Status)
	assert.Equal(t, "Concurrent Writer", c.GuestName, "recomputed from the newer copy")

	_, err = m.Apply(context.Background(), "c1", func(*canonical.Case) ([]Step, error) {
		runs++
		return []Step{{Actor: "ops", Reason: "note"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, runs)

	timeline, err := st.Timeline(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, timeline, 3, "conflicting attempts leave no timeline entries")
}

func TestObserversSeeCommittedTransitions(t *testing.T) {
	st := store.NewMemory()
	m := newMachine(t, st)
	ctx := context.Background()

	var seen []canonical.CaseStatus
	unsubscribe := m.OnTransition(func(_ context.Context, tr Transition) {
		seen = append(seen, tr.Event.ToStatus)
		assert.Equal(t, tr.Event.ToStatus, tr.Case.Status)
	})
	seedCase(t, m, "c1")
	_, err := m.Transition(ctx, "c1", canonical.StatusInReview, canonical.ActorAI, "scored", "")
	require.NoError(t, err)
	_, err = m.Note(ctx, "c1", "ops", "called the guest", "")
	require.NoError(t, err)
	_, err = m.Transition(ctx, "c1", canonical.StatusWon, canonical.ActorAI, "bad", "")
	require.Error(t, err)

	unsubscribe()
	_, err = m.Transition(ctx, "c1", canonical.StatusCancelled, "ops", "withdrawn", "")
	require.NoError(t, err)

	assert.Equal(t, []canonical.CaseStatus{canonical.StatusPending, canonical.StatusInReview}, seen)
}

func TestSweepExpired(t *testing.T) {
	st := store.NewMemory()
	m := newMachine(t, st)
	ctx := context.Background()

	overdue := seedCase(t, m, "overdue")
	_, err := m.Apply(ctx, overdue.CaseID, func(c *canonical.Case) ([]Step, error) {
		c.DueDate = "2026-10-17"
		return nil, nil
	})
	require.NoError(t, err)

	dueToday := seedCase(t, m, "today")
	_, err = m.Apply(ctx, dueToday.CaseID, func(c *canonical.Case) ([]Step, error) {
		c.DueDate = "2026-10-18"
		return nil, nil
	})
	require.NoError(t, err)

	submitted := seedCase(t, m, "submitted")
	_, err = m.Apply(ctx, submitted.CaseID, func(c *canonical.Case) ([]Step, error) {
		c.DueDate = "2026-10-01"
		c.ManualOverride = true
		return []Step{{To: canonical.StatusInReview}, {To: canonical.StatusSubmitted}}, nil
	})
	require.NoError(t, err)

	noDue := seedCase(t, m, "nodue")
	_, err = m.Apply(ctx, noDue.CaseID, func(c *canonical.Case) ([]Step, error) {
		c.DueDate = ""
		return nil, nil
	})
	require.NoError(t, err)

	expired, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "overdue", expired[0].CaseID)
	assert.Equal(t, canonical.StatusExpired, expired[0].Status)

	for id, want := range map[string]canonical.CaseStatus{
		"today":     canonical.StatusPending,
		"submitted": canonical.StatusSubmitted,
		"nodue":     canonical.StatusPending,
	} {
		c, err := st.GetCase(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, c.Status, id)
	}

	again, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}
