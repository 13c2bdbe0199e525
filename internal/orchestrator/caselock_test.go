package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/scoring"
)

func TestCaseLocksSerializeOneCase(t *testing.T) {
	locks := newCaseLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		overlap bool
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.lock("case-1")
			defer release()
			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.False(t, overlap, "two holders of one case lock ran at once")
	assert.Zero(t, locks.size())
}

func TestCaseLocksIndependentCases(t *testing.T) {
	locks := newCaseLocks()
	release := locks.lock("case-1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		locks.lock("case-2")()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another case blocked")
	}
	release()
	require.Zero(t, locks.size())
}

func TestLinkedAndDisputeEventsForOneCaseBothApply(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.deliver(t, "evt_1", canonical.EventDisputeOpened, map[string]any{
		"disputeId": "dp_c", "amount": 100, "currency": "USD", "reservationId": "res-c",
	})

	// The two events route to different partitions and run side by side.
	release := h.engine.cases.lock(h.caseFor(t, "dp_c").CaseID)
	update := h.accept(t, "evt_2", canonical.EventDisputeUpdated, map[string]any{"disputeId": "dp_c", "amount": 300})
	linked := h.accept(t, "evt_3", canonical.EventGuestCheckedIn, map[string]any{"reservationId": "res-c", "guestName": "Grace Hopper"})
	time.Sleep(20 * time.Millisecond)
	for _, key := range []string{update, linked} {
		ev, err := h.engine.EventStatus(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, canonical.SyncEventPending, ev.Status, "event %s applied while the case was held", key)
	}
	release()

	h.waitProcessed(t, update)
	h.waitProcessed(t, linked)
	c := h.caseFor(t, "dp_c")
	assert.Equal(t, int64(300), c.Amount)
	assert.Equal(t, "Grace Hopper", c.GuestName)
	assert.True(t, c.HasEvidence(scoring.EvidenceCheckInRecord))
	assert.Zero(t, h.engine.cases.size())
}
