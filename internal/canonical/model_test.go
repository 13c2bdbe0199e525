package canonical

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitiesNarrowOnlyTurnsOff(t *testing.T) {
	declared := Capabilities{
		EntityNotes:    {Read: true, Write: true},
		EntityOutcomes: {Read: false, Write: true},
	}
	narrowed := declared.Narrow(Capabilities{
		EntityNotes:    {Read: true, Write: false},
		EntityOutcomes: {Read: true, Write: true},
	})

	assert.False(t, narrowed.Allows(EntityNotes, OperationWrite))
	assert.True(t, narrowed.Allows(EntityNotes, OperationRead))
	assert.False(t, narrowed.Allows(EntityOutcomes, OperationRead), "override must not grant read")
	assert.True(t, narrowed.Allows(EntityOutcomes, OperationWrite))
	assert.False(t, narrowed.Allows(EntityFlags, OperationWrite))
}

func TestActionEntity(t *testing.T) {
	assert.Equal(t, EntityNotes, ActionPushNote.Entity())
	assert.Equal(t, EntityOutcomes, ActionPushOutcome.Entity())
	assert.False(t, Action("push_everything").Valid())
}

func TestCredentialStateExpiresWithin(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	state := CredentialState{
		AccessToken:      []byte("tok"),
		ExpiresAtEpochMs: now.Add(4 * time.Minute).UnixMilli(),
	}
	assert.True(t, state.ExpiresWithin(now, 5*time.Minute))
	assert.False(t, state.ExpiresWithin(now, 3*time.Minute))

	assert.True(t, CredentialState{}.ExpiresWithin(now, 0), "missing token always needs refresh")
	assert.False(t, CredentialState{AccessToken: []byte("static")}.ExpiresWithin(now, time.Hour))
}

func TestSecretBundleWipeZeroesBackingArrays(t *testing.T) {
	secret := []byte("s3cr3t")
	bundle := SecretBundle{SecretSigningSecret: secret}
	bundle.Wipe()

	assert.Empty(t, bundle)
	assert.Equal(t, make([]byte, len("s3cr3t")), secret)
}

func TestCaseStatusTerminal(t *testing.T) {
	for _, status := range []CaseStatus{StatusWon, StatusLost, StatusExpired, StatusCancelled} {
		assert.True(t, status.IsTerminal(), status)
		assert.False(t, status.Mutable(), status)
	}
	assert.True(t, StatusPending.Mutable())
	assert.False(t, StatusSubmitted.Mutable())
	assert.False(t, StatusSubmitted.IsTerminal())
}

func TestCaseCloneIsDeep(t *testing.T) {
	score := 70
	c := Case{ConfidenceScore: &score, EvidenceRefs: []EvidenceRef{{Type: "folio"}}}
	clone := c.Clone()
	*clone.ConfidenceScore = 10
	clone.EvidenceRefs[0].Type = "changed"

	require.NotNil(t, c.ConfidenceScore)
	assert.Equal(t, 70, *c.ConfidenceScore)
	assert.Equal(t, "folio", c.EvidenceRefs[0].Type)
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("send: %w", &TransientNetworkError{Op: "POST /notes", StatusCode: 503, RetryAfter: 2 * time.Second})
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, 2*time.Second, RetryAfterHint(wrapped))

	assert.True(t, IsRetryable(&RateLimitExceeded{ConnectionID: "c"}))
	assert.False(t, IsRetryable(&ProviderError{StatusCode: 422}))
	assert.True(t, IsAuthError(fmt.Errorf("x: %w", &AuthError{ConnectionID: "c", StatusCode: 401})))
	assert.True(t, IsCapabilityError(&CapabilityError{Entity: EntityNotes, Operation: OperationWrite}))
}

func TestPartitionKey(t *testing.T) {
	dispute := CanonicalPayload{Dispute: DisputeDetails{ExternalID: "dp_1"}, Reservation: Reservation{ID: "res-1"}}
	assert.Equal(t, "case:conn-a:dp_1", PartitionKey("conn-a", dispute))
	assert.Equal(t, "res:res-1", PartitionKey("conn-a", CanonicalPayload{Reservation: Reservation{ID: "res-1"}}))
	assert.Equal(t, "conn:conn-a", PartitionKey("conn-a", CanonicalPayload{}))
}
