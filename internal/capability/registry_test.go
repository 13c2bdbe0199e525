package capability

import (
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

func TestLoadBuiltinDescriptors(t *testing.T) {
	registry, err := LoadBuiltin()
	require.NoError(t, err)

	assert.Equal(t, []string{"cloudbeds", "dispute_gateway", "mews", "opera_cloud", "stripe", "verifi"}, registry.Kinds())

	stripe, ok := registry.Descriptor("Stripe")
	require.True(t, ok, "lookup is case-insensitive")
	assert.Equal(t, canonical.AuthAPIKey, stripe.Auth.Scheme)
	assert.Equal(t, "Bearer ", stripe.Auth.Prefix)
	assert.Equal(t, 20*time.Second, stripe.Timeout)
	assert.Equal(t, canonical.EventDisputeOpened, stripe.Webhook.EventTypes["charge.dispute.created"])

	mews, ok := registry.Descriptor("mews")
	require.True(t, ok)
	assert.Equal(t, "", mews.Auth.Prefix, "custom header gets no bearer prefix")
	assert.Equal(t, 5*time.Minute, mews.Webhook.Signature.Tolerance)
}

func TestCapabilitiesOfReturnsCopy(t *testing.T) {
	registry, err := LoadBuiltin()
	require.NoError(t, err)

	caps, err := registry.CapabilitiesOf("mews")
	require.NoError(t, err)
	assert.False(t, caps.Allows(canonical.EntityNotes, canonical.OperationWrite))
	assert.True(t, caps.Allows(canonical.EntityFlags, canonical.OperationWrite))

	caps[canonical.EntityNotes] = canonical.Capability{Write: true}
	again, err := registry.CapabilitiesOf("mews")
	require.NoError(t, err)
	assert.False(t, again.Allows(canonical.EntityNotes, canonical.OperationWrite))

	_, err = registry.CapabilitiesOf("nope")
	assert.ErrorIs(t, err, ErrUnknownAdapter)
}

func TestRequireFailsFastWithCapabilityError(t *testing.T) {
	registry, err := LoadBuiltin()
	require.NoError(t, err)

	conn := canonical.Connection{ConnectionID: "mews-1", AdapterKind: "mews"}
	err = registry.Require(conn, canonical.EntityNotes, canonical.OperationWrite)
	var capErr *canonical.CapabilityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "mews-1", capErr.ConnectionID)
	assert.Equal(t, canonical.EntityNotes, capErr.Entity)

	assert.NoError(t, registry.Require(conn, canonical.EntityReservations, canonical.OperationRead))
}

func TestEffectiveCapabilitiesNarrowsPerConnection(t *testing.T) {
	registry, err := LoadBuiltin()
	require.NoError(t, err)

	caps, err := registry.EffectiveCapabilities("opera_cloud", canonical.Capabilities{
		canonical.EntityNotes: {Read: true, Write: false},
	})
	require.NoError(t, err)
	assert.False(t, caps.Allows(canonical.EntityNotes, canonical.OperationWrite))
	assert.True(t, caps.Allows(canonical.EntityFlags, canonical.OperationWrite))
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	fsys := fstest.MapFS{
		"d/bad.yaml": {Data: []byte(`
kind: broken
auth:
  scheme: basic_auth
capabilities: {}
webhook:
  signature: {scheme: hmac_sha256_hex, header: X-Sig}
  eventIdPath: id
`)},
	}
	_, err := Load(fsys, "d")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestLoadRejectsUnknownCapabilityEntity(t *testing.T) {
	_, err := ParseDescriptor([]byte(`
kind: broken
auth: {scheme: api_key}
capabilities:
  invoices: {read: true}
webhook:
  signature: {scheme: hmac_sha256_hex, header: X-Sig}
  eventIdPath: id
`))
	require.Error(t, err)
}

func TestNewRejectsWriteWithoutOutboundMapping(t *testing.T) {
	_, err := New(Descriptor{
		Kind: "half",
		Auth: AuthSpec{Scheme: canonical.AuthAPIKey},
		Capabilities: canonical.Capabilities{
			canonical.EntityNotes: {Write: true},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push_note")
}

func TestNewRejectsUnknownCanonicalEventType(t *testing.T) {
	_, err := New(Descriptor{
		Kind: "typo",
		Auth: AuthSpec{Scheme: canonical.AuthAPIKey},
		Webhook: WebhookSpec{
			EventTypes: map[string]canonical.EventType{"x": "reservation.moved"},
		},
	})
	require.Error(t, err)
}

func TestNewRejectsDuplicateKinds(t *testing.T) {
	d := Descriptor{Kind: "dup", Auth: AuthSpec{Scheme: canonical.AuthAPIKey}}
	_, err := New(d, d)
	require.Error(t, err)
}
