package webhook

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/normalize"
	"github.com/agentworkforce/disputesync/internal/queue"
	"github.com/agentworkforce/disputesync/internal/store"
)

var testSecret = []byte("whsec_test")

type fakeSecrets map[string][]byte

func (f fakeSecrets) Secret(connectionID, key string) ([]byte, error) {
	value, ok := f[connectionID]
	if !ok || key != canonical.SecretSigningSecret {
		return nil, canonical.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

type harness struct {
	ingestor *Ingestor
	store    *store.Memory
	queue    queue.Queue
	registry *capability.Registry
	conn     canonical.Connection
}

func newHarness(t *testing.T, capacity int, dedup DedupCache) *harness {
	t.Helper()
	registry, err := capability.LoadBuiltin()
	require.NoError(t, err)
	normalizer, err := normalize.New(registry)
	require.NoError(t, err)

	st := store.NewMemory()
	conn := canonical.Connection{ConnectionID: "conn-gw", AdapterKind: "dispute_gateway"}
	require.NoError(t, st.PutConnection(context.Background(), conn))
	events := queue.NewMemory(capacity)
	logger := zerolog.Nop()
	in := NewIngestor(registry, normalizer, st, fakeSecrets{"conn-gw": testSecret}, events, Options{
		Dedup:  dedup,
		Logger: &logger,
	})
	return &harness{ingestor: in, store: st, queue: events, registry: registry, conn: conn}
}

func (h *harness) signed(t *testing.T, body string) http.Header {
	t.Helper()
	desc, ok := h.registry.Descriptor("dispute_gateway")
	require.True(t, ok)
	header := http.Header{}
	header.Set(desc.Webhook.Signature.Header, Sign(desc.Webhook.Signature, testSecret, []byte(body), time.Now()))
	return header
}

const disputeOpened = `{
	"eventId": "evt_1",
	"eventType": "dispute.opened",
	"occurredAt": "2026-10-01T10:00:00Z",
	"payload": {"disputeId": "dp_1", "amount": 12500, "currency": "eur", "reasonCode": "10.4", "reservationId": "res-1", "guestName": "ada lovelace"}
}`

func TestHandleWebhookAcceptsAndPersistsBeforeEnqueue(t *testing.T) {
	h := newHarness(t, 8, nil)
	ctx := context.Background()

	res, err := h.ingestor.HandleWebhook(ctx, h.conn, h.signed(t, disputeOpened), []byte(disputeOpened))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.True(t, res.Queued)
	assert.Equal(t, "conn-gw|evt_1", res.EventKey)

	ev, err := h.store.GetSyncEvent(ctx, res.EventKey)
	require.NoError(t, err)
	assert.Equal(t, canonical.SyncEventPending, ev.Status)
	assert.Equal(t, canonical.EventDisputeOpened, ev.EventType)
	assert.Equal(t, "dp_1", ev.Canonical.Dispute.ExternalID)
	assert.Equal(t, "case:conn-gw:dp_1", ev.PartitionKey)
	assert.True(t, ev.OccurredAt.Equal(time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)))
	assert.JSONEq(t, disputeOpened, string(ev.RawPayload))

	id, ok := h.queue.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, res.EventKey, id)
}

func TestHandleWebhookDeduplicatesRedeliveries(t *testing.T) {
	h := newHarness(t, 8, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := h.ingestor.HandleWebhook(ctx, h.conn, h.signed(t, disputeOpened), []byte(disputeOpened))
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, OutcomeAccepted, res.Outcome)
		} else {
			assert.Equal(t, OutcomeDuplicate, res.Outcome)
		}
	}
	events, err := h.store.ListSyncEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 1, h.queue.Depth())
}

func TestStoreDedupCatchesCacheMiss(t *testing.T) {
	h := newHarness(t, 8, nil)
	ctx := context.Background()
	_, err := h.ingestor.HandleWebhook(ctx, h.conn, h.signed(t, disputeOpened), []byte(disputeOpened))
	require.NoError(t, err)

	// A restarted replica has an empty cache; the store still rejects it.
	h.ingestor.dedup = NewMemoryDedup(time.Hour)
	res, err := h.ingestor.HandleWebhook(ctx, h.conn, h.signed(t, disputeOpened), []byte(disputeOpened))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 1, h.queue.Depth())
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t, 8, nil)
	header := http.Header{}
	header.Set("X-Signature", "sha256=deadbeef")
	_, err := h.ingestor.HandleWebhook(context.Background(), h.conn, header, []byte(disputeOpened))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	events, err := h.store.ListSyncEvents(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHandleWebhookRejectsMalformedBody(t *testing.T) {
	h := newHarness(t, 8, nil)
	for _, body := range []string{`not json`, `{"eventType":"dispute.opened"}`} {
		_, err := h.ingestor.HandleWebhook(context.Background(), h.conn, h.signed(t, body), []byte(body))
		assert.ErrorIs(t, err, ErrMalformedBody, body)
	}
}

func TestHandleWebhookIgnoresUnmappedTypes(t *testing.T) {
	h := newHarness(t, 8, nil)
	body := `{"eventId":"evt_9","eventType":"ping","payload":{}}`
	res, err := h.ingestor.HandleWebhook(context.Background(), h.conn, h.signed(t, body), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Zero(t, h.queue.Depth())
}

func TestNormalizationFailureIsStoredButNotQueued(t *testing.T) {
	h := newHarness(t, 8, nil)
	body := `{"eventId":"evt_2","eventType":"dispute.opened","payload":{"disputeId":"dp_2","amount":500}}`
	res, err := h.ingestor.HandleWebhook(context.Background(), h.conn, h.signed(t, body), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnprocessable, res.Outcome)
	assert.Zero(t, h.queue.Depth())

	ev, err := h.store.GetSyncEvent(context.Background(), res.EventKey)
	require.NoError(t, err)
	assert.Equal(t, canonical.SyncEventError, ev.Status)
	assert.Contains(t, ev.Error, "amount without currency")
}

func TestBadOccurredAtIsStoredAsError(t *testing.T) {
	h := newHarness(t, 8, nil)
	body := `{"eventId":"evt_3","eventType":"dispute.opened","occurredAt":"yesterday","payload":{"disputeId":"dp_3"}}`
	res, err := h.ingestor.HandleWebhook(context.Background(), h.conn, h.signed(t, body), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnprocessable, res.Outcome)
}

func TestFullQueueStillAcknowledges(t *testing.T) {
	h := newHarness(t, 1, nil)
	ctx := context.Background()
	first := `{"eventId":"a","eventType":"reservation.updated","payload":{"reservationId":"res-1"}}`
	second := `{"eventId":"b","eventType":"reservation.updated","payload":{"reservationId":"res-1"}}`

	res, err := h.ingestor.HandleWebhook(ctx, h.conn, h.signed(t, first), []byte(first))
	require.NoError(t, err)
	assert.True(t, res.Queued)

	res, err = h.ingestor.HandleWebhook(ctx, h.conn, h.signed(t, second), []byte(second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.False(t, res.Queued)

	pending, err := h.store.ListSyncEvents(ctx, canonical.SyncEventPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestResolveConnection(t *testing.T) {
	h := newHarness(t, 8, nil)
	ctx := context.Background()

	conn, err := h.ingestor.ResolveConnection(ctx, "dispute_gateway", "")
	require.NoError(t, err)
	assert.Equal(t, "conn-gw", conn.ConnectionID)

	_, err = h.ingestor.ResolveConnection(ctx, "stripe", "")
	assert.ErrorIs(t, err, canonical.ErrNotFound)

	_, err = h.ingestor.ResolveConnection(ctx, "stripe", "conn-gw")
	assert.ErrorIs(t, err, canonical.ErrNotFound)

	_, err = h.ingestor.ResolveConnection(ctx, "nope", "")
	assert.ErrorIs(t, err, capability.ErrUnknownAdapter)

	require.NoError(t, h.store.PutConnection(ctx, canonical.Connection{ConnectionID: "conn-gw-2", AdapterKind: "dispute_gateway"}))
	_, err = h.ingestor.ResolveConnection(ctx, "dispute_gateway", "")
	assert.ErrorIs(t, err, ErrAmbiguous)
	conn, err = h.ingestor.ResolveConnection(ctx, "dispute_gateway", "conn-gw-2")
	require.NoError(t, err)
	assert.Equal(t, "conn-gw-2", conn.ConnectionID)
}

func TestVerifySignatureSchemes(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1790000000, 0)
	cases := []struct {
		name string
		spec capability.SignatureSpec
	}{
		{"hex", capability.SignatureSpec{Scheme: capability.SignatureHexHMAC, Header: "X-Sig"}},
		{"hex with prefix", capability.SignatureSpec{Scheme: capability.SignatureHexHMAC, Header: "X-Sig", Prefix: "sha256="}},
		{"base64", capability.SignatureSpec{Scheme: capability.SignatureBase64HMAC, Header: "X-Sig"}},
		{"stripe", capability.SignatureSpec{Scheme: capability.SignatureStripeV1, Header: "Stripe-Signature", Tolerance: 5 * time.Minute}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			header.Set(tc.spec.Header, Sign(tc.spec, testSecret, body, now))
			require.NoError(t, VerifySignature(tc.spec, testSecret, header, body, now))

			assert.ErrorIs(t, VerifySignature(tc.spec, []byte("other"), header, body, now), ErrInvalidSignature)
			assert.ErrorIs(t, VerifySignature(tc.spec, testSecret, header, []byte(`{"id":"evt_2"}`), now), ErrInvalidSignature)
			assert.ErrorIs(t, VerifySignature(tc.spec, testSecret, http.Header{}, body, now), ErrInvalidSignature)
			assert.ErrorIs(t, VerifySignature(tc.spec, nil, header, body, now), ErrInvalidSignature)
		})
	}
}

func TestStripeSignatureTolerance(t *testing.T) {
	spec := capability.SignatureSpec{Scheme: capability.SignatureStripeV1, Header: "Stripe-Signature", Tolerance: 5 * time.Minute}
	body := []byte(`{}`)
	signedAt := time.Unix(1790000000, 0)
	header := http.Header{}
	header.Set(spec.Header, Sign(spec, testSecret, body, signedAt))

	require.NoError(t, VerifySignature(spec, testSecret, header, body, signedAt.Add(4*time.Minute)))
	err := VerifySignature(spec, testSecret, header, body, signedAt.Add(6*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// A rotated secret may sign alongside the old one.
	value := header.Get(spec.Header) + ",v1=00ff"
	header.Set(spec.Header, value)
	require.NoError(t, VerifySignature(spec, testSecret, header, body, signedAt))
}

func TestMemoryDedupExpires(t *testing.T) {
	d := NewMemoryDedup(time.Minute)
	now := time.Unix(0, 0)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, d.Mark(ctx, "k"))
	seen, err := d.Seen(ctx, "k")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, err = d.Seen(ctx, "k")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisDedup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewRedisDedupWithClient(client, time.Minute, zerolog.Nop())
	t.Cleanup(func() { _ = d.Close() })
	ctx := context.Background()

	seen, err := d.Seen(ctx, "conn|evt")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark(ctx, "conn|evt"))
	seen, err = d.Seen(ctx, "conn|evt")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)
	seen, err = d.Seen(ctx, "conn|evt")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisDedupBehindIngestor(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h := newHarness(t, 8, NewRedisDedupWithClient(client, time.Hour, zerolog.Nop()))
	ctx := context.Background()

	_, err := h.ingestor.HandleWebhook(ctx, h.conn, h.signed(t, disputeOpened), []byte(disputeOpened))
	require.NoError(t, err)
	assert.True(t, mr.Exists("disputesync:dedup:conn-gw|evt_1"))

	mr.Close()
	// Cache outage degrades to the store check instead of failing the delivery.
	res, err := h.ingestor.HandleWebhook(ctx, h.conn, h.signed(t, disputeOpened), []byte(disputeOpened))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestNewRedisDedupPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	d, err := NewRedisDedup(context.Background(), RedisDedupConfig{Addr: addr}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	mr.Close()
	_, err = NewRedisDedup(context.Background(), RedisDedupConfig{Addr: addr}, zerolog.Nop())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidSignature))
}
