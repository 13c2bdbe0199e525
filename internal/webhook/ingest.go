// Package webhook receives provider deliveries: it verifies signatures,
// deduplicates by (connection, event id), persists the Sync Event before
// acknowledging it and hands the event key to the processing queue.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/metrics"
	"github.com/agentworkforce/disputesync/internal/normalize"
	"github.com/agentworkforce/disputesync/internal/queue"
)

var (
	ErrMalformedBody     = errors.New("malformed webhook body")
	ErrUnknownConnection = fmt.Errorf("%w: connection", canonical.ErrNotFound)
	ErrAmbiguous         = errors.New("several connections match; send X-Connection-Id")
)

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	// OutcomeDuplicate is a redelivery of an already persisted event.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored is a provider event type with no canonical mapping.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeUnprocessable was persisted with a normalization error and
	// will not be applied.
	OutcomeUnprocessable Outcome = "unprocessable"
)

type Result struct {
	Outcome  Outcome `json:"status"`
	EventKey string  `json:"eventKey,omitempty"`
	Queued   bool    `json:"queued"`
}

// EventStore is the slice of the store the ingestor writes through.
type EventStore interface {
	GetConnection(ctx context.Context, connectionID string) (canonical.Connection, error)
	ListConnections(ctx context.Context) ([]canonical.Connection, error)
	InsertSyncEvent(ctx context.Context, ev *canonical.SyncEvent) (bool, error)
}

// Secrets hands out per-connection signing secrets. Callers wipe the bytes.
type Secrets interface {
	Secret(connectionID, key string) ([]byte, error)
}

// Delivery is one inbound occurrence after envelope parsing, whether it came
// from a webhook or a poll.
type Delivery struct {
	EventID           string
	ProviderEventType string
	EventType         canonical.EventType
	OccurredAt        time.Time
	Document          map[string]any
	Raw               []byte
}

type Options struct {
	Dedup  DedupCache
	Logger *zerolog.Logger
	Now    func() time.Time
}

type Ingestor struct {
	registry   *capability.Registry
	normalizer *normalize.Normalizer
	store      EventStore
	secrets    Secrets
	queue      queue.Queue
	dedup      DedupCache
	logger     zerolog.Logger
	now        func() time.Time
}

func NewIngestor(registry *capability.Registry, normalizer *normalize.Normalizer, store EventStore, secrets Secrets, events queue.Queue, opts Options) *Ingestor {
	in := &Ingestor{
		registry:   registry,
		normalizer: normalizer,
		store:      store,
		secrets:    secrets,
		queue:      events,
		dedup:      opts.Dedup,
		logger:     log.WithComponent("webhook"),
		now:        opts.Now,
	}
	if in.dedup == nil {
		in.dedup = NewMemoryDedup(DefaultDedupTTL)
	}
	if opts.Logger != nil {
		in.logger = *opts.Logger
	}
	if in.now == nil {
		in.now = time.Now
	}
	return in
}

// ResolveConnection finds the connection a delivery for adapterKind belongs
// to. An explicit id must match the kind; without one, the kind must have
// exactly one configured connection.
func (in *Ingestor) ResolveConnection(ctx context.Context, adapterKind, connectionID string) (canonical.Connection, error) {
	if _, ok := in.registry.Descriptor(adapterKind); !ok {
		return canonical.Connection{}, fmt.Errorf("%w: %s", capability.ErrUnknownAdapter, adapterKind)
	}
	if connectionID != "" {
		conn, err := in.store.GetConnection(ctx, connectionID)
		if errors.Is(err, canonical.ErrNotFound) {
			return canonical.Connection{}, fmt.Errorf("%w %s", ErrUnknownConnection, connectionID)
		}
		if err != nil {
			return canonical.Connection{}, err
		}
		if conn.AdapterKind != adapterKind {
			return canonical.Connection{}, fmt.Errorf("%w %s for adapter %s", ErrUnknownConnection, connectionID, adapterKind)
		}
		return conn, nil
	}
	conns, err := in.store.ListConnections(ctx)
	if err != nil {
		return canonical.Connection{}, err
	}
	var matched []canonical.Connection
	for _, conn := range conns {
		if conn.AdapterKind == adapterKind {
			matched = append(matched, conn)
		}
	}
	switch len(matched) {
	case 0:
		return canonical.Connection{}, fmt.Errorf("%w for adapter %s", ErrUnknownConnection, adapterKind)
	case 1:
		return matched[0], nil
	default:
		return canonical.Connection{}, ErrAmbiguous
	}
}

// HandleWebhook verifies and accepts one raw delivery. Errors wrapping
// ErrInvalidSignature map to 401 and ErrMalformedBody to 400; any other
// error means the event was not durably stored and the provider should
// retry.
func (in *Ingestor) HandleWebhook(ctx context.Context, conn canonical.Connection, header http.Header, body []byte) (Result, error) {
	desc, ok := in.registry.Descriptor(conn.AdapterKind)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", capability.ErrUnknownAdapter, conn.AdapterKind)
	}
	logger := in.logger.With().
		Str(log.FieldConnectionID, conn.ConnectionID).
		Str(log.FieldAdapterKind, desc.Kind).
		Logger()

	secret, err := in.secrets.Secret(conn.ConnectionID, canonical.SecretSigningSecret)
	if err != nil && !errors.Is(err, canonical.ErrNotFound) {
		return Result{}, err
	}
	verifyErr := VerifySignature(desc.Webhook.Signature, secret, header, body, in.now())
	wipe(secret)
	if verifyErr != nil {
		metrics.RecordWebhook(desc.Kind, "invalid_signature")
		logger.Warn().Str(log.FieldEvent, "webhook.invalid_signature").Err(verifyErr).Msg("rejected webhook")
		return Result{}, verifyErr
	}

	env, err := in.normalizer.ParseEnvelope(desc.Kind, body)
	var normErr *canonical.NormalizationError
	switch {
	case err == nil:
	case errors.As(err, &normErr) && env.EventID != "":
		// Unparseable timestamp: keep the event so the failure is inspectable.
	default:
		metrics.RecordWebhook(desc.Kind, "malformed")
		logger.Warn().Str(log.FieldEvent, "webhook.malformed").Err(err).Msg("rejected webhook")
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	delivery := Delivery{
		EventID:           env.EventID,
		ProviderEventType: env.ProviderEventType,
		EventType:         env.EventType,
		OccurredAt:        env.OccurredAt,
		Document:          env.Document,
		Raw:               body,
	}
	if normErr != nil {
		return in.accept(ctx, conn, delivery, normErr)
	}
	return in.Accept(ctx, conn, delivery)
}

// Accept runs the shared persist-then-enqueue path. Polled records enter
// here directly.
func (in *Ingestor) Accept(ctx context.Context, conn canonical.Connection, d Delivery) (Result, error) {
	return in.accept(ctx, conn, d, nil)
}

func (in *Ingestor) accept(ctx context.Context, conn canonical.Connection, d Delivery, envErr error) (Result, error) {
	key := canonical.EventKey(conn.ConnectionID, d.EventID)
	logger := in.logger.With().
		Str(log.FieldConnectionID, conn.ConnectionID).
		Str(log.FieldAdapterKind, conn.AdapterKind).
		Str(log.FieldEventID, d.EventID).
		Logger()

	if seen, err := in.dedup.Seen(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("dedup cache unavailable; falling back to store")
	} else if seen {
		metrics.RecordWebhook(conn.AdapterKind, string(OutcomeDuplicate))
		logger.Debug().Str(log.FieldEvent, "webhook.duplicate").Msg("duplicate delivery")
		return Result{Outcome: OutcomeDuplicate, EventKey: key}, nil
	}

	if d.EventType == "" {
		metrics.RecordWebhook(conn.AdapterKind, string(OutcomeIgnored))
		logger.Debug().
			Str(log.FieldEvent, "webhook.ignored").
			Str("provider_event_type", d.ProviderEventType).
			Msg("no canonical mapping for provider event type")
		return Result{Outcome: OutcomeIgnored, EventKey: key}, nil
	}

	ev := &canonical.SyncEvent{
		EventID:            d.EventID,
		EventType:          d.EventType,
		ProviderEventType:  d.ProviderEventType,
		SourceConnectionID: conn.ConnectionID,
		AdapterKind:        conn.AdapterKind,
		OccurredAt:         d.OccurredAt,
		RawPayload:         append([]byte(nil), d.Raw...),
		Status:             canonical.SyncEventPending,
		ReceivedAt:         in.now().UTC(),
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.ReceivedAt
	}

	normErr := envErr
	if normErr == nil {
		payload, err := in.normalizer.NormalizeDocument(conn.AdapterKind, d.EventType, d.Document)
		if err != nil {
			var ne *canonical.NormalizationError
			if !errors.As(err, &ne) {
				return Result{}, err
			}
			normErr = err
		} else {
			ev.Canonical = payload
		}
	}
	if normErr != nil {
		ev.Status = canonical.SyncEventError
		ev.Error = normErr.Error()
		ev.Canonical.Folio = []canonical.FolioLine{}
	}
	ev.PartitionKey = canonical.PartitionKey(conn.ConnectionID, ev.Canonical)

	inserted, err := in.store.InsertSyncEvent(ctx, ev)
	if err != nil {
		metrics.RecordWebhook(conn.AdapterKind, "error")
		return Result{}, fmt.Errorf("persisting sync event: %w", err)
	}
	if markErr := in.dedup.Mark(ctx, key); markErr != nil {
		logger.Warn().Err(markErr).Msg("dedup cache mark failed")
	}
	if !inserted {
		metrics.RecordWebhook(conn.AdapterKind, string(OutcomeDuplicate))
		logger.Debug().Str(log.FieldEvent, "webhook.duplicate").Msg("duplicate delivery")
		return Result{Outcome: OutcomeDuplicate, EventKey: key}, nil
	}

	if normErr != nil {
		metrics.NormalizationFailuresTotal.WithLabelValues(conn.AdapterKind).Inc()
		metrics.RecordWebhook(conn.AdapterKind, string(OutcomeUnprocessable))
		logger.Warn().
			Str(log.FieldEvent, "webhook.normalization_failed").
			Err(normErr).
			Msg("sync event stored with normalization error")
		return Result{Outcome: OutcomeUnprocessable, EventKey: key}, nil
	}

	queued := in.queue.TryEnqueue(key)
	if !queued {
		// The event is persisted as pending; the resweep picks it up.
		logger.Warn().Str(log.FieldEvent, "webhook.queue_full").Msg("event queue full; deferring to resweep")
	}
	metrics.QueueDepth.WithLabelValues("events").Set(float64(in.queue.Depth()))
	metrics.RecordWebhook(conn.AdapterKind, string(OutcomeAccepted))
	logger.Info().
		Str(log.FieldEvent, "webhook.accepted").
		Str("event_type", string(ev.EventType)).
		Int64("seq", ev.Seq).
		Msg("sync event accepted")
	return Result{Outcome: OutcomeAccepted, EventKey: key, Queued: queued}, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
