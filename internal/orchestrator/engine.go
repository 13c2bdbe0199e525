// Package orchestrator ties ingestion, the case state machine, scoring and
// the outbound dispatcher together. Sync events are routed by partition key
// to a fixed set of workers so events for one dispute apply in the order
// they were persisted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/disputesync/internal/adapter"
	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/casefsm"
	"github.com/agentworkforce/disputesync/internal/credential"
	"github.com/agentworkforce/disputesync/internal/dispatch"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/metrics"
	"github.com/agentworkforce/disputesync/internal/queue"
	"github.com/agentworkforce/disputesync/internal/scoring"
	"github.com/agentworkforce/disputesync/internal/store"
	"github.com/agentworkforce/disputesync/internal/webhook"
)

const (
	defaultEventWorkers     = 4
	defaultMaxEventAttempts = 5
	defaultEventRetryDelay  = 200 * time.Millisecond
	defaultStaleAfter       = time.Minute
	partitionBuffer         = 64
)

// Credentials is the credential manager seen from the orchestrator.
type Credentials interface {
	ForceRefresh(ctx context.Context, connectionID string) (credential.Token, error)
	MarkUnauthenticated(ctx context.Context, connectionID string, cause error) error
	Reauthorize(ctx context.Context, connectionID string, secrets canonical.SecretBundle) error
	Remove(connectionID string) error
}

type Limits interface {
	Remove(connectionID string)
}

// Deps are the explicitly constructed collaborators of an Engine.
type Deps struct {
	Store       store.Store
	Registry    *capability.Registry
	Machine     *casefsm.Machine
	Scorer      *scoring.Engine
	Dispatcher  *dispatch.Dispatcher
	Ingestor    *webhook.Ingestor
	Reader      adapter.Reader
	Credentials Credentials
	Limits      Limits
	Events      queue.Queue
}

type Options struct {
	EventWorkers     int
	MaxEventAttempts int
	EventRetryDelay  time.Duration
	// StaleAfter is how long a pending event may sit before the sweep
	// re-queues it.
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *zerolog.Logger
}

type Engine struct {
	store       store.Store
	registry    *capability.Registry
	machine     *casefsm.Machine
	scorer      atomic.Pointer[scoring.Engine]
	dispatcher  *dispatch.Dispatcher
	ingestor    *webhook.Ingestor
	reader      adapter.Reader
	credentials Credentials
	limits      Limits
	events      queue.Queue
	logger      zerolog.Logger
	now         func() time.Time

	workers          int
	maxEventAttempts int
	eventRetryDelay  time.Duration
	staleAfter       time.Duration

	partitions  []chan string
	cases       *caseLocks
	unsubscribe func()

	startOnce   sync.Once
	closeOnce   sync.Once
	queueCtx    context.Context
	queueCancel context.CancelFunc
	wg          sync.WaitGroup

	pollMu  sync.Mutex
	polling map[string]struct{}
}

func New(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Store == nil, deps.Machine == nil, deps.Dispatcher == nil, deps.Ingestor == nil, deps.Events == nil:
		return nil, fmt.Errorf("%w: store, machine, dispatcher, ingestor and event queue are required", canonical.ErrInvalidInput)
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	e := &Engine{
		store:            deps.Store,
		registry:         deps.Registry,
		machine:          deps.Machine,
		dispatcher:       deps.Dispatcher,
		ingestor:         deps.Ingestor,
		reader:           deps.Reader,
		credentials:      deps.Credentials,
		limits:           deps.Limits,
		events:           deps.Events,
		logger:           log.WithComponent("orchestrator"),
		now:              opts.Now,
		workers:          opts.EventWorkers,
		maxEventAttempts: opts.MaxEventAttempts,
		eventRetryDelay:  opts.EventRetryDelay,
		staleAfter:       opts.StaleAfter,
		queueCtx:         queueCtx,
		queueCancel:      queueCancel,
		cases:            newCaseLocks(),
		polling:          map[string]struct{}{},
	}
	scorer := deps.Scorer
	if scorer == nil {
		scorer = scoring.New(scoring.DefaultTables())
	}
	e.scorer.Store(scorer)
	if opts.Logger != nil {
		e.logger = *opts.Logger
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.workers <= 0 {
		e.workers = defaultEventWorkers
	}
	if e.maxEventAttempts <= 0 {
		e.maxEventAttempts = defaultMaxEventAttempts
	}
	if e.eventRetryDelay <= 0 {
		e.eventRetryDelay = defaultEventRetryDelay
	}
	if e.staleAfter <= 0 {
		e.staleAfter = defaultStaleAfter
	}
	e.unsubscribe = e.machine.OnTransition(e.fanOutTransition)
	return e, nil
}

// SetScorer swaps the scoring tables used for subsequent events.
func (e *Engine) SetScorer(scorer *scoring.Engine) {
	if scorer != nil {
		e.scorer.Store(scorer)
	}
}

// Start launches the event workers and re-queues work a previous process
// left behind: pending sync events in persisted order and unfinished
// outbound tasks.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		e.partitions = make([]chan string, e.workers)
		e.wg.Add(e.workers + 1)
		for i := range e.partitions {
			ch := make(chan string, partitionBuffer)
			e.partitions[i] = ch
			go func() {
				defer e.wg.Done()
				e.partitionWorker(ch)
			}()
		}
		go func() {
			defer e.wg.Done()
			e.route()
		}()

		var pending []canonical.SyncEvent
		pending, err = e.store.ListSyncEvents(ctx, canonical.SyncEventPending, 0)
		if err != nil {
			err = fmt.Errorf("listing pending sync events: %w", err)
			return
		}
		for _, ev := range pending {
			e.enqueueEvent(ev.Key())
		}
		var tasks int
		tasks, err = e.dispatcher.Recover(ctx)
		if err != nil {
			err = fmt.Errorf("recovering outbound tasks: %w", err)
			return
		}
		e.logger.Info().
			Str(log.FieldEvent, "engine.started").
			Int("event_workers", e.workers).
			Int("pending_events", len(pending)).
			Int("recovered_tasks", tasks).
			Msg("sync engine started")
	})
	return err
}

// Close stops the event workers. The dispatcher and queues belong to the
// caller.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.unsubscribe()
		e.queueCancel()
		e.wg.Wait()
	})
}

func (e *Engine) enqueueEvent(key string) {
	if e.events.TryEnqueue(key) {
		return
	}
	e.logger.Warn().Str(log.FieldEvent, "event.queue_full").Str("event_key", key).Msg("event queue full; left for resweep")
}

// route moves event keys from the shared queue to the worker owning their
// partition. A partition is served by exactly one goroutine.
func (e *Engine) route() {
	defer func() {
		for _, ch := range e.partitions {
			close(ch)
		}
	}()
	for {
		key, ok := e.events.Dequeue(e.queueCtx)
		if !ok {
			return
		}
		metrics.QueueDepth.WithLabelValues("events").Set(float64(e.events.Depth()))
		ev, err := e.store.GetSyncEvent(e.queueCtx, key)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) && e.queueCtx.Err() == nil {
				e.logger.Error().Str("event_key", key).Err(err).Msg("load sync event for routing")
			}
			continue
		}
		if ev.Status != canonical.SyncEventPending {
			continue
		}
		select {
		case e.partitions[e.partitionOf(ev.PartitionKey)] <- key:
		case <-e.queueCtx.Done():
			return
		}
	}
}

func (e *Engine) partitionOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.partitions)))
}

func (e *Engine) partitionWorker(keys <-chan string) {
	for key := range keys {
		if e.queueCtx.Err() != nil {
			return
		}
		e.ProcessEvent(e.queueCtx, key)
	}
}

// ProcessEvent applies one persisted sync event. Pending events persisted
// earlier in the same partition are applied first, whatever order their
// keys were queued in. Transient failures are retried in place so later
// events of the partition stay behind.
func (e *Engine) ProcessEvent(ctx context.Context, key string) {
	ev, err := e.store.GetSyncEvent(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error().Str("event_key", key).Err(err).Msg("load sync event")
		}
		return
	}
	if ev.Status != canonical.SyncEventPending {
		return
	}
	earlier, err := e.store.PendingBefore(ctx, ev.PartitionKey, ev.Seq)
	if err != nil {
		// Left pending; the sweep re-queues it.
		e.logger.Error().Str("event_key", key).Err(err).Msg("load earlier events of partition")
		return
	}
	for _, prior := range earlier {
		if !e.processLoaded(ctx, prior) {
			return
		}
	}
	e.processLoaded(ctx, ev)
}

// processLoaded runs ev to a final status. It reports false when ctx ended
// first and ev is still pending.
func (e *Engine) processLoaded(ctx context.Context, ev canonical.SyncEvent) bool {
	key := ev.Key()
	logger := e.logger.With().
		Str(log.FieldEventID, ev.EventID).
		Str(log.FieldConnectionID, ev.SourceConnectionID).
		Str("event_type", string(ev.EventType)).
		Int64("seq", ev.Seq).
		Logger()
	ctx = log.ContextWithConnectionID(ctx, ev.SourceConnectionID)

	for attempt := ev.Attempts + 1; ; attempt++ {
		outcome, err := e.apply(ctx, ev)
		if err == nil {
			if markErr := e.store.MarkSyncEvent(ctx, key, canonical.SyncEventProcessed, ""); markErr != nil {
				logger.Error().Err(markErr).Msg("mark sync event processed")
			}
			metrics.EventsProcessedTotal.WithLabelValues(outcome).Inc()
			logger.Debug().Str(log.FieldEvent, "event.processed").Str("outcome", outcome).Msg("sync event applied")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if permanentEventError(err) || attempt >= e.maxEventAttempts {
			metrics.EventsProcessedTotal.WithLabelValues("failed").Inc()
			logger.Error().Str(log.FieldEvent, "event.failed").Int(log.FieldAttempt, attempt).Err(err).Msg("sync event could not be applied")
			if markErr := e.store.MarkSyncEvent(ctx, key, canonical.SyncEventFailed, err.Error()); markErr != nil {
				logger.Error().Err(markErr).Msg("mark sync event failed")
			}
			return true
		}
		logger.Warn().Int(log.FieldAttempt, attempt).Err(err).Msg("retrying sync event")
		if markErr := e.store.MarkSyncEvent(ctx, key, canonical.SyncEventPending, err.Error()); markErr != nil {
			logger.Error().Err(markErr).Msg("record sync event attempt")
		}
		if sleepContext(ctx, e.eventRetryDelay*time.Duration(attempt)) != nil {
			return false
		}
	}
}

func permanentEventError(err error) bool {
	return errors.Is(err, canonical.ErrInvalidInput) ||
		errors.Is(err, casefsm.ErrIllegalTransition) ||
		errors.Is(err, casefsm.ErrTerminal) ||
		errors.Is(err, casefsm.ErrFrozen) ||
		errors.Is(err, casefsm.ErrNotSubmittable)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
