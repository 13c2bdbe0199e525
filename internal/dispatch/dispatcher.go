// Package dispatch mirrors case-affecting actions to every connection that
// declares write support for them. Tasks are persisted before they are
// queued, run one at a time per (case, connection) lane in creation order,
// and are retried with jittered exponential backoff until they succeed or
// are dead-lettered.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/credential"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/metrics"
	"github.com/agentworkforce/disputesync/internal/queue"
	"github.com/agentworkforce/disputesync/internal/store"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 6
	defaultBaseDelay   = 2 * time.Second
	defaultMaxDelay    = 5 * time.Minute
)

// ErrSuperseded refuses a replay whose content a later successful task of
// the same lane and action has already replaced.
var ErrSuperseded = errors.New("superseded by a later delivered task")

// Store is the persistence the dispatcher needs.
type Store interface {
	GetCase(ctx context.Context, caseID string) (canonical.Case, error)
	GetConnection(ctx context.Context, connectionID string) (canonical.Connection, error)
	ListConnections(ctx context.Context) ([]canonical.Connection, error)
	InsertTasks(ctx context.Context, tasks ...canonical.OutboundTask) error
	GetTask(ctx context.Context, taskID string) (canonical.OutboundTask, error)
	UpdateTask(ctx context.Context, task canonical.OutboundTask) error
	LaneHead(ctx context.Context, caseID, connectionID string) (canonical.OutboundTask, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]canonical.OutboundTask, error)
	InsertAlert(ctx context.Context, alert canonical.Alert) error
}

// Writer sends one action to one connection.
type Writer interface {
	Write(ctx context.Context, conn canonical.Connection, action canonical.Action, payload map[string]any) error
}

type WriterFunc func(ctx context.Context, conn canonical.Connection, action canonical.Action, payload map[string]any) error

func (f WriterFunc) Write(ctx context.Context, conn canonical.Connection, action canonical.Action, payload map[string]any) error {
	return f(ctx, conn, action, payload)
}

// Tokens is the credential manager seen from the dispatcher.
type Tokens interface {
	ForceRefresh(ctx context.Context, connectionID string) (credential.Token, error)
	MarkUnauthenticated(ctx context.Context, connectionID string, cause error) error
	Unauthenticated(connectionID string) bool
}

type Options struct {
	Workers     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// NodeID seeds the snowflake generator for task sequence numbers.
	NodeID int64
	Now    func() time.Time
	Logger *zerolog.Logger
	// DisableWorkers leaves queued tasks for the caller to drive with
	// ProcessTask.
	DisableWorkers bool
}

// Target narrows a fan-out. Exclude skips the connection an update came
// from; Only restricts the fan-out to the listed connections.
type Target struct {
	Exclude string
	Only    []string
}

type Dispatcher struct {
	store    Store
	writer   Writer
	tokens   Tokens
	registry *capability.Registry
	tasks    queue.Queue
	ids      *snowflake.Node
	logger   zerolog.Logger
	now      func() time.Time

	workers     int
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	queueCtx    context.Context
	queueCancel context.CancelFunc
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	mu      sync.Mutex
	queued  map[string]struct{}
	running map[string]struct{}
	paused  map[string]struct{}
}

func New(st Store, writer Writer, tokens Tokens, registry *capability.Registry, tasks queue.Queue, opts Options) (*Dispatcher, error) {
	if tasks == nil {
		return nil, fmt.Errorf("%w: task queue is required", canonical.ErrInvalidInput)
	}
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("task sequence generator: %w", err)
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:       st,
		writer:      writer,
		tokens:      tokens,
		registry:    registry,
		tasks:       tasks,
		ids:         node,
		logger:      log.WithComponent("dispatch"),
		now:         opts.Now,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
		closed:      make(chan struct{}),
		queued:      map[string]struct{}{},
		running:     map[string]struct{}{},
		paused:      map[string]struct{}{},
	}
	if opts.Logger != nil {
		d.logger = *opts.Logger
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.workers <= 0 {
		d.workers = defaultWorkers
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.baseDelay <= 0 {
		d.baseDelay = defaultBaseDelay
	}
	if d.maxDelay <= 0 {
		d.maxDelay = defaultMaxDelay
	}
	if d.maxDelay < d.baseDelay {
		d.maxDelay = d.baseDelay
	}
	if !opts.DisableWorkers {
		d.wg.Add(d.workers)
		for i := 0; i < d.workers; i++ {
			go func() {
				defer d.wg.Done()
				d.worker()
			}()
		}
	}
	return d, nil
}

// Close stops the workers and pending retry timers. Tasks that were
// in flight stay persisted and are picked up by Recover on the next start.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.queueCancel()
		_ = d.tasks.Close()
		d.wg.Wait()
	})
}

// Enqueue persists one task per capable connection and queues them. Tasks
// for connections awaiting re-authorization are stored paused.
func (d *Dispatcher) Enqueue(ctx context.Context, caseID string, action canonical.Action, payload map[string]any, target Target) ([]canonical.OutboundTask, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", canonical.ErrInvalidInput, action)
	}
	if strings.TrimSpace(caseID) == "" {
		return nil, fmt.Errorf("%w: case id is required", canonical.ErrInvalidInput)
	}
	conns, err := d.store.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	only := map[string]struct{}{}
	for _, id := range target.Only {
		only[id] = struct{}{}
	}

	now := d.now().UTC()
	tasks := make([]canonical.OutboundTask, 0, len(conns))
	for _, conn := range conns {
		if conn.ConnectionID == target.Exclude {
			continue
		}
		if len(only) > 0 {
			if _, ok := only[conn.ConnectionID]; !ok {
				continue
			}
		}
		if d.registry.Require(conn, action.Entity(), canonical.OperationWrite) != nil {
			continue
		}
		status := canonical.TaskQueued
		if d.connectionPaused(conn) {
			status = canonical.TaskPaused
		}
		tasks = append(tasks, canonical.OutboundTask{
			TaskID:             uuid.NewString(),
			Seq:                d.ids.Generate().Int64(),
			CaseID:             caseID,
			TargetConnectionID: conn.ConnectionID,
			Action:             action,
			Payload:            maps.Clone(payload),
			Status:             status,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}
	if len(tasks) == 0 {
		return tasks, nil
	}
	if err := d.store.InsertTasks(ctx, tasks...); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		d.logger.Debug().
			Str(log.FieldEvent, "task.created").
			Str(log.FieldTaskID, task.TaskID).
			Str(log.FieldCaseID, caseID).
			Str(log.FieldConnectionID, task.TargetConnectionID).
			Str(log.FieldAction, string(action)).
			Str("status", string(task.Status)).
			Msg("outbound task created")
		if task.Status == canonical.TaskQueued {
			d.enqueueTask(task.TaskID)
		}
	}
	return tasks, nil
}

// Recover re-queues tasks left queued, failed or in flight by a previous
// process, honoring their next attempt time.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	var pending []canonical.OutboundTask
	for _, status := range []canonical.TaskStatus{canonical.TaskInFlight, canonical.TaskFailed, canonical.TaskQueued} {
		tasks, err := d.store.ListTasks(ctx, store.TaskFilter{Status: status})
		if err != nil {
			return 0, err
		}
		pending = append(pending, tasks...)
	}
	count := 0
	for _, task := range pending {
		if task.Status == canonical.TaskInFlight {
			task.Status = canonical.TaskQueued
			task.UpdatedAt = d.now().UTC()
			if err := d.store.UpdateTask(ctx, task); err != nil {
				return count, err
			}
		}
		count++
		if task.NextAttemptAt != nil {
			if until := task.NextAttemptAt.Sub(d.now()); until > 0 {
				d.scheduleRetry(task.TaskID, until)
				continue
			}
		}
		d.enqueueTask(task.TaskID)
	}
	if count > 0 {
		d.logger.Info().Str(log.FieldEvent, "task.recovered").Int("count", count).Msg("re-queued outbound tasks")
	}
	return count, nil
}

// ReplayTask puts a dead, paused or failed task back on the queue with a
// fresh attempt budget.
func (d *Dispatcher) ReplayTask(ctx context.Context, taskID string) (canonical.OutboundTask, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return canonical.OutboundTask{}, err
	}
	switch task.Status {
	case canonical.TaskDead, canonical.TaskPaused, canonical.TaskFailed:
	default:
		return canonical.OutboundTask{}, fmt.Errorf("%w: task %s is %s", canonical.ErrInvalidInput, taskID, task.Status)
	}
	delivered, err := d.store.ListTasks(ctx, store.TaskFilter{
		Status:       canonical.TaskSucceeded,
		ConnectionID: task.TargetConnectionID,
		CaseID:       task.CaseID,
	})
	if err != nil {
		return canonical.OutboundTask{}, err
	}
	for _, later := range delivered {
		if later.Seq > task.Seq && later.Action == task.Action {
			return canonical.OutboundTask{}, fmt.Errorf("%w: task %s, delivered %s", ErrSuperseded, taskID, later.TaskID)
		}
	}
	task.Status = canonical.TaskQueued
	task.Attempt = 0
	task.NextAttemptAt = nil
	task.LastError = ""
	task.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateTask(ctx, task); err != nil {
		return canonical.OutboundTask{}, err
	}
	d.logger.Info().
		Str(log.FieldEvent, "task.replayed").
		Str(log.FieldTaskID, taskID).
		Str(log.FieldConnectionID, task.TargetConnectionID).
		Msg("outbound task replayed")
	d.enqueueTask(taskID)
	return task, nil
}

// PauseConnection parks every pending task of the connection until
// ResumeConnection. The connection alert is raised once per pause.
func (d *Dispatcher) PauseConnection(ctx context.Context, connectionID string, cause error) error {
	d.mu.Lock()
	_, already := d.paused[connectionID]
	d.paused[connectionID] = struct{}{}
	d.mu.Unlock()

	parked := 0
	for _, status := range []canonical.TaskStatus{canonical.TaskQueued, canonical.TaskFailed} {
		tasks, err := d.store.ListTasks(ctx, store.TaskFilter{Status: status, ConnectionID: connectionID})
		if err != nil {
			return err
		}
		for _, task := range tasks {
			task.Status = canonical.TaskPaused
			task.NextAttemptAt = nil
			task.UpdatedAt = d.now().UTC()
			if err := d.store.UpdateTask(ctx, task); err != nil {
				return err
			}
			parked++
		}
	}
	if already {
		return nil
	}
	message := "connection requires operator re-authorization"
	if cause != nil {
		message += ": " + cause.Error()
	}
	d.logger.Warn().
		Str(log.FieldEvent, "connection.paused").
		Str(log.FieldConnectionID, connectionID).
		Int("paused_tasks", parked).
		Msg("outbound tasks paused")
	return d.raiseAlert(ctx, canonical.Alert{
		Level:        canonical.AlertConnection,
		ConnectionID: connectionID,
		Message:      message,
	})
}

// ResumeConnection re-queues the connection's paused tasks.
func (d *Dispatcher) ResumeConnection(ctx context.Context, connectionID string) (int, error) {
	d.mu.Lock()
	delete(d.paused, connectionID)
	d.mu.Unlock()

	tasks, err := d.store.ListTasks(ctx, store.TaskFilter{Status: canonical.TaskPaused, ConnectionID: connectionID})
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		task.Status = canonical.TaskQueued
		task.UpdatedAt = d.now().UTC()
		if err := d.store.UpdateTask(ctx, task); err != nil {
			return 0, err
		}
		d.enqueueTask(task.TaskID)
	}
	d.logger.Info().
		Str(log.FieldEvent, "connection.resumed").
		Str(log.FieldConnectionID, connectionID).
		Int("resumed_tasks", len(tasks)).
		Msg("outbound tasks resumed")
	return len(tasks), nil
}

// ProcessTask runs one attempt of a task if it is at the head of its lane.
// Workers call it for every dequeued id.
func (d *Dispatcher) ProcessTask(ctx context.Context, taskID string) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Error().Str(log.FieldTaskID, taskID).Err(err).Msg("load outbound task")
		}
		return
	}
	if task.Status.IsFinal() || task.Status == canonical.TaskPaused {
		return
	}
	if task.NextAttemptAt != nil {
		if until := task.NextAttemptAt.Sub(d.now()); until > 0 {
			d.scheduleRetry(taskID, until)
			return
		}
	}

	lane := task.LaneKey()
	if !d.claimLane(lane) {
		// The running task kicks the lane when it finishes.
		return
	}
	head, err := d.store.LaneHead(ctx, task.CaseID, task.TargetConnectionID)
	if err != nil || head.TaskID != task.TaskID {
		if err != nil {
			d.logger.Error().Str(log.FieldTaskID, taskID).Err(err).Msg("load lane head")
		}
		d.releaseLane(lane)
		return
	}
	d.execute(ctx, task)
	d.releaseLane(lane)
	d.kickLane(ctx, task.CaseID, task.TargetConnectionID, task.TaskID)
}

func (d *Dispatcher) execute(ctx context.Context, task canonical.OutboundTask) {
	logger := d.logger.With().
		Str(log.FieldTaskID, task.TaskID).
		Str(log.FieldCaseID, task.CaseID).
		Str(log.FieldConnectionID, task.TargetConnectionID).
		Str(log.FieldAction, string(task.Action)).
		Logger()

	c, err := d.store.GetCase(ctx, task.CaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.finish(ctx, task, canonical.TaskCancelled, "case no longer exists")
			return
		}
		logger.Error().Err(err).Msg("load case")
		d.retryLater(ctx, task, err)
		return
	}
	if c.Status.IsTerminal() && task.Action != canonical.ActionPushOutcome {
		d.finish(ctx, task, canonical.TaskCancelled, "case is "+string(c.Status))
		return
	}
	conn, err := d.store.GetConnection(ctx, task.TargetConnectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.finish(ctx, task, canonical.TaskCancelled, "connection removed")
			return
		}
		logger.Error().Err(err).Msg("load connection")
		d.retryLater(ctx, task, err)
		return
	}
	if d.connectionPaused(conn) {
		d.park(ctx, task, "connection requires re-authorization")
		return
	}

	task.Attempt++
	task.Status = canonical.TaskInFlight
	task.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateTask(ctx, task); err != nil {
		logger.Error().Err(err).Msg("mark task in flight")
		d.scheduleRetry(task.TaskID, d.backoff(task.Attempt, 0))
		return
	}

	err = d.writer.Write(ctx, conn, task.Action, task.Payload)
	if err != nil && canonical.IsAuthError(err) {
		err = d.refreshAndRetry(ctx, conn, task, err)
	}
	if err != nil && ctx.Err() != nil {
		// Shutting down; leave the task for recovery without spending an attempt.
		task.Attempt--
		task.Status = canonical.TaskQueued
		task.UpdatedAt = d.now().UTC()
		_ = d.store.UpdateTask(context.WithoutCancel(ctx), task)
		return
	}

	switch {
	case err == nil:
		metrics.RecordTask(string(task.Action), "succeeded")
		logger.Info().Str(log.FieldEvent, "task.succeeded").Int(log.FieldAttempt, task.Attempt).Msg("outbound task succeeded")
		d.finish(ctx, task, canonical.TaskSucceeded, "")
	case canonical.IsAuthError(err):
		metrics.RecordTask(string(task.Action), "paused")
		if markErr := d.tokens.MarkUnauthenticated(ctx, conn.ConnectionID, err); markErr != nil {
			err = markErr
		}
		task.LastError = err.Error()
		d.park(ctx, task, err.Error())
		if pauseErr := d.PauseConnection(ctx, conn.ConnectionID, err); pauseErr != nil {
			logger.Error().Err(pauseErr).Msg("pause connection")
		}
	case permanent(err):
		metrics.RecordTask(string(task.Action), "dead")
		d.deadLetter(ctx, task, err)
	default:
		d.retryLater(ctx, task, err)
	}
}

// refreshAndRetry forces a token refresh after a 401/403 and sends once
// more. The returned error is nil or the reason the retry did not happen.
func (d *Dispatcher) refreshAndRetry(ctx context.Context, conn canonical.Connection, task canonical.OutboundTask, cause error) error {
	if _, err := d.tokens.ForceRefresh(ctx, conn.ConnectionID); err != nil {
		d.logger.Warn().
			Str(log.FieldEvent, "token.refresh_failed").
			Str(log.FieldConnectionID, conn.ConnectionID).
			Err(err).
			Msg("refresh after auth failure failed")
		if canonical.IsAuthError(err) {
			return err
		}
		return cause
	}
	return d.writer.Write(ctx, conn, task.Action, task.Payload)
}

func (d *Dispatcher) retryLater(ctx context.Context, task canonical.OutboundTask, cause error) {
	task.LastError = cause.Error()
	if task.Attempt >= d.maxAttempts {
		metrics.RecordTask(string(task.Action), "dead")
		d.deadLetter(ctx, task, cause)
		return
	}
	metrics.RecordTask(string(task.Action), "retry")
	delay := d.backoff(task.Attempt, canonical.RetryAfterHint(cause))
	next := d.now().UTC().Add(delay)
	task.Status = canonical.TaskFailed
	task.NextAttemptAt = &next
	task.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateTask(ctx, task); err != nil {
		d.logger.Error().Str(log.FieldTaskID, task.TaskID).Err(err).Msg("persist task retry")
		return
	}
	d.logger.Warn().
		Str(log.FieldEvent, "task.retry").
		Str(log.FieldTaskID, task.TaskID).
		Str(log.FieldConnectionID, task.TargetConnectionID).
		Int(log.FieldAttempt, task.Attempt).
		Dur("delay", delay).
		Err(cause).
		Msg("outbound task will be retried")
	d.scheduleRetry(task.TaskID, delay)
}

func (d *Dispatcher) deadLetter(ctx context.Context, task canonical.OutboundTask, cause error) {
	task.LastError = cause.Error()
	d.logger.Error().
		Str(log.FieldEvent, "task.dead").
		Str(log.FieldTaskID, task.TaskID).
		Str(log.FieldCaseID, task.CaseID).
		Str(log.FieldConnectionID, task.TargetConnectionID).
		Str(log.FieldAction, string(task.Action)).
		Int(log.FieldAttempt, task.Attempt).
		Err(cause).
		Msg("outbound task dead-lettered")
	d.finish(ctx, task, canonical.TaskDead, task.LastError)
	if err := d.raiseAlert(ctx, canonical.Alert{
		Level:        canonical.AlertTask,
		CaseID:       task.CaseID,
		ConnectionID: task.TargetConnectionID,
		TaskID:       task.TaskID,
		Message:      fmt.Sprintf("%s to %s failed after %d attempts: %s", task.Action, task.TargetConnectionID, task.Attempt, task.LastError),
	}); err != nil {
		d.logger.Error().Str(log.FieldTaskID, task.TaskID).Err(err).Msg("raise task alert")
	}
}

// finish moves a task to a final status.
func (d *Dispatcher) finish(ctx context.Context, task canonical.OutboundTask, status canonical.TaskStatus, reason string) {
	task.Status = status
	task.NextAttemptAt = nil
	if reason != "" {
		task.LastError = reason
	}
	task.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateTask(ctx, task); err != nil {
		d.logger.Error().Str(log.FieldTaskID, task.TaskID).Err(err).Msg("persist task status")
		return
	}
	if status == canonical.TaskCancelled {
		metrics.RecordTask(string(task.Action), "cancelled")
		d.logger.Info().
			Str(log.FieldEvent, "task.cancelled").
			Str(log.FieldTaskID, task.TaskID).
			Str(log.FieldCaseID, task.CaseID).
			Str("reason", reason).
			Msg("outbound task cancelled")
	}
}

func (d *Dispatcher) park(ctx context.Context, task canonical.OutboundTask, reason string) {
	task.Status = canonical.TaskPaused
	task.NextAttemptAt = nil
	task.LastError = reason
	task.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateTask(ctx, task); err != nil {
		d.logger.Error().Str(log.FieldTaskID, task.TaskID).Err(err).Msg("pause task")
	}
}

// kickLane queues the lane's current head unless it is the task that just
// ran, which schedules its own retry.
func (d *Dispatcher) kickLane(ctx context.Context, caseID, connectionID, ranTaskID string) {
	next, err := d.store.LaneHead(ctx, caseID, connectionID)
	if err != nil || next.TaskID == ranTaskID {
		return
	}
	if next.Status == canonical.TaskQueued || next.Status == canonical.TaskFailed {
		d.enqueueTask(next.TaskID)
	}
}

func (d *Dispatcher) raiseAlert(ctx context.Context, alert canonical.Alert) error {
	alert.AlertID = uuid.NewString()
	alert.CreatedAt = d.now().UTC()
	metrics.AlertsTotal.WithLabelValues(string(alert.Level)).Inc()
	return d.store.InsertAlert(ctx, alert)
}

func (d *Dispatcher) connectionPaused(conn canonical.Connection) bool {
	if conn.Status == canonical.ConnectionUnauthenticated {
		return true
	}
	if d.tokens != nil && d.tokens.Unauthenticated(conn.ConnectionID) {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.paused[conn.ConnectionID]
	return ok
}

// backoff doubles baseDelay per attempt up to maxDelay and then keeps a
// random point in the upper half. A provider Retry-After wins when longer.
func (d *Dispatcher) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := d.baseDelay
	for i := 1; i < attempt && delay < d.maxDelay; i++ {
		delay *= 2
	}
	if delay > d.maxDelay {
		delay = d.maxDelay
	}
	half := delay / 2
	delay = half + rand.N(half+1)
	if retryAfter > delay {
		delay = min(retryAfter, d.maxDelay)
	}
	return delay
}

func permanent(err error) bool {
	return canonical.IsCapabilityError(err) ||
		errors.Is(err, canonical.ErrInvalidInput) ||
		errors.Is(err, capability.ErrUnknownAdapter) ||
		isProviderError(err)
}

func isProviderError(err error) bool {
	var pe *canonical.ProviderError
	return errors.As(err, &pe)
}

func (d *Dispatcher) claimLane(lane string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.running[lane]; busy {
		return false
	}
	d.running[lane] = struct{}{}
	return true
}

func (d *Dispatcher) releaseLane(lane string) {
	d.mu.Lock()
	delete(d.running, lane)
	d.mu.Unlock()
}

func (d *Dispatcher) enqueueTask(taskID string) {
	if taskID == "" {
		return
	}
	select {
	case <-d.closed:
		return
	default:
	}
	d.mu.Lock()
	if _, exists := d.queued[taskID]; exists {
		d.mu.Unlock()
		return
	}
	d.queued[taskID] = struct{}{}
	d.mu.Unlock()
	metrics.QueueDepth.WithLabelValues("tasks").Set(float64(d.tasks.Depth()))
	if d.tasks.TryEnqueue(taskID) {
		return
	}
	go func() {
		if !d.tasks.Enqueue(d.queueCtx, taskID) {
			d.mu.Lock()
			delete(d.queued, taskID)
			d.mu.Unlock()
		}
	}()
}

func (d *Dispatcher) scheduleRetry(taskID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-d.closed:
			return
		default:
			d.enqueueTask(taskID)
		}
	})
}

func (d *Dispatcher) worker() {
	for {
		taskID, ok := d.tasks.Dequeue(d.queueCtx)
		if !ok {
			return
		}
		d.mu.Lock()
		delete(d.queued, taskID)
		d.mu.Unlock()
		d.ProcessTask(d.queueCtx, taskID)
	}
}
