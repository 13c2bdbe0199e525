package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

// Memory is a process-local Store. Values are copied on the way in and out
// so callers never share mutable state with it.
type Memory struct {
	mu          sync.RWMutex
	connections map[string]canonical.Connection
	events      map[string]canonical.SyncEvent
	eventSeq    int64
	cases       map[string]canonical.Case
	caseByExt   map[string]string
	timelines   map[string][]canonical.TimelineEvent
	tasks       map[string]canonical.OutboundTask
	alerts      []canonical.Alert
	hashes      map[string]string
	cursors     map[string]time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		connections: map[string]canonical.Connection{},
		events:      map[string]canonical.SyncEvent{},
		cases:       map[string]canonical.Case{},
		caseByExt:   map[string]string{},
		timelines:   map[string][]canonical.TimelineEvent{},
		tasks:       map[string]canonical.OutboundTask{},
		hashes:      map[string]string{},
		cursors:     map[string]time.Time{},
	}
}

func (m *Memory) PutConnection(_ context.Context, conn canonical.Connection) error {
	if strings.TrimSpace(conn.ConnectionID) == "" {
		return fmt.Errorf("%w: connection id is required", canonical.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.connections[conn.ConnectionID]; ok {
		conn.CreatedAt = existing.CreatedAt
	} else if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	if conn.Status == "" {
		conn.Status = canonical.ConnectionActive
	}
	conn.UpdatedAt = now
	m.connections[conn.ConnectionID] = cloneConnection(conn)
	return nil
}

func (m *Memory) GetConnection(_ context.Context, connectionID string) (canonical.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[connectionID]
	if !ok {
		return canonical.Connection{}, fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
	}
	return cloneConnection(conn), nil
}

func (m *Memory) ListConnections(context.Context) ([]canonical.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]canonical.Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		out = append(out, cloneConnection(conn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}

func (m *Memory) SetConnectionStatus(_ context.Context, connectionID string, status canonical.ConnectionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[connectionID]
	if !ok {
		return fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
	}
	conn.Status = status
	conn.UpdatedAt = time.Now().UTC()
	m.connections[connectionID] = conn
	return nil
}

func (m *Memory) DeleteConnection(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[connectionID]; !ok {
		return fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
	}
	delete(m.connections, connectionID)
	delete(m.cursors, connectionID)
	prefix := connectionID + "|"
	for key := range m.hashes {
		if strings.HasPrefix(key, prefix) {
			delete(m.hashes, key)
		}
	}
	return nil
}

func (m *Memory) InsertSyncEvent(_ context.Context, ev *canonical.SyncEvent) (bool, error) {
	if ev == nil || ev.EventID == "" || ev.SourceConnectionID == "" {
		return false, fmt.Errorf("%w: sync event needs an id and a source connection", canonical.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ev.Key()
	if _, exists := m.events[key]; exists {
		return false, nil
	}
	m.eventSeq++
	ev.Seq = m.eventSeq
	if ev.Status == "" {
		ev.Status = canonical.SyncEventPending
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	m.events[key] = cloneEvent(*ev)
	return true, nil
}

func (m *Memory) GetSyncEvent(_ context.Context, key string) (canonical.SyncEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[key]
	if !ok {
		return canonical.SyncEvent{}, fmt.Errorf("%w: sync event %s", ErrNotFound, key)
	}
	return cloneEvent(ev), nil
}

func (m *Memory) MarkSyncEvent(_ context.Context, key string, status canonical.SyncEventStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[key]
	if !ok {
		return fmt.Errorf("%w: sync event %s", ErrNotFound, key)
	}
	now := time.Now().UTC()
	ev.Status = status
	ev.Error = errMsg
	ev.Attempts++
	ev.ProcessedAt = &now
	m.events[key] = ev
	return nil
}

func (m *Memory) ListSyncEvents(_ context.Context, status canonical.SyncEventStatus, limit int) ([]canonical.SyncEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]canonical.SyncEvent, 0)
	for _, ev := range m.events {
		if status != "" && ev.Status != status {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PendingBefore(_ context.Context, partitionKey string, seq int64) ([]canonical.SyncEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []canonical.SyncEvent
	for _, ev := range m.events {
		if ev.PartitionKey == partitionKey && ev.Seq < seq && ev.Status == canonical.SyncEventPending {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) CreateCase(_ context.Context, c canonical.Case, timeline []canonical.TimelineEvent) error {
	if c.CaseID == "" {
		return fmt.Errorf("%w: case id is required", canonical.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	extKey := canonical.EventKey(c.ConnectionID, c.ExternalDisputeID)
	if _, exists := m.caseByExt[extKey]; exists {
		return fmt.Errorf("%w: case for dispute %s on %s", ErrConflict, c.ExternalDisputeID, c.ConnectionID)
	}
	if _, exists := m.cases[c.CaseID]; exists {
		return fmt.Errorf("%w: case %s", ErrConflict, c.CaseID)
	}
	c.Version = 1
	c.Timeline = nil
	m.cases[c.CaseID] = c.Clone()
	m.caseByExt[extKey] = c.CaseID
	m.timelines[c.CaseID] = append([]canonical.TimelineEvent(nil), timeline...)
	return nil
}

func (m *Memory) GetCase(_ context.Context, caseID string) (canonical.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[caseID]
	if !ok {
		return canonical.Case{}, fmt.Errorf("%w: case %s", ErrNotFound, caseID)
	}
	return c.Clone(), nil
}

func (m *Memory) FindCase(_ context.Context, connectionID, externalDisputeID string) (canonical.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.caseByExt[canonical.EventKey(connectionID, externalDisputeID)]
	if !ok {
		return canonical.Case{}, fmt.Errorf("%w: dispute %s on %s", ErrNotFound, externalDisputeID, connectionID)
	}
	return m.cases[id].Clone(), nil
}

func (m *Memory) ListCasesByStatus(_ context.Context, status canonical.CaseStatus) ([]canonical.Case, error) {
	return m.filterCases(func(c canonical.Case) bool { return status == "" || c.Status == status }), nil
}

func (m *Memory) ListOpenCasesByReservation(_ context.Context, reservationRef string) ([]canonical.Case, error) {
	if strings.TrimSpace(reservationRef) == "" {
		return []canonical.Case{}, nil
	}
	return m.filterCases(func(c canonical.Case) bool {
		return c.ReservationRef == reservationRef && !c.Status.IsTerminal()
	}), nil
}

func (m *Memory) CountCasesByGuest(_ context.Context, guestRef, excludeCaseID string) (int, error) {
	if strings.TrimSpace(guestRef) == "" {
		return 0, nil
	}
	return len(m.filterCases(func(c canonical.Case) bool {
		return c.GuestRef == guestRef && c.CaseID != excludeCaseID
	})), nil
}

func (m *Memory) filterCases(keep func(canonical.Case) bool) []canonical.Case {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]canonical.Case, 0)
	for _, c := range m.cases {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CaseID < out[j].CaseID
	})
	return out
}

func (m *Memory) UpdateCase(_ context.Context, c canonical.Case, expectedVersion int64, timeline []canonical.TimelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.cases[c.CaseID]
	if !ok {
		return fmt.Errorf("%w: case %s", ErrNotFound, c.CaseID)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: case %s at version %d, expected %d", ErrVersionConflict, c.CaseID, stored.Version, expectedVersion)
	}
	c.Version = expectedVersion + 1
	c.Timeline = nil
	c.ConnectionID = stored.ConnectionID
	c.ExternalDisputeID = stored.ExternalDisputeID
	c.CreatedAt = stored.CreatedAt
	m.cases[c.CaseID] = c.Clone()
	m.timelines[c.CaseID] = append(m.timelines[c.CaseID], timeline...)
	return nil
}

func (m *Memory) Timeline(_ context.Context, caseID string) ([]canonical.TimelineEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.cases[caseID]; !ok {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, caseID)
	}
	return append([]canonical.TimelineEvent{}, m.timelines[caseID]...), nil
}

func (m *Memory) InsertTasks(_ context.Context, tasks ...canonical.OutboundTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range tasks {
		if task.TaskID == "" {
			return fmt.Errorf("%w: task id is required", canonical.ErrInvalidInput)
		}
		if _, exists := m.tasks[task.TaskID]; exists {
			return fmt.Errorf("%w: task %s", ErrConflict, task.TaskID)
		}
	}
	for _, task := range tasks {
		m.tasks[task.TaskID] = cloneTask(task)
	}
	return nil
}

func (m *Memory) GetTask(_ context.Context, taskID string) (canonical.OutboundTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return canonical.OutboundTask{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return cloneTask(task), nil
}

func (m *Memory) UpdateTask(_ context.Context, task canonical.OutboundTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[task.TaskID]
	if !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, task.TaskID)
	}
	// Identity and payload are fixed at creation.
	task.Seq = stored.Seq
	task.CaseID = stored.CaseID
	task.TargetConnectionID = stored.TargetConnectionID
	task.Action = stored.Action
	task.Payload = stored.Payload
	task.CreatedAt = stored.CreatedAt
	m.tasks[task.TaskID] = cloneTask(task)
	return nil
}

func (m *Memory) LaneHead(_ context.Context, caseID, connectionID string) (canonical.OutboundTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var head *canonical.OutboundTask
	for _, task := range m.tasks {
		if task.CaseID != caseID || task.TargetConnectionID != connectionID || task.Status.IsFinal() {
			continue
		}
		if head == nil || task.Seq < head.Seq {
			t := task
			head = &t
		}
	}
	if head == nil {
		return canonical.OutboundTask{}, fmt.Errorf("%w: no open task for %s on %s", ErrNotFound, caseID, connectionID)
	}
	return cloneTask(*head), nil
}

func (m *Memory) ListTasks(_ context.Context, filter TaskFilter) ([]canonical.OutboundTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]canonical.OutboundTask, 0)
	for _, task := range m.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.ConnectionID != "" && task.TargetConnectionID != filter.ConnectionID {
			continue
		}
		if filter.CaseID != "" && task.CaseID != filter.CaseID {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) InsertAlert(_ context.Context, alert canonical.Alert) error {
	if alert.AlertID == "" {
		return fmt.Errorf("%w: alert id is required", canonical.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *Memory) ListAlerts(_ context.Context, filter AlertFilter) ([]canonical.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]canonical.Alert, 0)
	for i := len(m.alerts) - 1; i >= 0; i-- {
		alert := m.alerts[i]
		if filter.CaseID != "" && alert.CaseID != filter.CaseID {
			continue
		}
		if filter.ConnectionID != "" && alert.ConnectionID != filter.ConnectionID {
			continue
		}
		out = append(out, alert)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RecordHash(_ context.Context, connectionID, recordID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hashes[connectionID+"|"+recordID], nil
}

func (m *Memory) SetRecordHash(_ context.Context, connectionID, recordID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[connectionID+"|"+recordID] = hash
	return nil
}

func (m *Memory) PollCursor(_ context.Context, connectionID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[connectionID], nil
}

func (m *Memory) SetPollCursor(_ context.Context, connectionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[connectionID] = at.UTC()
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func cloneConnection(conn canonical.Connection) canonical.Connection {
	if conn.Capabilities != nil {
		caps := make(canonical.Capabilities, len(conn.Capabilities))
		for entity, capability := range conn.Capabilities {
			caps[entity] = capability
		}
		conn.Capabilities = caps
	}
	return conn
}

func cloneEvent(ev canonical.SyncEvent) canonical.SyncEvent {
	ev.RawPayload = append([]byte(nil), ev.RawPayload...)
	ev.Canonical.Folio = append([]canonical.FolioLine{}, ev.Canonical.Folio...)
	if ev.ProcessedAt != nil {
		at := *ev.ProcessedAt
		ev.ProcessedAt = &at
	}
	return ev
}

// cloneTask deep-copies the payload through JSON, matching what a database
// round trip would hand back.
func cloneTask(task canonical.OutboundTask) canonical.OutboundTask {
	if task.Payload != nil {
		if data, err := json.Marshal(task.Payload); err == nil {
			var payload map[string]any
			if json.Unmarshal(data, &payload) == nil {
				task.Payload = payload
			}
		}
	}
	if task.NextAttemptAt != nil {
		at := *task.NextAttemptAt
		task.NextAttemptAt = &at
	}
	return task
}
