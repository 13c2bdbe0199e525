// Package store persists connections, sync events, cases, timelines,
// outbound tasks and alerts. Every write that the engine relies on for
// recovery goes through here before any acknowledgement leaves the process.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

var (
	ErrNotFound        = canonical.ErrNotFound
	ErrInvalidInput    = canonical.ErrInvalidInput
	ErrConflict        = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrNotImplemented  = errors.New("not implemented")
)

// TaskFilter selects outbound tasks. Zero fields match everything.
type TaskFilter struct {
	Status       canonical.TaskStatus
	ConnectionID string
	CaseID       string
	Limit        int
}

// AlertFilter selects operator alerts, newest first.
type AlertFilter struct {
	CaseID       string
	ConnectionID string
	Limit        int
}

type Store interface {
	PutConnection(ctx context.Context, conn canonical.Connection) error
	GetConnection(ctx context.Context, connectionID string) (canonical.Connection, error)
	ListConnections(ctx context.Context) ([]canonical.Connection, error)
	SetConnectionStatus(ctx context.Context, connectionID string, status canonical.ConnectionStatus) error
	DeleteConnection(ctx context.Context, connectionID string) error

	// InsertSyncEvent persists ev and assigns its Seq. It reports false,
	// without error, when (SourceConnectionID, EventID) is already stored.
	InsertSyncEvent(ctx context.Context, ev *canonical.SyncEvent) (bool, error)
	GetSyncEvent(ctx context.Context, key string) (canonical.SyncEvent, error)
	// MarkSyncEvent records a processing outcome and bumps Attempts.
	MarkSyncEvent(ctx context.Context, key string, status canonical.SyncEventStatus, errMsg string) error
	// ListSyncEvents returns events in persisted order. An empty status
	// matches all.
	ListSyncEvents(ctx context.Context, status canonical.SyncEventStatus, limit int) ([]canonical.SyncEvent, error)
	// PendingBefore returns the pending events of a partition persisted
	// before seq, oldest first.
	PendingBefore(ctx context.Context, partitionKey string, seq int64) ([]canonical.SyncEvent, error)

	// CreateCase stores c together with its first timeline entries.
	// ErrConflict means the (connection, external dispute id) pair exists.
	CreateCase(ctx context.Context, c canonical.Case, timeline []canonical.TimelineEvent) error
	GetCase(ctx context.Context, caseID string) (canonical.Case, error)
	FindCase(ctx context.Context, connectionID, externalDisputeID string) (canonical.Case, error)
	ListCasesByStatus(ctx context.Context, status canonical.CaseStatus) ([]canonical.Case, error)
	// ListOpenCasesByReservation returns non-terminal cases for a reservation.
	ListOpenCasesByReservation(ctx context.Context, reservationRef string) ([]canonical.Case, error)
	// CountCasesByGuest counts cases for guestRef other than excludeCaseID.
	CountCasesByGuest(ctx context.Context, guestRef, excludeCaseID string) (int, error)
	// UpdateCase writes c and appends timeline atomically when the stored
	// version equals expectedVersion. The stored version becomes
	// expectedVersion+1.
	UpdateCase(ctx context.Context, c canonical.Case, expectedVersion int64, timeline []canonical.TimelineEvent) error
	Timeline(ctx context.Context, caseID string) ([]canonical.TimelineEvent, error)

	InsertTasks(ctx context.Context, tasks ...canonical.OutboundTask) error
	GetTask(ctx context.Context, taskID string) (canonical.OutboundTask, error)
	UpdateTask(ctx context.Context, task canonical.OutboundTask) error
	// LaneHead returns the lowest-Seq task of the lane that is not final.
	LaneHead(ctx context.Context, caseID, connectionID string) (canonical.OutboundTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]canonical.OutboundTask, error)

	InsertAlert(ctx context.Context, alert canonical.Alert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]canonical.Alert, error)

	RecordHash(ctx context.Context, connectionID, recordID string) (string, error)
	SetRecordHash(ctx context.Context, connectionID, recordID, hash string) error
	PollCursor(ctx context.Context, connectionID string) (time.Time, error)
	SetPollCursor(ctx context.Context, connectionID string, at time.Time) error

	Close() error
}
