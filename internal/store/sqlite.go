package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

// SQLite implements Store on a local SQLite database. Case bodies are kept
// as JSON next to the columns the engine queries on.
type SQLite struct {
	db *sqlx.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at path, enables WAL mode and
// runs pending migrations. ":memory:" gives a private in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases whole.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) runMigrations() error {
	currentVersion := 0
	var tableCount int
	err := s.db.Get(&tableCount, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

type connectionRow struct {
	ConnectionID    string `db:"connection_id"`
	AdapterKind     string `db:"adapter_kind"`
	BaseURL         string `db:"base_url"`
	PropertyID      string `db:"property_id"`
	PropertyCountry string `db:"property_country"`
	Capabilities    string `db:"capabilities"`
	RateLimit       string `db:"rate_limit"`
	Status          string `db:"status"`
	CreatedAt       string `db:"created_at"`
	UpdatedAt       string `db:"updated_at"`
}

func (r connectionRow) toConnection() (canonical.Connection, error) {
	conn := canonical.Connection{
		ConnectionID:    r.ConnectionID,
		AdapterKind:     r.AdapterKind,
		BaseURL:         r.BaseURL,
		PropertyID:      r.PropertyID,
		PropertyCountry: r.PropertyCountry,
		Status:          canonical.ConnectionStatus(r.Status),
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
	if r.Capabilities != "" {
		if err := json.Unmarshal([]byte(r.Capabilities), &conn.Capabilities); err != nil {
			return conn, fmt.Errorf("unmarshaling capabilities for %s: %w", r.ConnectionID, err)
		}
	}
	if err := json.Unmarshal([]byte(r.RateLimit), &conn.RateLimit); err != nil {
		return conn, fmt.Errorf("unmarshaling rate limit for %s: %w", r.ConnectionID, err)
	}
	return conn, nil
}

func (s *SQLite) PutConnection(ctx context.Context, conn canonical.Connection) error {
	if strings.TrimSpace(conn.ConnectionID) == "" {
		return fmt.Errorf("%w: connection id is required", canonical.ErrInvalidInput)
	}
	capabilities := ""
	if conn.Capabilities != nil {
		data, err := json.Marshal(conn.Capabilities)
		if err != nil {
			return err
		}
		capabilities = string(data)
	}
	rateLimit, err := json.Marshal(conn.RateLimit)
	if err != nil {
		return err
	}
	if conn.Status == "" {
		conn.Status = canonical.ConnectionActive
	}
	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (
			connection_id, adapter_kind, base_url, property_id, property_country,
			capabilities, rate_limit, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			adapter_kind = excluded.adapter_kind,
			base_url = excluded.base_url,
			property_id = excluded.property_id,
			property_country = excluded.property_country,
			capabilities = excluded.capabilities,
			rate_limit = excluded.rate_limit,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		conn.ConnectionID, conn.AdapterKind, conn.BaseURL, conn.PropertyID, conn.PropertyCountry,
		capabilities, string(rateLimit), string(conn.Status), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting connection %s: %w", conn.ConnectionID, err)
	}
	return nil
}

func (s *SQLite) GetConnection(ctx context.Context, connectionID string) (canonical.Connection, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM connections WHERE connection_id = ?", connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return canonical.Connection{}, fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
	}
	if err != nil {
		return canonical.Connection{}, fmt.Errorf("getting connection %s: %w", connectionID, err)
	}
	return row.toConnection()
}

func (s *SQLite) ListConnections(ctx context.Context) ([]canonical.Connection, error) {
	var rows []connectionRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM connections ORDER BY connection_id"); err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	out := make([]canonical.Connection, 0, len(rows))
	for _, row := range rows {
		conn, err := row.toConnection()
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

func (s *SQLite) SetConnectionStatus(ctx context.Context, connectionID string, status canonical.ConnectionStatus) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE connections SET status = ?, updated_at = ? WHERE connection_id = ?",
		string(status), formatTime(time.Now()), connectionID,
	)
	if err != nil {
		return fmt.Errorf("setting status of %s: %w", connectionID, err)
	}
	return requireRow(result, "connection", connectionID)
}

func (s *SQLite) DeleteConnection(ctx context.Context, connectionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM connections WHERE connection_id = ?", connectionID)
	if err != nil {
		return fmt.Errorf("deleting connection %s: %w", connectionID, err)
	}
	if err := requireRow(result, "connection", connectionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM record_hashes WHERE connection_id = ?", connectionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM poll_cursors WHERE connection_id = ?", connectionID); err != nil {
		return err
	}
	return tx.Commit()
}

type syncEventRow struct {
	Seq                int64  `db:"seq"`
	SourceConnectionID string `db:"source_connection_id"`
	EventID            string `db:"event_id"`
	EventType          string `db:"event_type"`
	ProviderEventType  string `db:"provider_event_type"`
	AdapterKind        string `db:"adapter_kind"`
	OccurredAt         string `db:"occurred_at"`
	CanonicalPayload   string `db:"canonical_payload"`
	RawPayload         string `db:"raw_payload"`
	PartitionKey       string `db:"partition_key"`
	Status             string `db:"status"`
	Error              string `db:"error"`
	Attempts           int    `db:"attempts"`
	ReceivedAt         string `db:"received_at"`
	ProcessedAt        string `db:"processed_at"`
}

func (r syncEventRow) toEvent() (canonical.SyncEvent, error) {
	ev := canonical.SyncEvent{
		Seq:                r.Seq,
		EventID:            r.EventID,
		EventType:          canonical.EventType(r.EventType),
		ProviderEventType:  r.ProviderEventType,
		SourceConnectionID: r.SourceConnectionID,
		AdapterKind:        r.AdapterKind,
		OccurredAt:         parseTime(r.OccurredAt),
		RawPayload:         json.RawMessage(r.RawPayload),
		PartitionKey:       r.PartitionKey,
		Status:             canonical.SyncEventStatus(r.Status),
		Error:              r.Error,
		Attempts:           r.Attempts,
		ReceivedAt:         parseTime(r.ReceivedAt),
	}
	if r.ProcessedAt != "" {
		at := parseTime(r.ProcessedAt)
		ev.ProcessedAt = &at
	}
	if err := json.Unmarshal([]byte(r.CanonicalPayload), &ev.Canonical); err != nil {
		return ev, fmt.Errorf("unmarshaling canonical payload of %s: %w", r.EventID, err)
	}
	if ev.Canonical.Folio == nil {
		ev.Canonical.Folio = []canonical.FolioLine{}
	}
	return ev, nil
}

func (s *SQLite) InsertSyncEvent(ctx context.Context, ev *canonical.SyncEvent) (bool, error) {
	if ev == nil || ev.EventID == "" || ev.SourceConnectionID == "" {
		return false, fmt.Errorf("%w: sync event needs an id and a source connection", canonical.ErrInvalidInput)
	}
	if ev.Status == "" {
		ev.Status = canonical.SyncEventPending
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev.Canonical)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_events (
			source_connection_id, event_id, event_type, provider_event_type, adapter_kind,
			occurred_at, canonical_payload, raw_payload, partition_key,
			status, error, attempts, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_connection_id, event_id) DO NOTHING`,
		ev.SourceConnectionID, ev.EventID, string(ev.EventType), ev.ProviderEventType, ev.AdapterKind,
		formatTime(ev.OccurredAt), string(payload), string(ev.RawPayload), ev.PartitionKey,
		string(ev.Status), ev.Error, ev.Attempts, formatTime(ev.ReceivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting sync event %s: %w", ev.EventID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return false, err
	}
	ev.Seq = seq
	return true, nil
}

func (s *SQLite) GetSyncEvent(ctx context.Context, key string) (canonical.SyncEvent, error) {
	connectionID, eventID, ok := strings.Cut(key, "|")
	if !ok {
		return canonical.SyncEvent{}, fmt.Errorf("%w: sync event key %q", canonical.ErrInvalidInput, key)
	}
	var row syncEventRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM sync_events WHERE source_connection_id = ? AND event_id = ?", connectionID, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return canonical.SyncEvent{}, fmt.Errorf("%w: sync event %s", ErrNotFound, key)
	}
	if err != nil {
		return canonical.SyncEvent{}, fmt.Errorf("getting sync event %s: %w", key, err)
	}
	return row.toEvent()
}

func (s *SQLite) MarkSyncEvent(ctx context.Context, key string, status canonical.SyncEventStatus, errMsg string) error {
	connectionID, eventID, ok := strings.Cut(key, "|")
	if !ok {
		return fmt.Errorf("%w: sync event key %q", canonical.ErrInvalidInput, key)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_events
		SET status = ?, error = ?, attempts = attempts + 1, processed_at = ?
		WHERE source_connection_id = ? AND event_id = ?`,
		string(status), errMsg, formatTime(time.Now()), connectionID, eventID,
	)
	if err != nil {
		return fmt.Errorf("marking sync event %s: %w", key, err)
	}
	return requireRow(result, "sync event", key)
}

func (s *SQLite) ListSyncEvents(ctx context.Context, status canonical.SyncEventStatus, limit int) ([]canonical.SyncEvent, error) {
	query := "SELECT * FROM sync_events"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var rows []syncEventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing sync events: %w", err)
	}
	out := make([]canonical.SyncEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *SQLite) PendingBefore(ctx context.Context, partitionKey string, seq int64) ([]canonical.SyncEvent, error) {
	var rows []syncEventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM sync_events
		WHERE partition_key = ? AND seq < ? AND status = ?
		ORDER BY seq ASC`,
		partitionKey, seq, string(canonical.SyncEventPending),
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending events of %s: %w", partitionKey, err)
	}
	out := make([]canonical.SyncEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

type caseRow struct {
	CaseID  string `db:"case_id"`
	Version int64  `db:"version"`
	Body    string `db:"body"`
}

func (r caseRow) toCase() (canonical.Case, error) {
	var c canonical.Case
	if err := json.Unmarshal([]byte(r.Body), &c); err != nil {
		return c, fmt.Errorf("unmarshaling case %s: %w", r.CaseID, err)
	}
	c.Version = r.Version
	c.Timeline = nil
	if c.EvidenceRefs == nil {
		c.EvidenceRefs = []canonical.EvidenceRef{}
	}
	return c, nil
}

func caseBody(c canonical.Case) (string, error) {
	c.Timeline = nil
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshaling case %s: %w", c.CaseID, err)
	}
	return string(data), nil
}

func (s *SQLite) CreateCase(ctx context.Context, c canonical.Case, timeline []canonical.TimelineEvent) error {
	if c.CaseID == "" {
		return fmt.Errorf("%w: case id is required", canonical.ErrInvalidInput)
	}
	c.Version = 1
	body, err := caseBody(c)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cases (
			case_id, connection_id, external_dispute_id, status, reservation_ref, guest_ref,
			version, body, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CaseID, c.ConnectionID, c.ExternalDisputeID, string(c.Status), c.ReservationRef, c.GuestRef,
		c.Version, body, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: case for dispute %s on %s", ErrConflict, c.ExternalDisputeID, c.ConnectionID)
		}
		return fmt.Errorf("creating case %s: %w", c.CaseID, err)
	}
	if err := insertTimeline(ctx, tx, timeline); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) GetCase(ctx context.Context, caseID string) (canonical.Case, error) {
	var row caseRow
	err := s.db.GetContext(ctx, &row, "SELECT case_id, version, body FROM cases WHERE case_id = ?", caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return canonical.Case{}, fmt.Errorf("%w: case %s", ErrNotFound, caseID)
	}
	if err != nil {
		return canonical.Case{}, fmt.Errorf("getting case %s: %w", caseID, err)
	}
	return row.toCase()
}

func (s *SQLite) FindCase(ctx context.Context, connectionID, externalDisputeID string) (canonical.Case, error) {
	var row caseRow
	err := s.db.GetContext(ctx, &row,
		"SELECT case_id, version, body FROM cases WHERE connection_id = ? AND external_dispute_id = ?",
		connectionID, externalDisputeID)
	if errors.Is(err, sql.ErrNoRows) {
		return canonical.Case{}, fmt.Errorf("%w: dispute %s on %s", ErrNotFound, externalDisputeID, connectionID)
	}
	if err != nil {
		return canonical.Case{}, fmt.Errorf("finding case: %w", err)
	}
	return row.toCase()
}

func (s *SQLite) selectCases(ctx context.Context, where string, args ...any) ([]canonical.Case, error) {
	query := "SELECT case_id, version, body FROM cases"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at ASC, case_id ASC"
	var rows []caseRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}
	out := make([]canonical.Case, 0, len(rows))
	for _, row := range rows {
		c, err := row.toCase()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *SQLite) ListCasesByStatus(ctx context.Context, status canonical.CaseStatus) ([]canonical.Case, error) {
	if status == "" {
		return s.selectCases(ctx, "")
	}
	return s.selectCases(ctx, "status = ?", string(status))
}

func (s *SQLite) ListOpenCasesByReservation(ctx context.Context, reservationRef string) ([]canonical.Case, error) {
	if strings.TrimSpace(reservationRef) == "" {
		return []canonical.Case{}, nil
	}
	return s.selectCases(ctx, "reservation_ref = ? AND status IN (?, ?, ?)",
		reservationRef,
		string(canonical.StatusPending), string(canonical.StatusInReview), string(canonical.StatusSubmitted),
	)
}

func (s *SQLite) CountCasesByGuest(ctx context.Context, guestRef, excludeCaseID string) (int, error) {
	if strings.TrimSpace(guestRef) == "" {
		return 0, nil
	}
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM cases WHERE guest_ref = ? AND case_id <> ?", guestRef, excludeCaseID)
	if err != nil {
		return 0, fmt.Errorf("counting cases for guest: %w", err)
	}
	return n, nil
}

func (s *SQLite) UpdateCase(ctx context.Context, c canonical.Case, expectedVersion int64, timeline []canonical.TimelineEvent) error {
	stored, err := s.GetCase(ctx, c.CaseID)
	if err != nil {
		return err
	}
	c.ConnectionID = stored.ConnectionID
	c.ExternalDisputeID = stored.ExternalDisputeID
	c.CreatedAt = stored.CreatedAt
	c.Version = expectedVersion + 1
	body, err := caseBody(c)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE cases
		SET status = ?, reservation_ref = ?, guest_ref = ?, version = ?, body = ?, updated_at = ?
		WHERE case_id = ? AND version = ?`,
		string(c.Status), c.ReservationRef, c.GuestRef, c.Version, body, formatTime(c.UpdatedAt),
		c.CaseID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating case %s: %w", c.CaseID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: case %s, expected version %d", ErrVersionConflict, c.CaseID, expectedVersion)
	}
	if err := insertTimeline(ctx, tx, timeline); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTimeline(ctx context.Context, tx *sqlx.Tx, timeline []canonical.TimelineEvent) error {
	for _, ev := range timeline {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO timeline_events (
				id, case_id, kind, from_status, to_status, actor, reason, source_event_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.CaseID, string(ev.Kind), string(ev.FromStatus), string(ev.ToStatus),
			ev.Actor, ev.Reason, ev.SourceEventID, formatTime(ev.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("appending timeline event %d: %w", ev.ID, err)
		}
	}
	return nil
}

type timelineRow struct {
	ID            int64  `db:"id"`
	CaseID        string `db:"case_id"`
	Kind          string `db:"kind"`
	FromStatus    string `db:"from_status"`
	ToStatus      string `db:"to_status"`
	Actor         string `db:"actor"`
	Reason        string `db:"reason"`
	SourceEventID string `db:"source_event_id"`
	CreatedAt     string `db:"created_at"`
}

func (s *SQLite) Timeline(ctx context.Context, caseID string) ([]canonical.TimelineEvent, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	var rows []timelineRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM timeline_events WHERE case_id = ? ORDER BY id ASC", caseID); err != nil {
		return nil, fmt.Errorf("reading timeline of %s: %w", caseID, err)
	}
	out := make([]canonical.TimelineEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, canonical.TimelineEvent{
			ID:            row.ID,
			CaseID:        row.CaseID,
			Kind:          canonical.TimelineKind(row.Kind),
			FromStatus:    canonical.CaseStatus(row.FromStatus),
			ToStatus:      canonical.CaseStatus(row.ToStatus),
			Actor:         row.Actor,
			Reason:        row.Reason,
			SourceEventID: row.SourceEventID,
			CreatedAt:     parseTime(row.CreatedAt),
		})
	}
	return out, nil
}

type taskRow struct {
	TaskID             string `db:"task_id"`
	Seq                int64  `db:"seq"`
	CaseID             string `db:"case_id"`
	TargetConnectionID string `db:"target_connection_id"`
	Action             string `db:"action"`
	Payload            string `db:"payload"`
	Attempt            int    `db:"attempt"`
	NextAttemptAt      string `db:"next_attempt_at"`
	Status             string `db:"status"`
	LastError          string `db:"last_error"`
	CreatedAt          string `db:"created_at"`
	UpdatedAt          string `db:"updated_at"`
}

func (r taskRow) toTask() (canonical.OutboundTask, error) {
	task := canonical.OutboundTask{
		TaskID:             r.TaskID,
		Seq:                r.Seq,
		CaseID:             r.CaseID,
		TargetConnectionID: r.TargetConnectionID,
		Action:             canonical.Action(r.Action),
		Attempt:            r.Attempt,
		Status:             canonical.TaskStatus(r.Status),
		LastError:          r.LastError,
		CreatedAt:          parseTime(r.CreatedAt),
		UpdatedAt:          parseTime(r.UpdatedAt),
	}
	if r.NextAttemptAt != "" {
		at := parseTime(r.NextAttemptAt)
		task.NextAttemptAt = &at
	}
	if err := json.Unmarshal([]byte(r.Payload), &task.Payload); err != nil {
		return task, fmt.Errorf("unmarshaling payload of task %s: %w", r.TaskID, err)
	}
	return task, nil
}

func (s *SQLite) InsertTasks(ctx context.Context, tasks ...canonical.OutboundTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO outbound_tasks (
			task_id, seq, case_id, target_connection_id, action, payload,
			attempt, next_attempt_at, status, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing task insert: %w", err)
	}
	defer stmt.Close()

	for _, task := range tasks {
		if task.TaskID == "" {
			return fmt.Errorf("%w: task id is required", canonical.ErrInvalidInput)
		}
		payload, err := json.Marshal(task.Payload)
		if err != nil {
			return fmt.Errorf("marshaling payload of task %s: %w", task.TaskID, err)
		}
		_, err = stmt.ExecContext(ctx,
			task.TaskID, task.Seq, task.CaseID, task.TargetConnectionID, string(task.Action), string(payload),
			task.Attempt, formatTimePtr(task.NextAttemptAt), string(task.Status), task.LastError,
			formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: task %s", ErrConflict, task.TaskID)
			}
			return fmt.Errorf("inserting task %s: %w", task.TaskID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) GetTask(ctx context.Context, taskID string) (canonical.OutboundTask, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM outbound_tasks WHERE task_id = ?", taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return canonical.OutboundTask{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return canonical.OutboundTask{}, fmt.Errorf("getting task %s: %w", taskID, err)
	}
	return row.toTask()
}

func (s *SQLite) UpdateTask(ctx context.Context, task canonical.OutboundTask) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbound_tasks
		SET attempt = ?, next_attempt_at = ?, status = ?, last_error = ?, updated_at = ?
		WHERE task_id = ?`,
		task.Attempt, formatTimePtr(task.NextAttemptAt), string(task.Status), task.LastError,
		formatTime(task.UpdatedAt), task.TaskID,
	)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", task.TaskID, err)
	}
	return requireRow(result, "task", task.TaskID)
}

func (s *SQLite) LaneHead(ctx context.Context, caseID, connectionID string) (canonical.OutboundTask, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM outbound_tasks
		WHERE case_id = ? AND target_connection_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY seq ASC
		LIMIT 1`,
		caseID, connectionID,
		string(canonical.TaskSucceeded), string(canonical.TaskDead), string(canonical.TaskCancelled),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return canonical.OutboundTask{}, fmt.Errorf("%w: no open task for %s on %s", ErrNotFound, caseID, connectionID)
	}
	if err != nil {
		return canonical.OutboundTask{}, fmt.Errorf("reading lane head: %w", err)
	}
	return row.toTask()
}

func (s *SQLite) ListTasks(ctx context.Context, filter TaskFilter) ([]canonical.OutboundTask, error) {
	var conditions []string
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ConnectionID != "" {
		conditions = append(conditions, "target_connection_id = ?")
		args = append(args, filter.ConnectionID)
	}
	if filter.CaseID != "" {
		conditions = append(conditions, "case_id = ?")
		args = append(args, filter.CaseID)
	}
	query := "SELECT * FROM outbound_tasks"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	out := make([]canonical.OutboundTask, 0, len(rows))
	for _, row := range rows {
		task, err := row.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

type alertRow struct {
	AlertID      string `db:"alert_id"`
	Level        string `db:"level"`
	CaseID       string `db:"case_id"`
	ConnectionID string `db:"connection_id"`
	TaskID       string `db:"task_id"`
	Message      string `db:"message"`
	CreatedAt    string `db:"created_at"`
}

func (s *SQLite) InsertAlert(ctx context.Context, alert canonical.Alert) error {
	if alert.AlertID == "" {
		return fmt.Errorf("%w: alert id is required", canonical.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, level, case_id, connection_id, task_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.AlertID, string(alert.Level), alert.CaseID, alert.ConnectionID, alert.TaskID,
		alert.Message, formatTime(alert.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

func (s *SQLite) ListAlerts(ctx context.Context, filter AlertFilter) ([]canonical.Alert, error) {
	var conditions []string
	var args []any
	if filter.CaseID != "" {
		conditions = append(conditions, "case_id = ?")
		args = append(args, filter.CaseID)
	}
	if filter.ConnectionID != "" {
		conditions = append(conditions, "connection_id = ?")
		args = append(args, filter.ConnectionID)
	}
	query := "SELECT * FROM alerts"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	out := make([]canonical.Alert, 0, len(rows))
	for _, row := range rows {
		out = append(out, canonical.Alert{
			AlertID:      row.AlertID,
			Level:        canonical.AlertLevel(row.Level),
			CaseID:       row.CaseID,
			ConnectionID: row.ConnectionID,
			TaskID:       row.TaskID,
			Message:      row.Message,
			CreatedAt:    parseTime(row.CreatedAt),
		})
	}
	return out, nil
}

func (s *SQLite) RecordHash(ctx context.Context, connectionID, recordID string) (string, error) {
	var hash string
	err := s.db.GetContext(ctx, &hash,
		"SELECT hash FROM record_hashes WHERE connection_id = ? AND record_id = ?", connectionID, recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (s *SQLite) SetRecordHash(ctx context.Context, connectionID, recordID, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO record_hashes (connection_id, record_id, hash) VALUES (?, ?, ?)
		ON CONFLICT(connection_id, record_id) DO UPDATE SET hash = excluded.hash`,
		connectionID, recordID, hash)
	return err
}

func (s *SQLite) PollCursor(ctx context.Context, connectionID string) (time.Time, error) {
	var cursor string
	err := s.db.GetContext(ctx, &cursor, "SELECT cursor FROM poll_cursors WHERE connection_id = ?", connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(cursor), nil
}

func (s *SQLite) SetPollCursor(ctx context.Context, connectionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_cursors (connection_id, cursor) VALUES (?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET cursor = excluded.cursor`,
		connectionID, formatTime(at))
	return err
}

func requireRow(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
