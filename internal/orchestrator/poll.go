package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/disputesync/internal/adapter"
	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/webhook"
)

// ErrPollInProgress is returned when a poll of the same connection is
// already running.
var ErrPollInProgress = errors.New("poll already in progress")

type PollResult struct {
	ConnectionID string `json:"connectionId"`
	Records      int    `json:"records"`
	Changed      int    `json:"changed"`
	Accepted     int    `json:"accepted"`
}

// PollOnce reads records changed since the connection's cursor and feeds
// the ones whose content hash moved through the ingest path. The cursor
// only advances after every changed record was persisted.
func (e *Engine) PollOnce(ctx context.Context, connectionID string) (PollResult, error) {
	result := PollResult{ConnectionID: connectionID}
	if e.reader == nil {
		return result, fmt.Errorf("%w: polling is not configured", canonical.ErrInvalidInput)
	}
	if !e.beginPoll(connectionID) {
		return result, ErrPollInProgress
	}
	defer e.endPoll(connectionID)

	conn, err := e.store.GetConnection(ctx, connectionID)
	if err != nil {
		return result, err
	}
	if conn.Status == canonical.ConnectionUnauthenticated {
		return result, &canonical.AuthError{ConnectionID: connectionID, Message: "connection awaits re-authorization"}
	}
	since, err := e.store.PollCursor(ctx, connectionID)
	if err != nil {
		return result, err
	}
	started := e.now().UTC()

	records, err := e.reader.ReadChanges(ctx, conn, since)
	if canonical.IsAuthError(err) && e.credentials != nil {
		if _, refreshErr := e.credentials.ForceRefresh(ctx, connectionID); refreshErr == nil {
			records, err = e.reader.ReadChanges(ctx, conn, since)
		}
		if canonical.IsAuthError(err) {
			if markErr := e.credentials.MarkUnauthenticated(ctx, connectionID, err); markErr != nil {
				e.logger.Error().Str(log.FieldConnectionID, connectionID).Err(markErr).Msg("mark connection unauthenticated")
			}
		}
	}
	if err != nil {
		return result, err
	}
	result.Records = len(records)

	for _, rec := range records {
		previous, err := e.store.RecordHash(ctx, connectionID, rec.ID)
		if err != nil {
			return result, err
		}
		if previous == rec.Hash {
			continue
		}
		result.Changed++
		accepted, err := e.acceptRecord(ctx, conn, rec, started)
		if err != nil {
			return result, err
		}
		if accepted {
			result.Accepted++
		}
		if err := e.store.SetRecordHash(ctx, connectionID, rec.ID, rec.Hash); err != nil {
			return result, err
		}
	}
	if err := e.store.SetPollCursor(ctx, connectionID, started); err != nil {
		return result, err
	}
	e.logger.Debug().
		Str(log.FieldEvent, "poll.completed").
		Str(log.FieldConnectionID, connectionID).
		Int("records", result.Records).
		Int("changed", result.Changed).
		Msg("poll completed")
	return result, nil
}

func (e *Engine) acceptRecord(ctx context.Context, conn canonical.Connection, rec adapter.Record, at time.Time) (bool, error) {
	res, err := e.ingestor.Accept(ctx, conn, webhook.Delivery{
		EventID:           "poll:" + rec.ID + ":" + shortHash(rec.Hash),
		ProviderEventType: "poll." + string(rec.EventType),
		EventType:         rec.EventType,
		OccurredAt:        at,
		Document:          rec.Document,
		Raw:               rec.Raw,
	})
	if err != nil {
		return false, err
	}
	return res.Outcome == webhook.OutcomeAccepted, nil
}

// PollAll polls every connection whose adapter declares a poll endpoint.
// Failures are logged per connection and do not stop the pass.
func (e *Engine) PollAll(ctx context.Context) []PollResult {
	conns, err := e.store.ListConnections(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("list connections for polling")
		return nil
	}
	var results []PollResult
	for _, conn := range conns {
		if ctx.Err() != nil {
			break
		}
		if e.registry != nil {
			desc, ok := e.registry.Descriptor(conn.AdapterKind)
			if !ok || desc.Poll == nil {
				continue
			}
		}
		res, err := e.PollOnce(ctx, conn.ConnectionID)
		if err != nil {
			if !errors.Is(err, ErrPollInProgress) && ctx.Err() == nil {
				e.logger.Warn().Str(log.FieldConnectionID, conn.ConnectionID).Err(err).Msg("poll failed")
			}
			continue
		}
		results = append(results, res)
	}
	return results
}

func (e *Engine) beginPoll(connectionID string) bool {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	if _, busy := e.polling[connectionID]; busy {
		return false
	}
	e.polling[connectionID] = struct{}{}
	return true
}

func (e *Engine) endPoll(connectionID string) {
	e.pollMu.Lock()
	delete(e.polling, connectionID)
	e.pollMu.Unlock()
}

func shortHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
