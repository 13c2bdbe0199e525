package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/casefsm"
	"github.com/agentworkforce/disputesync/internal/log"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// TransitionMessage is one frame of the case transition stream.
type TransitionMessage struct {
	CaseID            string               `json:"caseId"`
	ExternalDisputeID string               `json:"externalDisputeId"`
	FromStatus        canonical.CaseStatus `json:"fromStatus,omitempty"`
	ToStatus          canonical.CaseStatus `json:"toStatus"`
	Actor             string               `json:"actor"`
	Reason            string               `json:"reason"`
	At                time.Time            `json:"at"`
}

// handleCaseStream pushes committed case transitions over a WebSocket. A
// subscriber that falls behind loses frames rather than stalling commits.
func (s *Server) handleCaseStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	logger := log.FromContext(r.Context(), "httpapi")

	frames := make(chan TransitionMessage, streamBuffer)
	unsubscribe := s.engine.OnCaseTransition(func(_ context.Context, t casefsm.Transition) {
		msg := TransitionMessage{
			CaseID:            t.Case.CaseID,
			ExternalDisputeID: t.Case.ExternalDisputeID,
			FromStatus:        t.Event.FromStatus,
			ToStatus:          t.Event.ToStatus,
			Actor:             t.Event.Actor,
			Reason:            t.Event.Reason,
			At:                t.Event.CreatedAt,
		}
		select {
		case frames <- msg:
		default:
			logger.Warn().Str(log.FieldCaseID, msg.CaseID).Msg("stream subscriber behind; frame dropped")
		}
	})
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg := <-frames:
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
