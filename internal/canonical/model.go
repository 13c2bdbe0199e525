// Package canonical defines the provider-agnostic shapes every other part of
// the sync engine reads and writes.
package canonical

import (
	"encoding/json"
	"strings"
	"time"
)

// DateLayout is the only date representation stored in canonical payloads.
const DateLayout = "2006-01-02"

type EventType string

const (
	EventReservationCreated   EventType = "reservation.created"
	EventReservationUpdated   EventType = "reservation.updated"
	EventReservationCancelled EventType = "reservation.cancelled"
	EventGuestCheckedIn       EventType = "guest.checked_in"
	EventGuestCheckedOut      EventType = "guest.checked_out"
	EventPaymentReceived      EventType = "payment.received"
	EventPaymentRefunded      EventType = "payment.refunded"
	EventFolioUpdated         EventType = "folio.updated"
	EventDocumentUploaded     EventType = "document.uploaded"
	EventDisputeOpened        EventType = "dispute.opened"
	EventDisputeUpdated       EventType = "dispute.updated"
	EventDisputeClosed        EventType = "dispute.closed"
)

var knownEventTypes = map[EventType]struct{}{
	EventReservationCreated:   {},
	EventReservationUpdated:   {},
	EventReservationCancelled: {},
	EventGuestCheckedIn:       {},
	EventGuestCheckedOut:      {},
	EventPaymentReceived:      {},
	EventPaymentRefunded:      {},
	EventFolioUpdated:         {},
	EventDocumentUploaded:     {},
	EventDisputeOpened:        {},
	EventDisputeUpdated:       {},
	EventDisputeClosed:        {},
}

func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Entity names a kind of record an adapter can read or write.
type Entity string

const (
	EntityReservations Entity = "reservations"
	EntityGuests       Entity = "guests"
	EntityFolios       Entity = "folios"
	EntityRates        Entity = "rates"
	EntityDisputes     Entity = "disputes"
	EntityDocuments    Entity = "documents"
	EntityNotes        Entity = "notes"
	EntityFlags        Entity = "flags"
	EntityAlerts       Entity = "alerts"
	EntityOutcomes     Entity = "outcomes"
)

type Operation string

const (
	OperationRead  Operation = "read"
	OperationWrite Operation = "write"
)

type Capability struct {
	Read  bool `json:"read" yaml:"read"`
	Write bool `json:"write" yaml:"write"`
}

// Capabilities maps entities to the operations declared for them. Entities
// that are absent support nothing.
type Capabilities map[Entity]Capability

func (c Capabilities) Allows(entity Entity, op Operation) bool {
	capability, ok := c[entity]
	if !ok {
		return false
	}
	switch op {
	case OperationRead:
		return capability.Read
	case OperationWrite:
		return capability.Write
	default:
		return false
	}
}

// Narrow returns the intersection of c and other. Entities missing from
// other keep their declared support, so a connection can only ever turn
// capabilities off.
func (c Capabilities) Narrow(other Capabilities) Capabilities {
	out := make(Capabilities, len(c))
	for entity, capability := range c {
		if override, ok := other[entity]; ok {
			capability.Read = capability.Read && override.Read
			capability.Write = capability.Write && override.Write
		}
		out[entity] = capability
	}
	return out
}

type Action string

const (
	ActionPushNote    Action = "push_note"
	ActionPushFlag    Action = "push_flag"
	ActionPushAlert   Action = "push_alert"
	ActionPushOutcome Action = "push_outcome"
)

// Entity is the capability entity an action writes to.
func (a Action) Entity() Entity {
	switch a {
	case ActionPushNote:
		return EntityNotes
	case ActionPushFlag:
		return EntityFlags
	case ActionPushAlert:
		return EntityAlerts
	case ActionPushOutcome:
		return EntityOutcomes
	default:
		return ""
	}
}

func (a Action) Valid() bool {
	return a.Entity() != ""
}

type AuthScheme string

const (
	AuthAPIKey                  AuthScheme = "api_key"
	AuthOAuth2ClientCredentials AuthScheme = "oauth2_client_credentials"
	AuthOAuth2AuthCode          AuthScheme = "oauth2_auth_code"
	AuthHMACSigned              AuthScheme = "hmac_signed"
)

// RateLimitPolicy is the token bucket declared for a connection.
type RateLimitPolicy struct {
	PerMinute int  `json:"perMinute" yaml:"perMinute" mapstructure:"per_minute"`
	Burst     int  `json:"burst" yaml:"burst" mapstructure:"burst"`
	Blocking  bool `json:"blocking" yaml:"blocking" mapstructure:"blocking"`
}

type ConnectionStatus string

const (
	ConnectionActive          ConnectionStatus = "active"
	ConnectionUnauthenticated ConnectionStatus = "unauthenticated"
)

// Connection is one configured link to one external system instance. Its
// secret bundle lives in the vault under the connection id and is never
// part of this struct.
type Connection struct {
	ConnectionID    string           `json:"connectionId"`
	AdapterKind     string           `json:"adapterKind"`
	BaseURL         string           `json:"baseUrl"`
	PropertyID      string           `json:"propertyId,omitempty"`
	PropertyCountry string           `json:"propertyCountry,omitempty"`
	Capabilities    Capabilities     `json:"capabilities"`
	RateLimit       RateLimitPolicy  `json:"rateLimitPolicy"`
	Status          ConnectionStatus `json:"status"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// SecretBundle is the opaque per-connection secret set (client id, client
// secret, api key, signing secret, refresh token...). Values are byte
// slices so they can be zeroed.
type SecretBundle map[string][]byte

const (
	SecretClientID      = "client_id"
	SecretClientSecret  = "client_secret"
	SecretAPIKey        = "api_key"
	SecretSigningSecret = "signing_secret"
	SecretRefreshToken  = "refresh_token"
	SecretAccessToken   = "access_token"
	SecretTokenURL      = "token_url"
	SecretScopes        = "scopes"
)

func (b SecretBundle) Get(key string) string {
	return string(b[key])
}

func (b SecretBundle) Has(key string) bool {
	return len(b[key]) > 0
}

func (b SecretBundle) Clone() SecretBundle {
	out := make(SecretBundle, len(b))
	for k, v := range b {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Wipe zeroes every value in place and empties the bundle.
func (b SecretBundle) Wipe() {
	for k, v := range b {
		wipeBytes(v)
		delete(b, k)
	}
}

// CredentialState is the live token material for one connection.
type CredentialState struct {
	AccessToken      []byte     `json:"-"`
	RefreshToken     []byte     `json:"-"`
	ExpiresAtEpochMs int64      `json:"expiresAtEpochMs"`
	AuthScheme       AuthScheme `json:"authScheme"`
}

// ExpiresWithin reports whether the token is missing or expires within buffer of now.
func (s CredentialState) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	if len(s.AccessToken) == 0 {
		return true
	}
	if s.ExpiresAtEpochMs == 0 {
		return false
	}
	return now.UnixMilli() >= s.ExpiresAtEpochMs-buffer.Milliseconds()
}

func (s *CredentialState) Wipe() {
	wipeBytes(s.AccessToken)
	wipeBytes(s.RefreshToken)
	s.AccessToken = nil
	s.RefreshToken = nil
	s.ExpiresAtEpochMs = 0
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

type SyncEventStatus string

const (
	SyncEventPending   SyncEventStatus = "pending"
	SyncEventProcessed SyncEventStatus = "processed"
	SyncEventError     SyncEventStatus = "error"
	SyncEventFailed    SyncEventStatus = "failed"
)

// SyncEvent is the canonical inbound unit. The raw payload and identity are
// fixed at insert; only the processing outcome columns change afterwards.
type SyncEvent struct {
	Seq                int64            `json:"seq"`
	EventID            string           `json:"eventId"`
	EventType          EventType        `json:"eventType"`
	ProviderEventType  string           `json:"providerEventType"`
	SourceConnectionID string           `json:"sourceConnectionId"`
	AdapterKind        string           `json:"adapterKind"`
	OccurredAt         time.Time        `json:"occurredAt"`
	Canonical          CanonicalPayload `json:"canonicalPayload"`
	RawPayload         json.RawMessage  `json:"rawPayload"`
	PartitionKey       string           `json:"partitionKey"`
	Status             SyncEventStatus  `json:"status"`
	Error              string           `json:"error,omitempty"`
	Attempts           int              `json:"attempts"`
	ReceivedAt         time.Time        `json:"receivedAt"`
	ProcessedAt        *time.Time       `json:"processedAt,omitempty"`
}

// Key identifies the event for deduplication.
func (e SyncEvent) Key() string {
	return EventKey(e.SourceConnectionID, e.EventID)
}

func EventKey(connectionID, eventID string) string {
	return connectionID + "|" + eventID
}

// IsDispute reports whether the event creates or updates a dispute case.
func (e SyncEvent) IsDispute() bool {
	return strings.TrimSpace(e.Canonical.Dispute.ExternalID) != ""
}

// PartitionKey routes an event to the worker that owns its case. Events
// that name no dispute fall back to their reservation, then to the source
// connection.
func PartitionKey(connectionID string, p CanonicalPayload) string {
	switch {
	case strings.TrimSpace(p.Dispute.ExternalID) != "":
		return "case:" + connectionID + ":" + p.Dispute.ExternalID
	case strings.TrimSpace(p.Reservation.ID) != "":
		return "res:" + p.Reservation.ID
	default:
		return "conn:" + connectionID
	}
}

// CanonicalPayload is the normalized body of a Sync Event. Absent optional
// fields are zero values, never nil.
type CanonicalPayload struct {
	Dispute     DisputeDetails `json:"dispute"`
	Reservation Reservation    `json:"reservation"`
	Guest       GuestProfile   `json:"guest"`
	Payment     Payment        `json:"payment"`
	Rate        Rate           `json:"rate"`
	Folio       []FolioLine    `json:"folio"`
	Document    Document       `json:"document"`
}

type CardPresence string

const (
	CardPresent CardPresence = "present"
	CardAbsent  CardPresence = "absent"
)

type DisputeDetails struct {
	ExternalID   string       `json:"externalId"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	ReasonCode   string       `json:"reasonCode"`
	DisputeDate  string       `json:"disputeDate"`
	DueDate      string       `json:"dueDate"`
	Outcome      string       `json:"outcome"`
	CardPresence CardPresence `json:"cardPresence"`
	IPCountry    string       `json:"ipCountry"`
}

type Reservation struct {
	ID              string `json:"id"`
	PropertyID      string `json:"propertyId"`
	PropertyCountry string `json:"propertyCountry"`
	CheckIn         string `json:"checkIn"`
	CheckOut        string `json:"checkOut"`
	Status          string `json:"status"`
	TotalAmount     int64  `json:"totalAmount"`
	Currency        string `json:"currency"`
}

type GuestProfile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Country string `json:"country"`
}

type Payment struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type Rate struct {
	Code     string `json:"code"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type FolioLine struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	PostedOn    string `json:"postedOn"`
}

type Document struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

type CaseStatus string

const (
	StatusPending   CaseStatus = "PENDING"
	StatusInReview  CaseStatus = "IN_REVIEW"
	StatusSubmitted CaseStatus = "SUBMITTED"
	StatusWon       CaseStatus = "WON"
	StatusLost      CaseStatus = "LOST"
	StatusExpired   CaseStatus = "EXPIRED"
	StatusCancelled CaseStatus = "CANCELLED"
)

// IsTerminal reports whether no transition leaves s.
func (s CaseStatus) IsTerminal() bool {
	switch s {
	case StatusWon, StatusLost, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Mutable reports whether amount, guest and reservation fields may change.
func (s CaseStatus) Mutable() bool {
	return s == StatusPending || s == StatusInReview
}

type Recommendation string

const (
	RecommendAutoSubmit         Recommendation = "AUTO_SUBMIT"
	RecommendReview             Recommendation = "REVIEW_RECOMMENDED"
	RecommendGatherMoreEvidence Recommendation = "GATHER_MORE_EVIDENCE"
	RecommendUnlikelyToWin      Recommendation = "UNLIKELY_TO_WIN"
)

type EvidenceRef struct {
	Type    string    `json:"type"`
	Ref     string    `json:"ref"`
	AddedAt time.Time `json:"addedAt"`
}

// Case is the dispute aggregate root.
type Case struct {
	CaseID            string          `json:"caseId"`
	ConnectionID      string          `json:"connectionId"`
	ExternalDisputeID string          `json:"externalDisputeId"`
	Status            CaseStatus      `json:"status"`
	GuestRef          string          `json:"guestRef"`
	GuestName         string          `json:"guestName"`
	ReservationRef    string          `json:"reservationRef"`
	PropertyID        string          `json:"propertyId"`
	PropertyCountry   string          `json:"propertyCountry"`
	Amount            int64           `json:"amount"`
	Currency          string          `json:"currency"`
	ReasonCode        string          `json:"reasonCode"`
	DisputeDate       string          `json:"disputeDate"`
	DueDate           string          `json:"dueDate"`
	CardPresence      CardPresence    `json:"cardPresence"`
	IPCountry         string          `json:"ipCountry"`
	ConfidenceScore   *int            `json:"confidenceScore,omitempty"`
	Recommendation    Recommendation  `json:"recommendation,omitempty"`
	ManualOverride    bool            `json:"manualOverride"`
	EvidenceRefs      []EvidenceRef   `json:"evidenceRefs"`
	Timeline          []TimelineEvent `json:"timeline,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

func (c Case) HasEvidence(evidenceType string) bool {
	for _, ref := range c.EvidenceRefs {
		if ref.Type == evidenceType {
			return true
		}
	}
	return false
}

// EvidenceTypes returns the distinct evidence types attached to the case.
func (c Case) EvidenceTypes() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(c.EvidenceRefs))
	for _, ref := range c.EvidenceRefs {
		if _, ok := seen[ref.Type]; ok {
			continue
		}
		seen[ref.Type] = struct{}{}
		out = append(out, ref.Type)
	}
	return out
}

// DueTime parses DueDate; ok is false when the case has no usable due date.
func (c Case) DueTime() (time.Time, bool) {
	if c.DueDate == "" {
		return time.Time{}, false
	}
	due, err := time.Parse(DateLayout, c.DueDate)
	if err != nil {
		return time.Time{}, false
	}
	return due, true
}

// Clone returns a deep copy safe to mutate.
func (c Case) Clone() Case {
	out := c
	if c.ConfidenceScore != nil {
		score := *c.ConfidenceScore
		out.ConfidenceScore = &score
	}
	out.EvidenceRefs = append([]EvidenceRef(nil), c.EvidenceRefs...)
	out.Timeline = append([]TimelineEvent(nil), c.Timeline...)
	return out
}

const (
	ActorSystem = "system"
	ActorAI     = "ai"
)

type TimelineKind string

const (
	TimelineTransition TimelineKind = "transition"
	TimelineInfo       TimelineKind = "info"
)

// TimelineEvent is an immutable audit record. IDs are time ordered.
type TimelineEvent struct {
	ID            int64        `json:"id,string"`
	CaseID        string       `json:"caseId"`
	Kind          TimelineKind `json:"kind"`
	FromStatus    CaseStatus   `json:"fromStatus,omitempty"`
	ToStatus      CaseStatus   `json:"toStatus,omitempty"`
	Actor         string       `json:"actor"`
	Reason        string       `json:"reason"`
	SourceEventID string       `json:"sourceEventId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskInFlight  TaskStatus = "in_flight"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskDead      TaskStatus = "dead"
	TaskCancelled TaskStatus = "cancelled"
	TaskPaused    TaskStatus = "paused"
)

// IsFinal reports whether the task has left its lane for good.
func (s TaskStatus) IsFinal() bool {
	switch s {
	case TaskSucceeded, TaskDead, TaskCancelled:
		return true
	default:
		return false
	}
}

// OutboundTask pushes one case-derived update to one connection. Seq orders
// tasks within a (case, connection) lane.
type OutboundTask struct {
	TaskID             string         `json:"taskId"`
	Seq                int64          `json:"seq,string"`
	CaseID             string         `json:"caseId"`
	TargetConnectionID string         `json:"targetConnectionId"`
	Action             Action         `json:"action"`
	Payload            map[string]any `json:"payload"`
	Attempt            int            `json:"attempt"`
	NextAttemptAt      *time.Time     `json:"nextAttemptAt,omitempty"`
	Status             TaskStatus     `json:"status"`
	LastError          string         `json:"lastError,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

func (t OutboundTask) LaneKey() string {
	return t.CaseID + "|" + t.TargetConnectionID
}

type AlertLevel string

const (
	AlertCase       AlertLevel = "case"
	AlertConnection AlertLevel = "connection"
	AlertTask       AlertLevel = "task"
)

// Alert is an operator-visible notice.
type Alert struct {
	AlertID      string     `json:"alertId"`
	Level        AlertLevel `json:"level"`
	CaseID       string     `json:"caseId,omitempty"`
	ConnectionID string     `json:"connectionId,omitempty"`
	TaskID       string     `json:"taskId,omitempty"`
	Message      string     `json:"message"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type DecisionAction string

const (
	DecisionSubmit DecisionAction = "submit"
	DecisionCancel DecisionAction = "cancel"
	DecisionWon    DecisionAction = "won"
	DecisionLost   DecisionAction = "lost"
)

// ManualDecision is an operator override applied to a case.
type ManualDecision struct {
	Action DecisionAction `json:"action"`
	Actor  string         `json:"actor"`
	Reason string         `json:"reason"`
}
