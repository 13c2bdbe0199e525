package capability

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

// Descriptor is the declarative description of one adapter kind. It carries
// everything the generic adapter runner, the webhook ingestor and the
// normalizer need; adding a provider means adding a descriptor file.
type Descriptor struct {
	Kind         string                            `yaml:"kind"`
	DisplayName  string                            `yaml:"displayName"`
	Category     string                            `yaml:"category"`
	BaseURL      string                            `yaml:"baseUrl"`
	Timeout      time.Duration                     `yaml:"timeout"`
	Auth         AuthSpec                          `yaml:"auth"`
	RateLimit    canonical.RateLimitPolicy         `yaml:"rateLimit"`
	Capabilities canonical.Capabilities            `yaml:"capabilities"`
	Webhook      WebhookSpec                       `yaml:"webhook"`
	Inbound      InboundSpec                       `yaml:"inbound"`
	Poll         *PollSpec                         `yaml:"poll"`
	Outbound     map[canonical.Action]OutboundSpec `yaml:"outbound"`
	Headers      map[string]string                 `yaml:"headers"`
}

type AuthSpec struct {
	Scheme   canonical.AuthScheme `yaml:"scheme"`
	Header   string               `yaml:"header"`
	Prefix   string               `yaml:"prefix"`
	TokenURL string               `yaml:"tokenUrl"`
	Scopes   []string             `yaml:"scopes"`
}

const (
	SignatureHexHMAC    = "hmac_sha256_hex"
	SignatureBase64HMAC = "hmac_sha256_base64"
	SignatureStripeV1   = "stripe_v1"
)

type SignatureSpec struct {
	Scheme    string        `yaml:"scheme"`
	Header    string        `yaml:"header"`
	Prefix    string        `yaml:"prefix"`
	Tolerance time.Duration `yaml:"tolerance"`
}

type WebhookSpec struct {
	Signature      SignatureSpec                  `yaml:"signature"`
	EventIDPath    string                         `yaml:"eventIdPath"`
	EventTypePath  string                         `yaml:"eventTypePath"`
	OccurredAtPath string                         `yaml:"occurredAtPath"`
	EventTypes     map[string]canonical.EventType `yaml:"eventTypes"`
}

const (
	AmountMinor = "minor"
	AmountMajor = "major"
)

// InboundSpec is the per-adapter field table. Fields maps canonical keys
// ("dispute.amount", "guest.name", ...) to dotted paths in the provider
// payload.
type InboundSpec struct {
	AmountUnit      string            `yaml:"amountUnit"`
	DefaultCurrency string            `yaml:"defaultCurrency"`
	DateLayouts     []string          `yaml:"dateLayouts"`
	Fields          map[string]string `yaml:"fields"`
	Folio           *FolioSpec        `yaml:"folio"`
	Outcomes        map[string]string `yaml:"outcomes"`
}

type FolioSpec struct {
	ItemsPath   string `yaml:"itemsPath"`
	Description string `yaml:"description"`
	Amount      string `yaml:"amount"`
	Currency    string `yaml:"currency"`
	PostedOn    string `yaml:"postedOn"`
}

// PollSpec describes the list endpoint used by the scheduled flow. Each
// item is wrapped under WrapAs so the inbound field table applies to it
// unchanged.
type PollSpec struct {
	Entity       canonical.Entity    `yaml:"entity"`
	Path         string              `yaml:"path"`
	ItemsPath    string              `yaml:"itemsPath"`
	RecordIDPath string              `yaml:"recordIdPath"`
	SinceParam   string              `yaml:"sinceParam"`
	SinceFormat  string              `yaml:"sinceFormat"`
	WrapAs       string              `yaml:"wrapAs"`
	EventType    canonical.EventType `yaml:"eventType"`
}

// OutboundSpec maps a canonical action payload onto one provider request.
// Path segments like {externalDisputeId} are filled from the payload; Body
// maps provider field paths to payload keys, or to literals prefixed "=".
type OutboundSpec struct {
	Method string            `yaml:"method"`
	Path   string            `yaml:"path"`
	Body   map[string]string `yaml:"body"`
}

func (d *Descriptor) applyDefaults() {
	d.Kind = strings.ToLower(strings.TrimSpace(d.Kind))
	d.BaseURL = strings.TrimRight(strings.TrimSpace(d.BaseURL), "/")
	if d.Timeout <= 0 {
		d.Timeout = 20 * time.Second
	}
	if d.Auth.Header == "" {
		d.Auth.Header = "Authorization"
	}
	if d.Auth.Prefix == "" && d.Auth.Header == "Authorization" {
		d.Auth.Prefix = "Bearer "
	}
	if d.RateLimit.PerMinute <= 0 {
		d.RateLimit.PerMinute = 60
	}
	if d.RateLimit.Burst <= 0 {
		d.RateLimit.Burst = max(1, d.RateLimit.PerMinute/10)
	}
	if d.Inbound.AmountUnit == "" {
		d.Inbound.AmountUnit = AmountMinor
	}
	if d.Webhook.Signature.Tolerance <= 0 {
		d.Webhook.Signature.Tolerance = 5 * time.Minute
	}
	if d.Capabilities == nil {
		d.Capabilities = canonical.Capabilities{}
	}
	if d.Poll != nil && d.Poll.SinceFormat == "" {
		d.Poll.SinceFormat = "rfc3339"
	}
	for action, spec := range d.Outbound {
		if spec.Method == "" {
			spec.Method = "POST"
		}
		spec.Method = strings.ToUpper(spec.Method)
		d.Outbound[action] = spec
	}
}

// check enforces the cross-field rules the schema cannot express.
func (d *Descriptor) check() error {
	if d.Kind == "" {
		return fmt.Errorf("descriptor kind is required")
	}
	for action := range d.Outbound {
		if !action.Valid() {
			return fmt.Errorf("descriptor %s: unknown outbound action %q", d.Kind, action)
		}
	}
	for _, action := range []canonical.Action{
		canonical.ActionPushNote,
		canonical.ActionPushFlag,
		canonical.ActionPushAlert,
		canonical.ActionPushOutcome,
	} {
		if !d.Capabilities.Allows(action.Entity(), canonical.OperationWrite) {
			continue
		}
		if _, ok := d.Outbound[action]; !ok {
			return fmt.Errorf("descriptor %s: %s.write declared without an outbound %s mapping", d.Kind, action.Entity(), action)
		}
	}
	for raw, eventType := range d.Webhook.EventTypes {
		if !eventType.Valid() {
			return fmt.Errorf("descriptor %s: event type %q maps to unknown canonical type %q", d.Kind, raw, eventType)
		}
	}
	if d.Poll != nil {
		if !d.Capabilities.Allows(d.Poll.Entity, canonical.OperationRead) {
			return fmt.Errorf("descriptor %s: poll entity %s lacks read capability", d.Kind, d.Poll.Entity)
		}
		if !d.Poll.EventType.Valid() {
			return fmt.Errorf("descriptor %s: poll event type %q is not canonical", d.Kind, d.Poll.EventType)
		}
	}
	return nil
}
