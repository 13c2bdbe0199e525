// Package normalize maps provider payloads onto the canonical model using the
// per-adapter field tables carried by each descriptor. There is no
// adapter-specific code here: every provider goes through the same rules.
package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
)

var ErrMalformedPayload = errors.New("malformed payload")

type fieldKind int

const (
	textField fieldKind = iota
	dateField
	amountField
	currencyField
	countryField
	phoneField
	nameField
	emailField
	presenceField
	outcomeField
)

type fieldRule struct {
	kind     fieldKind
	set      func(p *canonical.CanonicalPayload, v string)
	setMinor func(p *canonical.CanonicalPayload, v int64)
	currency func(p *canonical.CanonicalPayload) *string
}

type cp = canonical.CanonicalPayload

var fieldRules = map[string]fieldRule{
	"dispute.externalId":   {kind: textField, set: func(p *cp, v string) { p.Dispute.ExternalID = v }},
	"dispute.amount":       {kind: amountField, setMinor: func(p *cp, v int64) { p.Dispute.Amount = v }, currency: func(p *cp) *string { return &p.Dispute.Currency }},
	"dispute.currency":     {kind: currencyField, set: func(p *cp, v string) { p.Dispute.Currency = v }},
	"dispute.reasonCode":   {kind: textField, set: func(p *cp, v string) { p.Dispute.ReasonCode = strings.ToLower(v) }},
	"dispute.disputeDate":  {kind: dateField, set: func(p *cp, v string) { p.Dispute.DisputeDate = v }},
	"dispute.dueDate":      {kind: dateField, set: func(p *cp, v string) { p.Dispute.DueDate = v }},
	"dispute.outcome":      {kind: outcomeField, set: func(p *cp, v string) { p.Dispute.Outcome = v }},
	"dispute.cardPresence": {kind: presenceField, set: func(p *cp, v string) { p.Dispute.CardPresence = canonical.CardPresence(v) }},
	"dispute.ipCountry":    {kind: countryField, set: func(p *cp, v string) { p.Dispute.IPCountry = v }},

	"reservation.id":              {kind: textField, set: func(p *cp, v string) { p.Reservation.ID = v }},
	"reservation.propertyId":      {kind: textField, set: func(p *cp, v string) { p.Reservation.PropertyID = v }},
	"reservation.propertyCountry": {kind: countryField, set: func(p *cp, v string) { p.Reservation.PropertyCountry = v }},
	"reservation.checkIn":         {kind: dateField, set: func(p *cp, v string) { p.Reservation.CheckIn = v }},
	"reservation.checkOut":        {kind: dateField, set: func(p *cp, v string) { p.Reservation.CheckOut = v }},
	"reservation.status":          {kind: textField, set: func(p *cp, v string) { p.Reservation.Status = strings.ToLower(v) }},
	"reservation.totalAmount":     {kind: amountField, setMinor: func(p *cp, v int64) { p.Reservation.TotalAmount = v }, currency: func(p *cp) *string { return &p.Reservation.Currency }},
	"reservation.currency":        {kind: currencyField, set: func(p *cp, v string) { p.Reservation.Currency = v }},

	"guest.id":      {kind: textField, set: func(p *cp, v string) { p.Guest.ID = v }},
	"guest.name":    {kind: nameField, set: func(p *cp, v string) { p.Guest.Name = v }},
	"guest.email":   {kind: emailField, set: func(p *cp, v string) { p.Guest.Email = v }},
	"guest.phone":   {kind: phoneField, set: func(p *cp, v string) { p.Guest.Phone = v }},
	"guest.country": {kind: countryField, set: func(p *cp, v string) { p.Guest.Country = v }},

	"payment.id":       {kind: textField, set: func(p *cp, v string) { p.Payment.ID = v }},
	"payment.amount":   {kind: amountField, setMinor: func(p *cp, v int64) { p.Payment.Amount = v }, currency: func(p *cp) *string { return &p.Payment.Currency }},
	"payment.currency": {kind: currencyField, set: func(p *cp, v string) { p.Payment.Currency = v }},

	"rate.code":     {kind: textField, set: func(p *cp, v string) { p.Rate.Code = v }},
	"rate.amount":   {kind: amountField, setMinor: func(p *cp, v int64) { p.Rate.Amount = v }, currency: func(p *cp) *string { return &p.Rate.Currency }},
	"rate.currency": {kind: currencyField, set: func(p *cp, v string) { p.Rate.Currency = v }},

	"document.id":   {kind: textField, set: func(p *cp, v string) { p.Document.ID = v }},
	"document.type": {kind: textField, set: func(p *cp, v string) { p.Document.Type = strings.ToLower(v) }},
	"document.ref":  {kind: textField, set: func(p *cp, v string) { p.Document.Ref = v }},
}

// Envelope is the routing information carried by every provider webhook.
type Envelope struct {
	EventID           string
	ProviderEventType string
	// EventType is empty when the provider type has no canonical mapping.
	EventType  canonical.EventType
	OccurredAt time.Time
	Document   map[string]any
}

type Normalizer struct {
	registry *capability.Registry
}

// New rejects descriptors whose field tables name keys the normalizer does
// not know, so a typo fails at startup instead of silently dropping data.
func New(registry *capability.Registry) (*Normalizer, error) {
	for _, kind := range registry.Kinds() {
		desc, _ := registry.Descriptor(kind)
		for key := range desc.Inbound.Fields {
			if _, ok := fieldRules[key]; !ok {
				return nil, fmt.Errorf("descriptor %s: unknown canonical field %q", kind, key)
			}
		}
	}
	return &Normalizer{registry: registry}, nil
}

// ParseEnvelope decodes raw and extracts the event id, type and timestamp.
func (n *Normalizer) ParseEnvelope(adapterKind string, raw []byte) (Envelope, error) {
	desc, ok := n.registry.Descriptor(adapterKind)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", capability.ErrUnknownAdapter, adapterKind)
	}
	doc, err := DecodeDocument(raw)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	env := Envelope{
		EventID:           LookupString(doc, desc.Webhook.EventIDPath),
		ProviderEventType: LookupString(doc, desc.Webhook.EventTypePath),
		Document:          doc,
	}
	if env.EventID == "" {
		return Envelope{}, fmt.Errorf("%w: missing event id at %q", ErrMalformedPayload, desc.Webhook.EventIDPath)
	}
	env.EventType = desc.Webhook.EventTypes[env.ProviderEventType]
	if desc.Webhook.OccurredAtPath != "" {
		value, _ := Lookup(doc, desc.Webhook.OccurredAtPath)
		occurredAt, err := ParseTimestamp(value, desc.Inbound.DateLayouts)
		if err != nil {
			// The envelope stays usable so the event can be recorded with the error.
			return env, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: "occurredAt", Message: err.Error()}
		}
		env.OccurredAt = occurredAt
	}
	return env, nil
}

// Normalize maps a raw provider payload to the canonical payload.
func (n *Normalizer) Normalize(adapterKind string, eventType canonical.EventType, raw []byte) (canonical.CanonicalPayload, error) {
	doc, err := DecodeDocument(raw)
	if err != nil {
		return canonical.CanonicalPayload{}, &canonical.NormalizationError{AdapterKind: adapterKind, Message: "payload is not a JSON object"}
	}
	return n.NormalizeDocument(adapterKind, eventType, doc)
}

// NormalizeDocument is Normalize over an already decoded document.
func (n *Normalizer) NormalizeDocument(adapterKind string, eventType canonical.EventType, doc map[string]any) (canonical.CanonicalPayload, error) {
	var payload canonical.CanonicalPayload
	desc, ok := n.registry.Descriptor(adapterKind)
	if !ok {
		return payload, fmt.Errorf("%w: %s", capability.ErrUnknownAdapter, adapterKind)
	}
	if !eventType.Valid() {
		return payload, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: "eventType", Message: fmt.Sprintf("unsupported event type %q", eventType)}
	}
	keys := make([]string, 0, len(desc.Inbound.Fields))
	for key := range desc.Inbound.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var amounts []string
	for _, key := range keys {
		rule := fieldRules[key]
		if rule.kind == amountField {
			amounts = append(amounts, key)
			continue
		}
		value, present := Lookup(doc, desc.Inbound.Fields[key])
		if !present {
			continue
		}
		text, err := n.convert(desc, rule, value, doc)
		if err != nil {
			return canonical.CanonicalPayload{}, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: key, Message: err.Error()}
		}
		rule.set(&payload, text)
	}
	// Amounts go last so they can read the currency resolved above.
	for _, key := range amounts {
		rule := fieldRules[key]
		value, present := Lookup(doc, desc.Inbound.Fields[key])
		if !present {
			continue
		}
		code := rule.currency(&payload)
		if *code == "" {
			*code = strings.ToUpper(desc.Inbound.DefaultCurrency)
		}
		if *code == "" {
			return canonical.CanonicalPayload{}, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: key, Message: "amount without currency"}
		}
		minor, err := MinorUnits(value, *code, desc.Inbound.AmountUnit)
		if err != nil {
			return canonical.CanonicalPayload{}, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: key, Message: err.Error()}
		}
		rule.setMinor(&payload, minor)
	}

	if desc.Inbound.Folio != nil {
		folio, err := n.folio(desc, doc, payload)
		if err != nil {
			return canonical.CanonicalPayload{}, err
		}
		payload.Folio = folio
	}
	if payload.Folio == nil {
		payload.Folio = []canonical.FolioLine{}
	}
	if payload.Guest.Name == "" {
		payload.Guest.Name = UnknownGuest
	}
	return payload, nil
}

func (n *Normalizer) convert(desc *capability.Descriptor, rule fieldRule, value any, doc map[string]any) (string, error) {
	switch rule.kind {
	case dateField:
		return NormalizeDate(value, desc.Inbound.DateLayouts)
	case currencyField:
		return NormalizeCurrency(ToString(value))
	case countryField:
		return NormalizeCountry(ToString(value)), nil
	case phoneField:
		country := ""
		if path, ok := desc.Inbound.Fields["guest.country"]; ok {
			country = LookupString(doc, path)
		}
		if country == "" {
			if path, ok := desc.Inbound.Fields["reservation.propertyCountry"]; ok {
				country = LookupString(doc, path)
			}
		}
		return NormalizePhone(ToString(value), country), nil
	case nameField:
		return NormalizeName(ToString(value)), nil
	case emailField:
		return NormalizeEmail(ToString(value)), nil
	case presenceField:
		return string(NormalizeCardPresence(value)), nil
	case outcomeField:
		return NormalizeOutcome(ToString(value), desc.Inbound.Outcomes), nil
	default:
		return ToString(value), nil
	}
}

func (n *Normalizer) folio(desc *capability.Descriptor, doc map[string]any, payload canonical.CanonicalPayload) ([]canonical.FolioLine, error) {
	spec := desc.Inbound.Folio
	value, ok := Lookup(doc, spec.ItemsPath)
	if !ok {
		return nil, nil
	}
	items, ok := value.([]any)
	if !ok {
		return nil, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: "folio", Message: "folio items are not a list"}
	}
	fallbackCurrency := payload.Reservation.Currency
	if fallbackCurrency == "" {
		fallbackCurrency = strings.ToUpper(desc.Inbound.DefaultCurrency)
	}
	lines := make([]canonical.FolioLine, 0, len(items))
	for i, item := range items {
		field := fmt.Sprintf("folio[%d]", i)
		code, err := NormalizeCurrency(LookupString(item, spec.Currency))
		if err != nil {
			return nil, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: field + ".currency", Message: err.Error()}
		}
		if code == "" {
			code = fallbackCurrency
		}
		line := canonical.FolioLine{
			Description: LookupString(item, spec.Description),
			Currency:    code,
		}
		if raw, ok := Lookup(item, spec.Amount); ok {
			if code == "" {
				return nil, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: field + ".amount", Message: "amount without currency"}
			}
			minor, err := MinorUnits(raw, code, desc.Inbound.AmountUnit)
			if err != nil {
				return nil, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: field + ".amount", Message: err.Error()}
			}
			line.Amount = minor
		}
		if raw, ok := Lookup(item, spec.PostedOn); ok {
			postedOn, err := NormalizeDate(raw, desc.Inbound.DateLayouts)
			if err != nil {
				return nil, &canonical.NormalizationError{AdapterKind: desc.Kind, Field: field + ".postedOn", Message: err.Error()}
			}
			line.PostedOn = postedOn
		}
		lines = append(lines, line)
	}
	return lines, nil
}
