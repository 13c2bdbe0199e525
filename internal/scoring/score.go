// Package scoring computes the confidence that a dispute can be won. Score
// is a pure function of its input: the clock is part of the input and no
// lookup leaves the tables it was built with.
package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

const (
	reasonWeight   = 0.40
	evidenceWeight = 0.35
	fraudWeight    = 0.25

	fraudBase = 0.5

	maxPropertyAdjustment = 10.0
	maxAdjustment         = 25.0
)

type Input struct {
	Case canonical.Case
	// Evidence lists the evidence types on hand. Nil means the case's own
	// evidence refs.
	Evidence []string
	// PriorDisputes counts other cases for the same guest.
	PriorDisputes int
	Now           time.Time
}

// Breakdown keeps every sub-score so a recommendation can be audited.
type Breakdown struct {
	ReasonCode          string                   `json:"reasonCode"`
	HistoricalWinRate   float64                  `json:"historicalWinRate"`
	ReasonCodeScore     float64                  `json:"reasonCodeScore"`
	RequiredEvidence    []string                 `json:"requiredEvidence"`
	MissingEvidence     []string                 `json:"missingEvidence"`
	EvidenceScore       float64                  `json:"evidenceScore"`
	FraudHeuristic      float64                  `json:"fraudHeuristic"`
	FraudIndicatorScore float64                  `json:"fraudIndicatorScore"`
	DueAdjustment       float64                  `json:"dueAdjustment"`
	PropertyAdjustment  float64                  `json:"propertyAdjustment"`
	Adjustment          float64                  `json:"adjustment"`
	Total               int                      `json:"total"`
	Recommendation      canonical.Recommendation `json:"recommendation"`
}

type Engine struct {
	tables Tables
}

func New(tables Tables) *Engine {
	return &Engine{tables: tables}
}

func (e *Engine) Score(in Input) Breakdown {
	c := in.Case
	code := strings.ToLower(strings.TrimSpace(c.ReasonCode))
	b := Breakdown{ReasonCode: code}

	b.HistoricalWinRate = e.winRate(code)
	b.ReasonCodeScore = b.HistoricalWinRate * reasonWeight * 100

	evidence := in.Evidence
	if evidence == nil {
		evidence = c.EvidenceTypes()
	}
	b.RequiredEvidence = e.RequiredEvidence(code)
	present := 0
	have := make(map[string]struct{}, len(evidence))
	for _, kind := range evidence {
		have[strings.ToLower(strings.TrimSpace(kind))] = struct{}{}
	}
	b.MissingEvidence = []string{}
	for _, kind := range b.RequiredEvidence {
		if _, ok := have[kind]; ok {
			present++
		} else {
			b.MissingEvidence = append(b.MissingEvidence, kind)
		}
	}
	if len(b.RequiredEvidence) > 0 {
		b.EvidenceScore = float64(present) / float64(len(b.RequiredEvidence)) * evidenceWeight * 100
	}

	b.FraudHeuristic = FraudHeuristic(c, in.PriorDisputes)
	b.FraudIndicatorScore = b.FraudHeuristic * fraudWeight * 100

	b.DueAdjustment = dueAdjustment(c, in.Now)
	if propertyRate, ok := e.propertyWinRate(c.PropertyID, code); ok {
		b.PropertyAdjustment = clamp((propertyRate-b.HistoricalWinRate)*50, -maxPropertyAdjustment, maxPropertyAdjustment)
	}
	b.Adjustment = clamp(b.DueAdjustment+b.PropertyAdjustment, -maxAdjustment, maxAdjustment)

	total := b.ReasonCodeScore + b.EvidenceScore + b.FraudIndicatorScore + b.Adjustment
	b.Total = int(clamp(math.Round(total), 0, 100))
	b.Recommendation = Recommend(b.Total)
	return b
}

// RequiredEvidence returns the evidence types expected for a reason code.
func (e *Engine) RequiredEvidence(reasonCode string) []string {
	code := strings.ToLower(strings.TrimSpace(reasonCode))
	required, ok := e.tables.RequiredEvidence[code]
	if !ok {
		required = e.tables.DefaultRequired
	}
	return append([]string(nil), required...)
}

func (e *Engine) winRate(code string) float64 {
	if rate, ok := e.tables.WinRates[code]; ok {
		return rate
	}
	return e.tables.DefaultWinRate
}

func (e *Engine) propertyWinRate(propertyID, code string) (float64, bool) {
	if propertyID == "" {
		return 0, false
	}
	rates, ok := e.tables.PropertyWinRates[propertyID]
	if !ok {
		return 0, false
	}
	rate, ok := rates[code]
	return rate, ok
}

// Recommend maps a total onto the recommendation bands.
func Recommend(total int) canonical.Recommendation {
	switch {
	case total >= 85:
		return canonical.RecommendAutoSubmit
	case total >= 70:
		return canonical.RecommendReview
	case total >= 40:
		return canonical.RecommendGatherMoreEvidence
	default:
		return canonical.RecommendUnlikelyToWin
	}
}

// FraudHeuristic starts at 0.5 and applies bounded deltas for card
// presence, IP/property country agreement and repeat disputes by the same
// guest. The result is clamped to [0, 1].
func FraudHeuristic(c canonical.Case, priorDisputes int) float64 {
	h := fraudBase
	switch c.CardPresence {
	case canonical.CardPresent:
		h += 0.30
	case canonical.CardAbsent:
		h -= 0.10
	}
	if c.IPCountry != "" && c.PropertyCountry != "" {
		if strings.EqualFold(c.IPCountry, c.PropertyCountry) {
			h += 0.20
		} else {
			h -= 0.20
		}
	}
	switch {
	case priorDisputes >= 2:
		h -= 0.30
	case priorDisputes == 1:
		h -= 0.10
	}
	return clamp(h, 0, 1)
}

// dueAdjustment rewards time left to assemble evidence and penalizes a
// deadline that is about to pass.
func dueAdjustment(c canonical.Case, now time.Time) float64 {
	due, ok := c.DueTime()
	if !ok || now.IsZero() {
		return 0
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := int(due.Sub(today).Hours() / 24)
	switch {
	case days >= 14:
		return 5
	case days >= 7:
		return 2
	case days >= 3:
		return 0
	case days >= 1:
		return -5
	default:
		return -15
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
