package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

// UnknownGuest replaces an absent guest name.
const UnknownGuest = "Unknown Guest"

var defaultDateLayouts = []string{
	canonical.DateLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000Z",
}

// ParseTimestamp accepts the shared layouts, any extra layouts and unix
// seconds or milliseconds. Empty input yields the zero time.
func ParseTimestamp(value any, layouts []string) (time.Time, error) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, nil
	case json.Number:
		return parseEpoch(v.String())
	case float64:
		return epochTime(int64(v)), nil
	case int64:
		return epochTime(v), nil
	case int:
		return epochTime(int64(v)), nil
	}
	raw := ToString(value)
	if raw == "" {
		return time.Time{}, nil
	}
	if isDigits(raw) && len(raw) >= 9 {
		return parseEpoch(raw)
	}
	for _, layout := range append(append([]string(nil), layouts...), defaultDateLayouts...) {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", raw)
}

// NormalizeDate renders value as an ISO calendar date. Timestamps keep the
// calendar day of their own offset; epochs are read in UTC.
func NormalizeDate(value any, layouts []string) (string, error) {
	parsed, err := ParseTimestamp(value, layouts)
	if err != nil {
		return "", err
	}
	if parsed.IsZero() {
		return "", nil
	}
	return parsed.Format(canonical.DateLayout), nil
}

func parseEpoch(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.SplitN(raw, ".", 2)[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable epoch %q", raw)
	}
	return epochTime(n), nil
}

func epochTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// NormalizeCurrency returns the upper-case ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", nil
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("unknown currency %q", code)
	}
	return unit.String(), nil
}

// MinorUnits converts a decoded amount to integer minor units of code.
// unit is "minor" when the provider already sends minor units.
func MinorUnits(value any, code string, unit string) (int64, error) {
	raw := strings.ReplaceAll(ToString(value), ",", "")
	if raw == "" {
		return 0, nil
	}
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("unparseable amount %q", raw)
	}
	if unit != "major" {
		if amount != math.Trunc(amount) {
			return 0, fmt.Errorf("minor-unit amount %q has a fractional part", raw)
		}
		return int64(amount), nil
	}
	parsed, err := currency.ParseISO(code)
	if err != nil {
		return 0, fmt.Errorf("amount %q needs a valid currency, got %q", raw, code)
	}
	scale, _ := currency.Standard.Rounding(parsed)
	return int64(math.Round(amount * math.Pow10(scale))), nil
}

// callingCodes covers the property and guest countries seen in practice;
// unknown countries fall back to digits only.
var callingCodes = map[string]string{
	"US": "1", "CA": "1", "GB": "44", "IE": "353", "DE": "49", "FR": "33",
	"ES": "34", "IT": "39", "NL": "31", "BE": "32", "CH": "41", "AT": "43",
	"PT": "351", "SE": "46", "NO": "47", "DK": "45", "AU": "61", "NZ": "64",
	"MX": "52", "BR": "55", "JP": "81", "SG": "65", "AE": "971", "ZA": "27",
}

// NormalizePhone produces +<digits> when the international prefix is known,
// digits only otherwise.
func NormalizePhone(raw string, country string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(raw, "+"):
		return "+" + digits
	case strings.HasPrefix(digits, "00"):
		return "+" + digits[2:]
	}
	code, ok := callingCodes[NormalizeCountry(country)]
	if !ok {
		return digits
	}
	if code == "1" && len(digits) == 11 && strings.HasPrefix(digits, "1") {
		return "+" + digits
	}
	return "+" + code + strings.TrimPrefix(digits, "0")
}

// NormalizeName collapses whitespace and title-cases names that arrive all
// upper or all lower case. Mixed-case names are kept as sent.
func NormalizeName(raw string) string {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return ""
	}
	if name == strings.ToUpper(name) || name == strings.ToLower(name) {
		return cases.Title(language.Und).String(strings.ToLower(name))
	}
	return name
}

// NormalizeCountry returns the ISO 3166 alpha-2 code, or "" when raw is not
// a recognised region.
func NormalizeCountry(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	region, err := language.ParseRegion(raw)
	if err != nil || !region.IsCountry() {
		return ""
	}
	return region.String()
}

func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NormalizeCardPresence maps provider flags onto present or absent.
func NormalizeCardPresence(value any) canonical.CardPresence {
	if b, ok := value.(bool); ok {
		if b {
			return canonical.CardPresent
		}
		return canonical.CardAbsent
	}
	switch strings.ToLower(ToString(value)) {
	case "true", "yes", "1", "present", "card_present", "cp", "chip", "swipe":
		return canonical.CardPresent
	case "false", "no", "0", "absent", "card_not_present", "cnp", "ecommerce", "moto":
		return canonical.CardAbsent
	default:
		return ""
	}
}

// NormalizeOutcome maps a provider resolution through the descriptor's
// outcome table. Unmapped values mean the dispute is still open.
func NormalizeOutcome(raw string, table map[string]string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	for provider, outcome := range table {
		if strings.ToLower(provider) == raw {
			return outcome
		}
	}
	return ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
