package scoring

// Evidence types the engine knows about. Documents uploaded by a provider
// carry their own type string, which is matched verbatim.
const (
	EvidenceFolio                  = "folio"
	EvidenceCheckInRecord          = "check_in_record"
	EvidenceIDDocument             = "id_document"
	EvidenceSignedRegistrationCard = "signed_registration_card"
	EvidenceBookingConfirmation    = "booking_confirmation"
	EvidenceCancellationPolicy     = "cancellation_policy"
	EvidenceGuestCorrespondence    = "guest_correspondence"
	EvidenceRefundRecord           = "refund_record"
	EvidencePaymentReceipt         = "payment_receipt"
	EvidenceNoShowRecord           = "no_show_record"
)

// Tables holds the lookup data behind a score. Reason codes are matched
// after lower-casing and trimming.
type Tables struct {
	WinRates         map[string]float64
	DefaultWinRate   float64
	RequiredEvidence map[string][]string
	DefaultRequired  []string
	// PropertyWinRates overrides the global win rate per property id and
	// reason code for the adjustment term.
	PropertyWinRates map[string]map[string]float64
}

var (
	fraudEvidence = []string{EvidenceCheckInRecord, EvidenceIDDocument, EvidenceSignedRegistrationCard, EvidenceFolio}
	notReceived   = []string{EvidenceBookingConfirmation, EvidenceCheckInRecord, EvidenceFolio, EvidenceGuestCorrespondence}
	duplicate     = []string{EvidenceFolio, EvidencePaymentReceipt, EvidenceRefundRecord, EvidenceBookingConfirmation}
	creditMissing = []string{EvidenceCancellationPolicy, EvidenceFolio, EvidenceRefundRecord, EvidenceGuestCorrespondence}
	noShow        = []string{EvidenceBookingConfirmation, EvidenceCancellationPolicy, EvidenceNoShowRecord, EvidenceGuestCorrespondence}
	cancelled     = []string{EvidenceCancellationPolicy, EvidenceBookingConfirmation, EvidenceGuestCorrespondence, EvidenceFolio}
)

// DefaultTables returns the built-in win rates and evidence lists. Network
// codes (Visa, Mastercard) share the rows of their plain-language reason.
func DefaultTables() Tables {
	return Tables{
		WinRates: map[string]float64{
			"fraudulent":            0.45,
			"10.4":                  0.45,
			"4837":                  0.42,
			"product_not_received":  0.62,
			"13.1":                  0.62,
			"4855":                  0.60,
			"duplicate":             0.70,
			"12.6.1":                0.70,
			"4834":                  0.68,
			"credit_not_processed":  0.55,
			"13.6":                  0.55,
			"4860":                  0.52,
			"subscription_canceled": 0.50,
			"13.2":                  0.50,
			"no_show":               0.90,
			"general":               0.40,
		},
		DefaultWinRate: 0.40,
		RequiredEvidence: map[string][]string{
			"fraudulent":            fraudEvidence,
			"10.4":                  fraudEvidence,
			"4837":                  fraudEvidence,
			"product_not_received":  notReceived,
			"13.1":                  notReceived,
			"4855":                  notReceived,
			"duplicate":             duplicate,
			"12.6.1":                duplicate,
			"4834":                  duplicate,
			"credit_not_processed":  creditMissing,
			"13.6":                  creditMissing,
			"4860":                  creditMissing,
			"subscription_canceled": cancelled,
			"13.2":                  cancelled,
			"no_show":               noShow,
		},
		DefaultRequired:  []string{EvidenceFolio, EvidenceBookingConfirmation, EvidenceGuestCorrespondence, EvidenceCheckInRecord},
		PropertyWinRates: map[string]map[string]float64{},
	}
}
