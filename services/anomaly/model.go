package anomaly

// Reason classifies why a conversion was flagged.
type Reason string

const (
	// ReasonExceedsTransaction is the canonical drift bug: a percentage
	// policy applied where a flat fee should have been, pushing the
	// commission above the transaction amount.
	ReasonExceedsTransaction Reason = "commission_exceeds_transaction_amount"
	ReasonNegativeCommission Reason = "negative_commission"
)

// Finding is one flagged conversion together with its proposed correction.
// Detection never applies the correction; Apply does, in a separate pass,
// after explicit confirmation.
type Finding struct {
	ConversionID      string  `json:"conversion_id"`
	TransactionID     string  `json:"transaction_id"`
	AffiliateID       string  `json:"affiliate_id"`
	ProductID         int64   `json:"product_id"`
	TransactionAmount int64   `json:"transaction_amount"`
	CurrentAmount     int64   `json:"current_amount"`
	ProposedAmount    int64   `json:"proposed_amount"`
	ProposedRate      float64 `json:"proposed_rate"`
	Reason            Reason  `json:"reason"`
}
