package conversion

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// TransactionStatus mirrors the internal purchase lifecycle.
type TransactionStatus string

const (
	TxnPending TransactionStatus = "pending"
	TxnSuccess TransactionStatus = "success"
	TxnFailed  TransactionStatus = "failed"
)

// ImportMeta is the structured import context stored on a Transaction. Named
// fields instead of an open-ended map so downstream stages can rely on them.
type ImportMeta struct {
	SourceOrderID   int64  `json:"source_order_id"`
	SourceProductID int64  `json:"source_product_id"`
	ImportBatchID   string `json:"import_batch_id,omitempty"`
	PolicyVersion   string `json:"policy_version,omitempty"`
	// AmountCorrection carries a corrected amount when the original import
	// was wrong; the stored Amount itself is never silently overwritten.
	AmountCorrection int64 `json:"amount_correction,omitempty"`
}

func (m ImportMeta) ToJSON() datatypes.JSON {
	b, _ := json.Marshal(m)
	return datatypes.JSON(b)
}

func MetaFromJSON(raw datatypes.JSON) ImportMeta {
	var m ImportMeta
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

// Transaction is the internal record of one completed purchase. At most one
// Transaction exists per source order (unique index on source_order_id), and
// the amount is immutable once created.
type Transaction struct {
	ID            string            `gorm:"column:id;primaryKey"`
	UserID        string            `gorm:"column:user_id;index;not null"`
	Amount        int64             `gorm:"column:amount;not null"`
	Status        TransactionStatus `gorm:"column:status;default:'pending'"`
	SourceOrderID int64             `gorm:"column:source_order_id;uniqueIndex;not null"`
	ProductID     int64             `gorm:"column:product_id;index"`
	Metadata      datatypes.JSON    `gorm:"column:metadata;type:jsonb"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Conversion links exactly one Transaction to exactly one AffiliateProfile.
// The unique index on transaction_id is the correctness mechanism for the
// at-most-one-conversion-per-transaction invariant, including under
// concurrent writers.
type Conversion struct {
	ID               string         `gorm:"column:id;primaryKey"`
	TransactionID    string         `gorm:"column:transaction_id;uniqueIndex;not null"`
	AffiliateID      string         `gorm:"column:affiliate_id;index;not null"`
	CommissionAmount int64          `gorm:"column:commission_amount;not null"`
	CommissionRate   float64        `gorm:"column:commission_rate;default:0"`
	PaidOut          bool           `gorm:"column:paid_out;default:false"`
	PaidOutAt        *time.Time     `gorm:"column:paid_out_at"`
	Metadata         datatypes.JSON `gorm:"column:metadata;type:jsonb"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Conversion) TableName() string {
	return "conversions"
}

// UpsertOutcome reports what the check-then-decide upsert did.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
	OutcomeSkipped   UpsertOutcome = "skipped"
)
