package extractor

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// OrderStatus is the enumerated status of a source order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusConfirmed OrderStatus = "confirmed"
	StatusCompleted OrderStatus = "completed"
	StatusCancelled OrderStatus = "cancelled"
	StatusRefunded  OrderStatus = "refunded"
	StatusOnHold    OrderStatus = "on-hold"
	StatusUnknown   OrderStatus = "unknown"
)

// ParseStatus normalizes the status strings seen in source exports. The
// source is inconsistent about casing and hyphenation of on-hold.
func ParseStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "payment-confirm":
		return StatusPending
	case "confirmed":
		return StatusConfirmed
	case "completed", "complete", "selesai":
		return StatusCompleted
	case "cancelled", "canceled":
		return StatusCancelled
	case "refunded", "refund":
		return StatusRefunded
	case "on-hold", "on hold", "onhold":
		return StatusOnHold
	default:
		return StatusUnknown
	}
}

// RawOrder is the canonical shape of one historical order pulled from the
// source system. Immutable once fetched; re-fetching may change Status only.
type RawOrder struct {
	OrderID        int64       `json:"order_id"`
	ExternalUserID int64       `json:"user_id"`
	UserEmail      string      `json:"user_email"`
	UserName       string      `json:"user_name"`
	AffiliateID    int64       `json:"affiliate_id"`
	ProductID      int64       `json:"product_id"`
	GrossAmount    int64       `json:"grand_total"`
	Status         OrderStatus `json:"-"`
	CreatedAt      time.Time   `json:"-"`
}

// rawOrderWire is the over-the-wire representation before normalization.
type rawOrderWire struct {
	OrderID        int64       `json:"order_id"`
	ExternalUserID int64       `json:"user_id"`
	UserEmail      string      `json:"user_email"`
	UserName       string      `json:"user_name"`
	AffiliateID    int64       `json:"affiliate_id"`
	ProductID      int64       `json:"product_id"`
	GrandTotal     json.Number `json:"grand_total"`
	Status         string      `json:"status"`
	CreatedAt      string      `json:"created_at"`
}

// salesPage is the top-level payload of one source API page.
type salesPage struct {
	Data []rawOrderWire `json:"data"`
}

// SourcePage caches one fetched page payload so re-runs do not re-hit the
// external source.
type SourcePage struct {
	ID        string         `gorm:"column:id;primaryKey"`
	Endpoint  string         `gorm:"column:endpoint;uniqueIndex:idx_source_pages_endpoint_page;not null"`
	Page      int            `gorm:"column:page;uniqueIndex:idx_source_pages_endpoint_page;not null"`
	Payload   datatypes.JSON `gorm:"column:payload;type:jsonb"`
	FetchedAt time.Time      `gorm:"column:fetched_at;autoCreateTime"`
}

func (SourcePage) TableName() string {
	return "source_pages"
}

const createdAtLayout = "2006-01-02 15:04:05"

func (w rawOrderWire) normalize() RawOrder {
	// grand_total arrives as "999000" or "999000.00" depending on export age.
	gross, err := w.GrandTotal.Int64()
	if err != nil {
		if f, ferr := w.GrandTotal.Float64(); ferr == nil {
			gross = int64(math.Round(f))
		}
	}
	createdAt, err := time.Parse(createdAtLayout, w.CreatedAt)
	if err != nil {
		createdAt = time.Time{}
	}

	return RawOrder{
		OrderID:        w.OrderID,
		ExternalUserID: w.ExternalUserID,
		UserEmail:      strings.ToLower(strings.TrimSpace(w.UserEmail)),
		UserName:       strings.TrimSpace(w.UserName),
		AffiliateID:    w.AffiliateID,
		ProductID:      w.ProductID,
		GrossAmount:    gross,
		Status:         ParseStatus(w.Status),
		CreatedAt:      createdAt,
	}
}

// PageFailure records a page that could not be fetched or decoded after all
// retries. Collected into the run summary instead of aborting the batch.
type PageFailure struct {
	Page   int    `json:"page"`
	Reason string `json:"reason"`
}
