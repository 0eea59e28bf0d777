package pipeline

import (
	"time"

	"affiliate-reconcile/services/anomaly"
	"affiliate-reconcile/services/extractor"
	"affiliate-reconcile/services/reconciler"
)

// Mode selects whether a run only reports or also writes corrections.
type Mode string

const (
	ModeReportOnly Mode = "report-only"
	ModeApplyFixes Mode = "apply-fixes"
)

// Options filter and shape one pipeline run.
type Options struct {
	Mode Mode
	// From/To bound orders by their source creation time. Zero values
	// disable the bound.
	From time.Time
	To   time.Time
	// AffiliateID restricts reconciliation to one affiliate profile.
	AffiliateID string
}

// SkipRecord explains why one order was left out of downstream processing.
type SkipRecord struct {
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

const (
	SkipUnmatchedBuyer  = "unmatched buyer email"
	SkipNoAffiliate     = "affiliate not resolvable"
	SkipNotCompleted    = "order not completed"
	SkipZeroCommission  = "zero commission"
	SkipPolicyViolation = "computed commission violates policy bounds"
	SkipWriteFailed     = "write failed"
	SkipFiltered        = "outside run filters"
)

// RunSummary is the operator-facing report of one run. Emitted even on
// partial failure so the operator always sees exactly what happened.
type RunSummary struct {
	BatchID    string    `json:"batch_id"`
	Mode       Mode      `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	OrdersFetched   int   `json:"orders_fetched"`
	OrdersMatched   int   `json:"orders_matched"`
	Unmatched       int   `json:"unmatched"`
	TxnCreated      int   `json:"transactions_created"`
	TxnUpdated      int   `json:"transactions_updated"`
	ConvCreated     int   `json:"conversions_created"`
	ConvUpdated     int   `json:"conversions_updated"`
	Skipped         int   `json:"skipped"`
	TotalCommission int64 `json:"total_commission"`

	SkipRecords  []SkipRecord            `json:"skip_records,omitempty"`
	PageFailures []extractor.PageFailure `json:"page_failures,omitempty"`
	Drifts       []*reconciler.Result    `json:"drifts,omitempty"`
	Anomalies    []anomaly.Finding       `json:"anomalies,omitempty"`

	// Err holds the systemic error that terminated the run early, if any.
	Err string `json:"error,omitempty"`
}
