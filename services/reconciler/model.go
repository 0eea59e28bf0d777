package reconciler

import (
	"time"
)

// RunState is the state machine of one reconciliation run:
// PENDING -> COMPUTING -> {CONSISTENT | DRIFT_DETECTED} -> (fix) CORRECTED.
// CONSISTENT and CORRECTED are terminal; DRIFT_DETECTED is terminal for
// report-only runs.
type RunState string

const (
	StatePending       RunState = "PENDING"
	StateComputing     RunState = "COMPUTING"
	StateConsistent    RunState = "CONSISTENT"
	StateDriftDetected RunState = "DRIFT_DETECTED"
	StateCorrected     RunState = "CORRECTED"
)

// Wallet holds an affiliate's payable balance. Kept by the payout system;
// the reconciler reads it as a second opinion next to the profile caches.
type Wallet struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id;uniqueIndex;not null"`
	Balance   int64     `gorm:"column:balance;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// ReconcileRun is the persisted audit row for one reconciliation pass over
// one affiliate.
type ReconcileRun struct {
	ID            string     `gorm:"column:id;primaryKey"`
	AffiliateID   string     `gorm:"column:affiliate_id;index;not null"`
	Mode          string     `gorm:"column:mode;not null"` // report-only, apply-fixes
	State         RunState   `gorm:"column:state;not null"`
	ComputedTotal int64      `gorm:"column:computed_total"`
	RecordedTotal int64      `gorm:"column:recorded_total"`
	Drift         int64      `gorm:"column:drift"`
	StartedAt     time.Time  `gorm:"column:started_at;autoCreateTime"`
	FinishedAt    *time.Time `gorm:"column:finished_at"`
}

func (ReconcileRun) TableName() string {
	return "reconcile_runs"
}

// Result is what one Reconcile call reports back.
type Result struct {
	AffiliateID     string   `json:"affiliate_id"`
	ComputedTotal   int64    `json:"computed_total"`
	RecordedTotal   int64    `json:"recorded_total"`
	Drift           int64    `json:"drift"`
	WalletBalance   int64    `json:"wallet_balance"`
	WalletDrift     int64    `json:"wallet_drift"`
	ConversionCount int64    `json:"conversion_count"`
	State           RunState `json:"state"`
}
