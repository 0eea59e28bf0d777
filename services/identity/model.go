package identity

import (
	"time"
)

// User is an internal platform account. The reconciliation engine only reads
// users; onboarding/import owns their lifecycle.
type User struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Email      string    `gorm:"column:email;uniqueIndex;not null"`
	Name       string    `gorm:"column:name"`
	ExternalID int64     `gorm:"column:external_id;index"`
	Role       string    `gorm:"column:role;default:'MEMBER'"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (User) TableName() string {
	return "users"
}

// AffiliateProfile is the affiliate account attached one-to-one to a User.
// TotalEarnings and TotalConversions are denormalized caches of the
// conversions table; the reconciler keeps them consistent.
type AffiliateProfile struct {
	ID               string    `gorm:"column:id;primaryKey"`
	UserID           string    `gorm:"column:user_id;uniqueIndex;not null"`
	AffiliateCode    string    `gorm:"column:affiliate_code;uniqueIndex"`
	ExternalID       int64     `gorm:"column:external_id;uniqueIndex"`
	CommissionRate   float64   `gorm:"column:commission_rate"`
	TotalEarnings    int64     `gorm:"column:total_earnings;default:0"`
	TotalConversions int64     `gorm:"column:total_conversions;default:0"`
	IsActive         bool      `gorm:"column:is_active;default:true"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (AffiliateProfile) TableName() string {
	return "affiliate_profiles"
}

// Resolution is the outcome of matching one raw order against the snapshot.
type Resolution struct {
	BuyerID     string
	AffiliateID string // affiliate profile ID, empty when unresolvable
	Matched     bool
}
