package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

// SubscriptionStatus constants define subscription lifecycle states.
const (
	// SubscriptionStatusActive marks a subscription in good standing.
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusPastDue marks a subscription with a failed renewal.
	SubscriptionStatusPastDue SubscriptionStatus = "past_due"
	// SubscriptionStatusCanceled marks a terminated subscription.
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Valid reports whether the status is a known lifecycle state.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceled:
		return true
	default:
		return false
	}
}

// Subscription links a user to a plan for a billing period.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID string `gorm:"type:varchar(191);not null;uniqueIndex"` // Owning user.
	PlanID uint64 `gorm:"not null;index"`                         // Related plan ID.
	Plan   Plan   `gorm:"foreignKey:PlanID"`                      // Related plan record.

	Status SubscriptionStatus `gorm:"type:varchar(16);not null;index"` // Lifecycle state.

	PeriodStart time.Time `gorm:"not null"`       // Current period start.
	PeriodEnd   time.Time `gorm:"not null;index"` // Current period end.

	CreditsResetAt        *time.Time      // Last credit reset.
	CreditsUsedThisPeriod decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"` // Credits consumed since the last reset.

	ExternalRef string     `gorm:"type:varchar(255)"` // Payment-provider reference, opaque.
	CanceledAt  *time.Time // Cancellation timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
