package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Unlimited marks a plan cap that is never enforced.
const Unlimited = -1

// PlanInterval is the billing cadence of a plan.
type PlanInterval string

// PlanInterval constants define supported billing cadences.
const (
	// PlanIntervalMonth renews every calendar month.
	PlanIntervalMonth PlanInterval = "month"
	// PlanIntervalYear renews every calendar year.
	PlanIntervalYear PlanInterval = "year"
)

// Plan is a subscription tier with resource caps and a periodic credit allotment.
type Plan struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name        string `gorm:"type:varchar(64);not null;uniqueIndex"` // Stable plan key such as "free" or "pro".
	DisplayName string `gorm:"type:varchar(255);not null"`            // Human-readable plan name.
	Description string `gorm:"type:text"`                             // Plan description.

	MaxAgents      int             `gorm:"not null;default:0"`                     // Active agent cap, -1 for unlimited.
	MaxCustomTools int             `gorm:"not null;default:0"`                     // User-authored tool cap, -1 for unlimited.
	MonthlyCredits decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"` // Credits granted on each reset.

	Price    decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0"`      // Price per interval.
	Currency string          `gorm:"type:varchar(8);not null;default:'usd'"`     // ISO currency code.
	Interval PlanInterval    `gorm:"type:varchar(16);not null;default:'month'"` // Billing cadence.

	RateLimit int            `gorm:"not null;default:0"` // Requests per second on the billing API, 0 for unlimited.
	Features  datatypes.JSON `gorm:"type:jsonb"`         // Feature flags exposed to clients.

	SortOrder int  `gorm:"not null;default:0"` // Display ordering weight.
	IsActive  bool `gorm:"not null"`           // Whether the plan can be assigned.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AgentsUnlimited reports whether the agent cap is disabled.
func (p Plan) AgentsUnlimited() bool { return p.MaxAgents == Unlimited }

// CustomToolsUnlimited reports whether the custom tool cap is disabled.
func (p Plan) CustomToolsUnlimited() bool { return p.MaxCustomTools == Unlimited }
