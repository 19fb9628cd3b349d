package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TransactionType classifies a ledger entry.
type TransactionType string

// TransactionType constants define ledger entry kinds.
const (
	// TransactionTypeBonus is a promotional or welcome grant.
	TransactionTypeBonus TransactionType = "bonus"
	// TransactionTypePurchase is a paid top-up.
	TransactionTypePurchase TransactionType = "purchase"
	// TransactionTypeUsage is a metered debit.
	TransactionTypeUsage TransactionType = "usage"
	// TransactionTypeReset replaces the balance with a plan allotment.
	TransactionTypeReset TransactionType = "reset"
	// TransactionTypeRefund returns credits to the user.
	TransactionTypeRefund TransactionType = "refund"
)

// Valid reports whether the type is a known ledger entry kind.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeBonus, TransactionTypePurchase, TransactionTypeUsage, TransactionTypeReset, TransactionTypeRefund:
		return true
	default:
		return false
	}
}

// CreditBalance caches a user's credit position. It is a projection of the transaction log.
type CreditBalance struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID string `gorm:"type:varchar(191);not null;uniqueIndex"` // Owning user.

	TotalCredits     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"` // Credits granted.
	UsedCredits      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"` // Credits consumed.
	AvailableCredits decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"` // Total minus used.

	Version int64 `gorm:"not null;default:0"` // Optimistic concurrency counter.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// CreditTransaction is an immutable ledger entry. Negative amounts are debits.
type CreditTransaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key, monotonic per insert.

	UserID string          `gorm:"type:varchar(191);not null;index:idx_credit_transactions_user_created,priority:1;uniqueIndex:idx_credit_transactions_user_idem,priority:1"` // Owning user.
	Type   TransactionType `gorm:"type:varchar(16);not null;index"`                                                                                                          // Entry kind.

	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null"` // Signed amount.
	BalanceAfter decimal.Decimal `gorm:"type:decimal(20,4);not null"` // Available credits after the entry.
	Description  string          `gorm:"type:text"`                   // Free-form description.

	AgentID        string `gorm:"type:varchar(64);not null;default:'';index"` // Linked agent, empty when none.
	ConversationID string `gorm:"type:varchar(64);not null;default:''"`       // Linked conversation, empty when none.
	ToolID         string `gorm:"type:varchar(64);not null;default:'';index"` // Linked tool, empty when none.

	Metadata       datatypes.JSON `gorm:"type:jsonb"`                                                          // Operation details.
	IdempotencyKey *string        `gorm:"type:varchar(191);uniqueIndex:idx_credit_transactions_user_idem,priority:2"` // Caller-supplied dedupe key.

	CreatedAt time.Time `gorm:"not null;index:idx_credit_transactions_user_created,priority:2"` // Creation timestamp.
}
