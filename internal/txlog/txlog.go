package txlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrInvalidEntry indicates an entry that cannot be appended.
	ErrInvalidEntry = errors.New("txlog: invalid entry")
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	replayBatchSize  = 500
)

// Append inserts entry inside the caller's transaction. Entries are never updated or deleted.
func Append(tx *gorm.DB, entry *models.CreditTransaction) error {
	if tx == nil || entry == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}
	if entry.ID != 0 {
		return fmt.Errorf("%w: entry %d already persisted", ErrInvalidEntry, entry.ID)
	}
	if strings.TrimSpace(entry.UserID) == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidEntry)
	}
	if !entry.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, entry.Type)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if errCreate := tx.Create(entry).Error; errCreate != nil {
		return fmt.Errorf("txlog: append: %w", errCreate)
	}
	return nil
}

// FindByIdempotencyKey returns the entry recorded under key, or nil when none exists.
func FindByIdempotencyKey(tx *gorm.DB, userID, key string) (*models.CreditTransaction, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var entry models.CreditTransaction
	if errFind := tx.Where("user_id = ? AND idempotency_key = ?", userID, key).Take(&entry).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("txlog: find idempotency key: %w", errFind)
	}
	return &entry, nil
}

// Log reads the transaction history.
type Log struct {
	db *gorm.DB
}

// New constructs a Log.
func New(db *gorm.DB) *Log {
	return &Log{db: db}
}

// ListOptions filters a history query.
type ListOptions struct {
	Types  []models.TransactionType
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// List returns the user's entries newest first along with the unpaged total.
func (l *Log) List(ctx context.Context, userID string, opts ListOptions) ([]models.CreditTransaction, int64, error) {
	q := l.db.WithContext(ctx).Model(&models.CreditTransaction{}).Where("user_id = ?", userID)
	if len(opts.Types) > 0 {
		q = q.Where("type IN ?", opts.Types)
	}
	if !opts.Since.IsZero() {
		q = q.Where("created_at >= ?", opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		q = q.Where("created_at < ?", opts.Until.UTC())
	}

	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("txlog: count: %w", errCount)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	var entries []models.CreditTransaction
	if errFind := q.Order("id DESC").Limit(limit).Offset(offset).Find(&entries).Error; errFind != nil {
		return nil, 0, fmt.Errorf("txlog: list: %w", errFind)
	}
	return entries, total, nil
}

// Totals is a balance reconstructed from the log.
type Totals struct {
	Total     decimal.Decimal
	Used      decimal.Decimal
	Available decimal.Decimal
	Entries   int
}

// Apply folds one entry into the totals.
// Grants add to total, usage adds its magnitude to used, and a reset replaces both.
func (t *Totals) Apply(entry models.CreditTransaction) {
	switch entry.Type {
	case models.TransactionTypeBonus, models.TransactionTypePurchase, models.TransactionTypeRefund:
		t.Total = t.Total.Add(entry.Amount)
	case models.TransactionTypeUsage:
		t.Used = t.Used.Add(entry.Amount.Neg())
	case models.TransactionTypeReset:
		t.Total = entry.Amount
		t.Used = decimal.Zero
	}
	t.Available = t.Total.Sub(t.Used)
	t.Entries++
}

// Fold replays entries in order from an empty balance.
func Fold(entries []models.CreditTransaction) Totals {
	var totals Totals
	for _, entry := range entries {
		totals.Apply(entry)
	}
	return totals
}

// Replay reconstructs the user's balance from the full log in append order.
func (l *Log) Replay(ctx context.Context, userID string) (Totals, error) {
	var totals Totals
	var batch []models.CreditTransaction
	res := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		FindInBatches(&batch, replayBatchSize, func(_ *gorm.DB, _ int) error {
			for _, entry := range batch {
				totals.Apply(entry)
			}
			return nil
		})
	if res.Error != nil {
		return Totals{}, fmt.Errorf("txlog: replay: %w", res.Error)
	}
	return totals, nil
}
