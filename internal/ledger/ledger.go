package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/router-for-me/CLIProxyAPICredits/internal/txlog"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Precision is the number of decimal places stored for credit amounts.
const Precision = 4

// Column widths of the transaction linkage fields.
const (
	MaxLinkLength           = 64
	MaxIdempotencyKeyLength = 191
)

const (
	defaultMaxRetries = 5
	retryBaseDelay    = 5 * time.Millisecond
)

// PlanResolver returns the plan that currently applies to a user.
type PlanResolver interface {
	PlanForUser(ctx context.Context, userID string) (models.Plan, error)
}

// Options configures a Ledger.
type Options struct {
	WelcomeGrant decimal.Decimal
	MaxRetries   int
	Now          func() time.Time
}

// Ledger owns every mutation of credit balances. Each mutation and its log entry commit together.
type Ledger struct {
	db         *gorm.DB
	plans      PlanResolver
	welcome    decimal.Decimal
	maxRetries int
	nowFn      func() time.Time
	locks      *keyLock
}

// New constructs a Ledger.
func New(db *gorm.DB, plans PlanResolver, opts Options) *Ledger {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Ledger{
		db:         db,
		plans:      plans,
		welcome:    opts.WelcomeGrant.Round(Precision),
		maxRetries: maxRetries,
		nowFn:      nowFn,
		locks:      newKeyLock(),
	}
}

// Linkage ties a ledger entry to the resource that caused it.
type Linkage struct {
	AgentID        string
	ConversationID string
	ToolID         string
}

func (k Linkage) validate() error {
	fields := []struct{ name, value string }{
		{"agent_id", k.AgentID},
		{"conversation_id", k.ConversationID},
		{"tool_id", k.ToolID},
	}
	for _, f := range fields {
		if utf8.RuneCountInString(f.value) > MaxLinkLength {
			return fmt.Errorf("%w: %s exceeds %d characters", ErrFieldTooLong, f.name, MaxLinkLength)
		}
	}
	return nil
}

// ConsumeRequest describes a debit.
type ConsumeRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Description string
	Linkage     Linkage
	Metadata    map[string]any
	// IdempotencyKey deduplicates retried debits when set.
	IdempotencyKey string
}

// Result is the outcome of a balance mutation.
type Result struct {
	Balance     models.CreditBalance
	Transaction models.CreditTransaction
	// Replayed is true when an earlier debit with the same idempotency key was returned.
	Replayed bool
}

// CheckResult reports whether a balance covers an amount.
type CheckResult struct {
	Sufficient bool
	Available  decimal.Decimal
	Required   decimal.Decimal
	Deficit    decimal.Decimal
}

// Initialize creates the user's balance with the welcome grant. Existing balances are returned unchanged.
func (l *Ledger) Initialize(ctx context.Context, userID string) (models.CreditBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.CreditBalance{}, ErrMissingUser
	}
	unlock, errLock := l.locks.Lock(ctx, userID)
	if errLock != nil {
		return models.CreditBalance{}, errLock
	}
	defer unlock()

	balance, _, errInit := l.initialize(ctx, userID)
	return balance, errInit
}

// Balance returns the user's balance, initializing it on first access.
func (l *Ledger) Balance(ctx context.Context, userID string) (models.CreditBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.CreditBalance{}, ErrMissingUser
	}
	balance, found, errFind := l.findBalance(l.db.WithContext(ctx), userID)
	if errFind != nil {
		return models.CreditBalance{}, errFind
	}
	if found {
		return balance, nil
	}
	return l.Initialize(ctx, userID)
}

// Check reports whether the user can afford amount without changing the balance.
func (l *Ledger) Check(ctx context.Context, userID string, amount decimal.Decimal) (CheckResult, error) {
	if amount.IsNegative() {
		return CheckResult{}, ErrInvalidAmount
	}
	balance, errBalance := l.Balance(ctx, userID)
	if errBalance != nil {
		return CheckResult{}, errBalance
	}
	required := amount.Round(Precision)
	result := CheckResult{
		Sufficient: balance.AvailableCredits.GreaterThanOrEqual(required),
		Available:  balance.AvailableCredits,
		Required:   required,
		Deficit:    decimal.Zero,
	}
	if !result.Sufficient {
		result.Deficit = required.Sub(balance.AvailableCredits)
	}
	return result, nil
}

// Consume debits the user's balance. It returns an *InsufficientCreditsError and leaves
// the balance untouched when the available credits cannot cover the amount.
func (l *Ledger) Consume(ctx context.Context, req ConsumeRequest) (Result, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return Result{}, ErrMissingUser
	}
	amount := req.Amount.Round(Precision)
	if !amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	if errLink := req.Linkage.validate(); errLink != nil {
		return Result{}, errLink
	}
	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if utf8.RuneCountInString(idemKey) > MaxIdempotencyKeyLength {
		return Result{}, fmt.Errorf("%w: idempotency key exceeds %d characters", ErrFieldTooLong, MaxIdempotencyKeyLength)
	}
	metadata, errMeta := encodeMetadata(req.Metadata)
	if errMeta != nil {
		return Result{}, errMeta
	}

	unlock, errLock := l.locks.Lock(ctx, userID)
	if errLock != nil {
		return Result{}, errLock
	}
	defer unlock()

	if _, _, errInit := l.initialize(ctx, userID); errInit != nil {
		return Result{}, errInit
	}

	var result Result
	errRun := l.withRetry(ctx, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if idemKey != "" {
				prior, errPrior := txlog.FindByIdempotencyKey(tx, userID, idemKey)
				if errPrior != nil {
					return errPrior
				}
				if prior != nil {
					balance, _, errFind := l.findBalance(tx, userID)
					if errFind != nil {
						return errFind
					}
					result = Result{Balance: balance, Transaction: *prior, Replayed: true}
					return nil
				}
			}

			current, errLockRow := l.lockBalance(tx, userID)
			if errLockRow != nil {
				return errLockRow
			}
			if current.AvailableCredits.LessThan(amount) {
				return &InsufficientCreditsError{
					UserID:    userID,
					Available: current.AvailableCredits,
					Required:  amount,
				}
			}

			now := l.nowFn()
			next := current
			next.UsedCredits = current.UsedCredits.Add(amount)
			next.AvailableCredits = next.TotalCredits.Sub(next.UsedCredits)
			if errUpdate := l.updateBalance(tx, current, &next, now); errUpdate != nil {
				return errUpdate
			}

			if errSub := tx.Model(&models.Subscription{}).
				Where("user_id = ?", userID).
				Updates(map[string]any{
					"credits_used_this_period": gorm.Expr("credits_used_this_period + ?", amount),
					"updated_at":               now,
				}).Error; errSub != nil {
				return fmt.Errorf("ledger: update period usage: %w", errSub)
			}

			entry := models.CreditTransaction{
				UserID:         userID,
				Type:           models.TransactionTypeUsage,
				Amount:         amount.Neg(),
				BalanceAfter:   next.AvailableCredits,
				Description:    req.Description,
				AgentID:        strings.TrimSpace(req.Linkage.AgentID),
				ConversationID: strings.TrimSpace(req.Linkage.ConversationID),
				ToolID:         strings.TrimSpace(req.Linkage.ToolID),
				Metadata:       metadata,
				CreatedAt:      now,
			}
			if idemKey != "" {
				entry.IdempotencyKey = &idemKey
			}
			if errAppend := txlog.Append(tx, &entry); errAppend != nil {
				return errAppend
			}

			result = Result{Balance: next, Transaction: entry}
			return nil
		})
	})
	if errRun != nil {
		if errors.Is(errRun, ErrInsufficientCredits) {
			return Result{}, errRun
		}
		return Result{}, fmt.Errorf("ledger: consume: %w", errRun)
	}
	return result, nil
}

// Add credits the user's balance with a bonus, purchase, or refund.
func (l *Ledger) Add(ctx context.Context, userID string, amount decimal.Decimal, description string, txType models.TransactionType) (Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Result{}, ErrMissingUser
	}
	amount = amount.Round(Precision)
	if !amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	switch txType {
	case models.TransactionTypeBonus, models.TransactionTypePurchase, models.TransactionTypeRefund:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidTransactionType, txType)
	}

	unlock, errLock := l.locks.Lock(ctx, userID)
	if errLock != nil {
		return Result{}, errLock
	}
	defer unlock()

	if _, _, errInit := l.initialize(ctx, userID); errInit != nil {
		return Result{}, errInit
	}

	var result Result
	errRun := l.withRetry(ctx, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current, errLockRow := l.lockBalance(tx, userID)
			if errLockRow != nil {
				return errLockRow
			}

			now := l.nowFn()
			next := current
			next.TotalCredits = current.TotalCredits.Add(amount)
			next.AvailableCredits = next.TotalCredits.Sub(next.UsedCredits)
			if errUpdate := l.updateBalance(tx, current, &next, now); errUpdate != nil {
				return errUpdate
			}

			entry := models.CreditTransaction{
				UserID:       userID,
				Type:         txType,
				Amount:       amount,
				BalanceAfter: next.AvailableCredits,
				Description:  description,
				CreatedAt:    now,
			}
			if errAppend := txlog.Append(tx, &entry); errAppend != nil {
				return errAppend
			}
			result = Result{Balance: next, Transaction: entry}
			return nil
		})
	})
	if errRun != nil {
		return Result{}, fmt.Errorf("ledger: add: %w", errRun)
	}
	return result, nil
}

// Reset replaces the user's balance with the allotment of their current plan and clears usage.
// Calling it twice in a period leaves the same balance.
func (l *Ledger) Reset(ctx context.Context, userID string) (Result, error) {
	return l.ResetWith(ctx, userID, ResetOptions{})
}

// ResetOptions adjusts a reset.
type ResetOptions struct {
	// Plan supplies the allotment instead of the user's current plan.
	Plan *models.Plan
	// InTx runs inside the reset transaction once the balance row is locked, so its writes
	// commit or roll back with the reset. It may run more than once when the transaction is retried.
	// Returning ErrResetSkipped abandons the reset.
	InTx func(tx *gorm.DB) error
}

// ResetWith is Reset with a caller-supplied plan and transactional hook.
func (l *Ledger) ResetWith(ctx context.Context, userID string, opts ResetOptions) (Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Result{}, ErrMissingUser
	}
	var plan models.Plan
	if opts.Plan != nil {
		plan = *opts.Plan
	} else {
		resolved, errPlan := l.plans.PlanForUser(ctx, userID)
		if errPlan != nil {
			return Result{}, fmt.Errorf("ledger: reset: resolve plan: %w", errPlan)
		}
		plan = resolved
	}
	allotment := plan.MonthlyCredits.Round(Precision)

	unlock, errLock := l.locks.Lock(ctx, userID)
	if errLock != nil {
		return Result{}, errLock
	}
	defer unlock()

	if _, _, errInit := l.initialize(ctx, userID); errInit != nil {
		return Result{}, errInit
	}

	var result Result
	errRun := l.withRetry(ctx, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current, errLockRow := l.lockBalance(tx, userID)
			if errLockRow != nil {
				return errLockRow
			}
			if opts.InTx != nil {
				if errHook := opts.InTx(tx); errHook != nil {
					return errHook
				}
			}

			now := l.nowFn()
			next := current
			next.TotalCredits = allotment
			next.UsedCredits = decimal.Zero
			next.AvailableCredits = allotment
			if errUpdate := l.updateBalance(tx, current, &next, now); errUpdate != nil {
				return errUpdate
			}

			if errSub := tx.Model(&models.Subscription{}).
				Where("user_id = ?", userID).
				Updates(map[string]any{
					"credits_used_this_period": decimal.Zero,
					"credits_reset_at":         now,
					"updated_at":               now,
				}).Error; errSub != nil {
				return fmt.Errorf("ledger: reset period usage: %w", errSub)
			}

			metadata, errMeta := encodeMetadata(map[string]any{
				"plan":               plan.Name,
				"previous_total":     current.TotalCredits.String(),
				"previous_used":      current.UsedCredits.String(),
				"previous_available": current.AvailableCredits.String(),
			})
			if errMeta != nil {
				return errMeta
			}
			entry := models.CreditTransaction{
				UserID:       userID,
				Type:         models.TransactionTypeReset,
				Amount:       allotment,
				BalanceAfter: allotment,
				Description:  fmt.Sprintf("Credit reset for %s plan", plan.DisplayName),
				Metadata:     metadata,
				CreatedAt:    now,
			}
			if errAppend := txlog.Append(tx, &entry); errAppend != nil {
				return errAppend
			}
			result = Result{Balance: next, Transaction: entry}
			return nil
		})
	})
	if errRun != nil {
		return Result{}, fmt.Errorf("ledger: reset: %w", errRun)
	}

	log.WithFields(log.Fields{"user_id": userID, "plan": plan.Name, "credits": allotment.String()}).Info("ledger: credits reset")
	return result, nil
}

// initialize creates the balance and welcome bonus if missing. Callers hold the user's key lock.
func (l *Ledger) initialize(ctx context.Context, userID string) (models.CreditBalance, bool, error) {
	balance, found, errFind := l.findBalance(l.db.WithContext(ctx), userID)
	if errFind != nil {
		return models.CreditBalance{}, false, errFind
	}
	if found {
		return balance, false, nil
	}

	created := false
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.nowFn()
		balance = models.CreditBalance{
			UserID:           userID,
			TotalCredits:     l.welcome,
			UsedCredits:      decimal.Zero,
			AvailableCredits: l.welcome,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
			Create(&balance)
		if res.Error != nil {
			return fmt.Errorf("ledger: create balance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Another process created it first.
			existing, _, errExisting := l.findBalance(tx, userID)
			balance = existing
			return errExisting
		}
		created = true
		if !l.welcome.IsPositive() {
			return nil
		}
		entry := models.CreditTransaction{
			UserID:       userID,
			Type:         models.TransactionTypeBonus,
			Amount:       l.welcome,
			BalanceAfter: l.welcome,
			Description:  "Welcome bonus",
			CreatedAt:    now,
		}
		return txlog.Append(tx, &entry)
	})
	if errTx != nil {
		return models.CreditBalance{}, false, fmt.Errorf("ledger: initialize: %w", errTx)
	}
	if created {
		log.WithFields(log.Fields{"user_id": userID, "credits": l.welcome.String()}).Info("ledger: balance initialized")
	}
	return balance, created, nil
}

// findBalance loads the balance row without locking.
func (l *Ledger) findBalance(conn *gorm.DB, userID string) (models.CreditBalance, bool, error) {
	var balance models.CreditBalance
	if errFind := conn.Where("user_id = ?", userID).Take(&balance).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.CreditBalance{}, false, nil
		}
		return models.CreditBalance{}, false, fmt.Errorf("ledger: find balance: %w", errFind)
	}
	return balance, true, nil
}

// lockBalance loads the balance row FOR UPDATE inside tx.
func (l *Ledger) lockBalance(tx *gorm.DB, userID string) (models.CreditBalance, error) {
	var balance models.CreditBalance
	if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&balance).Error; errFind != nil {
		return models.CreditBalance{}, fmt.Errorf("ledger: lock balance: %w", errFind)
	}
	return balance, nil
}

// updateBalance writes next if the row still carries current's version.
func (l *Ledger) updateBalance(tx *gorm.DB, current models.CreditBalance, next *models.CreditBalance, now time.Time) error {
	if next.UsedCredits.IsNegative() || next.AvailableCredits.IsNegative() {
		return fmt.Errorf("ledger: balance for %s would go negative", current.UserID)
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now
	res := tx.Model(&models.CreditBalance{}).
		Where("id = ? AND version = ?", current.ID, current.Version).
		Updates(map[string]any{
			"total_credits":     next.TotalCredits,
			"used_credits":      next.UsedCredits,
			"available_credits": next.AvailableCredits,
			"version":           next.Version,
			"updated_at":        now,
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: update balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// withRetry reruns fn on optimistic conflicts and transient database errors.
func (l *Ledger) withRetry(ctx context.Context, fn func() error) error {
	var errLast error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		errLast = fn()
		if errLast == nil || !isRetryable(errLast) {
			return errLast
		}
		log.WithError(errLast).WithField("attempt", attempt+1).Debug("ledger: retrying balance mutation")
		delay := retryBaseDelay * time.Duration(1<<attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return errLast
}

func encodeMetadata(meta map[string]any) (datatypes.JSON, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, errMarshal := json.Marshal(meta)
	if errMarshal != nil {
		return nil, fmt.Errorf("ledger: encode metadata: %w", errMarshal)
	}
	return datatypes.JSON(raw), nil
}
