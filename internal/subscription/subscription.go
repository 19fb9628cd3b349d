package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the user has no subscription.
	ErrNotFound = errors.New("subscription: not found")
	// ErrInvalidStatus indicates an unknown lifecycle state.
	ErrInvalidStatus = errors.New("subscription: invalid status")
)

// PlanLookup resolves assignable plans by name.
type PlanLookup interface {
	LookupPlan(ctx context.Context, name string) (models.Plan, error)
}

// Service manages subscription lifecycle transitions.
type Service struct {
	db    *gorm.DB
	plans PlanLookup
	nowFn func() time.Time
}

// NewService constructs a Service. A nil nowFn uses the wall clock in UTC.
func NewService(db *gorm.DB, plans PlanLookup, nowFn func() time.Time) *Service {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Service{db: db, plans: plans, nowFn: nowFn}
}

// PeriodEnd returns the end of a billing period that starts at start.
func PeriodEnd(start time.Time, interval models.PlanInterval) time.Time {
	if interval == models.PlanIntervalYear {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Current returns the user's subscription with its plan.
func (s *Service) Current(ctx context.Context, userID string) (models.Subscription, error) {
	var sub models.Subscription
	if errFind := s.db.WithContext(ctx).
		Preload("Plan").
		Where("user_id = ?", userID).
		Take(&sub).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.Subscription{}, ErrNotFound
		}
		return models.Subscription{}, fmt.Errorf("subscription: find: %w", errFind)
	}
	return sub, nil
}

// EnsureDefault creates a subscription on planName when the user has none.
// It reports whether a subscription was created.
func (s *Service) EnsureDefault(ctx context.Context, userID, planName string) (models.Subscription, bool, error) {
	plan, errPlan := s.plans.LookupPlan(ctx, planName)
	if errPlan != nil {
		return models.Subscription{}, false, errPlan
	}
	now := s.nowFn()
	sub := models.Subscription{
		UserID:      userID,
		PlanID:      plan.ID,
		Status:      models.SubscriptionStatusActive,
		PeriodStart: now,
		PeriodEnd:   PeriodEnd(now, plan.Interval),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&sub)
	if res.Error != nil {
		return models.Subscription{}, false, fmt.Errorf("subscription: create: %w", res.Error)
	}
	current, errCurrent := s.Current(ctx, userID)
	if errCurrent != nil {
		return models.Subscription{}, false, errCurrent
	}
	return current, res.RowsAffected > 0, nil
}

// WithTx returns a Service whose queries run on tx.
// Plan lookups still use the catalog's own connection, so resolve plans before opening tx.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{db: tx, plans: s.plans, nowFn: s.nowFn}
}

// Assign moves the user onto planName and starts a new period, creating the subscription if needed.
func (s *Service) Assign(ctx context.Context, userID, planName string) (models.Subscription, error) {
	plan, errPlan := s.plans.LookupPlan(ctx, planName)
	if errPlan != nil {
		return models.Subscription{}, errPlan
	}
	var sub models.Subscription
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errAssign error
		sub, errAssign = s.WithTx(tx).AssignPlan(ctx, userID, plan)
		return errAssign
	})
	if errTx != nil {
		return models.Subscription{}, errTx
	}
	log.WithFields(log.Fields{"user_id": userID, "plan": plan.Name}).Info("subscription: plan assigned")
	return sub, nil
}

// AssignPlan moves the user onto an already resolved plan. It does not open a transaction;
// call it on a Service from WithTx.
func (s *Service) AssignPlan(ctx context.Context, userID string, plan models.Plan) (models.Subscription, error) {
	now := s.nowFn()
	conn := s.db.WithContext(ctx)

	var existing models.Subscription
	errFind := conn.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&existing).Error
	switch {
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		sub := models.Subscription{
			UserID:      userID,
			PlanID:      plan.ID,
			Status:      models.SubscriptionStatusActive,
			PeriodStart: now,
			PeriodEnd:   PeriodEnd(now, plan.Interval),
		}
		if errCreate := conn.Create(&sub).Error; errCreate != nil {
			return models.Subscription{}, fmt.Errorf("subscription: assign %s: %w", plan.Name, errCreate)
		}
	case errFind != nil:
		return models.Subscription{}, fmt.Errorf("subscription: assign %s: %w", plan.Name, errFind)
	default:
		errUpdate := conn.Model(&models.Subscription{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"plan_id":      plan.ID,
				"status":       models.SubscriptionStatusActive,
				"period_start": now,
				"period_end":   PeriodEnd(now, plan.Interval),
				"canceled_at":  nil,
				"updated_at":   now,
			}).Error
		if errUpdate != nil {
			return models.Subscription{}, fmt.Errorf("subscription: assign %s: %w", plan.Name, errUpdate)
		}
	}
	return s.Current(ctx, userID)
}

// SetStatus applies an external lifecycle event such as a failed renewal or cancellation.
func (s *Service) SetStatus(ctx context.Context, userID string, status models.SubscriptionStatus) (models.Subscription, error) {
	status = models.SubscriptionStatus(strings.ToLower(strings.TrimSpace(string(status))))
	if !status.Valid() {
		return models.Subscription{}, ErrInvalidStatus
	}
	now := s.nowFn()
	updates := map[string]any{
		"status":     status,
		"updated_at": now,
	}
	if status == models.SubscriptionStatusCanceled {
		updates["canceled_at"] = now
	} else {
		updates["canceled_at"] = nil
	}

	res := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Updates(updates)
	if res.Error != nil {
		return models.Subscription{}, fmt.Errorf("subscription: set status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.Subscription{}, ErrNotFound
	}
	return s.Current(ctx, userID)
}

// SetExternalRef stores the payment-provider reference for the user's subscription.
func (s *Service) SetExternalRef(ctx context.Context, userID, ref string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"external_ref": strings.TrimSpace(ref), "updated_at": s.nowFn()})
	if res.Error != nil {
		return fmt.Errorf("subscription: set external ref: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DueForReset lists active subscriptions whose period ended at or before now.
func (s *Service) DueForReset(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subs []models.Subscription
	if errFind := s.db.WithContext(ctx).
		Preload("Plan").
		Where("status = ? AND period_end <= ?", models.SubscriptionStatusActive, now).
		Order("period_end ASC, id ASC").
		Limit(limit).
		Find(&subs).Error; errFind != nil {
		return nil, fmt.Errorf("subscription: list due: %w", errFind)
	}
	return subs, nil
}

// AdvancePeriod rolls the user's period forward until it covers now.
// It reports false when another caller already advanced it.
func (s *Service) AdvancePeriod(ctx context.Context, sub models.Subscription) (models.Subscription, bool, error) {
	now := s.nowFn()
	interval := sub.Plan.Interval
	start, end := sub.PeriodStart, sub.PeriodEnd
	if end.IsZero() {
		start, end = now, PeriodEnd(now, interval)
	}
	for !end.After(now) {
		start = end
		end = PeriodEnd(start, interval)
	}
	if end.Equal(sub.PeriodEnd) {
		return sub, false, nil
	}

	res := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND period_end = ?", sub.ID, sub.PeriodEnd).
		Updates(map[string]any{
			"period_start": start,
			"period_end":   end,
			"updated_at":   now,
		})
	if res.Error != nil {
		return sub, false, fmt.Errorf("subscription: advance period: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return sub, false, nil
	}
	sub.PeriodStart = start
	sub.PeriodEnd = end
	return sub, true, nil
}
