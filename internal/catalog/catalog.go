package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPlanNotFound indicates no active plan with the requested name.
var ErrPlanNotFound = errors.New("catalog: plan not found")

// Catalog resolves plans seeded from the billing config.
type Catalog struct {
	db  *gorm.DB
	cfg config.BillingConfig
}

// New constructs a Catalog.
func New(db *gorm.DB, cfg config.BillingConfig) *Catalog {
	return &Catalog{db: db, cfg: cfg}
}

// DefaultPlanName returns the plan assigned to users without a subscription.
func (c *Catalog) DefaultPlanName() string {
	return c.cfg.DefaultPlan
}

// SeedDefaults inserts configured plans that do not exist yet and returns how many were created.
// Existing rows are never overwritten.
func (c *Catalog) SeedDefaults(ctx context.Context) (int, error) {
	created := 0
	for _, planCfg := range c.cfg.Plans {
		plan, errBuild := PlanFromConfig(planCfg)
		if errBuild != nil {
			return created, errBuild
		}
		res := c.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
			Create(&plan)
		if res.Error != nil {
			return created, fmt.Errorf("catalog: seed plan %s: %w", planCfg.Name, res.Error)
		}
		created += int(res.RowsAffected)
	}
	if created > 0 {
		log.WithField("created", created).Info("catalog: seeded default plans")
	}
	return created, nil
}

// LookupPlan returns the active plan with the given name or ErrPlanNotFound.
func (c *Catalog) LookupPlan(ctx context.Context, name string) (models.Plan, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Plan{}, ErrPlanNotFound
	}
	var plan models.Plan
	if errFind := c.db.WithContext(ctx).
		Where("name = ? AND is_active = ?", name, true).
		Take(&plan).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.Plan{}, ErrPlanNotFound
		}
		return models.Plan{}, fmt.Errorf("catalog: find plan %s: %w", name, errFind)
	}
	return plan, nil
}

// GetPlan returns the named plan, falling back to the default plan when it is missing.
func (c *Catalog) GetPlan(ctx context.Context, name string) (models.Plan, error) {
	plan, errLookup := c.LookupPlan(ctx, name)
	if errLookup == nil {
		return plan, nil
	}
	if !errors.Is(errLookup, ErrPlanNotFound) {
		return models.Plan{}, errLookup
	}
	log.WithField("plan", name).Warn("catalog: plan not found, using default plan")
	return c.defaultPlan(ctx)
}

// ListActivePlans returns assignable plans in display order.
func (c *Catalog) ListActivePlans(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	if errFind := c.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_order ASC, id ASC").
		Find(&plans).Error; errFind != nil {
		return nil, fmt.Errorf("catalog: list plans: %w", errFind)
	}
	return plans, nil
}

// PlanForUser returns the plan of the user's live subscription, or the default plan.
// Plans retired after subscription keep applying to existing subscribers.
func (c *Catalog) PlanForUser(ctx context.Context, userID string) (models.Plan, error) {
	var sub models.Subscription
	errFind := c.db.WithContext(ctx).
		Preload("Plan").
		Where("user_id = ? AND status IN ?", userID, []models.SubscriptionStatus{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusPastDue,
		}).
		Take(&sub).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return c.defaultPlan(ctx)
		}
		return models.Plan{}, fmt.Errorf("catalog: find subscription: %w", errFind)
	}
	if sub.Plan.ID == 0 {
		log.WithFields(log.Fields{"user_id": userID, "plan_id": sub.PlanID}).Warn("catalog: subscribed plan missing, using default plan")
		return c.defaultPlan(ctx)
	}
	return sub.Plan, nil
}

// defaultPlan returns the stored default plan, or the configured one when it was never seeded.
func (c *Catalog) defaultPlan(ctx context.Context) (models.Plan, error) {
	plan, errLookup := c.LookupPlan(ctx, c.cfg.DefaultPlan)
	if errLookup == nil {
		return plan, nil
	}
	if !errors.Is(errLookup, ErrPlanNotFound) {
		return models.Plan{}, errLookup
	}
	planCfg, ok := c.cfg.Plan(c.cfg.DefaultPlan)
	if !ok {
		return models.Plan{}, fmt.Errorf("catalog: default plan %q is not configured", c.cfg.DefaultPlan)
	}
	log.WithField("plan", c.cfg.DefaultPlan).Warn("catalog: default plan not seeded, using config values")
	return PlanFromConfig(planCfg)
}

// PlanFromConfig converts a configured plan into an unsaved row.
func PlanFromConfig(cfg config.PlanConfig) (models.Plan, error) {
	var features datatypes.JSON
	if len(cfg.Features) > 0 {
		raw, errMarshal := json.Marshal(cfg.Features)
		if errMarshal != nil {
			return models.Plan{}, fmt.Errorf("catalog: marshal features for %s: %w", cfg.Name, errMarshal)
		}
		features = datatypes.JSON(raw)
	}
	return models.Plan{
		Name:           cfg.Name,
		DisplayName:    cfg.DisplayName,
		Description:    cfg.Description,
		MaxAgents:      cfg.MaxAgents,
		MaxCustomTools: cfg.MaxCustomTools,
		MonthlyCredits: cfg.MonthlyCredits,
		Price:          cfg.Price,
		Currency:       cfg.Currency,
		Interval:       models.PlanInterval(cfg.Interval),
		RateLimit:      cfg.RateLimit,
		Features:       features,
		SortOrder:      cfg.SortOrder,
		IsActive:       true,
	}, nil
}
