// Package entitlement compares a user's live resources against their plan caps.
package entitlement

import (
	"context"
	"fmt"

	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"gorm.io/gorm"
)

// Resource names a capped resource.
type Resource string

const (
	// ResourceAgent counts live agents.
	ResourceAgent Resource = "agents"
	// ResourceCustomTool counts user-authored tools.
	ResourceCustomTool Resource = "custom_tools"
)

// PlanResolver returns the plan that currently applies to a user.
type PlanResolver interface {
	PlanForUser(ctx context.Context, userID string) (models.Plan, error)
}

// ResourceCounter counts the resources a user currently holds.
type ResourceCounter interface {
	CountActiveAgents(ctx context.Context, userID string) (int64, error)
	CountCustomTools(ctx context.Context, userID string) (int64, error)
}

// LimitCheck is the outcome of a cap check. A denial is a value, not an error.
type LimitCheck struct {
	Resource     Resource `json:"resource"`
	CanCreate    bool     `json:"can_create"`
	CurrentCount int64    `json:"current_count"`
	MaxAllowed   int      `json:"max_allowed"`
	PlanName     string   `json:"plan"`
}

// Unlimited reports whether the plan places no cap on the resource.
func (c LimitCheck) Unlimited() bool {
	return c.MaxAllowed == models.Unlimited
}

// Message describes the check for display.
func (c LimitCheck) Message() string {
	label := "agents"
	if c.Resource == ResourceCustomTool {
		label = "custom tools"
	}
	if c.Unlimited() {
		return fmt.Sprintf("The %s plan allows unlimited %s.", c.PlanName, label)
	}
	if c.CanCreate {
		return fmt.Sprintf("%d of %d %s used on the %s plan.", c.CurrentCount, c.MaxAllowed, label, c.PlanName)
	}
	return fmt.Sprintf("The %s plan allows %d %s. Upgrade your plan to create more.", c.PlanName, c.MaxAllowed, label)
}

// Checker evaluates plan caps.
type Checker struct {
	plans   PlanResolver
	counter ResourceCounter
}

// NewChecker constructs a Checker.
func NewChecker(plans PlanResolver, counter ResourceCounter) *Checker {
	return &Checker{plans: plans, counter: counter}
}

// CheckAgentLimit reports whether the user may create another agent.
func (c *Checker) CheckAgentLimit(ctx context.Context, userID string) (LimitCheck, error) {
	plan, errPlan := c.plans.PlanForUser(ctx, userID)
	if errPlan != nil {
		return LimitCheck{}, fmt.Errorf("entitlement: resolve plan: %w", errPlan)
	}
	count, errCount := c.counter.CountActiveAgents(ctx, userID)
	if errCount != nil {
		return LimitCheck{}, fmt.Errorf("entitlement: count agents: %w", errCount)
	}
	return evaluate(ResourceAgent, plan.Name, plan.MaxAgents, count), nil
}

// CheckCustomToolLimit reports whether the user may author another tool.
func (c *Checker) CheckCustomToolLimit(ctx context.Context, userID string) (LimitCheck, error) {
	plan, errPlan := c.plans.PlanForUser(ctx, userID)
	if errPlan != nil {
		return LimitCheck{}, fmt.Errorf("entitlement: resolve plan: %w", errPlan)
	}
	count, errCount := c.counter.CountCustomTools(ctx, userID)
	if errCount != nil {
		return LimitCheck{}, fmt.Errorf("entitlement: count custom tools: %w", errCount)
	}
	return evaluate(ResourceCustomTool, plan.Name, plan.MaxCustomTools, count), nil
}

func evaluate(resource Resource, planName string, max int, count int64) LimitCheck {
	check := LimitCheck{
		Resource:     resource,
		CurrentCount: count,
		MaxAllowed:   max,
		PlanName:     planName,
	}
	check.CanCreate = max == models.Unlimited || count < int64(max)
	return check
}

// GormCounter counts resources stored through GORM.
type GormCounter struct {
	db *gorm.DB
}

// NewGormCounter constructs a GormCounter.
func NewGormCounter(db *gorm.DB) *GormCounter {
	return &GormCounter{db: db}
}

// CountActiveAgents counts live, non-deleted agents owned by the user.
func (g *GormCounter) CountActiveAgents(ctx context.Context, userID string) (int64, error) {
	var count int64
	if errCount := g.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&count).Error; errCount != nil {
		return 0, errCount
	}
	return count, nil
}

// CountCustomTools counts live tools the user authored. Marketplace tools are excluded.
func (g *GormCounter) CountCustomTools(ctx context.Context, userID string) (int64, error) {
	var count int64
	if errCount := g.db.WithContext(ctx).
		Model(&models.Tool{}).
		Where("owner_id = ? AND is_custom = ? AND is_active = ?", userID, true, true).
		Count(&count).Error; errCount != nil {
		return 0, errCount
	}
	return count, nil
}
