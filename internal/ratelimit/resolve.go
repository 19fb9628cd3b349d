package ratelimit

import (
	"context"
	"strings"

	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
)

// PlanResolver returns the plan that currently applies to a user.
type PlanResolver interface {
	PlanForUser(ctx context.Context, userID string) (models.Plan, error)
}

// ResolveLimit returns the per-window request limit of the user's plan. A zero limit disables limiting.
func ResolveLimit(ctx context.Context, plans PlanResolver, userID string) (Decision, error) {
	userID = strings.TrimSpace(userID)
	if plans == nil || userID == "" {
		return Decision{}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	plan, errPlan := plans.PlanForUser(ctx, userID)
	if errPlan != nil {
		return Decision{}, errPlan
	}
	if plan.RateLimit <= 0 {
		return Decision{PlanName: plan.Name}, nil
	}
	return Decision{Limit: plan.RateLimit, Scope: ScopeUser, PlanName: plan.Name}, nil
}
