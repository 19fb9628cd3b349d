package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPICredits/internal/billing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/router-for-me/CLIProxyAPICredits/internal/subscription"
)

// PlanFrontHandler serves plan-related front endpoints.
type PlanFrontHandler struct {
	svc *billing.Service
}

// NewPlanFrontHandler constructs a PlanFrontHandler.
func NewPlanFrontHandler(svc *billing.Service) *PlanFrontHandler {
	return &PlanFrontHandler{svc: svc}
}

// List returns the plans users can subscribe to.
func (h *PlanFrontHandler) List(c *gin.Context) {
	plans, errList := h.svc.ListPlans(c.Request.Context())
	if errList != nil {
		writeServiceError(c, errList, "list plans failed")
		return
	}

	out := make([]gin.H, 0, len(plans))
	for _, plan := range plans {
		out = append(out, formatPlan(&plan))
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

// Current returns the plan, limits, and subscription of the current user.
func (h *PlanFrontHandler) Current(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()

	limits, errLimits := h.svc.GetPlanLimits(ctx, userID)
	if errLimits != nil {
		writeServiceError(c, errLimits, "query plan failed")
		return
	}
	resp := gin.H{"limits": limits, "subscription": nil}

	sub, errSub := h.svc.Subscription(ctx, userID)
	switch {
	case errSub == nil:
		resp["subscription"] = gin.H{
			"plan":                     sub.Plan.Name,
			"status":                   sub.Status,
			"period_start":             sub.PeriodStart,
			"period_end":               sub.PeriodEnd,
			"credits_reset_at":         sub.CreditsResetAt,
			"credits_used_this_period": sub.CreditsUsedThisPeriod,
		}
	case errors.Is(errSub, subscription.ErrNotFound):
	default:
		writeServiceError(c, errSub, "query subscription failed")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// formatPlan converts a plan into the public payload.
func formatPlan(plan *models.Plan) gin.H {
	return gin.H{
		"name":             plan.Name,
		"display_name":     plan.DisplayName,
		"description":      plan.Description,
		"max_agents":       plan.MaxAgents,
		"max_custom_tools": plan.MaxCustomTools,
		"monthly_credits":  plan.MonthlyCredits,
		"price":            plan.Price,
		"currency":         plan.Currency,
		"interval":         plan.Interval,
		"rate_limit":       plan.RateLimit,
		"features":         plan.Features,
		"sort_order":       plan.SortOrder,
	}
}
