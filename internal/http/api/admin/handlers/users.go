package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPICredits/internal/billing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/catalog"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ledger"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/router-for-me/CLIProxyAPICredits/internal/subscription"
	"github.com/router-for-me/CLIProxyAPICredits/internal/txlog"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// UserCreditHandler exposes operator actions on a user's credits and subscription.
type UserCreditHandler struct {
	svc *billing.Service
}

// NewUserCreditHandler constructs a UserCreditHandler.
func NewUserCreditHandler(svc *billing.Service) *UserCreditHandler {
	return &UserCreditHandler{svc: svc}
}

// userParam returns the trimmed :id path parameter.
func userParam(c *gin.Context) string {
	return strings.TrimSpace(c.Param("id"))
}

// writeAdminError maps service errors onto HTTP responses.
func writeAdminError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, catalog.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
	case errors.Is(err, subscription.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
	case errors.Is(err, subscription.ErrInvalidStatus),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTransactionType),
		errors.Is(err, ledger.ErrMissingUser):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.WithError(err).WithField("path", c.FullPath()).Error("admin: request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// Onboard subscribes the user to the default plan and grants the welcome credits.
func (h *UserCreditHandler) Onboard(c *gin.Context) {
	res, errOnboard := h.svc.OnboardUser(c.Request.Context(), userParam(c))
	if errOnboard != nil {
		writeAdminError(c, errOnboard, "onboard failed")
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"created":      res.Created,
		"plan":         res.Subscription.Plan.Name,
		"subscription": formatSubscription(&res.Subscription),
		"balance":      formatBalance(&res.Balance),
	})
}

// grantCreditsRequest captures a manual credit grant.
type grantCreditsRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Type        string          `json:"type"`
}

// GrantCredits adds credits as a bonus, purchase, or refund.
func (h *UserCreditHandler) GrantCredits(c *gin.Context) {
	var body grantCreditsRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	description := strings.TrimSpace(body.Description)
	if description == "" {
		description = "Manual credit grant"
	}
	res, errGrant := h.svc.GrantCredits(c.Request.Context(), userParam(c), body.Amount, description, models.TransactionType(strings.TrimSpace(body.Type)))
	if errGrant != nil {
		writeAdminError(c, errGrant, "grant failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"balance":     formatBalance(&res.Balance),
		"transaction": formatEntry(&res.Transaction),
	})
}

// ResetCredits resets the user's balance to their plan allotment.
func (h *UserCreditHandler) ResetCredits(c *gin.Context) {
	res, errReset := h.svc.ResetCredits(c.Request.Context(), userParam(c))
	if errReset != nil {
		writeAdminError(c, errReset, "reset failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":     formatBalance(&res.Balance),
		"transaction": formatEntry(&res.Transaction),
	})
}

// changePlanRequest captures a plan change.
type changePlanRequest struct {
	Plan         string `json:"plan"`
	ResetCredits bool   `json:"reset_credits"`
}

// ChangePlan moves the user to another plan, optionally resetting credits to its allotment.
func (h *UserCreditHandler) ChangePlan(c *gin.Context) {
	var body changePlanRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	planName := strings.ToLower(strings.TrimSpace(body.Plan))
	if planName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan is required"})
		return
	}
	userID := userParam(c)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	sub, reset, errChange := h.svc.ChangePlan(c.Request.Context(), userID, planName, body.ResetCredits)
	if errChange != nil {
		writeAdminError(c, errChange, "change plan failed")
		return
	}
	resp := gin.H{"subscription": formatSubscription(&sub), "balance": nil}
	if reset != nil {
		resp["balance"] = formatBalance(&reset.Balance)
	}
	c.JSON(http.StatusOK, resp)
}

// setStatusRequest captures a subscription lifecycle change.
type setStatusRequest struct {
	Status      string  `json:"status"`
	ExternalRef *string `json:"external_ref"`
}

// SetStatus records an external subscription event such as a failed renewal or cancellation.
func (h *UserCreditHandler) SetStatus(c *gin.Context) {
	var body setStatusRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	userID := userParam(c)
	sub, errStatus := h.svc.SetSubscriptionStatus(ctx, userID, models.SubscriptionStatus(body.Status))
	if errStatus != nil {
		writeAdminError(c, errStatus, "update status failed")
		return
	}
	if body.ExternalRef != nil {
		if errRef := h.svc.LinkExternalRef(ctx, userID, strings.TrimSpace(*body.ExternalRef)); errRef != nil {
			writeAdminError(c, errRef, "update status failed")
			return
		}
		sub.ExternalRef = strings.TrimSpace(*body.ExternalRef)
	}
	c.JSON(http.StatusOK, gin.H{"subscription": formatSubscription(&sub)})
}

// auditQuery defines the query parameters for an audit.
type auditQuery struct {
	Limit int `form:"limit,default=20"`
}

// Audit compares the stored balance with a replay of the log and returns recent entries.
func (h *UserCreditHandler) Audit(c *gin.Context) {
	var q auditQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	ctx := c.Request.Context()
	userID := userParam(c)

	verification, errVerify := h.svc.VerifyBalance(ctx, userID)
	if errVerify != nil {
		writeAdminError(c, errVerify, "audit failed")
		return
	}
	rows, total, errList := h.svc.ListTransactions(ctx, userID, txlog.ListOptions{Limit: q.Limit})
	if errList != nil {
		writeAdminError(c, errList, "audit failed")
		return
	}
	recent := make([]gin.H, 0, len(rows))
	for i := range rows {
		recent = append(recent, formatEntry(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"consistent": verification.Consistent,
		"stored":     formatBalance(&verification.Stored),
		"replayed": gin.H{
			"total_credits":     verification.Replayed.Total,
			"used_credits":      verification.Replayed.Used,
			"available_credits": verification.Replayed.Available,
			"entries":           verification.Replayed.Entries,
		},
		"transactions": recent,
		"total":        total,
	})
}

// formatSubscription converts a subscription into a response payload.
func formatSubscription(s *models.Subscription) gin.H {
	return gin.H{
		"user_id":                  s.UserID,
		"plan":                     s.Plan.Name,
		"status":                   s.Status,
		"period_start":             s.PeriodStart,
		"period_end":               s.PeriodEnd,
		"credits_reset_at":         s.CreditsResetAt,
		"credits_used_this_period": s.CreditsUsedThisPeriod,
		"external_ref":             s.ExternalRef,
		"canceled_at":              s.CanceledAt,
	}
}

// formatBalance converts a balance row into a response payload.
func formatBalance(b *models.CreditBalance) gin.H {
	return gin.H{
		"user_id":           b.UserID,
		"total_credits":     b.TotalCredits,
		"used_credits":      b.UsedCredits,
		"available_credits": b.AvailableCredits,
		"version":           b.Version,
	}
}

// formatEntry converts a ledger entry into a response payload.
func formatEntry(tx *models.CreditTransaction) gin.H {
	return gin.H{
		"id":            tx.ID,
		"type":          tx.Type,
		"amount":        tx.Amount,
		"balance_after": tx.BalanceAfter,
		"description":   tx.Description,
		"agent_id":      tx.AgentID,
		"tool_id":       tx.ToolID,
		"created_at":    tx.CreatedAt,
	}
}
