package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPICredits/internal/catalog"
	"github.com/router-for-me/CLIProxyAPICredits/internal/http/middleware"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ledger"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/router-for-me/CLIProxyAPICredits/internal/pricing"
	log "github.com/sirupsen/logrus"
)

// getUserID returns the authenticated user id from the context.
func getUserID(c *gin.Context) string {
	return middleware.UserID(c)
}

// writeServiceError maps billing errors onto HTTP responses.
func writeServiceError(c *gin.Context, err error, fallback string) {
	var insufficient *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient credits",
			"available": insufficient.Available,
			"required":  insufficient.Required,
			"deficit":   insufficient.Deficit(),
		})
	case errors.Is(err, pricing.ErrUnknownOperation),
		errors.Is(err, pricing.ErrInvalidCallCount),
		errors.Is(err, pricing.ErrNegativeTokens),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrFieldTooLong),
		errors.Is(err, ledger.ErrMissingUser):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, catalog.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
	default:
		log.WithError(err).WithField("path", c.FullPath()).Error("front: request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// formatTransaction converts a ledger entry into a response payload.
func formatTransaction(tx *models.CreditTransaction) gin.H {
	var metadata any
	if len(tx.Metadata) > 0 {
		if errUnmarshal := json.Unmarshal(tx.Metadata, &metadata); errUnmarshal != nil {
			metadata = nil
		}
	}
	return gin.H{
		"id":              tx.ID,
		"type":            tx.Type,
		"amount":          tx.Amount,
		"balance_after":   tx.BalanceAfter,
		"description":     tx.Description,
		"agent_id":        tx.AgentID,
		"conversation_id": tx.ConversationID,
		"tool_id":         tx.ToolID,
		"metadata":        metadata,
		"created_at":      tx.CreatedAt,
	}
}

// formatBalance converts a balance row into a response payload.
func formatBalance(b *models.CreditBalance) gin.H {
	return gin.H{
		"total_credits":     b.TotalCredits,
		"used_credits":      b.UsedCredits,
		"available_credits": b.AvailableCredits,
		"updated_at":        b.UpdatedAt,
	}
}
