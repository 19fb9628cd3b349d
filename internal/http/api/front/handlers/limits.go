package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPICredits/internal/billing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/entitlement"
)

// LimitFrontHandler answers "may I create another" questions before a resource is created.
type LimitFrontHandler struct {
	svc *billing.Service
}

// NewLimitFrontHandler constructs a LimitFrontHandler.
func NewLimitFrontHandler(svc *billing.Service) *LimitFrontHandler {
	return &LimitFrontHandler{svc: svc}
}

// Agents checks the agent cap. A denial responds 403 with the same body.
func (h *LimitFrontHandler) Agents(c *gin.Context) {
	h.respond(c, h.svc.CheckAgentLimit)
}

// Tools checks the custom tool cap. A denial responds 403 with the same body.
func (h *LimitFrontHandler) Tools(c *gin.Context) {
	h.respond(c, h.svc.CheckCustomToolLimit)
}

func (h *LimitFrontHandler) respond(c *gin.Context, check func(ctx context.Context, userID string) (entitlement.LimitCheck, error)) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	result, errCheck := check(c.Request.Context(), userID)
	if errCheck != nil {
		writeServiceError(c, errCheck, "limit check failed")
		return
	}
	status := http.StatusOK
	if !result.CanCreate {
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{
		"resource":      result.Resource,
		"can_create":    result.CanCreate,
		"current_count": result.CurrentCount,
		"max_allowed":   result.MaxAllowed,
		"plan":          result.PlanName,
		"message":       result.Message(),
	})
}
