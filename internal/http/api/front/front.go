package front

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPICredits/internal/billing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	handlers "github.com/router-for-me/CLIProxyAPICredits/internal/http/api/front/handlers"
	"github.com/router-for-me/CLIProxyAPICredits/internal/http/middleware"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ratelimit"
)

// RegisterFrontRoutes registers user-facing billing routes under /v0/front.
func RegisterFrontRoutes(r *gin.Engine, svc *billing.Service, jwtCfg config.JWTConfig, limiter *ratelimit.Manager) {
	if r == nil || svc == nil {
		return
	}

	planHandler := handlers.NewPlanFrontHandler(svc)
	r.GET("/v0/front/plans", planHandler.List)

	authed := r.Group("/v0/front")
	authed.Use(middleware.Auth(jwtCfg))
	authed.Use(middleware.RateLimit(limiter, svc))

	authed.GET("/plan", planHandler.Current)

	creditHandler := handlers.NewCreditFrontHandler(svc)
	authed.GET("/balance", creditHandler.Balance)
	authed.GET("/usage/summary", creditHandler.UsageSummary)
	authed.GET("/usage/stats", creditHandler.UsageStats)
	authed.GET("/transactions", creditHandler.Transactions)
	authed.POST("/estimate", creditHandler.Estimate)
	authed.POST("/charge", creditHandler.Charge)

	limitHandler := handlers.NewLimitFrontHandler(svc)
	authed.GET("/limits/agents", limitHandler.Agents)
	authed.GET("/limits/tools", limitHandler.Tools)
}
