package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPICredits/internal/billing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	handlers "github.com/router-for-me/CLIProxyAPICredits/internal/http/api/admin/handlers"
	"github.com/router-for-me/CLIProxyAPICredits/internal/http/middleware"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, svc *billing.Service, jwtCfg config.JWTConfig) {
	if r == nil || db == nil || svc == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/healthz", healthHandler.Healthz)

	authed := r.Group("/v0/admin")
	authed.Use(middleware.Auth(jwtCfg))
	authed.Use(middleware.RequireRole(jwtCfg.AdminRole))

	userHandler := handlers.NewUserCreditHandler(svc)
	authed.POST("/users/:id/onboard", userHandler.Onboard)
	authed.POST("/users/:id/credits", userHandler.GrantCredits)
	authed.POST("/users/:id/reset", userHandler.ResetCredits)
	authed.PUT("/users/:id/plan", userHandler.ChangePlan)
	authed.PUT("/users/:id/subscription/status", userHandler.SetStatus)
	authed.GET("/users/:id/audit", userHandler.Audit)

	planHandler := handlers.NewPlanHandler(db)
	authed.POST("/plans", planHandler.Create)
	authed.GET("/plans", planHandler.List)
	authed.GET("/plans/:id", planHandler.Get)
	authed.PUT("/plans/:id", planHandler.Update)
	authed.POST("/plans/:id/enable", planHandler.Enable)
	authed.POST("/plans/:id/disable", planHandler.Disable)
}
