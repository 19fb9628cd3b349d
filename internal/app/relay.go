package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	sdkaccess "github.com/router-for-me/CLIProxyAPI/v6/sdk/access"
	sdkapi "github.com/router-for-me/CLIProxyAPI/v6/sdk/api"
	sdkhandlers "github.com/router-for-me/CLIProxyAPI/v6/sdk/api/handlers"
	sdkcliproxy "github.com/router-for-me/CLIProxyAPI/v6/sdk/cliproxy"
	sdkconfig "github.com/router-for-me/CLIProxyAPI/v6/sdk/config"
	"github.com/router-for-me/CLIProxyAPICredits/internal/billing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	"github.com/router-for-me/CLIProxyAPICredits/internal/http/middleware"
	"github.com/router-for-me/CLIProxyAPICredits/internal/pricing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ratelimit"
	internalusage "github.com/router-for-me/CLIProxyAPICredits/internal/usage"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// runRelay serves the credit API on the CLIProxyAPI relay engine and meters every relayed turn.
func runRelay(ctx context.Context, configPath string, port int, conn *gorm.DB, svc *billing.Service, jwtCfg config.JWTConfig, limiter *ratelimit.Manager) error {
	coreCfg, err := loadCoreConfig(configPath)
	if err != nil {
		return err
	}
	coreCfg.RemoteManagement.DisableControlPanel = true
	coreCfg.Port = port

	// The cheapest agent turn; users below it are turned away before the upstream call.
	minimum, err := svc.EstimateOperationCost(pricing.AgentConversation(0, 0))
	if err != nil {
		return fmt.Errorf("relay: minimum turn cost: %w", err)
	}

	// Relay callers are authenticated by RelayIdentity, not by upstream access providers.
	accessMgr := sdkaccess.NewManager()
	builder := sdkcliproxy.NewBuilder().
		WithConfig(coreCfg).
		WithConfigPath(configPath).
		WithRequestAccessManager(accessMgr).
		WithServerOptions(
			sdkapi.WithMiddleware(relayMiddleware(svc, jwtCfg, limiter, minimum)...),
			sdkapi.WithRouterConfigurator(func(engine *gin.Engine, _ *sdkhandlers.BaseAPIHandler, _ *sdkconfig.Config) {
				registerRoutes(engine, conn, svc, jwtCfg, limiter)
			}),
		)

	service, err := builder.Build()
	if err != nil {
		return fmt.Errorf("relay: build: %w", err)
	}
	service.RegisterUsagePlugin(internalusage.NewCreditUsagePlugin(svc))
	accessMgr.SetProviders(nil)

	log.WithFields(log.Fields{"port": port, "config": configPath}).Info("starting credit service with relay")
	return service.Run(ctx)
}

// relayMiddleware authenticates, rate limits, and credit-gates relay paths.
// Credit API paths pass through to their own route groups.
func relayMiddleware(svc *billing.Service, jwtCfg config.JWTConfig, limiter *ratelimit.Manager, minimum decimal.Decimal) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		middleware.RelayIdentity(jwtCfg),
		middleware.RateLimit(limiter, svc),
		middleware.RequireCredits(svc, minimum),
	}
}

// loadCoreConfig reads the relay settings, tolerating a missing file.
func loadCoreConfig(configPath string) (*sdkconfig.Config, error) {
	if _, errStat := os.Stat(configPath); errStat == nil {
		cfg, errLoad := sdkconfig.LoadConfig(configPath)
		if errLoad != nil {
			return nil, fmt.Errorf("load relay config: %w", errLoad)
		}
		return cfg, nil
	} else if !errors.Is(errStat, os.ErrNotExist) {
		return nil, fmt.Errorf("load relay config: %w", errStat)
	}
	cfg, errLoad := sdkconfig.LoadConfigOptional(configPath, true)
	if errLoad != nil {
		return nil, fmt.Errorf("load relay config: %w", errLoad)
	}
	return cfg, nil
}
