package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/router-for-me/CLIProxyAPICredits/internal/billing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	"github.com/router-for-me/CLIProxyAPICredits/internal/db"
	"github.com/router-for-me/CLIProxyAPICredits/internal/http/api/admin"
	"github.com/router-for-me/CLIProxyAPICredits/internal/http/api/front"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ratelimit"
	"github.com/router-for-me/CLIProxyAPICredits/internal/scheduler"
	"github.com/router-for-me/CLIProxyAPICredits/internal/security"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultServerPort = 8318
	shutdownTimeout   = 10 * time.Second
)

// Migrate opens the database, runs migrations, and seeds the configured plans.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	billingCfg, err := config.LoadBillingConfig(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	_, err = prepareDatabase(ctx, conn, billingCfg)
	return err
}

// IssueToken signs a bearer token for userID using the configured JWT settings.
func IssueToken(cfg config.AppConfig, userID, role string) (string, error) {
	jwtCfg, err := config.LoadJWTConfig(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return "", err
	}
	return security.IssueToken(jwtCfg.Secret, userID, role, jwtCfg.Expiry, time.Now().UTC())
}

// RunServer boots the credit API with database-backed components.
func RunServer(ctx context.Context, cfg config.AppConfig, defaultPort int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	serverCfg := config.LoadServerConfig(configPath)
	setupLogging(serverCfg.Logging)

	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	billingCfg, err := config.LoadBillingConfig(configPath)
	if err != nil {
		return err
	}
	jwtCfg, err := config.LoadJWTConfig(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(jwtCfg.Secret) == "" {
		return security.ErrMissingSecret
	}

	if summary, errSummary := summarizeDSN(dsn); errSummary == nil {
		log.WithFields(summary.Fields()).Info("opening database")
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	svc, err := prepareDatabase(ctx, conn, billingCfg)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewManager(ratelimit.SettingsFromConfig(serverCfg.RateLimit), nil, nil)
	defer func() {
		if errClose := limiter.Close(); errClose != nil {
			log.WithError(errClose).Warn("rate limiter close failed")
		}
	}()

	if serverCfg.Scheduler.Enabled {
		stopScheduler, errScheduler := startScheduler(ctx, conn, dsn, svc, serverCfg.Scheduler)
		if errScheduler != nil {
			return errScheduler
		}
		defer stopScheduler()
	}

	port := serverCfg.Port
	if port <= 0 {
		port = defaultPort
	}
	if port <= 0 {
		port = defaultServerPort
	}
	if serverCfg.Relay.Enabled {
		return runRelay(ctx, configPath, port, conn, svc, jwtCfg, limiter)
	}
	log.Info("relay disabled; relay usage is not metered by this process")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           buildHandler(conn, svc, jwtCfg, serverCfg.CORS, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("server shutdown error: %v", errShutdown)
		}
	}()

	log.Infof("starting credit service on %s with config=%s", srv.Addr, configPath)
	if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
		return errListen
	}
	return nil
}

// prepareDatabase migrates the schema, seeds plans, and wires the billing service.
func prepareDatabase(ctx context.Context, conn *gorm.DB, billingCfg config.BillingConfig) (*billing.Service, error) {
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}
	svc := billing.Build(conn, billingCfg, nil)
	if _, errSeed := svc.Catalog().SeedDefaults(ctx); errSeed != nil {
		return nil, errSeed
	}
	return svc, nil
}

// buildHandler assembles the gin engine and wraps it with the CORS policy.
func buildHandler(conn *gorm.DB, svc *billing.Service, jwtCfg config.JWTConfig, corsCfg config.CORSConfig, limiter *ratelimit.Manager) http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	registerRoutes(engine, conn, svc, jwtCfg, limiter)

	if len(corsCfg.AllowedOrigins) == 0 {
		return engine
	}
	return cors.New(cors.Options{
		AllowedOrigins:   corsCfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: corsCfg.AllowCredentials,
	}).Handler(engine)
}

// registerRoutes mounts the admin and front APIs on engine.
func registerRoutes(engine *gin.Engine, conn *gorm.DB, svc *billing.Service, jwtCfg config.JWTConfig, limiter *ratelimit.Manager) {
	admin.RegisterAdminRoutes(engine, conn, svc, jwtCfg)
	front.RegisterFrontRoutes(engine, svc, jwtCfg, limiter)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// startScheduler runs periodic resets on river. It needs PostgreSQL.
func startScheduler(ctx context.Context, conn *gorm.DB, dsn string, svc *billing.Service, cfg config.SchedulerConfig) (func(), error) {
	if !db.IsPostgres(conn) {
		log.Warn("scheduler: periodic resets need PostgreSQL; scheduler disabled")
		return func() {}, nil
	}
	pool, errPool := pgxpool.New(ctx, dsn)
	if errPool != nil {
		return nil, fmt.Errorf("scheduler: open pool: %w", errPool)
	}
	sched, errNew := scheduler.New(pool, svc, cfg)
	if errNew != nil {
		pool.Close()
		return nil, errNew
	}
	if errStart := sched.Start(ctx); errStart != nil {
		pool.Close()
		return nil, errStart
	}
	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errStop := sched.Stop(stopCtx); errStop != nil {
			log.WithError(errStop).Warn("scheduler stop failed")
		}
		pool.Close()
	}, nil
}

// setupLogging applies the configured level and format to logrus.
func setupLogging(cfg config.LoggingConfig) {
	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stdout)
	level, errLevel := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errLevel != nil {
		log.WithError(errLevel).Warn("invalid log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// requestLogger logs each request through logrus.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}
