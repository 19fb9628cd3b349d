// Package middleware holds the gin middleware shared by the front and admin APIs.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ledger"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ratelimit"
	"github.com/router-for-me/CLIProxyAPICredits/internal/security"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Context keys set by Auth.
const (
	ContextUserID         = "userID"
	ContextUserRole       = "userRole"
	ContextAccessMetadata = "accessMetadata"
)

// Headers that link a request to the agent run that issued it.
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderAgentID        = "X-Agent-ID"
	HeaderConversationID = "X-Conversation-ID"
)

// Auth validates bearer tokens and loads the caller identity into the gin context.
func Auth(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticate(c, jwtCfg) {
			return
		}
		c.Next()
	}
}

// authenticate verifies the bearer token and stores the caller identity and access metadata.
// It aborts the request and reports false on failure.
func authenticate(c *gin.Context, jwtCfg config.JWTConfig) bool {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
		return false
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
		return false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
		return false
	}

	claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
	if errJWT != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return false
	}

	meta, errMeta := accessMetadata(c, claims.UserID())
	if errMeta != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errMeta.Error()})
		return false
	}
	c.Set(ContextUserID, claims.UserID())
	c.Set(ContextUserRole, claims.Role)
	c.Set(ContextAccessMetadata, meta)
	return true
}

// accessMetadata collects the caller id and the optional linkage headers.
func accessMetadata(c *gin.Context, userID string) (map[string]string, error) {
	meta := map[string]string{"user_id": userID}
	headers := []struct {
		header string
		key    string
		max    int
	}{
		{HeaderRequestID, "request_id", ledger.MaxIdempotencyKeyLength},
		{HeaderAgentID, "agent_id", ledger.MaxLinkLength},
		{HeaderConversationID, "conversation_id", ledger.MaxLinkLength},
	}
	for _, h := range headers {
		value := strings.TrimSpace(c.GetHeader(h.header))
		if value == "" {
			continue
		}
		if utf8.RuneCountInString(value) > h.max {
			return nil, fmt.Errorf("%s exceeds %d characters", h.header, h.max)
		}
		meta[h.key] = value
	}
	return meta, nil
}

// IsRelayPath reports whether the path belongs to the LLM relay API.
func IsRelayPath(p string) bool {
	for _, prefix := range []string{"/v1", "/v1beta"} {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// RelayIdentity authenticates relay requests with the same bearer tokens as the credit API.
// Other paths pass through untouched.
func RelayIdentity(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsRelayPath(c.Request.URL.Path) {
			c.Next()
			return
		}
		if !authenticate(c, jwtCfg) {
			return
		}
		c.Next()
	}
}

// CreditChecker reports whether a user's balance covers an amount.
type CreditChecker interface {
	CheckCredits(ctx context.Context, userID string, amount decimal.Decimal) (ledger.CheckResult, error)
}

// RequireCredits rejects relay requests from users who cannot afford minimum.
// Checker errors let the request through; the turn is still metered after it completes.
func RequireCredits(checker CreditChecker, minimum decimal.Decimal) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if checker == nil || userID == "" || !IsRelayPath(c.Request.URL.Path) {
			c.Next()
			return
		}
		check, errCheck := checker.CheckCredits(c.Request.Context(), userID, minimum)
		if errCheck != nil {
			log.WithError(errCheck).WithField("user_id", userID).Warn("relay: credit check failed")
			c.Next()
			return
		}
		if !check.Sufficient {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":     "insufficient credits",
				"available": check.Available,
				"required":  check.Required,
				"deficit":   check.Deficit,
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers whose token does not carry role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if role == "" || c.GetString(ContextUserRole) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" when Auth did not run.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// RateLimit enforces the per-plan request limit of the authenticated user.
// Limiter errors let the request through.
func RateLimit(manager *ratelimit.Manager, plans ratelimit.PlanResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if manager == nil || userID == "" {
			c.Next()
			return
		}
		decision, errResolve := ratelimit.ResolveLimit(c.Request.Context(), plans, userID)
		if errResolve != nil {
			log.WithError(errResolve).WithField("user_id", userID).Warn("rate limit: resolve limit failed")
			c.Next()
			return
		}
		key := ratelimit.KeyForDecision(userID, decision)
		if key == "" {
			c.Next()
			return
		}
		result, errAllow := manager.Allow(c.Request.Context(), key, decision.Limit)
		if errAllow != nil {
			log.WithError(errAllow).WithField("user_id", userID).Warn("rate limit: check failed")
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
