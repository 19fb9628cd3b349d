// Package usage charges relay usage records against the credit ledger.
package usage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	coreusage "github.com/router-for-me/CLIProxyAPI/v6/sdk/cliproxy/usage"
	"github.com/router-for-me/CLIProxyAPICredits/internal/billing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ledger"
	"github.com/router-for-me/CLIProxyAPICredits/internal/pricing"
	log "github.com/sirupsen/logrus"
)

const chargeTimeout = 5 * time.Second

// Charger prices and debits an operation.
type Charger interface {
	ChargeOperation(ctx context.Context, userID string, op pricing.Operation, link ledger.Linkage, idempotencyKey string) (billing.ChargeResult, error)
}

// Outcome is the result of handling one usage record.
type Outcome int

const (
	// OutcomeSkipped means the record was not billable.
	OutcomeSkipped Outcome = iota
	// OutcomeCharged means credits were debited.
	OutcomeCharged
	// OutcomeDegraded means the user could not afford the turn and nothing was debited.
	OutcomeDegraded
	// OutcomeFailed means the charge failed for another reason.
	OutcomeFailed
)

// CreditUsagePlugin debits an agent conversation for every successful relay request.
type CreditUsagePlugin struct {
	charger Charger
	// observe receives every outcome; tests hook it.
	observe func(coreusage.Record, Outcome)
}

// NewCreditUsagePlugin constructs a CreditUsagePlugin.
func NewCreditUsagePlugin(charger Charger) *CreditUsagePlugin {
	return &CreditUsagePlugin{charger: charger}
}

// HandleUsage charges the record to the user named in the request's access metadata.
// It never blocks the relay on a failed charge.
func (p *CreditUsagePlugin) HandleUsage(ctx context.Context, record coreusage.Record) {
	outcome := p.handle(ctx, record)
	if p != nil && p.observe != nil {
		p.observe(record, outcome)
	}
}

func (p *CreditUsagePlugin) handle(ctx context.Context, record coreusage.Record) Outcome {
	if p == nil || p.charger == nil || record.Failed {
		return OutcomeSkipped
	}
	meta := accessMetadataFromContext(ctx)
	userID := strings.TrimSpace(meta["user_id"])
	if userID == "" {
		return OutcomeSkipped
	}

	input := int64(record.Detail.InputTokens)
	output := int64(record.Detail.OutputTokens) + int64(record.Detail.ReasoningTokens)
	if input+output == 0 && record.Detail.TotalTokens > 0 {
		input = int64(record.Detail.TotalTokens)
	}
	op := pricing.AgentConversation(input, output)
	link := ledger.Linkage{
		AgentID:        strings.TrimSpace(meta["agent_id"]),
		ConversationID: strings.TrimSpace(meta["conversation_id"]),
	}

	chargeCtx, cancel := context.WithTimeout(context.Background(), chargeTimeout)
	defer cancel()

	res, errCharge := p.charger.ChargeOperation(chargeCtx, userID, op, link, strings.TrimSpace(meta["request_id"]))
	if errCharge != nil {
		fields := log.Fields{
			"user_id":  userID,
			"provider": strings.TrimSpace(record.Provider),
			"model":    strings.TrimSpace(record.Model),
		}
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(errCharge, &insufficient) {
			fields["available"] = insufficient.Available.String()
			fields["required"] = insufficient.Required.String()
			log.WithFields(fields).Warn("usage plugin: insufficient credits, turn not charged")
			return OutcomeDegraded
		}
		log.WithError(errCharge).WithFields(fields).Error("usage plugin: charge failed")
		return OutcomeFailed
	}
	log.WithFields(log.Fields{
		"user_id": userID,
		"model":   strings.TrimSpace(record.Model),
		"tokens":  op.TotalTokens(),
		"cost":    res.Cost.String(),
	}).Debug("usage plugin: charged relay usage")
	return OutcomeCharged
}

// accessMetadataFromContext returns a copy of the metadata the auth layer attached to the gin context.
func accessMetadataFromContext(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}
	ginCtx, ok := ctx.Value("gin").(*gin.Context)
	if !ok || ginCtx == nil {
		return nil
	}
	v, exists := ginCtx.Get("accessMetadata")
	if !exists {
		return nil
	}
	meta, ok := v.(map[string]string)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, val := range meta {
		out[k] = val
	}
	return out
}

// Ensure CreditUsagePlugin implements coreusage.Plugin.
var _ coreusage.Plugin = (*CreditUsagePlugin)(nil)
