// Package billing composes the plan catalog, pricing, ledger and entitlement checks
// into the operations exposed to handlers, the usage plugin and the scheduler.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPICredits/internal/catalog"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	"github.com/router-for-me/CLIProxyAPICredits/internal/entitlement"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ledger"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/router-for-me/CLIProxyAPICredits/internal/pricing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/subscription"
	"github.com/router-for-me/CLIProxyAPICredits/internal/txlog"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultStatsWindowDays = 30

// Deps holds the collaborators of a Service.
type Deps struct {
	Catalog       *catalog.Catalog
	Subscriptions *subscription.Service
	Ledger        *ledger.Ledger
	Log           *txlog.Log
	Calculator    *pricing.Calculator
	Limits        *entitlement.Checker
	Now           func() time.Time
}

// Service is the billing orchestrator. It holds no state of its own.
type Service struct {
	catalog *catalog.Catalog
	subs    *subscription.Service
	ledger  *ledger.Ledger
	log     *txlog.Log
	calc    *pricing.Calculator
	limits  *entitlement.Checker
	nowFn   func() time.Time
}

// NewService constructs a Service.
func NewService(deps Deps) *Service {
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		catalog: deps.Catalog,
		subs:    deps.Subscriptions,
		ledger:  deps.Ledger,
		log:     deps.Log,
		calc:    deps.Calculator,
		limits:  deps.Limits,
		nowFn:   nowFn,
	}
}

// Build wires a Service and its collaborators over db from the billing config.
func Build(db *gorm.DB, cfg config.BillingConfig, nowFn func() time.Time) *Service {
	cat := catalog.New(db, cfg)
	return NewService(Deps{
		Catalog:       cat,
		Subscriptions: subscription.NewService(db, cat, nowFn),
		Ledger:        ledger.New(db, cat, ledger.Options{WelcomeGrant: cfg.WelcomeGrant, Now: nowFn}),
		Log:           txlog.New(db),
		Calculator:    pricing.NewCalculator(cfg.Rates),
		Limits:        entitlement.NewChecker(cat, entitlement.NewGormCounter(db)),
		Now:           nowFn,
	})
}

// Catalog returns the plan catalog backing the service.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// PlanLimits is the entitlement view of a plan.
type PlanLimits struct {
	PlanName       string          `json:"plan"`
	MaxAgents      int             `json:"max_agents"`
	MaxCustomTools int             `json:"max_custom_tools"`
	MonthlyCredits decimal.Decimal `json:"monthly_credits"`
	RateLimit      int             `json:"rate_limit"`
	Features       map[string]any  `json:"features"`
}

// UsageSummary is the user's balance with a usage ratio.
type UsageSummary struct {
	Total           decimal.Decimal `json:"total_credits"`
	Used            decimal.Decimal `json:"used_credits"`
	Available       decimal.Decimal `json:"available_credits"`
	UsagePercentage decimal.Decimal `json:"usage_percentage"`
}

// UsageStats is usage over a trailing window.
type UsageStats struct {
	WindowDays int             `json:"window_days"`
	Since      time.Time       `json:"since"`
	Total      decimal.Decimal `json:"total"`
	Agent      decimal.Decimal `json:"agent"`
	Tool       decimal.Decimal `json:"tool"`
	Other      decimal.Decimal `json:"other"`
	Count      int64           `json:"count"`
	AgentCount int64           `json:"agent_count"`
	ToolCount  int64           `json:"tool_count"`
	OtherCount int64           `json:"other_count"`
}

// ChargeResult is the outcome of ChargeOperation.
type ChargeResult struct {
	Cost   decimal.Decimal
	Result ledger.Result
}

// Onboarding is the outcome of OnboardUser.
type Onboarding struct {
	Subscription models.Subscription
	Balance      models.CreditBalance
	Created      bool
}

// Verification compares the stored balance with a replay of the log.
type Verification struct {
	Stored     models.CreditBalance
	Replayed   txlog.Totals
	Consistent bool
}

// GetUserPlan returns the plan currently applying to the user.
func (s *Service) GetUserPlan(ctx context.Context, userID string) (models.Plan, error) {
	return s.catalog.PlanForUser(ctx, userID)
}

// PlanForUser is GetUserPlan under the name plan resolvers expect.
func (s *Service) PlanForUser(ctx context.Context, userID string) (models.Plan, error) {
	return s.catalog.PlanForUser(ctx, userID)
}

// GetPlanLimits returns the caps and allotment of the user's plan.
func (s *Service) GetPlanLimits(ctx context.Context, userID string) (PlanLimits, error) {
	plan, errPlan := s.catalog.PlanForUser(ctx, userID)
	if errPlan != nil {
		return PlanLimits{}, errPlan
	}
	limits := PlanLimits{
		PlanName:       plan.Name,
		MaxAgents:      plan.MaxAgents,
		MaxCustomTools: plan.MaxCustomTools,
		MonthlyCredits: plan.MonthlyCredits,
		RateLimit:      plan.RateLimit,
		Features:       map[string]any{},
	}
	if len(plan.Features) > 0 {
		if errUnmarshal := json.Unmarshal(plan.Features, &limits.Features); errUnmarshal != nil {
			log.WithError(errUnmarshal).WithField("plan", plan.Name).Warn("billing: invalid plan features")
		}
	}
	return limits, nil
}

// GetUsageSummary returns the user's balance. The percentage is 0 when the total is 0.
func (s *Service) GetUsageSummary(ctx context.Context, userID string) (UsageSummary, error) {
	balance, errBalance := s.ledger.Balance(ctx, userID)
	if errBalance != nil {
		return UsageSummary{}, errBalance
	}
	summary := UsageSummary{
		Total:           balance.TotalCredits,
		Used:            balance.UsedCredits,
		Available:       balance.AvailableCredits,
		UsagePercentage: decimal.Zero,
	}
	if balance.TotalCredits.IsPositive() {
		summary.UsagePercentage = balance.UsedCredits.
			Div(balance.TotalCredits).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}
	return summary, nil
}

// GetUsageStats aggregates usage over the last windowDays days, 30 when windowDays <= 0.
func (s *Service) GetUsageStats(ctx context.Context, userID string, windowDays int) (UsageStats, error) {
	if windowDays <= 0 {
		windowDays = defaultStatsWindowDays
	}
	since := s.nowFn().AddDate(0, 0, -windowDays)
	breakdown, errUsage := s.log.UsageSince(ctx, userID, since)
	if errUsage != nil {
		return UsageStats{}, errUsage
	}
	return UsageStats{
		WindowDays: windowDays,
		Since:      breakdown.Since,
		Total:      breakdown.Total,
		Agent:      breakdown.Agent,
		Tool:       breakdown.Tool,
		Other:      breakdown.Other,
		Count:      breakdown.Count,
		AgentCount: breakdown.AgentCount,
		ToolCount:  breakdown.ToolCount,
		OtherCount: breakdown.OtherCount,
	}, nil
}

// EstimateOperationCost prices op without touching any balance.
func (s *Service) EstimateOperationCost(op pricing.Operation) (decimal.Decimal, error) {
	return s.calc.Cost(op)
}

// CheckCredits reports whether the user can afford amount.
func (s *Service) CheckCredits(ctx context.Context, userID string, amount decimal.Decimal) (ledger.CheckResult, error) {
	return s.ledger.Check(ctx, userID, amount)
}

// ChargeOperation prices op and debits the user for it.
// Tool operations without an explicit tool link are linked to the tool name.
func (s *Service) ChargeOperation(ctx context.Context, userID string, op pricing.Operation, link ledger.Linkage, idempotencyKey string) (ChargeResult, error) {
	cost, errCost := s.calc.Cost(op)
	if errCost != nil {
		return ChargeResult{}, errCost
	}
	if op.Kind == pricing.KindToolExecution && strings.TrimSpace(link.ToolID) == "" {
		link.ToolID = op.ToolName
		if link.ToolID == "" {
			link.ToolID = "tool"
		}
	}
	metadata := map[string]any{
		"operation": op.Kind.String(),
		"calls":     op.Calls,
	}
	switch op.Kind {
	case pricing.KindToolExecution:
		metadata["tool_name"] = op.ToolName
		metadata["custom_tool"] = op.CustomTool
	case pricing.KindAgentConversation:
		metadata["input_tokens"] = op.InputTokens
		metadata["output_tokens"] = op.OutputTokens
	}

	res, errConsume := s.ledger.Consume(ctx, ledger.ConsumeRequest{
		UserID:         userID,
		Amount:         cost,
		Description:    op.Description(),
		Linkage:        link,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
	})
	if errConsume != nil {
		return ChargeResult{Cost: cost}, errConsume
	}
	return ChargeResult{Cost: cost, Result: res}, nil
}

// CheckAgentLimit reports whether the user may create another agent.
func (s *Service) CheckAgentLimit(ctx context.Context, userID string) (entitlement.LimitCheck, error) {
	return s.limits.CheckAgentLimit(ctx, userID)
}

// CheckCustomToolLimit reports whether the user may author another tool.
func (s *Service) CheckCustomToolLimit(ctx context.Context, userID string) (entitlement.LimitCheck, error) {
	return s.limits.CheckCustomToolLimit(ctx, userID)
}

// OnboardUser subscribes a new user to the default plan and grants the welcome credits.
// Running it again for the same user changes nothing.
func (s *Service) OnboardUser(ctx context.Context, userID string) (Onboarding, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Onboarding{}, ledger.ErrMissingUser
	}
	sub, created, errSub := s.subs.EnsureDefault(ctx, userID, s.catalog.DefaultPlanName())
	if errSub != nil {
		return Onboarding{}, fmt.Errorf("billing: onboard: %w", errSub)
	}
	balance, errInit := s.ledger.Initialize(ctx, userID)
	if errInit != nil {
		return Onboarding{}, fmt.Errorf("billing: onboard: %w", errInit)
	}
	if created {
		log.WithFields(log.Fields{"user_id": userID, "plan": sub.Plan.Name}).Info("billing: user onboarded")
	}
	return Onboarding{Subscription: sub, Balance: balance, Created: created}, nil
}

// ChangePlan moves the user to planName. With resetCredits the balance is reset to the new allotment
// in the same transaction as the plan change, so a failed reset leaves the old plan in place.
func (s *Service) ChangePlan(ctx context.Context, userID, planName string, resetCredits bool) (models.Subscription, *ledger.Result, error) {
	if !resetCredits {
		sub, errAssign := s.subs.Assign(ctx, userID, planName)
		if errAssign != nil {
			return models.Subscription{}, nil, errAssign
		}
		return sub, nil, nil
	}

	plan, errPlan := s.catalog.LookupPlan(ctx, planName)
	if errPlan != nil {
		return models.Subscription{}, nil, errPlan
	}
	var sub models.Subscription
	res, errReset := s.ledger.ResetWith(ctx, userID, ledger.ResetOptions{
		Plan: &plan,
		InTx: func(tx *gorm.DB) error {
			var errAssign error
			sub, errAssign = s.subs.WithTx(tx).AssignPlan(ctx, userID, plan)
			return errAssign
		},
	})
	if errReset != nil {
		return models.Subscription{}, nil, fmt.Errorf("billing: change plan: %w", errReset)
	}
	log.WithFields(log.Fields{"user_id": userID, "plan": plan.Name}).Info("billing: plan changed with credit reset")
	return sub, &res, nil
}

// GrantCredits adds credits through the purchase, refund, or bonus path.
func (s *Service) GrantCredits(ctx context.Context, userID string, amount decimal.Decimal, description string, txType models.TransactionType) (ledger.Result, error) {
	if txType == "" {
		txType = models.TransactionTypeBonus
	}
	return s.ledger.Add(ctx, userID, amount, description, txType)
}

// ResetCredits resets the user's balance to their plan allotment.
func (s *Service) ResetCredits(ctx context.Context, userID string) (ledger.Result, error) {
	return s.ledger.Reset(ctx, userID)
}

// ListTransactions returns the user's history, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, opts txlog.ListOptions) ([]models.CreditTransaction, int64, error) {
	return s.log.List(ctx, userID, opts)
}

// VerifyBalance replays the log and compares it with the stored balance.
func (s *Service) VerifyBalance(ctx context.Context, userID string) (Verification, error) {
	stored, errBalance := s.ledger.Balance(ctx, userID)
	if errBalance != nil {
		return Verification{}, errBalance
	}
	replayed, errReplay := s.log.Replay(ctx, userID)
	if errReplay != nil {
		return Verification{}, errReplay
	}
	consistent := replayed.Total.Equal(stored.TotalCredits) &&
		replayed.Used.Equal(stored.UsedCredits) &&
		replayed.Available.Equal(stored.AvailableCredits)
	if !consistent {
		log.WithFields(log.Fields{
			"user_id":         userID,
			"stored_total":    stored.TotalCredits.String(),
			"stored_used":     stored.UsedCredits.String(),
			"replayed_total":  replayed.Total.String(),
			"replayed_used":   replayed.Used.String(),
			"replayed_events": replayed.Entries,
		}).Warn("billing: balance does not match transaction log")
	}
	return Verification{Stored: stored, Replayed: replayed, Consistent: consistent}, nil
}

// ResetDuePeriods rolls over up to limit subscriptions whose period has ended and resets their credits.
// The period advance and the reset commit together; a failed reset leaves the subscription due.
// It returns how many users were reset.
func (s *Service) ResetDuePeriods(ctx context.Context, limit int) (int, error) {
	due, errDue := s.subs.DueForReset(ctx, s.nowFn(), limit)
	if errDue != nil {
		return 0, errDue
	}
	reset := 0
	var errs []error
	for _, sub := range due {
		if errCtx := ctx.Err(); errCtx != nil {
			return reset, errCtx
		}
		opts := ledger.ResetOptions{
			InTx: func(tx *gorm.DB) error {
				_, advanced, errAdvance := s.subs.WithTx(tx).AdvancePeriod(ctx, sub)
				if errAdvance != nil {
					return errAdvance
				}
				if !advanced {
					return ledger.ErrResetSkipped
				}
				return nil
			},
		}
		if sub.Plan.ID != 0 {
			opts.Plan = &sub.Plan
		}
		_, errReset := s.ledger.ResetWith(ctx, sub.UserID, opts)
		if errors.Is(errReset, ledger.ErrResetSkipped) {
			continue
		}
		if errReset != nil {
			log.WithError(errReset).WithField("user_id", sub.UserID).Error("billing: period reset failed")
			errs = append(errs, errReset)
			continue
		}
		reset++
	}
	return reset, errors.Join(errs...)
}

// ListPlans returns the plans users can subscribe to.
func (s *Service) ListPlans(ctx context.Context) ([]models.Plan, error) {
	return s.catalog.ListActivePlans(ctx)
}

// Subscription returns the user's subscription.
func (s *Service) Subscription(ctx context.Context, userID string) (models.Subscription, error) {
	return s.subs.Current(ctx, userID)
}

// SetSubscriptionStatus records an external lifecycle event such as a failed renewal.
func (s *Service) SetSubscriptionStatus(ctx context.Context, userID string, status models.SubscriptionStatus) (models.Subscription, error) {
	return s.subs.SetStatus(ctx, userID, status)
}

// LinkExternalRef stores the payment-provider reference on the user's subscription.
func (s *Service) LinkExternalRef(ctx context.Context, userID, ref string) error {
	return s.subs.SetExternalRef(ctx, userID, ref)
}
