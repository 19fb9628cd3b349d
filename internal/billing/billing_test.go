package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPICredits/internal/catalog"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	"github.com/router-for-me/CLIProxyAPICredits/internal/db/dbtest"
	"github.com/router-for-me/CLIProxyAPICredits/internal/entitlement"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ledger"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/router-for-me/CLIProxyAPICredits/internal/pricing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/subscription"
	"github.com/router-for-me/CLIProxyAPICredits/internal/txlog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestService(t *testing.T, clock *testClock) (*Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	cfg := config.DefaultBillingConfig()
	cat := catalog.New(conn, cfg)
	if _, err := cat.SeedDefaults(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := NewService(Deps{
		Catalog:       cat,
		Subscriptions: subscription.NewService(conn, cat, clock.Now),
		Ledger:        ledger.New(conn, cat, ledger.Options{WelcomeGrant: cfg.WelcomeGrant, Now: clock.Now}),
		Log:           txlog.New(conn),
		Calculator:    pricing.NewCalculator(cfg.Rates),
		Limits:        entitlement.NewChecker(cat, entitlement.NewGormCounter(conn)),
		Now:           clock.Now,
	})
	return svc, conn
}

func TestOnboardUser(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	first, err := svc.OnboardUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if !first.Created || first.Subscription.Plan.Name != "free" || !first.Balance.AvailableCredits.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected onboarding: %+v", first)
	}
	second, err := svc.OnboardUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("onboard again: %v", err)
	}
	if second.Created {
		t.Fatalf("expected second onboarding to be a no-op")
	}
	if _, err := svc.OnboardUser(ctx, ""); !errors.Is(err, ledger.ErrMissingUser) {
		t.Fatalf("expected ErrMissingUser, got %v", err)
	}
}

func TestChargeOperation_UsesCalculator(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	op := pricing.ToolExecution("image_generation", false, 2)
	estimate, err := svc.EstimateOperationCost(op)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	charged, err := svc.ChargeOperation(ctx, "user-a", op, ledger.Linkage{AgentID: "agent-1"}, "")
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if !charged.Cost.Equal(estimate) || !estimate.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected charge to match estimate 20, got %s vs %s", charged.Cost, estimate)
	}
	if charged.Result.Transaction.ToolID != "image_generation" {
		t.Fatalf("expected tool linkage, got %q", charged.Result.Transaction.ToolID)
	}
	if !charged.Result.Balance.AvailableCredits.Equal(decimal.NewFromInt(980)) {
		t.Fatalf("expected 980 available, got %s", charged.Result.Balance.AvailableCredits)
	}

	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.MessageRelay(0), ledger.Linkage{}, ""); !errors.Is(err, pricing.ErrInvalidCallCount) {
		t.Fatalf("expected ErrInvalidCallCount, got %v", err)
	}
	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.AgentConversation(5_000_000, 0), ledger.Linkage{}, ""); !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestUsageSummaryAfterReset(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.ToolExecution("web_search", false, 125), ledger.Linkage{}, ""); err != nil {
		t.Fatalf("charge: %v", err)
	}
	summary, err := svc.GetUsageSummary(ctx, "user-a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.Used.Equal(decimal.NewFromInt(250)) || !summary.UsagePercentage.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	if _, err := svc.ResetCredits(ctx, "user-a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	summary, err = svc.GetUsageSummary(ctx, "user-a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.Used.IsZero() || !summary.Available.Equal(summary.Total) || !summary.Total.Equal(decimal.NewFromInt(1000)) || !summary.UsagePercentage.IsZero() {
		t.Fatalf("unexpected summary after reset: %+v", summary)
	}
}

func TestUsageSummary_ZeroTotal(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, conn := newTestService(t, clock)
	cat := catalog.New(conn, config.DefaultBillingConfig())
	svc.ledger = ledger.New(conn, cat, ledger.Options{WelcomeGrant: decimal.Zero})

	summary, err := svc.GetUsageSummary(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.Total.IsZero() || !summary.UsagePercentage.IsZero() {
		t.Fatalf("expected zero summary, got %+v", summary)
	}
}

func TestGetUsageStats_Window(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.MessageRelay(10), ledger.Linkage{}, ""); err != nil {
		t.Fatalf("charge: %v", err)
	}
	clock.now = clock.now.AddDate(0, 0, 10)
	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.AgentConversation(0, 0), ledger.Linkage{AgentID: "agent-1"}, ""); err != nil {
		t.Fatalf("charge: %v", err)
	}

	week, err := svc.GetUsageStats(ctx, "user-a", 7)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if week.Count != 1 || !week.Agent.Equal(decimal.NewFromInt(2)) || !week.Other.IsZero() {
		t.Fatalf("unexpected 7 day stats: %+v", week)
	}
	month, err := svc.GetUsageStats(ctx, "user-a", 0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if month.WindowDays != 30 || month.Count != 2 || !month.Total.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected default window stats: %+v", month)
	}
}

func TestGetPlanLimits(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)

	limits, err := svc.GetPlanLimits(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if limits.PlanName != "free" || limits.MaxAgents != 3 || limits.MaxCustomTools != 1 || limits.RateLimit != 5 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
	if enabled, _ := limits.Features["custom_tools"].(bool); !enabled {
		t.Fatalf("expected custom_tools feature, got %+v", limits.Features)
	}
}

func TestChangePlan(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	sub, res, err := svc.ChangePlan(ctx, "user-a", "pro", true)
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	if sub.Plan.Name != "pro" || res == nil || !res.Balance.TotalCredits.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("unexpected plan change: %+v %+v", sub, res)
	}
	plan, err := svc.GetUserPlan(ctx, "user-a")
	if err != nil || plan.Name != "pro" {
		t.Fatalf("expected pro plan, got %s err=%v", plan.Name, err)
	}

	if _, _, err := svc.ChangePlan(ctx, "user-a", "platinum", false); !errors.Is(err, catalog.ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestGrantCreditsAndVerifyBalance(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, conn := newTestService(t, clock)
	ctx := context.Background()

	if _, err := svc.GrantCredits(ctx, "user-a", decimal.NewFromInt(500), "purchase", models.TransactionTypePurchase); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.ToolExecution("custom", true, 1), ledger.Linkage{}, "op-1"); err != nil {
		t.Fatalf("charge: %v", err)
	}
	verification, err := svc.VerifyBalance(ctx, "user-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verification.Consistent || !verification.Stored.AvailableCredits.Equal(decimal.NewFromInt(1497)) {
		t.Fatalf("unexpected verification: %+v", verification)
	}

	entries, total, err := svc.ListTransactions(ctx, "user-a", txlog.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || entries[0].Type != models.TransactionTypeUsage {
		t.Fatalf("unexpected history: total=%d first=%s", total, entries[0].Type)
	}

	// Tamper with the stored row to prove the audit notices.
	if err := conn.Model(&models.CreditBalance{}).Where("user_id = ?", "user-a").
		Updates(map[string]any{"total_credits": decimal.NewFromInt(9999), "available_credits": decimal.NewFromInt(9996)}).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}
	verification, err = svc.VerifyBalance(ctx, "user-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verification.Consistent {
		t.Fatalf("expected tampered balance to be inconsistent")
	}
}

func TestCheckLimitsAndCredits(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, conn := newTestService(t, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := conn.Create(&models.Agent{UserID: "user-a", Name: "a", IsActive: true}).Error; err != nil {
			t.Fatalf("create agent: %v", err)
		}
	}
	agents, err := svc.CheckAgentLimit(ctx, "user-a")
	if err != nil {
		t.Fatalf("agent limit: %v", err)
	}
	if agents.CanCreate || agents.CurrentCount != 3 || agents.MaxAllowed != 3 {
		t.Fatalf("unexpected agent check: %+v", agents)
	}
	tools, err := svc.CheckCustomToolLimit(ctx, "user-a")
	if err != nil {
		t.Fatalf("tool limit: %v", err)
	}
	if !tools.CanCreate {
		t.Fatalf("expected tool creation allowed, got %+v", tools)
	}

	check, err := svc.CheckCredits(ctx, "user-a", decimal.NewFromInt(1001))
	if err != nil {
		t.Fatalf("check credits: %v", err)
	}
	if check.Sufficient || !check.Deficit.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected credit check: %+v", check)
	}
}

func TestResetDuePeriods(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	if _, _, err := svc.ChangePlan(ctx, "user-a", "starter", false); err != nil {
		t.Fatalf("change plan: %v", err)
	}
	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.MessageRelay(100), ledger.Linkage{}, ""); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if _, err := svc.OnboardUser(ctx, "user-b"); err != nil {
		t.Fatalf("onboard: %v", err)
	}

	clock.now = time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	if n, err := svc.ResetDuePeriods(ctx, 10); err != nil || n != 0 {
		t.Fatalf("expected nothing due mid-period, got %d err=%v", n, err)
	}

	clock.now = time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC)
	n, err := svc.ResetDuePeriods(ctx, 10)
	if err != nil {
		t.Fatalf("reset due: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 resets, got %d", n)
	}
	summary, err := svc.GetUsageSummary(ctx, "user-a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.Total.Equal(decimal.NewFromInt(10000)) || !summary.Used.IsZero() {
		t.Fatalf("expected starter allotment after rollover, got %+v", summary)
	}

	if n, err := svc.ResetDuePeriods(ctx, 10); err != nil || n != 0 {
		t.Fatalf("expected rollover to run once, got %d err=%v", n, err)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	if _, err := svc.Subscription(ctx, "user-a"); !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := svc.ChangePlan(ctx, "user-a", "pro", false); err != nil {
		t.Fatalf("change plan: %v", err)
	}
	sub, err := svc.SetSubscriptionStatus(ctx, "user-a", models.SubscriptionStatusCanceled)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if sub.Status != models.SubscriptionStatusCanceled {
		t.Fatalf("expected canceled, got %s", sub.Status)
	}
	plan, err := svc.GetUserPlan(ctx, "user-a")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Name != "free" {
		t.Fatalf("expected canceled user on default plan, got %s", plan.Name)
	}

	plans, err := svc.ListPlans(ctx)
	if err != nil {
		t.Fatalf("list plans: %v", err)
	}
	if len(plans) != 4 || plans[0].Name != "free" {
		t.Fatalf("unexpected plans: %d", len(plans))
	}
}

// hideTable renames table until the returned func restores it.
func hideTable(t *testing.T, conn *gorm.DB, table string) func() {
	t.Helper()
	hidden := table + "_hidden"
	if err := conn.Exec("ALTER TABLE " + table + " RENAME TO " + hidden).Error; err != nil {
		t.Fatalf("rename %s: %v", table, err)
	}
	return func() {
		t.Helper()
		if err := conn.Exec("ALTER TABLE " + hidden + " RENAME TO " + table).Error; err != nil {
			t.Fatalf("restore %s: %v", table, err)
		}
	}
}

func TestResetDuePeriods_FailedResetStaysDue(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)}
	svc, conn := newTestService(t, clock)
	ctx := context.Background()

	if _, _, err := svc.ChangePlan(ctx, "user-a", "starter", false); err != nil {
		t.Fatalf("change plan: %v", err)
	}
	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.MessageRelay(100), ledger.Linkage{}, ""); err != nil {
		t.Fatalf("charge: %v", err)
	}

	clock.now = time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC)
	restore := hideTable(t, conn, "credit_transactions")
	n, err := svc.ResetDuePeriods(ctx, 10)
	if err == nil || n != 0 {
		t.Fatalf("expected failed sweep, got %d err=%v", n, err)
	}
	restore()

	sub, err := svc.Subscription(ctx, "user-a")
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if want := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC); !sub.PeriodEnd.Equal(want) {
		t.Fatalf("expected period to stay at %s after failed reset, got %s", want, sub.PeriodEnd)
	}

	n, err = svc.ResetDuePeriods(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected retried sweep to reset once, got %d err=%v", n, err)
	}
	summary, err := svc.GetUsageSummary(ctx, "user-a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.Total.Equal(decimal.NewFromInt(10000)) || !summary.Used.IsZero() {
		t.Fatalf("expected starter allotment after retry, got %+v", summary)
	}
	sub, err = svc.Subscription(ctx, "user-a")
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if want := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC); !sub.PeriodEnd.Equal(want) {
		t.Fatalf("expected period end %s, got %s", want, sub.PeriodEnd)
	}
	verification, err := svc.VerifyBalance(ctx, "user-a")
	if err != nil || !verification.Consistent {
		t.Fatalf("expected consistent balance, got %+v err=%v", verification, err)
	}
}

func TestChangePlan_FailedResetKeepsPlan(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, conn := newTestService(t, clock)
	ctx := context.Background()

	if _, err := svc.OnboardUser(ctx, "user-a"); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	restore := hideTable(t, conn, "credit_transactions")
	if _, _, err := svc.ChangePlan(ctx, "user-a", "pro", true); err == nil {
		t.Fatalf("expected change plan to fail")
	}
	restore()

	sub, err := svc.Subscription(ctx, "user-a")
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if sub.Plan.Name != "free" {
		t.Fatalf("expected plan change to roll back, got %s", sub.Plan.Name)
	}
	summary, err := svc.GetUsageSummary(ctx, "user-a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.Total.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected balance untouched, got %+v", summary)
	}
}

func TestChargeOperation_RejectsOversizedLinkage(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	long := strings.Repeat("x", ledger.MaxLinkLength+1)
	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.MessageRelay(1), ledger.Linkage{AgentID: long}, ""); !errors.Is(err, ledger.ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong for agent id, got %v", err)
	}
	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.ToolExecution(long, false, 1), ledger.Linkage{}, ""); !errors.Is(err, ledger.ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong for tool name link, got %v", err)
	}
	key := strings.Repeat("k", ledger.MaxIdempotencyKeyLength+1)
	if _, err := svc.ChargeOperation(ctx, "user-a", pricing.MessageRelay(1), ledger.Linkage{}, key); !errors.Is(err, ledger.ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong for idempotency key, got %v", err)
	}
	summary, err := svc.GetUsageSummary(ctx, "user-a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.Used.IsZero() {
		t.Fatalf("expected no debit, got %+v", summary)
	}
}
