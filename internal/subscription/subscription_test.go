package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPICredits/internal/catalog"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	"github.com/router-for-me/CLIProxyAPICredits/internal/db/dbtest"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestService(t *testing.T, clock *fakeClock) *Service {
	t.Helper()
	conn := dbtest.Open(t)
	cat := catalog.New(conn, config.DefaultBillingConfig())
	if _, err := cat.SeedDefaults(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return NewService(conn, cat, clock.Now)
}

func TestPeriodEnd(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	if got := PeriodEnd(start, models.PlanIntervalMonth); !got.Equal(time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected monthly end: %s", got)
	}
	if got := PeriodEnd(start, models.PlanIntervalYear); !got.Equal(time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected yearly end: %s", got)
	}
}

func TestEnsureDefault_CreatesOnce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)
	ctx := context.Background()

	sub, created, err := svc.EnsureDefault(ctx, "user-a", "free")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created || sub.Plan.Name != "free" || sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("unexpected subscription: created=%v %+v", created, sub)
	}
	if !sub.PeriodEnd.Equal(clock.now.AddDate(0, 1, 0)) {
		t.Fatalf("expected period end one month out, got %s", sub.PeriodEnd)
	}

	if _, err := svc.Assign(ctx, "user-a", "pro"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	sub, created, err = svc.EnsureDefault(ctx, "user-a", "free")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if created || sub.Plan.Name != "pro" {
		t.Fatalf("expected existing pro subscription kept, got created=%v plan=%s", created, sub.Plan.Name)
	}
}

func TestAssign_SwitchesPlanAndRestartsPeriod(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)
	ctx := context.Background()

	if _, err := svc.Assign(ctx, "user-a", "starter"); err != nil {
		t.Fatalf("assign starter: %v", err)
	}
	if _, err := svc.SetStatus(ctx, "user-a", models.SubscriptionStatusCanceled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	clock.now = clock.now.Add(10 * 24 * time.Hour)
	sub, err := svc.Assign(ctx, "user-a", "pro")
	if err != nil {
		t.Fatalf("assign pro: %v", err)
	}
	if sub.Plan.Name != "pro" || sub.Status != models.SubscriptionStatusActive || sub.CanceledAt != nil {
		t.Fatalf("unexpected subscription after switch: %+v", sub)
	}
	if !sub.PeriodStart.Equal(clock.now) {
		t.Fatalf("expected period to restart at %s, got %s", clock.now, sub.PeriodStart)
	}

	if _, err := svc.Assign(ctx, "user-a", "gold"); !errors.Is(err, catalog.ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)
	ctx := context.Background()

	if _, err := svc.SetStatus(ctx, "user-a", models.SubscriptionStatusPastDue); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Assign(ctx, "user-a", "free"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := svc.SetStatus(ctx, "user-a", "paused"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	sub, err := svc.SetStatus(ctx, "user-a", " Canceled ")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if sub.Status != models.SubscriptionStatusCanceled || sub.CanceledAt == nil {
		t.Fatalf("expected canceled subscription, got %+v", sub)
	}
	if err := svc.SetExternalRef(ctx, "user-a", "sub_123"); err != nil {
		t.Fatalf("set external ref: %v", err)
	}
	sub, err = svc.Current(ctx, "user-a")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if sub.ExternalRef != "sub_123" {
		t.Fatalf("expected external ref stored, got %q", sub.ExternalRef)
	}
}

func TestDueForResetAndAdvancePeriod(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)
	ctx := context.Background()

	if _, err := svc.Assign(ctx, "user-a", "free"); err != nil {
		t.Fatalf("assign a: %v", err)
	}
	if _, err := svc.Assign(ctx, "user-b", "pro"); err != nil {
		t.Fatalf("assign b: %v", err)
	}
	if _, err := svc.SetStatus(ctx, "user-b", models.SubscriptionStatusCanceled); err != nil {
		t.Fatalf("cancel b: %v", err)
	}

	clock.now = time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC)
	due, err := svc.DueForReset(ctx, clock.now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].UserID != "user-a" {
		t.Fatalf("expected only user-a due, got %+v", due)
	}

	advanced, ok, err := svc.AdvancePeriod(ctx, due[0])
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !ok {
		t.Fatalf("expected period to advance")
	}
	wantStart := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	if !advanced.PeriodStart.Equal(wantStart) || !advanced.PeriodEnd.Equal(wantStart.AddDate(0, 1, 0)) {
		t.Fatalf("unexpected period %s - %s", advanced.PeriodStart, advanced.PeriodEnd)
	}

	// A stale copy does not advance twice.
	if _, ok, err := svc.AdvancePeriod(ctx, due[0]); err != nil || ok {
		t.Fatalf("expected stale advance to be skipped, ok=%v err=%v", ok, err)
	}
	due, err = svc.DueForReset(ctx, clock.now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due after advance, got %d", len(due))
	}
}
