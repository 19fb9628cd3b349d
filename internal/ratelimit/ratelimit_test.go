package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
)

type planStub struct {
	plan models.Plan
	err  error
}

func (p planStub) PlanForUser(context.Context, string) (models.Plan, error) {
	return p.plan, p.err
}

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	limiter := NewMemoryLimiter()
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 100, time.UTC)

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "u:a", 3, time.Second, now)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v err=%v", i, res, err)
		}
		if res.Remaining != 2-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 2-i, res.Remaining)
		}
	}
	res, _ := limiter.Allow(ctx, "u:a", 3, time.Second, now)
	if res.Allowed {
		t.Fatalf("expected fourth request to be denied")
	}
	if !res.Reset.Equal(time.Date(2026, 7, 1, 12, 0, 1, 0, time.UTC)) {
		t.Fatalf("unexpected reset %s", res.Reset)
	}

	other, _ := limiter.Allow(ctx, "u:b", 3, time.Second, now)
	if !other.Allowed {
		t.Fatalf("expected independent key to be allowed")
	}
	next, _ := limiter.Allow(ctx, "u:a", 3, time.Second, now.Add(time.Second))
	if !next.Allowed {
		t.Fatalf("expected next window to be allowed")
	}
}

func TestMemoryLimiter_ZeroLimitAllows(t *testing.T) {
	res, err := NewMemoryLimiter().Allow(context.Background(), "u:a", 0, time.Second, time.Now())
	if err != nil || !res.Allowed {
		t.Fatalf("expected unlimited, got %+v err=%v", res, err)
	}
}

func TestManager_FallsBackToMemoryWhenRedisDown(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	settings := SettingsFromConfig(config.RateLimitConfig{RedisEnabled: true, RedisAddr: "127.0.0.1:1"})
	dials := 0
	factory := func(options *redis.Options) *redis.Client {
		dials++
		options.DialTimeout = 50 * time.Millisecond
		options.MaxRetries = -1
		return redis.NewClient(options)
	}
	manager := NewManager(settings, func() time.Time { return now }, factory)
	defer func() { _ = manager.Close() }()

	for i := 0; i < 2; i++ {
		res, err := manager.Allow(context.Background(), "u:a", 2)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: expected memory fallback to allow, got %+v err=%v", i, res, err)
		}
	}
	res, err := manager.Allow(context.Background(), "u:a", 2)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected memory fallback to enforce the limit")
	}
	if dials != 1 {
		t.Fatalf("expected breaker to stop redis retries, got %d dials", dials)
	}
}

func TestSettingsFromConfig_Defaults(t *testing.T) {
	settings := SettingsFromConfig(config.RateLimitConfig{RedisDB: -3})
	if settings.RedisPrefix != "credits:rl" || settings.RedisDB != 0 || settings.Window != time.Second {
		t.Fatalf("unexpected settings: %+v", settings)
	}
}

func TestResolveLimit(t *testing.T) {
	ctx := context.Background()

	decision, err := ResolveLimit(ctx, planStub{plan: models.Plan{Name: "free", RateLimit: 5}}, "user-a")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if decision.Limit != 5 || decision.Scope != ScopeUser || decision.PlanName != "free" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if key := KeyForDecision("user-a", decision); key != "u:user-a" {
		t.Fatalf("unexpected key %q", key)
	}

	unlimited, err := ResolveLimit(ctx, planStub{plan: models.Plan{Name: "enterprise"}}, "user-a")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if unlimited.Limit != 0 || KeyForDecision("user-a", unlimited) != "" {
		t.Fatalf("expected no limit, got %+v", unlimited)
	}

	if none, _ := ResolveLimit(ctx, planStub{}, " "); none.Limit != 0 {
		t.Fatalf("expected no limit for anonymous user, got %+v", none)
	}

	errPlans := errors.New("plans unavailable")
	if _, err := ResolveLimit(ctx, planStub{err: errPlans}, "user-a"); !errors.Is(err, errPlans) {
		t.Fatalf("expected plan error, got %v", err)
	}
}
