package txlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPICredits/internal/db/dbtest"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func appendEntry(t *testing.T, conn *gorm.DB, entry models.CreditTransaction) models.CreditTransaction {
	t.Helper()
	if err := Append(conn, &entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	return entry
}

func TestAppend_Validation(t *testing.T) {
	conn := dbtest.Open(t)

	cases := map[string]*models.CreditTransaction{
		"nil":          nil,
		"missing user": {Type: models.TransactionTypeBonus},
		"unknown type": {UserID: "user-a", Type: "gift"},
		"persisted":    {ID: 7, UserID: "user-a", Type: models.TransactionTypeBonus},
	}
	for name, entry := range cases {
		if err := Append(conn, entry); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("%s: expected ErrInvalidEntry, got %v", name, err)
		}
	}
}

func TestListAndIdempotencyLookup(t *testing.T) {
	conn := dbtest.Open(t)
	log := New(conn)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	key := "charge-1"
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeBonus, Amount: decimal.NewFromInt(100), CreatedAt: base})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeUsage, Amount: decimal.NewFromInt(-3), CreatedAt: base.Add(time.Hour), IdempotencyKey: &key})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeUsage, Amount: decimal.NewFromInt(-4), CreatedAt: base.Add(2 * time.Hour)})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-b", Type: models.TransactionTypeBonus, Amount: decimal.NewFromInt(5), CreatedAt: base})

	entries, total, err := log.List(ctx, "user-a", ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(entries) != 2 {
		t.Fatalf("expected 2 of 3 entries, got %d of %d", len(entries), total)
	}
	if !entries[0].Amount.Equal(decimal.NewFromInt(-4)) {
		t.Fatalf("expected newest entry first, got %s", entries[0].Amount)
	}

	usage, total, err := log.List(ctx, "user-a", ListOptions{
		Types: []models.TransactionType{models.TransactionTypeUsage},
		Since: base.Add(30 * time.Minute),
		Until: base.Add(90 * time.Minute),
	})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if total != 1 || len(usage) != 1 || !usage[0].Amount.Equal(decimal.NewFromInt(-3)) {
		t.Fatalf("expected the -3 usage entry, got %d entries", total)
	}

	found, err := FindByIdempotencyKey(conn, "user-a", key)
	if err != nil {
		t.Fatalf("find key: %v", err)
	}
	if found == nil || found.ID != usage[0].ID {
		t.Fatalf("expected entry %d for key, got %+v", usage[0].ID, found)
	}
	if missing, err := FindByIdempotencyKey(conn, "user-b", key); err != nil || missing != nil {
		t.Fatalf("expected no entry for other user, got %+v err=%v", missing, err)
	}
}

func TestFold(t *testing.T) {
	totals := Fold([]models.CreditTransaction{
		{Type: models.TransactionTypeBonus, Amount: decimal.NewFromInt(1000)},
		{Type: models.TransactionTypeUsage, Amount: decimal.NewFromInt(-200)},
		{Type: models.TransactionTypePurchase, Amount: decimal.NewFromInt(50)},
		{Type: models.TransactionTypeReset, Amount: decimal.NewFromInt(10000)},
		{Type: models.TransactionTypeUsage, Amount: decimal.RequireFromString("-2.5")},
		{Type: models.TransactionTypeRefund, Amount: decimal.RequireFromString("2.5")},
	})
	if !totals.Total.Equal(decimal.RequireFromString("10002.5")) ||
		!totals.Used.Equal(decimal.RequireFromString("2.5")) ||
		!totals.Available.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if totals.Entries != 6 {
		t.Fatalf("expected 6 entries folded, got %d", totals.Entries)
	}
}

func TestReplay_ReadsInAppendOrder(t *testing.T) {
	conn := dbtest.Open(t)
	log := New(conn)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeBonus, Amount: decimal.NewFromInt(1000), CreatedAt: base})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeUsage, Amount: decimal.NewFromInt(-100), CreatedAt: base})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeReset, Amount: decimal.NewFromInt(500), CreatedAt: base})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeUsage, Amount: decimal.NewFromInt(-20), CreatedAt: base})

	totals, err := log.Replay(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !totals.Total.Equal(decimal.NewFromInt(500)) || !totals.Used.Equal(decimal.NewFromInt(20)) || !totals.Available.Equal(decimal.NewFromInt(480)) {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestUsageSince_Buckets(t *testing.T) {
	conn := dbtest.Open(t)
	log := New(conn)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeUsage, Amount: decimal.NewFromInt(-50), CreatedAt: base.Add(-time.Hour)})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeUsage, Amount: decimal.NewFromInt(-2), AgentID: "agent-1", CreatedAt: base})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeUsage, Amount: decimal.NewFromInt(-3), AgentID: "agent-1", CreatedAt: base})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeUsage, Amount: decimal.RequireFromString("-1.25"), AgentID: "agent-1", ToolID: "web_search", CreatedAt: base})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeUsage, Amount: decimal.RequireFromString("-0.1"), CreatedAt: base})
	appendEntry(t, conn, models.CreditTransaction{UserID: "user-a", Type: models.TransactionTypeBonus, Amount: decimal.NewFromInt(99), CreatedAt: base})

	breakdown, err := log.UsageSince(context.Background(), "user-a", base)
	if err != nil {
		t.Fatalf("usage since: %v", err)
	}
	if !breakdown.Agent.Equal(decimal.NewFromInt(5)) || breakdown.AgentCount != 2 {
		t.Fatalf("unexpected agent usage %s (%d)", breakdown.Agent, breakdown.AgentCount)
	}
	if !breakdown.Tool.Equal(decimal.RequireFromString("1.25")) || breakdown.ToolCount != 1 {
		t.Fatalf("unexpected tool usage %s (%d)", breakdown.Tool, breakdown.ToolCount)
	}
	if !breakdown.Other.Equal(decimal.RequireFromString("0.1")) || breakdown.OtherCount != 1 {
		t.Fatalf("unexpected other usage %s (%d)", breakdown.Other, breakdown.OtherCount)
	}
	if !breakdown.Total.Equal(decimal.RequireFromString("6.35")) || breakdown.Count != 4 {
		t.Fatalf("unexpected total usage %s (%d)", breakdown.Total, breakdown.Count)
	}
}
