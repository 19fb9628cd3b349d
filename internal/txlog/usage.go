package txlog

import (
	"context"
	"fmt"
	"time"

	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/shopspring/decimal"
)

// usageBucket names the linkage class of a usage entry.
type usageBucket string

const (
	bucketAgent usageBucket = "agent"
	bucketTool  usageBucket = "tool"
	bucketOther usageBucket = "other"
)

// UsageBreakdown sums usage entries by what they were linked to.
// Entries linked to a tool count as tool usage even when an agent is also set.
type UsageBreakdown struct {
	Since time.Time

	Total decimal.Decimal
	Agent decimal.Decimal
	Tool  decimal.Decimal
	Other decimal.Decimal

	Count      int64
	AgentCount int64
	ToolCount  int64
	OtherCount int64
}

// UsageSince aggregates the user's usage entries created at or after since.
func (l *Log) UsageSince(ctx context.Context, userID string, since time.Time) (UsageBreakdown, error) {
	// usageRow holds one aggregated bucket.
	type usageRow struct {
		Bucket string
		Count  int64
		Amount decimal.Decimal
	}

	since = since.UTC()
	var rows []usageRow
	if errQuery := l.db.WithContext(ctx).
		Model(&models.CreditTransaction{}).
		Select(`CASE
			WHEN tool_id <> '' THEN 'tool'
			WHEN agent_id <> '' THEN 'agent'
			ELSE 'other'
		END AS bucket, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount`).
		Where("user_id = ? AND type = ? AND created_at >= ?", userID, models.TransactionTypeUsage, since).
		Group("bucket").
		Scan(&rows).Error; errQuery != nil {
		return UsageBreakdown{}, fmt.Errorf("txlog: usage since: %w", errQuery)
	}

	out := UsageBreakdown{Since: since}
	for _, row := range rows {
		// Usage amounts are stored negative.
		amount := row.Amount.Neg().Round(4)
		switch usageBucket(row.Bucket) {
		case bucketAgent:
			out.Agent = out.Agent.Add(amount)
			out.AgentCount += row.Count
		case bucketTool:
			out.Tool = out.Tool.Add(amount)
			out.ToolCount += row.Count
		default:
			out.Other = out.Other.Add(amount)
			out.OtherCount += row.Count
		}
		out.Total = out.Total.Add(amount)
		out.Count += row.Count
	}
	return out, nil
}
