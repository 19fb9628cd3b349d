package pricing

import (
	"errors"
	"strings"

	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places kept on computed costs.
const Precision = 4

var (
	// ErrInvalidCallCount indicates a call count of zero or less.
	ErrInvalidCallCount = errors.New("pricing: call count must be positive")
	// ErrNegativeTokens indicates a negative token count.
	ErrNegativeTokens = errors.New("pricing: token counts must not be negative")
)

var thousand = decimal.NewFromInt(1000)

// Calculator prices operations from a rate table. It holds no mutable state.
type Calculator struct {
	rates config.RateConfig
}

// NewCalculator constructs a Calculator over the given rates.
func NewCalculator(rates config.RateConfig) *Calculator {
	tools := make(map[string]decimal.Decimal, len(rates.Tools))
	for name, rate := range rates.Tools {
		tools[name] = rate
	}
	rates.Tools = tools
	return &Calculator{rates: rates}
}

// Cost returns the credit cost of op. The same result is used for estimates and charges.
func (c *Calculator) Cost(op Operation) (decimal.Decimal, error) {
	if op.Calls <= 0 {
		return decimal.Zero, ErrInvalidCallCount
	}
	if op.InputTokens < 0 || op.OutputTokens < 0 {
		return decimal.Zero, ErrNegativeTokens
	}

	var unit decimal.Decimal
	switch op.Kind {
	case KindToolExecution:
		unit = c.toolRate(op)
	case KindAgentConversation:
		proportional := c.rates.AgentConversationPer1K.
			Mul(decimal.NewFromInt(op.TotalTokens())).
			Div(thousand)
		unit = decimal.Max(c.rates.AgentConversationBase, proportional)
	case KindMessageRelay:
		unit = c.rates.MessageRelay
	default:
		return decimal.Zero, ErrUnknownOperation
	}
	return unit.Mul(decimal.NewFromInt(int64(op.Calls))).Round(Precision), nil
}

// ToolRate returns the per-call rate applied to the named tool.
func (c *Calculator) ToolRate(toolName string, custom bool) decimal.Decimal {
	return c.toolRate(Operation{Kind: KindToolExecution, ToolName: toolName, CustomTool: custom})
}

func (c *Calculator) toolRate(op Operation) decimal.Decimal {
	if op.CustomTool {
		return c.rates.CustomToolExecution
	}
	if rate, ok := c.rates.Tools[strings.TrimSpace(op.ToolName)]; ok {
		return rate
	}
	return c.rates.ToolExecution
}
