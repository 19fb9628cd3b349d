package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPICredits/internal/billing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/ledger"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/router-for-me/CLIProxyAPICredits/internal/pricing"
	"github.com/router-for-me/CLIProxyAPICredits/internal/txlog"
)

// CreditFrontHandler serves balance, usage, and charging endpoints for users.
type CreditFrontHandler struct {
	svc *billing.Service
}

// NewCreditFrontHandler constructs a CreditFrontHandler.
func NewCreditFrontHandler(svc *billing.Service) *CreditFrontHandler {
	return &CreditFrontHandler{svc: svc}
}

// Balance returns the user's balance, initializing it on first access.
func (h *CreditFrontHandler) Balance(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	summary, errSummary := h.svc.GetUsageSummary(c.Request.Context(), userID)
	if errSummary != nil {
		writeServiceError(c, errSummary, "query balance failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_credits":     summary.Total,
		"used_credits":      summary.Used,
		"available_credits": summary.Available,
	})
}

// UsageSummary returns the balance with its usage percentage.
func (h *CreditFrontHandler) UsageSummary(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	summary, errSummary := h.svc.GetUsageSummary(c.Request.Context(), userID)
	if errSummary != nil {
		writeServiceError(c, errSummary, "query usage failed")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// usageStatsQuery defines the query parameters for usage stats.
type usageStatsQuery struct {
	Days int `form:"days,default=30"`
}

// UsageStats returns usage over a trailing window split by agent and tool.
func (h *CreditFrontHandler) UsageStats(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var q usageStatsQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if q.Days <= 0 || q.Days > 366 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 366"})
		return
	}
	stats, errStats := h.svc.GetUsageStats(c.Request.Context(), userID, q.Days)
	if errStats != nil {
		writeServiceError(c, errStats, "query usage failed")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// transactionsQuery defines the query parameters for history listing.
type transactionsQuery struct {
	Type   string `form:"type"`
	Limit  int    `form:"limit,default=50"`
	Offset int    `form:"offset,default=0"`
}

// Transactions lists the user's ledger entries, newest first.
func (h *CreditFrontHandler) Transactions(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var q transactionsQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	opts := txlog.ListOptions{Limit: q.Limit, Offset: q.Offset}
	for _, raw := range strings.Split(q.Type, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		txType := models.TransactionType(raw)
		if !txType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid type"})
			return
		}
		opts.Types = append(opts.Types, txType)
	}

	rows, total, errList := h.svc.ListTransactions(c.Request.Context(), userID, opts)
	if errList != nil {
		writeServiceError(c, errList, "list transactions failed")
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatTransaction(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out, "total": total})
}

// operationRequest describes a billable operation in a request body.
type operationRequest struct {
	Operation    string `json:"operation"`
	ToolName     string `json:"tool_name"`
	CustomTool   bool   `json:"custom_tool"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Calls        *int   `json:"calls"`
}

// toOperation converts the request into a pricing operation. Calls defaults to 1.
func (r operationRequest) toOperation() (pricing.Operation, error) {
	kind, errKind := pricing.ParseKind(r.Operation)
	if errKind != nil {
		return pricing.Operation{}, errKind
	}
	calls := 1
	if r.Calls != nil {
		calls = *r.Calls
	}
	return pricing.Operation{
		Kind:         kind,
		ToolName:     strings.TrimSpace(r.ToolName),
		CustomTool:   r.CustomTool,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		Calls:        calls,
	}, nil
}

// Estimate prices an operation and reports whether the user can afford it.
func (h *CreditFrontHandler) Estimate(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var body operationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	op, errOp := body.toOperation()
	if errOp != nil {
		writeServiceError(c, errOp, "estimate failed")
		return
	}
	cost, errCost := h.svc.EstimateOperationCost(op)
	if errCost != nil {
		writeServiceError(c, errCost, "estimate failed")
		return
	}
	check, errCheck := h.svc.CheckCredits(c.Request.Context(), userID, cost)
	if errCheck != nil {
		writeServiceError(c, errCheck, "estimate failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operation":  op.Kind,
		"cost":       cost,
		"sufficient": check.Sufficient,
		"available":  check.Available,
		"deficit":    check.Deficit,
	})
}

// chargeRequest is an operation plus the resource it is linked to.
type chargeRequest struct {
	operationRequest
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	ToolID         string `json:"tool_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Charge prices an operation and debits the user for it.
// The Idempotency-Key header is used when the body carries no key.
func (h *CreditFrontHandler) Charge(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var body chargeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	op, errOp := body.toOperation()
	if errOp != nil {
		writeServiceError(c, errOp, "charge failed")
		return
	}
	key := strings.TrimSpace(body.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	charged, errCharge := h.svc.ChargeOperation(c.Request.Context(), userID, op, ledger.Linkage{
		AgentID:        strings.TrimSpace(body.AgentID),
		ConversationID: strings.TrimSpace(body.ConversationID),
		ToolID:         strings.TrimSpace(body.ToolID),
	}, key)
	if errCharge != nil {
		writeServiceError(c, errCharge, "charge failed")
		return
	}

	status := http.StatusCreated
	if charged.Result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"cost":        charged.Cost,
		"replayed":    charged.Result.Replayed,
		"balance":     formatBalance(&charged.Result.Balance),
		"transaction": formatTransaction(&charged.Result.Transaction),
	})
}
