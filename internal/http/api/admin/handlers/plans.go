package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PlanHandler manages admin endpoints for plans. Plans are never deleted; retired plans are disabled.
type PlanHandler struct {
	db *gorm.DB // Database handle for plan records.
}

// NewPlanHandler constructs a plan handler.
func NewPlanHandler(db *gorm.DB) *PlanHandler {
	return &PlanHandler{db: db}
}

// normalizePlanFeatures validates that features is a JSON object.
func normalizePlanFeatures(raw json.RawMessage) (datatypes.JSON, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return datatypes.JSON([]byte("{}")), nil
	}
	var features map[string]any
	if errUnmarshal := json.Unmarshal(raw, &features); errUnmarshal != nil {
		return nil, errors.New("invalid features")
	}
	normalized, errMarshal := json.Marshal(features)
	if errMarshal != nil {
		return nil, errMarshal
	}
	return datatypes.JSON(normalized), nil
}

// validLimit reports whether v is a usable cap.
func validLimit(v int) bool {
	return v >= models.Unlimited
}

// createPlanRequest captures the payload for creating a plan.
type createPlanRequest struct {
	Name           string          `json:"name"`             // Stable plan key.
	DisplayName    string          `json:"display_name"`     // Human-readable name.
	Description    string          `json:"description"`      // Plan description.
	MaxAgents      int             `json:"max_agents"`       // Agent cap, -1 for unlimited.
	MaxCustomTools int             `json:"max_custom_tools"` // Custom tool cap, -1 for unlimited.
	MonthlyCredits decimal.Decimal `json:"monthly_credits"`  // Allotment per reset.
	Price          decimal.Decimal `json:"price"`            // Price per interval.
	Currency       string          `json:"currency"`         // ISO currency code.
	Interval       string          `json:"interval"`         // month or year.
	RateLimit      int             `json:"rate_limit"`       // Requests per second.
	Features       json.RawMessage `json:"features"`         // Feature flags.
	SortOrder      int             `json:"sort_order"`       // Display order.
	IsActive       *bool           `json:"is_active"`        // Optional active flag.
}

// Create validates input and inserts a new plan.
func (h *PlanHandler) Create(c *gin.Context) {
	var body createPlanRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	name := strings.ToLower(strings.TrimSpace(body.Name))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if !validLimit(body.MaxAgents) || !validLimit(body.MaxCustomTools) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limits must be -1 or greater"})
		return
	}
	if body.MonthlyCredits.IsNegative() || body.Price.IsNegative() || body.RateLimit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credits, price and rate_limit must not be negative"})
		return
	}
	interval := models.PlanInterval(strings.TrimSpace(body.Interval))
	if interval == "" {
		interval = models.PlanIntervalMonth
	}
	if interval != models.PlanIntervalMonth && interval != models.PlanIntervalYear {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval must be month or year"})
		return
	}
	features, errFeatures := normalizePlanFeatures(body.Features)
	if errFeatures != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid features"})
		return
	}

	isActive := true
	if body.IsActive != nil {
		isActive = *body.IsActive
	}
	displayName := strings.TrimSpace(body.DisplayName)
	if displayName == "" {
		displayName = name
	}
	currency := strings.ToLower(strings.TrimSpace(body.Currency))
	if currency == "" {
		currency = "usd"
	}

	now := time.Now().UTC()
	plan := models.Plan{
		Name:           name,
		DisplayName:    displayName,
		Description:    body.Description,
		MaxAgents:      body.MaxAgents,
		MaxCustomTools: body.MaxCustomTools,
		MonthlyCredits: body.MonthlyCredits.Round(4),
		Price:          body.Price.Round(2),
		Currency:       currency,
		Interval:       interval,
		RateLimit:      body.RateLimit,
		Features:       features,
		SortOrder:      body.SortOrder,
		IsActive:       isActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var existing int64
	if errCount := h.db.WithContext(c.Request.Context()).Model(&models.Plan{}).Where("name = ?", name).Count(&existing).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if existing > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "plan name already exists"})
		return
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&plan).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create plan failed"})
		return
	}
	c.JSON(http.StatusCreated, formatPlan(&plan))
}

// List returns all plans, optionally filtered by active flag.
func (h *PlanHandler) List(c *gin.Context) {
	activeQ := strings.TrimSpace(c.Query("is_active"))

	q := h.db.WithContext(c.Request.Context()).Model(&models.Plan{})
	if activeQ == "true" || activeQ == "1" {
		q = q.Where("is_active = ?", true)
	} else if activeQ == "false" || activeQ == "0" {
		q = q.Where("is_active = ?", false)
	}

	var rows []models.Plan
	if errFind := q.Order("sort_order ASC, id ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list plans failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, formatPlan(&row))
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

// Get fetches a plan by ID.
func (h *PlanHandler) Get(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var plan models.Plan
	if errFind := h.db.WithContext(c.Request.Context()).First(&plan, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatPlan(&plan))
}

// updatePlanRequest captures optional fields for plan updates. The plan key is immutable.
type updatePlanRequest struct {
	DisplayName    *string          `json:"display_name"`
	Description    *string          `json:"description"`
	MaxAgents      *int             `json:"max_agents"`
	MaxCustomTools *int             `json:"max_custom_tools"`
	MonthlyCredits *decimal.Decimal `json:"monthly_credits"`
	Price          *decimal.Decimal `json:"price"`
	RateLimit      *int             `json:"rate_limit"`
	Features       *json.RawMessage `json:"features"`
	SortOrder      *int             `json:"sort_order"`
	IsActive       *bool            `json:"is_active"`
}

// Update validates and applies plan field updates. New limits apply on the next check; allotments on the next reset.
func (h *PlanHandler) Update(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body updatePlanRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	updates := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if body.DisplayName != nil {
		n := strings.TrimSpace(*body.DisplayName)
		if n == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "display_name cannot be empty"})
			return
		}
		updates["display_name"] = n
	}
	if body.Description != nil {
		updates["description"] = *body.Description
	}
	if body.MaxAgents != nil {
		if !validLimit(*body.MaxAgents) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_agents must be -1 or greater"})
			return
		}
		updates["max_agents"] = *body.MaxAgents
	}
	if body.MaxCustomTools != nil {
		if !validLimit(*body.MaxCustomTools) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_custom_tools must be -1 or greater"})
			return
		}
		updates["max_custom_tools"] = *body.MaxCustomTools
	}
	if body.MonthlyCredits != nil {
		if body.MonthlyCredits.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "monthly_credits must not be negative"})
			return
		}
		updates["monthly_credits"] = body.MonthlyCredits.Round(4)
	}
	if body.Price != nil {
		if body.Price.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "price must not be negative"})
			return
		}
		updates["price"] = body.Price.Round(2)
	}
	if body.RateLimit != nil {
		if *body.RateLimit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rate_limit must not be negative"})
			return
		}
		updates["rate_limit"] = *body.RateLimit
	}
	if body.Features != nil {
		features, errFeatures := normalizePlanFeatures(*body.Features)
		if errFeatures != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid features"})
			return
		}
		updates["features"] = features
	}
	if body.SortOrder != nil {
		updates["sort_order"] = *body.SortOrder
	}
	if body.IsActive != nil {
		updates["is_active"] = *body.IsActive
	}

	res := h.db.WithContext(c.Request.Context()).Model(&models.Plan{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Enable marks a plan as assignable.
func (h *PlanHandler) Enable(c *gin.Context) {
	h.setActive(c, true)
}

// Disable retires a plan. Existing subscribers keep it.
func (h *PlanHandler) Disable(c *gin.Context) {
	h.setActive(c, false)
}

// setActive toggles the active state for a plan.
func (h *PlanHandler) setActive(c *gin.Context, active bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	now := time.Now().UTC()
	res := h.db.WithContext(c.Request.Context()).Model(&models.Plan{}).Where("id = ?", id).
		Updates(map[string]any{"is_active": active, "updated_at": now})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// formatPlan converts a plan model into a response payload.
func formatPlan(p *models.Plan) gin.H {
	return gin.H{
		"id":               p.ID,
		"name":             p.Name,
		"display_name":     p.DisplayName,
		"description":      p.Description,
		"max_agents":       p.MaxAgents,
		"max_custom_tools": p.MaxCustomTools,
		"monthly_credits":  p.MonthlyCredits,
		"price":            p.Price,
		"currency":         p.Currency,
		"interval":         p.Interval,
		"rate_limit":       p.RateLimit,
		"features":         p.Features,
		"sort_order":       p.SortOrder,
		"is_active":        p.IsActive,
		"created_at":       p.CreatedAt,
		"updated_at":       p.UpdatedAt,
	}
}
