package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RateConfig holds the credit rates used for estimating and charging operations.
type RateConfig struct {
	ToolExecution          decimal.Decimal            // Baseline per-call rate for marketplace tools.
	CustomToolExecution    decimal.Decimal            // Per-call rate for user-authored tools.
	AgentConversationBase  decimal.Decimal            // Minimum charge for one agent turn.
	AgentConversationPer1K decimal.Decimal            // Rate per 1000 tokens of an agent turn.
	MessageRelay           decimal.Decimal            // Flat rate per relayed message.
	Tools                  map[string]decimal.Decimal // Per-tool overrides keyed by tool name.
}

// PlanConfig describes one plan seeded into the catalog.
type PlanConfig struct {
	Name           string
	DisplayName    string
	Description    string
	MaxAgents      int
	MaxCustomTools int
	MonthlyCredits decimal.Decimal
	Price          decimal.Decimal
	Currency       string
	Interval       string
	RateLimit      int
	SortOrder      int
	Features       map[string]any
}

// BillingConfig is the single source of rates, plan limits, and grants.
type BillingConfig struct {
	WelcomeGrant decimal.Decimal
	DefaultPlan  string
	Rates        RateConfig
	Plans        []PlanConfig
}

// Plan returns the configured plan with the given name.
func (c BillingConfig) Plan(name string) (PlanConfig, bool) {
	name = strings.TrimSpace(name)
	for _, plan := range c.Plans {
		if plan.Name == name {
			return plan, true
		}
	}
	return PlanConfig{}, false
}

// DefaultBillingConfig returns the built-in rates and plans.
func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		WelcomeGrant: decimal.NewFromInt(1000),
		DefaultPlan:  "free",
		Rates: RateConfig{
			ToolExecution:          decimal.NewFromInt(1),
			CustomToolExecution:    decimal.NewFromInt(3),
			AgentConversationBase:  decimal.NewFromInt(2),
			AgentConversationPer1K: decimal.NewFromInt(1),
			MessageRelay:           decimal.RequireFromString("0.1"),
			Tools: map[string]decimal.Decimal{
				"web_search":       decimal.NewFromInt(2),
				"image_generation": decimal.NewFromInt(10),
			},
		},
		Plans: []PlanConfig{
			{
				Name:           "free",
				DisplayName:    "Free",
				Description:    "Get started with a handful of agents.",
				MaxAgents:      3,
				MaxCustomTools: 1,
				MonthlyCredits: decimal.NewFromInt(1000),
				Price:          decimal.Zero,
				Currency:       "usd",
				Interval:       "month",
				RateLimit:      5,
				SortOrder:      0,
				Features:       map[string]any{"custom_tools": true, "analytics": false, "priority_support": false},
			},
			{
				Name:           "starter",
				DisplayName:    "Starter",
				Description:    "For individuals running agents every day.",
				MaxAgents:      10,
				MaxCustomTools: 5,
				MonthlyCredits: decimal.NewFromInt(10000),
				Price:          decimal.NewFromInt(19),
				Currency:       "usd",
				Interval:       "month",
				RateLimit:      10,
				SortOrder:      1,
				Features:       map[string]any{"custom_tools": true, "analytics": true, "priority_support": false},
			},
			{
				Name:           "pro",
				DisplayName:    "Pro",
				Description:    "For teams with production workloads.",
				MaxAgents:      25,
				MaxCustomTools: 20,
				MonthlyCredits: decimal.NewFromInt(50000),
				Price:          decimal.NewFromInt(49),
				Currency:       "usd",
				Interval:       "month",
				RateLimit:      30,
				SortOrder:      2,
				Features:       map[string]any{"custom_tools": true, "analytics": true, "priority_support": true},
			},
			{
				Name:           "enterprise",
				DisplayName:    "Enterprise",
				Description:    "Unlimited agents and tools.",
				MaxAgents:      -1,
				MaxCustomTools: -1,
				MonthlyCredits: decimal.NewFromInt(250000),
				Price:          decimal.NewFromInt(299),
				Currency:       "usd",
				Interval:       "month",
				RateLimit:      0,
				SortOrder:      3,
				Features:       map[string]any{"custom_tools": true, "analytics": true, "priority_support": true, "sso": true},
			},
		},
	}
}

// fileRates maps the YAML rate section. Nil fields keep defaults.
type fileRates struct {
	ToolExecution          *float64           `yaml:"tool-execution"`
	CustomToolExecution    *float64           `yaml:"custom-tool-execution"`
	AgentConversationBase  *float64           `yaml:"agent-conversation-base"`
	AgentConversationPer1K *float64           `yaml:"agent-conversation-per-1k-tokens"`
	MessageRelay           *float64           `yaml:"message-relay"`
	Tools                  map[string]float64 `yaml:"tools"`
}

// filePlan maps one YAML plan entry.
type filePlan struct {
	Name           string         `yaml:"name"`
	DisplayName    string         `yaml:"display-name"`
	Description    string         `yaml:"description"`
	MaxAgents      *int           `yaml:"max-agents"`
	MaxCustomTools *int           `yaml:"max-custom-tools"`
	MonthlyCredits float64        `yaml:"monthly-credits"`
	Price          float64        `yaml:"price"`
	Currency       string         `yaml:"currency"`
	Interval       string         `yaml:"interval"`
	RateLimit      int            `yaml:"rate-limit"`
	SortOrder      *int           `yaml:"sort-order"`
	Features       map[string]any `yaml:"features"`
}

// LoadBillingConfig loads rates and plan seeds from the YAML config file.
// A missing file or section yields the defaults.
func LoadBillingConfig(configPath string) (BillingConfig, error) {
	// fileConfig maps the YAML fields needed for billing settings.
	type fileConfig struct {
		Billing struct {
			WelcomeGrant *float64   `yaml:"welcome-grant"`
			DefaultPlan  string     `yaml:"default-plan"`
			Rates        fileRates  `yaml:"rates"`
			Plans        []filePlan `yaml:"plans"`
		} `yaml:"billing"`
	}

	result := DefaultBillingConfig()

	var cfg fileConfig
	found, errDecode := decodeFile(configPath, &cfg)
	if errDecode != nil {
		return BillingConfig{}, errDecode
	}
	if !found {
		return result, nil
	}

	billing := cfg.Billing
	if billing.WelcomeGrant != nil {
		result.WelcomeGrant = decimal.NewFromFloat(*billing.WelcomeGrant)
	}
	if name := strings.TrimSpace(billing.DefaultPlan); name != "" {
		result.DefaultPlan = name
	}
	applyRates(&result.Rates, billing.Rates)
	if len(billing.Plans) > 0 {
		result.Plans = make([]PlanConfig, 0, len(billing.Plans))
		for i, plan := range billing.Plans {
			result.Plans = append(result.Plans, planFromFile(plan, i))
		}
	}

	if errValidate := result.Validate(); errValidate != nil {
		return BillingConfig{}, errValidate
	}
	return result, nil
}

func applyRates(dst *RateConfig, src fileRates) {
	if src.ToolExecution != nil {
		dst.ToolExecution = decimal.NewFromFloat(*src.ToolExecution)
	}
	if src.CustomToolExecution != nil {
		dst.CustomToolExecution = decimal.NewFromFloat(*src.CustomToolExecution)
	}
	if src.AgentConversationBase != nil {
		dst.AgentConversationBase = decimal.NewFromFloat(*src.AgentConversationBase)
	}
	if src.AgentConversationPer1K != nil {
		dst.AgentConversationPer1K = decimal.NewFromFloat(*src.AgentConversationPer1K)
	}
	if src.MessageRelay != nil {
		dst.MessageRelay = decimal.NewFromFloat(*src.MessageRelay)
	}
	if len(src.Tools) > 0 {
		tools := make(map[string]decimal.Decimal, len(src.Tools))
		for name, rate := range src.Tools {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			tools[name] = decimal.NewFromFloat(rate)
		}
		dst.Tools = tools
	}
}

func planFromFile(src filePlan, index int) PlanConfig {
	plan := PlanConfig{
		Name:           strings.TrimSpace(src.Name),
		DisplayName:    strings.TrimSpace(src.DisplayName),
		Description:    strings.TrimSpace(src.Description),
		MonthlyCredits: decimal.NewFromFloat(src.MonthlyCredits),
		Price:          decimal.NewFromFloat(src.Price),
		Currency:       strings.ToLower(strings.TrimSpace(src.Currency)),
		Interval:       strings.ToLower(strings.TrimSpace(src.Interval)),
		RateLimit:      src.RateLimit,
		SortOrder:      index,
		Features:       src.Features,
	}
	if src.MaxAgents != nil {
		plan.MaxAgents = *src.MaxAgents
	}
	if src.MaxCustomTools != nil {
		plan.MaxCustomTools = *src.MaxCustomTools
	}
	if src.SortOrder != nil {
		plan.SortOrder = *src.SortOrder
	}
	if plan.DisplayName == "" {
		plan.DisplayName = plan.Name
	}
	if plan.Currency == "" {
		plan.Currency = "usd"
	}
	if plan.Interval == "" {
		plan.Interval = "month"
	}
	return plan
}

// Validate checks rates and plans for internal consistency.
func (c BillingConfig) Validate() error {
	if c.WelcomeGrant.IsNegative() {
		return fmt.Errorf("billing: welcome grant must not be negative")
	}
	rates := map[string]decimal.Decimal{
		"tool-execution":                   c.Rates.ToolExecution,
		"custom-tool-execution":            c.Rates.CustomToolExecution,
		"agent-conversation-base":          c.Rates.AgentConversationBase,
		"agent-conversation-per-1k-tokens": c.Rates.AgentConversationPer1K,
		"message-relay":                    c.Rates.MessageRelay,
	}
	for name, rate := range rates {
		if rate.IsNegative() {
			return fmt.Errorf("billing: rate %s must not be negative", name)
		}
	}
	for name, rate := range c.Rates.Tools {
		if rate.IsNegative() {
			return fmt.Errorf("billing: tool rate %s must not be negative", name)
		}
	}

	if len(c.Plans) == 0 {
		return fmt.Errorf("billing: at least one plan is required")
	}
	seen := make(map[string]struct{}, len(c.Plans))
	for _, plan := range c.Plans {
		if plan.Name == "" {
			return fmt.Errorf("billing: plan name is required")
		}
		if _, dup := seen[plan.Name]; dup {
			return fmt.Errorf("billing: duplicate plan %q", plan.Name)
		}
		seen[plan.Name] = struct{}{}
		if plan.MaxAgents < -1 || plan.MaxCustomTools < -1 {
			return fmt.Errorf("billing: plan %q limits must be -1 or greater", plan.Name)
		}
		if plan.MonthlyCredits.IsNegative() || plan.Price.IsNegative() {
			return fmt.Errorf("billing: plan %q credits and price must not be negative", plan.Name)
		}
		if plan.RateLimit < 0 {
			return fmt.Errorf("billing: plan %q rate limit must not be negative", plan.Name)
		}
		if plan.Interval != "month" && plan.Interval != "year" {
			return fmt.Errorf("billing: plan %q has unsupported interval %q", plan.Name, plan.Interval)
		}
	}
	if _, ok := seen[c.DefaultPlan]; !ok {
		return fmt.Errorf("billing: default plan %q is not defined", c.DefaultPlan)
	}
	return nil
}
