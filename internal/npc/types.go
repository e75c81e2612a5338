// Package npc provides the autonomous customer model: tiers, behaviours,
// budgets, SLA requirements and the per-provider history that shapes every
// demand and evaluation decision.
package npc

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/fault"
)

// Status of an NPC. NPCs are never deleted; they go inactive or suspended.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Tier classifies an NPC's scale: budget, risk posture and acceptance bar.
type Tier string

const (
	TierStartup    Tier = "startup"
	TierSME        Tier = "sme"
	TierEnterprise Tier = "enterprise"
	TierGovernment Tier = "government"
)

// Behavior is the NPC's buying archetype.
type Behavior string

const (
	BehaviorConservative   Behavior = "conservative"
	BehaviorBalanced       Behavior = "balanced"
	BehaviorAggressive     Behavior = "aggressive"
	BehaviorPriceSensitive Behavior = "price_sensitive"
	BehaviorQualityFocused Behavior = "quality_focused"
)

// RiskTolerance scales the final evaluation score.
type RiskTolerance string

const (
	RiskVeryLow  RiskTolerance = "very_low"
	RiskLow      RiskTolerance = "low"
	RiskMedium   RiskTolerance = "medium"
	RiskHigh     RiskTolerance = "high"
	RiskVeryHigh RiskTolerance = "very_high"
)

// DemandFrequency sets how often demand is evaluated.
type DemandFrequency string

const (
	FrequencyVeryHigh DemandFrequency = "very_high"
	FrequencyHigh     DemandFrequency = "high"
	FrequencyMedium   DemandFrequency = "medium"
	FrequencyLow      DemandFrequency = "low"
)

// Weights are the NPC's linear scoring weights for service selection.
type Weights struct {
	Price      float64 `json:"price"`
	Reputation float64 `json:"reputation"`
	SLA        float64 `json:"sla"`
	Latency    float64 `json:"latency"`
	Features   float64 `json:"features"`
}

// DefaultWeights apply when an NPC carries no weights of its own.
var DefaultWeights = Weights{Price: 0.30, Reputation: 0.25, SLA: 0.20, Latency: 0.15, Features: 0.10}

// IsZero reports whether no weight is set.
func (w Weights) IsZero() bool {
	return w.Price == 0 && w.Reputation == 0 && w.SLA == 0 && w.Latency == 0 && w.Features == 0
}

// DurationPreference bounds contract length in months.
type DurationPreference struct {
	Min       int `json:"min"`
	Preferred int `json:"preferred"`
	Max       int `json:"max"`
}

// DemandConfig is the NPC's demand tuning. Zero multipliers mean 1.0.
type DemandConfig struct {
	SeasonalMultiplier float64 `json:"seasonal_multiplier,omitempty"`
	// TimeOfDay maps an hour (0-23) to a multiplier; missing hours are 1.0.
	TimeOfDay map[int]float64     `json:"time_of_day,omitempty"`
	Duration  *DurationPreference `json:"duration,omitempty"`
}

// Seasonal returns the seasonal multiplier, defaulting to 1.0.
func (c DemandConfig) Seasonal() float64 {
	if c.SeasonalMultiplier <= 0 {
		return 1.0
	}
	return c.SeasonalMultiplier
}

// HourMultiplier returns the time-of-day multiplier for hour, defaulting to 1.0.
func (c DemandConfig) HourMultiplier(hour int) float64 {
	if m, ok := c.TimeOfDay[hour]; ok && m > 0 {
		return m
	}
	return 1.0
}

// Validate checks the demand config for impossible values.
func (c DemandConfig) Validate() error {
	if c.SeasonalMultiplier < 0 {
		return fault.Validation("seasonal multiplier %v is negative", c.SeasonalMultiplier)
	}
	for h, m := range c.TimeOfDay {
		if h < 0 || h > 23 {
			return fault.Validation("time-of-day hour %d out of range", h)
		}
		if m < 0 {
			return fault.Validation("time-of-day multiplier for hour %d is negative", h)
		}
	}
	if d := c.Duration; d != nil {
		if d.Min <= 0 || d.Preferred < d.Min || d.Max < d.Preferred {
			return fault.Validation("duration preference %d/%d/%d must satisfy 0 < min <= preferred <= max", d.Min, d.Preferred, d.Max)
		}
	}
	return nil
}

// ProviderHistory is this NPC's running record with one provider.
type ProviderHistory struct {
	Rating          float64    `json:"rating"` // 1-5 running average
	Periods         int        `json:"periods"`
	Breaches        int        `json:"breaches"`
	Contracts       int        `json:"contracts"`
	Blacklisted     bool       `json:"blacklisted"`
	BlacklistReason string     `json:"blacklist_reason,omitempty"`
	BlacklistedAt   *time.Time `json:"blacklisted_at,omitempty"`
}

// BreachRate is the share of rated periods that breached SLA.
func (h ProviderHistory) BreachRate() float64 {
	if h.Periods == 0 {
		return 0
	}
	return float64(h.Breaches) / float64(h.Periods)
}

// NPC is a simulated customer.
type NPC struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status Status `json:"status"`

	Tier            Tier            `json:"tier"`
	Behavior        Behavior        `json:"behavior"`
	RiskTolerance   RiskTolerance   `json:"risk_tolerance"`
	DemandFrequency DemandFrequency `json:"demand_frequency"`

	MonthlyBudget     decimal.Decimal `json:"monthly_budget"`
	MaxContractBudget decimal.Decimal `json:"max_contract_budget"`

	MinUptimeSLA       float64 `json:"min_uptime_sla"`
	MaxLatencyMs       float64 `json:"max_latency_ms"`
	MinReputationScore float64 `json:"min_reputation_score"`

	EvaluationWeights Weights      `json:"evaluation_weights"`
	DemandConfig      DemandConfig `json:"demand_config"`
	ReputationScore   float64      `json:"reputation_score"`

	ActiveContracts int             `json:"active_contracts"`
	TotalContracts  int             `json:"total_contracts"`
	TotalSpent      decimal.Decimal `json:"total_spent"`

	LastDemandGeneration *time.Time `json:"last_demand_generation,omitempty"`
	NextDemandEvaluation time.Time  `json:"next_demand_evaluation"`

	ProviderHistory map[string]*ProviderHistory `json:"provider_history,omitempty"`
}

// Normalize fills defaults for fields a stored profile may omit.
func (n *NPC) Normalize() {
	if n.Status == "" {
		n.Status = StatusActive
	}
	if n.Behavior == "" {
		n.Behavior = BehaviorBalanced
	}
	if n.RiskTolerance == "" {
		n.RiskTolerance = RiskMedium
	}
	if n.DemandFrequency == "" {
		n.DemandFrequency = FrequencyMedium
	}
	if n.EvaluationWeights.IsZero() {
		n.EvaluationWeights = DefaultWeights
	}
	if n.ProviderHistory == nil {
		n.ProviderHistory = make(map[string]*ProviderHistory)
	}
}

// Validate checks the profile after Normalize.
func (n *NPC) Validate() error {
	if n.ID == "" {
		return fault.Validation("npc id is required")
	}
	if _, ok := tierLimits[n.Tier]; !ok {
		return fault.Validation("npc %s: unknown tier %q", n.ID, n.Tier)
	}
	if n.MonthlyBudget.IsNegative() || n.MaxContractBudget.IsNegative() {
		return fault.Validation("npc %s: budgets must not be negative", n.ID)
	}
	if n.ActiveContracts < 0 {
		return fault.Validation("npc %s: negative active contract count", n.ID)
	}
	return n.DemandConfig.Validate()
}

// IsActive reports whether the NPC takes part in the simulation.
func (n *NPC) IsActive() bool { return n.Status == StatusActive }

// AtContractCap reports whether the NPC holds its tier's maximum.
func (n *NPC) AtContractCap() bool {
	return n.ActiveContracts >= MaxContractsForTier(n.Tier)
}

// DueForDemand reports whether demand evaluation is due at now.
func (n *NPC) DueForDemand(now time.Time) bool {
	return n.IsActive() && !n.NextDemandEvaluation.After(now)
}

// AdjustActiveContracts is the only path that changes the active counter.
// It refuses to go negative or above the tier cap.
func (n *NPC) AdjustActiveContracts(delta int) error {
	next := n.ActiveContracts + delta
	if next < 0 {
		return fault.Rule("npc %s: active contracts would drop below zero", n.ID)
	}
	if delta > 0 && next > MaxContractsForTier(n.Tier) {
		return fault.Rule("npc %s: %s tier allows at most %d active contracts", n.ID, n.Tier, MaxContractsForTier(n.Tier))
	}
	n.ActiveContracts = next
	return nil
}

// RecordContractOpened bumps totals after a contract is opened for this NPC.
func (n *NPC) RecordContractOpened(providerID string, spend decimal.Decimal) {
	n.TotalContracts++
	n.TotalSpent = n.TotalSpent.Add(spend)
	n.History(providerID).Contracts++
}

// RecordContractRolledBack reverses RecordContractOpened.
func (n *NPC) RecordContractRolledBack(providerID string, spend decimal.Decimal) {
	if n.TotalContracts > 0 {
		n.TotalContracts--
	}
	n.TotalSpent = n.TotalSpent.Sub(spend)
	if n.TotalSpent.IsNegative() {
		n.TotalSpent = decimal.Zero
	}
	if h := n.ProviderHistory[providerID]; h != nil && h.Contracts > 0 {
		h.Contracts--
	}
}

// History returns the record for providerID, creating it if needed.
func (n *NPC) History(providerID string) *ProviderHistory {
	if n.ProviderHistory == nil {
		n.ProviderHistory = make(map[string]*ProviderHistory)
	}
	h, ok := n.ProviderHistory[providerID]
	if !ok {
		h = &ProviderHistory{}
		n.ProviderHistory[providerID] = h
	}
	return h
}

// PriorHistory returns the record for providerID if one with rated periods exists.
func (n *NPC) PriorHistory(providerID string) (*ProviderHistory, bool) {
	h, ok := n.ProviderHistory[providerID]
	if !ok || h.Periods == 0 {
		return nil, false
	}
	return h, true
}
