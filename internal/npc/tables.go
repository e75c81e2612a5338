package npc

import (
	"time"

	"github.com/talgya/npc-market/internal/catalog"
)

// DemandProfile describes one service type a tier buys.
type DemandProfile struct {
	Type             catalog.ServiceType
	BaseChance       float64 // per-evaluation acceptance chance before modifiers
	BudgetMultiplier float64 // share of monthly budget this type may consume
	MinUptime        float64 // percent
	MaxLatencyMs     float64
}

type tierLimit struct {
	maxContracts    int
	defaultDuration int // months
	threshold       float64
}

var tierLimits = map[Tier]tierLimit{
	TierStartup:    {maxContracts: 2, defaultDuration: 3, threshold: 0.60},
	TierSME:        {maxContracts: 5, defaultDuration: 6, threshold: 0.65},
	TierEnterprise: {maxContracts: 10, defaultDuration: 12, threshold: 0.70},
	TierGovernment: {maxContracts: 15, defaultDuration: 24, threshold: 0.80},
}

// MaxContractsForTier is the hard cap on concurrent active contracts.
func MaxContractsForTier(t Tier) int {
	return tierLimits[t].maxContracts
}

// DefaultDurationMonths is the contract length used without a preference.
func DefaultDurationMonths(t Tier) int {
	if l, ok := tierLimits[t]; ok {
		return l.defaultDuration
	}
	return 6
}

// AcceptanceThreshold is the minimum evaluation score for a tier.
func AcceptanceThreshold(t Tier) float64 {
	if l, ok := tierLimits[t]; ok {
		return l.threshold
	}
	return 0.65
}

var tierDemand = map[Tier][]DemandProfile{
	TierStartup: {
		{Type: catalog.ServiceCompute, BaseChance: 0.30, BudgetMultiplier: 0.50, MinUptime: 99.0, MaxLatencyMs: 200},
		{Type: catalog.ServiceStorage, BaseChance: 0.25, BudgetMultiplier: 0.30, MinUptime: 99.0, MaxLatencyMs: 300},
		{Type: catalog.ServiceDatabase, BaseChance: 0.15, BudgetMultiplier: 0.40, MinUptime: 99.0, MaxLatencyMs: 150},
	},
	TierSME: {
		{Type: catalog.ServiceCompute, BaseChance: 0.35, BudgetMultiplier: 0.40, MinUptime: 99.5, MaxLatencyMs: 150},
		{Type: catalog.ServiceStorage, BaseChance: 0.30, BudgetMultiplier: 0.25, MinUptime: 99.5, MaxLatencyMs: 200},
		{Type: catalog.ServiceDatabase, BaseChance: 0.25, BudgetMultiplier: 0.35, MinUptime: 99.5, MaxLatencyMs: 100},
		{Type: catalog.ServiceNetworking, BaseChance: 0.15, BudgetMultiplier: 0.20, MinUptime: 99.5, MaxLatencyMs: 80},
		{Type: catalog.ServiceCDN, BaseChance: 0.10, BudgetMultiplier: 0.15, MinUptime: 99.0, MaxLatencyMs: 60},
	},
	TierEnterprise: {
		{Type: catalog.ServiceCompute, BaseChance: 0.40, BudgetMultiplier: 0.30, MinUptime: 99.9, MaxLatencyMs: 100},
		{Type: catalog.ServiceStorage, BaseChance: 0.35, BudgetMultiplier: 0.20, MinUptime: 99.9, MaxLatencyMs: 150},
		{Type: catalog.ServiceDatabase, BaseChance: 0.30, BudgetMultiplier: 0.30, MinUptime: 99.9, MaxLatencyMs: 50},
		{Type: catalog.ServiceNetworking, BaseChance: 0.25, BudgetMultiplier: 0.15, MinUptime: 99.9, MaxLatencyMs: 50},
		{Type: catalog.ServiceCDN, BaseChance: 0.20, BudgetMultiplier: 0.10, MinUptime: 99.9, MaxLatencyMs: 40},
		{Type: catalog.ServiceSecurity, BaseChance: 0.20, BudgetMultiplier: 0.15, MinUptime: 99.9, MaxLatencyMs: 100},
		{Type: catalog.ServiceAnalytics, BaseChance: 0.15, BudgetMultiplier: 0.20, MinUptime: 99.5, MaxLatencyMs: 300},
	},
	TierGovernment: {
		{Type: catalog.ServiceCompute, BaseChance: 0.30, BudgetMultiplier: 0.25, MinUptime: 99.95, MaxLatencyMs: 100},
		{Type: catalog.ServiceStorage, BaseChance: 0.30, BudgetMultiplier: 0.20, MinUptime: 99.95, MaxLatencyMs: 150},
		{Type: catalog.ServiceDatabase, BaseChance: 0.25, BudgetMultiplier: 0.25, MinUptime: 99.95, MaxLatencyMs: 80},
		{Type: catalog.ServiceSecurity, BaseChance: 0.35, BudgetMultiplier: 0.25, MinUptime: 99.99, MaxLatencyMs: 100},
		{Type: catalog.ServiceNetworking, BaseChance: 0.20, BudgetMultiplier: 0.15, MinUptime: 99.95, MaxLatencyMs: 60},
	},
}

// DemandProfiles lists the service types a tier buys.
func DemandProfiles(t Tier) []DemandProfile {
	return tierDemand[t]
}

// BehaviorDemandMultiplier scales the chance of generating demand.
func BehaviorDemandMultiplier(b Behavior) float64 {
	switch b {
	case BehaviorConservative:
		return 0.7
	case BehaviorAggressive:
		return 1.4
	case BehaviorPriceSensitive:
		return 0.9
	case BehaviorQualityFocused:
		return 1.1
	default:
		return 1.0
	}
}

// FrequencyMultiplier scales the chance of generating demand.
func FrequencyMultiplier(f DemandFrequency) float64 {
	switch f {
	case FrequencyVeryHigh:
		return 1.5
	case FrequencyHigh:
		return 1.2
	case FrequencyLow:
		return 0.7
	default:
		return 1.0
	}
}

// EvaluationInterval is the base (un-jittered) gap between demand evaluations.
func EvaluationInterval(f DemandFrequency) time.Duration {
	switch f {
	case FrequencyVeryHigh:
		return 30 * time.Minute
	case FrequencyHigh:
		return 60 * time.Minute
	case FrequencyLow:
		return 240 * time.Minute
	default:
		return 120 * time.Minute
	}
}

// BehaviorScoreFactor adjusts the final evaluation score.
func BehaviorScoreFactor(b Behavior) float64 {
	switch b {
	case BehaviorConservative:
		return 0.8
	case BehaviorAggressive:
		return 1.3
	case BehaviorPriceSensitive:
		return 0.9
	case BehaviorQualityFocused:
		return 1.1
	default:
		return 1.0
	}
}

// RiskScoreFactor adjusts the final evaluation score.
func RiskScoreFactor(r RiskTolerance) float64 {
	switch r {
	case RiskVeryLow:
		return 0.7
	case RiskLow:
		return 0.85
	case RiskHigh:
		return 1.15
	case RiskVeryHigh:
		return 1.3
	default:
		return 1.0
	}
}
