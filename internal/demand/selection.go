package demand

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/catalog"
	"github.com/talgya/npc-market/internal/entropy"
	"github.com/talgya/npc-market/internal/npc"
)

// Budget is the most n will pay monthly for a service of profile prof.
func Budget(n *npc.NPC, prof npc.DemandProfile) decimal.Decimal {
	share := n.MonthlyBudget.Mul(decimal.NewFromFloat(prof.BudgetMultiplier))
	return decimal.Min(n.MaxContractBudget, share)
}

// requirements merges the NPC's own minimums with the tier profile's.
func requirements(n *npc.NPC, prof npc.DemandProfile) (uptime, latency float64) {
	uptime = max(n.MinUptimeSLA, prof.MinUptime)
	latency = prof.MaxLatencyMs
	if n.MaxLatencyMs > 0 && (latency <= 0 || n.MaxLatencyMs < latency) {
		latency = n.MaxLatencyMs
	}
	return uptime, latency
}

// Eligible reports whether svc can serve demand of profile prof for n.
func Eligible(n *npc.NPC, prof npc.DemandProfile, svc *catalog.Service, p *catalog.Provider, now time.Time, probation time.Duration) bool {
	if svc.Type != prof.Type || !svc.Accepting() || p == nil {
		return false
	}
	if n.IsBlacklisted(p.ID, now, probation) {
		return false
	}
	if svc.MonthlyPrice.GreaterThan(Budget(n, prof)) {
		return false
	}
	uptime, latency := requirements(n, prof)
	if svc.SLA.UptimePercent < uptime {
		return false
	}
	if latency > 0 && svc.SLA.MaxLatencyMs > latency {
		return false
	}
	return p.ReputationScore >= n.MinReputationScore
}

// Score rates an eligible service with the NPC's weights. Each factor is in
// [0, 1], so the result is too when the weights sum to one.
func Score(n *npc.NPC, prof npc.DemandProfile, svc *catalog.Service, p *catalog.Provider) float64 {
	w := n.EvaluationWeights
	uptime, latency := requirements(n, prof)

	price := 1.0
	if budget := Budget(n, prof); budget.IsPositive() {
		ratio, _ := svc.MonthlyPrice.Div(budget).Float64()
		price = entropy.Clamp(1-ratio, 0, 1)
	}
	rep := entropy.Clamp(p.ReputationScore/100, 0, 1)
	slaScore := 1.0
	if uptime < 100 {
		slaScore = entropy.Clamp((svc.SLA.UptimePercent-uptime)/(100-uptime), 0, 1)
	}
	lat := 1.0
	if latency > 0 {
		lat = entropy.Clamp(1-svc.SLA.MaxLatencyMs/latency, 0, 1)
	}
	return price*w.Price + rep*w.Reputation + slaScore*w.SLA + lat*w.Latency + svc.FeatureScore()*w.Features
}

// BestService returns the highest-scoring eligible service not in skip.
// Ties go to the first service in catalog order.
func BestService(n *npc.NPC, prof npc.DemandProfile, m *Market, skip map[string]bool, now time.Time, probation time.Duration) (*catalog.Service, float64) {
	var (
		best      *catalog.Service
		bestScore float64
	)
	for _, svc := range m.Services {
		if skip[svc.ID] {
			continue
		}
		p := m.Providers[svc.ProviderID]
		if !Eligible(n, prof, svc, p, now, probation) {
			continue
		}
		if s := Score(n, prof, svc, p); best == nil || s > bestScore {
			best, bestScore = svc, s
		}
	}
	return best, bestScore
}
