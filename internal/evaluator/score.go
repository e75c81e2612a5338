package evaluator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/catalog"
	"github.com/talgya/npc-market/internal/entropy"
	"github.com/talgya/npc-market/internal/npc"
)

// CounterOfferFloor is the lowest score at which a rejected offer may still
// get a counter-offer.
const CounterOfferFloor = 0.4

// TierWeights weight the five sub-scores of an offer.
type TierWeights struct {
	Price, Reputation, SLA, Latency, Reliability float64
}

var tierWeights = map[npc.Tier]TierWeights{
	npc.TierStartup:    {Price: 0.35, Reputation: 0.15, SLA: 0.20, Latency: 0.15, Reliability: 0.15},
	npc.TierSME:        {Price: 0.30, Reputation: 0.20, SLA: 0.20, Latency: 0.15, Reliability: 0.15},
	npc.TierEnterprise: {Price: 0.20, Reputation: 0.25, SLA: 0.25, Latency: 0.15, Reliability: 0.15},
	npc.TierGovernment: {Price: 0.15, Reputation: 0.25, SLA: 0.30, Latency: 0.10, Reliability: 0.20},
}

// WeightsFor returns the weight table for tier, falling back to SME.
func WeightsFor(t npc.Tier) TierWeights {
	if w, ok := tierWeights[t]; ok {
		return w
	}
	return tierWeights[npc.TierSME]
}

// SubScores are the independent factors of an offer, each in [0, 1].
type SubScores struct {
	Price       float64 `json:"price"`
	Reputation  float64 `json:"reputation"`
	SLA         float64 `json:"sla"`
	Latency     float64 `json:"latency"`
	Reliability float64 `json:"reliability"`
}

// CounterOffer is what the NPC would accept instead.
type CounterOffer struct {
	MonthlyPrice   decimal.Decimal `json:"monthly_price"`
	DurationMonths int             `json:"duration_months"`
	Reason         string          `json:"reason"`
}

// Offer is the input to Assess.
type Offer struct {
	NPC            *npc.NPC
	Service        *catalog.Service
	Provider       *catalog.Provider
	MonthlyPrice   decimal.Decimal
	DurationMonths int
	Now            time.Time
	Probation      time.Duration
}

// Assessment is the pure scoring result for an offer.
type Assessment struct {
	Accepted     bool          `json:"accepted"`
	Score        float64       `json:"score"`
	Threshold    float64       `json:"threshold"`
	Sub          SubScores     `json:"sub_scores"`
	Reasons      []string      `json:"reasons,omitempty"`
	Blacklisted  bool          `json:"blacklisted,omitempty"`
	CounterOffer *CounterOffer `json:"counter_offer,omitempty"`
}

// Reason summarises the outcome in one line.
func (a Assessment) Reason() string {
	switch {
	case a.Accepted:
		return "accepted"
	case len(a.Reasons) > 0:
		return a.Reasons[0]
	default:
		return "score below threshold"
	}
}

// Assess scores an offer for one NPC. It has no side effects.
func Assess(o Offer) Assessment {
	n, svc, p := o.NPC, o.Service, o.Provider
	a := Assessment{Threshold: npc.AcceptanceThreshold(n.Tier)}

	if n.IsBlacklisted(p.ID, o.Now, o.Probation) {
		a.Blacklisted = true
		a.Reasons = []string{"provider is blacklisted"}
		return a
	}

	priceOnly := true
	reject := func(reason string, price bool) {
		a.Reasons = append(a.Reasons, reason)
		if !price {
			priceOnly = false
		}
	}

	a.Sub.Price = priceScore(n, o.MonthlyPrice)
	if a.Sub.Price == 0 {
		reject("price exceeds budget", true)
	}

	if p.ReputationScore < n.MinReputationScore {
		reject("provider reputation below minimum", false)
	} else {
		rep := p.ReputationScore / 100
		if h, ok := n.PriorHistory(p.ID); ok {
			rep = (rep + h.Rating/5) / 2
		}
		a.Sub.Reputation = min(rep, 1)
	}

	if svc.SLA.UptimePercent < n.MinUptimeSLA {
		reject("guaranteed uptime below minimum", false)
	} else {
		a.Sub.SLA = min((svc.SLA.UptimePercent-n.MinUptimeSLA)/5+0.5, 1)
	}

	switch {
	case n.MaxLatencyMs <= 0:
		a.Sub.Latency = 1
	case svc.SLA.MaxLatencyMs > n.MaxLatencyMs:
		reject("latency above maximum", false)
	default:
		a.Sub.Latency = 1 - svc.SLA.MaxLatencyMs/n.MaxLatencyMs
	}

	a.Sub.Reliability = reliabilityScore(n, p.ID)

	if n.AtContractCap() {
		reject("npc at contract cap", false)
	}
	if !svc.Accepting() {
		reject("service not accepting contracts", false)
	}

	w := WeightsFor(n.Tier)
	raw := a.Sub.Price*w.Price + a.Sub.Reputation*w.Reputation + a.Sub.SLA*w.SLA +
		a.Sub.Latency*w.Latency + a.Sub.Reliability*w.Reliability
	a.Score = entropy.Clamp(raw*npc.BehaviorScoreFactor(n.Behavior)*npc.RiskScoreFactor(n.RiskTolerance), 0, 1)

	a.Accepted = a.Score >= a.Threshold && len(a.Reasons) == 0
	if !a.Accepted && priceOnly && n.Behavior != npc.BehaviorConservative && a.Score >= CounterOfferFloor {
		a.CounterOffer = counterOffer(n, o.MonthlyPrice, o.DurationMonths, a.Sub.Price)
	}
	return a
}

// MaxAffordable is the most n could ever pay monthly for one contract.
func MaxAffordable(n *npc.NPC) decimal.Decimal {
	return decimal.Min(n.MaxContractBudget, n.MonthlyBudget)
}

func priceScore(n *npc.NPC, price decimal.Decimal) float64 {
	if price.GreaterThan(MaxAffordable(n)) || !n.MonthlyBudget.IsPositive() {
		return 0
	}
	share, _ := price.Div(n.MonthlyBudget).Float64()
	switch {
	case share > 0.8:
		return 0.3
	case share > 0.6:
		return 0.6
	case share > 0.4:
		return 0.8
	default:
		return 1.0
	}
}

func reliabilityScore(n *npc.NPC, providerID string) float64 {
	h, ok := n.PriorHistory(providerID)
	if !ok {
		return 0.7
	}
	switch rate := h.BreachRate(); {
	case rate > 0.3:
		return 0.2
	case rate > 0.1:
		return 0.6
	default:
		return 1.0
	}
}

func counterOffer(n *npc.NPC, price decimal.Decimal, months int, priceSub float64) *CounterOffer {
	ceiling := MaxAffordable(n)
	if price.GreaterThan(ceiling.Mul(decimal.NewFromFloat(0.9))) {
		return &CounterOffer{
			MonthlyPrice:   ceiling.Mul(decimal.NewFromFloat(0.9)).Round(2),
			DurationMonths: months + 6,
			Reason:         "lower price for a longer commitment",
		}
	}
	if n.Behavior == npc.BehaviorPriceSensitive && priceSub < 0.6 {
		return &CounterOffer{
			MonthlyPrice:   price.Mul(decimal.NewFromFloat(0.85)).Round(2),
			DurationMonths: months,
			Reason:         "price cut to 85% of asking",
		}
	}
	return nil
}

// RenewalScore is 0.5, plus up to 0.3 for the NPC's rating of the provider,
// minus 0.4 x breach rate, plus up to 0.2 for provider reputation. The
// history terms drop out when the NPC has no rated periods with the provider.
func RenewalScore(h *npc.ProviderHistory, reputation float64) float64 {
	s := 0.5 + (reputation/100)*0.2
	if h != nil {
		s += (h.Rating/5)*0.3 - h.BreachRate()*0.4
	}
	return s
}

// RenewalThreshold is the score a renewal must exceed.
const RenewalThreshold = 0.6
