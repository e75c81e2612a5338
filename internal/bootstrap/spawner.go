// Package bootstrap seeds an empty market with synthetic providers, their
// services, and a population of NPC customers with funded wallets.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/catalog"
	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/ledger"
	"github.com/talgya/npc-market/internal/npc"
	"github.com/talgya/npc-market/internal/persistence"
)

// WalletMonths is how many months of budget each new NPC wallet holds.
const WalletMonths = 2

// Funder credits a wallet. ledger.Book implements it.
type Funder interface {
	Fund(ctx context.Context, account string, amount decimal.Decimal) error
}

// Spawner creates synthetic market participants from a seeded generator.
type Spawner struct {
	rng *rand.Rand
}

// NewSpawner creates a spawner with the given seed.
func NewSpawner(seed uint64) *Spawner {
	return &Spawner{rng: rand.New(rand.NewPCG(seed, seed+300))}
}

type tierProfile struct {
	share              float64
	budgetLo, budgetHi int64
	minUptime          float64
	maxLatency         float64
	minReputation      float64
}

var tierProfiles = []struct {
	tier npc.Tier
	tierProfile
}{
	{npc.TierStartup, tierProfile{0.40, 500, 3000, 99.0, 200, 40}},
	{npc.TierSME, tierProfile{0.35, 3000, 15000, 99.5, 150, 50}},
	{npc.TierEnterprise, tierProfile{0.18, 15000, 80000, 99.9, 100, 60}},
	{npc.TierGovernment, tierProfile{0.07, 50000, 200000, 99.95, 80, 70}},
}

var (
	behaviors = []npc.Behavior{
		npc.BehaviorConservative, npc.BehaviorBalanced, npc.BehaviorAggressive,
		npc.BehaviorPriceSensitive, npc.BehaviorQualityFocused,
	}
	risks = []npc.RiskTolerance{
		npc.RiskVeryLow, npc.RiskLow, npc.RiskMedium, npc.RiskHigh, npc.RiskVeryHigh,
	}
	frequencies = []npc.DemandFrequency{
		npc.FrequencyVeryHigh, npc.FrequencyHigh, npc.FrequencyMedium, npc.FrequencyLow,
	}

	companyHeads  = []string{"Acme", "Blue Harbor", "Copperline", "Driftwood", "Everstone", "Foxglove", "Granite", "Helix", "Ironbark", "Juniper", "Kestrel", "Lumen", "Maple & Finch", "Northwind", "Orchard", "Pinecrest", "Quarry", "Redwood", "Saltmarsh", "Tidewater"}
	companyTails  = []string{"Labs", "Logistics", "Health", "Foods", "Studios", "Analytics", "Retail", "Systems", "Partners", "Works", "Agency", "Bank"}
	agencyNames   = []string{"Department of Records", "Water Authority", "Transit Office", "Revenue Service", "Census Bureau", "Ports Commission"}
	providerHeads = []string{"Nimbus", "Stratus", "Cobalt", "Vertex", "Keystone", "Aurora", "Bastion", "Cirrus", "Meridian", "Halcyon"}
	providerTails = []string{"Cloud", "Hosting", "Networks", "Compute", "Data", "Grid"}
	featurePool   = []string{"autoscaling", "backups", "encryption", "monitoring", "ddos_protection", "multi_region", "support_24x7", "api_access", "snapshots", "audit_logs"}
)

type priceBand struct{ lo, hi int64 }

var servicePrices = map[catalog.ServiceType]priceBand{
	catalog.ServiceCompute:    {800, 4000},
	catalog.ServiceStorage:    {300, 1500},
	catalog.ServiceDatabase:   {1000, 6000},
	catalog.ServiceNetworking: {400, 2000},
	catalog.ServiceCDN:        {300, 1800},
	catalog.ServiceSecurity:   {600, 3000},
	catalog.ServiceAnalytics:  {900, 5000},
}

var uptimeLevels = []float64{99.0, 99.5, 99.9, 99.95, 99.99}

// Providers creates n providers.
func (s *Spawner) Providers(n int) []*catalog.Provider {
	out := make([]*catalog.Provider, 0, n)
	for range n {
		out = append(out, &catalog.Provider{
			ID:              uuid.NewString(),
			Name:            pick(s.rng, providerHeads) + " " + pick(s.rng, providerTails),
			ReputationScore: round1(55 + s.rng.Float64()*43),
			Reliability:     0.85 + s.rng.Float64()*0.145,
		})
	}
	return out
}

// Services creates three to five offerings for p. Better-reputed providers
// promise tighter SLAs.
func (s *Spawner) Services(p *catalog.Provider) []*catalog.Service {
	types := append([]catalog.ServiceType{}, catalog.AllServiceTypes...)
	s.rng.Shuffle(len(types), func(i, j int) { types[i], types[j] = types[j], types[i] })
	count := 3 + s.rng.IntN(3)

	out := make([]*catalog.Service, 0, count)
	for _, typ := range types[:count] {
		band := servicePrices[typ]
		level := int(p.ReputationScore/100*float64(len(uptimeLevels))) + s.rng.IntN(2) - 1
		level = min(max(level, 0), len(uptimeLevels)-1)

		svc := &catalog.Service{
			ID:         uuid.NewString(),
			ProviderID: p.ID,
			Name:       fmt.Sprintf("%s %s", p.Name, typ),
			Type:       typ,
			Resources: catalog.Resources{
				VCPU:      1 << s.rng.IntN(6),
				MemoryGB:  2 << s.rng.IntN(7),
				StorageGB: 50 << s.rng.IntN(6),
			},
			MonthlyPrice: decimal.NewFromInt(band.lo + s.rng.Int64N(band.hi-band.lo+1)).Round(-1),
			SetupFee:     decimal.NewFromInt(int64(s.rng.IntN(5)) * 100),
			SLA: contract.SLATargets{
				UptimePercent:              uptimeLevels[level],
				MaxLatencyMs:               float64(20 + s.rng.IntN(13)*10),
				MinThroughputMbps:          float64(100 + s.rng.IntN(10)*100),
				MaxIncidentResolutionHours: float64(2 + s.rng.IntN(23)),
				Penalties: contract.PenaltyRates{
					Uptime:             contract.PenaltyRate{PenaltyPercentage: 10},
					Latency:            contract.PenaltyRate{PenaltyPercentage: 5},
					Throughput:         contract.PenaltyRate{PenaltyPercentage: 5},
					IncidentResolution: contract.PenaltyRate{PenaltyPercentage: 2.5},
				},
			},
			Features:                 s.features(),
			DefaultDurationMonths:    []int{3, 6, 12}[s.rng.IntN(3)],
			AvailableForNewContracts: true,
		}
		if s.rng.Float64() < 0.6 {
			svc.MaxActiveContracts = 20 + s.rng.IntN(41)
		}
		out = append(out, svc)
	}
	return out
}

func (s *Spawner) features() []string {
	pool := append([]string{}, featurePool...)
	s.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:1+s.rng.IntN(6)]
}

// NPCs creates n customers. First evaluations are staggered over the next
// half hour so the population does not all wake on one tick.
func (s *Spawner) NPCs(n int, now time.Time) []*npc.NPC {
	out := make([]*npc.NPC, 0, n)
	for range n {
		out = append(out, s.spawnOne(now))
	}
	return out
}

func (s *Spawner) spawnOne(now time.Time) *npc.NPC {
	tier, prof := s.weightedTier()

	budget := decimal.NewFromInt(prof.budgetLo + s.rng.Int64N(prof.budgetHi-prof.budgetLo+1)).Round(-2)
	maxContract := budget.Mul(decimal.NewFromFloat(0.4 + s.rng.Float64()*0.3)).Round(-1)

	name := pick(s.rng, companyHeads) + " " + pick(s.rng, companyTails)
	if tier == npc.TierGovernment {
		name = pick(s.rng, agencyNames)
	}

	n := &npc.NPC{
		ID:                   uuid.NewString(),
		Name:                 name,
		Status:               npc.StatusActive,
		Tier:                 tier,
		Behavior:             pick(s.rng, behaviors),
		RiskTolerance:        pick(s.rng, risks),
		DemandFrequency:      pick(s.rng, frequencies),
		MonthlyBudget:        budget,
		MaxContractBudget:    maxContract,
		MinUptimeSLA:         prof.minUptime,
		MaxLatencyMs:         prof.maxLatency,
		MinReputationScore:   prof.minReputation,
		ReputationScore:      round1(50 + s.rng.Float64()*50),
		TotalSpent:           decimal.Zero,
		NextDemandEvaluation: now.Add(time.Duration(s.rng.Int64N(int64(30 * time.Minute)))),
		DemandConfig:         s.demandConfig(tier),
	}
	n.Normalize()
	return n
}

// weightedTier draws a tier by population share.
func (s *Spawner) weightedTier() (npc.Tier, tierProfile) {
	r := s.rng.Float64()
	for _, tp := range tierProfiles {
		if r < tp.share {
			return tp.tier, tp.tierProfile
		}
		r -= tp.share
	}
	last := tierProfiles[len(tierProfiles)-1]
	return last.tier, last.tierProfile
}

func (s *Spawner) demandConfig(tier npc.Tier) npc.DemandConfig {
	var cfg npc.DemandConfig
	if s.rng.Float64() < 0.3 {
		pref := npc.DefaultDurationMonths(tier)
		cfg.Duration = &npc.DurationPreference{Min: max(1, pref/2), Preferred: pref, Max: pref * 2}
	}
	// Half the population buys mostly in business hours.
	if s.rng.Float64() < 0.5 {
		cfg.TimeOfDay = make(map[int]float64)
		for h := 9; h < 18; h++ {
			cfg.TimeOfDay[h] = 1.2
		}
		for h := range 6 {
			cfg.TimeOfDay[h] = 0.6
		}
	}
	if s.rng.Float64() < 0.2 {
		cfg.SeasonalMultiplier = round1(0.8 + s.rng.Float64()*0.5)
	}
	return cfg
}

// Summary counts what Seed created.
type Summary struct {
	Providers int
	Services  int
	NPCs      int
	Funded    decimal.Decimal
}

// Seed populates an empty store. A store that already lists services is
// left alone and a zero Summary returned.
func Seed(ctx context.Context, st persistence.Store, f Funder, s *Spawner, providers, npcs int, now time.Time) (Summary, error) {
	sum := Summary{Funded: decimal.Zero}
	existing, err := st.ListServices(ctx)
	if err != nil {
		return sum, fmt.Errorf("check catalog: %w", err)
	}
	if len(existing) > 0 {
		return sum, nil
	}

	for _, p := range s.Providers(providers) {
		if err := st.SaveProvider(ctx, p); err != nil {
			return sum, fmt.Errorf("save provider %s: %w", p.Name, err)
		}
		sum.Providers++
		for _, svc := range s.Services(p) {
			if err := st.SaveService(ctx, svc); err != nil {
				return sum, fmt.Errorf("save service %s: %w", svc.Name, err)
			}
			sum.Services++
		}
	}

	for _, n := range s.NPCs(npcs, now) {
		if err := st.SaveNPC(ctx, n); err != nil {
			return sum, fmt.Errorf("save npc %s: %w", n.Name, err)
		}
		sum.NPCs++
		if f == nil {
			continue
		}
		amount := n.MonthlyBudget.Mul(decimal.NewFromInt(WalletMonths))
		if err := f.Fund(ctx, ledger.NPCAccount(n.ID), amount); err != nil {
			return sum, fmt.Errorf("fund npc %s: %w", n.Name, err)
		}
		sum.Funded = sum.Funded.Add(amount)
	}

	slog.Info("market seeded", "providers", sum.Providers, "services", sum.Services, "npcs", sum.NPCs, "funded", sum.Funded.StringFixed(2))
	return sum, nil
}

func pick[T any](rng *rand.Rand, xs []T) T {
	return xs[rng.IntN(len(xs))]
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
