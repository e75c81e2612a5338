// Package demand decides, per NPC and per evaluation window, whether new
// service demand arises and which service would best satisfy it. It only
// produces requests; contracts are opened by the evaluator.
package demand

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/catalog"
	"github.com/talgya/npc-market/internal/entropy"
	"github.com/talgya/npc-market/internal/npc"
	"github.com/talgya/npc-market/internal/persistence"
)

// Probability caps before and after the NPC's own calendar multipliers.
const (
	MaxAdjustedChance = 0.95
	MaxFinalChance    = 0.98
)

// Request is a generated demand for one service, waiting for evaluation.
type Request struct {
	ID             string              `json:"id"`
	NPCID          string              `json:"npc_id"`
	ServiceID      string              `json:"service_id"`
	ProviderID     string              `json:"provider_id"`
	ServiceType    catalog.ServiceType `json:"service_type"`
	MonthlyPrice   decimal.Decimal     `json:"monthly_price"`
	DurationMonths int                 `json:"duration_months"`
	Score          float64             `json:"score"`
	Probability    float64             `json:"probability"`
	RequestedAt    time.Time           `json:"requested_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
}

// Expired reports whether the request is stale at now.
func (r Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Result is one NPC's outcome for a demand cycle.
type Result struct {
	NPCID          string    `json:"npc_id"`
	Requests       []Request `json:"requests,omitempty"`
	Skipped        string    `json:"skipped,omitempty"`
	NextEvaluation time.Time `json:"next_evaluation"`
}

// Config tunes the generator.
type Config struct {
	// Probation is how long a blacklist entry lasts; zero keeps it forever.
	Probation time.Duration
	// RequestTTL is how long a request waits for evaluation.
	RequestTTL time.Duration
}

// DefaultConfig matches the simulation defaults.
var DefaultConfig = Config{Probation: 30 * 24 * time.Hour, RequestTTL: 24 * time.Hour}

// Generator produces demand for due NPCs.
type Generator struct {
	store persistence.Store
	src   entropy.Source
	cfg   Config
}

// NewGenerator creates a Generator drawing from src.
func NewGenerator(store persistence.Store, src entropy.Source, cfg Config) *Generator {
	return &Generator{store: store, src: src, cfg: cfg}
}

// Market is the catalog snapshot one cycle works from.
type Market struct {
	Services  []*catalog.Service
	Providers map[string]*catalog.Provider
}

// LoadMarket reads every service and its provider.
func LoadMarket(ctx context.Context, store persistence.Store) (*Market, error) {
	services, err := store.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}
	m := &Market{Services: services, Providers: make(map[string]*catalog.Provider)}
	for _, s := range services {
		if _, ok := m.Providers[s.ProviderID]; ok {
			continue
		}
		p, err := store.GetProvider(ctx, s.ProviderID)
		if err != nil {
			slog.Warn("service without provider", "service", s.ID, "provider", s.ProviderID, "error", err)
			continue
		}
		m.Providers[p.ID] = p
	}
	return m, nil
}

// Run evaluates every NPC due at now. Per-NPC failures are logged and the
// cycle continues.
func (g *Generator) Run(ctx context.Context, now time.Time) ([]Result, error) {
	due, err := g.store.ListDueNPCs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due npcs: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}
	market, err := LoadMarket(ctx, g.store)
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, n := range due {
		r, err := g.Generate(ctx, n.ID, market, now)
		if err != nil {
			slog.Warn("demand generation failed", "npc", n.ID, "error", err)
			continue
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Generate runs one demand cycle for npcID under its row lock. It returns
// nil when the NPC is no longer due, e.g. an overlapping tick got there first.
func (g *Generator) Generate(ctx context.Context, npcID string, m *Market, now time.Time) (*Result, error) {
	var res *Result
	_, err := g.store.UpdateNPC(ctx, npcID, func(n *npc.NPC) error {
		if !n.DueForDemand(now) {
			return persistence.ErrNoChange
		}
		res = g.cycle(n, m, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (g *Generator) cycle(n *npc.NPC, m *Market, now time.Time) *Result {
	res := &Result{NPCID: n.ID}
	n.LiftExpiredBlacklists(now, g.cfg.Probation)

	limit := npc.MaxContractsForTier(n.Tier)
	switch {
	case !n.IsActive():
		res.Skipped = "inactive"
	case n.ActiveContracts >= limit:
		res.Skipped = "at contract cap"
	default:
		chosen := make(map[string]bool)
		for _, prof := range npc.DemandProfiles(n.Tier) {
			if n.ActiveContracts+len(res.Requests) >= limit {
				break
			}
			p := Probability(n, prof, now)
			draw := g.src.Float()
			if draw >= p {
				continue
			}
			svc, score := BestService(n, prof, m, chosen, now, g.cfg.Probation)
			if svc == nil {
				continue
			}
			chosen[svc.ID] = true
			res.Requests = append(res.Requests, Request{
				ID:             uuid.NewString(),
				NPCID:          n.ID,
				ServiceID:      svc.ID,
				ProviderID:     svc.ProviderID,
				ServiceType:    svc.Type,
				MonthlyPrice:   svc.MonthlyPrice,
				DurationMonths: SampleDuration(g.src, n),
				Score:          score,
				Probability:    p,
				RequestedAt:    now,
				ExpiresAt:      now.Add(g.cfg.RequestTTL),
			})
		}
	}

	at := now
	n.LastDemandGeneration = &at
	base := npc.EvaluationInterval(n.DemandFrequency)
	n.NextDemandEvaluation = now.Add(time.Duration(float64(base) * entropy.Uniform(g.src, 0.8, 1.2)))
	res.NextEvaluation = n.NextDemandEvaluation
	return res
}

// Probability is the chance that prof generates demand for n at now.
func Probability(n *npc.NPC, prof npc.DemandProfile, now time.Time) float64 {
	p := prof.BaseChance * npc.BehaviorDemandMultiplier(n.Behavior) * npc.FrequencyMultiplier(n.DemandFrequency)
	p = min(p, MaxAdjustedChance)
	p *= n.DemandConfig.Seasonal() * n.DemandConfig.HourMultiplier(now.Hour())
	return min(p, MaxFinalChance)
}

// SampleDuration picks a contract length in months: the preferred length
// 60% of the time, otherwise a uniform draw below or above it.
func SampleDuration(src entropy.Source, n *npc.NPC) int {
	pref := n.DemandConfig.Duration
	if pref == nil {
		return npc.DefaultDurationMonths(n.Tier)
	}
	r := src.Float()
	switch {
	case r < 0.6:
		return pref.Preferred
	case r < 0.8:
		return int(math.Round(entropy.Uniform(src, float64(pref.Min), float64(pref.Preferred))))
	default:
		return int(math.Round(entropy.Uniform(src, float64(pref.Preferred), float64(pref.Max))))
	}
}
