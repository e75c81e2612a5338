package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/catalog"
	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/demand"
	"github.com/talgya/npc-market/internal/entropy"
	"github.com/talgya/npc-market/internal/evaluator"
	"github.com/talgya/npc-market/internal/events"
	"github.com/talgya/npc-market/internal/fault"
	"github.com/talgya/npc-market/internal/ledger"
	"github.com/talgya/npc-market/internal/lifecycle"
	"github.com/talgya/npc-market/internal/metrics"
	"github.com/talgya/npc-market/internal/npc"
	"github.com/talgya/npc-market/internal/persistence"
	"github.com/talgya/npc-market/internal/revenue"
	"github.com/talgya/npc-market/internal/sla"
)

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type okLedger struct{}

func (okLedger) CreateContractPayment(context.Context, ledger.ContractPayment) error { return nil }
func (okLedger) CreateSLAPenalty(context.Context, ledger.SLAPenalty) error           { return nil }
func (okLedger) ProcessNPCPayment(context.Context, ledger.NPCPayment) error          { return nil }

func TestClockRejectsShortInterval(t *testing.T) {
	c := NewClock(nil, 1)
	if err := c.Start(999 * time.Millisecond); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if c.Running() {
		t.Error("clock running after rejected start")
	}
}

func TestClockStartStopIdempotent(t *testing.T) {
	c := NewClock(nil, 1)
	if err := c.Start(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(5 * time.Second); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !c.Running() || c.Interval() != 2*time.Second {
		t.Errorf("running=%v interval=%s", c.Running(), c.Interval())
	}
	c.Stop()
	c.Stop()
	if c.Running() {
		t.Error("still running after stop")
	}
}

func TestClockStepDispatches(t *testing.T) {
	c := NewClock(func() Snapshot { return Snapshot{ActiveContracts: 7} }, 42)
	c.Resume(10)
	got := make(chan Tick, 2)
	c.Subscribe(func(t Tick) { got <- t })
	c.Subscribe(func(t Tick) { got <- t })

	c.Step()
	for range 2 {
		select {
		case tk := <-got:
			if tk.Number != 11 || tk.Snapshot.ActiveContracts != 7 {
				t.Errorf("tick = %+v", tk)
			}
			if s := tk.Snapshot.MarketSentiment; s < 0 || s > 1 {
				t.Errorf("sentiment %v out of range", s)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber not called")
		}
	}
	if c.TickNumber() != 11 {
		t.Errorf("tick number = %d", c.TickNumber())
	}
}

func TestIntervalsValidate(t *testing.T) {
	tests := []struct {
		name string
		iv   Intervals
		ok   bool
	}{
		{"defaults", DefaultIntervals, true},
		{"all ones", Intervals{1, 1, 1, 1}, true},
		{"zero demand", Intervals{0, 1, 1, 1}, false},
		{"negative revenue", Intervals{1, 1, 1, -3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.iv.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

type fixture struct {
	store *persistence.MemoryStore
	bus   *events.Bus
	orch  *Orchestrator
	lc    *lifecycle.Manager
}

func newFixture(t *testing.T, demandSrc, telemetrySrc entropy.Source, iv Intervals) *fixture {
	t.Helper()
	ctx := context.Background()
	st := persistence.NewMemoryStore()
	if err := st.SaveProvider(ctx, &catalog.Provider{ID: "p1", ReputationScore: 80, Reliability: 0}); err != nil {
		t.Fatal(err)
	}
	for _, s := range []*catalog.Service{
		{
			ID: "compute-a", ProviderID: "p1", Type: catalog.ServiceCompute,
			MonthlyPrice: decimal.NewFromInt(2000), DefaultDurationMonths: 6,
			SLA: contract.SLATargets{
				UptimePercent: 99.9, MaxLatencyMs: 50, MinThroughputMbps: 100,
				Penalties: contract.PenaltyRates{Uptime: contract.PenaltyRate{PenaltyPercentage: 10}},
			},
			AvailableForNewContracts: true,
		},
		{
			ID: "storage-s", ProviderID: "p1", Type: catalog.ServiceStorage,
			MonthlyPrice: decimal.NewFromInt(1000), DefaultDurationMonths: 6,
			SLA:                      contract.SLATargets{UptimePercent: 99.95, MaxLatencyMs: 100, MinThroughputMbps: 100},
			AvailableForNewContracts: true,
		},
	} {
		if err := st.SaveService(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.SaveNPC(ctx, &npc.NPC{
		ID: "npc-1", Status: npc.StatusActive, Tier: npc.TierSME, Behavior: npc.BehaviorBalanced,
		RiskTolerance:     npc.RiskMedium,
		DemandFrequency:   npc.FrequencyMedium,
		MonthlyBudget:     decimal.NewFromInt(10000),
		MaxContractBudget: decimal.NewFromInt(5000),
		MinUptimeSLA:      99, MaxLatencyMs: 150, MinReputationScore: 50,
		NextDemandEvaluation: now.Add(-time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	clock := func() time.Time { return now }
	lc := lifecycle.New(st).WithClock(clock)
	bus := events.NewBus(100)
	orch, err := NewOrchestrator(Deps{
		Store:     st,
		Demand:    demand.NewGenerator(st, demandSrc, demand.DefaultConfig),
		Evaluator: evaluator.New(st, okLedger{}, lc, demand.DefaultConfig.Probation).WithClock(clock),
		Lifecycle: lc,
		Revenue:   revenue.NewProcessor(st, okLedger{}),
		Sampler:   sla.NewSampler(telemetrySrc),
		Health:    sla.DefaultHealthPolicy,
		Sink:      bus,
		Metrics:   metrics.New(),
	}, iv)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{store: st, bus: bus, orch: orch, lc: lc}
}

func (f *fixture) tick(n uint64) {
	f.orch.HandleTick(Tick{Number: n, Timestamp: now})
}

func (f *fixture) count(name string) int {
	n := 0
	for _, e := range f.bus.Recent(100) {
		if e.Name == name {
			n++
		}
	}
	return n
}

func TestOrchestratorDemandThenEvaluation(t *testing.T) {
	f := newFixture(t, entropy.NewSequence(0), entropy.NewSequence(0), Intervals{1, 2, 100, 100})

	f.tick(1)
	if got := f.orch.QueueDepth(); got != 2 {
		t.Fatalf("queue after demand = %d, want 2", got)
	}
	if f.count(events.DemandGenerated) != 1 || f.count(events.ContractRequested) != 2 {
		t.Errorf("demand events: generated=%d requested=%d",
			f.count(events.DemandGenerated), f.count(events.ContractRequested))
	}

	f.tick(2)
	decided := f.count(events.ContractAccepted) + f.count(events.ContractRejected) + f.count(events.ContractCounterOffer)
	if decided != 2 {
		t.Errorf("decisions published = %d, want 2", decided)
	}

	st := f.orch.Status()
	if st.Counter != 2 || st.QueueDepth != 0 || st.Totals.Requests != 2 {
		t.Errorf("status = %+v", st)
	}
	if st.LastTick == nil || st.LastTick.Counter != 2 {
		t.Fatalf("last tick = %+v", st.LastTick)
	}
	var names []string
	for _, b := range st.LastTick.Branches {
		names = append(names, b.Branch)
	}
	if got := strings.Join(names, ","); got != "demand,evaluation,health" {
		t.Errorf("branches = %s", got)
	}

	n, _ := f.store.GetNPC(context.Background(), "npc-1")
	if n.ActiveContracts > npc.MaxContractsForTier(n.Tier) {
		t.Errorf("npc over cap: %d", n.ActiveContracts)
	}
}

func TestHealthSweepCancelsCriticalContract(t *testing.T) {
	// Reliability 0 and 0.99 draws: uptime lands ~7.9 points under target.
	f := newFixture(t, entropy.NewSequence(0.999), entropy.NewSequence(0.99), Intervals{1000, 1000, 1000, 1000})
	ctx := context.Background()
	c, err := f.lc.Open(ctx, &contract.Contract{
		ProviderID: "p1", NPCID: "npc-1", ServiceID: "compute-a",
		SLA: contract.SLATargets{
			UptimePercent: 99.9, MaxLatencyMs: 50, MinThroughputMbps: 100,
			Penalties: contract.PenaltyRates{Uptime: contract.PenaltyRate{PenaltyPercentage: 10}},
		},
		MonthlyPrice: decimal.NewFromInt(2000), DurationMonths: 6,
		StartDate: now, EndDate: now.AddDate(0, 6, 0), NextPaymentDate: now.AddDate(0, 1, 0),
	}, decimal.NewFromInt(2000))
	if err != nil {
		t.Fatal(err)
	}

	for i := uint64(1); i <= 2; i++ {
		f.tick(i)
	}
	mid, _ := f.store.GetContract(ctx, c.ID)
	if mid.Status != contract.StatusActive || mid.Current.SampleCount != 2 {
		t.Fatalf("after 2 ticks: %s samples=%d", mid.Status, mid.Current.SampleCount)
	}
	if !mid.Current.Penalties.IsZero() {
		t.Errorf("penalised before enough samples: %s", mid.Current.Penalties)
	}

	f.tick(3)
	got, _ := f.store.GetContract(ctx, c.ID)
	if got.Status != contract.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if !got.Current.Penalties.Equal(decimal.NewFromInt(200)) {
		t.Errorf("penalties = %s, want 200", got.Current.Penalties)
	}
	if f.count(events.ContractCancelled) != 1 {
		t.Errorf("cancelled events = %d", f.count(events.ContractCancelled))
	}
	svc, _ := f.store.GetService(ctx, "compute-a")
	n, _ := f.store.GetNPC(ctx, "npc-1")
	if svc.CurrentActiveContracts != 0 || n.ActiveContracts != 0 {
		t.Errorf("counters service=%d npc=%d", svc.CurrentActiveContracts, n.ActiveContracts)
	}

	f.tick(4)
	if f.count(events.ContractCancelled) != 1 {
		t.Error("cancelled twice")
	}
}

func TestFanOutIsolatesPanics(t *testing.T) {
	f := newFixture(t, entropy.NewSequence(0.999), entropy.NewSequence(0), DefaultIntervals)
	var ran atomic.Int32
	results, err := f.orch.fanOut(Tick{Number: 9, Timestamp: now}, []branch{
		{"boom", func(context.Context, Tick) (int, error) { panic("kaboom") }},
		{"fails", func(context.Context, Tick) (int, error) { return 0, fault.Rule("nope") }},
		{"fine", func(context.Context, Tick) (int, error) { ran.Add(1); return 3, nil }},
	})
	if err == nil {
		t.Error("expected a branch failure")
	}
	if ran.Load() != 1 || results[2].Items != 3 || results[2].Error != "" {
		t.Errorf("sibling result = %+v", results[2])
	}
	if !strings.Contains(results[0].Error, "kaboom") || results[1].Error == "" {
		t.Errorf("results = %+v", results)
	}
}

func TestUpdateIntervals(t *testing.T) {
	f := newFixture(t, entropy.NewSequence(0.999), entropy.NewSequence(0), DefaultIntervals)
	seven := 7
	got, err := f.orch.UpdateIntervals(IntervalUpdate{ContractEvaluation: &seven})
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultIntervals
	want.ContractEvaluation = 7
	if got != want {
		t.Errorf("intervals = %+v, want %+v", got, want)
	}

	zero := 0
	if _, err := f.orch.UpdateIntervals(IntervalUpdate{DemandGeneration: &zero, RevenueProcessing: &seven}); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if f.orch.Intervals() != want {
		t.Errorf("rejected update changed intervals: %+v", f.orch.Intervals())
	}
}

func TestBranchesDue(t *testing.T) {
	f := newFixture(t, entropy.NewSequence(0.999), entropy.NewSequence(0), DefaultIntervals)
	tests := []struct {
		n    uint64
		want string
	}{
		{1, "health"},
		{5, "demand,health"},
		{10, "demand,evaluation,health"},
		{30, "demand,evaluation,revenue,health"},
		{60, "demand,evaluation,renewal,revenue,health"},
	}
	for _, tt := range tests {
		var names []string
		for _, b := range f.orch.branchesDue(tt.n, DefaultIntervals) {
			names = append(names, b.name)
		}
		if got := strings.Join(names, ","); got != tt.want {
			t.Errorf("tick %d: %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestClockStopWaitsForDispatchedTicks(t *testing.T) {
	tests := []struct {
		name    string
		running bool
	}{
		{"stepped", false},
		{"running", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, entropy.NewSequence(0), entropy.NewSequence(0), Intervals{1, 1, 1, 1})
			c := NewClock(f.orch.Snapshot, 1)
			c.now = func() time.Time { return now }
			c.Subscribe(f.orch.HandleTick)
			var slow atomic.Int32
			c.Subscribe(func(Tick) {
				time.Sleep(20 * time.Millisecond)
				slow.Add(1)
			})
			if tt.running {
				if err := c.Start(time.Minute); err != nil {
					t.Fatal(err)
				}
			}

			for i := 1; i <= 5; i++ {
				c.Step()
				c.Stop()
				st := f.orch.Status()
				if st.Counter != uint64(i) || st.InFlight != 0 {
					t.Fatalf("after stop %d: counter=%d in flight=%d", i, st.Counter, st.InFlight)
				}
				if got := slow.Load(); got != int32(i) {
					t.Fatalf("after stop %d: %d slow handlers finished", i, got)
				}
			}
		})
	}
}

func TestOverlappingTicksKeepActiveCounters(t *testing.T) {
	f := newFixture(t, entropy.NewSequence(0, 0.3, 0.7), entropy.NewSequence(0.99, 0.2, 0.6), Intervals{1, 1, 1, 1})
	ctx := context.Background()
	if _, err := f.store.UpdateService(ctx, "storage-s", func(s *catalog.Service) error {
		s.MaxActiveContracts = 3
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	for i := 2; i <= 6; i++ {
		tier := npc.TierStartup
		if i%2 == 0 {
			tier = npc.TierSME
		}
		if err := f.store.SaveNPC(ctx, &npc.NPC{
			ID: fmt.Sprintf("npc-%d", i), Status: npc.StatusActive, Tier: tier, Behavior: npc.BehaviorBalanced,
			RiskTolerance:     npc.RiskHigh,
			DemandFrequency:   npc.FrequencyHigh,
			MonthlyBudget:     decimal.NewFromInt(20000),
			MaxContractBudget: decimal.NewFromInt(5000),
			MinUptimeSLA:      95, MaxLatencyMs: 200, MinReputationScore: 10,
			NextDemandEvaluation: now.Add(-time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []string{"npc-1", "npc-2"} {
		if _, err := f.lc.Open(ctx, &contract.Contract{
			ProviderID: "p1", NPCID: id, ServiceID: "compute-a",
			SLA: contract.SLATargets{
				UptimePercent: 99.9, MaxLatencyMs: 50, MinThroughputMbps: 100,
				Penalties: contract.PenaltyRates{Uptime: contract.PenaltyRate{PenaltyPercentage: 10}},
			},
			MonthlyPrice: decimal.NewFromInt(2000), DurationMonths: 6,
			StartDate: now, EndDate: now.AddDate(0, 6, 0), NextPaymentDate: now.AddDate(0, 1, 0),
		}, decimal.NewFromInt(2000)); err != nil {
			t.Fatal(err)
		}
	}

	const ticks, overlap = 48, 6
	var wg sync.WaitGroup
	for start := 1; start <= ticks; start += overlap {
		for n := start; n < start+overlap; n++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				f.orch.HandleTick(Tick{Number: uint64(n), Timestamp: now.Add(time.Duration(n) * 3 * time.Hour)})
			}(n)
		}
		wg.Wait()
	}

	st := f.orch.Status()
	if st.Counter != ticks || st.InFlight != 0 {
		t.Errorf("status counter=%d in flight=%d", st.Counter, st.InFlight)
	}

	active, err := f.store.ListContractsByStatus(ctx, contract.StatusActive)
	if err != nil {
		t.Fatal(err)
	}
	perService := map[string]int{}
	perNPC := map[string]int{}
	for _, c := range active {
		perService[c.ServiceID]++
		perNPC[c.NPCID]++
	}

	services, err := f.store.ListServices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range services {
		if s.CurrentActiveContracts != perService[s.ID] {
			t.Errorf("service %s counter = %d, active contracts = %d", s.ID, s.CurrentActiveContracts, perService[s.ID])
		}
		if s.MaxActiveContracts > 0 && s.CurrentActiveContracts > s.MaxActiveContracts {
			t.Errorf("service %s over capacity: %d", s.ID, s.CurrentActiveContracts)
		}
	}
	npcs, err := f.store.ListActiveNPCs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(npcs) != 6 {
		t.Fatalf("active npcs = %d", len(npcs))
	}
	for _, n := range npcs {
		if n.ActiveContracts != perNPC[n.ID] {
			t.Errorf("npc %s counter = %d, active contracts = %d", n.ID, n.ActiveContracts, perNPC[n.ID])
		}
		if n.ActiveContracts > npc.MaxContractsForTier(n.Tier) {
			t.Errorf("npc %s over %s cap: %d", n.ID, n.Tier, n.ActiveContracts)
		}
	}
}
