package revenue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/catalog"
	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/fault"
	"github.com/talgya/npc-market/internal/ledger"
	"github.com/talgya/npc-market/internal/npc"
	"github.com/talgya/npc-market/internal/persistence"
)

type fakeLedger struct {
	mu      sync.Mutex
	delay   time.Duration
	failPay error
	// failPenalty fails penalty posts for the named axis.
	failPenalty map[string]error
	payments    []ledger.ContractPayment
	penalties   []ledger.SLAPenalty
}

func (f *fakeLedger) CreateContractPayment(_ context.Context, p ledger.ContractPayment) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPay != nil {
		return f.failPay
	}
	f.payments = append(f.payments, p)
	return nil
}

func (f *fakeLedger) CreateSLAPenalty(_ context.Context, p ledger.SLAPenalty) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPenalty[p.ViolationType]; err != nil {
		return err
	}
	f.penalties = append(f.penalties, p)
	return nil
}

func (f *fakeLedger) ProcessNPCPayment(context.Context, ledger.NPCPayment) error { return nil }

var start = time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, st persistence.Store, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	if err := st.SaveNPC(ctx, &npc.NPC{ID: "npc-1", Tier: npc.TierEnterprise}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveService(ctx, &catalog.Service{
		ID: "svc-1", ProviderID: "prov-1", MonthlyPrice: decimal.NewFromInt(1000),
		SLA: contract.SLATargets{UptimePercent: 99.5},
	}); err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for i := 0; i < n; i++ {
		c := &contract.Contract{
			ProviderID: "prov-1", NPCID: "npc-1", ServiceID: "svc-1",
			Status: contract.StatusActive, ActivationDate: &start,
			MonthlyPrice: decimal.NewFromInt(1000), DurationMonths: 12,
			StartDate: start, EndDate: start.AddDate(1, 0, 0), NextPaymentDate: start.AddDate(0, 1, 0),
			SLA: contract.SLATargets{
				UptimePercent: 99.5, MaxLatencyMs: 100, MinThroughputMbps: 10,
				Penalties: contract.PenaltyRates{Uptime: contract.PenaltyRate{PenaltyPercentage: 10}},
			},
		}
		c.ResetPeriod()
		if err := st.CreateContract(ctx, c); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
	}
	return ids
}

func TestSettleCompliantPeriod(t *testing.T) {
	ctx := context.Background()
	st := persistence.NewMemoryStore()
	ids := seed(t, st, 1)
	l := &fakeLedger{}
	p := NewProcessor(st, l)
	now := start.AddDate(0, 1, 1)

	s, err := p.Settle(ctx, ids[0], now)
	if err != nil || s == nil {
		t.Fatalf("settle: %v %v", s, err)
	}
	if !s.Compliant || !s.Net.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("settlement = %+v", s)
	}
	if len(l.payments) != 1 || len(l.penalties) != 0 {
		t.Errorf("ledger payments=%d penalties=%d", len(l.payments), len(l.penalties))
	}
	if l.payments[0].UserID != "prov-1" || !l.payments[0].Amount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("payment = %+v", l.payments[0])
	}

	c, _ := st.GetContract(ctx, ids[0])
	if !c.NextPaymentDate.Equal(start.AddDate(0, 2, 0)) {
		t.Errorf("next payment = %v", c.NextPaymentDate)
	}
	n, _ := st.GetNPC(ctx, "npc-1")
	if h, ok := n.PriorHistory("prov-1"); !ok || h.Rating != RatingCompliant || h.Breaches != 0 {
		t.Errorf("history = %+v", h)
	}
}

func TestSettlePenalizedPeriodResets(t *testing.T) {
	ctx := context.Background()
	st := persistence.NewMemoryStore()
	ids := seed(t, st, 1)
	st.UpdateContract(ctx, ids[0], func(c *contract.Contract) error {
		c.Current.UptimePercent = 97
		c.Current.IncidentCount = 4
		c.Current.SampleCount = 10
		return nil
	})
	l := &fakeLedger{}
	s, err := NewProcessor(st, l).Settle(ctx, ids[0], start.AddDate(0, 1, 0))
	if err != nil {
		t.Fatal(err)
	}

	if len(l.penalties) != 1 || !l.penalties[0].Amount.Equal(decimal.NewFromInt(100)) || l.penalties[0].ViolationType != "uptime" {
		t.Errorf("penalties = %+v", l.penalties)
	}
	// The payment carries the base amount; penalties are a separate debit.
	if len(l.payments) != 1 || !l.payments[0].Amount.Equal(decimal.NewFromInt(1000)) || !l.payments[0].Penalties.Equal(decimal.NewFromInt(100)) {
		t.Errorf("payments = %+v", l.payments)
	}
	if s.Compliant || !s.Net.Equal(decimal.NewFromInt(900)) {
		t.Errorf("settlement = %+v", s)
	}

	c, _ := st.GetContract(ctx, ids[0])
	if c.Current.UptimePercent != 100 || !c.Current.Penalties.IsZero() || c.Current.IncidentCount != 0 {
		t.Errorf("period not reset: %+v", c.Current)
	}
	if c.Current.ThroughputMbps != c.SLA.MinThroughputMbps || c.Current.AvgLatencyMs != 0 {
		t.Errorf("period baseline = %+v", c.Current)
	}

	n, _ := st.GetNPC(ctx, "npc-1")
	if h, ok := n.PriorHistory("prov-1"); !ok || h.Rating != RatingPenalized || h.Breaches != 1 {
		t.Errorf("history = %+v", h)
	}
}

func TestPaymentFailureKeepsPenaltiesPosted(t *testing.T) {
	ctx := context.Background()
	st := persistence.NewMemoryStore()
	ids := seed(t, st, 1)
	st.UpdateContract(ctx, ids[0], func(c *contract.Contract) error {
		c.Current.UptimePercent = 90
		return nil
	})
	l := &fakeLedger{failPay: ledger.ErrInvalidAccount}
	p := NewProcessor(st, l)
	now := start.AddDate(0, 1, 0)

	if _, err := p.Settle(ctx, ids[0], now); !errors.Is(err, fault.ErrCollaborator) || !errors.Is(err, ledger.ErrInvalidAccount) {
		t.Fatalf("err = %v", err)
	}

	l.failPay = nil
	if _, err := p.Settle(ctx, ids[0], now); err != nil {
		t.Fatal(err)
	}
	if len(l.penalties) != 1 {
		t.Errorf("penalty posted %d times, want once", len(l.penalties))
	}
	if len(l.payments) != 1 {
		t.Errorf("payments = %d, want 1", len(l.payments))
	}
}

func TestPartialPenaltyPostingRetriesRemainingAxes(t *testing.T) {
	ctx := context.Background()
	st := persistence.NewMemoryStore()
	ids := seed(t, st, 1)
	st.UpdateContract(ctx, ids[0], func(c *contract.Contract) error {
		c.SLA.Penalties.Latency = contract.PenaltyRate{PenaltyPercentage: 5}
		c.Current.UptimePercent = 90
		c.Current.AvgLatencyMs = 400
		return nil
	})
	l := &fakeLedger{failPenalty: map[string]error{"latency": ledger.ErrInvalidAccount}}
	p := NewProcessor(st, l)
	now := start.AddDate(0, 1, 0)

	if _, err := p.Settle(ctx, ids[0], now); !errors.Is(err, fault.ErrCollaborator) {
		t.Fatalf("err = %v, want collaborator", err)
	}
	if len(l.penalties) != 1 || len(l.payments) != 0 {
		t.Fatalf("after failure penalties=%d payments=%d", len(l.penalties), len(l.payments))
	}

	l.failPenalty = nil
	if _, err := p.Settle(ctx, ids[0], now); err != nil {
		t.Fatal(err)
	}
	perAxis := map[string]int{}
	for _, pen := range l.penalties {
		perAxis[pen.ViolationType]++
	}
	if perAxis["uptime"] != 1 || perAxis["latency"] != 1 {
		t.Errorf("penalties per axis = %v", perAxis)
	}
	if len(l.payments) != 1 || !l.payments[0].Penalties.Equal(decimal.NewFromInt(150)) {
		t.Errorf("payments = %+v", l.payments)
	}
}

func TestNotDueIsNoop(t *testing.T) {
	st := persistence.NewMemoryStore()
	ids := seed(t, st, 1)
	l := &fakeLedger{}
	s, err := NewProcessor(st, l).Settle(context.Background(), ids[0], start.AddDate(0, 0, 10))
	if err != nil || s != nil || len(l.payments) != 0 {
		t.Errorf("settled early: %v %v %d", s, err, len(l.payments))
	}
}

func TestOverlappingRunsBillOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	st := persistence.NewMemoryStore()
	ids := seed(t, st, 5)
	for _, id := range ids[:2] {
		st.UpdateContract(ctx, id, func(c *contract.Contract) error {
			c.Current.UptimePercent = 95
			return nil
		})
	}
	l := &fakeLedger{delay: 2 * time.Millisecond}
	p := NewProcessor(st, l)
	now := start.AddDate(0, 1, 2)

	const runs = 8
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			if _, err := p.ProcessDue(ctx, now); err != nil {
				t.Errorf("process: %v", err)
			}
		}()
	}
	close(gate)
	wg.Wait()

	perContract := map[int64]int{}
	for _, pay := range l.payments {
		perContract[pay.ContractID]++
	}
	for _, id := range ids {
		if perContract[id] != 1 {
			t.Errorf("contract %d billed %d times", id, perContract[id])
		}
	}
	if len(l.penalties) != 2 {
		t.Errorf("penalties = %d, want 2", len(l.penalties))
	}

	n, _ := st.GetNPC(ctx, "npc-1")
	if h, _ := n.PriorHistory("prov-1"); h == nil || h.Periods != 5 {
		t.Errorf("history periods = %+v, want 5", h)
	}
}

func TestSettleKeepsMonthEndBillingDay(t *testing.T) {
	ctx := context.Background()
	st := persistence.NewMemoryStore()
	ids := seed(t, st, 1)
	jan31 := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	if _, err := st.UpdateContract(ctx, ids[0], func(c *contract.Contract) error {
		c.BillingDay = 31
		c.NextPaymentDate = jan31
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	l := &fakeLedger{}
	p := NewProcessor(st, l)

	wantNext := []time.Time{
		time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC),
	}
	due := jan31
	for i, want := range wantNext {
		if s, err := p.Settle(ctx, ids[0], due); err != nil || s == nil {
			t.Fatalf("settle %d: %v %v", i, s, err)
		}
		c, _ := st.GetContract(ctx, ids[0])
		if !c.NextPaymentDate.Equal(want) {
			t.Fatalf("settle %d: next payment %s, want %s", i, c.NextPaymentDate.Format("2006-01-02"), want.Format("2006-01-02"))
		}
		due = want
	}

	second := l.payments[1]
	if !second.PeriodStart.Equal(jan31) || !second.PeriodEnd.Equal(wantNext[0]) {
		t.Errorf("second period %s..%s", second.PeriodStart.Format("2006-01-02"), second.PeriodEnd.Format("2006-01-02"))
	}
}
