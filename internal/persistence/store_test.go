package persistence

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
	"github.com/talgya/npc-market/internal/npc"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": db,
	}
}

func testNPC(id string, next time.Time) *npc.NPC {
	return &npc.NPC{
		ID:                   id,
		Name:                 "Acme " + id,
		Tier:                 npc.TierSME,
		MonthlyBudget:        decimal.NewFromInt(10000),
		MaxContractBudget:    decimal.NewFromInt(5000),
		NextDemandEvaluation: next,
	}
}

func testService(id string) *catalog.Service {
	return &catalog.Service{
		ID:                       id,
		ProviderID:               "prov-1",
		Name:                     "vm " + id,
		Type:                     catalog.ServiceCompute,
		MonthlyPrice:             decimal.NewFromInt(2000),
		SLA:                      contract.SLATargets{UptimePercent: 99.5, MaxLatencyMs: 100, MinThroughputMbps: 100},
		AvailableForNewContracts: true,
		MaxActiveContracts:       10,
	}
}

func testContract(start time.Time) *contract.Contract {
	act := start
	return &contract.Contract{
		ProviderID:      "prov-1",
		NPCID:           "npc-1",
		ServiceID:       "svc-1",
		Status:          contract.StatusActive,
		MonthlyPrice:    decimal.NewFromInt(1000),
		DurationMonths:  6,
		StartDate:       start,
		EndDate:         start.AddDate(0, 6, 0),
		ActivationDate:  &act,
		NextPaymentDate: start.AddDate(0, 1, 0),
	}
}

func TestStoreNPCRoundTripAndDue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SaveNPC(ctx, testNPC("a", now.Add(-time.Minute))); err != nil {
				t.Fatalf("save a: %v", err)
			}
			if err := s.SaveNPC(ctx, testNPC("b", now.Add(time.Hour))); err != nil {
				t.Fatalf("save b: %v", err)
			}
			inactive := testNPC("c", now.Add(-time.Hour))
			inactive.Status = npc.StatusInactive
			if err := s.SaveNPC(ctx, inactive); err != nil {
				t.Fatalf("save c: %v", err)
			}

			got, err := s.GetNPC(ctx, "a")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.EvaluationWeights != npc.DefaultWeights {
				t.Errorf("weights not defaulted: %+v", got.EvaluationWeights)
			}
			if !got.MonthlyBudget.Equal(decimal.NewFromInt(10000)) {
				t.Errorf("budget = %s", got.MonthlyBudget)
			}

			due, err := s.ListDueNPCs(ctx, now)
			if err != nil {
				t.Fatalf("due: %v", err)
			}
			if len(due) != 1 || due[0].ID != "a" {
				t.Errorf("due = %v, want [a]", ids(due))
			}

			active, err := s.ListActiveNPCs(ctx)
			if err != nil {
				t.Fatalf("active: %v", err)
			}
			if len(active) != 2 {
				t.Errorf("active = %v, want a and b", ids(active))
			}
		})
	}
}

func ids(ns []*npc.NPC) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func TestStoreNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetNPC(ctx, "ghost"); !errors.Is(err, fault.ErrNotFound) {
				t.Errorf("npc: got %v, want not found", err)
			}
			if _, err := s.GetService(ctx, "ghost"); !errors.Is(err, fault.ErrValidation) {
				t.Errorf("service: got %v, want validation", err)
			}
			if _, err := s.GetContract(ctx, 42); !errors.Is(err, fault.ErrNotFound) {
				t.Errorf("contract: got %v, want not found", err)
			}
		})
	}
}

func TestStoreUpdateNoChange(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SaveService(ctx, testService("svc-1")); err != nil {
				t.Fatal(err)
			}
			_, err := s.UpdateService(ctx, "svc-1", func(svc *catalog.Service) error {
				svc.Name = "renamed"
				return ErrNoChange
			})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			got, _ := s.GetService(ctx, "svc-1")
			if got.Name != "vm svc-1" {
				t.Errorf("name = %q, want unchanged", got.Name)
			}

			wantErr := fault.Rule("nope")
			if _, err := s.UpdateService(ctx, "svc-1", func(*catalog.Service) error { return wantErr }); !errors.Is(err, fault.ErrRule) {
				t.Errorf("err = %v, want rule", err)
			}
		})
	}
}

func TestStoreConcurrentCounterUpdates(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SaveService(ctx, testService("svc-1")); err != nil {
				t.Fatal(err)
			}
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.UpdateService(ctx, "svc-1", func(svc *catalog.Service) error {
						return svc.AdjustActiveContracts(1)
					})
				}()
			}
			wg.Wait()

			got, err := s.GetService(ctx, "svc-1")
			if err != nil {
				t.Fatal(err)
			}
			// Cap is 10: exactly ten increments succeed.
			if got.CurrentActiveContracts != 10 {
				t.Errorf("counter = %d, want 10", got.CurrentActiveContracts)
			}
		})
	}
}

func TestStoreContracts(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := testContract(start)
			if err := s.CreateContract(ctx, first); err != nil {
				t.Fatalf("create: %v", err)
			}
			if first.ID == 0 || first.UUID == "" {
				t.Fatalf("identity not assigned: %+v", first)
			}
			if want := contract.FormatNumber(start, first.ID); first.Number != want {
				t.Errorf("number = %q, want %q", first.Number, want)
			}

			second := testContract(start)
			if err := s.CreateContract(ctx, second); err != nil {
				t.Fatalf("create second: %v", err)
			}
			if second.ID <= first.ID {
				t.Errorf("ids not increasing: %d then %d", first.ID, second.ID)
			}

			_, err := s.UpdateContract(ctx, second.ID, func(c *contract.Contract) error {
				c.Status = contract.StatusCancelled
				return nil
			})
			if err != nil {
				t.Fatalf("update: %v", err)
			}

			active, err := s.ListContractsByStatus(ctx, contract.StatusActive)
			if err != nil {
				t.Fatal(err)
			}
			if len(active) != 1 || active[0].ID != first.ID {
				t.Errorf("active = %d contracts, want only %d", len(active), first.ID)
			}

			all, _ := s.ListContractsByStatus(ctx)
			if len(all) != 2 {
				t.Errorf("all = %d, want 2", len(all))
			}

			byUUID, err := s.GetContractByUUID(ctx, first.UUID)
			if err != nil || byUUID.ID != first.ID {
				t.Errorf("by uuid = %v, %v", byUUID, err)
			}

			bad := testContract(start)
			bad.ClientID = "human"
			if err := s.CreateContract(ctx, bad); !errors.Is(err, fault.ErrValidation) {
				t.Errorf("both npc and client: err = %v, want validation", err)
			}
		})
	}
}

func TestDBMeta(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.SaveMeta("last_tick", "41"); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMeta("last_tick", "42"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetMeta("last_tick")
	if err != nil || v != "42" {
		t.Errorf("meta = %q, %v", v, err)
	}
}
