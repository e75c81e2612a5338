package catalog

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/fault"
)

func TestAdjustActiveContractsRespectsCap(t *testing.T) {
	s := &Service{ID: "s1", AvailableForNewContracts: true, MaxActiveContracts: 1}
	if !s.Accepting() {
		t.Fatal("empty service should accept")
	}
	if err := s.AdjustActiveContracts(1); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if s.Accepting() {
		t.Error("full service still accepting")
	}
	if err := s.AdjustActiveContracts(1); !errors.Is(err, fault.ErrRule) {
		t.Errorf("over cap: err = %v, want rule error", err)
	}
	if err := s.AdjustActiveContracts(-1); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := s.AdjustActiveContracts(-1); !errors.Is(err, fault.ErrRule) {
		t.Errorf("below zero: err = %v, want rule error", err)
	}
}

func TestUnlimitedCapacity(t *testing.T) {
	s := &Service{ID: "s1", AvailableForNewContracts: true}
	for i := 0; i < 100; i++ {
		if err := s.AdjustActiveContracts(1); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
}

func TestValidate(t *testing.T) {
	good := Service{ID: "s1", ProviderID: "p1", MonthlyPrice: decimal.NewFromInt(10), SLA: contract.SLATargets{UptimePercent: 99.9}}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	bad := good
	bad.SLA.Penalties.Uptime.PenaltyPercentage = 150
	if err := bad.Validate(); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("penalty > 100: err = %v", err)
	}
	free := good
	free.MonthlyPrice = decimal.Zero
	if err := free.Validate(); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("zero price: err = %v", err)
	}
}

func TestFeatureScore(t *testing.T) {
	s := &Service{Features: []string{"a", "b"}}
	if got := s.FeatureScore(); got != 0.25 {
		t.Errorf("FeatureScore = %v, want 0.25", got)
	}
	s.Features = make([]string, 20)
	if got := s.FeatureScore(); got != 1 {
		t.Errorf("FeatureScore capped = %v, want 1", got)
	}
}
