// Package lifecycle is the single update path for contract status. Every move
// into or out of ACTIVE adjusts the owning service's and NPC's active-contract
// counters in the same operation, and undoes them if a later step fails.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/catalog"
	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/fault"
	"github.com/talgya/npc-market/internal/npc"
	"github.com/talgya/npc-market/internal/persistence"
)

// Manager applies status transitions with counter bookkeeping.
type Manager struct {
	store persistence.Store
	now   func() time.Time
}

// New creates a Manager over store.
func New(store persistence.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Open creates an NPC contract directly in ACTIVE, claiming one slot on the
// service and on the NPC. spend is added to the NPC's TotalSpent.
func (m *Manager) Open(ctx context.Context, c *contract.Contract, spend decimal.Decimal) (*contract.Contract, error) {
	if !c.IsNPC() {
		return nil, fault.Validation("open: contract for service %s has no npc", c.ServiceID)
	}
	now := m.now()
	c.Status = contract.StatusActive
	if c.ActivationDate == nil {
		c.ActivationDate = &now
	}
	if c.SignedDate == nil {
		c.SignedDate = &now
	}
	if c.BillingDay == 0 && !c.NextPaymentDate.IsZero() {
		c.BillingDay = c.NextPaymentDate.Day()
	}

	if _, err := m.store.UpdateService(ctx, c.ServiceID, func(s *catalog.Service) error {
		if !s.AvailableForNewContracts {
			return fault.Rule("service %s is not accepting new contracts", s.ID)
		}
		return s.AdjustActiveContracts(1)
	}); err != nil {
		return nil, fmt.Errorf("open contract: %w", err)
	}

	if _, err := m.store.UpdateNPC(ctx, c.NPCID, func(n *npc.NPC) error {
		if err := n.AdjustActiveContracts(1); err != nil {
			return err
		}
		n.RecordContractOpened(c.ProviderID, spend)
		return nil
	}); err != nil {
		m.releaseService(ctx, c.ServiceID)
		return nil, fmt.Errorf("open contract: %w", err)
	}

	if err := m.store.CreateContract(ctx, c); err != nil {
		m.releaseNPC(ctx, c.NPCID, c.ProviderID, spend)
		m.releaseService(ctx, c.ServiceID)
		return nil, fmt.Errorf("open contract: %w", err)
	}
	return c, nil
}

// RollBack cancels a freshly opened NPC contract after its payment failed,
// reversing the counters and the spend recorded by Open.
func (m *Manager) RollBack(ctx context.Context, id int64, spend decimal.Decimal, reason string) (*contract.Contract, error) {
	c, err := m.Transition(ctx, id, contract.StatusCancelled, reason)
	if err != nil {
		return nil, err
	}
	if c.IsNPC() {
		if _, err := m.store.UpdateNPC(ctx, c.NPCID, func(n *npc.NPC) error {
			n.RecordContractRolledBack(c.ProviderID, spend)
			return nil
		}); err != nil {
			return c, fmt.Errorf("roll back npc totals: %w", err)
		}
	}
	return c, nil
}

// Transition moves contract id to status to. Entering ACTIVE claims a slot on
// the service and NPC; leaving it releases them.
func (m *Manager) Transition(ctx context.Context, id int64, to contract.Status, reason string) (*contract.Contract, error) {
	var (
		delta            int
		serviceID, npcID string
	)
	c, err := m.store.UpdateContract(ctx, id, func(c *contract.Contract) error {
		if err := contract.CheckTransition(c.Status, to); err != nil {
			return fmt.Errorf("contract %s: %w", c.Number, err)
		}
		delta = contract.ActiveDelta(c.Status, to)
		if delta != 0 {
			if err := m.adjust(ctx, c, delta); err != nil {
				delta = 0
				return err
			}
			serviceID, npcID = c.ServiceID, c.NPCID
		}
		m.stamp(c, to, reason)
		return nil
	})
	if err != nil {
		if delta != 0 {
			// The contract row was not saved; put the counters back.
			m.undo(ctx, serviceID, npcID, delta)
		}
		return nil, err
	}
	slog.Debug("contract transition", "contract", c.Number, "status", to, "reason", reason)
	return c, nil
}

// Extend renews an ACTIVE contract for another term, pushing EndDate forward
// by its duration. term is the EndDate the caller decided to renew; if the
// stored EndDate differs, an overlapping run already renewed it and Extend
// reports false.
func (m *Manager) Extend(ctx context.Context, id int64, term time.Time) (*contract.Contract, bool, error) {
	renewed := false
	c, err := m.store.UpdateContract(ctx, id, func(c *contract.Contract) error {
		if c.Status != contract.StatusActive {
			return fault.Rule("contract %s is %s, not ACTIVE", c.Number, c.Status)
		}
		if !c.EndDate.Equal(term) {
			return persistence.ErrNoChange
		}
		months := c.DurationMonths
		if months <= 0 {
			months = 1
		}
		c.EndDate = c.EndDate.AddDate(0, months, 0)
		c.Renewals++
		renewed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return c, renewed, nil
}

// adjust claims or releases one slot on the contract's service and NPC.
// Increments are strict; a decrement that would underflow is logged and
// skipped so a drifted counter can never block leaving ACTIVE.
func (m *Manager) adjust(ctx context.Context, c *contract.Contract, delta int) error {
	if _, err := m.store.UpdateService(ctx, c.ServiceID, func(s *catalog.Service) error {
		return m.adjustOrSkip(s.AdjustActiveContracts(delta), delta, "service", s.ID)
	}); err != nil {
		return err
	}
	if !c.IsNPC() {
		return nil
	}
	if _, err := m.store.UpdateNPC(ctx, c.NPCID, func(n *npc.NPC) error {
		return m.adjustOrSkip(n.AdjustActiveContracts(delta), delta, "npc", n.ID)
	}); err != nil {
		m.undo(ctx, c.ServiceID, "", delta)
		return err
	}
	return nil
}

func (m *Manager) adjustOrSkip(err error, delta int, kind, id string) error {
	if err == nil || delta > 0 {
		return err
	}
	slog.Warn("active counter drift", kind, id, "error", err)
	return persistence.ErrNoChange
}

func (m *Manager) undo(ctx context.Context, serviceID, npcID string, delta int) {
	if serviceID != "" {
		if _, err := m.store.UpdateService(ctx, serviceID, func(s *catalog.Service) error {
			return s.AdjustActiveContracts(-delta)
		}); err != nil {
			slog.Error("counter compensation failed", "service", serviceID, "error", err)
		}
	}
	if npcID != "" {
		if _, err := m.store.UpdateNPC(ctx, npcID, func(n *npc.NPC) error {
			return n.AdjustActiveContracts(-delta)
		}); err != nil {
			slog.Error("counter compensation failed", "npc", npcID, "error", err)
		}
	}
}

func (m *Manager) releaseService(ctx context.Context, serviceID string) {
	m.undo(ctx, serviceID, "", 1)
}

func (m *Manager) releaseNPC(ctx context.Context, npcID, providerID string, spend decimal.Decimal) {
	if _, err := m.store.UpdateNPC(ctx, npcID, func(n *npc.NPC) error {
		if err := n.AdjustActiveContracts(-1); err != nil {
			return err
		}
		n.RecordContractRolledBack(providerID, spend)
		return nil
	}); err != nil && !errors.Is(err, fault.ErrNotFound) {
		slog.Error("counter compensation failed", "npc", npcID, "error", err)
	}
}

func (m *Manager) stamp(c *contract.Contract, to contract.Status, reason string) {
	now := m.now()
	switch to {
	case contract.StatusPending:
		c.SignedDate = &now
	case contract.StatusActive:
		if c.ActivationDate == nil {
			c.ActivationDate = &now
		}
		if c.BillingDay == 0 {
			c.BillingDay = now.Day()
		}
		if c.NextPaymentDate.IsZero() {
			c.NextPaymentDate = c.BillingDate(now, 1)
		}
		if c.EndDate.IsZero() && c.DurationMonths > 0 {
			c.EndDate = now.AddDate(0, c.DurationMonths, 0)
		}
	}
	if to.Terminal() || to == contract.StatusBreached {
		c.TerminationDate = &now
		if reason != "" {
			c.TerminationReason = reason
		}
	}
	c.Status = to
}
