package lifecycle

import (
	"context"
	"fmt"

	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/fault"
)

// Operations for contracts held by human clients. These walk the full
// DRAFT -> PENDING -> ACTIVE path that NPC contracts skip.

// Draft stores a new DRAFT contract for a human client.
func (m *Manager) Draft(ctx context.Context, c *contract.Contract) (*contract.Contract, error) {
	if c.IsNPC() || c.ClientID == "" {
		return nil, fault.Validation("draft: contract needs a client and no npc")
	}
	svc, err := m.store.GetService(ctx, c.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("draft: %w", err)
	}
	c.ProviderID = svc.ProviderID
	c.SLA = svc.SLA
	if c.MonthlyPrice.IsZero() {
		c.MonthlyPrice = svc.MonthlyPrice
		c.SetupFee = svc.SetupFee
	}
	if c.DurationMonths <= 0 {
		c.DurationMonths = svc.DefaultDurationMonths
	}
	c.Status = contract.StatusDraft
	if c.StartDate.IsZero() {
		c.StartDate = m.now()
	}
	if c.EndDate.IsZero() && c.DurationMonths > 0 {
		c.EndDate = c.StartDate.AddDate(0, c.DurationMonths, 0)
	}
	c.ResetPeriod()
	if err := m.store.CreateContract(ctx, c); err != nil {
		return nil, fmt.Errorf("draft: %w", err)
	}
	return c, nil
}

// Submit signs a draft, moving it to PENDING.
func (m *Manager) Submit(ctx context.Context, id int64) (*contract.Contract, error) {
	return m.Transition(ctx, id, contract.StatusPending, "")
}

// Activate starts a pending contract.
func (m *Manager) Activate(ctx context.Context, id int64) (*contract.Contract, error) {
	return m.Transition(ctx, id, contract.StatusActive, "")
}

// Suspend pauses an active contract.
func (m *Manager) Suspend(ctx context.Context, id int64, reason string) (*contract.Contract, error) {
	return m.Transition(ctx, id, contract.StatusSuspended, reason)
}

// Reactivate resumes a suspended contract.
func (m *Manager) Reactivate(ctx context.Context, id int64) (*contract.Contract, error) {
	return m.Transition(ctx, id, contract.StatusActive, "")
}

// Terminate ends a contract early.
func (m *Manager) Terminate(ctx context.Context, id int64, reason string) (*contract.Contract, error) {
	return m.Transition(ctx, id, contract.StatusTerminated, reason)
}

// Breach marks an active contract as breached.
func (m *Manager) Breach(ctx context.Context, id int64, reason string) (*contract.Contract, error) {
	return m.Transition(ctx, id, contract.StatusBreached, reason)
}

// Expire closes a contract whose term has run out.
func (m *Manager) Expire(ctx context.Context, id int64) (*contract.Contract, error) {
	return m.Transition(ctx, id, contract.StatusExpired, "term ended")
}

// Cancel withdraws a contract.
func (m *Manager) Cancel(ctx context.Context, id int64, reason string) (*contract.Contract, error) {
	return m.Transition(ctx, id, contract.StatusCancelled, reason)
}
