// Package evaluator decides whether an NPC accepts a service offer, renews a
// contract at the end of its term, or walks away from one. Scoring is pure
// (Assess, RenewalScore); this file applies the decisions.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/demand"
	"github.com/talgya/npc-market/internal/fault"
	"github.com/talgya/npc-market/internal/ledger"
	"github.com/talgya/npc-market/internal/lifecycle"
	"github.com/talgya/npc-market/internal/npc"
	"github.com/talgya/npc-market/internal/persistence"
)

// CancellationRating is recorded against a provider whose contract the NPC
// cancels.
const CancellationRating = 1.0

// OfferRequest asks an NPC to consider a service. Nil fields default to the
// service's price and duration.
type OfferRequest struct {
	NPCID                  string           `json:"npc_id"`
	ServiceID              string           `json:"service_id"`
	ProposedPrice          *decimal.Decimal `json:"proposed_price,omitempty"`
	ProposedDurationMonths *int             `json:"proposed_duration_months,omitempty"`
}

// Decision is the outcome of an offer.
type Decision struct {
	Assessment
	NPCID      string             `json:"npc_id"`
	ServiceID  string             `json:"service_id"`
	ProviderID string             `json:"provider_id"`
	Reason     string             `json:"reason"`
	Contract   *contract.Contract `json:"contract,omitempty"`
}

// RenewalOutcome is the result of a renewal evaluation.
type RenewalOutcome struct {
	ContractID int64              `json:"contract_id"`
	Number     string             `json:"number"`
	Renewed    bool               `json:"renewed"`
	Score      float64            `json:"score"`
	EndDate    time.Time          `json:"end_date"`
	Contract   *contract.Contract `json:"contract"`
}

// Evaluator applies offer, renewal and cancellation decisions.
type Evaluator struct {
	store     persistence.Store
	ledger    ledger.Ledger
	lifecycle *lifecycle.Manager
	probation time.Duration
	now       func() time.Time
}

// New creates an Evaluator. probation is how long a blacklist entry lasts.
func New(store persistence.Store, l ledger.Ledger, lc *lifecycle.Manager, probation time.Duration) *Evaluator {
	return &Evaluator{store: store, ledger: l, lifecycle: lc, probation: probation, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// EvaluateServiceOffer scores the offer and, when accepted, opens an ACTIVE
// contract and takes the first payment from the NPC. If the payment fails
// the contract is cancelled, the NPC's counters are restored and the ledger
// error is returned.
func (e *Evaluator) EvaluateServiceOffer(ctx context.Context, req OfferRequest) (*Decision, error) {
	n, err := e.store.GetNPC(ctx, req.NPCID)
	if err != nil {
		return nil, err
	}
	svc, err := e.store.GetService(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	p, err := e.store.GetProvider(ctx, svc.ProviderID)
	if err != nil {
		return nil, err
	}

	price := svc.MonthlyPrice
	if req.ProposedPrice != nil {
		price = *req.ProposedPrice
	}
	if !price.IsPositive() {
		return nil, fault.Validation("proposed price %s must be positive", price)
	}
	months := svc.DefaultDurationMonths
	if months <= 0 {
		months = npc.DefaultDurationMonths(n.Tier)
	}
	if req.ProposedDurationMonths != nil {
		months = *req.ProposedDurationMonths
	}
	if months <= 0 {
		return nil, fault.Validation("proposed duration %d must be positive", months)
	}

	now := e.now()
	a := Assess(Offer{
		NPC: n, Service: svc, Provider: p,
		MonthlyPrice: price, DurationMonths: months,
		Now: now, Probation: e.probation,
	})
	d := &Decision{Assessment: a, NPCID: n.ID, ServiceID: svc.ID, ProviderID: p.ID, Reason: a.Reason()}
	if !a.Accepted {
		return d, nil
	}

	c := &contract.Contract{
		ProviderID:      svc.ProviderID,
		NPCID:           n.ID,
		ServiceID:       svc.ID,
		SLA:             svc.SLA,
		MonthlyPrice:    price,
		SetupFee:        svc.SetupFee,
		SecurityDeposit: decimal.Zero,
		BillingDay:      now.Day(),
		DurationMonths:  months,
		StartDate:       now,
		EndDate:         now.AddDate(0, months, 0),
	}
	c.NextPaymentDate = c.BillingDate(now, 1)
	c.ResetPeriod()
	if _, err := e.lifecycle.Open(ctx, c, price); err != nil {
		return nil, err
	}

	err = e.ledger.ProcessNPCPayment(ctx, ledger.NPCPayment{
		NPCID:      n.ID,
		ProviderID: svc.ProviderID,
		Amount:     price,
		ContractID: c.ID,
		Memo:       fmt.Sprintf("first payment %s", c.Number),
	})
	if err != nil {
		payErr := fault.Collaborator("npc payment for "+c.Number, err)
		if _, rbErr := e.lifecycle.RollBack(ctx, c.ID, price, "payment failed"); rbErr != nil {
			slog.Error("rollback after failed payment", "contract", c.Number, "error", rbErr)
			return nil, errors.Join(payErr, rbErr)
		}
		return nil, payErr
	}

	d.Contract = c
	return d, nil
}

// EvaluateRequest runs a queued demand request through the offer path. An
// expired request is rejected without touching the NPC.
func (e *Evaluator) EvaluateRequest(ctx context.Context, r demand.Request) (*Decision, error) {
	if r.Expired(e.now()) {
		return &Decision{NPCID: r.NPCID, ServiceID: r.ServiceID, ProviderID: r.ProviderID, Reason: "request expired"}, nil
	}
	months := r.DurationMonths
	return e.EvaluateServiceOffer(ctx, OfferRequest{
		NPCID:                  r.NPCID,
		ServiceID:              r.ServiceID,
		ProposedDurationMonths: &months,
	})
}

// EvaluateContractRenewal decides whether the NPC renews contract id. A
// renewal extends EndDate by the contract's duration; otherwise the contract
// expires and releases its slots.
func (e *Evaluator) EvaluateContractRenewal(ctx context.Context, id int64) (*RenewalOutcome, error) {
	c, err := e.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.renew(ctx, c)
}

// RenewIfDue runs the renewal decision only when the contract's term has run
// out at now. It returns nil when the contract is not due, or when an
// overlapping run already decided this term.
func (e *Evaluator) RenewIfDue(ctx context.Context, id int64, now time.Time) (*RenewalOutcome, error) {
	c, err := e.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.DueForRenewal(now) {
		return nil, nil
	}
	out, err := e.renew(ctx, c)
	if errors.Is(err, fault.ErrRule) {
		return nil, nil
	}
	if out != nil && !out.Renewed && out.Contract.Status == contract.StatusActive {
		return nil, nil
	}
	return out, err
}

// renew decides the term c was loaded with; Extend refuses a term that has
// moved on since.
func (e *Evaluator) renew(ctx context.Context, c *contract.Contract) (*RenewalOutcome, error) {
	if !c.IsNPC() {
		return nil, fault.Rule("contract %s belongs to a client, not an npc", c.Number)
	}
	if c.Status != contract.StatusActive {
		return nil, fault.Rule("contract %s is %s, not ACTIVE", c.Number, c.Status)
	}
	n, err := e.store.GetNPC(ctx, c.NPCID)
	if err != nil {
		return nil, err
	}
	p, err := e.store.GetProvider(ctx, c.ProviderID)
	if err != nil {
		return nil, err
	}

	var hist *npc.ProviderHistory
	if h, ok := n.PriorHistory(p.ID); ok {
		hist = h
	}
	out := &RenewalOutcome{ContractID: c.ID, Number: c.Number, Score: RenewalScore(hist, p.ReputationScore)}

	if out.Score > RenewalThreshold {
		renewed, ok, err := e.lifecycle.Extend(ctx, c.ID, c.EndDate)
		if err != nil {
			return nil, err
		}
		out.Renewed = ok
		out.Contract = renewed
		out.EndDate = renewed.EndDate
		return out, nil
	}

	expired, err := e.lifecycle.Expire(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	out.Contract = expired
	out.EndDate = expired.EndDate
	return out, nil
}

// CancelContract cancels an ACTIVE contract on the NPC's behalf and records
// the worst rating and a breach against the provider, which may blacklist it.
func (e *Evaluator) CancelContract(ctx context.Context, id int64, reason string) (*contract.Contract, error) {
	c, err := e.lifecycle.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if !c.IsNPC() {
		return c, nil
	}
	now := e.now()
	if _, err := e.store.UpdateNPC(ctx, c.NPCID, func(n *npc.NPC) error {
		h := n.RatePeriod(c.ProviderID, CancellationRating, true, now)
		if h.Blacklisted {
			slog.Info("provider blacklisted", "npc", n.ID, "provider", c.ProviderID, "reason", h.BlacklistReason)
		}
		return nil
	}); err != nil {
		return c, fmt.Errorf("record cancellation for %s: %w", c.NPCID, err)
	}
	return c, nil
}
