// Package revenue settles billing for active contracts: SLA penalties are
// debited first, then the base payment is credited, then the period resets.
package revenue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/fault"
	"github.com/talgya/npc-market/internal/ledger"
	"github.com/talgya/npc-market/internal/npc"
	"github.com/talgya/npc-market/internal/persistence"
	"github.com/talgya/npc-market/internal/sla"
)

// Ratings recorded in NPC provider history for a settled period.
const (
	RatingCompliant = 5.0
	RatingPenalized = 2.0
)

// Settlement is the result of billing one contract period.
type Settlement struct {
	ContractID  int64           `json:"contract_id"`
	Number      string          `json:"number"`
	ProviderID  string          `json:"provider_id"`
	NPCID       string          `json:"npc_id,omitempty"`
	Period      string          `json:"period"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Base        decimal.Decimal `json:"base"`
	Penalties   decimal.Decimal `json:"penalties"`
	Net         decimal.Decimal `json:"net"`
	Compliant   bool            `json:"compliant"`
	Charges     []sla.Penalty   `json:"charges,omitempty"`
}

// Summary totals one ProcessDue run.
type Summary struct {
	Settled   []Settlement    `json:"settled"`
	Failed    int             `json:"failed"`
	Revenue   decimal.Decimal `json:"revenue"`
	Penalties decimal.Decimal `json:"penalties"`
}

// Processor settles contracts against the ledger.
type Processor struct {
	store  persistence.Store
	ledger ledger.Ledger
}

// NewProcessor creates a Processor.
func NewProcessor(store persistence.Store, l ledger.Ledger) *Processor {
	return &Processor{store: store, ledger: l}
}

// ProcessDue settles every ACTIVE contract whose payment date has passed.
// A failing contract is logged and skipped; the joined errors are returned
// alongside the summary.
func (p *Processor) ProcessDue(ctx context.Context, now time.Time) (Summary, error) {
	sum := Summary{Revenue: decimal.Zero, Penalties: decimal.Zero}
	active, err := p.store.ListContractsByStatus(ctx, contract.StatusActive)
	if err != nil {
		return sum, fmt.Errorf("list active contracts: %w", err)
	}

	var errs []error
	for _, c := range active {
		if !c.DueForBilling(now) {
			continue
		}
		s, err := p.Settle(ctx, c.ID, now)
		if err != nil {
			sum.Failed++
			slog.Warn("settlement failed", "contract", c.Number, "kind", fault.Kind(err), "error", err)
			errs = append(errs, err)
			continue
		}
		if s == nil {
			continue
		}
		sum.Settled = append(sum.Settled, *s)
		sum.Revenue = sum.Revenue.Add(s.Net)
		sum.Penalties = sum.Penalties.Add(s.Penalties)
	}
	return sum, errors.Join(errs...)
}

// Settle bills contract id for its due period. It returns nil without error
// when nothing is due, which is what an overlapping run sees once the first
// run has billed the period.
func (p *Processor) Settle(ctx context.Context, id int64, now time.Time) (*Settlement, error) {
	due, err := p.postPenalties(ctx, id, now)
	if err != nil || !due {
		return nil, err
	}

	var s *Settlement
	_, err = p.store.UpdateContract(ctx, id, func(c *contract.Contract) error {
		period := contract.PeriodKey(c.NextPaymentDate)
		if !c.DueForBilling(now) || c.PenaltyPostedPeriod != period {
			return persistence.ErrNoChange
		}
		start, end := c.BillingDate(c.NextPaymentDate, -1), c.NextPaymentDate

		err := p.ledger.CreateContractPayment(ctx, ledger.ContractPayment{
			UserID:      c.ProviderID,
			ContractID:  c.ID,
			Amount:      c.MonthlyPrice,
			PeriodStart: start,
			PeriodEnd:   end,
			Penalties:   c.Current.Penalties,
			Discounts:   decimal.Zero,
		})
		if err != nil {
			return fault.Collaborator(fmt.Sprintf("contract payment %s", c.Number), err)
		}

		s = &Settlement{
			ContractID:  c.ID,
			Number:      c.Number,
			ProviderID:  c.ProviderID,
			NPCID:       c.NPCID,
			Period:      period,
			PeriodStart: start,
			PeriodEnd:   end,
			Base:        c.MonthlyPrice,
			Penalties:   c.Current.Penalties,
			Net:         c.MonthlyPrice.Sub(c.Current.Penalties),
			Compliant:   len(c.Current.PenalizedAxes) == 0,
			Charges:     sla.Charged(c),
		}

		c.ResetPeriod()
		c.LastBilledPeriod = period
		c.NextPaymentDate = c.BillingDate(c.NextPaymentDate, 1)
		return nil
	})
	if err != nil || s == nil {
		return nil, err
	}

	if s.NPCID != "" {
		p.rate(ctx, s, now)
	}
	return s, nil
}

// postPenalties runs the penalty phase once per period: a final compliance
// check, then one ledger debit per charged axis. Axes posted before a ledger
// failure are kept so a retry posts only the rest. It reports whether the
// contract is still due for billing.
func (p *Processor) postPenalties(ctx context.Context, id int64, now time.Time) (bool, error) {
	due := false
	var postErr error
	_, err := p.store.UpdateContract(ctx, id, func(c *contract.Contract) error {
		if !c.DueForBilling(now) {
			return persistence.ErrNoChange
		}
		due = true
		period := contract.PeriodKey(c.NextPaymentDate)
		if c.PenaltyPostedPeriod == period {
			return persistence.ErrNoChange
		}

		sla.Penalize(c, sla.Check(c))
		for _, pen := range sla.Charged(c) {
			if c.Current.Posted(pen.Axis) {
				continue
			}
			err := p.ledger.CreateSLAPenalty(ctx, ledger.SLAPenalty{
				UserID:             c.ProviderID,
				ContractID:         c.ID,
				Amount:             pen.Amount,
				ViolationType:      string(pen.Axis),
				Period:             period,
				BaseAmount:         pen.Base,
				PenaltyRatePercent: pen.Rate,
			})
			if err != nil {
				postErr = fault.Collaborator(fmt.Sprintf("sla penalty %s/%s", c.Number, pen.Axis), err)
				return nil
			}
			c.Current.PostedAxes = append(c.Current.PostedAxes, pen.Axis)
		}
		c.PenaltyPostedPeriod = period
		return nil
	})
	if err == nil {
		err = postErr
	}
	return due, err
}

func (p *Processor) rate(ctx context.Context, s *Settlement, now time.Time) {
	rating := RatingCompliant
	if !s.Compliant {
		rating = RatingPenalized
	}
	_, err := p.store.UpdateNPC(ctx, s.NPCID, func(n *npc.NPC) error {
		h := n.RatePeriod(s.ProviderID, rating, !s.Compliant, now)
		if h.Blacklisted && h.BlacklistedAt != nil && h.BlacklistedAt.Equal(now) {
			slog.Info("provider blacklisted", "npc", n.ID, "provider", s.ProviderID, "reason", h.BlacklistReason)
		}
		return nil
	})
	if err != nil {
		slog.Warn("provider history update failed", "npc", s.NPCID, "contract", s.Number, "error", err)
	}
}
