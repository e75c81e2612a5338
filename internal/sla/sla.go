// Package sla checks contracts against their SLA targets and computes the
// penalties owed for violated axes.
package sla

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/contract"
)

// Report is the outcome of a compliance check.
type Report struct {
	Compliant  bool            `json:"compliant"`
	Violations []contract.Axis `json:"violations,omitempty"`
}

// Violated reports whether axis failed the check.
func (r Report) Violated(axis contract.Axis) bool {
	for _, a := range r.Violations {
		if a == axis {
			return true
		}
	}
	return false
}

// Check compares the current-period metrics of c with its targets. Only
// ACTIVE contracts are evaluated; anything else is reported compliant.
func Check(c *contract.Contract) Report {
	if c.Status != contract.StatusActive {
		return Report{Compliant: true}
	}
	var v []contract.Axis
	if c.Current.UptimePercent < c.SLA.UptimePercent {
		v = append(v, contract.AxisUptime)
	}
	if c.SLA.MaxLatencyMs > 0 && c.Current.AvgLatencyMs > c.SLA.MaxLatencyMs {
		v = append(v, contract.AxisLatency)
	}
	if c.Current.ThroughputMbps < c.SLA.MinThroughputMbps {
		v = append(v, contract.AxisThroughput)
	}
	return Report{Compliant: len(v) == 0, Violations: v}
}

// Penalty is one axis charge.
type Penalty struct {
	Axis   contract.Axis   `json:"axis"`
	Rate   float64         `json:"rate_percent"`
	Base   decimal.Decimal `json:"base"`
	Amount decimal.Decimal `json:"amount"`
}

func (p Penalty) String() string {
	return fmt.Sprintf("%s %.1f%% of %s = %s", p.Axis, p.Rate, p.Base.StringFixed(2), p.Amount.StringFixed(2))
}

// Amount is monthlyPrice x rate/100.
func Amount(monthlyPrice decimal.Decimal, rate float64) decimal.Decimal {
	return monthlyPrice.Mul(decimal.NewFromFloat(rate)).Div(decimal.NewFromInt(100))
}

// Penalize adds the penalty for each violated axis that has a configured
// rate to the current period of c. An axis is charged at most once per
// period; the returned slice holds only new charges.
func Penalize(c *contract.Contract, r Report) []Penalty {
	var out []Penalty
	for _, axis := range r.Violations {
		rate := c.SLA.Penalties.For(axis)
		if rate <= 0 {
			continue
		}
		amt := Amount(c.MonthlyPrice, rate)
		if c.AddPenalty(axis, amt) {
			out = append(out, Penalty{Axis: axis, Rate: rate, Base: c.MonthlyPrice, Amount: amt})
		}
	}
	return out
}

// Charged lists the penalties already recorded in the current period.
func Charged(c *contract.Contract) []Penalty {
	out := make([]Penalty, 0, len(c.Current.PenalizedAxes))
	for _, axis := range c.Current.PenalizedAxes {
		rate := c.SLA.Penalties.For(axis)
		out = append(out, Penalty{Axis: axis, Rate: rate, Base: c.MonthlyPrice, Amount: Amount(c.MonthlyPrice, rate)})
	}
	return out
}
