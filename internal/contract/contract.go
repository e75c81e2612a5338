package contract

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/fault"
)

// Axis names an SLA dimension.
type Axis string

const (
	AxisUptime     Axis = "uptime"
	AxisLatency    Axis = "latency"
	AxisThroughput Axis = "throughput"
)

// Axes lists the evaluated SLA dimensions in check order.
var Axes = []Axis{AxisUptime, AxisLatency, AxisThroughput}

// PenaltyRate is the share of the monthly price charged for a violated axis.
type PenaltyRate struct {
	PenaltyPercentage float64 `json:"penalty_percentage"`
}

// PenaltyRates is the per-axis penalty table. A zero rate means no penalty.
type PenaltyRates struct {
	Uptime             PenaltyRate `json:"uptime_penalty"`
	Latency            PenaltyRate `json:"latency_penalty"`
	Throughput         PenaltyRate `json:"throughput_penalty"`
	IncidentResolution PenaltyRate `json:"incident_resolution_penalty"`
}

// For returns the rate for axis.
func (p PenaltyRates) For(axis Axis) float64 {
	switch axis {
	case AxisUptime:
		return p.Uptime.PenaltyPercentage
	case AxisLatency:
		return p.Latency.PenaltyPercentage
	case AxisThroughput:
		return p.Throughput.PenaltyPercentage
	}
	return 0
}

// Validate rejects negative or >100% rates.
func (p PenaltyRates) Validate() error {
	for _, r := range []float64{p.Uptime.PenaltyPercentage, p.Latency.PenaltyPercentage, p.Throughput.PenaltyPercentage, p.IncidentResolution.PenaltyPercentage} {
		if r < 0 || r > 100 {
			return fault.Validation("penalty percentage %v outside 0-100", r)
		}
	}
	return nil
}

// SLATargets are the guarantees a contract is measured against.
type SLATargets struct {
	UptimePercent              float64      `json:"uptime_percent"`
	MaxLatencyMs               float64      `json:"max_latency_ms"`
	MinThroughputMbps          float64      `json:"min_throughput_mbps"`
	MaxIncidentResolutionHours float64      `json:"max_incident_resolution_hours"`
	Penalties                  PenaltyRates `json:"penalties"`
}

// Period holds the observed metrics for the current billing period.
type Period struct {
	UptimePercent  float64         `json:"uptime_percent"`
	AvgLatencyMs   float64         `json:"avg_latency_ms"`
	ThroughputMbps float64         `json:"throughput_mbps"`
	IncidentCount  int             `json:"incident_count"`
	Penalties      decimal.Decimal `json:"penalties"`
	SampleCount    int             `json:"sample_count"`
	// PenalizedAxes records axes already charged this period.
	PenalizedAxes []Axis `json:"penalized_axes,omitempty"`
	// PostedAxes records charges already sent to the ledger.
	PostedAxes []Axis `json:"posted_axes,omitempty"`
}

// Penalized reports whether axis was already charged this period.
func (p Period) Penalized(axis Axis) bool {
	for _, a := range p.PenalizedAxes {
		if a == axis {
			return true
		}
	}
	return false
}

// Posted reports whether axis's charge already reached the ledger.
func (p Period) Posted(axis Axis) bool {
	return slices.Contains(p.PostedAxes, axis)
}

// Contract is the agreement between a provider and a client or NPC.
type Contract struct {
	ID     int64  `json:"id"`
	UUID   string `json:"uuid"`
	Number string `json:"number"`

	ProviderID string `json:"provider_id"`
	ClientID   string `json:"client_id,omitempty"`
	NPCID      string `json:"npc_id,omitempty"`
	ServiceID  string `json:"service_id"`

	Status Status     `json:"status"`
	SLA    SLATargets `json:"sla"`

	MonthlyPrice    decimal.Decimal `json:"monthly_price"`
	SetupFee        decimal.Decimal `json:"setup_fee"`
	SecurityDeposit decimal.Decimal `json:"security_deposit"`
	BillingDay      int             `json:"billing_day"`
	DurationMonths  int             `json:"duration_months"`

	StartDate       time.Time  `json:"start_date"`
	EndDate         time.Time  `json:"end_date"`
	SignedDate      *time.Time `json:"signed_date,omitempty"`
	ActivationDate  *time.Time `json:"activation_date,omitempty"`
	TerminationDate *time.Time `json:"termination_date,omitempty"`
	NextPaymentDate time.Time  `json:"next_payment_date"`

	Current Period `json:"current_period"`

	LastBilledPeriod    string `json:"last_billed_period,omitempty"`
	PenaltyPostedPeriod string `json:"penalty_posted_period,omitempty"`
	TerminationReason   string `json:"termination_reason,omitempty"`
	Renewals            int    `json:"renewals"`
}

// IsNPC reports whether the client is a simulated customer.
func (c *Contract) IsNPC() bool { return c.NPCID != "" }

// Validate checks the structural invariants.
func (c *Contract) Validate() error {
	if (c.NPCID == "") == (c.ClientID == "") {
		return fault.Validation("contract %s must reference exactly one of npc or client", c.Number)
	}
	if c.ProviderID == "" || c.ServiceID == "" {
		return fault.Validation("contract %s needs provider and service", c.Number)
	}
	if c.MonthlyPrice.IsNegative() {
		return fault.Validation("contract %s has negative monthly price", c.Number)
	}
	if c.Current.Penalties.IsNegative() {
		return fault.Validation("contract %s has negative period penalties", c.Number)
	}
	if c.Status == StatusActive && c.ActivationDate == nil {
		return fault.Validation("contract %s is active without activation date", c.Number)
	}
	return c.SLA.Penalties.Validate()
}

// FreshPeriod returns the baseline metrics for a new billing period.
func (c *Contract) FreshPeriod() Period {
	return Period{
		UptimePercent:  100,
		AvgLatencyMs:   0,
		ThroughputMbps: c.SLA.MinThroughputMbps,
		Penalties:      decimal.Zero,
	}
}

// ResetPeriod starts a new billing period.
func (c *Contract) ResetPeriod() {
	c.Current = c.FreshPeriod()
}

// AddPenalty charges axis once for the current period and returns whether a
// new charge was made.
func (c *Contract) AddPenalty(axis Axis, amount decimal.Decimal) bool {
	if c.Current.Penalized(axis) || !amount.IsPositive() {
		return false
	}
	c.Current.Penalties = c.Current.Penalties.Add(amount)
	c.Current.PenalizedAxes = append(c.Current.PenalizedAxes, axis)
	return true
}

// PeriodKey labels the billing period that starts at t.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// BillingDate shifts ref by months and lands on BillingDay, or on the last
// day of the target month when it is shorter. A zero BillingDay uses ref's
// day. The time of day is kept.
func (c *Contract) BillingDate(ref time.Time, months int) time.Time {
	day := c.BillingDay
	if day <= 0 {
		day = ref.Day()
	}
	y, m, _ := ref.Date()
	first := time.Date(y, m+time.Month(months), 1, ref.Hour(), ref.Minute(), ref.Second(), ref.Nanosecond(), ref.Location())
	if last := first.AddDate(0, 1, -1).Day(); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

// DueForBilling reports whether the contract should be settled at now.
func (c *Contract) DueForBilling(now time.Time) bool {
	return c.Status == StatusActive &&
		!c.NextPaymentDate.After(now) &&
		c.LastBilledPeriod != PeriodKey(c.NextPaymentDate)
}

// PenaltiesPosted reports whether the penalty phase of the current period's
// settlement has already run, after which the period takes no new charges.
func (c *Contract) PenaltiesPosted() bool {
	return c.PenaltyPostedPeriod != "" && c.PenaltyPostedPeriod == PeriodKey(c.NextPaymentDate)
}

// DueForRenewal reports whether the contract term has run out at now.
func (c *Contract) DueForRenewal(now time.Time) bool {
	return c.Status == StatusActive && !c.EndDate.IsZero() && !c.EndDate.After(now)
}

// FormatNumber builds the human-facing contract number.
func FormatNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("CTR-%s-%06d", at.UTC().Format("200601"), seq)
}
