package sla

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/entropy"
)

func activeContract(price int64, uptimeRate float64) *contract.Contract {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c := &contract.Contract{
		ProviderID: "p", NPCID: "n", ServiceID: "s",
		Status:         contract.StatusActive,
		ActivationDate: &now,
		MonthlyPrice:   decimal.NewFromInt(price),
		SLA: contract.SLATargets{
			UptimePercent: 99.5, MaxLatencyMs: 100, MinThroughputMbps: 50,
			Penalties: contract.PenaltyRates{Uptime: contract.PenaltyRate{PenaltyPercentage: uptimeRate}},
		},
	}
	c.ResetPeriod()
	return c
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*contract.Period)
		want   []contract.Axis
	}{
		{"fresh period complies", func(*contract.Period) {}, nil},
		{"uptime", func(p *contract.Period) { p.UptimePercent = 98 }, []contract.Axis{contract.AxisUptime}},
		{"latency", func(p *contract.Period) { p.AvgLatencyMs = 150 }, []contract.Axis{contract.AxisLatency}},
		{"throughput", func(p *contract.Period) { p.ThroughputMbps = 10 }, []contract.Axis{contract.AxisThroughput}},
		{"all three", func(p *contract.Period) {
			p.UptimePercent, p.AvgLatencyMs, p.ThroughputMbps = 90, 500, 1
		}, []contract.Axis{contract.AxisUptime, contract.AxisLatency, contract.AxisThroughput}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := activeContract(1000, 10)
			tt.mutate(&c.Current)
			r := Check(c)
			if r.Compliant != (len(tt.want) == 0) || len(r.Violations) != len(tt.want) {
				t.Fatalf("report = %+v, want violations %v", r, tt.want)
			}
			for _, a := range tt.want {
				if !r.Violated(a) {
					t.Errorf("missing %s", a)
				}
			}
		})
	}
}

func TestCheckIgnoresInactive(t *testing.T) {
	c := activeContract(1000, 10)
	c.Status = contract.StatusSuspended
	c.Current.UptimePercent = 0
	if !Check(c).Compliant {
		t.Error("suspended contract evaluated")
	}
}

func TestUptimeBreachPenaltyIsExactlyTenPercent(t *testing.T) {
	c := activeContract(1000, 10)
	c.Current.UptimePercent = 97

	got := Penalize(c, Check(c))
	if len(got) != 1 || !got[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("penalties = %v", got)
	}
	if !c.Current.Penalties.Equal(decimal.NewFromInt(100)) {
		t.Errorf("period penalties = %s, want 100", c.Current.Penalties)
	}

	// Same period, no new metrics: no second charge.
	if again := Penalize(c, Check(c)); len(again) != 0 {
		t.Errorf("charged twice: %v", again)
	}
	if !c.Current.Penalties.Equal(decimal.NewFromInt(100)) {
		t.Errorf("period penalties = %s after re-check, want 100", c.Current.Penalties)
	}
}

func TestPenaltiesAccumulateAcrossAxes(t *testing.T) {
	c := activeContract(2000, 10)
	c.SLA.Penalties.Latency.PenaltyPercentage = 5
	c.Current.UptimePercent = 90
	c.Current.AvgLatencyMs = 400
	c.Current.ThroughputMbps = 1 // no throughput rate configured

	got := Penalize(c, Check(c))
	if len(got) != 2 {
		t.Fatalf("penalties = %v", got)
	}
	if !c.Current.Penalties.Equal(decimal.NewFromInt(300)) {
		t.Errorf("period penalties = %s, want 300", c.Current.Penalties)
	}
	if charged := Charged(c); len(charged) != 2 {
		t.Errorf("charged = %v", charged)
	}
}

func TestSamplerAndRecord(t *testing.T) {
	targets := contract.SLATargets{UptimePercent: 99, MaxLatencyMs: 100, MinThroughputMbps: 50}

	healthy := NewSampler(entropy.NewSequence(0.1, 0.5, 0.5, 0.5)).Draw(targets, 0.9)
	if healthy.Incident || healthy.UptimePercent < 99 || healthy.LatencyMs > 100 || healthy.ThroughputMbps < 50 {
		t.Errorf("healthy sample out of band: %+v", healthy)
	}

	bad := NewSampler(entropy.NewSequence(0.95, 0.5, 0.5, 0.5)).Draw(targets, 0.9)
	if !bad.Incident || bad.UptimePercent >= 99 || bad.LatencyMs <= 100 || bad.ThroughputMbps >= 50 {
		t.Errorf("degraded sample in band: %+v", bad)
	}

	c := activeContract(1000, 10)
	Record(c, Sample{UptimePercent: 98, LatencyMs: 80, ThroughputMbps: 60})
	Record(c, Sample{UptimePercent: 96, LatencyMs: 120, ThroughputMbps: 40, Incident: true})
	if c.Current.UptimePercent != 97 || c.Current.AvgLatencyMs != 100 || c.Current.ThroughputMbps != 50 {
		t.Errorf("averages = %+v", c.Current)
	}
	if c.Current.IncidentCount != 1 || c.Current.SampleCount != 2 {
		t.Errorf("counts = %+v", c.Current)
	}
}

func TestCritical(t *testing.T) {
	tests := []struct {
		name            string
		uptime, latency float64
		samples         int
		want            bool
	}{
		{"no samples", 10, 0, 0, false},
		{"too few samples", 10, 0, 2, false},
		{"minor breach", 98, 150, 3, false},
		{"uptime collapse", 90, 50, 3, true},
		{"latency blowout", 99.9, 350, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := activeContract(1000, 10)
			c.Current.UptimePercent = tt.uptime
			c.Current.AvgLatencyMs = tt.latency
			c.Current.SampleCount = tt.samples
			got, reason := Critical(c, DefaultHealthPolicy)
			if got != tt.want {
				t.Errorf("critical = %v (%s), want %v", got, reason, tt.want)
			}
		})
	}
}
