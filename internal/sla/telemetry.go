package sla

import (
	"fmt"

	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/entropy"
)

// Sample is one synthetic telemetry reading for a contract.
type Sample struct {
	UptimePercent  float64 `json:"uptime_percent"`
	LatencyMs      float64 `json:"latency_ms"`
	ThroughputMbps float64 `json:"throughput_mbps"`
	Incident       bool    `json:"incident"`
}

// Sampler draws telemetry around a contract's targets. A provider with
// reliability r delivers a healthy reading with probability r.
type Sampler struct {
	src entropy.Source
}

// NewSampler creates a Sampler drawing from src.
func NewSampler(src entropy.Source) *Sampler {
	return &Sampler{src: src}
}

// Draw makes one reading. It consumes four values from the source.
func (s *Sampler) Draw(t contract.SLATargets, reliability float64) Sample {
	healthy := s.src.Float() < entropy.Clamp(reliability, 0, 1)
	if healthy {
		return Sample{
			UptimePercent:  entropy.Clamp(entropy.Uniform(s.src, t.UptimePercent, 100), 0, 100),
			LatencyMs:      t.MaxLatencyMs * entropy.Uniform(s.src, 0.4, 0.95),
			ThroughputMbps: t.MinThroughputMbps * entropy.Uniform(s.src, 1.0, 1.3),
		}
	}
	return Sample{
		UptimePercent:  entropy.Clamp(t.UptimePercent-entropy.Uniform(s.src, 0.1, 8), 0, 100),
		LatencyMs:      t.MaxLatencyMs * entropy.Uniform(s.src, 1.05, 4),
		ThroughputMbps: t.MinThroughputMbps * entropy.Uniform(s.src, 0.5, 0.98),
		Incident:       true,
	}
}

// Record folds a reading into the running averages of the current period.
// The first reading of a period replaces the fresh-period baseline.
func Record(c *contract.Contract, s Sample) {
	p := &c.Current
	n := float64(p.SampleCount)
	p.UptimePercent = (p.UptimePercent*n + s.UptimePercent) / (n + 1)
	p.AvgLatencyMs = (p.AvgLatencyMs*n + s.LatencyMs) / (n + 1)
	p.ThroughputMbps = (p.ThroughputMbps*n + s.ThroughputMbps) / (n + 1)
	if s.Incident {
		p.IncidentCount++
	}
	p.SampleCount++
}

// HealthPolicy decides when a breach is bad enough to cancel a contract.
type HealthPolicy struct {
	// UptimeMargin is how many points below target uptime may fall.
	UptimeMargin float64
	// LatencyMultiple is how many times the latency target is tolerated.
	LatencyMultiple float64
	// MinSamples is how many readings a period needs before it can be judged.
	MinSamples int
}

// DefaultHealthPolicy cancels below target-5 points uptime or above 3x
// latency, once three readings are in.
var DefaultHealthPolicy = HealthPolicy{UptimeMargin: 5, LatencyMultiple: 3, MinSamples: 3}

// Critical reports whether c is in a breach that warrants cancellation,
// with a reason when it is.
func Critical(c *contract.Contract, p HealthPolicy) (bool, string) {
	if c.Status != contract.StatusActive || c.Current.SampleCount < max(p.MinSamples, 1) {
		return false, ""
	}
	if floor := c.SLA.UptimePercent - p.UptimeMargin; c.Current.UptimePercent < floor {
		return true, fmt.Sprintf("uptime %.2f%% below %.2f%%", c.Current.UptimePercent, floor)
	}
	if c.SLA.MaxLatencyMs > 0 && p.LatencyMultiple > 0 {
		if ceil := c.SLA.MaxLatencyMs * p.LatencyMultiple; c.Current.AvgLatencyMs > ceil {
			return true, fmt.Sprintf("latency %.0fms above %.0fms", c.Current.AvgLatencyMs, ceil)
		}
	}
	return false, ""
}
