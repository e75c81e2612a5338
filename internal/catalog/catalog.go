// Package catalog holds the provider side of the market: providers and the
// services they offer. The simulation core treats both as read-only except
// for a service's active-contract counter.
package catalog

import (
	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/fault"
)

// ServiceType enumerates the kinds of service on offer.
type ServiceType string

const (
	ServiceCompute    ServiceType = "compute"
	ServiceStorage    ServiceType = "storage"
	ServiceDatabase   ServiceType = "database"
	ServiceNetworking ServiceType = "networking"
	ServiceCDN        ServiceType = "cdn"
	ServiceSecurity   ServiceType = "security"
	ServiceAnalytics  ServiceType = "analytics"
)

// AllServiceTypes in catalog order.
var AllServiceTypes = []ServiceType{
	ServiceCompute, ServiceStorage, ServiceDatabase, ServiceNetworking,
	ServiceCDN, ServiceSecurity, ServiceAnalytics,
}

// Provider is a user who offers services.
type Provider struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	ReputationScore float64 `json:"reputation_score"` // 0-100
	// Reliability (0-1) shapes synthetic telemetry: 1 always meets SLA.
	Reliability float64 `json:"reliability"`
}

// Resources is the allocation bundled with a service.
type Resources struct {
	VCPU      int `json:"vcpu"`
	MemoryGB  int `json:"memory_gb"`
	StorageGB int `json:"storage_gb"`
}

// Service is a provider's offering.
type Service struct {
	ID         string      `json:"id"`
	ProviderID string      `json:"provider_id"`
	Name       string      `json:"name"`
	Type       ServiceType `json:"type"`
	Resources  Resources   `json:"resources"`

	MonthlyPrice decimal.Decimal     `json:"monthly_price"`
	SetupFee     decimal.Decimal     `json:"setup_fee"`
	SLA          contract.SLATargets `json:"sla"`
	Features     []string            `json:"features,omitempty"`

	DefaultDurationMonths    int  `json:"default_duration_months"`
	AvailableForNewContracts bool `json:"available_for_new_contracts"`
	MaxActiveContracts       int  `json:"max_active_contracts"` // 0 = unlimited
	CurrentActiveContracts   int  `json:"current_active_contracts"`
}

// HasCapacity reports whether one more active contract fits.
func (s *Service) HasCapacity() bool {
	return s.MaxActiveContracts <= 0 || s.CurrentActiveContracts < s.MaxActiveContracts
}

// Accepting reports whether new contracts may be opened.
func (s *Service) Accepting() bool {
	return s.AvailableForNewContracts && s.HasCapacity()
}

// AdjustActiveContracts is the only path that changes the active counter.
func (s *Service) AdjustActiveContracts(delta int) error {
	next := s.CurrentActiveContracts + delta
	if next < 0 {
		return fault.Rule("service %s: active contracts would drop below zero", s.ID)
	}
	if delta > 0 && s.MaxActiveContracts > 0 && next > s.MaxActiveContracts {
		return fault.Rule("service %s: at capacity (%d active contracts)", s.ID, s.MaxActiveContracts)
	}
	s.CurrentActiveContracts = next
	return nil
}

// FeatureScore maps the feature list onto [0, 1].
func (s *Service) FeatureScore() float64 {
	f := float64(len(s.Features)) / 8
	if f > 1 {
		return 1
	}
	return f
}

// Validate checks the offering.
func (s *Service) Validate() error {
	if s.ID == "" || s.ProviderID == "" {
		return fault.Validation("service needs id and provider")
	}
	if !s.MonthlyPrice.IsPositive() {
		return fault.Validation("service %s: monthly price must be positive", s.ID)
	}
	if s.SLA.UptimePercent <= 0 || s.SLA.UptimePercent > 100 {
		return fault.Validation("service %s: uptime %v outside (0, 100]", s.ID, s.SLA.UptimePercent)
	}
	return s.SLA.Penalties.Validate()
}
