// Package ledger is the wallet collaborator: contract payments to providers,
// SLA penalty debits, and NPC payments for newly opened contracts.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds means the paying wallet cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAccount means a party id is missing or has no wallet.
	ErrInvalidAccount = errors.New("invalid account")
)

// ContractPayment credits a provider with one period's base revenue.
// Penalties are informational here; they are debited separately.
type ContractPayment struct {
	UserID      string
	ContractID  int64
	Amount      decimal.Decimal
	PeriodStart time.Time
	PeriodEnd   time.Time
	Penalties   decimal.Decimal
	Discounts   decimal.Decimal
}

// SLAPenalty debits a provider for one violated SLA axis.
type SLAPenalty struct {
	UserID        string
	ContractID    int64
	Amount        decimal.Decimal
	ViolationType string
	// Period is the billing period key; empty books the penalty unconditionally.
	Period             string
	BaseAmount         decimal.Decimal
	PenaltyRatePercent float64
}

// NPCPayment moves money from an NPC wallet to a provider.
type NPCPayment struct {
	NPCID      string
	ProviderID string
	Amount     decimal.Decimal
	ContractID int64
	Memo       string
}

// Ledger is what the simulation core calls. Every method may fail with
// ErrInsufficientFunds or ErrInvalidAccount; callers roll back and propagate.
type Ledger interface {
	CreateContractPayment(ctx context.Context, p ContractPayment) error
	CreateSLAPenalty(ctx context.Context, p SLAPenalty) error
	ProcessNPCPayment(ctx context.Context, p NPCPayment) error
}

// Wallet account names.
const MarketAccount = "market"

func NPCAccount(id string) string      { return "npc:" + id }
func ProviderAccount(id string) string { return "provider:" + id }
