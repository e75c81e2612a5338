// Package events carries simulation notifications to listeners. Delivery is
// best effort: a slow or failing listener never blocks the simulation.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	ContractRequested    = "contract.requested"
	ContractAccepted     = "contract.accepted"
	ContractCounterOffer = "contract.counter_offer"
	ContractRejected     = "contract.rejected"
	ContractRenewed      = "contract.renewed"
	ContractNotRenewed   = "contract.not_renewed"
	ContractCancelled    = "contract.cancelled"
	ContractBreached     = "contract.breached"
	ContractExpired      = "contract.expired"
	RevenueProcessed     = "revenue.processed"
	DemandGenerated      = "demand.generated"
)

// Event is one published notification.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tick      uint64    `json:"tick"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(name string, tick uint64, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Tick:      tick,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Sink receives published events. Publish must not block on slow consumers.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Fanout publishes to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(ctx, e)
		}
	}
}
