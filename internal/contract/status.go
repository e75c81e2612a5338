// Package contract provides the contract aggregate and its status machine.
package contract

import "github.com/talgya/npc-market/internal/fault"

// Status is a contract lifecycle state.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusPending    Status = "PENDING"
	StatusActive     Status = "ACTIVE"
	StatusSuspended  Status = "SUSPENDED"
	StatusTerminated Status = "TERMINATED"
	StatusExpired    Status = "EXPIRED"
	StatusBreached   Status = "BREACHED"
	StatusCancelled  Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusPending, StatusCancelled},
	StatusPending:   {StatusActive, StatusCancelled},
	StatusActive:    {StatusSuspended, StatusTerminated, StatusExpired, StatusBreached, StatusCancelled},
	StatusSuspended: {StatusActive, StatusTerminated},
	StatusBreached:  {StatusTerminated},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusActive, StatusSuspended,
		StatusTerminated, StatusExpired, StatusBreached, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusExpired || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a rule error for an illegal move.
func CheckTransition(from, to Status) error {
	if !to.Valid() {
		return fault.Validation("unknown contract status %q", to)
	}
	if !CanTransition(from, to) {
		return fault.Rule("contract cannot move from %s to %s", from, to)
	}
	return nil
}

// ActiveDelta is the change to active-contract counters caused by from -> to:
// +1 entering ACTIVE, -1 leaving it, 0 otherwise.
func ActiveDelta(from, to Status) int {
	switch {
	case from != StatusActive && to == StatusActive:
		return 1
	case from == StatusActive && to != StatusActive:
		return -1
	default:
		return 0
	}
}
