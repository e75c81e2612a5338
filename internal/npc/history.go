package npc

import (
	"fmt"
	"time"
)

// Blacklist thresholds: a provider is blacklisted once this many breaches
// have been recorded and the running rating has fallen below the floor.
const (
	BlacklistBreaches    = 3
	BlacklistRatingFloor = 2.0
)

// RatePeriod folds one rated period into the history with providerID and
// re-evaluates the blacklist. rating is on a 1-5 scale.
func (n *NPC) RatePeriod(providerID string, rating float64, breached bool, now time.Time) *ProviderHistory {
	h := n.History(providerID)
	h.Rating = (h.Rating*float64(h.Periods) + rating) / float64(h.Periods+1)
	h.Periods++
	if breached {
		h.Breaches++
	}
	if !h.Blacklisted && h.Breaches >= BlacklistBreaches && h.Rating < BlacklistRatingFloor {
		h.Blacklisted = true
		h.BlacklistReason = fmt.Sprintf("%d SLA breaches, rating %.2f", h.Breaches, h.Rating)
		at := now
		h.BlacklistedAt = &at
	}
	return h
}

// IsBlacklisted reports whether providerID is blacklisted at now. Entries
// lapse once probation has elapsed since blacklisting; probation <= 0 keeps
// them forever.
func (n *NPC) IsBlacklisted(providerID string, now time.Time, probation time.Duration) bool {
	h, ok := n.ProviderHistory[providerID]
	if !ok || !h.Blacklisted {
		return false
	}
	if probation <= 0 || h.BlacklistedAt == nil {
		return true
	}
	return now.Before(h.BlacklistedAt.Add(probation))
}

// LiftExpiredBlacklists clears entries whose probation has elapsed. The
// breach count restarts so a single new breach does not re-list the provider.
func (n *NPC) LiftExpiredBlacklists(now time.Time, probation time.Duration) []string {
	if probation <= 0 {
		return nil
	}
	var lifted []string
	for id, h := range n.ProviderHistory {
		if h.Blacklisted && h.BlacklistedAt != nil && !now.Before(h.BlacklistedAt.Add(probation)) {
			h.Blacklisted = false
			h.BlacklistReason = ""
			h.BlacklistedAt = nil
			h.Breaches = 0
			lifted = append(lifted, id)
		}
	}
	return lifted
}
