package capacity

import "fulcrum-registry/registry"

// Evaluator binds the static admission inputs, the configured network-wide
// player cap and the pending-reservation tracker, so callers evaluate slots
// without re-threading configuration.
type Evaluator struct {
	playerCap int
	pending   PendingOccupancy
}

// NewEvaluator returns an evaluator using cap as the network-wide player
// limit. A cap of zero or less falls back to DefaultNetworkPlayerCap.
func NewEvaluator(networkPlayerCap int, pending PendingOccupancy) *Evaluator {
	if networkPlayerCap <= 0 {
		networkPlayerCap = DefaultNetworkPlayerCap
	}
	return &Evaluator{playerCap: networkPlayerCap, pending: pending}
}

// Admissible reports whether the slot can take a new admission for the
// requested variant: eligible status, matching variant, and room left.
func (e *Evaluator) Admissible(slot *registry.SlotRecord, variant string) bool {
	return IsEligible(slot) && VariantMatches(slot, variant) && e.Remaining(slot) > 0
}

// TeamCount resolves the slot's team count against the configured cap.
func (e *Evaluator) TeamCount(slot *registry.SlotRecord) int {
	return ResolveTeamCount(slot, e.playerCap)
}

// Remaining returns the slot's remaining capacity net of pending
// reservations.
func (e *Evaluator) Remaining(slot *registry.SlotRecord) int {
	return RemainingCapacity(slot, e.pending)
}

// OpenSeats totals the remaining capacity of every eligible, bounded slot
// across the given servers. Unbounded slots are skipped so the total stays
// meaningful.
func (e *Evaluator) OpenSeats(servers []*registry.ServerRecord) int {
	total := 0
	for _, srv := range servers {
		for _, slot := range srv.Slots() {
			s := slot
			if !IsEligible(&s) {
				continue
			}
			if rem := e.Remaining(&s); rem != Unbounded {
				total += rem
			}
		}
	}
	return total
}
