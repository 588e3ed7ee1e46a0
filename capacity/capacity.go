// Package capacity holds the pure admission rules: given a slot snapshot,
// is it eligible, does its variant match, how many teams does it support,
// and how much room is left once in-flight reservations are counted.
package capacity

import (
	"math"
	"strconv"
	"strings"

	"fulcrum-registry/registry"
)

// Unbounded is the remaining-capacity sentinel for slots with no declared
// player limit.
const Unbounded = math.MaxInt32

// TeamCountUnknown is returned by ResolveTeamCount when no team sizing can
// be derived from the slot.
const TeamCountUnknown = -1

// DefaultNetworkPlayerCap is the network-wide hard player cap used to derive
// a team count when a slot declares a team size but no player limit.
const DefaultNetworkPlayerCap = 100

// Metadata keys interpreted by the rules.
const (
	MetaVariant       = "variant"
	MetaFamilyVariant = "familyVariant"
	MetaTeamCount     = "team.count"
	MetaTeamMax       = "team.max"
)

// PendingOccupancy reports reservations already committed against a slot but
// not yet visible in its own online-player counter.
type PendingOccupancy interface {
	PendingFor(slotID string) int
}

// IsEligible reports whether the slot may accept new admissions. Only
// AVAILABLE and ALLOCATED slots qualify.
func IsEligible(slot *registry.SlotRecord) bool {
	if slot == nil {
		return false
	}
	return slot.Status == registry.SlotAvailable || slot.Status == registry.SlotAllocated
}

// VariantMatches reports whether the slot serves the requested variant. A
// blank request is a wildcard. Otherwise the request is compared
// case-insensitively against the slot's variant metadata, its game type,
// and its familyVariant metadata, in that priority order.
func VariantMatches(slot *registry.SlotRecord, requested string) bool {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return true
	}
	if slot == nil {
		return false
	}
	for _, candidate := range []string{slot.Metadata[MetaVariant], slot.GameType, slot.Metadata[MetaFamilyVariant]} {
		if candidate != "" && strings.EqualFold(candidate, requested) {
			return true
		}
	}
	return false
}

// ResolveTeamCount determines how many teams the slot supports. An explicit
// team.count wins; otherwise the count is derived from team size and the
// slot's player limit, falling back to the network-wide cap when the slot
// declares no limit. TeamCountUnknown means no team sizing applies.
func ResolveTeamCount(slot *registry.SlotRecord, networkPlayerCap int) int {
	if slot == nil {
		return TeamCountUnknown
	}
	if n, ok := positiveInt(slot.Metadata[MetaTeamCount]); ok {
		return n
	}
	teamSize, ok := positiveInt(slot.Metadata[MetaTeamMax])
	if !ok {
		return TeamCountUnknown
	}
	if slot.MaxPlayers > 0 {
		return atLeastOne(slot.MaxPlayers / teamSize)
	}
	if networkPlayerCap <= 0 {
		networkPlayerCap = DefaultNetworkPlayerCap
	}
	return atLeastOne(networkPlayerCap / teamSize)
}

// RemainingCapacity returns how many more players the slot can admit. Slots
// without a declared limit are unbounded. Reservations not yet reflected in
// the online counter are subtracted; the result is never negative.
func RemainingCapacity(slot *registry.SlotRecord, pending PendingOccupancy) int {
	if slot == nil {
		return 0
	}
	if slot.MaxPlayers <= 0 {
		return Unbounded
	}
	reserved := 0
	if pending != nil {
		reserved = pending.PendingFor(slot.ID)
	}
	remaining := slot.MaxPlayers - slot.OnlinePlayers - reserved
	if remaining < 0 {
		return 0
	}
	return remaining
}

// positiveInt parses a metadata value as a positive integer. Anything that
// does not parse is treated as absent, never as an error.
func positiveInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
