package ids

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ProxyIDPrefix is the fixed textual prefix for proxy identifiers.
const ProxyIDPrefix = "fulcrum-proxy-"

// ServerTypes are the recognized backend server families.
var ServerTypes = []string{"mini", "mega", "pool"}

// ErrUnknownServerType is returned when a registration names a server type
// outside ServerTypes. Unknown types must be rejected before allocation:
// an id minted for one would never parse, so its number could never be
// released back to the pool.
var ErrUnknownServerType = errors.New("ids: unknown server type")

// IsServerType reports whether t is a recognized server family.
func IsServerType(t string) bool {
	for _, st := range ServerTypes {
		if t == st {
			return true
		}
	}
	return false
}

// Server ids follow type+digits with an optional single uppercase slot letter,
// e.g. mini3 or mini3B.
var serverIDPattern = regexp.MustCompile(`^(mini|mega|pool)([1-9][0-9]*)([A-Z])?$`)

// IsServerID reports whether id is a well-formed permanent server id
// (without a slot suffix).
func IsServerID(id string) bool {
	m := serverIDPattern.FindStringSubmatch(id)
	return m != nil && m[3] == ""
}

// IsSlotID reports whether id addresses a slot, i.e. a server id with a
// trailing uppercase suffix letter. Non-conforming strings are simply
// classified as non-slot.
func IsSlotID(id string) bool {
	m := serverIDPattern.FindStringSubmatch(id)
	return m != nil && m[3] != ""
}

// IsProxyID reports whether id is a well-formed permanent proxy id.
func IsProxyID(id string) bool {
	n, ok := strings.CutPrefix(id, ProxyIDPrefix)
	if !ok {
		return false
	}
	v, err := strconv.Atoi(n)
	return err == nil && v > 0 && n == strconv.Itoa(v)
}

// BaseServerID strips the slot suffix from a slot id. Strings that are not
// slot ids are returned unchanged.
func BaseServerID(id string) string {
	m := serverIDPattern.FindStringSubmatch(id)
	if m == nil || m[3] == "" {
		return id
	}
	return m[1] + m[2]
}

// SlotSuffix returns the suffix letter of a slot id, or "" when id is not a
// slot id.
func SlotSuffix(id string) string {
	m := serverIDPattern.FindStringSubmatch(id)
	if m == nil {
		return ""
	}
	return m[3]
}

// splitServerID returns the type and number of a permanent server id.
func splitServerID(id string) (serverType string, n int, ok bool) {
	m := serverIDPattern.FindStringSubmatch(id)
	if m == nil || m[3] != "" {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

// splitProxyID returns the number of a permanent proxy id.
func splitProxyID(id string) (int, bool) {
	if !IsProxyID(id) {
		return 0, false
	}
	n, _ := strconv.Atoi(strings.TrimPrefix(id, ProxyIDPrefix))
	return n, true
}
