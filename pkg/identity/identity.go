// Package identity decides whether two interaction records refer to the same
// logical item. A locally originated record and the realtime echo of that
// same write arrive through different paths and may carry only one of the
// two keys, so matching is dual-keyed: temp_id first (covers the
// optimistic-to-confirmed transition), then id (covers confirmed records
// that never had a local counterpart).
package identity

import "collabsync/pkg/models"

// Key selects which key the caller considers primary for a match. The
// resolver always falls back to the other key.
type Key int

const (
	ByTempID Key = iota
	ByID
)

func (k Key) String() string {
	if k == ByID {
		return "id"
	}
	return "temp_id"
}

// Match reports whether a and b refer to the same logical interaction.
func Match(a, b models.Interaction) bool {
	if a.TempID != "" && a.TempID == b.TempID {
		return true
	}
	return a.ID != "" && a.ID == b.ID
}

// Resolve returns the index of the existing record matching candidate, or -1
// when the candidate is new. key orders the comparison but never narrows it;
// a temp_id hit and an id hit are equally authoritative.
func Resolve(key Key, candidate models.Interaction, existing []models.Interaction) int {
	primary, secondary := matchTempID, matchID
	if key == ByID {
		primary, secondary = matchID, matchTempID
	}
	for i := range existing {
		if primary(candidate, existing[i]) {
			return i
		}
	}
	for i := range existing {
		if secondary(candidate, existing[i]) {
			return i
		}
	}
	return -1
}

func matchTempID(a, b models.Interaction) bool {
	return a.TempID != "" && a.TempID == b.TempID
}

func matchID(a, b models.Interaction) bool {
	return a.ID != "" && a.ID == b.ID
}
