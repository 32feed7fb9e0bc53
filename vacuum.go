package rewind

import (
	"time"

	"github.com/rewindkit/rewind/internal/db"
)

// VacuumPolicy selects which whole-state snapshot rows Store.Vacuum deletes.
// Construct with OlderThan or CopiesBeyond.
type VacuumPolicy struct {
	policy db.VacuumPolicy
}

// OlderThan deletes snapshot rows recorded before cutoff.
func OlderThan(cutoff time.Time) VacuumPolicy {
	return VacuumPolicy{policy: db.OlderThan(cutoff)}
}

// CopiesBeyond retains only the maxCount most recent snapshot rows, by
// timestamp. Counts below 1 are clamped so the row the next Open rehydrates
// from always survives.
func CopiesBeyond(maxCount int) VacuumPolicy {
	return VacuumPolicy{policy: db.CopiesBeyond(maxCount)}
}
