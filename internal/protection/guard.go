// Package protection holds the policy guard for locked protection rules, the
// protected-item store and the PIN layer guarding dangerous operations.
//
// The guard itself is pure: it compares two protection snapshots and reports
// every change that would bypass the unlock request flow. It never mutates
// state.
package protection

import (
	"fmt"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
)

// Violation describes a single rejected protection change.
type Violation struct {
	Key     domain.ItemKey
	Message string
}

// IsLocked reports whether an item may only be changed through an unlock
// request.
func IsLocked(item domain.ProtectedItem) bool {
	return item.IsLocked()
}

// FindLockedRemovals returns a violation for every item locked in old that is
// absent from new.
func FindLockedRemovals(old, updated domain.Snapshot) []Violation {
	var violations []Violation
	for key, item := range old {
		if !item.IsLocked() {
			continue
		}
		if _, ok := updated[key]; !ok {
			violations = append(violations, Violation{
				Key: key,
				Message: fmt.Sprintf("%s %q is locked and cannot be removed directly; create an unlock request instead",
					key.Type, key.ID),
			})
		}
	}
	return violations
}

// FindLockedWeakenings returns a violation for every item locked in old whose
// lock is cleared or whose "never" unblock delay is relaxed in updated.
// Removed items are covered by FindLockedRemovals, not here.
func FindLockedWeakenings(old, updated domain.Snapshot) []Violation {
	var violations []Violation
	for key, before := range old {
		if !before.IsLocked() {
			continue
		}
		after, ok := updated[key]
		if !ok {
			continue
		}
		if before.Locked && !after.Locked {
			violations = append(violations, Violation{
				Key: key,
				Message: fmt.Sprintf("%s %q is locked and cannot be unlocked directly; create an unlock request instead",
					key.Type, key.ID),
			})
			continue
		}
		if before.UnblockDelay == domain.UnblockDelayNever && after.UnblockDelay != domain.UnblockDelayNever {
			violations = append(violations, Violation{
				Key: key,
				Message: fmt.Sprintf("%s %q has unblock_delay %q and cannot be relaxed directly; create an unlock request instead",
					key.Type, key.ID, domain.UnblockDelayNever),
			})
		}
	}
	return violations
}

// Check runs both guard checks against a proposed snapshot and returns every
// violation found.
func Check(old, updated domain.Snapshot) []Violation {
	violations := FindLockedRemovals(old, updated)
	violations = append(violations, FindLockedWeakenings(old, updated)...)
	return violations
}
