package pool

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a write would move a sandbox
// along an edge the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// CanTransition reports whether the lifecycle allows moving a sandbox
// from one status to another. Same-status writes (field refreshes) are
// always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}

	switch from {
	case StatusAvailable:
		return to == StatusAllocated || to == StatusStale
	case StatusAllocated:
		// pending_deletion on track teardown, available on lease expiry.
		return to == StatusPendingDeletion || to == StatusAvailable
	case StatusPendingDeletion:
		return to == StatusDeletionFailed || to == StatusStale
	case StatusDeletionFailed:
		return to == StatusStale
	case StatusStale:
		return false
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when the edge is not
// allowed. Stores call this before applying a status-changing patch.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CanRemove reports whether a row in the given status may be deleted
// from the store. Allocated rows are never removed; an active lease
// has to end (or expire) first.
func CanRemove(s Status) bool {
	return s != StatusAllocated
}
