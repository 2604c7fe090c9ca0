// Package pool defines the sandbox pool entity and its lifecycle rules.
// A Sandbox is one cloud account owned by the broker: it is discovered
// from the upstream provider, leased exclusively to a track, and torn
// down when the lease ends.
package pool

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a pooled sandbox.
type Status string

const (
	// StatusAvailable means the sandbox is idle and can be leased.
	StatusAvailable Status = "available"

	// StatusAllocated means the sandbox is exclusively leased to a track.
	StatusAllocated Status = "allocated"

	// StatusPendingDeletion means teardown has been requested and the
	// sandbox is waiting for the deletion driver to remove it upstream.
	StatusPendingDeletion Status = "pending_deletion"

	// StatusDeletionFailed means teardown did not complete in time and
	// the sandbox needs operator attention.
	StatusDeletionFailed Status = "deletion_failed"

	// StatusStale marks a sandbox quarantined by an operator. Nothing
	// in the broker produces this state; admin tooling consumes it.
	StatusStale Status = "stale"
)

// Statuses lists every valid status, in lifecycle order. Used for
// validation, gauge labels, and admin filters.
var Statuses = []Status{
	StatusAvailable,
	StatusAllocated,
	StatusPendingDeletion,
	StatusDeletionFailed,
	StatusStale,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusAllocated, StatusPendingDeletion,
		StatusDeletionFailed, StatusStale:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a string into a Status, rejecting unknown values.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown sandbox status %q", v)
	}
	return s, nil
}

var (
	// ErrInvalid is returned by Validate when a sandbox record breaks
	// a structural invariant.
	ErrInvalid = errors.New("invalid sandbox record")
)

// Sandbox is the sole persisted entity of the broker: one upstream
// cloud account and its lease bookkeeping. Timestamps are Unix epoch
// seconds; zero means unset. Version starts at 1 and increments by
// exactly one on every successful write.
type Sandbox struct {
	// SandboxID is the broker-assigned UUID, stable across syncs.
	SandboxID string `json:"sandbox_id" dynamodbav:"sandbox_id"`

	// ExternalID is the upstream provider's identifier for the account.
	ExternalID string `json:"external_id" dynamodbav:"external_id"`

	// Name is the human-readable account name reported by upstream.
	Name string `json:"name" dynamodbav:"name"`

	Status Status `json:"status" dynamodbav:"status"`

	// AllocatedToTrack is the owning track while Status is allocated.
	AllocatedToTrack string `json:"allocated_to_track,omitempty" dynamodbav:"allocated_to_track,omitempty"`

	// AllocatedAt doubles as the range key of the status index, so it
	// is always stored, zero when the sandbox is not allocated.
	AllocatedAt int64 `json:"allocated_at,omitempty" dynamodbav:"allocated_at"`

	ExpiresAt int64 `json:"expires_at,omitempty" dynamodbav:"expires_at"`

	DeletionRequestedAt int64 `json:"deletion_requested_at,omitempty" dynamodbav:"deletion_requested_at"`

	// LastSeenAt is the last time a sync observed this account upstream.
	LastSeenAt int64 `json:"last_seen_at" dynamodbav:"last_seen_at"`

	Version int64 `json:"version" dynamodbav:"version"`
}

// Validate checks the structural invariants that every persisted
// sandbox must satisfy, regardless of which writer produced it.
func (s *Sandbox) Validate() error {
	if s.SandboxID == "" {
		return fmt.Errorf("%w: missing sandbox_id", ErrInvalid)
	}
	if s.ExternalID == "" {
		return fmt.Errorf("%w: missing external_id", ErrInvalid)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, s.Status)
	}
	if s.Version < 1 {
		return fmt.Errorf("%w: version %d below 1", ErrInvalid, s.Version)
	}

	if s.Status == StatusAllocated {
		if s.AllocatedToTrack == "" {
			return fmt.Errorf("%w: allocated without a track", ErrInvalid)
		}
		if s.AllocatedAt == 0 {
			return fmt.Errorf("%w: allocated without allocated_at", ErrInvalid)
		}
		if s.ExpiresAt == 0 {
			return fmt.Errorf("%w: allocated without expires_at", ErrInvalid)
		}
	} else {
		if s.AllocatedToTrack != "" {
			return fmt.Errorf("%w: track set on %s sandbox", ErrInvalid, s.Status)
		}
		if s.AllocatedAt != 0 || s.ExpiresAt != 0 {
			return fmt.Errorf("%w: lease fields set on %s sandbox", ErrInvalid, s.Status)
		}
	}

	switch s.Status {
	case StatusPendingDeletion, StatusDeletionFailed:
		if s.DeletionRequestedAt == 0 {
			return fmt.Errorf("%w: %s without deletion_requested_at", ErrInvalid, s.Status)
		}
	}

	return nil
}

// Expired reports whether an allocated lease has passed its expiry.
// Non-allocated sandboxes never expire.
func (s *Sandbox) Expired(now time.Time) bool {
	return s.Status == StatusAllocated && s.ExpiresAt != 0 && s.ExpiresAt <= now.Unix()
}

// DeletionStuck reports whether a pending_deletion sandbox has been
// waiting longer than the given timeout.
func (s *Sandbox) DeletionStuck(now time.Time, timeout time.Duration) bool {
	if s.Status != StatusPendingDeletion || s.DeletionRequestedAt == 0 {
		return false
	}
	return now.Unix()-s.DeletionRequestedAt >= int64(timeout.Seconds())
}

// Clone returns a copy of the sandbox. Stores hand out clones so
// callers can never mutate persisted state in place.
func (s *Sandbox) Clone() *Sandbox {
	c := *s
	return &c
}
