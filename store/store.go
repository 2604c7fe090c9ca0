// Package store defines the persistence contract for the sandbox pool.
// Implementations provide conditional, version-checked writes so that
// concurrent brokers coordinate purely through the shared table, with
// no in-process locking on the hot path.
package store

import (
	"context"
	"errors"

	"miren.dev/broker/pool"
)

var (
	// ErrNotFound is returned when no row exists for the given id.
	ErrNotFound = errors.New("sandbox not found")

	// ErrVersionConflict is returned when a conditional write loses a
	// race: the row's version (or expected status) no longer matches.
	ErrVersionConflict = errors.New("sandbox version conflict")

	// ErrAlreadyExists is returned by PutIfAbsent when the id is taken.
	ErrAlreadyExists = errors.New("sandbox already exists")

	// ErrUnavailable is returned when the backing store cannot be
	// reached. Handlers map it to 503.
	ErrUnavailable = errors.New("store unavailable")

	// ErrBadCursor is returned by Scan when the cursor is not one this
	// store produced.
	ErrBadCursor = errors.New("malformed scan cursor")
)

// Patch is a partial update applied under optimistic concurrency.
// Nil fields are left untouched. Setting a pointer to the zero value
// clears the field (used when a lease ends).
type Patch struct {
	// ExpectStatus adds a status precondition on top of the version
	// check. Required whenever Status is set, so every status change
	// is validated against the lifecycle.
	ExpectStatus *pool.Status

	Status              *pool.Status
	Name                *string
	AllocatedToTrack    *string
	AllocatedAt         *int64
	ExpiresAt           *int64
	DeletionRequestedAt *int64
	LastSeenAt          *int64
}

// Check enforces that status changes carry an ExpectStatus
// precondition and follow the lifecycle graph. Both store
// implementations call it before writing.
func (p *Patch) Check() error {
	if p.Status == nil {
		return nil
	}
	if p.ExpectStatus == nil {
		return errors.New("status change without ExpectStatus precondition")
	}
	return pool.CheckTransition(*p.ExpectStatus, *p.Status)
}

// Apply mutates sb in place. The version bump is the store's job, not
// the patch's.
func (p *Patch) Apply(sb *pool.Sandbox) {
	if p.Status != nil {
		sb.Status = *p.Status
	}
	if p.Name != nil {
		sb.Name = *p.Name
	}
	if p.AllocatedToTrack != nil {
		sb.AllocatedToTrack = *p.AllocatedToTrack
	}
	if p.AllocatedAt != nil {
		sb.AllocatedAt = *p.AllocatedAt
	}
	if p.ExpiresAt != nil {
		sb.ExpiresAt = *p.ExpiresAt
	}
	if p.DeletionRequestedAt != nil {
		sb.DeletionRequestedAt = *p.DeletionRequestedAt
	}
	if p.LastSeenAt != nil {
		sb.LastSeenAt = *p.LastSeenAt
	}
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T { return &v }

// Page is one page of a cursor-driven scan.
type Page struct {
	Items []*pool.Sandbox

	// Cursor resumes the scan when non-empty. Opaque to callers.
	Cursor string
}

// Counts maps each status to the number of rows currently in it.
type Counts map[pool.Status]int

// Total sums all statuses.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Store is the persistence contract shared by the DynamoDB and
// in-memory implementations. All reads return defensive copies.
type Store interface {
	// Get fetches one sandbox by id. ErrNotFound when absent.
	Get(ctx context.Context, sandboxID string) (*pool.Sandbox, error)

	// PutIfAbsent inserts a new row, failing with ErrAlreadyExists if
	// the id is taken. The caller supplies Version=1.
	PutIfAbsent(ctx context.Context, sb *pool.Sandbox) error

	// UpdateIf applies the patch only when the row still has the given
	// version (and ExpectStatus, when set). On success the stored
	// version is version+1 and the updated row is returned.
	// ErrVersionConflict when the precondition fails, ErrNotFound when
	// the row is gone.
	UpdateIf(ctx context.Context, sandboxID string, version int64, patch Patch) (*pool.Sandbox, error)

	// DeleteIf removes the row only when the version matches.
	DeleteIf(ctx context.Context, sandboxID string, version int64) error

	// ScanByStatus returns up to limit rows in the given status,
	// ordered by allocated_at ascending. limit <= 0 means no limit.
	ScanByStatus(ctx context.Context, status pool.Status, limit int) ([]*pool.Sandbox, error)

	// FindByTrack returns the allocated sandbox owned by the track, or
	// ErrNotFound. Used as the idempotency probe before allocation.
	FindByTrack(ctx context.Context, trackID string) (*pool.Sandbox, error)

	// Scan pages through the whole table (or one status, when set).
	Scan(ctx context.Context, status *pool.Status, cursor string, limit int) (*Page, error)

	// CountByStatus tallies the pool for stats and gauges.
	CountByStatus(ctx context.Context) (Counts, error)

	// Ping verifies the backend is reachable. Used by readiness.
	Ping(ctx context.Context) error
}
