// Package alloc implements lease handout and teardown marking. All
// mutual exclusion comes from conditional writes against the store;
// the allocator never holds locks, so any number of broker replicas
// can run it concurrently.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"miren.dev/broker/metrics"
	"miren.dev/broker/pool"
	"miren.dev/broker/store"
)

var (
	// ErrNoCapacity means the pool has no available sandbox, or every
	// candidate was claimed by someone else first.
	ErrNoCapacity = errors.New("no sandboxes available")

	// ErrNotOwner means the requesting track does not hold the lease.
	ErrNotOwner = errors.New("track does not own sandbox")

	// ErrWrongState means the sandbox exists but its status does not
	// permit the operation.
	ErrWrongState = errors.New("sandbox in wrong state")
)

// Options tune the allocation strategy. Zero backoff values disable
// the inter-attempt sleep, which tests rely on.
type Options struct {
	// Candidates is how many available rows one allocation attempt
	// fans out over.
	Candidates int

	// LeaseDuration is how long a fresh lease lasts.
	LeaseDuration time.Duration

	// BackoffBase and BackoffMax bound the jitter applied between
	// claim attempts: uniform(0, min(2^attempt * base, max)).
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Allocator hands out exclusive sandbox leases.
type Allocator struct {
	log  *slog.Logger
	st   store.Store
	opts Options

	now func() time.Time
}

func New(log *slog.Logger, st store.Store, opts Options) *Allocator {
	if opts.Candidates <= 0 {
		opts.Candidates = 15
	}
	return &Allocator{
		log:  log.With("component", "allocator"),
		st:   st,
		opts: opts,
		now:  time.Now,
	}
}

// Result is a successful allocation. Idempotent is true when the track
// already held a live lease and got it back unchanged.
type Result struct {
	Sandbox    *pool.Sandbox
	Idempotent bool
}

// Allocate leases one sandbox to the track. Repeated calls from the
// same track return the existing lease instead of a second sandbox.
func (a *Allocator) Allocate(ctx context.Context, trackID string) (*Result, error) {
	start := a.now()

	res, err := a.allocate(ctx, trackID)
	outcome := outcomeFor(res, err)
	metrics.AllocateTotal.WithLabelValues(outcome).Inc()
	metrics.AllocateLatency.WithLabelValues(outcome).Observe(a.now().Sub(start).Seconds())
	return res, err
}

func (a *Allocator) allocate(ctx context.Context, trackID string) (*Result, error) {
	now := a.now()

	// Idempotency probe: a track that retries after a network blip
	// must get its existing sandbox back, not drain the pool.
	existing, err := a.st.FindByTrack(ctx, trackID)
	switch {
	case err == nil:
		if !existing.Expired(now) {
			a.log.Debug("returning existing lease",
				"track_id", trackID,
				"sandbox_id", existing.SandboxID)
			return &Result{Sandbox: existing, Idempotent: true}, nil
		}
		// The old lease already ran out; reclaim is cleanup's job.
		// Fall through and hand out a fresh sandbox.
		a.log.Info("track retried with expired lease, allocating fresh",
			"track_id", trackID,
			"sandbox_id", existing.SandboxID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("idempotency probe failed: %w", err)
	}

	candidates, err := a.st.ScanByStatus(ctx, pool.StatusAvailable, a.opts.Candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to list available sandboxes: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCapacity
	}

	// Shuffling spreads concurrent allocators across the candidate
	// set instead of having everyone fight over the same first row.
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	conflicts := 0
	for attempt, candidate := range candidates {
		sb, err := a.claim(ctx, candidate, trackID, now)
		if err == nil {
			if conflicts > 0 {
				metrics.AllocateConflicts.Add(float64(conflicts))
			}
			a.log.Info("sandbox allocated",
				"track_id", trackID,
				"sandbox_id", sb.SandboxID,
				"external_id", sb.ExternalID,
				"expires_at", sb.ExpiresAt,
				"conflicts", conflicts)
			return &Result{Sandbox: sb}, nil
		}

		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			// Lost the race on this row; move to the next candidate.
			conflicts++
			if attempt < len(candidates)-1 {
				if err := a.backoff(ctx, attempt); err != nil {
					return nil, err
				}
			}
			continue
		}
		return nil, fmt.Errorf("claim failed: %w", err)
	}

	metrics.AllocateConflicts.Add(float64(conflicts))
	a.log.Warn("all candidates contended",
		"track_id", trackID,
		"candidates", len(candidates))
	return nil, fmt.Errorf("%w: lost %d claim races", ErrNoCapacity, conflicts)
}

func (a *Allocator) claim(ctx context.Context, candidate *pool.Sandbox, trackID string, now time.Time) (*pool.Sandbox, error) {
	expires := now.Add(a.opts.LeaseDuration)

	return a.st.UpdateIf(ctx, candidate.SandboxID, candidate.Version, store.Patch{
		ExpectStatus:     store.Ptr(pool.StatusAvailable),
		Status:           store.Ptr(pool.StatusAllocated),
		AllocatedToTrack: store.Ptr(trackID),
		AllocatedAt:      store.Ptr(now.Unix()),
		ExpiresAt:        store.Ptr(expires.Unix()),
	})
}

// backoff sleeps uniform(0, min(2^attempt * base, max)). A zero base
// returns immediately.
func (a *Allocator) backoff(ctx context.Context, attempt int) error {
	ceiling := min(a.opts.BackoffBase<<uint(attempt), a.opts.BackoffMax)
	if ceiling <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Float64() * float64(ceiling))

	select {
	case <-time.After(jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkForDeletion moves the track's sandbox to pending_deletion. Only
// the owning track may request teardown, and only while the sandbox is
// allocated.
func (a *Allocator) MarkForDeletion(ctx context.Context, sandboxID, trackID string) (*pool.Sandbox, error) {
	sb, err := a.markForDeletion(ctx, sandboxID, trackID)
	metrics.DeletionMarked.WithLabelValues(markOutcome(err)).Inc()
	return sb, err
}

func (a *Allocator) markForDeletion(ctx context.Context, sandboxID, trackID string) (*pool.Sandbox, error) {
	// A concurrent writer can bump the version between our read and
	// write; re-read and re-classify rather than failing the request.
	for attempt := 0; attempt < 3; attempt++ {
		sb, err := a.st.Get(ctx, sandboxID)
		if err != nil {
			return nil, err
		}
		if sb.Status != pool.StatusAllocated {
			return nil, fmt.Errorf("%w: status is %s", ErrWrongState, sb.Status)
		}
		if sb.AllocatedToTrack != trackID {
			return nil, ErrNotOwner
		}

		updated, err := a.st.UpdateIf(ctx, sandboxID, sb.Version, store.Patch{
			ExpectStatus:        store.Ptr(pool.StatusAllocated),
			Status:              store.Ptr(pool.StatusPendingDeletion),
			AllocatedToTrack:    store.Ptr(""),
			AllocatedAt:         store.Ptr(int64(0)),
			ExpiresAt:           store.Ptr(int64(0)),
			DeletionRequestedAt: store.Ptr(a.now().Unix()),
		})
		if err == nil {
			a.log.Info("sandbox marked for deletion",
				"sandbox_id", sandboxID,
				"track_id", trackID)
			return updated, nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return nil, err
	}
	return nil, store.ErrVersionConflict
}

func outcomeFor(res *Result, err error) string {
	switch {
	case err == nil && res.Idempotent:
		return "idempotent"
	case err == nil:
		return "allocated"
	case errors.Is(err, ErrNoCapacity):
		return "no_capacity"
	default:
		return "error"
	}
}

func markOutcome(err error) string {
	switch {
	case err == nil:
		return "marked"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	default:
		return "error"
	}
}
