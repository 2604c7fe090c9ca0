// Package reclaim runs the cleanup pass: it returns expired leases to
// the pool, flags teardowns that have been stuck too long, and drives
// pending deletions against the upstream provider.
package reclaim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"miren.dev/broker/metrics"
	"miren.dev/broker/pool"
	"miren.dev/broker/store"
	"miren.dev/broker/upstream"
)

// Options tune the cleanup pass.
type Options struct {
	// Interval between automatic runs.
	Interval time.Duration

	// DeletionTimeout is how long a sandbox may sit in
	// pending_deletion before it is declared failed.
	DeletionTimeout time.Duration

	// BatchSize bounds how many upstream deletes happen back to back;
	// BatchPause is the gap between batches. Zero pause disables the
	// throttle.
	BatchSize  int
	BatchPause time.Duration
}

// Result summarizes one cleanup run.
type Result struct {
	// ExpiredReclaimed counts leases returned to available.
	ExpiredReclaimed int `json:"expired_reclaimed"`

	// StuckMarked counts pending_deletion rows promoted to
	// deletion_failed after the timeout.
	StuckMarked int `json:"stuck_marked"`

	// Deleted counts upstream accounts torn down and pruned.
	Deleted int `json:"deleted"`

	// Failed counts teardown attempts the provider rejected; the rows
	// stay pending_deletion and retry next run.
	Failed int `json:"failed"`

	DurationMS int64 `json:"duration_ms"`
}

// Reclaimer owns the cleanup loop.
type Reclaimer struct {
	log  *slog.Logger
	st   store.Store
	up   upstream.Client
	opts Options

	group singleflight.Group
	now   func() time.Time
}

func New(log *slog.Logger, st store.Store, up upstream.Client, opts Options) *Reclaimer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &Reclaimer{
		log:  log.With("component", "reclaim"),
		st:   st,
		up:   up,
		opts: opts,
		now:  time.Now,
	}
}

// Run cleans up immediately, then on every interval tick until the
// context ends.
func (c *Reclaimer) Run(ctx context.Context) error {
	c.log.Info("cleanup loop started",
		"interval", c.opts.Interval,
		"deletion_timeout", c.opts.DeletionTimeout)

	if _, err := c.CleanupOnce(ctx); err != nil {
		c.log.Error("initial cleanup failed", "error", err)
	}

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("cleanup loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.CleanupOnce(ctx); err != nil {
				c.log.Error("cleanup failed", "error", err)
			}
		}
	}
}

// CleanupOnce runs a single cleanup pass. Concurrent callers share one
// run and its result.
func (c *Reclaimer) CleanupOnce(ctx context.Context) (*Result, error) {
	v, err, _ := c.group.Do("cleanup", func() (interface{}, error) {
		return c.cleanup(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Reclaimer) cleanup(ctx context.Context) (*Result, error) {
	start := c.now()
	res := &Result{}

	err := c.reclaimExpired(ctx, res)
	if err == nil {
		err = c.markStuck(ctx, res)
	}
	if err == nil {
		err = c.driveDeletions(ctx, res)
	}

	metrics.CleanupDuration.Observe(c.now().Sub(start).Seconds())
	if err != nil {
		metrics.CleanupTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	res.DurationMS = c.now().Sub(start).Milliseconds()
	metrics.CleanupTotal.WithLabelValues("success").Inc()

	c.refreshPoolGauges(ctx)

	c.log.Info("cleanup complete",
		"expired_reclaimed", res.ExpiredReclaimed,
		"stuck_marked", res.StuckMarked,
		"deleted", res.Deleted,
		"failed", res.Failed,
		"duration_ms", res.DurationMS)
	return res, nil
}

// reclaimExpired returns every lease past its expiry to the available
// pool. The sandbox is reused as-is; teardown only happens when a
// track asks for it.
func (c *Reclaimer) reclaimExpired(ctx context.Context, res *Result) error {
	rows, err := c.st.ScanByStatus(ctx, pool.StatusAllocated, 0)
	if err != nil {
		return err
	}

	now := c.now()
	for _, row := range rows {
		if !row.Expired(now) {
			continue
		}

		_, err := c.st.UpdateIf(ctx, row.SandboxID, row.Version, store.Patch{
			ExpectStatus:     store.Ptr(pool.StatusAllocated),
			Status:           store.Ptr(pool.StatusAvailable),
			AllocatedToTrack: store.Ptr(""),
			AllocatedAt:      store.Ptr(int64(0)),
			ExpiresAt:        store.Ptr(int64(0)),
		})
		switch {
		case err == nil:
			res.ExpiredReclaimed++
			metrics.CleanupExpiredReclaimed.Inc()
			c.log.Info("expired lease reclaimed",
				"sandbox_id", row.SandboxID,
				"track_id", row.AllocatedToTrack,
				"expired_at", row.ExpiresAt)
		case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrNotFound):
			// The owner marked it for deletion (or a peer reclaimed
			// it) between our scan and write.
		default:
			c.log.Error("failed to reclaim expired lease",
				"sandbox_id", row.SandboxID,
				"error", err)
		}
	}
	return nil
}

// markStuck promotes pending_deletion rows older than the timeout to
// deletion_failed so operators can see teardown is wedged.
func (c *Reclaimer) markStuck(ctx context.Context, res *Result) error {
	rows, err := c.st.ScanByStatus(ctx, pool.StatusPendingDeletion, 0)
	if err != nil {
		return err
	}

	now := c.now()
	for _, row := range rows {
		if !row.DeletionStuck(now, c.opts.DeletionTimeout) {
			continue
		}

		_, err := c.st.UpdateIf(ctx, row.SandboxID, row.Version, store.Patch{
			ExpectStatus: store.Ptr(pool.StatusPendingDeletion),
			Status:       store.Ptr(pool.StatusDeletionFailed),
		})
		switch {
		case err == nil:
			res.StuckMarked++
			metrics.CleanupStuck.Inc()
			c.log.Warn("deletion stuck past timeout",
				"sandbox_id", row.SandboxID,
				"external_id", row.ExternalID,
				"requested_at", row.DeletionRequestedAt)
		case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrNotFound):
		default:
			c.log.Error("failed to mark stuck deletion",
				"sandbox_id", row.SandboxID,
				"error", err)
		}
	}
	return nil
}

// driveDeletions tears down pending_deletion sandboxes upstream, in
// batches with a pause between them so the provider is not hammered.
// A failed teardown leaves the row pending for the next run.
func (c *Reclaimer) driveDeletions(ctx context.Context, res *Result) error {
	rows, err := c.st.ScanByStatus(ctx, pool.StatusPendingDeletion, 0)
	if err != nil {
		return err
	}

	for i, row := range rows {
		if i > 0 && i%c.opts.BatchSize == 0 && c.opts.BatchPause > 0 {
			select {
			case <-time.After(c.opts.BatchPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.up.DeleteAccount(ctx, row.ExternalID); err != nil {
			res.Failed++
			metrics.CleanupDeletions.WithLabelValues("failed").Inc()
			c.log.Error("upstream teardown failed",
				"sandbox_id", row.SandboxID,
				"external_id", row.ExternalID,
				"error", err)
			continue
		}

		err := c.st.DeleteIf(ctx, row.SandboxID, row.Version)
		switch {
		case err == nil:
			res.Deleted++
			metrics.CleanupDeletions.WithLabelValues("completed").Inc()
			c.log.Info("sandbox torn down",
				"sandbox_id", row.SandboxID,
				"external_id", row.ExternalID)
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrVersionConflict):
			// Sync pruned it first; the account is gone either way.
			res.Deleted++
		default:
			c.log.Error("failed to prune after teardown",
				"sandbox_id", row.SandboxID,
				"error", err)
		}
	}
	return nil
}

func (c *Reclaimer) refreshPoolGauges(ctx context.Context) {
	counts, err := c.st.CountByStatus(ctx)
	if err != nil {
		c.log.Debug("failed to refresh pool gauges", "error", err)
		return
	}
	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}
	metrics.SetPoolGauges(byName)
}
