// Package poolsync reconciles the pool table against the upstream
// provider's account list. Upstream is the source of truth for which
// accounts exist; the broker owns their lease state.
package poolsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"miren.dev/broker/metrics"
	"miren.dev/broker/pool"
	"miren.dev/broker/store"
	"miren.dev/broker/upstream"
)

// Result summarizes one sync run.
type Result struct {
	// Synced is the number of new upstream accounts registered.
	Synced int `json:"synced"`

	// Refreshed is the number of existing rows whose name or
	// last_seen_at was updated.
	Refreshed int `json:"refreshed"`

	// Removed is the number of rows pruned because their account
	// disappeared upstream.
	Removed int `json:"removed"`

	// Orphaned is the number of allocated rows whose account is gone
	// upstream. They are reported, never pruned: the lease is live.
	Orphaned int `json:"orphaned"`

	DurationMS int64 `json:"duration_ms"`
}

// Reconciler runs the sync loop.
type Reconciler struct {
	log      *slog.Logger
	st       store.Store
	up       upstream.Client
	interval time.Duration

	// group collapses concurrent sync triggers (ticker plus the admin
	// endpoint) into a single run.
	group singleflight.Group

	now func() time.Time
}

func New(log *slog.Logger, st store.Store, up upstream.Client, interval time.Duration) *Reconciler {
	return &Reconciler{
		log:      log.With("component", "poolsync"),
		st:       st,
		up:       up,
		interval: interval,
		now:      time.Now,
	}
}

// Run syncs immediately, then on every interval tick until the context
// ends.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("sync loop started", "interval", r.interval)

	if _, err := r.SyncOnce(ctx); err != nil {
		r.log.Error("initial sync failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("sync loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.SyncOnce(ctx); err != nil {
				r.log.Error("sync failed", "error", err)
			}
		}
	}
}

// SyncOnce runs a single reconciliation. Concurrent callers share one
// run and its result.
func (r *Reconciler) SyncOnce(ctx context.Context) (*Result, error) {
	v, err, shared := r.group.Do("sync", func() (interface{}, error) {
		return r.sync(ctx)
	})
	if shared {
		r.log.Debug("sync request coalesced into running sync")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (r *Reconciler) sync(ctx context.Context) (*Result, error) {
	start := r.now()

	res, err := r.reconcile(ctx)
	if err != nil {
		metrics.SyncTotal.WithLabelValues("error").Inc()
		metrics.SyncDuration.Observe(r.now().Sub(start).Seconds())
		return nil, err
	}

	res.DurationMS = r.now().Sub(start).Milliseconds()
	metrics.SyncTotal.WithLabelValues("success").Inc()
	metrics.SyncInserted.Add(float64(res.Synced))
	metrics.SyncRemoved.Add(float64(res.Removed))
	metrics.SyncOrphaned.Set(float64(res.Orphaned))
	metrics.SyncDuration.Observe(r.now().Sub(start).Seconds())

	r.refreshPoolGauges(ctx)

	r.log.Info("sync complete",
		"synced", res.Synced,
		"refreshed", res.Refreshed,
		"removed", res.Removed,
		"orphaned", res.Orphaned,
		"duration_ms", res.DurationMS)
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context) (*Result, error) {
	accounts, err := r.up.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list upstream accounts: %w", err)
	}

	rows, err := r.allRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pool: %w", err)
	}

	byExternal := make(map[string]*pool.Sandbox, len(rows))
	for _, row := range rows {
		byExternal[row.ExternalID] = row
	}

	res := &Result{}
	now := r.now().Unix()
	seen := make(map[string]bool, len(accounts))

	for _, acct := range accounts {
		if acct.ExternalID == "" {
			r.log.Warn("upstream account without external id, skipping", "name", acct.Name)
			continue
		}
		if seen[acct.ExternalID] {
			r.log.Warn("duplicate upstream account, skipping", "external_id", acct.ExternalID)
			continue
		}
		seen[acct.ExternalID] = true

		if acct.State != "" && acct.State != "active" {
			r.log.Debug("upstream account not active",
				"external_id", acct.ExternalID,
				"state", acct.State)
		}

		row, ok := byExternal[acct.ExternalID]
		if !ok {
			if err := r.register(ctx, acct, now); err != nil {
				r.log.Error("failed to register account",
					"external_id", acct.ExternalID,
					"error", err)
				continue
			}
			res.Synced++
			continue
		}

		if err := r.refresh(ctx, row, acct, now); err != nil {
			// Lost a race with another writer; the next sync catches up.
			r.log.Debug("refresh skipped",
				"sandbox_id", row.SandboxID,
				"error", err)
			continue
		}
		res.Refreshed++
	}

	for _, row := range rows {
		if seen[row.ExternalID] {
			continue
		}
		r.pruneMissing(ctx, row, res)
	}

	return res, nil
}

// register inserts a newly discovered account as an available sandbox
// with a fresh broker id.
func (r *Reconciler) register(ctx context.Context, acct upstream.Account, now int64) error {
	sb := &pool.Sandbox{
		SandboxID:  uuid.NewString(),
		ExternalID: acct.ExternalID,
		Name:       acct.Name,
		Status:     pool.StatusAvailable,
		LastSeenAt: now,
		Version:    1,
	}
	err := r.st.PutIfAbsent(ctx, sb)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Another replica registered it between our scan and now.
		return nil
	}
	if err != nil {
		return err
	}

	r.log.Info("registered new sandbox",
		"sandbox_id", sb.SandboxID,
		"external_id", sb.ExternalID,
		"name", sb.Name)
	return nil
}

// refresh updates bookkeeping fields on a row that is still present
// upstream. Status and lease fields are never touched here.
func (r *Reconciler) refresh(ctx context.Context, row *pool.Sandbox, acct upstream.Account, now int64) error {
	patch := store.Patch{LastSeenAt: store.Ptr(now)}
	if acct.Name != "" && acct.Name != row.Name {
		patch.Name = store.Ptr(acct.Name)
	}
	_, err := r.st.UpdateIf(ctx, row.SandboxID, row.Version, patch)
	return err
}

// pruneMissing handles a row whose upstream account no longer exists.
// Idle rows are dropped; an allocated row is left alone and reported,
// because a track is still working in it.
func (r *Reconciler) pruneMissing(ctx context.Context, row *pool.Sandbox, res *Result) {
	if row.Status == pool.StatusAllocated {
		res.Orphaned++
		r.log.Warn("allocated sandbox vanished upstream",
			"sandbox_id", row.SandboxID,
			"external_id", row.ExternalID,
			"track_id", row.AllocatedToTrack)
		return
	}

	err := r.st.DeleteIf(ctx, row.SandboxID, row.Version)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrVersionConflict):
		// Someone else already moved or removed it.
		return
	default:
		r.log.Error("failed to prune sandbox",
			"sandbox_id", row.SandboxID,
			"error", err)
		return
	}

	res.Removed++
	if row.Status == pool.StatusPendingDeletion {
		// Teardown was requested and the account is gone: done.
		metrics.CleanupDeletions.WithLabelValues("completed").Inc()
	}
	r.log.Info("pruned sandbox missing upstream",
		"sandbox_id", row.SandboxID,
		"external_id", row.ExternalID,
		"status", row.Status)
}

func (r *Reconciler) allRows(ctx context.Context) ([]*pool.Sandbox, error) {
	var rows []*pool.Sandbox
	cursor := ""
	for {
		page, err := r.st.Scan(ctx, nil, cursor, 0)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page.Items...)
		if page.Cursor == "" {
			return rows, nil
		}
		cursor = page.Cursor
	}
}

func (r *Reconciler) refreshPoolGauges(ctx context.Context) {
	counts, err := r.st.CountByStatus(ctx)
	if err != nil {
		r.log.Debug("failed to refresh pool gauges", "error", err)
		return
	}
	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}
	metrics.SetPoolGauges(byName)
}
