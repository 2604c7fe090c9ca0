// Package service is the broker façade: one type that the HTTP layer
// and CLI commands call into, wiring the allocator, the background
// reconcilers, and the store behind a small API.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"miren.dev/broker/alloc"
	"miren.dev/broker/controllers/poolsync"
	"miren.dev/broker/controllers/reclaim"
	"miren.dev/broker/metrics"
	"miren.dev/broker/pool"
	"miren.dev/broker/store"
)

const (
	// allocateTimeout bounds one allocation end to end, including all
	// claim attempts and backoff sleeps.
	allocateTimeout = 10 * time.Second

	// statsTTL is how long a stats snapshot is served from cache.
	statsTTL = 60 * time.Second

	defaultListLimit = 50
	maxListLimit     = 100
)

// Stats is the pool census returned by the admin stats endpoint.
type Stats struct {
	Total           int `json:"total"`
	Available       int `json:"available"`
	Allocated       int `json:"allocated"`
	PendingDeletion int `json:"pending_deletion"`
	DeletionFailed  int `json:"deletion_failed"`
	Stale           int `json:"stale"`
}

// BulkDeleteResult reports a store-only purge.
type BulkDeleteResult struct {
	// Deleted counts rows removed from the store. Upstream accounts
	// are not touched; sync re-registers anything still alive.
	Deleted int `json:"deleted"`

	// Skipped counts rows left alone: allocated rows and rows that
	// changed under us.
	Skipped int `json:"skipped"`

	DurationMS int64 `json:"duration_ms"`
}

// Broker bundles every operation the API surface exposes.
type Broker struct {
	log       *slog.Logger
	st        store.Store
	allocator *alloc.Allocator
	syncer    *poolsync.Reconciler
	reclaimer *reclaim.Reclaimer

	statsCache *expirable.LRU[string, Stats]
	now        func() time.Time
}

func New(log *slog.Logger, st store.Store, allocator *alloc.Allocator, syncer *poolsync.Reconciler, reclaimer *reclaim.Reclaimer) *Broker {
	return &Broker{
		log:        log.With("component", "broker"),
		st:         st,
		allocator:  allocator,
		syncer:     syncer,
		reclaimer:  reclaimer,
		statsCache: expirable.NewLRU[string, Stats](1, nil, statsTTL),
		now:        time.Now,
	}
}

// Allocate leases a sandbox to the track, bounded by the allocation
// deadline.
func (b *Broker) Allocate(ctx context.Context, trackID string) (*alloc.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, allocateTimeout)
	defer cancel()
	return b.allocator.Allocate(ctx, trackID)
}

// MarkForDeletion asks for teardown of the track's sandbox.
func (b *Broker) MarkForDeletion(ctx context.Context, sandboxID, trackID string) (*pool.Sandbox, error) {
	return b.allocator.MarkForDeletion(ctx, sandboxID, trackID)
}

// Get fetches one sandbox by id.
func (b *Broker) Get(ctx context.Context, sandboxID string) (*pool.Sandbox, error) {
	return b.st.Get(ctx, sandboxID)
}

// List pages through the pool, optionally filtered by status. The
// limit is clamped to [1, 100]; zero means the default page size.
func (b *Broker) List(ctx context.Context, status *pool.Status, cursor string, limit int) (*store.Page, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return b.st.Scan(ctx, status, cursor, limit)
}

// Stats returns the pool census, cached for a minute. Every refresh
// also updates the pool gauges.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	if s, ok := b.statsCache.Get("stats"); ok {
		return s, nil
	}

	counts, err := b.st.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Total:           counts.Total(),
		Available:       counts[pool.StatusAvailable],
		Allocated:       counts[pool.StatusAllocated],
		PendingDeletion: counts[pool.StatusPendingDeletion],
		DeletionFailed:  counts[pool.StatusDeletionFailed],
		Stale:           counts[pool.StatusStale],
	}
	b.statsCache.Add("stats", s)

	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}
	metrics.SetPoolGauges(byName)

	return s, nil
}

// TriggerSync runs one reconciliation against the upstream provider.
func (b *Broker) TriggerSync(ctx context.Context) (*poolsync.Result, error) {
	res, err := b.syncer.SyncOnce(ctx)
	if err == nil {
		b.statsCache.Remove("stats")
	}
	return res, err
}

// TriggerCleanup runs one cleanup pass.
func (b *Broker) TriggerCleanup(ctx context.Context) (*reclaim.Result, error) {
	res, err := b.reclaimer.CleanupOnce(ctx)
	if err == nil {
		b.statsCache.Remove("stats")
	}
	return res, err
}

// BulkDelete purges rows from the store by status. Allocated rows are
// never removed. When status is nil everything removable goes, which
// exists for resetting dev pools.
func (b *Broker) BulkDelete(ctx context.Context, status *pool.Status) (*BulkDeleteResult, error) {
	start := b.now()
	res := &BulkDeleteResult{}

	cursor := ""
	for {
		page, err := b.st.Scan(ctx, status, cursor, 0)
		if err != nil {
			return nil, err
		}

		for _, row := range page.Items {
			if !pool.CanRemove(row.Status) {
				res.Skipped++
				continue
			}
			if err := b.st.DeleteIf(ctx, row.SandboxID, row.Version); err != nil {
				res.Skipped++
				continue
			}
			res.Deleted++
		}

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	b.statsCache.Remove("stats")
	res.DurationMS = b.now().Sub(start).Milliseconds()

	b.log.Info("bulk delete finished",
		"status", statusLabel(status),
		"deleted", res.Deleted,
		"skipped", res.Skipped)
	return res, nil
}

// Ready reports whether the store can serve traffic.
func (b *Broker) Ready(ctx context.Context) error {
	return b.st.Ping(ctx)
}

func statusLabel(status *pool.Status) string {
	if status == nil {
		return "all"
	}
	return string(*status)
}
