package poolsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"miren.dev/broker/pkg/testutils"
	"miren.dev/broker/pool"
	"miren.dev/broker/store"
	"miren.dev/broker/store/memory"
	"miren.dev/broker/upstream"
)

func newReconciler(t *testing.T, st *memory.Store, up upstream.Client) *Reconciler {
	t.Helper()
	r := New(testutils.TestLogger(t), st, up, time.Minute)
	r.now = func() time.Time { return time.Unix(1700000500, 0) }
	return r
}

// TestSyncRegistersNewAccounts runs a first sync against the mock
// provider and checks the whole fleet lands as available rows.
func TestSyncRegistersNewAccounts(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	up := upstream.NewMock(testutils.TestLogger(t))

	r := newReconciler(t, st, up)

	res, err := r.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Synced)
	assert.Zero(t, res.Removed)
	assert.Zero(t, res.Orphaned)

	rows, err := st.ScanByStatus(ctx, pool.StatusAvailable, 0)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	for _, row := range rows {
		_, err := uuid.Parse(row.SandboxID)
		assert.NoError(t, err, "broker ids are uuids, not upstream ids")
		assert.Equal(t, int64(1), row.Version)
		assert.Equal(t, int64(1700000500), row.LastSeenAt)
		assert.NotEmpty(t, row.Name)
	}
}

// TestSyncIsStable verifies a second run with no upstream changes only
// refreshes bookkeeping and keeps ids stable.
func TestSyncIsStable(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	up := upstream.NewMock(testutils.TestLogger(t))

	r := newReconciler(t, st, up)

	_, err := r.SyncOnce(ctx)
	require.NoError(t, err)

	first, err := st.ScanByStatus(ctx, pool.StatusAvailable, 0)
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, row := range first {
		ids[row.SandboxID] = true
	}

	res, err := r.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Synced)
	assert.Equal(t, 5, res.Refreshed)

	second, err := st.ScanByStatus(ctx, pool.StatusAvailable, 0)
	require.NoError(t, err)
	require.Len(t, second, 5)
	for _, row := range second {
		assert.True(t, ids[row.SandboxID], "sync must not reissue ids")
		assert.Equal(t, int64(2), row.Version, "refresh writes bump the version")
	}
}

func TestSyncRefreshesNameWithoutTouchingLease(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	up := upstream.NewMock(testutils.TestLogger(t))

	r := newReconciler(t, st, up)
	_, err := r.SyncOnce(ctx)
	require.NoError(t, err)

	// Lease one sandbox, then rename its account upstream.
	rows, err := st.ScanByStatus(ctx, pool.StatusAvailable, 1)
	require.NoError(t, err)
	leased := rows[0]

	_, err = st.UpdateIf(ctx, leased.SandboxID, leased.Version, leasePatch("track-1"))
	require.NoError(t, err)

	up.Add(upstream.Account{ExternalID: leased.ExternalID, Name: "renamed-account", State: "active"})

	_, err = r.SyncOnce(ctx)
	require.NoError(t, err)

	got, err := st.Get(ctx, leased.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, "renamed-account", got.Name)
	assert.Equal(t, pool.StatusAllocated, got.Status, "sync never changes status")
	assert.Equal(t, "track-1", got.AllocatedToTrack)
}

// TestSyncPrunesMissingRows covers the removal rules: idle rows whose
// account vanished are dropped, pending_deletion rows count as
// completed teardown, and allocated rows are only reported.
func TestSyncPrunesMissingRows(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	up := upstream.NewMock(testutils.TestLogger(t))

	r := newReconciler(t, st, up)
	_, err := r.SyncOnce(ctx)
	require.NoError(t, err)

	rows, err := st.ScanByStatus(ctx, pool.StatusAvailable, 0)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	// ext-eng-1 stays available, ext-eng-2 goes pending_deletion,
	// ext-eng-3 gets allocated. All but the allocated one disappear
	// upstream along with ext-eng-4 and ext-eng-5.
	var pending, allocated *pool.Sandbox
	for _, row := range rows {
		switch row.ExternalID {
		case "ext-eng-2":
			pending = row
		case "ext-eng-3":
			allocated = row
		}
	}
	require.NotNil(t, pending)
	require.NotNil(t, allocated)

	_, err = st.UpdateIf(ctx, allocated.SandboxID, allocated.Version, leasePatch("track-3"))
	require.NoError(t, err)

	_, err = st.UpdateIf(ctx, pending.SandboxID, pending.Version, leasePatch("track-2"))
	require.NoError(t, err)
	_, err = st.UpdateIf(ctx, pending.SandboxID, pending.Version+1, releaseToPending())
	require.NoError(t, err)

	for _, ext := range []string{"ext-eng-1", "ext-eng-2", "ext-eng-3", "ext-eng-4", "ext-eng-5"} {
		if ext == "ext-eng-1" {
			continue
		}
		require.NoError(t, up.DeleteAccount(ctx, ext))
	}

	res, err := r.SyncOnce(ctx)
	require.NoError(t, err)

	// ext-eng-2 (pending) + ext-eng-4 + ext-eng-5 pruned; ext-eng-3
	// stays because it is allocated.
	assert.Equal(t, 3, res.Removed)
	assert.Equal(t, 1, res.Orphaned)

	_, err = st.Get(ctx, pending.SandboxID)
	assert.Error(t, err, "pending_deletion row should be pruned once upstream is gone")

	got, err := st.Get(ctx, allocated.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, pool.StatusAllocated, got.Status)
}

type failingUpstream struct{}

func (failingUpstream) ListAccounts(ctx context.Context) ([]upstream.Account, error) {
	return nil, errors.New("provider down")
}

func (failingUpstream) DeleteAccount(ctx context.Context, externalID string) error {
	return errors.New("provider down")
}

// TestSyncUpstreamFailureLeavesPoolUntouched: a failed listing must
// abort the run before any prune decision is made.
func TestSyncUpstreamFailureLeavesPoolUntouched(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	up := upstream.NewMock(testutils.TestLogger(t))

	r := newReconciler(t, st, up)
	_, err := r.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, st.Len())

	r2 := newReconciler(t, st, failingUpstream{})
	_, err = r2.SyncOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 5, st.Len(), "a failed sync must not prune anything")
}

func TestSyncSkipsDuplicateUpstreamAccounts(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	up := &staticUpstream{accounts: []upstream.Account{
		{ExternalID: "ext-1", Name: "one", State: "active"},
		{ExternalID: "ext-1", Name: "one-again", State: "active"},
		{ExternalID: "", Name: "broken"},
	}}

	r := newReconciler(t, st, up)
	res, err := r.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, st.Len())
}

type staticUpstream struct {
	accounts []upstream.Account
}

func (s *staticUpstream) ListAccounts(ctx context.Context) ([]upstream.Account, error) {
	return s.accounts, nil
}

func (s *staticUpstream) DeleteAccount(ctx context.Context, externalID string) error {
	return nil
}

func leasePatch(track string) store.Patch {
	return store.Patch{
		ExpectStatus:     store.Ptr(pool.StatusAvailable),
		Status:           store.Ptr(pool.StatusAllocated),
		AllocatedToTrack: store.Ptr(track),
		AllocatedAt:      store.Ptr(int64(1700000100)),
		ExpiresAt:        store.Ptr(int64(1700014500)),
	}
}

func releaseToPending() store.Patch {
	return store.Patch{
		ExpectStatus:        store.Ptr(pool.StatusAllocated),
		Status:              store.Ptr(pool.StatusPendingDeletion),
		AllocatedToTrack:    store.Ptr(""),
		AllocatedAt:         store.Ptr(int64(0)),
		ExpiresAt:           store.Ptr(int64(0)),
		DeletionRequestedAt: store.Ptr(int64(1700000200)),
	}
}
