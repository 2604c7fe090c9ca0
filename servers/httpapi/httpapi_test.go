package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"miren.dev/broker/alloc"
	"miren.dev/broker/controllers/poolsync"
	"miren.dev/broker/controllers/reclaim"
	"miren.dev/broker/pkg/testutils"
	"miren.dev/broker/pool"
	"miren.dev/broker/service"
	"miren.dev/broker/store/memory"
	"miren.dev/broker/upstream"
)

func newTestServer(t *testing.T, opts Options) (*Server, *memory.Store, *upstream.Mock) {
	t.Helper()
	log := testutils.TestLogger(t)
	st := memory.New()
	up := upstream.NewMock(log)

	allocator := alloc.New(log, st, alloc.Options{
		Candidates:    15,
		LeaseDuration: 4 * time.Hour,
	})
	syncer := poolsync.New(log, st, up, 5*time.Minute)
	reclaimer := reclaim.New(log, st, up, reclaim.Options{
		Interval:        time.Minute,
		DeletionTimeout: time.Hour,
		BatchSize:       10,
	})
	broker := service.New(log, st, allocator, syncer, reclaimer)

	return NewServer(log, broker, opts), st, up
}

func seedSandbox(t *testing.T, st *memory.Store, id string, status pool.Status) *pool.Sandbox {
	t.Helper()
	sb := &pool.Sandbox{
		SandboxID:  id,
		ExternalID: "ext-" + id,
		Name:       "eng-sandbox-" + id,
		Status:     status,
		LastSeenAt: 1700000000,
		Version:    1,
	}
	switch status {
	case pool.StatusAllocated:
		sb.AllocatedToTrack = "track-owner"
		sb.AllocatedAt = 1700000000
		sb.ExpiresAt = 1700014400
	case pool.StatusPendingDeletion, pool.StatusDeletionFailed:
		sb.DeletionRequestedAt = 1700000000
	}
	require.NoError(t, st.PutIfAbsent(context.Background(), sb))
	return sb
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := ts.Client().Do(req)
	require.NoError(t, err)
	return res
}

func decodeJSON(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(out))
}

func TestAllocateLifecycle(t *testing.T) {
	s, st, _ := newTestServer(t, Options{})
	for i := 0; i < 3; i++ {
		seedSandbox(t, st, fmt.Sprintf("sb-%d", i), pool.StatusAvailable)
	}

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	track := map[string]string{"X-Track-ID": "track-1"}

	res := doRequest(t, ts, http.MethodPost, "/v1/allocate", track)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("X-Request-ID"))

	var first pool.Sandbox
	decodeJSON(t, res, &first)
	assert.Equal(t, pool.StatusAllocated, first.Status)
	assert.Equal(t, "track-1", first.AllocatedToTrack)

	// Replaying the request hands back the same lease with 200.
	res = doRequest(t, ts, http.MethodPost, "/v1/allocate", track)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var again pool.Sandbox
	decodeJSON(t, res, &again)
	assert.Equal(t, first.SandboxID, again.SandboxID)

	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[pool.StatusAvailable], "replay must not drain the pool")
}

func TestAllocateRequiresTrackHeader(t *testing.T) {
	s, st, _ := newTestServer(t, Options{})
	seedSandbox(t, st, "sb-1", pool.StatusAvailable)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res := doRequest(t, ts, http.MethodPost, "/v1/allocate", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body errorResponse
	decodeJSON(t, res, &body)
	assert.Equal(t, "bad_request", body.Error)
	assert.Equal(t, res.Header.Get("X-Request-ID"), body.RequestID)
}

func TestAllocateNoCapacity(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res := doRequest(t, ts, http.MethodPost, "/v1/allocate", map[string]string{"X-Track-ID": "track-1"})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "30", res.Header.Get("Retry-After"))

	var body errorResponse
	decodeJSON(t, res, &body)
	assert.Equal(t, "no_capacity", body.Error)
}

func TestGetSandbox(t *testing.T) {
	s, st, _ := newTestServer(t, Options{})
	seedSandbox(t, st, "sb-1", pool.StatusAvailable)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res := doRequest(t, ts, http.MethodGet, "/v1/sandboxes/sb-1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var sb pool.Sandbox
	decodeJSON(t, res, &sb)
	assert.Equal(t, "sb-1", sb.SandboxID)

	res = doRequest(t, ts, http.MethodGet, "/v1/sandboxes/missing", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	var body errorResponse
	decodeJSON(t, res, &body)
	assert.Equal(t, "not_found", body.Error)
	assert.NotEmpty(t, body.RequestID)
}

func TestMarkForDeletion(t *testing.T) {
	s, st, _ := newTestServer(t, Options{})
	seedSandbox(t, st, "leased", pool.StatusAllocated)
	seedSandbox(t, st, "idle", pool.StatusAvailable)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// A stranger cannot release someone else's lease.
	res := doRequest(t, ts, http.MethodPost, "/v1/sandboxes/leased/mark-for-deletion",
		map[string]string{"X-Track-ID": "track-stranger"})
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	var body errorResponse
	decodeJSON(t, res, &body)
	assert.Equal(t, "not_owner", body.Error)

	// An idle sandbox has no lease to release.
	res = doRequest(t, ts, http.MethodPost, "/v1/sandboxes/idle/mark-for-deletion",
		map[string]string{"X-Track-ID": "track-owner"})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	decodeJSON(t, res, &body)
	assert.Equal(t, "wrong_state", body.Error)

	// The owner succeeds.
	res = doRequest(t, ts, http.MethodPost, "/v1/sandboxes/leased/mark-for-deletion",
		map[string]string{"X-Track-ID": "track-owner"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	var sb pool.Sandbox
	decodeJSON(t, res, &sb)
	assert.Equal(t, pool.StatusPendingDeletion, sb.Status)
	assert.Empty(t, sb.AllocatedToTrack)

	res = doRequest(t, ts, http.MethodGet, "/v1/sandboxes/missing", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestAdminSyncAndStats(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res := doRequest(t, ts, http.MethodPost, "/v1/admin/sync", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var sync poolsync.Result
	decodeJSON(t, res, &sync)
	assert.Equal(t, 5, sync.Synced, "mock upstream ships five accounts")

	res = doRequest(t, ts, http.MethodGet, "/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var stats service.Stats
	decodeJSON(t, res, &stats)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 5, stats.Available)
}

func TestAdminListSandboxes(t *testing.T) {
	s, st, _ := newTestServer(t, Options{})
	for i := 0; i < 5; i++ {
		seedSandbox(t, st, fmt.Sprintf("sb-%d", i), pool.StatusAvailable)
	}
	seedSandbox(t, st, "leased", pool.StatusAllocated)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res := doRequest(t, ts, http.MethodGet, "/v1/admin/sandboxes?limit=4", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var page listResponse
	decodeJSON(t, res, &page)
	require.Len(t, page.Sandboxes, 4)
	require.NotEmpty(t, page.NextCursor)

	res = doRequest(t, ts, http.MethodGet, "/v1/admin/sandboxes?limit=4&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	decodeJSON(t, res, &page)
	assert.Len(t, page.Sandboxes, 2)
	assert.Empty(t, page.NextCursor)

	// Filtered by status.
	res = doRequest(t, ts, http.MethodGet, "/v1/admin/sandboxes?status=allocated", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	decodeJSON(t, res, &page)
	require.Len(t, page.Sandboxes, 1)
	assert.Equal(t, "leased", page.Sandboxes[0].SandboxID)

	res = doRequest(t, ts, http.MethodGet, "/v1/admin/sandboxes?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()

	res = doRequest(t, ts, http.MethodGet, "/v1/admin/sandboxes?cursor=garbage!!", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body errorResponse
	decodeJSON(t, res, &body)
	assert.Equal(t, "bad_request", body.Error)
}

func TestAdminCleanup(t *testing.T) {
	s, st, up := newTestServer(t, Options{})
	sb := seedSandbox(t, st, "doomed", pool.StatusPendingDeletion)
	up.Add(upstream.Account{ExternalID: sb.ExternalID, Name: sb.Name, State: "active"})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res := doRequest(t, ts, http.MethodPost, "/v1/admin/cleanup", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var result reclaim.Result
	decodeJSON(t, res, &result)
	assert.Equal(t, 1, result.Deleted)
	assert.True(t, up.Deleted(sb.ExternalID))
}

func TestAdminBulkDelete(t *testing.T) {
	s, st, _ := newTestServer(t, Options{})
	seedSandbox(t, st, "stale-1", pool.StatusStale)
	seedSandbox(t, st, "stale-2", pool.StatusStale)
	seedSandbox(t, st, "leased", pool.StatusAllocated)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res := doRequest(t, ts, http.MethodPost, "/v1/admin/bulk-delete?status=stale", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var result service.BulkDeleteResult
	decodeJSON(t, res, &result)
	assert.Equal(t, 2, result.Deleted)

	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, counts[pool.StatusStale])
	assert.Equal(t, 1, counts[pool.StatusAllocated], "allocated rows survive a purge")
}

func TestHealthAndReadiness(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res := doRequest(t, ts, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res = doRequest(t, ts, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]string
	decodeJSON(t, res, &body)
	assert.Equal(t, "ready", body["status"])
}
