package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"miren.dev/broker/pkg/testutils"
)

func TestListAccounts(t *testing.T) {
	ctx := context.Background()
	log := testutils.TestLogger(t)

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/sandbox/accounts", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sandboxes":[
			{"external_id":"ext-1","name":"sb-1","state":"active","created_at":"2024-01-01T00:00:00Z"},
			{"external_id":"ext-2","name":"sb-2","state":"active"}
		]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(log, srv.URL, "sekrit")

	accounts, err := c.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "ext-1", accounts[0].ExternalID)
	assert.Equal(t, "sb-2", accounts[1].Name)
	assert.Equal(t, "Bearer sekrit", gotAuth)
}

func TestListAccountsUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	log := testutils.TestLogger(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(log, srv.URL, "sekrit")

	_, err := c.ListAccounts(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestDeleteAccount(t *testing.T) {
	ctx := context.Background()
	log := testutils.TestLogger(t)

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(log, srv.URL, "sekrit")

	require.NoError(t, c.DeleteAccount(ctx, "ext-1"))
	assert.Equal(t, "/sandbox/accounts/ext-1", gotPath)
}

// TestDeleteAccountGoneAlready checks that a 404 from the provider
// counts as success: the account is gone, which is what we wanted.
func TestDeleteAccountGoneAlready(t *testing.T) {
	ctx := context.Background()
	log := testutils.TestLogger(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewHTTPClient(log, srv.URL, "sekrit")
	assert.NoError(t, c.DeleteAccount(ctx, "ext-gone"))
}

func TestDeleteAccountServerError(t *testing.T) {
	ctx := context.Background()
	log := testutils.TestLogger(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(log, srv.URL, "sekrit")
	err := c.DeleteAccount(ctx, "ext-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
}

// TestBreakerOpensAfterConsecutiveFailures drives the client into the
// open state and checks that calls then fail fast without reaching the
// provider.
func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	log := testutils.TestLogger(t)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(log, srv.URL, "sekrit")

	for i := 0; i < breakerFailureThreshold; i++ {
		_, err := c.ListAccounts(ctx)
		require.Error(t, err)
	}
	require.Equal(t, breakerFailureThreshold, hits)

	// Breaker is open now: the next call never hits the server.
	_, err := c.ListAccounts(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, breakerFailureThreshold, hits, "open breaker must not forward requests")
}

func TestMockFixtureAndDeletes(t *testing.T) {
	ctx := context.Background()
	log := testutils.TestLogger(t)

	m := NewMock(log)

	accounts, err := m.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 5)
	assert.Equal(t, "ext-eng-1", accounts[0].ExternalID)
	assert.Equal(t, "eng-sandbox-1", accounts[0].Name)
	assert.Equal(t, "active", accounts[0].State)

	require.NoError(t, m.DeleteAccount(ctx, "ext-eng-3"))
	assert.True(t, m.Deleted("ext-eng-3"))

	accounts, err = m.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 4)

	// Double delete stays successful.
	require.NoError(t, m.DeleteAccount(ctx, "ext-eng-3"))

	m.Add(Account{ExternalID: "ext-new", Name: "fresh", State: "active"})
	accounts, err = m.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 5)
}
