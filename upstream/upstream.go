// Package upstream talks to the cloud service provider that actually
// owns the sandbox accounts. The broker only ever lists accounts and
// deletes them; provisioning happens out of band.
package upstream

import (
	"context"
	"errors"
)

// ErrUpstream wraps any provider-side failure: non-2xx responses,
// transport errors, and an open circuit breaker. Handlers map it
// to 502.
var ErrUpstream = errors.New("upstream provider error")

// Account is one sandbox account as reported by the provider.
type Account struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// Client is the provider surface the broker needs.
type Client interface {
	// ListAccounts returns every sandbox account the provider knows
	// about. The result is the source of truth for sync.
	ListAccounts(ctx context.Context) ([]Account, error)

	// DeleteAccount tears down one account. Deleting an account the
	// provider no longer knows about succeeds: the desired state is
	// "gone" either way.
	DeleteAccount(ctx context.Context, externalID string) error
}
