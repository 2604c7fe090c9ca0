package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Mock is the in-process provider used when no API token is
// configured. It starts with a fixed fleet of five accounts and
// remembers deletions, so dev pools behave like real ones.
type Mock struct {
	log *slog.Logger

	mu       sync.Mutex
	accounts map[string]Account
	deleted  map[string]bool
}

var _ Client = (*Mock)(nil)

func NewMock(log *slog.Logger) *Mock {
	m := &Mock{
		log:      log.With("component", "upstream-mock"),
		accounts: make(map[string]Account),
		deleted:  make(map[string]bool),
	}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("ext-eng-%d", i)
		m.accounts[id] = Account{
			ExternalID: id,
			Name:       fmt.Sprintf("eng-sandbox-%d", i),
			State:      "active",
			CreatedAt:  "2024-01-01T00:00:00Z",
		}
	}
	return m
}

func (m *Mock) ListAccounts(ctx context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (m *Mock) DeleteAccount(ctx context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[externalID]; !ok {
		// Matches the real provider: deleting a gone account is fine.
		m.log.Debug("mock delete of unknown account", "external_id", externalID)
		return nil
	}
	delete(m.accounts, externalID)
	m.deleted[externalID] = true
	m.log.Info("mock account deleted", "external_id", externalID)
	return nil
}

// Add injects an account, for tests that need upstream churn.
func (m *Mock) Add(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ExternalID] = a
	delete(m.deleted, a.ExternalID)
}

// Deleted reports whether the account was torn down through this mock.
func (m *Mock) Deleted(externalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[externalID]
}
