package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"miren.dev/broker/metrics"
)

const (
	requestTimeout = 15 * time.Second

	// The breaker opens after this many consecutive failures and
	// probes again after the reset timeout.
	breakerFailureThreshold = 5
	breakerResetTimeout     = 60 * time.Second
)

// HTTPClient calls the provider's REST API. A circuit breaker guards
// every call so a dead provider fails fast instead of holding request
// goroutines for the full timeout.
type HTTPClient struct {
	log     *slog.Logger
	client  *http.Client
	baseURL string
	token   string
	breaker *gobreaker.CircuitBreaker
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client for the given API base URL. The token
// is sent as a bearer credential on every request.
func NewHTTPClient(log *slog.Logger, baseURL, token string) *HTTPClient {
	log = log.With("component", "upstream-client")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "csp-api",
		Timeout: breakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &HTTPClient{
		log:     log,
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		breaker: breaker,
	}
}

type listResponse struct {
	Sandboxes []Account `json:"sandboxes"`
}

func (c *HTTPClient) ListAccounts(ctx context.Context) ([]Account, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.listAccounts(ctx)
	})
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("list", "error").Inc()
		return nil, breakerErr(err)
	}

	metrics.UpstreamRequests.WithLabelValues("list", "success").Inc()
	return out.([]Account), nil
}

func (c *HTTPClient) listAccounts(ctx context.Context) ([]Account, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/sandbox/accounts")
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list accounts: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("list accounts", resp)
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode account list: %v", ErrUpstream, err)
	}
	return body.Sandboxes, nil
}

func (c *HTTPClient) DeleteAccount(ctx context.Context, externalID string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.deleteAccount(ctx, externalID)
	})
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("delete", "error").Inc()
		return breakerErr(err)
	}

	metrics.UpstreamRequests.WithLabelValues("delete", "success").Inc()
	return nil
}

func (c *HTTPClient) deleteAccount(ctx context.Context, externalID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/sandbox/accounts/"+url.PathEscape(externalID))
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete account: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	// 404 means the account is already gone, which is the state we
	// were asked to reach.
	if resp.StatusCode == http.StatusNotFound {
		c.log.Debug("account already absent upstream", "external_id", externalID)
		return nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return statusErr("delete account", resp)
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func statusErr(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("%w: %s: status %d: %s", ErrUpstream, op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// breakerErr normalizes breaker rejections into ErrUpstream so callers
// see one error family.
func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open", ErrUpstream)
	}
	return err
}
