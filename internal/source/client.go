// Package source implements the rate-limited client for the sports data API.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the source API client.
type ClientConfig struct {
	// BaseURL is the base URL for all requests.
	BaseURL string

	// Auth configures authentication.
	Auth AuthConfig

	// Timeout for individual requests (default: 120s).
	Timeout time.Duration

	// Retry is the retry policy applied to every request.
	Retry RetryPolicy

	// Pacing is the minimum spacing between requests to the source origin
	// (default: 200ms). The limiter built from it is shared by every worker
	// using this client, because the provider's limit is global.
	Pacing time.Duration

	// UserAgent string (default: "ingest-core/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// DefaultClientConfig returns a client config matching the provider's limits.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:   120 * time.Second,
		Retry:     DefaultRetryPolicy(),
		Pacing:    200 * time.Millisecond,
		UserAgent: "ingest-core/1.0",
		Auth:      NoAuth{},
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a rate-limited, retry-capable client for the source API.
// It is safe for concurrent use; the pacing limiter is shared.
type Client struct {
	config      *ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewClient creates a source API client.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.Pacing <= 0 {
		config.Pacing = 200 * time.Millisecond
	}
	if config.UserAgent == "" {
		config.UserAgent = "ingest-core/1.0"
	}
	if config.Auth == nil {
		config.Auth = NoAuth{}
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Every(config.Pacing), 1),
	}
}

// Records fetches an endpoint expected to return a JSON array of records.
// The request is paced, retried per the policy, and decoded into loose maps.
func (c *Client) Records(ctx context.Context, path string, query url.Values) ([]map[string]any, error) {
	var records []map[string]any

	err := c.config.Retry.Execute(ctx, func(ctx context.Context) error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		body, err := c.doOnce(ctx, path, query)
		if err != nil {
			return classify(err)
		}
		records = records[:0]
		if err := json.Unmarshal(body, &records); err != nil {
			return wrapError(CodeBadPayload, false, fmt.Errorf("expected record array: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// doOnce executes a single GET attempt.
func (c *Client) doOnce(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	c.config.Auth.Apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}
