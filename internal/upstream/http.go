// Package upstream implements the rate-limited authoritative source of
// locations behind the resolve.Fetcher boundary.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wherefrom/wherefrom/internal/platform/observability"
	"github.com/wherefrom/wherefrom/internal/platform/resilience"
	"github.com/wherefrom/wherefrom/internal/resolve"
)

// Client fetches a user's location from the upstream profile API. It is
// the only component allowed to talk to the authoritative source, and
// the only place retry and backoff apply.
type Client struct {
	client      *http.Client
	baseURL     string
	rateLimiter *resilience.RateLimiter
	retryCfg    resilience.RetryConfig
	cb          *resilience.CircuitBreaker
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// ClientConfig holds upstream client configuration.
type ClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RateLimitRPM   int
	RateLimitBurst int
	RetryConfig    resilience.RetryConfig
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

// profileResponse is the upstream profile payload. Only the location
// field matters here.
type profileResponse struct {
	Username string `json:"username"`
	Location string `json:"location"`
}

// fetchOutcome carries one HTTP attempt's classification through the
// retry layer.
type fetchOutcome struct {
	value       string
	found       bool
	rateLimited bool
	retryAfter  time.Duration
}

// NewClient creates an upstream client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.RateLimitRPM == 0 {
		cfg.RateLimitRPM = 60
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 5
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      0.2,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "upstream",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		OnStateChange: func(from, to resilience.State) {
			if cfg.Metrics != nil {
				cfg.Metrics.SetCircuitBreakerState(context.Background(), "upstream", int64(to))
			}
		},
	})

	return &Client{
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.BaseURL,
		rateLimiter: resilience.NewRateLimiterFromRPM(cfg.RateLimitRPM, cfg.RateLimitBurst),
		retryCfg:    cfg.RetryConfig,
		cb:          cb,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Fetch implements resolve.Fetcher. Transport and server failures read
// as absent; only a 429 reads as rate limited and only a client-side
// timeout reads as timed out.
func (c *Client) Fetch(ctx context.Context, key string) resolve.FetchResult {
	out, err := resilience.ExecuteWithResult(c.cb, ctx, func(ctx context.Context) (fetchOutcome, error) {
		return resilience.RetryWithResult(ctx, c.retryCfg, func(ctx context.Context) (fetchOutcome, error) {
			if err := c.rateLimiter.Wait(ctx); err != nil {
				return fetchOutcome{}, fmt.Errorf("rate limiter error: %w", err)
			}
			return c.fetchOnce(ctx, key)
		})
	})
	if err != nil {
		if isTimeout(err) {
			c.logger.LogWarn(ctx, "upstream fetch timed out", "key", key, "error", err)
			return resolve.FetchResult{TimedOut: true}
		}
		c.logger.LogWarn(ctx, "upstream fetch failed", "key", key, "error", err)
		return resolve.FetchResult{}
	}

	return resolve.FetchResult{
		Value:       out.value,
		Found:       out.found,
		RateLimited: out.rateLimited,
		RetryAfter:  out.retryAfter,
	}
}

// fetchOnce performs a single HTTP attempt. Definitive answers (200,
// 404, 429) return without error so the retry layer stops; transport
// failures and 5xx return an error and get retried.
func (c *Client) fetchOnce(ctx context.Context, key string) (fetchOutcome, error) {
	u := fmt.Sprintf("%s/profiles/%s", c.baseURL, url.PathEscape(key))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fetchOutcome{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fetchOutcome{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var profile profileResponse
		if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
			return fetchOutcome{}, fmt.Errorf("failed to decode response: %w", err)
		}
		if profile.Location == "" {
			return fetchOutcome{}, nil
		}
		return fetchOutcome{value: profile.Location, found: true}, nil

	case resp.StatusCode == http.StatusNotFound:
		return fetchOutcome{}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.LogWarn(ctx, "upstream rejected with 429", "key", key)
		return fetchOutcome{
			rateLimited: true,
			retryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
		}, nil

	default:
		return fetchOutcome{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
}

// CircuitBreakerState exposes the breaker state for health reporting.
func (c *Client) CircuitBreakerState() resilience.State {
	return c.cb.State()
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms. Zero
// means no usable hint; the queue then applies its default freeze.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
