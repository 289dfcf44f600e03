package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/wherefrom/wherefrom/internal/platform/observability"
	"github.com/wherefrom/wherefrom/internal/platform/resilience"
)

// Provider is the cache server's own view of the authoritative source,
// consulted on a stale or missing record. A nil location with a nil
// error is a definitive "no location"; an error means the source could
// not answer and the caller should fail the request.
type Provider interface {
	Lookup(ctx context.Context, username string) (*string, error)
}

// HTTPProvider implements Provider against the upstream profile API,
// guarded by a token bucket, retry, and a circuit breaker.
type HTTPProvider struct {
	client      *http.Client
	baseURL     string
	rateLimiter *resilience.RateLimiter
	retryCfg    resilience.RetryConfig
	cb          *resilience.CircuitBreaker
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// HTTPProviderConfig holds provider configuration.
type HTTPProviderConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RateLimitRPM   int
	RateLimitBurst int
	RetryConfig    resilience.RetryConfig
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

type providerResponse struct {
	Username string `json:"username"`
	Location string `json:"location"`
}

// NewHTTPProvider creates a provider.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.RateLimitRPM == 0 {
		cfg.RateLimitRPM = 30
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 3
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = resilience.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    time.Second,
			Jitter:      0.2,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "location-provider",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		OnStateChange: func(from, to resilience.State) {
			if cfg.Metrics != nil {
				cfg.Metrics.SetCircuitBreakerState(context.Background(), "location-provider", int64(to))
			}
		},
	})

	return &HTTPProvider{
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.BaseURL,
		rateLimiter: resilience.NewRateLimiterFromRPM(cfg.RateLimitRPM, cfg.RateLimitBurst),
		retryCfg:    cfg.RetryConfig,
		cb:          cb,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Lookup fetches the location for username.
func (p *HTTPProvider) Lookup(ctx context.Context, username string) (*string, error) {
	return resilience.ExecuteWithResult(p.cb, ctx, func(ctx context.Context) (*string, error) {
		return resilience.RetryIfWithResult(ctx, p.retryCfg, resilience.IsRetryable, func(ctx context.Context) (*string, error) {
			if err := p.rateLimiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter error: %w", err)
			}
			return p.lookupOnce(ctx, username)
		})
	})
}

func (p *HTTPProvider) lookupOnce(ctx context.Context, username string) (*string, error) {
	u := fmt.Sprintf("%s/profiles/%s", p.baseURL, url.PathEscape(username))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var profile providerResponse
		if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if profile.Location == "" {
			return nil, nil
		}
		return &profile.Location, nil

	case http.StatusNotFound:
		return nil, nil

	default:
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
}

// CircuitBreakerState exposes the breaker state for the healthcheck.
func (p *HTTPProvider) CircuitBreakerState() resilience.State {
	return p.cb.State()
}
