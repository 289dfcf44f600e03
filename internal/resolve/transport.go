package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wherefrom/wherefrom/internal/platform/observability"
)

// Response is the outcome of one transport call. A transport never
// returns a Go error: failures surface as OK=false with Status 0 for
// connection-level problems.
type Response struct {
	OK     bool
	Status int
	Data   []byte
}

// Transport carries requests to the shared remote cache.
type Transport interface {
	Call(ctx context.Context, method, path string, body any) Response
}

// HTTPTransport is the HTTP implementation of Transport, pointed at the
// cache server base URL.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	logger  *observability.Logger
}

// HTTPTransportConfig holds HTTPTransport configuration.
type HTTPTransportConfig struct {
	BaseURL string

	// Timeout bounds every call (default 5s).
	Timeout time.Duration

	Logger *observability.Logger
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &HTTPTransport{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// Call performs one request. body, when non-nil, is sent as JSON.
func (t *HTTPTransport) Call(ctx context.Context, method, path string, body any) Response {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.logger.LogWarn(ctx, "transport request encoding failed", "path", path, "error", err)
			return Response{}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		t.logger.LogWarn(ctx, "transport request build failed", "path", path, "error", err)
		return Response{}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.LogDebug(ctx, "transport call failed", "method", method, "path", path, "error", err)
		return Response{}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		t.logger.LogDebug(ctx, "transport body read failed", "path", path, "error", err)
		return Response{Status: resp.StatusCode}
	}

	return Response{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Data:   data,
	}
}
