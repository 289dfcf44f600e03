package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/wherefrom/wherefrom/internal/countries"
	"github.com/wherefrom/wherefrom/internal/platform/observability"
)

// checkResponse is the wire shape of GET /check and POST /add replies.
// Value is null for a stored absent answer.
type checkResponse struct {
	Username    string    `json:"username"`
	Value       *string   `json:"value"`
	Cached      bool      `json:"cached"`
	LastChecked time.Time `json:"last_checked"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// addRequest is the wire shape of POST /add.
type addRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

// Server is the shared remote cache service.
type Server struct {
	storage  Storage
	provider Provider
	cacheTTL time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Config holds server configuration.
type Config struct {
	Storage  Storage
	Provider Provider

	// CacheTTL is the freshness window for stored records (default 7d).
	CacheTTL time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &Server{
		storage:  cfg.Storage,
		provider: cfg.Provider,
		cacheTTL: cfg.CacheTTL,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/check", s.handleCheck)
	router.POST("/add", s.handleAdd)
	router.GET("/healthcheck", s.handleHealthcheck)
	return router
}

// handleCheck answers from a fresh stored record, or consults the
// provider, stores the outcome (present or absent), and answers with
// cached=false.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()

	username := strings.TrimSpace(r.URL.Query().Get("a"))
	if username == "" {
		s.writeError(ctx, w, "check", http.StatusBadRequest, "username must not be blank")
		return
	}
	normalized := strings.ToLower(username)
	now := s.now().UTC()

	rec, found, err := s.storage.Get(ctx, normalized)
	if err != nil {
		s.logger.LogError(ctx, "storage read failed", err, "key", normalized)
		s.writeError(ctx, w, "check", http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	if found && now.Sub(rec.FetchedAt) < s.cacheTTL {
		s.writeJSON(ctx, w, "check", http.StatusOK, checkResponse{
			Username:    username,
			Value:       valuePtr(rec.Value),
			Cached:      true,
			LastChecked: rec.FetchedAt,
			ExpiresAt:   rec.FetchedAt.Add(s.cacheTTL),
		})
		return
	}

	location, err := s.provider.Lookup(ctx, username)
	if err != nil {
		s.logger.LogError(ctx, "location lookup failed", err, "key", normalized)
		s.writeError(ctx, w, "check", http.StatusBadGateway, "location lookup failed")
		return
	}

	var canonical string
	if location != nil {
		c, ok := countries.Normalize(*location)
		if !ok {
			s.writeError(ctx, w, "check", http.StatusBadGateway, "location not in allowed country list")
			return
		}
		canonical = c
	}

	if err := s.storage.Put(ctx, normalized, Record{Value: canonical, FetchedAt: now}); err != nil {
		s.logger.LogError(ctx, "storage write failed", err, "key", normalized)
	}

	s.writeJSON(ctx, w, "check", http.StatusOK, checkResponse{
		Username:    username,
		Value:       valuePtr(canonical),
		Cached:      false,
		LastChecked: now,
		ExpiresAt:   now.Add(s.cacheTTL),
	})
}

// handleAdd accepts a write-back from a resolver.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()

	var req addRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(ctx, w, "add", http.StatusBadRequest, "invalid request body")
		return
	}

	username := strings.TrimSpace(req.Key)
	if username == "" {
		s.writeError(ctx, w, "add", http.StatusBadRequest, "username must not be blank")
		return
	}
	normalized := strings.ToLower(username)
	now := s.now().UTC()

	var canonical string
	if req.Value != "" {
		c, ok := countries.Normalize(req.Value)
		if !ok {
			s.writeError(ctx, w, "add", http.StatusUnprocessableEntity, "location must be one of the allowed country names")
			return
		}
		canonical = c
	}

	if err := s.storage.Put(ctx, normalized, Record{Value: canonical, FetchedAt: now}); err != nil {
		s.logger.LogError(ctx, "storage write failed", err, "key", normalized)
		s.writeError(ctx, w, "add", http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	s.writeJSON(ctx, w, "add", http.StatusCreated, checkResponse{
		Username:    username,
		Value:       valuePtr(canonical),
		Cached:      false,
		LastChecked: now,
		ExpiresAt:   now.Add(s.cacheTTL),
	})
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()

	if err := s.storage.Ping(ctx); err != nil {
		s.logger.LogError(ctx, "storage unreachable", err)
		s.writeJSON(ctx, w, "healthcheck", http.StatusServiceUnavailable, healthResponse{
			Status:  "degraded",
			Storage: "unavailable",
		})
		return
	}

	s.writeJSON(ctx, w, "healthcheck", http.StatusOK, healthResponse{
		Status:  "ok",
		Storage: "available",
	})
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, route string, status int, body any) {
	if s.metrics != nil {
		s.metrics.RecordServerRequest(ctx, route, status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.LogError(ctx, "failed to encode response", err, "route", route)
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, route string, status int, detail string) {
	s.writeJSON(ctx, w, route, status, errorResponse{Detail: detail})
}

// valuePtr maps an empty stored value to JSON null.
func valuePtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
