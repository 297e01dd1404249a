// Package server exposes health, metrics and the authorization webhook.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	APIKeyHeader     = "X-API-Key"
	AuthorizationURL = "/webhooks/authorization"
	maxBodyBytes     = 1 << 16

	KindAgent      = "agent"
	KindBuilderFee = "builder_fee"

	defaultResumeTimeout = 3 * time.Minute
	responseSlack        = 10 * time.Second
)

// Resolution is what resuming a user's parked order produced.
type Resolution struct {
	Status string
	Detail string
}

// Authorizations handles "user finished authorizing" events.
type Authorizations interface {
	AuthorizationCompleted(ctx context.Context, userID, kind string) (Resolution, error)
}

type Config struct {
	Address        string
	WebhookAPIKey  string
	MetricsPath    string
	Metrics        http.Handler
	Ready          func() error
	Authorizations Authorizations
	// ResumeTimeout is how long a resumed order may take; the webhook
	// response deadline is stretched to cover it.
	ResumeTimeout time.Duration
	Logger        *zap.Logger
}

type Server struct {
	server *http.Server
	log    *zap.Logger
}

type authorizationRequest struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind,omitempty"`
}

type authorizationResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		server: &http.Server{
			Addr:              cfg.Address,
			Handler:           newRouter(cfg, log),
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: log,
	}
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("http server starting", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newRouter(cfg Config, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler(cfg.Ready))
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, cfg.Metrics)
	}
	if cfg.Authorizations != nil {
		if strings.TrimSpace(cfg.WebhookAPIKey) == "" {
			log.Warn("authorization webhook disabled: no api key configured")
		} else {
			timeout := cfg.ResumeTimeout
			if timeout <= 0 {
				timeout = defaultResumeTimeout
			}
			r.With(requireAPIKey(cfg.WebhookAPIKey)).
				Post(AuthorizationURL, authorizationHandler(cfg.Authorizations, timeout, log))
		}
	}
	return r
}

func healthHandler(ready func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// requireAPIKey accepts the key as a bearer token or in X-API-Key.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if got == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorizationHandler(auth Authorizations, timeout time.Duration, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authorizationRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		if req.UserID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
			return
		}
		req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
		switch req.Kind {
		case "", KindAgent, KindBuilderFee:
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "kind must be agent or builder_fee"})
			return
		}
		// The server-wide write timeout is shorter than a resumed order.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(timeout + responseSlack))
		res, err := auth.AuthorizationCompleted(r.Context(), req.UserID, req.Kind)
		if err != nil {
			log.Warn("authorization webhook failed", zap.String("user_id", req.UserID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not process authorization"})
			return
		}
		log.Info("authorization completed",
			zap.String("user_id", req.UserID),
			zap.String("kind", req.Kind),
			zap.String("status", res.Status),
		)
		writeJSON(w, http.StatusOK, authorizationResponse{UserID: req.UserID, Status: res.Status, Detail: res.Detail})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
