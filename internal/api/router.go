package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/siwachabhi/sonic-relay/internal/auth"
	"github.com/siwachabhi/sonic-relay/internal/config"
	"github.com/siwachabhi/sonic-relay/internal/credentials"
	"github.com/siwachabhi/sonic-relay/internal/logx"
	"github.com/siwachabhi/sonic-relay/internal/metrics"
	"github.com/siwachabhi/sonic-relay/internal/relay"
)

// CredentialSource exposes the current credential snapshot.
type CredentialSource interface {
	Get() (credentials.Credentials, bool)
}

// RelayServer serves one upgraded client connection.
type RelayServer interface {
	Serve(ctx context.Context, t relay.Transport) error
}

type Server struct {
	cfg   config.Config
	creds CredentialSource
	relay RelayServer
}

func NewRouter(cfg config.Config, creds CredentialSource, rs RelayServer) http.Handler {
	s := &Server{cfg: cfg, creds: creds, relay: rs}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Group(func(plain chi.Router) {
		plain.Use(middleware.Timeout(10 * time.Second))
		plain.Get("/health", handleHealth)
		plain.Get("/", handleHealth)
		plain.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		})
		plain.Get("/credentials/info", s.handleCredentialsInfo)
		plain.Get("/metrics", metrics.Handler().ServeHTTP)
	})

	// Streaming connections are long-lived, so no request timeout here.
	if cfg.JWTSecret != "" {
		r.With(auth.Middleware(cfg.JWTSecret)).Get("/ws", s.handleWebSocket)
	} else {
		r.Get("/ws", s.handleWebSocket)
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logx.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
