package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/soportecyclops/tienda21/internal/gateway"
	"github.com/soportecyclops/tienda21/internal/otel"
	"github.com/soportecyclops/tienda21/internal/session"
)

const defaultTimeout = 60 * time.Second

// SessionDirectory is the session access the operator API needs.
type SessionDirectory interface {
	session.Store
	CountOpen(ctx context.Context) (int64, error)
}

// CatalogCounter reports catalog size for status.
type CatalogCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Server holds the HTTP API dependencies.
type Server struct {
	router      *chi.Mux
	webhooks    *gateway.Handler
	sessions    SessionDirectory
	catalog     CatalogCounter
	providers   []string
	apiKeys     map[string]string
	corsOrigins []string
	version     string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCatalog exposes catalog size on the status endpoint.
func WithCatalog(c CatalogCounter) Option {
	return func(s *Server) { s.catalog = c }
}

// WithCORSOrigins sets allowed CORS origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithVersion sets the version string reported by /v1/status.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a Server. providers is the configured failover order,
// reported on status for operators.
func NewServer(webhooks *gateway.Handler, sessions SessionDirectory, providers []string,
	apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		webhooks:    webhooks,
		sessions:    sessions,
		providers:   providers,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)

	// Store webhooks: authenticated by HMAC signature, not API key
	r.Post("/webhooks/chat", s.webhooks.HandleChat)
	r.Post("/webhooks/products", s.webhooks.HandleProducts)

	// Operator API
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/sessions/{id}", s.handleSessionGet)
		r.Post("/v1/sessions/close", s.handleSessionClose)
	})

	return r
}
