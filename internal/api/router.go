// Package api exposes the dispatcher over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/shineum/email-relay-api/internal/dispatch"
	"github.com/shineum/email-relay-api/internal/metrics"
)

// Endpoints lists the routes reported to clients that hit an unknown path.
var Endpoints = []string{
	"GET /health",
	"POST /api/v1/send-email",
}

// Config holds the router's collaborators and limits.
type Config struct {
	Dispatcher *dispatch.Dispatcher

	// Metrics is optional. When set, every request is observed and
	// /metrics is served.
	Metrics *metrics.Metrics

	Logger *slog.Logger

	// Environment is reported by /health. "production" also tightens the
	// security headers.
	Environment string

	MaxBodyBytes   int64
	RequestTimeout time.Duration

	// TrustProxy replaces the remote address with the one named in
	// X-Forwarded-For / X-Real-IP. Rate limiting keys on the result.
	TrustProxy bool

	// RateLimit requests are allowed per client IP every RateWindow.
	// Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration

	AllowedOrigins []string

	// Now overrides time.Now for /health.
	Now func() time.Time
}

type handler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewRouter builds the HTTP handler for the service.
func NewRouter(cfg Config) http.Handler {
	h := &handler{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "http")
	if h.now == nil {
		h.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(h.observe)
	r.Use(h.recoverer)
	r.Use(h.securityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.AllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))
	if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
		r.Use(httprate.Limit(cfg.RateLimit, cfg.RateWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(h.rateLimited),
		))
	}
	if cfg.MaxBodyBytes > 0 {
		r.Use(limitBody(cfg.MaxBodyBytes))
	}
	if cfg.RequestTimeout > 0 {
		r.Use(deadline(cfg.RequestTimeout))
	}

	r.NotFound(h.notFound)
	r.MethodNotAllowed(h.methodNotAllowed)

	r.Get("/health", h.health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/send-email", h.sendEmail)
	})

	return r
}

func (h *handler) securityHeaders() func(http.Handler) http.Handler {
	return secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		STSSeconds:            15552000,
		STSIncludeSubdomains:  true,
		IsDevelopment:         h.cfg.Environment != "production",
	}).Handler
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
