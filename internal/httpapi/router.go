// Package httpapi serves stored records over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Config struct {
	Backend   Backend
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	StaticDir string
	OpTimeout time.Duration
	RateLimit rate.Limit
	RateBurst int

	// TrustedProxies are peers whose X-Forwarded-For is believed for rate limiting.
	TrustedProxies []netip.Prefix
}

// NewRouter wires the API, probes, metrics and static assets.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Inf
	}

	h := &handlers{backend: cfg.Backend, log: cfg.Logger, opTimeout: cfg.OpTimeout}
	m := newHTTPMetrics(cfg.Registry)
	limiter := newIPLimiter(cfg.RateLimit, cfg.RateBurst, cfg.TrustedProxies)

	notFound := func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(m.instrument)
	r.Use(cors)
	r.NotFound(notFound)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{Registry: cfg.Registry}))

	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.middleware(m.rateLimitHits))
		r.NotFound(notFound)
		r.Get("/{collection}-entries", h.listEntries)
	})

	if info, err := os.Stat(cfg.StaticDir); cfg.StaticDir != "" && err == nil && info.IsDir() {
		r.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))
	} else if cfg.StaticDir != "" {
		cfg.Logger.Warn("static_dir_missing", "dir", cfg.StaticDir)
	}
	return r
}
