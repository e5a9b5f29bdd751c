// Package transporthttp exposes the services over HTTP under /api/v1.
package transporthttp

import (
	"log/slog"
	"net/http"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/nfcstats/internal/cache"
	"example.com/nfcstats/internal/clients"
	"example.com/nfcstats/internal/config"
	"example.com/nfcstats/internal/counter"
	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/ingest"
	"example.com/nfcstats/internal/metrics"
	"example.com/nfcstats/internal/profile"
	"example.com/nfcstats/internal/reports"
	"example.com/nfcstats/internal/stats"
)

type ServerDeps struct {
	Cfg    config.Config
	Store  docstore.Store
	Logger *slog.Logger
	Clock  quartz.Clock
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics

	Ingest   *ingest.Pipeline
	Counter  *counter.Service
	Stats    *stats.Projector
	Clients  *clients.Service
	Profiles *profile.Service
	Reports  *reports.Service

	debounce *cache.Cache[struct{}]
}

func (d *ServerDeps) Router() http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.debounce = cache.New[struct{}](cache.Options{
		Name:    "scan_debounce",
		TTL:     d.Cfg.ScanDebounce,
		Clock:   d.Clock,
		Metrics: d.Metrics,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(Correlate)
	r.Use(RequestLogger(d.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.Cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key", "Authorization", HeaderCorrelationID},
		ExposedHeaders: []string{HeaderCorrelationID, "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", d.HandleHealthz)
	r.Get("/readyz", d.HandleReadyz)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APIKeyAuth(d.Cfg.APIKeySet()))
		r.Use(RateLimitPerMinute(d.Cfg.RateLimitPerMin))
		r.Use(BodyLimit(d.Cfg.MaxBodyBytes))

		r.With(RequireJSON).Post("/events/batch", d.HandlePostEventsBatch)

		r.Route("/tags", func(r chi.Router) {
			r.With(RequireJSON).Post("/", d.HandlePostTag)
			r.Get("/", d.HandleListTags)
			r.Get("/{uid}", d.HandleGetTag)
		})

		r.Get("/stats/uids", d.HandleListStats)
		r.Get("/stats/uids/{uid}", d.HandleGetStats)

		r.Get("/users/{uid}", d.HandleGetUser)

		r.Route("/clients", func(r chi.Router) {
			r.With(RequireJSON).Post("/", d.HandlePostClient)
			r.Get("/", d.HandleListClients)
			r.Get("/{uid}", d.HandleGetClient)
		})

		r.Route("/reports", d.reportRoutes)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteProblem(w, http.StatusNotFound, "not found", "no such route", nil)
	})
	return r
}
